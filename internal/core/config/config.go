// Package config provides configuration management for the Verdict
// decision service.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServiceConfig holds configuration for the decision service.
type ServiceConfig struct {
	DatabaseURL     string
	DefinitionsDir  string
	NATSUrl         string
	EventSubject    string
	DecisionSubject string
	CallbackSubject string
	SnapshotSubject string

	Workers        int           // parallel-branch and rule pool bound
	PipelineBudget time.Duration // default per-execution wall-clock budget
	AggCacheTTL    time.Duration // aggregation result cache TTL
	AggTimeout     time.Duration // per-query aggregation budget

	LogLevel  string
	LogFormat string
}

// DefaultServiceConfig returns configuration with default values.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		DatabaseURL:     "sqlite://verdict.db",
		DefinitionsDir:  "./definitions",
		NATSUrl:         "nats://127.0.0.1:4222",
		EventSubject:    "verdict.events",
		DecisionSubject: "verdict.decisions",
		CallbackSubject: "verdict.callbacks",
		SnapshotSubject: "verdict.snapshots",
		Workers:         8,
		PipelineBudget:  400 * time.Millisecond,
		AggCacheTTL:     5 * time.Second,
		AggTimeout:      150 * time.Millisecond,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// CallbackSecrets extracts callback HMAC secrets from environment
// variables. Supports VD_CALLBACK_SECRET (single) and VD_CALLBACK_SECRET_N
// (rotation). Returns map of key_id -> decoded secret bytes.
func CallbackSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	// Format: <key_id>:<base64_secret>
	if val := os.Getenv("VD_CALLBACK_SECRET"); val != "" {
		keyID, decoded, err := ParseSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("VD_CALLBACK_SECRET: %w", err)
		}
		secrets[keyID] = decoded
	}

	// Numbered secrets enable rotation: old and new keys stay valid
	// during migration
	for i := 1; ; i++ {
		key := fmt.Sprintf("VD_CALLBACK_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		keyID, decoded, err := ParseSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[keyID]; exists {
			return nil, fmt.Errorf("duplicate key_id %q in environment (check VD_CALLBACK_SECRET and VD_CALLBACK_SECRET_*)", keyID)
		}
		secrets[keyID] = decoded
	}

	return secrets, nil
}

// ParseSecretWithID parses the key_id:base64_secret format. Key ID must
// be 32 hex chars (UUIDv7 without hyphens).
func ParseSecretWithID(envValue string) (keyID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <key_id>:<base64_secret>")
	}

	keyID = parts[0]
	if len(keyID) != 32 {
		return "", nil, fmt.Errorf("key_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range keyID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("key_id must be hex chars only")
		}
	}

	secret, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(secret) < 32 {
		return "", nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(secret))
	}

	return keyID, secret, nil
}
