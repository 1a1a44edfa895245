package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*ServiceConfig, error) {
	v := viper.New()

	// Defaults matching DefaultServiceConfig
	v.SetDefault("database_url", "sqlite://verdict.db")
	v.SetDefault("definitions_dir", "./definitions")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.event_subject", "verdict.events")
	v.SetDefault("nats.decision_subject", "verdict.decisions")
	v.SetDefault("nats.callback_subject", "verdict.callbacks")
	v.SetDefault("nats.snapshot_subject", "verdict.snapshots")
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.pipeline_budget", "400ms")
	v.SetDefault("engine.agg_cache_ttl", "5s")
	v.SetDefault("engine.agg_timeout", "150ms")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Bind environment variables with VD_ prefix
	v.SetEnvPrefix("VD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &ServiceConfig{
		DatabaseURL:     v.GetString("database_url"),
		DefinitionsDir:  v.GetString("definitions_dir"),
		NATSUrl:         v.GetString("nats.url"),
		EventSubject:    v.GetString("nats.event_subject"),
		DecisionSubject: v.GetString("nats.decision_subject"),
		CallbackSubject: v.GetString("nats.callback_subject"),
		SnapshotSubject: v.GetString("nats.snapshot_subject"),
		Workers:         v.GetInt("engine.workers"),
		PipelineBudget:  v.GetDuration("engine.pipeline_budget"),
		AggCacheTTL:     v.GetDuration("engine.agg_cache_ttl"),
		AggTimeout:      v.GetDuration("engine.agg_timeout"),
		LogLevel:        v.GetString("log.level"),
		LogFormat:       v.GetString("log.format"),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfig checks pool sizes and budgets before anything starts.
func validateConfig(cfg *ServiceConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", cfg.Workers)
	}
	if cfg.PipelineBudget <= 0 {
		return fmt.Errorf("engine.pipeline_budget must be positive, got %v", cfg.PipelineBudget)
	}
	if cfg.AggTimeout <= 0 {
		return fmt.Errorf("engine.agg_timeout must be positive, got %v", cfg.AggTimeout)
	}
	if cfg.AggTimeout >= cfg.PipelineBudget {
		return fmt.Errorf("engine.agg_timeout (%v) must be below engine.pipeline_budget (%v)",
			cfg.AggTimeout, cfg.PipelineBudget)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url must be set")
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.IsSet("callback_secret") || v.IsSet("nats.callback_secret") {
		return fmt.Errorf("callback secrets not allowed in config files (use VD_CALLBACK_SECRET environment variable)")
	}
	return nil
}
