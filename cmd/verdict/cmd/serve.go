package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/core/config"
	"github.com/verdictlab/verdict/internal/core/metrics"
	"github.com/verdictlab/verdict/internal/core/publish"
	"github.com/verdictlab/verdict/internal/core/service"
	"github.com/verdictlab/verdict/internal/core/store"
	"github.com/verdictlab/verdict/internal/load"
	"github.com/verdictlab/verdict/internal/registry"
)

const Version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("definitions", "", "rule/pipeline definitions directory")
	serveCmd.Flags().String("nats-url", "", "NATS server URL")
	serveCmd.Flags().Int("workers", 0, "parallel-branch worker pool size")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("definitions") {
		dir, _ := cmd.Flags().GetString("definitions")
		cfg.DefinitionsDir = dir
	}
	if cmd.Flags().Changed("nats-url") {
		url, _ := cmd.Flags().GetString("nats-url")
		cfg.NATSUrl = url
	}
	if cmd.Flags().Changed("workers") {
		workers, _ := cmd.Flags().GetInt("workers")
		cfg.Workers = workers
	}
	if dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	logger := newLogger(logLevel, logFormat)

	database, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	var migrationID string
	checkQuery := `SELECT migration_id FROM migrations WHERE migration_id = '001_executions.sql'`
	err = database.Get(&migrationID, database.Rebind(checkQuery))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("migration 001_executions not applied - run 'verdict migrate' first")
		}
		return fmt.Errorf("failed to check migrations: %w", err)
	}

	auditStore, err := store.New(database)
	if err != nil {
		return fmt.Errorf("failed to prepare audit store: %w", err)
	}

	defs, err := load.LoadDir(cfg.DefinitionsDir)
	if err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}
	reg, err := registry.Build(defs)
	if err != nil {
		return fmt.Errorf("invalid definitions: %w", err)
	}

	secrets, err := config.CallbackSecrets()
	if err != nil {
		return fmt.Errorf("failed to load callback secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no callback secrets configured (set VD_CALLBACK_SECRET environment variable)")
	}

	nc, err := nats.Connect(cfg.NATSUrl,
		nats.Name("verdict"),
		nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	publisher := publish.NewPublisher(nc, cfg.DecisionSubject, cfg.SnapshotSubject, logger)

	svc := service.New(service.Config{
		Registry:    reg,
		Provider:    agg.NewMemoryProvider(),
		Store:       auditStore,
		Publisher:   publisher,
		Metrics:     metrics.NewMetrics(),
		Workers:     cfg.Workers,
		Budget:      cfg.PipelineBudget,
		AggCacheTTL: cfg.AggCacheTTL,
		Logger:      logger,
	})

	callbacks := publish.NewCallbackConsumer(nc, cfg.CallbackSubject, secrets, svc.UpdateDecision, logger)
	if err := callbacks.Start(ctx); err != nil {
		return fmt.Errorf("failed to start callback consumer: %w", err)
	}
	defer callbacks.Stop()

	events := publish.NewEventConsumer(nc, cfg.EventSubject, svc.Decide, logger)
	if err := events.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event consumer: %w", err)
	}
	defer events.Stop()

	logger.Info("verdict service started",
		"version", Version,
		"event_subject", cfg.EventSubject,
		"pipelines", len(reg.PipelineIDs()),
		"rulesets", len(reg.RulesetIDs()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	if err := nc.Drain(); err != nil {
		logger.Warn("NATS drain failed", "error", err)
	}
	return nil
}
