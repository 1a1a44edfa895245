// Package service assembles the decision engine: registry, aggregation
// provider, rule/ruleset engines, and orchestrator, wired to the audit
// store and the messaging boundary. One Service instance serves
// concurrent decision requests.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/verdictlab/verdict/internal/agg"
	"github.com/verdictlab/verdict/internal/core/metrics"
	"github.com/verdictlab/verdict/internal/core/store"
	"github.com/verdictlab/verdict/internal/pipeline"
	"github.com/verdictlab/verdict/internal/registry"
	"github.com/verdictlab/verdict/internal/rules"
	"github.com/verdictlab/verdict/internal/ruleset"
	"github.com/verdictlab/verdict/internal/types"
)

// Publisher is the outbound messaging boundary. publish.Publisher is
// the NATS implementation.
type Publisher interface {
	PublishDecision(fd types.FinalDecision) error
	PublishSnapshot(fd types.FinalDecision) error
}

// Config carries service construction parameters. Store, Publisher, and
// Metrics are optional; a nil value disables that concern (tests,
// validate runs).
type Config struct {
	Registry  *registry.Registry
	Provider  agg.Provider
	Store     *store.Store
	Publisher Publisher
	Metrics   *metrics.Metrics

	Workers     int
	Budget      time.Duration
	AggCacheTTL time.Duration
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Service drives pipeline executions and the async refinement path.
type Service struct {
	registry *registry.Registry
	orch     *pipeline.Orchestrator
	store    *store.Store
	pub      Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// New wires the engine stack.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	provider := cfg.Provider
	if provider != nil && cfg.AggCacheTTL > 0 {
		cached := agg.NewCachedProvider(provider, cfg.AggCacheTTL)
		if cfg.Metrics != nil {
			cached.OnHit = cfg.Metrics.CacheHit
			cached.OnMiss = cfg.Metrics.CacheMiss
		}
		provider = cached
	}

	ruleEngine := rules.NewEngine(cfg.Workers, cfg.Logger)
	if cfg.Metrics != nil {
		m := cfg.Metrics
		ruleEngine.OnResult = func(ruleID string, triggered bool, _ time.Duration) {
			m.ObserveRule(ruleID, triggered)
		}
	}

	rsEngine := ruleset.NewEngine(ruleEngine, cfg.Logger)

	orch := pipeline.New(pipeline.Config{
		Rulesets:  cfg.Registry,
		Pipelines: cfg.Registry,
		Engine:    rsEngine,
		Provider:  provider,
		Workers:   cfg.Workers,
		Budget:    cfg.Budget,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
	})
	if cfg.Metrics != nil {
		m := cfg.Metrics
		orch.OnStep = func(pipelineID, _, kind string, d time.Duration, err error) {
			m.ObserveStep(pipelineID, kind, d, err != nil)
		}
	}

	return &Service{
		registry: cfg.Registry,
		orch:     orch,
		store:    cfg.Store,
		pub:      cfg.Publisher,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}
}

// RegisterInvoker attaches an external collaborator for call steps. The
// breaker's state transitions feed the breaker gauge.
func (s *Service) RegisterInvoker(name string, inv pipeline.Invoker, breaker *pipeline.Breaker) {
	if breaker == nil {
		breaker = pipeline.NewBreaker(0, 0)
	}
	if s.metrics != nil {
		m := s.metrics
		breaker.OnStateChange = func(_, to pipeline.BreakerState) {
			m.SetBreakerState(name, int(to))
		}
	}
	s.orch.RegisterInvoker(name, inv, breaker)
}

// Decide runs one pipeline execution for an event: orchestrate, audit,
// publish, and forward any captured data snapshot asynchronously. The
// synchronous caller gets the (possibly interim) decision without ever
// waiting on the async analysis.
func (s *Service) Decide(ctx context.Context, pipelineID string, event *types.Event) (types.FinalDecision, error) {
	p, ok := s.registry.Pipeline(pipelineID)
	if !ok {
		return types.FinalDecision{}, types.NewConfigError(pipelineID, "unknown pipeline")
	}

	fd, runErr := s.orch.Run(ctx, p, event)

	if s.metrics != nil {
		s.metrics.ObserveDecision(pipelineID, fd.Action.Wire(), fd.State.String())
	}
	s.audit(fd, event.Type)

	if runErr != nil {
		return fd, runErr
	}

	if s.pub != nil {
		if err := s.pub.PublishDecision(fd); err != nil {
			s.logger.Error("decision publish failed",
				"execution_id", fd.ExecutionID, "error", err)
		}
		// A non-null snapshot means an infer clause matched, whether it
		// won the decision (interim) or was captured after a non-
		// terminating winner; both go to async analysis
		if !fd.DataSnapshot.IsNull() {
			go s.forwardSnapshot(fd)
		}
	}

	return fd, nil
}

func (s *Service) audit(fd types.FinalDecision, eventType string) {
	if s.store == nil {
		return
	}
	rec, err := store.RecordFromDecision(fd, eventType, s.clock())
	if err == nil {
		err = s.store.Insert(rec)
	}
	if err != nil {
		// Audit failure degrades, never blocks the decision
		s.logger.Error("audit write failed", "execution_id", fd.ExecutionID, "error", err)
	}
}

func (s *Service) forwardSnapshot(fd types.FinalDecision) {
	if err := s.pub.PublishSnapshot(fd); err != nil {
		s.logger.Error("snapshot forward failed",
			"execution_id", fd.ExecutionID, "error", err)
	}
}

// UpdateDecision applies an authenticated async refinement to a
// previously interim decision. Replace-once: a decision that is already
// final stays final.
func (s *Service) UpdateDecision(ctx context.Context, upd types.DecisionUpdate) error {
	if s.store == nil {
		return types.ErrExecutionNotFound
	}

	err := s.store.ApplyUpdate(upd, s.clock())
	if s.metrics != nil {
		s.metrics.ObserveUpdate(updateResult(err))
	}
	if err != nil {
		return err
	}

	s.logger.Info("interim decision replaced",
		"execution_id", upd.ExecutionID,
		"action", upd.NewAction.Wire(),
		"confidence", upd.Confidence)

	if s.pub != nil {
		rec, err := s.store.Get(upd.ExecutionID)
		if err != nil {
			return err
		}
		refined := types.FinalDecision{
			ExecutionID: upd.ExecutionID,
			PipelineID:  rec.PipelineID,
			EventID:     types.EventID(rec.EventID),
			Action:      upd.NewAction,
			Score:       rec.Score,
			Reason:      upd.Reason,
			Confidence:  upd.Confidence,
			State:       types.ExecCompleted,
		}
		if err := s.pub.PublishDecision(refined); err != nil {
			s.logger.Error("refined decision publish failed",
				"execution_id", upd.ExecutionID, "error", err)
		}
	}
	return nil
}

func updateResult(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, types.ErrDecisionFinal):
		return "final"
	case errors.Is(err, types.ErrExecutionNotFound):
		return "not_found"
	default:
		return "error"
	}
}
