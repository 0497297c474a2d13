// Package engine assembles the performance test engine and the test case
// generator from configuration and owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/testpilot-io/testpilot/pkg/analyst"
	"github.com/testpilot-io/testpilot/pkg/config"
	"github.com/testpilot-io/testpilot/pkg/coordinator"
	"github.com/testpilot-io/testpilot/pkg/driver"
	"github.com/testpilot-io/testpilot/pkg/events"
	"github.com/testpilot-io/testpilot/pkg/introspect"
	"github.com/testpilot-io/testpilot/pkg/llm"
	"github.com/testpilot-io/testpilot/pkg/metrics"
	"github.com/testpilot-io/testpilot/pkg/report"
	"github.com/testpilot-io/testpilot/pkg/store"
	"github.com/testpilot-io/testpilot/pkg/testgen"
)

// Completer is the provider chain shared by the analyst and the generator.
type Completer interface {
	Complete(ctx context.Context, prompt llm.Prompt) (llm.Completion, error)
}

// TestCasesEvent is the payload published after a generation batch is stored.
type TestCasesEvent struct {
	ProjectID string `json:"project_id"`
	URL       string `json:"url"`
	Count     int    `json:"count"`
	Source    string `json:"generation_source"`
	Degraded  bool   `json:"degraded"`
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCompleter replaces the configured provider chain.
func WithCompleter(c Completer) Option {
	return func(e *Engine) {
		e.completer = c
	}
}

// WithOffline makes every provider call fail so analyses and generated test
// cases use their deterministic fallbacks.
func WithOffline() Option {
	return func(e *Engine) {
		e.completer = llm.NewChain(e.log, []llm.Provider{llm.NewOffline()}, llm.ChainOptions{
			Observer: e.metrics,
		})
	}
}

// WithPublisher replaces the configured event publisher. The engine closes it
// on Stop.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithoutRecovery leaves runs of a previous process untouched on Start.
func WithoutRecovery() Option {
	return func(e *Engine) {
		e.skipRecover = true
	}
}

// Engine holds the wired components.
type Engine struct {
	log         logrus.FieldLogger
	cfg         *config.Config
	completer   Completer
	skipRecover bool

	metrics     *metrics.Recorder
	store       store.Store
	cache       introspect.Cache
	publisher   events.Publisher
	archiver    report.Archiver
	coordinator *coordinator.Coordinator
	synthesizer *testgen.Synthesizer
}

// New creates an Engine. Nothing is connected until Start.
func New(log logrus.FieldLogger, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		log:     log.WithField("component", "engine"),
		cfg:     cfg,
		metrics: metrics.New(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.completer == nil {
		e.completer = llm.NewChainFromConfig(log, &cfg.LLM, e.metrics)
	}

	return e
}

// Start opens the store and external backends, then builds the coordinator
// and the synthesizer.
func (e *Engine) Start(ctx context.Context) error {
	e.store = store.NewStore(e.log, &e.cfg.Database)
	e.archiver = report.NewArchiver(e.log, &e.cfg.Reports.S3)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.store.Start(gctx); err != nil {
			return fmt.Errorf("starting store: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		cache, err := introspect.NewCache(e.log, &e.cfg.Cache)
		if err != nil {
			return fmt.Errorf("creating fingerprint cache: %w", err)
		}

		e.cache = cache

		return nil
	})

	if e.publisher == nil {
		g.Go(func() error {
			pub, err := events.NewPublisher(e.log, &e.cfg.Events.AMQP)
			if err != nil {
				return fmt.Errorf("creating event publisher: %w", err)
			}

			e.publisher = pub

			return nil
		})
	}

	g.Go(func() error {
		if err := e.archiver.Preflight(gctx); err != nil {
			return fmt.Errorf("report storage preflight: %w", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		e.closeBackends()

		return err
	}

	perf := &e.cfg.Performance

	e.coordinator = coordinator.New(e.log, coordinator.ConfigFromPerformance(perf), coordinator.Dependencies{
		Store: e.store,
		Driver: driver.New(e.log, driver.Config{
			RequestTimeout: perf.RequestTimeout,
			GracePeriod:    perf.GracePeriod,
		}),
		Analyst: analyst.New(e.log, e.completer, analyst.Config{
			MaxRecommendations: perf.MaxRecommendations,
			Temperature:        e.cfg.LLM.Temperature,
		}),
		Archiver:  e.archiver,
		Publisher: e.publisher,
		Metrics:   e.metrics,
	})

	if !e.skipRecover {
		if err := e.coordinator.Recover(ctx); err != nil {
			e.closeBackends()

			return fmt.Errorf("recovering runs: %w", err)
		}
	}

	inspector := introspect.New(e.log, introspect.OptionsFromConfig(&e.cfg.Generator), e.cache)

	e.synthesizer = testgen.New(e.log, e.store, inspector, e.completer, testgen.Config{
		ProjectPolicy: e.cfg.Generator.ProjectPolicy,
		Temperature:   e.cfg.LLM.Temperature,
	}, e.metrics)

	e.log.WithFields(logrus.Fields{
		"database":  e.cfg.Database.Driver,
		"cache":     e.cfg.Cache.Driver,
		"providers": e.cfg.LLM.Priority,
	}).Info("Engine started")

	return nil
}

// Stop drains the coordinator and closes every backend.
func (e *Engine) Stop() error {
	var errs []error

	if e.coordinator != nil {
		if err := e.coordinator.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping coordinator: %w", err))
		}
	}

	if err := e.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	e.log.Info("Engine stopped")

	return errors.Join(errs...)
}

func (e *Engine) closeBackends() error {
	var errs []error

	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing event publisher: %w", err))
		}
	}

	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing cache: %w", err))
		}
	}

	if e.store != nil {
		if err := e.store.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping store: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Coordinator returns the run coordinator. Valid after Start.
func (e *Engine) Coordinator() *coordinator.Coordinator {
	return e.coordinator
}

// Metrics returns the metrics recorder.
func (e *Engine) Metrics() *metrics.Recorder {
	return e.metrics
}

// GenerateTestCases runs the synthesizer and announces the stored batch.
func (e *Engine) GenerateTestCases(ctx context.Context, req testgen.Request) (*testgen.Result, error) {
	res, err := e.synthesizer.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := e.publisher.Publish(events.TestCasesGenerated, TestCasesEvent{
		ProjectID: res.ProjectID,
		URL:       res.URLAnalyzed,
		Count:     len(res.TestCases),
		Source:    res.Source,
		Degraded:  res.Degraded,
	}); err != nil {
		e.log.WithError(err).Warn("Failed to publish test case event")
	}

	return res, nil
}

// ListTestCases returns the stored test cases of a project.
func (e *Engine) ListTestCases(ctx context.Context, projectID string) ([]store.TestCase, error) {
	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", testgen.ErrProjectNotFound, projectID)
		}

		return nil, fmt.Errorf("loading project: %w", err)
	}

	cases, err := e.store.ListTestCases(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing test cases: %w", err)
	}

	return cases, nil
}
