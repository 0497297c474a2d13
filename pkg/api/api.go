// Package api serves the performance test engine and the test case generator
// over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/testpilot-io/testpilot/pkg/config"
	"github.com/testpilot-io/testpilot/pkg/coordinator"
	"github.com/testpilot-io/testpilot/pkg/metrics"
	"github.com/testpilot-io/testpilot/pkg/report"
	"github.com/testpilot-io/testpilot/pkg/store"
	"github.com/testpilot-io/testpilot/pkg/testgen"
)

const shutdownTimeout = 10 * time.Second

// Runs is the run coordinator as seen by the API.
type Runs interface {
	Start(ctx context.Context, req coordinator.Request) (string, error)
	Cancel(ctx context.Context, id string) (string, error)
	Status(ctx context.Context, id string) (*coordinator.Status, error)
	Run(ctx context.Context, id string) (*store.Run, error)
	Details(ctx context.Context, id string) ([]store.RunDetail, error)
	Recommendations(ctx context.Context, id string) ([]store.Recommendation, error)
	History(ctx context.Context, filter coordinator.HistoryFilter) ([]store.Run, error)
	Report(ctx context.Context, id string) (*report.Document, error)
}

// TestCases is the test case generator as seen by the API.
type TestCases interface {
	GenerateTestCases(ctx context.Context, req testgen.Request) (*testgen.Result, error)
	ListTestCases(ctx context.Context, projectID string) ([]store.TestCase, error)
}

// Options holds the optional parts of a Server.
type Options struct {
	Metrics *metrics.Recorder
	Version string

	// HostInfo adds a host snapshot to /health.
	HostInfo bool
}

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Handler() http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	runs       Runs
	testCases  TestCases
	opts       Options
	handler    http.Handler
	limiters   []*rateLimiterMap
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	runs Runs,
	testCases TestCases,
	opts Options,
) Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		runs:      runs,
		testCases: testCases,
		opts:      opts,
	}

	s.handler = s.buildRouter()

	return s
}

// Handler returns the routed handler, for embedding and tests.
func (s *server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	for _, rl := range s.limiters {
		rl.stop()
	}

	s.log.Info("API server stopped")

	return nil
}
