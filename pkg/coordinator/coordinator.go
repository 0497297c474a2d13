// Package coordinator owns the lifecycle of performance runs: admission,
// load execution, finalization, analysis and post-run reporting.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/testpilot-io/testpilot/pkg/analyst"
	"github.com/testpilot-io/testpilot/pkg/config"
	"github.com/testpilot-io/testpilot/pkg/driver"
	"github.com/testpilot-io/testpilot/pkg/events"
	"github.com/testpilot-io/testpilot/pkg/metrics"
	"github.com/testpilot-io/testpilot/pkg/report"
	"github.com/testpilot-io/testpilot/pkg/sink"
	"github.com/testpilot-io/testpilot/pkg/store"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

var (
	// ErrAdmission is returned when a run cannot be queued.
	ErrAdmission = errors.New("run not admitted")

	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrNotTerminal is returned when a result is requested before the run
	// has finished.
	ErrNotTerminal = errors.New("run has not finished")

	// ErrStopped is returned when submitting to a stopped coordinator.
	ErrStopped = errors.New("coordinator stopped")
)

const (
	tailBuckets         = 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	cancelledNarrative  = "Run was cancelled before it started; no requests were issued."
)

// Store is the persistence the coordinator needs.
type Store interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRunState(ctx context.Context, id, state string) error
	AppendRunDetails(ctx context.Context, runID string, details []store.RunDetail) error
	FinalizeRun(ctx context.Context, runID string, fin store.RunFinalization) error
	SaveAnalysis(ctx context.Context, runID string, res store.AnalysisResult) error
	FailRun(ctx context.Context, runID, reason string) error
	FailInterruptedRuns(ctx context.Context, reason string) (int64, error)
	SetReportURL(ctx context.Context, runID, url string) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error)
	ListRunDetails(ctx context.Context, runID string) ([]store.RunDetail, error)
	ListRecommendations(ctx context.Context, runID string) ([]store.Recommendation, error)
}

// Analyst produces the analysis of a finalized run.
type Analyst interface {
	Analyze(ctx context.Context, in analyst.Input) analyst.Result
}

// Config tunes admission and run execution.
type Config struct {
	MaxConcurrentRuns    int
	QueueSize            int
	MaxUsers             int
	SampleCap            int
	SampleCapRelaxFactor int
	SnapshotInterval     time.Duration
	GracePeriod          time.Duration
	AnalystBudget        time.Duration
	HistoryDepth         int
	CollectHostInfo      bool
}

// ConfigFromPerformance maps the performance section of the config file.
func ConfigFromPerformance(p *config.PerformanceConfig) Config {
	return Config{
		MaxConcurrentRuns:    p.MaxConcurrentRuns,
		QueueSize:            p.QueueSize,
		MaxUsers:             p.MaxUsers,
		SampleCap:            p.SampleCap,
		SampleCapRelaxFactor: p.SampleCapRelaxFactor,
		SnapshotInterval:     p.SnapshotInterval(),
		GracePeriod:          p.GracePeriod,
		AnalystBudget:        p.AnalystBudget,
		HistoryDepth:         p.HistoryDepth,
		CollectHostInfo:      true,
	}
}

// Dependencies are the collaborators of a Coordinator. Archiver, Publisher
// and Metrics are optional.
type Dependencies struct {
	Store     Store
	Driver    driver.Driver
	Analyst   Analyst
	Archiver  report.Archiver
	Publisher events.Publisher
	Metrics   *metrics.Recorder
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID         string               `json:"run_id"`
	State         string               `json:"state"`
	Progress      float64              `json:"progress"`
	Queued        bool                 `json:"queued"`
	Cancelled     bool                 `json:"cancelled"`
	Summary       *sink.SummaryMetrics `json:"summary_metrics,omitempty"`
	Verdict       *threshold.Verdict   `json:"verdict,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

// Result is a finished run with everything attached to it.
type Result struct {
	Run             *store.Run
	Summary         sink.SummaryMetrics
	Verdict         threshold.Verdict
	Recommendations []store.Recommendation
	Details         []store.RunDetail
}

// HistoryFilter narrows History.
type HistoryFilter struct {
	TestType string
	Limit    int
}

// RunEvent is the payload of run lifecycle events.
type RunEvent struct {
	RunID             string  `json:"run_id"`
	TestName          string  `json:"test_name"`
	TestType          string  `json:"test_type"`
	State             string  `json:"state"`
	Verdict           string  `json:"verdict,omitempty"`
	Cancelled         bool    `json:"cancelled"`
	TotalRequests     int64   `json:"total_requests"`
	ErrorRatePct      float64 `json:"error_rate_pct"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	FailureReason     string  `json:"failure_reason,omitempty"`
}

// Coordinator admits, executes and tracks performance runs.
type Coordinator struct {
	log  logrus.FieldLogger
	cfg  Config
	deps Dependencies

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	runs        map[string]*activeRun
	queue       []*activeRun
	running     int
	pending     int
	enduranceID string
	stopped     bool
}

// activeRun is a run that is queued or executing in this process.
type activeRun struct {
	id        string
	spec      *spec
	sink      *sink.Sink
	done      chan struct{}
	cancelled atomic.Bool

	// Guarded by Coordinator.mu.
	state     string
	queued    bool
	startedAt time.Time
	cancel    context.CancelFunc
}

// New creates a Coordinator.
func New(log logrus.FieldLogger, cfg Config, deps Dependencies) *Coordinator {
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 1
	}

	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Second
	}

	if cfg.AnalystBudget <= 0 {
		cfg.AnalystBudget = config.DefaultAnalystBudget
	}

	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = config.DefaultHistoryDepth
	}

	if deps.Archiver == nil {
		deps.Archiver = report.NewArchiver(log, nil)
	}

	if deps.Publisher == nil {
		deps.Publisher = events.NoopPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		log:        log.WithField("component", "coordinator"),
		cfg:        cfg,
		deps:       deps,
		baseCtx:    ctx,
		cancelBase: cancel,
		runs:       make(map[string]*activeRun, cfg.MaxConcurrentRuns+cfg.QueueSize),
	}
}

// Recover fails runs a previous process left unfinished.
func (c *Coordinator) Recover(ctx context.Context) error {
	n, err := c.deps.Store.FailInterruptedRuns(ctx, "interrupted by service restart")
	if err != nil {
		return err
	}

	if n > 0 {
		c.log.WithField("runs", n).Warn("Failed runs interrupted by a previous shutdown")
	}

	return nil
}

// Stop cancels executing runs, fails queued ones and waits for every run
// goroutine to return.
func (c *Coordinator) Stop() error {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()

		return nil
	}

	c.stopped = true
	queued := c.queue
	c.queue = nil

	for _, ar := range queued {
		delete(c.runs, ar.id)

		if c.enduranceID == ar.id {
			c.enduranceID = ""
		}
	}

	c.mu.Unlock()

	for _, ar := range queued {
		if err := c.deps.Store.FailRun(context.Background(), ar.id, "service stopped before the run started"); err != nil {
			c.log.WithError(err).WithField("run_id", ar.id).Warn("Failed to fail queued run")
		}

		close(ar.done)
	}

	c.cancelBase()
	c.wg.Wait()

	c.log.Debug("Coordinator stopped")

	return nil
}

// Start validates and admits a run and returns its id without waiting for
// it to execute.
func (c *Coordinator) Start(ctx context.Context, req Request) (string, error) {
	s, err := validate(req, c.cfg.MaxUsers)
	if err != nil {
		return "", err
	}

	thresholds, err := json.Marshal(s.Thresholds)
	if err != nil {
		return "", fmt.Errorf("encoding thresholds: %w", err)
	}

	var params []byte
	if len(s.Params) > 0 {
		if params, err = json.Marshal(s.Params); err != nil {
			return "", &ValidationError{
				Field:   "custom_parameters",
				Message: fmt.Sprintf("cannot be encoded: %v", err),
			}
		}
	}

	id := uuid.NewString()

	c.mu.Lock()

	if err := c.admitLocked(id, s.TestType); err != nil {
		c.mu.Unlock()

		return "", err
	}

	c.pending++
	c.mu.Unlock()

	err = c.deps.Store.CreateRun(ctx, &store.Run{
		ID:               id,
		TestName:         s.TestName,
		TestType:         string(s.TestType),
		URL:              s.URL,
		ConcurrentUsers:  s.Users,
		DurationS:        s.DurationS,
		RampUpS:          s.RampUpS,
		Thresholds:       string(thresholds),
		CustomParameters: string(params),
		State:            store.RunStateCreated,
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending--

	if err == nil && c.stopped {
		err = ErrStopped

		go func() {
			_ = c.deps.Store.FailRun(context.Background(), id, "service stopped before the run started")
		}()
	}

	if err != nil {
		if c.enduranceID == id {
			c.enduranceID = ""
		}

		if errors.Is(err, ErrStopped) {
			return "", err
		}

		return "", fmt.Errorf("persisting run: %w", err)
	}

	ar := &activeRun{
		id:    id,
		spec:  s,
		sink:  sink.New(c.sampleCap(s.TestType)),
		done:  make(chan struct{}),
		state: store.RunStateCreated,
	}

	c.runs[id] = ar

	if c.running < c.cfg.MaxConcurrentRuns {
		c.running++
		c.launchLocked(ar)
	} else {
		ar.queued = true
		c.queue = append(c.queue, ar)
	}

	c.reportGaugesLocked()

	c.log.WithFields(logrus.Fields{
		"run_id":    id,
		"test_type": s.TestType,
		"users":     s.Users,
		"queued":    ar.queued,
	}).Info("Run admitted")

	return id, nil
}

// Cancel requests cooperative cancellation and returns the run's state.
// Queued runs finalize immediately with zero samples. Runs past RUNNING
// and terminal runs are left untouched.
func (c *Coordinator) Cancel(ctx context.Context, id string) (string, error) {
	c.mu.Lock()

	ar, ok := c.runs[id]
	if ok && ar.queued {
		c.removeQueuedLocked(ar)
		c.reportGaugesLocked()
		c.mu.Unlock()

		ar.cancelled.Store(true)
		state := c.finishCancelledQueued(context.WithoutCancel(ctx), ar)
		close(ar.done)

		return state, nil
	}

	if ok {
		state := ar.state

		if state == store.RunStateCreated || state == store.RunStateRunning {
			if !ar.cancelled.Swap(true) {
				c.log.WithField("run_id", id).Info("Run cancellation requested")
			}

			if ar.cancel != nil {
				ar.cancel()
			}
		}

		c.mu.Unlock()

		return state, nil
	}

	c.mu.Unlock()

	run, err := c.getRun(ctx, id)
	if err != nil {
		return "", err
	}

	return run.State, nil
}

// Status reports state, progress and, while running, live metrics.
func (c *Coordinator) Status(ctx context.Context, id string) (*Status, error) {
	run, err := c.getRun(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &Status{
		RunID:         run.ID,
		State:         run.State,
		Cancelled:     run.Cancelled,
		FailureReason: run.FailureReason,
	}

	var (
		live      *sink.Sink
		startedAt time.Time
		scheduled time.Duration
	)

	c.mu.Lock()

	if ar, ok := c.runs[id]; ok {
		st.State = ar.state
		st.Queued = ar.queued
		st.Cancelled = st.Cancelled || ar.cancelled.Load()
		live = ar.sink
		startedAt = ar.startedAt
		scheduled = ar.spec.scheduled()
	}

	c.mu.Unlock()

	switch st.State {
	case store.RunStateRunning:
		if scheduled > 0 && !startedAt.IsZero() {
			st.Progress = min(1, max(0, float64(time.Since(startedAt))/float64(scheduled)))
		}

		if live != nil {
			summary := live.Summarize()
			st.Summary = &summary
		}
	case store.RunStateAggregating, store.RunStateAnalyzing,
		store.RunStateCompleted, store.RunStateFailed:
		st.Progress = 1
	}

	if st.Summary == nil && run.SummaryMetrics != "" {
		var summary sink.SummaryMetrics
		if err := json.Unmarshal([]byte(run.SummaryMetrics), &summary); err == nil {
			st.Summary = &summary
		}
	}

	if run.Verdict != "" {
		var verdict threshold.Verdict
		if err := json.Unmarshal([]byte(run.Verdict), &verdict); err == nil {
			st.Verdict = &verdict
		}
	}

	return st, nil
}

// Result returns a terminal run with its metrics, findings and series.
func (c *Coordinator) Result(ctx context.Context, id string) (*Result, error) {
	run, err := c.getRun(ctx, id)
	if err != nil {
		return nil, err
	}

	if !run.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s: %w", id, run.State, ErrNotTerminal)
	}

	res := &Result{Run: run}

	if run.SummaryMetrics != "" {
		if err := json.Unmarshal([]byte(run.SummaryMetrics), &res.Summary); err != nil {
			return nil, fmt.Errorf("decoding summary metrics: %w", err)
		}
	}

	if run.Verdict != "" {
		if err := json.Unmarshal([]byte(run.Verdict), &res.Verdict); err != nil {
			return nil, fmt.Errorf("decoding verdict: %w", err)
		}
	}

	if res.Recommendations, err = c.deps.Store.ListRecommendations(ctx, id); err != nil {
		return nil, err
	}

	if res.Details, err = c.deps.Store.ListRunDetails(ctx, id); err != nil {
		return nil, err
	}

	return res, nil
}

// Run returns the stored record of a run.
func (c *Coordinator) Run(ctx context.Context, id string) (*store.Run, error) {
	return c.getRun(ctx, id)
}

// Details returns the persisted interval series of a run, which grows while
// the run executes.
func (c *Coordinator) Details(ctx context.Context, id string) ([]store.RunDetail, error) {
	if _, err := c.getRun(ctx, id); err != nil {
		return nil, err
	}

	return c.deps.Store.ListRunDetails(ctx, id)
}

// Recommendations returns a run's findings in order.
func (c *Coordinator) Recommendations(ctx context.Context, id string) ([]store.Recommendation, error) {
	return c.deps.Store.ListRecommendations(ctx, id)
}

// History lists the most recent runs.
func (c *Coordinator) History(ctx context.Context, filter HistoryFilter) ([]store.Run, error) {
	if filter.TestType != "" {
		if _, err := driver.ParseTestType(filter.TestType); err != nil {
			return nil, &ValidationError{
				Field:   "test_type",
				Message: "must be one of load, stress, spike, endurance",
			}
		}
	}

	limit := filter.Limit

	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	return c.deps.Store.ListRuns(ctx, store.RunFilter{TestType: filter.TestType, Limit: limit})
}

// Wait blocks until the run with id stops executing in this process or ctx
// ends.
func (c *Coordinator) Wait(ctx context.Context, id string) error {
	c.mu.Lock()
	ar, ok := c.runs[id]
	c.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitLocked enforces the run queue bound and the single endurance slot.
func (c *Coordinator) admitLocked(id string, tt driver.TestType) error {
	if c.stopped {
		return ErrStopped
	}

	if tt == driver.TestTypeEndurance && c.enduranceID != "" {
		return fmt.Errorf("%w: an endurance run is already active or queued", ErrAdmission)
	}

	if c.running+len(c.queue)+c.pending >= c.cfg.MaxConcurrentRuns+c.cfg.QueueSize {
		return fmt.Errorf("%w: run queue is full", ErrAdmission)
	}

	if tt == driver.TestTypeEndurance {
		c.enduranceID = id
	}

	return nil
}

func (c *Coordinator) launchLocked(ar *activeRun) {
	wall := ar.spec.scheduled() + c.cfg.GracePeriod + c.cfg.AnalystBudget

	runCtx, cancelRun := context.WithTimeout(c.baseCtx, wall)
	driveCtx, cancelDrive := context.WithCancel(runCtx)

	ar.cancel = cancelDrive

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer cancelRun()
		defer cancelDrive()

		c.execute(runCtx, driveCtx, ar)
		c.release(ar)
	}()
}

// release frees the run's slot and starts queued runs in FIFO order.
func (c *Coordinator) release(ar *activeRun) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.runs, ar.id)
	c.running--

	if c.enduranceID == ar.id {
		c.enduranceID = ""
	}

	for !c.stopped && c.running < c.cfg.MaxConcurrentRuns && len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		next.queued = false
		c.running++
		c.launchLocked(next)
	}

	c.reportGaugesLocked()
	close(ar.done)
}

func (c *Coordinator) removeQueuedLocked(ar *activeRun) {
	for i, q := range c.queue {
		if q == ar {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)

			break
		}
	}

	delete(c.runs, ar.id)

	if c.enduranceID == ar.id {
		c.enduranceID = ""
	}
}

func (c *Coordinator) setState(ar *activeRun, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ar.state = state

	if state == store.RunStateRunning {
		ar.startedAt = time.Now()
	}
}

func (c *Coordinator) reportGaugesLocked() {
	c.deps.Metrics.SetActiveRuns(c.running, len(c.queue))
}

// sampleCap returns the reservoir size for a run. Only endurance runs hold
// the configured cap strictly.
func (c *Coordinator) sampleCap(tt driver.TestType) int {
	capacity := c.cfg.SampleCap
	if capacity <= 0 || tt == driver.TestTypeEndurance || c.cfg.SampleCapRelaxFactor <= 1 {
		return capacity
	}

	return capacity * c.cfg.SampleCapRelaxFactor
}

func (c *Coordinator) getRun(ctx context.Context, id string) (*store.Run, error) {
	run, err := c.deps.Store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}

	return run, err
}

func (c *Coordinator) publish(routingKey string, ev RunEvent) {
	if err := c.deps.Publisher.Publish(routingKey, ev); err != nil {
		c.log.WithError(err).WithField("run_id", ev.RunID).Warn("Failed to publish run event")
	}
}
