package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-io/testpilot/pkg/config"
	"github.com/testpilot-io/testpilot/pkg/coordinator"
	"github.com/testpilot-io/testpilot/pkg/engine"
	"github.com/testpilot-io/testpilot/pkg/metrics"
	"github.com/testpilot-io/testpilot/pkg/report"
	"github.com/testpilot-io/testpilot/pkg/store"
	"github.com/testpilot-io/testpilot/pkg/testgen"
)

// fakeRuns returns a fixed error from every call.
type fakeRuns struct {
	err error
}

func (f fakeRuns) Start(context.Context, coordinator.Request) (string, error) { return "", f.err }

func (f fakeRuns) Cancel(context.Context, string) (string, error) { return "", f.err }

func (f fakeRuns) Status(context.Context, string) (*coordinator.Status, error) { return nil, f.err }

func (f fakeRuns) Run(context.Context, string) (*store.Run, error) { return nil, f.err }

func (f fakeRuns) Details(context.Context, string) ([]store.RunDetail, error) { return nil, f.err }

func (f fakeRuns) Recommendations(context.Context, string) ([]store.Recommendation, error) {
	return nil, f.err
}

func (f fakeRuns) History(context.Context, coordinator.HistoryFilter) ([]store.Run, error) {
	return nil, f.err
}

func (f fakeRuns) Report(context.Context, string) (*report.Document, error) { return nil, f.err }

type fakeTestCases struct {
	err error
}

func (f fakeTestCases) GenerateTestCases(context.Context, testgen.Request) (*testgen.Result, error) {
	return nil, f.err
}

func (f fakeTestCases) ListTestCases(context.Context, string) ([]store.TestCase, error) {
	return nil, f.err
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "validation", err: &coordinator.ValidationError{Field: "url", Message: "bad"}, status: http.StatusBadRequest},
		{name: "not found", err: fmt.Errorf("%w: x", coordinator.ErrRunNotFound), status: http.StatusNotFound},
		{name: "admission", err: fmt.Errorf("%w: run queue is full", coordinator.ErrAdmission), status: http.StatusTooManyRequests},
		{name: "not terminal", err: fmt.Errorf("run x is RUNNING: %w", coordinator.ErrNotTerminal), status: http.StatusConflict},
		{name: "stopped", err: coordinator.ErrStopped, status: http.StatusServiceUnavailable},
		{name: "persistence", err: fmt.Errorf("persisting run: %w", assert.AnError), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(testLogger(), &config.ServerConfig{}, fakeRuns{err: tt.err}, fakeTestCases{}, Options{})

			rec := do(t, srv.Handler(), http.MethodPost, "/performance/runs",
				`{"test_type":"load","url":"http://x.test"}`)
			assert.Equal(t, tt.status, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)

			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", resp.Error)
			}
		})
	}
}

func TestTestCaseErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "validation", err: &testgen.ValidationError{Field: "test_count", Message: "bad"}, status: http.StatusBadRequest},
		{name: "unknown project", err: fmt.Errorf("%w: p1", testgen.ErrProjectNotFound), status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(testLogger(), &config.ServerConfig{}, fakeRuns{}, fakeTestCases{err: tt.err}, Options{})

			rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/testcases/from-url",
				`{"url":"http://x.test","project_id":"p1","test_count":3}`)
			assert.Equal(t, tt.status, rec.Code)

			rec = do(t, srv.Handler(), http.MethodGet, "/projects/p1/testcases", "")
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestBadRequests(t *testing.T) {
	srv := NewServer(testLogger(), &config.ServerConfig{}, fakeRuns{}, fakeTestCases{}, Options{})

	rec := do(t, srv.Handler(), http.MethodPost, "/performance/runs", `{"url":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/performance/runs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := `{"test_name":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec = do(t, srv.Handler(), http.MethodPost, "/performance/runs", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	rec := metrics.New()
	rec.RunStarted("load")

	srv := NewServer(testLogger(), &config.ServerConfig{}, fakeRuns{}, fakeTestCases{}, Options{
		Metrics: rec,
		Version: "v1.2.3",
	})

	resp := do(t, srv.Handler(), http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "v1.2.3", health.Version)
	assert.Nil(t, health.Host)

	resp = do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `testpilot_runs_started_total{test_type="load"} 1`)
}

func TestRateLimit(t *testing.T) {
	cfg := &config.ServerConfig{RateLimit: config.RateLimitConfig{
		Enabled: true,
		Read:    config.RateLimitTier{RequestsPerMinute: 600},
		Write:   config.RateLimitTier{RequestsPerMinute: 6},
	}}

	srv := NewServer(testLogger(), cfg, fakeRuns{err: coordinator.ErrStopped}, fakeTestCases{}, Options{})
	defer func() { _ = srv.Stop() }()

	// The write tier allows a burst of one per ten seconds worth.
	rec := do(t, srv.Handler(), http.MethodPost, "/performance/runs", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, srv.Handler(), http.MethodPost, "/performance/runs", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))

	// Reads draw from their own budget; health is never limited.
	rec = do(t, srv.Handler(), http.MethodGet, "/performance/runs", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", extractIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", extractIP(req))
}

// newEngineServer wires a real engine with providers disabled.
func newEngineServer(t *testing.T) http.Handler {
	t.Helper()

	log := testLogger()

	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "api.db")
	cfg.Cache.Driver = config.CacheDriverNone
	cfg.Performance.SnapshotIntervalMS = 200
	cfg.ApplyDefaults()

	eng := engine.New(log, cfg, engine.WithOffline())
	require.NoError(t, eng.Start(context.Background()))

	t.Cleanup(func() { _ = eng.Stop() })

	return NewServer(log, &cfg.Server, eng.Coordinator(), eng, Options{Metrics: eng.Metrics()}).Handler()
}

func TestRunLifecycle(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	h := newEngineServer(t)

	body := fmt.Sprintf(`{"test_name":"api","test_type":"load","url":%q,`+
		`"concurrent_users":1,"duration":1,"ramp_up_time":0,"thresholds":{"error_rate":50}}`, target.URL)

	rec := do(t, h, http.MethodPost, "/api/v1/performance/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started runStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.RunID)
	assert.Equal(t, store.RunStateCreated, started.State)

	var run runResponse

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/performance/runs/"+started.RunID, "")
		if rec.Code != http.StatusOK {
			return false
		}

		run = runResponse{}
		if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
			return false
		}

		return run.State == store.RunStateCompleted
	}, 20*time.Second, 100*time.Millisecond)

	assert.Equal(t, "api", run.TestName)
	assert.InDelta(t, 1, run.Progress, 0)
	require.NotNil(t, run.SummaryMetrics)
	assert.Positive(t, run.SummaryMetrics.TotalRequests)
	require.NotNil(t, run.Verdict)
	assert.Empty(t, run.AIAnalysis)
	assert.NotEmpty(t, run.Recommendations)

	rec = do(t, h, http.MethodPost, "/performance/runs/"+started.RunID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var cancelled runStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, store.RunStateCompleted, cancelled.State)

	rec = do(t, h, http.MethodGet, "/performance/runs?test_type=load&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list runListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, started.RunID, list.Runs[0].ID)

	rec = do(t, h, http.MethodGet, "/performance/runs?test_type=soak", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/performance/runs/"+started.RunID+"/details", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/performance/runs/"+started.RunID+"/report?format=markdown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, rec.Body.String(), "api")

	rec = do(t, h, http.MethodGet, "/performance/runs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateTestCases(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Shop</title></head><body>` +
			`<form role="search"><input type="search" name="q"></form></body></html>`))
	}))
	defer page.Close()

	h := newEngineServer(t)

	rec := do(t, h, http.MethodPost, "/testcases/from-url",
		fmt.Sprintf(`{"url":%q,"project_id":"shop","test_count":2}`, page.URL))
	require.Equal(t, http.StatusCreated, rec.Code)

	var res testgen.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.TestCases, 2)
	assert.Contains(t, res.AnalysisSummary, "degraded mode")

	rec = do(t, h, http.MethodGet, "/api/v1/projects/shop/testcases", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list testCaseListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	for _, tc := range list.TestCases {
		assert.NotEmpty(t, tc.Steps)
	}

	rec = do(t, h, http.MethodPost, "/testcases/from-url",
		fmt.Sprintf(`{"url":%q,"project_id":"shop","test_count":0}`, page.URL))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
