package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/testpilot-io/testpilot/pkg/coordinator"
	"github.com/testpilot-io/testpilot/pkg/report"
	"github.com/testpilot-io/testpilot/pkg/sink"
	"github.com/testpilot-io/testpilot/pkg/store"
	"github.com/testpilot-io/testpilot/pkg/testgen"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps domain errors onto HTTP status codes.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		runErr  *coordinator.ValidationError
		caseErr *testgen.ValidationError
	)

	switch {
	case errors.As(err, &runErr), errors.As(err, &caseErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, coordinator.ErrRunNotFound),
		errors.Is(err, testgen.ErrProjectNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, coordinator.ErrAdmission):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{err.Error()})
	case errors.Is(err, coordinator.ErrNotTerminal):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.Is(err, coordinator.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{err.Error()})
	default:
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// decodeJSON reads a JSON body into v, writing a 4xx response on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorResponse{"request body too large"})

			return false
		}

		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body: " + err.Error()})

		return false
	}

	return true
}

// --- Health ---

type healthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Time    time.Time        `json:"time"`
	Host    *report.HostInfo `json:"host,omitempty"`
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Time:    time.Now().UTC(),
	}

	if s.opts.HostInfo {
		if host, err := report.CollectHostInfo(r.Context()); err == nil {
			resp.Host = host
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Performance runs ---

type runStateResponse struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

type runResponse struct {
	RunID           string                 `json:"run_id"`
	TestName        string                 `json:"test_name"`
	TestType        string                 `json:"test_type"`
	URL             string                 `json:"url"`
	ConcurrentUsers int                    `json:"concurrent_users"`
	Duration        int                    `json:"duration"`
	RampUpTime      int                    `json:"ramp_up_time"`
	State           string                 `json:"state"`
	Progress        float64                `json:"progress"`
	Queued          bool                   `json:"queued"`
	Cancelled       bool                   `json:"cancelled"`
	SummaryMetrics  *sink.SummaryMetrics   `json:"summary_metrics,omitempty"`
	Verdict         *threshold.Verdict     `json:"verdict,omitempty"`
	AIAnalysis      string                 `json:"ai_analysis,omitempty"`
	AIProvider      string                 `json:"ai_provider,omitempty"`
	FailureReason   string                 `json:"failure_reason,omitempty"`
	ReportURL       string                 `json:"report_url,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
	Recommendations []store.Recommendation `json:"recommendations"`
	RunDetails      []store.RunDetail      `json:"run_details"`
}

type runListResponse struct {
	Runs  []store.Run `json:"runs"`
	Count int         `json:"count"`
}

type runDetailsResponse struct {
	RunID      string            `json:"run_id"`
	RunDetails []store.RunDetail `json:"run_details"`
}

// handleStartRun admits a new performance run.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req coordinator.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	id, err := s.runs.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, runStateResponse{
		RunID: id,
		State: store.RunStateCreated,
	})
}

// handleGetRun returns a run with live or final metrics, findings and series.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	status, err := s.runs.Status(ctx, id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	run, err := s.runs.Run(ctx, id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	recs, err := s.runs.Recommendations(ctx, id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	details, err := s.runs.Details(ctx, id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		RunID:           run.ID,
		TestName:        run.TestName,
		TestType:        run.TestType,
		URL:             run.URL,
		ConcurrentUsers: run.ConcurrentUsers,
		Duration:        run.DurationS,
		RampUpTime:      run.RampUpS,
		State:           status.State,
		Progress:        status.Progress,
		Queued:          status.Queued,
		Cancelled:       status.Cancelled,
		SummaryMetrics:  status.Summary,
		Verdict:         status.Verdict,
		AIAnalysis:      run.AIAnalysis,
		AIProvider:      run.AIProvider,
		FailureReason:   status.FailureReason,
		ReportURL:       run.ReportURL,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
		Recommendations: nonNil(recs),
		RunDetails:      nonNil(details),
	})
}

// handleCancelRun requests cancellation of a run.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := s.runs.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, runStateResponse{RunID: id, State: state})
}

// handleListRuns returns recent runs, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := coordinator.HistoryFilter{TestType: r.URL.Query().Get("test_type")}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		filter.Limit = limit
	}

	runs, err := s.runs.History(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, runListResponse{Runs: nonNil(runs), Count: len(runs)})
}

// handleRunDetails returns the interval series of a run.
func (s *server) handleRunDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	details, err := s.runs.Details(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, runDetailsResponse{RunID: id, RunDetails: nonNil(details)})
}

// handleRunReport renders the report of a terminal run, as JSON or, with
// ?format=markdown, as markdown.
func (s *server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.runs.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(report.RenderMarkdown(doc)))

		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// --- Test cases ---

type testCaseListResponse struct {
	ProjectID string           `json:"project_id"`
	TestCases []store.TestCase `json:"test_cases"`
	Count     int              `json:"count"`
}

// handleGenerateTestCases generates and stores test cases for a page.
func (s *server) handleGenerateTestCases(w http.ResponseWriter, r *http.Request) {
	var req testgen.Request
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.testCases.GenerateTestCases(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// handleListTestCases returns the stored test cases of a project.
func (s *server) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	cases, err := s.testCases.ListTestCases(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, testCaseListResponse{
		ProjectID: projectID,
		TestCases: nonNil(cases),
		Count:     len(cases),
	})
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}

	return s
}
