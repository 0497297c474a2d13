// Package testgen synthesizes test cases for a web page from its structural
// fingerprint, using the LLM provider chain with a deterministic fallback.
package testgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/testpilot-io/testpilot/pkg/config"
	"github.com/testpilot-io/testpilot/pkg/introspect"
	"github.com/testpilot-io/testpilot/pkg/llm"
	"github.com/testpilot-io/testpilot/pkg/store"
)

// Bounds on the number of test cases per request.
const (
	MinTestCount = 1
	MaxTestCount = 10
)

// Defaults applied when a request leaves them empty.
const (
	DefaultTestType = "functional"
	DefaultPriority = "medium"
)

// Default project created for unknown project ids under the create policy.
const (
	DefaultProjectName        = "Default Project"
	DefaultProjectDescription = "Auto-created default project for test case generation"
)

// TestTypes lists the accepted test types.
var TestTypes = []string{
	"functional", "regression", "smoke", "uat", "performance",
	"security", "api", "visual", "integration", "unit",
}

// Priorities lists the accepted priorities.
var Priorities = []string{"low", "medium", "high", "critical"}

// ErrProjectNotFound is returned for unknown projects under the reject policy.
var ErrProjectNotFound = errors.New("project not found")

// ValidationError reports an invalid generation request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Store is the persistence used by the synthesizer.
type Store interface {
	GetOrCreateAIPrincipal(ctx context.Context) (*store.User, error)
	GetProject(ctx context.Context, id string) (*store.Project, error)
	EnsureProject(ctx context.Context, project *store.Project) (*store.Project, error)
	CreateTestCaseBatch(ctx context.Context, cases []store.TestCase) error
}

// Introspector produces page fingerprints.
type Introspector interface {
	Inspect(ctx context.Context, rawURL string) (*introspect.Fingerprint, error)
}

// Completer is the provider chain as seen by the synthesizer.
type Completer interface {
	Complete(ctx context.Context, prompt llm.Prompt) (llm.Completion, error)
}

// Observer receives counts of persisted test cases by generation source.
type Observer interface {
	ObserveTestCases(source string, count int)
}

// Request asks for test cases for one URL.
type Request struct {
	URL       string `json:"url"`
	ProjectID string `json:"project_id"`
	TestCount int    `json:"test_count"`
	TestType  string `json:"test_type,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// Result is the outcome of Generate.
type Result struct {
	ProjectID       string           `json:"project_id"`
	TestCases       []store.TestCase `json:"generated_test_cases"`
	AnalysisSummary string           `json:"analysis_summary"`
	URLAnalyzed     string           `json:"url_analyzed"`
	Degraded        bool             `json:"degraded"`
	Source          string           `json:"generation_source"`
	Provider        string           `json:"ai_provider,omitempty"`
}

// Config tunes the synthesizer.
type Config struct {
	ProjectPolicy string
	Temperature   float64
}

// Synthesizer generates and persists test cases.
type Synthesizer struct {
	log        logrus.FieldLogger
	store      Store
	introspect Introspector
	completer  Completer
	observer   Observer
	cfg        Config
}

// New creates a Synthesizer. observer may be nil.
func New(
	log logrus.FieldLogger,
	st Store,
	in Introspector,
	completer Completer,
	cfg Config,
	observer Observer,
) *Synthesizer {
	if cfg.ProjectPolicy == "" {
		cfg.ProjectPolicy = config.ProjectPolicyCreate
	}

	return &Synthesizer{
		log:        log.WithField("component", "testgen"),
		store:      st,
		introspect: in,
		completer:  completer,
		observer:   observer,
		cfg:        cfg,
	}
}

// Validate checks req and fills in defaults. It performs no I/O.
func Validate(req Request) (Request, error) {
	req.URL = strings.TrimSpace(req.URL)
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.TestType = strings.ToLower(strings.TrimSpace(req.TestType))
	req.Priority = strings.ToLower(strings.TrimSpace(req.Priority))

	if req.TestCount < MinTestCount || req.TestCount > MaxTestCount {
		return req, &ValidationError{
			Field:   "test_count",
			Message: fmt.Sprintf("must be between %d and %d, got %d", MinTestCount, MaxTestCount, req.TestCount),
		}
	}

	if _, err := introspect.ValidateURL(req.URL); err != nil {
		var verr *introspect.ValidationError
		if errors.As(err, &verr) {
			return req, &ValidationError{Field: "url", Message: verr.Message}
		}

		return req, &ValidationError{Field: "url", Message: err.Error()}
	}

	if req.ProjectID == "" {
		return req, &ValidationError{Field: "project_id", Message: "must not be empty"}
	}

	if req.TestType == "" {
		req.TestType = DefaultTestType
	} else if !contains(TestTypes, req.TestType) {
		return req, &ValidationError{
			Field:   "test_type",
			Message: fmt.Sprintf("must be one of %s", strings.Join(TestTypes, ", ")),
		}
	}

	if req.Priority == "" {
		req.Priority = DefaultPriority
	} else if !contains(Priorities, req.Priority) {
		return req, &ValidationError{
			Field:   "priority",
			Message: fmt.Sprintf("must be one of %s", strings.Join(Priorities, ", ")),
		}
	}

	return req, nil
}

// Generate validates req, fingerprints the page, asks the provider chain for
// test cases (falling back to stock cases) and persists them in one batch.
func (s *Synthesizer) Generate(ctx context.Context, req Request) (*Result, error) {
	req, err := Validate(req)
	if err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"url":        req.URL,
		"project_id": req.ProjectID,
		"count":      req.TestCount,
	})

	principal, err := s.store.GetOrCreateAIPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving AI principal: %w", err)
	}

	if err := s.ensureProject(ctx, req.ProjectID, principal.ID); err != nil {
		return nil, err
	}

	fp, err := s.introspect.Inspect(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("introspecting page: %w", err)
	}

	drafts, provider, err := s.draftsFromLLM(ctx, req, fp)
	if err != nil {
		return nil, err
	}

	source := store.SourceLLM
	if len(drafts) == 0 {
		source = store.SourceDeterministic
		drafts = deterministicDrafts(fp, req.TestCount)
		provider = ""
	}

	cases := buildTestCases(drafts, req, principal.ID, source)

	if err := s.store.CreateTestCaseBatch(ctx, cases); err != nil {
		return nil, fmt.Errorf("persisting test cases: %w", err)
	}

	if s.observer != nil {
		s.observer.ObserveTestCases(source, len(cases))
	}

	degraded := source == store.SourceDeterministic || fp.Degraded

	log.WithFields(logrus.Fields{
		"source":    source,
		"generated": len(cases),
		"degraded":  degraded,
	}).Info("Test cases generated")

	return &Result{
		ProjectID:       req.ProjectID,
		TestCases:       cases,
		AnalysisSummary: summarize(fp, len(cases), degraded),
		URLAnalyzed:     fp.URL,
		Degraded:        degraded,
		Source:          source,
		Provider:        provider,
	}, nil
}

func (s *Synthesizer) ensureProject(ctx context.Context, projectID, ownerID string) error {
	_, err := s.store.GetProject(ctx, projectID)
	if err == nil {
		return nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading project: %w", err)
	}

	if s.cfg.ProjectPolicy == config.ProjectPolicyReject {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	if _, err := s.store.EnsureProject(ctx, &store.Project{
		ID:          projectID,
		Name:        DefaultProjectName,
		Description: DefaultProjectDescription,
		OwnerID:     ownerID,
	}); err != nil {
		return fmt.Errorf("creating default project: %w", err)
	}

	s.log.WithField("project_id", projectID).Info("Created default project")

	return nil
}

// draftsFromLLM returns the parsed provider answer, or no drafts when the
// deterministic fallback should be used. Only cancellation of ctx is an
// error.
func (s *Synthesizer) draftsFromLLM(
	ctx context.Context,
	req Request,
	fp *introspect.Fingerprint,
) ([]draft, string, error) {
	prompt, err := buildPrompt(req, fp, s.cfg.Temperature)
	if err != nil {
		return nil, "", err
	}

	completion, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("generating test cases: %w", ctx.Err())
		}

		s.log.WithError(err).Warn("LLM unavailable, using deterministic test cases")

		return nil, "", nil
	}

	drafts, rejected := parseDrafts(completion.Text, req.TestCount)

	if rejected > 0 {
		s.log.WithFields(logrus.Fields{
			"provider": completion.ProviderID,
			"rejected": rejected,
		}).Warn("Rejected malformed test case entries")
	}

	if len(drafts) == 0 {
		s.log.WithField("provider", completion.ProviderID).
			Warn("No valid test cases in LLM response, using deterministic test cases")
	}

	return drafts, completion.ProviderID, nil
}

func buildTestCases(drafts []draft, req Request, ownerID, source string) []store.TestCase {
	cases := make([]store.TestCase, 0, len(drafts))

	for _, d := range drafts {
		id := uuid.NewString()

		steps := make([]store.TestStep, 0, len(d.Steps))
		for i, st := range d.Steps {
			steps = append(steps, store.TestStep{
				TestCaseID:     id,
				StepNumber:     i + 1,
				Description:    st.Description,
				ExpectedResult: st.ExpectedResult,
			})
		}

		tags := d.Tags
		if tags == nil {
			tags = []string{}
		}

		tagsJSON, _ := json.Marshal(tags)

		cases = append(cases, store.TestCase{
			ID:               id,
			ProjectID:        req.ProjectID,
			OwnerID:          ownerID,
			Title:            d.Title,
			Description:      d.Description,
			TestType:         req.TestType,
			Priority:         req.Priority,
			Status:           store.TestCaseStatusDraft,
			ExpectedResult:   d.ExpectedResult,
			Preconditions:    d.Preconditions,
			TestData:         d.testDataText(),
			Tags:             string(tagsJSON),
			AIGenerated:      true,
			GenerationSource: source,
			SourceURL:        req.URL,
			Steps:            steps,
		})
	}

	return cases
}

func summarize(fp *introspect.Fingerprint, n int, degraded bool) string {
	title := fp.Title
	if title == "" {
		title = fp.URL
	}

	summary := fmt.Sprintf("Analyzed %q (%s page) and generated %d test cases", title, fp.PageType, n)

	if len(fp.Features) > 0 {
		summary += "; features: " + strings.Join(fp.Features, ", ")
	}

	if degraded {
		summary += "; degraded mode"

		if fp.DegradedReason != "" {
			summary += " (" + fp.DegradedReason + ")"
		}
	}

	return summary + "."
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}

	return false
}
