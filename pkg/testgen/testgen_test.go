package testgen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-io/testpilot/pkg/config"
	"github.com/testpilot-io/testpilot/pkg/introspect"
	"github.com/testpilot-io/testpilot/pkg/llm"
	"github.com/testpilot-io/testpilot/pkg/store"
)

const llmReply = "Here are your test cases:\n```json\n" + `[
  {
    "title": "Sign in with valid credentials",
    "description": "Happy path login",
    "preconditions": "An account exists",
    "test_data": {"email": "user@test.local"},
    "expected_result": "The dashboard is shown",
    "priority_hint": "ignored",
    "steps": [
      {"step_number": 3, "description": "Submit the form", "expected_result": "Dashboard opens"},
      {"step_number": 1, "description": "Open the login page"},
      {"step_number": 2, "description": ""},
      {"step_number": 2, "description": "Enter the credentials"}
    ]
  },
  {"description": "missing title", "steps": [{"description": "x"}]},
  {"title": "No steps", "steps": []},
  {"title": "Bad step number", "steps": [{"step_number": "one", "description": "x"}]},
  {"title": "Second", "steps": [{"description": "Only step"}]},
  {"title": "Third", "steps": [{"description": "Another"}]}
]` + "\n```\nGood luck!"

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

type fakeIntrospector struct {
	fp *introspect.Fingerprint
}

func (f *fakeIntrospector) Inspect(_ context.Context, rawURL string) (*introspect.Fingerprint, error) {
	if f.fp != nil {
		return f.fp, nil
	}

	return &introspect.Fingerprint{
		URL:      rawURL,
		Title:    "Acme Login",
		Forms:    []introspect.Form{{Action: rawURL, Method: "post"}},
		Links:    []string{"http://acme.test/help"},
		Headings: []string{},
		PageType: introspect.PageLogin,
		Features: []string{introspect.FeatureAuthentication, introspect.FeatureSearch},

		HasLoginForm: true,
		HasSearch:    true,
	}, nil
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveTestCases(source string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.counts == nil {
		o.counts = make(map[string]int)
	}

	o.counts[source] += n
}

func newSynth(st Store, providers []llm.Provider, policy string, obs Observer) *Synthesizer {
	chain := llm.NewChain(testLogger(), providers, llm.ChainOptions{})

	return New(testLogger(), st, &fakeIntrospector{}, chain, Config{ProjectPolicy: policy}, obs)
}

func TestValidate(t *testing.T) {
	valid := Request{URL: "https://acme.test", ProjectID: "p1", TestCount: 3}

	tests := []struct {
		name  string
		mut   func(r *Request)
		field string
	}{
		{name: "count zero", mut: func(r *Request) { r.TestCount = 0 }, field: "test_count"},
		{name: "count eleven", mut: func(r *Request) { r.TestCount = 11 }, field: "test_count"},
		{name: "ftp url", mut: func(r *Request) { r.URL = "ftp://acme.test" }, field: "url"},
		{name: "empty project", mut: func(r *Request) { r.ProjectID = "  " }, field: "project_id"},
		{name: "unknown type", mut: func(r *Request) { r.TestType = "chaos" }, field: "test_type"},
		{name: "unknown priority", mut: func(r *Request) { r.Priority = "urgent" }, field: "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mut(&req)

			_, err := Validate(req)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	got, err := Validate(Request{URL: " https://acme.test ", ProjectID: "p1", TestCount: 10, Priority: "HIGH"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTestType, got.TestType)
	assert.Equal(t, "high", got.Priority)
	assert.Equal(t, "https://acme.test", got.URL)
}

func TestGenerate_ValidationHasNoSideEffects(t *testing.T) {
	st := setupTestStore(t)
	provider := llm.NewStatic("openai", llm.StaticReply{Text: llmReply})
	s := newSynth(st, []llm.Provider{provider}, "", nil)

	_, err := s.Generate(context.Background(), Request{URL: "https://acme.test", ProjectID: "p1", TestCount: 0})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	assert.Equal(t, 0, provider.Calls())

	_, err = st.GetProject(context.Background(), "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGenerate_FromLLM(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	provider := llm.NewStatic("openai", llm.StaticReply{Text: llmReply})
	obs := &countingObserver{}
	s := newSynth(st, []llm.Provider{provider}, "", obs)

	res, err := s.Generate(ctx, Request{
		URL:       "https://acme.test/login",
		ProjectID: "proj-1",
		TestCount: 2,
		Priority:  "high",
	})
	require.NoError(t, err)

	assert.Equal(t, store.SourceLLM, res.Source)
	assert.Equal(t, "openai", res.Provider)
	assert.False(t, res.Degraded)
	assert.Equal(t, "https://acme.test/login", res.URLAnalyzed)
	assert.Contains(t, res.AnalysisSummary, `"Acme Login"`)
	assert.Contains(t, res.AnalysisSummary, "login page")
	assert.Contains(t, res.AnalysisSummary, "generated 2 test cases")
	assert.NotContains(t, res.AnalysisSummary, "degraded mode")

	require.Len(t, res.TestCases, 2)

	first := res.TestCases[0]
	assert.Equal(t, "Sign in with valid credentials", first.Title)
	assert.Equal(t, "functional", first.TestType)
	assert.Equal(t, "high", first.Priority)
	assert.Equal(t, store.TestCaseStatusDraft, first.Status)
	assert.True(t, first.AIGenerated)
	assert.Equal(t, `{"email":"user@test.local"}`, first.TestData)

	require.Len(t, first.Steps, 3)
	assert.Equal(t, "Open the login page", first.Steps[0].Description)
	assert.Equal(t, "Enter the credentials", first.Steps[1].Description)
	assert.Equal(t, "Submit the form", first.Steps[2].Description)

	for i, step := range first.Steps {
		assert.Equal(t, i+1, step.StepNumber)
	}

	assert.Equal(t, "Second", res.TestCases[1].Title)

	stored, err := st.ListTestCases(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)

	principal, err := st.GetOrCreateAIPrincipal(ctx)
	require.NoError(t, err)

	for _, tc := range stored {
		assert.Equal(t, principal.ID, tc.OwnerID)
		assert.Equal(t, store.SourceLLM, tc.GenerationSource)
	}

	project, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultProjectName, project.Name)
	assert.Equal(t, principal.ID, project.OwnerID)

	assert.Equal(t, 2, obs.counts[store.SourceLLM])
	assert.Contains(t, provider.LastPrompt().System, "QA test designer")
	assert.Contains(t, provider.LastPrompt().User, `"has_login_form": true`)
}

func TestGenerate_DeterministicFallback(t *testing.T) {
	tests := []struct {
		name  string
		reply llm.StaticReply
	}{
		{name: "provider unavailable", reply: llm.StaticReply{Err: &llm.ProviderError{
			Provider: "openai", Kind: llm.KindQuotaExceeded, Message: "insufficient_quota",
		}}},
		{name: "unparseable reply", reply: llm.StaticReply{Text: "I cannot help with that."}},
		{name: "no valid entries", reply: llm.StaticReply{Text: `[{"title": ""}]`}},
		{name: "invalid request", reply: llm.StaticReply{Err: &llm.ProviderError{
			Provider: "openai", Kind: llm.KindInvalidRequest, StatusCode: 400,
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := setupTestStore(t)
			s := newSynth(st, []llm.Provider{llm.NewStatic("openai", tt.reply)}, "", nil)

			res, err := s.Generate(context.Background(), Request{
				URL:       "https://acme.test/login",
				ProjectID: "proj-1",
				TestCount: 4,
			})
			require.NoError(t, err)

			assert.Equal(t, store.SourceDeterministic, res.Source)
			assert.True(t, res.Degraded)
			assert.Empty(t, res.Provider)
			assert.Contains(t, res.AnalysisSummary, "degraded mode")

			require.Len(t, res.TestCases, 4)
			assert.Equal(t, "Page load", res.TestCases[0].Title)
			assert.Equal(t, "Primary link navigation", res.TestCases[1].Title)
			assert.Equal(t, "Login form with invalid credentials", res.TestCases[2].Title)
			assert.Equal(t, "Search with empty query", res.TestCases[3].Title)

			for _, tc := range res.TestCases {
				assert.True(t, tc.AIGenerated)
				assert.Equal(t, store.SourceDeterministic, tc.GenerationSource)
			}
		})
	}
}

func TestGenerate_OfflineDegradedPage(t *testing.T) {
	st := setupTestStore(t)

	fp := &introspect.Fingerprint{
		URL:            "https://down.test",
		Forms:          []introspect.Form{},
		Links:          []string{},
		Headings:       []string{},
		Features:       []string{},
		PageType:       introspect.PageGeneral,
		Degraded:       true,
		DegradedReason: "fetch timed out after 10s",
	}

	chain := llm.NewChain(testLogger(), []llm.Provider{llm.NewOffline()}, llm.ChainOptions{})
	s := New(testLogger(), st, &fakeIntrospector{fp: fp}, chain, Config{}, nil)

	res, err := s.Generate(context.Background(), Request{URL: "https://down.test", ProjectID: "p", TestCount: 10})
	require.NoError(t, err)

	require.Len(t, res.TestCases, 10)
	assert.Equal(t, "Page load", res.TestCases[0].Title)
	assert.Equal(t, "Security headers", res.TestCases[1].Title)
	assert.Equal(t, "Page content verification #1", res.TestCases[4].Title)
	assert.Equal(t, "Page content verification #6", res.TestCases[9].Title)
	assert.Contains(t, res.AnalysisSummary, "fetch timed out")

	count, err := st.CountTestCases(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)
}

func TestGenerate_RejectPolicy(t *testing.T) {
	st := setupTestStore(t)
	provider := llm.NewStatic("openai", llm.StaticReply{Text: llmReply})
	s := newSynth(st, []llm.Provider{provider}, config.ProjectPolicyReject, nil)

	_, err := s.Generate(context.Background(), Request{URL: "https://acme.test", ProjectID: "missing", TestCount: 1})
	require.ErrorIs(t, err, ErrProjectNotFound)

	assert.Equal(t, 0, provider.Calls())
}

func TestGenerate_ExistingProjectKept(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	_, err := st.EnsureProject(ctx, &store.Project{ID: "mine", Name: "My Project", OwnerID: "someone"})
	require.NoError(t, err)

	s := newSynth(st, []llm.Provider{llm.NewStatic("openai", llm.StaticReply{Text: llmReply})},
		config.ProjectPolicyReject, nil)

	_, err = s.Generate(ctx, Request{URL: "https://acme.test", ProjectID: "mine", TestCount: 1})
	require.NoError(t, err)

	project, err := st.GetProject(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, "My Project", project.Name)
}

type failingStore struct {
	Store
}

func (f failingStore) CreateTestCaseBatch(_ context.Context, _ []store.TestCase) error {
	return errors.New("disk full")
}

func TestGenerate_PersistenceError(t *testing.T) {
	st := setupTestStore(t)
	s := newSynth(failingStore{Store: st}, []llm.Provider{llm.NewOffline()}, "", nil)

	_, err := s.Generate(context.Background(), Request{URL: "https://acme.test", ProjectID: "p", TestCount: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting test cases")

	count, err := st.CountTestCases(context.Background(), "p")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGenerate_ParentCancelled(t *testing.T) {
	st := setupTestStore(t)
	s := newSynth(st, []llm.Provider{llm.NewStatic("openai", llm.StaticReply{Text: llmReply})}, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Generate(ctx, Request{URL: "https://acme.test", ProjectID: "p", TestCount: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseDrafts(t *testing.T) {
	drafts, rejected := parseDrafts(llmReply, 10)

	require.Len(t, drafts, 4)
	assert.Equal(t, 2, rejected)
	assert.Equal(t, "Bad step number", drafts[1].Title)
	assert.Equal(t, "Third", drafts[3].Title)

	const valid = `{"title": "Search", "steps": [` +
		`{"step_number": "2", "description": "Submit"}, ` +
		`{"step_number": "1", "description": "Type a query"}]}`

	drafts, rejected = parseDrafts("Here are the [3] requested cases:\n["+valid+"]\nHope this helps [1].", 3)
	require.Len(t, drafts, 1)
	assert.Zero(t, rejected)
	require.Len(t, drafts[0].Steps, 2)
	assert.Equal(t, "Type a query", drafts[0].Steps[0].Description)
	assert.Equal(t, 1, *drafts[0].Steps[0].StepNumber)
	assert.Equal(t, "Submit", drafts[0].Steps[1].Description)
	assert.Equal(t, 2, *drafts[0].Steps[1].StepNumber)

	drafts, _ = parseDrafts(`Tags: ["a", "b"] then [`+valid+`]`, 3)
	require.Len(t, drafts, 1)
	assert.Equal(t, "Search", drafts[0].Title)

	drafts, _ = parseDrafts(`{"test_cases": [{"title": "Wrapped", "steps": [{"description": "s"}]}]}`, 10)
	require.Len(t, drafts, 1)
	assert.Equal(t, "Wrapped", drafts[0].Title)

	drafts, _ = parseDrafts("no json here", 10)
	assert.Empty(t, drafts)
}

func TestTestDataText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: ``, want: ""},
		{raw: `null`, want: ""},
		{raw: `"plain"`, want: "plain"},
		{raw: `{ "a" : 1 }`, want: `{"a":1}`},
		{raw: `[1, 2]`, want: `[1,2]`},
	}

	for _, tt := range tests {
		d := draft{TestData: []byte(tt.raw)}
		assert.Equal(t, tt.want, d.testDataText(), tt.raw)
	}
}

func TestDeterministicDrafts_ExactCount(t *testing.T) {
	fp := &introspect.Fingerprint{URL: "https://x.test", PageType: introspect.PageEcommerce,
		Features: []string{introspect.FeatureNavigation}}

	for count := MinTestCount; count <= MaxTestCount; count++ {
		t.Run(fmt.Sprintf("count=%d", count), func(t *testing.T) {
			drafts := deterministicDrafts(fp, count)
			require.Len(t, drafts, count)

			for _, d := range drafts {
				require.NotEmpty(t, d.Steps)
				assert.Equal(t, 1, *d.Steps[0].StepNumber)
			}
		})
	}

	titles := make([]string, 0)
	for _, d := range deterministicDrafts(fp, 10) {
		titles = append(titles, d.Title)
	}

	assert.Contains(t, titles, "Shopping cart add and remove items")
	assert.Contains(t, titles, "Website navigation flow")
}
