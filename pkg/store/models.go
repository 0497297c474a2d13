package store

import (
	"time"
)

// Run states persisted on Run.State.
const (
	RunStateCreated     = "CREATED"
	RunStateRunning     = "RUNNING"
	RunStateAggregating = "AGGREGATING"
	RunStateAnalyzing   = "ANALYZING"
	RunStateCompleted   = "COMPLETED"
	RunStateFailed      = "FAILED"
)

// Recommendation categories.
const (
	CategoryBottleneck     = "bottleneck"
	CategoryRecommendation = "recommendation"
	CategoryNextTest       = "next_test"
)

// Test case generation sources.
const (
	SourceLLM           = "llm"
	SourceDeterministic = "deterministic"
)

// TestCaseStatusDraft is the status of freshly generated test cases.
const TestCaseStatusDraft = "draft"

// AIPrincipalUsername is the well-known identity owning AI generated data.
const AIPrincipalUsername = "ai-generator"

// Run is one performance test execution. JSON-valued columns are stored as
// text so sqlite and postgres behave identically.
type Run struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	TestName         string     `gorm:"not null" json:"test_name"`
	TestType         string     `gorm:"size:16;not null;index" json:"test_type"`
	URL              string     `gorm:"not null" json:"url"`
	ConcurrentUsers  int        `gorm:"not null" json:"concurrent_users"`
	DurationS        int        `gorm:"not null" json:"duration"`
	RampUpS          int        `gorm:"not null" json:"ramp_up_time"`
	Thresholds       string     `gorm:"type:text" json:"-"`
	CustomParameters string     `gorm:"type:text" json:"-"`
	State            string     `gorm:"size:16;not null;index" json:"state"`
	SummaryMetrics   string     `gorm:"type:text" json:"-"`
	Verdict          string     `gorm:"type:text" json:"-"`
	AIAnalysis       string     `gorm:"type:text" json:"ai_analysis"`
	AIProvider       string     `json:"ai_provider,omitempty"`
	FailureReason    string     `gorm:"type:text" json:"failure_reason,omitempty"`
	Cancelled        bool       `gorm:"not null;default:false" json:"cancelled"`
	ReportURL        string     `json:"report_url,omitempty"`
	CreatedAt        time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the run can no longer change state.
func (r *Run) IsTerminal() bool {
	return r.State == RunStateCompleted || r.State == RunStateFailed
}

// RunDetail is one per-interval aggregate of a run. Seq orders the series.
type RunDetail struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	RunID             string    `gorm:"size:36;not null;uniqueIndex:idx_run_detail_seq" json:"-"`
	Seq               int       `gorm:"not null;uniqueIndex:idx_run_detail_seq" json:"seq"`
	Timestamp         time.Time `gorm:"not null" json:"timestamp"`
	Count             int64     `json:"count"`
	AvgResponseTimeMS float64   `json:"avg_response_time_ms"`
	P50MS             float64   `json:"p50_ms"`
	P95MS             float64   `json:"p95_ms"`
	ErrorRatePct      float64   `json:"error_rate_pct"`
	ThroughputRPS     float64   `json:"throughput_rps"`
}

// Recommendation is one AI analysis finding attached to a run.
type Recommendation struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	RunID       string    `gorm:"size:36;not null;index" json:"-"`
	Position    int       `gorm:"not null" json:"position"`
	Category    string    `gorm:"size:20;not null" json:"category"`
	Description string    `gorm:"type:text;not null" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a principal that can own projects and test cases.
type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	Email        string    `gorm:"not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null" json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Project groups test cases.
type Project struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	OwnerID     string    `gorm:"size:36;not null" json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TestCase is a stored test case with its ordered steps.
type TestCase struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	ProjectID        string     `gorm:"size:64;not null;index" json:"project_id"`
	OwnerID          string     `gorm:"size:36;not null" json:"owner_id"`
	Title            string     `gorm:"not null" json:"title"`
	Description      string     `gorm:"type:text" json:"description"`
	TestType         string     `gorm:"size:20;not null" json:"test_type"`
	Priority         string     `gorm:"size:10;not null" json:"priority"`
	Status           string     `gorm:"size:10;not null" json:"status"`
	ExpectedResult   string     `gorm:"type:text" json:"expected_result"`
	Preconditions    string     `gorm:"type:text" json:"preconditions"`
	TestData         string     `gorm:"type:text" json:"test_data"`
	Tags             string     `gorm:"type:text" json:"-"`
	AIGenerated      bool       `gorm:"not null;default:false" json:"ai_generated"`
	GenerationSource string     `gorm:"size:16" json:"generation_source"`
	SourceURL        string     `gorm:"type:text" json:"source_url"`
	Steps            []TestStep `gorm:"foreignKey:TestCaseID;constraint:OnDelete:CASCADE" json:"steps"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TestStep is one ordered step of a test case.
type TestStep struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	TestCaseID     string    `gorm:"size:36;not null;index" json:"-"`
	StepNumber     int       `gorm:"not null" json:"step_number"`
	Description    string    `gorm:"type:text;not null" json:"description"`
	ExpectedResult string    `gorm:"type:text" json:"expected_result"`
	CreatedAt      time.Time `json:"-"`
}
