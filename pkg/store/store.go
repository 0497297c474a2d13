package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/testpilot-io/testpilot/pkg/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrRunFrozen is returned when a write targets a run whose metrics are
	// already finalized.
	ErrRunFrozen = errors.New("run is finalized")

	// ErrInvalidTestCase is returned when a batch contains a test case that
	// violates step ordering or has no steps.
	ErrInvalidTestCase = errors.New("invalid test case")
)

// RunFilter narrows ListRuns results.
type RunFilter struct {
	TestType  string
	State     string
	ExcludeID string
	Limit     int
}

// RunFinalization is the single commit moving a run out of execution.
type RunFinalization struct {
	State          string
	SummaryMetrics string
	Verdict        string
	Cancelled      bool
	Details        []RunDetail
}

// AnalysisResult is the commit recording a run's AI analysis.
type AnalysisResult struct {
	AIAnalysis      string
	AIProvider      string
	Recommendations []Recommendation
}

// Store provides persistence for runs, projects and test cases.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Runs.
	CreateRun(ctx context.Context, run *Run) error
	UpdateRunState(ctx context.Context, id, state string) error
	AppendRunDetails(ctx context.Context, runID string, details []RunDetail) error
	FinalizeRun(ctx context.Context, runID string, fin RunFinalization) error
	SaveAnalysis(ctx context.Context, runID string, res AnalysisResult) error
	FailRun(ctx context.Context, runID, reason string) error
	FailInterruptedRuns(ctx context.Context, reason string) (int64, error)
	SetReportURL(ctx context.Context, runID, url string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListRunDetails(ctx context.Context, runID string) ([]RunDetail, error)
	ListRecommendations(ctx context.Context, runID string) ([]Recommendation, error)

	// Principals and projects.
	GetOrCreateAIPrincipal(ctx context.Context) (*User, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	EnsureProject(ctx context.Context, project *Project) (*Project, error)

	// Test cases.
	CreateTestCaseBatch(ctx context.Context, cases []TestCase) error
	ListTestCases(ctx context.Context, projectID string) ([]TestCase, error)
	CountTestCases(ctx context.Context, projectID string) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection keeps :memory: databases shared and serializes
		// writers instead of surfacing SQLITE_BUSY.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&RunDetail{},
		&Recommendation{},
		&User{},
		&Project{},
		&TestCase{},
		&TestStep{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// notFound maps gorm's missing-record error onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}
