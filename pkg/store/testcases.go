package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetOrCreateAIPrincipal returns the ai-generator user, creating it on first
// use. The password hash is derived from a random secret nobody knows, so the
// principal can never log in.
func (s *store) GetOrCreateAIPrincipal(ctx context.Context) (*User, error) {
	var user User

	err := s.db.WithContext(ctx).
		Where("username = ?", AIPrincipalUsername).
		First(&user).Error
	if err == nil {
		return &user, nil
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("getting ai principal: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword(
		[]byte(uuid.NewString()), bcrypt.DefaultCost,
	)
	if err != nil {
		return nil, fmt.Errorf("hashing ai principal secret: %w", err)
	}

	user = User{
		ID:           uuid.NewString(),
		Username:     AIPrincipalUsername,
		Email:        AIPrincipalUsername + "@testpilot.local",
		PasswordHash: string(hash),
		Role:         "system",
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&user).Error; err != nil {
		return nil, fmt.Errorf("creating ai principal: %w", err)
	}

	// Re-read so a concurrent creator's row wins.
	var stored User
	if err := s.db.WithContext(ctx).
		Where("username = ?", AIPrincipalUsername).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("reloading ai principal: %w", err)
	}

	s.log.WithField("user_id", stored.ID).Info("AI principal ready")

	return &stored, nil
}

func (s *store) GetProject(ctx context.Context, id string) (*Project, error) {
	var project Project
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&project).Error; err != nil {
		return nil, fmt.Errorf("getting project %s: %w", id, notFound(err))
	}

	return &project, nil
}

// EnsureProject returns the project with the given ID, creating it from the
// supplied value when it does not exist yet.
func (s *store) EnsureProject(ctx context.Context, project *Project) (*Project, error) {
	var stored Project
	if err := s.db.WithContext(ctx).
		Where(Project{ID: project.ID}).
		Attrs(Project{
			Name:        project.Name,
			Description: project.Description,
			OwnerID:     project.OwnerID,
		}).
		FirstOrCreate(&stored).Error; err != nil {
		return nil, fmt.Errorf("ensuring project %s: %w", project.ID, err)
	}

	return &stored, nil
}

// CreateTestCaseBatch persists all test cases and their steps in a single
// transaction. Either every case is stored or none is.
func (s *store) CreateTestCaseBatch(ctx context.Context, cases []TestCase) error {
	for i := range cases {
		if err := validateSteps(&cases[i]); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range cases {
			if cases[i].ID == "" {
				cases[i].ID = uuid.NewString()
			}

			if err := tx.Create(&cases[i]).Error; err != nil {
				return fmt.Errorf("creating test case %q: %w", cases[i].Title, err)
			}
		}

		return nil
	})
}

func (s *store) ListTestCases(ctx context.Context, projectID string) ([]TestCase, error) {
	var cases []TestCase
	if err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_number ASC")
		}).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("listing test cases: %w", err)
	}

	return cases, nil
}

func (s *store) CountTestCases(ctx context.Context, projectID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&TestCase{}).
		Where("project_id = ?", projectID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting test cases: %w", err)
	}

	return count, nil
}

// validateSteps requires at least one step numbered contiguously from 1.
func validateSteps(tc *TestCase) error {
	if len(tc.Steps) == 0 {
		return fmt.Errorf("test case %q has no steps: %w", tc.Title, ErrInvalidTestCase)
	}

	for i, step := range tc.Steps {
		if step.StepNumber != i+1 {
			return fmt.Errorf(
				"test case %q step %d numbered %d: %w",
				tc.Title, i+1, step.StepNumber, ErrInvalidTestCase,
			)
		}
	}

	return nil
}
