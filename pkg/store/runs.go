package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var activeRunStates = []string{
	RunStateCreated,
	RunStateRunning,
	RunStateAggregating,
	RunStateAnalyzing,
}

func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if run.State == "" {
		run.State = RunStateCreated
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// UpdateRunState moves a non-terminal run to the given state.
func (s *store) UpdateRunState(ctx context.Context, id, state string) error {
	updates := map[string]any{"state": state}

	if state == RunStateRunning {
		updates["started_at"] = time.Now().UTC()
	}

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND state IN ?", id, activeRunStates).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("updating run state: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return s.explainMissedRunWrite(ctx, id)
	}

	return nil
}

// AppendRunDetails appends interval aggregates while a run is still executing.
func (s *store) AppendRunDetails(
	ctx context.Context, runID string, details []RunDetail,
) error {
	if len(details) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireRunState(tx, runID, RunStateRunning, RunStateAggregating); err != nil {
			return err
		}

		return insertDetails(tx, runID, details)
	})
}

// FinalizeRun stores the summary, verdict and the remaining interval
// aggregates in one transaction.
func (s *store) FinalizeRun(
	ctx context.Context, runID string, fin RunFinalization,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireRunState(tx, runID, RunStateRunning, RunStateAggregating); err != nil {
			return err
		}

		if err := insertDetails(tx, runID, fin.Details); err != nil {
			return err
		}

		if err := tx.Model(&Run{}).
			Where("id = ?", runID).
			Updates(map[string]any{
				"state":           fin.State,
				"summary_metrics": fin.SummaryMetrics,
				"verdict":         fin.Verdict,
				"cancelled":       fin.Cancelled,
			}).Error; err != nil {
			return fmt.Errorf("finalizing run: %w", err)
		}

		return nil
	})
}

// SaveAnalysis records the AI analysis and recommendations and completes
// the run.
func (s *store) SaveAnalysis(
	ctx context.Context, runID string, res AnalysisResult,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireRunState(tx, runID, RunStateAnalyzing); err != nil {
			return err
		}

		if len(res.Recommendations) > 0 {
			recs := make([]Recommendation, len(res.Recommendations))

			for i, rec := range res.Recommendations {
				rec.ID = 0
				rec.RunID = runID
				rec.Position = i + 1
				recs[i] = rec
			}

			if err := tx.Create(&recs).Error; err != nil {
				return fmt.Errorf("inserting recommendations: %w", err)
			}
		}

		if err := tx.Model(&Run{}).
			Where("id = ?", runID).
			Updates(map[string]any{
				"state":       RunStateCompleted,
				"ai_analysis": res.AIAnalysis,
				"ai_provider": res.AIProvider,
				"finished_at": time.Now().UTC(),
			}).Error; err != nil {
			return fmt.Errorf("saving analysis: %w", err)
		}

		return nil
	})
}

// FailRun moves a non-terminal run to FAILED.
func (s *store) FailRun(ctx context.Context, runID, reason string) error {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND state IN ?", runID, activeRunStates).
		Updates(map[string]any{
			"state":          RunStateFailed,
			"failure_reason": reason,
			"finished_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failing run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return s.explainMissedRunWrite(ctx, runID)
	}

	return nil
}

// FailInterruptedRuns fails every run left in a non-terminal state, which
// only happens when a previous process exited mid-run.
func (s *store) FailInterruptedRuns(ctx context.Context, reason string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("state IN ?", activeRunStates).
		Updates(map[string]any{
			"state":          RunStateFailed,
			"failure_reason": reason,
			"finished_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failing interrupted runs: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (s *store) SetReportURL(ctx context.Context, runID, url string) error {
	if err := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", runID).
		Update("report_url", url).Error; err != nil {
		return fmt.Errorf("setting report url: %w", err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, notFound(err))
	}

	return &run, nil
}

func (s *store) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC")

	if filter.TestType != "" {
		query = query.Where("test_type = ?", filter.TestType)
	}

	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}

	if filter.ExcludeID != "" {
		query = query.Where("id <> ?", filter.ExcludeID)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var runs []Run
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) ListRunDetails(ctx context.Context, runID string) ([]RunDetail, error) {
	var details []RunDetail
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&details).Error; err != nil {
		return nil, fmt.Errorf("listing run details: %w", err)
	}

	return details, nil
}

func (s *store) ListRecommendations(
	ctx context.Context, runID string,
) ([]Recommendation, error) {
	var recs []Recommendation
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("position ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing recommendations: %w", err)
	}

	return recs, nil
}

// explainMissedRunWrite distinguishes a missing run from a frozen one after
// a conditional update matched no rows.
func (s *store) explainMissedRunWrite(ctx context.Context, id string) error {
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}

	return fmt.Errorf("run %s: %w", id, ErrRunFrozen)
}

// requireRunState fails with ErrRunFrozen unless the run is in one of the
// allowed states.
func requireRunState(tx *gorm.DB, runID string, allowed ...string) error {
	var run Run
	if err := tx.Select("id", "state").
		Where("id = ?", runID).
		First(&run).Error; err != nil {
		return fmt.Errorf("getting run %s: %w", runID, notFound(err))
	}

	for _, state := range allowed {
		if run.State == state {
			return nil
		}
	}

	return fmt.Errorf("run %s in state %s: %w", runID, run.State, ErrRunFrozen)
}

func insertDetails(tx *gorm.DB, runID string, details []RunDetail) error {
	if len(details) == 0 {
		return nil
	}

	rows := make([]RunDetail, len(details))

	for i, d := range details {
		d.ID = 0
		d.RunID = runID
		rows[i] = d
	}

	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("inserting run details: %w", err)
	}

	return nil
}
