package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/testpilot-io/testpilot/pkg/analyst"
	"github.com/testpilot-io/testpilot/pkg/driver"
	"github.com/testpilot-io/testpilot/pkg/events"
	"github.com/testpilot-io/testpilot/pkg/sink"
	"github.com/testpilot-io/testpilot/pkg/store"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

// execute drives one run from CREATED to a terminal state. driveCtx ends
// the load phase on cancel or when the run wall clock is exceeded; store
// writes use a context that outlives both.
func (c *Coordinator) execute(runCtx, driveCtx context.Context, ar *activeRun) {
	log := c.log.WithFields(logrus.Fields{
		"run_id":    ar.id,
		"test_type": ar.spec.TestType,
	})

	pctx := context.WithoutCancel(runCtx)

	if err := driver.Validate(ar.spec.Plan); err != nil {
		c.fail(pctx, ar, log, err.Error(), time.Time{})

		return
	}

	if err := c.deps.Store.UpdateRunState(pctx, ar.id, store.RunStateRunning); err != nil {
		c.fail(pctx, ar, log, "persisting state: "+err.Error(), time.Time{})

		return
	}

	origin := time.Now()
	ar.sink.MarkStarted(origin)
	c.setState(ar, store.RunStateRunning)
	c.deps.Metrics.RunStarted(string(ar.spec.TestType))

	log.WithField("scheduled", ar.spec.scheduled()).Info("Run started")

	snapCtx, stopSnapshots := context.WithCancel(pctx)
	flushedCh := make(chan int, 1)

	go c.snapshotLoop(snapCtx, pctx, ar, origin, flushedCh)

	stats, err := c.deps.Driver.Run(driveCtx, ar.spec.Plan, ar.sink)

	stopSnapshots()
	flushed := <-flushedCh

	if err != nil {
		c.fail(pctx, ar, log, err.Error(), origin)

		return
	}

	ar.sink.MarkStopped(stats.Stopped)
	cancelled := ar.cancelled.Load() || stats.Cancelled

	c.setState(ar, store.RunStateAggregating)

	if err := c.deps.Store.UpdateRunState(pctx, ar.id, store.RunStateAggregating); err != nil {
		c.fail(pctx, ar, log, "persisting state: "+err.Error(), origin)

		return
	}

	summary := ar.sink.Summarize()
	verdict := threshold.Evaluate(summary, ar.spec.Thresholds)

	interval := c.cfg.SnapshotInterval
	buckets := bucketCount(stats.Stopped.Sub(origin), interval)

	if err := c.finalize(pctx, ar, summary, verdict, cancelled,
		toDetails(ar.sink.Series(origin, interval, flushed, buckets), flushed)); err != nil {
		c.fail(pctx, ar, log, err.Error(), origin)

		return
	}

	c.setState(ar, store.RunStateAnalyzing)

	log.WithFields(logrus.Fields{
		"requests":   summary.TotalRequests,
		"error_rate": summary.ErrorRatePct,
		"avg_ms":     summary.AvgResponseTimeMS,
		"verdict":    verdict.Overall,
		"cancelled":  cancelled,
		"sampled":    summary.Sampled,
	}).Info("Run finalized")

	analysisCtx, cancelAnalysis := context.WithTimeout(c.baseCtx, c.cfg.AnalystBudget)

	result := c.deps.Analyst.Analyze(analysisCtx, analyst.Input{
		Run: analyst.RunInfo{
			ID:        ar.id,
			TestName:  ar.spec.TestName,
			TestType:  string(ar.spec.TestType),
			URL:       ar.spec.URL,
			Users:     ar.spec.Users,
			DurationS: ar.spec.DurationS,
			RampUpS:   ar.spec.RampUpS,
			Cancelled: cancelled,
		},
		Summary:  summary,
		Verdict:  verdict,
		Tail:     ar.sink.Series(origin, interval, max(0, buckets-tailBuckets), buckets),
		Previous: c.previousRuns(pctx, ar, log),
	})

	cancelAnalysis()

	if err := c.deps.Store.SaveAnalysis(pctx, ar.id, analysisRecord(result)); err != nil {
		c.fail(pctx, ar, log, err.Error(), origin)

		return
	}

	c.setState(ar, store.RunStateCompleted)

	c.deps.Metrics.RunFinished(string(ar.spec.TestType), store.RunStateCompleted, verdict.Overall, time.Since(origin))
	c.deps.Metrics.ObserveRequests(summary.TotalRequests-summary.FailedRequests, summary.FailedRequests)

	log.WithFields(logrus.Fields{
		"provider": result.Provider,
		"degraded": result.Degraded,
		"findings": len(result.Recommendations),
	}).Info("Run completed")

	c.archive(pctx, ar.id, log)

	c.publish(events.RunCompleted, RunEvent{
		RunID:             ar.id,
		TestName:          ar.spec.TestName,
		TestType:          string(ar.spec.TestType),
		State:             store.RunStateCompleted,
		Verdict:           verdict.Overall,
		Cancelled:         cancelled,
		TotalRequests:     summary.TotalRequests,
		ErrorRatePct:      summary.ErrorRatePct,
		AvgResponseTimeMS: summary.AvgResponseTimeMS,
	})
}

// snapshotLoop persists completed interval buckets while the load phase
// runs and reports how many it wrote once ctx ends. Writes use writeCtx so
// a write in progress is never cut short.
func (c *Coordinator) snapshotLoop(
	ctx, writeCtx context.Context, ar *activeRun, origin time.Time, out chan<- int,
) {
	interval := c.cfg.SnapshotInterval
	flushed := 0

	defer func() { out <- flushed }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// Requests finish after they start, so the newest closed bucket
			// can still gain samples; it is written on the next tick.
			complete := int(now.Sub(origin)/interval) - 1
			if complete <= flushed {
				continue
			}

			details := toDetails(ar.sink.Series(origin, interval, flushed, complete), flushed)

			if err := c.deps.Store.AppendRunDetails(writeCtx, ar.id, details); err != nil {
				c.log.WithError(err).WithField("run_id", ar.id).Warn("Failed to persist run details")

				continue
			}

			flushed = complete
		}
	}
}

func (c *Coordinator) finalize(
	ctx context.Context,
	ar *activeRun,
	summary sink.SummaryMetrics,
	verdict threshold.Verdict,
	cancelled bool,
	details []store.RunDetail,
) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	verdictJSON, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("encoding verdict: %w", err)
	}

	return c.deps.Store.FinalizeRun(ctx, ar.id, store.RunFinalization{
		State:          store.RunStateAnalyzing,
		SummaryMetrics: string(summaryJSON),
		Verdict:        string(verdictJSON),
		Cancelled:      cancelled,
		Details:        details,
	})
}

// finishCancelledQueued completes a run that was cancelled while waiting
// for a slot: zero samples, no analysis call.
func (c *Coordinator) finishCancelledQueued(ctx context.Context, ar *activeRun) string {
	log := c.log.WithField("run_id", ar.id)
	summary := sink.SummaryMetrics{}
	verdict := threshold.Evaluate(summary, ar.spec.Thresholds)

	err := c.deps.Store.UpdateRunState(ctx, ar.id, store.RunStateAggregating)
	if err == nil {
		err = c.finalize(ctx, ar, summary, verdict, true, nil)
	}

	if err == nil {
		err = c.deps.Store.SaveAnalysis(ctx, ar.id, store.AnalysisResult{AIAnalysis: cancelledNarrative})
	}

	if err != nil {
		c.fail(ctx, ar, log, err.Error(), time.Time{})

		return store.RunStateFailed
	}

	c.deps.Metrics.RunFinished(string(ar.spec.TestType), store.RunStateCompleted, verdict.Overall, 0)

	log.Info("Queued run cancelled")

	c.publish(events.RunCompleted, RunEvent{
		RunID:     ar.id,
		TestName:  ar.spec.TestName,
		TestType:  string(ar.spec.TestType),
		State:     store.RunStateCompleted,
		Verdict:   verdict.Overall,
		Cancelled: true,
	})

	return store.RunStateCompleted
}

func (c *Coordinator) fail(
	ctx context.Context, ar *activeRun, log logrus.FieldLogger, reason string, started time.Time,
) {
	if err := c.deps.Store.FailRun(ctx, ar.id, reason); err != nil {
		log.WithError(err).Error("Failed to record run failure")
	}

	c.setState(ar, store.RunStateFailed)

	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = time.Since(started)
	}

	c.deps.Metrics.RunFinished(string(ar.spec.TestType), store.RunStateFailed, "", elapsed)

	log.WithField("reason", reason).Error("Run failed")

	c.publish(events.RunFailed, RunEvent{
		RunID:         ar.id,
		TestName:      ar.spec.TestName,
		TestType:      string(ar.spec.TestType),
		State:         store.RunStateFailed,
		Cancelled:     ar.cancelled.Load(),
		FailureReason: reason,
	})
}

// previousRuns loads recent completed runs of the same type for comparison.
func (c *Coordinator) previousRuns(
	ctx context.Context, ar *activeRun, log logrus.FieldLogger,
) []analyst.PreviousRun {
	runs, err := c.deps.Store.ListRuns(ctx, store.RunFilter{
		TestType:  string(ar.spec.TestType),
		State:     store.RunStateCompleted,
		ExcludeID: ar.id,
		Limit:     c.cfg.HistoryDepth,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to load run history")

		return nil
	}

	previous := make([]analyst.PreviousRun, 0, len(runs))

	for _, run := range runs {
		prev := analyst.PreviousRun{
			ID:        run.ID,
			CreatedAt: run.CreatedAt,
			Users:     run.ConcurrentUsers,
		}

		if err := json.Unmarshal([]byte(run.SummaryMetrics), &prev.Summary); err != nil {
			continue
		}

		var verdict threshold.Verdict
		if err := json.Unmarshal([]byte(run.Verdict), &verdict); err == nil {
			prev.Overall = verdict.Overall
		}

		previous = append(previous, prev)
	}

	return previous
}

// archive uploads the run report when an archiver is configured. Upload
// failures never affect the run.
func (c *Coordinator) archive(ctx context.Context, id string, log logrus.FieldLogger) {
	doc, err := c.Report(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Failed to build run report")

		return
	}

	location, err := c.deps.Archiver.Archive(ctx, doc)
	if location == "" && err == nil {
		return
	}

	c.deps.Metrics.ReportUploaded(err)

	if err != nil {
		log.WithError(err).Warn("Failed to archive run report")

		return
	}

	if err := c.deps.Store.SetReportURL(ctx, id, location); err != nil {
		log.WithError(err).Warn("Failed to record report location")

		return
	}

	log.WithField("location", location).Info("Run report archived")
}

func analysisRecord(res analyst.Result) store.AnalysisResult {
	recs := make([]store.Recommendation, len(res.Recommendations))

	for i, f := range res.Recommendations {
		recs[i] = store.Recommendation{Category: f.Category, Description: f.Description}
	}

	return store.AnalysisResult{
		AIAnalysis:      res.Narrative,
		AIProvider:      res.Provider,
		Recommendations: recs,
	}
}

// bucketCount returns how many intervals it takes to cover d.
func bucketCount(d, interval time.Duration) int {
	if d <= 0 {
		return 0
	}

	return int((d + interval - 1) / interval)
}

func toDetails(aggs []sink.IntervalAggregate, firstSeq int) []store.RunDetail {
	details := make([]store.RunDetail, len(aggs))

	for i, a := range aggs {
		details[i] = store.RunDetail{
			Seq:               firstSeq + i,
			Timestamp:         a.Start.UTC(),
			Count:             a.Count,
			AvgResponseTimeMS: a.AvgMS,
			P50MS:             a.P50MS,
			P95MS:             a.P95MS,
			ErrorRatePct:      a.ErrorRatePct,
			ThroughputRPS:     a.ThroughputRPS,
		}
	}

	return details
}
