package coordinator

import (
	"context"
	"math"

	"github.com/testpilot-io/testpilot/pkg/report"
	"github.com/testpilot-io/testpilot/pkg/sink"
	"github.com/testpilot-io/testpilot/pkg/store"
)

// Report assembles the report document of a terminal run.
func (c *Coordinator) Report(ctx context.Context, id string) (*report.Document, error) {
	res, err := c.Result(ctx, id)
	if err != nil {
		return nil, err
	}

	doc := NewDocument(res)

	if c.cfg.CollectHostInfo {
		if host, err := report.CollectHostInfo(ctx); err == nil {
			doc.Host = host
		} else {
			c.log.WithError(err).Debug("Host info unavailable")
		}
	}

	return doc, nil
}

// NewDocument converts a run result into a report document.
func NewDocument(res *Result) *report.Document {
	run := res.Run

	findings := make([]report.Finding, len(res.Recommendations))
	for i, rec := range res.Recommendations {
		findings[i] = report.Finding{Category: rec.Category, Description: rec.Description}
	}

	return &report.Document{
		RunID:     run.ID,
		TestName:  run.TestName,
		TestType:  run.TestType,
		URL:       run.URL,
		Users:     run.ConcurrentUsers,
		DurationS: run.DurationS,
		RampUpS:   run.RampUpS,
		State:     run.State,
		Cancelled: run.Cancelled,
		CreatedAt: run.CreatedAt,
		Summary:   res.Summary,
		Verdict:   res.Verdict,
		Details:   intervals(res.Details),
		Narrative: run.AIAnalysis,
		Findings:  findings,
		Provider:  run.AIProvider,
		Degraded:  run.State == store.RunStateCompleted && run.AIProvider == "",
	}
}

func intervals(details []store.RunDetail) []sink.IntervalAggregate {
	out := make([]sink.IntervalAggregate, len(details))

	for i, d := range details {
		out[i] = sink.IntervalAggregate{
			Start:         d.Timestamp,
			Count:         d.Count,
			Errors:        int64(math.Round(float64(d.Count) * d.ErrorRatePct / 100)),
			AvgMS:         d.AvgResponseTimeMS,
			P50MS:         d.P50MS,
			P95MS:         d.P95MS,
			ErrorRatePct:  d.ErrorRatePct,
			ThroughputRPS: d.ThroughputRPS,
		}
	}

	return out
}
