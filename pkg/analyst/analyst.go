// Package analyst turns run metrics into a narrative analysis and
// categorized recommendations using the LLM provider chain.
package analyst

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/testpilot-io/testpilot/pkg/llm"
	"github.com/testpilot-io/testpilot/pkg/report"
	"github.com/testpilot-io/testpilot/pkg/sink"
	"github.com/testpilot-io/testpilot/pkg/store"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

// Completer is the provider chain as seen by the analyst.
type Completer interface {
	Complete(ctx context.Context, prompt llm.Prompt) (llm.Completion, error)
}

// Config tunes the analyst.
type Config struct {
	MaxRecommendations int
	Temperature        float64
}

// RunInfo describes the request a run was started with.
type RunInfo struct {
	ID        string
	TestName  string
	TestType  string
	URL       string
	Users     int
	DurationS int
	RampUpS   int
	Cancelled bool
}

// PreviousRun is a compact view of an earlier run of the same test type.
type PreviousRun struct {
	ID        string
	CreatedAt time.Time
	Users     int
	Summary   sink.SummaryMetrics
	Overall   string
}

// Input is everything the analyst looks at.
type Input struct {
	Run      RunInfo
	Summary  sink.SummaryMetrics
	Verdict  threshold.Verdict
	Tail     []sink.IntervalAggregate
	Previous []PreviousRun
}

// Result is the outcome of Analyze.
type Result struct {
	Narrative       string
	Recommendations []report.Finding
	Provider        string
	Degraded        bool
	Reason          string
}

// Analyst produces run analyses.
type Analyst struct {
	log       logrus.FieldLogger
	completer Completer
	cfg       Config
}

// New creates an Analyst.
func New(log logrus.FieldLogger, completer Completer, cfg Config) *Analyst {
	if cfg.MaxRecommendations <= 0 {
		cfg.MaxRecommendations = 10
	}

	return &Analyst{
		log:       log.WithField("component", "analyst"),
		completer: completer,
		cfg:       cfg,
	}
}

// Analyze never fails: when no provider can answer, it returns a degraded
// result built from the verdict alone.
func (a *Analyst) Analyze(ctx context.Context, in Input) Result {
	log := a.log.WithField("run_id", in.Run.ID)

	completion, err := a.completer.Complete(ctx, BuildPrompt(in, a.cfg.Temperature))
	if err != nil {
		reason := unavailableReason(ctx, err)
		log.WithField("reason", reason).Warn("AI analysis unavailable, using degraded analysis")

		return Degraded(in.Verdict, reason)
	}

	narrative, recs := ParseResponse(completion.Text, a.cfg.MaxRecommendations)

	log.WithFields(logrus.Fields{
		"provider":        completion.ProviderID,
		"recommendations": len(recs),
	}).Info("AI analysis complete")

	return Result{
		Narrative:       narrative,
		Recommendations: recs,
		Provider:        completion.ProviderID,
	}
}

// Degraded builds the fallback analysis: one recommendation naming the
// reason plus a bottleneck hint for every failed threshold rule.
func Degraded(verdict threshold.Verdict, reason string) Result {
	recs := []report.Finding{{
		Category:    store.CategoryRecommendation,
		Description: "AI analysis unavailable: " + reason,
	}}

	for _, rule := range verdict.Failed() {
		recs = append(recs, report.Finding{
			Category:    store.CategoryBottleneck,
			Description: bottleneckHint(rule),
		})
	}

	return Result{
		Recommendations: recs,
		Degraded:        true,
		Reason:          reason,
	}
}

func bottleneckHint(rule threshold.RuleResult) string {
	limit := 0.0
	if rule.Limit != nil {
		limit = *rule.Limit
	}

	switch rule.Name {
	case threshold.RuleResponseTime:
		return fmt.Sprintf(
			"Average response time %.2f ms exceeded the %.2f ms limit; inspect slow endpoints and backend latency.",
			rule.Observed, limit)
	case threshold.RuleErrorRate:
		return fmt.Sprintf(
			"Error rate %.2f%% exceeded the %.2f%% limit; check server errors and connection failures under load.",
			rule.Observed, limit)
	case threshold.RuleThroughput:
		return fmt.Sprintf(
			"Throughput %.2f req/s fell below the %.2f req/s minimum; look for saturation in CPU, pools or upstream services.",
			rule.Observed, limit)
	default:
		return fmt.Sprintf("Rule %s failed (observed %.2f, limit %.2f).", rule.Name, rule.Observed, limit)
	}
}

func unavailableReason(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "analysis time budget exceeded"
	}

	var unavailable *llm.UnavailableError
	if errors.As(err, &unavailable) {
		return unavailable.Reason
	}

	return err.Error()
}

// tailText renders interval aggregates compactly for the prompt.
func tailText(tail []sink.IntervalAggregate) string {
	var sb strings.Builder

	for _, d := range tail {
		fmt.Fprintf(&sb, "- %s: %d req, avg %.1f ms, p95 %.1f ms, errors %.2f%%, %.1f req/s\n",
			d.Start.UTC().Format(time.TimeOnly), d.Count, d.AvgMS, d.P95MS, d.ErrorRatePct, d.ThroughputRPS)
	}

	return sb.String()
}
