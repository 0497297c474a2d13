// Package threshold evaluates run summary metrics against pass/fail limits.
package threshold

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/testpilot-io/testpilot/pkg/sink"
)

// Rule names.
const (
	RuleResponseTime = "response_time"
	RuleErrorRate    = "error_rate"
	RuleThroughput   = "throughput"
)

// Overall verdict values.
const (
	Pass = "pass"
	Fail = "fail"
)

// Config maps a rule name to its limit. Values arrive from decoded JSON or
// YAML, so any numeric type is accepted; nil or missing disables a rule.
type Config map[string]any

// Defaults returns the limits applied when a request carries no thresholds.
func Defaults() Config {
	return Config{
		RuleResponseTime: 1000.0,
		RuleErrorRate:    1.0,
		RuleThroughput:   10.0,
	}
}

// RuleResult is the outcome of one rule.
type RuleResult struct {
	Name     string   `json:"name"`
	Observed float64  `json:"observed"`
	Limit    *float64 `json:"limit"`
	Passed   bool     `json:"passed"`
	Enabled  bool     `json:"enabled"`
	Note     string   `json:"note,omitempty"`
}

// Verdict is the evaluation of all rules.
type Verdict struct {
	Overall string       `json:"overall"`
	Rules   []RuleResult `json:"rules"`
}

// Failed returns the enabled rules that did not pass.
func (v Verdict) Failed() []RuleResult {
	var failed []RuleResult

	for _, r := range v.Rules {
		if r.Enabled && !r.Passed {
			failed = append(failed, r)
		}
	}

	return failed
}

type rule struct {
	name     string
	observed func(sink.SummaryMetrics) float64
	fails    func(observed, limit float64) bool
}

var registry = []rule{
	{
		name:     RuleResponseTime,
		observed: func(m sink.SummaryMetrics) float64 { return m.AvgResponseTimeMS },
		fails:    func(o, l float64) bool { return o > l },
	},
	{
		name:     RuleErrorRate,
		observed: func(m sink.SummaryMetrics) float64 { return m.ErrorRatePct },
		fails:    func(o, l float64) bool { return o > l },
	},
	{
		name:     RuleThroughput,
		observed: func(m sink.SummaryMetrics) float64 { return m.ThroughputRPS },
		fails:    func(o, l float64) bool { return o < l },
	},
}

// Evaluate applies every registered rule in a fixed order. It never fails:
// unusable limits disable their rule with a note instead.
func Evaluate(metrics sink.SummaryMetrics, cfg Config) Verdict {
	verdict := Verdict{
		Overall: Pass,
		Rules:   make([]RuleResult, 0, len(registry)),
	}

	for _, r := range registry {
		result := RuleResult{
			Name:     r.name,
			Observed: r.observed(metrics),
			Passed:   true,
		}

		limit, note := limitFor(cfg, r.name)
		if note != "" {
			result.Note = note
			verdict.Rules = append(verdict.Rules, result)

			continue
		}

		result.Limit = &limit
		result.Enabled = true

		if r.fails(result.Observed, limit) {
			result.Passed = false
			verdict.Overall = Fail
		}

		verdict.Rules = append(verdict.Rules, result)
	}

	return verdict
}

// limitFor extracts a usable limit or explains why the rule is disabled.
func limitFor(cfg Config, name string) (float64, string) {
	raw, ok := cfg[name]
	if !ok || raw == nil {
		return 0, "no limit configured"
	}

	limit, err := ToFloat(raw)
	if err != nil {
		return 0, fmt.Sprintf("invalid limit: %v", err)
	}

	switch {
	case math.IsNaN(limit):
		return 0, "invalid limit: NaN"
	case math.IsInf(limit, 0):
		return 0, "invalid limit: infinite"
	case limit < 0:
		return 0, fmt.Sprintf("invalid limit: negative (%g)", limit)
	}

	return limit, ""
}

// ToFloat converts a decoded JSON or YAML number to float64.
func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
