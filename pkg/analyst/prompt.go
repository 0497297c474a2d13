package analyst

import (
	"fmt"
	"strings"
	"time"

	"github.com/testpilot-io/testpilot/pkg/llm"
	"github.com/testpilot-io/testpilot/pkg/report"
	"github.com/testpilot-io/testpilot/pkg/store"
)

const systemPrompt = "You are a senior performance engineer. You analyze load test " +
	"results, identify bottlenecks, and give concrete, prioritized advice. " +
	"Answer in markdown using exactly the section headers you are given."

// BuildPrompt assembles the analysis prompt.
func BuildPrompt(in Input, temperature float64) llm.Prompt {
	var sb strings.Builder

	sb.WriteString("Analyze the following performance test.\n\n")

	sb.WriteString("Test information:\n")
	fmt.Fprintf(&sb, "- Name: %s\n", in.Run.TestName)
	fmt.Fprintf(&sb, "- Type: %s\n", in.Run.TestType)
	fmt.Fprintf(&sb, "- Target URL: %s\n", in.Run.URL)
	fmt.Fprintf(&sb, "- Concurrent users: %d\n", in.Run.Users)
	fmt.Fprintf(&sb, "- Duration: %ds (ramp-up %ds)\n", in.Run.DurationS, in.Run.RampUpS)

	if in.Run.Cancelled {
		sb.WriteString("- The run was cancelled before its scheduled end.\n")
	}

	m := in.Summary

	sb.WriteString("\nSummary metrics:\n")
	fmt.Fprintf(&sb, "- Total requests: %d (failed %d, error rate %.2f%%)\n",
		m.TotalRequests, m.FailedRequests, m.ErrorRatePct)
	fmt.Fprintf(&sb, "- Response time ms: avg %.2f, p50 %.2f, p95 %.2f, p99 %.2f, min %.2f, max %.2f\n",
		m.AvgResponseTimeMS, m.P50MS, m.P95MS, m.P99MS, m.MinMS, m.MaxMS)
	fmt.Fprintf(&sb, "- Throughput: %.2f req/s over %.1f s\n", m.ThroughputRPS, m.ElapsedS)

	if len(in.Verdict.Rules) > 0 {
		fmt.Fprintf(&sb, "\nThreshold verdict: %s\n", in.Verdict.Overall)

		for _, r := range in.Verdict.Rules {
			switch {
			case !r.Enabled:
				fmt.Fprintf(&sb, "- %s: disabled\n", r.Name)
			case r.Passed:
				fmt.Fprintf(&sb, "- %s: passed (observed %.2f, limit %.2f)\n", r.Name, r.Observed, *r.Limit)
			default:
				fmt.Fprintf(&sb, "- %s: FAILED (observed %.2f, limit %.2f)\n", r.Name, r.Observed, *r.Limit)
			}
		}
	}

	if len(in.Tail) > 0 {
		sb.WriteString("\nMost recent intervals:\n")
		sb.WriteString(tailText(in.Tail))
	}

	if len(in.Previous) > 0 {
		sb.WriteString("\nPrevious runs of the same test type (newest first):\n")

		for _, p := range in.Previous {
			fmt.Fprintf(&sb, "- %s, %d users: avg %.2f ms, p95 %.2f ms, errors %.2f%%, %.2f req/s, verdict %s\n",
				p.CreatedAt.UTC().Format(time.DateOnly), p.Users,
				p.Summary.AvgResponseTimeMS, p.Summary.P95MS, p.Summary.ErrorRatePct,
				p.Summary.ThroughputRPS, p.Overall)
		}
	}

	sb.WriteString("\nRespond with these sections, in this order:\n\n")
	sb.WriteString(report.HeaderAnalysis + "\n<a short narrative of overall behaviour and trends>\n\n")
	sb.WriteString(report.HeaderBottlenecks + "\n- <one bottleneck per bullet>\n\n")
	sb.WriteString(report.HeaderRecommendations + "\n- <one actionable recommendation per bullet>\n\n")
	sb.WriteString(report.HeaderNextTests + "\n- <one follow-up test per bullet>\n")

	return llm.Prompt{
		System:      systemPrompt,
		User:        sb.String(),
		Temperature: temperature,
	}
}

var sectionCategories = map[string]string{
	normalizeHeader(report.HeaderBottlenecks):     store.CategoryBottleneck,
	normalizeHeader(report.HeaderRecommendations): store.CategoryRecommendation,
	normalizeHeader(report.HeaderNextTests):       store.CategoryNextTest,
}

// ParseResponse splits a model response into the narrative and at most max
// categorized findings in response order. A response without the expected
// headers is taken whole as the narrative.
func ParseResponse(text string, max int) (string, []report.Finding) {
	var (
		narrative []string
		findings  []report.Finding
		section   string
		sawHeader bool
	)

	analysisKey := normalizeHeader(report.HeaderAnalysis)

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)

		if strings.HasPrefix(line, "#") {
			key := normalizeHeader(line)

			if key == analysisKey {
				section = key
				sawHeader = true

				continue
			}

			if _, ok := sectionCategories[key]; ok {
				section = key
				sawHeader = true

				continue
			}
		}

		if section == analysisKey {
			narrative = append(narrative, raw)

			continue
		}

		category, ok := sectionCategories[section]
		if !ok {
			continue
		}

		item, isBullet := bulletText(line)
		if !isBullet || item == "" {
			continue
		}

		if max > 0 && len(findings) >= max {
			continue
		}

		findings = append(findings, report.Finding{Category: category, Description: item})
	}

	if !sawHeader {
		return strings.TrimSpace(text), nil
	}

	return strings.TrimSpace(strings.Join(narrative, "\n")), findings
}

// normalizeHeader lowercases a markdown header and drops its leading hashes
// and emphasis so "### **Recommendations**" matches "## Recommendations".
func normalizeHeader(line string) string {
	line = strings.TrimLeft(strings.TrimSpace(line), "#")
	line = strings.Trim(strings.TrimSpace(line), "*_:")

	return strings.ToLower(strings.TrimSpace(line))
}

func bulletText(line string) (string, bool) {
	for _, marker := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, marker) {
			return strings.TrimSpace(strings.TrimPrefix(line, marker)), true
		}
	}

	return "", false
}
