package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/testpilot-io/testpilot/pkg/store"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

// Section headers shared with the analysis prompt.
const (
	HeaderAnalysis        = "## Analysis"
	HeaderBottlenecks     = "## Identified Bottlenecks"
	HeaderRecommendations = "## Recommendations"
	HeaderNextTests       = "## Suggested Next Tests"
)

// maxDetailRows bounds the interval table in the markdown report.
const maxDetailRows = 20

var findingSections = []struct {
	header   string
	category string
}{
	{HeaderBottlenecks, store.CategoryBottleneck},
	{HeaderRecommendations, store.CategoryRecommendation},
	{HeaderNextTests, store.CategoryNextTest},
}

// RenderMarkdown produces the human readable run report.
func RenderMarkdown(doc *Document) string {
	var sb strings.Builder

	sb.Grow(4096)

	sb.WriteString("# Performance Test Analysis Report\n\n")

	writeTestInformation(&sb, doc)
	writeSummaryMetrics(&sb, doc)
	writeVerdict(&sb, doc.Verdict)
	writeAnalysis(&sb, doc)
	writeDetails(&sb, doc)
	writeHost(&sb, doc.Host)

	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func writeTestInformation(sb *strings.Builder, doc *Document) {
	sb.WriteString("## Test Information\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Test Name | %s |\n", escapeCell(doc.TestName))
	fmt.Fprintf(sb, "| Test Type | %s |\n", doc.TestType)
	fmt.Fprintf(sb, "| Target URL | %s |\n", escapeCell(doc.URL))
	fmt.Fprintf(sb, "| Concurrent Users | %d |\n", doc.Users)
	fmt.Fprintf(sb, "| Duration | %s |\n", formatDuration(time.Duration(doc.DurationS)*time.Second))
	fmt.Fprintf(sb, "| Ramp-up | %s |\n", formatDuration(time.Duration(doc.RampUpS)*time.Second))

	if doc.RunID != "" {
		fmt.Fprintf(sb, "| Run ID | `%s` |\n", doc.RunID)
	}

	if !doc.CreatedAt.IsZero() {
		fmt.Fprintf(sb, "| Started | %s |\n", doc.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	if doc.Cancelled {
		sb.WriteString("| Cancelled | yes |\n")
	}

	sb.WriteByte('\n')
}

func writeSummaryMetrics(sb *strings.Builder, doc *Document) {
	m := doc.Summary

	sb.WriteString("## Summary Metrics\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Total Requests | %s |\n", formatCount(m.TotalRequests))
	fmt.Fprintf(sb, "| Failed Requests | %s |\n", formatCount(m.FailedRequests))
	fmt.Fprintf(sb, "| Error Rate | %.2f%% |\n", m.ErrorRatePct)
	fmt.Fprintf(sb, "| Avg Response Time | %.2f ms |\n", m.AvgResponseTimeMS)
	fmt.Fprintf(sb, "| P50 / P95 / P99 | %.2f / %.2f / %.2f ms |\n", m.P50MS, m.P95MS, m.P99MS)
	fmt.Fprintf(sb, "| Min / Max | %.2f / %.2f ms |\n", m.MinMS, m.MaxMS)
	fmt.Fprintf(sb, "| Throughput | %.2f req/s |\n", m.ThroughputRPS)
	fmt.Fprintf(sb, "| Data Received | %s |\n", units.HumanSize(float64(m.BytesReceived)))
	fmt.Fprintf(sb, "| Elapsed | %.1f s |\n", m.ElapsedS)

	if m.Sampled {
		sb.WriteString("| Percentiles | estimated from a sample reservoir |\n")
	}

	sb.WriteByte('\n')
}

func writeVerdict(sb *strings.Builder, v threshold.Verdict) {
	if len(v.Rules) == 0 {
		return
	}

	fmt.Fprintf(sb, "## Threshold Verdict: %s\n\n", strings.ToUpper(v.Overall))
	sb.WriteString("| Rule | Observed | Limit | Result |\n")
	sb.WriteString("|---|---|---|---|\n")

	for _, r := range v.Rules {
		limit := "-"
		if r.Limit != nil {
			limit = fmt.Sprintf("%.2f", *r.Limit)
		}

		result := "pass"

		switch {
		case !r.Enabled:
			result = "disabled"
		case !r.Passed:
			result = "**fail**"
		}

		fmt.Fprintf(sb, "| %s | %.2f | %s | %s |\n", r.Name, r.Observed, limit, result)
	}

	sb.WriteByte('\n')
}

func writeAnalysis(sb *strings.Builder, doc *Document) {
	sb.WriteString(HeaderAnalysis + "\n\n")

	narrative := strings.TrimSpace(doc.Narrative)

	switch {
	case narrative != "":
		sb.WriteString(narrative)
		sb.WriteString("\n\n")
	case doc.Degraded:
		sb.WriteString("_AI analysis unavailable; findings below are derived from threshold results._\n\n")
	default:
		sb.WriteString("_No narrative provided._\n\n")
	}

	if doc.Provider != "" {
		fmt.Fprintf(sb, "_Analysis provider: %s_\n\n", doc.Provider)
	}

	for _, section := range findingSections {
		var items []string

		for _, f := range doc.Findings {
			if f.Category == section.category {
				items = append(items, f.Description)
			}
		}

		if len(items) == 0 {
			continue
		}

		sb.WriteString(section.header + "\n\n")

		for _, item := range items {
			fmt.Fprintf(sb, "- %s\n", item)
		}

		sb.WriteByte('\n')
	}
}

func writeDetails(sb *strings.Builder, doc *Document) {
	if len(doc.Details) == 0 {
		return
	}

	rows := doc.Details
	if len(rows) > maxDetailRows {
		rows = rows[len(rows)-maxDetailRows:]
	}

	sb.WriteString("## Interval Metrics\n\n")

	if len(rows) < len(doc.Details) {
		fmt.Fprintf(sb, "_Last %d of %d intervals._\n\n", len(rows), len(doc.Details))
	}

	sb.WriteString("| Time | Requests | Avg (ms) | P95 (ms) | Errors | RPS |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")

	for _, d := range rows {
		fmt.Fprintf(sb, "| %s | %d | %.2f | %.2f | %.2f%% | %.2f |\n",
			d.Start.UTC().Format("15:04:05"),
			d.Count, d.AvgMS, d.P95MS, d.ErrorRatePct, d.ThroughputRPS)
	}

	sb.WriteByte('\n')
}

func writeHost(sb *strings.Builder, h *HostInfo) {
	if h == nil {
		return
	}

	sb.WriteString("## Load Generator Host\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if h.Hostname != "" {
		fmt.Fprintf(sb, "| Hostname | %s |\n", h.Hostname)
	}

	if h.CPUModel != "" {
		fmt.Fprintf(sb, "| CPU | %s |\n", h.CPUModel)
	}

	if h.CPUCores > 0 {
		fmt.Fprintf(sb, "| Cores | %d |\n", h.CPUCores)
	}

	if h.MemoryTotal > 0 {
		fmt.Fprintf(sb, "| Memory | %s |\n", units.BytesSize(float64(h.MemoryTotal)))
	}

	if h.Platform != "" {
		platform := h.Platform
		if h.PlatformVersion != "" {
			platform += " " + h.PlatformVersion
		}

		fmt.Fprintf(sb, "| Platform | %s |\n", platform)
	}

	if h.Arch != "" {
		fmt.Fprintf(sb, "| Arch | %s |\n", h.Arch)
	}

	sb.WriteByte('\n')
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	return fmt.Sprintf("%ds", seconds)
}

// formatCount formats an integer with comma separators.
func formatCount(n int64) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}

	s := fmt.Sprintf("%d", n)
	l := len(s)

	if l <= 3 {
		return s
	}

	var b strings.Builder

	b.Grow(l + (l-1)/3)

	for i, ch := range s {
		if i > 0 && (l-i)%3 == 0 {
			b.WriteByte(',')
		}

		b.WriteRune(ch)
	}

	return b.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
