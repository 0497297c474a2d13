package report

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-io/testpilot/pkg/config"
	"github.com/testpilot-io/testpilot/pkg/sink"
	"github.com/testpilot-io/testpilot/pkg/store"
	"github.com/testpilot-io/testpilot/pkg/threshold"
)

func sampleDocument() *Document {
	summary := sink.SummaryMetrics{
		TotalRequests:     12345,
		FailedRequests:    12,
		ErrorRatePct:      0.097,
		AvgResponseTimeMS: 120.5,
		P50MS:             100,
		P95MS:             300,
		P99MS:             450,
		ThroughputRPS:     205.75,
		BytesReceived:     2048,
		ElapsedS:          60,
	}

	return &Document{
		RunID:     "run-1",
		TestName:  "checkout | api",
		TestType:  "load",
		URL:       "http://shop.test/",
		Users:     10,
		DurationS: 60,
		RampUpS:   10,
		CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Summary:   summary,
		Verdict:   threshold.Evaluate(summary, threshold.Config{"response_time": 100, "throughput": 10}),
		Narrative: "Latency is above target.",
		Findings: []Finding{
			{Category: store.CategoryBottleneck, Description: "database pool saturation"},
			{Category: store.CategoryRecommendation, Description: "add an index"},
			{Category: store.CategoryNextTest, Description: "stress at 50 users"},
		},
		Provider: "openai",
	}
}

func TestRenderMarkdown(t *testing.T) {
	md := RenderMarkdown(sampleDocument())

	for _, want := range []string{
		"# Performance Test Analysis Report",
		"## Test Information",
		"| Test Name | checkout \\| api |",
		"| Duration | 1m 0s |",
		"| Ramp-up | 10s |",
		"## Summary Metrics",
		"| Total Requests | 12,345 |",
		"| Data Received | 2.048kB |",
		"## Threshold Verdict: FAIL",
		"| response_time | 120.50 | 100.00 | **fail** |",
		"| error_rate | 0.10 | - | disabled |",
		"## Analysis\n\nLatency is above target.",
		"## Identified Bottlenecks\n\n- database pool saturation",
		"## Recommendations\n\n- add an index",
		"## Suggested Next Tests\n\n- stress at 50 users",
		"_Analysis provider: openai_",
	} {
		assert.Contains(t, md, want)
	}

	assert.True(t, strings.HasSuffix(md, "\n"))
	assert.False(t, strings.HasSuffix(md, "\n\n"))
}

func TestRenderMarkdown_DegradedAndDetails(t *testing.T) {
	doc := sampleDocument()
	doc.Narrative = ""
	doc.Degraded = true
	doc.Findings = []Finding{{Category: store.CategoryRecommendation, Description: "AI analysis unavailable: x"}}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		doc.Details = append(doc.Details, sink.IntervalAggregate{
			Start: start.Add(time.Duration(i) * time.Second),
			Count: int64(i),
		})
	}

	md := RenderMarkdown(doc)

	assert.Contains(t, md, "_AI analysis unavailable")
	assert.NotContains(t, md, "## Identified Bottlenecks")
	assert.Contains(t, md, "_Last 20 of 25 intervals._")
	assert.NotContains(t, md, "| 00:00:04 |")
	assert.Contains(t, md, "| 00:00:24 | 24 |")
}

func TestRenderJSON(t *testing.T) {
	data, err := RenderJSON(sampleDocument())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "fail", decoded["verdict"].(map[string]any)["overall"])
	assert.Len(t, decoded["recommendations"], 3)
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-4500, "-4,500"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatCount(tt.in))
	}
}

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		runID  string
		want   string
	}{
		{name: "default prefix", prefix: "", runID: "abc", want: "reports/runs/abc"},
		{name: "custom prefix", prefix: "team/perf", runID: "abc", want: "team/perf/abc"},
		{name: "trailing slash stripped", prefix: "team/", runID: "abc", want: "team/abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &s3Archiver{cfg: &config.S3ReportConfig{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, a.resolvePrefix(tt.runID))
		})
	}
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "text/markdown; charset=utf-8", detectContentType("report.md"))
	assert.Contains(t, detectContentType("report.json"), "application/json")
	assert.Equal(t, "application/octet-stream", detectContentType("README"))
}

func TestNewArchiver_DisabledIsNoop(t *testing.T) {
	a := NewArchiver(nil, &config.S3ReportConfig{Enabled: false})

	require.NoError(t, a.Preflight(context.Background()))

	loc, err := a.Archive(context.Background(), sampleDocument())
	require.NoError(t, err)
	assert.Empty(t, loc)
}

func TestCollectHostInfo(t *testing.T) {
	info, err := CollectHostInfo(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, info.Arch)
	assert.Positive(t, info.Goroutines)
}
