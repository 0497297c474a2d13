package sink

import (
	"math"
	"time"
)

// IntervalAggregate summarizes the samples started within one time window.
type IntervalAggregate struct {
	Start         time.Time `json:"timestamp"`
	Count         int64     `json:"count"`
	Errors        int64     `json:"errors"`
	AvgMS         float64   `json:"avg_response_time_ms"`
	P50MS         float64   `json:"p50_ms"`
	P95MS         float64   `json:"p95_ms"`
	ErrorRatePct  float64   `json:"error_rate_pct"`
	ThroughputRPS float64   `json:"throughput_rps"`
}

// SummaryMetrics is the whole-run aggregate.
type SummaryMetrics struct {
	TotalRequests     int64   `json:"total_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	ErrorRatePct      float64 `json:"error_rate_pct"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	P50MS             float64 `json:"p50_ms"`
	P95MS             float64 `json:"p95_ms"`
	P99MS             float64 `json:"p99_ms"`
	MinMS             float64 `json:"min_ms"`
	MaxMS             float64 `json:"max_ms"`
	ThroughputRPS     float64 `json:"throughput_rps"`
	BytesReceived     int64   `json:"bytes_received"`
	ElapsedS          float64 `json:"elapsed_s"`
	Sampled           bool    `json:"sampled"`
}

// SnapshotWindow aggregates retained samples whose start lies in [from, to).
// When the reservoir is engaged, counts are scaled back to recorded volume.
func (s *Sink) SnapshotWindow(from, to time.Time) IntervalAggregate {
	samples, scale := s.snapshot()

	window := make([]Sample, 0, len(samples))

	for _, sample := range samples {
		if !sample.Start.Before(from) && sample.Start.Before(to) {
			window = append(window, sample)
		}
	}

	return aggregate(from, to.Sub(from), window, scale)
}

// Series returns consecutive interval aggregates for buckets [fromIdx, toIdx)
// of width interval starting at origin. Empty buckets are included with zero
// values so timestamps stay contiguous.
func (s *Sink) Series(origin time.Time, interval time.Duration, fromIdx, toIdx int) []IntervalAggregate {
	if interval <= 0 || toIdx <= fromIdx {
		return nil
	}

	samples, scale := s.snapshot()

	buckets := make([][]Sample, toIdx-fromIdx)

	for _, sample := range samples {
		offset := sample.Start.Sub(origin)
		if offset < 0 {
			continue
		}

		idx := int(offset / interval)
		if idx < fromIdx || idx >= toIdx {
			continue
		}

		buckets[idx-fromIdx] = append(buckets[idx-fromIdx], sample)
	}

	out := make([]IntervalAggregate, len(buckets))

	for i, bucket := range buckets {
		start := origin.Add(time.Duration(fromIdx+i) * interval)
		out[i] = aggregate(start, interval, bucket, scale)
	}

	return out
}

func aggregate(start time.Time, width time.Duration, samples []Sample, scale float64) IntervalAggregate {
	agg := IntervalAggregate{Start: start}

	if len(samples) == 0 {
		return agg
	}

	var (
		errors int64
		sum    float64
	)

	for _, sample := range samples {
		sum += sample.ElapsedMS()

		if !sample.OK {
			errors++
		}
	}

	sorted := sortedLatencies(samples)

	agg.Count = int64(math.Round(float64(len(samples)) * scale))
	agg.Errors = int64(math.Round(float64(errors) * scale))
	agg.AvgMS = sum / float64(len(samples))
	agg.P50MS = percentile(sorted, 50)
	agg.P95MS = percentile(sorted, 95)
	agg.ErrorRatePct = float64(errors) / float64(len(samples)) * 100

	if secs := width.Seconds(); secs > 0 {
		agg.ThroughputRPS = float64(agg.Count) / secs
	}

	return agg
}

// Summarize computes whole-run metrics. Throughput is total requests over
// the production wall time: the explicit started/stopped span when both are
// marked, otherwise the first-start to last-end span of recorded samples.
func (s *Sink) Summarize() SummaryMetrics {
	s.mu.Lock()

	summary := SummaryMetrics{
		TotalRequests:  s.count,
		FailedRequests: s.errors,
		MinMS:          s.minMS,
		MaxMS:          s.maxMS,
		BytesReceived:  s.bytes,
		Sampled:        s.sampled,
	}

	sumMS := s.sumMS

	wall := s.last.Sub(s.first)
	if !s.started.IsZero() && !s.stopped.IsZero() {
		wall = s.stopped.Sub(s.started)
	}

	s.mu.Unlock()

	if summary.TotalRequests == 0 {
		return SummaryMetrics{}
	}

	if wall < time.Millisecond {
		wall = time.Millisecond
	}

	samples, _ := s.snapshot()
	sorted := sortedLatencies(samples)

	summary.ErrorRatePct = float64(summary.FailedRequests) / float64(summary.TotalRequests) * 100
	summary.AvgResponseTimeMS = sumMS / float64(summary.TotalRequests)
	summary.P50MS = percentile(sorted, 50)
	summary.P95MS = percentile(sorted, 95)
	summary.P99MS = percentile(sorted, 99)
	summary.ElapsedS = wall.Seconds()
	summary.ThroughputRPS = float64(summary.TotalRequests) / summary.ElapsedS

	return summary
}
