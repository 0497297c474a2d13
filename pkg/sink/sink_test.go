package sink

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var origin = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func TestSummarize_Empty(t *testing.T) {
	s := New(10)

	assert.Equal(t, SummaryMetrics{}, s.Summarize())
	assert.Equal(t, IntervalAggregate{Start: origin}, s.SnapshotWindow(origin, origin.Add(time.Second)))
}

func TestSummarize_Percentiles(t *testing.T) {
	s := New(0)

	for i := 1; i <= 100; i++ {
		s.Record(Sample{
			Start:   origin.Add(ms(i * 10)),
			Elapsed: ms(i),
			OK:      i%10 != 0,
			Status:  200,
			Bytes:   100,
		})
	}

	s.MarkStarted(origin)
	s.MarkStopped(origin.Add(10 * time.Second))

	sum := s.Summarize()

	assert.Equal(t, int64(100), sum.TotalRequests)
	assert.Equal(t, int64(10), sum.FailedRequests)
	assert.InDelta(t, 10.0, sum.ErrorRatePct, 1e-9)
	assert.InDelta(t, 50.5, sum.AvgResponseTimeMS, 1e-9)
	assert.Equal(t, 50.0, sum.P50MS)
	assert.Equal(t, 95.0, sum.P95MS)
	assert.Equal(t, 99.0, sum.P99MS)
	assert.Equal(t, 1.0, sum.MinMS)
	assert.Equal(t, 100.0, sum.MaxMS)
	assert.Equal(t, int64(10000), sum.BytesReceived)
	assert.InDelta(t, 10.0, sum.ElapsedS, 1e-9)
	assert.InDelta(t, 10.0, sum.ThroughputRPS, 1e-9)
	assert.False(t, sum.Sampled)
}

func TestSummarize_WallTimeFallsBackToSampleSpan(t *testing.T) {
	s := New(0)

	s.Record(Sample{Start: origin, Elapsed: ms(500), OK: true})
	s.Record(Sample{Start: origin.Add(1500 * time.Millisecond), Elapsed: ms(500), OK: true})

	sum := s.Summarize()
	assert.InDelta(t, 2.0, sum.ElapsedS, 1e-9)
	assert.InDelta(t, 1.0, sum.ThroughputRPS, 1e-9)
}

func TestSummarize_SingleInstantSample(t *testing.T) {
	s := New(0)
	s.Record(Sample{Start: origin, OK: false})

	sum := s.Summarize()
	assert.Equal(t, int64(1), sum.TotalRequests)
	assert.Equal(t, 100.0, sum.ErrorRatePct)
	assert.InDelta(t, 0.001, sum.ElapsedS, 1e-12)
}

func TestRecord_ReservoirKeepsExactCounters(t *testing.T) {
	s := NewSeeded(50, 42)

	for i := 0; i < 1000; i++ {
		s.Record(Sample{
			Start:   origin.Add(ms(i)),
			Elapsed: ms(i%20 + 1),
			OK:      i%4 != 0,
			Bytes:   1,
		})
	}

	assert.Equal(t, 50, s.Retained())
	assert.True(t, s.Sampled())
	assert.Equal(t, int64(1000), s.Count())

	sum := s.Summarize()
	assert.Equal(t, int64(1000), sum.TotalRequests)
	assert.Equal(t, int64(250), sum.FailedRequests)
	assert.Equal(t, int64(1000), sum.BytesReceived)
	assert.Equal(t, 1.0, sum.MinMS)
	assert.Equal(t, 20.0, sum.MaxMS)
	assert.InDelta(t, 10.5, sum.AvgResponseTimeMS, 1e-9)
	assert.True(t, sum.Sampled)
	assert.GreaterOrEqual(t, sum.P95MS, sum.P50MS)
}

func TestRecord_Concurrent(t *testing.T) {
	s := New(0)

	var wg sync.WaitGroup

	for w := 0; w < 16; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < 500; i++ {
				s.Record(Sample{Start: origin, Elapsed: ms(1), OK: true})
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(8000), s.Count())
	assert.Equal(t, 8000, s.Retained())
}

func TestSnapshotWindow(t *testing.T) {
	s := New(0)

	s.Record(Sample{Start: origin.Add(100 * time.Millisecond), Elapsed: ms(10), OK: true})
	s.Record(Sample{Start: origin.Add(900 * time.Millisecond), Elapsed: ms(30), OK: false})
	s.Record(Sample{Start: origin.Add(time.Second), Elapsed: ms(50), OK: true})

	agg := s.SnapshotWindow(origin, origin.Add(time.Second))

	assert.Equal(t, int64(2), agg.Count)
	assert.Equal(t, int64(1), agg.Errors)
	assert.Equal(t, 20.0, agg.AvgMS)
	assert.Equal(t, 50.0, agg.ErrorRatePct)
	assert.Equal(t, 2.0, agg.ThroughputRPS)
	assert.Equal(t, 10.0, agg.P50MS)
}

func TestSeries_ContiguousBuckets(t *testing.T) {
	s := New(0)

	s.Record(Sample{Start: origin.Add(200 * time.Millisecond), Elapsed: ms(5), OK: true})
	s.Record(Sample{Start: origin.Add(2500 * time.Millisecond), Elapsed: ms(7), OK: true})
	s.Record(Sample{Start: origin.Add(2600 * time.Millisecond), Elapsed: ms(9), OK: true})

	series := s.Series(origin, time.Second, 0, 4)
	require.Len(t, series, 4)

	wantCounts := []int64{1, 0, 2, 0}
	for i, agg := range series {
		assert.Equal(t, origin.Add(time.Duration(i)*time.Second), agg.Start)
		assert.Equal(t, wantCounts[i], agg.Count, "bucket %d", i)
	}

	tail := s.Series(origin, time.Second, 2, 3)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(2), tail[0].Count)
	assert.Equal(t, 8.0, tail[0].AvgMS)

	assert.Nil(t, s.Series(origin, time.Second, 3, 3))
	assert.Nil(t, s.Series(origin, 0, 0, 3))
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name   string
		sorted []float64
		p      int
		want   float64
	}{
		{name: "empty", sorted: nil, p: 50, want: 0},
		{name: "single", sorted: []float64{7}, p: 99, want: 7},
		{name: "two values p50", sorted: []float64{10, 20}, p: 50, want: 10},
		{name: "two values p95", sorted: []float64{10, 20}, p: 95, want: 20},
		{name: "rank rounds up", sorted: []float64{1, 2, 3}, p: 50, want: 2},
		{name: "p100 is max", sorted: []float64{1, 2, 3}, p: 100, want: 3},
		{name: "p0 is min", sorted: []float64{1, 2, 3}, p: 0, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, percentile(tt.sorted, tt.p))
		})
	}
}
