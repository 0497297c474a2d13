// Package sink collects per-request samples for a single performance run and
// aggregates them into interval and summary metrics.
package sink

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// Sample is the outcome of one request issued by the load driver.
type Sample struct {
	Start   time.Time
	Elapsed time.Duration
	OK      bool
	Status  int
	Bytes   int64
}

// ElapsedMS returns the sample latency in milliseconds.
func (s Sample) ElapsedMS() float64 {
	return float64(s.Elapsed) / float64(time.Millisecond)
}

// Sink is an append-only, mutex-guarded sample store. When the retained set
// reaches its cap, further samples replace retained ones by reservoir
// sampling. Counters (totals, errors, sums, min, max, bytes) stay exact
// regardless of the cap.
type Sink struct {
	mu sync.Mutex

	cap     int
	rng     *rand.Rand
	samples []Sample

	count   int64
	errors  int64
	sumMS   float64
	minMS   float64
	maxMS   float64
	bytes   int64
	first   time.Time
	last    time.Time
	sampled bool

	started time.Time
	stopped time.Time
}

// New creates a sink retaining at most capacity samples. A capacity of zero
// or less keeps every sample.
func New(capacity int) *Sink {
	return NewSeeded(capacity, uint64(time.Now().UnixNano()))
}

// NewSeeded creates a sink whose reservoir replacement is deterministic for
// a given seed.
func NewSeeded(capacity int, seed uint64) *Sink {
	initial := capacity
	if initial <= 0 || initial > 4096 {
		initial = 4096
	}

	return &Sink{
		cap:     capacity,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		samples: make([]Sample, 0, initial),
	}
}

// Record adds a sample. It never blocks on anything but the sink mutex.
func (s *Sink) Record(sample Sample) {
	ms := sample.ElapsedMS()
	end := sample.Start.Add(sample.Elapsed)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++

	if !sample.OK {
		s.errors++
	}

	s.sumMS += ms
	s.bytes += sample.Bytes

	if s.count == 1 || ms < s.minMS {
		s.minMS = ms
	}

	if ms > s.maxMS {
		s.maxMS = ms
	}

	if s.first.IsZero() || sample.Start.Before(s.first) {
		s.first = sample.Start
	}

	if end.After(s.last) {
		s.last = end
	}

	if s.cap <= 0 || len(s.samples) < s.cap {
		s.samples = append(s.samples, sample)

		return
	}

	// Algorithm R: the n-th sample replaces a retained one with probability cap/n.
	s.sampled = true

	if j := s.rng.Int64N(s.count); j < int64(s.cap) {
		s.samples[j] = sample
	}
}

// MarkStarted records the wall-clock start of sample production.
func (s *Sink) MarkStarted(t time.Time) {
	s.mu.Lock()
	s.started = t
	s.mu.Unlock()
}

// MarkStopped records the wall-clock end of sample production.
func (s *Sink) MarkStopped(t time.Time) {
	s.mu.Lock()
	s.stopped = t
	s.mu.Unlock()
}

// Count returns the exact number of samples recorded.
func (s *Sink) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count
}

// Retained returns the number of samples currently held.
func (s *Sink) Retained() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.samples)
}

// Sampled reports whether the reservoir has replaced any sample.
func (s *Sink) Sampled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sampled
}

// snapshot copies the retained samples together with the scale factor from
// retained to recorded counts.
func (s *Sink) snapshot() ([]Sample, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Sample, len(s.samples))
	copy(out, s.samples)

	scale := 1.0
	if s.sampled && len(s.samples) > 0 {
		scale = float64(s.count) / float64(len(s.samples))
	}

	return out, scale
}

// percentile returns the nearest-rank percentile of an ascending slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}

	// Rank is ceil(p*n/100), counted from 1.
	rank := (p*len(sorted) + 99) / 100

	idx := min(max(rank-1, 0), len(sorted)-1)

	return sorted[idx]
}

func sortedLatencies(samples []Sample) []float64 {
	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = sample.ElapsedMS()
	}

	sort.Float64s(values)

	return values
}
