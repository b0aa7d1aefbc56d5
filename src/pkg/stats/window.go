// Package stats holds the rolling-window estimators behind the replication
// statistics.
package stats

import (
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// maxSamples bounds the memory of a window regardless of its length.
const maxSamples = 1 << 14

type sample struct {
	at    time.Time
	value float64
}

// Summary describes the samples of a window.
type Summary struct {
	Avg   float64 `json:"avg"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Window keeps the samples observed during the last length of time. It has
// a single writer; Summary copies the samples and computes outside the lock.
type Window struct {
	length time.Duration

	mu      sync.Mutex
	samples []sample
}

func NewWindow(length time.Duration) *Window {
	return &Window{length: length}
}

func (w *Window) Add(at time.Time, value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, sample{at: at, value: value})
	w.evict(at)
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.length)

	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if over := len(w.samples) - i - maxSamples; over > 0 {
		i += over
	}
	if i > 0 {
		w.samples = slices.Delete(w.samples, 0, i)
	}
}

func (w *Window) Summary(now time.Time) Summary {
	cutoff := now.Add(-w.length)

	w.mu.Lock()
	values := make([]float64, 0, len(w.samples))
	for _, s := range w.samples {
		if !s.at.Before(cutoff) {
			values = append(values, s.value)
		}
	}
	w.mu.Unlock()

	if len(values) == 0 {
		return Summary{}
	}

	slices.Sort(values)

	return Summary{
		Avg:   stat.Mean(values, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, values, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, values, nil),
		Max:   values[len(values)-1],
		Count: len(values),
	}
}

type point struct {
	at    time.Time
	value uint64
}

// Rate estimates how fast a monotonic counter grows, per minute, over a
// rolling window.
type Rate struct {
	length time.Duration

	mu     sync.Mutex
	points []point
}

func NewRate(length time.Duration) *Rate {
	return &Rate{length: length}
}

func (r *Rate) Add(at time.Time, value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.points = append(r.points, point{at: at, value: value})

	// the newest point older than the window stays as the baseline
	cutoff := at.Add(-r.length)
	i := 0
	for i < len(r.points)-1 && r.points[i+1].at.Before(cutoff) {
		i++
	}
	if over := len(r.points) - i - maxSamples; over > 0 {
		i += over
	}
	if i > 0 {
		r.points = slices.Delete(r.points, 0, i)
	}
}

func (r *Rate) PerMinute() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.points) < 2 {
		return 0
	}

	first, last := r.points[0], r.points[len(r.points)-1]
	elapsed := last.at.Sub(first.at)
	if elapsed <= 0 || last.value < first.value {
		return 0
	}

	return float64(last.value-first.value) / elapsed.Minutes()
}
