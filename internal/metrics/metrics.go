// Package metrics accumulates per-batch and per-epoch training statistics
// and renders the epoch history as a chart.
package metrics

import (
	"fmt"
	"math"
	"sync"
)

// Average is a running mean and standard deviation (Welford's method).
type Average struct {
	Count, Mean float64
	StdDev      float64
	m2          float64
}

// Add folds one observation into the average.
func (a *Average) Add(x float64) {
	a.Count++
	delta := x - a.Mean
	a.Mean += delta / a.Count
	a.m2 += delta * (x - a.Mean)
	if a.Count > 1 {
		a.StdDev = math.Sqrt(a.m2 / (a.Count - 1))
	}
}

// Reset clears the average.
func (a *Average) Reset() {
	*a = Average{}
}

// Accuracy counts (possibly fractional) correct predictions.
type Accuracy struct {
	Correct float64
	Total   int
}

// Add records correct hits out of n predictions.
func (a *Accuracy) Add(correct float64, n int) {
	a.Correct += correct
	a.Total += n
}

// Percent returns 100*Correct/Total, or 0 before any predictions.
func (a *Accuracy) Percent() float64 {
	if a.Total == 0 {
		return 0
	}
	return 100 * a.Correct / float64(a.Total)
}

// Stats holds the values recorded for one epoch, ordered like History.Headers.
type Stats struct {
	Epoch  int
	Values []float64
}

// History is the per-epoch record of a run. It is safe for concurrent use.
type History struct {
	Headers []string

	mu    sync.Mutex
	stats []Stats
}

// NewHistory creates a history with one named series per header.
func NewHistory(headers ...string) *History {
	return &History{Headers: headers}
}

// Add appends the values for an epoch.
func (h *History) Add(epoch int, values ...float64) error {
	if len(values) != len(h.Headers) {
		return fmt.Errorf("metrics: %d values for %d series", len(values), len(h.Headers))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = append(h.stats, Stats{Epoch: epoch, Values: append([]float64(nil), values...)})
	return nil
}

// Stats returns a copy of the recorded epochs.
func (h *History) Stats() []Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Stats(nil), h.stats...)
}

// Len returns the number of recorded epochs.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stats)
}
