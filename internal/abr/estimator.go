// Package abr implements the bandwidth estimator and the variant selector
// driving adaptive bitrate switching.
package abr

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// Estimator defaults.
const (
	// MaxSample clamps a single throughput sample, in bits per second.
	MaxSample = 100_000_000

	// DefaultBlendWeight gives the previous estimate three times the weight
	// of a higher sample.
	DefaultBlendWeight = 3

	// minElapsed is the shortest transfer considered a meaningful sample.
	minElapsed = time.Millisecond
)

// Estimator keeps the filtered throughput estimate in bits per second.
// A sample lower than the estimate replaces it; a higher sample is blended
// in, so the estimate drops fast and rises slowly.
type Estimator struct {
	mu       sync.Mutex
	weight   int
	estimate int64
	samples  int
	digest   *tdigest.TDigest
}

// NewEstimator creates an estimator. weight is the share of the previous
// estimate when blending in a higher sample; values below 1 use
// DefaultBlendWeight.
func NewEstimator(weight int) *Estimator {
	if weight < 1 {
		weight = DefaultBlendWeight
	}
	return &Estimator{
		weight: weight,
		digest: tdigest.NewWithCompression(100),
	}
}

// Update folds a completed transfer into the estimate and returns the new
// value. ok is false when the sample was too short to use.
func (e *Estimator) Update(bytes int64, elapsed time.Duration) (estimate int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if elapsed < minElapsed || bytes <= 0 {
		return e.estimate, false
	}

	bw := int64(float64(bytes*8) / elapsed.Seconds())
	if bw > MaxSample {
		bw = MaxSample
	}
	e.digest.Add(float64(bw), 1)

	switch {
	case e.samples == 0, bw < e.estimate:
		e.estimate = bw
	default:
		w := int64(e.weight)
		e.estimate = (w*e.estimate + bw) / (w + 1)
	}
	e.samples++
	return e.estimate, true
}

// Estimate returns the current estimate, zero before the first sample.
func (e *Estimator) Estimate() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate
}

// Samples returns how many samples have been accepted.
func (e *Estimator) Samples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// Quantile returns the q-quantile of raw throughput samples, or 0 when
// there are none.
func (e *Estimator) Quantile(q float64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.samples == 0 {
		return 0
	}
	return int64(e.digest.Quantile(q))
}
