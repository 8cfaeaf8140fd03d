package rules

import (
	"math"

	"github.com/newthinker/quantbase/internal/core"
)

// ValuationStatus is the outcome of placing a PE in its own history.
type ValuationStatus struct {
	Status     string
	Bucket     core.Bucket
	Percentile *float64
}

// Percentile returns the share of history at or below current, in [0, 100].
// Non-finite history points are ignored.
func Percentile(current float64, history []float64) (float64, bool) {
	n, below := 0, 0
	for _, h := range history {
		if math.IsNaN(h) || math.IsInf(h, 0) {
			continue
		}
		n++
		if h <= current {
			below++
		}
	}
	if n == 0 {
		return 0, false
	}
	return float64(below) / float64(n) * 100, true
}

// ComputeValuationStatus buckets pe against its history. A missing or
// non-positive pe is NO_PE; fewer history points than configured is
// INSUFFICIENT_HISTORY. Both special statuses map to the NEUTRAL bucket.
func ComputeValuationStatus(pe *float64, history []float64, cfg ValuationConfig) ValuationStatus {
	if pe == nil || *pe <= 0 || math.IsNaN(*pe) || math.IsInf(*pe, 0) {
		return ValuationStatus{Status: core.StatusNoPE, Bucket: core.BucketNeutral}
	}
	valid := make([]float64, 0, len(history))
	for _, h := range history {
		if h > 0 && !math.IsInf(h, 0) {
			valid = append(valid, h)
		}
	}
	if len(valid) < cfg.MinHistoryPoints {
		return ValuationStatus{Status: core.StatusInsufficientHistory, Bucket: core.BucketNeutral}
	}

	pct, _ := Percentile(*pe, valid)
	band := BandFor(pct, cfg.Bands)
	return ValuationStatus{Status: band.Key, Bucket: band.Bucket, Percentile: &pct}
}

// BandFor returns the band containing pct. The band ending at 100 also
// holds 100 itself.
func BandFor(pct float64, bands []Band) Band {
	var top Band
	for _, b := range bands {
		if pct >= b.Min && pct < b.Max {
			return b
		}
		if b.Max >= top.Max {
			top = b
		}
	}
	return top
}
