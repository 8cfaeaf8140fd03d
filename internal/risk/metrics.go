// Package risk classifies drawdown states, path risk and trend quadrants and
// assembles risk snapshots with their market and sector overlays.
package risk

import (
	"math"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/indicator"
	"github.com/newthinker/quantbase/internal/rules"
	"github.com/newthinker/quantbase/internal/series"
)

// DrawdownStats describes the drawdown path of a close series. Percentages
// are negative or zero.
type DrawdownStats struct {
	CurrentPct  float64
	MaxPct      float64
	PeakIndex   int
	ValleyIndex int
	Recovery    float64
}

// Drawdown measures each close against its running maximum. The recovery
// progress is how much of the worst peak-to-valley fall has been regained,
// clamped to [0, 1]; it is 1 when there was no drawdown.
func Drawdown(closes []float64) DrawdownStats {
	st := DrawdownStats{Recovery: 1}
	if len(closes) == 0 {
		return st
	}

	peak, peakIdx := closes[0], 0
	for i, c := range closes {
		if c > peak {
			peak, peakIdx = c, i
		}
		dd := 0.0
		if peak > 0 {
			dd = (c - peak) / peak * 100
		}
		if dd < st.MaxPct {
			st.MaxPct, st.PeakIndex, st.ValleyIndex = dd, peakIdx, i
		}
		st.CurrentPct = dd
	}

	if st.MaxPct < 0 {
		peakClose, valleyClose := closes[st.PeakIndex], closes[st.ValleyIndex]
		st.Recovery = clamp01((closes[len(closes)-1] - valleyClose) / (peakClose - valleyClose))
	}
	return st
}

// ClassifyD maps a drawdown percentage onto D1..D5. thresholds are the
// descending percentages at which D2, D3, D4 and D5 begin.
func ClassifyD(ddPct float64, thresholds []float64) core.DState {
	for i, th := range thresholds {
		if ddPct >= th {
			return core.DStateFromLevel(i + 1)
		}
	}
	return core.DStateFromLevel(len(thresholds) + 1)
}

// PathScore combines depth, volatility and recent fall velocity into [0, 1].
func PathScore(ddPct, vol, velocity float64, cfg rules.PathRiskConfig) float64 {
	depth := clamp01(-ddPct / cfg.DepthCap)
	v := clamp01(vol / cfg.VolCap)
	vel := clamp01(math.Max(-velocity, 0) / cfg.VelocityCap)

	total := cfg.DepthWeight + cfg.VolWeight + cfg.VelocityWeight
	if total <= 0 {
		return 0
	}
	return (depth*cfg.DepthWeight + v*cfg.VolWeight + vel*cfg.VelocityWeight) / total
}

// ClassifyPath buckets a path score.
func ClassifyPath(score float64, cfg rules.PathRiskConfig) core.PathRisk {
	switch {
	case score < cfg.LowMax:
		return core.PathLow
	case score < cfg.MedMax:
		return core.PathMed
	}
	return core.PathHigh
}

// PathRisk grades closes with the configured windows. It returns the grade
// and the annualized volatility it used.
func PathRisk(closes []float64, ddPct float64, cfg rules.PathRiskConfig) (core.PathRisk, float64) {
	vol := indicator.AnnualizedVolatility(closes, cfg.VolWindow)
	velocity, ok := indicator.Momentum(closes, cfg.VelocityWindow)
	if !ok {
		velocity = 0
	}
	return ClassifyPath(PathScore(ddPct, vol, velocity, cfg), cfg), vol
}

// PositionPercentile places the last close within the whole series.
func PositionPercentile(closes []float64) *float64 {
	if len(closes) == 0 {
		return nil
	}
	pct, ok := rules.Percentile(closes[len(closes)-1], closes)
	if !ok {
		return nil
	}
	return &pct
}

// RelativeStrength is the ratio of the growth of a to the growth of b over
// the last window common dates. Above 1 means a outperformed.
func RelativeStrength(a, b series.Series, window int) *float64 {
	a, b = series.Align(a, b)
	ra, okA := indicator.Momentum(a.Closes(), window)
	rb, okB := indicator.Momentum(b.Closes(), window)
	if !okA || !okB || 1+rb == 0 {
		return nil
	}
	rs := (1 + ra) / (1 + rb)
	return &rs
}

// Amplification is the beta of a's daily returns to b's over the last
// window common dates.
func Amplification(a, b series.Series, window int) *float64 {
	a, b = series.Align(a, b)
	a, b = a.Tail(window+1), b.Tail(window+1)
	beta, ok := indicator.Beta(a.Returns(), b.Returns())
	if !ok {
		return nil
	}
	return &beta
}

// Quadrant places closes in the trend/momentum grid: trend is the last close
// against its SMA, momentum the return over the momentum window.
func Quadrant(closes []float64, cfg rules.QuadrantConfig) (core.Quadrant, error) {
	sma, ok := indicator.LastSMA(closes, cfg.TrendSMA)
	if !ok {
		return "", core.Errorf(core.ErrInsufficientData, "quadrant needs %d closes, have %d", cfg.TrendSMA, len(closes))
	}
	mom, ok := indicator.Momentum(closes, cfg.MomentumWindow)
	if !ok {
		return "", core.Errorf(core.ErrInsufficientData, "momentum needs %d closes, have %d", cfg.MomentumWindow+1, len(closes))
	}
	up := closes[len(closes)-1] >= sma
	switch {
	case up && mom >= 0:
		return core.Q1, nil
	case up:
		return core.Q2, nil
	case mom < 0:
		return core.Q3, nil
	}
	return core.Q4, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
