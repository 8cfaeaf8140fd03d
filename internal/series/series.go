// Package series holds ordered close-price series and the split adjustment
// applied before analytics.
package series

import (
	"sort"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// Point is one observation.
type Point struct {
	Time  time.Time
	Close float64
}

// Series is ordered by Time ascending.
type Series []Point

// Sort orders s in place by time.
func (s Series) Sort() {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Time.Before(s[j].Time) })
}

// Closes returns the close values.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Close
	}
	return out
}

// Last returns the final point; ok is false when s is empty.
func (s Series) Last() (Point, bool) {
	if len(s) == 0 {
		return Point{}, false
	}
	return s[len(s)-1], true
}

// Until returns the prefix of points dated on or before t.
func (s Series) Until(t time.Time) Series {
	i := sort.Search(len(s), func(i int) bool { return dateOf(s[i].Time).After(dateOf(t)) })
	return s[:i]
}

// Since returns the suffix of points dated on or after t.
func (s Series) Since(t time.Time) Series {
	i := sort.Search(len(s), func(i int) bool { return !dateOf(s[i].Time).Before(dateOf(t)) })
	return s[i:]
}

// Tail returns at most the last n points.
func (s Series) Tail(n int) Series {
	if n <= 0 || n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}

// Returns computes simple period returns.
func (s Series) Returns() []float64 {
	if len(s) < 2 {
		return nil
	}
	out := make([]float64, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		if s[i-1].Close == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, s[i].Close/s[i-1].Close-1)
	}
	return out
}

// Align keeps only the dates present in both series.
func Align(a, b Series) (Series, Series) {
	idx := make(map[string]int, len(b))
	for i, p := range b {
		idx[p.Time.Format(core.DateLayout)] = i
	}
	var outA, outB Series
	for _, p := range a {
		if j, ok := idx[p.Time.Format(core.DateLayout)]; ok {
			outA = append(outA, p)
			outB = append(outB, b[j])
		}
	}
	return outA, outB
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SplitFactor returns the product of the split factors effective after the
// date of t.
func SplitFactor(t time.Time, splits []core.Split) float64 {
	f := 1.0
	d := dateOf(t)
	for _, sp := range splits {
		if sp.Factor > 0 && dateOf(sp.EffectiveDate).After(d) {
			f *= sp.Factor
		}
	}
	return f
}

func cumulativeFactors(s Series, splits []core.Split) []float64 {
	factors := make([]float64, len(s))
	for i, p := range s {
		factors[i] = SplitFactor(p.Time, splits)
	}
	return factors
}

// AdjustForSplits divides every close by the product of the split factors
// that take effect after it, making the series continuous across splits.
func AdjustForSplits(s Series, splits []core.Split) Series {
	factors := cumulativeFactors(s, splits)
	out := make(Series, len(s))
	for i, p := range s {
		out[i] = Point{Time: p.Time, Close: p.Close / factors[i]}
	}
	return out
}

// UnadjustForSplits reverses AdjustForSplits.
func UnadjustForSplits(s Series, splits []core.Split) Series {
	factors := cumulativeFactors(s, splits)
	out := make(Series, len(s))
	for i, p := range s {
		out[i] = Point{Time: p.Time, Close: p.Close * factors[i]}
	}
	return out
}
