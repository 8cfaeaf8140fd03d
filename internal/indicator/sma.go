// Package indicator holds the rolling series statistics used by the risk
// engine.
package indicator

import "math"

// TradingDaysPerYear annualizes daily statistics.
const TradingDaysPerYear = 252

// SMA calculates Simple Moving Average
// Returns slice of length: len(prices) - period + 1
func SMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period {
		return []float64{}
	}

	result := make([]float64, 0, len(prices)-period+1)

	// Calculate first SMA
	var sum float64
	for i := 0; i < period; i++ {
		sum += prices[i]
	}
	result = append(result, sum/float64(period))

	// Rolling calculation
	for i := period; i < len(prices); i++ {
		sum = sum - prices[i-period] + prices[i]
		result = append(result, sum/float64(period))
	}

	return result
}

// LastSMA returns the moving average ending at the final price.
func LastSMA(prices []float64, period int) (float64, bool) {
	sma := SMA(prices, period)
	if len(sma) == 0 {
		return 0, false
	}
	return sma[len(sma)-1], true
}

// Momentum returns the simple return over the last window periods.
func Momentum(prices []float64, window int) (float64, bool) {
	n := len(prices)
	if window <= 0 || n <= window || prices[n-1-window] == 0 {
		return 0, false
	}
	return prices[n-1]/prices[n-1-window] - 1, true
}

// Returns calculates period-over-period simple returns. A zero price yields
// a zero return.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			out[i-1] = prices[i]/prices[i-1] - 1
		}
	}
	return out
}

// StdDev is the sample standard deviation.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(values)-1))
}

// Mean is the arithmetic average; zero for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// AnnualizedVolatility is the daily return deviation over the last window
// returns scaled to a year.
func AnnualizedVolatility(prices []float64, window int) float64 {
	r := Returns(prices)
	if window > 0 && len(r) > window {
		r = r[len(r)-window:]
	}
	return StdDev(r) * math.Sqrt(TradingDaysPerYear)
}

// Beta regresses a on b: cov(a, b) / var(b). Inputs must be aligned and of
// equal length.
func Beta(a, b []float64) (float64, bool) {
	if len(a) != len(b) || len(a) < 2 {
		return 0, false
	}
	ma, mb := Mean(a), Mean(b)
	var cov, vb float64
	for i := range a {
		cov += (a[i] - ma) * (b[i] - mb)
		vb += (b[i] - mb) * (b[i] - mb)
	}
	if vb == 0 {
		return 0, false
	}
	return cov / vb, true
}
