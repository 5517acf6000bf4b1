// Package indicators implements the Indicator Kernel (C3): pure,
// deterministic, side-effect-free functions over a bar series. Grounded
// directly on chidi150c-coinbase/indicators.go's SMA/RSI/ZScore rolling
// techniques, extended to the fuller set spec §4.3 requires. Underflow
// behavior is documented on the functions that define one (SMA, RSI).
package indicators

import (
	"math"

	"github.com/atlas-trading/control-plane/pkg/types"
)

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// SMA returns the n-period simple moving average of close prices, aligned
// to the input. Before the window fills, it returns the mean of the
// bars seen so far (spec: "MA = mean of available").
func SMA(bars []types.Bar, n int) []float64 {
	c := closes(bars)
	out := make([]float64, len(c))
	if n <= 0 || len(c) == 0 {
		return out
	}
	var sum float64
	for i := range c {
		sum += c[i]
		if i >= n {
			sum -= c[i-n]
		}
		window := n
		if i < n-1 {
			window = i + 1
		}
		out[i] = sum / float64(window)
	}
	return out
}

// SMAAt returns the SMA value at the most recent bar, or 0 if there are
// no bars.
func SMAAt(bars []types.Bar, n int) float64 {
	vals := SMA(bars, n)
	if len(vals) == 0 {
		return 0
	}
	return vals[len(vals)-1]
}

// EMA returns the n-period exponential moving average, seeded with the
// first close.
func EMA(bars []types.Bar, n int) []float64 {
	c := closes(bars)
	out := make([]float64, len(c))
	if n <= 0 || len(c) == 0 {
		return out
	}
	mult := 2.0 / float64(n+1)
	out[0] = c[0]
	for i := 1; i < len(c); i++ {
		out[i] = (c[i]-out[i-1])*mult + out[i-1]
	}
	return out
}

func EMAAt(bars []types.Bar, n int) float64 {
	vals := EMA(bars, n)
	if len(vals) == 0 {
		return 0
	}
	return vals[len(vals)-1]
}

// RSI returns the n-period Relative Strength Index using Wilder's
// smoothing. Before the first full window, it returns the neutral
// sentinel 50 (spec: "RSI=50 neutral" on underflow).
func RSI(bars []types.Bar, n int) []float64 {
	c := closes(bars)
	out := make([]float64, len(c))
	for i := range out {
		out[i] = 50
	}
	if n <= 0 || len(c) <= n {
		return out
	}
	var gain, loss float64
	for i := 1; i <= n; i++ {
		d := c[i] - c[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(n)
	avgLoss := loss / float64(n)
	out[n] = rsiFromAverages(avgGain, avgLoss)

	for i := n + 1; i < len(c); i++ {
		d := c[i] - c[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(n-1) + g) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + l) / float64(n)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func RSIAt(bars []types.Bar, n int) float64 {
	vals := RSI(bars, n)
	if len(vals) == 0 {
		return 50
	}
	return vals[len(vals)-1]
}

// MACDResult is the line, signal, and histogram at the most recent bar.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the standard (12,26,9) moving-average-convergence-
// divergence indicator.
func MACD(bars []types.Bar, fast, slow, signal int) MACDResult {
	if len(bars) == 0 {
		return MACDResult{}
	}
	emaFast := EMA(bars, fast)
	emaSlow := EMA(bars, slow)
	macdLine := make([]float64, len(bars))
	for i := range bars {
		macdLine[i] = emaFast[i] - emaSlow[i]
	}
	sigLine := emaOfSeries(macdLine, signal)
	last := len(bars) - 1
	return MACDResult{
		MACD:      macdLine[last],
		Signal:    sigLine[last],
		Histogram: macdLine[last] - sigLine[last],
	}
}

func emaOfSeries(series []float64, n int) []float64 {
	out := make([]float64, len(series))
	if len(series) == 0 {
		return out
	}
	if n <= 0 {
		copy(out, series)
		return out
	}
	mult := 2.0 / float64(n+1)
	out[0] = series[0]
	for i := 1; i < len(series); i++ {
		out[i] = (series[i]-out[i-1])*mult + out[i-1]
	}
	return out
}

// BollingerBands is the upper/middle/lower band at the most recent bar.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes period-n bands at k standard deviations.
func Bollinger(bars []types.Bar, n int, k float64) BollingerBands {
	if len(bars) == 0 {
		return BollingerBands{}
	}
	window := bars
	if len(bars) > n {
		window = bars[len(bars)-n:]
	}
	c := closes(window)
	mean := Mean(c)
	sd := StdDev(c)
	return BollingerBands{
		Upper:  mean + k*sd,
		Middle: mean,
		Lower:  mean - k*sd,
	}
}

// Mean is the arithmetic mean of a float series.
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

// StdDev is the population standard deviation of a float series, used by
// Bollinger/regime volatility math (spec's "Standard-Deviation" kernel
// function).
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// LogReturns computes natural-log returns from a bar series' closes.
func LogReturns(bars []types.Bar) []float64 {
	c := closes(bars)
	if len(c) < 2 {
		return nil
	}
	out := make([]float64, 0, len(c)-1)
	for i := 1; i < len(c); i++ {
		if c[i-1] <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(c[i]/c[i-1]))
	}
	return out
}

// Correlation returns the Pearson correlation coefficient between two
// equal-length bar series' closes, or 0 if undefined.
func Correlation(a, b []types.Bar) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	ca, cb := closes(a), closes(b)
	meanA, meanB := Mean(ca), Mean(cb)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := ca[i]-meanA, cb[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// ATR computes the n-period Average True Range.
func ATR(bars []types.Bar, n int) float64 {
	if len(bars) < 2 {
		return 0
	}
	trueRanges := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high := bars[i].High.InexactFloat64()
		low := bars[i].Low.InexactFloat64()
		prevClose := bars[i-1].Close.InexactFloat64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trueRanges = append(trueRanges, tr)
	}
	if len(trueRanges) < n {
		return Mean(trueRanges)
	}
	window := trueRanges[len(trueRanges)-n:]
	return Mean(window)
}
