// Package utils provides small shared helpers used across the control plane.
package utils

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizeSymbol trims and upper-cases an equity ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// RoundToStepSize rounds a quantity down to the nearest step size (e.g. 1
// share for whole-share-only accounts, or a fractional increment).
func RoundToStepSize(qty, stepSize decimal.Decimal) decimal.Decimal {
	if stepSize.IsZero() {
		return qty
	}
	return qty.Div(stepSize).Floor().Mul(stepSize)
}

// CalculatePercentageChange returns (new-old)/old as a percentage.
func CalculatePercentageChange(oldVal, newVal decimal.Decimal) decimal.Decimal {
	if oldVal.IsZero() {
		return decimal.Zero
	}
	return newVal.Sub(oldVal).Div(oldVal).Mul(decimal.NewFromInt(100))
}

// LogReturns computes natural-log returns from a price series.
func LogReturns(prices []decimal.Decimal) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		p0 := prices[i-1].InexactFloat64()
		p1 := prices[i].InexactFloat64()
		if p0 <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(p1/p0))
	}
	return out
}

// Mean returns the arithmetic mean of a float slice.
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

// StdDev returns the sample standard deviation of a float slice.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

// PearsonCorrelation returns the Pearson correlation coefficient of two
// equal-length series, or 0 if undefined.
func PearsonCorrelation(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	meanA, meanB := Mean(a), Mean(b)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// CalculateMaxDrawdown returns the largest peak-to-trough decline in an
// equity curve, expressed as a fraction.
func CalculateMaxDrawdown(equity []decimal.Decimal) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}
	maxDD := decimal.Zero
	peak := equity[0]
	for _, v := range equity {
		if v.GreaterThan(peak) {
			peak = v
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(v).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// CalculateSharpeRatio annualizes the mean/stdev of a return series.
func CalculateSharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear int) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := Mean(returns)
	sd := StdDev(returns)
	if sd == 0 {
		return 0
	}
	excess := mean - riskFreeRate/float64(periodsPerYear)
	return (excess / sd) * math.Sqrt(float64(periodsPerYear))
}

// CalculateWinRate returns the fraction of positive PnL values.
func CalculateWinRate(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, p := range pnls {
		if p.GreaterThan(decimal.Zero) {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(pnls))))
}

// MinDecimal returns the smaller of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the larger of two decimals.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDecimal clamps value to [min, max].
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// ClampFloat clamps value to [min, max].
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig matches the brokerage gateway's resilience chain
// defaults: 3 attempts, 500ms base, exponential.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// NextDelay returns the backoff delay for the given 1-indexed attempt.
func (c RetryConfig) NextDelay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if time.Duration(d) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// FormatDuration renders a duration as "Xd Yh Zm", dropping the day part
// when it is zero and the hour part when days and hours are both zero.
func FormatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
