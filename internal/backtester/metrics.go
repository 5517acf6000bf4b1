package backtester

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/pkg/types"
)

// Calculate derives the summary performance metrics for a completed
// backtest run. Grounded on the teacher's MetricsCalculator.Calculate,
// trimmed to the fields the control surface reports (spec §6): total
// return, Sharpe, Sortino, max drawdown, win rate, trade count, final
// value.
func Calculate(trades []TradeRecord, equityCurve []types.EquityCurvePoint, initialCapital decimal.Decimal) types.PerformanceMetrics {
	m := types.PerformanceMetrics{TotalTrades: len(trades)}
	if len(equityCurve) == 0 {
		return m
	}

	finalEquity := equityCurve[len(equityCurve)-1].Equity
	m.FinalValue = finalEquity
	if !initialCapital.IsZero() {
		m.TotalReturn = finalEquity.Sub(initialCapital).Div(initialCapital)
	}

	var wins int
	for _, t := range trades {
		if t.PnL.IsPositive() {
			wins++
		}
	}
	if len(trades) > 0 {
		m.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(trades))))
	}

	returns := dailyReturns(equityCurve)
	if len(returns) > 1 {
		avg := mean(returns)
		if sd := stdDev(returns, avg); sd > 0 {
			m.SharpeRatio = decimal.NewFromFloat((avg / sd) * math.Sqrt(252))
		}
		if dd := downsideDeviation(returns); dd > 0 {
			m.SortinoRatio = decimal.NewFromFloat((avg / dd) * math.Sqrt(252))
		}
	}

	m.MaxDrawdown = maxDrawdown(equityCurve)
	return m
}

func dailyReturns(curve []types.EquityCurvePoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := curve[i].Equity.Sub(prev).Div(prev).Float64()
		out = append(out, r)
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, avg float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - avg
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	if len(negative) == 0 {
		return 0
	}
	return stdDev(negative, mean(negative))
}

func maxDrawdown(curve []types.EquityCurvePoint) decimal.Decimal {
	if len(curve) == 0 {
		return decimal.Zero
	}
	var maxDD decimal.Decimal
	peak := curve[0].Equity
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if !peak.IsZero() {
			dd := peak.Sub(p.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}
