// Package exits implements the Exit Strategy Engine (C8): a pure,
// strict-priority decision function over (position, price, portfolio
// snapshot, peak-velocity history, clock). Grounded on the teacher's
// internal/strategy exit-rule shape, generalized to spec §4.8's fixed
// ten-rule priority list; it does not place orders itself.
package exits

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/internal/config"
	"github.com/atlas-trading/control-plane/pkg/types"
)

// Portfolio is the read-only cross-position context an exit decision may
// need (correlation count, PDT state).
type Portfolio struct {
	OpenPositionCount   int
	AtPDTLimit          bool
	IsIntraday          bool
	RealizedShortVol    float64 // short-horizon realized volatility, fraction
}

// Engine evaluates exit decisions per spec §4.8's strict priority order;
// the first matching rule wins.
type Engine struct {
	cfg config.Config
	loc *time.Location
}

// New builds an exit engine against the NY trading-hours location.
func New(cfg config.Config) *Engine {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Engine{cfg: cfg, loc: loc}
}

// Evaluate returns the single highest-priority exit decision that
// applies, or types.NoExit() if none fire.
func (e *Engine) Evaluate(pos types.Position, currentPrice decimal.Decimal, pf Portfolio, now time.Time) types.ExitDecision {
	isLong := pos.IsLong()
	profitPct := profitFraction(pos, currentPrice, isLong)
	heldFor := now.Sub(pos.EntryTime)

	// 1. StopLoss
	if isLong && currentPrice.LessThanOrEqual(pos.StopLoss) {
		return fullExit(types.ExitStopLoss, "price at or below stop-loss", currentPrice)
	}
	if !isLong && currentPrice.GreaterThanOrEqual(pos.StopLoss) {
		return fullExit(types.ExitStopLoss, "price at or above stop-loss (short)", currentPrice)
	}

	// 2. TakeProfit
	if isLong && currentPrice.GreaterThanOrEqual(pos.TakeProfit) {
		return fullExit(types.ExitTakeProfit, "price at or above take-profit", currentPrice)
	}
	if !isLong && currentPrice.LessThanOrEqual(pos.TakeProfit) {
		return fullExit(types.ExitTakeProfit, "price at or below take-profit (short)", currentPrice)
	}

	// 3. PartialProfit: progress to TP at 25/50/75%, each level fires once.
	if dec, ok := e.partialProfit(pos, currentPrice, isLong); ok {
		return dec
	}

	// 4. VolatilitySpike
	if pf.RealizedShortVol > 0.05 && profitPct > 0 {
		return fullExit(types.ExitVolatilitySpike, "short-horizon volatility spike while profitable", currentPrice)
	}

	// 5. TimeDecay
	maxHold := time.Duration(e.cfg.MaxHoldHours * float64(time.Hour))
	if heldFor >= maxHold && profitPct <= 0 {
		return fullExit(types.ExitTimeDecay, "max hold time reached while unprofitable", currentPrice)
	}
	if heldFor >= 2*maxHold && absFloat(profitPct) < 0.005 {
		return fullExit(types.ExitTimeDecay, "2x max hold time reached near breakeven", currentPrice)
	}

	// 6. Correlation
	if pf.OpenPositionCount > e.cfg.MaxCorrelated && profitPct > 0.02 {
		return partialExit(types.ExitCorrelation, "correlated-portfolio partial exit", currentPrice, decimal.NewFromFloat(0.5))
	}

	// 7. PDTPartial
	if pf.AtPDTLimit && pf.IsIntraday && profitPct >= 0.005 {
		return partialExit(types.ExitPDTPartial, "PDT limit reached, locking partial profit", currentPrice, decimal.NewFromFloat(0.5))
	}

	// 8. VelocityDrop
	if pos.PeakProfitVelocity > 0 {
		currentVelocity := currentVelocity(pos, currentPrice, isLong, heldFor)
		if currentVelocity < (1-velocityDropThreshold)*pos.PeakProfitVelocity && profitPct > minVelocityProfit {
			return fullExit(types.ExitVelocityDrop, "profit velocity dropped from peak", currentPrice)
		}
	}

	// 9. EODLock
	if e.isPastEODLock(now) && profitPct > 0 {
		minHold := time.Duration(e.cfg.MinHoldHours * float64(time.Hour))
		if heldFor < minHold {
			return fullExit(types.ExitEODLock, "end-of-day lock, profitable position closed early", currentPrice)
		}
	}

	// 10. QuickScalp
	if dec, ok := e.quickScalp(profitPct, heldFor); ok {
		return dec
	}

	return types.NoExit()
}

const (
	velocityDropThreshold = 0.5
	minVelocityProfit     = 0.003
)

func profitFraction(pos types.Position, price decimal.Decimal, isLong bool) float64 {
	if pos.EntryPrice.IsZero() {
		return 0
	}
	diff := price.Sub(pos.EntryPrice)
	if !isLong {
		diff = pos.EntryPrice.Sub(price)
	}
	return diff.Div(pos.EntryPrice).InexactFloat64()
}

func currentVelocity(pos types.Position, price decimal.Decimal, isLong bool, heldFor time.Duration) float64 {
	hours := heldFor.Hours()
	if hours <= 0 {
		return 0
	}
	return profitFraction(pos, price, isLong) / hours
}

func fullExit(t types.ExitType, reason string, price decimal.Decimal) types.ExitDecision {
	return types.ExitDecision{Type: t, QuantityFraction: decimal.NewFromInt(1), Reason: reason, ExpectedPrice: price}
}

func partialExit(t types.ExitType, reason string, price, fraction decimal.Decimal) types.ExitDecision {
	return types.ExitDecision{Type: t, QuantityFraction: fraction, Reason: reason, ExpectedPrice: price}
}

// partialProfit checks progress toward take-profit against the 25/50/75%
// thresholds, firing each level at most once (spec §4.8 rule 3).
func (e *Engine) partialProfit(pos types.Position, price decimal.Decimal, isLong bool) (types.ExitDecision, bool) {
	totalMove := pos.TakeProfit.Sub(pos.EntryPrice)
	if !isLong {
		totalMove = pos.EntryPrice.Sub(pos.TakeProfit)
	}
	if totalMove.IsZero() || totalMove.IsNegative() {
		return types.ExitDecision{}, false
	}
	progressed := price.Sub(pos.EntryPrice)
	if !isLong {
		progressed = pos.EntryPrice.Sub(price)
	}
	progress := progressed.Div(totalMove).InexactFloat64()

	thresholds := []float64{0.75, 0.50, 0.25}
	fractions := []decimal.Decimal{decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5), decimal.NewFromFloat(1.0 / 3.0)}
	levels := []int{2, 1, 0}

	for i, th := range thresholds {
		if progress >= th && !pos.PartialExitLevels[levels[i]] {
			return partialExit(types.ExitPartialProfit, "partial profit target reached", price, fractions[i]), true
		}
	}
	return types.ExitDecision{}, false
}

// quickScalp fires on fast, small profits within short holding windows
// (spec §4.8 rule 10): >=0.5% within 15 min -> partial 50%; >=1.0% within
// 30 min -> partial 75%.
func (e *Engine) quickScalp(profitPct float64, heldFor time.Duration) (types.ExitDecision, bool) {
	minutes := e.cfg.QuickScalpMinutes
	if len(minutes) < 2 {
		minutes = []int{15, 30}
	}
	if profitPct >= 0.01 && heldFor <= time.Duration(minutes[1])*time.Minute {
		return partialExit(types.ExitQuickScalp, "quick scalp: 1% within 30 minutes", decimal.Zero, decimal.NewFromFloat(0.75)), true
	}
	if profitPct >= 0.005 && heldFor <= time.Duration(minutes[0])*time.Minute {
		return partialExit(types.ExitQuickScalp, "quick scalp: 0.5% within 15 minutes", decimal.Zero, decimal.NewFromFloat(0.5)), true
	}
	return types.ExitDecision{}, false
}

func (e *Engine) isPastEODLock(now time.Time) bool {
	local := now.In(e.loc)
	lockTime, err := time.ParseInLocation("15:04", e.cfg.EODLockTime, e.loc)
	if err != nil {
		return false
	}
	lockAt := time.Date(local.Year(), local.Month(), local.Day(), lockTime.Hour(), lockTime.Minute(), 0, 0, e.loc)
	return !local.Before(lockAt)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
