// Package regime implements the Regime & Multi-Timeframe Analyzer (C4):
// a deterministic market-state classifier plus per-timeframe Buy/Sell/Hold
// recommendations. Grounded on the teacher's internal/regime/detector.go
// for its RegimeState/config/history/confidence-tracking shape, but the
// classification itself follows spec §4.4's fixed rules rather than the
// teacher's probabilistic HMM (an Open Question resolved deterministically,
// see DESIGN.md).
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/internal/indicators"
	"github.com/atlas-trading/control-plane/pkg/types"
)

// Inputs bundles everything the classifier needs for one evaluation.
type Inputs struct {
	IndexBars   []types.Bar // a market-proxy series (e.g. index-equivalent)
	VIXProxyETF []types.Bar // inverse-vol ETF bars, used to derive a VIX proxy
	Advancing   int         // basket breadth numerator
	Declining   int         // basket breadth denominator complement
}

// Config holds the thresholds named in spec §4.4.
type Config struct {
	VIXHighVol      float64
	VolRatioBull    float64
	BreadthBull     float64
	RangeVIXCeiling float64
}

// Default returns the thresholds spelled out in spec §4.4.
func Default() Config {
	return Config{
		VIXHighVol:      30,
		VolRatioBull:    1.2,
		BreadthBull:     0.6,
		RangeVIXCeiling: 15,
	}
}

// Analyzer classifies regime and per-timeframe signals. Timeframe signals
// are cached for 1 minute per (symbol, timeframe); Classify results are
// not cached.
type Analyzer struct {
	cfg Config

	mu      sync.Mutex
	history []types.RegimeState
	cache   map[string]cachedSignal
}

type cachedSignal struct {
	signal    types.TimeframeSignal
	expiresAt time.Time
}

// New builds an Analyzer with the given thresholds.
func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg, cache: make(map[string]cachedSignal)}
}

// vixProxy derives a volatility proxy per spec §4.4: from an inverse-vol
// ETF via vix ≈ proxy/2 + 2, or, as last resort, annualized stdev of
// 20-day log returns × √252 × 100.
func vixProxy(in Inputs) float64 {
	if len(in.VIXProxyETF) > 0 {
		price := in.VIXProxyETF[len(in.VIXProxyETF)-1].Close.InexactFloat64()
		return price/2 + 2
	}
	returns := indicators.LogReturns(in.IndexBars)
	if len(returns) == 0 {
		return 20 // neutral default when there is no data at all
	}
	window := returns
	if len(returns) > 20 {
		window = returns[len(returns)-20:]
	}
	return indicators.StdDev(window) * math.Sqrt(252) * 100
}

func breadth(in Inputs) (value float64, isProxy bool) {
	total := in.Advancing + in.Declining
	if total == 0 {
		return 0.5, true
	}
	return float64(in.Advancing) / float64(total), true
}

// Classify applies the deterministic rules of spec §4.4 and records the
// result in history.
func (a *Analyzer) Classify(in Inputs, now time.Time) types.RegimeState {
	vix := vixProxy(in)
	trend, trendStrength := trendOf(in.IndexBars)
	volRatio := volumeRatio(in.IndexBars)
	br, isProxy := breadth(in)

	var r types.MarketRegime
	switch {
	case vix > a.cfg.VIXHighVol:
		r = types.RegimeHighVolatility
	case trend == types.TrendStrongUp || trend == types.TrendWeakUp:
		if trend == types.TrendStrongUp && volRatio > a.cfg.VolRatioBull && br > a.cfg.BreadthBull {
			r = types.RegimeStrongBull
		} else {
			r = types.RegimeWeakBull
		}
	case trend == types.TrendStrongDown || trend == types.TrendWeakDown:
		if trend == types.TrendStrongDown && volRatio > a.cfg.VolRatioBull && br < (1-a.cfg.BreadthBull) {
			r = types.RegimeStrongBear
		} else {
			r = types.RegimeWeakBear
		}
	case trend == types.TrendNeutral && vix < a.cfg.RangeVIXCeiling:
		r = types.RegimeRangeBound
	default:
		r = types.RegimeRangeBound
	}

	confidence := 0.5 + trendStrength*0.3
	if volRatio > 1.0 {
		confidence += 0.1
	} else {
		confidence -= 0.1
	}
	if (br > 0.5 && (r == types.RegimeStrongBull || r == types.RegimeWeakBull)) ||
		(br < 0.5 && (r == types.RegimeStrongBear || r == types.RegimeWeakBear)) {
		confidence += 0.1
	} else {
		confidence -= 0.1
	}
	confidence = clamp(confidence, 0.3, 1.0)
	if isProxy {
		confidence = math.Min(confidence, 0.7)
	}

	state := types.RegimeState{
		Regime:         r,
		Confidence:     confidence,
		Timestamp:      now,
		BreadthIsProxy: isProxy,
	}

	a.mu.Lock()
	a.history = append(a.history, state)
	if len(a.history) > 500 {
		a.history = a.history[len(a.history)-500:]
	}
	a.mu.Unlock()

	return state
}

// History returns a copy of recorded regime transitions.
func (a *Analyzer) History() []types.RegimeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.RegimeState, len(a.history))
	copy(out, a.history)
	return out
}

func trendOf(bars []types.Bar) (types.Trend, float64) {
	if len(bars) < 2 {
		return types.TrendNeutral, 0
	}
	price := bars[len(bars)-1].Close.InexactFloat64()
	ma50 := indicators.SMAAt(bars, 50)
	ma200 := indicators.SMAAt(bars, 200)

	switch {
	case price > ma50 && ma50 > ma200:
		strength := clamp((price-ma200)/ma200, 0, 1)
		if strength > 0.05 {
			return types.TrendStrongUp, strength
		}
		return types.TrendWeakUp, strength
	case price < ma50 && ma50 < ma200:
		strength := clamp((ma200-price)/ma200, 0, 1)
		if strength > 0.05 {
			return types.TrendStrongDown, strength
		}
		return types.TrendWeakDown, strength
	default:
		return types.TrendNeutral, 0.1
	}
}

func volumeRatio(bars []types.Bar) float64 {
	if len(bars) < 20 {
		return 1.0
	}
	recent := bars[len(bars)-1].Volume.InexactFloat64()
	window := bars[len(bars)-20:]
	var sum float64
	for _, b := range window {
		sum += b.Volume.InexactFloat64()
	}
	avg := sum / float64(len(window))
	if avg == 0 {
		return 1.0
	}
	return recent / avg
}

// TimeframeSignal computes trend/strength/signal for one timeframe using
// the relaxed-entry rule of spec §4.4, with a 1-minute cache per
// (symbol, timeframe).
func (a *Analyzer) TimeframeSignal(symbol, timeframe string, bars []types.Bar, now time.Time) types.TimeframeSignal {
	key := symbol + "|" + timeframe
	a.mu.Lock()
	if c, ok := a.cache[key]; ok && now.Before(c.expiresAt) {
		a.mu.Unlock()
		return c.signal
	}
	a.mu.Unlock()

	if len(bars) == 0 {
		sig := types.TimeframeSignal{Timeframe: timeframe, Trend: types.TrendNeutral, Signal: types.TimeframeHold}
		return sig
	}

	price := bars[len(bars)-1].Close
	sma20 := indicators.SMAAt(bars, 20)
	sma50 := indicators.SMAAt(bars, 50)
	trend, strength := trendOf(bars)

	var call types.TimeframeCall
	p := price.InexactFloat64()
	switch trend {
	case types.TrendStrongUp:
		if p <= sma20*1.05 {
			call = types.TimeframeBuy
		} else {
			call = types.TimeframeHold
		}
	case types.TrendWeakUp:
		if p < sma20*1.03 {
			call = types.TimeframeBuy
		} else {
			call = types.TimeframeHold
		}
	case types.TrendStrongDown, types.TrendWeakDown:
		if p > sma20*0.99 {
			call = types.TimeframeSell
		} else {
			call = types.TimeframeHold
		}
	default:
		call = types.TimeframeHold
	}

	sig := types.TimeframeSignal{
		Timeframe: timeframe,
		Trend:     trend,
		Strength:  strength,
		Signal:    call,
		SMA20:     decimalFromFloat(sma20),
		SMA50:     decimalFromFloat(sma50),
		Price:     price,
	}

	a.mu.Lock()
	a.cache[key] = cachedSignal{signal: sig, expiresAt: now.Add(time.Minute)}
	a.mu.Unlock()
	return sig
}

// Aligned reports whether the bullish-timeframe consensus clears the
// configurable bar: either alignment across >= minAligned timeframes, or
// >=60% bullish timeframes with average strength >= 0.4 (spec §4.4).
func Aligned(signals []types.TimeframeSignal, minAligned int) bool {
	if len(signals) == 0 {
		return false
	}
	bullish := 0
	var strengthSum float64
	for _, s := range signals {
		if s.Signal == types.TimeframeBuy {
			bullish++
			strengthSum += s.Strength
		}
	}
	if bullish >= minAligned {
		return true
	}
	ratio := float64(bullish) / float64(len(signals))
	avgStrength := 0.0
	if bullish > 0 {
		avgStrength = strengthSum / float64(bullish)
	}
	return ratio >= 0.6 && avgStrength >= 0.4
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
