// Package strategy implements the Strategy Engine (C5): it picks a
// strategy by regime and emits a TradingSignal. Grounded on the teacher's
// internal/strategy/strategy.go Strategy interface/registry idiom,
// remapped onto spec §4.5's fixed regime-to-strategy table.
package strategy

import (
	"sync"
	"time"

	"github.com/atlas-trading/control-plane/internal/indicators"
	"github.com/atlas-trading/control-plane/pkg/types"
)

// Strategy evaluates one symbol's history and current state into a
// TradingSignal.
type Strategy interface {
	Name() string
	Evaluate(ctx Context) types.TradingSignal
}

// Context bundles everything a strategy needs per spec §4.5:
// (symbol, currentPrice, positionQty, history, regime).
type Context struct {
	Symbol       string
	CurrentPrice float64
	PositionQty  float64
	History      []types.Bar
	Regime       types.MarketRegime
	Now          time.Time
}

func hold(symbol, reason string) types.TradingSignal {
	return types.TradingSignal{Symbol: symbol, Kind: types.SignalHold, Reason: reason}
}

// minHistory is the minimum bar count every strategy below requires;
// insufficient history always yields Hold (spec §4.5).
const minHistory = 30

// rsiStrategy: RangeBound regime, RSI(14, 30/70).
type rsiStrategy struct{}

func (rsiStrategy) Name() string { return "rsi" }

func (rsiStrategy) Evaluate(ctx Context) types.TradingSignal {
	if len(ctx.History) < minHistory {
		return hold(ctx.Symbol, "Insufficient history")
	}
	rsi := indicators.RSIAt(ctx.History, 14)
	switch {
	case rsi < 30:
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalBuy, Reason: "RSI oversold", Strategy: "rsi", CreatedAt: ctx.Now}
	case rsi > 70:
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalSell, Reason: "RSI overbought", Strategy: "rsi", CreatedAt: ctx.Now}
	default:
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalHold, Reason: "RSI neutral", Strategy: "rsi", CreatedAt: ctx.Now}
	}
}

// macdStrategy: WeakBull/StrongBull regime, MACD trend-following.
type macdStrategy struct{}

func (macdStrategy) Name() string { return "macd" }

func (macdStrategy) Evaluate(ctx Context) types.TradingSignal {
	if len(ctx.History) < minHistory {
		return hold(ctx.Symbol, "Insufficient history")
	}
	m := indicators.MACD(ctx.History, 12, 26, 9)
	switch {
	case m.Histogram > 0 && m.MACD > m.Signal:
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalBuy, Reason: "MACD bullish crossover", Strategy: "macd", CreatedAt: ctx.Now}
	case m.Histogram < 0 && m.MACD < m.Signal:
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalSell, Reason: "MACD bearish crossover", Strategy: "macd", CreatedAt: ctx.Now}
	default:
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalHold, Reason: "MACD flat", Strategy: "macd", CreatedAt: ctx.Now}
	}
}

// bollingerMeanReversion: HighVolatility regime, Bollinger(20, 2.5).
type bollingerMeanReversion struct{}

func (bollingerMeanReversion) Name() string { return "bollinger_mean_reversion" }

func (bollingerMeanReversion) Evaluate(ctx Context) types.TradingSignal {
	if len(ctx.History) < minHistory {
		return hold(ctx.Symbol, "Insufficient history")
	}
	bb := indicators.Bollinger(ctx.History, 20, 2.5)
	switch {
	case ctx.CurrentPrice <= bb.Lower:
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalBuy, Reason: "price at lower Bollinger band", Strategy: "bollinger_mean_reversion", CreatedAt: ctx.Now}
	case ctx.CurrentPrice >= bb.Upper:
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalSell, Reason: "price at upper Bollinger band", Strategy: "bollinger_mean_reversion", CreatedAt: ctx.Now}
	default:
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalHold, Reason: "price within bands", Strategy: "bollinger_mean_reversion", CreatedAt: ctx.Now}
	}
}

// defensiveStrategy: Bearish regimes — sell longs, hold otherwise.
type defensiveStrategy struct{}

func (defensiveStrategy) Name() string { return "defensive" }

func (defensiveStrategy) Evaluate(ctx Context) types.TradingSignal {
	if len(ctx.History) < minHistory {
		return hold(ctx.Symbol, "Insufficient history")
	}
	if ctx.PositionQty > 0 {
		return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalSell, Reason: "defensive exit in bearish regime", Strategy: "defensive", CreatedAt: ctx.Now}
	}
	return types.TradingSignal{Symbol: ctx.Symbol, Kind: types.SignalHold, Reason: "defensive: no new longs in bearish regime", Strategy: "defensive", CreatedAt: ctx.Now}
}

// Engine selects and runs the strategy for a regime, and tracks the
// active strategy per symbol for observability (spec §4.5 activeStrategy).
type Engine struct {
	mu     sync.RWMutex
	active map[string]string
}

// New builds a strategy engine.
func New() *Engine {
	return &Engine{active: make(map[string]string)}
}

func forRegime(regime types.MarketRegime) Strategy {
	switch regime {
	case types.RegimeRangeBound:
		return rsiStrategy{}
	case types.RegimeWeakBull, types.RegimeStrongBull:
		return macdStrategy{}
	case types.RegimeHighVolatility:
		return bollingerMeanReversion{}
	case types.RegimeWeakBear, types.RegimeStrongBear:
		return defensiveStrategy{}
	default:
		return rsiStrategy{}
	}
}

// Evaluate selects the strategy for ctx.Regime and runs it, recording the
// chosen strategy name for observability.
func (e *Engine) Evaluate(ctx Context) types.TradingSignal {
	s := forRegime(ctx.Regime)
	signal := s.Evaluate(ctx)

	e.mu.Lock()
	e.active[ctx.Symbol] = s.Name()
	e.mu.Unlock()

	return signal
}

// ActiveStrategy returns the most recently used strategy name for symbol.
func (e *Engine) ActiveStrategy(symbol string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[symbol]
}
