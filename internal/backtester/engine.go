// Package backtester implements the control surface's POST backtest
// operation: replay a symbol's historical bars through the same
// strategy/regime engines the live orchestrator uses and report the
// resulting equity curve, trade log, and performance summary. Grounded
// on the teacher's internal/backtester event-driven walk idiom (the
// day-by-day loop, trade/equity accumulation), trimmed from the
// teacher's full order-book/slippage/event-queue simulation since the
// control surface only needs a single bar-close walk-forward (see
// DESIGN.md).
package backtester

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/control-plane/internal/regime"
	"github.com/atlas-trading/control-plane/internal/strategy"
	"github.com/atlas-trading/control-plane/pkg/types"
)

// HistoryLoader is the minimal gateway capability the engine needs: a
// source of historical bars for one symbol.
type HistoryLoader interface {
	HistoryBars(ctx context.Context, symbol string, n int, timeframe string) ([]types.Bar, error)
}

// TradeRecord is one closed round-trip produced by a backtest run.
type TradeRecord struct {
	Symbol     string          `json:"symbol"`
	Side       types.OrderSide `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	PnL        decimal.Decimal `json:"pnl"`
}

// Request parameterizes one backtest run (spec §6 POST backtest body).
type Request struct {
	Symbol        string
	Days          int
	Capital       decimal.Decimal
	TakeProfitPct float64
	StopLossPct   float64
}

// Result is the full POST backtest response body.
type Result struct {
	Symbol      string                   `json:"symbol"`
	Trades      []TradeRecord            `json:"trades"`
	EquityCurve []types.EquityCurvePoint `json:"equityCurve"`
	Metrics     types.PerformanceMetrics `json:"metrics"`
}

// MinDays and MaxDays bound the requested lookback (spec §6: days in
// [5, 365]).
const (
	MinDays = 5
	MaxDays = 365
)

// Engine walks historical bars bar-by-bar, reusing the live regime
// classifier and strategy engine so a backtest exercises the same
// decision logic as the orchestrator.
type Engine struct {
	strategy *strategy.Engine
	regime   *regime.Analyzer
	log      *zap.Logger
}

// New builds a backtest engine over the given strategy and regime
// components.
func New(strat *strategy.Engine, reg *regime.Analyzer, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{strategy: strat, regime: reg, log: log}
}

// Run replays req.Days of history for req.Symbol and returns the
// resulting trade log, equity curve, and performance metrics.
func (e *Engine) Run(ctx context.Context, loader HistoryLoader, req Request) (*Result, error) {
	days := req.Days
	if days < MinDays {
		days = MinDays
	}
	if days > MaxDays {
		days = MaxDays
	}

	bars, err := loader.HistoryBars(ctx, req.Symbol, days, "1d")
	if err != nil {
		return nil, fmt.Errorf("backtest: load history for %s: %w", req.Symbol, err)
	}
	if len(bars) < 2 {
		return nil, fmt.Errorf("backtest: insufficient history for %s", req.Symbol)
	}

	capital := req.Capital
	if capital.IsZero() || capital.IsNegative() {
		capital = decimal.NewFromInt(10000)
	}

	res := &Result{Symbol: req.Symbol}
	cash := capital
	var openQty decimal.Decimal
	var entryPrice decimal.Decimal
	var entryTime time.Time

	minWindow := 20
	for i := minWindow; i < len(bars); i++ {
		window := bars[:i+1]
		bar := bars[i]

		if !openQty.IsZero() {
			exit, reason := e.checkExit(bar.Close, entryPrice, req)
			if exit {
				pnl := bar.Close.Sub(entryPrice).Mul(openQty)
				cash = cash.Add(openQty.Mul(bar.Close))
				res.Trades = append(res.Trades, TradeRecord{
					Symbol:     req.Symbol,
					Side:       types.OrderSideSell,
					Quantity:   openQty,
					EntryPrice: entryPrice,
					ExitPrice:  bar.Close,
					EntryTime:  entryTime,
					ExitTime:   bar.Timestamp,
					PnL:        pnl,
				})
				e.log.Debug("backtest exit", zap.String("symbol", req.Symbol), zap.String("reason", reason))
				openQty = decimal.Zero
			}
		} else {
			st := e.regime.Classify(regime.Inputs{IndexBars: window}, bar.Timestamp)
			sig := e.strategy.Evaluate(strategy.Context{
				Symbol:       req.Symbol,
				CurrentPrice: bar.Close.InexactFloat64(),
				History:      window,
				Regime:       st.Regime,
				Now:          bar.Timestamp,
			})
			if sig.Kind == types.SignalBuy && !bar.Close.IsZero() {
				openQty = cash.Div(bar.Close).Truncate(0)
				if openQty.IsPositive() {
					cash = cash.Sub(openQty.Mul(bar.Close))
					entryPrice = bar.Close
					entryTime = bar.Timestamp
				}
			}
		}

		equity := cash.Add(openQty.Mul(bar.Close))
		res.EquityCurve = append(res.EquityCurve, types.EquityCurvePoint{Timestamp: bar.Timestamp, Equity: equity})
	}

	if !openQty.IsZero() {
		last := bars[len(bars)-1]
		pnl := last.Close.Sub(entryPrice).Mul(openQty)
		cash = cash.Add(openQty.Mul(last.Close))
		res.Trades = append(res.Trades, TradeRecord{
			Symbol:     req.Symbol,
			Side:       types.OrderSideSell,
			Quantity:   openQty,
			EntryPrice: entryPrice,
			ExitPrice:  last.Close,
			EntryTime:  entryTime,
			ExitTime:   last.Timestamp,
			PnL:        pnl,
		})
	}

	res.Metrics = Calculate(res.Trades, res.EquityCurve, capital)
	return res, nil
}

func (e *Engine) checkExit(price, entryPrice decimal.Decimal, req Request) (bool, string) {
	if entryPrice.IsZero() {
		return false, ""
	}
	change, _ := price.Sub(entryPrice).Div(entryPrice).Float64()
	if req.TakeProfitPct > 0 && change >= req.TakeProfitPct {
		return true, "take_profit"
	}
	if req.StopLossPct > 0 && change <= -req.StopLossPct {
		return true, "stop_loss"
	}
	return false, ""
}
