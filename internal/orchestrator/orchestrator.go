// Package orchestrator implements the Trading Loop Orchestrator (C12):
// one independent per-venue ticker loop that runs the eight-step tick
// sequence of spec §4.12, fanning out per-symbol analysis through a
// bounded worker pool. Grounded on the teacher's cmd/server main-loop
// ticker/graceful-shutdown idiom and internal/workers' bounded
// semaphore-pool pattern (both mined for grounding before their files
// were retired; see DESIGN.md).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/control-plane/internal/broker"
	"github.com/atlas-trading/control-plane/internal/config"
	"github.com/atlas-trading/control-plane/internal/emergency"
	"github.com/atlas-trading/control-plane/internal/eventbus"
	"github.com/atlas-trading/control-plane/internal/exits"
	"github.com/atlas-trading/control-plane/internal/heartbeat"
	"github.com/atlas-trading/control-plane/internal/marketdata"
	"github.com/atlas-trading/control-plane/internal/orders"
	"github.com/atlas-trading/control-plane/internal/regime"
	"github.com/atlas-trading/control-plane/internal/risk"
	"github.com/atlas-trading/control-plane/internal/strategy"
	"github.com/atlas-trading/control-plane/internal/watchlist"
	"github.com/atlas-trading/control-plane/pkg/types"
)

// Loop runs one venue's independent trading loop.
type Loop struct {
	Venue string

	cfg      config.Config
	gw       broker.Gateway
	cache    *marketdata.Cache
	regime   *regime.Analyzer
	strategy *strategy.Engine
	watch    *watchlist.Watchlist
	riskMgr  *risk.Manager
	exitEng  *exits.Engine
	validator *orders.Validator
	hb       *heartbeat.Monitor
	em       *emergency.Protocol
	bus      *eventbus.Bus
	log      *zap.Logger

	pausedMu sync.RWMutex
	paused   bool

	lastRotate time.Time
	loc        *time.Location
}

// timeframes is the small set of windows a buy entry must show alignment
// across before it is allowed through.
var timeframes = []string{"15m", "1h", "1d"}

// Deps bundles every component the orchestrator wires together.
type Deps struct {
	Venue     string
	Config    config.Config
	Gateway   broker.Gateway
	Cache     *marketdata.Cache
	Regime    *regime.Analyzer
	Strategy  *strategy.Engine
	Watchlist *watchlist.Watchlist
	Risk      *risk.Manager
	Exits     *exits.Engine
	Validator *orders.Validator
	Heartbeat *heartbeat.Monitor
	Emergency *emergency.Protocol
	Bus       *eventbus.Bus
	Log       *zap.Logger
}

// New builds one venue's orchestrator loop.
func New(d Deps) *Loop {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Loop{
		Venue:     d.Venue,
		cfg:       d.Config,
		gw:        d.Gateway,
		cache:     d.Cache,
		regime:    d.Regime,
		strategy:  d.Strategy,
		watch:     d.Watchlist,
		riskMgr:   d.Risk,
		exitEng:   d.Exits,
		validator: d.Validator,
		hb:        d.Heartbeat,
		em:        d.Emergency,
		bus:       d.Bus,
		log:       log.With(zap.String("venue", d.Venue)),
		loc:       loc,
	}
}

// Pause suppresses new entries; exits and housekeeping continue (spec §6
// POST pause/resume).
func (l *Loop) Pause() {
	l.pausedMu.Lock()
	l.paused = true
	l.pausedMu.Unlock()
}

// Resume re-enables entries.
func (l *Loop) Resume() {
	l.pausedMu.Lock()
	l.paused = false
	l.pausedMu.Unlock()
}

func (l *Loop) isPaused() bool {
	l.pausedMu.RLock()
	defer l.pausedMu.RUnlock()
	return l.paused
}

// Paused reports whether new entries are currently suppressed, for the
// control surface's GET status (spec §6).
func (l *Loop) Paused() bool {
	return l.isPaused()
}

// RunOnce executes a single tick synchronously, for tests that need a
// deterministic single pass rather than Run's ticker loop.
func (l *Loop) RunOnce(ctx context.Context) {
	l.tick(ctx)
}

// Position reports one symbol's open position, if any.
func (l *Loop) Position(symbol string) (types.Position, bool) {
	return l.riskMgr.Position(symbol)
}

// Run drives the per-tick loop until ctx is cancelled. Each iteration
// completes its in-flight order submissions and commits state before
// honoring cancellation (spec §4.12/§5).
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	l.hb.Register(l.componentName(), l.heartbeatTimeout(), time.Now())

	for {
		select {
		case <-ctx.Done():
			l.log.Info("orchestrator loop stopping")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) componentName() string { return "orchestrator." + l.Venue }

func (l *Loop) heartbeatTimeout() time.Duration {
	if d, ok := l.cfg.HeartbeatTimeouts["orchestrator"]; ok {
		return d
	}
	return 60 * time.Second
}

// tick runs the eight-step sequence of spec §4.12.
func (l *Loop) tick(ctx context.Context) {
	now := time.Now()

	// 1. Beat heartbeat.
	l.hb.Beat(l.componentName(), now)

	// 2. Emergency short-circuit: drop positions the venue no longer holds
	// (the emergency flatten closed them), then skip the rest. Pause only
	// suppresses entries, which processSymbol checks.
	if l.em.IsTriggered() {
		if venuePositions, err := l.gw.Positions(ctx); err == nil {
			held := make(map[string]bool, len(venuePositions))
			for _, p := range venuePositions {
				held[p.Symbol] = true
			}
			for sym := range l.riskMgr.Positions() {
				if !held[sym] {
					l.riskMgr.ClosePosition(sym)
				}
			}
		}
		l.publishStatus(now, "emergency")
		return
	}

	// 3. Refresh account + clock; if closed, housekeeping only.
	clockRes := l.cache.Clock(ctx)
	account, err := l.gw.Account(ctx)
	if err != nil {
		l.log.Warn("account refresh failed", zap.Error(err))
		l.publishStatus(now, "degraded")
		return
	}
	l.riskMgr.UpdatePeakEquity(account.Equity)

	marketOpen := clockRes.Value.IsOpen

	// 4. Pull watchlist, optionally rotate (throttled).
	if l.shouldRotate(now) {
		l.watch.Rotate(ctx, l.scoreSymbol(ctx), now)
		l.lastRotate = now
	}
	active := l.watch.GetActive()

	// 5/6. Bounded concurrent fan-out: signal + exit decisions, then apply.
	concurrency := l.cfg.MaxFanoutWorkers
	if concurrency <= 0 || concurrency > 64 {
		concurrency = 64
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, sym := range active {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			l.processSymbol(ctx, symbol, account, marketOpen, active, now)
		}(sym)
	}
	wg.Wait()

	// 7. Snapshot to event bus.
	l.publishStatus(now, "healthy")
}

func (l *Loop) shouldRotate(now time.Time) bool {
	if l.lastRotate.IsZero() {
		return true
	}
	interval := l.cfg.WatchlistRotateEvery
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return now.Sub(l.lastRotate) >= interval
}

func (l *Loop) scoreSymbol(ctx context.Context) watchlist.Scorer {
	return func(ctx context.Context, symbol string) (float64, error) {
		barsRes := l.cache.HistoryBars(ctx, symbol, 60, "1d")
		if len(barsRes.Value) == 0 {
			return 0, nil
		}
		sig := l.strategy.Evaluate(strategy.Context{
			Symbol:  symbol,
			History: barsRes.Value,
			Regime:  types.RegimeRangeBound,
			Now:     time.Now(),
		})
		switch sig.Kind {
		case types.SignalBuy:
			return 1, nil
		case types.SignalSell:
			return 0.2, nil
		default:
			return 0.1, nil
		}
	}
}

// processSymbol evaluates and applies exits before entries for one
// symbol, isolating per-symbol failures (spec §7: a failing symbol is
// skipped this tick, others continue).
func (l *Loop) processSymbol(ctx context.Context, symbol string, account types.AccountSnapshot, marketOpen bool, active []string, now time.Time) {
	barRes := l.cache.LatestBar(ctx, symbol)
	if barRes.Value.Close.IsZero() {
		return
	}
	price := barRes.Value.Close

	pos, hasPosition := l.riskMgr.Position(symbol)

	// Exits first.
	if hasPosition {
		l.riskMgr.TickUpdate(symbol, price, l.stopLevels(), l.cfg.TrailingLevels)
		pos, _ = l.riskMgr.Position(symbol)

		decision := l.exitEng.Evaluate(pos, price, exits.Portfolio{
			OpenPositionCount: len(l.riskMgr.Positions()),
			AtPDTLimit:        account.DayTradesInLast5BusinessDays >= 3,
			IsIntraday:        marketOpen,
		}, now)

		if decision.Type != types.ExitNone {
			l.applyExit(ctx, symbol, pos, decision, account, now)
			return
		}
	}

	if !marketOpen || l.isPaused() {
		return
	}

	history := l.cache.HistoryBars(ctx, symbol, 60, "1d").Value
	if len(history) == 0 {
		return
	}
	st := l.regime.Classify(regime.Inputs{IndexBars: history}, now)
	qty := 0.0
	if hasPosition {
		qty = pos.Quantity.InexactFloat64()
	}
	sig := l.strategy.Evaluate(strategy.Context{
		Symbol:       symbol,
		CurrentPrice: price.InexactFloat64(),
		PositionQty:  qty,
		History:      history,
		Regime:       st.Regime,
		Now:          now,
	})

	if sig.Kind != types.SignalBuy || hasPosition {
		return
	}

	if !l.timeframesAligned(ctx, symbol, now) {
		l.log.Debug("entry skipped: timeframes not aligned", zap.String("symbol", symbol))
		return
	}

	isWatchlisted := false
	for _, a := range active {
		if a == symbol {
			isWatchlisted = true
			break
		}
	}
	lastOrderAt, hasLast := l.validator.LastAccepted(symbol, types.OrderSideBuy)
	var lastOrderPtr *time.Time
	if hasLast {
		lastOrderPtr = &lastOrderAt
	}

	snap := risk.Snapshot{
		Account:         account,
		PeakEquity:      l.riskMgr.PeakEquity(),
		ActivePositions: len(l.riskMgr.Positions()),
		MaxPositions:    l.cfg.MaxPositions,
		IsMarketOpen:    marketOpen,
		Cooldown:        l.cfg.OrderCooldown,
		Now:             now,
	}
	allow, gateName, reason := l.riskMgr.EvaluateEntry(risk.EntryRequest{
		Symbol:        symbol,
		Side:          types.OrderSideBuy,
		EntryPrice:    price,
		IsWatchlisted: isWatchlisted,
		LastOrderAt:   lastOrderPtr,
	}, snap)
	if !allow {
		l.log.Debug("entry vetoed", zap.String("symbol", symbol), zap.String("gate", gateName), zap.String("reason", reason))
		return
	}

	qtyToBuy := l.riskMgr.SizeEntry(account.Equity, account.Cash, price)
	if qtyToBuy.IsZero() {
		return
	}

	stopLoss := price.Mul(decimalOneMinus(l.cfg.StopLossPct))
	takeProfit := price.Mul(decimalOnePlus(l.cfg.TakeProfitPct))

	order, err := l.validator.Validate(orders.Request{
		Symbol:         symbol,
		Side:           types.OrderSideBuy,
		Quantity:       qtyToBuy,
		Type:           types.OrderTypeBracket,
		WholeShareOnly: l.cfg.WholeShareOnly,
	}, now)
	if err != nil {
		l.log.Debug("order rejected by validator", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	bracket, err := l.gw.PlaceBracket(ctx, symbol, order.Quantity, types.OrderSideBuy, takeProfit, stopLoss, nil)
	if err != nil {
		l.log.Warn("entry order failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	filled := bracket.Order

	l.riskMgr.OpenPosition(types.Position{
		Symbol:                    symbol,
		Quantity:                  filled.FilledQty,
		EntryPrice:                filled.AvgFillPrice,
		EntryTime:                 now,
		StopLoss:                  stopLoss,
		TakeProfit:                takeProfit,
		HighWaterMark:             price,
		Strategy:                  sig.Strategy,
		NeedsClientSideMonitoring: bracket.NeedsClientSideMonitoring,
	})
	l.bus.Publish(eventbus.Event{Type: eventbus.EventOrderUpdate, Timestamp: now, Data: filled})
}

func (l *Loop) stopLevels() [3]float64 {
	return [3]float64{0.01, 0.02, 0.03}
}

// timeframesAligned computes a TimeframeSignal for each window in
// timeframes and reports whether they clear the configured alignment bar,
// per regime.Aligned.
func (l *Loop) timeframesAligned(ctx context.Context, symbol string, now time.Time) bool {
	signals := make([]types.TimeframeSignal, 0, len(timeframes))
	for _, tf := range timeframes {
		bars := l.cache.HistoryBars(ctx, symbol, 60, tf).Value
		if len(bars) == 0 {
			continue
		}
		signals = append(signals, l.regime.TimeframeSignal(symbol, tf, bars, now))
	}
	minAligned := l.cfg.MinTimeframesAligned
	if minAligned <= 0 {
		minAligned = 2
	}
	return regime.Aligned(signals, minAligned)
}

// isSameTradingDay reports whether a and b fall on the same calendar day
// in the loop's trading-venue timezone, the basis for round-trip detection.
func isSameTradingDay(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func (l *Loop) applyExit(ctx context.Context, symbol string, pos types.Position, decision types.ExitDecision, account types.AccountSnapshot, now time.Time) {
	qty := pos.Quantity.Abs().Mul(decision.QuantityFraction)
	side := types.OrderSideSell
	if !pos.IsLong() {
		side = types.OrderSideBuy
	}

	isRoundTrip := isSameTradingDay(pos.EntryTime, now, l.loc)
	if allow, reason := l.riskMgr.EvaluateExit(risk.EntryRequest{
		Symbol:      symbol,
		Side:        side,
		IsRoundTrip: isRoundTrip,
	}, risk.Snapshot{Account: account, Now: now}); !allow {
		l.log.Debug("exit vetoed by PDT guard", zap.String("symbol", symbol), zap.String("reason", reason))
		return
	}

	order, err := l.validator.Validate(orders.Request{
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		Type:           types.OrderTypeMarket,
		WholeShareOnly: l.cfg.WholeShareOnly,
	}, now)
	if err != nil {
		l.log.Debug("exit order rejected by validator", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	filled, err := l.gw.PlaceMarket(ctx, symbol, order.Quantity, side, types.TIFDay)
	if err != nil {
		l.log.Warn("exit order failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	l.riskMgr.ReduceQuantity(symbol, filled.FilledQty)
	l.bus.Publish(eventbus.Event{Type: eventbus.EventOrderUpdate, Timestamp: now, Data: filled})
}

func decimalOneMinus(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(1 - pct)
}

func decimalOnePlus(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(1 + pct)
}

func (l *Loop) publishStatus(now time.Time, status string) {
	l.bus.Publish(eventbus.Event{
		Type:      eventbus.EventSystemStatus,
		Timestamp: now,
		Data: map[string]interface{}{
			"venue":     l.Venue,
			"status":    status,
			"positions": len(l.riskMgr.Positions()),
		},
	})
}
