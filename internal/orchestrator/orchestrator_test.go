package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

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

// risingHistory builds a flat-then-breakout series: 40 bars flat at
// base, then 20 bars rising 0.5/day, which produces a fresh positive MACD
// histogram (a buy signal) rather than a long-matured trend where the
// MACD line and its signal have already converged. The last close stays
// within 5% of its 20-bar average, so the timeframe signals read Buy.
func risingHistory(n int, base float64) []types.Bar {
	out := make([]types.Bar, n)
	start := time.Now().Add(-time.Duration(n) * 24 * time.Hour)
	flat := n - 20
	for i := 0; i < n; i++ {
		price := base
		if i >= flat {
			price = base + float64(i-flat+1)*0.5
		}
		c := decimal.NewFromFloat(price)
		out[i] = types.Bar{Timestamp: start.Add(time.Duration(i) * 24 * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(10000)}
	}
	return out
}

func newTestLoop(t *testing.T, sim *broker.Simulation) *Loop {
	cfg := config.Default()
	cfg.TickInterval = time.Millisecond
	cfg.WatchlistCapacity = 1

	cache := marketdata.New(sim, cfg.TickInterval)
	w := watchlist.New(watchlist.Config{Capacity: 1, MaxConcurrency: 4, CooldownAfterRemoval: time.Minute}, []string{"AAPL"})
	em := emergency.New([]emergency.Venue{{Name: "stocks", Gateway: sim}}, nil)

	return New(Deps{
		Venue:     "stocks",
		Config:    cfg,
		Gateway:   sim,
		Cache:     cache,
		Regime:    regime.New(regime.Default()),
		Strategy:  strategy.New(),
		Watchlist: w,
		Risk:      risk.New(cfg, decimal.NewFromInt(100000)),
		Exits:     exits.New(cfg),
		Validator: orders.New(cfg.OrderCooldown),
		Heartbeat: heartbeat.New(nil),
		Emergency: em,
		Bus:       eventbus.New(16, nil),
	})
}

// marketOpenWeekday returns a fixed Tuesday 10:00 NY time, inside
// regular trading hours regardless of when the test actually runs.
func marketOpenWeekday() time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return time.Date(2024, time.March, 5, 10, 0, 0, 0, loc)
}

func TestTickEntersPositionOnBuySignal(t *testing.T) {
	sim := broker.NewSimulation(decimal.NewFromInt(100000))
	sim.SeedBars("AAPL", risingHistory(60, 100))
	sim.SetClock(marketOpenWeekday)

	loop := newTestLoop(t, sim)
	ctx := context.Background()
	loop.tick(ctx)

	if _, ok := loop.riskMgr.Position("AAPL"); !ok {
		t.Fatal("expected a position to be opened on a rising-trend buy signal")
	}
}

func TestTickSkipsEntriesWhilePaused(t *testing.T) {
	sim := broker.NewSimulation(decimal.NewFromInt(100000))
	sim.SeedBars("AAPL", risingHistory(60, 100))

	loop := newTestLoop(t, sim)
	loop.Pause()
	ctx := context.Background()
	loop.tick(ctx)

	if _, ok := loop.riskMgr.Position("AAPL"); ok {
		t.Fatal("expected no entries while paused")
	}
}

func TestTickSkipsAllWorkWhenEmergencyTriggered(t *testing.T) {
	sim := broker.NewSimulation(decimal.NewFromInt(100000))
	sim.SeedBars("AAPL", risingHistory(60, 100))

	loop := newTestLoop(t, sim)
	loop.em.Trigger("test")
	ctx := context.Background()
	loop.tick(ctx)

	if _, ok := loop.riskMgr.Position("AAPL"); ok {
		t.Fatal("expected no entries once emergency is triggered")
	}
}

func TestTickEntryGoesThroughBracketAndFlagsClientSideMonitoring(t *testing.T) {
	sim := broker.NewSimulation(decimal.NewFromInt(100000))
	sim.SeedBars("AAPL", risingHistory(60, 100))
	sim.SetClock(marketOpenWeekday)

	loop := newTestLoop(t, sim)
	loop.cfg.WholeShareOnly = false
	loop.riskMgr = risk.New(loop.cfg, decimal.NewFromInt(100000)) // sizing reads the risk manager's config
	ctx := context.Background()
	loop.tick(ctx)

	pos, ok := loop.riskMgr.Position("AAPL")
	if !ok {
		t.Fatal("expected a position to be opened on a rising-trend buy signal")
	}
	if pos.Quantity.Truncate(0).Equal(pos.Quantity) {
		t.Skip("sized quantity happened to be a whole share; fractional downgrade not exercised")
	}
	if !pos.NeedsClientSideMonitoring {
		t.Fatal("expected a fractional bracket entry to flag NeedsClientSideMonitoring")
	}
}

func TestTickSkipsEntryWhenTimeframesDisagree(t *testing.T) {
	sim := broker.NewSimulation(decimal.NewFromInt(100000))
	sim.SeedBars("AAPL", risingHistory(60, 100))
	sim.SetClock(marketOpenWeekday)

	loop := newTestLoop(t, sim)
	loop.cfg.MinTimeframesAligned = len(timeframes) + 1 // count rule cannot pass; the fixture's trend strength is below the 60%-bullish fallback's 0.4
	ctx := context.Background()
	loop.tick(ctx)

	if _, ok := loop.riskMgr.Position("AAPL"); ok {
		t.Fatal("expected no entry when the alignment bar can never be cleared")
	}
}

func TestApplyExitVetoesSameDayRoundTripAtPDTLimit(t *testing.T) {
	sim := broker.NewSimulation(decimal.NewFromInt(4000))
	sim.SetClock(marketOpenWeekday)
	loop := newTestLoop(t, sim)

	now := marketOpenWeekday()
	pos := types.Position{
		Symbol:     "AAPL",
		Quantity:   decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(100),
		StopLoss:   decimal.NewFromInt(90),
		TakeProfit: decimal.NewFromInt(110),
		EntryTime:  now, // opened earlier the same trading day
	}
	loop.riskMgr.OpenPosition(pos)
	sim.SeedBars("AAPL", []types.Bar{{Timestamp: now, Open: decimal.NewFromInt(89), High: decimal.NewFromInt(89), Low: decimal.NewFromInt(89), Close: decimal.NewFromInt(89), Volume: decimal.NewFromInt(1000)}})

	account := types.AccountSnapshot{Equity: decimal.NewFromInt(4000), DayTradesInLast5BusinessDays: 3}
	decision := types.ExitDecision{Type: types.ExitStopLoss, QuantityFraction: decimal.NewFromInt(1), ExpectedPrice: decimal.NewFromInt(89)}
	loop.applyExit(context.Background(), "AAPL", pos, decision, account, now)

	if _, ok := loop.riskMgr.Position("AAPL"); !ok {
		t.Fatal("expected the same-day round-trip sell to be vetoed, leaving the position open")
	}
}

func TestApplyExitAllowsMultiDayPositionAtPDTLimit(t *testing.T) {
	sim := broker.NewSimulation(decimal.NewFromInt(4000))
	sim.SetClock(marketOpenWeekday)
	loop := newTestLoop(t, sim)

	now := marketOpenWeekday()
	pos := types.Position{
		Symbol:     "AAPL",
		Quantity:   decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(100),
		StopLoss:   decimal.NewFromInt(90),
		TakeProfit: decimal.NewFromInt(110),
		EntryTime:  now.Add(-48 * time.Hour), // opened two calendar days earlier
	}
	loop.riskMgr.OpenPosition(pos)
	sim.SeedBars("AAPL", []types.Bar{{Timestamp: now, Open: decimal.NewFromInt(89), High: decimal.NewFromInt(89), Low: decimal.NewFromInt(89), Close: decimal.NewFromInt(89), Volume: decimal.NewFromInt(1000)}})

	account := types.AccountSnapshot{Equity: decimal.NewFromInt(4000), DayTradesInLast5BusinessDays: 3}
	decision := types.ExitDecision{Type: types.ExitStopLoss, QuantityFraction: decimal.NewFromInt(1), ExpectedPrice: decimal.NewFromInt(89)}
	loop.applyExit(context.Background(), "AAPL", pos, decision, account, now)

	if _, ok := loop.riskMgr.Position("AAPL"); ok {
		t.Fatal("expected the multi-day-old position's sell to go through despite the PDT limit")
	}
}
