package exits

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/internal/config"
	"github.com/atlas-trading/control-plane/pkg/types"
)

func basePosition() types.Position {
	return types.Position{
		Symbol:        "AAPL",
		Quantity:      decimal.NewFromInt(10),
		EntryPrice:    decimal.NewFromInt(100),
		EntryTime:     time.Now().Add(-time.Hour),
		StopLoss:      decimal.NewFromInt(98),
		TakeProfit:    decimal.NewFromInt(104),
		HighWaterMark: decimal.NewFromInt(100),
	}
}

func TestExitPriorityTakeProfitBeatsVolatilitySpike(t *testing.T) {
	// Scenario from spec §8: entry $100, stop $98, TP $104; price $104.5
	// and short-window vol 6% -> TakeProfit (rule 2) wins over
	// VolatilitySpike (rule 4).
	cfg := config.Default()
	e := New(cfg)
	pos := basePosition()
	pf := Portfolio{RealizedShortVol: 0.06}

	dec := e.Evaluate(pos, decimal.NewFromFloat(104.5), pf, time.Now())
	if dec.Type != types.ExitTakeProfit {
		t.Fatalf("expected TakeProfit to win, got %s", dec.Type)
	}
}

func TestExitStopLossFiresFirst(t *testing.T) {
	cfg := config.Default()
	e := New(cfg)
	pos := basePosition()
	dec := e.Evaluate(pos, decimal.NewFromFloat(97), Portfolio{}, time.Now())
	if dec.Type != types.ExitStopLoss {
		t.Fatalf("expected StopLoss, got %s", dec.Type)
	}
}

func TestPartialProfitFiresOncePerLevel(t *testing.T) {
	cfg := config.Default()
	e := New(cfg)
	pos := basePosition() // entry 100, TP 104 -> 25% progress at 101

	dec := e.Evaluate(pos, decimal.NewFromFloat(101), Portfolio{}, pos.EntryTime.Add(2*time.Hour))
	if dec.Type != types.ExitPartialProfit {
		t.Fatalf("expected PartialProfit at 25%% progress, got %s", dec.Type)
	}

	pos.PartialExitLevels[0] = true
	dec = e.Evaluate(pos, decimal.NewFromFloat(101), Portfolio{}, pos.EntryTime.Add(2*time.Hour))
	if dec.Type == types.ExitPartialProfit {
		t.Fatalf("expected level-0 partial profit to not refire, got %+v", dec)
	}
}

func TestQuickScalpFiresOnFastSmallProfit(t *testing.T) {
	cfg := config.Default()
	e := New(cfg)
	pos := basePosition()
	// A fixed 10:00 NY time keeps the EOD lock (which outranks QuickScalp)
	// out of play regardless of when the test runs.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	now := time.Date(2024, time.March, 5, 10, 0, 0, 0, loc)
	pos.EntryTime = now.Add(-5 * time.Minute)

	dec := e.Evaluate(pos, decimal.NewFromFloat(100.6), Portfolio{}, now)
	if dec.Type != types.ExitQuickScalp {
		t.Fatalf("expected QuickScalp, got %s", dec.Type)
	}
}

func TestNoExitWhenNothingFires(t *testing.T) {
	cfg := config.Default()
	e := New(cfg)
	pos := basePosition()
	pos.EntryTime = time.Now().Add(-2 * time.Hour)
	dec := e.Evaluate(pos, decimal.NewFromFloat(100.2), Portfolio{}, time.Now())
	if dec.Type != types.ExitNone {
		t.Fatalf("expected ExitNone, got %s", dec.Type)
	}
}
