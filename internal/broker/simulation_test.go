package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/pkg/types"
)

func seededSim(t *testing.T, price decimal.Decimal) *Simulation {
	t.Helper()
	sim := NewSimulation(decimal.NewFromInt(10000))
	sim.SeedBars("AAPL", []types.Bar{
		{Timestamp: time.Now(), Open: price, High: price, Low: price, Close: price, Volume: decimal.NewFromInt(1000)},
	})
	return sim
}

func TestSimulationPlaceMarketUpdatesPosition(t *testing.T) {
	sim := seededSim(t, decimal.NewFromInt(100))
	ctx := context.Background()

	order, err := sim.PlaceMarket(ctx, "AAPL", decimal.NewFromInt(10), types.OrderSideBuy, types.TIFDay)
	if err != nil {
		t.Fatalf("PlaceMarket: %v", err)
	}
	if order.Status != types.OrderStatusFilled {
		t.Fatalf("expected filled, got %s", order.Status)
	}

	positions, err := sim.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10 share position, got %+v", positions)
	}
}

func TestSimulationBracketDowngradesOnFractionalQty(t *testing.T) {
	sim := seededSim(t, decimal.NewFromInt(100))
	ctx := context.Background()

	result, err := sim.PlaceBracket(ctx, "AAPL", decimal.NewFromFloat(0.73), types.OrderSideBuy,
		decimal.NewFromInt(104), decimal.NewFromInt(98), nil)
	if err != nil {
		t.Fatalf("PlaceBracket: %v", err)
	}
	if result.HasBracketProtection {
		t.Fatal("expected bracket protection to be false for fractional quantity")
	}
	if !result.NeedsClientSideMonitoring {
		t.Fatal("expected NeedsClientSideMonitoring for fractional quantity")
	}
}

func TestSimulationBracketKeepsProtectionOnWholeShare(t *testing.T) {
	sim := seededSim(t, decimal.NewFromInt(100))
	ctx := context.Background()

	result, err := sim.PlaceBracket(ctx, "AAPL", decimal.NewFromInt(5), types.OrderSideBuy,
		decimal.NewFromInt(104), decimal.NewFromInt(98), nil)
	if err != nil {
		t.Fatalf("PlaceBracket: %v", err)
	}
	if !result.HasBracketProtection || result.NeedsClientSideMonitoring {
		t.Fatalf("expected whole-share bracket to keep protection: %+v", result)
	}
}

func TestSimulationCloseAllFlattensAndCancels(t *testing.T) {
	sim := seededSim(t, decimal.NewFromInt(100))
	ctx := context.Background()

	if _, err := sim.PlaceMarket(ctx, "AAPL", decimal.NewFromInt(10), types.OrderSideBuy, types.TIFDay); err != nil {
		t.Fatalf("PlaceMarket: %v", err)
	}
	if _, err := sim.PlaceLimit(ctx, "AAPL", decimal.NewFromInt(5), types.OrderSideBuy, decimal.NewFromInt(90), types.TIFDay); err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}

	if err := sim.CloseAll(ctx, true); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	positions, _ := sim.Positions(ctx)
	if len(positions) != 0 {
		t.Fatalf("expected all positions flattened, got %+v", positions)
	}
	open, _ := sim.OpenOrders(ctx, "")
	if len(open) != 0 {
		t.Fatalf("expected no open orders after CloseAll, got %+v", open)
	}
}

func TestPhaseAtBoundaries(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	cases := []struct {
		hh, mm int
		want   string
	}{
		{3, 0, "Closed"},
		{5, 0, "PreMarket"},
		{10, 0, "Open"},
		{17, 0, "PostMarket"},
		{21, 0, "Closed"},
	}
	day := time.Date(2026, 8, 4, 0, 0, 0, 0, loc) // a Tuesday
	for _, c := range cases {
		ts := time.Date(day.Year(), day.Month(), day.Day(), c.hh, c.mm, 0, 0, loc)
		if got := PhaseAt(ts, loc); got != c.want {
			t.Errorf("PhaseAt(%02d:%02d) = %s, want %s", c.hh, c.mm, got, c.want)
		}
	}
}
