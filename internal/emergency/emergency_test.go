package emergency

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/internal/broker"
	"github.com/atlas-trading/control-plane/pkg/types"
)

func TestEmergencyFlattenScenario(t *testing.T) {
	// Scenario from spec §8: positions [{AAPL,+10},{TSLA,-5}] -> sell 10
	// AAPL, buy 5 TSLA; both report close_ordered; cancelAll called once;
	// a second concurrent trigger returns the same result without
	// re-calling the venue.
	sim := broker.NewSimulation(decimal.NewFromInt(100000))
	sim.SeedBars("AAPL", []types.Bar{{Close: decimal.NewFromInt(150), Volume: decimal.NewFromInt(1000)}})
	sim.SeedBars("TSLA", []types.Bar{{Close: decimal.NewFromInt(200), Volume: decimal.NewFromInt(1000)}})

	ctx := context.Background()
	_, err := sim.PlaceMarket(ctx, "AAPL", decimal.NewFromInt(10), types.OrderSideBuy, types.TIFDay)
	if err != nil {
		t.Fatalf("seed AAPL long failed: %v", err)
	}
	_, err = sim.PlaceMarket(ctx, "TSLA", decimal.NewFromInt(5), types.OrderSideSell, types.TIFDay)
	if err != nil {
		t.Fatalf("seed TSLA short failed: %v", err)
	}

	p := New([]Venue{{Name: "stocks", Gateway: sim}}, nil)

	res1 := p.TriggerContext(ctx, "manual")
	if res1.Status != types.EmergencyTriggered {
		t.Fatalf("expected Triggered status, got %s", res1.Status)
	}
	if len(res1.PerVenue) != 2 {
		t.Fatalf("expected 2 close outcomes, got %d: %+v", len(res1.PerVenue), res1.PerVenue)
	}
	for _, o := range res1.PerVenue {
		if o.Status != "close_ordered" {
			t.Fatalf("expected close_ordered for %s, got %s (%s)", o.Symbol, o.Status, o.Error)
		}
	}

	res2 := p.TriggerContext(ctx, "manual")
	if len(res2.PerVenue) != len(res1.PerVenue) {
		t.Fatalf("expected second trigger to return the same result, got %+v vs %+v", res2, res1)
	}
}

func TestConcurrentTriggersProduceOneFlatten(t *testing.T) {
	sim := broker.NewSimulation(decimal.NewFromInt(10000))
	sim.SeedBars("AAPL", []types.Bar{{Close: decimal.NewFromInt(100), Volume: decimal.NewFromInt(1000)}})
	ctx := context.Background()
	if _, err := sim.PlaceMarket(ctx, "AAPL", decimal.NewFromInt(10), types.OrderSideBuy, types.TIFDay); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	p := New([]Venue{{Name: "stocks", Gateway: sim}}, nil)

	var wg sync.WaitGroup
	results := make([]Result, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = p.TriggerContext(ctx, "concurrent")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if len(results[i].PerVenue) != len(results[0].PerVenue) {
			t.Fatalf("expected all concurrent triggers to observe the same result set")
		}
	}
}

func TestResetRearmsProtocol(t *testing.T) {
	sim := broker.NewSimulation(decimal.NewFromInt(10000))
	p := New([]Venue{{Name: "stocks", Gateway: sim}}, nil)

	p.TriggerContext(context.Background(), "test")
	if !p.IsTriggered() {
		t.Fatal("expected triggered after first call")
	}
	p.Reset()
	if p.IsTriggered() {
		t.Fatal("expected armed after reset")
	}
}
