package backtester

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/internal/regime"
	"github.com/atlas-trading/control-plane/internal/strategy"
	"github.com/atlas-trading/control-plane/pkg/types"
)

type fakeLoader struct {
	bars      []types.Bar
	requested *int // when set, records the n of the last HistoryBars call
}

func (f fakeLoader) HistoryBars(ctx context.Context, symbol string, n int, timeframe string) ([]types.Bar, error) {
	if f.requested != nil {
		*f.requested = n
	}
	return f.bars, nil
}

func risingBars(n int, base float64) []types.Bar {
	out := make([]types.Bar, n)
	start := time.Now().Add(-time.Duration(n) * 24 * time.Hour)
	flat := n - 20
	for i := 0; i < n; i++ {
		price := base
		if i >= flat {
			price = base + float64(i-flat+1)*2
		}
		c := decimal.NewFromFloat(price)
		out[i] = types.Bar{Timestamp: start.Add(time.Duration(i) * 24 * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(10000)}
	}
	return out
}

func TestRunProducesEquityCurveAndMetrics(t *testing.T) {
	loader := fakeLoader{bars: risingBars(60, 100)}
	e := New(strategy.New(), regime.New(regime.Default()), nil)

	res, err := e.Run(context.Background(), loader, Request{
		Symbol:        "AAPL",
		Days:          60,
		Capital:       decimal.NewFromInt(10000),
		TakeProfitPct: 0.1,
		StopLossPct:   0.05,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.EquityCurve) == 0 {
		t.Fatal("expected a non-empty equity curve")
	}
	if res.Metrics.FinalValue.IsZero() {
		t.Fatal("expected a non-zero final value")
	}
}

func TestRunClampsDaysToBounds(t *testing.T) {
	var requested int
	loader := fakeLoader{bars: risingBars(60, 100), requested: &requested}
	e := New(strategy.New(), regime.New(regime.Default()), nil)

	if _, err := e.Run(context.Background(), loader, Request{Symbol: "AAPL", Days: 1, Capital: decimal.NewFromInt(10000)}); err != nil {
		t.Fatalf("Run failed with Days below minimum: %v", err)
	}
	if requested != MinDays {
		t.Fatalf("expected Days 1 clamped to %d, loader was asked for %d", MinDays, requested)
	}
	if _, err := e.Run(context.Background(), loader, Request{Symbol: "AAPL", Days: 10000, Capital: decimal.NewFromInt(10000)}); err != nil {
		t.Fatalf("Run failed with Days above maximum: %v", err)
	}
	if requested != MaxDays {
		t.Fatalf("expected Days 10000 clamped to %d, loader was asked for %d", MaxDays, requested)
	}
}

func TestRunRejectsInsufficientHistory(t *testing.T) {
	loader := fakeLoader{bars: risingBars(1, 100)}
	e := New(strategy.New(), regime.New(regime.Default()), nil)

	if _, err := e.Run(context.Background(), loader, Request{Symbol: "AAPL", Days: 5, Capital: decimal.NewFromInt(10000)}); err == nil {
		t.Fatal("expected an error for insufficient history")
	}
}
