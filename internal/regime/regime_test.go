package regime

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/pkg/types"
)

func risingBars(n int) []types.Bar {
	out := make([]types.Bar, n)
	base := time.Now().Add(-time.Duration(n) * time.Hour)
	price := 100.0
	vol := 1000.0
	for i := 0; i < n; i++ {
		price += 1.0
		vol *= 1.01
		d := decimal.NewFromFloat(price)
		out[i] = types.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      d, High: d, Low: d, Close: d,
			Volume: decimal.NewFromFloat(vol),
		}
	}
	return out
}

func flatBars(n int) []types.Bar {
	out := make([]types.Bar, n)
	base := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := 0; i < n; i++ {
		d := decimal.NewFromFloat(100)
		out[i] = types.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      d, High: d, Low: d, Close: d,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

func TestClassifyIsDeterministic(t *testing.T) {
	a := New(Default())
	bars := risingBars(250)
	in := Inputs{IndexBars: bars, Advancing: 70, Declining: 30}
	now := time.Now()

	s1 := a.Classify(in, now)
	s2 := a.Classify(in, now)
	if s1.Regime != s2.Regime || s1.Confidence != s2.Confidence {
		t.Fatalf("classification not deterministic: %+v vs %+v", s1, s2)
	}
}

func TestClassifyHighVolatilityOverridesTrend(t *testing.T) {
	a := New(Default())
	bars := risingBars(250)
	// A VIX-proxy ETF bar priced so vixProxy = price/2+2 exceeds 30.
	vixETF := []types.Bar{{Close: decimal.NewFromFloat(60)}}
	in := Inputs{IndexBars: bars, VIXProxyETF: vixETF, Advancing: 70, Declining: 30}
	state := a.Classify(in, time.Now())
	if state.Regime != types.RegimeHighVolatility {
		t.Fatalf("expected HighVolatility, got %s", state.Regime)
	}
}

func TestClassifyRangeBoundOnFlatLowVol(t *testing.T) {
	a := New(Default())
	bars := flatBars(250)
	vixETF := []types.Bar{{Close: decimal.NewFromFloat(16)}} // vix proxy = 10
	in := Inputs{IndexBars: bars, VIXProxyETF: vixETF, Advancing: 50, Declining: 50}
	state := a.Classify(in, time.Now())
	if state.Regime != types.RegimeRangeBound {
		t.Fatalf("expected RangeBound, got %s", state.Regime)
	}
}

func TestAlignedRequiresConsensus(t *testing.T) {
	signals := []types.TimeframeSignal{
		{Signal: types.TimeframeBuy, Strength: 0.5},
		{Signal: types.TimeframeBuy, Strength: 0.5},
		{Signal: types.TimeframeHold, Strength: 0},
	}
	if !Aligned(signals, 2) {
		t.Fatal("expected alignment with 2 of 3 bullish signals")
	}
	if Aligned(signals[2:], 2) {
		t.Fatal("single hold signal should not be aligned")
	}
}
