package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/pkg/types"
)

func TestValidateRejectsZeroQuantity(t *testing.T) {
	v := New(5 * time.Second)
	_, err := v.Validate(Request{Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: decimal.Zero, Type: types.OrderTypeMarket}, time.Now())
	if err == nil {
		t.Fatal("expected rejection for zero quantity")
	}
}

func TestValidateRejectsFractionalBracketWholeShareOnly(t *testing.T) {
	v := New(5 * time.Second)
	_, err := v.Validate(Request{
		Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: decimal.NewFromFloat(0.73),
		Type: types.OrderTypeBracket, WholeShareOnly: true,
	}, time.Now())
	if err == nil {
		t.Fatal("expected rejection for fractional bracket order")
	}
}

func TestCooldownRejectsDuplicateWithinWindow(t *testing.T) {
	v := New(5 * time.Second)
	now := time.Now()
	req := Request{Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(10), Type: types.OrderTypeMarket}

	if _, err := v.Validate(req, now); err != nil {
		t.Fatalf("expected first order accepted, got %v", err)
	}
	if _, err := v.Validate(req, now.Add(time.Second)); err == nil {
		t.Fatal("expected second order within cooldown to be rejected")
	}
	if _, err := v.Validate(req, now.Add(6*time.Second)); err != nil {
		t.Fatalf("expected order accepted after cooldown elapses, got %v", err)
	}
}

func TestCooldownIsPerSymbolSide(t *testing.T) {
	v := New(5 * time.Second)
	now := time.Now()
	buy := Request{Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(10), Type: types.OrderTypeMarket}
	sell := Request{Symbol: "AAPL", Side: types.OrderSideSell, Quantity: decimal.NewFromInt(10), Type: types.OrderTypeMarket}

	if _, err := v.Validate(buy, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Validate(sell, now); err != nil {
		t.Fatalf("expected sell on same symbol to be independent of buy cooldown: %v", err)
	}
}
