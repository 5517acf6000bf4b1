// Package broker implements the Brokerage Gateway (C1): a typed,
// idempotent, resilient facade over an external venue. The concrete wire
// format of any specific venue is out of scope (spec §1); this package
// defines the semantic operations every venue must support and a
// resilience chain any concrete adapter can be wrapped in.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/pkg/types"
)

// Gateway is the full set of operations the control plane needs from a
// brokerage venue, per spec §4.1 and §6.
type Gateway interface {
	Name() string

	LatestBar(ctx context.Context, symbol string) (types.Bar, error)
	HistoryBars(ctx context.Context, symbol string, n int, timeframe string) ([]types.Bar, error)
	Clock(ctx context.Context) (types.MarketClock, error)
	Account(ctx context.Context) (types.AccountSnapshot, error)
	Positions(ctx context.Context) ([]types.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]types.Order, error)

	PlaceMarket(ctx context.Context, symbol string, qty decimal.Decimal, side types.OrderSide, tif types.TimeInForce) (*types.Order, error)
	PlaceLimit(ctx context.Context, symbol string, qty decimal.Decimal, side types.OrderSide, limit decimal.Decimal, tif types.TimeInForce) (*types.Order, error)
	// PlaceBracket attempts an entry with attached stop-loss/take-profit.
	// Fractional quantities can never carry a venue-managed bracket; the
	// result is downgraded to a plain order and flagged
	// NeedsClientSideMonitoring so C8 takes over stop/target enforcement.
	PlaceBracket(ctx context.Context, symbol string, qty decimal.Decimal, side types.OrderSide, takeProfit, stopLoss decimal.Decimal, entryLimit *decimal.Decimal) (*types.BracketOrderResult, error)

	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
	CloseAll(ctx context.Context, cancelPending bool) error
}

// PhaseAt computes the NY-local market phase from a wall-clock time, used
// by simulation/fallback implementations when the venue clock endpoint is
// unavailable. Holidays are the documented minimum set (spec §6).
func PhaseAt(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	if isWeekend(t) || isHoliday(t) {
		return "Closed"
	}
	mins := t.Hour()*60 + t.Minute()
	switch {
	case mins >= 4*60 && mins < 9*60+30:
		return "PreMarket"
	case mins >= 9*60+30 && mins < 16*60:
		return "Open"
	case mins >= 16*60 && mins < 20*60:
		return "PostMarket"
	default:
		return "Closed"
	}
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

// isHoliday checks the minimum documented holiday set: Jan 1, Jul 4, Dec 25.
func isHoliday(t time.Time) bool {
	return (t.Month() == time.January && t.Day() == 1) ||
		(t.Month() == time.July && t.Day() == 4) ||
		(t.Month() == time.December && t.Day() == 25)
}
