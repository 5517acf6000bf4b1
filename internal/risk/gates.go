package risk

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/internal/config"
)

// drawdownHaltGate refuses all new entries once equity has fallen
// maxDrawdown below its peak, until the peak is re-reached (spec §4.7
// veto rule 1).
type drawdownHaltGate struct {
	cfg config.Config
}

func (drawdownHaltGate) Name() string    { return "drawdown_halt" }
func (drawdownHaltGate) Priority() int   { return 1 }

func (g drawdownHaltGate) Evaluate(_ EntryRequest, snap Snapshot) (bool, string) {
	if snap.PeakEquity.IsZero() {
		return true, ""
	}
	floor := snap.PeakEquity.Mul(decimal.NewFromFloat(1 - g.cfg.MaxDrawdownHalt))
	if snap.Account.Equity.LessThanOrEqual(floor) {
		return false, "equity at or below max-drawdown halt floor"
	}
	return true, ""
}

// pdtGuardGate refuses a same-day round-trip once the account is under
// $25k and has already used its day-trade allowance (spec §4.7 veto rule
// 2). It is keyed on req.IsRoundTrip, not on side: opening a new position
// is never a round trip, and closing a position held from a prior
// trading day never counts as a day trade either. The orchestrator is
// responsible for computing IsRoundTrip from the position's entry time
// before evaluating an exit.
type pdtGuardGate struct {
	cfg config.Config
}

func (pdtGuardGate) Name() string  { return "pdt_guard" }
func (pdtGuardGate) Priority() int { return 2 }

const pdtEquityThreshold = 25000

func (g pdtGuardGate) Evaluate(req EntryRequest, snap Snapshot) (bool, string) {
	if !g.cfg.PDTEnabled || !req.IsRoundTrip {
		return true, ""
	}
	if snap.Account.Equity.GreaterThanOrEqual(decimal.NewFromInt(pdtEquityThreshold)) {
		return true, ""
	}
	if snap.Account.DayTradesInLast5BusinessDays >= 3 {
		return false, "PDT limit reached for sub-$25k account"
	}
	return true, ""
}

// marketHoursGate refuses entries outside regular market hours (spec
// §4.7 veto rule 3). The orchestrator supplies IsMarketOpen from the
// venue clock (§6).
type marketHoursGate struct{}

func (marketHoursGate) Name() string  { return "market_hours" }
func (marketHoursGate) Priority() int { return 3 }

func (marketHoursGate) Evaluate(_ EntryRequest, snap Snapshot) (bool, string) {
	if !snap.IsMarketOpen {
		return false, "market is closed"
	}
	return true, ""
}

// cooldownGate refuses an entry for (symbol, side) within the
// configured cooldown window of the last accepted order (spec §4.7 veto
// rule 4, deferring final de-dup to C9 but vetoing here too so entry
// sizing never runs against a cooling-down symbol).
type cooldownGate struct{}

func (cooldownGate) Name() string  { return "duplicate_order_cooldown" }
func (cooldownGate) Priority() int { return 4 }

func (cooldownGate) Evaluate(req EntryRequest, snap Snapshot) (bool, string) {
	if req.LastOrderAt == nil {
		return true, ""
	}
	if snap.Now.Sub(*req.LastOrderAt) < snap.Cooldown {
		return false, "order cooldown still active for symbol/side"
	}
	return true, ""
}

// watchlistMembershipGate refuses an entry for a symbol that is not in
// the current active watchlist (spec §4.7 veto rule 5).
type watchlistMembershipGate struct{}

func (watchlistMembershipGate) Name() string  { return "watchlist_membership" }
func (watchlistMembershipGate) Priority() int { return 5 }

func (watchlistMembershipGate) Evaluate(req EntryRequest, _ Snapshot) (bool, string) {
	if !req.IsWatchlisted {
		return false, "symbol not in active watchlist"
	}
	return true, ""
}
