// Package risk implements the Risk & Position Manager (C7): sizes
// entries, owns the positions map exclusively, and evaluates the ordered
// entry-veto pipeline from spec §4.7. Grounded on
// internal/execution/risk_manager.go's mutex-guarded daily-stats/exposure
// bookkeeping and drawdown halt, and on the ordered RiskGate pattern from
// other_examples/8014f6f2_RajChodisetti-Trading-app__internal-risk-manager.go.go.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/internal/config"
	"github.com/atlas-trading/control-plane/pkg/types"
	"github.com/atlas-trading/control-plane/pkg/utils"
)

// Gate is one named, priority-ordered veto rule. Lower Priority runs
// first; the first gate that refuses wins (spec §4.7's ordered list).
type Gate interface {
	Name() string
	Priority() int
	Evaluate(req EntryRequest, snap Snapshot) (allow bool, reason string)
}

// EntryRequest is a proposed entry or exit under evaluation.
type EntryRequest struct {
	Symbol       string
	Side         types.OrderSide
	EntryPrice   decimal.Decimal
	PositionValue decimal.Decimal
	IsWatchlisted bool
	LastOrderAt   *time.Time // last accepted order for (symbol, side), for cooldown gate
	// IsRoundTrip marks a sell (or buy-to-cover) that would close a position
	// opened earlier on the same trading day. Only round trips are subject
	// to the PDT guard; a sell of a multi-day-old position is never vetoed.
	IsRoundTrip bool
}

// Snapshot is the read-only view gates evaluate against.
type Snapshot struct {
	Account       types.AccountSnapshot
	PeakEquity    decimal.Decimal
	ActivePositions int
	MaxPositions    int
	IsMarketOpen    bool
	Cooldown        time.Duration
	Now             time.Time
}

// Manager owns the positions map exclusively (spec §3 ownership rule) and
// evaluates vetoes/sizing/stop updates.
type Manager struct {
	cfg config.Config

	mu         sync.RWMutex
	positions  map[string]types.Position
	peakEquity decimal.Decimal
	gates      []Gate
}

// New builds a risk manager with the standard ordered gate pipeline.
func New(cfg config.Config, startingEquity decimal.Decimal) *Manager {
	m := &Manager{
		cfg:        cfg,
		positions:  make(map[string]types.Position),
		peakEquity: startingEquity,
	}
	m.gates = []Gate{
		drawdownHaltGate{cfg: cfg},
		pdtGuardGate{cfg: cfg},
		marketHoursGate{},
		cooldownGate{},
		watchlistMembershipGate{},
	}
	return m
}

// Positions returns a copy of all open positions (owner-mediated read,
// spec §5 "external access via copy-returning getters").
func (m *Manager) Positions() map[string]types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.Position, len(m.positions))
	for k, v := range m.positions {
		out[k] = v
	}
	return out
}

func (m *Manager) Position(symbol string) (types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	return p, ok
}

// UpdatePeakEquity advances the high-water equity mark, never lowers it.
func (m *Manager) UpdatePeakEquity(equity decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if equity.GreaterThan(m.peakEquity) {
		m.peakEquity = equity
	}
}

func (m *Manager) PeakEquity() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peakEquity
}

// EvaluateEntry runs the ordered veto pipeline; the first refusing gate
// wins (spec §4.7).
func (m *Manager) EvaluateEntry(req EntryRequest, snap Snapshot) (allow bool, gateName, reason string) {
	for _, g := range m.gates {
		if ok, why := g.Evaluate(req, snap); !ok {
			return false, g.Name(), why
		}
	}
	if snap.ActivePositions+1 > snap.MaxPositions {
		return false, "max_positions", "max active positions reached"
	}
	return true, "", ""
}

// EvaluateExit applies the PDT round-trip veto to a proposed exit. The
// other entry-only gates (drawdown halt, market hours, cooldown, watchlist
// membership) have no bearing on closing an already-open position.
func (m *Manager) EvaluateExit(req EntryRequest, snap Snapshot) (allow bool, reason string) {
	gate := pdtGuardGate{cfg: m.cfg}
	return gate.Evaluate(req, snap)
}

// SizeEntry implements spec §4.7's sizing formula:
// size = floor((equity * riskPerTrade) / (entryPrice * stopLossPct), step),
// enforcing positionValue <= equity*maxPositionPct and
// cashAfter >= equity*reservePct.
func (m *Manager) SizeEntry(equity, cash, entryPrice decimal.Decimal) decimal.Decimal {
	if entryPrice.IsZero() || equity.IsZero() {
		return decimal.Zero
	}
	riskAmount := equity.Mul(decimal.NewFromFloat(m.cfg.RiskPerTrade))
	stopDistance := entryPrice.Mul(decimal.NewFromFloat(m.cfg.StopLossPct))
	if stopDistance.IsZero() {
		return decimal.Zero
	}
	step := decimal.NewFromInt(1)
	if !m.cfg.WholeShareOnly {
		step = decimal.NewFromFloat(0.0001)
	}
	qty := utils.RoundToStepSize(riskAmount.Div(stopDistance), step)

	maxByPositionPct := equity.Mul(decimal.NewFromFloat(m.cfg.MaxPositionPct)).Div(entryPrice)
	qty = utils.MinDecimal(qty, utils.RoundToStepSize(maxByPositionPct, step))

	cashAfter := cash.Sub(qty.Mul(entryPrice))
	minCash := equity.Mul(decimal.NewFromFloat(m.cfg.ReservePct))
	for cashAfter.LessThan(minCash) && qty.GreaterThan(decimal.Zero) {
		qty = qty.Sub(step)
		cashAfter = cash.Sub(qty.Mul(entryPrice))
	}
	if qty.IsNegative() {
		return decimal.Zero
	}
	return qty
}

// OpenPosition records a new position after C9 accepts the order. Only
// C7 mutates the positions map (spec §3 lifecycle rule).
func (m *Manager) OpenPosition(pos types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Symbol] = pos
}

// ClosePosition removes a position once a close-fill is confirmed.
func (m *Manager) ClosePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// ReduceQuantity applies a partial-exit fill, destroying the position if
// the remaining quantity reaches zero.
func (m *Manager) ReduceQuantity(symbol string, filledQty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return
	}
	remaining := pos.Quantity.Sub(filledQty)
	if remaining.IsZero() {
		delete(m.positions, symbol)
		return
	}
	pos.Quantity = remaining
	m.positions[symbol] = pos
}

// TickUpdate applies spec §4.7's per-tick stop/TP maintenance: advance
// the high-water mark, then tighten the stop monotonically (breakeven and
// trailing levels), never lowering it.
func (m *Manager) TickUpdate(symbol string, currentPrice decimal.Decimal, levels [3]float64, trailPcts []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return
	}
	if currentPrice.GreaterThan(pos.HighWaterMark) {
		pos.HighWaterMark = currentPrice
	}

	if pos.EntryPrice.IsZero() {
		m.positions[symbol] = pos
		return
	}
	profitPct := currentPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).InexactFloat64()

	newStop := pos.StopLoss
	if profitPct >= levels[2] {
		newStop = utils.MaxDecimal(newStop, pos.EntryPrice.Mul(decimal.NewFromFloat(1.01)))
	} else if profitPct >= levels[1] {
		newStop = utils.MaxDecimal(newStop, pos.EntryPrice.Mul(decimal.NewFromFloat(1.005)))
	} else if profitPct >= levels[0] {
		newStop = utils.MaxDecimal(newStop, pos.EntryPrice)
	}

	for _, trail := range trailPcts {
		trailStop := currentPrice.Mul(decimal.NewFromFloat(1 - trail))
		newStop = utils.MaxDecimal(newStop, trailStop)
	}
	pos.StopLoss = newStop
	m.positions[symbol] = pos
}

// MarkPartialExit records that partial-exit level i has fired; monotonic,
// never reset while the position is open (spec §3 invariant).
func (m *Manager) MarkPartialExit(symbol string, level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok || level < 0 || level > 2 {
		return
	}
	pos.PartialExitLevels[level] = true
	m.positions[symbol] = pos
}
