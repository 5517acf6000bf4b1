// Package emergency implements the Emergency Protocol (C11): an
// idempotent flatten-everything path triggered by heartbeat timeout or
// the control surface's POST panic. Grounded on spec §4.11 and on the
// teacher's single-atomic-flag idempotence idiom referenced in its
// internal/execution risk-halt bookkeeping; depends only on the
// brokerage gateway, never on the heartbeat monitor, breaking the cyclic
// reference spec §9 calls out.
package emergency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-trading/control-plane/internal/broker"
	"github.com/atlas-trading/control-plane/pkg/types"
)

// VenueOutcome is the per-position result of one flatten attempt.
type VenueOutcome struct {
	Symbol string
	Qty    string
	Venue  string
	Status string
	Error  string
}

// Result is the structured outcome of a trigger() call (spec §4.11).
type Result struct {
	Status    types.EmergencyStatus
	Reason    string
	Timestamp time.Time
	PerVenue  []VenueOutcome
}

// Venue pairs a name with its gateway, so trigger can flatten every
// configured venue (spec §4.11 step 1 "every configured venue").
type Venue struct {
	Name    string
	Gateway broker.Gateway
}

// Protocol owns the one-way armed->triggered emergency flag. Once
// triggered it stays triggered until an explicit Reset.
type Protocol struct {
	venues []Venue
	log    *zap.Logger

	triggered int32 // atomic: 0=armed, 1=triggered
	mu        sync.Mutex
	result    *Result
}

// New builds an emergency protocol over the given venues.
func New(venues []Venue, log *zap.Logger) *Protocol {
	if log == nil {
		log = zap.NewNop()
	}
	return &Protocol{venues: venues, log: log}
}

// IsTriggered reports the current one-way state.
func (p *Protocol) IsTriggered() bool {
	return atomic.LoadInt32(&p.triggered) == 1
}

// Trigger satisfies heartbeat.Trigger.
func (p *Protocol) Trigger(reason string) {
	_ = p.TriggerContext(context.Background(), reason)
}

// TriggerContext performs the flatten sequence exactly once. Concurrent
// callers that lose the compare-and-swap race block only long enough to
// read the winner's stored result (spec §8 emergency-idempotence
// property): N concurrent triggers produce exactly one flatten attempt
// and every caller observes the same Result.
func (p *Protocol) TriggerContext(ctx context.Context, reason string) Result {
	if !atomic.CompareAndSwapInt32(&p.triggered, 0, 1) {
		return p.waitForResult()
	}

	p.log.Warn("emergency protocol triggered", zap.String("reason", reason))
	res := Result{Status: types.EmergencyTriggered, Reason: reason, Timestamp: time.Now()}

	for _, v := range p.venues {
		if err := v.Gateway.CancelAll(ctx); err != nil {
			p.log.Error("emergency cancelAll failed", zap.String("venue", v.Name), zap.Error(err))
			// continue on per-step failure, per spec §4.11/§7 EmergencyPathFailure
		}

		positions, err := v.Gateway.Positions(ctx)
		if err != nil {
			p.log.Error("emergency positions() failed", zap.String("venue", v.Name), zap.Error(err))
			continue
		}
		for _, pos := range positions {
			outcome := p.closePosition(ctx, v, pos)
			res.PerVenue = append(res.PerVenue, outcome)
		}
	}

	p.mu.Lock()
	p.result = &res
	p.mu.Unlock()

	p.log.Info("emergency protocol flatten complete", zap.Int("positions_closed", len(res.PerVenue)))
	return res
}

func (p *Protocol) closePosition(ctx context.Context, v Venue, pos types.Position) VenueOutcome {
	side := types.OrderSideSell
	qty := pos.Quantity
	if qty.IsNegative() {
		side = types.OrderSideBuy
		qty = qty.Neg()
	}
	out := VenueOutcome{Symbol: pos.Symbol, Qty: qty.String(), Venue: v.Name}

	order, err := v.Gateway.PlaceMarket(ctx, pos.Symbol, qty, side, types.TIFDay)
	if err != nil {
		out.Status = "close_failed"
		out.Error = err.Error()
		p.log.Error("emergency close order failed", zap.String("symbol", pos.Symbol), zap.Error(err))
		return out
	}
	_ = order
	out.Status = "close_ordered"
	return out
}

// waitForResult blocks briefly for the winner to publish its result;
// under test/simulation the winner publishes synchronously so losers
// observe it on their very next read.
func (p *Protocol) waitForResult() Result {
	for {
		p.mu.Lock()
		r := p.result
		p.mu.Unlock()
		if r != nil {
			return *r
		}
		time.Sleep(time.Millisecond)
	}
}

// Reset rearms the protocol for manual operator recovery (spec §4.11).
func (p *Protocol) Reset() {
	p.mu.Lock()
	p.result = nil
	p.mu.Unlock()
	atomic.StoreInt32(&p.triggered, 0)
	p.log.Info("emergency protocol reset")
}
