// Package orders implements the Order Validator & De-dup (C9): validates
// order requests and rejects duplicates for the same (symbol, side)
// within a cooldown window. Grounded on internal/execution/risk_manager.go's
// cooldown-timestamp-map idiom and the teacher's typed-rejection error
// style; never panics on a rejected order.
package orders

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/pkg/types"
)

// RejectionReason enumerates why an order was rejected.
type RejectionReason string

const (
	RejectInvalidQuantity   RejectionReason = "invalid_quantity"
	RejectLimitStopMismatch RejectionReason = "limit_stop_mismatch"
	RejectBracketFractional RejectionReason = "bracket_infeasible_fractional"
	RejectCooldown          RejectionReason = "duplicate_order_cooldown"
)

// ValidationError is the typed rejection surfaced by this package; it is
// never a panic (spec §7 ValidationError taxonomy entry).
type ValidationError struct {
	Reason RejectionReason
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order rejected: %s: %s", e.Reason, e.Detail)
}

// Request is a proposed order awaiting validation.
type Request struct {
	Symbol      string
	Side        types.OrderSide
	Quantity    decimal.Decimal
	Type        types.OrderType
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	WholeShareOnly bool
}

// Validator de-duplicates and validates order requests per spec §4.9.
type Validator struct {
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time // key: symbol|side
}

// New builds a validator with the given de-dup cooldown (default 5s per
// spec §4.9).
func New(cooldown time.Duration) *Validator {
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}
	return &Validator{cooldown: cooldown, lastSent: make(map[string]time.Time)}
}

func key(symbol string, side types.OrderSide) string {
	return symbol + "|" + string(side)
}

// LastAccepted returns the timestamp of the last accepted order for
// (symbol, side), used by C7's cooldown veto gate.
func (v *Validator) LastAccepted(symbol string, side types.OrderSide) (time.Time, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.lastSent[key(symbol, side)]
	return t, ok
}

// Validate checks the request and, if accepted, stamps the de-dup
// cooldown and assigns a client order id. On rejection it returns a
// typed *ValidationError and never mutates cooldown state.
func (v *Validator) Validate(req Request, now time.Time) (*types.Order, error) {
	if req.Quantity.IsZero() || req.Quantity.IsNegative() {
		return nil, &ValidationError{Reason: RejectInvalidQuantity, Detail: "quantity must be > 0"}
	}
	if req.Type == types.OrderTypeLimit && req.StopPrice.IsPositive() {
		if req.Side == types.OrderSideBuy && req.StopPrice.GreaterThanOrEqual(req.LimitPrice) {
			return nil, &ValidationError{Reason: RejectLimitStopMismatch, Detail: "buy stop-limit requires stop < limit"}
		}
		if req.Side == types.OrderSideSell && req.StopPrice.LessThanOrEqual(req.LimitPrice) {
			return nil, &ValidationError{Reason: RejectLimitStopMismatch, Detail: "sell stop-limit requires stop > limit"}
		}
	}
	if req.Type == types.OrderTypeBracket {
		isFractional := !req.Quantity.Truncate(0).Equal(req.Quantity)
		if isFractional && req.WholeShareOnly {
			return nil, &ValidationError{Reason: RejectBracketFractional, Detail: "bracket orders require whole-share quantity"}
		}
	}

	k := key(req.Symbol, req.Side)
	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.lastSent[k]; ok && now.Sub(last) < v.cooldown {
		return nil, &ValidationError{Reason: RejectCooldown, Detail: "duplicate order within cooldown window"}
	}
	v.lastSent[k] = now

	return &types.Order{
		ID:            uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopLoss:      req.StopPrice,
		Status:        types.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
