// Package types provides shared domain types for the trading control plane.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the kind of order routed through the brokerage gateway.
type OrderType string

const (
	OrderTypeMarket  OrderType = "market"
	OrderTypeLimit   OrderType = "limit"
	OrderTypeBracket OrderType = "bracket"
)

// TimeInForce controls how long a resting order remains live.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// OrderStatus is the lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Bar is an immutable OHLCV candle produced by C1 and consumed by C2/C3.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// MarketRegime is the coarse classification of overall market state.
type MarketRegime string

const (
	RegimeStrongBull     MarketRegime = "StrongBull"
	RegimeWeakBull       MarketRegime = "WeakBull"
	RegimeStrongBear     MarketRegime = "StrongBear"
	RegimeWeakBear       MarketRegime = "WeakBear"
	RegimeRangeBound     MarketRegime = "RangeBound"
	RegimeHighVolatility MarketRegime = "HighVolatility"
)

// RegimeState carries the classified regime plus the confidence behind it.
type RegimeState struct {
	Regime         MarketRegime `json:"regime"`
	Confidence     float64      `json:"confidence"`
	Timestamp      time.Time    `json:"timestamp"`
	BreadthIsProxy bool         `json:"breadthIsProxy"`
}

// Trend classifies the direction of a timeframe's price action.
type Trend string

const (
	TrendStrongUp   Trend = "StrongUp"
	TrendWeakUp     Trend = "WeakUp"
	TrendNeutral    Trend = "Neutral"
	TrendWeakDown   Trend = "WeakDown"
	TrendStrongDown Trend = "StrongDown"
)

// TimeframeCall is the per-timeframe Buy/Sell/Hold recommendation.
type TimeframeCall string

const (
	TimeframeBuy  TimeframeCall = "Buy"
	TimeframeSell TimeframeCall = "Sell"
	TimeframeHold TimeframeCall = "Hold"
)

// TimeframeSignal summarizes one timeframe's trend/strength/call.
type TimeframeSignal struct {
	Timeframe string          `json:"timeframe"`
	Trend     Trend           `json:"trend"`
	Strength  float64         `json:"strength"`
	Signal    TimeframeCall   `json:"signal"`
	SMA20     decimal.Decimal `json:"sma20"`
	SMA50     decimal.Decimal `json:"sma50"`
	Price     decimal.Decimal `json:"price"`
}

// SignalKind tags the variant of a TradingSignal.
type SignalKind string

const (
	SignalBuy  SignalKind = "Buy"
	SignalSell SignalKind = "Sell"
	SignalHold SignalKind = "Hold"
)

// TradingSignal is a tagged Buy/Sell/Hold carrying a reason and the
// strategy that produced it. Kept as a variant struct, never a bare enum
// with a sidecar string, per the source's sum-typed signal design.
type TradingSignal struct {
	Symbol    string     `json:"symbol"`
	Kind      SignalKind `json:"kind"`
	Reason    string     `json:"reason"`
	Strategy  string     `json:"strategy"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Position is an open holding, exclusively owned and mutated by the risk
// manager (C7).
type Position struct {
	Symbol             string          `json:"symbol"`
	Quantity           decimal.Decimal `json:"quantity"`
	EntryPrice         decimal.Decimal `json:"entryPrice"`
	EntryTime          time.Time       `json:"entryTime"`
	StopLoss           decimal.Decimal `json:"stopLoss"`
	TakeProfit         decimal.Decimal `json:"takeProfit"`
	HighWaterMark      decimal.Decimal `json:"highWaterMark"`
	PartialExitLevels  [3]bool         `json:"partialExitLevels"`
	PeakProfitVelocity float64         `json:"peakProfitVelocity"`
	Strategy           string          `json:"strategy"`
	Profile            string          `json:"profile"`
	// NeedsClientSideMonitoring is set when the venue could not attach a
	// bracket (fractional quantity) and C8 must enforce the stop/target.
	NeedsClientSideMonitoring bool `json:"needsClientSideMonitoring"`
}

// IsLong reports whether the position is a long holding.
func (p *Position) IsLong() bool {
	return p.Quantity.IsPositive()
}

// WatchlistState is the bounded active set rotated by C6.
type WatchlistState struct {
	Active    []string             `json:"active"`
	Capacity  int                  `json:"capacity"`
	Universe  []string             `json:"universe"`
	Cooldowns map[string]time.Time `json:"cooldowns"`
}

// AccountSnapshot mirrors the venue's account read.
type AccountSnapshot struct {
	Equity                      decimal.Decimal `json:"equity"`
	LastEquity                  decimal.Decimal `json:"lastEquity"`
	Cash                        decimal.Decimal `json:"cash"`
	BuyingPower                 decimal.Decimal `json:"buyingPower"`
	DayTradesInLast5BusinessDays int            `json:"dayTradesInLast5BusinessDays"`
}

// HeartbeatEntry tracks liveness for one registered component.
type HeartbeatEntry struct {
	Component string        `json:"component"`
	Timeout   time.Duration `json:"timeout"`
	LastBeat  time.Time     `json:"lastBeat"`
}

// Healthy reports whether the component has beaten within its timeout.
func (h HeartbeatEntry) Healthy(now time.Time) bool {
	return now.Sub(h.LastBeat) <= h.Timeout
}

// EmergencyStatus is the one-way arming state of C11.
type EmergencyStatus string

const (
	EmergencyArmed     EmergencyStatus = "Armed"
	EmergencyTriggered EmergencyStatus = "Triggered"
)

// ExitType tags the rule that produced an ExitDecision.
type ExitType string

const (
	ExitNone             ExitType = "None"
	ExitPartialProfit    ExitType = "PartialProfit"
	ExitVolatilitySpike  ExitType = "VolatilitySpike"
	ExitTimeDecay        ExitType = "TimeDecay"
	ExitCorrelation      ExitType = "Correlation"
	ExitStopLoss         ExitType = "StopLoss"
	ExitTakeProfit       ExitType = "TakeProfit"
	ExitPDTPartial       ExitType = "PDTPartial"
	ExitVelocityDrop     ExitType = "VelocityDrop"
	ExitEODLock          ExitType = "EODLock"
	ExitQuickScalp       ExitType = "QuickScalp"
)

// ExitDecision is the outcome of evaluating all exit rules for a position
// on one tick.
type ExitDecision struct {
	Type             ExitType        `json:"type"`
	QuantityFraction decimal.Decimal `json:"quantityFraction"`
	Reason           string          `json:"reason"`
	ExpectedPrice    decimal.Decimal `json:"expectedPrice"`
}

// NoExit is the zero-value decision: take no action this tick.
func NoExit() ExitDecision {
	return ExitDecision{Type: ExitNone, QuantityFraction: decimal.Zero}
}

// Order is a normalized view of a venue order, regardless of venue.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limitPrice,omitempty"`
	StopLoss      decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	TIF           TimeInForce     `json:"tif"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// BracketOrderResult reports whether a bracket attached, or was
// downgraded to a plain order requiring client-side monitoring.
type BracketOrderResult struct {
	Order                     *Order `json:"order"`
	Success                   bool   `json:"success"`
	HasBracketProtection      bool   `json:"hasBracketProtection"`
	NeedsClientSideMonitoring bool   `json:"needsClientSideMonitoring"`
}

// MarketClock mirrors the venue's trading-calendar state.
type MarketClock struct {
	IsOpen    bool      `json:"isOpen"`
	NextOpen  time.Time `json:"nextOpen"`
	NextClose time.Time `json:"nextClose"`
	Phase     string    `json:"phase"`
}

// PerformanceMetrics summarizes a backtest run.
type PerformanceMetrics struct {
	TotalReturn  decimal.Decimal `json:"totalReturn"`
	SharpeRatio  decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio decimal.Decimal `json:"sortinoRatio"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown"`
	WinRate      decimal.Decimal `json:"winRate"`
	TotalTrades  int             `json:"totalTrades"`
	FinalValue   decimal.Decimal `json:"finalValue"`
}

// EquityCurvePoint is one point on a backtest's equity curve.
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}
