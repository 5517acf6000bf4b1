package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/pkg/types"
)

// Simulation is an in-memory Gateway used when Config.SimulationMode is
// true: every decision path above C1 runs for real, but order submission
// short-circuits into a synthetic fill instead of reaching a venue. It
// also backs the brokerage-facing unit tests across the rest of the
// module (spec §9 open question: exactly one simulation-mode flag).
type Simulation struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	equity    decimal.Decimal
	positions map[string]types.Position
	orders    map[string]*types.Order
	bars      map[string][]types.Bar
	clock     func() time.Time
	loc       *time.Location
}

// NewSimulation creates a simulated gateway seeded with starting capital.
func NewSimulation(startingCash decimal.Decimal) *Simulation {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Simulation{
		cash:      startingCash,
		equity:    startingCash,
		positions: make(map[string]types.Position),
		orders:    make(map[string]*types.Order),
		bars:      make(map[string][]types.Bar),
		clock:     time.Now,
		loc:       loc,
	}
}

// SeedBars installs a synthetic bar history for a symbol, used by tests
// and by the backtest control-surface operation.
func (s *Simulation) SeedBars(symbol string, bars []types.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[symbol] = bars
}

// SetClock overrides the wall clock used for fills and the market-phase
// calculation, so tests can pin a deterministic trading session instead
// of depending on whatever time the test happens to run.
func (s *Simulation) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Simulation) Name() string { return "simulation" }

func (s *Simulation) LatestBar(ctx context.Context, symbol string) (types.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars := s.bars[symbol]
	if len(bars) == 0 {
		return types.Bar{}, newVenueReject("LatestBar", fmt.Errorf("no bars for %s", symbol))
	}
	return bars[len(bars)-1], nil
}

func (s *Simulation) HistoryBars(ctx context.Context, symbol string, n int, timeframe string) ([]types.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars := s.bars[symbol]
	if len(bars) == 0 {
		return nil, nil
	}
	if n >= len(bars) || n <= 0 {
		return append([]types.Bar(nil), bars...), nil
	}
	return append([]types.Bar(nil), bars[len(bars)-n:]...), nil
}

func (s *Simulation) Clock(ctx context.Context) (types.MarketClock, error) {
	now := s.clock()
	phase := PhaseAt(now, s.loc)
	return types.MarketClock{
		IsOpen:    phase == "Open",
		NextOpen:  now,
		NextClose: now,
		Phase:     phase,
	}, nil
}

func (s *Simulation) Account(ctx context.Context) (types.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.AccountSnapshot{
		Equity:      s.equity,
		LastEquity:  s.equity,
		Cash:        s.cash,
		BuyingPower: s.cash,
	}, nil
}

func (s *Simulation) Positions(ctx context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Simulation) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Order
	for _, o := range s.orders {
		if o.Status == types.OrderStatusOpen && (symbol == "" || o.Symbol == symbol) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *Simulation) fillPrice(symbol string) decimal.Decimal {
	bars := s.bars[symbol]
	if len(bars) == 0 {
		return decimal.Zero
	}
	return bars[len(bars)-1].Close
}

func (s *Simulation) PlaceMarket(ctx context.Context, symbol string, qty decimal.Decimal, side types.OrderSide, tif types.TimeInForce) (*types.Order, error) {
	if qty.IsZero() || qty.IsNegative() {
		return nil, newValidation("PlaceMarket", fmt.Errorf("quantity must be positive"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	price := s.fillPrice(symbol)
	order := &types.Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Type:      types.OrderTypeMarket,
		Quantity:  qty,
		TIF:       tif,
		Status:    types.OrderStatusFilled,
		FilledQty: qty,
		AvgFillPrice: price,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.orders[order.ID] = order
	s.applyFill(symbol, qty, side, price, now)
	return order, nil
}

func (s *Simulation) PlaceLimit(ctx context.Context, symbol string, qty decimal.Decimal, side types.OrderSide, limit decimal.Decimal, tif types.TimeInForce) (*types.Order, error) {
	if qty.IsZero() || qty.IsNegative() {
		return nil, newValidation("PlaceLimit", fmt.Errorf("quantity must be positive"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	order := &types.Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Type:       types.OrderTypeLimit,
		Quantity:   qty,
		LimitPrice: limit,
		TIF:        tif,
		Status:     types.OrderStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.orders[order.ID] = order
	return order, nil
}

// PlaceBracket downgrades to a plain order (limit when entryLimit is set,
// market otherwise) whenever qty is fractional, exactly as a real venue
// would (spec §4.1 constraint).
func (s *Simulation) PlaceBracket(ctx context.Context, symbol string, qty decimal.Decimal, side types.OrderSide, takeProfit, stopLoss decimal.Decimal, entryLimit *decimal.Decimal) (*types.BracketOrderResult, error) {
	if qty.IsZero() || qty.IsNegative() {
		return nil, newValidation("PlaceBracket", fmt.Errorf("quantity must be positive"))
	}
	isFractional := !qty.Truncate(0).Equal(qty)

	var order *types.Order
	var err error
	if entryLimit != nil {
		order, err = s.PlaceLimit(ctx, symbol, qty, side, *entryLimit, types.TIFDay)
	} else {
		order, err = s.PlaceMarket(ctx, symbol, qty, side, types.TIFDay)
	}
	if err != nil {
		return nil, err
	}

	if isFractional {
		return &types.BracketOrderResult{
			Order:                     order,
			Success:                   true,
			HasBracketProtection:      false,
			NeedsClientSideMonitoring: true,
		}, nil
	}

	s.mu.Lock()
	order.StopLoss = stopLoss
	order.TakeProfit = takeProfit
	s.mu.Unlock()

	return &types.BracketOrderResult{
		Order:                order,
		Success:              true,
		HasBracketProtection: true,
	}, nil
}

func (s *Simulation) applyFill(symbol string, qty decimal.Decimal, side types.OrderSide, price decimal.Decimal, now time.Time) {
	signedQty := qty
	if side == types.OrderSideSell {
		signedQty = qty.Neg()
	}
	pos, exists := s.positions[symbol]
	if !exists {
		s.positions[symbol] = types.Position{
			Symbol:        symbol,
			Quantity:      signedQty,
			EntryPrice:    price,
			EntryTime:     now,
			HighWaterMark: price,
		}
		s.cash = s.cash.Sub(signedQty.Mul(price))
		return
	}
	newQty := pos.Quantity.Add(signedQty)
	s.cash = s.cash.Sub(signedQty.Mul(price))
	if newQty.IsZero() {
		delete(s.positions, symbol)
		return
	}
	pos.Quantity = newQty
	s.positions[symbol] = pos
}

func (s *Simulation) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status == types.OrderStatusOpen {
		o.Status = types.OrderStatusCancelled
		o.UpdatedAt = s.clock()
	}
	return nil
}

func (s *Simulation) CancelAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Status == types.OrderStatusOpen {
			o.Status = types.OrderStatusCancelled
			o.UpdatedAt = s.clock()
		}
	}
	return nil
}

func (s *Simulation) CloseAll(ctx context.Context, cancelPending bool) error {
	if cancelPending {
		if err := s.CancelAll(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	symbols := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	for _, sym := range symbols {
		s.mu.Lock()
		pos := s.positions[sym]
		s.mu.Unlock()
		side := types.OrderSideSell
		qty := pos.Quantity
		if qty.IsNegative() {
			side = types.OrderSideBuy
			qty = qty.Neg()
		}
		if _, err := s.PlaceMarket(ctx, sym, qty, side, types.TIFDay); err != nil {
			return err
		}
	}
	return nil
}

var _ Gateway = (*Simulation)(nil)
