// Package marketdata implements the Market Data Cache (C2): a read-through
// TTL cache in front of the brokerage gateway. Grounded on the teacher's
// internal/data/market_data.go cache-map-plus-mutex idiom, adapted from
// WS-push caching to pull-through TTL caching per spec §4.2.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-trading/control-plane/internal/broker"
	"github.com/atlas-trading/control-plane/pkg/types"
)

// Result wraps a cached value with a fallback flag: set when the gateway
// call failed and a stale cached value was returned instead (spec §4.2:
// "never returns stale-on-error without marking the entry as fallback").
type Result[T any] struct {
	Value    T
	Fallback bool
}

type entry[T any] struct {
	value    T
	fetchedAt time.Time
}

// Cache is keyed by (symbol, kind, timeframe) per spec §4.2.
type Cache struct {
	gw Gateway

	clockTTL   time.Duration
	latestTTL  time.Duration
	historyTTL time.Duration

	mu      sync.Mutex
	clock   *entry[types.MarketClock]
	latest  map[string]*entry[types.Bar]
	history map[string]*entry[[]types.Bar]
}

// Gateway is the subset of broker.Gateway the cache depends on.
type Gateway interface {
	LatestBar(ctx context.Context, symbol string) (types.Bar, error)
	HistoryBars(ctx context.Context, symbol string, n int, timeframe string) ([]types.Bar, error)
	Clock(ctx context.Context) (types.MarketClock, error)
}

var _ Gateway = (broker.Gateway)(nil)

// New builds a cache with the TTLs named in spec §4.2: clock 60s, latest
// bar equal to the tick interval, historical bars 60s.
func New(gw Gateway, tickInterval time.Duration) *Cache {
	return &Cache{
		gw:         gw,
		clockTTL:   60 * time.Second,
		latestTTL:  tickInterval,
		historyTTL: 60 * time.Second,
		latest:     make(map[string]*entry[types.Bar]),
		history:    make(map[string]*entry[[]types.Bar]),
	}
}

// LatestBar returns the most recent bar for symbol, refreshing on miss.
func (c *Cache) LatestBar(ctx context.Context, symbol string) Result[types.Bar] {
	c.mu.Lock()
	e, ok := c.latest[symbol]
	c.mu.Unlock()
	if ok && time.Since(e.fetchedAt) < c.latestTTL {
		return Result[types.Bar]{Value: e.value}
	}

	bar, err := c.gw.LatestBar(ctx, symbol)
	if err != nil {
		if ok {
			return Result[types.Bar]{Value: e.value, Fallback: true}
		}
		return Result[types.Bar]{Fallback: true}
	}

	c.mu.Lock()
	c.latest[symbol] = &entry[types.Bar]{value: bar, fetchedAt: time.Now()}
	c.mu.Unlock()
	return Result[types.Bar]{Value: bar}
}

// HistoryBars returns up to n historical bars for symbol/timeframe.
func (c *Cache) HistoryBars(ctx context.Context, symbol string, n int, timeframe string) Result[[]types.Bar] {
	key := symbol + "|" + timeframe
	c.mu.Lock()
	e, ok := c.history[key]
	c.mu.Unlock()
	if ok && time.Since(e.fetchedAt) < c.historyTTL {
		return Result[[]types.Bar]{Value: e.value}
	}

	bars, err := c.gw.HistoryBars(ctx, symbol, n, timeframe)
	if err != nil {
		if ok {
			return Result[[]types.Bar]{Value: e.value, Fallback: true}
		}
		return Result[[]types.Bar]{Fallback: true}
	}

	c.mu.Lock()
	c.history[key] = &entry[[]types.Bar]{value: bars, fetchedAt: time.Now()}
	c.mu.Unlock()
	return Result[[]types.Bar]{Value: bars}
}

// Clock returns the cached market clock, refreshing on miss.
func (c *Cache) Clock(ctx context.Context) Result[types.MarketClock] {
	c.mu.Lock()
	e := c.clock
	c.mu.Unlock()
	if e != nil && time.Since(e.fetchedAt) < c.clockTTL {
		return Result[types.MarketClock]{Value: e.value}
	}

	clk, err := c.gw.Clock(ctx)
	if err != nil {
		if e != nil {
			return Result[types.MarketClock]{Value: e.value, Fallback: true}
		}
		return Result[types.MarketClock]{Fallback: true}
	}

	c.mu.Lock()
	c.clock = &entry[types.MarketClock]{value: clk, fetchedAt: time.Now()}
	c.mu.Unlock()
	return Result[types.MarketClock]{Value: clk}
}
