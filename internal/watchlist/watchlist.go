// Package watchlist implements the Watchlist Selector (C6): scans a
// bounded universe, scores each symbol concurrently, and rotates a
// bounded active set by score, gating recently-removed symbols behind a
// cooldown. Grounded on the teacher's internal/workers/pool.go bounded
// worker-pool idiom for the concurrent scan, and on
// internal/execution/risk_manager.go's cooldown-timestamp-map pattern for
// per-symbol cooldowns.
package watchlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-trading/control-plane/pkg/types"
)

// Scorer scores one symbol; returns a higher-is-better score.
type Scorer func(ctx context.Context, symbol string) (float64, error)

// Config controls capacity and concurrency.
type Config struct {
	Capacity        int
	MaxConcurrency  int
	CooldownAfterRemoval time.Duration
}

// Watchlist owns the active set exclusively; all external reads go
// through getActive's copy-returning API (spec §4.6/§5).
type Watchlist struct {
	cfg Config

	mu        sync.Mutex
	universe  []string
	active    []string
	cooldowns map[string]time.Time
}

// New builds a watchlist over the given universe.
func New(cfg Config, universe []string) *Watchlist {
	return &Watchlist{
		cfg:       cfg,
		universe:  append([]string(nil), universe...),
		cooldowns: make(map[string]time.Time),
	}
}

// GetActive returns an immutable copy of the active set.
func (w *Watchlist) GetActive() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.active))
	copy(out, w.active)
	return out
}

// State returns a snapshot for outbound events.
func (w *Watchlist) State() types.WatchlistState {
	w.mu.Lock()
	defer w.mu.Unlock()
	cooldowns := make(map[string]time.Time, len(w.cooldowns))
	for k, v := range w.cooldowns {
		cooldowns[k] = v
	}
	return types.WatchlistState{
		Active:    append([]string(nil), w.active...),
		Capacity:  w.cfg.Capacity,
		Universe:  append([]string(nil), w.universe...),
		Cooldowns: cooldowns,
	}
}

type scored struct {
	symbol string
	score  float64
}

// Rotate scans the universe with bounded concurrency (default cap 64 per
// spec §5), scores each eligible symbol, and keeps the top-N by score. A
// symbol newly dropped from active enters cooldown and is never re-added
// while `now` is before its unlock time.
func (w *Watchlist) Rotate(ctx context.Context, score Scorer, now time.Time) []string {
	w.mu.Lock()
	universe := append([]string(nil), w.universe...)
	prevActive := append([]string(nil), w.active...)
	cooldowns := make(map[string]time.Time, len(w.cooldowns))
	for k, v := range w.cooldowns {
		cooldowns[k] = v
	}
	w.mu.Unlock()

	concurrency := w.cfg.MaxConcurrency
	if concurrency <= 0 || concurrency > 64 {
		concurrency = 64
	}

	results := make([]scored, 0, len(universe))
	var resultsMu sync.Mutex
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, sym := range universe {
		if unlock, inCooldown := cooldowns[sym]; inCooldown && now.Before(unlock) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			s, err := score(ctx, symbol)
			if err != nil {
				return
			}
			resultsMu.Lock()
			results = append(results, scored{symbol: symbol, score: s})
			resultsMu.Unlock()
		}(sym)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })

	n := w.cfg.Capacity
	if n > len(results) {
		n = len(results)
	}
	newActive := make([]string, 0, n)
	newActiveSet := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		newActive = append(newActive, results[i].symbol)
		newActiveSet[results[i].symbol] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sym := range prevActive {
		if !newActiveSet[sym] {
			w.cooldowns[sym] = now.Add(w.cfg.CooldownAfterRemoval)
		}
	}
	w.active = newActive
	return append([]string(nil), newActive...)
}
