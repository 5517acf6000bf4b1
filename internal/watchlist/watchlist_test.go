package watchlist

import (
	"context"
	"testing"
	"time"
)

func TestRotateRespectsCapacity(t *testing.T) {
	universe := []string{"A", "B", "C", "D", "E"}
	w := New(Config{Capacity: 2, MaxConcurrency: 4, CooldownAfterRemoval: time.Minute}, universe)

	scores := map[string]float64{"A": 1, "B": 5, "C": 3, "D": 2, "E": 4}
	active := w.Rotate(context.Background(), func(ctx context.Context, symbol string) (float64, error) {
		return scores[symbol], nil
	}, time.Now())

	if len(active) != 2 {
		t.Fatalf("expected 2 active symbols, got %v", active)
	}
	if !(active[0] == "B" && active[1] == "E") {
		t.Fatalf("expected top scorers [B E], got %v", active)
	}
}

func TestRotateCooldownBlocksReentry(t *testing.T) {
	universe := []string{"A", "B", "C"}
	w := New(Config{Capacity: 1, MaxConcurrency: 4, CooldownAfterRemoval: time.Hour}, universe)

	now := time.Now()
	scores := map[string]float64{"A": 3, "B": 1, "C": 1}
	w.Rotate(context.Background(), func(ctx context.Context, symbol string) (float64, error) {
		return scores[symbol], nil
	}, now)

	// Now B overtakes A, A should drop and enter cooldown.
	scores = map[string]float64{"A": 1, "B": 5, "C": 1}
	active := w.Rotate(context.Background(), func(ctx context.Context, symbol string) (float64, error) {
		return scores[symbol], nil
	}, now.Add(time.Minute))
	if len(active) != 1 || active[0] != "B" {
		t.Fatalf("expected B active, got %v", active)
	}

	// A should still be in cooldown and not score back in even if it wins.
	scores = map[string]float64{"A": 10, "B": 1, "C": 1}
	active = w.Rotate(context.Background(), func(ctx context.Context, symbol string) (float64, error) {
		return scores[symbol], nil
	}, now.Add(2*time.Minute))
	for _, s := range active {
		if s == "A" {
			t.Fatalf("A should still be in cooldown, got active=%v", active)
		}
	}
}
