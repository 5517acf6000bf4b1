// Package integration_test exercises the control plane end-to-end:
// the HTTP control surface wired to a live orchestrator loop and
// brokerage simulation, rather than re-testing logic already covered
// at the package level.
package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/control-plane/internal/api"
	"github.com/atlas-trading/control-plane/internal/backtester"
	"github.com/atlas-trading/control-plane/internal/broker"
	"github.com/atlas-trading/control-plane/internal/config"
	"github.com/atlas-trading/control-plane/internal/emergency"
	"github.com/atlas-trading/control-plane/internal/eventbus"
	"github.com/atlas-trading/control-plane/internal/exits"
	"github.com/atlas-trading/control-plane/internal/heartbeat"
	"github.com/atlas-trading/control-plane/internal/marketdata"
	"github.com/atlas-trading/control-plane/internal/orchestrator"
	"github.com/atlas-trading/control-plane/internal/orders"
	"github.com/atlas-trading/control-plane/internal/regime"
	"github.com/atlas-trading/control-plane/internal/risk"
	"github.com/atlas-trading/control-plane/internal/strategy"
	"github.com/atlas-trading/control-plane/internal/watchlist"
	"github.com/atlas-trading/control-plane/pkg/types"
)

func risingBars(n int, base float64) []types.Bar {
	out := make([]types.Bar, n)
	start := time.Now().Add(-time.Duration(n) * 24 * time.Hour)
	flat := n - 20
	for i := 0; i < n; i++ {
		price := base
		if i >= flat {
			price = base + float64(i-flat+1)*0.5
		}
		c := decimal.NewFromFloat(price)
		out[i] = types.Bar{Timestamp: start.Add(time.Duration(i) * 24 * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(10000)}
	}
	return out
}

func marketOpenWeekday() time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return time.Date(2024, time.March, 5, 10, 0, 0, 0, loc)
}

type testSystem struct {
	loop   *orchestrator.Loop
	server *api.Server
}

func newTestSystem(t *testing.T) *testSystem {
	t.Helper()

	cfg := config.Default()
	cfg.TickInterval = time.Millisecond
	cfg.WatchlistCapacity = 1

	sim := broker.NewSimulation(decimal.NewFromInt(100000))
	sim.SeedBars("AAPL", risingBars(60, 100))
	sim.SetClock(marketOpenWeekday)

	cache := marketdata.New(sim, cfg.TickInterval)
	wl := watchlist.New(watchlist.Config{Capacity: 1, MaxConcurrency: 4, CooldownAfterRemoval: time.Minute}, []string{"AAPL"})
	em := emergency.New([]emergency.Venue{{Name: "stocks", Gateway: sim}}, zap.NewNop())
	hbMonitor := heartbeat.New(nil)
	bus := eventbus.New(16, nil)
	riskMgr := risk.New(cfg, decimal.NewFromInt(100000))

	loop := orchestrator.New(orchestrator.Deps{
		Venue:     "stocks",
		Config:    cfg,
		Gateway:   sim,
		Cache:     cache,
		Regime:    regime.New(regime.Default()),
		Strategy:  strategy.New(),
		Watchlist: wl,
		Risk:      riskMgr,
		Exits:     exits.New(cfg),
		Validator: orders.New(cfg.OrderCooldown),
		Heartbeat: hbMonitor,
		Emergency: em,
		Bus:       bus,
	})

	server := api.New(api.Deps{
		Config:    cfg,
		Venues:    []api.Venue{{Name: "stocks", Loop: loop}},
		Emergency: em,
		Heartbeat: hbMonitor,
		Bus:       bus,
		Engine:    backtester.New(strategy.New(), regime.New(regime.Default()), nil),
		Loader:    sim,
	})

	return &testSystem{loop: loop, server: server}
}

func (ts *testSystem) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func TestOrchestratorEntersPositionThenPanicFlattensIt(t *testing.T) {
	ts := newTestSystem(t)
	ctx := context.Background()

	ts.loop.RunOnce(ctx)
	if _, ok := ts.loop.Position("AAPL"); !ok {
		t.Fatal("expected a position to be opened before triggering the panic")
	}

	if rec := ts.do(t, http.MethodGet, "/api/v1/status", ""); rec.Code != http.StatusOK {
		t.Fatalf("status endpoint returned %d", rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/panic", `{"reason":"integration test"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("panic endpoint returned %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Status string `json:"Status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid panic response: %v", err)
	}
	if result.Status != string(types.EmergencyTriggered) {
		t.Fatalf("expected emergency triggered, got %s", result.Status)
	}

	ts.loop.RunOnce(ctx)
	if _, ok := ts.loop.Position("AAPL"); ok {
		t.Fatal("expected position flattened once emergency protocol triggers")
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	ts := newTestSystem(t)

	if rec := ts.do(t, http.MethodPost, "/api/v1/pause", ""); rec.Code != http.StatusOK {
		t.Fatalf("pause returned %d", rec.Code)
	}
	if !ts.loop.Paused() {
		t.Fatal("expected loop paused after POST pause")
	}

	if rec := ts.do(t, http.MethodPost, "/api/v1/resume", ""); rec.Code != http.StatusOK {
		t.Fatalf("resume returned %d", rec.Code)
	}
	if ts.loop.Paused() {
		t.Fatal("expected loop resumed after POST resume")
	}
}

func TestBacktestEndpointRunsAgainstSeededHistory(t *testing.T) {
	ts := newTestSystem(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/backtest", `{"symbol":"AAPL","days":60,"capital":10000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("backtest endpoint returned %d: %s", rec.Code, rec.Body.String())
	}
}
