package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-trading/control-plane/internal/backtester"
	"github.com/atlas-trading/control-plane/internal/broker"
	"github.com/atlas-trading/control-plane/internal/config"
	"github.com/atlas-trading/control-plane/internal/emergency"
	"github.com/atlas-trading/control-plane/internal/eventbus"
	"github.com/atlas-trading/control-plane/internal/heartbeat"
	"github.com/atlas-trading/control-plane/internal/regime"
	"github.com/atlas-trading/control-plane/internal/strategy"
	"github.com/atlas-trading/control-plane/pkg/types"
)

func risingBars(n int, base float64) []types.Bar {
	out := make([]types.Bar, n)
	start := time.Now().Add(-time.Duration(n) * 24 * time.Hour)
	flat := n - 20
	for i := 0; i < n; i++ {
		price := base
		if i >= flat {
			price = base + float64(i-flat+1)*2
		}
		c := decimal.NewFromFloat(price)
		out[i] = types.Bar{Timestamp: start.Add(time.Duration(i) * 24 * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(10000)}
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *broker.Simulation) {
	sim := broker.NewSimulation(decimal.NewFromInt(100000))
	sim.SeedBars("AAPL", risingBars(60, 100))

	em := emergency.New([]emergency.Venue{{Name: "stocks", Gateway: sim}}, nil)
	hb := heartbeat.New(nil)
	hb.Register("orchestrator.stocks", time.Minute, time.Now())
	bus := eventbus.New(16, nil)
	engine := backtester.New(strategy.New(), regime.New(regime.Default()), nil)

	return New(Deps{
		Config:    config.Default(),
		Venues:    nil,
		Emergency: em,
		Heartbeat: hb,
		Bus:       bus,
		Engine:    engine,
		Loader:    sim,
	}), sim
}

func TestHandleStatusReportsEmergencyState(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if triggered, _ := body["emergencyTriggered"].(bool); triggered {
		t.Fatal("expected emergency not triggered by default")
	}
}

func TestHandlePanicTriggersEmergency(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/panic", strings.NewReader(`{"reason":"test"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !s.emergency.IsTriggered() {
		t.Fatal("expected emergency protocol to be triggered")
	}
}

func TestHandleHeartbeatReportsRegisteredComponents(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/heartbeat", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var body struct {
		Components map[string]float64 `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if _, ok := body.Components["orchestrator.stocks"]; !ok {
		t.Fatal("expected orchestrator.stocks in heartbeat snapshot")
	}
}

func TestHandleRunBacktestReturnsMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/backtest", strings.NewReader(`{"symbol":"AAPL","days":60,"capital":10000,"takeProfitPct":0.1,"stopLossPct":0.05}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ID     string             `json:"id"`
		Status string             `json:"status"`
		Result backtester.Result `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if body.Status != "completed" {
		t.Fatalf("expected completed status, got %s", body.Status)
	}
	if len(body.Result.EquityCurve) == 0 {
		t.Fatal("expected a non-empty equity curve")
	}
}

func TestHandleRunBacktestRejectsMissingSymbol(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/backtest", strings.NewReader(`{"days":30}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
