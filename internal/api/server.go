// Package api provides the HTTP and WebSocket control surface (spec
// §6): status/heartbeat reads, panic/pause/resume writes, and an
// on-demand backtest. Grounded on the teacher's internal/api/server.go
// mux.Router/rs-cors/graceful-shutdown idiom, with the teacher's
// backtest-state tracking and WebSocket Hub broadcast pattern kept in
// trimmed form (backtestState, hub) and adapted to the event bus.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-trading/control-plane/internal/backtester"
	"github.com/atlas-trading/control-plane/internal/config"
	"github.com/atlas-trading/control-plane/internal/emergency"
	"github.com/atlas-trading/control-plane/internal/eventbus"
	"github.com/atlas-trading/control-plane/internal/heartbeat"
	"github.com/atlas-trading/control-plane/internal/orchestrator"
)

// Venue pairs a name with its running orchestrator loop, for pause/
// resume/status across every trading venue.
type Venue struct {
	Name string
	Loop *orchestrator.Loop
}

// backtestState tracks one in-flight or completed backtest run.
type backtestState struct {
	ID      string
	Symbol  string
	Status  string
	Started time.Time
	Result  *backtester.Result
	Err     string
}

// Server is the HTTP/WebSocket control surface.
type Server struct {
	mu         sync.RWMutex
	log        *zap.Logger
	cfg        config.Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	venues    []Venue
	emergency *emergency.Protocol
	heartbeat *heartbeat.Monitor
	bus       *eventbus.Bus
	engine    *backtester.Engine
	loader    backtester.HistoryLoader

	backtests map[string]*backtestState
	hub       *hub
}

// Deps bundles every component the control surface reads from or
// writes to.
type Deps struct {
	Config    config.Config
	Venues    []Venue
	Emergency *emergency.Protocol
	Heartbeat *heartbeat.Monitor
	Bus       *eventbus.Bus
	Engine    *backtester.Engine
	Loader    backtester.HistoryLoader
	Log       *zap.Logger
}

// New builds the control surface server.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:       log,
		cfg:       d.Config,
		router:    mux.NewRouter(),
		venues:    d.Venues,
		emergency: d.Emergency,
		heartbeat: d.Heartbeat,
		bus:       d.Bus,
		engine:    d.Engine,
		loader:    d.Loader,
		backtests: make(map[string]*backtestState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.hub = newHub(log)
	go s.hub.run()
	if d.Bus != nil {
		go s.bridgeEvents()
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/heartbeat", s.handleHeartbeat).Methods("GET")
	s.router.HandleFunc("/api/v1/panic", s.handlePanic).Methods("POST")
	s.router.HandleFunc("/api/v1/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/v1/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// ServeHTTP lets tests exercise routes directly with httptest, without
// going through Start's cors/listener wrapping.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.HTTPHost, s.cfg.HTTPPort)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info("starting control surface", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// bridgeEvents relays every bus event into the WebSocket hub, so a
// client connected over /ws sees the same stream the orchestrator
// publishes internally.
func (s *Server) bridgeEvents() {
	ch := s.bus.Subscribe("api")
	defer s.bus.Unsubscribe("api")
	for ev := range ch {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		s.hub.broadcast(raw)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleStatus reports overall system health: emergency arming state
// and every venue's paused flag (spec §6 GET status).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	venueStatus := make(map[string]interface{}, len(s.venues))
	for _, v := range s.venues {
		venueStatus[v.Name] = map[string]bool{"paused": v.Loop.Paused()}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"emergencyTriggered": s.emergency.IsTriggered(),
		"venues":             venueStatus,
		"time":               time.Now().Unix(),
	})
}

// handleHeartbeat reports seconds-since-last-beat per registered
// component (spec §6 GET heartbeat).
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	snapshot := s.heartbeat.Snapshot(time.Now())
	out := make(map[string]float64, len(snapshot))
	for component, age := range snapshot {
		out[component] = age.Seconds()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"components": out})
}

// handlePanic invokes the emergency protocol directly, bypassing the
// heartbeat path (spec §6 POST panic).
func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual panic via control surface"
	}
	res := s.emergency.TriggerContext(r.Context(), body.Reason)
	writeJSON(w, http.StatusOK, res)
}

// handlePause suppresses new entries on every venue; exits and
// housekeeping continue (spec §6 POST pause).
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	for _, v := range s.venues {
		v.Loop.Pause()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// handleResume re-enables entries on every venue (spec §6 POST resume).
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	for _, v := range s.venues {
		v.Loop.Resume()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type backtestRequest struct {
	Symbol        string  `json:"symbol"`
	Days          int     `json:"days"`
	Capital       float64 `json:"capital"`
	TakeProfitPct float64 `json:"takeProfitPct"`
	StopLossPct   float64 `json:"stopLossPct"`
}

// handleRunBacktest runs a backtest synchronously and returns the full
// result (spec §6 POST backtest; days clamped to [5,365]).
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Capital <= 0 {
		req.Capital = 10000
	}

	id := uuid.NewString()
	state := &backtestState{ID: id, Symbol: req.Symbol, Status: "running", Started: time.Now()}
	s.mu.Lock()
	s.backtests[id] = state
	s.mu.Unlock()

	result, err := s.engine.Run(r.Context(), s.loader, backtester.Request{
		Symbol:        req.Symbol,
		Days:          req.Days,
		Capital:       decimal.NewFromFloat(req.Capital),
		TakeProfitPct: req.TakeProfitPct,
		StopLossPct:   req.StopLossPct,
	})

	s.mu.Lock()
	if err != nil {
		state.Status = "failed"
		state.Err = err.Error()
	} else {
		state.Status = "completed"
		state.Result = result
	}
	s.mu.Unlock()

	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "completed", "result": result})
}

// handleGetBacktest returns a previously run backtest's state by id.
func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	state, ok := s.backtests[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.register(conn)
}
