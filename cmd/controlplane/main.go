// Package main is the control plane's entry point: it wires every
// component (C1-C13) together and starts one orchestrator loop per
// venue plus the HTTP/WebSocket control surface. Grounded on the
// teacher's cmd/server/main.go flag-parsing/logger-setup/graceful-
// shutdown idiom, rebuilt around this module's own component graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

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
)

var venues = []string{"stocks", "crypto"}

func main() {
	configPath := flag.String("config", "", "Path to config file (optional, env/defaults used otherwise)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics := broker.NewMetrics(reg)

	bus := eventbus.New(cfg.EventQueuePerSubscriber, reg)
	hbMonitor := heartbeat.New(reg)

	startingCapital := decimal.NewFromInt(100000)
	riskMgr := risk.New(cfg, startingCapital)
	exitEng := exits.New(cfg)
	validator := orders.New(cfg.OrderCooldown)
	regimeAnalyzer := regime.New(regime.Default())
	strategyEngine := strategy.New()

	var apiVenues []api.Venue
	var emergencyVenues []emergency.Venue
	var primaryGateway broker.Gateway

	for _, name := range venues {
		sim := broker.NewSimulation(startingCapital)
		gw := broker.NewResilient(sim, cfg, metrics, logger)
		if primaryGateway == nil {
			primaryGateway = gw
		}
		emergencyVenues = append(emergencyVenues, emergency.Venue{Name: name, Gateway: gw})
	}

	emergencyProtocol := emergency.New(emergencyVenues, logger)

	var loops []*orchestrator.Loop
	for i, name := range venues {
		cache := marketdata.New(emergencyVenues[i].Gateway, cfg.TickInterval)
		universe := make([]string, 0, cfg.UniverseSize)
		for u := 0; u < cfg.UniverseSize; u++ {
			universe = append(universe, fmt.Sprintf("SYM%d", u))
		}
		wl := watchlist.New(watchlist.Config{
			Capacity:             cfg.WatchlistCapacity,
			MaxConcurrency:       cfg.MaxFanoutWorkers,
			CooldownAfterRemoval: cfg.WatchlistRotateEvery,
		}, universe)

		loop := orchestrator.New(orchestrator.Deps{
			Venue:     name,
			Config:    cfg,
			Gateway:   emergencyVenues[i].Gateway,
			Cache:     cache,
			Regime:    regimeAnalyzer,
			Strategy:  strategyEngine,
			Watchlist: wl,
			Risk:      riskMgr,
			Exits:     exitEng,
			Validator: validator,
			Heartbeat: hbMonitor,
			Emergency: emergencyProtocol,
			Bus:       bus,
			Log:       logger,
		})
		loops = append(loops, loop)
		apiVenues = append(apiVenues, api.Venue{Name: name, Loop: loop})
	}

	backtestEngine := backtester.New(strategyEngine, regimeAnalyzer, logger)

	server := api.New(api.Deps{
		Config:    cfg,
		Venues:    apiVenues,
		Emergency: emergencyProtocol,
		Heartbeat: hbMonitor,
		Bus:       bus,
		Engine:    backtestEngine,
		Loader:    primaryGateway,
		Log:       logger,
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: ":9090", Handler: metricsMux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for _, loop := range loops {
		go loop.Run(ctx)
	}

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("control surface error", zap.Error(err))
		}
	}()

	logger.Info("control plane started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.HTTPHost, cfg.HTTPPort)),
		zap.Strings("venues", venues),
		zap.Bool("simulationMode", cfg.SimulationMode),
	)

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping control surface", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error stopping metrics server", zap.Error(err))
	}

	logger.Info("control plane stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
