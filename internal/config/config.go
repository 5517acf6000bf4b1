// Package config loads the trading control plane's configuration surface
// (spec §6) once at startup. Hot-reload is explicitly out of scope.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

// Config is every tunable named in the configuration surface, plus the
// resilience-chain and heartbeat knobs implied by §4.1/§4.10.
type Config struct {
	// Orchestrator
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	WatchlistCapacity  int           `mapstructure:"watchlist_capacity"`
	UniverseSize       int           `mapstructure:"universe_size"`
	MaxFanoutWorkers   int           `mapstructure:"max_fanout_workers"`
	WatchlistRotateEvery time.Duration `mapstructure:"watchlist_rotate_every"`

	// Risk
	MaxPositions      int     `mapstructure:"max_positions"`
	RiskPerTrade      float64 `mapstructure:"risk_per_trade"`
	StopLossPct       float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct     float64 `mapstructure:"take_profit_pct"`
	MaxDrawdownHalt   float64 `mapstructure:"max_drawdown_halt"`
	ReservePct        float64 `mapstructure:"reserve_pct"`
	MaxPositionPct    float64 `mapstructure:"max_position_pct"`
	PDTEnabled        bool    `mapstructure:"pdt_enabled"`
	WholeShareOnly    bool    `mapstructure:"whole_share_only"`

	// Exit engine
	MaxHoldHours      float64   `mapstructure:"max_hold_hours"`
	MinHoldHours      float64   `mapstructure:"min_hold_hours"`
	TrailingLevels    []float64 `mapstructure:"trailing_levels"`
	EODLockTime       string    `mapstructure:"eod_lock_time"` // "HH:MM" NY local
	QuickScalpMinutes []int     `mapstructure:"quick_scalp_minutes"`
	MaxCorrelated     int       `mapstructure:"max_correlated"`

	// Regime / strategy
	MinTimeframesAligned int `mapstructure:"min_timeframes_aligned"`

	// Brokerage gateway resilience chain
	RateLimitPerMinute   int           `mapstructure:"rate_limit_per_minute"`
	RateLimitTimeout     time.Duration `mapstructure:"rate_limit_timeout"`
	RetryAttempts        int           `mapstructure:"retry_attempts"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay"`
	BreakerWindow        int           `mapstructure:"breaker_window"`
	BreakerFailureRatio  float64       `mapstructure:"breaker_failure_ratio"`
	BreakerOpenDuration  time.Duration `mapstructure:"breaker_open_duration"`
	BreakerHalfOpenProbes int          `mapstructure:"breaker_half_open_probes"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`

	// Heartbeat, keyed by component name.
	HeartbeatTimeouts map[string]time.Duration `mapstructure:"heartbeat_timeouts"`

	// Cooldown / de-dup
	OrderCooldown time.Duration `mapstructure:"order_cooldown"`

	// Simulation mode short-circuits order submission in C1 while every
	// decision path above it keeps running for real (spec §9 open
	// question: exactly one simulation flag, not several).
	SimulationMode bool `mapstructure:"simulation_mode"`

	// HTTP control surface.
	HTTPHost string `mapstructure:"http_host"`
	HTTPPort int    `mapstructure:"http_port"`

	// Event bus
	EventQueuePerSubscriber int `mapstructure:"event_queue_per_subscriber"`
}

// Default returns the defaults enumerated in spec §6.
func Default() Config {
	return Config{
		TickInterval:         10 * time.Second,
		WatchlistCapacity:    10,
		UniverseSize:         500,
		MaxFanoutWorkers:     64,
		WatchlistRotateEvery: 5 * time.Minute,

		MaxPositions:    10,
		RiskPerTrade:    0.01,
		StopLossPct:     0.02,
		TakeProfitPct:   0.04,
		MaxDrawdownHalt: 0.10,
		ReservePct:      0.25,
		MaxPositionPct:  0.20,
		PDTEnabled:      true,
		WholeShareOnly:  true,

		MaxHoldHours:      48,
		MinHoldHours:      0.5,
		TrailingLevels:    []float64{0.01, 0.02, 0.03},
		EODLockTime:       "15:45",
		QuickScalpMinutes: []int{15, 30},
		MaxCorrelated:     5,

		MinTimeframesAligned: 2,

		RateLimitPerMinute:    200,
		RateLimitTimeout:      5 * time.Second,
		RetryAttempts:         3,
		RetryBaseDelay:        500 * time.Millisecond,
		BreakerWindow:         10,
		BreakerFailureRatio:   0.5,
		BreakerOpenDuration:   60 * time.Second,
		BreakerHalfOpenProbes: 3,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,

		HeartbeatTimeouts: map[string]time.Duration{
			"orchestrator": 60 * time.Second,
			"watchlist":    120 * time.Second,
			"riskmanager":  60 * time.Second,
		},

		OrderCooldown: 5 * time.Second,

		SimulationMode: true,

		HTTPHost: "0.0.0.0",
		HTTPPort: 8080,

		EventQueuePerSubscriber: 256,
	}
}

// Load reads config from the named file (if it exists), environment
// variables prefixed TCP_ (for the keys registered in bindDefaults), and
// falls back to Default() for anything unset.
// Grounded on the teacher's unused viper dependency; this is its first use.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TCP")
	v.AutomaticEnv()

	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("tick_interval", cfg.TickInterval)
	v.SetDefault("watchlist_capacity", cfg.WatchlistCapacity)
	v.SetDefault("universe_size", cfg.UniverseSize)
	v.SetDefault("max_fanout_workers", cfg.MaxFanoutWorkers)
	v.SetDefault("max_positions", cfg.MaxPositions)
	v.SetDefault("risk_per_trade", cfg.RiskPerTrade)
	v.SetDefault("stop_loss_pct", cfg.StopLossPct)
	v.SetDefault("take_profit_pct", cfg.TakeProfitPct)
	v.SetDefault("max_drawdown_halt", cfg.MaxDrawdownHalt)
	v.SetDefault("reserve_pct", cfg.ReservePct)
	v.SetDefault("max_position_pct", cfg.MaxPositionPct)
	v.SetDefault("pdt_enabled", cfg.PDTEnabled)
	v.SetDefault("whole_share_only", cfg.WholeShareOnly)
	v.SetDefault("simulation_mode", cfg.SimulationMode)
	v.SetDefault("http_host", cfg.HTTPHost)
	v.SetDefault("http_port", cfg.HTTPPort)
	v.SetDefault("order_cooldown", cfg.OrderCooldown)
	v.SetDefault("rate_limit_per_minute", cfg.RateLimitPerMinute)
	v.SetDefault("retry_attempts", cfg.RetryAttempts)
	v.SetDefault("breaker_window", cfg.BreakerWindow)
	v.SetDefault("breaker_failure_ratio", cfg.BreakerFailureRatio)
	v.SetDefault("event_queue_per_subscriber", cfg.EventQueuePerSubscriber)
}

// RetryPolicy is the exponential-backoff policy used by the brokerage
// gateway's resilience chain.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// Delay returns the backoff delay after the given 1-indexed failed
// attempt: BaseDelay, doubled once for each earlier attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Validate rejects nonsensical config at startup — a ConfigError is fatal
// only here, never at runtime (spec §7).
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.WatchlistCapacity <= 0 {
		return fmt.Errorf("watchlist_capacity must be positive")
	}
	if c.RiskPerTrade <= 0 || c.RiskPerTrade >= 1 {
		return fmt.Errorf("risk_per_trade must be in (0,1)")
	}
	if c.MaxDrawdownHalt <= 0 || c.MaxDrawdownHalt >= 1 {
		return fmt.Errorf("max_drawdown_halt must be in (0,1)")
	}
	if c.ReservePct < 0 || c.ReservePct >= 1 {
		return fmt.Errorf("reserve_pct must be in [0,1)")
	}
	return nil
}
