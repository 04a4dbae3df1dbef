// Package ops loads runtime configuration for the backbone daemons.
package ops

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"blackjack/internal/replay"
	"blackjack/internal/risk"
)

// Config is the resolved settings tree. Env vars with the BLACKJACK_
// prefix override file values (BLACKJACK_STORE_TRADE_URL, ...).
type Config struct {
	Env   string      `mapstructure:"env"`
	Store StoreConfig `mapstructure:"store"`
	Bus   BusConfig   `mapstructure:"bus"`

	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Risk      risk.Config     `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// StoreConfig holds the two event-store planes.
type StoreConfig struct {
	ComputeURL string `mapstructure:"compute_url"`
	TradeURL   string `mapstructure:"trade_url"`
}

// BusConfig tunes delivery and retry behavior.
type BusConfig struct {
	IdempotencyTTLSeconds int            `mapstructure:"idempotency_ttl"`
	HandlerTimeoutSeconds int            `mapstructure:"handler_timeout"`
	MaxAttempts           int            `mapstructure:"max_attempts"`
	RetryBackoffBaseMS    int            `mapstructure:"retry_backoff_base_ms"`
	RetryBackoffFactor    float64        `mapstructure:"retry_backoff_factor"`
	RetryBackoffCapMS     int            `mapstructure:"retry_backoff_cap_ms"`
	WorkerConcurrency     map[string]int `mapstructure:"worker_concurrency"`
}

// ReconcileConfig tunes the reconciliation worker.
type ReconcileConfig struct {
	PeriodMS int `mapstructure:"period_ms"`
}

// LeaseConfig tunes the submit lease.
type LeaseConfig struct {
	TTLMS int `mapstructure:"ttl_ms"`
}

// ReplayConfig selects the golden-event publishing policy.
type ReplayConfig struct {
	Mode string `mapstructure:"mode"`
}

// BridgeConfig optionally overrides the forwarding whitelist.
type BridgeConfig struct {
	Whitelist []string `mapstructure:"whitelist"`
}

// PostgresConfig is the trade-domain store connection.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ExecutionConfig selects broker behavior.
type ExecutionConfig struct {
	DryRun bool `mapstructure:"dry_run"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ServerAddress string `mapstructure:"server_address"`
}

// Load reads the settings file and applies env overrides and defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("blackjack")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Store URLs are the keys deployments override per compose profile.
	_ = v.BindEnv("store.compute_url")
	_ = v.BindEnv("store.trade_url")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("bus.idempotency_ttl", 604800)
	v.SetDefault("bus.handler_timeout", 30)
	v.SetDefault("bus.max_attempts", 5)
	v.SetDefault("bus.retry_backoff_base_ms", 1000)
	v.SetDefault("bus.retry_backoff_factor", 2.0)
	v.SetDefault("bus.retry_backoff_cap_ms", 60000)
	v.SetDefault("reconcile.period_ms", 30000)
	v.SetDefault("lease.ttl_ms", 10000)
	v.SetDefault("replay.mode", string(replay.SkipInvalid))
	v.SetDefault("execution.dry_run", true)
}

// Validate rejects configurations no daemon could run with.
func (c Config) Validate() error {
	if c.Store.ComputeURL == "" {
		return fmt.Errorf("store.compute_url is required")
	}
	if _, err := replay.ParseMode(c.Replay.Mode); err != nil {
		return err
	}
	if c.Bus.MaxAttempts <= 0 {
		return fmt.Errorf("bus.max_attempts must be positive")
	}
	return nil
}

// IdempotencyTTL returns the TTL as a duration.
func (c BusConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

// HandlerTimeout returns the handler budget as a duration.
func (c BusConfig) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

// Backoff returns the retry backoff as durations.
func (c BusConfig) Backoff() (base time.Duration, factor float64, cap time.Duration) {
	return time.Duration(c.RetryBackoffBaseMS) * time.Millisecond,
		c.RetryBackoffFactor,
		time.Duration(c.RetryBackoffCapMS) * time.Millisecond
}

// Concurrency returns the worker width for a consumer group.
func (c BusConfig) Concurrency(group string) int {
	if n, ok := c.WorkerConcurrency[group]; ok && n > 0 {
		return n
	}
	return 1
}

// Period returns the reconcile period as a duration.
func (c ReconcileConfig) Period() time.Duration {
	return time.Duration(c.PeriodMS) * time.Millisecond
}

// TTL returns the lease TTL as a duration.
func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}
