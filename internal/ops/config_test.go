package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeSettings(t, `
store:
  compute_url: redis://localhost:6379/0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 604800, cfg.Bus.IdempotencyTTLSeconds)
	assert.Equal(t, 7*24*time.Hour, cfg.Bus.IdempotencyTTL())
	assert.Equal(t, 5, cfg.Bus.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Bus.HandlerTimeout())
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Period())
	assert.Equal(t, 10*time.Second, cfg.Lease.TTL())
	assert.Equal(t, "skip_invalid", cfg.Replay.Mode)
	assert.True(t, cfg.Execution.DryRun)

	base, factor, cap := cfg.Bus.Backoff()
	assert.Equal(t, time.Second, base)
	assert.Equal(t, 2.0, factor)
	assert.Equal(t, time.Minute, cap)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeSettings(t, `
env: prod
store:
  compute_url: redis://compute:6379/0
  trade_url: redis://trade:6379/0
bus:
  max_attempts: 3
  worker_concurrency:
    risk-group: 4
replay:
  mode: include_invalid
risk:
  max_single_name_position_pct: 0.05
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "redis://trade:6379/0", cfg.Store.TradeURL)
	assert.Equal(t, 3, cfg.Bus.MaxAttempts)
	assert.Equal(t, 4, cfg.Bus.Concurrency("risk-group"))
	assert.Equal(t, 1, cfg.Bus.Concurrency("unknown-group"))
	assert.Equal(t, "include_invalid", cfg.Replay.Mode)
	assert.Equal(t, 0.05, cfg.Risk.MaxSingleNamePositionPct)
}

func TestLoadRejectsMissingComputeURL(t *testing.T) {
	path := writeSettings(t, `
env: dev
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownReplayMode(t *testing.T) {
	path := writeSettings(t, `
store:
  compute_url: redis://localhost:6379/0
replay:
  mode: yolo
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BLACKJACK_STORE_TRADE_URL", "redis://override:6379/1")
	path := writeSettings(t, `
store:
  compute_url: redis://localhost:6379/0
  trade_url: redis://file:6379/0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://override:6379/1", cfg.Store.TradeURL)
}
