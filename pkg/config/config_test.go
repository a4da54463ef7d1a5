package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads default values when nothing is set", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, ChannelMemory, cfg.Channel)
		assert.Equal(t, StoreMemory, cfg.Store)
		assert.Equal(t, MetricsPrometheus, cfg.Metrics.Kind)
		assert.Equal(t, 8080, cfg.Dashboard.Port)
		assert.Equal(t, 7001, cfg.Account.Port)
		assert.Equal(t, 7002, cfg.Expense.Port)
		assert.Equal(t, "http://localhost:7001", cfg.Dashboard.AccountURL)
		assert.Equal(t, []int{13}, cfg.Dashboard.KnownMissing)
		assert.Equal(t, 3, cfg.Dashboard.AccountPolicy.Retry.MaxAttempts)
		assert.Equal(t, 1, cfg.Dashboard.ExpensePolicy.Retry.MaxAttempts)
		assert.Equal(t, 2*time.Second, cfg.Dashboard.AccountPolicy.Timeout)
		assert.Equal(t, 0.5, cfg.Dashboard.AccountPolicy.CircuitBreaker.FailureRatio)
		assert.Equal(t, 4, cfg.Memory.Partitions)
		assert.Equal(t, 4, cfg.Redis.Partitions)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
		assert.Equal(t, "findash", cfg.Postgres.Database)
		assert.False(t, cfg.Telemetry.Enabled)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("FINDASH_CHANNEL_KIND", "redis")
		t.Setenv("FINDASH_REDIS_ADDR", "redis:6379")
		t.Setenv("FINDASH_STORE_KIND", "postgres")
		t.Setenv("FINDASH_POSTGRES_HOST", "db")
		t.Setenv("FINDASH_DASHBOARD_KNOWN_MISSING", "13, 42")
		t.Setenv("FINDASH_DASHBOARD_ACCOUNT_RETRY_MAX_ATTEMPTS", "5")
		t.Setenv("FINDASH_CHANNEL_REDELIVERY_DELAY", "250ms")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, ChannelRedis, cfg.Channel)
		assert.Equal(t, "redis:6379", cfg.Redis.Addr)
		assert.Equal(t, StorePostgres, cfg.Store)
		assert.Equal(t, "db", cfg.Postgres.Host)
		assert.Equal(t, []int{13, 42}, cfg.Dashboard.KnownMissing)
		assert.Equal(t, 5, cfg.Dashboard.AccountPolicy.Retry.MaxAttempts)
		assert.Equal(t, 250*time.Millisecond, cfg.Memory.RedeliveryDelay)
		assert.Equal(t, 250*time.Millisecond, cfg.Redis.RedeliveryDelay)
	})

	t.Run("reads a YAML file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "findash.yaml")
		content := `
log:
  level: debug
dashboard:
  port: 9090
  known_missing: [7, 8]
  account:
    timeout: 500ms
    breaker:
      minimum_calls: 10
channel:
  partitions: 8
bloom:
  expected_items: 0
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 9090, cfg.Dashboard.Port)
		assert.Equal(t, []int{7, 8}, cfg.Dashboard.KnownMissing)
		assert.Equal(t, 500*time.Millisecond, cfg.Dashboard.AccountPolicy.Timeout)
		assert.Equal(t, uint32(10), cfg.Dashboard.AccountPolicy.CircuitBreaker.MinimumCalls)
		assert.Equal(t, 8, cfg.Memory.Partitions)
		assert.Equal(t, uint(0), cfg.Bloom.ExpectedItems)
	})

	t.Run("a named file must exist", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("FINDASH_CHANNEL_KIND", "kafka")
		t.Setenv("FINDASH_ACCOUNT_PORT", "0")

		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel.kind")
		assert.Contains(t, err.Error(), "account.port")
	})
}

func TestBackendConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	b := cfg.BackendConfig("dashboard/10.0.0.1:8080")
	assert.Equal(t, cfg.Dashboard.AccountURL, b.AccountURL)
	assert.Equal(t, cfg.Dashboard.KnownMissing, b.KnownMissing)
	assert.Equal(t, "dashboard/10.0.0.1:8080", b.ServiceAddress)
}

func TestIntList(t *testing.T) {
	got, err := intList([]interface{}{1, "2"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)

	got, err = intList("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = intList("1,x")
	assert.Error(t, err)
}
