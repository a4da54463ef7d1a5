// Package config loads the process configuration of every findash command.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"findash/pkg/backend"
	"findash/pkg/command/memory"
	"findash/pkg/command/redis"
	"findash/pkg/logging"
	"findash/pkg/resilience"
	"findash/pkg/store/postgres"
	"findash/pkg/telemetry"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FINDASH_REDIS_ADDR.
const EnvPrefix = "FINDASH"

// Channel kinds.
const (
	ChannelMemory = "memory"
	ChannelRedis  = "redis"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Metrics kinds.
const (
	MetricsPrometheus = "prometheus"
	MetricsMemory     = "memory"
	MetricsNone       = "none"
)

// Config holds the configuration of one findash process.
type Config struct {
	Log       logging.Config
	Telemetry telemetry.Config
	Metrics   MetricsConfig

	Dashboard DashboardConfig
	Account   ServiceConfig
	Expense   ServiceConfig

	// Channel is "memory" or "redis". The memory channel only connects services
	// running in the same process.
	Channel string
	Memory  memory.ChannelConfig
	Redis   redis.ChannelConfig

	// Store is "memory" or "postgres".
	Store    string
	Postgres postgres.Config
	Bloom    BloomConfig
}

// MetricsConfig selects the metrics collector.
type MetricsConfig struct {
	Kind      string
	Namespace string
}

// DashboardConfig configures the dashboard composite.
type DashboardConfig struct {
	Port        int
	EnablePprof bool

	AccountURL string
	ExpenseURL string

	AccountPolicy resilience.Policy
	ExpensePolicy resilience.Policy

	KnownMissing []int
	NegativeTTL  time.Duration
}

// ServiceConfig configures one backend service.
type ServiceConfig struct {
	Port int
}

// BloomConfig sizes the account-existence filter. ExpectedItems 0 disables it.
type BloomConfig struct {
	ExpectedItems uint
	FPRate        float64
}

// BackendConfig returns the backend client configuration for serviceAddress.
func (c *Config) BackendConfig(serviceAddress string) backend.Config {
	cfg := backend.DefaultConfig()
	cfg.AccountURL = c.Dashboard.AccountURL
	cfg.ExpenseURL = c.Dashboard.ExpenseURL
	cfg.AccountPolicy = c.Dashboard.AccountPolicy
	cfg.ExpensePolicy = c.Dashboard.ExpensePolicy
	cfg.KnownMissing = c.Dashboard.KnownMissing
	cfg.NegativeTTL = c.Dashboard.NegativeTTL
	cfg.ServiceAddress = serviceAddress
	return cfg
}

// Load reads configuration from defaults, an optional YAML file and FINDASH_
// environment variables, in increasing priority. An empty path looks for
// findash.yaml in the working directory and /etc/findash; a missing file is fine
// then, but not when path names one.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("findash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/findash")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	knownMissing, err := intList(v.Get("dashboard.known_missing"))
	if err != nil {
		return nil, fmt.Errorf("dashboard.known_missing: %w", err)
	}

	cfg := &Config{
		Log: logging.Config{
			Level:       v.GetString("log.level"),
			Format:      v.GetString("log.format"),
			OutputPaths: v.GetStringSlice("log.output_paths"),
			Development: v.GetBool("log.development"),
		},
		Telemetry: telemetry.Config{
			Enabled:     v.GetBool("telemetry.enabled"),
			ServiceName: v.GetString("telemetry.service_name"),
			Version:     v.GetString("telemetry.version"),
			Exporter:    v.GetString("telemetry.exporter"),
			Endpoint:    v.GetString("telemetry.endpoint"),
			Insecure:    v.GetBool("telemetry.insecure"),
			SampleRatio: v.GetFloat64("telemetry.sample_ratio"),
		},
		Metrics: MetricsConfig{
			Kind:      v.GetString("metrics.kind"),
			Namespace: v.GetString("metrics.namespace"),
		},
		Dashboard: DashboardConfig{
			Port:          v.GetInt("dashboard.port"),
			EnablePprof:   v.GetBool("dashboard.pprof"),
			AccountURL:    v.GetString("dashboard.account_url"),
			ExpenseURL:    v.GetString("dashboard.expense_url"),
			AccountPolicy: policy(v, "dashboard.account"),
			ExpensePolicy: policy(v, "dashboard.expense"),
			KnownMissing:  knownMissing,
			NegativeTTL:   v.GetDuration("dashboard.negative_ttl"),
		},
		Account: ServiceConfig{Port: v.GetInt("account.port")},
		Expense: ServiceConfig{Port: v.GetInt("expense.port")},
		Channel: v.GetString("channel.kind"),
		Memory: memory.ChannelConfig{
			Partitions:      v.GetInt("channel.partitions"),
			QueueSize:       v.GetInt("channel.queue_size"),
			MaxWaitTime:     v.GetDuration("channel.max_wait_time"),
			MaxRedeliveries: v.GetInt("channel.max_redeliveries"),
			RedeliveryDelay: v.GetDuration("channel.redelivery_delay"),
			HandlerTimeout:  v.GetDuration("channel.handler_timeout"),
		},
		Redis: redis.ChannelConfig{
			Addr:            v.GetString("redis.addr"),
			ClusterAddrs:    v.GetStringSlice("redis.cluster_addrs"),
			Username:        v.GetString("redis.username"),
			Password:        v.GetString("redis.password"),
			DB:              v.GetInt("redis.db"),
			KeyPrefix:       v.GetString("redis.key_prefix"),
			Partitions:      v.GetInt("channel.partitions"),
			Consumer:        v.GetString("redis.consumer"),
			ClaimMinIdle:    v.GetDuration("redis.claim_min_idle"),
			ClaimInterval:   v.GetDuration("redis.claim_interval"),
			BatchSize:       v.GetInt64("redis.batch_size"),
			Block:           v.GetDuration("redis.block"),
			MaxRedeliveries: v.GetInt("channel.max_redeliveries"),
			RedeliveryDelay: v.GetDuration("channel.redelivery_delay"),
			HandlerTimeout:  v.GetDuration("channel.handler_timeout"),
			DialTimeout:     v.GetDuration("redis.dial_timeout"),
			WriteTimeout:    v.GetDuration("redis.write_timeout"),
		},
		Store: v.GetString("store.kind"),
		Postgres: postgres.Config{
			Host:            v.GetString("postgres.host"),
			Port:            v.GetInt("postgres.port"),
			User:            v.GetString("postgres.user"),
			Password:        v.GetString("postgres.password"),
			Database:        v.GetString("postgres.dbname"),
			SSLMode:         v.GetString("postgres.sslmode"),
			MaxOpenConns:    v.GetInt("postgres.max_open_conns"),
			MaxIdleConns:    v.GetInt("postgres.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("postgres.conn_max_lifetime"),
		},
		Bloom: BloomConfig{
			ExpectedItems: v.GetUint("bloom.expected_items"),
			FPRate:        v.GetFloat64("bloom.fp_rate"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations no process could run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Channel {
	case ChannelMemory, ChannelRedis:
	default:
		errs = append(errs, fmt.Errorf("channel.kind must be %q or %q, got %q", ChannelMemory, ChannelRedis, c.Channel))
	}
	switch c.Store {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("store.kind must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store))
	}
	switch c.Metrics.Kind {
	case MetricsPrometheus, MetricsMemory, MetricsNone:
	default:
		errs = append(errs, fmt.Errorf("metrics.kind must be prometheus, memory or none, got %q", c.Metrics.Kind))
	}
	for name, port := range map[string]int{"dashboard": c.Dashboard.Port, "account": c.Account.Port, "expense": c.Expense.Port} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s.port out of range: %d", name, port))
		}
	}
	if c.Memory.Partitions < 1 {
		errs = append(errs, fmt.Errorf("channel.partitions must be positive, got %d", c.Memory.Partitions))
	}
	if c.Dashboard.AccountPolicy.Retry.MaxAttempts < 1 || c.Dashboard.ExpensePolicy.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}
	if c.Bloom.ExpectedItems > 0 && (c.Bloom.FPRate <= 0 || c.Bloom.FPRate >= 1) {
		errs = append(errs, fmt.Errorf("bloom.fp_rate must be in (0, 1), got %v", c.Bloom.FPRate))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be in [0, 1], got %v", c.Telemetry.SampleRatio))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	logDefaults := logging.DefaultConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.output_paths", logDefaults.OutputPaths)
	v.SetDefault("log.development", false)

	tel := telemetry.DefaultConfig()
	v.SetDefault("telemetry.enabled", tel.Enabled)
	v.SetDefault("telemetry.service_name", tel.ServiceName)
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.exporter", tel.Exporter)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", tel.SampleRatio)

	v.SetDefault("metrics.kind", MetricsPrometheus)
	v.SetDefault("metrics.namespace", "findash")

	b := backend.DefaultConfig()
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("dashboard.pprof", false)
	v.SetDefault("dashboard.account_url", b.AccountURL)
	v.SetDefault("dashboard.expense_url", b.ExpenseURL)
	v.SetDefault("dashboard.known_missing", b.KnownMissing)
	v.SetDefault("dashboard.negative_ttl", b.NegativeTTL)
	policyDefaults(v, "dashboard.account", b.AccountPolicy)
	policyDefaults(v, "dashboard.expense", b.ExpensePolicy)

	v.SetDefault("account.port", 7001)
	v.SetDefault("expense.port", 7002)

	mem := memory.DefaultChannelConfig()
	v.SetDefault("channel.kind", ChannelMemory)
	v.SetDefault("channel.partitions", mem.Partitions)
	v.SetDefault("channel.queue_size", mem.QueueSize)
	v.SetDefault("channel.max_wait_time", mem.MaxWaitTime)
	v.SetDefault("channel.max_redeliveries", mem.MaxRedeliveries)
	v.SetDefault("channel.redelivery_delay", mem.RedeliveryDelay)
	v.SetDefault("channel.handler_timeout", mem.HandlerTimeout)

	r := redis.DefaultChannelConfig()
	v.SetDefault("redis.addr", r.Addr)
	v.SetDefault("redis.cluster_addrs", []string{})
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", r.KeyPrefix)
	v.SetDefault("redis.consumer", "")
	v.SetDefault("redis.claim_min_idle", r.ClaimMinIdle)
	v.SetDefault("redis.claim_interval", r.ClaimInterval)
	v.SetDefault("redis.batch_size", r.BatchSize)
	v.SetDefault("redis.block", r.Block)
	v.SetDefault("redis.dial_timeout", r.DialTimeout)
	v.SetDefault("redis.write_timeout", r.WriteTimeout)

	pg := postgres.DefaultConfig()
	v.SetDefault("store.kind", StoreMemory)
	v.SetDefault("postgres.host", pg.Host)
	v.SetDefault("postgres.port", pg.Port)
	v.SetDefault("postgres.user", pg.User)
	v.SetDefault("postgres.password", pg.Password)
	v.SetDefault("postgres.dbname", pg.Database)
	v.SetDefault("postgres.sslmode", pg.SSLMode)
	v.SetDefault("postgres.max_open_conns", pg.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", pg.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", pg.ConnMaxLifetime)

	v.SetDefault("bloom.expected_items", 100000)
	v.SetDefault("bloom.fp_rate", 0.01)
}

func policyDefaults(v *viper.Viper, prefix string, p resilience.Policy) {
	v.SetDefault(prefix+".timeout", p.Timeout)
	v.SetDefault(prefix+".retry.max_attempts", p.Retry.MaxAttempts)
	v.SetDefault(prefix+".retry.initial_backoff", p.Retry.InitialBackoff)
	v.SetDefault(prefix+".retry.max_backoff", p.Retry.MaxBackoff)
	v.SetDefault(prefix+".retry.multiplier", p.Retry.Multiplier)
	v.SetDefault(prefix+".breaker.max_requests", p.CircuitBreaker.MaxRequests)
	v.SetDefault(prefix+".breaker.interval", p.CircuitBreaker.Interval)
	v.SetDefault(prefix+".breaker.timeout", p.CircuitBreaker.Timeout)
	v.SetDefault(prefix+".breaker.minimum_calls", p.CircuitBreaker.MinimumCalls)
	v.SetDefault(prefix+".breaker.failure_ratio", p.CircuitBreaker.FailureRatio)
	v.SetDefault(prefix+".fallback_on_exhausted", p.FallbackOnExhausted)
}

func policy(v *viper.Viper, prefix string) resilience.Policy {
	return resilience.Policy{
		Timeout: v.GetDuration(prefix + ".timeout"),
		Retry: resilience.RetryConfig{
			MaxAttempts:    v.GetInt(prefix + ".retry.max_attempts"),
			InitialBackoff: v.GetDuration(prefix + ".retry.initial_backoff"),
			MaxBackoff:     v.GetDuration(prefix + ".retry.max_backoff"),
			Multiplier:     v.GetFloat64(prefix + ".retry.multiplier"),
		},
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxRequests:  v.GetUint32(prefix + ".breaker.max_requests"),
			Interval:     v.GetDuration(prefix + ".breaker.interval"),
			Timeout:      v.GetDuration(prefix + ".breaker.timeout"),
			MinimumCalls: v.GetUint32(prefix + ".breaker.minimum_calls"),
			FailureRatio: v.GetFloat64(prefix + ".breaker.failure_ratio"),
		},
		FallbackOnExhausted: v.GetBool(prefix + ".fallback_on_exhausted"),
	}
}

// intList accepts a YAML list or a comma or space separated string, as environment
// variables provide.
func intList(raw interface{}) ([]int, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case []int:
		return append([]int(nil), val...), nil
	case []interface{}:
		out := make([]int, 0, len(val))
		for _, item := range val {
			n, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(item)))
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case string:
		fields := strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' })
		out := make([]int, 0, len(fields))
		for _, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported list %v", raw)
	}
}
