package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"findash/pkg/api"
	"findash/pkg/command"
	"findash/pkg/command/memory"
	"findash/pkg/command/redis"
	"findash/pkg/config"
	"findash/pkg/logging"
	"findash/pkg/metrics"
	metricsmemory "findash/pkg/metrics/memory"
	promcollector "findash/pkg/metrics/prometheus"
	"findash/pkg/store"
	"findash/pkg/store/bloom"
	storememory "findash/pkg/store/memory"
	"findash/pkg/store/postgres"
	"findash/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// runtime holds what every service of one process shares: configuration, logger,
// metrics, the command channel and the stores.
type runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  metrics.MetricsCollector
	gatherer prometheus.Gatherer
	channel  command.Channel

	db       *sql.DB
	accounts store.AccountStore
	expenses store.ExpenseStore

	servers []*api.Server
	closers []func(context.Context) error
}

func newRuntime(ctx context.Context, configPath, service string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Log
	logCfg.Service = service
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logging.SetGlobal(logger)

	rt := &runtime{cfg: cfg, logger: logger}

	telCfg := cfg.Telemetry
	telCfg.ServiceName = telCfg.ServiceName + "-" + service
	shutdownTracing, err := telemetry.Init(ctx, telCfg, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, shutdownTracing)

	if err := rt.initMetrics(); err != nil {
		rt.close()
		return nil, err
	}
	if err := rt.initChannel(); err != nil {
		rt.close()
		return nil, err
	}

	logger.Info("runtime ready",
		zap.String("channel", cfg.Channel),
		zap.String("store", cfg.Store),
		zap.String("metrics", cfg.Metrics.Kind),
		zap.Bool("tracing", cfg.Telemetry.Enabled),
	)
	return rt, nil
}

func (rt *runtime) initMetrics() error {
	switch rt.cfg.Metrics.Kind {
	case config.MetricsPrometheus:
		registry := prometheus.NewRegistry()
		collector := promcollector.NewPrometheusCollector(rt.cfg.Metrics.Namespace)
		if err := collector.Register(registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.metrics = collector
		rt.gatherer = registry
	case config.MetricsMemory:
		rt.metrics = metricsmemory.NewMemoryCollector()
	default:
		rt.metrics = metrics.NoOpCollector{}
	}
	return nil
}

func (rt *runtime) initChannel() error {
	switch rt.cfg.Channel {
	case config.ChannelRedis:
		chCfg := rt.cfg.Redis
		chCfg.Logger = rt.logger
		ch, err := redis.NewChannel(chCfg, rt.metrics)
		if err != nil {
			return err
		}
		rt.channel = ch
	default:
		chCfg := rt.cfg.Memory
		chCfg.Logger = rt.logger
		rt.channel = memory.NewChannelWithMetrics(chCfg, rt.metrics)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.channel.Close() })
	return nil
}

// openStores opens the configured stores once per process.
func (rt *runtime) openStores(ctx context.Context) error {
	if rt.accounts != nil {
		return nil
	}

	switch rt.cfg.Store {
	case config.StorePostgres:
		db, err := postgres.Open(rt.cfg.Postgres)
		if err != nil {
			return err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return err
		}
		rt.db = db
		rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
		rt.accounts = postgres.NewAccountStore(db)
		rt.expenses = postgres.NewExpenseStore(db)
	default:
		rt.accounts = storememory.NewAccountStore()
		rt.expenses = storememory.NewExpenseStore()
	}

	if rt.cfg.Bloom.ExpectedItems == 0 {
		return nil
	}
	filtered := bloom.NewAccountStore(rt.accounts, rt.cfg.Bloom.ExpectedItems, rt.cfg.Bloom.FPRate)
	if lister, ok := rt.accounts.(store.AccountLister); ok {
		n, err := filtered.WarmFrom(ctx, lister)
		if err != nil {
			return fmt.Errorf("warm account filter: %w", err)
		}
		rt.logger.Info("account filter warmed", zap.Int("accounts", n))
	}
	rt.accounts = filtered
	return nil
}

// serve starts an API server on port with opts plus the shared metrics endpoints.
func (rt *runtime) serve(service string, port int, pprof bool, opts ...api.Option) error {
	cfg := api.DefaultServerConfig()
	cfg.Address = fmt.Sprintf(":%d", port)
	cfg.Service = service
	cfg.EnablePprof = pprof

	opts = append(opts, api.WithMetrics(rt.metrics))
	if rt.gatherer != nil {
		opts = append(opts, api.WithGatherer(rt.gatherer))
	}

	server := api.NewServer(cfg, rt.logger, opts...)
	if err := server.Start(); err != nil {
		return err
	}
	rt.servers = append(rt.servers, server)
	return nil
}

// wait blocks until ctx is done, then shuts everything down.
func (rt *runtime) wait(ctx context.Context) error {
	<-ctx.Done()
	rt.logger.Info("shutting down")
	return rt.close()
}

func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, s := range rt.servers {
		errs = append(errs, s.Stop(ctx))
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	rt.logger.Sync()
	return errors.Join(errs...)
}
