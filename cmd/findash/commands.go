package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"findash/pkg/api"
	"findash/pkg/backend"
	"findash/pkg/composite"
	"findash/pkg/consumer"
	"findash/pkg/resilience"
	"findash/pkg/service"

	"github.com/spf13/cobra"
)

func newDashboardCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Run the dashboard composite",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configPath, "dashboard", (*runtime).startDashboard)
		},
	}
}

func newAccountCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Run the account service and its command consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configPath, "account", (*runtime).startAccount)
		},
	}
}

func newExpenseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "expense",
		Short: "Run the expense service and its command consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configPath, "expense", (*runtime).startExpense)
		},
	}
}

func newAllCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the dashboard and both services in one process",
		Long: "Run the dashboard and both services in one process. With the memory channel " +
			"this is the only way commands reach the consumers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configPath, "all",
				(*runtime).startAccount,
				(*runtime).startExpense,
				(*runtime).startDashboard,
			)
		},
	}
}

// run builds the runtime, starts the given components, starts command delivery and
// blocks until SIGINT or SIGTERM.
func run(parent context.Context, configPath, service string, starts ...func(*runtime, context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, configPath, service)
	if err != nil {
		return err
	}

	for _, start := range starts {
		if err := start(rt, ctx); err != nil {
			rt.close()
			return err
		}
	}
	if err := rt.channel.Start(ctx); err != nil {
		rt.close()
		return err
	}

	return rt.wait(ctx)
}

func (rt *runtime) startDashboard(ctx context.Context) error {
	registry := resilience.NewRegistryWithMetrics(rt.metrics)

	cfg := rt.cfg.BackendConfig(service.Address(rt.cfg.Dashboard.Port))
	cfg.Logger = rt.logger
	cfg.Metrics = rt.metrics
	client := backend.NewClient(cfg, registry)
	rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })

	aggregator := composite.NewAggregator(client, rt.logger, rt.metrics)
	dispatcher := composite.NewDispatcher(rt.channel, rt.logger)

	return rt.serve("dashboard", rt.cfg.Dashboard.Port, rt.cfg.Dashboard.EnablePprof,
		api.WithDashboard(aggregator, dispatcher),
		api.WithBreakers(registry),
		api.WithKnownMissing(client),
	)
}

func (rt *runtime) startAccount(ctx context.Context) error {
	if err := rt.openStores(ctx); err != nil {
		return err
	}

	c := consumer.NewAccountConsumer(rt.accounts, consumer.Config{Logger: rt.logger, Metrics: rt.metrics})
	if err := c.Register(rt.channel); err != nil {
		return err
	}

	h := service.NewAccountHandler(rt.accounts, service.Address(rt.cfg.Account.Port), rt.logger)
	return rt.serve("account", rt.cfg.Account.Port, false, api.WithRoutes(h.Routes))
}

func (rt *runtime) startExpense(ctx context.Context) error {
	if err := rt.openStores(ctx); err != nil {
		return err
	}

	c := consumer.NewExpenseConsumer(rt.expenses, consumer.Config{Logger: rt.logger, Metrics: rt.metrics})
	if err := c.Register(rt.channel); err != nil {
		return err
	}

	h := service.NewExpenseHandler(rt.expenses, service.Address(rt.cfg.Expense.Port), rt.logger)
	return rt.serve("expense", rt.cfg.Expense.Port, false, api.WithRoutes(h.Routes))
}
