package main

import (
	"fmt"
	"os"

	"findash/pkg/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "findash",
		Short:   "Personal-finance dashboard composite and its account and expense services",
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./findash.yaml if present)")

	rootCmd.AddCommand(
		newDashboardCmd(&configPath),
		newAccountCmd(&configPath),
		newExpenseCmd(&configPath),
		newAllCmd(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		reportFailure(err)
		os.Exit(1)
	}
}

// reportFailure logs err with a logger configured from the environment only, since
// the configured logger may not exist yet (for example when the config is invalid).
func reportFailure(err error) {
	logger, lerr := logging.NewLoggerFromEnv("findash")
	if lerr != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return
	}
	logger.Error("findash failed", zap.Error(err))
	logger.Sync()
}
