package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/config"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/service/agent"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// logLevel overrides the configured log verbosity.
	logLevel string
	// logFilePath overrides the configured rotating log file.
	logFilePath string

	// rootCmd represents the base command for running the update agent.
	rootCmd = &cobra.Command{
		Use:   "kaonic-otad [listen-address]",
		Short: "Run the update agent for the kaonic-commd service.",
		Long: `Starts the update agent that accepts signed OTA packages over HTTP and
installs them into the managed executable.

The agent verifies each upload against the device's trusted public key,
swaps the executable under a backup, restarts the systemd unit and rolls
back automatically when the new build fails its health probe. Before the
API starts listening the managed executable is reconciled against the
recorded release.

Listen address can be provided as argument to override the configuration
(e.g. :8682, 0.0.0.0:9000).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Use listen address argument if provided, otherwise rely on config.
			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			return agent.Run(ctx, agentOptions(listenAddress))
		},
	}
)

// agentOptions collects the command-line overrides for the agent.
func agentOptions(listenAddress string) *agent.Options {
	return &agent.Options{
		ConfigPath:    configPath,
		ListenAddress: listenAddress,
		LogLevel:      logLevel,
		LogFile:       logFilePath,
	}
}

// Execute runs the kaonic-otad CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", "", "path to configuration file (default "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().
		StringVarP(&logLevel, "log-level", "l", "", "log level: debug, info, warn, error (overrides configuration)")
	rootCmd.PersistentFlags().
		StringVar(&logFilePath, "log-file", "", "duplicate logs into a rotating file (overrides configuration)")
}
