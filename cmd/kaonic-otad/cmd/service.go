package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/service/agent"
)

// agentServiceName is the OS service the agent installs itself as.
const agentServiceName = "kaonic-otad"

// program adapts agent.Run to the service manager lifecycle.
type program struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the agent in the background. The service manager
// requires Start to return promptly.
func (p *program) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		if err := agent.Run(ctx, agentOptions("")); err != nil {
			logger.Errorf(ctx, "Update agent stopped: %v", err)
		}
	}()

	return nil
}

// Stop cancels the agent and waits for the HTTP server to drain.
func (p *program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}

	return nil
}

// newServiceConfig describes the agent to the OS service manager. The
// command-line overrides in effect at install time are baked into the
// service arguments.
func newServiceConfig() *service.Config {
	cfg := &service.Config{
		Name:        agentServiceName,
		DisplayName: "Kaonic OTA Agent",
		Description: "Remote update agent for the kaonic-commd service.",
		Arguments:   buildServiceArguments(),
		Option:      make(service.KeyValue),
	}

	if runtime.GOOS == "linux" {
		// Respected only by systemd systems.
		cfg.Dependencies = []string{"After=network.target"}
	}

	return cfg
}

// buildServiceArguments reproduces the current command-line overrides
// in the installed unit.
func buildServiceArguments() []string {
	args := []string{"service", "run"}

	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}

	if logFilePath != "" {
		args = append(args, "--log-file", logFilePath)
	}

	return args
}

// newService builds the service manager handle.
//
//nolint:ireturn // service.New returns the platform-specific implementation.
func newService() (service.Service, error) {
	svc, err := service.New(&program{}, newServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}

	return svc, nil
}

var (
	// serviceCmd groups the OS service management subcommands.
	serviceCmd = &cobra.Command{
		Use:   "service",
		Short: "Manage the agent as an OS service.",
	}

	serviceRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the agent under the OS service manager.",
		RunE: func(*cobra.Command, []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			return svc.Run()
		},
	}

	serviceInstallCmd = &cobra.Command{
		Use:   "install",
		Short: "Install the agent as an OS service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			if err := svc.Install(); err != nil {
				return fmt.Errorf("install service: %w", err)
			}

			cmd.Println("kaonic-otad service has been installed")

			return nil
		},
	}

	serviceUninstallCmd = &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the agent service from the system.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			if err := svc.Uninstall(); err != nil {
				return fmt.Errorf("uninstall service: %w", err)
			}

			cmd.Println("kaonic-otad service has been uninstalled")

			return nil
		},
	}

	serviceStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the installed agent service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			if err := svc.Start(); err != nil {
				return fmt.Errorf("start service: %w", err)
			}

			cmd.Println("kaonic-otad service has been started")

			return nil
		},
	}

	serviceStopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the running agent service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			if err := svc.Stop(); err != nil {
				return fmt.Errorf("stop service: %w", err)
			}

			cmd.Println("kaonic-otad service has been stopped")

			return nil
		},
	}

	serviceStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Report the agent service status.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			status, err := svc.Status()
			if err != nil {
				return fmt.Errorf("query service status: %w", err)
			}

			switch status {
			case service.StatusRunning:
				cmd.Println("kaonic-otad service is running")
			case service.StatusStopped:
				cmd.Println("kaonic-otad service is stopped")
			default:
				cmd.Println("kaonic-otad service state is unknown")
			}

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	serviceCmd.AddCommand(
		serviceRunCmd,
		serviceInstallCmd,
		serviceUninstallCmd,
		serviceStartCmd,
		serviceStopCmd,
		serviceStatusCmd,
	)

	rootCmd.AddCommand(serviceCmd)
}
