package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/api/http/ota"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/config"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/repository/release"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/service/supervisor"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/service/updater"
)

// Options controls the kaonic-otad process and configuration.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional listen address override for
	// the HTTP API.
	ListenAddress string
	// LogLevel provides an optional log level override.
	LogLevel string
	// LogFile provides an optional rotating log file override.
	LogFile string
}

const (
	// readHeaderTimeout bounds how long a client may dawdle over its
	// request headers. Uploads themselves are not limited by it.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout is how long graceful shutdown waits for in-flight
	// requests. It must cover a full update transaction including the
	// health probe.
	shutdownTimeout = 60 * time.Second
)

// errUnknownLogLevel indicates an unrecognized log level setting.
var errUnknownLogLevel = errors.New("unknown log level")

// Run starts the update agent and blocks until the context is canceled
// or the HTTP server stops. The managed executable is reconciled
// against the recorded release before the listener binds, so the API
// never serves alongside an unrepaired binary.
func Run(ctx context.Context, opts *Options) error {
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	// Logging is configured before the first named logger is derived,
	// so the file sink, when enabled, sees every message below.
	if err := setupLogging(settings, opts); err != nil {
		return err
	}

	ctx = logger.WithName(ctx, "kaonic-otad")

	listenAddress := settings.ListenAddress
	if opts.ListenAddress != "" {
		listenAddress = opts.ListenAddress
	}

	repo := release.NewFileRepository(settings.ManifestPath())
	systemd := supervisor.NewSystemd(settings.ServiceName, settings.BinaryName())

	engine := updater.NewEngine(updater.Config{
		BinaryPath:     settings.BinaryPath,
		MetadataDir:    settings.MetadataDir,
		BackupPath:     settings.BackupPath(),
		TrustedKeyPath: settings.TrustedKeyPath(),
		ProbeAttempts:  settings.ProbeAttempts,
		ProbeInterval:  settings.ProbeInterval,
	}, systemd, repo)

	// A failed repair is logged, not fatal: the device must keep
	// accepting uploads, since a fresh update is the way out of a
	// broken state.
	if err := engine.Reconcile(ctx); err != nil {
		logger.Errorf(ctx, "Startup reconciliation failed: %v", err)
	}

	router := mux.NewRouter()

	var handlerOptions []ota.Option
	if settings.MaxUploadBytes > 0 {
		handlerOptions = append(handlerOptions, ota.WithMaxUploadBytes(settings.MaxUploadBytes))
	}

	ota.NewHandler(engine, handlerOptions...).Register(router)

	// Setup TCP listener for the HTTP server.
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddress, err)
	}

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	logger.InfoKV(ctx, "Update agent listening",
		"listen_address", listenAddress,
		"binary_path", settings.BinaryPath,
		"service_name", settings.ServiceName)

	// Done channel is closed after Shutdown finishes to ensure we block
	// until in-flight requests drain before returning.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf(ctx, "HTTP server shutdown: %v", err)
		}

		close(done)
	}()

	if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve HTTP: %w", err)
	}

	<-done
	logger.Info(ctx, "HTTP server stopped")

	return nil
}

// setupLogging applies the log settings, command-line overrides
// winning over the configuration file. The rotating file sink shares
// the global level, so SetLevel keeps both outputs in step.
func setupLogging(settings *config.Config, opts *Options) error {
	levelText := settings.LogLevel
	if opts.LogLevel != "" {
		levelText = opts.LogLevel
	}

	level, ok := logger.ParseLogLevel(levelText)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownLogLevel, levelText)
	}

	logger.SetLevel(level)

	logFile := settings.LogFile
	if opts.LogFile != "" {
		logFile = opts.LogFile
	}

	if logFile != "" {
		logger.SetLogger(logger.New(nil, logger.WithRotatingFile(logFile, nil)))
	}

	return nil
}
