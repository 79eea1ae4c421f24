package supervisor

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mitchellh/go-ps"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
)

// Supervisor controls the managed service through the init system.
// Stop and Start are best-effort: the init system owns the truth about
// unit state, and the health probe is what decides success.
type Supervisor interface {
	Stop(ctx context.Context)
	Start(ctx context.Context)
	IsRunning(ctx context.Context) bool
	ProbeHealthy(ctx context.Context, maxAttempts int, interval time.Duration) bool
}

// errServiceNotActive drives the probe's retry loop.
var errServiceNotActive = errors.New("service is not active")

// Systemd supervises a unit with the systemctl tool.
type Systemd struct {
	// unit is the systemd unit name, e.g. "kaonic-commd.service".
	unit string
	// processName is the executable name of the managed binary, used
	// to detect stragglers after a stop.
	processName string
}

// NewSystemd creates a supervisor for the given unit. processName is
// the base name of the managed executable.
func NewSystemd(unit, processName string) *Systemd {
	return &Systemd{
		unit:        unit,
		processName: processName,
	}
}

// Stop asks systemd to stop the unit and warns about leftover
// processes that survived it. Errors are logged, not returned: a unit
// that was not running stops just as well.
func (s *Systemd) Stop(ctx context.Context) {
	logger.InfoKV(ctx, "Stopping service", "unit", s.unit)

	if err := s.systemctl(ctx, "stop", s.unit); err != nil {
		logger.WarnKV(ctx, "Stop command failed", "unit", s.unit, "error", err)
	}

	s.warnAboutStragglers(ctx)
}

// Start asks systemd to start the unit.
func (s *Systemd) Start(ctx context.Context) {
	logger.InfoKV(ctx, "Starting service", "unit", s.unit)

	if err := s.systemctl(ctx, "start", s.unit); err != nil {
		logger.WarnKV(ctx, "Start command failed", "unit", s.unit, "error", err)
	}
}

// IsRunning reports whether systemd considers the unit active.
func (s *Systemd) IsRunning(ctx context.Context) bool {
	return s.systemctl(ctx, "is-active", "--quiet", s.unit) == nil
}

// ProbeHealthy polls the unit until it reports active, giving up after
// maxAttempts checks spaced by interval.
func (s *Systemd) ProbeHealthy(ctx context.Context, maxAttempts int, interval time.Duration) bool {
	healthy := probe(ctx, maxAttempts, interval, func() bool {
		return s.IsRunning(ctx)
	})

	if healthy {
		logger.InfoKV(ctx, "Service is active", "unit", s.unit)
	} else {
		logger.WarnKV(ctx, "Service did not become active", "unit", s.unit, "attempts", maxAttempts)
	}

	return healthy
}

// probe runs check up to maxAttempts times, sleeping interval between
// attempts, and reports whether any attempt succeeded. A canceled
// context aborts the wait and counts as failure.
func probe(ctx context.Context, maxAttempts int, interval time.Duration, check func() bool) bool {
	if maxAttempts < 1 {
		return false
	}

	attempt := func() error {
		if check() {
			return nil
		}

		return errServiceNotActive
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1)),
		ctx)

	return backoff.Retry(attempt, policy) == nil
}

// systemctl runs the tool with output discarded, mirroring how an
// operator would invoke it non-interactively.
func (s *Systemd) systemctl(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	return cmd.Run()
}

// warnAboutStragglers lists OS processes and flags ones still carrying
// the managed executable's name after a stop. Purely diagnostic.
func (s *Systemd) warnAboutStragglers(ctx context.Context) {
	if s.processName == "" {
		return
	}

	processList, err := ps.Processes()
	if err != nil {
		logger.DebugKV(ctx, "Unable to list processes", "error", err)
		return
	}

	for _, process := range processList {
		if process.Executable() != s.processName {
			continue
		}

		logger.WarnKV(ctx, "Process still running after stop",
			"pid", process.Pid(),
			"executable", s.processName)
	}
}
