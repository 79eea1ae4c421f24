package updater

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/repository/release"
)

// Committed returns the release on record, or nil when nothing has
// ever been installed.
func (e *Engine) Committed(ctx context.Context) (*domain.Release, error) {
	rel, err := e.repo.Load(ctx)
	if err != nil {
		if errors.Is(err, release.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return rel, nil
}

// Status snapshots the managed service and the agent's view of it for
// diagnostics. Every field is best-effort; a status call must never
// fail outright.
func (e *Engine) Status(ctx context.Context) *domain.Status {
	status := &domain.Status{
		ServiceActive: e.sup.IsRunning(ctx),
	}

	if rel, err := e.repo.Load(ctx); err == nil {
		status.Committed = rel
	}

	usage, err := disk.UsageWithContext(ctx, filepath.Dir(e.cfg.BinaryPath))
	if err != nil {
		logger.DebugKV(ctx, "Unable to read disk usage", "error", err)
		return status
	}

	status.DiskFreeBytes = usage.Free

	return status
}
