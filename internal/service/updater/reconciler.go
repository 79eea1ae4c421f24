package updater

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/repository/release"
)

// Reconcile runs once at agent startup and repairs the aftermath of an
// interrupted transaction or a power loss. The managed binary is
// trusted only when it hashes to the recorded digest; anything else,
// including a missing record, gets the backup restored over it.
// A device with no binary, no backup and no record is considered
// fresh and left alone.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx = logger.WithName(ctx, "reconciler")

	if _, err := os.Stat(e.cfg.MetadataDir); errors.Is(err, os.ErrNotExist) {
		logger.InfoKV(ctx, "Creating metadata directory", "path", e.cfg.MetadataDir)

		if err = os.MkdirAll(e.cfg.MetadataDir, metadataDirPermissions); err != nil {
			return fmt.Errorf("create metadata directory: %w", err)
		}
	}

	activeExists := fileExists(e.cfg.BinaryPath)
	backupExists := fileExists(e.cfg.BackupPath)

	if !activeExists && !backupExists {
		logger.Info(ctx, "Nothing installed yet, nothing to reconcile")
		return nil
	}

	if e.activeMatchesRecord(ctx, activeExists) {
		logger.Info(ctx, "Active binary matches the recorded release")
		return nil
	}

	logger.Warn(ctx, "Active binary does not match the recorded release, restoring backup")

	e.sup.Stop(ctx)
	e.restoreBackup(ctx)
	e.sup.Start(ctx)

	return nil
}

// activeMatchesRecord reports whether the managed binary exists and
// hashes to the digest on record. Every failure mode along the way
// (no record, corrupt record, unreadable binary) counts as a mismatch.
func (e *Engine) activeMatchesRecord(ctx context.Context, activeExists bool) bool {
	if !activeExists {
		logger.Warn(ctx, "Active binary is missing")
		return false
	}

	recorded, err := e.repo.Load(ctx)
	if err != nil {
		if errors.Is(err, release.ErrNotFound) {
			logger.Warn(ctx, "No release on record for an existing binary")
		} else {
			logger.WarnKV(ctx, "Release record is unreadable", "error", err)
		}

		return false
	}

	computed, err := integrity.SumFile(e.cfg.BinaryPath)
	if err != nil {
		logger.WarnKV(ctx, "Unable to hash active binary", "error", err)
		return false
	}

	if !computed.Equal(recorded.Digest) {
		logger.WarnKV(ctx, "Active binary digest mismatch",
			"recorded", recorded.Digest,
			"computed", computed)

		return false
	}

	return true
}

// fileExists reports whether the path points at an existing file.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
