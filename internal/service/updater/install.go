package updater

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
)

const (
	// executableFileMode is applied to the managed binary on install.
	executableFileMode os.FileMode = 0o755

	// metadataDirPermissions is used when creating the metadata directory.
	metadataDirPermissions os.FileMode = 0o755

	// checksumFunction verifies the bytes go-update writes to disk
	// against the already-verified candidate digest.
	checksumFunction crypto.Hash = crypto.SHA256
)

// install performs the mutating half of a transaction on an already
// verified candidate: stop the service, back up the current binary,
// swap in the new one, restart, probe health and commit the release.
// Any failure after the swap rolls back to the backup.
func (e *Engine) install(ctx context.Context, cand *domain.Candidate) (*domain.Release, error) {
	e.sup.Stop(ctx)

	if err := e.backupActive(ctx); err != nil {
		// The managed binary is untouched; bring the service back up.
		e.sup.Start(ctx)
		return nil, fmt.Errorf("back up active binary: %w", err)
	}

	if err := e.replaceActive(ctx, cand); err != nil {
		logger.ErrorKV(ctx, "Install failed, restoring previous binary", "error", err)
		e.restoreBackup(ctx)
		e.sup.Start(ctx)

		return nil, fmt.Errorf("install candidate binary: %w", err)
	}

	e.sup.Start(ctx)

	if !e.sup.ProbeHealthy(ctx, e.cfg.ProbeAttempts, e.cfg.ProbeInterval) {
		logger.Warn(ctx, "Service did not become healthy on the new binary, rolling back")
		e.rollback(ctx)

		return nil, ErrHealthCheckFailed
	}

	rel := cand.Release()
	if err := e.repo.Save(ctx, rel); err != nil {
		// The new binary runs, but a release that is not on record
		// would be reverted by the next boot's reconciliation anyway.
		// Roll back now so disk and record agree.
		logger.ErrorKV(ctx, "Unable to record release, rolling back", "error", err)
		e.rollback(ctx)

		return nil, fmt.Errorf("record release: %w", err)
	}

	return rel, nil
}

// backupActive preserves the current binary in the metadata directory.
// A stale backup is removed first. On a first install there is nothing
// to preserve and that is fine.
func (e *Engine) backupActive(ctx context.Context) error {
	if _, err := os.Stat(e.cfg.BackupPath); err == nil {
		if err = os.Remove(e.cfg.BackupPath); err != nil {
			return fmt.Errorf("remove stale backup: %w", err)
		}
	}

	if _, err := os.Stat(e.cfg.BinaryPath); errors.Is(err, os.ErrNotExist) {
		logger.Info(ctx, "No active binary to back up, treating as first install")
		return nil
	}

	logger.InfoKV(ctx, "Backing up active binary", "path", e.cfg.BackupPath)

	if err := copyFile(e.cfg.BinaryPath, e.cfg.BackupPath); err != nil {
		return err
	}

	return nil
}

// replaceActive swaps the staged binary into the managed path. The
// checksum is passed down so the bytes that land on disk are verified
// once more against the digest that was signed off on.
func (e *Engine) replaceActive(ctx context.Context, cand *domain.Candidate) error {
	checksum, err := cand.Digest.Bytes()
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Installing new binary", "path", e.cfg.BinaryPath, "version", cand.Version)

	return applyBinary(cand.BinaryPath, e.cfg.BinaryPath, checksum)
}

// restoreBackup copies the preserved binary back over the managed
// path. The backup itself is kept so repeated recoveries stay possible.
func (e *Engine) restoreBackup(ctx context.Context) {
	if _, err := os.Stat(e.cfg.BackupPath); err != nil {
		logger.Warn(ctx, "Backup binary is absent, nothing to restore")
		return
	}

	if err := applyBinary(e.cfg.BackupPath, e.cfg.BinaryPath, nil); err != nil {
		logger.ErrorKV(ctx, "Unable to restore backup", "error", err)
		return
	}

	logger.InfoKV(ctx, "Backup restored", "path", e.cfg.BinaryPath)
}

// rollback returns the device to the previous binary and restarts the
// service on it.
func (e *Engine) rollback(ctx context.Context) {
	e.sup.Stop(ctx)
	e.restoreBackup(ctx)
	e.sup.Start(ctx)
}

// applyBinary writes sourcePath over targetPath through go-update,
// which stages a sibling file and renames it into place so a running
// executable is never written to directly. checksum may be nil when
// the source is an already-trusted local file.
func applyBinary(sourcePath, targetPath string, checksum []byte) error {
	// go-update refuses to apply onto a target that does not exist
	// yet, which is exactly the first-install case. Satisfy it with an
	// empty placeholder and take the placeholder back out if the apply
	// fails.
	createdPlaceholder := false

	if _, err := os.Stat(targetPath); errors.Is(err, os.ErrNotExist) {
		placeholder, createErr := os.Create(filepath.Clean(targetPath))
		if createErr != nil {
			return fmt.Errorf("create placeholder for %s: %w", targetPath, createErr)
		}

		if createErr = placeholder.Close(); createErr != nil {
			return fmt.Errorf("close placeholder for %s: %w", targetPath, createErr)
		}

		createdPlaceholder = true
	}

	source, err := os.Open(filepath.Clean(sourcePath))
	if err != nil {
		return fmt.Errorf("open %s: %w", sourcePath, err)
	}
	defer source.Close()

	options := goupdate.Options{
		TargetPath: targetPath,
		TargetMode: executableFileMode,
		Checksum:   checksum,
		Hash:       checksumFunction,
	}

	if err = goupdate.Apply(source, options); err != nil {
		if createdPlaceholder {
			_ = os.Remove(targetPath)
		}

		return fmt.Errorf("apply %s: %w", targetPath, err)
	}

	// go-update leaves the displaced binary next to the target; the
	// metadata backup is the rollback source, so drop the leftover.
	oldFileName := targetPath + ".old"
	if _, err = os.Stat(oldFileName); err == nil {
		_ = os.Remove(oldFileName)
	}

	// The target mode passes through the process umask, but the
	// managed binary must stay executable for everyone regardless.
	info, err := os.Stat(targetPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", targetPath, err)
	}

	if err = os.Chmod(targetPath, info.Mode().Perm()|0o111); err != nil {
		return fmt.Errorf("mark %s executable: %w", targetPath, err)
	}

	return nil
}

// copyFile clones a file's contents and permissions, syncing the copy
// to disk before returning.
func copyFile(sourcePath, destPath string) error {
	source, err := os.Open(filepath.Clean(sourcePath))
	if err != nil {
		return fmt.Errorf("open %s: %w", sourcePath, err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", sourcePath, err)
	}

	dest, err := os.OpenFile(filepath.Clean(destPath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}

	if _, err = io.Copy(dest, source); err != nil {
		_ = dest.Close()
		return fmt.Errorf("copy to %s: %w", destPath, err)
	}

	if err = dest.Sync(); err != nil {
		_ = dest.Close()
		return fmt.Errorf("sync %s: %w", destPath, err)
	}

	if err = dest.Close(); err != nil {
		return fmt.Errorf("close %s: %w", destPath, err)
	}

	return nil
}
