package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/repository/release"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/service/supervisor"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/signature"
)

// Terminal outcomes an update transaction can end in, besides success.
var (
	// ErrNoTrustedKey means the device has no provisioned public key,
	// so no package can ever be accepted.
	ErrNoTrustedKey = errors.New("trusted public key is not provisioned")
	// ErrArchiveInvalid means the upload is not a readable ZIP archive.
	ErrArchiveInvalid = errors.New("update package is not a valid archive")
	// ErrDigestMismatch means the binary does not match the digest the
	// package claims for it.
	ErrDigestMismatch = errors.New("binary digest mismatch")
	// ErrSignatureInvalid means the detached signature did not verify
	// under the trusted key.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrHealthCheckFailed means the new binary was installed but the
	// service never became healthy, and the previous binary was restored.
	ErrHealthCheckFailed = errors.New("updated service failed health check")
	// ErrUpdateInProgress means another transaction holds the engine.
	ErrUpdateInProgress = errors.New("another update is already in progress")
)

// MissingArtifactError reports a required entry absent from the package.
type MissingArtifactError struct {
	// Name is the artifact entry that was not found.
	Name string
}

// Error implements the error interface.
func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("missing %s in update package", e.Name)
}

// Config carries the paths and tunables the engine operates on.
// Everything is injected explicitly so tests can point the engine at
// throwaway directories.
type Config struct {
	// BinaryPath is the managed executable, e.g. /usr/bin/kaonic-commd.
	BinaryPath string
	// MetadataDir holds the backup, the release manifest and the
	// trusted key, e.g. /etc/kaonic.
	MetadataDir string
	// BackupPath is where the previous binary is kept for rollback.
	BackupPath string
	// TrustedKeyPath is the PEM public key uploads must verify against.
	TrustedKeyPath string
	// ProbeAttempts is how many times the health probe polls the
	// service after an install.
	ProbeAttempts int
	// ProbeInterval is the pause between health probe attempts.
	ProbeInterval time.Duration
}

// binaryName returns the base name of the managed executable, which
// also names the artifacts inside update packages.
func (c Config) binaryName() string {
	return filepath.Base(c.BinaryPath)
}

// Engine executes update transactions against the managed binary.
// A single mutex serializes transactions; concurrent attempts are
// rejected immediately instead of queueing, because a queued update
// would operate on state the caller never saw.
type Engine struct {
	cfg  Config
	sup  supervisor.Supervisor
	repo release.Repository
	mu   sync.Mutex
}

// NewEngine wires an engine from its collaborators.
func NewEngine(cfg Config, sup supervisor.Supervisor, repo release.Repository) *Engine {
	return &Engine{
		cfg:  cfg,
		sup:  sup,
		repo: repo,
	}
}

// Apply runs one full update transaction from an uploaded package:
// verify the trust anchor exists, stage and validate the archive,
// check digest and signature, then stop the service, back up the
// current binary, install the new one, restart and probe health.
// A failed probe rolls back to the backup. The committed release is
// returned on success.
func (e *Engine) Apply(ctx context.Context, archive io.ReaderAt, size int64) (*domain.Release, error) {
	if !e.mu.TryLock() {
		return nil, ErrUpdateInProgress
	}
	defer e.mu.Unlock()

	ctx = logger.WithKV(ctx, "transaction_id", uuid.NewString())
	logger.InfoKV(ctx, "Update transaction started", "size", size)

	if err := os.MkdirAll(e.cfg.MetadataDir, metadataDirPermissions); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}

	key, err := e.loadTrustedKey(ctx)
	if err != nil {
		return nil, err
	}

	cand, cleanup, err := e.stagePackage(ctx, archive, size)
	defer cleanup()

	if err != nil {
		return nil, err
	}

	if err = e.verifyCandidate(ctx, key, cand); err != nil {
		return nil, err
	}

	// The package is authentic. From here on the transaction must run
	// to a terminal state even if the uploader disconnects, so the
	// caller's cancellation no longer applies.
	ctx = context.WithoutCancel(ctx)

	if err = e.ensureDiskSpace(ctx, cand); err != nil {
		return nil, err
	}

	rel, err := e.install(ctx, cand)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Update transaction committed", "version", rel.Version, "sha256", rel.Digest)

	return rel, nil
}

// loadTrustedKey fetches the device's trust anchor. A missing key file
// is a configuration problem. A present but unreadable one is treated
// exactly like a bad signature so probing the endpoint cannot tell the
// two apart.
func (e *Engine) loadTrustedKey(ctx context.Context) (*signature.PublicKey, error) {
	key, err := signature.LoadPublicKey(e.cfg.TrustedKeyPath)
	if err == nil {
		return key, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		logger.Warn(ctx, "Trusted public key is not provisioned, rejecting upload")
		return nil, ErrNoTrustedKey
	}

	logger.ErrorKV(ctx, "Unable to load trusted public key", "error", err)

	return nil, ErrSignatureInvalid
}

// verifyCandidate is the security gate: the staged binary must match
// the digest the package claims and carry a valid signature over its
// raw contents. Nothing on the device has been touched yet when this
// rejects.
func (e *Engine) verifyCandidate(ctx context.Context, key *signature.PublicKey, cand *domain.Candidate) error {
	computed, err := integrity.SumFile(cand.BinaryPath)
	if err != nil {
		return fmt.Errorf("hash candidate binary: %w", err)
	}

	if !computed.Equal(cand.Digest) {
		logger.WarnKV(ctx, "Candidate digest mismatch",
			"claimed", cand.Digest,
			"computed", computed)

		return ErrDigestMismatch
	}

	contents, err := os.ReadFile(cand.BinaryPath)
	if err != nil {
		return fmt.Errorf("read candidate binary: %w", err)
	}

	if !signature.Verify(ctx, key, contents, cand.Signature) {
		logger.WarnKV(ctx, "Candidate signature rejected", "algorithm", key.Algorithm())
		return ErrSignatureInvalid
	}

	logger.InfoKV(ctx, "Candidate verified",
		"version", cand.Version,
		"sha256", cand.Digest,
		"algorithm", key.Algorithm())

	return nil
}

// ensureDiskSpace preflights the two copies the install is about to
// make: the staged binary landing next to the managed one, and the
// backup landing in the metadata directory. The check is best-effort;
// if usage cannot be determined the install proceeds and real write
// errors surface later.
func (e *Engine) ensureDiskSpace(ctx context.Context, cand *domain.Candidate) error {
	candInfo, err := os.Stat(cand.BinaryPath)
	if err != nil {
		return fmt.Errorf("stat candidate binary: %w", err)
	}

	if err = checkFreeSpace(ctx, filepath.Dir(e.cfg.BinaryPath), uint64(candInfo.Size())); err != nil {
		return err
	}

	activeInfo, err := os.Stat(e.cfg.BinaryPath)
	if err != nil {
		// Nothing to back up on a first install.
		return nil
	}

	return checkFreeSpace(ctx, e.cfg.MetadataDir, uint64(activeInfo.Size()))
}

// checkFreeSpace verifies the filesystem holding dir has room for need bytes.
func checkFreeSpace(ctx context.Context, dir string, need uint64) error {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		logger.DebugKV(ctx, "Unable to check disk space", "dir", dir, "error", err)
		return nil
	}

	if usage.Free < need {
		return fmt.Errorf("insufficient disk space in %s: need %d bytes, free %d", dir, need, usage.Free)
	}

	return nil
}
