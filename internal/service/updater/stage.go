package updater

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
)

const (
	// scratchDirPattern names the per-transaction staging directories.
	scratchDirPattern = "kaonic-ota-*"

	// smallArtifactLimit caps the metadata artifacts (digest, version,
	// signature). A digest is 64 bytes and an RSA-4096 signature is 512;
	// anything past this limit is not a plausible artifact.
	smallArtifactLimit = 4096
)

// stagePackage opens the uploaded archive and extracts the four
// required artifacts into a scratch directory. The returned cleanup
// always removes the scratch directory and is safe to call even when
// staging failed. Only the known artifact names are ever extracted, so
// hostile entry names cannot escape the scratch directory.
func (e *Engine) stagePackage(ctx context.Context, archive io.ReaderAt, size int64) (*domain.Candidate, func(), error) {
	cleanup := func() {}

	reader, err := zip.NewReader(archive, size)
	if err != nil {
		logger.WarnKV(ctx, "Upload is not a readable archive", "error", err)
		return nil, cleanup, ErrArchiveInvalid
	}

	scratchDir, err := os.MkdirTemp("", scratchDirPattern)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create scratch directory: %w", err)
	}

	cleanup = func() {
		_ = os.RemoveAll(scratchDir)
	}

	entries := make(map[string]*zip.File, len(reader.File))
	for _, entry := range reader.File {
		entries[entry.Name] = entry
	}

	arts := domain.Artifacts(e.cfg.binaryName())
	for _, name := range arts.Names() {
		if _, found := entries[name]; !found {
			return nil, cleanup, &MissingArtifactError{Name: name}
		}
	}

	binaryPath := filepath.Join(scratchDir, arts.Binary)
	if err = extractEntry(entries[arts.Binary], binaryPath); err != nil {
		return nil, cleanup, fmt.Errorf("extract candidate binary: %w", err)
	}

	digestText, err := readSmallEntry(entries[arts.Digest])
	if err != nil {
		return nil, cleanup, err
	}

	versionText, err := readSmallEntry(entries[arts.Version])
	if err != nil {
		return nil, cleanup, err
	}

	sig, err := readSmallEntry(entries[arts.Signature])
	if err != nil {
		return nil, cleanup, err
	}

	// A claimed digest that does not even parse can never match the
	// binary, so it is reported as the same integrity failure.
	claimed, err := integrity.ParseDigest(string(digestText))
	if err != nil {
		logger.WarnKV(ctx, "Package carries an unparsable digest", "error", err)
		return nil, cleanup, ErrDigestMismatch
	}

	cand := &domain.Candidate{
		BinaryPath: binaryPath,
		Version:    strings.TrimSpace(string(versionText)),
		Digest:     claimed,
		Signature:  sig,
	}

	logger.InfoKV(ctx, "Package staged",
		"version", cand.Version,
		"claimed_sha256", cand.Digest)

	return cand, cleanup, nil
}

// extractEntry streams one archive entry to a file on disk.
func extractEntry(entry *zip.File, destPath string) error {
	source, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer source.Close()

	dest, err := os.Create(filepath.Clean(destPath))
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}

	if _, err = io.Copy(dest, source); err != nil {
		_ = dest.Close()
		return fmt.Errorf("extract %s: %w", entry.Name, err)
	}

	if err = dest.Close(); err != nil {
		return fmt.Errorf("close %s: %w", destPath, err)
	}

	return nil
}

// readSmallEntry reads a metadata artifact into memory, rejecting
// entries that exceed the size any legitimate one could have.
func readSmallEntry(entry *zip.File) ([]byte, error) {
	source, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer source.Close()

	contents, err := io.ReadAll(io.LimitReader(source, smallArtifactLimit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", entry.Name, err)
	}

	if len(contents) > smallArtifactLimit {
		return nil, fmt.Errorf("%w: %s is too large", ErrArchiveInvalid, entry.Name)
	}

	return contents, nil
}
