package packager

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/logger"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/signature"
)

// Options contains inputs for the packaging entry point.
type Options struct {
	// BinaryPath is the executable to package.
	BinaryPath string
	// Version is the release label recorded in the package.
	Version string
	// KeyPath is the PEM private key the executable is signed with.
	KeyPath string
	// OutputPath is where the package archive is written. Empty derives
	// "<binary-name>-ota.zip" in the working directory.
	OutputPath string
	// BinaryName overrides the artifact base name inside the archive.
	// Defaults to the base name of BinaryPath, for build trees that name
	// the executable differently than the device does.
	BinaryName string
}

const (
	// binaryEntryMode is recorded on the executable entry so unpacking
	// tools keep it runnable.
	binaryEntryMode = 0o755

	// archiveSuffix completes a derived archive name.
	archiveSuffix = "-ota.zip"

	// defaultVersion labels packages built without an explicit version.
	defaultVersion = "v0.0.0"
)

var (
	// errBinaryRequired is returned when no executable is provided.
	errBinaryRequired = errors.New("binary path must be provided")
	// errKeyRequired is returned when no signing key is provided.
	// Unsigned packages are useless: the device rejects them.
	errKeyRequired = errors.New("signing key path must be provided")
	// errSelfCheckFailed is returned when the fresh signature does not
	// verify against the signer's own public key.
	errSelfCheckFailed = errors.New("signature self-check failed")
)

// packager carries the resolved inputs of one packaging run.
// It is unexported; callers should use Run, which encapsulates setup
// and validation.
type packager struct {
	binaryPath string
	version    string
	keyPath    string
	outputPath string
	artifacts  domain.ArtifactSet
}

// Run executes the packaging workflow: digest, sign, self-verify and
// archive the four artifacts the device expects.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "kaonic-ota-packager")

	pkg, err := newPackager(opts)
	if err != nil {
		return err
	}

	if err = pkg.run(ctx); err != nil {
		return fmt.Errorf("packager failed: %w", err)
	}

	logger.Info(ctx, "Packager completed successfully")

	return nil
}

// newPackager resolves defaults and validates the provided options.
func newPackager(opts *Options) (*packager, error) {
	if opts.BinaryPath == "" {
		return nil, errBinaryRequired
	}

	if opts.KeyPath == "" {
		return nil, errKeyRequired
	}

	name := opts.BinaryName
	if name == "" {
		name = filepath.Base(opts.BinaryPath)
	}

	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = defaultVersion
	}

	outputPath := opts.OutputPath
	if outputPath == "" {
		outputPath = name + archiveSuffix
	}

	return &packager{
		binaryPath: opts.BinaryPath,
		version:    version,
		keyPath:    opts.KeyPath,
		outputPath: outputPath,
		artifacts:  domain.Artifacts(name),
	}, nil
}

// run signs the executable and writes the package archive.
func (p *packager) run(ctx context.Context) error {
	key, err := signature.LoadPrivateKey(p.keyPath)
	if err != nil {
		return err
	}

	contents, err := os.ReadFile(filepath.Clean(p.binaryPath))
	if err != nil {
		return fmt.Errorf("read binary: %w", err)
	}

	digest, err := integrity.SumReader(bytes.NewReader(contents))
	if err != nil {
		return fmt.Errorf("hash binary: %w", err)
	}

	logger.InfoKV(ctx, "Signing executable",
		"binary", p.binaryPath,
		"algorithm", key.Algorithm().String())

	sig, err := signature.Sign(key, contents)
	if err != nil {
		return err
	}

	// Never emit a package the device would reject.
	if !signature.Verify(ctx, key.Public(), contents, sig) {
		return errSelfCheckFailed
	}

	if err = p.writeArchive(contents, digest, sig); err != nil {
		return err
	}

	logger.InfoKV(ctx, "OTA package written",
		"path", p.outputPath,
		"version", p.version,
		"sha256", digest.String())

	p.printNextSteps(ctx)

	return nil
}

// writeArchive creates the output zip with the four expected entries.
func (p *packager) writeArchive(binary []byte, digest integrity.Digest, sig []byte) error {
	out, err := os.Create(filepath.Clean(p.outputPath))
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	archive := zip.NewWriter(out)

	if err = p.writeEntries(archive, binary, digest, sig); err != nil {
		_ = archive.Close()
		_ = out.Close()

		return err
	}

	if err = archive.Close(); err != nil {
		_ = out.Close()

		return fmt.Errorf("finalize archive: %w", err)
	}

	if err = out.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	return nil
}

// writeEntries streams the artifacts into the archive, binary first.
func (p *packager) writeEntries(archive *zip.Writer, binary []byte, digest integrity.Digest, sig []byte) error {
	header := &zip.FileHeader{
		Name:   p.artifacts.Binary,
		Method: zip.Deflate,
	}
	header.SetMode(binaryEntryMode)

	entry, err := archive.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create %s entry: %w", p.artifacts.Binary, err)
	}

	if _, err = entry.Write(binary); err != nil {
		return fmt.Errorf("write %s entry: %w", p.artifacts.Binary, err)
	}

	texts := []struct {
		name     string
		contents string
	}{
		{p.artifacts.Digest, digest.String() + "\n"},
		{p.artifacts.Version, p.version + "\n"},
	}

	for _, text := range texts {
		entry, err = archive.Create(text.name)
		if err != nil {
			return fmt.Errorf("create %s entry: %w", text.name, err)
		}

		if _, err = io.WriteString(entry, text.contents); err != nil {
			return fmt.Errorf("write %s entry: %w", text.name, err)
		}
	}

	entry, err = archive.Create(p.artifacts.Signature)
	if err != nil {
		return fmt.Errorf("create %s entry: %w", p.artifacts.Signature, err)
	}

	if _, err = entry.Write(sig); err != nil {
		return fmt.Errorf("write %s entry: %w", p.artifacts.Signature, err)
	}

	return nil
}

// printNextSteps logs human-readable guidance for shipping the package.
func (p *packager) printNextSteps(ctx context.Context) {
	var builder strings.Builder

	builder.WriteString("Upload the package to the device with:\n")
	builder.WriteString(`curl -F "file=@`)
	builder.WriteString(p.outputPath)
	builder.WriteString(`;type=application/zip" http://<device>:8682/api/ota/commd/upload`)

	logger.Info(ctx, builder.String())
}
