package packager

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/signature"
)

// writeTestKey generates a signing key pair in dir and returns the
// private key path together with the parsed public half.
func writeTestKey(t *testing.T, dir string) (string, *signature.PublicKey) {
	t.Helper()

	key, err := signature.GenerateKey(signature.AlgorithmEd25519, 0)
	require.NoError(t, err)

	privatePath := filepath.Join(dir, "release.pem")
	publicPath := filepath.Join(dir, "release.pub.pem")
	require.NoError(t, signature.WriteKeyPair(key, privatePath, publicPath))

	public, err := signature.LoadPublicKey(publicPath)
	require.NoError(t, err)

	return privatePath, public
}

// readEntry extracts one archive entry fully.
func readEntry(t *testing.T, archive *zip.ReadCloser, name string) []byte {
	t.Helper()

	for _, file := range archive.File {
		if file.Name != name {
			continue
		}

		reader, err := file.Open()
		require.NoError(t, err)

		contents, err := io.ReadAll(reader)
		require.NoError(t, err)
		require.NoError(t, reader.Close())

		return contents
	}

	t.Fatalf("entry %s not found", name)

	return nil
}

// TestRun_ProducesVerifiablePackage packages a binary and checks the
// archive holds exactly what the device verifies.
func TestRun_ProducesVerifiablePackage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	keyPath, public := writeTestKey(t, dir)

	binaryPath := filepath.Join(dir, "kaonic-commd")
	payload := []byte("#!/bin/sh\nexit 0\n")
	require.NoError(t, os.WriteFile(binaryPath, payload, 0o755))

	outputPath := filepath.Join(dir, "kaonic-commd-ota.zip")

	require.NoError(t, Run(ctx, &Options{
		BinaryPath: binaryPath,
		Version:    "1.4.2",
		KeyPath:    keyPath,
		OutputPath: outputPath,
	}))

	archive, err := zip.OpenReader(outputPath)
	require.NoError(t, err)

	defer func() {
		_ = archive.Close()
	}()

	artifacts := domain.Artifacts("kaonic-commd")
	require.Len(t, archive.File, len(artifacts.Names()))

	binary := readEntry(t, archive, artifacts.Binary)
	require.Equal(t, payload, binary)

	// The executable entry keeps its file mode.
	for _, file := range archive.File {
		if file.Name == artifacts.Binary {
			require.Equal(t, os.FileMode(0o755), file.Mode().Perm())
		}
	}

	claimed, err := integrity.ParseDigest(string(readEntry(t, archive, artifacts.Digest)))
	require.NoError(t, err)

	computed, err := integrity.SumFile(binaryPath)
	require.NoError(t, err)
	require.True(t, computed.Equal(claimed))

	require.Equal(t, "1.4.2\n", string(readEntry(t, archive, artifacts.Version)))

	sig := readEntry(t, archive, artifacts.Signature)
	require.True(t, signature.Verify(ctx, public, binary, sig))
}

// TestRun_BinaryNameOverride renames the artifacts independently of the
// build tree's executable name.
func TestRun_BinaryNameOverride(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	keyPath, _ := writeTestKey(t, dir)

	binaryPath := filepath.Join(dir, "kaonic-commd-armv7-release")
	require.NoError(t, os.WriteFile(binaryPath, []byte("payload"), 0o755))

	outputPath := filepath.Join(dir, "out.zip")

	require.NoError(t, Run(ctx, &Options{
		BinaryPath: binaryPath,
		KeyPath:    keyPath,
		OutputPath: outputPath,
		BinaryName: "kaonic-commd",
	}))

	archive, err := zip.OpenReader(outputPath)
	require.NoError(t, err)

	defer func() {
		_ = archive.Close()
	}()

	names := make([]string, 0, len(archive.File))
	for _, file := range archive.File {
		names = append(names, file.Name)
	}

	require.ElementsMatch(t, domain.Artifacts("kaonic-commd").Names(), names)

	// An omitted version falls back to the placeholder label.
	require.Equal(t, defaultVersion+"\n", string(readEntry(t, archive, "kaonic-commd.version")))
}

// TestRun_Validation covers the required-input checks.
func TestRun_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	err := Run(ctx, &Options{KeyPath: "release.pem"})
	require.ErrorIs(t, err, errBinaryRequired)

	err = Run(ctx, &Options{BinaryPath: "kaonic-commd"})
	require.ErrorIs(t, err, errKeyRequired)

	dir := t.TempDir()
	keyPath, _ := writeTestKey(t, dir)

	err = Run(ctx, &Options{
		BinaryPath: filepath.Join(dir, "absent"),
		KeyPath:    keyPath,
		OutputPath: filepath.Join(dir, "out.zip"),
	})
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestKeygen checks the generated pair loads back with the requested
// algorithm.
func TestKeygen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	prefix := filepath.Join(t.TempDir(), "release")

	require.NoError(t, Keygen(ctx, &KeygenOptions{
		Algorithm:    "ed25519",
		OutputPrefix: prefix,
	}))

	key, err := signature.LoadPrivateKey(prefix + privateKeySuffix)
	require.NoError(t, err)
	require.Equal(t, signature.AlgorithmEd25519, key.Algorithm())

	public, err := signature.LoadPublicKey(prefix + publicKeySuffix)
	require.NoError(t, err)
	require.Equal(t, signature.AlgorithmEd25519, public.Algorithm())

	// Unknown algorithms are rejected before anything is written.
	err = Keygen(ctx, &KeygenOptions{
		Algorithm:    "dsa",
		OutputPrefix: prefix,
	})
	require.Error(t, err)
}
