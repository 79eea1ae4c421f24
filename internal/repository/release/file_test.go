package release

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
)

// validDigest is a syntactically valid SHA-256 digest for fixtures.
const validDigest = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

// TestFileRepository_NotFound verifies Load returns ErrNotFound for a missing manifest.
func TestFileRepository_NotFound(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(filepath.Join(t.TempDir(), "missing.yaml"))

	rel, err := repo.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, rel)
}

// TestFileRepository_SaveLoad_Roundtrip ensures Save followed by Load returns an equal release.
func TestFileRepository_SaveLoad_Roundtrip(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "kaonic-commd.release.yaml")
	repo := NewFileRepository(file)

	want := &domain.Release{
		Version: "1.4.2",
		Digest:  integrity.Digest(validDigest),
	}

	require.NoError(t, repo.Save(context.Background(), want))

	got, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)

	// The staging file must not survive a successful commit.
	_, err = os.Stat(file + ".tmp")
	require.ErrorIs(t, err, os.ErrNotExist)

	info, err := os.Stat(file)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(manifestPermissions), info.Mode().Perm())
}

// TestFileRepository_Load_Corrupt rejects manifests that do not decode
// to a plausible release.
func TestFileRepository_Load_Corrupt(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "kaonic-commd.release.yaml")

	require.NoError(t, os.WriteFile(file, []byte("{not yaml"), 0o600))

	_, err := NewFileRepository(file).Load(context.Background())
	require.Error(t, err)

	// Structurally valid YAML with a garbage digest is just as corrupt.
	require.NoError(t, os.WriteFile(file, []byte("version: 1.0.0\nsha256: zz\n"), 0o600))

	_, err = NewFileRepository(file).Load(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

// TestFileRepository_Save_Overwrite replaces a previous release in full.
func TestFileRepository_Save_Overwrite(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "kaonic-commd.release.yaml")
	repo := NewFileRepository(file)
	ctx := context.Background()

	first := &domain.Release{Version: "1.0.0", Digest: integrity.Digest(validDigest)}
	require.NoError(t, repo.Save(ctx, first))

	second := &domain.Release{
		Version: "2.0.0",
		Digest:  integrity.Digest("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"),
	}
	require.NoError(t, repo.Save(ctx, second))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, second, got)
}
