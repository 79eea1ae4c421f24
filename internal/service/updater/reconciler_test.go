package updater

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEngine_Reconcile_FreshDevice leaves a never-provisioned device
// alone, only making sure the metadata directory exists.
func TestEngine_Reconcile_FreshDevice(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	// Point the engine at a metadata directory that does not exist yet.
	metaDir := filepath.Join(t.TempDir(), "kaonic")
	te.engine.cfg.MetadataDir = metaDir
	te.engine.cfg.BackupPath = filepath.Join(metaDir, testBinaryName+".bak")

	require.NoError(t, te.engine.Reconcile(context.Background()))

	info, err := os.Stat(metaDir)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	require.Empty(t, sup.callSequence())
}

// TestEngine_Reconcile_HealthyState does not touch a binary that
// matches its record.
func TestEngine_Reconcile_HealthyState(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	require.NoError(t, te.applyPackage(t, []byte("binary v1 contents"), "1.0.0"))
	sup.resetCalls()

	require.NoError(t, te.engine.Reconcile(context.Background()))
	require.Empty(t, sup.callSequence())
}

// TestEngine_Reconcile_RestoresTamperedBinary replaces a binary that
// no longer hashes to the recorded digest with the backup.
func TestEngine_Reconcile_RestoresTamperedBinary(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	v1 := []byte("binary v1 contents")
	v2 := []byte("binary v2 contents")

	require.NoError(t, te.applyPackage(t, v1, "1.0.0"))
	require.NoError(t, te.applyPackage(t, v2, "2.0.0"))

	// Simulate an interrupted write corrupting the managed binary.
	require.NoError(t, os.WriteFile(te.binaryPath, []byte("half-written garbage"), 0o755))
	sup.resetCalls()

	require.NoError(t, te.engine.Reconcile(context.Background()))

	// The backup holds v1, the binary that ran before the v2 upgrade.
	require.Equal(t, v1, readFile(t, te.binaryPath))
	require.Equal(t, []string{"stop", "start"}, sup.callSequence())
}

// TestEngine_Reconcile_RestoresMissingBinary restores from backup when
// the managed binary disappeared entirely.
func TestEngine_Reconcile_RestoresMissingBinary(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	v1 := []byte("binary v1 contents")
	v2 := []byte("binary v2 contents")

	require.NoError(t, te.applyPackage(t, v1, "1.0.0"))
	require.NoError(t, te.applyPackage(t, v2, "2.0.0"))
	require.NoError(t, os.Remove(te.binaryPath))
	sup.resetCalls()

	require.NoError(t, te.engine.Reconcile(context.Background()))
	require.Equal(t, v1, readFile(t, te.binaryPath))
}

// TestEngine_Reconcile_RestoresOnMissingRecord treats a binary with no
// release record as untrusted.
func TestEngine_Reconcile_RestoresOnMissingRecord(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	v1 := []byte("binary v1 contents")
	v2 := []byte("binary v2 contents")

	require.NoError(t, te.applyPackage(t, v1, "1.0.0"))
	require.NoError(t, te.applyPackage(t, v2, "2.0.0"))
	require.NoError(t, os.Remove(te.manifestPath))
	sup.resetCalls()

	require.NoError(t, te.engine.Reconcile(context.Background()))
	require.Equal(t, v1, readFile(t, te.binaryPath))
}

// TestEngine_Reconcile_CorruptRecord treats an unreadable manifest the
// same as a missing one.
func TestEngine_Reconcile_CorruptRecord(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	v1 := []byte("binary v1 contents")

	require.NoError(t, te.applyPackage(t, v1, "1.0.0"))
	require.NoError(t, os.WriteFile(te.manifestPath, []byte("{broken"), 0o600))
	sup.resetCalls()

	require.NoError(t, te.engine.Reconcile(context.Background()))

	// First install has no backup; the restore is a no-op warning and
	// the binary is left as-is.
	require.Equal(t, v1, readFile(t, te.binaryPath))
	require.Equal(t, []string{"stop", "start"}, sup.callSequence())
}
