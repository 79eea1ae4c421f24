package updater

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/repository/release"
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/signature"
)

const testBinaryName = "kaonic-commd"

// fakeSupervisor records the service control sequence and answers the
// health probe from a scripted flag.
type fakeSupervisor struct {
	mu      sync.Mutex
	calls   []string
	healthy bool

	// probeEntered signals each ProbeHealthy invocation.
	probeEntered chan struct{}
	// probeGate, when non-nil, blocks ProbeHealthy until released.
	probeGate chan struct{}
}

func newFakeSupervisor(healthy bool) *fakeSupervisor {
	return &fakeSupervisor{
		healthy:      healthy,
		probeEntered: make(chan struct{}, 16),
	}
}

func (f *fakeSupervisor) Stop(context.Context)  { f.record("stop") }
func (f *fakeSupervisor) Start(context.Context) { f.record("start") }

func (f *fakeSupervisor) IsRunning(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.healthy
}

func (f *fakeSupervisor) ProbeHealthy(context.Context, int, time.Duration) bool {
	f.record("probe")

	select {
	case f.probeEntered <- struct{}{}:
	default:
	}

	if f.probeGate != nil {
		<-f.probeGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.healthy
}

func (f *fakeSupervisor) setHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.healthy = healthy
}

func (f *fakeSupervisor) callSequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeSupervisor) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = nil
}

func (f *fakeSupervisor) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
}

// testEngine bundles an engine wired to throwaway directories with the
// handles tests need to inspect and manipulate device state.
type testEngine struct {
	engine *Engine
	sup    *fakeSupervisor
	repo   *release.FileRepository
	key    *signature.PrivateKey

	binaryPath   string
	backupPath   string
	keyPath      string
	manifestPath string
}

// newTestEngine provisions a trusted key and an engine over temp dirs.
func newTestEngine(t *testing.T, sup *fakeSupervisor) *testEngine {
	t.Helper()

	binDir := t.TempDir()
	metaDir := t.TempDir()

	te := &testEngine{
		sup:          sup,
		binaryPath:   filepath.Join(binDir, testBinaryName),
		backupPath:   filepath.Join(metaDir, testBinaryName+".bak"),
		keyPath:      filepath.Join(metaDir, "beechat-ota.pub.pem"),
		manifestPath: filepath.Join(metaDir, testBinaryName+".release.yaml"),
	}

	key, err := signature.GenerateKey(signature.AlgorithmEd25519, 0)
	require.NoError(t, err)

	te.key = key

	publicPEM, err := signature.EncodePublicKey(key.Public())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(te.keyPath, publicPEM, 0o644))

	te.repo = release.NewFileRepository(te.manifestPath)
	te.engine = NewEngine(Config{
		BinaryPath:     te.binaryPath,
		MetadataDir:    metaDir,
		BackupPath:     te.backupPath,
		TrustedKeyPath: te.keyPath,
		ProbeAttempts:  3,
		ProbeInterval:  time.Millisecond,
	}, sup, te.repo)

	return te
}

// packageEntries builds the default artifact map for a signed package.
// Tests tamper with the map before zipping it.
func (te *testEngine) packageEntries(t *testing.T, binary []byte, version string) map[string][]byte {
	t.Helper()

	digest, err := integrity.SumReader(bytes.NewReader(binary))
	require.NoError(t, err)

	sig, err := signature.Sign(te.key, binary)
	require.NoError(t, err)

	return map[string][]byte{
		testBinaryName:              binary,
		testBinaryName + ".sha256":  []byte(digest.String() + "\n"),
		testBinaryName + ".version": []byte(version + "\n"),
		testBinaryName + ".sig":     sig,
	}
}

// buildZip assembles entries into an archive held in memory.
func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := zip.NewWriter(&buf)
	for name, contents := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)

		_, err = entry.Write(contents)
		require.NoError(t, err)
	}

	require.NoError(t, w.Close())

	return buf.Bytes()
}

// apply feeds a ready archive through the engine.
func (te *testEngine) apply(t *testing.T, archive []byte) error {
	t.Helper()

	_, err := te.engine.Apply(context.Background(), bytes.NewReader(archive), int64(len(archive)))

	return err
}

// applyPackage builds a valid signed package and applies it.
func (te *testEngine) applyPackage(t *testing.T, binary []byte, version string) error {
	t.Helper()

	return te.apply(t, buildZip(t, te.packageEntries(t, binary, version)))
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	return contents
}

// TestEngine_Apply_FirstInstall covers a device with nothing installed:
// the binary lands executable, the release is recorded and there is no
// backup because there was nothing to back up.
func TestEngine_Apply_FirstInstall(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)
	binary := []byte("binary v1 contents")

	require.NoError(t, te.applyPackage(t, binary, "1.0.0"))

	require.Equal(t, binary, readFile(t, te.binaryPath))

	info, err := os.Stat(te.binaryPath)
	require.NoError(t, err)
	require.NotZero(t, info.Mode().Perm()&0o111)

	rel, err := te.repo.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0.0", rel.Version)

	wantDigest, err := integrity.SumReader(bytes.NewReader(binary))
	require.NoError(t, err)
	require.True(t, wantDigest.Equal(rel.Digest))

	_, err = os.Stat(te.backupPath)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.Equal(t, []string{"stop", "start", "probe"}, sup.callSequence())
}

// TestEngine_Apply_UpgradePreservesBackup covers the normal upgrade:
// the previous binary becomes the backup and the record moves on.
func TestEngine_Apply_UpgradePreservesBackup(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	v1 := []byte("binary v1 contents")
	v2 := []byte("binary v2 contents, a bit longer")

	require.NoError(t, te.applyPackage(t, v1, "1.0.0"))
	require.NoError(t, te.applyPackage(t, v2, "2.0.0"))

	require.Equal(t, v2, readFile(t, te.binaryPath))
	require.Equal(t, v1, readFile(t, te.backupPath))

	rel, err := te.repo.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2.0.0", rel.Version)
}

// TestEngine_Apply_RollbackOnUnhealthyService covers the probe-driven
// rollback: the old binary and the old record must both survive.
func TestEngine_Apply_RollbackOnUnhealthyService(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	v1 := []byte("binary v1 contents")
	require.NoError(t, te.applyPackage(t, v1, "1.0.0"))

	sup.setHealthy(false)
	sup.resetCalls()

	v2 := []byte("binary v2 that will not start")
	err := te.applyPackage(t, v2, "2.0.0")
	require.ErrorIs(t, err, ErrHealthCheckFailed)

	require.Equal(t, v1, readFile(t, te.binaryPath))
	require.Equal(t, v1, readFile(t, te.backupPath))

	rel, loadErr := te.repo.Load(context.Background())
	require.NoError(t, loadErr)
	require.Equal(t, "1.0.0", rel.Version)

	// Install attempt, then the rollback's own stop/start cycle.
	require.Equal(t, []string{"stop", "start", "probe", "stop", "start"}, sup.callSequence())
}

// TestEngine_Apply_FirstInstallRollbackLeavesNothing covers the edge
// where the very first install fails its health check: with no backup
// to restore, the device ends up with no managed binary at all.
func TestEngine_Apply_FirstInstallRollbackLeavesNothing(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(false)
	te := newTestEngine(t, sup)

	err := te.applyPackage(t, []byte("binary that never starts"), "1.0.0")
	require.ErrorIs(t, err, ErrHealthCheckFailed)

	_, err = te.repo.Load(context.Background())
	require.ErrorIs(t, err, release.ErrNotFound)

	_, statErr := os.Stat(te.backupPath)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

// TestEngine_Apply_FailsClosedWithoutKey rejects even a perfectly
// formed package when no trust anchor is provisioned.
func TestEngine_Apply_FailsClosedWithoutKey(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)
	require.NoError(t, os.Remove(te.keyPath))

	err := te.applyPackage(t, []byte("binary v1 contents"), "1.0.0")
	require.ErrorIs(t, err, ErrNoTrustedKey)

	require.Empty(t, sup.callSequence())

	_, err = os.Stat(te.binaryPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestEngine_Apply_MalformedKeyBehavesLikeBadSignature keeps a present
// but broken trust anchor indistinguishable from a bad signature.
func TestEngine_Apply_MalformedKeyBehavesLikeBadSignature(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)
	require.NoError(t, os.WriteFile(te.keyPath, []byte("not a pem key"), 0o644))

	err := te.applyPackage(t, []byte("binary v1 contents"), "1.0.0")
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.Empty(t, sup.callSequence())
}

// TestEngine_Apply_RejectsTamperedBinary covers digest mismatch: the
// package claims a digest for different contents.
func TestEngine_Apply_RejectsTamperedBinary(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	entries := te.packageEntries(t, []byte("binary v1 contents"), "1.0.0")
	entries[testBinaryName] = []byte("binary v1 contents, tampered")

	err := te.apply(t, buildZip(t, entries))
	require.ErrorIs(t, err, ErrDigestMismatch)
	require.Empty(t, sup.callSequence())
}

// TestEngine_Apply_RejectsGarbageDigest treats an unparsable claimed
// digest as the same integrity failure as a mismatch.
func TestEngine_Apply_RejectsGarbageDigest(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	entries := te.packageEntries(t, []byte("binary v1 contents"), "1.0.0")
	entries[testBinaryName+".sha256"] = []byte("zz not a digest\n")

	err := te.apply(t, buildZip(t, entries))
	require.ErrorIs(t, err, ErrDigestMismatch)
}

// TestEngine_Apply_RejectsBadSignature covers a package signed by the
// wrong key: digest passes, signature must not.
func TestEngine_Apply_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)
	binary := []byte("binary v1 contents")

	foreignKey, err := signature.GenerateKey(signature.AlgorithmEd25519, 0)
	require.NoError(t, err)

	foreignSig, err := signature.Sign(foreignKey, binary)
	require.NoError(t, err)

	entries := te.packageEntries(t, binary, "1.0.0")
	entries[testBinaryName+".sig"] = foreignSig

	err = te.apply(t, buildZip(t, entries))
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.Empty(t, sup.callSequence())
}

// TestEngine_Apply_RejectsMissingArtifacts names the absent entry for
// each of the four required artifacts.
func TestEngine_Apply_RejectsMissingArtifacts(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	required := []string{
		testBinaryName,
		testBinaryName + ".sha256",
		testBinaryName + ".version",
		testBinaryName + ".sig",
	}

	for _, omitted := range required {
		entries := te.packageEntries(t, []byte("binary v1 contents"), "1.0.0")
		delete(entries, omitted)

		err := te.apply(t, buildZip(t, entries))

		var missing *MissingArtifactError

		require.ErrorAs(t, err, &missing)
		require.Equal(t, omitted, missing.Name)
	}

	require.Empty(t, sup.callSequence())
}

// TestEngine_Apply_RejectsNonArchive covers an upload that is not a
// ZIP at all.
func TestEngine_Apply_RejectsNonArchive(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	err := te.apply(t, []byte("definitely not a zip archive"))
	require.ErrorIs(t, err, ErrArchiveInvalid)
	require.Empty(t, sup.callSequence())
}

// TestEngine_Apply_RejectionLeavesNoTrace verifies rejected uploads
// mutate nothing: no binary, no backup, no release record.
func TestEngine_Apply_RejectionLeavesNoTrace(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)

	entries := te.packageEntries(t, []byte("binary v1 contents"), "1.0.0")
	entries[testBinaryName] = []byte("tampered")

	require.Error(t, te.apply(t, buildZip(t, entries)))

	for _, path := range []string{te.binaryPath, te.backupPath, te.manifestPath} {
		_, err := os.Stat(path)
		require.ErrorIs(t, err, os.ErrNotExist, path)
	}
}

// TestEngine_Apply_RejectsConcurrentTransactions verifies the busy
// rejection: a second upload during an in-flight install fails fast
// and the first one commits untouched.
func TestEngine_Apply_RejectsConcurrentTransactions(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	sup.probeGate = make(chan struct{})
	te := newTestEngine(t, sup)

	archive := buildZip(t, te.packageEntries(t, []byte("binary v1 contents"), "1.0.0"))

	firstResult := make(chan error, 1)

	go func() {
		firstResult <- te.apply(t, archive)
	}()

	// Wait for the first transaction to reach its health probe, which
	// it holds until the gate opens.
	<-sup.probeEntered

	err := te.apply(t, archive)
	require.ErrorIs(t, err, ErrUpdateInProgress)

	close(sup.probeGate)
	require.NoError(t, <-firstResult)

	rel, err := te.repo.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0.0", rel.Version)
}

// TestEngine_Committed reports nil before any install and the release
// after one.
func TestEngine_Committed(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)
	ctx := context.Background()

	rel, err := te.engine.Committed(ctx)
	require.NoError(t, err)
	require.Nil(t, rel)

	require.NoError(t, te.applyPackage(t, []byte("binary v1 contents"), "1.0.0"))

	rel, err = te.engine.Committed(ctx)
	require.NoError(t, err)
	require.NotNil(t, rel)
	require.Equal(t, "1.0.0", rel.Version)
}

// TestEngine_Status snapshots service state, committed release and
// free disk space.
func TestEngine_Status(t *testing.T) {
	t.Parallel()

	sup := newFakeSupervisor(true)
	te := newTestEngine(t, sup)
	ctx := context.Background()

	status := te.engine.Status(ctx)
	require.True(t, status.ServiceActive)
	require.Nil(t, status.Committed)

	require.NoError(t, te.applyPackage(t, []byte("binary v1 contents"), "1.0.0"))
	sup.setHealthy(false)

	status = te.engine.Status(ctx)
	require.False(t, status.ServiceActive)
	require.NotNil(t, status.Committed)
	require.Equal(t, "1.0.0", status.Committed.Version)
	require.NotZero(t, status.DiskFreeBytes)
}
