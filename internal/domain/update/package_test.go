package update

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
)

// TestArtifacts verifies entry naming for a managed binary.
func TestArtifacts(t *testing.T) {
	t.Parallel()

	arts := Artifacts("kaonic-commd")

	require.Equal(t, "kaonic-commd", arts.Binary)
	require.Equal(t, "kaonic-commd.sha256", arts.Digest)
	require.Equal(t, "kaonic-commd.version", arts.Version)
	require.Equal(t, "kaonic-commd.sig", arts.Signature)

	require.Equal(t,
		[]string{"kaonic-commd", "kaonic-commd.sha256", "kaonic-commd.version", "kaonic-commd.sig"},
		arts.Names())
}

// TestCandidateRelease verifies the candidate-to-release conversion.
func TestCandidateRelease(t *testing.T) {
	t.Parallel()

	cand := &Candidate{
		BinaryPath: "/tmp/staged/kaonic-commd",
		Version:    "1.4.2",
		Digest:     integrity.Digest("aa"),
		Signature:  []byte{0x01},
	}

	rel := cand.Release()
	require.Equal(t, "1.4.2", rel.Version)
	require.Equal(t, cand.Digest, rel.Digest)
}
