package update

import (
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
)

// Artifact name suffixes inside an update package. The binary itself is
// named after the managed executable with no suffix.
const (
	digestSuffix    = ".sha256"
	versionSuffix   = ".version"
	signatureSuffix = ".sig"
)

// ArtifactSet names the four files an update package must carry for a
// given managed binary.
type ArtifactSet struct {
	// Binary is the executable payload entry.
	Binary string
	// Digest is the entry holding the hex SHA-256 of the payload.
	Digest string
	// Version is the entry holding the plaintext version label.
	Version string
	// Signature is the entry holding the detached signature of the payload.
	Signature string
}

// Artifacts derives the package entry names for a managed binary,
// e.g. "kaonic-commd" yields kaonic-commd, kaonic-commd.sha256,
// kaonic-commd.version and kaonic-commd.sig.
func Artifacts(binaryName string) ArtifactSet {
	return ArtifactSet{
		Binary:    binaryName,
		Digest:    binaryName + digestSuffix,
		Version:   binaryName + versionSuffix,
		Signature: binaryName + signatureSuffix,
	}
}

// Names lists the artifact entries in a stable order, binary first.
func (a ArtifactSet) Names() []string {
	return []string{a.Binary, a.Digest, a.Version, a.Signature}
}

// Candidate is an update that has been staged to local disk but not yet
// verified or installed.
type Candidate struct {
	// BinaryPath points at the staged executable inside the
	// transaction's scratch directory.
	BinaryPath string

	// Version is the label the package claims.
	Version string

	// Digest is the digest the package claims for the binary.
	Digest integrity.Digest

	// Signature is the detached signature over the raw binary contents.
	Signature []byte
}

// Release converts a verified candidate into the release record that
// gets committed after a successful install.
func (c *Candidate) Release() *Release {
	return &Release{
		Version: c.Version,
		Digest:  c.Digest,
	}
}
