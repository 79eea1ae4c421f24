package update

import (
	"github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/integrity"
)

// Release is the committed record of the binary that is supposed to be
// running on the device: an opaque version label and the digest of the
// installed contents. It is what the startup reconciler trusts.
type Release struct {
	// Version is the label shipped inside the update package.
	// The agent never interprets it.
	Version string

	// Digest is the SHA-256 of the installed binary.
	Digest integrity.Digest
}

// Status is a point-in-time snapshot of the managed service and the
// agent's view of it, served to operators for diagnostics.
type Status struct {
	// ServiceActive reports whether the managed service is running.
	ServiceActive bool

	// Committed is the release on record, nil if nothing was ever installed.
	Committed *Release

	// DiskFreeBytes is the free space on the filesystem holding the
	// managed binary, zero if it could not be determined.
	DiskFreeBytes uint64
}
