package version

import (
	"fmt"
	"runtime/debug"
)

// Build metadata, overridden via ldflags on release builds.
var (
	// Version is the release version of the agent and its tooling.
	Version = "0.1.0"
	// Commit is the short git SHA the binary was built from.
	Commit = "none"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// shortCommitLength matches the abbreviated SHA git tooling prints.
const shortCommitLength = 7

//nolint:gochecknoinits // Build info must be resolved before any caller reads the variables.
func init() {
	// Plain `go build` binaries carry no ldflags; fill commit and build
	// time from the VCS stamp when the module was built from a checkout.
	if Commit != "none" || BuildTime != "unknown" {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if len(setting.Value) >= shortCommitLength {
				Commit = setting.Value[:shortCommitLength]
			}
		case "vcs.time":
			BuildTime = setting.Value
		}
	}
}

// Short returns only the version string, for status payloads and logs.
func Short() string {
	return Version
}

// Full renders the complete version line the CLI prints.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s", Version, Commit, BuildTime)
}
