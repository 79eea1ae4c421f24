// Package version exposes the build metadata of the OTA tooling.
//
// Release builds inject Version, Commit and BuildTime via ldflags.
// Binaries built straight from a checkout fall back to the VCS stamp
// recorded by the Go toolchain. Short feeds the status endpoint and
// Full feeds the `version` subcommand of both binaries.
package version
