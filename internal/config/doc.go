// Package config defines the agent settings and provides helpers to
// load and validate them from YAML.
//
// The Config type names the managed executable, its systemd unit and
// the metadata directory; paths for the backup copy, the release
// manifest and the trusted public key are derived from those.
package config
