// Package release implements persistence for the committed Release.
//
// The FileRepository stores the release as a small YAML manifest on
// disk and exposes a Repository interface that the update engine
// depends on. Writes are atomic so the version label and digest can
// never be observed out of step with each other.
package release
