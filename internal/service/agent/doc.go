// Package agent wires the update engine, the systemd supervisor, the
// release repository and the HTTP transport into the kaonic-otad
// process. Startup reconciliation runs before the listener binds.
package agent
