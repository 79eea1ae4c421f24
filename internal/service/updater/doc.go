// Package updater contains the update engine for the managed binary.
//
// The engine runs serialized update transactions: it validates an
// uploaded package against the device's trusted public key, swaps the
// binary under the init system's feet with a backup standing by, and
// either commits the new release or rolls back when the service does
// not come up healthy. It also hosts the startup reconciler that
// repairs interrupted transactions after a crash or power loss.
//
// All verdicts are surfaced as sentinel errors so transports can map
// them to caller-facing responses without string matching.
package updater
