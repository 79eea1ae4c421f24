// Package signature implements detached-signature creation and
// verification for update packages.
//
// The device side only ever calls Verify, which is fail-closed: it
// returns a plain boolean and treats every parsing or algorithm
// problem as a rejection. The signing side lives in the packaging
// tool and is allowed to fail loudly.
//
// Two schemes are supported, selected by the key itself: RSA PKCS#1
// v1.5 over a SHA-256 digest, and Ed25519 over the raw binary.
package signature
