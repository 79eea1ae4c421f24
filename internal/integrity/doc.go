// Package integrity computes and compares SHA-256 content digests.
//
// Digests are carried around as lowercase hex strings, matching the
// format of the .sha256 artifact shipped inside update packages.
package integrity
