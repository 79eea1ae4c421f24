// Package packager builds signed OTA archives for the update agent.
//
// It hashes the executable, signs it with the release private key and
// writes the four-artifact zip the device expects. A keygen entry point
// produces the PEM key pair the workflow starts from.
package packager
