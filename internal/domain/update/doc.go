// Package update holds the domain types shared between the update
// engine, the release repository, the HTTP API and the packaging tool:
// releases, staged candidates and package artifact naming.
package update
