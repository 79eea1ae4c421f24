// Package ota implements the HTTP transport for the update agent.
//
// It adapts multipart uploads and JSON responses to the update
// engine's domain types and exposes a handler that calls into a
// provided business-service interface. Response phrases and status
// codes are a published device contract.
package ota
