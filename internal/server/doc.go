// Package server provides the HTTP server for the pulsequery dashboard and API.
//
// This package is internal to pulsequery and handles all HTTP concerns:
//
//   - Dashboard serving: Serves the embedded HTML/CSS/JS dashboard at "/"
//   - REST API: JSON endpoints under "/api/queries", "/api/results" and
//     "/api/commands" for query management, result ingestion and remote
//     command execution
//   - Server-Sent Events: Live publications at "/api/sse/{publication}"
//   - Operations: "/metrics" for Prometheus and "/healthz"
//
// Mutating API routes are rate limited per client IP when configured.
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
//
// Users of the pulsequery library should not need to interact with this
// package directly. The server is started automatically by [pulsequery.App.Start].
package server
