// Package api hosts the HTTP handlers that front adgate.
//
// Viewer routes (/watch, /complete, /session, /resend) translate query and
// body parameters into delivery.Orchestrator calls and render the outcome.
// The Telegram webhook turns channel posts into catalog entries and /start
// deep links into watch requests. Admin routes manage the catalog and ads
// behind an admin.SessionManager token.
//
// Handlers assume the middleware chain from internal/server has already
// attached request IDs, logging, and metrics.
package api
