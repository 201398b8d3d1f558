// Package middleware provides the gin middleware of the control API:
// CORS, per-client rate limiting, request ids and request logging.
package middleware
