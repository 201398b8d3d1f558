// Package client is a resty client for the workerhost control API.
//
// Requests carry a fresh X-Request-ID, are rate limited client-side when
// configured, and go through a circuit breaker that opens after repeated
// transport errors or 5xx replies. Non-2xx replies surface as *APIError.
package client
