// Package server wires configuration, logging, metrics, the process host,
// the launcher and the control API into one runnable unit.
//
// Shutdown order is HTTP first, so no new control calls arrive, then the
// launcher, which fails pending launches and unbinds every worker, then
// the process host, which kills anything still running.
package server
