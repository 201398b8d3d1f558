// Package logging builds the zap logger used across workerhost.
//
// Production loggers write JSON; development loggers write coloured console
// output and panic on DPanic, which is how invariant violations in the
// worker connection and binding code surface in tests.
//
// Components receive a named child logger:
//
//	logger := logging.NewDefault()
//	l := launcher.New(host, launcher.WithLogger(logger.Component("launcher")))
//
// The level can be changed at runtime with SetLevel or over HTTP through
// the handler returned by Level.
package logging
