// Package binder defines the contract with the host service layer that
// creates, binds and supervises worker processes.
//
// A binding is a priority contract between the embedder and a hosted
// service. The host keeps a service alive while at least one auto-create
// binding is held, and ranks the backing process by the strongest binding:
//
//	important  >  auto-create (moderate)  >  waive-priority
//
// Bind only reports whether the request was accepted. Connection is
// asynchronous and is delivered through Listener.ServiceConnected; an
// unexpected process exit is delivered through Listener.ServiceDisconnected.
//
// Implementations:
//   - exechost: hosts services as os/exec child processes
//   - bindertest: programmable in-memory host for tests
package binder
