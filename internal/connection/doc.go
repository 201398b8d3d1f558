// Package connection tracks one bound worker: its four host bindings, its
// priority, and the strong binding tokens handed to embedders.
//
// A WorkerConnection is owned by the launcher loop and must only be used
// from it.
package connection
