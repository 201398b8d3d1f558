// Package binding maintains moderate bindings for a recency-ordered working
// set of worker connections.
//
// While the embedder is in the foreground, recently used workers hold a
// moderate binding so the host is less likely to reclaim them. Going to the
// background, a low-memory signal or a complete trim drops them all.
package binding
