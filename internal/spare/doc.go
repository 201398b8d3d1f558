// Package spare keeps one worker connection bound ahead of demand so the
// next launch skips the bind latency.
//
//	empty → binding → ready → (claimed) → empty
//	binding → failed → empty
//
// A spare is only handed to a request whose creation params and sandbox
// flag match exactly.
package spare
