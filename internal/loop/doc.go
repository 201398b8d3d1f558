/*
Package loop provides the launcher loop: the single goroutine that owns all
worker connection, binding and spare pool state.

# Overview

Every mutation of launcher state is expressed as a task posted to a Loop.
Tasks run one at a time, in posting order, on a goroutine started lazily by
the first Post. Binding callbacks from the host arrive on arbitrary
goroutines and are posted back onto the loop before they touch any state.

# Usage

	l := loop.New("launcher", logger)
	l.Post(func() { manager.IncreaseRecency(conn) })

	// Synchronous query
	var n int
	_ = l.Call(ctx, func() { n = manager.Len() })

	_ = l.Stop(ctx)

Manual is a Runner for tests that need to control exactly when queued
tasks run.
*/
package loop
