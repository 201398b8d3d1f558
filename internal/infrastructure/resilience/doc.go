/*
Package resilience provides the circuit breaker that guards worker spawning.

# Overview

A worker binary that crashes on start would otherwise be respawned on every
bind. The breaker opens after a run of consecutive failures, rejects
attempts during a cooldown, then lets a limited number of trial calls through.

# Usage

	breaker := resilience.New("spawn", resilience.Settings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	})

	done, err := breaker.Allow()
	if err != nil {
		return err // fail fast
	}
	err = cmd.Start()
	done(err == nil)

# States

	Closed --[threshold failures]-> Open --[cooldown]-> Half-Open --[trials succeed]-> Closed
	                                  ^                      |
	                                  +------[failure]-------+
*/
package resilience
