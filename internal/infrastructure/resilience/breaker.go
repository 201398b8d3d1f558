package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before probing
	Cooldown time.Duration
	// HalfOpenCalls is the number of attempts allowed, and successes required, in
	// half-open state
	HalfOpenCalls uint32
	// OnStateChange is called whenever the state changes, under the
	// breaker's lock
	OnStateChange func(name string, from, to State)
	// Now replaces the clock in tests
	Now func() time.Time
}

// Counts holds the statistics for the current state
type Counts struct {
	Attempts             uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	InFlight             uint32
}

// Breaker stops repeated attempts at an operation that keeps failing, such
// as spawning a worker binary that crashes on start.
type Breaker struct {
	name     string
	settings Settings

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// New creates a breaker. Zero settings mean 5 failures, 30s cooldown and a
// single trial call.
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.HalfOpenCalls == 0 {
		settings.HalfOpenCalls = 1
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	return &Breaker{
		name:     name,
		settings: settings,
		state:    StateClosed,
	}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Counts returns a copy of the counts for the current state
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reserves an attempt. The returned done func must be called exactly
// once with the attempt's outcome.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if b.counts.InFlight+b.counts.ConsecutiveSuccesses >= b.settings.HalfOpenCalls {
			return nil, ErrTooManyRequests
		}
	}

	b.counts.Attempts++
	b.counts.InFlight++
	state := b.state

	var once sync.Once
	return func(success bool) {
		once.Do(func() { b.record(state, success) })
	}, nil
}

// Do runs fn if the breaker allows it and records the outcome
func (b *Breaker) Do(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			done(false)
			panic(r)
		}
	}()

	err = fn()
	done(err == nil)
	return err
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}

func (b *Breaker) record(from State, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Outcomes of attempts admitted under an earlier state are stale
	if b.state != from {
		return
	}
	b.counts.InFlight--

	if success {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.HalfOpenCalls {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	if b.state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
		b.setState(StateOpen)
	}
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.settings.Now().Sub(b.openedAt) >= b.settings.Cooldown {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = b.settings.Now()
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}
