package spare

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/connection"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/loop"
)

// State of the spare slot
type State int

const (
	StateEmpty State = iota
	StateBinding
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBinding:
		return "binding"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Factory creates and starts a connection reporting to cb. It returns nil
// when no connection could be started; cb is then never called.
type Factory func(params connection.CreationParams, sandboxed bool, cb connection.ServiceCallback) *connection.WorkerConnection

// Pool holds at most one pre-bound connection for the next launch with
// matching parameters.
//
// Pool belongs to the launcher loop. Once the spare is consumed the pool is
// empty for good; the launcher creates a new one to warm up again.
type Pool struct {
	runner    loop.Runner
	logger    *zap.Logger
	recorder  monitoring.Recorder
	params    connection.CreationParams
	sandboxed bool

	conn     *connection.WorkerConnection
	state    State
	consumer connection.ServiceCallback
	relay    *relay
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r monitoring.Recorder) Option {
	return func(p *Pool) {
		p.recorder = r
	}
}

// New creates the spare connection through factory and starts binding it
func New(
	runner loop.Runner,
	factory Factory,
	params connection.CreationParams,
	sandboxed bool,
	opts ...Option,
) *Pool {
	p := &Pool{
		runner:    runner,
		logger:    zap.NewNop(),
		recorder:  monitoring.Nop{},
		params:    params,
		sandboxed: sandboxed,
		state:     StateEmpty,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.relay = &relay{pool: p}

	p.setState(StateBinding)
	conn := factory(params, sandboxed, p.relay)
	if conn == nil {
		p.logger.Info("Spare connection could not be bound")
		p.setState(StateFailed)
		p.setState(StateEmpty)
		return p
	}
	p.conn = conn
	return p
}

// State returns the current state
func (p *Pool) State() State {
	return p.state
}

// IsEmpty reports whether there is no spare left to hand out
func (p *Pool) IsEmpty() bool {
	return p.conn == nil
}

// Params returns the parameters the spare was created with
func (p *Pool) Params() (connection.CreationParams, bool) {
	return p.params, p.sandboxed
}

// GetConnection hands out the spare if params and sandboxed match exactly
// and nobody claimed it yet. cb receives the connection's lifecycle events
// from then on; its OnStarted is posted to the loop, never called inline.
// The returned connection may not be connected yet.
func (p *Pool) GetConnection(
	params connection.CreationParams,
	sandboxed bool,
	cb connection.ServiceCallback,
) *connection.WorkerConnection {
	if p.conn == nil {
		return nil
	}
	if params != p.params || sandboxed != p.sandboxed {
		return nil
	}
	if p.consumer != nil {
		p.logger.Debug("Spare connection already claimed")
		return nil
	}

	conn := p.conn
	p.consumer = cb
	if p.state == StateReady {
		p.handOver()
		p.runner.Post(func() {
			cb.OnStarted(conn)
		})
	}
	return conn
}

// Close stops an unclaimed spare
func (p *Pool) Close() {
	if p.conn == nil || p.consumer != nil {
		return
	}
	p.conn.Stop()
}

// handOver gives the connection to the consumer and empties the slot
func (p *Pool) handOver() {
	p.relay.target = p.consumer
	p.conn = nil
	p.consumer = nil
	p.setState(StateEmpty)
}

func (p *Pool) onStarted(c *connection.WorkerConnection) {
	p.setState(StateReady)
	if p.consumer == nil {
		return
	}
	consumer := p.consumer
	p.handOver()
	consumer.OnStarted(c)
}

func (p *Pool) onStartFailed(c *connection.WorkerConnection) {
	p.logger.Warn("Spare connection failed to start")
	consumer := p.consumer
	p.conn = nil
	p.consumer = nil
	p.setState(StateFailed)
	p.setState(StateEmpty)
	if consumer != nil {
		consumer.OnStartFailed(c)
	}
}

func (p *Pool) onDied(c *connection.WorkerConnection) {
	p.logger.Info("Spare connection died before use")
	consumer := p.consumer
	p.conn = nil
	p.consumer = nil
	p.setState(StateEmpty)
	if consumer != nil {
		consumer.OnDied(c)
	}
}

func (p *Pool) setState(s State) {
	if p.state == s {
		return
	}
	p.logger.Debug("Spare state change", zap.Stringer("from", p.state), zap.Stringer("to", s))
	p.state = s
	p.recorder.SpareTransition(s.String())
}

// relay routes the connection's events to the pool until hand-over and to
// the consumer after it.
type relay struct {
	pool   *Pool
	target connection.ServiceCallback
}

func (r *relay) OnStarted(c *connection.WorkerConnection) {
	if r.target != nil {
		r.target.OnStarted(c)
		return
	}
	r.pool.onStarted(c)
}

func (r *relay) OnStartFailed(c *connection.WorkerConnection) {
	if r.target != nil {
		r.target.OnStartFailed(c)
		return
	}
	r.pool.onStartFailed(c)
}

func (r *relay) OnDied(c *connection.WorkerConnection) {
	if r.target != nil {
		r.target.OnDied(c)
		return
	}
	r.pool.onDied(c)
}
