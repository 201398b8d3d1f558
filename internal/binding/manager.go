package binding

import (
	"container/list"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/monitoring"
)

// Connection is the part of a worker connection the manager drives
type Connection interface {
	// AddModerateBinding reports whether the binding is held
	AddModerateBinding() bool
	RemoveModerateBinding()
	IsBound() bool
}

type lifecycle int

const (
	lifecycleUnknown lifecycle = iota
	lifecycleForeground
	lifecycleBackground
)

// Manager keeps moderate bindings on the most recently used connections
// while the embedder is in the foreground.
//
// Manager is not safe for concurrent use; it belongs to the launcher loop.
type Manager struct {
	logger      *zap.Logger
	recorder    monitoring.Recorder
	maxModerate int

	// Front is least recent
	order    *list.List
	index    map[Connection]*list.Element
	moderate map[Connection]struct{}
	state    lifecycle
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r monitoring.Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithMaxModerateBindings caps how many connections hold a moderate
// binding at once. Zero means unbounded.
func WithMaxModerateBindings(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxModerate = n
		}
	}
}

// New creates a manager in the unknown lifecycle state
func New(opts ...Option) *Manager {
	m := &Manager{
		logger:   zap.NewNop(),
		recorder: monitoring.Nop{},
		order:    list.New(),
		index:    make(map[Connection]*list.Element),
		moderate: make(map[Connection]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IncreaseRecency moves c to the most recently used position, inserting
// it if untracked. Bindings are left alone.
func (m *Manager) IncreaseRecency(c Connection) {
	if e, ok := m.index[c]; ok {
		m.order.MoveToBack(e)
		return
	}
	m.index[c] = m.order.PushBack(c)
	m.recorder.SetRecencySize(m.order.Len())
}

// DropRecency removes c from the recency list, releasing a moderate
// binding the manager granted it. Idempotent.
func (m *Manager) DropRecency(c Connection) {
	m.unbind(c)
	e, ok := m.index[c]
	if !ok {
		return
	}
	m.order.Remove(e)
	delete(m.index, c)
	m.recorder.SetRecencySize(m.order.Len())
}

// AddConnection tracks c as most recent and, in the foreground, grants it a
// moderate binding, evicting the least recent bindings beyond the cap.
func (m *Manager) AddConnection(c Connection) {
	m.IncreaseRecency(c)
	if m.state != lifecycleForeground {
		return
	}
	m.bind(c)
	m.enforceCap()
}

// RemoveConnection forgets a connection that went away
func (m *Manager) RemoveConnection(c Connection) {
	m.DropRecency(c)
}

// OnBroughtToForeground grants moderate bindings to the most recently used
// connections, up to the cap.
func (m *Manager) OnBroughtToForeground() {
	if m.state == lifecycleForeground {
		m.logger.DPanic("Brought to foreground twice without going to background")
		return
	}
	m.state = lifecycleForeground

	granted := 0
	for e := m.order.Back(); e != nil; e = e.Prev() {
		if m.maxModerate > 0 && granted >= m.maxModerate {
			break
		}
		c := e.Value.(Connection)
		if m.bind(c) {
			granted++
		}
	}
	m.logger.Debug("Brought to foreground", zap.Int("moderate_bindings", len(m.moderate)))
}

// OnSentToBackground releases every moderate binding
func (m *Manager) OnSentToBackground() {
	if m.state == lifecycleBackground {
		m.logger.DPanic("Sent to background twice without coming to foreground")
		return
	}
	m.state = lifecycleBackground
	m.ReleaseAllModerateBindings()
}

// ReleaseAllModerateBindings drops every moderate binding regardless of the
// lifecycle state
func (m *Manager) ReleaseAllModerateBindings() {
	for c := range m.moderate {
		if c.IsBound() {
			c.RemoveModerateBinding()
		}
	}
	clear(m.moderate)
	m.recorder.SetModerateBindings(0)
}

// OnTrimMemory releases moderate bindings from the least recently used end
// according to level.
func (m *Manager) OnTrimMemory(level TrimLevel) {
	keep := level.keep(len(m.moderate))
	released := 0
	for e := m.order.Front(); e != nil && len(m.moderate) > keep; e = e.Next() {
		c := e.Value.(Connection)
		if _, ok := m.moderate[c]; ok {
			m.unbind(c)
			released++
		}
	}
	m.logger.Info("Trimmed moderate bindings",
		zap.Stringer("level", level),
		zap.Int("released", released),
		zap.Int("kept", len(m.moderate)),
	)
}

// Recency returns the tracked connections, least recent first
func (m *Manager) Recency() []Connection {
	out := make([]Connection, 0, m.order.Len())
	for e := m.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Connection))
	}
	return out
}

// Len returns the number of tracked connections
func (m *Manager) Len() int {
	return m.order.Len()
}

// ModerateCount returns the number of moderate bindings granted by the
// manager
func (m *Manager) ModerateCount() int {
	return len(m.moderate)
}

// InForeground reports whether the last lifecycle call was a foreground one
func (m *Manager) InForeground() bool {
	return m.state == lifecycleForeground
}

func (m *Manager) bind(c Connection) bool {
	if _, ok := m.moderate[c]; ok {
		return true
	}
	if !c.IsBound() {
		return false
	}
	if !c.AddModerateBinding() {
		m.recorder.BindRejected(binder.BindNotForeground.String())
		return false
	}
	m.moderate[c] = struct{}{}
	m.recorder.SetModerateBindings(len(m.moderate))
	return true
}

func (m *Manager) unbind(c Connection) {
	if _, ok := m.moderate[c]; !ok {
		return
	}
	delete(m.moderate, c)
	if c.IsBound() {
		c.RemoveModerateBinding()
	}
	m.recorder.SetModerateBindings(len(m.moderate))
}

func (m *Manager) enforceCap() {
	if m.maxModerate == 0 {
		return
	}
	for e := m.order.Front(); e != nil && len(m.moderate) > m.maxModerate; e = e.Next() {
		m.unbind(e.Value.(Connection))
	}
}
