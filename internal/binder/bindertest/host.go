package bindertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
)

// BindRecord is one observed Bind or Unbind call
type BindRecord struct {
	Name   binder.ServiceName
	Flags  binder.BindFlags
	Unbind bool
}

type binding struct {
	name  binder.ServiceName
	flags binder.BindFlags
}

type service struct {
	name      binder.ServiceName
	pid       int
	connected bool
	setupErr  error
	setups    []binder.SetupRequest
	listeners map[binder.Listener]binder.BindFlags
}

// Host is a programmable in-memory binder.Host
type Host struct {
	mu sync.Mutex

	maxServices int
	rejectNext  int
	autoConnect bool
	nextPid     int

	services map[binder.ServiceName]*service
	bindings map[binder.Listener]*binding
	records  []BindRecord
}

// Option configures the fake host
type Option func(*Host)

// WithMaxServices caps the number of distinct live services
func WithMaxServices(n int) Option {
	return func(h *Host) {
		h.maxServices = n
	}
}

// WithAutoConnect connects every new service on bind, assigning pids
// sequentially from firstPid.
func WithAutoConnect(firstPid int) Option {
	return func(h *Host) {
		h.autoConnect = true
		h.nextPid = firstPid
	}
}

// NewHost creates a fake host
func NewHost(opts ...Option) *Host {
	h := &Host{
		services: make(map[binder.ServiceName]*service),
		bindings: make(map[binder.Listener]*binding),
		nextPid:  1000,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RejectNextBinds makes the next n Bind calls fail with ErrBindRejected
func (h *Host) RejectNextBinds(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejectNext = n
}

// Bind implements binder.Host
func (h *Host) Bind(name binder.ServiceName, flags binder.BindFlags, l binder.Listener) error {
	h.mu.Lock()

	if h.rejectNext > 0 {
		h.rejectNext--
		h.mu.Unlock()
		return binder.ErrBindRejected
	}

	svc, exists := h.services[name]
	if !exists {
		if h.maxServices > 0 && len(h.services) >= h.maxServices {
			h.mu.Unlock()
			return binder.ErrNoCapacity
		}
		svc = &service{
			name:      name,
			listeners: make(map[binder.Listener]binder.BindFlags),
		}
		h.services[name] = svc
	}

	if prev, ok := h.bindings[l]; ok && prev.name != name {
		h.removeBindingLocked(l)
	}
	h.bindings[l] = &binding{name: name, flags: flags}
	svc.listeners[l] = flags
	h.records = append(h.records, BindRecord{Name: name, Flags: flags})

	var deliver []binder.Listener
	if !svc.connected && h.autoConnect {
		svc.pid = h.nextPid
		h.nextPid++
		svc.connected = true
		deliver = h.listenersLocked(svc)
	} else if svc.connected {
		deliver = []binder.Listener{l}
	}
	fake := &fakeService{host: h, name: name}
	h.mu.Unlock()

	for _, listener := range deliver {
		listener.ServiceConnected(fake)
	}
	return nil
}

// Unbind implements binder.Host
func (h *Host) Unbind(l binder.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.bindings[l]
	if !ok {
		return
	}
	h.records = append(h.records, BindRecord{Name: b.name, Flags: b.flags, Unbind: true})
	h.removeBindingLocked(l)
}

func (h *Host) removeBindingLocked(l binder.Listener) {
	b := h.bindings[l]
	delete(h.bindings, l)

	svc, ok := h.services[b.name]
	if !ok {
		return
	}
	delete(svc.listeners, l)
	if len(svc.listeners) == 0 {
		delete(h.services, b.name)
	}
}

func (h *Host) listenersLocked(svc *service) []binder.Listener {
	out := make([]binder.Listener, 0, len(svc.listeners))
	for l := range svc.listeners {
		out = append(out, l)
	}
	return out
}

// Connect simulates the host attaching the service with the given pid
func (h *Host) Connect(name binder.ServiceName, pid int) error {
	h.mu.Lock()
	svc, ok := h.services[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("service %s is not bound", name)
	}
	svc.pid = pid
	svc.connected = true
	deliver := h.listenersLocked(svc)
	h.mu.Unlock()

	fake := &fakeService{host: h, name: name}
	for _, l := range deliver {
		l.ServiceConnected(fake)
	}
	return nil
}

// Kill simulates the service's process dying
func (h *Host) Kill(name binder.ServiceName) error {
	h.mu.Lock()
	svc, ok := h.services[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("service %s is not bound", name)
	}
	deliver := h.listenersLocked(svc)
	for _, l := range deliver {
		delete(h.bindings, l)
	}
	delete(h.services, name)
	h.mu.Unlock()

	for _, l := range deliver {
		l.ServiceDisconnected()
	}
	return nil
}

// KillPid kills the service currently running as pid
func (h *Host) KillPid(pid int) error {
	h.mu.Lock()
	var name binder.ServiceName
	found := false
	for n, svc := range h.services {
		if svc.connected && svc.pid == pid {
			name, found = n, true
			break
		}
	}
	h.mu.Unlock()

	if !found {
		return fmt.Errorf("no service with pid %d", pid)
	}
	return h.Kill(name)
}

// FailSetup makes Setup on the named service return err
func (h *Host) FailSetup(name binder.ServiceName, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if svc, ok := h.services[name]; ok {
		svc.setupErr = err
	}
}

// IsBound reports whether a binding with exactly these flags is held
func (h *Host) IsBound(name binder.ServiceName, flags binder.BindFlags) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	svc, ok := h.services[name]
	if !ok {
		return false
	}
	for _, f := range svc.listeners {
		if f == flags {
			return true
		}
	}
	return false
}

// Bindings returns the flag sets held on a service
func (h *Host) Bindings(name binder.ServiceName) []binder.BindFlags {
	h.mu.Lock()
	defer h.mu.Unlock()

	svc, ok := h.services[name]
	if !ok {
		return nil
	}
	out := make([]binder.BindFlags, 0, len(svc.listeners))
	for _, f := range svc.listeners {
		out = append(out, f)
	}
	return out
}

// Importance returns the strongest importance held on a service
func (h *Host) Importance(name binder.ServiceName) binder.Importance {
	h.mu.Lock()
	defer h.mu.Unlock()

	best := binder.ImportanceNone
	if svc, ok := h.services[name]; ok {
		for _, f := range svc.listeners {
			if imp := binder.ImportanceOf(f); imp > best {
				best = imp
			}
		}
	}
	return best
}

// ServiceCount returns the number of live services
func (h *Host) ServiceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.services)
}

// Services returns the names of live services
func (h *Host) Services() []binder.ServiceName {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]binder.ServiceName, 0, len(h.services))
	for name := range h.services {
		out = append(out, name)
	}
	return out
}

// Records returns every Bind and Unbind observed so far
func (h *Host) Records() []BindRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]BindRecord(nil), h.records...)
}

// Setups returns the setup requests received by a service
func (h *Host) Setups(name binder.ServiceName) []binder.SetupRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	if svc, ok := h.services[name]; ok {
		return append([]binder.SetupRequest(nil), svc.setups...)
	}
	return nil
}

type fakeService struct {
	host *Host
	name binder.ServiceName
}

func (s *fakeService) Setup(ctx context.Context, req binder.SetupRequest) (binder.SetupReply, error) {
	if err := ctx.Err(); err != nil {
		return binder.SetupReply{}, err
	}

	s.host.mu.Lock()
	defer s.host.mu.Unlock()

	svc, ok := s.host.services[s.name]
	if !ok {
		return binder.SetupReply{}, fmt.Errorf("service %s is gone", s.name)
	}
	if svc.setupErr != nil {
		return binder.SetupReply{}, svc.setupErr
	}
	svc.setups = append(svc.setups, req)
	return binder.SetupReply{Pid: svc.pid}, nil
}
