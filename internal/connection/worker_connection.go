package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/loop"
)

// ErrNotConnected is reported when setup is attempted on a dead connection
var ErrNotConnected = errors.New("worker connection is not connected")

const defaultSetupTimeout = 10 * time.Second

// WorkerConnection owns the four bindings to one worker process.
//
// All mutating methods run on the launcher loop. The binding queries
// (IsOomProtectedOrWasWhenDied, the Is*Bound family, BindingState, Pid) may
// be called from any goroutine; mu covers exactly the state they read.
type WorkerConnection struct {
	host         binder.Host
	runner       loop.Runner
	logger       *zap.Logger
	name         binder.ServiceName
	params       CreationParams
	sandboxed    bool
	setupTimeout time.Duration

	mu              sync.Mutex
	initial         *ServiceConnection
	strong          *ServiceConnection
	waived          *ServiceConnection
	moderate        *ServiceConnection
	strongCount     int
	strongEpoch     uint64
	unbound         bool
	wasOomProtected bool
	pid             int

	// Loop-owned
	service            binder.Service
	serviceCallback    ServiceCallback
	connectionCallback ConnectionCallback
	pendingSetup       *SetupArgs
	setupInFlight      bool
	didConnect         bool
	killedByUs         bool
}

// Option configures a WorkerConnection
type Option func(*WorkerConnection)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *WorkerConnection) {
		c.logger = logger
	}
}

// WithSetupTimeout bounds the Setup call made after connection
func WithSetupTimeout(d time.Duration) Option {
	return func(c *WorkerConnection) {
		c.setupTimeout = d
	}
}

// New creates an unbound connection to the named service
func New(
	host binder.Host,
	runner loop.Runner,
	name binder.ServiceName,
	params CreationParams,
	sandboxed bool,
	opts ...Option,
) *WorkerConnection {
	c := &WorkerConnection{
		host:         host,
		runner:       runner,
		logger:       zap.NewNop(),
		name:         name,
		params:       params,
		sandboxed:    sandboxed,
		setupTimeout: defaultSetupTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.Stringer("service", name))

	defaultFlags := binder.BindAutoCreate
	if params.BindAsExternalService {
		defaultFlags |= binder.BindExternalService
	}

	c.initial = newServiceConnection(host, runner, c.logger, name, defaultFlags, c)
	c.moderate = newServiceConnection(host, runner, c.logger, name, defaultFlags|binder.BindNotForeground, c)
	c.strong = newServiceConnection(host, runner, c.logger, name, defaultFlags|binder.BindImportant, c)
	c.waived = newServiceConnection(host, runner, c.logger, name, defaultFlags|binder.BindWaivePriority, c)

	return c
}

// ServiceName returns the hosted service this connection binds to
func (c *WorkerConnection) ServiceName() binder.ServiceName {
	return c.name
}

// Params returns the creation params
func (c *WorkerConnection) Params() CreationParams {
	return c.params
}

// Sandboxed reports whether the worker runs in a sandboxed service
func (c *WorkerConnection) Sandboxed() bool {
	return c.sandboxed
}

// Pid returns the worker's pid, 0 until setup completed
func (c *WorkerConnection) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// Start binds the connection and registers cb for lifecycle events.
// Returns false when the host rejected the initial bind; cb is then never
// called and the connection is unusable.
func (c *WorkerConnection) Start(cb ServiceCallback) bool {
	c.serviceCallback = cb
	if !c.Bind() {
		c.serviceCallback = nil
		return false
	}
	return true
}

// Bind binds the initial and waived connections. Returns false if the
// initial bind was rejected.
func (c *WorkerConnection) Bind() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unbound {
		c.logger.DPanic("Bind called on an unbound connection")
		return false
	}

	if !c.initial.Bind() {
		return false
	}
	if !c.waived.Bind() {
		c.logger.Warn("Waived binding rejected, continuing with initial binding only")
	}
	return true
}

// Unbind releases every binding. Idempotent; the first call freezes the
// OOM-protection status reported by IsOomProtectedOrWasWhenDied.
func (c *WorkerConnection) Unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.unbound {
		c.wasOomProtected = c.isOomProtectedLocked()
		c.unbound = true
	}

	c.service = nil
	c.initial.Unbind()
	c.strong.Unbind()
	c.waived.Unbind()
	c.moderate.Unbind()
	c.strongCount = 0
	c.strongEpoch++
}

// Stop unbinds and reports the connection as died to its service callback
func (c *WorkerConnection) Stop() {
	c.Unbind()
	c.notifyDied()
}

// Kill unbinds, marks the worker as killed by the embedder and reports it
// as died. The host reaps the process once its last binding is gone.
func (c *WorkerConnection) Kill() {
	c.killedByUs = true
	c.Stop()
}

// IsKilledByUs reports whether Kill was called
func (c *WorkerConnection) IsKilledByUs() bool {
	return c.killedByUs
}

// IsConnected reports whether the service is attached and not yet unbound
func (c *WorkerConnection) IsConnected() bool {
	return c.service != nil
}

// AddStrongBinding increments the strong binding count, binding the
// strong connection on the first reference. Returns false, leaving the
// count alone, when the host rejected that bind.
func (c *WorkerConnection) AddStrongBinding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addStrongLocked()
}

func (c *WorkerConnection) addStrongLocked() bool {
	if c.unbound {
		c.logger.DPanic("Strong binding added to a disconnected connection", zap.Int("pid", c.pid))
		return false
	}
	if c.strongCount == 0 && !c.strong.Bind() {
		return false
	}
	c.strongCount++
	return true
}

// RemoveStrongBinding drops one strong reference, unbinding the strong
// connection when the count reaches zero.
func (c *WorkerConnection) RemoveStrongBinding() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeStrongLocked()
}

func (c *WorkerConnection) removeStrongLocked() {
	if c.unbound {
		c.logger.DPanic("Strong binding removed from a disconnected connection", zap.Int("pid", c.pid))
		return
	}
	if c.strongCount == 0 {
		c.logger.DPanic("Strong binding count would go negative", zap.Int("pid", c.pid))
		return
	}
	c.strongCount--
	if c.strongCount == 0 {
		c.strong.Unbind()
	}
}

// AcquireStrongBinding adds a strong reference held by the returned token.
// Returns nil when no reference was taken.
func (c *WorkerConnection) AcquireStrongBinding() *StrongBinding {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.addStrongLocked() {
		return nil
	}
	return &StrongBinding{conn: c, epoch: c.strongEpoch}
}

func (c *WorkerConnection) releaseStrong(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// References taken before DropOomBindings or Unbind are already gone
	if epoch != c.strongEpoch {
		return
	}
	c.removeStrongLocked()
}

// AddModerateBinding binds the moderate connection. Returns whether the
// binding is held.
func (c *WorkerConnection) AddModerateBinding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unbound {
		c.logger.DPanic("Moderate binding added to a disconnected connection", zap.Int("pid", c.pid))
		return false
	}
	return c.moderate.Bind()
}

// RemoveModerateBinding unbinds the moderate connection
func (c *WorkerConnection) RemoveModerateBinding() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unbound {
		c.logger.DPanic("Moderate binding removed from a disconnected connection", zap.Int("pid", c.pid))
		return
	}
	c.moderate.Unbind()
}

// RemoveInitialBinding releases the binding taken by Bind
func (c *WorkerConnection) RemoveInitialBinding() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unbound {
		return
	}
	c.initial.Unbind()
}

// DropOomBindings releases the initial and strong bindings, leaving the
// moderate and waived bindings alone. Used when the worker is about to be
// killed anyway.
func (c *WorkerConnection) DropOomBindings() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.initial.Unbind()
	c.strongCount = 0
	c.strongEpoch++
	c.strong.Unbind()
}

// IsOomProtectedOrWasWhenDied returns the live protection status while
// bound, and the status frozen at the first Unbind afterwards.
func (c *WorkerConnection) IsOomProtectedOrWasWhenDied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unbound {
		return c.wasOomProtected
	}
	return c.isOomProtectedLocked()
}

func (c *WorkerConnection) isOomProtectedLocked() bool {
	return c.initial.IsBound() || c.strong.IsBound()
}

// IsInitialBindingBound reports whether the initial binding is held
func (c *WorkerConnection) IsInitialBindingBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initial.IsBound()
}

// IsStrongBindingBound reports whether the strong binding is held
func (c *WorkerConnection) IsStrongBindingBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strong.IsBound()
}

// IsModerateBindingBound reports whether the moderate binding is held
func (c *WorkerConnection) IsModerateBindingBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moderate.IsBound()
}

// IsWaivedBindingBound reports whether the waived binding is held
func (c *WorkerConnection) IsWaivedBindingBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waived.IsBound()
}

// IsBound reports whether any binding is held
func (c *WorkerConnection) IsBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initial.IsBound() || c.strong.IsBound() || c.waived.IsBound() || c.moderate.IsBound()
}

// BindingState returns a consistent snapshot of all bindings
func (c *WorkerConnection) BindingState() BindingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BindingState{
		Initial:     c.initial.IsBound(),
		Strong:      c.strong.IsBound(),
		Waived:      c.waived.IsBound(),
		Moderate:    c.moderate.IsBound(),
		StrongCount: c.strongCount,
	}
}

// SetupConnection hands the worker its command line and files once the
// service is attached. cb runs on the loop with the outcome.
func (c *WorkerConnection) SetupConnection(args SetupArgs, cb ConnectionCallback) {
	if c.connectionCallback != nil {
		c.logger.DPanic("SetupConnection called twice")
		return
	}

	c.mu.Lock()
	unbound := c.unbound
	c.mu.Unlock()
	if unbound {
		binder.CloseAutoClose(args.Files)
		cb(c, ErrNotConnected)
		return
	}

	c.pendingSetup = &args
	c.connectionCallback = cb
	if c.service != nil {
		c.doSetup()
	}
}

func (c *WorkerConnection) onServiceConnected(svc binder.Service) {
	// Every binding reports the same attach; only the first counts
	if c.didConnect {
		return
	}
	c.didConnect = true

	if c.params.BindToCaller {
		if checker, ok := svc.(binder.CallerBinder); ok {
			timeout := c.setupTimeout
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				err := checker.BindToCaller(ctx)
				cancel()
				c.runner.Post(func() {
					c.finishConnect(svc, err)
				})
			}()
			return
		}
	}
	c.finishConnect(svc, nil)
}

func (c *WorkerConnection) finishConnect(svc binder.Service, callerErr error) {
	c.mu.Lock()
	unbound := c.unbound
	c.mu.Unlock()
	if unbound {
		return
	}

	if callerErr != nil {
		c.logger.Error("Service failed caller check", zap.Error(callerErr))
		c.notifyStartFailed()
		return
	}

	c.service = svc
	c.logger.Debug("Service connected")

	if c.serviceCallback != nil {
		c.serviceCallback.OnStarted(c)
	}
	if c.pendingSetup != nil && c.service != nil {
		c.doSetup()
	}
}

func (c *WorkerConnection) onServiceDisconnected() {
	c.logger.Warn("Service disconnected", zap.Int("pid", c.Pid()))
	c.Stop()
}

func (c *WorkerConnection) doSetup() {
	args := *c.pendingSetup
	c.pendingSetup = nil
	c.setupInFlight = true
	svc := c.service
	timeout := c.setupTimeout

	req := binder.SetupRequest{
		CommandLine: args.CommandLine,
		Files:       args.Files,
		ProcessType: args.ProcessType,
	}

	// Setup is a blocking call into the worker; keep it off the loop
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		reply, err := svc.Setup(ctx, req)
		cancel()
		binder.CloseAutoClose(args.Files)

		c.runner.Post(func() {
			c.onSetupResult(reply, err)
		})
	}()
}

func (c *WorkerConnection) onSetupResult(reply binder.SetupReply, err error) {
	c.setupInFlight = false
	cb := c.connectionCallback
	c.connectionCallback = nil
	if cb == nil {
		return
	}

	c.mu.Lock()
	unbound := c.unbound
	if err == nil && !unbound {
		c.pid = reply.Pid
	}
	c.mu.Unlock()

	switch {
	case unbound:
		cb(c, ErrNotConnected)
	case err != nil:
		c.logger.Error("Worker setup failed", zap.Error(err))
		cb(c, err)
	default:
		c.logger.Debug("Worker setup complete", zap.Int("pid", reply.Pid))
		cb(c, nil)
	}
}

func (c *WorkerConnection) notifyStartFailed() {
	cb := c.serviceCallback
	c.serviceCallback = nil
	c.Unbind()
	if cb != nil {
		cb.OnStartFailed(c)
	}
	c.failPendingSetup()
}

func (c *WorkerConnection) notifyDied() {
	cb := c.serviceCallback
	c.serviceCallback = nil
	if cb != nil {
		cb.OnDied(c)
	}

	c.failPendingSetup()
}

// failPendingSetup fails a setup that has not been sent yet; it will never
// complete. One in flight reports through onSetupResult.
func (c *WorkerConnection) failPendingSetup() {
	if conn := c.connectionCallback; conn != nil && !c.setupInFlight {
		if c.pendingSetup != nil {
			binder.CloseAutoClose(c.pendingSetup.Files)
		}
		c.connectionCallback = nil
		c.pendingSetup = nil
		conn(c, ErrNotConnected)
	}
}
