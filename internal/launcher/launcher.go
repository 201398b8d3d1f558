package launcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binding"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/connection"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/loop"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/manifest"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/spare"
)

const defaultSetupTimeout = 10 * time.Second

// worker is a registered, running worker. Loop-owned.
type worker struct {
	id              id.LaunchID
	pid             int
	conn            *connection.WorkerConnection
	processType     string
	priority        Priority
	strong          *connection.StrongBinding
	tracked         bool
	initialReleased bool
	startedAt       time.Time
}

// pendingLaunch is a launch between request and pid. Loop-owned.
type pendingLaunch struct {
	req       LaunchRequest
	result    chan LaunchResult
	conn      *connection.WorkerConnection
	strong    *connection.StrongBinding
	fromSpare bool
	filesSent bool
	done      bool
	started   time.Time
}

// Launcher maps launch requests to running workers and routes later stop
// and priority requests to them by pid.
//
// Every state change runs on the launcher loop. Launch and the lifecycle
// hooks only enqueue work; the pid-keyed queries (IsOomProtected) read the
// registry under regMu and are safe from any goroutine.
type Launcher struct {
	host           binder.Host
	loop           *loop.Loop
	logger         *zap.Logger
	recorder       monitoring.Recorder
	bus            *Bus
	manifest       *manifest.Manifest
	defaultPackage string
	maxModerate    int
	setupTimeout   time.Duration
	rewarmDelay    time.Duration
	listeners      []DeathListener

	// Loop-owned
	alloc    *Allocator
	bindings *binding.Manager
	spare    *spare.Pool
	pending  map[*pendingLaunch]struct{}
	byConn   map[*connection.WorkerConnection]*worker

	regMu   sync.RWMutex
	workers map[int]*worker

	closed atomic.Bool
}

// Option configures a Launcher
type Option func(*Launcher)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r monitoring.Recorder) Option {
	return func(l *Launcher) {
		l.recorder = r
	}
}

// WithManifest sets the service manifest used to size slot pools
func WithManifest(m *manifest.Manifest) Option {
	return func(l *Launcher) {
		l.manifest = m
	}
}

// WithDefaultPackage sets the package serving requests without a
// package override
func WithDefaultPackage(pkg string) Option {
	return func(l *Launcher) {
		l.defaultPackage = pkg
	}
}

// WithMaxModerateBindings caps the moderate bindings held in the
// foreground. Zero means unbounded.
func WithMaxModerateBindings(n int) Option {
	return func(l *Launcher) {
		l.maxModerate = n
	}
}

// WithSetupTimeout bounds each worker's setup call
func WithSetupTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		if d > 0 {
			l.setupTimeout = d
		}
	}
}

// WithSpareRewarmDelay binds a new spare d after a launch consumes the
// current one. Zero leaves the pool empty until the next WarmUp.
func WithSpareRewarmDelay(d time.Duration) Option {
	return func(l *Launcher) {
		l.rewarmDelay = d
	}
}

// WithDeathListener adds a listener for worker deaths
func WithDeathListener(dl DeathListener) Option {
	return func(l *Launcher) {
		l.listeners = append(l.listeners, dl)
	}
}

// WithBus publishes lifecycle events on b instead of a private bus
func WithBus(b *Bus) Option {
	return func(l *Launcher) {
		l.bus = b
	}
}

// New creates a launcher. Its loop starts with the first request.
func New(host binder.Host, opts ...Option) *Launcher {
	l := &Launcher{
		host:         host,
		logger:       zap.NewNop(),
		recorder:     monitoring.Nop{},
		setupTimeout: defaultSetupTimeout,
		pending:      make(map[*pendingLaunch]struct{}),
		byConn:       make(map[*connection.WorkerConnection]*worker),
		workers:      make(map[int]*worker),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.bus == nil {
		l.bus = NewBus(0)
	}

	l.loop = loop.New("launcher", l.logger)
	l.alloc = NewAllocator(host, l.loop, l.logger, l.manifest, l.defaultPackage, l.setupTimeout)
	l.bindings = binding.New(
		binding.WithLogger(l.logger.Named("binding")),
		binding.WithRecorder(l.recorder),
		binding.WithMaxModerateBindings(l.maxModerate),
	)
	return l
}

// Events returns the lifecycle event bus
func (l *Launcher) Events() *Bus {
	return l.bus
}

// Launch starts a worker. The channel receives exactly one result and is
// buffered, so a caller that stops listening leaks nothing; the launch
// itself carries on.
func (l *Launcher) Launch(req LaunchRequest) <-chan LaunchResult {
	if req.ID == "" {
		req.ID = id.NewLaunchID()
	}
	ch := make(chan LaunchResult, 1)
	p := &pendingLaunch{req: req, result: ch, started: time.Now()}

	if l.closed.Load() || !l.loop.TryPost(func() { l.launch(p) }) {
		binder.CloseAutoClose(req.Files)
		ch <- LaunchResult{ID: req.ID, Pid: InvalidPid, Err: ErrLauncherClosed}
	}
	return ch
}

// LaunchAndWait launches a worker and waits for its pid
func (l *Launcher) LaunchAndWait(ctx context.Context, req LaunchRequest) (int, error) {
	select {
	case r := <-l.Launch(req):
		return r.Pid, r.Err
	case <-ctx.Done():
		return InvalidPid, ctx.Err()
	}
}

// Stop unbinds the worker running as pid. No death event follows. An
// unknown pid is reported as ErrUnknownPid and otherwise ignored; the
// worker may already have died.
func (l *Launcher) Stop(ctx context.Context, pid int) error {
	return l.call(ctx, func() error {
		w := l.lookup(pid)
		if w == nil {
			return ErrUnknownPid
		}
		l.unregister(w)
		w.conn.Stop()
		l.logger.Info("Worker stopped", zap.Int("pid", pid), zap.Stringer("launch_id", w.id))
		l.bus.Publish(Event{Type: EventStopped, ID: w.id, Pid: pid})
		return nil
	})
}

// Kill drops the worker's protecting bindings and kills it. The death is
// delivered to listeners and the bus with KilledByUs set; the worker is
// reported unprotected.
func (l *Launcher) Kill(ctx context.Context, pid int) error {
	return l.call(ctx, func() error {
		w := l.lookup(pid)
		if w == nil {
			return ErrUnknownPid
		}
		l.logger.Info("Killing worker", zap.Int("pid", pid), zap.Stringer("launch_id", w.id))
		w.conn.DropOomBindings()
		w.conn.Kill()
		return nil
	})
}

// SetPriority applies the embedder's priority for pid
func (l *Launcher) SetPriority(ctx context.Context, pid int, prio Priority) error {
	return l.call(ctx, func() error {
		w := l.lookup(pid)
		if w == nil {
			return ErrUnknownPid
		}
		l.applyPriority(w, prio)
		return nil
	})
}

// SetInForeground marks pid as foreground-important, or drops it back to
// normal background priority
func (l *Launcher) SetInForeground(ctx context.Context, pid int, foreground bool) error {
	prio := Priority{}
	if foreground {
		prio = Priority{Visible: true, Importance: ImportanceImportant}
	}
	return l.SetPriority(ctx, pid, prio)
}

// OnBroughtToForeground tells the launcher the embedder became visible.
// Calls must alternate with OnSentToBackground.
func (l *Launcher) OnBroughtToForeground() {
	l.post(func() {
		l.bindings.OnBroughtToForeground()
		l.bus.Publish(Event{Type: EventForeground})
	})
}

// OnSentToBackground releases every moderate binding
func (l *Launcher) OnSentToBackground() {
	l.post(func() {
		l.bindings.OnSentToBackground()
		l.bus.Publish(Event{Type: EventBackground})
	})
}

// OnTrimMemory sheds moderate bindings according to level
func (l *Launcher) OnTrimMemory(level binding.TrimLevel) {
	l.post(func() {
		l.bindings.OnTrimMemory(level)
		l.bus.Publish(Event{Type: EventTrim, Detail: map[string]any{"level": level.String()}})
	})
}

// OnLowMemory releases every moderate binding
func (l *Launcher) OnLowMemory() {
	l.post(func() {
		l.bindings.ReleaseAllModerateBindings()
		l.bus.Publish(Event{Type: EventTrim, Detail: map[string]any{"level": "low_memory"}})
	})
}

// WarmUp binds a spare connection for the next launch with these params,
// unless a spare already exists. Reports whether a new spare is binding.
func (l *Launcher) WarmUp(ctx context.Context, params connection.CreationParams, sandboxed bool) (bool, error) {
	var created bool
	err := l.call(ctx, func() error {
		created = l.warmUp(params, sandboxed)
		return nil
	})
	return created, err
}

func (l *Launcher) warmUp(params connection.CreationParams, sandboxed bool) bool {
	if l.spare != nil && !l.spare.IsEmpty() {
		return false
	}
	l.spare = spare.New(l.loop, l.alloc.Start, params, sandboxed,
		spare.WithLogger(l.logger.Named("spare")),
		spare.WithRecorder(l.recorder),
	)
	if l.spare.IsEmpty() {
		return false
	}
	l.bus.Publish(Event{Type: EventSpare, Detail: map[string]any{"sandboxed": sandboxed}})
	return true
}

// NumberOfServiceSlots returns how many worker services pkg declares, or
// manifest.UnboundedServices without a manifest entry. An empty pkg means
// the default package.
func (l *Launcher) NumberOfServiceSlots(pkg string, sandboxed bool) int {
	if pkg == "" {
		pkg = l.defaultPackage
	}
	return l.manifest.NumServices(pkg, sandboxed)
}

// IsOomProtected reports whether the worker running as pid is protected.
// found is false once the pid is no longer registered.
func (l *Launcher) IsOomProtected(pid int) (protected, found bool) {
	l.regMu.RLock()
	w, ok := l.workers[pid]
	l.regMu.RUnlock()
	if !ok {
		return false, false
	}
	return w.conn.IsOomProtectedOrWasWhenDied(), true
}

// Workers returns a snapshot of registered workers ordered by pid
func (l *Launcher) Workers(ctx context.Context) ([]WorkerInfo, error) {
	var out []WorkerInfo
	err := l.call(ctx, func() error {
		out = make([]WorkerInfo, 0, len(l.byConn))
		for _, w := range l.byConn {
			out = append(out, WorkerInfo{
				ID:          w.id,
				Pid:         w.pid,
				ProcessType: w.processType,
				Service:     w.conn.ServiceName().String(),
				Sandboxed:   w.conn.Sandboxed(),
				Priority:    w.priority,
				Bindings:    w.conn.BindingState(),
				StartedAt:   w.startedAt,
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out, err
}

// Stats summarises launcher state
func (l *Launcher) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.call(ctx, func() error {
		s = Stats{
			Workers:          len(l.byConn),
			PendingLaunches:  len(l.pending),
			RecencyListSize:  l.bindings.Len(),
			ModerateBindings: l.bindings.ModerateCount(),
			StrongBindings:   l.countStrong(),
			InForeground:     l.bindings.InForeground(),
			SpareState:       spare.StateEmpty.String(),
		}
		if l.spare != nil {
			s.SpareState = l.spare.State().String()
		}
		return nil
	})
	return s, err
}

// Shutdown stops every worker, fails pending launches and stops the loop.
// No death events are delivered for workers stopped here.
func (l *Launcher) Shutdown(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := l.loop.Call(ctx, func() {
		for p := range l.pending {
			l.finish(p, InvalidPid, ErrLauncherClosed)
			if p.conn != nil {
				p.conn.Stop()
			}
		}
		for _, w := range l.byConn {
			l.unregister(w)
			w.conn.Stop()
		}
		if l.spare != nil {
			l.spare.Close()
		}
	})
	if errors.Is(err, loop.ErrLoopStopped) {
		err = nil
	}

	stopErr := l.loop.Stop(ctx)
	l.bus.Close()
	l.logger.Info("Launcher shut down")
	return errors.Join(err, stopErr)
}

func (l *Launcher) launch(p *pendingLaunch) {
	if l.closed.Load() {
		l.finish(p, InvalidPid, ErrLauncherClosed)
		return
	}
	l.pending[p] = struct{}{}

	req := p.req
	cb := &launchCallback{l: l, p: p}

	if l.spare != nil {
		if conn := l.spare.GetConnection(req.Params, req.Sandboxed, cb); conn != nil {
			p.conn = conn
			p.fromSpare = true
			l.scheduleRewarm(req.Params, req.Sandboxed)
		}
	}

	if p.conn == nil {
		conn := l.alloc.Allocate(req.Params, req.Sandboxed)
		if conn == nil {
			l.finish(p, InvalidPid, ErrNoSlot)
			return
		}
		if !conn.Start(l.alloc.Track(conn, cb)) {
			l.alloc.Free(conn)
			l.recorder.BindRejected(binder.BindAutoCreate.String())
			l.finish(p, InvalidPid, binder.ErrBindRejected)
			return
		}
		p.conn = conn
	}

	if req.Foreground {
		p.strong = l.acquireStrong(p.conn)
	}

	l.logger.Debug("Launch bound",
		zap.Stringer("launch_id", req.ID),
		zap.Stringer("service", p.conn.ServiceName()),
		zap.Bool("from_spare", p.fromSpare),
	)
}

func (l *Launcher) scheduleRewarm(params connection.CreationParams, sandboxed bool) {
	if l.rewarmDelay <= 0 {
		return
	}
	l.loop.PostDelayed(l.rewarmDelay, func() {
		if l.closed.Load() {
			return
		}
		l.warmUp(params, sandboxed)
	})
}

// acquireStrong returns nil when the host rejects the strong bind; the
// next priority update retries
func (l *Launcher) acquireStrong(c *connection.WorkerConnection) *connection.StrongBinding {
	b := c.AcquireStrongBinding()
	if b == nil {
		l.recorder.BindRejected((binder.BindAutoCreate | binder.BindImportant).String())
		l.logger.Warn("Strong binding rejected", zap.Stringer("service", c.ServiceName()))
	}
	return b
}

func (l *Launcher) onStarted(p *pendingLaunch, c *connection.WorkerConnection) {
	if p.done {
		return
	}
	p.filesSent = true
	c.SetupConnection(connection.SetupArgs{
		CommandLine: p.req.CommandLine,
		Files:       p.req.Files,
		ProcessType: p.req.ProcessType,
	}, func(c *connection.WorkerConnection, err error) {
		l.onSetup(p, c, err)
	})
}

func (l *Launcher) onSetup(p *pendingLaunch, c *connection.WorkerConnection, err error) {
	if err != nil {
		l.finish(p, InvalidPid, fmt.Errorf("setup worker: %w", err))
		c.Stop()
		return
	}
	if p.done {
		c.Stop()
		return
	}

	w := &worker{
		id:          p.req.ID,
		pid:         c.Pid(),
		conn:        c,
		processType: p.req.ProcessType,
		priority:    Priority{Visible: p.req.Foreground},
		strong:      p.strong,
		startedAt:   time.Now(),
	}
	p.strong = nil
	l.register(w)
	if w.priority.Visible {
		l.bindings.AddConnection(c)
		w.tracked = true
	}

	l.finish(p, w.pid, nil)
	l.bus.Publish(Event{Type: EventLaunched, ID: w.id, Pid: w.pid, Detail: map[string]any{
		"service":    c.ServiceName().String(),
		"from_spare": p.fromSpare,
	}})
}

// finish delivers the launch result exactly once
func (l *Launcher) finish(p *pendingLaunch, pid int, err error) {
	if p.done {
		return
	}
	p.done = true
	delete(l.pending, p)

	source := monitoring.SourceFresh
	if p.fromSpare {
		source = monitoring.SourceSpare
	}
	l.recorder.LaunchCompleted(source, err == nil, time.Since(p.started))

	if err != nil {
		if !p.filesSent {
			binder.CloseAutoClose(p.req.Files)
		}
		p.strong.Release()
		p.strong = nil
		l.logger.Warn("Launch failed", zap.Stringer("launch_id", p.req.ID), zap.Error(err))
		l.bus.Publish(Event{Type: EventLaunchFailed, ID: p.req.ID, Detail: map[string]any{"error": err.Error()}})
	} else {
		l.logger.Info("Worker launched",
			zap.Stringer("launch_id", p.req.ID),
			zap.Int("pid", pid),
			zap.Duration("duration", time.Since(p.started)),
		)
	}

	p.result <- LaunchResult{ID: p.req.ID, Pid: pid, Err: err, FromSpare: p.fromSpare}
}

func (l *Launcher) onWorkerDied(c *connection.WorkerConnection) {
	w, ok := l.byConn[c]
	if !ok {
		return
	}
	l.unregister(w)

	death := WorkerDeath{
		ID:           w.id,
		Pid:          w.pid,
		OomProtected: c.IsOomProtectedOrWasWhenDied(),
		KilledByUs:   c.IsKilledByUs(),
		At:           time.Now(),
	}
	l.logger.Warn("Worker died",
		zap.Int("pid", death.Pid),
		zap.Stringer("launch_id", death.ID),
		zap.Bool("oom_protected", death.OomProtected),
	)
	l.recorder.WorkerDied(death.OomProtected)

	for _, dl := range l.listeners {
		dl.OnWorkerDied(death)
	}
	l.bus.Publish(Event{Type: EventDied, ID: death.ID, Pid: death.Pid, Detail: map[string]any{
		"oom_protected": death.OomProtected,
		"killed_by_us":  death.KilledByUs,
	}})
}

func (l *Launcher) applyPriority(w *worker, prio Priority) {
	params := w.conn.Params()
	visible := prio.Visible && !params.IgnoreVisibilityForImportance

	wantStrong := visible || prio.Importance == ImportanceImportant
	switch {
	case wantStrong && w.strong == nil:
		w.strong = l.acquireStrong(w.conn)
	case !wantStrong && w.strong != nil:
		w.strong.Release()
		w.strong = nil
	}

	track := visible || prio.Importance >= ImportanceModerate
	switch {
	case track && !w.tracked:
		l.bindings.AddConnection(w.conn)
		w.tracked = true
	case track:
		l.bindings.IncreaseRecency(w.conn)
	case w.tracked:
		l.bindings.DropRecency(w.conn)
		w.tracked = false
	}

	// The launch-time binding protects the worker until its first priority
	if !w.initialReleased {
		w.conn.RemoveInitialBinding()
		w.initialReleased = true
	}

	w.priority = prio
	l.recorder.SetStrongBindings(l.countStrong())
	l.bus.Publish(Event{Type: EventPriority, ID: w.id, Pid: w.pid, Detail: map[string]any{
		"visible":    prio.Visible,
		"importance": prio.Importance.String(),
	}})
}

func (l *Launcher) register(w *worker) {
	l.regMu.Lock()
	l.workers[w.pid] = w
	n := len(l.workers)
	l.regMu.Unlock()

	l.byConn[w.conn] = w
	l.recorder.SetActiveWorkers(n)
	l.recorder.SetStrongBindings(l.countStrong())
}

func (l *Launcher) unregister(w *worker) {
	l.regMu.Lock()
	delete(l.workers, w.pid)
	n := len(l.workers)
	l.regMu.Unlock()

	delete(l.byConn, w.conn)
	if w.tracked {
		l.bindings.RemoveConnection(w.conn)
		w.tracked = false
	}
	w.strong.Release()
	w.strong = nil

	l.recorder.SetActiveWorkers(n)
	l.recorder.SetStrongBindings(l.countStrong())
}

func (l *Launcher) lookup(pid int) *worker {
	l.regMu.RLock()
	defer l.regMu.RUnlock()
	return l.workers[pid]
}

func (l *Launcher) countStrong() int {
	n := 0
	for _, w := range l.byConn {
		if w.strong != nil {
			n++
		}
	}
	return n
}

func (l *Launcher) post(task func()) {
	if l.closed.Load() {
		return
	}
	l.loop.Post(task)
}

// call runs fn on the loop and returns its error
func (l *Launcher) call(ctx context.Context, fn func() error) error {
	if l.closed.Load() {
		return ErrLauncherClosed
	}
	var err error
	if callErr := l.loop.Call(ctx, func() { err = fn() }); callErr != nil {
		if errors.Is(callErr, loop.ErrLoopStopped) {
			return ErrLauncherClosed
		}
		return callErr
	}
	return err
}

// launchCallback routes a launching connection's events to the launcher
type launchCallback struct {
	l *Launcher
	p *pendingLaunch
}

func (cb *launchCallback) OnStarted(c *connection.WorkerConnection) {
	cb.l.onStarted(cb.p, c)
}

func (cb *launchCallback) OnStartFailed(*connection.WorkerConnection) {
	cb.l.finish(cb.p, InvalidPid, ErrStartFailed)
}

func (cb *launchCallback) OnDied(c *connection.WorkerConnection) {
	if !cb.p.done {
		cb.l.finish(cb.p, InvalidPid, ErrWorkerDied)
		return
	}
	cb.l.onWorkerDied(c)
}
