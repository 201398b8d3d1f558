//go:build unix

package exechost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/resilience"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrServiceGone is returned by Setup once the service was unbound or died
	ErrServiceGone = errors.New("service is no longer hosted")
	// ErrNoCommand is returned by Setup when no worker command is configured
	ErrNoCommand = errors.New("no worker command configured")
)

// oom_score_adj values by the strongest binding held on a process
const (
	OomScoreImportant = 0
	OomScoreModerate  = 200
	OomScoreWaived    = 800
)

// OomScore maps a binding importance to the oom_score_adj it warrants
func OomScore(imp binder.Importance) int {
	switch imp {
	case binder.ImportanceImportant:
		return OomScoreImportant
	case binder.ImportanceModerate:
		return OomScoreModerate
	default:
		return OomScoreWaived
	}
}

// Host hosts each service name as at most one child process
type Host struct {
	logger      *zap.Logger
	command     []string
	env         []string
	maxServices int
	oomAdjust   bool
	writeOom    func(pid, score int) error
	breaker     *resilience.Breaker

	mu       sync.Mutex
	services map[binder.ServiceName]*process
	bindings map[binder.Listener]*process
	closed   bool
}

type process struct {
	name      binder.ServiceName
	listeners map[binder.Listener]binder.BindFlags
	cmd       *exec.Cmd
	pid       int
	score     int
	exited    chan struct{}
}

// Option configures a Host
type Option func(*Host)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithCommand sets the worker binary and its leading arguments
func WithCommand(command ...string) Option {
	return func(h *Host) {
		h.command = command
	}
}

// WithEnv appends environment variables for every worker
func WithEnv(env ...string) Option {
	return func(h *Host) {
		h.env = append(h.env, env...)
	}
}

// WithMaxServices caps the number of live services (0 = unbounded)
func WithMaxServices(n int) Option {
	return func(h *Host) {
		h.maxServices = n
	}
}

// WithOomAdjust enables writing /proc/<pid>/oom_score_adj
func WithOomAdjust(enabled bool) Option {
	return func(h *Host) {
		h.oomAdjust = enabled
	}
}

// WithBreaker guards process spawning with a circuit breaker
func WithBreaker(b *resilience.Breaker) Option {
	return func(h *Host) {
		h.breaker = b
	}
}

// New creates a host
func New(opts ...Option) *Host {
	h := &Host{
		logger:   zap.NewNop(),
		writeOom: writeProcOom,
		services: make(map[binder.ServiceName]*process),
		bindings: make(map[binder.Listener]*process),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("exechost")
	return h
}

// Bind implements binder.Host. The connection is reported asynchronously;
// the process itself starts at Setup.
func (h *Host) Bind(name binder.ServiceName, flags binder.BindFlags, l binder.Listener) error {
	if h.breaker != nil && h.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("%w: %w", binder.ErrBindRejected, resilience.ErrCircuitOpen)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return binder.ErrBindRejected
	}

	proc, exists := h.services[name]
	if !exists {
		if h.maxServices > 0 && len(h.services) >= h.maxServices {
			h.mu.Unlock()
			return binder.ErrNoCapacity
		}
		proc = &process{
			name:      name,
			listeners: make(map[binder.Listener]binder.BindFlags),
			score:     -1,
		}
		h.services[name] = proc
	}

	if prev, ok := h.bindings[l]; ok && prev != proc {
		h.dropBindingLocked(l)
	}
	h.bindings[l] = proc
	proc.listeners[l] = flags
	h.adjustOomLocked(proc)
	h.mu.Unlock()

	h.logger.Debug("Bound service",
		zap.Stringer("service", name),
		zap.Stringer("flags", flags))

	svc := &service{host: h, proc: proc}
	go l.ServiceConnected(svc)
	return nil
}

// Unbind implements binder.Host. Removing the last binding kills the
// service's process group.
func (h *Host) Unbind(l binder.Listener) {
	h.mu.Lock()
	if _, ok := h.bindings[l]; !ok {
		h.mu.Unlock()
		return
	}
	h.dropBindingLocked(l)
	h.mu.Unlock()
}

func (h *Host) dropBindingLocked(l binder.Listener) {
	proc := h.bindings[l]
	delete(h.bindings, l)
	delete(proc.listeners, l)

	if len(proc.listeners) > 0 {
		h.adjustOomLocked(proc)
		return
	}
	if h.services[proc.name] == proc {
		delete(h.services, proc.name)
	}
	if proc.pid > 0 {
		h.logger.Debug("Killing unbound worker",
			zap.Stringer("service", proc.name),
			zap.Int("pid", proc.pid))
		killGroup(proc.pid)
	}
}

// Pid returns the pid hosting a service, or 0 when it has not started
func (h *Host) Pid(name binder.ServiceName) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if proc, ok := h.services[name]; ok {
		return proc.pid
	}
	return 0
}

// ServiceCount returns the number of live services
func (h *Host) ServiceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.services)
}

// Close kills every hosted process. Listeners are not notified.
func (h *Host) Close() {
	h.mu.Lock()
	h.closed = true
	procs := make([]*process, 0, len(h.services))
	for _, proc := range h.services {
		procs = append(procs, proc)
	}
	h.services = make(map[binder.ServiceName]*process)
	h.bindings = make(map[binder.Listener]*process)
	h.mu.Unlock()

	for _, proc := range procs {
		if proc.pid > 0 {
			killGroup(proc.pid)
			<-proc.exited
		}
	}
}

func (h *Host) spawn(proc *process, req binder.SetupRequest) error {
	if len(h.command) == 0 {
		return ErrNoCommand
	}

	args := append([]string(nil), h.command[1:]...)
	args = append(args, req.CommandLine...)
	if req.ProcessType != "" {
		args = append(args, "--type="+req.ProcessType)
	}

	cmd := exec.Command(h.command[0], args...)
	cmd.Env = append(os.Environ(), h.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var mapping []string
	for _, fd := range req.Files {
		if fd.File == nil {
			continue
		}
		// ExtraFiles[i] becomes fd 3+i in the child
		childFd := 3 + len(cmd.ExtraFiles)
		cmd.ExtraFiles = append(cmd.ExtraFiles, fd.File)
		mapping = append(mapping, fmt.Sprintf("%d:%d", fd.ID, childFd))
	}
	if len(mapping) > 0 {
		cmd.Args = append(cmd.Args, "--shared-files="+strings.Join(mapping, ","))
	}

	start := cmd.Start
	if h.breaker != nil {
		start = func() error {
			return h.breaker.Do(cmd.Start)
		}
	}
	if err := start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	proc.cmd = cmd
	proc.pid = cmd.Process.Pid
	proc.exited = make(chan struct{})
	go h.wait(proc)
	return nil
}

func (h *Host) wait(proc *process) {
	err := proc.cmd.Wait()
	close(proc.exited)

	h.mu.Lock()
	var listeners []binder.Listener
	if h.services[proc.name] == proc {
		delete(h.services, proc.name)
		for l := range proc.listeners {
			delete(h.bindings, l)
			listeners = append(listeners, l)
		}
	}
	h.mu.Unlock()

	if len(listeners) == 0 {
		return
	}

	h.logger.Info("Worker exited",
		zap.Stringer("service", proc.name),
		zap.Int("pid", proc.pid),
		zap.Error(err))
	for _, l := range listeners {
		l.ServiceDisconnected()
	}
}

func (h *Host) adjustOomLocked(proc *process) {
	if !h.oomAdjust || proc.pid <= 0 {
		return
	}

	best := binder.ImportanceNone
	for _, flags := range proc.listeners {
		if imp := binder.ImportanceOf(flags); imp > best {
			best = imp
		}
	}
	score := OomScore(best)
	if score == proc.score {
		return
	}
	if err := h.writeOom(proc.pid, score); err != nil {
		h.logger.Debug("Failed to adjust oom score",
			zap.Int("pid", proc.pid),
			zap.Int("score", score),
			zap.Error(err))
		return
	}
	proc.score = score
}

func writeProcOom(pid, score int) error {
	path := "/proc/" + strconv.Itoa(pid) + "/oom_score_adj"
	return os.WriteFile(path, []byte(strconv.Itoa(score)), 0o644)
}

func killGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		// Not a group leader; fall back to the process itself
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

// service is the binder.Service handed to listeners
type service struct {
	host *Host
	proc *process
}

// Setup starts the worker process, or returns its pid if it already runs
func (s *service) Setup(ctx context.Context, req binder.SetupRequest) (binder.SetupReply, error) {
	if err := ctx.Err(); err != nil {
		return binder.SetupReply{}, err
	}

	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.services[s.proc.name] != s.proc {
		return binder.SetupReply{}, ErrServiceGone
	}
	if s.proc.pid > 0 {
		return binder.SetupReply{Pid: s.proc.pid}, nil
	}

	if err := h.spawn(s.proc, req); err != nil {
		h.logger.Warn("Worker spawn failed",
			zap.Stringer("service", s.proc.name),
			zap.Error(err))
		return binder.SetupReply{}, err
	}
	h.adjustOomLocked(s.proc)

	h.logger.Info("Worker started",
		zap.Stringer("service", s.proc.name),
		zap.Int("pid", s.proc.pid),
		zap.String("process_type", req.ProcessType))
	return binder.SetupReply{Pid: s.proc.pid}, nil
}
