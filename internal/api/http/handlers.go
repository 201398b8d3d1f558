package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binding"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/connection"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/launcher"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/shared/validation"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WorkerLauncher is the launcher surface the control API drives
type WorkerLauncher interface {
	Launch(req launcher.LaunchRequest) <-chan launcher.LaunchResult
	Stop(ctx context.Context, pid int) error
	Kill(ctx context.Context, pid int) error
	SetPriority(ctx context.Context, pid int, prio launcher.Priority) error
	SetInForeground(ctx context.Context, pid int, foreground bool) error
	OnBroughtToForeground()
	OnSentToBackground()
	OnTrimMemory(level binding.TrimLevel)
	OnLowMemory()
	WarmUp(ctx context.Context, params connection.CreationParams, sandboxed bool) (bool, error)
	NumberOfServiceSlots(pkg string, sandboxed bool) int
	IsOomProtected(pid int) (protected, found bool)
	Workers(ctx context.Context) ([]launcher.WorkerInfo, error)
	Stats(ctx context.Context) (launcher.Stats, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	launcher      WorkerLauncher
	metrics       *monitoring.Metrics
	logger        *zap.Logger
	launchTimeout time.Duration
	bindExternal  bool
	version       string
}

// Option configures Handlers
type Option func(*Handlers)

// WithMetrics adds the metrics summary to health output
func WithMetrics(m *monitoring.Metrics) Option {
	return func(h *Handlers) {
		h.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handlers) {
		h.logger = logger
	}
}

// WithLaunchTimeout bounds how long a launch request waits for a pid
func WithLaunchTimeout(d time.Duration) Option {
	return func(h *Handlers) {
		h.launchTimeout = d
	}
}

// WithBindExternal makes launches bind as external services by default
func WithBindExternal(enabled bool) Option {
	return func(h *Handlers) {
		h.bindExternal = enabled
	}
}

// WithVersion sets the version reported by Root
func WithVersion(v string) Option {
	return func(h *Handlers) {
		h.version = v
	}
}

// NewHandlers creates a new handler set
func NewHandlers(l WorkerLauncher, opts ...Option) *Handlers {
	h := &Handlers{
		launcher:      l,
		logger:        zap.NewNop(),
		launchTimeout: 30 * time.Second,
		version:       "dev",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "AgentOS Worker Host",
		"version": h.version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	stats, err := h.launcher.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	body := gin.H{
		"status":   "healthy",
		"launcher": stats,
	}
	if h.metrics != nil {
		body["metrics"] = h.metrics.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

// LaunchRequest is the body of POST /v1/workers
type LaunchRequest struct {
	ProcessType string   `json:"process_type" binding:"required"`
	CommandLine []string `json:"command_line"`
	Package     string   `json:"package"`
	// Sandboxed defaults to true
	Sandboxed        *bool `json:"sandboxed"`
	Foreground       bool  `json:"foreground"`
	BindToCaller     bool  `json:"bind_to_caller"`
	BindExternal     *bool `json:"bind_external"`
	IgnoreVisibility bool  `json:"ignore_visibility_for_importance"`
}

func (r LaunchRequest) validate() error {
	if err := validation.ValidateProcessType(r.ProcessType); err != nil {
		return err
	}
	if err := validation.ValidatePackage(r.Package); err != nil {
		return err
	}
	return validation.ValidateCommandLine(r.CommandLine)
}

func (h *Handlers) creationParams(pkg string, bindToCaller bool, external *bool, ignoreVisibility bool) connection.CreationParams {
	params := connection.CreationParams{
		PackageName:                   pkg,
		BindToCaller:                  bindToCaller,
		BindAsExternalService:         h.bindExternal,
		IgnoreVisibilityForImportance: ignoreVisibility,
	}
	if external != nil {
		params.BindAsExternalService = *external
	}
	return params
}

// LaunchWorker starts a worker and replies with its pid. Files cannot
// travel over HTTP, so API launches carry none.
func (h *Handlers) LaunchWorker(c *gin.Context) {
	var req LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid launch request: " + err.Error(),
		})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	sandboxed := true
	if req.Sandboxed != nil {
		sandboxed = *req.Sandboxed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.launchTimeout)
	defer cancel()

	done := h.launcher.Launch(launcher.LaunchRequest{
		ProcessType: req.ProcessType,
		CommandLine: req.CommandLine,
		Params:      h.creationParams(req.Package, req.BindToCaller, req.BindExternal, req.IgnoreVisibility),
		Sandboxed:   sandboxed,
		Foreground:  req.Foreground,
	})

	select {
	case res := <-done:
		if res.Err != nil {
			h.fail(c, res.Err, zap.Stringer("launch_id", res.ID))
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"success":    true,
			"id":         res.ID,
			"pid":        res.Pid,
			"from_spare": res.FromSpare,
		})
	case <-ctx.Done():
		h.fail(c, ctx.Err())
	}
}

// ListWorkers lists registered workers
func (h *Handlers) ListWorkers(c *gin.Context) {
	ctx := c.Request.Context()

	workers, err := h.launcher.Workers(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	stats, err := h.launcher.Stats(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"stats":   stats,
	})
}

// StopWorker unbinds a worker. No death event follows.
func (h *Handlers) StopWorker(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}
	if err := h.launcher.Stop(c.Request.Context(), pid); err != nil {
		h.fail(c, err, zap.Int("pid", pid))
		return
	}
	c.Status(http.StatusNoContent)
}

// KillWorker drops a worker's protection and kills it. A death event
// with killed_by_us follows.
func (h *Handlers) KillWorker(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}
	if err := h.launcher.Kill(c.Request.Context(), pid); err != nil {
		h.fail(c, err, zap.Int("pid", pid))
		return
	}
	c.Status(http.StatusNoContent)
}

// SetPriority applies a priority to a worker
func (h *Handlers) SetPriority(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}

	var prio launcher.Priority
	if err := c.ShouldBindJSON(&prio); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid priority: " + err.Error(),
		})
		return
	}

	if err := h.launcher.SetPriority(c.Request.Context(), pid, prio); err != nil {
		h.fail(c, err, zap.Int("pid", pid))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "pid": pid, "priority": prio})
}

// SetForeground marks a worker foreground-important or background-normal
func (h *Handlers) SetForeground(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}

	var req struct {
		Foreground *bool `json:"foreground" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "foreground is required",
		})
		return
	}

	if err := h.launcher.SetInForeground(c.Request.Context(), pid, *req.Foreground); err != nil {
		h.fail(c, err, zap.Int("pid", pid))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "pid": pid, "foreground": *req.Foreground})
}

// OomProtection reports whether a worker is, or was when it died, protected
// from the OOM killer
func (h *Handlers) OomProtection(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}

	protected, found := h.launcher.IsOomProtected(pid)
	if !found {
		h.fail(c, launcher.ErrUnknownPid, zap.Int("pid", pid))
		return
	}
	c.JSON(http.StatusOK, gin.H{"pid": pid, "oom_protected": protected})
}

func pidParam(c *gin.Context) (int, bool) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= launcher.InvalidPid {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid pid",
		})
		return 0, false
	}
	return pid, true
}

// statusFor maps launcher and host errors to HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, launcher.ErrUnknownPid):
		return http.StatusNotFound
	case errors.Is(err, launcher.ErrNoSlot),
		errors.Is(err, binder.ErrNoCapacity),
		errors.Is(err, binder.ErrBindRejected),
		errors.Is(err, launcher.ErrLauncherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, launcher.ErrStartFailed),
		errors.Is(err, launcher.ErrWorkerDied):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *gin.Context, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Control call failed",
			append(fields, zap.String("path", c.FullPath()), zap.Error(err))...)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}
