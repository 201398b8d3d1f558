package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/GriffinCanCode/AgentOS/workerhost/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/binder/exechost"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/connection"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/launcher"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/manifest"
)

// Version is reported by the root endpoint
var Version = "dev"

// Server wires the launcher, its host and the control API
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	host     binder.Host
	execHost *exechost.Host
	launcher *launcher.Launcher
	router   *gin.Engine
	http     *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithHost replaces the process host, typically with bindertest.Host
func WithHost(h binder.Host) Option {
	return func(s *Server) {
		s.host = h
	}
}

// WithLogger replaces the logger built from config
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{config: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		logger, err := logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		s.logger = logger
	}

	s.logger.Info("Initializing worker host",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("package", cfg.Launcher.Package),
		zap.Strings("command", cfg.ExecHost.Command),
	)

	s.metrics = monitoring.NewMetrics()

	m, err := loadManifest(cfg.Launcher.ManifestGlob)
	if err != nil {
		return nil, err
	}
	if m != nil {
		s.logger.Info("Loaded service manifest",
			zap.String("glob", cfg.Launcher.ManifestGlob),
			zap.Int("packages", len(m.Packages)),
		)
	}

	if s.host == nil {
		s.execHost = s.newExecHost()
		s.host = s.execHost
	}

	launcherOpts := []launcher.Option{
		launcher.WithLogger(s.logger.Component("launcher")),
		launcher.WithRecorder(s.metrics),
		launcher.WithManifest(m),
		launcher.WithDefaultPackage(cfg.Launcher.Package),
		launcher.WithMaxModerateBindings(cfg.Launcher.MaxModerateBindings),
	}
	if cfg.Launcher.SpareEnabled {
		launcherOpts = append(launcherOpts, launcher.WithSpareRewarmDelay(cfg.Launcher.SpareRewarmDelay))
	}
	s.launcher = launcher.New(s.host, launcherOpts...)

	s.router = s.newRouter()
	s.http = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Server initialized successfully")
	return s, nil
}

func loadManifest(glob string) (*manifest.Manifest, error) {
	if glob == "" {
		return nil, nil
	}
	m, err := manifest.LoadGlob(glob)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	return m, nil
}

func (s *Server) newExecHost() *exechost.Host {
	cfg := s.config.ExecHost
	logger := s.logger.Component("exechost")

	breaker := resilience.New("spawn", resilience.Settings{
		FailureThreshold: cfg.SpawnFailureThreshold,
		Cooldown:         cfg.SpawnCooldown,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Spawn breaker changed state",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})

	return exechost.New(
		exechost.WithLogger(s.logger.Logger),
		exechost.WithCommand(cfg.Command...),
		exechost.WithMaxServices(cfg.MaxServices),
		exechost.WithOomAdjust(cfg.OomAdjust),
		exechost.WithBreaker(breaker),
	)
}

func (s *Server) newRouter() *gin.Engine {
	cfg := s.config
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(s.logger.Component("http")))
	router.Use(monitoring.Middleware(s.metrics))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.Origins = cfg.Server.CORSOrigins
	router.Use(middleware.CORS(corsCfg))

	var control []gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		control = append(control, middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(s.launcher,
		apihttp.WithLogger(s.logger.Component("api")),
		apihttp.WithMetrics(s.metrics),
		apihttp.WithBindExternal(cfg.Launcher.BindExternal),
		apihttp.WithVersion(Version),
	)
	handlers.Register(router, control...)

	wsHandler := ws.NewHandler(s.launcher.Events(), s.metrics, s.logger.Component("ws"))
	router.GET("/v1/events", wsHandler.HandleConnection)

	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	level := gin.WrapH(s.logger.Level())
	router.GET("/v1/log/level", level)
	router.PUT("/v1/log/level", level)

	return router
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Launcher returns the launcher
func (s *Server) Launcher() *launcher.Launcher {
	return s.launcher
}

// Run serves HTTP until ctx is cancelled or the listener fails, then
// shuts everything down
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.config.Launcher.SpareEnabled {
		g.Go(func() error {
			s.warmUp(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.Close()
	})

	return g.Wait()
}

func (s *Server) warmUp(ctx context.Context) {
	params := connection.CreationParams{BindAsExternalService: s.config.Launcher.BindExternal}
	created, err := s.launcher.WarmUp(ctx, params, true)
	if err != nil {
		s.logger.Warn("Failed to warm up spare connection", zap.Error(err))
		return
	}
	s.logger.Info("Spare connection warm-up", zap.Bool("created", created))
}

// Close stops the HTTP server, then the launcher, then the host
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	timeout := s.config.Launcher.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.launcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("launcher shutdown: %w", err))
	}
	if s.execHost != nil {
		s.execHost.Close()
	}

	_ = s.logger.Sync()
	return errors.Join(errs...)
}
