package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/backbone/internal/api/middleware"
	"github.com/GriffinCanCode/backbone/internal/eventbus"
	"github.com/GriffinCanCode/backbone/internal/gateway"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/broker"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/config"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/logging"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/backbone/internal/jobqueue"
	"github.com/GriffinCanCode/backbone/internal/notify"
)

// Server owns every long-lived component of a backbone process
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *monitoring.Metrics
	tracer   *tracing.Provider
	capture  *tracing.Capture
	conns    *broker.Connections
	bus      *eventbus.Bus
	dlqLog   *jobqueue.DLQLog

	// workers consume on the queue-worker connection, producers enqueue on
	// the queue-producer connection
	workers   map[string]*jobqueue.Queue
	producers map[string]*jobqueue.Queue

	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Server
type Option func(*Server)

// WithLogger replaces the logger built from the config
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = &logging.Logger{Logger: logging.OrNop(l)}
	}
}

// NewServer builds the shared components. Nothing connects to Redis until
// the gateway or worker runs.
func NewServer(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Server{
		config:    cfg,
		workers:   make(map[string]*jobqueue.Queue),
		producers: make(map[string]*jobqueue.Queue),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development).ForService(cfg.Server.ServiceName)
	}
	logger := s.logger.Logger

	logger.Info("Initializing backbone",
		zap.String("service", cfg.Server.ServiceName),
		zap.String("redis", cfg.Redis.Addr),
	)

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = monitoring.NewMetrics(s.registry)

	tracer, err := tracing.NewProvider(ctx, tracing.ProviderConfig{
		ServiceName: cfg.Server.ServiceName,
		Endpoint:    cfg.Trace.OTLPEndpoint,
		Insecure:    cfg.Trace.OTLPInsecure,
		SampleRate:  cfg.Trace.SampleRate,
	}, s.logger.Component("tracing"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}
	s.tracer = tracer
	s.capture = tracing.NewCapture(cfg.Trace.Capacity)

	names := slices.Clone(cfg.Queue.Names)
	if cfg.Notify.Queue != "" && !slices.Contains(names, cfg.Notify.Queue) {
		names = append(names, cfg.Notify.Queue)
	}

	perQueue := cfg.Queue.Concurrency
	if perQueue <= 0 {
		perQueue = jobqueue.DefaultOptions("").Concurrency
	}
	s.conns = broker.Open(broker.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		// each worker holds a connection while blocked, plus the promoter
		WorkerPoolSize: len(names) * (perQueue + 2),
	}, s.logger.Component("broker"))

	s.bus = eventbus.New(s.conns.Publisher(), s.conns.Subscriber(),
		eventbus.WithLogger(s.logger.Component("eventbus")),
		eventbus.WithMetrics(s.metrics),
		eventbus.WithTracerProvider(tracer.TracerProvider()),
	)

	if cfg.Queue.DLQLogPath != "" {
		dlqLog, err := jobqueue.OpenDLQLog(cfg.Queue.DLQLogPath)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.dlqLog = dlqLog
	}

	for _, name := range names {
		opts := s.queueOptions(name)
		queueLogger := s.logger.Component("jobqueue")
		s.workers[name] = jobqueue.New(s.conns.QueueWorker(), opts, queueLogger, s.metrics)
		s.producers[name] = jobqueue.New(s.conns.QueueProducer(), opts, queueLogger, s.metrics)
	}

	logger.Info("Backbone initialized", zap.Strings("queues", names))
	return s, nil
}

func (s *Server) queueOptions(name string) jobqueue.Options {
	q := s.config.Queue
	opts := jobqueue.DefaultOptions(name)
	if q.Concurrency > 0 {
		opts.Concurrency = q.Concurrency
	}
	if q.MaxAttempts > 0 {
		opts.DefaultAttempts = q.MaxAttempts
	}
	opts.DefaultBackoff = jobqueue.Backoff{
		Type:   jobqueue.BackoffType(q.BackoffType),
		Delay:  q.BackoffDelay,
		Factor: 2,
	}
	if opts.DefaultBackoff.Type != jobqueue.BackoffExponential {
		opts.DefaultBackoff.Type = jobqueue.BackoffFixed
	}
	if q.PollInterval > 0 {
		opts.PollInterval = q.PollInterval
	}
	opts.RemoveOnComplete = q.RemoveOnComplete
	opts.DLQLog = s.dlqLog
	opts.TracerProvider = s.tracer.TracerProvider()
	return opts
}

func breakerSettings(cfg config.BreakerConfig) resilience.Settings {
	volume := cfg.VolumeThreshold
	if volume < 0 {
		volume = 0
	}
	return resilience.Settings{
		ErrorThresholdPercentage: cfg.ErrorThresholdPercentage,
		VolumeThreshold:          uint32(volume),
		RollingWindow:            cfg.RollingWindow,
		ResetTimeout:             cfg.ResetTimeout,
		CallTimeout:              cfg.CallTimeout,
	}
}

// Router builds the gateway's HTTP surface: /health, /metrics, /traces and
// the proxied /api routes behind rate limiting and authentication.
func (s *Server) Router() (*gin.Engine, error) {
	cfg := s.config
	logger := s.logger.Logger

	routes, err := gateway.LoadRoutes(cfg.Gateway.Routes, cfg.Gateway.RoutesFile)
	if err != nil {
		return nil, err
	}
	proxy, err := gateway.New(routes, gateway.Options{
		Breaker:          breakerSettings(cfg.Breaker),
		BreakerByDefault: cfg.Gateway.BreakerOnRoutes,
		Timeout:          cfg.Breaker.CallTimeout,
		Logger:           s.logger.Component("gateway"),
		Metrics:          s.metrics,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(tracing.Middleware(s.capture, s.tracer.TracerProvider(), cfg.Server.ServiceName, "/health", "/metrics", "/traces"))
	router.Use(monitoring.Middleware(s.metrics))

	router.GET("/health", s.health(proxy))
	router.GET("/metrics", monitoring.Handler(s.registry))
	tracing.NewHandlers(s.capture, s.logger.Component("tracing")).Register(router)

	var guards []gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		store := middleware.NewStore(cfg.RateLimit.Store, cfg.RateLimit.Window, cfg.RateLimit.Max, s.conns.RateLimiter())
		logger.Info("Rate limiting enabled",
			zap.String("store", store.Name()),
			zap.Duration("window", cfg.RateLimit.Window),
			zap.Int("max", cfg.RateLimit.Max),
		)
		guards = append(guards, middleware.RateLimit(middleware.RateLimitConfig{
			Window:  cfg.RateLimit.Window,
			Max:     cfg.RateLimit.Max,
			Store:   store,
			Metrics: s.metrics,
			Logger:  s.logger.Component("ratelimit"),
		}))
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set; every /api request will be rejected")
	}
	guards = append(guards, middleware.Auth(middleware.AuthConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Logger:   s.logger.Component("auth"),
	}))
	proxy.Register(router, guards...)

	for _, r := range proxy.Routes() {
		logger.Info("Route registered", zap.String("prefix", r.Prefix), zap.String("target", r.Target))
	}
	return router, nil
}

func (s *Server) health(proxy *gateway.Proxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, redis := "ok", "ok"
		if err := s.conns.Ping(ctx); err != nil {
			status, redis = "degraded", err.Error()
		}

		c.JSON(http.StatusOK, gin.H{
			"status":   status,
			"service":  s.config.Server.ServiceName,
			"redis":    redis,
			"breakers": proxy.BreakerStates(),
			"metrics":  s.metrics.Snapshot(),
		})
	}
}

// RunGateway serves the gateway until ctx is cancelled
func (s *Server) RunGateway(ctx context.Context) error {
	router, err := s.Router()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.config.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// StartWorker connects the bus, forwards notify events into the notify
// queue and starts every queue's workers.
func (s *Server) StartWorker(ctx context.Context) error {
	cfg := s.config
	notifyLogger := s.logger.Component("notify")

	if err := s.bus.Connect(ctx); err != nil {
		return err
	}

	if cfg.Notify.Queue != "" {
		s.workers[cfg.Notify.Queue].Handle(notify.JobName, notify.NewWebhook(notify.Config{
			URL:           cfg.Notify.WebhookURL,
			Secret:        cfg.Notify.SigningSecret,
			Timeout:       cfg.Notify.Timeout,
			RatePerSecond: cfg.Notify.RatePerSecond,
		}, notifyLogger))

		channel := cfg.Notify.Channel
		if channel == "" {
			channel = eventbus.DefaultChannel
		}
		forward := notify.Forward(s.producers[cfg.Notify.Queue], notifyLogger, cfg.Notify.Events...)
		if err := s.bus.Subscribe(ctx, channel, forward); err != nil {
			return err
		}
	}

	for name, q := range s.workers {
		if err := q.Start(ctx); err != nil {
			return fmt.Errorf("failed to start queue %s: %w", name, err)
		}
	}
	return nil
}

// RunWorker runs StartWorker and blocks until ctx is cancelled
func (s *Server) RunWorker(ctx context.Context) error {
	if err := s.StartWorker(ctx); err != nil {
		return err
	}
	s.logger.Info("Worker running")
	<-ctx.Done()
	return nil
}

// Bus returns the event bus
func (s *Server) Bus() *eventbus.Bus { return s.bus }

// Capture returns the trace capture buffer
func (s *Server) Capture() *tracing.Capture { return s.capture }

// Metrics returns the metrics collector
func (s *Server) Metrics() *monitoring.Metrics { return s.metrics }

// Logger returns the process logger
func (s *Server) Logger() *zap.Logger { return s.logger.Logger }

// Queue returns the worker side of the named queue
func (s *Server) Queue(name string) (*jobqueue.Queue, bool) {
	q, ok := s.workers[name]
	return q, ok
}

// Producer returns the enqueue side of the named queue
func (s *Server) Producer(name string) (*jobqueue.Queue, bool) {
	q, ok := s.producers[name]
	return q, ok
}

// Close stops workers and subscriptions, then releases connections. It is
// safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down...")

		var errs []error
		for _, q := range s.workers {
			errs = append(errs, q.Close())
		}
		for _, q := range s.producers {
			errs = append(errs, q.Close())
		}
		if s.bus != nil {
			errs = append(errs, s.bus.Close())
		}
		if s.conns != nil {
			errs = append(errs, s.conns.Close())
		}
		if s.dlqLog != nil {
			errs = append(errs, s.dlqLog.Close())
		}
		if s.tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, s.tracer.Shutdown(ctx))
			cancel()
		}
		_ = s.logger.Sync()

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
