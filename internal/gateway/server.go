// Package gateway wires the callbridge HTTP surface: the Twilio voice
// webhooks, the media stream endpoint, and the health, diagnostics and
// metrics routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/haasonsaas/callbridge/internal/auth"
	"github.com/haasonsaas/callbridge/internal/bridge"
	"github.com/haasonsaas/callbridge/internal/config"
	"github.com/haasonsaas/callbridge/internal/functions"
	"github.com/haasonsaas/callbridge/internal/live"
	"github.com/haasonsaas/callbridge/internal/observability"
	"github.com/haasonsaas/callbridge/internal/outbound"
	"github.com/haasonsaas/callbridge/internal/routing"
	"github.com/haasonsaas/callbridge/internal/storage"
	"github.com/haasonsaas/callbridge/internal/voice"
)

// Server owns every long-lived component of a running bridge.
type Server struct {
	config    *config.Config
	logger    *slog.Logger
	version   string
	startTime time.Time

	backend    *storage.Backend
	ownBackend bool
	stores     storage.StoreSet

	registry      *prometheus.Registry
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	traceShutdown func(context.Context) error

	router     *routing.Router
	dispatcher *functions.Dispatcher
	sessions   *bridge.Registry
	media      *bridge.Handler
	twilio     *voice.Client
	tokens     *auth.TokenService
	tracker    *voice.CallTracker

	dial bridge.DialFunc

	mu           sync.Mutex
	cancel       context.CancelFunc
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcHealth   *health.Server
	grpcListener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build version reported by diagnostics and traces.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithBackend uses an already opened storage backend. The caller keeps
// ownership and closes it.
func WithBackend(b *storage.Backend) Option {
	return func(s *Server) { s.backend = b }
}

// WithPrometheusRegistry registers metrics on reg instead of a private
// registry.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithLiveDialer replaces the Gemini Live dialer.
func WithLiveDialer(d bridge.DialFunc) Option {
	return func(s *Server) { s.dial = d }
}

// NewServer builds the component graph described by cfg. Nothing listens
// until Start.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = observability.NewMetrics(s.registry)
	s.tracer, s.traceShutdown = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "callbridge",
		ServiceVersion: s.version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	if s.backend == nil {
		backend, err := storage.Open(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		s.backend = backend
		s.ownBackend = true
	}
	s.stores = s.backend.Stores

	summarizer, err := functions.NewSummarizer(ctx, functions.SummarizerConfig{
		Provider: cfg.Summarizer.Provider,
		Model:    cfg.Summarizer.Model,
		APIKey:   cfg.Summarizer.APIKey,
	})
	if err != nil {
		_ = s.closeBackend()
		return nil, err
	}
	deliverer := newDeliverer(cfg.Webhooks, logger)
	fnRegistry, err := functions.NewDefaultRegistry(functions.Builtins{
		Summarizer: summarizer,
		Webhooks:   deliverer,
		Logger:     logger,
	})
	if err != nil {
		_ = s.closeBackend()
		return nil, fmt.Errorf("register functions: %w", err)
	}
	s.dispatcher = functions.NewDispatcher(fnRegistry, s.stores,
		functions.WithMetrics(s.metrics),
		functions.WithTracer(s.tracer),
		functions.WithLogger(logger),
	)

	s.sessions = bridge.NewRegistry()
	s.router = routing.NewRouter(s.stores,
		routing.WithLoad(s.sessions),
		routing.WithMetrics(s.metrics),
		routing.WithTracer(s.tracer),
		routing.WithLogger(logger),
	)
	s.twilio = voice.NewClient(voice.Config{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		PublicURL:  cfg.Server.PublicURL,
		StreamPath: cfg.Twilio.StreamPath,
	})
	s.tokens = auth.NewTokenService(cfg.Auth.StreamTokenSecret, cfg.Auth.StreamTokenTTL)
	s.tracker = voice.NewCallTracker(
		voice.WithTrackerLogger(logger),
		voice.WithEndedHook(s.callEnded),
	)

	mediaOpts := []bridge.Option{
		bridge.WithTokens(s.tokens),
		bridge.WithCallController(s.twilio),
		bridge.WithMetrics(s.metrics),
		bridge.WithTracer(s.tracer),
		bridge.WithLogger(logger),
	}
	if s.dial != nil {
		mediaOpts = append(mediaOpts, bridge.WithDialer(s.dial))
	}
	s.media = bridge.NewHandler(bridge.Config{
		Live: live.Config{
			URL:              cfg.Gemini.URL,
			APIKey:           cfg.Gemini.APIKey,
			Model:            cfg.Gemini.Model,
			Voice:            cfg.Gemini.Voice,
			Language:         cfg.Gemini.Language,
			HandshakeTimeout: cfg.Gemini.HandshakeTimeout,
		},
		GreetingDelay:   cfg.Gemini.GreetingDelay,
		FallbackMessage: cfg.Gemini.FallbackMessage,
	}, s.sessions, s.router, s.dispatcher, mediaOpts...)

	return s, nil
}

func newDeliverer(cfg config.WebhooksConfig, logger *slog.Logger) *outbound.Deliverer {
	return outbound.NewDeliverer(outbound.Config{
		Timeout:      cfg.Timeout,
		MaxAttempts:  cfg.MaxAttempts,
		AllowPrivate: cfg.AllowPrivate,
		UserAgent:    cfg.UserAgent,
	}, logger)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/diagnostics", s.handleDiagnostics)

	mux.Handle("/webhook/voice", s.webhook("voice", s.handleVoice))
	mux.Handle("/webhook/ivr", s.webhook("ivr", s.handleIVR))
	mux.Handle("/webhook/status", s.webhook("status", s.handleStatus))

	mux.Handle(s.config.Twilio.StreamPath, s.media)
	return mux
}

// Start begins serving and the background jobs. It returns once the
// listeners are bound.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.backend.Catalog != nil {
		if err := s.backend.Catalog.Watch(ctx); err != nil {
			s.logger.Warn("catalog hot reload disabled", "error", err)
		}
	}
	if err := s.tracker.StartCleanup(ctx, s.config.Calls.CleanupSchedule, s.cleanup); err != nil {
		cancel()
		return err
	}
	if err := s.startHTTPServer(); err != nil {
		cancel()
		s.tracker.Stop()
		return err
	}
	if err := s.startGRPCServer(); err != nil {
		cancel()
		s.tracker.Stop()
		s.stopHTTPServer(context.Background())
		return err
	}
	return nil
}

func (s *Server) startHTTPServer() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.Server.ReadHeaderTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.mu.Lock()
	s.httpServer = server
	s.httpListener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String(),
		"stream_path", s.config.Twilio.StreamPath, "store", s.stores.Kind)
	return nil
}

// Addr returns the bound HTTP address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop shuts down in order: new webhooks, then live sessions, then the
// background jobs and stores. ctx bounds the whole sequence.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.stopGRPCServer(ctx)
	s.stopHTTPServer(ctx)

	var errs []error
	if err := s.media.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("media sessions: %w", err))
	}
	s.tracker.Stop()
	if cancel != nil {
		cancel()
	}
	if err := s.traceShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	if err := s.closeBackend(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	s.logger.Info("gateway stopped", "uptime", time.Since(s.startTime).Round(time.Second).String())
	return errors.Join(errs...)
}

func (s *Server) stopHTTPServer(ctx context.Context) {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.httpListener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
}

func (s *Server) closeBackend() error {
	if !s.ownBackend || s.backend == nil {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	return err
}

// cleanup drops stale call records and the assignments of calls that never
// opened a stream.
func (s *Server) cleanup() {
	staleAfter := s.config.Calls.StaleAfter
	calls := s.tracker.CleanupStaleCalls(staleAfter)
	assignments := s.sessions.PruneAssignments(time.Now().Add(-staleAfter))
	if calls > 0 || assignments > 0 {
		s.logger.Info("cleaned up stale calls", "calls", calls, "assignments", assignments)
	}
}

// callEnded releases per-call state once Twilio reports a terminal status.
func (s *Server) callEnded(record voice.CallRecord) {
	s.sessions.Unassign(record.CallSID)
	if session, ok := s.sessions.SessionForCall(record.CallSID); ok {
		session.End(bridge.ReasonCallEnded)
	}
	s.logger.Info("call ended",
		"call_sid", record.CallSID,
		"state", string(record.State),
		"agent_id", record.AgentID,
		"duration", record.Duration.String(),
	)
}
