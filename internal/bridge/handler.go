// Package bridge connects Twilio Media Streams calls to Gemini Live
// sessions. Each accepted WebSocket becomes a Session that relays audio in
// both directions, runs model function calls and tears everything down once.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/callbridge/internal/auth"
	"github.com/haasonsaas/callbridge/internal/functions"
	"github.com/haasonsaas/callbridge/internal/live"
	"github.com/haasonsaas/callbridge/internal/observability"
	"github.com/haasonsaas/callbridge/internal/routing"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultGreetingDelay    = 500 * time.Millisecond
	DefaultFallbackMessage  = "We're sorry, our assistant is unavailable right now. Please call again later. Goodbye."
)

// ErrHandshakeTimeout is the end cause when the model session is not ready
// in time.
var ErrHandshakeTimeout = errors.New("live handshake timed out")

// CallController changes the instructions of a call in progress.
type CallController interface {
	UpdateCall(ctx context.Context, callSID, twiml string) error
}

// LiveConn is the model side of a session. *live.Client implements it.
type LiveConn interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Content() <-chan live.ServerContent
	SendAudio(pcmB64 string) bool
	SendText(text string) bool
	SendFunctionResult(id, name string, result any, errMsg string) bool
	Close() error
}

// DialFunc opens a model session.
type DialFunc func(ctx context.Context, cfg live.Config, logger *slog.Logger) (LiveConn, error)

func dialLive(ctx context.Context, cfg live.Config, logger *slog.Logger) (LiveConn, error) {
	c, err := live.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config holds per-session settings shared by every call.
type Config struct {
	// Live is the base model configuration. Agent voice, language and
	// instructions override it per call.
	Live            live.Config
	GreetingDelay   time.Duration
	FallbackMessage string
}

// Handler upgrades media stream requests and runs one Session per socket.
type Handler struct {
	cfg        Config
	registry   *Registry
	router     *routing.Router
	dispatcher *functions.Dispatcher
	tokens     *auth.TokenService
	calls      CallController
	dial       DialFunc
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	pending map[*Session]struct{}
	wg      sync.WaitGroup
}

// Option configures a Handler.
type Option func(*Handler)

// WithTokens verifies signed stream tokens issued by the voice webhook.
func WithTokens(t *auth.TokenService) Option {
	return func(h *Handler) { h.tokens = t }
}

// WithCallController enables the spoken fallback and in-call forwarding.
func WithCallController(c CallController) Option {
	return func(h *Handler) { h.calls = c }
}

// WithDialer replaces the Gemini Live dialer.
func WithDialer(d DialFunc) Option {
	return func(h *Handler) {
		if d != nil {
			h.dial = d
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(h *Handler) { h.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates the media stream handler.
func NewHandler(cfg Config, registry *Registry, router *routing.Router, dispatcher *functions.Dispatcher, opts ...Option) *Handler {
	if cfg.Live.HandshakeTimeout <= 0 {
		cfg.Live.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.GreetingDelay < 0 {
		cfg.GreetingDelay = 0
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}
	if registry == nil {
		registry = NewRegistry()
	}
	h := &Handler{
		cfg:        cfg,
		registry:   registry,
		router:     router,
		dispatcher: dispatcher,
		dial:       dialLive,
		logger:     slog.Default(),
		pending:    make(map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "bridge")
	return h
}

// Registry returns the session registry.
func (h *Handler) Registry() *Registry {
	return h.registry
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("media stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s := newSession(context.WithoutCancel(r.Context()), h, conn)
	if !h.track(s) {
		s.End(ReasonShutdown)
		return
	}
	defer h.wg.Done()
	s.Run()
}

func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return false
	}
	h.pending[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	if h.pending != nil {
		delete(h.pending, s)
	}
	h.mu.Unlock()
}

// Shutdown ends every session, including ones that have not yet received a
// start event, and waits for them to finish or ctx to expire. New sockets are
// refused afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.pending))
	for s := range h.pending {
		sessions = append(sessions, s)
	}
	h.pending = nil
	h.mu.Unlock()

	for _, s := range sessions {
		s.End(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
