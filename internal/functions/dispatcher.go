package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"

	"github.com/haasonsaas/callbridge/internal/observability"
	"github.com/haasonsaas/callbridge/internal/storage"
)

// Request is one function call issued by the model.
type Request struct {
	Name string
	Args map[string]any
	// CorrelationID is the model's function call id, echoed in the response.
	CorrelationID string

	CallID       string
	AgentID      string
	UserID       string
	CallerNumber string
}

// Response is reported back to the model.
type Response struct {
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

// FunctionError wraps a handler failure, including recovered panics.
type FunctionError struct {
	Name string
	Err  error
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("function %s: %v", e.Name, e.Err)
}

func (e *FunctionError) Unwrap() error {
	return e.Err
}

// Dispatcher validates, executes and logs function calls.
type Dispatcher struct {
	registry *Registry
	stores   storage.StoreSet
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the time source handed to handlers.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher creates a dispatcher over registry. Handlers receive stores
// through their ExecContext.
func NewDispatcher(registry *Registry, stores storage.StoreSet, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		stores:   stores,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "functions")
	return d
}

// Registry returns the underlying registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Schemas returns the tool set for the model setup handshake.
func (d *Dispatcher) Schemas() []*genai.Tool {
	return d.registry.Schemas()
}

// Execute runs req. It never panics and never returns an error: failures are
// reported in the Response.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Response {
	start := d.now()
	ctx, span := d.tracer.TraceFunction(ctx, req.Name)
	defer span.End()
	span.SetAttributes(attribute.String("call.sid", req.CallID))

	result, err := d.run(ctx, req, start)
	elapsed := d.now().Sub(start)

	resp := Response{Success: err == nil, ExecutionTimeMs: elapsed.Milliseconds()}
	status := "success"
	if err != nil {
		resp.Error = errorMessage(req.Name, err)
		status = "error"
		d.tracer.RecordError(span, err)
		d.logger.WarnContext(ctx, "function call failed",
			"function", req.Name, "call_id", req.CallID, "error", err)
	} else {
		resp.Result = result
		d.logger.InfoContext(ctx, "function call completed",
			"function", req.Name, "call_id", req.CallID, "duration_ms", resp.ExecutionTimeMs)
	}
	d.metrics.RecordFunction(req.Name, status, elapsed.Seconds())
	d.logCall(ctx, req, resp, start)
	return resp
}

func (d *Dispatcher) run(ctx context.Context, req Request, start time.Time) (any, error) {
	def, ok := d.registry.Lookup(req.Name)
	if !ok {
		return nil, ErrNotFound
	}
	if def.RequiresAuth && req.UserID == "" {
		return nil, ErrAuthRequired
	}

	raw, err := json.Marshal(req.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if req.Args == nil {
		raw = json.RawMessage("{}")
	}
	if err := def.Validate(raw); err != nil {
		return nil, err
	}

	ec := ExecContext{
		CallID:       req.CallID,
		AgentID:      req.AgentID,
		UserID:       req.UserID,
		CallerNumber: req.CallerNumber,
		Stores:       d.stores,
		Now:          start,
	}
	return d.invoke(ctx, def, ec, raw)
}

func (d *Dispatcher) invoke(ctx context.Context, def *Definition, ec ExecContext, raw json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "function handler panicked",
				"function", def.Name, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = &FunctionError{Name: def.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return def.handler(ctx, ec, raw)
}

func (d *Dispatcher) logCall(ctx context.Context, req Request, resp Response, start time.Time) {
	if d.stores.FunctionLogs == nil {
		return
	}
	entry := &storage.FunctionCallLog{
		UserID:          req.UserID,
		CallID:          req.CallID,
		AgentID:         req.AgentID,
		FunctionName:    req.Name,
		Success:         resp.Success,
		ErrorMessage:    resp.Error,
		ExecutionTimeMs: resp.ExecutionTimeMs,
		CreatedAt:       start.UTC(),
	}
	if params, err := json.Marshal(req.Args); err == nil && req.Args != nil {
		entry.Parameters = params
	}
	if resp.Success && resp.Result != nil {
		if result, err := json.Marshal(resp.Result); err == nil {
			entry.Result = result
		}
	}
	if err := d.stores.FunctionLogs.AppendFunctionLog(ctx, entry); err != nil {
		d.logger.WarnContext(ctx, "failed to log function call", "function", req.Name, "error", err)
	}
}

func errorMessage(name string, err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return fmt.Sprintf("Function '%s' not found", name)
	case errors.Is(err, ErrAuthRequired):
		return "Authentication required for this function"
	}
	var fe *FunctionError
	if errors.As(err, &fe) {
		return fe.Err.Error()
	}
	return err.Error()
}
