// Package routing decides which agent answers a call and what happens
// first: a direct AI connection, an IVR menu, or a forward to a human.
package routing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/callbridge/internal/observability"
	"github.com/haasonsaas/callbridge/internal/storage"
)

// Action is what the telephony layer should do with the call.
type Action string

const (
	ActionConnectAI   Action = "connect_ai"
	ActionPlayIVR     Action = "play_ivr"
	ActionForwardCall Action = "forward_call"
)

// Routing methods recorded in the audit log.
const (
	MethodNumberMatch    = "number_match"
	MethodBusinessHours  = "business_hours"
	MethodDirectionMatch = "direction_match"
	MethodDefaultAgent   = "default_agent"
	MethodLastResort     = "last_resort"
	MethodIVRSelection   = "ivr_selection"
	MethodIVRFallback    = "ivr_fallback"
)

// CallMetadata describes an inbound call at routing time.
type CallMetadata struct {
	CallID    string
	From      string
	To        string
	Direction storage.Direction
	Now       time.Time
}

// Decision is an immutable routing result.
type Decision struct {
	Action    Action
	Agent     *storage.Agent
	ForwardTo string
	Menu      *storage.IVRMenu
	Method    string
}

// LoadCounter reports how many calls an agent is currently handling.
type LoadCounter interface {
	ActiveForAgent(agentID string) int
}

// LastResortAgent answers when no configured agent can.
func LastResortAgent() *storage.Agent {
	return &storage.Agent{
		ID:            "default",
		Name:          "AI Assistant",
		Type:          "general",
		Instructions:  "You are a helpful AI assistant answering a phone call. Be concise and friendly.",
		RoutingMode:   storage.RoutingDirect,
		Active:        true,
		IsDefault:     true,
		Direction:     storage.DirectionBoth,
		BusinessHours: storage.BusinessHours{},
	}
}

// Router selects agents. It never fails: store errors degrade to the
// last-resort agent.
type Router struct {
	agents  storage.AgentStore
	menus   storage.MenuStore
	logs    storage.RoutingLogStore
	load    LoadCounter
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLoad enables per-agent concurrency limits.
func WithLoad(l LoadCounter) Option {
	return func(r *Router) { r.load = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter creates a router over the agent, menu and routing log stores of
// stores. A nil RoutingLogs store disables auditing.
func NewRouter(stores storage.StoreSet, opts ...Option) *Router {
	r := &Router{
		agents: stores.Agents,
		menus:  stores.Menus,
		logs:   stores.RoutingLogs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "routing")
	return r
}

// RouteIncomingCall picks the agent for call and records the decision.
func (r *Router) RouteIncomingCall(ctx context.Context, call CallMetadata) Decision {
	ctx, span := r.tracer.TraceRouting(ctx, call.CallID, call.To)
	defer span.End()

	if call.Direction == "" {
		call.Direction = storage.DirectionInbound
	}
	if call.Now.IsZero() {
		call.Now = time.Now()
	}

	agent, method := r.selectAgent(ctx, call)
	decision := r.decide(ctx, agent, method)
	span.SetAttributes(
		attribute.String("routing.agent_id", agent.ID),
		attribute.String("routing.method", method),
		attribute.String("routing.action", string(decision.Action)),
	)
	r.logger.InfoContext(ctx, "call routed",
		"call_id", call.CallID, "to", call.To, "agent_id", agent.ID,
		"method", method, "action", decision.Action)
	r.RecordDecision(ctx, call.CallID, decision)
	return decision
}

func (r *Router) selectAgent(ctx context.Context, call CallMetadata) (*storage.Agent, string) {
	var agents []*storage.Agent
	if r.agents != nil {
		list, err := r.agents.ListAgents(ctx)
		if err != nil {
			r.logger.WarnContext(ctx, "agent lookup failed; using last resort agent", "error", err)
		} else {
			agents = list
		}
	}

	candidates := make([]*storage.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Active && a.Direction.Accepts(call.Direction) {
			candidates = append(candidates, a)
		}
	}

	for _, a := range candidates {
		if a.OwnsNumber(call.To) && InBusinessHours(a.BusinessHours, call.Now) && r.underLimit(a) {
			return a, MethodNumberMatch
		}
	}
	for _, a := range candidates {
		if InBusinessHours(a.BusinessHours, call.Now) {
			return a, MethodBusinessHours
		}
	}
	if len(candidates) > 0 {
		return candidates[0], MethodDirectionMatch
	}
	for _, a := range agents {
		if a.Active && a.IsDefault {
			return a, MethodDefaultAgent
		}
	}
	for _, a := range agents {
		if a.Active && a.Type == "general" {
			return a, MethodDefaultAgent
		}
	}
	return LastResortAgent(), MethodLastResort
}

func (r *Router) underLimit(a *storage.Agent) bool {
	if a.MaxConcurrentCalls <= 0 || r.load == nil {
		return true
	}
	return r.load.ActiveForAgent(a.ID) < a.MaxConcurrentCalls
}

func (r *Router) decide(ctx context.Context, agent *storage.Agent, method string) Decision {
	d := Decision{Action: ActionConnectAI, Agent: agent, Method: method}
	switch agent.RoutingMode {
	case storage.RoutingForward:
		if agent.ForwardNumber != "" {
			d.Action = ActionForwardCall
			d.ForwardTo = agent.ForwardNumber
		}
	case storage.RoutingIVR:
		if agent.IVRMenuID == "" || r.menus == nil {
			break
		}
		menu, err := r.menus.GetMenu(ctx, agent.IVRMenuID)
		if err != nil {
			r.logger.WarnContext(ctx, "ivr menu unavailable; connecting directly",
				"agent_id", agent.ID, "menu_id", agent.IVRMenuID, "error", err)
			break
		}
		d.Action = ActionPlayIVR
		d.Menu = menu
	}
	r.metrics.RecordRouting(string(d.Action), method)
	return d
}

// ResolveIVR applies digit to state and returns the decision for the
// resulting target agent. While the caller may still retry, ok is false and
// the outcome carries the re-prompt.
func (r *Router) ResolveIVR(ctx context.Context, callID string, state *IVRState, digit string) (Decision, IVROutcome, bool) {
	out := state.Input(digit)
	if !out.Phase.Terminal() {
		return Decision{}, out, false
	}

	method := MethodIVRSelection
	if out.Phase == PhaseExhausted {
		method = MethodIVRFallback
	}
	agent := r.lookupAgent(ctx, out.AgentID)

	// The selected agent is connected to the AI even when it is itself
	// configured for IVR, so a menu cannot loop back on itself.
	d := Decision{Action: ActionConnectAI, Agent: agent, Method: method}
	if agent.RoutingMode == storage.RoutingForward && agent.ForwardNumber != "" {
		d.Action = ActionForwardCall
		d.ForwardTo = agent.ForwardNumber
	}
	r.metrics.RecordRouting(string(d.Action), method)
	r.logger.InfoContext(ctx, "ivr resolved",
		"call_id", callID, "menu_id", state.MenuID(), "digit", out.Digit,
		"agent_id", agent.ID, "method", method)
	r.RecordDecision(ctx, callID, d)
	return d, out, true
}

func (r *Router) lookupAgent(ctx context.Context, id string) *storage.Agent {
	if id != "" && r.agents != nil {
		agent, err := r.agents.GetAgent(ctx, id)
		if err == nil {
			return agent
		}
		r.logger.WarnContext(ctx, "ivr target agent unavailable", "agent_id", id, "error", err)
	}
	return LastResortAgent()
}

// Agent returns the agent with id, or nil when it is unknown or inactive.
func (r *Router) Agent(ctx context.Context, id string) *storage.Agent {
	if id == "" || r.agents == nil {
		return nil
	}
	agent, err := r.agents.GetAgent(ctx, id)
	if err != nil || !agent.Active {
		return nil
	}
	return agent
}

// Menu loads an IVR menu by id.
func (r *Router) Menu(ctx context.Context, id string) (*storage.IVRMenu, error) {
	if r.menus == nil {
		return nil, storage.ErrNotFound
	}
	return r.menus.GetMenu(ctx, id)
}

// RecordDecision appends an audit record. Failures are logged and
// swallowed.
func (r *Router) RecordDecision(ctx context.Context, callID string, d Decision) {
	if r.logs == nil || callID == "" || d.Agent == nil {
		return
	}
	entry := &storage.RoutingLog{
		CallID:    callID,
		AgentID:   d.Agent.ID,
		Method:    d.Method,
		Action:    string(d.Action),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.logs.AppendRoutingLog(ctx, entry); err != nil {
		r.logger.WarnContext(ctx, "failed to record routing decision", "call_id", callID, "error", err)
	}
}
