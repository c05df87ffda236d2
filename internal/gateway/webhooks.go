package gateway

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haasonsaas/callbridge/internal/bridge"
	"github.com/haasonsaas/callbridge/internal/observability"
	"github.com/haasonsaas/callbridge/internal/routing"
	"github.com/haasonsaas/callbridge/internal/storage"
	"github.com/haasonsaas/callbridge/internal/voice"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// webhook accepts Twilio form posts for endpoint. Signatures are checked
// whenever an auth token is configured.
func (s *Server) webhook(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			s.metrics.RecordWebhook(endpoint, strconv.Itoa(rec.status))
		}()

		if r.Method != http.MethodPost {
			rec.Header().Set("Allow", http.MethodPost)
			http.Error(rec, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.twilio.CanVerify() {
			ok, err := s.twilio.VerifyRequest(r)
			if err != nil {
				http.Error(rec, "invalid request body", http.StatusBadRequest)
				return
			}
			if !ok {
				s.metrics.RecordError("webhook", "invalid_signature")
				s.logger.Warn("rejected unsigned webhook", "endpoint", endpoint, "remote", r.RemoteAddr)
				http.Error(rec, "invalid signature", http.StatusForbidden)
				return
			}
		} else if err := r.ParseForm(); err != nil {
			http.Error(rec, "invalid request body", http.StatusBadRequest)
			return
		}
		next(rec, r)
	})
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body) //nolint:errcheck
}

// handleVoice answers a new call with the routing decision.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	ev := voice.ParseEvent(r.PostForm, time.Now())
	ctx := observability.WithCallSID(r.Context(), ev.CallSID)

	decision := s.router.RouteIncomingCall(ctx, routing.CallMetadata{
		CallID:    ev.CallSID,
		From:      ev.From,
		To:        ev.To,
		Direction: storage.Direction(ev.Direction),
	})
	s.tracker.Begin(ev, decision.Agent.ID)

	switch decision.Action {
	case routing.ActionForwardCall:
		writeTwiML(w, voice.DialNumber(decision.ForwardTo, ""))
	case routing.ActionPlayIVR:
		// The owning agent is remembered without the menu so a stream opened
		// after the keypad menu does not replay it.
		s.sessions.Assign(ev.CallSID, bridge.Assignment{
			AgentID: decision.Agent.ID,
			UserID:  decision.Agent.UserID,
		})
		state := routing.NewIVRState(decision.Menu)
		writeTwiML(w, gatherTwiML(state.Menu(), state.Start(), 0))
	default:
		s.connect(ctx, w, r, ev, decision.Agent, "")
	}
}

// handleIVR applies one keypad result posted by a Gather.
func (s *Server) handleIVR(w http.ResponseWriter, r *http.Request) {
	ev := voice.ParseEvent(r.PostForm, time.Now())
	ctx := observability.WithCallSID(r.Context(), ev.CallSID)
	q := r.URL.Query()
	attempt, _ := strconv.Atoi(q.Get("attempt"))
	digit := ev.Digits
	if q.Get("timeout") != "" {
		digit = ""
	}

	menu, err := s.router.Menu(ctx, q.Get("menu"))
	if err != nil {
		agent := s.assignedAgent(ctx, ev.CallSID)
		s.logger.WarnContext(ctx, "ivr menu unavailable; connecting assigned agent",
			"menu_id", q.Get("menu"), "agent_id", agent.ID, "error", err)
		s.router.RecordDecision(ctx, ev.CallSID, routing.Decision{
			Action: routing.ActionConnectAI,
			Agent:  agent,
			Method: routing.MethodIVRFallback,
		})
		s.tracker.Assign(ev.CallSID, agent.ID)
		s.connect(ctx, w, r, ev, agent, "")
		return
	}

	state := routing.RestoreIVRState(menu, attempt)
	state.AwaitDigit()
	decision, outcome, done := s.router.ResolveIVR(ctx, ev.CallSID, state, digit)
	if !done {
		writeTwiML(w, gatherTwiML(state.Menu(), outcome.Prompt, state.Attempts()))
		return
	}

	s.tracker.Assign(ev.CallSID, decision.Agent.ID)
	if decision.Action == routing.ActionForwardCall {
		s.sessions.Unassign(ev.CallSID)
		writeTwiML(w, voice.DialNumber(decision.ForwardTo, outcome.Prompt))
		return
	}
	s.connect(ctx, w, r, ev, decision.Agent, outcome.Prompt)
}

// handleStatus records call progress. Terminal statuses release the call
// through the tracker's ended hook.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ev := voice.ParseEvent(r.PostForm, time.Now())
	if record, changed := s.tracker.HandleStatus(ev); changed {
		s.logger.Debug("call status", "call_sid", record.CallSID, "state", string(record.State))
	}
	writeTwiML(w, voice.EmptyResponse())
}

// connect bridges the call to the media stream for agent. say is spoken
// first when non-empty.
func (s *Server) connect(ctx context.Context, w http.ResponseWriter, r *http.Request, ev voice.CallEvent, agent *storage.Agent, say string) {
	s.sessions.Assign(ev.CallSID, bridge.Assignment{AgentID: agent.ID, UserID: agent.UserID})

	params := []voice.Parameter{
		{Name: bridge.ParamAgentID, Value: agent.ID},
		{Name: bridge.ParamUserID, Value: agent.UserID},
		{Name: bridge.ParamFrom, Value: ev.From},
		{Name: bridge.ParamTo, Value: ev.To},
	}
	if s.tokens.Enabled() && ev.CallSID != "" {
		token, err := s.tokens.Issue(ev.CallSID, agent.ID, agent.UserID, "")
		if err != nil {
			s.logger.WarnContext(ctx, "stream token not issued", "error", err)
		} else {
			params = append(params, voice.Parameter{Name: bridge.ParamToken, Value: token})
		}
	}

	writeTwiML(w, voice.ConnectStream(voice.Stream{
		URL:    s.twilio.StreamURL(r.Host, isSecure(r)),
		Params: params,
		Say:    say,
	}))
}

// assignedAgent returns the agent recorded for callSID by an earlier
// webhook, or the last-resort agent.
func (s *Server) assignedAgent(ctx context.Context, callSID string) *storage.Agent {
	if a, ok := s.sessions.Assignment(callSID); ok {
		if agent := s.router.Agent(ctx, a.AgentID); agent != nil {
			return agent
		}
	}
	return routing.LastResortAgent()
}

func gatherTwiML(menu *storage.IVRMenu, prompt string, attempt int) string {
	return voice.GatherDigit(voice.Gather{
		Action:   ivrPath(menu.ID, attempt, false),
		Prompt:   prompt,
		Timeout:  menu.TimeoutSeconds,
		Redirect: ivrPath(menu.ID, attempt, true),
	})
}

func ivrPath(menuID string, attempt int, timeout bool) string {
	q := url.Values{}
	q.Set("menu", menuID)
	q.Set("attempt", strconv.Itoa(attempt))
	if timeout {
		q.Set("timeout", "1")
	}
	return "/webhook/ivr?" + q.Encode()
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
