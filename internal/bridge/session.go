package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/haasonsaas/callbridge/internal/audio"
	"github.com/haasonsaas/callbridge/internal/functions"
	"github.com/haasonsaas/callbridge/internal/live"
	"github.com/haasonsaas/callbridge/internal/routing"
	"github.com/haasonsaas/callbridge/internal/storage"
	"github.com/haasonsaas/callbridge/internal/voice"
)

const (
	maxFrameBytes   = 1 << 20
	sendBuffer      = 256
	writeWait       = 10 * time.Second
	controlTimeout  = 10 * time.Second
	defaultGreeting = "Please greet the caller warmly and ask how you can help them today."

	defaultInstructions = "You are a professional AI assistant for customer service calls. " +
		"You MUST speak first as soon as the call connects with a warm greeting. " +
		"Be helpful, polite and efficient, and keep a friendly, professional tone throughout the call."
)

// End reasons.
const (
	ReasonStop             = "stop"
	ReasonTelephonyClosed  = "telephony_closed"
	ReasonTelephonyError   = "telephony_error"
	ReasonWriteFailed      = "write_failed"
	ReasonModelClosed      = "model_closed"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonDialFailed       = "dial_failed"
	ReasonForwarded        = "forwarded"
	ReasonCanceled         = "canceled"
	ReasonShutdown         = "shutdown"
	ReasonCallEnded        = "call_ended"
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errSuperseded     = errors.New("live session superseded")
)

// State is a session lifecycle state. Sessions only move forward; Ended is
// reachable from every state.
type State int32

const (
	StateStarted State = iota
	StateRouted
	StateBridged
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateRouted:
		return "routed"
	case StateBridged:
		return "bridged"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session bridges one Twilio media stream to one model session at a time.
type Session struct {
	h      *Handler
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	logger atomic.Pointer[slog.Logger]

	startedAt time.Time
	state     atomic.Int32
	endOnce   sync.Once
	done      chan struct{}

	mu         sync.Mutex
	streamSID  string
	callSID    string
	agent      *storage.Agent
	userID     string
	from       string
	to         string
	endReason  string
	ivr        *routing.IVRState
	ivrTimer   *time.Timer
	ivrSeq     int
	live       LiveConn
	generation int

	// ivrMu serializes keypad input from the read loop with the menu timer.
	ivrMu sync.Mutex
}

func newSession(parent context.Context, h *Handler, conn *websocket.Conn) *Session {
	ctx, span := h.tracer.TraceSession(parent, "", "")
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		h:         h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		span:      span,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.logger.Store(h.logger)
	return s
}

// Run serves the socket until the session ends.
func (s *Session) Run() {
	s.h.metrics.SessionStarted()
	go s.writeLoop()
	go func() {
		<-s.ctx.Done()
		s.End(ReasonCanceled)
	}()
	s.End(s.readLoop())
}

func (s *Session) log() *slog.Logger {
	return s.logger.Load()
}

func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *Session) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// AgentID returns the agent currently bridged, which changes when an
// in-call menu selection re-targets the session.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil {
		return ""
	}
	return s.agent.ID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once cleanup has completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// EndReason returns why the session ended, or "" while it is running.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		StreamSID: s.streamSID,
		CallSID:   s.callSID,
		State:     s.State().String(),
		StartedAt: s.startedAt,
	}
	if s.agent != nil {
		info.AgentID = s.agent.ID
	}
	return info
}

func (s *Session) transition(to State) bool {
	for {
		cur := State(s.state.Load())
		if cur == StateEnded || cur >= to {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			s.h.metrics.SessionTransition(to.String())
			s.log().Debug("session state changed", "from", cur.String(), "to", to.String())
			return true
		}
	}
}

// End tears the session down. Only the first call has any effect.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateEnded)))
		s.cancel()

		s.mu.Lock()
		conn := s.live
		s.live = nil
		s.ivr = nil
		s.stopIVRTimerLocked()
		s.generation++
		s.endReason = reason
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		_ = s.conn.Close()
		s.h.registry.remove(s)
		s.h.untrack(s)

		elapsed := time.Since(s.startedAt)
		s.h.metrics.SessionTransition(StateEnded.String())
		s.h.metrics.SessionEnded(reason, elapsed.Seconds())
		s.span.SetAttributes(
			attribute.String("session.end_reason", reason),
			attribute.String("session.last_state", prev.String()),
		)
		s.span.End()
		s.log().Info("session ended", "reason", reason, "state", prev.String(), "duration", elapsed)
		close(s.done)
	})
}

func (s *Session) readLoop() string {
	s.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return ReasonCanceled
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ReasonTelephonyClosed
			}
			s.log().Warn("media stream read failed", "error", err)
			return ReasonTelephonyError
		}
		if !s.handleFrame(data) {
			return ReasonStop
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			if s.ctx.Err() != nil {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log().Warn("media stream write failed", "error", err)
				s.End(ReasonWriteFailed)
				return
			}
		}
	}
}

// handleFrame processes one telephony event. It returns false on stop.
func (s *Session) handleFrame(data []byte) bool {
	ev, err := decodeEvent(data)
	if err != nil {
		s.log().Warn("dropping media stream frame", "error", err)
		s.h.metrics.RecordError("bridge", "protocol")
		return true
	}

	switch ev.Event {
	case eventConnected:
		s.log().Debug("media stream connected")
	case eventStart:
		s.handleStart(ev.Start)
	case eventMedia:
		s.relayInbound(ev.Media.Payload)
	case eventDTMF:
		s.handleDTMF(ev.DTMF.Digit)
	case eventMark:
		if ev.Mark != nil {
			s.log().Debug("playback mark reached", "name", ev.Mark.Name)
		}
	case eventStop:
		s.log().Info("media stream stopped")
		return false
	default:
		s.log().Debug("ignoring media stream event", "event", ev.Event)
	}
	return true
}

func (s *Session) handleStart(start *startPayload) {
	if s.State() != StateStarted {
		s.log().Warn("ignoring repeated start event", "stream_sid", start.StreamSid)
		return
	}
	params := start.CustomParameters
	if params == nil {
		params = map[string]string{}
	}

	s.mu.Lock()
	s.streamSID = start.StreamSid
	s.callSID = start.CallSid
	s.from = params[ParamFrom]
	s.to = params[ParamTo]
	s.mu.Unlock()

	s.logger.Store(s.log().With("call_sid", start.CallSid, "stream_sid", start.StreamSid))
	s.span.SetAttributes(
		attribute.String("call.sid", start.CallSid),
		attribute.String("stream.sid", start.StreamSid),
	)
	s.log().Info("media stream started")

	agent, userID, menu, forwardTo := s.resolve(start.CallSid, params)

	s.mu.Lock()
	s.agent = agent
	s.userID = userID
	s.mu.Unlock()
	s.span.SetAttributes(attribute.String("agent.id", agent.ID))

	s.h.registry.add(s)
	if s.State() == StateEnded {
		s.h.registry.remove(s)
		return
	}
	if !s.transition(StateRouted) {
		return
	}

	if forwardTo != "" {
		// forward blocks on the Twilio API for up to controlTimeout.
		go func() {
			if !s.forward(forwardTo) {
				s.bridgeAgent(agent, menu)
			}
		}()
		return
	}
	s.bridgeAgent(agent, menu)
}

// bridgeAgent connects the model for agent, reading menu first when set.
func (s *Session) bridgeAgent(agent *storage.Agent, menu *storage.IVRMenu) {
	greeting := greetingPrompt(agent)
	if menu != nil {
		state := routing.NewIVRState(menu)
		greeting += " Before anything else, read this menu to the caller exactly as written: " +
			state.Start() + " Then wait for them to press a key."
		state.AwaitDigit()
		s.mu.Lock()
		s.ivr = state
		s.mu.Unlock()
	}

	gen := s.currentGeneration()
	go s.connectLive(gen, agent, greeting)
}

// resolve picks the agent for the stream: signed token claims first, then the
// webhook's assignment, then the agentId parameter, then the router.
func (s *Session) resolve(callSID string, params map[string]string) (agent *storage.Agent, userID string, menu *storage.IVRMenu, forwardTo string) {
	var menuID, source string
	router := s.h.router

	if tok := params[ParamToken]; tok != "" && s.h.tokens.Enabled() {
		claims, err := s.h.tokens.Verify(tok, callSID)
		if err != nil {
			s.log().Warn("rejecting stream token", "error", err)
		} else if agent = router.Agent(s.ctx, claims.AgentID); agent != nil {
			userID, menuID, source = claims.UserID, claims.MenuID, "token"
		}
	}
	if agent == nil {
		if a, ok := s.h.registry.Assignment(callSID); ok {
			if agent = router.Agent(s.ctx, a.AgentID); agent != nil {
				userID, menuID, source = a.UserID, a.MenuID, "assignment"
			}
		}
	}
	if agent == nil {
		if agent = router.Agent(s.ctx, params[ParamAgentID]); agent != nil {
			source = "parameter"
		}
	}
	if agent == nil {
		d := router.RouteIncomingCall(s.ctx, routing.CallMetadata{
			CallID: callSID,
			From:   params[ParamFrom],
			To:     params[ParamTo],
		})
		agent, menu, forwardTo, source = d.Agent, d.Menu, d.ForwardTo, "router"
	}

	// An unsigned user id is only trusted when tokens are not in use.
	if userID == "" && !s.h.tokens.Enabled() {
		userID = params[ParamUserID]
	}
	if menuID == "" {
		menuID = params[ParamIVRMenuID]
	}
	if menu == nil && menuID != "" {
		m, err := router.Menu(s.ctx, menuID)
		if err != nil {
			s.log().Warn("ivr menu unavailable; connecting directly", "menu_id", menuID, "error", err)
		} else {
			menu = m
		}
	}

	s.log().Info("agent resolved", "agent_id", agent.ID, "source", source, "ivr", menu != nil)
	return agent, userID, menu, forwardTo
}

func (s *Session) currentGeneration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) currentLive() LiveConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// attachLive installs conn unless the session ended or was re-targeted since
// gen was taken.
func (s *Session) attachLive(gen int, conn LiveConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.State() == StateEnded {
		return false
	}
	s.live = conn
	return true
}

// detachLive clears conn if it is still the current model session.
func (s *Session) detachLive(conn LiveConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != conn {
		return false
	}
	s.live = nil
	return true
}

func (s *Session) liveConfig(agent *storage.Agent) live.Config {
	cfg := s.h.cfg.Live
	cfg.SystemInstruction = strings.TrimSpace(agent.Instructions)
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = defaultInstructions
	}
	if agent.Voice != "" {
		cfg.Voice = agent.Voice
	}
	if agent.Language != "" {
		cfg.Language = agent.Language
	}
	if s.h.dispatcher != nil {
		cfg.Tools = s.h.dispatcher.Schemas()
	}
	return cfg
}

func (s *Session) connectLive(gen int, agent *storage.Agent, greeting string) {
	conn, err := s.handshake(gen, agent)
	if err != nil {
		if errors.Is(err, errSuperseded) || s.ctx.Err() != nil {
			return
		}
		s.fallback(err)
		return
	}
	s.transition(StateBridged)

	if delay := s.h.cfg.GreetingDelay; delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-conn.Done():
			timer.Stop()
		}
	}
	conn.SendText(greeting)
	s.armIVRTimer()
	s.pump(conn)
}

func (s *Session) handshake(gen int, agent *storage.Agent) (LiveConn, error) {
	cfg := s.liveConfig(agent)
	ctx, span := s.h.tracer.TraceHandshake(s.ctx, cfg.Model)
	defer span.End()

	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.h.dial(hctx, cfg, s.log())
	if err != nil {
		s.h.tracer.RecordError(span, err)
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("dial live session: %w", err)
	}
	if !s.attachLive(gen, conn) {
		_ = conn.Close()
		return nil, errSuperseded
	}

	select {
	case <-conn.Ready():
		s.h.metrics.RecordHandshake(time.Since(start).Seconds())
		return conn, nil
	case <-conn.Done():
		err = errors.New("live session closed before setup completed")
	case <-hctx.Done():
		err = ErrHandshakeTimeout
	}
	if !s.detachLive(conn) {
		return nil, errSuperseded
	}
	_ = conn.Close()
	s.h.tracer.RecordError(span, err)
	return nil, err
}

// fallback tells the caller the assistant is unavailable, hangs up and ends
// the session.
func (s *Session) fallback(cause error) {
	reason := ReasonDialFailed
	if errors.Is(cause, ErrHandshakeTimeout) {
		reason = ReasonHandshakeTimeout
	}
	s.log().Error("live session unavailable; playing fallback", "error", cause)
	s.h.metrics.RecordError("bridge", reason)

	if callSID := s.CallSID(); s.h.calls != nil && callSID != "" {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), controlTimeout)
		err := s.h.calls.UpdateCall(ctx, callSID, voice.SayHangup(s.h.cfg.FallbackMessage))
		cancel()
		if err != nil {
			s.log().Warn("failed to play fallback message", "error", err)
		}
	}
	s.End(reason)
}

// pump relays model output until conn closes or the session ends.
func (s *Session) pump(conn LiveConn) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-conn.Done():
			if s.detachLive(conn) {
				s.End(ReasonModelClosed)
			}
			return
		case sc := <-conn.Content():
			s.handleContent(conn, sc)
		}
	}
}

func (s *Session) handleContent(conn LiveConn, sc live.ServerContent) {
	if sc.Interrupted {
		s.clearPlayback()
	}
	for _, chunk := range sc.Audio {
		s.relayOutbound(chunk)
	}
	for _, fc := range sc.FunctionCalls {
		go s.runFunction(conn, fc)
	}
	if len(sc.Text) > 0 {
		s.log().Debug("model text", "text", strings.Join(sc.Text, " "))
	}
}

func (s *Session) relayInbound(payload string) {
	conn := s.currentLive()
	if conn == nil {
		return
	}
	pcm, err := audio.TelephonyToModelStrict(payload)
	if err != nil {
		s.h.metrics.CodecError("inbound")
		pcm = payload
	}
	if conn.SendAudio(pcm) {
		s.h.metrics.AudioFrame("inbound")
	}
}

func (s *Session) relayOutbound(chunk string) {
	payload, err := audio.ModelToTelephonyStrict(chunk)
	if err != nil {
		s.h.metrics.CodecError("outbound")
		payload = chunk
	}
	err = s.enqueue(outboundFrame{
		Event:     eventMedia,
		StreamSid: s.StreamSID(),
		Media:     &outboundMedia{Payload: payload},
	})
	if err == nil {
		s.h.metrics.AudioFrame("outbound")
	}
}

// clearPlayback discards queued audio and tells Twilio to drop its buffer.
func (s *Session) clearPlayback() {
drain:
	for {
		select {
		case <-s.send:
		default:
			break drain
		}
	}
	_ = s.enqueue(outboundFrame{Event: eventClear, StreamSid: s.StreamSID()}) //nolint:errcheck
}

func (s *Session) enqueue(frame outboundFrame) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		s.h.metrics.RecordError("bridge", "send_buffer_full")
		return errSendBufferFull
	}
}

func (s *Session) runFunction(conn LiveConn, fc *genai.FunctionCall) {
	if s.h.dispatcher == nil {
		conn.SendFunctionResult(fc.ID, fc.Name, nil, "Function calling is not available")
		return
	}

	s.mu.Lock()
	req := functions.Request{
		Name:          fc.Name,
		Args:          fc.Args,
		CorrelationID: fc.ID,
		CallID:        s.callSID,
		UserID:        s.userID,
		CallerNumber:  s.from,
	}
	if s.agent != nil {
		req.AgentID = s.agent.ID
	}
	s.mu.Unlock()

	resp := s.h.dispatcher.Execute(s.ctx, req)
	if s.ctx.Err() != nil {
		return
	}
	if resp.Success {
		conn.SendFunctionResult(fc.ID, fc.Name, resp.Result, "")
		return
	}
	conn.SendFunctionResult(fc.ID, fc.Name, nil, resp.Error)
}

func (s *Session) handleDTMF(digit string) {
	if strings.TrimSpace(digit) == "" {
		return
	}
	s.applyIVRInput(digit, 0)
}

// armIVRTimer restarts the keypad timeout for the active menu. Each arm
// gets a new sequence number so a timer that fired late is ignored.
func (s *Session) armIVRTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ivr == nil || s.State() == StateEnded {
		return
	}
	s.stopIVRTimerLocked()
	seq := s.ivrSeq
	timeout := time.Duration(s.ivr.Menu().TimeoutSeconds) * time.Second
	s.ivrTimer = time.AfterFunc(timeout, func() { s.applyIVRInput("", seq) })
}

// stopIVRTimerLocked cancels any pending keypad timeout. Callers hold s.mu.
func (s *Session) stopIVRTimerLocked() {
	if s.ivrTimer != nil {
		s.ivrTimer.Stop()
		s.ivrTimer = nil
	}
	s.ivrSeq++
}

// applyIVRInput feeds a digit, or a timeout when digit is empty, to the
// active menu. seq identifies the timer behind a timeout.
func (s *Session) applyIVRInput(digit string, seq int) {
	s.ivrMu.Lock()
	s.mu.Lock()
	state := s.ivr
	callSID := s.callSID
	userID := s.userID
	stale := digit == "" && seq != s.ivrSeq
	s.mu.Unlock()

	if state == nil || stale {
		s.ivrMu.Unlock()
		if digit != "" {
			s.log().Debug("ignoring keypad input outside a menu", "digit", digit)
		}
		return
	}

	d, out, ok := s.h.router.ResolveIVR(s.ctx, callSID, state, digit)
	if !ok {
		s.armIVRTimer()
		s.ivrMu.Unlock()
		if conn := s.currentLive(); conn != nil {
			conn.SendText("The caller pressed a key that is not on the menu. Say exactly: " + out.Prompt)
		}
		return
	}

	s.mu.Lock()
	s.ivr = nil
	s.stopIVRTimerLocked()
	s.mu.Unlock()
	s.ivrMu.Unlock()

	if digit == "" {
		s.log().Info("no menu selection before timeout", "menu_id", state.MenuID(), "agent_id", d.Agent.ID)
	}
	s.h.registry.Assign(callSID, Assignment{AgentID: d.Agent.ID, UserID: userID})

	prompt := greetingPrompt(d.Agent)
	if out.Prompt != "" {
		prompt = "Tell the caller: " + out.Prompt + " Then: " + prompt
	}
	if d.Action != routing.ActionForwardCall {
		s.retarget(d.Agent, prompt)
		return
	}
	// forward blocks on the Twilio API for up to controlTimeout.
	go func() {
		if !s.forward(d.ForwardTo) {
			s.retarget(d.Agent, prompt)
		}
	}()
}

// retarget replaces the model session with one for agent.
func (s *Session) retarget(agent *storage.Agent, greeting string) {
	s.mu.Lock()
	if s.State() == StateEnded {
		s.mu.Unlock()
		return
	}
	old := s.live
	s.live = nil
	s.agent = agent
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.log().Info("re-targeting call", "agent_id", agent.ID)
	go s.connectLive(gen, agent, greeting)
}

// forward hands the call to a phone number and ends the session. When the
// call cannot be updated the caller stays with the assistant.
func (s *Session) forward(number string) bool {
	callSID := s.CallSID()
	if s.h.calls == nil {
		s.log().Warn("cannot forward call without a call controller; staying connected", "forward_to", number)
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), controlTimeout)
	defer cancel()
	if err := s.h.calls.UpdateCall(ctx, callSID, voice.DialNumber(number, "")); err != nil {
		s.log().Error("failed to forward call", "forward_to", number, "error", err)
		s.h.metrics.RecordError("bridge", "forward_failed")
		return false
	}
	s.log().Info("call forwarded", "forward_to", number)
	s.End(ReasonForwarded)
	return true
}

func greetingPrompt(agent *storage.Agent) string {
	greeting := strings.TrimSpace(agent.Greeting)
	if greeting == "" {
		greeting = defaultGreeting
	}
	kind := agent.Type
	if kind == "" {
		kind = "general"
	}
	return fmt.Sprintf("You are %s, a %s AI assistant. %s", agent.Name, kind, greeting)
}
