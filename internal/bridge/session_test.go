package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/haasonsaas/callbridge/internal/audio"
	"github.com/haasonsaas/callbridge/internal/auth"
	"github.com/haasonsaas/callbridge/internal/functions"
	"github.com/haasonsaas/callbridge/internal/live"
	"github.com/haasonsaas/callbridge/internal/routing"
	"github.com/haasonsaas/callbridge/internal/storage"
)

type functionResult struct {
	id, name string
	result   any
	errMsg   string
}

type fakeLive struct {
	cfg     live.Config
	ready   chan struct{}
	done    chan struct{}
	content chan live.ServerContent

	mu       sync.Mutex
	audio    []string
	texts    []string
	results  []functionResult
	closes   int
	readyOne sync.Once
	doneOne  sync.Once
}

func newFakeLive(cfg live.Config) *fakeLive {
	return &fakeLive{
		cfg:     cfg,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		content: make(chan live.ServerContent, 16),
	}
}

func (f *fakeLive) markReady() { f.readyOne.Do(func() { close(f.ready) }) }

func (f *fakeLive) Ready() <-chan struct{}             { return f.ready }
func (f *fakeLive) Done() <-chan struct{}              { return f.done }
func (f *fakeLive) Content() <-chan live.ServerContent { return f.content }

func (f *fakeLive) SendAudio(pcm string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
	return true
}

func (f *fakeLive) SendText(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return true
}

func (f *fakeLive) SendFunctionResult(id, name string, result any, errMsg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, functionResult{id: id, name: name, result: result, errMsg: errMsg})
	return true
}

func (f *fakeLive) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.doneOne.Do(func() { close(f.done) })
	return nil
}

func (f *fakeLive) snapshot() (audio, texts []string, results []functionResult, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.audio...), append([]string(nil), f.texts...),
		append([]functionResult(nil), f.results...), f.closes
}

// fakeDialer hands out fakeLive sessions. They become ready immediately
// unless autoReady is false.
type fakeDialer struct {
	autoReady bool
	fail      error

	mu    sync.Mutex
	lives []*fakeLive
}

func (d *fakeDialer) dial(ctx context.Context, cfg live.Config, _ *slog.Logger) (LiveConn, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	f := newFakeLive(cfg)
	if d.autoReady {
		f.markReady()
	}
	d.mu.Lock()
	d.lives = append(d.lives, f)
	d.mu.Unlock()
	return f, nil
}

func (d *fakeDialer) get(i int) *fakeLive {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.lives) {
		return nil
	}
	return d.lives[i]
}

type fakeController struct {
	mu      sync.Mutex
	updates map[string]string
	err     error
	// gate, when set, holds every update until it is closed.
	gate chan struct{}
}

func (c *fakeController) UpdateCall(ctx context.Context, callSID, twiml string) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.updates == nil {
		c.updates = make(map[string]string)
	}
	c.updates[callSID] = twiml
	return nil
}

func (c *fakeController) get(callSID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates[callSID]
}

type testBridge struct {
	handler    *Handler
	registry   *Registry
	dialer     *fakeDialer
	controller *fakeController
	mem        *storage.MemoryStore
	server     *httptest.Server
}

type boomArgs struct{}

type echoArgs struct {
	Text string `json:"text"`
}

func newTestBridge(t *testing.T, opts ...Option) *testBridge {
	t.Helper()
	mem := storage.NewMemoryStore()
	mem.ReplaceCatalog([]*storage.Agent{
		{
			ID: "sales", Name: "Sales Bot", Type: "sales", Active: true,
			Instructions: "Sell things.", Greeting: "Welcome to sales!",
			Direction: storage.DirectionInbound, PhoneNumbers: []string{"+15550002222"},
		},
		{
			ID: "billing", Name: "Billing Bot", Type: "billing", Active: true,
			Instructions: "Explain invoices.", Voice: "Kore",
			Direction: storage.DirectionInbound,
		},
		{
			ID: "human", Name: "Front Desk", Active: true,
			RoutingMode: storage.RoutingForward, ForwardNumber: "+15550009999",
			Direction: storage.DirectionInbound,
		},
	}, []*storage.IVRMenu{{
		ID: "main", AgentID: "sales", Greeting: "Thanks for calling.",
		Options: []storage.IVROption{
			{Digit: "1", Description: "Billing", AgentID: "billing"},
			{Digit: "2", Description: "a person", AgentID: "human"},
		},
	}})
	stores := storage.NewMemoryStores(mem)

	reg := functions.NewRegistry()
	if err := functions.Register(reg, "boom", "Always panics", false, func(context.Context, functions.ExecContext, boomArgs) (any, error) {
		panic("kaboom")
	}); err != nil {
		t.Fatal(err)
	}
	if err := functions.Register(reg, "echo", "Echo text", false, func(_ context.Context, ec functions.ExecContext, args echoArgs) (any, error) {
		return map[string]any{"text": args.Text, "call": ec.CallID}, nil
	}); err != nil {
		t.Fatal(err)
	}

	tb := &testBridge{
		registry:   NewRegistry(),
		dialer:     &fakeDialer{autoReady: true},
		controller: &fakeController{},
		mem:        mem,
	}
	router := routing.NewRouter(stores, routing.WithLoad(tb.registry))
	base := []Option{WithDialer(tb.dialer.dial), WithCallController(tb.controller)}
	tb.handler = NewHandler(Config{
		Live:          live.Config{Model: "test-model", HandshakeTimeout: time.Second},
		GreetingDelay: time.Millisecond,
	}, tb.registry, router, functions.NewDispatcher(reg, stores), append(base, opts...)...)
	tb.server = httptest.NewServer(tb.handler)
	t.Cleanup(func() {
		_ = tb.handler.Shutdown(context.Background())
		tb.server.Close()
	})
	return tb
}

func (tb *testBridge) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tb.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(ev); err != nil {
		t.Fatalf("write %v: %v", ev["event"], err)
	}
}

func startEvent(callSID, streamSID string, params map[string]string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": streamSID,
		"start": map[string]any{
			"streamSid":        streamSID,
			"callSid":          callSID,
			"customParameters": params,
		},
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f outboundFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read outbound frame: %v", err)
	}
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	waitForWithin(t, 2*time.Second, what, cond)
}

func waitForWithin(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (tb *testBridge) waitSession(t *testing.T, streamSID string) *Session {
	t.Helper()
	var s *Session
	waitFor(t, "session "+streamSID, func() bool {
		var ok bool
		s, ok = tb.registry.Session(streamSID)
		return ok
	})
	return s
}

func (tb *testBridge) waitLive(t *testing.T, i int) *fakeLive {
	t.Helper()
	waitFor(t, "live dial", func() bool { return tb.dialer.get(i) != nil })
	return tb.dialer.get(i)
}

func TestSessionRelaysAudio(t *testing.T) {
	tb := newTestBridge(t)
	conn := tb.connect(t)

	sendEvent(t, conn, map[string]any{"event": "connected", "protocol": "Call"})
	sendEvent(t, conn, startEvent("CA1", "MZ1", map[string]string{"to": "+15550002222", "from": "+15550001111"}))
	s := tb.waitSession(t, "MZ1")
	fl := tb.waitLive(t, 0)

	waitFor(t, "bridged state", func() bool { return s.State() == StateBridged })
	waitFor(t, "greeting", func() bool { _, texts, _, _ := fl.snapshot(); return len(texts) == 1 })
	_, texts, _, _ := fl.snapshot()
	if want := "You are Sales Bot, a sales AI assistant. Welcome to sales!"; texts[0] != want {
		t.Errorf("greeting = %q, want %q", texts[0], want)
	}
	if fl.cfg.SystemInstruction != "Sell things." || fl.cfg.Model != "test-model" {
		t.Errorf("live config = %+v", fl.cfg)
	}
	if len(fl.cfg.Tools) == 0 {
		t.Error("live config carries no function declarations")
	}

	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = audio.EncodeMulaw(int16(i * 100))
	}
	sendEvent(t, conn, map[string]any{
		"event":     "media",
		"streamSid": "MZ1",
		"media":     map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(frame)},
	})
	waitFor(t, "inbound audio", func() bool { a, _, _, _ := fl.snapshot(); return len(a) == 1 })
	sent, _, _, _ := fl.snapshot()
	pcm, err := base64.StdEncoding.DecodeString(sent[0])
	if err != nil {
		t.Fatalf("forwarded audio is not base64: %v", err)
	}
	if samples := len(pcm) / 2; samples != 320 {
		t.Errorf("forwarded %d samples, want 320", samples)
	}

	modelPCM := audio.PCM16ToBytes(make([]int16, 480))
	fl.content <- live.ServerContent{Audio: []string{base64.StdEncoding.EncodeToString(modelPCM)}}
	out := readFrame(t, conn)
	if out.Event != "media" || out.StreamSid != "MZ1" || out.Media == nil {
		t.Fatalf("unexpected frame: %+v", out)
	}
	mulaw, _ := base64.StdEncoding.DecodeString(out.Media.Payload)
	if len(mulaw) != 160 {
		t.Errorf("outbound frame has %d bytes, want 160", len(mulaw))
	}
	if tb.registry.ActiveForAgent("sales") != 1 {
		t.Errorf("ActiveForAgent(sales) = %d", tb.registry.ActiveForAgent("sales"))
	}
}

func TestSessionClearsOnInterrupt(t *testing.T) {
	tb := newTestBridge(t)
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA1", "MZ1", nil))
	fl := tb.waitLive(t, 0)

	fl.content <- live.ServerContent{Interrupted: true}
	if f := readFrame(t, conn); f.Event != "clear" || f.StreamSid != "MZ1" {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestSessionFunctionCallsAreIsolated(t *testing.T) {
	tb := newTestBridge(t)
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA7", "MZ7", nil))
	fl := tb.waitLive(t, 0)

	fl.content <- live.ServerContent{FunctionCalls: []*genai.FunctionCall{
		{ID: "f1", Name: "boom", Args: map[string]any{}},
		{ID: "f2", Name: "echo", Args: map[string]any{"text": "hi"}},
		{ID: "f3", Name: "missing"},
	}}
	fl.content <- live.ServerContent{Audio: []string{base64.StdEncoding.EncodeToString(make([]byte, 96))}}
	if f := readFrame(t, conn); f.Event != "media" {
		t.Errorf("audio relay stalled behind function calls: %+v", f)
	}

	waitFor(t, "function results", func() bool { _, _, r, _ := fl.snapshot(); return len(r) == 3 })
	_, _, results, _ := fl.snapshot()
	byID := map[string]functionResult{}
	for _, r := range results {
		byID[r.id] = r
	}
	if r := byID["f1"]; r.errMsg == "" || r.name != "boom" {
		t.Errorf("panicking function result = %+v", r)
	}
	if r := byID["f2"]; r.errMsg != "" {
		t.Errorf("echo failed: %+v", r)
	} else if m, ok := r.result.(map[string]any); !ok || m["text"] != "hi" || m["call"] != "CA7" {
		t.Errorf("echo result = %#v", r.result)
	}
	if r := byID["f3"]; r.errMsg != "Function 'missing' not found" {
		t.Errorf("missing function error = %q", r.errMsg)
	}
	if s, ok := tb.registry.Session("MZ7"); !ok || s.State() == StateEnded {
		t.Error("session ended after a failing function")
	}
}

func TestSessionHandshakeTimeout(t *testing.T) {
	tb := newTestBridge(t)
	tb.dialer.autoReady = false
	tb.handler.cfg.Live.HandshakeTimeout = 50 * time.Millisecond
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA9", "MZ9", nil))
	s := tb.waitSession(t, "MZ9")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after handshake timeout")
	}
	if s.EndReason() != ReasonHandshakeTimeout {
		t.Errorf("EndReason() = %q", s.EndReason())
	}
	twiml := tb.controller.get("CA9")
	if !strings.Contains(twiml, DefaultFallbackMessage) || !strings.Contains(twiml, "<Hangup/>") {
		t.Errorf("fallback TwiML = %q", twiml)
	}
	if _, _, _, closes := tb.dialer.get(0).snapshot(); closes == 0 {
		t.Error("unready live session was not closed")
	}
	if tb.registry.Len() != 0 {
		t.Errorf("registry still holds %d sessions", tb.registry.Len())
	}
}

func TestSessionDialFailurePlaysFallback(t *testing.T) {
	tb := newTestBridge(t)
	tb.dialer.fail = errors.New("connection refused")
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA3", "MZ3", nil))

	waitFor(t, "fallback", func() bool { return tb.controller.get("CA3") != "" })
	waitFor(t, "cleanup", func() bool { return tb.registry.Len() == 0 })
}

func TestSessionEndIsIdempotent(t *testing.T) {
	tb := newTestBridge(t)
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA1", "MZ1", nil))
	s := tb.waitSession(t, "MZ1")
	fl := tb.waitLive(t, 0)
	waitFor(t, "bridged state", func() bool { return s.State() == StateBridged })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.End(ReasonShutdown)
		}()
	}
	wg.Wait()
	s.End(ReasonStop)

	<-s.Done()
	if s.State() != StateEnded || s.EndReason() != ReasonShutdown {
		t.Errorf("state %v reason %q", s.State(), s.EndReason())
	}
	if _, _, _, closes := fl.snapshot(); closes != 1 {
		t.Errorf("live closed %d times, want 1", closes)
	}
	if tb.registry.Len() != 0 {
		t.Errorf("registry still holds %d sessions", tb.registry.Len())
	}
	if err := s.enqueue(outboundFrame{Event: eventClear}); err == nil {
		t.Error("enqueue succeeded after end")
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("telephony socket still open after end")
	}
}

func TestSessionStopAndModelClose(t *testing.T) {
	tests := []struct {
		name   string
		act    func(conn *websocket.Conn, fl *fakeLive)
		reason string
	}{
		{
			name: "stop event",
			act: func(conn *websocket.Conn, _ *fakeLive) {
				_ = conn.WriteJSON(map[string]any{"event": "stop", "streamSid": "MZ1"})
			},
			reason: ReasonStop,
		},
		{
			name:   "model closes",
			act:    func(_ *websocket.Conn, fl *fakeLive) { _ = fl.Close() },
			reason: ReasonModelClosed,
		},
		{
			name:   "telephony closes",
			act:    func(conn *websocket.Conn, _ *fakeLive) { _ = conn.Close() },
			reason: ReasonTelephonyError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBridge(t)
			conn := tb.connect(t)
			sendEvent(t, conn, startEvent("CA1", "MZ1", nil))
			s := tb.waitSession(t, "MZ1")
			fl := tb.waitLive(t, 0)
			waitFor(t, "bridged state", func() bool { return s.State() == StateBridged })

			tt.act(conn, fl)
			select {
			case <-s.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("session did not end")
			}
			if s.EndReason() != tt.reason {
				t.Errorf("EndReason() = %q, want %q", s.EndReason(), tt.reason)
			}
		})
	}
}

func TestSessionAgentResolution(t *testing.T) {
	tokens := auth.NewTokenService("test-secret", time.Hour)
	valid, err := tokens.Issue("CA1", "billing", "user-1", "")
	if err != nil {
		t.Fatal(err)
	}
	otherCall, err := tokens.Issue("CA2", "billing", "user-1", "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		assign    *Assignment
		params    map[string]string
		wantAgent string
		wantUser  string
	}{
		{
			name:      "token claims",
			params:    map[string]string{ParamToken: valid, ParamAgentID: "sales", ParamUserID: "spoofed"},
			wantAgent: "billing",
			wantUser:  "user-1",
		},
		{
			name:      "token for another call is ignored",
			params:    map[string]string{ParamToken: otherCall, ParamTo: "+15550002222", ParamUserID: "spoofed"},
			wantAgent: "sales",
		},
		{
			name:      "webhook assignment",
			assign:    &Assignment{AgentID: "billing", UserID: "user-2"},
			params:    map[string]string{ParamAgentID: "sales"},
			wantAgent: "billing",
			wantUser:  "user-2",
		},
		{
			name:      "agent parameter",
			params:    map[string]string{ParamAgentID: "billing"},
			wantAgent: "billing",
		},
		{
			name:      "router number match",
			params:    map[string]string{ParamAgentID: "nobody", ParamTo: "+1 555 000 2222"},
			wantAgent: "sales",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBridge(t, WithTokens(tokens))
			if tt.assign != nil {
				tb.registry.Assign("CA1", *tt.assign)
			}
			conn := tb.connect(t)
			sendEvent(t, conn, startEvent("CA1", "MZ1", tt.params))
			s := tb.waitSession(t, "MZ1")
			tb.waitLive(t, 0)

			if s.AgentID() != tt.wantAgent {
				t.Errorf("AgentID() = %q, want %q", s.AgentID(), tt.wantAgent)
			}
			s.mu.Lock()
			user := s.userID
			s.mu.Unlock()
			if user != tt.wantUser {
				t.Errorf("userID = %q, want %q", user, tt.wantUser)
			}
		})
	}
}

func TestSessionInCallIVR(t *testing.T) {
	tb := newTestBridge(t)
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA5", "MZ5", map[string]string{ParamAgentID: "sales", ParamIVRMenuID: "main"}))
	s := tb.waitSession(t, "MZ5")
	first := tb.waitLive(t, 0)

	waitFor(t, "menu greeting", func() bool { _, texts, _, _ := first.snapshot(); return len(texts) == 1 })
	_, texts, _, _ := first.snapshot()
	if !strings.Contains(texts[0], "Thanks for calling. Press 1 for Billing. Press 2 for a person.") {
		t.Errorf("greeting does not read the menu: %q", texts[0])
	}

	sendEvent(t, conn, map[string]any{"event": "dtmf", "streamSid": "MZ5", "dtmf": map[string]any{"digit": "7"}})
	waitFor(t, "retry prompt", func() bool { _, texts, _, _ := first.snapshot(); return len(texts) == 2 })

	sendEvent(t, conn, map[string]any{"event": "dtmf", "streamSid": "MZ5", "dtmf": map[string]any{"digit": "1"}})
	second := tb.waitLive(t, 1)
	waitFor(t, "re-target", func() bool { return s.AgentID() == "billing" })
	if second.cfg.SystemInstruction != "Explain invoices." || second.cfg.Voice != "Kore" {
		t.Errorf("re-targeted live config = %+v", second.cfg)
	}
	if _, _, _, closes := first.snapshot(); closes != 1 {
		t.Errorf("previous live session closed %d times", closes)
	}
	if a, ok := tb.registry.Assignment("CA5"); !ok || a.AgentID != "billing" {
		t.Errorf("assignment = %+v, %v", a, ok)
	}
	if s.State() == StateEnded {
		t.Error("session ended while re-targeting")
	}
	logs := tb.mem.RoutingLogs()
	if len(logs) == 0 || logs[len(logs)-1].Method != routing.MethodIVRSelection {
		t.Errorf("routing logs = %+v", logs)
	}
}

func TestSessionInCallIVRTimeout(t *testing.T) {
	tb := newTestBridge(t)
	tb.mem.PutMenu(&storage.IVRMenu{
		ID: "main", AgentID: "sales", Greeting: "Thanks for calling.", TimeoutSeconds: 1,
		Options: []storage.IVROption{{Digit: "1", Description: "Billing", AgentID: "billing"}},
	})
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA7", "MZ7", map[string]string{ParamAgentID: "billing", ParamIVRMenuID: "main"}))
	s := tb.waitSession(t, "MZ7")
	tb.waitLive(t, 0)

	second := func() *fakeLive { return tb.dialer.get(1) }
	waitForWithin(t, 4*time.Second, "timeout fallback", func() bool { return second() != nil })
	waitFor(t, "re-target", func() bool { return s.AgentID() == "sales" })
	waitFor(t, "fallback greeting", func() bool { _, texts, _, _ := second().snapshot(); return len(texts) == 1 })
	_, texts, _, _ := second().snapshot()
	if !strings.Contains(texts[0], "We didn't receive your selection.") {
		t.Errorf("fallback greeting = %q", texts[0])
	}
	logs := tb.mem.RoutingLogs()
	if len(logs) == 0 || logs[len(logs)-1].Method != routing.MethodIVRFallback || logs[len(logs)-1].AgentID != "sales" {
		t.Errorf("routing logs = %+v", logs)
	}
	if a, ok := tb.registry.Assignment("CA7"); !ok || a.AgentID != "sales" {
		t.Errorf("assignment = %+v, %v", a, ok)
	}

	// The menu is finished; later keypresses do not re-target the call.
	sendEvent(t, conn, map[string]any{"event": "dtmf", "streamSid": "MZ7", "dtmf": map[string]any{"digit": "1"}})
	time.Sleep(100 * time.Millisecond)
	if s.AgentID() != "sales" || tb.dialer.get(2) != nil {
		t.Errorf("late keypress re-targeted the call to %q", s.AgentID())
	}
}

func TestSessionIVRRetryRestartsTimeout(t *testing.T) {
	tb := newTestBridge(t)
	tb.mem.PutMenu(&storage.IVRMenu{
		ID: "main", AgentID: "sales", Greeting: "Thanks for calling.", TimeoutSeconds: 1, MaxAttempts: 3,
		Options: []storage.IVROption{{Digit: "1", Description: "Billing", AgentID: "billing"}},
	})
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA8", "MZ8", map[string]string{ParamAgentID: "billing", ParamIVRMenuID: "main"}))
	s := tb.waitSession(t, "MZ8")
	first := tb.waitLive(t, 0)
	waitFor(t, "menu greeting", func() bool { _, texts, _, _ := first.snapshot(); return len(texts) == 1 })

	time.Sleep(700 * time.Millisecond)
	sendEvent(t, conn, map[string]any{"event": "dtmf", "streamSid": "MZ8", "dtmf": map[string]any{"digit": "9"}})
	waitFor(t, "retry prompt", func() bool { _, texts, _, _ := first.snapshot(); return len(texts) == 2 })

	// The first window has passed, but the retry opened a new one.
	time.Sleep(500 * time.Millisecond)
	if tb.dialer.get(1) != nil {
		t.Fatal("timeout fired inside the retry window")
	}
	sendEvent(t, conn, map[string]any{"event": "dtmf", "streamSid": "MZ8", "dtmf": map[string]any{"digit": "1"}})
	tb.waitLive(t, 1)
	waitFor(t, "re-target", func() bool { return s.AgentID() == "billing" })
	logs := tb.mem.RoutingLogs()
	if len(logs) == 0 || logs[len(logs)-1].Method != routing.MethodIVRSelection {
		t.Errorf("routing logs = %+v", logs)
	}
}

func TestSessionInCallIVRForwardFailureStaysConnected(t *testing.T) {
	tb := newTestBridge(t)
	tb.controller.err = errors.New("twilio unavailable")
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA9", "MZ9", map[string]string{ParamIVRMenuID: "main", ParamAgentID: "sales"}))
	s := tb.waitSession(t, "MZ9")
	tb.waitLive(t, 0)

	sendEvent(t, conn, map[string]any{"event": "dtmf", "streamSid": "MZ9", "dtmf": map[string]any{"digit": "2"}})
	second := tb.waitLive(t, 1)
	waitFor(t, "re-target", func() bool { return s.AgentID() == "human" })
	if s.State() == StateEnded {
		t.Fatalf("session ended after a failed forward: %q", s.EndReason())
	}

	waitFor(t, "greeting", func() bool { _, texts, _, _ := second.snapshot(); return len(texts) == 1 })

	frame := base64.StdEncoding.EncodeToString(make([]byte, 160))
	sendEvent(t, conn, map[string]any{"event": "media", "streamSid": "MZ9", "media": map[string]any{"payload": frame}})
	waitFor(t, "inbound audio", func() bool { a, _, _, _ := second.snapshot(); return len(a) == 1 })
}

func TestSessionInCallIVRForward(t *testing.T) {
	tb := newTestBridge(t)
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA6", "MZ6", map[string]string{ParamIVRMenuID: "main", ParamAgentID: "sales"}))
	s := tb.waitSession(t, "MZ6")
	tb.waitLive(t, 0)

	sendEvent(t, conn, map[string]any{"event": "dtmf", "streamSid": "MZ6", "dtmf": map[string]any{"digit": "2"}})
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after forwarding")
	}
	if s.EndReason() != ReasonForwarded {
		t.Errorf("EndReason() = %q", s.EndReason())
	}
	if twiml := tb.controller.get("CA6"); !strings.Contains(twiml, "<Dial>+15550009999</Dial>") {
		t.Errorf("forward TwiML = %q", twiml)
	}
}

func TestSessionForwardDoesNotBlockAudio(t *testing.T) {
	tb := newTestBridge(t)
	tb.controller.gate = make(chan struct{})
	conn := tb.connect(t)
	sendEvent(t, conn, startEvent("CA10", "MZ10", map[string]string{ParamIVRMenuID: "main", ParamAgentID: "sales"}))
	s := tb.waitSession(t, "MZ10")
	first := tb.waitLive(t, 0)
	waitFor(t, "menu greeting", func() bool { _, texts, _, _ := first.snapshot(); return len(texts) == 1 })

	sendEvent(t, conn, map[string]any{"event": "dtmf", "streamSid": "MZ10", "dtmf": map[string]any{"digit": "2"}})
	frame := base64.StdEncoding.EncodeToString(make([]byte, 160))
	sendEvent(t, conn, map[string]any{"event": "media", "streamSid": "MZ10", "media": map[string]any{"payload": frame}})
	waitFor(t, "audio during forward", func() bool { a, _, _, _ := first.snapshot(); return len(a) == 1 })

	close(tb.controller.gate)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after forwarding")
	}
	if s.EndReason() != ReasonForwarded {
		t.Errorf("EndReason() = %q", s.EndReason())
	}
}

func TestSessionDropsMalformedFrames(t *testing.T) {
	tb := newTestBridge(t)
	conn := tb.connect(t)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	sendEvent(t, conn, map[string]any{"event": "media"})
	sendEvent(t, conn, startEvent("CA1", "MZ1", nil))
	s := tb.waitSession(t, "MZ1")
	if s.State() == StateEnded {
		t.Error("malformed frames ended the session")
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"garbage", "{", true},
		{"missing event", `{"streamSid":"MZ1"}`, true},
		{"start without call", `{"event":"start","start":{"streamSid":"MZ1"}}`, true},
		{"media without payload", `{"event":"media"}`, true},
		{"dtmf without digit", `{"event":"dtmf"}`, true},
		{"start stream sid from envelope", `{"event":"start","streamSid":"MZ1","start":{"callSid":"CA1"}}`, false},
		{"unknown event", `{"event":"something-new"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeEvent([]byte(tt.raw))
			if tt.wantErr {
				var pe *ProtocolError
				if !errors.As(err, &pe) {
					t.Fatalf("err = %v, want *ProtocolError", err)
				}
				if pe.Size != len(tt.raw) {
					t.Errorf("Size = %d", pe.Size)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Event == eventStart && ev.Start.StreamSid != "MZ1" {
				t.Errorf("StreamSid = %q", ev.Start.StreamSid)
			}
		})
	}
}

func TestOutboundFrameShape(t *testing.T) {
	data, err := json.Marshal(outboundFrame{Event: eventMedia, StreamSid: "MZ1", Media: &outboundMedia{Payload: "AAAA"}})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA"}}`; string(data) != want {
		t.Errorf("media frame = %s", data)
	}
	data, _ = json.Marshal(outboundFrame{Event: eventClear, StreamSid: "MZ1"})
	if want := `{"event":"clear","streamSid":"MZ1"}`; string(data) != want {
		t.Errorf("clear frame = %s", data)
	}
}

func TestGreetingPrompt(t *testing.T) {
	got := greetingPrompt(&storage.Agent{Name: "Ava"})
	want := "You are Ava, a general AI assistant. " + defaultGreeting
	if got != want {
		t.Errorf("greetingPrompt() = %q, want %q", got, want)
	}
}
