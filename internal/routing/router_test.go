package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/callbridge/internal/storage"
)

var (
	// Wednesday 11:00 in New York.
	weekdayMorning = time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)
	// Wednesday 23:00 in New York.
	weekdayNight = time.Date(2025, 3, 13, 3, 0, 0, 0, time.UTC)
	// Saturday 11:00 in New York.
	saturday = time.Date(2025, 3, 15, 15, 0, 0, 0, time.UTC)
)

type fixedLoad map[string]int

func (l fixedLoad) ActiveForAgent(id string) int { return l[id] }

func agent(id string, mutate func(a *storage.Agent)) *storage.Agent {
	a := &storage.Agent{
		ID:            id,
		Name:          id,
		Type:          "sales",
		RoutingMode:   storage.RoutingDirect,
		Active:        true,
		Direction:     storage.DirectionInbound,
		BusinessHours: storage.DefaultBusinessHours(),
	}
	if mutate != nil {
		mutate(a)
	}
	return a
}

func newTestRouter(t *testing.T, agents []*storage.Agent, menus []*storage.IVRMenu, opts ...Option) (*Router, *storage.MemoryStore) {
	t.Helper()
	mem := storage.NewMemoryStore()
	mem.ReplaceCatalog(agents, menus)
	return NewRouter(storage.NewMemoryStores(mem), opts...), mem
}

func TestRouteIncomingCall(t *testing.T) {
	agents := []*storage.Agent{
		agent("inactive", func(a *storage.Agent) {
			a.Active = false
			a.PhoneNumbers = []string{"+15550001111"}
		}),
		agent("outbound-only", func(a *storage.Agent) {
			a.Direction = storage.DirectionOutbound
			a.PhoneNumbers = []string{"+15550001111"}
		}),
		agent("sales", func(a *storage.Agent) {
			a.PhoneNumbers = []string{"+1 (555) 000-1111"}
			a.MaxConcurrentCalls = 2
		}),
		agent("support", func(a *storage.Agent) {
			a.PhoneNumbers = []string{"+15550002222"}
		}),
		agent("night", func(a *storage.Agent) {
			a.BusinessHours = storage.BusinessHours{}
		}),
	}

	tests := []struct {
		name       string
		call       CallMetadata
		load       fixedLoad
		wantAgent  string
		wantMethod string
	}{
		{"number owner in hours", CallMetadata{To: "+15550001111", Now: weekdayMorning}, nil, "sales", MethodNumberMatch},
		{"second number", CallMetadata{To: "15550002222", Now: weekdayMorning}, nil, "support", MethodNumberMatch},
		{"owner at capacity", CallMetadata{To: "+15550001111", Now: weekdayMorning}, fixedLoad{"sales": 2}, "sales", MethodBusinessHours},
		{"unknown number in hours", CallMetadata{To: "+15559999999", Now: weekdayMorning}, nil, "sales", MethodBusinessHours},
		{"after hours goes to always-open agent", CallMetadata{To: "+15550001111", Now: weekdayNight}, nil, "night", MethodBusinessHours},
		{"weekend", CallMetadata{To: "+15550002222", Now: saturday}, nil, "night", MethodBusinessHours},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t, agents, nil, WithLoad(tt.load))
			d := r.RouteIncomingCall(context.Background(), tt.call)
			if d.Agent.ID != tt.wantAgent || d.Method != tt.wantMethod {
				t.Errorf("got agent %s via %s, want %s via %s", d.Agent.ID, d.Method, tt.wantAgent, tt.wantMethod)
			}
			if d.Action != ActionConnectAI {
				t.Errorf("Action = %s", d.Action)
			}
		})
	}
}

func TestRouteFallbackTiers(t *testing.T) {
	closed := func(a *storage.Agent) {
		a.BusinessHours = storage.BusinessHours{Timezone: "UTC", Days: []int{0}, Start: "00:00", End: "00:01"}
	}
	tests := []struct {
		name       string
		agents     []*storage.Agent
		wantAgent  string
		wantMethod string
	}{
		{
			name:       "outside hours takes first direction match",
			agents:     []*storage.Agent{agent("a", closed), agent("b", closed)},
			wantAgent:  "a",
			wantMethod: MethodDirectionMatch,
		},
		{
			name: "default agent when no direction match",
			agents: []*storage.Agent{
				agent("out", func(a *storage.Agent) { a.Direction = storage.DirectionOutbound }),
				agent("general", func(a *storage.Agent) { a.Direction = storage.DirectionOutbound; a.Type = "general" }),
				agent("flagged", func(a *storage.Agent) { a.Direction = storage.DirectionOutbound; a.IsDefault = true }),
			},
			wantAgent:  "flagged",
			wantMethod: MethodDefaultAgent,
		},
		{
			name: "general agent when nothing is flagged",
			agents: []*storage.Agent{
				agent("general", func(a *storage.Agent) { a.Direction = storage.DirectionOutbound; a.Type = "general" }),
			},
			wantAgent:  "general",
			wantMethod: MethodDefaultAgent,
		},
		{
			name:       "last resort when nothing is active",
			agents:     []*storage.Agent{agent("off", func(a *storage.Agent) { a.Active = false })},
			wantAgent:  "default",
			wantMethod: MethodLastResort,
		},
		{
			name:       "last resort with no agents",
			wantAgent:  "default",
			wantMethod: MethodLastResort,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t, tt.agents, nil)
			d := r.RouteIncomingCall(context.Background(), CallMetadata{CallID: "CA1", To: "+15550001111", Now: saturday})
			if d.Agent.ID != tt.wantAgent || d.Method != tt.wantMethod {
				t.Errorf("got %s via %s, want %s via %s", d.Agent.ID, d.Method, tt.wantAgent, tt.wantMethod)
			}
		})
	}
}

type failingAgents struct{}

func (failingAgents) ListAgents(context.Context) ([]*storage.Agent, error) {
	return nil, errors.New("database unavailable")
}

func (failingAgents) GetAgent(context.Context, string) (*storage.Agent, error) {
	return nil, errors.New("database unavailable")
}

func TestRouteStoreFailureUsesLastResort(t *testing.T) {
	r := NewRouter(storage.StoreSet{Agents: failingAgents{}})
	d := r.RouteIncomingCall(context.Background(), CallMetadata{CallID: "CA1", To: "+1555"})
	if d.Agent == nil || d.Agent.ID != "default" || d.Action != ActionConnectAI {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	agents := []*storage.Agent{
		agent("first", func(a *storage.Agent) { a.PhoneNumbers = []string{"+15550001111"} }),
		agent("second", func(a *storage.Agent) { a.PhoneNumbers = []string{"+15550001111"} }),
	}
	r, _ := newTestRouter(t, agents, nil)
	call := CallMetadata{To: "+15550001111", Now: weekdayMorning}
	for i := 0; i < 20; i++ {
		if d := r.RouteIncomingCall(context.Background(), call); d.Agent.ID != "first" {
			t.Fatalf("iteration %d routed to %s", i, d.Agent.ID)
		}
	}
}

func TestDecisionMapping(t *testing.T) {
	menu := &storage.IVRMenu{ID: "main", AgentID: "reception", Greeting: "Welcome."}
	agents := []*storage.Agent{
		agent("forwarder", func(a *storage.Agent) {
			a.RoutingMode = storage.RoutingForward
			a.ForwardNumber = "+15557770000"
			a.PhoneNumbers = []string{"+15550000001"}
		}),
		agent("forward-no-number", func(a *storage.Agent) {
			a.RoutingMode = storage.RoutingForward
			a.PhoneNumbers = []string{"+15550000002"}
		}),
		agent("reception", func(a *storage.Agent) {
			a.RoutingMode = storage.RoutingIVR
			a.IVRMenuID = "main"
			a.PhoneNumbers = []string{"+15550000003"}
		}),
		agent("broken-ivr", func(a *storage.Agent) {
			a.RoutingMode = storage.RoutingIVR
			a.IVRMenuID = "missing"
			a.PhoneNumbers = []string{"+15550000004"}
		}),
	}
	r, mem := newTestRouter(t, agents, []*storage.IVRMenu{menu})

	tests := []struct {
		to          string
		wantAction  Action
		wantForward string
		wantMenu    string
	}{
		{"+15550000001", ActionForwardCall, "+15557770000", ""},
		{"+15550000002", ActionConnectAI, "", ""},
		{"+15550000003", ActionPlayIVR, "", "main"},
		{"+15550000004", ActionConnectAI, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.to, func(t *testing.T) {
			d := r.RouteIncomingCall(context.Background(), CallMetadata{CallID: "CA-" + tt.to, To: tt.to, Now: weekdayMorning})
			if d.Action != tt.wantAction || d.ForwardTo != tt.wantForward {
				t.Errorf("got %s/%q, want %s/%q", d.Action, d.ForwardTo, tt.wantAction, tt.wantForward)
			}
			if tt.wantMenu != "" && (d.Menu == nil || d.Menu.ID != tt.wantMenu) {
				t.Errorf("Menu = %+v", d.Menu)
			}
		})
	}

	logs := mem.RoutingLogs()
	if len(logs) != len(tests) {
		t.Fatalf("expected %d routing logs, got %d", len(tests), len(logs))
	}
	if logs[0].AgentID != "forwarder" || logs[0].Action != string(ActionForwardCall) || logs[0].Method != MethodNumberMatch {
		t.Errorf("unexpected log: %+v", logs[0])
	}
}

func TestResolveIVR(t *testing.T) {
	menu := &storage.IVRMenu{
		ID:          "main",
		AgentID:     "reception",
		Greeting:    "Thanks for calling.",
		MaxAttempts: 2,
		Options: []storage.IVROption{
			{Digit: "1", Description: "sales", AgentID: "sales"},
			{Digit: "2", Description: "billing", AgentID: "billing"},
		},
	}
	agents := []*storage.Agent{
		agent("reception", func(a *storage.Agent) { a.RoutingMode = storage.RoutingIVR; a.IVRMenuID = "main" }),
		agent("sales", nil),
		agent("billing", func(a *storage.Agent) { a.RoutingMode = storage.RoutingForward; a.ForwardNumber = "+15558880000" }),
	}

	t.Run("digit 1 selects sales", func(t *testing.T) {
		r, mem := newTestRouter(t, agents, []*storage.IVRMenu{menu})
		state := NewIVRState(menu)
		state.Start()
		state.AwaitDigit()
		d, out, ok := r.ResolveIVR(context.Background(), "CA1", state, "1")
		if !ok || out.Phase != PhaseResolved {
			t.Fatalf("expected resolution, got %+v", out)
		}
		if d.Agent.ID != "sales" || d.Method != MethodIVRSelection || d.Action != ActionConnectAI {
			t.Errorf("unexpected decision: %+v", d)
		}
		logs := mem.RoutingLogs()
		if len(logs) != 1 || logs[0].Method != MethodIVRSelection || logs[0].AgentID != "sales" {
			t.Errorf("logs = %+v", logs)
		}
	})

	t.Run("forwarding target", func(t *testing.T) {
		r, _ := newTestRouter(t, agents, []*storage.IVRMenu{menu})
		d, _, _ := r.ResolveIVR(context.Background(), "CA2", NewIVRState(menu), "2")
		if d.Action != ActionForwardCall || d.ForwardTo != "+15558880000" {
			t.Errorf("unexpected decision: %+v", d)
		}
	})

	t.Run("timeout falls back to owner", func(t *testing.T) {
		r, mem := newTestRouter(t, agents, []*storage.IVRMenu{menu})
		d, out, ok := r.ResolveIVR(context.Background(), "CA3", NewIVRState(menu), "")
		if !ok || out.Phase != PhaseExhausted || out.Prompt != storage.DefaultIVRTimeoutMessage {
			t.Fatalf("unexpected outcome: %+v", out)
		}
		if d.Agent.ID != "reception" || d.Method != MethodIVRFallback || d.Action != ActionConnectAI {
			t.Errorf("unexpected decision: %+v", d)
		}
		if logs := mem.RoutingLogs(); len(logs) != 1 || logs[0].Method != MethodIVRFallback {
			t.Errorf("logs = %+v", logs)
		}
	})

	t.Run("invalid digits exhaust", func(t *testing.T) {
		r, _ := newTestRouter(t, agents, []*storage.IVRMenu{menu})
		state := NewIVRState(menu)
		_, out, ok := r.ResolveIVR(context.Background(), "CA4", state, "9")
		if ok || out.Phase != PhaseRetrying {
			t.Fatalf("expected retry, got %+v", out)
		}
		d, out, ok := r.ResolveIVR(context.Background(), "CA4", state, "9")
		if !ok || out.Phase != PhaseExhausted || d.Agent.ID != "reception" {
			t.Errorf("expected fallback to owner, got %+v / %+v", out, d)
		}
	})

	t.Run("unknown target agent", func(t *testing.T) {
		ghost := *menu
		ghost.Options = []storage.IVROption{{Digit: "5", AgentID: "ghost"}}
		r, _ := newTestRouter(t, agents, nil)
		d, _, _ := r.ResolveIVR(context.Background(), "CA5", NewIVRState(&ghost), "5")
		if d.Agent.ID != "default" {
			t.Errorf("expected last resort agent, got %s", d.Agent.ID)
		}
	})
}
