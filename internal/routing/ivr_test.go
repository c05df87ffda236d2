package routing

import (
	"testing"
	"time"

	"github.com/haasonsaas/callbridge/internal/storage"
)

func testMenu() *storage.IVRMenu {
	return &storage.IVRMenu{
		ID:       "main",
		AgentID:  "reception",
		Greeting: "Thanks for calling Acme.",
		Options: []storage.IVROption{
			{Digit: "1", Description: "Sales.", AgentID: "sales"},
			{Digit: "2", Description: "billing", AgentID: "billing"},
			{Digit: "0", AgentID: "reception"},
		},
	}
}

func TestMenuPrompt(t *testing.T) {
	want := "Thanks for calling Acme. Press 1 for Sales. Press 2 for billing. Press 0."
	if got := MenuPrompt(testMenu()); got != want {
		t.Errorf("MenuPrompt() = %q, want %q", got, want)
	}
}

func TestIVRStateBounds(t *testing.T) {
	tests := []struct {
		name       string
		inputs     []string
		wantPhases []IVRPhase
		wantAgent  string
	}{
		{
			name:       "valid first digit",
			inputs:     []string{"2"},
			wantPhases: []IVRPhase{PhaseResolved},
			wantAgent:  "billing",
		},
		{
			name:       "retry then valid",
			inputs:     []string{"7", "1"},
			wantPhases: []IVRPhase{PhaseRetrying, PhaseResolved},
			wantAgent:  "sales",
		},
		{
			name:       "three invalid digits exhaust",
			inputs:     []string{"7", "8", "9"},
			wantPhases: []IVRPhase{PhaseRetrying, PhaseRetrying, PhaseExhausted},
			wantAgent:  "reception",
		},
		{
			name:       "timeout exhausts directly",
			inputs:     []string{""},
			wantPhases: []IVRPhase{PhaseExhausted},
			wantAgent:  "reception",
		},
		{
			name:       "terminal state ignores further input",
			inputs:     []string{"", "1"},
			wantPhases: []IVRPhase{PhaseExhausted, PhaseExhausted},
			wantAgent:  "reception",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewIVRState(testMenu())
			if s.Phase() != PhaseGreeting {
				t.Fatalf("initial phase = %v", s.Phase())
			}
			s.Start()
			s.AwaitDigit()
			if s.Phase() != PhaseAwaitingDigit {
				t.Fatalf("phase after AwaitDigit = %v", s.Phase())
			}
			var out IVROutcome
			for i, in := range tt.inputs {
				out = s.Input(in)
				if out.Phase != tt.wantPhases[i] {
					t.Fatalf("input %d (%q): phase %v, want %v", i, in, out.Phase, tt.wantPhases[i])
				}
			}
			if out.AgentID != tt.wantAgent {
				t.Errorf("AgentID = %q, want %q", out.AgentID, tt.wantAgent)
			}
		})
	}
}

func TestIVRStateNeverLoops(t *testing.T) {
	s := NewIVRState(testMenu())
	for i := 0; i < 100; i++ {
		if out := s.Input("5"); out.Phase.Terminal() {
			if i+1 != storage.DefaultIVRMaxAttempts {
				t.Errorf("exhausted after %d inputs, want %d", i+1, storage.DefaultIVRMaxAttempts)
			}
			if out.AgentID != "reception" {
				t.Errorf("AgentID = %q", out.AgentID)
			}
			return
		}
	}
	t.Fatal("state machine never reached a terminal phase")
}

func TestRestoreIVRState(t *testing.T) {
	s := RestoreIVRState(testMenu(), 2)
	if s.Phase() != PhaseRetrying || s.Attempts() != 2 {
		t.Fatalf("phase %v attempts %d", s.Phase(), s.Attempts())
	}
	out := s.Input("6")
	if out.Phase != PhaseExhausted || out.Prompt != storage.DefaultIVRInvalidMessage {
		t.Errorf("unexpected outcome: %+v", out)
	}

	s = RestoreIVRState(testMenu(), 1)
	out = s.Input("6")
	if out.Phase != PhaseRetrying || s.LastPrompt() != storage.DefaultIVRInvalidMessage+" "+MenuPrompt(testMenu()) {
		t.Errorf("unexpected retry: %+v prompt %q", out, s.LastPrompt())
	}
}

func TestInBusinessHours(t *testing.T) {
	nyc := storage.DefaultBusinessHours()
	tests := []struct {
		name string
		bh   storage.BusinessHours
		now  time.Time
		want bool
	}{
		{"empty window always open", storage.BusinessHours{}, saturday, true},
		{"weekday morning", nyc, weekdayMorning, true},
		{"weekday night", nyc, weekdayNight, false},
		{"saturday", nyc, saturday, false},
		{"opening minute", nyc, time.Date(2025, 3, 12, 13, 0, 0, 0, time.UTC), true},
		{"closing minute", nyc, time.Date(2025, 3, 12, 21, 0, 0, 0, time.UTC), false},
		{"one minute before close", nyc, time.Date(2025, 3, 12, 20, 59, 0, 0, time.UTC), true},
		{
			"other timezone",
			storage.BusinessHours{Timezone: "Asia/Tokyo", Days: []int{4}, Start: "00:00", End: "01:00"},
			time.Date(2025, 3, 12, 15, 30, 0, 0, time.UTC), // Thursday 00:30 in Tokyo
			true,
		},
		{
			"unknown timezone is utc",
			storage.BusinessHours{Timezone: "Mars/Olympus", Start: "15:00", End: "16:00"},
			weekdayMorning,
			true,
		},
		{
			"days only",
			storage.BusinessHours{Timezone: "UTC", Days: []int{6}},
			saturday,
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InBusinessHours(tt.bh, tt.now); got != tt.want {
				t.Errorf("InBusinessHours() = %v, want %v", got, tt.want)
			}
		})
	}
}
