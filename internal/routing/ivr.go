package routing

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/callbridge/internal/storage"
)

// IVRPhase is a step of the digit collection state machine.
type IVRPhase int

const (
	PhaseGreeting IVRPhase = iota
	PhaseAwaitingDigit
	PhaseRetrying
	PhaseResolved
	PhaseExhausted
)

func (p IVRPhase) String() string {
	switch p {
	case PhaseGreeting:
		return "greeting"
	case PhaseAwaitingDigit:
		return "awaiting_digit"
	case PhaseRetrying:
		return "retrying"
	case PhaseResolved:
		return "resolved"
	case PhaseExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further input is accepted.
func (p IVRPhase) Terminal() bool {
	return p == PhaseResolved || p == PhaseExhausted
}

// IVROutcome is the result of one keypad input.
type IVROutcome struct {
	Phase IVRPhase
	Digit string
	// AgentID is set once the phase is terminal.
	AgentID string
	// Prompt is what to say next: the re-prompt while retrying, the timeout
	// or invalid message on exhaustion.
	Prompt string
}

// IVRState tracks one caller's progress through a menu. It is not safe for
// concurrent use; each call owns its own state.
type IVRState struct {
	menu       *storage.IVRMenu
	phase      IVRPhase
	attempts   int
	lastPrompt string
	outcome    IVROutcome
}

// NewIVRState creates a state for menu with no attempts made.
func NewIVRState(menu *storage.IVRMenu) *IVRState {
	return RestoreIVRState(menu, 0)
}

// RestoreIVRState recreates a state after attempts invalid entries. The
// voice webhooks carry the count between requests.
func RestoreIVRState(menu *storage.IVRMenu, attempts int) *IVRState {
	m := *menu
	m.ApplyDefaults()
	if attempts < 0 {
		attempts = 0
	}
	s := &IVRState{menu: &m, attempts: attempts, phase: PhaseGreeting}
	if attempts > 0 {
		s.phase = PhaseRetrying
	}
	return s
}

func (s *IVRState) MenuID() string         { return s.menu.ID }
func (s *IVRState) Menu() *storage.IVRMenu { return s.menu }
func (s *IVRState) Phase() IVRPhase        { return s.phase }
func (s *IVRState) Attempts() int          { return s.attempts }
func (s *IVRState) LastPrompt() string     { return s.lastPrompt }

// Start enters Greeting and returns the full menu prompt.
func (s *IVRState) Start() string {
	s.phase = PhaseGreeting
	s.lastPrompt = MenuPrompt(s.menu)
	return s.lastPrompt
}

// AwaitDigit moves to AwaitingDigit after the prompt has been played.
func (s *IVRState) AwaitDigit() {
	if !s.phase.Terminal() {
		s.phase = PhaseAwaitingDigit
	}
}

// Input applies one keypad entry. An empty digit is a timeout. Once the
// state is terminal the same outcome is returned for every further input.
func (s *IVRState) Input(digit string) IVROutcome {
	if s.phase.Terminal() {
		return s.outcome
	}
	digit = strings.TrimSpace(digit)

	if digit == "" {
		return s.finish(IVROutcome{
			Phase:   PhaseExhausted,
			AgentID: s.menu.AgentID,
			Prompt:  s.menu.TimeoutMessage,
		})
	}

	if opt, ok := s.menu.Option(digit); ok {
		return s.finish(IVROutcome{
			Phase:   PhaseResolved,
			Digit:   digit,
			AgentID: opt.AgentID,
		})
	}

	s.attempts++
	if s.attempts < s.menu.MaxAttempts {
		s.phase = PhaseRetrying
		s.lastPrompt = s.menu.InvalidMessage + " " + MenuPrompt(s.menu)
		return IVROutcome{Phase: PhaseRetrying, Digit: digit, Prompt: s.lastPrompt}
	}
	return s.finish(IVROutcome{
		Phase:   PhaseExhausted,
		Digit:   digit,
		AgentID: s.menu.AgentID,
		Prompt:  s.menu.InvalidMessage,
	})
}

func (s *IVRState) finish(out IVROutcome) IVROutcome {
	s.phase = out.Phase
	s.outcome = out
	if out.Prompt != "" {
		s.lastPrompt = out.Prompt
	}
	return out
}

// MenuPrompt renders the greeting followed by one sentence per option.
func MenuPrompt(menu *storage.IVRMenu) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(menu.Greeting))
	for _, opt := range menu.Options {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		desc := strings.TrimSpace(opt.Description)
		if desc == "" {
			fmt.Fprintf(&b, "Press %s.", opt.Digit)
			continue
		}
		fmt.Fprintf(&b, "Press %s for %s.", opt.Digit, strings.TrimSuffix(desc, "."))
	}
	return b.String()
}
