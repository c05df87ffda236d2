// Package voice integrates with Twilio Programmable Voice: webhook
// signatures, TwiML responses, the REST call-update API and call status
// tracking.
package voice

import (
	"time"
)

// CallState is a Twilio CallStatus value.
type CallState string

const (
	StateQueued     CallState = "queued"
	StateInitiated  CallState = "initiated"
	StateRinging    CallState = "ringing"
	StateInProgress CallState = "in-progress"

	// Terminal states
	StateCompleted CallState = "completed"
	StateBusy      CallState = "busy"
	StateNoAnswer  CallState = "no-answer"
	StateFailed    CallState = "failed"
	StateCanceled  CallState = "canceled"
)

// IsTerminal returns true if this is a terminal state.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateBusy, StateNoAnswer, StateFailed, StateCanceled:
		return true
	}
	return false
}

// CallDirection indicates if a call is inbound or outbound.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

func parseDirection(raw string) CallDirection {
	switch raw {
	case "inbound":
		return DirectionInbound
	case "outbound-api", "outbound-dial", "outbound":
		return DirectionOutbound
	}
	return ""
}

// CallEvent is a normalized webhook callback.
type CallEvent struct {
	CallSID   string        `json:"call_sid"`
	State     CallState     `json:"state,omitempty"`
	Direction CallDirection `json:"direction,omitempty"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
	Digits    string        `json:"digits,omitempty"`
	// Duration is CallDuration for completed calls.
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// CallRecord contains the tracked state of a call.
type CallRecord struct {
	CallSID    string        `json:"call_sid"`
	Direction  CallDirection `json:"direction"`
	State      CallState     `json:"state"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	AgentID    string        `json:"agent_id,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	AnsweredAt *time.Time    `json:"answered_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}
