package storage

import (
	"encoding/json"
	"time"
)

// RoutingMode selects what happens when an agent's number is called.
type RoutingMode string

const (
	RoutingDirect  RoutingMode = "direct"
	RoutingIVR     RoutingMode = "ivr"
	RoutingForward RoutingMode = "forward"
)

// Direction restricts which calls an agent accepts.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionBoth     Direction = "both"
)

// Accepts reports whether an agent configured with d handles a call in the
// given direction.
func (d Direction) Accepts(call Direction) bool {
	if d == "" || d == DirectionBoth {
		return true
	}
	return d == call
}

// BusinessHours is a weekly open window in a named timezone.
// Days uses time.Weekday numbering (0 is Sunday). Start and End are "HH:MM".
// An empty window is always open.
type BusinessHours struct {
	Timezone string `yaml:"timezone" json:"timezone,omitempty"`
	Days     []int  `yaml:"days" json:"days,omitempty"`
	Start    string `yaml:"start" json:"start,omitempty"`
	End      string `yaml:"end" json:"end,omitempty"`
}

// DefaultBusinessHours is Monday to Friday, 09:00-17:00 New York time.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{
		Timezone: "America/New_York",
		Days:     []int{1, 2, 3, 4, 5},
		Start:    "09:00",
		End:      "17:00",
	}
}

// Agent is an AI persona that can answer calls.
type Agent struct {
	ID                 string        `yaml:"id" json:"id"`
	UserID             string        `yaml:"user_id" json:"user_id,omitempty"`
	Name               string        `yaml:"name" json:"name"`
	Type               string        `yaml:"type" json:"type,omitempty"`
	Voice              string        `yaml:"voice" json:"voice,omitempty"`
	Language           string        `yaml:"language" json:"language,omitempty"`
	Instructions       string        `yaml:"instructions" json:"instructions,omitempty"`
	Greeting           string        `yaml:"greeting" json:"greeting,omitempty"`
	RoutingMode        RoutingMode   `yaml:"routing_mode" json:"routing_mode,omitempty"`
	ForwardNumber      string        `yaml:"forward_number" json:"forward_number,omitempty"`
	IVRMenuID          string        `yaml:"ivr_menu_id" json:"ivr_menu_id,omitempty"`
	Active             bool          `yaml:"active" json:"active"`
	IsDefault          bool          `yaml:"default" json:"default,omitempty"`
	Direction          Direction     `yaml:"direction" json:"direction,omitempty"`
	BusinessHours      BusinessHours `yaml:"business_hours" json:"business_hours"`
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls" json:"max_concurrent_calls,omitempty"`
	PhoneNumbers       []string      `yaml:"phone_numbers" json:"phone_numbers,omitempty"`
	CreatedAt          time.Time     `yaml:"-" json:"created_at"`
}

// OwnsNumber reports whether the agent answers calls to number.
func (a *Agent) OwnsNumber(number string) bool {
	want := NormalizePhone(number)
	if want == "" {
		return false
	}
	for _, n := range a.PhoneNumbers {
		if NormalizePhone(n) == want {
			return true
		}
	}
	return false
}

// IVRMenu is a spoken menu that collects one digit.
type IVRMenu struct {
	ID             string      `yaml:"id" json:"id"`
	AgentID        string      `yaml:"agent_id" json:"agent_id"`
	Name           string      `yaml:"name" json:"name"`
	Greeting       string      `yaml:"greeting" json:"greeting"`
	TimeoutMessage string      `yaml:"timeout_message" json:"timeout_message,omitempty"`
	InvalidMessage string      `yaml:"invalid_message" json:"invalid_message,omitempty"`
	MaxAttempts    int         `yaml:"max_attempts" json:"max_attempts"`
	TimeoutSeconds int         `yaml:"timeout_seconds" json:"timeout_seconds"`
	Options        []IVROption `yaml:"options" json:"options"`
}

// IVROption maps a keypad digit to a target agent.
type IVROption struct {
	Digit       string `yaml:"digit" json:"digit"`
	Description string `yaml:"description" json:"description"`
	AgentID     string `yaml:"agent_id" json:"agent_id"`
}

const (
	DefaultIVRMaxAttempts    = 3
	DefaultIVRTimeoutSeconds = 10
	DefaultIVRTimeoutMessage = "We didn't receive your selection."
	DefaultIVRInvalidMessage = "Invalid selection. Please try again."
)

// ApplyDefaults fills unset menu fields.
func (m *IVRMenu) ApplyDefaults() {
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = DefaultIVRMaxAttempts
	}
	if m.TimeoutSeconds <= 0 {
		m.TimeoutSeconds = DefaultIVRTimeoutSeconds
	}
	if m.TimeoutMessage == "" {
		m.TimeoutMessage = DefaultIVRTimeoutMessage
	}
	if m.InvalidMessage == "" {
		m.InvalidMessage = DefaultIVRInvalidMessage
	}
}

// Option returns the option bound to digit.
func (m *IVRMenu) Option(digit string) (IVROption, bool) {
	for _, opt := range m.Options {
		if opt.Digit == digit {
			return opt, true
		}
	}
	return IVROption{}, false
}

// RoutingLog is the audit record of one routing decision.
type RoutingLog struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	AgentID   string    `json:"agent_id"`
	Method    string    `json:"method"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// FunctionCallLog records one model-issued function execution.
type FunctionCallLog struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id,omitempty"`
	CallID          string          `json:"call_id"`
	AgentID         string          `json:"agent_id,omitempty"`
	FunctionName    string          `json:"function_name"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Success         bool            `json:"success"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Appointment statuses.
const (
	AppointmentScheduled = "scheduled"
	AppointmentCancelled = "cancelled"
)

// Appointment is a booking made during a call.
type Appointment struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	CallID        string    `json:"call_id,omitempty"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	Date          string    `json:"appointment_date"`
	Time          string    `json:"appointment_time"`
	ServiceType   string    `json:"service_type,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Lead is a campaign contact.
type Lead struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	PhoneNumber     string     `json:"phone_number"`
	Email           string     `json:"email,omitempty"`
	Company         string     `json:"company,omitempty"`
	Status          string     `json:"status"`
	Notes           string     `json:"notes,omitempty"`
	InterestLevel   int        `json:"interest_level,omitempty"`
	CallbackDate    string     `json:"callback_date,omitempty"`
	LastContactDate *time.Time `json:"last_contact_date,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// LeadUpdate carries the fields update_lead_status may change.
type LeadUpdate struct {
	LeadID        string
	Status        string
	Notes         string
	CallbackDate  string
	InterestLevel int
	At            time.Time
}

// LeadQuery finds a lead by one of its identifiers, in field order.
type LeadQuery struct {
	PhoneNumber string
	Email       string
	ID          string
}

// DNCEntry is a do-not-call registration.
type DNCEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PhoneNumber string    `json:"phone_number"`
	Reason      string    `json:"reason"`
	Notes       string    `json:"notes,omitempty"`
	AddedBy     string    `json:"added_by"`
	CallID      string    `json:"call_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FollowupEmail is an email queued for delivery after a call.
type FollowupEmail struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	CallID             string          `json:"call_id,omitempty"`
	RecipientEmail     string          `json:"recipient_email"`
	TemplateType       string          `json:"template_type"`
	CustomMessage      string          `json:"custom_message,omitempty"`
	AppointmentDetails json.RawMessage `json:"appointment_details,omitempty"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
}

// CallSummary is a stored summary of a call transcript.
type CallSummary struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	CallID           string          `json:"call_id"`
	SummaryType      string          `json:"summary_type"`
	SummaryData      json.RawMessage `json:"summary_data"`
	TranscriptLength int             `json:"transcript_length"`
	CreatedAt        time.Time       `json:"created_at"`
}

// WebhookLog records one outbound webhook delivery attempt.
type WebhookLog struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	WebhookURL     string          `json:"webhook_url"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	ResponseStatus int             `json:"response_status,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	TriggeredAt    time.Time       `json:"triggered_at"`
}

// CRMIntegration is a user's connection to an external CRM.
type CRMIntegration struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	CRMType  string `json:"crm_type"`
	IsActive bool   `json:"is_active"`
}

// CRMContact references a contact created in an external CRM.
type CRMContact struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	CallID        string          `json:"call_id,omitempty"`
	CRMType       string          `json:"crm_type"`
	CRMContactID  string          `json:"crm_contact_id"`
	IntegrationID string          `json:"integration_id"`
	ContactData   json.RawMessage `json:"contact_data"`
	CreatedAt     time.Time       `json:"created_at"`
}
