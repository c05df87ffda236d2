// Package storage holds the lookup contracts the router and the built-in
// functions depend on, plus in-memory, SQL and file-catalog implementations.
package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AgentStore reads agent personas. ListAgents returns agents in declaration
// order, which the router uses to break ties.
type AgentStore interface {
	ListAgents(ctx context.Context) ([]*Agent, error)
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

// MenuStore reads IVR menus.
type MenuStore interface {
	GetMenu(ctx context.Context, id string) (*IVRMenu, error)
}

// RoutingLogStore appends routing audit records.
type RoutingLogStore interface {
	AppendRoutingLog(ctx context.Context, entry *RoutingLog) error
}

// FunctionLogStore appends function execution records.
type FunctionLogStore interface {
	AppendFunctionLog(ctx context.Context, entry *FunctionCallLog) error
}

// AppointmentStore persists bookings.
type AppointmentStore interface {
	CreateAppointment(ctx context.Context, appt *Appointment) error
	// ScheduledAppointments lists scheduled bookings for a user on a
	// YYYY-MM-DD date.
	ScheduledAppointments(ctx context.Context, userID, date string) ([]*Appointment, error)
}

// LeadStore reads and updates campaign leads.
type LeadStore interface {
	FindLead(ctx context.Context, userID string, q LeadQuery) (*Lead, error)
	UpdateLeadStatus(ctx context.Context, userID string, upd LeadUpdate) (*Lead, error)
}

// DNCStore persists do-not-call registrations.
type DNCStore interface {
	AddDNC(ctx context.Context, entry *DNCEntry) error
	IsDNC(ctx context.Context, userID, phone string) (bool, error)
}

// EmailStore queues follow-up emails.
type EmailStore interface {
	QueueEmail(ctx context.Context, email *FollowupEmail) error
}

// SummaryStore persists call summaries.
type SummaryStore interface {
	SaveSummary(ctx context.Context, summary *CallSummary) error
}

// WebhookLogStore appends outbound webhook records.
type WebhookLogStore interface {
	AppendWebhookLog(ctx context.Context, entry *WebhookLog) error
}

// CRMStore reads CRM integrations and stores created contacts.
type CRMStore interface {
	ActiveIntegration(ctx context.Context, userID, crmType string) (*CRMIntegration, error)
	CreateCRMContact(ctx context.Context, contact *CRMContact) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Kind         string
	Agents       AgentStore
	Menus        MenuStore
	RoutingLogs  RoutingLogStore
	FunctionLogs FunctionLogStore
	Appointments AppointmentStore
	Leads        LeadStore
	DNC          DNCStore
	Emails       EmailStore
	Summaries    SummaryStore
	WebhookLogs  WebhookLogStore
	CRM          CRMStore

	pinger func(ctx context.Context) error
	closer func() error
}

// Ping checks the backing store is reachable.
func (s StoreSet) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger(ctx)
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// NormalizePhone reduces a phone number to its digits so "+1 (555) 010-0000"
// and "15550100000" compare equal.
func NormalizePhone(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
