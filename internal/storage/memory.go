package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements every store interface in process. It backs tests,
// the memory driver, and the non-catalog half of the file driver.
type MemoryStore struct {
	mu sync.RWMutex

	agents       []*Agent
	menus        map[string]*IVRMenu
	routingLogs  []*RoutingLog
	functionLogs []*FunctionCallLog
	appointments []*Appointment
	leads        map[string]*Lead
	dnc          []*DNCEntry
	emails       []*FollowupEmail
	summaries    []*CallSummary
	webhookLogs  []*WebhookLog
	integrations []*CRMIntegration
	crmContacts  []*CRMContact
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		menus: make(map[string]*IVRMenu),
		leads: make(map[string]*Lead),
	}
}

// NewMemoryStores wraps a MemoryStore in a StoreSet.
func NewMemoryStores(m *MemoryStore) StoreSet {
	if m == nil {
		m = NewMemoryStore()
	}
	return StoreSet{
		Kind:         "memory",
		Agents:       m,
		Menus:        m,
		RoutingLogs:  m,
		FunctionLogs: m,
		Appointments: m,
		Leads:        m,
		DNC:          m,
		Emails:       m,
		Summaries:    m,
		WebhookLogs:  m,
		CRM:          m,
	}
}

// PutAgent adds or replaces an agent, keeping first-seen declaration order.
func (s *MemoryStore) PutAgent(agent *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.agents {
		if existing.ID == agent.ID {
			s.agents[i] = agent
			return
		}
	}
	s.agents = append(s.agents, agent)
}

// PutMenu adds or replaces an IVR menu.
func (s *MemoryStore) PutMenu(menu *IVRMenu) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.menus[menu.ID] = menu
}

// PutLead adds or replaces a lead.
func (s *MemoryStore) PutLead(lead *Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = lead
}

// PutIntegration adds a CRM integration.
func (s *MemoryStore) PutIntegration(in *CRMIntegration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrations = append(s.integrations, in)
}

// ReplaceCatalog swaps the agent and menu sets atomically.
func (s *MemoryStore) ReplaceCatalog(agents []*Agent, menus []*IVRMenu) {
	byID := make(map[string]*IVRMenu, len(menus))
	for _, m := range menus {
		byID[m.ID] = m
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = append([]*Agent(nil), agents...)
	s.menus = byID
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Agent(nil), s.agents...), nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetMenu(ctx context.Context, id string) (*IVRMenu, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.menus[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) AppendRoutingLog(ctx context.Context, entry *RoutingLog) error {
	if entry == nil {
		return fmt.Errorf("routing log is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fillID(&entry.ID)
	s.routingLogs = append(s.routingLogs, entry)
	return nil
}

// RoutingLogs returns a copy of the recorded routing decisions.
func (s *MemoryStore) RoutingLogs() []RoutingLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoutingLog, len(s.routingLogs))
	for i, l := range s.routingLogs {
		out[i] = *l
	}
	return out
}

func (s *MemoryStore) AppendFunctionLog(ctx context.Context, entry *FunctionCallLog) error {
	if entry == nil {
		return fmt.Errorf("function log is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fillID(&entry.ID)
	s.functionLogs = append(s.functionLogs, entry)
	return nil
}

// FunctionLogs returns a copy of the recorded function executions.
func (s *MemoryStore) FunctionLogs() []FunctionCallLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FunctionCallLog, len(s.functionLogs))
	for i, l := range s.functionLogs {
		out[i] = *l
	}
	return out
}

func (s *MemoryStore) CreateAppointment(ctx context.Context, appt *Appointment) error {
	if appt == nil {
		return fmt.Errorf("appointment is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fillID(&appt.ID)
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	s.appointments = append(s.appointments, appt)
	return nil
}

func (s *MemoryStore) ScheduledAppointments(ctx context.Context, userID, date string) ([]*Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Appointment
	for _, a := range s.appointments {
		if a.UserID == userID && a.Date == date && a.Status == AppointmentScheduled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindLead(ctx context.Context, userID string, q LeadQuery) (*Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.leads {
		if l.UserID != userID {
			continue
		}
		switch {
		case q.PhoneNumber != "":
			if NormalizePhone(l.PhoneNumber) == NormalizePhone(q.PhoneNumber) {
				return l, nil
			}
		case q.Email != "":
			if strings.EqualFold(l.Email, q.Email) {
				return l, nil
			}
		case q.ID != "":
			if l.ID == q.ID {
				return l, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateLeadStatus(ctx context.Context, userID string, upd LeadUpdate) (*Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[upd.LeadID]
	if !ok || lead.UserID != userID {
		return nil, ErrNotFound
	}
	at := upd.At
	lead.Status = upd.Status
	lead.Notes = upd.Notes
	if upd.CallbackDate != "" {
		lead.CallbackDate = upd.CallbackDate
	}
	if upd.InterestLevel != 0 {
		lead.InterestLevel = upd.InterestLevel
	}
	lead.LastContactDate = &at
	lead.UpdatedAt = at
	return lead, nil
}

func (s *MemoryStore) AddDNC(ctx context.Context, entry *DNCEntry) error {
	if entry == nil {
		return fmt.Errorf("dnc entry is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.dnc {
		if e.UserID == entry.UserID && NormalizePhone(e.PhoneNumber) == NormalizePhone(entry.PhoneNumber) {
			return ErrAlreadyExists
		}
	}
	fillID(&entry.ID)
	s.dnc = append(s.dnc, entry)
	return nil
}

func (s *MemoryStore) IsDNC(ctx context.Context, userID, phone string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.dnc {
		if e.UserID == userID && NormalizePhone(e.PhoneNumber) == NormalizePhone(phone) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) QueueEmail(ctx context.Context, email *FollowupEmail) error {
	if email == nil {
		return fmt.Errorf("email is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fillID(&email.ID)
	s.emails = append(s.emails, email)
	return nil
}

func (s *MemoryStore) SaveSummary(ctx context.Context, summary *CallSummary) error {
	if summary == nil {
		return fmt.Errorf("summary is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fillID(&summary.ID)
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *MemoryStore) AppendWebhookLog(ctx context.Context, entry *WebhookLog) error {
	if entry == nil {
		return fmt.Errorf("webhook log is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fillID(&entry.ID)
	s.webhookLogs = append(s.webhookLogs, entry)
	return nil
}

// WebhookLogs returns a copy of the recorded webhook deliveries.
func (s *MemoryStore) WebhookLogs() []WebhookLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WebhookLog, len(s.webhookLogs))
	for i, l := range s.webhookLogs {
		out[i] = *l
	}
	return out
}

func (s *MemoryStore) ActiveIntegration(ctx context.Context, userID, crmType string) (*CRMIntegration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, in := range s.integrations {
		if in.UserID == userID && in.CRMType == crmType && in.IsActive {
			return in, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateCRMContact(ctx context.Context, contact *CRMContact) error {
	if contact == nil {
		return fmt.Errorf("crm contact is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fillID(&contact.ID)
	s.crmContacts = append(s.crmContacts, contact)
	return nil
}

func fillID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}
