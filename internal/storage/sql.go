package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SQLStore implements every store interface on PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// NewSQLStores wraps db in a StoreSet.
func NewSQLStores(db *sql.DB, dialect Dialect) StoreSet {
	s := NewSQLStore(db, dialect)
	return StoreSet{
		Kind:         string(dialect),
		Agents:       s,
		Menus:        s,
		RoutingLogs:  s,
		FunctionLogs: s,
		Appointments: s,
		Leads:        s,
		DNC:          s,
		Emails:       s,
		Summaries:    s,
		WebhookLogs:  s,
		CRM:          s,
		pinger:       db.PingContext,
		closer:       db.Close,
	}
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.dialect, query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.dialect, query), args...)
}

// arrayValue encodes a slice as a native array on postgres and JSON text on
// sqlite.
func (s *SQLStore) arrayValue(v any) (any, error) {
	if s.dialect == DialectPostgres {
		return pq.Array(v), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *SQLStore) arrayScanner(dest any) sql.Scanner {
	if s.dialect == DialectPostgres {
		return pq.Array(dest)
	}
	return &jsonText{dest: dest}
}

// jsonText scans a JSON-encoded TEXT column into dest.
type jsonText struct {
	dest any
}

func (j *jsonText) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("jsonText: unsupported source %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, j.dest)
}

// jsonValue passes raw JSON as text so postgres accepts it for JSONB.
func jsonValue(raw json.RawMessage) driver.Value {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const agentColumns = `id, user_id, name, agent_type, voice_name, language_code, instructions,
	greeting, routing_type, forward_number, ivr_menu_id, is_active, is_default,
	call_direction, timezone, business_days, business_hours_start, business_hours_end,
	max_concurrent_calls, phone_numbers, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanAgent(row rowScanner) (*Agent, error) {
	var (
		a       Agent
		days    []int64
		numbers []string
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.Name, &a.Type, &a.Voice, &a.Language, &a.Instructions,
		&a.Greeting, &a.RoutingMode, &a.ForwardNumber, &a.IVRMenuID, &a.Active, &a.IsDefault,
		&a.Direction, &a.BusinessHours.Timezone, s.arrayScanner(&days),
		&a.BusinessHours.Start, &a.BusinessHours.End,
		&a.MaxConcurrentCalls, s.arrayScanner(&numbers), &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, d := range days {
		a.BusinessHours.Days = append(a.BusinessHours.Days, int(d))
	}
	a.PhoneNumbers = numbers
	return &a, nil
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY position, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := s.scanAgent(s.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// SaveAgent inserts or replaces an agent. position preserves catalog order.
func (s *SQLStore) SaveAgent(ctx context.Context, agent *Agent, position int) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	days := make([]int64, 0, len(agent.BusinessHours.Days))
	for _, d := range agent.BusinessHours.Days {
		days = append(days, int64(d))
	}
	daysArg, err := s.arrayValue(days)
	if err != nil {
		return err
	}
	numbers := agent.PhoneNumbers
	if numbers == nil {
		numbers = []string{}
	}
	numbersArg, err := s.arrayValue(numbers)
	if err != nil {
		return err
	}
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.exec(ctx, `INSERT INTO agents (`+agentColumns+`, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			agent_type = excluded.agent_type,
			voice_name = excluded.voice_name,
			language_code = excluded.language_code,
			instructions = excluded.instructions,
			greeting = excluded.greeting,
			routing_type = excluded.routing_type,
			forward_number = excluded.forward_number,
			ivr_menu_id = excluded.ivr_menu_id,
			is_active = excluded.is_active,
			is_default = excluded.is_default,
			call_direction = excluded.call_direction,
			timezone = excluded.timezone,
			business_days = excluded.business_days,
			business_hours_start = excluded.business_hours_start,
			business_hours_end = excluded.business_hours_end,
			max_concurrent_calls = excluded.max_concurrent_calls,
			phone_numbers = excluded.phone_numbers,
			position = excluded.position`,
		agent.ID, agent.UserID, agent.Name, agent.Type, agent.Voice, agent.Language, agent.Instructions,
		agent.Greeting, string(agent.RoutingMode), agent.ForwardNumber, agent.IVRMenuID, agent.Active, agent.IsDefault,
		string(agent.Direction), agent.BusinessHours.Timezone, daysArg, agent.BusinessHours.Start, agent.BusinessHours.End,
		agent.MaxConcurrentCalls, numbersArg, createdAt, position,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", agent.ID, err)
	}
	return nil
}

func (s *SQLStore) GetMenu(ctx context.Context, id string) (*IVRMenu, error) {
	var m IVRMenu
	err := s.queryRow(ctx, `SELECT id, agent_id, name, greeting_text, timeout_message, invalid_message,
		max_attempts, timeout_seconds FROM ivr_menus WHERE id = ?`, id).Scan(
		&m.ID, &m.AgentID, &m.Name, &m.Greeting, &m.TimeoutMessage, &m.InvalidMessage,
		&m.MaxAttempts, &m.TimeoutSeconds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get menu: %w", err)
	}

	rows, err := s.query(ctx, `SELECT digit, description, agent_id FROM ivr_options
		WHERE ivr_menu_id = ? ORDER BY position, digit`, id)
	if err != nil {
		return nil, fmt.Errorf("list menu options: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var opt IVROption
		if err := rows.Scan(&opt.Digit, &opt.Description, &opt.AgentID); err != nil {
			return nil, fmt.Errorf("scan menu option: %w", err)
		}
		m.Options = append(m.Options, opt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	m.ApplyDefaults()
	return &m, nil
}

// SaveMenu inserts or replaces a menu and its options in one transaction.
func (s *SQLStore) SaveMenu(ctx context.Context, menu *IVRMenu) error {
	if menu == nil || menu.ID == "" {
		return fmt.Errorf("menu id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, rebind(s.dialect, `INSERT INTO ivr_menus
		(id, agent_id, name, greeting_text, timeout_message, invalid_message, max_attempts, timeout_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = excluded.agent_id,
			name = excluded.name,
			greeting_text = excluded.greeting_text,
			timeout_message = excluded.timeout_message,
			invalid_message = excluded.invalid_message,
			max_attempts = excluded.max_attempts,
			timeout_seconds = excluded.timeout_seconds`),
		menu.ID, menu.AgentID, menu.Name, menu.Greeting, menu.TimeoutMessage, menu.InvalidMessage,
		menu.MaxAttempts, menu.TimeoutSeconds,
	); err != nil {
		return fmt.Errorf("save menu %s: %w", menu.ID, err)
	}
	if _, err := tx.ExecContext(ctx, rebind(s.dialect, `DELETE FROM ivr_options WHERE ivr_menu_id = ?`), menu.ID); err != nil {
		return fmt.Errorf("clear menu options: %w", err)
	}
	for i, opt := range menu.Options {
		if _, err := tx.ExecContext(ctx, rebind(s.dialect, `INSERT INTO ivr_options
			(ivr_menu_id, digit, description, agent_id, position) VALUES (?, ?, ?, ?, ?)`),
			menu.ID, opt.Digit, opt.Description, opt.AgentID, i,
		); err != nil {
			return fmt.Errorf("save menu option %s: %w", opt.Digit, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) AppendRoutingLog(ctx context.Context, entry *RoutingLog) error {
	if entry == nil {
		return fmt.Errorf("routing log is required")
	}
	fillID(&entry.ID)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO routing_logs (id, call_id, agent_id, routing_method, action, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CallID, entry.AgentID, entry.Method, entry.Action, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append routing log: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendFunctionLog(ctx context.Context, entry *FunctionCallLog) error {
	if entry == nil {
		return fmt.Errorf("function log is required")
	}
	fillID(&entry.ID)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO function_call_logs
		(id, profile_id, call_id, agent_id, function_name, parameters, result, success,
		 error_message, execution_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.CallID, entry.AgentID, entry.FunctionName,
		jsonValue(entry.Parameters), jsonValue(entry.Result), entry.Success,
		entry.ErrorMessage, entry.ExecutionTimeMs, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append function log: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateAppointment(ctx context.Context, appt *Appointment) error {
	if appt == nil {
		return fmt.Errorf("appointment is required")
	}
	fillID(&appt.ID)
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO appointments
		(id, profile_id, call_id, customer_name, customer_phone, customer_email,
		 appointment_date, appointment_time, service_type, notes, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		appt.ID, appt.UserID, appt.CallID, appt.CustomerName, appt.CustomerPhone, appt.CustomerEmail,
		appt.Date, appt.Time, appt.ServiceType, appt.Notes, appt.Status, appt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (s *SQLStore) ScheduledAppointments(ctx context.Context, userID, date string) ([]*Appointment, error) {
	rows, err := s.query(ctx, `SELECT id, profile_id, call_id, customer_name, customer_phone, customer_email,
		appointment_date, appointment_time, service_type, notes, status, created_at
		FROM appointments WHERE profile_id = ? AND appointment_date = ? AND status = ?
		ORDER BY appointment_time`, userID, date, AppointmentScheduled)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.UserID, &a.CallID, &a.CustomerName, &a.CustomerPhone, &a.CustomerEmail,
			&a.Date, &a.Time, &a.ServiceType, &a.Notes, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

const leadColumns = `id, profile_id, first_name, last_name, phone_number, email, company, status,
	notes, interest_level, callback_date, last_contact_date, updated_at`

func scanLead(row rowScanner) (*Lead, error) {
	var (
		l           Lead
		lastContact sql.NullTime
	)
	if err := row.Scan(&l.ID, &l.UserID, &l.FirstName, &l.LastName, &l.PhoneNumber, &l.Email, &l.Company,
		&l.Status, &l.Notes, &l.InterestLevel, &l.CallbackDate, &lastContact, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if lastContact.Valid {
		t := lastContact.Time
		l.LastContactDate = &t
	}
	return &l, nil
}

func (s *SQLStore) FindLead(ctx context.Context, userID string, q LeadQuery) (*Lead, error) {
	var (
		where string
		arg   string
	)
	switch {
	case q.PhoneNumber != "":
		where, arg = "phone_number = ?", q.PhoneNumber
	case q.Email != "":
		where, arg = "LOWER(email) = LOWER(?)", q.Email
	case q.ID != "":
		where, arg = "id = ?", q.ID
	default:
		return nil, ErrNotFound
	}
	l, err := scanLead(s.queryRow(ctx, `SELECT `+leadColumns+` FROM campaign_leads
		WHERE profile_id = ? AND `+where+` LIMIT 1`, userID, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find lead: %w", err)
	}
	return l, nil
}

func (s *SQLStore) UpdateLeadStatus(ctx context.Context, userID string, upd LeadUpdate) (*Lead, error) {
	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.exec(ctx, `UPDATE campaign_leads SET
			status = ?,
			notes = ?,
			callback_date = COALESCE(NULLIF(?, ''), callback_date),
			interest_level = COALESCE(NULLIF(?, 0), interest_level),
			last_contact_date = ?,
			updated_at = ?
		WHERE id = ? AND profile_id = ?`,
		upd.Status, upd.Notes, upd.CallbackDate, upd.InterestLevel, at, at, upd.LeadID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update lead: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return s.FindLead(ctx, userID, LeadQuery{ID: upd.LeadID})
}

func (s *SQLStore) AddDNC(ctx context.Context, entry *DNCEntry) error {
	if entry == nil {
		return fmt.Errorf("dnc entry is required")
	}
	exists, err := s.IsDNC(ctx, entry.UserID, entry.PhoneNumber)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}
	fillID(&entry.ID)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.exec(ctx, `INSERT INTO dnc_lists
		(id, profile_id, phone_number, reason, notes, added_by, call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.PhoneNumber, entry.Reason, entry.Notes, entry.AddedBy,
		entry.CallID, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add dnc: %w", err)
	}
	return nil
}

func (s *SQLStore) IsDNC(ctx context.Context, userID, phone string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM dnc_lists WHERE profile_id = ? AND phone_number = ? LIMIT 1`,
		userID, phone).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dnc: %w", err)
	}
	return true, nil
}

func (s *SQLStore) QueueEmail(ctx context.Context, email *FollowupEmail) error {
	if email == nil {
		return fmt.Errorf("email is required")
	}
	fillID(&email.ID)
	if email.CreatedAt.IsZero() {
		email.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO followup_emails
		(id, profile_id, call_id, recipient_email, template_type, custom_message,
		 appointment_details, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		email.ID, email.UserID, email.CallID, email.RecipientEmail, email.TemplateType,
		email.CustomMessage, jsonValue(email.AppointmentDetails), email.Status, email.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("queue email: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveSummary(ctx context.Context, summary *CallSummary) error {
	if summary == nil {
		return fmt.Errorf("summary is required")
	}
	fillID(&summary.ID)
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO call_summaries
		(id, profile_id, call_id, summary_type, summary_data, transcript_length, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.UserID, summary.CallID, summary.SummaryType,
		jsonValue(summary.SummaryData), summary.TranscriptLength, summary.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendWebhookLog(ctx context.Context, entry *WebhookLog) error {
	if entry == nil {
		return fmt.Errorf("webhook log is required")
	}
	fillID(&entry.ID)
	if entry.TriggeredAt.IsZero() {
		entry.TriggeredAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO webhook_logs
		(id, profile_id, webhook_url, event_type, payload, response_status, error_message, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.WebhookURL, entry.EventType, jsonValue(entry.Payload),
		entry.ResponseStatus, entry.ErrorMessage, entry.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("append webhook log: %w", err)
	}
	return nil
}

func (s *SQLStore) ActiveIntegration(ctx context.Context, userID, crmType string) (*CRMIntegration, error) {
	var in CRMIntegration
	err := s.queryRow(ctx, `SELECT id, profile_id, integration_type, is_active FROM external_integrations
		WHERE profile_id = ? AND integration_type = ? AND is_active = ? LIMIT 1`,
		userID, strings.ToLower(crmType), true).Scan(&in.ID, &in.UserID, &in.CRMType, &in.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return &in, nil
}

func (s *SQLStore) CreateCRMContact(ctx context.Context, contact *CRMContact) error {
	if contact == nil {
		return fmt.Errorf("crm contact is required")
	}
	fillID(&contact.ID)
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO crm_contacts
		(id, profile_id, call_id, crm_type, crm_contact_id, integration_id, contact_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		contact.ID, contact.UserID, contact.CallID, contact.CRMType, contact.CRMContactID,
		contact.IntegrationID, jsonValue(contact.ContactData), contact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create crm contact: %w", err)
	}
	return nil
}
