package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/haasonsaas/callbridge/internal/outbound"
	"github.com/haasonsaas/callbridge/internal/storage"
)

// Builtins carries the collaborators the built-in functions need beyond the
// stores in ExecContext.
type Builtins struct {
	Summarizer Summarizer
	Webhooks   *outbound.Deliverer
	Logger     *slog.Logger
}

// NewDefaultRegistry returns a registry holding every built-in function.
func NewDefaultRegistry(deps Builtins) (*Registry, error) {
	r := NewRegistry()
	if err := RegisterBuiltins(r, deps); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterBuiltins adds the built-in call center functions to r.
func RegisterBuiltins(r *Registry, deps Builtins) error {
	if deps.Summarizer == nil {
		deps.Summarizer = TemplateSummarizer{}
	}
	if deps.Webhooks == nil {
		deps.Webhooks = outbound.NewDeliverer(outbound.Config{}, deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	b := &builtins{deps: deps, logger: deps.Logger.With("component", "functions")}

	return errors.Join(
		Register(r, "schedule_appointment", "Schedule an appointment for a customer", true, b.scheduleAppointment),
		Register(r, "update_lead_status", "Update the status of a lead in the CRM", true, b.updateLeadStatus),
		Register(r, "send_followup_email", "Send a follow-up email to a customer", true, b.sendFollowupEmail),
		Register(r, "add_to_dnc", "Add a phone number to the Do Not Call list", true, b.addToDNC),
		Register(r, "get_customer_info", "Retrieve customer information from the database", true, b.getCustomerInfo),
		Register(r, "calculate_pricing", "Calculate pricing for services based on customer requirements", false, b.calculatePricing),
		Register(r, "check_availability", "Check availability for appointments or services", true, b.checkAvailability),
		Register(r, "generate_call_summary", "Generate an AI summary of the call conversation", true, b.generateCallSummary),
		Register(r, "trigger_zapier_webhook", "Trigger a Zapier webhook with call data", true, b.triggerZapierWebhook),
		Register(r, "create_crm_contact", "Create a new contact in external CRM system", true, b.createCRMContact),
	)
}

type builtins struct {
	deps   Builtins
	logger *slog.Logger
}

var errStoreUnavailable = errors.New("store not configured")

func titleName(name string) string {
	return cases.Title(language.English).String(strings.TrimSpace(name))
}

type ScheduleAppointmentArgs struct {
	CustomerName    string `json:"customer_name" jsonschema_description:"Customer full name"`
	CustomerPhone   string `json:"customer_phone" jsonschema_description:"Customer phone number"`
	CustomerEmail   string `json:"customer_email,omitempty" jsonschema_description:"Customer email address"`
	AppointmentDate string `json:"appointment_date" jsonschema_description:"Appointment date in YYYY-MM-DD format"`
	AppointmentTime string `json:"appointment_time" jsonschema_description:"Appointment time in HH:MM format"`
	ServiceType     string `json:"service_type,omitempty" jsonschema_description:"Type of service requested"`
	Notes           string `json:"notes,omitempty" jsonschema_description:"Additional notes or requirements"`
}

type AppointmentResult struct {
	AppointmentID      string `json:"appointment_id"`
	ConfirmationNumber string `json:"confirmation_number"`
	Message            string `json:"message"`
}

// ConfirmationNumber derives the spoken confirmation code from an
// appointment id.
func ConfirmationNumber(id string) string {
	tail := id
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return "APT-" + strings.ToUpper(tail)
}

func (b *builtins) scheduleAppointment(ctx context.Context, ec ExecContext, args ScheduleAppointmentArgs) (any, error) {
	if ec.Stores.Appointments == nil {
		return nil, errStoreUnavailable
	}
	appt := &storage.Appointment{
		UserID:        ec.UserID,
		CallID:        ec.CallID,
		CustomerName:  args.CustomerName,
		CustomerPhone: args.CustomerPhone,
		CustomerEmail: args.CustomerEmail,
		Date:          args.AppointmentDate,
		Time:          args.AppointmentTime,
		ServiceType:   args.ServiceType,
		Notes:         args.Notes,
		Status:        storage.AppointmentScheduled,
		CreatedAt:     ec.Now.UTC(),
	}
	if err := ec.Stores.Appointments.CreateAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("Failed to schedule appointment: %w", err)
	}
	return AppointmentResult{
		AppointmentID:      appt.ID,
		ConfirmationNumber: ConfirmationNumber(appt.ID),
		Message: fmt.Sprintf("Appointment scheduled for %s on %s at %s",
			titleName(args.CustomerName), args.AppointmentDate, args.AppointmentTime),
	}, nil
}

type UpdateLeadStatusArgs struct {
	LeadID        string `json:"lead_id" jsonschema_description:"Lead ID to update"`
	Status        string `json:"status" jsonschema:"enum=contacted,enum=interested,enum=not_interested,enum=callback_requested,enum=appointment_scheduled,enum=converted" jsonschema_description:"New status for the lead"`
	Notes         string `json:"notes,omitempty" jsonschema_description:"Notes about the interaction"`
	CallbackDate  string `json:"callback_date,omitempty" jsonschema_description:"Callback date if status is callback_requested"`
	InterestLevel int    `json:"interest_level,omitempty" jsonschema:"minimum=1,maximum=10" jsonschema_description:"Interest level from 1-10"`
}

type LeadStatusResult struct {
	LeadID    string `json:"lead_id"`
	NewStatus string `json:"new_status"`
	Message   string `json:"message"`
}

func (b *builtins) updateLeadStatus(ctx context.Context, ec ExecContext, args UpdateLeadStatusArgs) (any, error) {
	if ec.Stores.Leads == nil {
		return nil, errStoreUnavailable
	}
	_, err := ec.Stores.Leads.UpdateLeadStatus(ctx, ec.UserID, storage.LeadUpdate{
		LeadID:        args.LeadID,
		Status:        args.Status,
		Notes:         args.Notes,
		CallbackDate:  args.CallbackDate,
		InterestLevel: args.InterestLevel,
		At:            ec.Now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to update lead: %w", err)
	}
	return LeadStatusResult{
		LeadID:    args.LeadID,
		NewStatus: args.Status,
		Message:   "Lead status updated to " + args.Status,
	}, nil
}

type SendFollowupEmailArgs struct {
	CustomerEmail      string         `json:"customer_email" jsonschema_description:"Customer email address"`
	TemplateType       string         `json:"template_type" jsonschema:"enum=appointment_confirmation,enum=follow_up,enum=thank_you,enum=information_request" jsonschema_description:"Type of email template to use"`
	CustomMessage      string         `json:"custom_message,omitempty" jsonschema_description:"Custom message to include"`
	AppointmentDetails map[string]any `json:"appointment_details,omitempty" jsonschema_description:"Appointment details if applicable"`
}

type EmailResult struct {
	EmailID string `json:"email_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (b *builtins) sendFollowupEmail(ctx context.Context, ec ExecContext, args SendFollowupEmailArgs) (any, error) {
	if ec.Stores.Emails == nil {
		return nil, errStoreUnavailable
	}
	email := &storage.FollowupEmail{
		UserID:         ec.UserID,
		CallID:         ec.CallID,
		RecipientEmail: args.CustomerEmail,
		TemplateType:   args.TemplateType,
		CustomMessage:  args.CustomMessage,
		Status:         "queued",
		CreatedAt:      ec.Now.UTC(),
	}
	if len(args.AppointmentDetails) > 0 {
		details, err := json.Marshal(args.AppointmentDetails)
		if err != nil {
			return nil, fmt.Errorf("encode appointment details: %w", err)
		}
		email.AppointmentDetails = details
	}
	if err := ec.Stores.Emails.QueueEmail(ctx, email); err != nil {
		return nil, fmt.Errorf("Failed to queue email: %w", err)
	}
	b.logger.InfoContext(ctx, "follow-up email queued",
		"call_id", ec.CallID, "template", args.TemplateType, "email_id", email.ID)
	return EmailResult{
		EmailID: email.ID,
		Status:  email.Status,
		Message: "Follow-up email queued for " + args.CustomerEmail,
	}, nil
}

type AddToDNCArgs struct {
	PhoneNumber string `json:"phone_number" jsonschema_description:"Phone number to add to DNC list"`
	Reason      string `json:"reason" jsonschema:"enum=customer_request,enum=compliance,enum=invalid_number,enum=other" jsonschema_description:"Reason for adding to DNC"`
	Notes       string `json:"notes,omitempty" jsonschema_description:"Additional notes"`
}

type DNCResult struct {
	DNCID       string `json:"dnc_id"`
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

func (b *builtins) addToDNC(ctx context.Context, ec ExecContext, args AddToDNCArgs) (any, error) {
	if ec.Stores.DNC == nil {
		return nil, errStoreUnavailable
	}
	entry := &storage.DNCEntry{
		UserID:      ec.UserID,
		PhoneNumber: args.PhoneNumber,
		Reason:      args.Reason,
		Notes:       args.Notes,
		AddedBy:     "ai_agent",
		CallID:      ec.CallID,
		CreatedAt:   ec.Now.UTC(),
	}
	if err := ec.Stores.DNC.AddDNC(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("Phone number %s is already on the Do Not Call list", args.PhoneNumber)
		}
		return nil, fmt.Errorf("Failed to add to DNC: %w", err)
	}
	return DNCResult{
		DNCID:       entry.ID,
		PhoneNumber: args.PhoneNumber,
		Message:     fmt.Sprintf("Phone number %s added to Do Not Call list", args.PhoneNumber),
	}, nil
}

type GetCustomerInfoArgs struct {
	PhoneNumber string `json:"phone_number,omitempty" jsonschema_description:"Customer phone number"`
	Email       string `json:"email,omitempty" jsonschema_description:"Customer email address"`
	CustomerID  string `json:"customer_id,omitempty" jsonschema_description:"Customer ID"`
}

type CustomerInfo struct {
	CustomerID  string     `json:"customer_id"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone"`
	Email       string     `json:"email"`
	Company     string     `json:"company"`
	Status      string     `json:"status"`
	LastContact *time.Time `json:"last_contact"`
	Notes       string     `json:"notes"`
}

type messageResult struct {
	Message string `json:"message"`
}

func (b *builtins) getCustomerInfo(ctx context.Context, ec ExecContext, args GetCustomerInfoArgs) (any, error) {
	if args.PhoneNumber == "" && args.Email == "" && args.CustomerID == "" {
		return nil, errors.New("Phone number, email, or customer ID required")
	}
	if ec.Stores.Leads == nil {
		return nil, errStoreUnavailable
	}
	// One identifier is used, in field order.
	var q storage.LeadQuery
	switch {
	case args.PhoneNumber != "":
		q.PhoneNumber = args.PhoneNumber
	case args.Email != "":
		q.Email = args.Email
	default:
		q.ID = args.CustomerID
	}
	lead, err := ec.Stores.Leads.FindLead(ctx, ec.UserID, q)
	if errors.Is(err, storage.ErrNotFound) {
		return messageResult{Message: "Customer not found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to get customer info: %w", err)
	}
	return CustomerInfo{
		CustomerID:  lead.ID,
		Name:        strings.TrimSpace(lead.FirstName + " " + lead.LastName),
		Phone:       lead.PhoneNumber,
		Email:       lead.Email,
		Company:     lead.Company,
		Status:      lead.Status,
		LastContact: lead.LastContactDate,
		Notes:       lead.Notes,
	}, nil
}

type CalculatePricingArgs struct {
	ServiceType  string  `json:"service_type" jsonschema_description:"Type of service"`
	Quantity     float64 `json:"quantity" jsonschema_description:"Quantity or duration"`
	CustomerTier string  `json:"customer_tier,omitempty" jsonschema:"enum=basic,enum=standard,enum=premium" jsonschema_description:"Customer tier for pricing"`
	DiscountCode string  `json:"discount_code,omitempty" jsonschema_description:"Discount code if applicable"`
}

type PricingResult struct {
	ServiceType  string  `json:"service_type"`
	Quantity     float64 `json:"quantity"`
	BasePrice    float64 `json:"base_price"`
	TierDiscount int     `json:"tier_discount"`
	TotalPrice   float64 `json:"total_price"`
	Currency     string  `json:"currency"`
}

var (
	basePrices = map[string]float64{
		"consultation":       100,
		"basic_service":      200,
		"premium_service":    500,
		"enterprise_service": 1000,
	}
	tierMultipliers = map[string]float64{
		"basic":    1.0,
		"standard": 0.9,
		"premium":  0.8,
	}
	discountCodes = map[string]float64{
		"SAVE10": 0.1,
	}
)

const defaultBasePrice = 100

// Quote computes a price. Unknown services cost the default base price and
// a zero quantity counts as one.
func Quote(serviceType string, quantity float64, tier, discountCode string) PricingResult {
	base, ok := basePrices[serviceType]
	if !ok {
		base = defaultBasePrice
	}
	qty := quantity
	if qty == 0 {
		qty = 1
	}
	mult, ok := tierMultipliers[tier]
	if !ok {
		mult = 1.0
	}
	total := base * qty * mult
	if discountCode != "" {
		total *= 1 - discountCodes[discountCode]
	}
	return PricingResult{
		ServiceType:  serviceType,
		Quantity:     quantity,
		BasePrice:    base,
		TierDiscount: int(math.Round((1 - mult) * 100)),
		TotalPrice:   math.Round(total*100) / 100,
		Currency:     "USD",
	}
}

func (b *builtins) calculatePricing(_ context.Context, _ ExecContext, args CalculatePricingArgs) (any, error) {
	return Quote(args.ServiceType, args.Quantity, args.CustomerTier, args.DiscountCode), nil
}

type CheckAvailabilityArgs struct {
	Date        string `json:"date" jsonschema_description:"Date to check in YYYY-MM-DD format"`
	TimeRange   string `json:"time_range,omitempty" jsonschema_description:"Time range preference (morning, afternoon, evening)"`
	ServiceType string `json:"service_type,omitempty" jsonschema_description:"Type of service"`
	Duration    int    `json:"duration,omitempty" jsonschema_description:"Duration in minutes"`
}

type AvailabilityResult struct {
	Date           string   `json:"date"`
	AvailableSlots []string `json:"available_slots"`
	TotalAvailable int      `json:"total_available"`
	Message        string   `json:"message"`
}

const (
	slotsOpenHour  = 9
	slotsCloseHour = 17
)

// OpenSlots returns the hourly slots of a working day not present in booked.
func OpenSlots(booked []string) []string {
	taken := make(map[string]bool, len(booked))
	for _, t := range booked {
		taken[t] = true
	}
	slots := make([]string, 0, slotsCloseHour-slotsOpenHour)
	for hour := slotsOpenHour; hour < slotsCloseHour; hour++ {
		slot := fmt.Sprintf("%02d:00", hour)
		if !taken[slot] {
			slots = append(slots, slot)
		}
	}
	return slots
}

func (b *builtins) checkAvailability(ctx context.Context, ec ExecContext, args CheckAvailabilityArgs) (any, error) {
	if ec.Stores.Appointments == nil {
		return nil, errStoreUnavailable
	}
	appts, err := ec.Stores.Appointments.ScheduledAppointments(ctx, ec.UserID, args.Date)
	if err != nil {
		return nil, fmt.Errorf("Failed to check availability: %w", err)
	}
	booked := make([]string, 0, len(appts))
	for _, a := range appts {
		booked = append(booked, a.Time)
	}
	slots := OpenSlots(booked)
	msg := "No availability for this date"
	if len(slots) > 0 {
		msg = fmt.Sprintf("%d time slots available", len(slots))
	}
	return AvailabilityResult{
		Date:           args.Date,
		AvailableSlots: slots,
		TotalAvailable: len(slots),
		Message:        msg,
	}, nil
}

type GenerateCallSummaryArgs struct {
	CallID      string `json:"call_id" jsonschema_description:"Call ID to summarize"`
	Transcript  string `json:"transcript" jsonschema_description:"Call transcript text"`
	SummaryType string `json:"summary_type,omitempty" jsonschema:"enum=brief,enum=detailed,enum=action_items,enum=sentiment" jsonschema_description:"Type of summary to generate"`
}

type CallSummaryResult struct {
	CallID      string    `json:"call_id"`
	SummaryType string    `json:"summary_type"`
	GeneratedAt time.Time `json:"generated_at"`
	SummaryText string    `json:"summary_text"`
	Generator   string    `json:"generator"`
}

var summaryPrompts = map[string]string{
	"brief":        "Provide a brief 2-3 sentence summary of this call conversation:",
	"detailed":     "Provide a detailed summary including key points, customer needs, and outcomes:",
	"action_items": "Extract action items and next steps from this call conversation:",
	"sentiment":    "Analyze the sentiment and customer satisfaction from this call conversation:",
}

func (b *builtins) generateCallSummary(ctx context.Context, ec ExecContext, args GenerateCallSummaryArgs) (any, error) {
	if ec.Stores.Summaries == nil {
		return nil, errStoreUnavailable
	}
	summaryType := args.SummaryType
	if _, ok := summaryPrompts[summaryType]; !ok {
		summaryType = "brief"
	}
	text, err := b.deps.Summarizer.Summarize(ctx, summaryPrompts[summaryType], args.Transcript)
	if err != nil {
		return nil, fmt.Errorf("Failed to generate call summary: %w", err)
	}
	result := CallSummaryResult{
		CallID:      args.CallID,
		SummaryType: summaryType,
		GeneratedAt: ec.Now.UTC(),
		SummaryText: text,
		Generator:   b.deps.Summarizer.Name(),
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode call summary: %w", err)
	}
	err = ec.Stores.Summaries.SaveSummary(ctx, &storage.CallSummary{
		UserID:           ec.UserID,
		CallID:           args.CallID,
		SummaryType:      summaryType,
		SummaryData:      data,
		TranscriptLength: len(args.Transcript),
		CreatedAt:        ec.Now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to store call summary: %w", err)
	}
	return result, nil
}

type TriggerZapierWebhookArgs struct {
	WebhookURL string         `json:"webhook_url" jsonschema_description:"Zapier webhook URL"`
	EventType  string         `json:"event_type" jsonschema:"enum=call_completed,enum=appointment_scheduled,enum=lead_updated,enum=follow_up_required" jsonschema_description:"Type of event to trigger"`
	Data       map[string]any `json:"data" jsonschema_description:"Data to send to Zapier"`
}

type webhookPayload struct {
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	UserID    string         `json:"user_id"`
	CallID    string         `json:"call_id"`
	Data      map[string]any `json:"data"`
}

type WebhookResult struct {
	WebhookID      string `json:"webhook_id"`
	Status         string `json:"status"`
	ResponseStatus int    `json:"response_status"`
	Message        string `json:"message"`
}

func (b *builtins) triggerZapierWebhook(ctx context.Context, ec ExecContext, args TriggerZapierWebhookArgs) (any, error) {
	payload := webhookPayload{
		EventType: args.EventType,
		Timestamp: ec.Now.UTC().Format(time.RFC3339Nano),
		UserID:    ec.UserID,
		CallID:    ec.CallID,
		Data:      args.Data,
	}
	res, deliverErr := b.deps.Webhooks.Deliver(ctx, args.WebhookURL, payload)

	entry := &storage.WebhookLog{
		UserID:      ec.UserID,
		WebhookURL:  args.WebhookURL,
		EventType:   args.EventType,
		TriggeredAt: ec.Now.UTC(),
	}
	if raw, err := json.Marshal(payload); err == nil {
		entry.Payload = raw
	}
	if deliverErr != nil {
		entry.ErrorMessage = deliverErr.Error()
	} else {
		entry.ResponseStatus = res.StatusCode
	}
	if ec.Stores.WebhookLogs != nil {
		if err := ec.Stores.WebhookLogs.AppendWebhookLog(ctx, entry); err != nil {
			b.logger.WarnContext(ctx, "failed to log webhook", "event_type", args.EventType, "error", err)
		}
	}

	if deliverErr != nil {
		return nil, fmt.Errorf("Zapier webhook failed: %w", deliverErr)
	}
	return WebhookResult{
		WebhookID:      fmt.Sprintf("webhook_%d", ec.Now.UnixMilli()),
		Status:         "success",
		ResponseStatus: res.StatusCode,
		Message:        "Zapier webhook triggered successfully for " + args.EventType,
	}, nil
}

type ContactData struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Company   string `json:"company,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type CreateCRMContactArgs struct {
	CRMType     string      `json:"crm_type" jsonschema:"enum=salesforce,enum=hubspot,enum=pipedrive,enum=zoho" jsonschema_description:"CRM system type"`
	ContactData ContactData `json:"contact_data"`
}

type CRMContactResult struct {
	CRMContactID string `json:"crm_contact_id"`
	CRMType      string `json:"crm_type"`
	ContactName  string `json:"contact_name"`
	Message      string `json:"message"`
	CRMURL       string `json:"crm_url"`
}

type crmContactRecord struct {
	ContactData
	Source     string `json:"source"`
	CreatedVia string `json:"created_via"`
	CallID     string `json:"call_id"`
	CreatedAt  string `json:"created_at"`
}

func (b *builtins) createCRMContact(ctx context.Context, ec ExecContext, args CreateCRMContactArgs) (any, error) {
	if ec.Stores.CRM == nil {
		return nil, errStoreUnavailable
	}
	integration, err := ec.Stores.CRM.ActiveIntegration(ctx, ec.UserID, args.CRMType)
	if err != nil || integration == nil {
		return nil, fmt.Errorf("%s integration not configured", args.CRMType)
	}

	contactID := fmt.Sprintf("%s_%d", args.CRMType, ec.Now.UnixMilli())
	data, err := json.Marshal(crmContactRecord{
		ContactData: args.ContactData,
		Source:      "ai_call_center",
		CreatedVia:  "phone_call",
		CallID:      ec.CallID,
		CreatedAt:   ec.Now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode contact: %w", err)
	}
	err = ec.Stores.CRM.CreateCRMContact(ctx, &storage.CRMContact{
		UserID:        ec.UserID,
		CallID:        ec.CallID,
		CRMType:       args.CRMType,
		CRMContactID:  contactID,
		IntegrationID: integration.ID,
		ContactData:   data,
		CreatedAt:     ec.Now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to create CRM contact: %w", err)
	}
	return CRMContactResult{
		CRMContactID: contactID,
		CRMType:      args.CRMType,
		ContactName:  titleName(args.ContactData.FirstName + " " + args.ContactData.LastName),
		Message:      "Contact created successfully in " + args.CRMType,
		CRMURL:       fmt.Sprintf("https://%s.com/contacts/%s", args.CRMType, contactID),
	}, nil
}
