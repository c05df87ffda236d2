package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule checks a cleanup schedule expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// CallTracker keeps the latest status of every call seen by the webhooks.
//
// Thread Safety:
// CallTracker is safe for concurrent use.
type CallTracker struct {
	calls  map[string]*CallRecord
	mu     sync.RWMutex
	now    func() time.Time
	logger *slog.Logger

	// onEnded runs outside the lock for every call reaching a terminal state.
	onEnded func(CallRecord)

	cron *cron.Cron
}

// TrackerOption configures a CallTracker.
type TrackerOption func(*CallTracker)

// WithEndedHook registers fn for calls reaching a terminal state.
func WithEndedHook(fn func(CallRecord)) TrackerOption {
	return func(t *CallTracker) { t.onEnded = fn }
}

func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *CallTracker) { t.now = now }
}

func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *CallTracker) {
		if l != nil {
			t.logger = l
		}
	}
}

func NewCallTracker(opts ...TrackerOption) *CallTracker {
	t := &CallTracker{
		calls:  make(map[string]*CallRecord),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "voice")
	return t
}

// Begin records an inbound call routed to agentID.
func (t *CallTracker) Begin(ev CallEvent, agentID string) CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.calls[ev.CallSID]
	if !ok {
		record = &CallRecord{
			CallSID:   ev.CallSID,
			Direction: ev.Direction,
			State:     StateRinging,
			From:      ev.From,
			To:        ev.To,
			StartedAt: t.now(),
		}
		if record.Direction == "" {
			record.Direction = DirectionInbound
		}
		t.calls[ev.CallSID] = record
	}
	if agentID != "" {
		record.AgentID = agentID
	}
	return *record
}

// Assign updates the agent handling callSID.
func (t *CallTracker) Assign(callSID, agentID string) {
	t.mu.Lock()
	if record, ok := t.calls[callSID]; ok {
		record.AgentID = agentID
	}
	t.mu.Unlock()
}

// HandleStatus applies a status callback. Unknown calls are created so that
// outbound legs are tracked too. Terminal transitions are applied once.
func (t *CallTracker) HandleStatus(ev CallEvent) (CallRecord, bool) {
	if ev.CallSID == "" || ev.State == "" {
		return CallRecord{}, false
	}

	t.mu.Lock()
	record, ok := t.calls[ev.CallSID]
	if !ok {
		record = &CallRecord{
			CallSID:   ev.CallSID,
			Direction: ev.Direction,
			From:      ev.From,
			To:        ev.To,
			StartedAt: t.now(),
		}
		t.calls[ev.CallSID] = record
	}
	if record.State.IsTerminal() {
		snapshot := *record
		t.mu.Unlock()
		return snapshot, false
	}

	now := t.now()
	record.State = ev.State
	switch {
	case ev.State == StateInProgress && record.AnsweredAt == nil:
		record.AnsweredAt = &now
	case ev.State.IsTerminal():
		record.EndedAt = &now
		record.Duration = ev.Duration
		if record.Duration == 0 && record.AnsweredAt != nil {
			record.Duration = now.Sub(*record.AnsweredAt)
		}
	}
	snapshot := *record
	t.mu.Unlock()

	if snapshot.State.IsTerminal() && t.onEnded != nil {
		t.onEnded(snapshot)
	}
	return snapshot, true
}

// Get retrieves a call record.
func (t *CallTracker) Get(callSID string) (CallRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	record, ok := t.calls[callSID]
	if !ok {
		return CallRecord{}, false
	}
	return *record, true
}

// Active lists calls not yet in a terminal state, oldest first.
func (t *CallTracker) Active() []CallRecord {
	t.mu.RLock()
	out := make([]CallRecord, 0, len(t.calls))
	for _, record := range t.calls {
		if !record.State.IsTerminal() {
			out = append(out, *record)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CleanupStaleCalls removes ended calls older than olderThan, and calls that
// never reported a terminal status within olderThan of starting.
func (t *CallTracker) CleanupStaleCalls(olderThan time.Duration) int {
	cutoff := t.now().Add(-olderThan)
	removed := 0

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, record := range t.calls {
		switch {
		case record.State.IsTerminal() && record.EndedAt != nil && record.EndedAt.Before(cutoff):
		case !record.State.IsTerminal() && record.StartedAt.Before(cutoff):
		default:
			continue
		}
		delete(t.calls, id)
		removed++
	}
	return removed
}

// StartCleanup runs job on schedule until ctx is done or Stop is called.
func (t *CallTracker) StartCleanup(ctx context.Context, schedule string, job func()) error {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(sched, cron.FuncJob(job))
	c.Start()

	t.mu.Lock()
	t.cron = c
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.Stop()
	}()
	return nil
}

// Stop halts the cleanup schedule and waits for a running job.
func (t *CallTracker) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
