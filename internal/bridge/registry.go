package bridge

import (
	"sort"
	"sync"
	"time"
)

// Assignment is the routing decision the voice webhook hands to the media
// stream of the same call.
type Assignment struct {
	AgentID   string
	UserID    string
	MenuID    string
	CreatedAt time.Time
}

// SessionInfo is a point-in-time view of an active session.
type SessionInfo struct {
	StreamSID string    `json:"stream_sid"`
	CallSID   string    `json:"call_sid"`
	AgentID   string    `json:"agent_id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Registry tracks call assignments by call SID and live sessions by stream
// SID. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	assignments map[string]Assignment
	sessions    map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		assignments: make(map[string]Assignment),
		sessions:    make(map[string]*Session),
	}
}

// Assign records the agent chosen for callSID, replacing any earlier
// assignment.
func (r *Registry) Assign(callSID string, a Assignment) {
	if callSID == "" || a.AgentID == "" {
		return
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	r.mu.Lock()
	r.assignments[callSID] = a
	r.mu.Unlock()
}

// Assignment returns the assignment for callSID.
func (r *Registry) Assignment(callSID string) (Assignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assignments[callSID]
	return a, ok
}

// Unassign forgets callSID.
func (r *Registry) Unassign(callSID string) {
	r.mu.Lock()
	delete(r.assignments, callSID)
	r.mu.Unlock()
}

// PruneAssignments drops assignments created before cutoff that have no
// active session. It returns how many were removed.
func (r *Registry) PruneAssignments(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make(map[string]struct{}, len(r.sessions))
	for _, s := range r.sessions {
		active[s.CallSID()] = struct{}{}
	}
	removed := 0
	for callSID, a := range r.assignments {
		if _, ok := active[callSID]; ok {
			continue
		}
		if a.CreatedAt.Before(cutoff) {
			delete(r.assignments, callSID)
			removed++
		}
	}
	return removed
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.StreamSID()] = s
	r.mu.Unlock()
}

// remove deletes s only if it is still the session registered under its
// stream SID.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.StreamSID()]; ok && cur == s {
		delete(r.sessions, s.StreamSID())
	}
}

// Session returns the active session for streamSID.
func (r *Registry) Session(streamSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[streamSID]
	return s, ok
}

// SessionForCall returns the active session carrying callSID.
func (r *Registry) SessionForCall(callSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.CallSID() == callSID {
			return s, true
		}
	}
	return nil, false
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveForAgent counts the active sessions bridged to agentID.
func (r *Registry) ActiveForAgent(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.AgentID() == agentID {
			n++
		}
	}
	return n
}

// Snapshot lists active sessions ordered by start time.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CloseAll ends every active session.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.End(reason)
	}
}
