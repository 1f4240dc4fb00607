package mcp

import "sync"

// SessionRegistry maps execution IDs to the MCP session that started them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // executionID → sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an execution with a session.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[executionID] = sessionID
}

// SessionFor returns the session watching executionID, if any.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[executionID]
	return sid, ok
}

// Forget drops the mapping of one execution.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, executionID)
}

// Remove deletes every execution mapped to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, eid)
		}
	}
}
