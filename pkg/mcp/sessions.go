package mcp

import "sync"

// SessionRegistry maps workflow IDs to the MCP session that submitted them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // workflowID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a workflow with a session.
func (r *SessionRegistry) Register(workflowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workflowID] = sessionID
}

// SessionFor returns the session that submitted workflowID, if known.
func (r *SessionRegistry) SessionFor(workflowID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[workflowID]
	return sid, ok
}

// Done forgets a workflow once its outcome has been delivered.
func (r *SessionRegistry) Done(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workflowID)
}

// Remove deletes every workflow mapped to sessionID. Called when a session
// disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, wid)
		}
	}
}
