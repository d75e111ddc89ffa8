package services

import (
	"log"
	"sync"
	"time"

	"github.com/rreusch2/parleyapp-sub005/internal/models"
)

// SessionRegistry is the process-wide map from session ID to Session. It
// is the only shared mutable state in the service; all mutation happens
// under its lock so two concurrent requests for the same new session ID
// can never race two loops onto one queue. Entries are never removed:
// a terminated session's entry persists until a later message replaces it.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	deps     SessionDeps
}

// NewSessionRegistry creates an empty registry whose sessions share deps.
func NewSessionRegistry(deps SessionDeps) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		deps:     deps,
	}
}

// FindOrCreate returns the existing session for id or atomically inserts a
// new one. Repeat calls reuse the existing entry unconditionally: a second
// start for the same id keeps the original tier and preferences (updates
// are logged and ignored).
func (r *SessionRegistry) FindOrCreate(sessionID, userID, tier string, preferences map[string]interface{}) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[sessionID]; ok {
		if tier != "" && tier != existing.Tier {
			log.Printf("⚠️  [REGISTRY] Ignoring tier change %q -> %q for existing session %s", existing.Tier, tier, sessionID)
		}
		return existing
	}

	sess := NewSession(r.deps, sessionID, userID, tier, preferences)
	r.sessions[sessionID] = sess
	log.Printf("✅ [REGISTRY] Session created: %s (total: %d)", sessionID, len(r.sessions))
	return sess
}

// ObtainForMessage returns the session to enqueue a message on. Unknown
// ids get a lazily-created session with the free tier. A terminated
// session is atomically replaced with a fresh incarnation (new agent and
// queue, prior conversational state is lost) so the message never lands
// in a dead consumer's queue. The replacement keeps the old tier and
// preferences.
func (r *SessionRegistry) ObtainForMessage(sessionID, userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[sessionID]; ok {
		if existing.State() != StateTerminated {
			return existing
		}
		sess := NewSession(r.deps, sessionID, userID, existing.Tier, existing.Preferences)
		r.sessions[sessionID] = sess
		log.Printf("🔁 [REGISTRY] Replaced terminated session %s with a fresh incarnation", sessionID)
		return sess
	}

	sess := NewSession(r.deps, sessionID, userID, models.TierFree, nil)
	r.sessions[sessionID] = sess
	log.Printf("✅ [REGISTRY] Session lazily created by message: %s (tier: %s)", sessionID, models.TierFree)
	return sess
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByState returns the number of sessions currently in state.
func (r *SessionRegistry) CountByState(state SessionState) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, sess := range r.sessions {
		if sess.State() == state {
			count++
		}
	}
	return count
}

// IdleRunning returns ids of running sessions whose last activity is older
// than cutoff. Used by the sweep job to flag loops that look stuck (e.g. a
// hung tool call inside the agent).
func (r *SessionRegistry) IdleRunning(cutoff time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	threshold := time.Now().Add(-cutoff)
	for id, sess := range r.sessions {
		if sess.State() == StateRunning && sess.LastActive().Before(threshold) {
			ids = append(ids, id)
		}
	}
	return ids
}
