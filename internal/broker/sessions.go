// ABOUTME: Registry of agent sessions minted by the broker
// ABOUTME: Sessions are immutable once created and looked up by token id

package broker

import (
	"sync"
	"time"
)

// Session is one successful authentication. An agent id may own many sessions.
type Session struct {
	AgentID   string
	Name      string
	TokenID   string
	CreatedAt time.Time
}

type sessionRegistry struct {
	mu      sync.RWMutex
	byToken map[string]*Session // token id -> session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byToken: make(map[string]*Session),
	}
}

func (r *sessionRegistry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byToken[s.TokenID] = s
}

func (r *sessionRegistry) lookup(tokenID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byToken[tokenID]
	return s, ok
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}
