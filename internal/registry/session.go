package registry

import (
	"sync"
	"time"

	"github.com/shehryarbajwa/sessiondriver/internal/childdriver"
)

// Session is one live W3C WebDriver session as seen by a client.
// PublicID, ChildID and Child are write-once at construction; only
// state and lastActivity mutate afterward, guarded by mu, per spec.md
// §5's per-session-lock discipline.
type Session struct {
	PublicID string
	ChildID  string
	Child    *childdriver.ChildDriver
	TTL      time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	state        childdriver.State
}

func newSession(publicID, childID string, child *childdriver.ChildDriver, ttl time.Duration) *Session {
	return &Session{
		PublicID:     publicID,
		ChildID:      childID,
		Child:        child,
		TTL:          ttl,
		lastActivity: time.Now(),
		state:        childdriver.Ready,
	}
}

// Touch updates last_activity to now. Monotonically non-decreasing per
// invariant I4 because time.Now() only moves forward.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// LastActivity returns the last-touched time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State returns the current lifecycle state as tracked by the registry.
// This mirrors, but is independent of, the ChildDriver's own state — a
// session can be observed Draining before its child finishes shutting
// down.
func (s *Session) State() childdriver.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state childdriver.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Endpoint returns the child's loopback host:port, safe to read without
// locking since it is set once at construction and never changes.
func (s *Session) Endpoint() (host string, port int) {
	return s.Child.Host, s.Child.Port
}
