// Package registry is the authoritative public_id → Session map. It
// enforces the uniqueness and lifecycle invariants of spec.md §3–§4.3:
// a session-scoped lock protects per-Session mutation, a single coarser
// lock protects map insertion/removal, and no lock is ever held while
// waiting on a child process.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/sessiondriver/internal/childdriver"
	"github.com/shehryarbajwa/sessiondriver/internal/portalloc"
)

// ErrNotFound is returned by Lookup and Terminate for an unknown or
// already-Terminated public id.
var ErrNotFound = fmt.Errorf("session not found")

// CreateRejectedError mirrors a driver's refusal of a capabilities
// request; the Dispatcher forwards Status and Body verbatim upstream.
type CreateRejectedError struct {
	Status int
	Header map[string][]string
	Body   []byte
}

func (e *CreateRejectedError) Error() string {
	return fmt.Sprintf("driver rejected create with status %d", e.Status)
}

// MalformedCreateResponseError is returned when a driver's 2xx
// POST /session response has neither recognized sessionId shape.
type MalformedCreateResponseError struct{ Detail string }

func (e *MalformedCreateResponseError) Error() string {
	return "malformed create response: " + e.Detail
}

// ChildFactory spawns a ready ChildDriver bound to port. Built once at
// startup from Config; captures the executable path, pass-through args,
// and startup deadline.
type ChildFactory func(ctx context.Context, port int) (*childdriver.ChildDriver, error)

// CreateProxyFunc forwards the client's original POST /session request
// to a freshly-ready ChildDriver and reports back the driver's chosen
// session id alongside the raw response to relay (after the Dispatcher
// rewrites its body). A non-nil err of type *CreateRejectedError or
// *MalformedCreateResponseError carries enough detail for the
// Dispatcher to answer the client without inspecting the (now
// torn-down) child.
type CreateProxyFunc func(ctx context.Context, cd *childdriver.ChildDriver) (childID string, status int, header map[string][]string, body []byte, err error)

// CreateResult is what a successful Create returns to the Dispatcher.
type CreateResult struct {
	Session *Session
	Status  int
	Header  map[string][]string
	Body    []byte
}

// Registry is the process-wide session map singleton. It is passed
// explicitly to request tasks rather than reached for as an ambient
// global, per spec.md §9.
type Registry struct {
	ports   *portalloc.Allocator
	factory ChildFactory
	ttl     time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds a Registry. factory is invoked with a freshly-acquired
// port to produce a Ready ChildDriver; ttl is the default session
// inactivity timeout (spec.md §3: 12h).
func New(ports *portalloc.Allocator, factory ChildFactory, ttl time.Duration) *Registry {
	return &Registry{
		ports:    ports,
		factory:  factory,
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

// Create allocates a port, spawns a child via the registry's factory,
// forwards the client's create request via proxy, and — only on full
// success — inserts a Ready Session under a fresh public id. Any
// failure along the way tears down the nascent child and releases its
// port; nothing partial is ever left behind for the invariant I2 that a
// Ready session has exactly one live child.
func (r *Registry) Create(ctx context.Context, proxy CreateProxyFunc) (*CreateResult, error) {
	port, err := r.ports.Acquire()
	if err != nil {
		return nil, err
	}

	cd, err := r.factory(ctx, port)
	if err != nil {
		r.ports.Release(port)
		return nil, err
	}

	childID, status, header, body, err := proxy(ctx, cd)
	if err != nil {
		r.teardown(cd, port)
		return nil, err
	}

	publicID := uuid.New().String()
	session := newSession(publicID, childID, cd, r.ttl)

	r.mu.Lock()
	r.sessions[publicID] = session
	r.mu.Unlock()

	return &CreateResult{Session: session, Status: status, Header: header, Body: body}, nil
}

func (r *Registry) teardown(cd *childdriver.ChildDriver, port int) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = cd.Shutdown(shutdownCtx)
	r.ports.Release(port)
}

// Lookup returns the Session for a public id, or ErrNotFound.
func (r *Registry) Lookup(publicID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[publicID]
	if !ok {
		return nil, ErrNotFound
	}
	return session, nil
}

// Terminate atomically removes a session from the map, then transitions
// it to Draining, shuts down its child and releases its port before
// marking it Terminated. Idempotent: a second call on
// the same id, or concurrent with the first, observes ErrNotFound —
// this is how the Reaper and the Dispatcher race safely on the same id
// (spec.md §5, testable property P5).
func (r *Registry) Terminate(ctx context.Context, publicID string) error {
	r.mu.Lock()
	session, ok := r.sessions[publicID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, publicID)
	r.mu.Unlock()

	session.setState(childdriver.Draining)
	err := session.Child.Shutdown(ctx)
	r.ports.Release(session.Child.Port)
	session.setState(childdriver.Terminated)
	return err
}

// SnapshotEntry is one row of Snapshot's output, per spec.md §4.3.
type SnapshotEntry struct {
	PublicID     string
	LastActivity time.Time
	TTL          time.Duration
}

// Snapshot copies out (public_id, last_activity, ttl) for every session
// currently in the registry, without pinning the map while the Reaper
// decides what to do with each entry.
func (r *Registry) Snapshot() []SnapshotEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]SnapshotEntry, 0, len(r.sessions))
	for id, session := range r.sessions {
		entries = append(entries, SnapshotEntry{
			PublicID:     id,
			LastActivity: session.LastActivity(),
			TTL:          session.TTL,
		})
	}
	return entries
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AllIDs returns every currently-registered public id, for graceful
// shutdown's bounded-grace-period drain.
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
