// Package supervisor owns the live set of attached Sessions, enforces
// the global cap with LRU eviction, and coordinates orderly shutdown
// on Protocol Client disconnect (spec.md §4.11).
package supervisor

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"github.com/dev-console/browserfairy/internal/metrics"
	"github.com/dev-console/browserfairy/internal/protocol"
	"github.com/dev-console/browserfairy/internal/session"
)

// DefaultMaxSessions is the global cap on concurrently attached
// targets (spec.md §4.11, §8: "len(active_sessions) ≤ 50").
const DefaultMaxSessions = 50

// entry pairs a Session with its place in the LRU list so Touch is
// O(1).
type entry struct {
	session *session.Session
	elem    *list.Element // element in lru, value is targetID
}

// Supervisor holds the active-session map keyed by target id.
type Supervisor struct {
	client  *protocol.Client
	logger  *slog.Logger
	maxSize int

	// onAttach/onDetach let the engine wire collectors up/down without
	// the Supervisor knowing what a collector is.
	onAttach func(*session.Session)
	onDetach func(targetID string)

	mu       sync.Mutex
	sessions map[string]*entry
	lru      *list.List // front = most recently attached or Touched, back = least

	perTarget map[string]*sync.Mutex // serializes create/destroy per target id
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMaxSessions overrides DefaultMaxSessions.
func WithMaxSessions(n int) Option { return func(s *Supervisor) { s.maxSize = n } }

// OnAttach registers a callback fired after a Session is created and
// added to the map — the engine's hook point for starting collectors.
func OnAttach(f func(*session.Session)) Option { return func(s *Supervisor) { s.onAttach = f } }

// OnDetach registers a callback fired just before a Session is
// removed from the map — the engine's hook point for stopping
// collectors.
func OnDetach(f func(targetID string)) Option { return func(s *Supervisor) { s.onDetach = f } }

// New creates a Supervisor bound to client.
func New(client *protocol.Client, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		client:    client,
		logger:    logger,
		maxSize:   DefaultMaxSessions,
		sessions:  make(map[string]*entry),
		lru:       list.New(),
		perTarget: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	client.OnDisconnect(func(error) { s.TeardownAll() })
	return s
}

// targetLock returns (creating if needed) the mutex serializing
// create/destroy for one target id.
func (s *Supervisor) targetLock(targetID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.perTarget[targetID]
	if !ok {
		m = &sync.Mutex{}
		s.perTarget[targetID] = m
	}
	return m
}

// Attach creates a Session for targetID via sessionTag, first evicting
// the session at the back of the LRU list if the cap is already
// reached. Only Touch moves a session forward, and the engine does not
// call Touch, so under the engine the evicted session is the earliest
// attached one. Returns the new Session, or nil if targetID already
// has a Session.
func (s *Supervisor) Attach(ctx context.Context, sessionTag, targetID string) *session.Session {
	lock := s.targetLock(targetID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if _, exists := s.sessions[targetID]; exists {
		s.mu.Unlock()
		return nil
	}
	if len(s.sessions) >= s.maxSize {
		s.evictOldestLocked()
	}
	s.mu.Unlock()

	sess := session.New(ctx, s.client, sessionTag, targetID, s.logger)

	s.mu.Lock()
	elem := s.lru.PushFront(targetID)
	s.sessions[targetID] = &entry{session: sess, elem: elem}
	s.mu.Unlock()

	if s.onAttach != nil {
		s.onAttach(sess)
	}
	return sess
}

// evictOldestLocked removes the back of the LRU list. Must be called
// with s.mu held; releases and reacquires it around teardown since
// Detach performs its own locking and callback dispatch must not run
// under s.mu.
func (s *Supervisor) evictOldestLocked() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	targetID := back.Value.(string)
	s.mu.Unlock()
	metrics.SessionsEvicted.Inc()
	s.Detach(targetID)
	s.mu.Lock()
}

// Touch marks targetID as most-recently-sampled, for LRU purposes.
func (s *Supervisor) Touch(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[targetID]
	if !ok {
		return
	}
	s.lru.MoveToFront(e.elem)
}

// Detach closes and removes the Session for targetID, if present.
// Idempotent.
func (s *Supervisor) Detach(targetID string) {
	lock := s.targetLock(targetID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	e, ok := s.sessions[targetID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, targetID)
	s.lru.Remove(e.elem)
	s.mu.Unlock()

	if s.onDetach != nil {
		s.onDetach(targetID)
	}
	e.session.Close()
}

// Len returns the current number of active sessions.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Session returns the active Session for targetID, if any.
func (s *Supervisor) Session(targetID string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[targetID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// TeardownAll closes every active Session — called automatically on
// Protocol Client disconnect, and by the engine during an orderly
// shutdown.
func (s *Supervisor) TeardownAll() {
	s.mu.Lock()
	targetIDs := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		targetIDs = append(targetIDs, id)
	}
	s.mu.Unlock()

	for _, id := range targetIDs {
		s.Detach(id)
	}
}
