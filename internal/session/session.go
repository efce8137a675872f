// Package session represents one attached target: the domain-enable
// handshake and the substrate (Call/Subscribe/Close) every collector
// builds on (spec.md §4.3).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/dev-console/browserfairy/internal/protocol"
)

// ErrClosed is returned by Call/Subscribe once the session has been
// closed; Close itself is idempotent.
var ErrClosed = errors.New("session: closed")

// domains enabled on attach, per spec.md §4.3. None is treated as
// critical: a failure is logged and recorded, never fatal to session
// creation, since collectors individually tolerate a missing domain
// (spec.md §7 DomainUnavailable).
var domains = []string{
	"Runtime.enable",
	"Performance.enable",
	"Network.enable",
	"Log.enable",
	"Page.enable",
	"Storage.enable",
	"HeapProfiler.enable",
	"Debugger.enable",
}

// Session is one attached channel to a single target.
type Session struct {
	client   *protocol.Client
	tag      string
	targetID string
	logger   *slog.Logger

	mu            sync.Mutex
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	failedDomains []string
	unsubscribers []func()
}

// New attaches to targetID via sessionTag (already obtained from the
// browser's attachToTarget call) and runs the domain-enable handshake.
// The session derives its own context from ctx: Close cancels it
// immediately, unblocking any Call still in flight for this session,
// independent of whatever context the caller passed to that Call.
func New(ctx context.Context, client *protocol.Client, sessionTag, targetID string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		client:   client,
		tag:      sessionTag,
		targetID: targetID,
		logger:   logger,
		ctx:      sctx,
		cancel:   cancel,
	}
	s.enableDomains(sctx)
	return s
}

func (s *Session) enableDomains(ctx context.Context) {
	for _, method := range domains {
		if _, err := s.client.Call(ctx, method, nil, s.tag); err != nil {
			s.logger.Warn("session: domain enable failed", "target", s.targetID, "method", method, "err", err)
			s.mu.Lock()
			s.failedDomains = append(s.failedDomains, method)
			s.mu.Unlock()
		}
	}
}

// Tag returns the session's browser-assigned tag.
func (s *Session) Tag() string { return s.tag }

// TargetID returns the owning target's id.
func (s *Session) TargetID() string { return s.targetID }

// FailedDomains lists domains that failed to enable, for the overview.
func (s *Session) FailedDomains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedDomains))
	copy(out, s.failedDomains)
	return out
}

// Call routes method through the Protocol Client tagged with this
// session's identifier. Returns ErrClosed immediately once Close has
// run, without touching the Protocol Client. The call is also bound to
// the session's own context, so a concurrent Close unblocks it even if
// ctx itself has no deadline and is never canceled by the caller.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	closed := s.closed
	sctx := s.ctx
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	merged, stop := mergeContext(ctx, sctx)
	defer stop()
	return s.client.Call(merged, method, params, s.tag)
}

// mergeContext returns a context canceled when either ctx or closedBy
// is done, along with a func to release the background goroutine.
func mergeContext(ctx, closedBy context.Context) (context.Context, func()) {
	merged, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-closedBy.Done():
			cancel()
		case <-stop:
		}
	}()
	return merged, func() {
		close(stop)
		cancel()
	}
}

// Subscribe delivers events tagged with this session's identifier.
// The returned cancel func is tracked so Close releases every
// subscription this session opened.
func (s *Session) Subscribe(eventName string) (<-chan protocol.Event, func()) {
	ch, cancel := s.client.SubscribeSession(eventName, s.tag)
	s.mu.Lock()
	s.unsubscribers = append(s.unsubscribers, cancel)
	s.mu.Unlock()
	return ch, cancel
}

// Close is idempotent: the first call cancels outstanding work and
// releases every subscription; subsequent calls are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubscribers
	s.unsubscribers = nil
	s.mu.Unlock()

	s.cancel()
	for _, u := range unsubs {
		u()
	}
}
