// Package registry discovers the browser's page targets, tracks their
// url/host/attached state, and reconciles two independent sources of
// truth — the browser's targetCreated/targetInfoChanged/targetDestroyed
// events and a slow polling fallback — through a single mutex so
// neither path can race the other (spec.md §4.2).
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dev-console/browserfairy/internal/hostutil"
	"github.com/dev-console/browserfairy/internal/protocol"
)

// PollInterval is the reconciliation cadence of the polling fallback.
const PollInterval = 5 * time.Second

// Target is a discovered page target.
type Target struct {
	ID       string
	URL      string
	Host     string
	Attached bool
	LastSeen time.Time
}

type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// Registry discovers `page` targets and emits lifecycle callbacks.
type Registry struct {
	client *protocol.Client
	logger *slog.Logger

	mu      sync.Mutex
	targets map[string]*Target

	onAppear    func(Target)
	onNavigate  func(t Target, oldHost, newHost string)
	onDisappear func(targetID string)

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Registry's lifecycle callbacks.
type Option func(*Registry)

// OnAppear registers a callback fired when a new page target is
// discovered (either via event or polling reconciliation).
func OnAppear(f func(Target)) Option { return func(r *Registry) { r.onAppear = f } }

// OnNavigate registers a callback fired when a tracked target's
// registrable host changes.
func OnNavigate(f func(t Target, oldHost, newHost string)) Option {
	return func(r *Registry) { r.onNavigate = f }
}

// OnDisappear registers a callback fired when a tracked target closes.
func OnDisappear(f func(targetID string)) Option { return func(r *Registry) { r.onDisappear = f } }

// New creates a Registry bound to client.
func New(client *protocol.Client, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		client:  client,
		logger:  logger,
		targets: make(map[string]*Target),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start enables target discovery, requests the current target list,
// subscribes to lifecycle events, and starts the polling fallback.
func (r *Registry) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if _, err := r.client.Call(ctx, "Target.setDiscoverTargets", map[string]any{"discover": true}, ""); err != nil {
		cancel()
		return err
	}

	infos, err := r.fetchTargets(ctx)
	if err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	r.reconcileLocked(infos)
	r.mu.Unlock()

	created, cancelCreated := r.client.Subscribe("Target.targetCreated")
	changed, cancelChanged := r.client.Subscribe("Target.targetInfoChanged")
	destroyed, cancelDestroyed := r.client.Subscribe("Target.targetDestroyed")

	go func() {
		defer cancelCreated()
		defer cancelChanged()
		defer cancelDestroyed()
		defer close(r.done)
		r.eventLoop(ctx, created, changed, destroyed)
	}()

	go r.pollLoop(ctx)

	return nil
}

// Stop cancels the event and poll loops and waits for them to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

// Snapshot returns a copy of every currently tracked target.
func (r *Registry) Snapshot() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, *t)
	}
	return out
}

func (r *Registry) fetchTargets(ctx context.Context) ([]targetInfo, error) {
	raw, err := r.client.Call(ctx, "Target.getTargets", nil, "")
	if err != nil {
		return nil, err
	}
	var result struct {
		TargetInfos []targetInfo `json:"targetInfos"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.TargetInfos, nil
}

func (r *Registry) eventLoop(ctx context.Context, created, changed, destroyed <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-created:
			if !ok {
				return
			}
			r.handleUpsert(ev.Params)
		case ev, ok := <-changed:
			if !ok {
				return
			}
			r.handleUpsert(ev.Params)
		case ev, ok := <-destroyed:
			if !ok {
				return
			}
			r.handleDestroyed(ev.Params)
		}
	}
}

func (r *Registry) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			infos, err := r.fetchTargets(ctx)
			if err != nil {
				r.logger.Warn("registry: poll reconcile failed", "err", err)
				continue
			}
			r.mu.Lock()
			r.reconcileLocked(infos)
			r.mu.Unlock()
		}
	}
}

func isMonitorablePage(info targetInfo) bool {
	return info.Type == "page" && hostutil.Monitorable(info.URL)
}

// reconcileLocked must be called with r.mu held. It diffs the full
// snapshot infos against the current map, firing onAppear/onNavigate/
// onDisappear for every delta — the same code path used by both the
// polling fallback and (one target at a time) the event handlers.
func (r *Registry) reconcileLocked(infos []targetInfo) {
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		if !isMonitorablePage(info) {
			continue
		}
		seen[info.TargetID] = true
		r.upsertLocked(info)
	}
	for id := range r.targets {
		if !seen[id] {
			r.removeLocked(id)
		}
	}
}

func (r *Registry) upsertLocked(info targetInfo) {
	host := hostutil.Host(info.URL)
	existing, ok := r.targets[info.TargetID]
	if !ok {
		t := &Target{ID: info.TargetID, URL: info.URL, Host: host, Attached: info.Attached, LastSeen: time.Now()}
		r.targets[info.TargetID] = t
		if r.onAppear != nil {
			r.onAppear(*t)
		}
		return
	}
	existing.LastSeen = time.Now()
	existing.Attached = info.Attached
	if existing.Host != host {
		oldHost := existing.Host
		existing.URL = info.URL
		existing.Host = host
		if r.onNavigate != nil {
			r.onNavigate(*existing, oldHost, host)
		}
		return
	}
	existing.URL = info.URL
}

func (r *Registry) removeLocked(id string) {
	if _, ok := r.targets[id]; !ok {
		return
	}
	delete(r.targets, id)
	if r.onDisappear != nil {
		r.onDisappear(id)
	}
}

func (r *Registry) handleUpsert(params json.RawMessage) {
	var payload struct {
		TargetInfo targetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		r.logger.Warn("registry: malformed targetInfo event", "err", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !isMonitorablePage(payload.TargetInfo) {
		r.removeLocked(payload.TargetInfo.TargetID)
		return
	}
	r.upsertLocked(payload.TargetInfo)
}

func (r *Registry) handleDestroyed(params json.RawMessage) {
	var payload struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		r.logger.Warn("registry: malformed targetDestroyed event", "err", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(payload.TargetID)
}
