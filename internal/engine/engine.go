// Package engine is the composition root: it wires the Protocol
// Client, Target Registry, Supervisor, per-session Collectors, and
// per-host Writer into the live monitoring engine spec.md §2
// describes. It is new relative to spec.md, whose scope stops at the
// core components; something has to assemble them.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dev-console/browserfairy/internal/collector/console"
	"github.com/dev-console/browserfairy/internal/collector/gcsampler"
	"github.com/dev-console/browserfairy/internal/collector/heapsampler"
	"github.com/dev-console/browserfairy/internal/collector/longtask"
	"github.com/dev-console/browserfairy/internal/collector/memory"
	"github.com/dev-console/browserfairy/internal/collector/network"
	"github.com/dev-console/browserfairy/internal/collector/storage"
	"github.com/dev-console/browserfairy/internal/config"
	"github.com/dev-console/browserfairy/internal/correlator"
	"github.com/dev-console/browserfairy/internal/launcher"
	"github.com/dev-console/browserfairy/internal/metrics"
	"github.com/dev-console/browserfairy/internal/protocol"
	"github.com/dev-console/browserfairy/internal/ratelimit"
	"github.com/dev-console/browserfairy/internal/registry"
	"github.com/dev-console/browserfairy/internal/session"
	"github.com/dev-console/browserfairy/internal/sourcemap"
	"github.com/dev-console/browserfairy/internal/supervisor"
	"github.com/dev-console/browserfairy/internal/writer"
)

// sessionCollectors is every collector started for one attached
// session, stopped together on detach.
type sessionCollectors struct {
	sess     *session.Session
	sessTag  string
	host     string // registrable host this session is currently attributed to
	memory   *memory.Collector
	network  *network.Collector
	console  *console.Collector
	gc       *gcsampler.Collector
	longtask *longtask.Collector
	heap     *heapsampler.Collector
}

func (s *sessionCollectors) stop() {
	s.memory.Stop()
	s.network.Stop()
	s.console.Stop()
	s.gc.Stop()
	s.longtask.Stop()
	s.heap.Stop()
}

// setHost re-tags every per-session collector with host, called on
// navigation (spec.md §4.2) so subsequent records carry the new
// registrable host without restarting any subscription.
func (s *sessionCollectors) setHost(host string) {
	s.host = host
	s.memory.SetHost(host)
	s.network.SetHost(host)
	s.console.SetHost(host)
	s.gc.SetHost(host)
	s.longtask.SetHost(host)
	s.heap.SetHost(host)
}

// Engine owns every live component for one run.
type Engine struct {
	cfg      config.Config
	launcher launcher.Launcher
	resolver sourcemap.Resolver
	logger   *slog.Logger

	client     *protocol.Client
	writerMgr  *writer.Manager
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	sem        chan struct{}
	limiters   *ratelimit.Registry

	mu           sync.Mutex
	hosts        map[string]*correlator.Host
	hostStore    map[string]*storage.Collector // one quota/DOM-storage collector per host
	hostSessions map[string]int                // registrable host -> count of sessions currently attributed to it
	sessions     map[string]*sessionCollectors // targetID -> its collectors
}

// Option configures an Engine.
type Option func(*Engine)

// WithLauncher overrides the default Fixed-endpoint launcher.
func WithLauncher(l launcher.Launcher) Option { return func(e *Engine) { e.launcher = l } }

// WithSourceMapResolver overrides the default no-op resolver.
func WithSourceMapResolver(r sourcemap.Resolver) Option { return func(e *Engine) { e.resolver = r } }

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option { return func(e *Engine) { e.logger = logger } }

// New creates an Engine from cfg (already defaulted via WithDefaults).
func New(cfg config.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:          cfg,
		launcher:     launcher.Fixed{Endpoint: cfg.DebugEndpoint, Handle: launcher.NeverExits{}},
		resolver:     sourcemap.None{},
		logger:       slog.Default(),
		hosts:        make(map[string]*correlator.Host),
		hostStore:    make(map[string]*storage.Collector),
		hostSessions: make(map[string]int),
		sessions:     make(map[string]*sessionCollectors),
		sem:          make(chan struct{}, cfg.MemorySemaphore),
		limiters:     ratelimit.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run launches the browser (or locates it, per the Launcher
// collaborator), connects, discovers targets, and monitors until ctx
// is canceled or the browser process exits, then shuts down within
// the configured grace period (spec.md §5).
func (e *Engine) Run(ctx context.Context) error {
	endpoint, handle, err := e.launcher.Launch(ctx)
	if err != nil {
		return err
	}

	resolve := func(ctx context.Context) (string, error) { return endpoint, nil }
	client, err := protocol.Connect(ctx, resolve, e.logger)
	if err != nil {
		return err
	}
	e.client = client
	defer client.Close()

	mgr, err := writer.NewManager(expandHome(e.cfg.DataRoot), writer.Options{
		QueueSize: e.cfg.WriterQueueSize,
		MaxSize:   e.cfg.WriterMaxSize,
		MaxAge:    e.cfg.WriterMaxAge,
	})
	if err != nil {
		return err
	}
	e.writerMgr = mgr

	e.supervisor = supervisor.New(client, e.logger,
		supervisor.WithMaxSessions(e.cfg.MaxSessions),
		supervisor.OnAttach(e.onAttach),
		supervisor.OnDetach(e.onDetach),
	)

	e.registry = registry.New(client, e.logger,
		registry.OnAppear(e.onAppear),
		registry.OnNavigate(e.onNavigate),
		registry.OnDisappear(e.onDisappear),
	)
	if err := e.registry.Start(ctx); err != nil {
		return err
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- handle.WaitExit(ctx) }()

	select {
	case <-ctx.Done():
	case <-exitCh:
	}

	return e.shutdown()
}

// shutdown tears down every component within the configured grace
// period; anything still in flight past the deadline is abandoned
// with its drop counters intact (spec.md §5).
func (e *Engine) shutdown() error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.registry.Stop()
		e.supervisor.TeardownAll()
		_ = e.writerMgr.CloseAll()
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("engine: shutdown grace period exceeded, abandoning in-flight work")
	}
	return nil
}

// expandHome resolves a leading "~" against the user's home
// directory; DataRoot's documented default is "~/BrowserFairyData".
func expandHome(path string) string {
	if path == "~" {
		path = "~/"
	}
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func (e *Engine) onAppear(t registry.Target) {
	ctx := context.Background()
	raw, err := e.client.Call(ctx, "Target.attachToTarget", map[string]any{
		"targetId": t.ID,
		"flatten":  true,
	}, "")
	if err != nil {
		e.logger.Warn("engine: attach failed", "target", t.ID, "err", err)
		return
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.SessionID == "" {
		e.logger.Warn("engine: attach response malformed", "target", t.ID, "err", err)
		return
	}
	e.supervisor.Attach(ctx, result.SessionID, t.ID)
}

// onNavigate re-tags a session's collectors with its new registrable
// host (spec.md §4.2: "subsequent records are tagged with the new
// host"). The shared per-host storage.Collector is only migrated to
// newHost when t's session was the sole session still attributed to
// oldHost; otherwise oldHost's quota poll keeps running for whatever
// sessions remain on it, and newHost gets its own (existing or freshly
// started) collector.
func (e *Engine) onNavigate(t registry.Target, oldHost, newHost string) {
	e.mu.Lock()
	sc, ok := e.sessions[t.ID]
	if !ok {
		e.mu.Unlock()
		return
	}

	if e.hostSessions[oldHost] > 0 {
		e.hostSessions[oldHost]--
	}
	oldHostEmpty := e.hostSessions[oldHost] == 0
	e.hostSessions[newHost]++

	var toStop *storage.Collector
	oldStore, hadOldStore := e.hostStore[oldHost]
	if hadOldStore && oldHostEmpty {
		delete(e.hostStore, oldHost)
		if _, newExists := e.hostStore[newHost]; newExists {
			// newHost already has its own poller; the one that was
			// serving oldHost has no sessions left to serve.
			toStop = oldStore
		} else {
			e.hostStore[newHost] = oldStore
			oldStore.SetHost(newHost)
		}
	}
	e.mu.Unlock()

	if toStop != nil {
		toStop.Stop()
	}
	e.ensureHostStorage(sc.sess, newHost)

	sc.setHost(newHost)
	corrHost := e.correlatorHost(newHost)
	sc.memory.SetCorrHost(corrHost)
	sc.network.SetCorrHost(corrHost)
}

func (e *Engine) onDisappear(targetID string) {
	e.supervisor.Detach(targetID)
}

// onAttach starts every collector for a newly attached session.
func (e *Engine) onAttach(sess *session.Session) {
	metrics.ActiveSessions.Inc()

	targets := e.registry.Snapshot()
	host := "unknown"
	for _, t := range targets {
		if t.ID == sess.TargetID() {
			host = t.Host
			break
		}
	}

	corrHost := e.correlatorHost(host)
	e.ensureHostStorage(sess, host)

	e.mu.Lock()
	e.hostSessions[host]++
	e.mu.Unlock()

	ctx := context.Background()
	sc := &sessionCollectors{
		sess:     sess,
		sessTag:  sess.Tag(),
		host:     host,
		memory:   memory.New(sess, host, nil, nil, e.writerMgr, corrHost, e.sem, e.logger),
		network:  network.New(sess, host, e.writerMgr, corrHost, nil, e.logger),
		console:  console.New(sess, host, e.writerMgr, e.resolver, e.logger),
		gc:       gcsampler.New(sess, host, nil, e.writerMgr, e.logger),
		longtask: longtask.New(sess, host, e.writerMgr, e.logger),
		heap:     heapsampler.New(sess, host, nil, e.writerMgr, e.logger),
	}

	sc.memory.SetInterval(e.cfg.MemorySampleInterval)
	sc.memory.SetGrowthDeltaTrigger(e.cfg.ListenerGrowthDeltaTrigger)
	sc.heap.SetCycle(e.cfg.HeapSamplingInterval)
	sc.heap.SetSamplingIntervalBytes(e.cfg.HeapSamplingBytes)
	sc.longtask.SetCallTimeout(e.cfg.CallTimeout)
	sc.network.SetLimiter(e.limiters.Get(sc.sessTag, "network", e.cfg.NetworkRateLimitPerSecond))
	sc.console.SetLimiter(e.limiters.Get(sc.sessTag, "console", e.cfg.ConsoleRateLimitPerSecond))

	sc.memory.Start(ctx)
	sc.network.Start()
	sc.console.Start()
	sc.gc.Start(ctx)
	sc.longtask.Start()
	sc.heap.Start(ctx)

	e.mu.Lock()
	e.sessions[sess.TargetID()] = sc
	e.mu.Unlock()
}

// onDetach stops every collector for a detached session.
func (e *Engine) onDetach(targetID string) {
	metrics.ActiveSessions.Dec()
	e.mu.Lock()
	sc, ok := e.sessions[targetID]
	delete(e.sessions, targetID)
	if ok {
		if e.hostSessions[sc.host] > 0 {
			e.hostSessions[sc.host]--
		}
	}
	e.mu.Unlock()
	if ok {
		sc.stop()
		e.limiters.Remove(sc.sessTag)
	}
}

func (e *Engine) correlatorHost(host string) *correlator.Host {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hosts[host]
	if !ok {
		h = correlator.NewHost(host)
		e.hosts[host] = h
	}
	return h
}

// ensureHostStorage starts the shared per-host quota poll once, the
// first time any session for that host attaches.
func (e *Engine) ensureHostStorage(sess *session.Session, host string) {
	e.mu.Lock()
	_, exists := e.hostStore[host]
	if !exists {
		sc := storage.New(sess, host, nil, e.writerMgr, e.logger)
		sc.SetPollInterval(e.cfg.StorageQuotaPollInterval)
		sc.SetValueTruncateLen(e.cfg.StorageValueTruncateLen)
		e.hostStore[host] = sc
	}
	sc := e.hostStore[host]
	e.mu.Unlock()
	if !exists {
		sc.Start(context.Background())
	}
}
