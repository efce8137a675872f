// Package memory implements the per-session memory sampler and its
// embedded event-listener-leak analyzer (spec.md §4.4). Every
// DefaultSampleInterval it reads one Sample through its Sampler in one
// round trip, emits one `memory` record, and — when the listener count
// grows past the trigger and a DeepScanner is set — kicks off a
// bounded, asynchronous deep scan whose result is attached to the next
// sample. The default protocol-backed Sampler reads heap, DOM-node,
// document and frame counts only: it reports the listener count and
// the layout/style/script counters as 0 and the listener distribution
// as empty, so with it growthDelta stays 0.
package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dev-console/browserfairy/internal/collector/hostbox"
	"github.com/dev-console/browserfairy/internal/correlator"
	"github.com/dev-console/browserfairy/internal/record"
	"github.com/dev-console/browserfairy/internal/session"
	"github.com/dev-console/browserfairy/internal/writer"
)

const (
	// DefaultSampleInterval is the per-session sampling cadence.
	DefaultSampleInterval = 5 * time.Second
	// GrowthDeltaTrigger is the listener-count growth that kicks off a
	// deep analysis (spec.md §4.4, §8).
	GrowthDeltaTrigger = 20
	// DeepAnalysisBudget bounds how long the deep scan may run before
	// it must abort and emit only the lightweight distribution.
	DeepAnalysisBudget = 300 * time.Millisecond
	// HighSuspicionThreshold / MediumSuspicionThreshold are the
	// bound-element counts for BoundElement.Suspicion "high"/"medium",
	// and MaxScannedNodes is a node bound for a deep scan's walk. This
	// package ships no DeepScanner and none of its code applies these
	// three values.
	HighSuspicionThreshold   = 10
	MediumSuspicionThreshold = 3
	MaxScannedNodes          = 200
)

// Sample is one round-trip read of a session's metrics, shaped to
// mirror what a single Runtime.evaluate expression plausibly returns
// in one call (spec.md §4.4: "read in one round trip where possible").
type Sample struct {
	JSHeapUsed   int64 `json:"jsHeapUsed"`
	JSHeapTotal  int64 `json:"jsHeapTotal"`
	DOMNodes     int   `json:"domNodes"`
	Listeners    int   `json:"listeners"`
	Documents    int   `json:"documents"`
	Frames       int   `json:"frames"`
	LayoutCount  int   `json:"layoutCount"`
	LayoutDurationMS  float64 `json:"layoutDurationMs"`
	StyleRecalcCount  int     `json:"styleRecalcCount"`
	StyleRecalcDurationMS float64 `json:"styleRecalcDurationMs"`
	ScriptDurationMS  float64 `json:"scriptDurationMs"`
}

// ListenerBucket is one (hostObject, eventKind) entry in the
// lightweight listener distribution estimate, always emitted.
type ListenerBucket struct {
	HostObject string `json:"hostObject"`
	EventKind  string `json:"eventKind"`
	Count      int    `json:"count"`
}

// BoundElement is one function-to-elements aggregation from the deep
// scan, surfaced only when suspicious.
type BoundElement struct {
	ScriptURL  string `json:"scriptUrl"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
	Name       string `json:"name"`
	ElementCount int  `json:"elementCount"`
	Suspicion  string `json:"suspicion"` // "high" | "medium"
}

// Sampler reads Sample, []ListenerBucket, and (bounded) a DOM node
// count each tick; tests substitute a fake Sampler for the protocol
// round trip.
type Sampler interface {
	Sample(ctx context.Context) (Sample, []ListenerBucket, error)
}

// DeepScanner performs the bounded listener-source deep scan.
// Collector treats any error or timeout as "nothing found". This
// package ships no implementation, and the engine passes a nil
// scanner, so no deep scan runs there.
type DeepScanner interface {
	Scan(ctx context.Context, budget time.Duration) ([]BoundElement, error)
}

// Collector is one session's memory sampler + listener-leak analyzer.
type Collector struct {
	targetID  string
	sessionTag string
	host     *hostbox.Box
	sampler  Sampler
	scanner  DeepScanner
	manager  *writer.Manager
	corrHost *correlator.Host
	sem      chan struct{} // process-wide sampling semaphore
	logger   *slog.Logger
	interval time.Duration

	growthDeltaTrigger int

	mu           sync.Mutex
	prevListeners int
	prevHeap      int64
	haveSample    bool
	pendingDeep   []BoundElement
	deepRunning   atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a memory Collector. sem is the shared process-wide
// sampling semaphore (spec.md §4.4: default 8 permits), created once
// by the engine and passed to every session's Collector.
func New(sess *session.Session, host string, sampler Sampler, scanner DeepScanner, manager *writer.Manager, corrHost *correlator.Host, sem chan struct{}, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if sampler == nil {
		sampler = protocolSampler{sess: sess}
	}
	var targetID, sessionTag string
	if sess != nil {
		targetID, sessionTag = sess.TargetID(), sess.Tag()
	}
	return &Collector{
		targetID:   targetID,
		sessionTag: sessionTag,
		host:     hostbox.New(host),
		sampler:  sampler,
		scanner:  scanner,
		manager:  manager,
		corrHost: corrHost,
		sem:      sem,
		logger:   logger,
		interval: DefaultSampleInterval,
		growthDeltaTrigger: GrowthDeltaTrigger,
	}
}

// SetHost updates the host records are tagged with, called by the
// engine on navigation (spec.md §4.2).
func (c *Collector) SetHost(host string) { c.host.Set(host) }

// SetInterval overrides the sampling cadence; must be called before
// Start (config.Config.MemorySampleInterval).
func (c *Collector) SetInterval(d time.Duration) { c.interval = d }

// SetGrowthDeltaTrigger overrides the listener-growth threshold that
// kicks off a deep scan (config.Config.ListenerGrowthDeltaTrigger).
func (c *Collector) SetGrowthDeltaTrigger(n int) { c.growthDeltaTrigger = n }

// SetCorrHost points this collector's memory samples at a different
// host's correlation window, called by the engine alongside SetHost
// on navigation so a correlation record is never joined under a host
// the session has since left (spec.md §4.2, §4.9).
func (c *Collector) SetCorrHost(corrHost *correlator.Host) {
	c.mu.Lock()
	c.corrHost = corrHost
	c.mu.Unlock()
}

// Start launches the periodic sampling loop.
func (c *Collector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop cancels the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Collector) tick(ctx context.Context) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return
	}

	sample, buckets, err := c.sampler.Sample(ctx)
	if err != nil {
		c.logger.Warn("memory: sample skipped", "target", c.targetID, "err", err)
		return
	}

	c.mu.Lock()
	growthDelta := 0
	heapDelta := int64(0)
	if c.haveSample {
		growthDelta = sample.Listeners - c.prevListeners
		heapDelta = sample.JSHeapUsed - c.prevHeap
	}
	c.prevListeners = sample.Listeners
	c.prevHeap = sample.JSHeapUsed
	c.haveSample = true
	deep := c.pendingDeep
	c.pendingDeep = nil
	corrHost := c.corrHost
	c.mu.Unlock()

	fields := map[string]any{
		"targetId":            c.targetID,
		"sessionId":           c.sessionTag,
		"url":                 "",
		"jsHeapUsed":          sample.JSHeapUsed,
		"jsHeapTotal":         sample.JSHeapTotal,
		"domNodes":            sample.DOMNodes,
		"listeners":           sample.Listeners,
		"documents":           sample.Documents,
		"frames":              sample.Frames,
		"layoutCount":         sample.LayoutCount,
		"layoutDurationMs":    sample.LayoutDurationMS,
		"styleRecalcCount":    sample.StyleRecalcCount,
		"styleRecalcDurationMs": sample.StyleRecalcDurationMS,
		"scriptDurationMs":    sample.ScriptDurationMS,
		"listenerDistribution": buckets,
		"growthDelta":         growthDelta,
	}
	if deep != nil {
		fields["listenerLeakAnalysis"] = deep
	}

	rec, err := record.New("memory", c.host.Get(), fields)
	if err != nil {
		c.logger.Error("memory: build record", "err", err)
		return
	}
	c.emit(rec)

	if corrHost != nil {
		if corrRec := corrHost.ObserveMemory(time.Now(), heapDelta, map[string]any{
			"jsHeapUsed": sample.JSHeapUsed,
			"targetId":   c.targetID,
		}); corrRec != nil {
			c.emit(*corrRec)
		}
	}

	if growthDelta > c.growthDeltaTrigger && c.scanner != nil && !c.deepRunning.Load() {
		c.startDeepScan()
	}
}

func (c *Collector) emit(rec record.Record) {
	if c.manager == nil {
		return
	}
	data, err := rec.MarshalJSON()
	if err != nil {
		c.logger.Error("memory: marshal record", "err", err)
		return
	}
	stream := rec.Type
	if stream == "correlation" {
		stream = "correlations"
	} else {
		stream = "memory"
	}
	if err := c.manager.Enqueue(c.host.Get(), stream, data); err != nil {
		c.logger.Error("memory: enqueue record", "err", err)
	}
}

// startDeepScan runs the bounded listener-source scan in its own
// goroutine with its own deadline, never blocking the sample path
// (spec.md §4.4, §9).
func (c *Collector) startDeepScan() {
	c.deepRunning.Store(true)
	go func() {
		defer c.deepRunning.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), DeepAnalysisBudget)
		defer cancel()
		elements, err := c.scanner.Scan(ctx, DeepAnalysisBudget)
		if err != nil {
			c.logger.Debug("memory: deep scan aborted", "target", c.targetID, "err", err)
			return
		}
		c.mu.Lock()
		c.pendingDeep = elements
		c.mu.Unlock()
	}()
}

// protocolSampler is the default Sampler, issuing one
// Runtime.evaluate round trip per tick over the session.
type protocolSampler struct {
	sess *session.Session
}

func (p protocolSampler) Sample(ctx context.Context) (Sample, []ListenerBucket, error) {
	raw, err := p.sess.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    memorySampleExpression,
		"returnByValue": true,
	})
	if err != nil {
		return Sample{}, nil, err
	}
	var payload struct {
		Result struct {
			Value struct {
				Sample  Sample           `json:"sample"`
				Buckets []ListenerBucket `json:"buckets"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Sample{}, nil, err
	}
	return payload.Result.Value.Sample, payload.Result.Value.Buckets, nil
}

// memorySampleExpression is evaluated in-page to gather the metrics in
// one round trip (spec.md §4.4). It returns listeners and the layout/
// style/script counters as fixed zeros and buckets as an empty list.
const memorySampleExpression = `(() => {
	return {
		sample: {
			jsHeapUsed: performance.memory ? performance.memory.usedJSHeapSize : 0,
			jsHeapTotal: performance.memory ? performance.memory.totalJSHeapSize : 0,
			domNodes: document.getElementsByTagName('*').length,
			listeners: 0,
			documents: document.querySelectorAll('iframe').length + 1,
			frames: window.frames.length,
			layoutCount: 0,
			layoutDurationMs: 0,
			styleRecalcCount: 0,
			styleRecalcDurationMs: 0,
			scriptDurationMs: 0
		},
		buckets: []
	};
})()`
