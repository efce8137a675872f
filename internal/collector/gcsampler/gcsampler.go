// Package gcsampler derives heuristic garbage-collection events from
// heap-usage step changes and corroborating engine log messages
// (spec.md §4.7). It is explicitly non-authoritative: the browser
// exposes no direct GC-event trace over the protocol.
package gcsampler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dev-console/browserfairy/internal/collector/hostbox"
	"github.com/dev-console/browserfairy/internal/protocol"
	"github.com/dev-console/browserfairy/internal/record"
	"github.com/dev-console/browserfairy/internal/session"
	"github.com/dev-console/browserfairy/internal/writer"
)

const (
	// DefaultSampleInterval is the heap-usage polling cadence.
	DefaultSampleInterval = 2 * time.Second

	// majorDeltaFraction and majorMinHeapBytes are the Open Question
	// decision recorded in DESIGN.md: a drop is classified "major" when
	// it is a negative delta exceeding 10% of the pre-collection heap
	// size, and that heap size itself exceeds 4 MiB; otherwise "minor".
	majorDeltaFraction = 0.10
	majorMinHeapBytes  = 4 * 1024 * 1024
)

// HeapReader reads the current used JS heap size.
type HeapReader interface {
	ReadHeapUsed(ctx context.Context) (int64, error)
}

// Collector is one session's GC sampler.
type Collector struct {
	sess     *session.Session
	targetID string
	host     *hostbox.Box
	reader   HeapReader
	manager  *writer.Manager
	logger   *slog.Logger
	interval time.Duration

	prevHeap int64
	haveHeap bool

	logMu       sync.Mutex
	lastLogHint string

	cancel context.CancelFunc
	done   chan struct{}

	unsubscribers []func()
}

// New creates a gcsampler Collector. reader defaults to a
// protocol-backed implementation if nil.
func New(sess *session.Session, host string, reader HeapReader, manager *writer.Manager, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if reader == nil {
		reader = protocolHeapReader{sess: sess}
	}
	var targetID string
	if sess != nil {
		targetID = sess.TargetID()
	}
	return &Collector{
		sess:     sess,
		targetID: targetID,
		host:     hostbox.New(host),
		reader:   reader,
		manager:  manager,
		logger:   logger,
		interval: DefaultSampleInterval,
	}
}

// SetHost updates the host records are tagged with, called by the
// engine on navigation (spec.md §4.2).
func (c *Collector) SetHost(host string) { c.host.Set(host) }

// Start launches the polling loop and, if a live session is attached,
// subscribes to engine log entries for corroborating GC hints.
func (c *Collector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if c.sess != nil {
		ch, unsub := c.sess.Subscribe("Log.entryAdded")
		c.unsubscribers = append(c.unsubscribers, unsub)
		go c.consumeLog(ch)
	}

	go c.run(ctx)
}

// Stop cancels the polling loop, releases subscriptions, and waits for
// the loop to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	for _, u := range c.unsubscribers {
		u()
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *Collector) consumeLog(ch <-chan protocol.Event) {
	for ev := range ch {
		var p struct {
			Entry struct {
				Text string `json:"text"`
			} `json:"entry"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			continue
		}
		lower := strings.ToLower(p.Entry.Text)
		c.logMu.Lock()
		if strings.Contains(lower, "major gc") {
			c.lastLogHint = "major"
		} else if strings.Contains(lower, "minor gc") || strings.Contains(lower, "scavenge") {
			c.lastLogHint = "minor"
		}
		c.logMu.Unlock()
	}
}

func (c *Collector) takeLogHint() string {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	hint := c.lastLogHint
	c.lastLogHint = ""
	return hint
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
	heap, err := c.reader.ReadHeapUsed(ctx)
	if err != nil {
		c.logger.Warn("gcsampler: read skipped", "target", c.targetID, "err", err)
		return
	}

	if !c.haveHeap {
		c.prevHeap = heap
		c.haveHeap = true
		return
	}
	before := c.prevHeap
	delta := heap - before
	c.prevHeap = heap
	if delta >= 0 {
		return // only a drop in usage is evidence of a collection
	}

	kind := classify(before, delta)
	if hint := c.takeLogHint(); hint != "" {
		kind = hint
	}

	rec, err := record.New("gc", c.host.Get(), map[string]any{
		"targetId":  c.targetID,
		"heapBefore": before,
		"heapAfter": heap,
		"delta":     delta,
		"kind":      kind,
	})
	if err != nil {
		c.logger.Error("gcsampler: build record", "err", err)
		return
	}
	c.emit(rec)
}

// classify applies the Open Question decision: a negative delta more
// than 10% of a heap larger than 4 MiB is "major"; everything else
// that still registers as a drop is "minor".
func classify(before, delta int64) string {
	if before > majorMinHeapBytes && float64(-delta) > majorDeltaFraction*float64(before) {
		return "major"
	}
	return "minor"
}

func (c *Collector) emit(rec record.Record) {
	data, err := rec.MarshalJSON()
	if err != nil {
		c.logger.Error("gcsampler: marshal record", "err", err)
		return
	}
	if err := c.manager.Enqueue(c.host.Get(), "gc", data); err != nil {
		c.logger.Error("gcsampler: enqueue record", "err", err)
	}
}

// protocolHeapReader is the default HeapReader, issuing one
// Runtime.evaluate round trip per tick.
type protocolHeapReader struct {
	sess *session.Session
}

func (p protocolHeapReader) ReadHeapUsed(ctx context.Context) (int64, error) {
	raw, err := p.sess.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    "performance.memory ? performance.memory.usedJSHeapSize : 0",
		"returnByValue": true,
	})
	if err != nil {
		return 0, err
	}
	var payload struct {
		Result struct {
			Value int64 `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, err
	}
	return payload.Result.Value, nil
}
