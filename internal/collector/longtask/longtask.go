// Package longtask surfaces the browser's long-task performance
// observer as `longtask` records (spec.md §4.7). The 50 ms threshold
// is enforced server-side by the browser; this collector just relays.
package longtask

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dev-console/browserfairy/internal/collector/hostbox"
	"github.com/dev-console/browserfairy/internal/protocol"
	"github.com/dev-console/browserfairy/internal/record"
	"github.com/dev-console/browserfairy/internal/session"
	"github.com/dev-console/browserfairy/internal/writer"
)

// longtaskBindingName is the exposed binding the page-injected
// PerformanceObserver relays long-task entries through.
const longtaskBindingName = "__browserfairyLongtask"

// longtaskObserverScript installs a PerformanceObserver for the
// "longtask" entry type and relays each entry to longtaskBindingName
// as a JSON string, matching the shape onBindingCalled expects.
const longtaskObserverScript = `(() => {
  try {
    new PerformanceObserver((list) => {
      for (const entry of list.getEntries()) {
        window.` + longtaskBindingName + `(JSON.stringify({
          durationMs: entry.duration,
          startTimeMs: entry.startTime,
          attribution: (entry.attribution || []).map((a) => a.name || a.containerType || "unknown"),
        }));
      }
    }).observe({ entryTypes: ["longtask"] });
  } catch (e) {}
})();`

// Collector is one session's long-task relay.
type Collector struct {
	sess     *session.Session
	targetID string
	host     *hostbox.Box
	manager  *writer.Manager
	logger   *slog.Logger
	callTimeout time.Duration

	unsubscribers []func()
}

// New creates a longtask Collector bound to sess.
func New(sess *session.Session, host string, manager *writer.Manager, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	var targetID string
	if sess != nil {
		targetID = sess.TargetID()
	}
	return &Collector{sess: sess, targetID: targetID, host: hostbox.New(host), manager: manager, logger: logger}
}

// SetHost updates the host records are tagged with, called by the
// engine on navigation (spec.md §4.2).
func (c *Collector) SetHost(host string) { c.host.Set(host) }

// SetCallTimeout bounds the one-shot install calls Start issues
// (config.Config.CallTimeout). Zero means no timeout.
func (c *Collector) SetCallTimeout(d time.Duration) { c.callTimeout = d }

// Start installs the long-task relay (exposing longtaskBindingName and
// injecting the observer script for the current document and every
// future one on this target) and subscribes to the binding's callback
// event. Install failures are logged and non-fatal, matching every
// other collector's tolerance of a missing/unavailable domain
// (spec.md §7 DomainUnavailable) — without it, this collector simply
// never receives entries.
func (c *Collector) Start() {
	ctx := context.Background()
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	if _, err := c.sess.Call(ctx, "Runtime.addBinding", map[string]any{"name": longtaskBindingName}); err != nil {
		c.logger.Warn("longtask: addBinding failed", "target", c.targetID, "err", err)
	}
	if _, err := c.sess.Call(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": longtaskObserverScript}); err != nil {
		c.logger.Warn("longtask: inject observer for future documents failed", "target", c.targetID, "err", err)
	}
	if _, err := c.sess.Call(ctx, "Runtime.evaluate", map[string]any{"expression": longtaskObserverScript}); err != nil {
		c.logger.Warn("longtask: inject observer for current document failed", "target", c.targetID, "err", err)
	}

	ch, cancel := c.sess.Subscribe("Runtime.bindingCalled")
	c.unsubscribers = append(c.unsubscribers, cancel)
	go c.consume(ch)
}

// Stop releases the subscription.
func (c *Collector) Stop() {
	for _, u := range c.unsubscribers {
		u()
	}
	c.unsubscribers = nil
}

func (c *Collector) consume(ch <-chan protocol.Event) {
	for ev := range ch {
		c.onBindingCalled(ev)
	}
}

func (c *Collector) onBindingCalled(ev protocol.Event) {
	var p struct {
		Name    string `json:"name"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	if p.Name != longtaskBindingName {
		return
	}

	var entry struct {
		DurationMS float64  `json:"durationMs"`
		StartTimeMS float64 `json:"startTimeMs"`
		Attribution []string `json:"attribution"`
	}
	if err := json.Unmarshal([]byte(p.Payload), &entry); err != nil {
		c.logger.Warn("longtask: malformed payload", "target", c.targetID, "err", err)
		return
	}

	c.HandleEntry(entry.DurationMS, entry.StartTimeMS, entry.Attribution)
}

// HandleEntry builds and emits one longtask record; exported so tests
// can drive it directly without a live binding round trip.
func (c *Collector) HandleEntry(durationMS, startTimeMS float64, attribution []string) {
	rec, err := record.New("longtask", c.host.Get(), map[string]any{
		"targetId":    c.targetID,
		"durationMs":  durationMS,
		"startTimeMs": startTimeMS,
		"attribution": attribution,
	})
	if err != nil {
		c.logger.Error("longtask: build record", "err", err)
		return
	}
	c.emit(rec)
}

func (c *Collector) emit(rec record.Record) {
	data, err := rec.MarshalJSON()
	if err != nil {
		c.logger.Error("longtask: marshal record", "err", err)
		return
	}
	if err := c.manager.Enqueue(c.host.Get(), "longtask", data); err != nil {
		c.logger.Error("longtask: enqueue record", "err", err)
	}
}
