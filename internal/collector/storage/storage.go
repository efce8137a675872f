// Package storage implements the per-host storage observer: a 30 s
// quota poll, DOM-storage change events, and an on-demand local/
// session storage snapshot operation (spec.md §4.8).
package storage

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

const (
	// QuotaPollInterval is the per-host quota-poll cadence.
	QuotaPollInterval = 30 * time.Second
	// DefaultValueTruncateLen bounds stored/removed DOM-storage values.
	DefaultValueTruncateLen = 2048
)

// Quota is one storage-estimate reading.
type Quota struct {
	UsageBytes int64 `json:"usageBytes"`
	QuotaBytes int64 `json:"quotaBytes"`
}

// QuotaReader reads the current storage usage/quota estimate,
// preferring the browser-level API and falling back to an evaluated
// expression internally on permission/availability errors.
type QuotaReader interface {
	ReadQuota(ctx context.Context) (Quota, error)
}

// Collector is one host's storage observer (quota poll + DOM-storage
// events). One Collector is shared across every session of a host,
// since quota is a per-origin — not per-session — property. DOM-storage
// events are subscribed on the session passed to New only and tagged
// with that session's targetID; other sessions of the same host are
// not observed for DOM-storage changes.
type Collector struct {
	sess           *session.Session
	targetID       string
	host           *hostbox.Box
	reader         QuotaReader
	manager        *writer.Manager
	logger         *slog.Logger
	pollInterval   time.Duration
	valueTruncate  int

	cancel context.CancelFunc
	done   chan struct{}

	unsubscribers []func()
}

// New creates a storage Collector. reader defaults to a
// protocol-backed implementation if nil.
func New(sess *session.Session, host string, reader QuotaReader, manager *writer.Manager, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if reader == nil {
		reader = protocolQuotaReader{sess: sess}
	}
	var targetID string
	if sess != nil {
		targetID = sess.TargetID()
	}
	return &Collector{
		sess:          sess,
		targetID:      targetID,
		host:          hostbox.New(host),
		reader:        reader,
		manager:       manager,
		logger:        logger,
		pollInterval:  QuotaPollInterval,
		valueTruncate: DefaultValueTruncateLen,
	}
}

// SetHost updates the host records are tagged with. For this shared
// per-host collector the engine only calls it when the collector's
// owning session itself navigates while still being the sole session
// for its original host (see Engine.onNavigate); a relabel never
// affects other sessions already sharing this collector's quota poll.
func (c *Collector) SetHost(host string) { c.host.Set(host) }

// SetPollInterval overrides the quota-poll cadence
// (config.Config.StorageQuotaPollInterval). Must be called before Start.
func (c *Collector) SetPollInterval(d time.Duration) { c.pollInterval = d }

// SetValueTruncateLen overrides the DOM-storage value truncation bound
// (config.Config.StorageValueTruncateLen). Must be called before Start.
func (c *Collector) SetValueTruncateLen(n int) { c.valueTruncate = n }

// Start launches the quota-poll loop and, if a live session is
// attached, subscribes to DOM-storage change events.
func (c *Collector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if c.sess != nil {
		for _, name := range []string{
			"DOMStorage.domStorageItemAdded",
			"DOMStorage.domStorageItemRemoved",
			"DOMStorage.domStorageItemUpdated",
			"DOMStorage.domStorageItemsCleared",
		} {
			ch, unsub := c.sess.Subscribe(name)
			c.unsubscribers = append(c.unsubscribers, unsub)
			go c.consume(ch)
		}
	}

	go c.run(ctx)
}

// Stop cancels the poll loop, releases subscriptions, and waits for
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

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollQuota(ctx)
		}
	}
}

func (c *Collector) pollQuota(ctx context.Context) {
	quota, err := c.reader.ReadQuota(ctx)
	if err != nil {
		c.logger.Warn("storage: quota poll skipped", "host", c.host.Get(), "err", err)
		return
	}
	rec, err := record.New("storage_quota", c.host.Get(), map[string]any{
		"usageBytes": quota.UsageBytes,
		"quotaBytes": quota.QuotaBytes,
	})
	if err != nil {
		c.logger.Error("storage: build quota record", "err", err)
		return
	}
	c.emit("storage", rec)
}

func (c *Collector) consume(ch <-chan protocol.Event) {
	for ev := range ch {
		c.onDOMStorageEvent(ev)
	}
}

func (c *Collector) onDOMStorageEvent(ev protocol.Event) {
	var p struct {
		StorageID struct {
			IsLocalStorage bool `json:"isLocalStorage"`
		} `json:"storageId"`
		Key      string `json:"key"`
		NewValue string `json:"newValue"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}

	kind := "cleared"
	switch ev.Method {
	case "DOMStorage.domStorageItemAdded":
		kind = "added"
	case "DOMStorage.domStorageItemRemoved":
		kind = "removed"
	case "DOMStorage.domStorageItemUpdated":
		kind = "updated"
	}

	area := "session"
	if p.StorageID.IsLocalStorage {
		area = "local"
	}

	rec, err := record.New("domstorage_event", c.host.Get(), map[string]any{
		"targetId": c.targetID,
		"area":     area,
		"kind":     kind,
		"key":      truncate(p.Key, c.valueTruncate),
		"value":    truncate(p.NewValue, c.valueTruncate),
	})
	if err != nil {
		c.logger.Error("storage: build domstorage_event record", "err", err)
		return
	}
	c.emit("storage", rec)
}

func (c *Collector) emit(stream string, rec record.Record) {
	data, err := rec.MarshalJSON()
	if err != nil {
		c.logger.Error("storage: marshal record", "err", err)
		return
	}
	if err := c.manager.Enqueue(c.host.Get(), stream, data); err != nil {
		c.logger.Error("storage: enqueue record", "err", err)
	}
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

// protocolQuotaReader is the default QuotaReader: it prefers
// Storage.getUsageAndQuota, falling back to a small evaluated
// navigator.storage.estimate() expression on permission/availability
// errors (spec.md §4.8).
type protocolQuotaReader struct {
	sess *session.Session
}

func (p protocolQuotaReader) ReadQuota(ctx context.Context) (Quota, error) {
	raw, err := p.sess.Call(ctx, "Storage.getUsageAndQuota", map[string]any{"origin": ""})
	if err == nil {
		var payload struct {
			Usage int64 `json:"usage"`
			Quota int64 `json:"quota"`
		}
		if jerr := json.Unmarshal(raw, &payload); jerr == nil {
			return Quota{UsageBytes: payload.Usage, QuotaBytes: payload.Quota}, nil
		}
	}

	raw, err = p.sess.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    storageEstimateExpression,
		"awaitPromise":  true,
		"returnByValue": true,
	})
	if err != nil {
		return Quota{}, err
	}
	var payload struct {
		Result struct {
			Value struct {
				Usage int64 `json:"usage"`
				Quota int64 `json:"quota"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Quota{}, err
	}
	return Quota{UsageBytes: payload.Result.Value.Usage, QuotaBytes: payload.Result.Value.Quota}, nil
}

const storageEstimateExpression = `navigator.storage.estimate().then(e => ({usage: e.usage || 0, quota: e.quota || 0}))`

// Snapshot enumerates every key in local and session storage for a
// target and builds one domstorage_snapshot record. Invoked by the
// external CLI on demand, not by the continuous engine, but built on
// the same session infrastructure (spec.md §4.8).
func Snapshot(ctx context.Context, sess *session.Session, host string) (record.Record, error) {
	raw, err := sess.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    snapshotExpression,
		"returnByValue": true,
	})
	if err != nil {
		return record.Record{}, err
	}
	var payload struct {
		Result struct {
			Value struct {
				Local   map[string]string `json:"local"`
				Session map[string]string `json:"session"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return record.Record{}, err
	}
	return record.New("domstorage_snapshot", host, map[string]any{
		"targetId": sess.TargetID(),
		"local":    payload.Result.Value.Local,
		"session":  payload.Result.Value.Session,
	})
}

const snapshotExpression = `(() => {
	const dump = storage => {
		const out = {};
		for (let i = 0; i < storage.length; i++) {
			const key = storage.key(i);
			out[key] = storage.getItem(key);
		}
		return out;
	};
	return { local: dump(window.localStorage), session: dump(window.sessionStorage) };
})()`
