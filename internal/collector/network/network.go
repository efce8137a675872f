// Package network implements the per-session network observer:
// request lifecycle tracking, call-stack enrichment triggers, and the
// WebSocket sub-stream, all rate-limited at 50 tokens/s (spec.md §4.5).
package network

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dev-console/browserfairy/internal/collector/hostbox"
	"github.com/dev-console/browserfairy/internal/correlator"
	"github.com/dev-console/browserfairy/internal/protocol"
	"github.com/dev-console/browserfairy/internal/ratelimit"
	"github.com/dev-console/browserfairy/internal/record"
	"github.com/dev-console/browserfairy/internal/session"
	"github.com/dev-console/browserfairy/internal/writer"
)

const (
	// RateLimitPerSecond is the network observer's token bucket.
	RateLimitPerSecond = 50

	largeUploadBytes   = 100 * 1024
	largeDownloadBytes = 100 * 1024
	highFrequencyThreshold = 10
	repeatedResourceThreshold = 3
	repeatedResourceMinSize   = 10 * 1024

	maxSyncFrames  = 30
	maxAsyncFrames = 15

	wsPayloadTruncateBytes = 1024
)

// Frame is one call-stack entry attached when a record is enriched.
type Frame struct {
	FunctionName string `json:"functionName"`
	ScriptURL    string `json:"scriptUrl"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
}

// requestRow is the in-memory state kept per requestId while a
// request is in flight (spec.md §4.5).
type requestRow struct {
	initiator    string
	method       string
	url          string
	startedAt    time.Time
	postBodySize int64
	status       int
	responseSize int64
}

type wsConnState struct {
	connectedAt time.Time
	frameCount  int
	lastSecond  int64
	framesThisSecond int
	framesPerSecond  int
}

// StackCollector fetches the current JS call stack; real
// implementations issue a round trip over the session, skipped if the
// session is closing (spec.md §4.5).
type StackCollector interface {
	CollectStack() (sync []Frame, async []Frame, ok bool)
}

// Collector is one session's network observer.
type Collector struct {
	sess    *session.Session
	host    *hostbox.Box
	manager *writer.Manager
	limiter *ratelimit.Limiter
	corrHost *correlator.Host
	stacks  StackCollector
	logger  *slog.Logger

	mu          sync.Mutex
	requests    map[string]*requestRow
	endpointSeen map[string]int // method + " " + url-without-query
	resourceSeen map[string]int // exact URL, only counted when single-size > threshold
	wsConns      map[string]*wsConnState

	unsubscribers []func()
}

// New creates a network Collector bound to sess, writing into host's
// `network` stream.
func New(sess *session.Session, host string, manager *writer.Manager, corrHost *correlator.Host, stacks StackCollector, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		sess:         sess,
		host:         hostbox.New(host),
		manager:      manager,
		limiter:      ratelimit.New(RateLimitPerSecond),
		corrHost:     corrHost,
		stacks:       stacks,
		logger:       logger,
		requests:     make(map[string]*requestRow),
		endpointSeen: make(map[string]int),
		resourceSeen: make(map[string]int),
		wsConns:      make(map[string]*wsConnState),
	}
}

// SetHost updates the host records are tagged with, called by the
// engine on navigation (spec.md §4.2).
func (c *Collector) SetHost(host string) { c.host.Set(host) }

// SetLimiter overrides the rate limiter gating every network and
// WebSocket record this collector emits, e.g. one handed out by a shared ratelimit.Registry keyed by
// session (config.Config.NetworkRateLimitPerSecond). Must be called
// before Start.
func (c *Collector) SetLimiter(l *ratelimit.Limiter) { c.limiter = l }

// SetCorrHost points this collector's completed requests at a
// different host's correlation window, called by the engine alongside
// SetHost on navigation (spec.md §4.2, §4.9).
func (c *Collector) SetCorrHost(corrHost *correlator.Host) {
	c.mu.Lock()
	c.corrHost = corrHost
	c.mu.Unlock()
}

// Start subscribes to the session's network and WebSocket events.
func (c *Collector) Start() {
	subs := []struct {
		name    string
		handler func(protocol.Event)
	}{
		{"Network.requestWillBeSent", c.onRequestWillBeSent},
		{"Network.responseReceived", c.onResponseReceived},
		{"Network.loadingFinished", c.onLoadingFinished},
		{"Network.loadingFailed", c.onLoadingFailed},
		{"Network.webSocketCreated", c.onWebSocketCreated},
		{"Network.webSocketFrameSent", c.onWebSocketFrameSent},
		{"Network.webSocketFrameReceived", c.onWebSocketFrameReceived},
		{"Network.webSocketFrameError", c.onWebSocketFrameError},
		{"Network.webSocketClosed", c.onWebSocketClosed},
	}
	for _, s := range subs {
		ch, cancel := c.sess.Subscribe(s.name)
		c.mu.Lock()
		c.unsubscribers = append(c.unsubscribers, cancel)
		c.mu.Unlock()
		go c.consume(ch, s.handler)
	}
}

// Stop releases every subscription this Collector opened.
func (c *Collector) Stop() {
	c.mu.Lock()
	unsubs := c.unsubscribers
	c.unsubscribers = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (c *Collector) consume(ch <-chan protocol.Event, handler func(protocol.Event)) {
	for ev := range ch {
		handler(ev)
	}
}

func (c *Collector) onRequestWillBeSent(ev protocol.Event) {
	var p struct {
		RequestID string `json:"requestId"`
		Request   struct {
			URL    string `json:"url"`
			Method string `json:"method"`
			PostData string `json:"postData"`
		} `json:"request"`
		Initiator struct {
			Type string `json:"type"`
		} `json:"initiator"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}

	c.mu.Lock()
	c.requests[p.RequestID] = &requestRow{
		initiator:    p.Initiator.Type,
		method:       p.Request.Method,
		url:          p.Request.URL,
		startedAt:    time.Now(),
		postBodySize: int64(len(p.Request.PostData)),
	}
	c.mu.Unlock()

	c.emitRecord("network_request_start", map[string]any{
		"requestId": p.RequestID,
		"method":    p.Request.Method,
		"url":       p.Request.URL,
		"initiator": p.Initiator.Type,
	}, nil)
}

// onResponseReceived records the real HTTP status once the response
// headers arrive, ahead of onLoadingFinished's completion record.
func (c *Collector) onResponseReceived(ev protocol.Event) {
	var p struct {
		RequestID string `json:"requestId"`
		Response  struct {
			Status int `json:"status"`
		} `json:"response"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}

	c.mu.Lock()
	if row, ok := c.requests[p.RequestID]; ok {
		row.status = p.Response.Status
	}
	c.mu.Unlock()
}

func (c *Collector) onLoadingFinished(ev protocol.Event) {
	var p struct {
		RequestID         string `json:"requestId"`
		EncodedDataLength float64 `json:"encodedDataLength"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}

	c.mu.Lock()
	row, ok := c.requests[p.RequestID]
	if ok {
		row.responseSize = int64(p.EncodedDataLength)
	}
	delete(c.requests, p.RequestID)
	c.mu.Unlock()
	if !ok {
		return
	}

	trigger := c.classify(row)
	var syncFrames, asyncFrames []Frame
	if trigger != "" && c.stacks != nil {
		if s, a, collected := c.stacks.CollectStack(); collected {
			syncFrames, asyncFrames = truncateFrames(s, maxSyncFrames), truncateFrames(a, maxAsyncFrames)
		}
	}

	fields := map[string]any{
		"requestId": p.RequestID,
		"status":    row.status,
		"url":       row.url,
		"size":      row.responseSize,
	}
	if trigger != "" {
		fields["detailedStack"] = map[string]any{
			"reason":      trigger,
			"frames":      syncFrames,
			"asyncFrames": asyncFrames,
		}
	}
	c.emitRecord("network_request_complete", fields, nil)

	c.mu.Lock()
	corrHost := c.corrHost
	c.mu.Unlock()
	if corrHost != nil {
		if corrRec := corrHost.ObserveNetworkComplete(time.Now(), row.responseSize, map[string]any{
			"requestId": p.RequestID,
			"url":       row.url,
		}); corrRec != nil {
			c.emitCorrelation(*corrRec)
		}
	}
}

func (c *Collector) onLoadingFailed(ev protocol.Event) {
	var p struct {
		RequestID string `json:"requestId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}

	c.mu.Lock()
	row, ok := c.requests[p.RequestID]
	delete(c.requests, p.RequestID)
	c.mu.Unlock()

	url := ""
	if ok {
		url = row.url
	}
	c.emitRecord("network_request_failed", map[string]any{
		"requestId": p.RequestID,
		"url":       url,
		"errorText": p.ErrorText,
	}, nil)
}

// classify determines which, if any, call-stack-enrichment trigger
// fires for row, recording its reason string, and updates the
// session-lifetime endpoint/resource frequency counters it depends on
// (spec.md §4.5).
func (c *Collector) classify(row *requestRow) string {
	if row.postBodySize > largeUploadBytes {
		return "large_upload"
	}
	if row.responseSize > largeDownloadBytes {
		return "large_download"
	}

	endpointKey := row.method + " " + stripQuery(row.url)
	c.mu.Lock()
	c.endpointSeen[endpointKey]++
	count := c.endpointSeen[endpointKey]
	c.mu.Unlock()
	if count > highFrequencyThreshold {
		return "high_frequency_api_" + itoa(count)
	}

	if row.responseSize > repeatedResourceMinSize {
		c.mu.Lock()
		c.resourceSeen[row.url]++
		rc := c.resourceSeen[row.url]
		c.mu.Unlock()
		if rc > repeatedResourceThreshold {
			return "repeated_resource_" + itoa(rc)
		}
	}
	return ""
}

func (c *Collector) emitRecord(typ string, fields map[string]any, _ any) {
	if !c.limiter.Allow() {
		return
	}
	rec, err := record.New(typ, c.host.Get(), fields)
	if err != nil {
		c.logger.Error("network: build record", "err", err)
		return
	}
	c.emit(rec)
}

func (c *Collector) emitCorrelation(rec record.Record) {
	data, err := rec.MarshalJSON()
	if err != nil {
		return
	}
	_ = c.manager.Enqueue(c.host.Get(), "correlations", data)
}

func (c *Collector) emit(rec record.Record) {
	data, err := rec.MarshalJSON()
	if err != nil {
		c.logger.Error("network: marshal record", "err", err)
		return
	}
	if err := c.manager.Enqueue(c.host.Get(), "network", data); err != nil {
		c.logger.Error("network: enqueue record", "err", err)
	}
}

// --- WebSocket sub-stream ---

func (c *Collector) onWebSocketCreated(ev protocol.Event) {
	var p struct {
		RequestID string `json:"requestId"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	c.mu.Lock()
	c.wsConns[p.RequestID] = &wsConnState{connectedAt: time.Now()}
	c.mu.Unlock()
	c.emitRecord("ws_connect", map[string]any{"requestId": p.RequestID, "url": p.URL}, nil)
}

func (c *Collector) onWebSocketFrameSent(ev protocol.Event) {
	c.onWebSocketFrame(ev, "ws_frame_sent")
}

func (c *Collector) onWebSocketFrameReceived(ev protocol.Event) {
	c.onWebSocketFrame(ev, "ws_frame_received")
}

func (c *Collector) onWebSocketFrame(ev protocol.Event, typ string) {
	var p struct {
		RequestID string `json:"requestId"`
		Response  struct {
			Opcode  int    `json:"opcode"`
			Payload string `json:"payloadData"`
		} `json:"response"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}

	c.mu.Lock()
	state, ok := c.wsConns[p.RequestID]
	var fps, age int
	if ok {
		nowSec := time.Now().Unix()
		if nowSec != state.lastSecond {
			state.framesPerSecond = state.framesThisSecond
			state.framesThisSecond = 0
			state.lastSecond = nowSec
		}
		state.framesThisSecond++
		state.frameCount++
		fps = state.framesPerSecond
		age = int(time.Since(state.connectedAt).Seconds())
	}
	c.mu.Unlock()

	binary := p.Response.Opcode == 2
	fields := map[string]any{
		"requestId":      p.RequestID,
		"framesPerSecond": fps,
		"connectionAgeSeconds": age,
	}
	if binary {
		fields["payloadLength"] = len(p.Response.Payload)
		fields["payloadType"] = "binary"
	} else {
		fields["payload"] = truncateString(p.Response.Payload, wsPayloadTruncateBytes)
		fields["payloadType"] = "text"
	}
	c.emitRecord(typ, fields, nil)
}

func (c *Collector) onWebSocketFrameError(ev protocol.Event) {
	var p struct {
		RequestID    string `json:"requestId"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	c.emitRecord("ws_frame_error", map[string]any{"requestId": p.RequestID, "error": p.ErrorMessage}, nil)
}

func (c *Collector) onWebSocketClosed(ev protocol.Event) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	c.mu.Lock()
	delete(c.wsConns, p.RequestID)
	c.mu.Unlock()
	c.emitRecord("ws_close", map[string]any{"requestId": p.RequestID}, nil)
}

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

func truncateFrames(frames []Frame, max int) []Frame {
	if len(frames) > max {
		return frames[:max]
	}
	return frames
}

func truncateString(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
