// Package console implements the per-session console/exception
// observer, with optional source-map frame enrichment (spec.md §4.6).
package console

import (
	"encoding/json"
	"log/slog"

	"github.com/dev-console/browserfairy/internal/collector/hostbox"
	"github.com/dev-console/browserfairy/internal/protocol"
	"github.com/dev-console/browserfairy/internal/ratelimit"
	"github.com/dev-console/browserfairy/internal/record"
	"github.com/dev-console/browserfairy/internal/session"
	"github.com/dev-console/browserfairy/internal/sourcemap"
	"github.com/dev-console/browserfairy/internal/writer"
)

// RateLimitPerSecond is the console observer's token bucket.
const RateLimitPerSecond = 10

// Source is one stack frame's originating script location.
type Source struct {
	URL    string `json:"url"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Frame is one call-stack entry, optionally enriched with its
// source-mapped Original location.
type Frame struct {
	FunctionName string           `json:"functionName"`
	URL          string           `json:"url"`
	Line         int              `json:"line"`
	Column       int              `json:"column"`
	Original     *sourcemap.Frame `json:"original,omitempty"`
}

// Collector is one session's console/exception observer. sess is
// retained only so Start can subscribe; every handler works off the
// plain targetID/sessionTag strings instead, so tests can call the
// handlers directly without a live session.
type Collector struct {
	sess       *session.Session
	targetID   string
	sessionTag string
	host       *hostbox.Box
	manager    *writer.Manager
	limiter    *ratelimit.Limiter
	resolver   sourcemap.Resolver
	logger     *slog.Logger

	unsubscribers []func()
}

// New creates a console Collector bound to sess, writing into host's
// `console` stream. resolver defaults to sourcemap.None{} when nil.
func New(sess *session.Session, host string, manager *writer.Manager, resolver sourcemap.Resolver, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = sourcemap.None{}
	}
	var targetID, sessionTag string
	if sess != nil {
		targetID, sessionTag = sess.TargetID(), sess.Tag()
	}
	return &Collector{
		targetID:   targetID,
		sessionTag: sessionTag,
		host:       hostbox.New(host),
		manager:    manager,
		limiter:    ratelimit.New(RateLimitPerSecond),
		resolver:   resolver,
		logger:     logger,
		sess:       sess,
	}
}

// SetHost updates the host records are tagged with, called by the
// engine when the session's target navigates to a new registrable
// host (spec.md §4.2).
func (c *Collector) SetHost(host string) { c.host.Set(host) }

// SetLimiter overrides the rate limiter gating console/exception
// records, e.g. one handed out by a shared ratelimit.Registry keyed by
// session (config.Config.ConsoleRateLimitPerSecond). Must be called
// before Start.
func (c *Collector) SetLimiter(l *ratelimit.Limiter) { c.limiter = l }

// Start subscribes to console API calls and uncaught exceptions.
func (c *Collector) Start() {
	subs := []struct {
		name    string
		handler func(protocol.Event)
	}{
		{"Runtime.consoleAPICalled", c.onConsoleAPICalled},
		{"Runtime.exceptionThrown", c.onExceptionThrown},
	}
	for _, s := range subs {
		ch, cancel := c.sess.Subscribe(s.name)
		c.unsubscribers = append(c.unsubscribers, cancel)
		go c.consume(ch, s.handler)
	}
}

// Stop releases every subscription this Collector opened.
func (c *Collector) Stop() {
	unsubs := c.unsubscribers
	c.unsubscribers = nil
	for _, u := range unsubs {
		u()
	}
}

func (c *Collector) consume(ch <-chan protocol.Event, handler func(protocol.Event)) {
	for ev := range ch {
		handler(ev)
	}
}

func (c *Collector) onConsoleAPICalled(ev protocol.Event) {
	var p struct {
		Type string `json:"type"`
		Args []struct {
			Value       any    `json:"value"`
			Description string `json:"description"`
		} `json:"args"`
		StackTrace struct {
			CallFrames []struct {
				FunctionName string `json:"functionName"`
				URL          string `json:"url"`
				LineNumber   int    `json:"lineNumber"`
				ColumnNumber int    `json:"columnNumber"`
			} `json:"callFrames"`
		} `json:"stackTrace"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	if p.Type != "error" && p.Type != "warning" && p.Type != "log" && p.Type != "info" && p.Type != "debug" {
		return
	}

	message := ""
	if len(p.Args) > 0 {
		if p.Args[0].Value != nil {
			if s, ok := p.Args[0].Value.(string); ok {
				message = s
			}
		}
		if message == "" {
			message = p.Args[0].Description
		}
	}

	var srcURL string
	var srcLine, srcCol int
	if len(p.StackTrace.CallFrames) > 0 {
		top := p.StackTrace.CallFrames[0]
		srcURL, srcLine, srcCol = top.URL, top.LineNumber, top.ColumnNumber
	}

	if !c.limiter.Allow() {
		return
	}
	rec, err := record.New("console", c.host.Get(), map[string]any{
		"targetId": c.targetID,
		"level":    p.Type,
		"message":  message,
		"source": map[string]any{
			"url":    srcURL,
			"line":   srcLine,
			"column": srcCol,
		},
	})
	if err != nil {
		c.logger.Error("console: build record", "err", err)
		return
	}
	c.emit(rec)
}

func (c *Collector) onExceptionThrown(ev protocol.Event) {
	var p struct {
		ExceptionDetails struct {
			Text       string `json:"text"`
			URL        string `json:"url"`
			LineNumber int    `json:"lineNumber"`
			ColumnNumber int  `json:"columnNumber"`
			Exception  struct {
				Description string `json:"description"`
			} `json:"exception"`
			StackTrace struct {
				CallFrames []struct {
					FunctionName string `json:"functionName"`
					URL          string `json:"url"`
					LineNumber   int    `json:"lineNumber"`
					ColumnNumber int    `json:"columnNumber"`
				} `json:"callFrames"`
			} `json:"stackTrace"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}

	message := p.ExceptionDetails.Text
	if p.ExceptionDetails.Exception.Description != "" {
		message = p.ExceptionDetails.Exception.Description
	}

	frames := make([]Frame, 0, len(p.ExceptionDetails.StackTrace.CallFrames))
	for _, f := range p.ExceptionDetails.StackTrace.CallFrames {
		frame := Frame{FunctionName: f.FunctionName, URL: f.URL, Line: f.LineNumber, Column: f.ColumnNumber}
		if resolved, ok := c.resolver.Resolve(f.URL, f.LineNumber, f.ColumnNumber); ok {
			frame.Original = &resolved
		}
		frames = append(frames, frame)
	}

	if !c.limiter.Allow() {
		return
	}
	rec, err := record.New("exception", c.host.Get(), map[string]any{
		"targetId": c.targetID,
		"message":  message,
		"source": map[string]any{
			"url":    p.ExceptionDetails.URL,
			"line":   p.ExceptionDetails.LineNumber,
			"column": p.ExceptionDetails.ColumnNumber,
		},
		"stack": frames,
	})
	if err != nil {
		c.logger.Error("console: build exception record", "err", err)
		return
	}
	c.emit(rec)
}

func (c *Collector) emit(rec record.Record) {
	data, err := rec.MarshalJSON()
	if err != nil {
		c.logger.Error("console: marshal record", "err", err)
		return
	}
	if err := c.manager.Enqueue(c.host.Get(), "console", data); err != nil {
		c.logger.Error("console: enqueue record", "err", err)
	}
}
