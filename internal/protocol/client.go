// Package protocol implements the duplex JSON-RPC-over-websocket
// client that talks to the browser's debugging endpoint. It owns
// request/response correlation, event fan-out filtered by session
// tag, and the single-writer/single-reader discipline spec.md §4.1
// and §5 require: one goroutine serializes writes, one goroutine owns
// the read side, and no collector ever touches the socket directly.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dev-console/browserfairy/internal/metrics"
	"github.com/gorilla/websocket"
)

// Error kinds surfaced by the Protocol Client (spec.md §7).
var (
	ErrUnreachable     = errors.New("protocol: endpoint unreachable")
	ErrHandshakeFailed = errors.New("protocol: handshake failed")
	ErrClosed          = errors.New("protocol: closed during handshake")
	ErrTimeout         = errors.New("protocol: call timed out")
	ErrDisconnected    = errors.New("protocol: disconnected")
)

// ProtocolError wraps an error reply carried in a Message.Error field.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Message is the generic wire shape: requests carry ID/Method/Params,
// replies carry ID and Result or Error, events carry Method/Params and
// an optional SessionID tag.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Event is one unsolicited message delivered to subscribers.
type Event struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// EndpointResolver returns the current debug endpoint URL. Connect
// calls it again on every retry so a launcher that only knows the
// endpoint after the browser process has settled can be reconciled
// mid-backoff.
type EndpointResolver func(ctx context.Context) (string, error)

// DefaultCallTimeout is applied to Call when the caller's context has
// no deadline (spec.md §5).
const DefaultCallTimeout = 10 * time.Second

// subscriberQueueSize bounds each subscriber's channel; a slow
// subscriber drops its oldest buffered event rather than blocking the
// reader (spec.md §4.1).
const subscriberQueueSize = 256

type scopeKind int

const (
	scopeUntagged scopeKind = iota
	scopeTag
	scopeAny
)

type subscription struct {
	id        int64
	eventName string
	scope     scopeKind
	tag       string
	ch        chan Event
	dropped   atomic.Int64
}

// Client is one duplex connection to the browser's debug endpoint.
type Client struct {
	logger *slog.Logger

	conn   *websocket.Conn
	wsURL  string
	writeMu sync.Mutex

	nextID  atomic.Int64
	pending sync.Map // int64 -> chan *Message

	subMu   sync.RWMutex
	subs    map[string][]*subscription
	nextSub atomic.Int64

	disconnectMu sync.Mutex
	disconnectCb []func(error)
	disconnected atomic.Bool
	teardownOnce sync.Once

	done chan struct{}

	droppedEvents atomic.Int64
}

// Connect performs the initial handshake, retrying with exponential
// back-off up to three attempts, re-resolving the endpoint each try.
func Connect(ctx context.Context, resolve EndpointResolver, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	const maxAttempts = 3
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		endpoint, err := resolve(ctx)
		if err != nil {
			lastErr = fmt.Errorf("%w: resolve endpoint: %v", ErrUnreachable, err)
		} else {
			c, connErr := dial(ctx, endpoint, logger)
			if connErr == nil {
				return c, nil
			}
			lastErr = connErr
			if errors.Is(connErr, ErrHandshakeFailed) {
				// Non-protocol response: retrying won't help.
				return nil, connErr
			}
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func dial(ctx context.Context, endpoint string, logger *slog.Logger) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != 0 {
			return nil, fmt.Errorf("%w: unexpected status %d", ErrHandshakeFailed, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c := &Client{
		logger: logger,
		conn:   conn,
		wsURL:  endpoint,
		subs:   make(map[string][]*subscription),
		done:   make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

// Close tears down the connection, draining pending calls and
// subscriber channels.
func (c *Client) Close() error {
	var err error
	c.teardown(func() {
		err = c.conn.Close()
	}, ErrDisconnected)
	return err
}

// teardown runs body (if non-nil) then the shared disconnect sequence
// exactly once, regardless of whether Close() or a read error on
// recvLoop triggers it first.
func (c *Client) teardown(body func(), cause error) {
	c.teardownOnce.Do(func() {
		c.disconnected.Store(true)
		if body != nil {
			body()
		}
		close(c.done)
		c.drainPending()
		c.closeAllSubscribers()
		c.fireDisconnect(cause)
	})
}

// OnDisconnect registers callback, invoked exactly once when the
// channel is lost (either by Close or by a read error).
func (c *Client) OnDisconnect(cb func(error)) {
	c.disconnectMu.Lock()
	defer c.disconnectMu.Unlock()
	c.disconnectCb = append(c.disconnectCb, cb)
}

func (c *Client) fireDisconnect(err error) {
	c.disconnectMu.Lock()
	cbs := c.disconnectCb
	c.disconnectCb = nil
	c.disconnectMu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func (c *Client) drainPending() {
	c.pending.Range(func(key, value any) bool {
		ch := value.(chan *Message)
		select {
		case ch <- nil:
		default:
		}
		c.pending.Delete(key)
		return true
	})
}

func (c *Client) closeAllSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, list := range c.subs {
		for _, s := range list {
			close(s.ch)
		}
	}
	c.subs = make(map[string][]*subscription)
}

// Call sends a method invocation and blocks until a matching reply
// arrives or the call times out. sessionTag, when non-empty, routes
// the call to that attached session.
func (c *Client) Call(ctx context.Context, method string, params any, sessionTag string) (json.RawMessage, error) {
	if c.disconnected.Load() {
		return nil, ErrDisconnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	id := c.nextID.Add(1)
	replyCh := make(chan *Message, 1)
	c.pending.Store(id, replyCh)
	defer c.pending.Delete(id)

	msg := &Message{ID: id, Method: method, Params: raw, SessionID: sessionTag}
	if err := c.writeMessage(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply == nil {
			return nil, ErrDisconnected
		}
		if reply.Error != nil {
			return nil, reply.Error
		}
		return reply.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrDisconnected
	}
}

func (c *Client) writeMessage(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.disconnected.Load() {
		return ErrDisconnected
	}
	return c.conn.WriteJSON(msg)
}

// Subscribe delivers events with no session tag (the "root" browser
// session) — equivalent to calling Subscribe with no sessionTag in
// spec.md §4.1.
func (c *Client) Subscribe(eventName string) (<-chan Event, func()) {
	return c.subscribe(eventName, scopeUntagged, "")
}

// SubscribeSession delivers only events tagged with sessionTag.
func (c *Client) SubscribeSession(eventName, sessionTag string) (<-chan Event, func()) {
	return c.subscribe(eventName, scopeTag, sessionTag)
}

// SubscribeAny delivers every matching event regardless of tag.
func (c *Client) SubscribeAny(eventName string) (<-chan Event, func()) {
	return c.subscribe(eventName, scopeAny, "")
}

func (c *Client) subscribe(eventName string, scope scopeKind, tag string) (<-chan Event, func()) {
	s := &subscription{
		id:        c.nextSub.Add(1),
		eventName: eventName,
		scope:     scope,
		tag:       tag,
		ch:        make(chan Event, subscriberQueueSize),
	}
	c.subMu.Lock()
	c.subs[eventName] = append(c.subs[eventName], s)
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		list := c.subs[eventName]
		for i, cur := range list {
			if cur.id == s.id {
				c.subs[eventName] = append(list[:i], list[i+1:]...)
				close(s.ch)
				break
			}
		}
	}
	return s.ch, cancel
}

// DroppedEvents returns the total number of events dropped across all
// subscribers because their queue was full.
func (c *Client) DroppedEvents() int64 {
	return c.droppedEvents.Load()
}

func (c *Client) recvLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Info("protocol: read loop ended", "url", c.wsURL, "err", err)
			c.teardown(nil, fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("protocol: malformed message", "err", err)
			continue
		}

		if msg.ID != 0 && msg.Method == "" {
			if v, ok := c.pending.Load(msg.ID); ok {
				ch := v.(chan *Message)
				select {
				case ch <- &msg:
				default:
				}
			}
			continue
		}

		if msg.Method != "" {
			c.dispatchEvent(Event{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params})
		}
	}
}

func (c *Client) dispatchEvent(ev Event) {
	c.subMu.RLock()
	list := c.subs[ev.Method]
	matched := make([]*subscription, 0, len(list))
	for _, s := range list {
		if matches(s, ev) {
			matched = append(matched, s)
		}
	}
	c.subMu.RUnlock()

	for _, s := range matched {
		select {
		case s.ch <- ev:
		default:
			// Full queue: drop the oldest buffered event, then push.
			select {
			case <-s.ch:
				s.dropped.Add(1)
				c.droppedEvents.Add(1)
				metrics.ProtocolEventsDropped.Inc()
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}

func matches(s *subscription, ev Event) bool {
	switch s.scope {
	case scopeUntagged:
		return ev.SessionID == ""
	case scopeTag:
		return ev.SessionID == s.tag
	case scopeAny:
		return true
	default:
		return false
	}
}
