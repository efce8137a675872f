package network

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dev-console/browserfairy/internal/protocol"
	"github.com/dev-console/browserfairy/internal/writer"
	"github.com/stretchr/testify/require"
)

type fakeStacks struct {
	sync_  []Frame
	async  []Frame
	ok     bool
	called int
}

func (f *fakeStacks) CollectStack() ([]Frame, []Frame, bool) {
	f.called++
	return f.sync_, f.async, f.ok
}

func newTestCollector(t *testing.T) (*Collector, *writer.Manager) {
	t.Helper()
	dir := t.TempDir()
	m, err := writer.NewManager(dir, writer.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { m.CloseAll() })

	c := New(nil, "example.com", m, nil, nil, nil)
	return c, m
}

func event(t *testing.T, v any) protocol.Event {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return protocol.Event{Params: json.RawMessage(data)}
}

func TestRequestLifecycleEmitsStartAndComplete(t *testing.T) {
	c, m := newTestCollector(t)

	c.onRequestWillBeSent(event(t, map[string]any{
		"requestId": "r1",
		"request":   map[string]any{"url": "https://example.com/a", "method": "GET"},
	}))
	c.onLoadingFinished(event(t, map[string]any{
		"requestId":         "r1",
		"encodedDataLength": 123,
	}))

	w, err := m.Writer("example.com", "network")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Written() == 2 }, time.Second, 5*time.Millisecond)
}

func TestResponseReceivedStatusCarriesIntoCompleteRecord(t *testing.T) {
	c, m := newTestCollector(t)

	c.onRequestWillBeSent(event(t, map[string]any{
		"requestId": "r5",
		"request":   map[string]any{"url": "https://example.com/missing", "method": "GET"},
	}))
	c.onResponseReceived(event(t, map[string]any{
		"requestId": "r5",
		"response":  map[string]any{"status": 404},
	}))

	c.mu.Lock()
	status := c.requests["r5"].status
	c.mu.Unlock()
	require.Equal(t, 404, status)

	c.onLoadingFinished(event(t, map[string]any{
		"requestId":         "r5",
		"encodedDataLength": 10,
	}))

	w, err := m.Writer("example.com", "network")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Written() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFailedRequestEmitsFailedRecordNotComplete(t *testing.T) {
	c, m := newTestCollector(t)

	c.onRequestWillBeSent(event(t, map[string]any{
		"requestId": "r2",
		"request":   map[string]any{"url": "https://example.com/b", "method": "POST"},
	}))
	c.onLoadingFailed(event(t, map[string]any{
		"requestId": "r2",
		"errorText": "net::ERR_FAILED",
	}))

	w, err := m.Writer("example.com", "network")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Written() == 2 }, time.Second, 5*time.Millisecond)
}

func TestLargeDownloadTriggersStackEnrichment(t *testing.T) {
	c, _ := newTestCollector(t)
	stacks := &fakeStacks{sync_: []Frame{{FunctionName: "fetchData"}}, ok: true}
	c.stacks = stacks

	c.onRequestWillBeSent(event(t, map[string]any{
		"requestId": "r3",
		"request":   map[string]any{"url": "https://example.com/big", "method": "GET"},
	}))
	c.onLoadingFinished(event(t, map[string]any{
		"requestId":         "r3",
		"encodedDataLength": largeDownloadBytes + 1,
	}))

	require.Equal(t, 1, stacks.called)
}

func TestSmallResponseNeverCollectsStack(t *testing.T) {
	c, _ := newTestCollector(t)
	stacks := &fakeStacks{ok: true}
	c.stacks = stacks

	c.onRequestWillBeSent(event(t, map[string]any{
		"requestId": "r4",
		"request":   map[string]any{"url": "https://example.com/small", "method": "GET"},
	}))
	c.onLoadingFinished(event(t, map[string]any{
		"requestId":         "r4",
		"encodedDataLength": 100,
	}))

	require.Equal(t, 0, stacks.called)
}

func TestHighFrequencyEndpointTriggersAfterThreshold(t *testing.T) {
	c, _ := newTestCollector(t)
	stacks := &fakeStacks{ok: true}
	c.stacks = stacks

	for i := 0; i < highFrequencyThreshold+1; i++ {
		id := "req" + string(rune('a'+i))
		c.onRequestWillBeSent(event(t, map[string]any{
			"requestId": id,
			"request":   map[string]any{"url": "https://example.com/api?x=1", "method": "GET"},
		}))
		c.onLoadingFinished(event(t, map[string]any{
			"requestId":         id,
			"encodedDataLength": 10,
		}))
	}

	require.Equal(t, 1, stacks.called, "only the request crossing the threshold should trigger enrichment")
}

func TestWebSocketLifecycleEmitsConnectFrameAndClose(t *testing.T) {
	c, m := newTestCollector(t)

	c.onWebSocketCreated(event(t, map[string]any{"requestId": "ws1", "url": "wss://example.com/socket"}))
	c.onWebSocketFrameSent(event(t, map[string]any{
		"requestId": "ws1",
		"response":  map[string]any{"opcode": 1, "payloadData": "hello"},
	}))
	c.onWebSocketClosed(event(t, map[string]any{"requestId": "ws1"}))

	w, err := m.Writer("example.com", "network")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Written() == 3 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketBinaryFramePayloadIsLengthAndTypeOnly(t *testing.T) {
	c, m := newTestCollector(t)
	c.onWebSocketCreated(event(t, map[string]any{"requestId": "ws2", "url": "wss://example.com/socket"}))

	// Binary frames (opcode 2) must never carry payload text on the record.
	c.onWebSocketFrameReceived(event(t, map[string]any{
		"requestId": "ws2",
		"response":  map[string]any{"opcode": 2, "payloadData": "YmluYXJ5"},
	}))

	require.NoError(t, m.CloseAll())
	data, err := os.ReadFile(filepath.Join(m.SessionDir(), "example.com", "network.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var frame map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &frame))
	require.Equal(t, "binary", frame["payloadType"])
	require.Contains(t, frame, "payloadLength")
	require.NotContains(t, frame, "payload")
}
