package console

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dev-console/browserfairy/internal/protocol"
	"github.com/dev-console/browserfairy/internal/sourcemap"
	"github.com/dev-console/browserfairy/internal/writer"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	frame sourcemap.Frame
	ok    bool
}

func (f fakeResolver) Resolve(scriptURL string, line, column int) (sourcemap.Frame, bool) {
	return f.frame, f.ok
}

func newTestCollector(t *testing.T, resolver sourcemap.Resolver) (*Collector, *writer.Manager) {
	t.Helper()
	dir := t.TempDir()
	m, err := writer.NewManager(dir, writer.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { m.CloseAll() })

	c := New(nil, "example.com", m, resolver, nil)
	return c, m
}

// readRecords closes every writer of m, so each queued line is on disk,
// and returns the records of example.com's console stream in order.
func readRecords(t *testing.T, m *writer.Manager) []map[string]any {
	t.Helper()
	require.NoError(t, m.CloseAll())
	data, err := os.ReadFile(filepath.Join(m.SessionDir(), "example.com", "console.jsonl"))
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func event(t *testing.T, v any) protocol.Event {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return protocol.Event{Params: json.RawMessage(data)}
}

func TestConsoleErrorEmitsConsoleRecord(t *testing.T) {
	c, m := newTestCollector(t, nil)

	c.onConsoleAPICalled(event(t, map[string]any{
		"type": "error",
		"args": []map[string]any{{"value": "boom"}},
		"stackTrace": map[string]any{
			"callFrames": []map[string]any{{"url": "app.js", "lineNumber": 10, "columnNumber": 2}},
		},
	}))

	w, err := m.Writer("example.com", "console")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Written() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNonConsoleEventTypeIsIgnored(t *testing.T) {
	c, m := newTestCollector(t, nil)

	c.onConsoleAPICalled(event(t, map[string]any{"type": "table"}))

	w, err := m.Writer("example.com", "console")
	require.NoError(t, err)
	require.Equal(t, int64(0), w.Written())
}

func TestExceptionFrameGetsOriginalWhenResolverSucceeds(t *testing.T) {
	resolver := fakeResolver{frame: sourcemap.Frame{File: "src/app.ts", Line: 5, Column: 1, Name: "doThing"}, ok: true}
	c, m := newTestCollector(t, resolver)

	c.onExceptionThrown(event(t, map[string]any{
		"exceptionDetails": map[string]any{
			"text": "TypeError: x is undefined",
			"url":  "app.min.js",
			"stackTrace": map[string]any{
				"callFrames": []map[string]any{{"functionName": "f", "url": "app.min.js", "lineNumber": 1, "columnNumber": 1}},
			},
		},
	}))

	w, err := m.Writer("example.com", "console")
	require.NoError(t, err)
	recs := readRecords(t, m)
	require.Equal(t, int64(1), w.Written())
	stack, ok := recs[0]["stack"].([]any)
	require.True(t, ok)
	require.Contains(t, stack[0], "original")
}

func TestExceptionFrameUnresolvedLeavesOriginalNil(t *testing.T) {
	c, m := newTestCollector(t, sourcemap.None{})

	c.onExceptionThrown(event(t, map[string]any{
		"exceptionDetails": map[string]any{
			"text": "ReferenceError: y is not defined",
			"stackTrace": map[string]any{
				"callFrames": []map[string]any{{"functionName": "g", "url": "app.js", "lineNumber": 3, "columnNumber": 0}},
			},
		},
	}))

	w, err := m.Writer("example.com", "console")
	require.NoError(t, err)
	recs := readRecords(t, m)
	require.Equal(t, int64(1), w.Written())
	stack, ok := recs[0]["stack"].([]any)
	require.True(t, ok)
	require.NotContains(t, stack[0], "original")
}

func TestRateLimiterDropsExcessConsoleEvents(t *testing.T) {
	c, m := newTestCollector(t, nil)

	for i := 0; i < RateLimitPerSecond+5; i++ {
		c.onConsoleAPICalled(event(t, map[string]any{
			"type": "log",
			"args": []map[string]any{{"value": "spam"}},
		}))
	}

	w, err := m.Writer("example.com", "console")
	require.NoError(t, err)
	require.LessOrEqual(t, w.Written(), int64(RateLimitPerSecond))
}
