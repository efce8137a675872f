package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dev-console/browserfairy/internal/config"
	"github.com/dev-console/browserfairy/internal/launcher"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newStubBrowser serves the minimal debug-protocol surface Run needs:
// target discovery with one page target, attach, and a catch-all ack
// for every domain-enable/collector round trip.
func newStubBrowser(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				ID     int64           `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			var result json.RawMessage
			switch msg.Method {
			case "Target.getTargets":
				result = json.RawMessage(`{"targetInfos":[{"targetId":"T1","type":"page","url":"https://Example.com/","attached":false}]}`)
			case "Target.attachToTarget":
				result = json.RawMessage(`{"sessionId":"S1"}`)
			default:
				result = json.RawMessage(`{}`)
			}
			_ = conn.WriteJSON(map[string]any{"id": msg.ID, "result": result})
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/debug"
	return srv, wsURL
}

func TestRunDiscoversTargetAndWritesMemoryRecords(t *testing.T) {
	srv, wsURL := newStubBrowser(t)
	defer srv.Close()

	dir := t.TempDir()
	cfg := config.Config{
		DataRoot:             dir,
		DebugEndpoint:        wsURL,
		MemorySampleInterval: 10 * time.Millisecond,
		ShutdownGrace:        2 * time.Second,
	}.WithDefaults()

	e := New(cfg, WithLauncher(launcher.Fixed{Endpoint: wsURL, Handle: launcher.NeverExits{}}))
	e.sem = make(chan struct{}, cfg.MemorySemaphore)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := e.Run(ctx)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sessionDir string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "session_") {
			sessionDir = filepath.Join(dir, entry.Name())
		}
	}
	require.NotEmpty(t, sessionDir, "expected a session_* directory to be created")

	overviewPath := filepath.Join(sessionDir, "overview.json")
	_, err = os.Stat(overviewPath)
	require.NoError(t, err, "overview.json must be written at shutdown")

	info, err := os.Stat(filepath.Join(sessionDir, "example.com", "memory.jsonl"))
	require.NoError(t, err, "memory records must land under the lowercased host")
	require.Greater(t, info.Size(), int64(0))
}

// TestNavigationRetagsSessionRecords exercises spec.md §4.2's
// "subsequent records are tagged with the new host" requirement
// end-to-end: the stub target starts on old.example, then pushes an
// unsolicited Target.targetInfoChanged event moving it to
// new.example, and memory records emitted after that must land in
// new.example's stream.
func TestNavigationRetagsSessionRecords(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var writeMu sync.Mutex
		write := func(v any) { writeMu.Lock(); defer writeMu.Unlock(); _ = conn.WriteJSON(v) }

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				ID     int64           `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			var result json.RawMessage
			switch msg.Method {
			case "Target.getTargets":
				result = json.RawMessage(`{"targetInfos":[{"targetId":"T1","type":"page","url":"https://old.example/","attached":false}]}`)
			case "Target.attachToTarget":
				result = json.RawMessage(`{"sessionId":"S1"}`)
				go func() {
					time.Sleep(30 * time.Millisecond)
					write(map[string]any{
						"method": "Target.targetInfoChanged",
						"params": map[string]any{
							"targetInfo": map[string]any{
								"targetId": "T1",
								"type":     "page",
								"url":      "https://new.example/",
								"attached": true,
							},
						},
					})
				}()
			default:
				result = json.RawMessage(`{}`)
			}
			write(map[string]any{"id": msg.ID, "result": result})
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/debug"

	dir := t.TempDir()
	cfg := config.Config{
		DataRoot:             dir,
		DebugEndpoint:        wsURL,
		MemorySampleInterval: 10 * time.Millisecond,
		ShutdownGrace:        2 * time.Second,
	}.WithDefaults()

	e := New(cfg, WithLauncher(launcher.Fixed{Endpoint: wsURL, Handle: launcher.NeverExits{}}))
	e.sem = make(chan struct{}, cfg.MemorySemaphore)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	require.NoError(t, e.Run(ctx))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sessionDir string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "session_") {
			sessionDir = filepath.Join(dir, entry.Name())
		}
	}
	require.NotEmpty(t, sessionDir)

	info, err := os.Stat(filepath.Join(sessionDir, "new.example", "memory.jsonl"))
	require.NoError(t, err, "expected memory records tagged with the post-navigation host")
	require.Greater(t, info.Size(), int64(0))
}

func TestExpandHomeResolvesTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "BrowserFairyData"), expandHome("~/BrowserFairyData"))
	require.Equal(t, "/abs/path", expandHome("/abs/path"))
}
