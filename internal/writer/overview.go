package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Manager owns every per-(host, stream) Writer for one session
// directory and assembles overview.json at shutdown (spec.md §6).
type Manager struct {
	root      string
	sessionID string
	opts      Options
	startedAt time.Time

	mu      sync.Mutex
	writers map[string]*Writer // key: host + "\x00" + stream
}

// NewManager creates the session directory under root and returns a
// Manager ready to hand out per-(host, stream) writers on demand.
func NewManager(root string, opts Options) (*Manager, error) {
	sessionID := "session_" + time.Now().Format("2006-01-02_150405")
	sessionDir := filepath.Join(root, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("writer: create session dir: %w", err)
	}
	return &Manager{
		root:      sessionDir,
		sessionID: sessionID,
		opts:      opts,
		startedAt: time.Now(),
		writers:   make(map[string]*Writer),
	}, nil
}

// SessionDir returns the absolute path of this run's session directory.
func (m *Manager) SessionDir() string { return m.root }

// Writer returns the Writer for (host, stream), creating it and its
// host subdirectory on first use.
func (m *Manager) Writer(host, stream string) (*Writer, error) {
	key := host + "\x00" + stream
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.writers[key]; ok {
		return w, nil
	}
	w, err := New(filepath.Join(m.root, host), host, stream, m.opts)
	if err != nil {
		return nil, err
	}
	m.writers[key] = w
	return w, nil
}

// Enqueue is a convenience wrapper around Writer(host, stream).Enqueue
// for callers that don't need to hold on to the *Writer.
func (m *Manager) Enqueue(host, stream string, line []byte) error {
	w, err := m.Writer(host, stream)
	if err != nil {
		return err
	}
	w.Enqueue(line)
	return nil
}

// streamCounts summarizes one (host, stream) writer for overview.json.
type streamCounts struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
}

// Overview is the shape written once to overview.json at shutdown.
type Overview struct {
	SessionID string                             `json:"session_id"`
	StartedAt string                             `json:"started_at"`
	EndedAt   string                             `json:"ended_at"`
	Hosts     map[string]map[string]streamCounts `json:"hosts"`
	TotalDropped int64                           `json:"total_dropped"`
}

// CloseAll closes every writer this Manager created — flushing and
// syncing each one's backlog — then writes overview.json summarizing
// every stream's written/dropped counts (spec.md §4.10, §4.11).
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	writers := make(map[string]*Writer, len(m.writers))
	for k, w := range m.writers {
		writers[k] = w
	}
	m.mu.Unlock()

	overview := Overview{
		SessionID: m.sessionID,
		StartedAt: m.startedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		EndedAt:   time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Hosts:     make(map[string]map[string]streamCounts),
	}

	var firstErr error
	for key, w := range writers {
		host, stream := splitKey(key)
		if overview.Hosts[host] == nil {
			overview.Hosts[host] = make(map[string]streamCounts)
		}
		overview.Hosts[host][stream] = streamCounts{Written: w.Written(), Dropped: w.Dropped()}
		overview.TotalDropped += w.Dropped()

		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	data, err := json.MarshalIndent(overview, "", "  ")
	if err != nil {
		return fmt.Errorf("writer: marshal overview: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.root, "overview.json"), data, 0o644); err != nil {
		return fmt.Errorf("writer: write overview.json: %w", err)
	}
	return firstErr
}

func splitKey(key string) (host, stream string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
