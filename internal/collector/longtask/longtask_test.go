package longtask

import (
	"testing"
	"time"

	"github.com/dev-console/browserfairy/internal/writer"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *writer.Manager) {
	t.Helper()
	dir := t.TempDir()
	m, err := writer.NewManager(dir, writer.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { m.CloseAll() })

	c := New(nil, "example.com", m, nil)
	return c, m
}

func TestHandleEntryEmitsLongtaskRecord(t *testing.T) {
	c, m := newTestCollector(t)

	c.HandleEntry(75.5, 1000, []string{"script"})

	w, err := m.Writer("example.com", "longtask")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Written() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMultipleEntriesEachEmitOneRecord(t *testing.T) {
	c, m := newTestCollector(t)

	c.HandleEntry(60, 0, nil)
	c.HandleEntry(90, 100, []string{"layout"})

	w, err := m.Writer("example.com", "longtask")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Written() == 2 }, time.Second, 5*time.Millisecond)
}
