package correlator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryThenLargeDownloadCorrelates(t *testing.T) {
	h := NewHost("example.com")
	base := time.Now()

	r := h.ObserveMemory(base, 15*1024*1024, map[string]any{"heapUsed": 50000000})
	require.Nil(t, r, "memory alone, with nothing to join against, must not correlate")

	r = h.ObserveNetworkComplete(base.Add(1*time.Second), 2*1024*1024, map[string]any{"url": "https://example.com/big"})
	require.NotNil(t, r)
	require.Equal(t, "correlation", r.Type)
	require.Equal(t, "example.com", r.Hostname)
	require.Equal(t, classificationDataIssue, r.Fields["classification"])
}

func TestSmallDeltaNeverCorrelates(t *testing.T) {
	h := NewHost("example.com")
	base := time.Now()

	r := h.ObserveMemory(base, 1024, nil)
	require.Nil(t, r)
	r = h.ObserveNetworkComplete(base.Add(500*time.Millisecond), 5*1024*1024, nil)
	require.Nil(t, r, "network alone with only a tiny memory delta must not correlate")
}

func TestOutsideJoinWindowDoesNotCorrelate(t *testing.T) {
	h := NewHost("example.com")
	base := time.Now()

	h.ObserveMemory(base, 15*1024*1024, nil)
	r := h.ObserveNetworkComplete(base.Add(10*time.Second), 2*1024*1024, nil)
	require.Nil(t, r, "events more than the join window apart must not correlate")
}

func TestAtMostOneCorrelationPerRollingWindow(t *testing.T) {
	h := NewHost("example.com")
	base := time.Now()

	h.ObserveMemory(base, 15*1024*1024, nil)
	first := h.ObserveNetworkComplete(base.Add(100*time.Millisecond), 2*1024*1024, nil)
	require.NotNil(t, first)

	// A second qualifying pair inside the same rolling 3s window must
	// not produce a second correlation record.
	h.ObserveMemory(base.Add(200*time.Millisecond), 15*1024*1024, nil)
	second := h.ObserveNetworkComplete(base.Add(300*time.Millisecond), 2*1024*1024, nil)
	require.Nil(t, second)
}

func TestConsoleErrorCanTriggerCorrelation(t *testing.T) {
	h := NewHost("example.com")
	base := time.Now()

	h.ObserveMemory(base, 15*1024*1024, nil)
	r := h.ObserveConsoleError(base.Add(1*time.Second), map[string]any{"message": "boom"})
	require.NotNil(t, r)
	require.Contains(t, r.Fields, "console")
}
