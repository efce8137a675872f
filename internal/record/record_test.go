package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeEventIDDeterministic(t *testing.T) {
	r1, err := New("memory", "example.com", map[string]any{
		"targetId":  "T1",
		"sessionId": "S1",
		"url":       "https://example.com/",
	})
	require.NoError(t, err)

	r2, err := New("memory", "example.com", map[string]any{
		"targetId":  "T1",
		"sessionId": "S1",
		"url":       "https://example.com/",
	})
	require.NoError(t, err)

	// Timestamps differ (both captured "now"), but event_id must not
	// depend on timestamp beyond the declared field set which, for
	// "memory", does include timestamp — so forcing identical
	// timestamps is required to assert determinism.
	r2.Timestamp = r1.Timestamp
	id2, err := ComputeEventID(&r2)
	require.NoError(t, err)
	require.Equal(t, r1.EventID, id2)
}

func TestComputeEventIDChangesWithFields(t *testing.T) {
	r1, err := New("network_request_start", "example.com", map[string]any{
		"requestId": "R1",
		"method":    "GET",
		"url":       "https://example.com/a",
	})
	require.NoError(t, err)

	r2, err := New("network_request_start", "example.com", map[string]any{
		"requestId": "R1",
		"method":    "GET",
		"url":       "https://example.com/b",
	})
	require.NoError(t, err)

	require.NotEqual(t, r1.EventID, r2.EventID)
}

func TestVerifyIdempotent(t *testing.T) {
	r, err := New("console", "example.com", map[string]any{
		"level":   "error",
		"message": "boom",
		"source": map[string]any{
			"url":  "https://example.com/app.js",
			"line": 42,
		},
	})
	require.NoError(t, err)

	data, err := r.MarshalJSON()
	require.NoError(t, err)

	rt, err := FromJSON(data)
	require.NoError(t, err)

	ok, err := Verify(&rt)
	require.NoError(t, err)
	require.True(t, ok, "recomputed event_id must match stored event_id after round-trip")
}

func TestMarshalJSONFlattensFields(t *testing.T) {
	r, err := New("gc", "example.com", map[string]any{
		"heapBefore": 1000,
		"heapAfter":  900,
	})
	require.NoError(t, err)

	data, err := r.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(data), `"heapBefore":1000`)
	require.Contains(t, string(data), `"hostname":"example.com"`)
}
