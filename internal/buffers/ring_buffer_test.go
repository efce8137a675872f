package buffers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingBufferEvictsOldestPastCapacity(t *testing.T) {
	rb := New[int](3)
	for i := 1; i <= 5; i++ {
		rb.Add(i)
	}
	require.Equal(t, 3, rb.Len())
	require.Equal(t, []int{3, 4, 5}, rb.ReadAll())
}

func TestRingBufferReadAllOrderedBeforeWrap(t *testing.T) {
	rb := New[string](4)
	rb.Add("a")
	rb.Add("b")
	require.Equal(t, []string{"a", "b"}, rb.ReadAll())
}

func TestRingBufferSinceFiltersByTime(t *testing.T) {
	rb := New[int](10)
	rb.Add(1)
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	rb.Add(2)
	rb.Add(3)

	require.Equal(t, []int{2, 3}, rb.Since(cutoff))
}

func TestRingBufferClearPreservesMonotonicPosition(t *testing.T) {
	rb := New[int](2)
	rb.Add(1)
	rb.Add(2)
	rb.Clear()
	require.Equal(t, 0, rb.Len())

	rb.Add(3)
	require.Equal(t, []int{3}, rb.ReadAll())
	require.Equal(t, []int{3}, rb.Since(time.Time{}))
}
