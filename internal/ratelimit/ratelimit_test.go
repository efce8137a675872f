package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterDropsOverBurst(t *testing.T) {
	l := New(10) // burst 10

	allowed := 0
	for i := 0; i < 200; i++ {
		if l.Allow() {
			allowed++
		}
	}

	require.LessOrEqual(t, allowed, 10)
	require.GreaterOrEqual(t, l.Dropped(), int64(190))
}

func TestLimiterRefillsOverTime(t *testing.T) {
	l := New(1000)
	for i := 0; i < 1000; i++ {
		l.Allow()
	}
	require.False(t, l.Allow())

	time.Sleep(5 * time.Millisecond)
	require.True(t, l.Allow())
}

func TestRegistryReusesLimiterPerKey(t *testing.T) {
	reg := NewRegistry()
	a := reg.Get("sessionA", "console", 10)
	b := reg.Get("sessionA", "console", 999) // rate ignored on second call
	require.Same(t, a, b)

	c := reg.Get("sessionA", "network", 10)
	require.NotSame(t, a, c)

	d := reg.Get("sessionB", "console", 10)
	require.NotSame(t, a, d)
}

func TestRegistryRemovePreservesLifetimeDropCount(t *testing.T) {
	reg := NewRegistry()
	l := reg.Get("sessionA", "console", 1)
	l.Allow()
	for i := 0; i < 5; i++ {
		l.Allow()
	}
	dropped := l.Dropped()
	require.Greater(t, dropped, int64(0))

	reg.Remove("sessionA")
	require.Equal(t, dropped, reg.TotalDropped())

	// A fresh limiter under the same session tag is independent.
	fresh := reg.Get("sessionA", "console", 10)
	require.Equal(t, int64(0), fresh.Dropped())
	require.Equal(t, dropped, reg.TotalDropped())
}
