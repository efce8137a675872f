package memory

import (
	"context"
	"testing"
	"time"

	"github.com/dev-console/browserfairy/internal/writer"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	samples []Sample
	i       int
}

func (f *fakeSampler) Sample(ctx context.Context) (Sample, []ListenerBucket, error) {
	if f.i >= len(f.samples) {
		f.i = len(f.samples) - 1
	}
	s := f.samples[f.i]
	f.i++
	return s, []ListenerBucket{{HostObject: "document", EventKind: "click", Count: 3}}, nil
}

type fakeScanner struct {
	elements []BoundElement
	called   chan struct{}
}

func (f *fakeScanner) Scan(ctx context.Context, budget time.Duration) ([]BoundElement, error) {
	if f.called != nil {
		close(f.called)
	}
	return f.elements, nil
}

func newTestCollector(t *testing.T, sampler Sampler, scanner DeepScanner) (*Collector, *writer.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := writer.NewManager(dir, writer.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { m.CloseAll() })

	sem := make(chan struct{}, 8)
	c := New(nil, "example.com", sampler, scanner, m, nil, sem, nil)
	c.interval = 10 * time.Millisecond
	return c, m, dir
}

func TestTickEmitsMemoryRecord(t *testing.T) {
	sampler := &fakeSampler{samples: []Sample{{JSHeapUsed: 1000, Listeners: 5}}}
	c, m, _ := newTestCollector(t, sampler, nil)

	c.Start(context.Background())
	defer c.Stop()

	w, err := m.Writer("example.com", "memory")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.Written() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestGrowthDeltaAboveTriggerStartsDeepScan(t *testing.T) {
	sampler := &fakeSampler{samples: []Sample{
		{Listeners: 5},
		{Listeners: 30}, // growthDelta = 25 > 20
	}}
	called := make(chan struct{})
	scanner := &fakeScanner{elements: []BoundElement{{ScriptURL: "app.js", ElementCount: 12, Suspicion: "high"}}, called: called}

	c, _, _ := newTestCollector(t, sampler, scanner)
	c.Start(context.Background())
	defer c.Stop()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("deep scan was never triggered despite growthDelta > 20")
	}
}

func TestGrowthDeltaBelowTriggerNeverScans(t *testing.T) {
	sampler := &fakeSampler{samples: []Sample{
		{Listeners: 5},
		{Listeners: 10}, // growthDelta = 5, below trigger
	}}
	called := make(chan struct{})
	scanner := &fakeScanner{called: called}

	c, _, _ := newTestCollector(t, sampler, scanner)
	c.Start(context.Background())
	defer c.Stop()

	select {
	case <-called:
		t.Fatal("deep scan fired despite growthDelta below trigger")
	case <-time.After(100 * time.Millisecond):
	}
}
