// Package heapsampler runs a bounded-memory sampling-heap profiler
// cycle per session: start, wait 60 s, stop and pull the profile,
// aggregate self-size, emit the top 10 allocators, repeat (spec.md
// §4.7).
package heapsampler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/dev-console/browserfairy/internal/collector/hostbox"
	"github.com/dev-console/browserfairy/internal/record"
	"github.com/dev-console/browserfairy/internal/session"
	"github.com/dev-console/browserfairy/internal/writer"
)

const (
	// SamplingIntervalBytes is the allocation-sampler's sampling
	// interval, passed to HeapProfiler.startSampling.
	SamplingIntervalBytes = 64 * 1024
	// CycleDuration is how long each sampling cycle runs before the
	// profiler is stopped and restarted, bounding its own memory use.
	CycleDuration = 60 * time.Second
	topAllocators = 10
)

// Allocator is one aggregated (function, script, line, column) site
// from a profile cycle.
type Allocator struct {
	FunctionName string `json:"functionName"`
	ScriptURL    string `json:"scriptUrl"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	SelfSize     int64  `json:"selfSize"`
}

// Profiler starts/stops a sampling heap profile and returns its
// aggregated self-size allocators when stopped.
type Profiler interface {
	Start(ctx context.Context, samplingIntervalBytes int) error
	Stop(ctx context.Context) ([]Allocator, error)
}

// Collector is one session's heap-allocation sampler.
type Collector struct {
	targetID string
	host     *hostbox.Box
	profiler Profiler
	manager  *writer.Manager
	logger   *slog.Logger
	cycle    time.Duration
	samplingIntervalBytes int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a heapsampler Collector. profiler defaults to a
// protocol-backed HeapProfiler implementation if nil.
func New(sess *session.Session, host string, profiler Profiler, manager *writer.Manager, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if profiler == nil {
		profiler = protocolProfiler{sess: sess}
	}
	var targetID string
	if sess != nil {
		targetID = sess.TargetID()
	}
	return &Collector{
		targetID: targetID,
		host:     hostbox.New(host),
		profiler: profiler,
		manager:  manager,
		logger:   logger,
		cycle:    CycleDuration,
		samplingIntervalBytes: SamplingIntervalBytes,
	}
}

// SetHost updates the host records are tagged with, called by the
// engine on navigation (spec.md §4.2).
func (c *Collector) SetHost(host string) { c.host.Set(host) }

// SetCycle overrides the start/stop sampling cycle length
// (config.Config.HeapSamplingInterval). Must be called before Start.
func (c *Collector) SetCycle(d time.Duration) { c.cycle = d }

// SetSamplingIntervalBytes overrides the allocation-sampler's interval
// (config.Config.HeapSamplingBytes). Must be called before Start.
func (c *Collector) SetSamplingIntervalBytes(n int) { c.samplingIntervalBytes = n }

// Start launches the start/wait/stop/emit cycle loop.
func (c *Collector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop cancels the cycle loop and waits for the in-flight cycle, if
// any, to finish tearing down.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	for {
		if err := c.profiler.Start(ctx, c.samplingIntervalBytes); err != nil {
			c.logger.Warn("heapsampler: start failed", "target", c.targetID, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cycle):
				continue
			}
		}

		select {
		case <-ctx.Done():
			_, _ = c.profiler.Stop(context.Background())
			return
		case <-time.After(c.cycle):
		}

		allocators, err := c.profiler.Stop(ctx)
		if err != nil {
			c.logger.Warn("heapsampler: stop failed", "target", c.targetID, "err", err)
			continue
		}
		c.emitCycle(allocators)
	}
}

func (c *Collector) emitCycle(allocators []Allocator) {
	top := topN(allocators, topAllocators)
	var total int64
	for _, a := range allocators {
		total += a.SelfSize
	}

	rec, err := record.New("heap_sampling", c.host.Get(), map[string]any{
		"targetId":      c.targetID,
		"totalSelfSize": total,
		"siteCount":     len(allocators),
		"topAllocators": top,
	})
	if err != nil {
		c.logger.Error("heapsampler: build record", "err", err)
		return
	}
	data, err := rec.MarshalJSON()
	if err != nil {
		c.logger.Error("heapsampler: marshal record", "err", err)
		return
	}
	if err := c.manager.Enqueue(c.host.Get(), "heap_sampling", data); err != nil {
		c.logger.Error("heapsampler: enqueue record", "err", err)
	}
}

// topN returns the n allocators with the largest SelfSize, descending.
func topN(allocators []Allocator, n int) []Allocator {
	sorted := make([]Allocator, len(allocators))
	copy(sorted, allocators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SelfSize > sorted[j].SelfSize })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// protocolProfiler is the default Profiler, driving
// HeapProfiler.startSampling/stopSampling over the session.
type protocolProfiler struct {
	sess *session.Session
}

func (p protocolProfiler) Start(ctx context.Context, samplingIntervalBytes int) error {
	_, err := p.sess.Call(ctx, "HeapProfiler.startSampling", map[string]any{
		"samplingInterval": samplingIntervalBytes,
	})
	return err
}

func (p protocolProfiler) Stop(ctx context.Context) ([]Allocator, error) {
	raw, err := p.sess.Call(ctx, "HeapProfiler.stopSampling", nil)
	if err != nil {
		return nil, err
	}
	return parseSamplingProfile(raw)
}
