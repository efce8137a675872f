// Package correlator joins recently emitted memory, network-complete,
// and console-error events for one host into composite `correlation`
// records when they cluster in a short temporal window. It is a pure
// function over a bounded ring buffer per host: it never calls back
// into collectors (spec.md §4.9, §9).
package correlator

import (
	"sync"
	"time"

	"github.com/dev-console/browserfairy/internal/buffers"
	"github.com/dev-console/browserfairy/internal/record"
)

const (
	// windowSize bounds how far back a memory sample looks for a
	// matching network/console event.
	windowSize = 3 * time.Second
	// retentionWindow is how long an event stays eligible to be joined
	// against, per spec.md §4.9 ("within 15s").
	retentionWindow = 15 * time.Second
	// ringCapacity is generous headroom over what 15s of traffic on one
	// host plausibly produces.
	ringCapacity = 512

	largeHeapDeltaBytes    = 10 * 1024 * 1024
	largeNetworkSizeBytes  = 1 * 1024 * 1024
	classificationDataIssue = "large_data_processing_issue"
)

// kind distinguishes the three event families the correlator watches.
type kind int

const (
	kindMemory kind = iota
	kindNetworkComplete
	kindConsoleError
)

// entry is one ring-buffered observation, carrying just enough of the
// source record to decide whether it participates in a correlation.
type entry struct {
	kind      kind
	at        time.Time
	heapDelta int64 // kindMemory only
	sizeBytes int64 // kindNetworkComplete only
	summary   map[string]any
}

// Host maintains one host's rolling correlation window. Host is safe
// for concurrent use: the engine shares one Host across every session
// of a host, and each session's collectors call it from their own
// goroutines.
type Host struct {
	hostname string
	ring     *buffers.RingBuffer[entry]

	mu                sync.Mutex // guards lastCorrelationAt
	lastCorrelationAt time.Time
}

// NewHost creates a correlation window for one host.
func NewHost(hostname string) *Host {
	return &Host{hostname: hostname, ring: buffers.New[entry](ringCapacity)}
}

// ObserveMemory records a memory sample's heap delta (bytes, current
// minus previous) and returns a correlation record if this sample
// closes a qualifying window with a recent network-complete or
// console-error event.
func (h *Host) ObserveMemory(at time.Time, heapDelta int64, summary map[string]any) *record.Record {
	h.ring.Add(entry{kind: kindMemory, at: at, heapDelta: heapDelta, summary: summary})
	if heapDelta < largeHeapDeltaBytes {
		return nil
	}
	return h.tryCorrelate(at, entry{kind: kindMemory, at: at, heapDelta: heapDelta, summary: summary})
}

// ObserveNetworkComplete records a completed request's response size.
func (h *Host) ObserveNetworkComplete(at time.Time, sizeBytes int64, summary map[string]any) *record.Record {
	e := entry{kind: kindNetworkComplete, at: at, sizeBytes: sizeBytes, summary: summary}
	h.ring.Add(e)
	if sizeBytes < largeNetworkSizeBytes {
		return nil
	}
	return h.tryCorrelate(at, e)
}

// ObserveConsoleError records a console-level error.
func (h *Host) ObserveConsoleError(at time.Time, summary map[string]any) *record.Record {
	e := entry{kind: kindConsoleError, at: at, summary: summary}
	h.ring.Add(e)
	return h.tryCorrelate(at, e)
}

// tryCorrelate looks for the opposite-side participants of a
// correlation within windowSize of trigger, and — if found and the
// rolling 3s de-duplication window allows it — returns one
// `correlation` record.
func (h *Host) tryCorrelate(at time.Time, trigger entry) *record.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.lastCorrelationAt.IsZero() && at.Sub(h.lastCorrelationAt) < windowSize {
		return nil
	}

	var memoryEvt, networkEvt, consoleEvt *entry
	switch trigger.kind {
	case kindMemory:
		memoryEvt = &trigger
	case kindNetworkComplete:
		networkEvt = &trigger
	case kindConsoleError:
		consoleEvt = &trigger
	}

	// retentionWindow bounds how far back an event is even considered
	// a candidate (spec.md §4.9's "within 15s" retention); the tighter
	// windowSize below is the actual join distance that must separate
	// the memory sample from its network/console counterpart.
	for _, e := range h.ring.Since(at.Add(-retentionWindow)) {
		e := e
		if e.at.After(at) || at.Sub(e.at) > windowSize {
			continue
		}
		switch e.kind {
		case kindMemory:
			if memoryEvt == nil && e.heapDelta >= largeHeapDeltaBytes {
				memoryEvt = &e
			}
		case kindNetworkComplete:
			if networkEvt == nil && e.sizeBytes >= largeNetworkSizeBytes {
				networkEvt = &e
			}
		case kindConsoleError:
			if consoleEvt == nil {
				consoleEvt = &e
			}
		}
	}

	if memoryEvt == nil || (networkEvt == nil && consoleEvt == nil) {
		return nil
	}

	fields := map[string]any{
		"classification": classificationDataIssue,
		"memory":         memoryEvt.summary,
	}
	if networkEvt != nil {
		fields["network"] = networkEvt.summary
	}
	if consoleEvt != nil {
		fields["console"] = consoleEvt.summary
	}

	r, err := record.New("correlation", h.hostname, fields)
	if err != nil {
		return nil
	}
	h.lastCorrelationAt = at
	return &r
}
