// Package writer implements the per-(host, stream) append-only NDJSON
// sink: one queue-backed writer per file, size/age rotation, and
// either per-record or batched flush discipline, with the
// drop-oldest back-pressure policy spec.md §4.10 requires (adapted
// from the rotating audit-log destination used elsewhere in the
// example pack, generalized from a single audit stream to many
// concurrent per-host streams).
package writer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dev-console/browserfairy/internal/metrics"
)

const (
	// DefaultQueueSize bounds each writer's in-memory backlog before it
	// starts dropping the oldest queued record.
	DefaultQueueSize = 1024
	// DefaultMaxSize rotates a stream file once it exceeds this size.
	DefaultMaxSize = 50 * 1024 * 1024
	// DefaultMaxAge rotates a stream file once it has been open this long.
	DefaultMaxAge = 24 * time.Hour
	// DefaultBatchInterval is the flush cadence used in batched mode.
	DefaultBatchInterval = 500 * time.Millisecond
)

// FlushMode selects between flush-per-record (the safe default) and
// timer-batched flushing (an optimization knob; rotation and shutdown
// always force a full sync regardless of mode, per spec.md §4.10).
type FlushMode int

const (
	FlushPerRecord FlushMode = iota
	FlushBatched
)

// Options configures a Writer's rotation and flush behavior.
type Options struct {
	QueueSize     int
	MaxSize       int64
	MaxAge        time.Duration
	FlushMode     FlushMode
	BatchInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = DefaultBatchInterval
	}
	return o
}

// Writer is the single consumer for one (host, stream) file. Producers
// call Enqueue; exactly one goroutine drains the queue, appends, and
// rotates.
type Writer struct {
	host   string
	stream string
	path   string
	opts   Options

	queue chan []byte

	mu        sync.Mutex
	file      *os.File
	bw        *bufio.Writer
	size      int64
	openedAt  time.Time

	dropped    atomic.Int64
	wroteCount atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Writer appending to dir/<stream>.jsonl, creating dir
// if needed, and starts its consumer goroutine.
func New(dir, host, stream string, opts Options) (*Writer, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("writer: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, stream+".jsonl")

	w := &Writer{
		host:   host,
		stream: stream,
		path:   path,
		opts:   opts,
		queue:  make(chan []byte, opts.QueueSize),
		done:   make(chan struct{}),
	}
	if err := w.openLocked(); err != nil {
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *Writer) openLocked() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("writer: open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("writer: stat %s: %w", w.path, err)
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	w.size = info.Size()
	w.openedAt = time.Now()
	return nil
}

// Enqueue submits one already-serialized record line (without the
// trailing newline). If the queue is full, the oldest queued record
// is dropped to make room, preserving recency per spec.md §4.10.
func (w *Writer) Enqueue(line []byte) {
	buf := make([]byte, len(line))
	copy(buf, line)
	select {
	case w.queue <- buf:
		metrics.WriterQueueDepth.WithLabelValues(w.host, w.stream).Set(float64(len(w.queue)))
		return
	default:
	}
	select {
	case <-w.queue:
		w.dropped.Add(1)
		metrics.RecordsDropped.WithLabelValues("writer").Inc()
	default:
	}
	select {
	case w.queue <- buf:
	default:
		w.dropped.Add(1)
		metrics.RecordsDropped.WithLabelValues("writer").Inc()
	}
	metrics.WriterQueueDepth.WithLabelValues(w.host, w.stream).Set(float64(len(w.queue)))
}

// Dropped returns the count of records dropped due to a full queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Written returns the count of records successfully appended.
func (w *Writer) Written() int64 { return w.wroteCount.Load() }

func (w *Writer) run() {
	defer close(w.done)

	var ticker *time.Ticker
	var tickC <-chan time.Time
	if w.opts.FlushMode == FlushBatched {
		ticker = time.NewTicker(w.opts.BatchInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case line, ok := <-w.queue:
			if !ok {
				w.mu.Lock()
				w.flushAndSyncLocked()
				w.mu.Unlock()
				return
			}
			w.appendOne(line)
		case <-tickC:
			w.mu.Lock()
			w.bw.Flush()
			w.file.Sync()
			w.mu.Unlock()
		}
	}
}

func (w *Writer) appendOne(line []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldRotateLocked() {
		if err := w.rotateLocked(); err != nil {
			return
		}
	}

	n, err := w.bw.Write(line)
	if err == nil {
		var nl int
		nl, err = w.bw.Write([]byte{'\n'})
		n += nl
	}
	if err != nil {
		return
	}
	w.size += int64(n)
	w.wroteCount.Add(1)
	metrics.RecordsWritten.WithLabelValues(w.host, w.stream).Inc()
	metrics.WriterQueueDepth.WithLabelValues(w.host, w.stream).Set(float64(len(w.queue)))

	if w.opts.FlushMode == FlushPerRecord {
		w.bw.Flush()
		w.file.Sync()
	}
}

func (w *Writer) shouldRotateLocked() bool {
	if w.size >= w.opts.MaxSize {
		return true
	}
	return time.Since(w.openedAt) >= w.opts.MaxAge
}

// rotateLocked flushes and syncs the current file, renames it with a
// timestamp suffix, and opens a fresh file in its place. Must be
// called with w.mu held.
func (w *Writer) rotateLocked() error {
	w.flushAndSyncLocked()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("writer: close %s before rotation: %w", w.path, err)
	}

	rotated := fmt.Sprintf("%s.%s", w.path, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("writer: rename %s: %w", w.path, err)
	}
	return w.openLocked()
}

func (w *Writer) flushAndSyncLocked() {
	if w.bw != nil {
		w.bw.Flush()
	}
	if w.file != nil {
		w.file.Sync()
	}
}

// Close drains any already-queued records, performs a final flush and
// sync, and closes the underlying file. Close is idempotent.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() {
		close(w.queue)
	})
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
