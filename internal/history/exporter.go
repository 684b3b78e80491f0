package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
)

// Exporter fans events out to sinks from a background goroutine so that
// supervisor hooks never block on I/O. Events are dropped when the queue is
// full.
type Exporter struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped uint64
	wg      sync.WaitGroup
}

// NewExporter starts an exporter over sinks. queueSize <= 0 uses a default.
func NewExporter(log *slog.Logger, queueSize int, sinks ...Sink) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	x := &Exporter{
		sinks:   append([]Sink(nil), sinks...),
		queue:   make(chan Event, queueSize),
		timeout: defaultSendTimeout,
		log:     log,
	}
	x.wg.Add(1)
	go x.run()
	return x
}

// Enqueue queues e for delivery. It reports false when e was dropped.
func (x *Exporter) Enqueue(e Event) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed || len(x.sinks) == 0 {
		return false
	}
	select {
	case x.queue <- e:
		return true
	default:
		x.dropped++
		x.log.Warn("history queue full, dropping event", "worker", e.Worker, "type", e.Type)
		return false
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (x *Exporter) Dropped() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.dropped
}

// Readers returns the sinks that can read events back.
func (x *Exporter) Readers() []Reader {
	var out []Reader
	for _, s := range x.sinks {
		if r, ok := s.(Reader); ok {
			out = append(out, r)
		}
	}
	return out
}

func (x *Exporter) run() {
	defer x.wg.Done()
	for e := range x.queue {
		for _, s := range x.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
			if err := s.Send(ctx, e); err != nil {
				x.log.Warn("history sink send failed", "worker", e.Worker, "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events and closes every sink implementing io.Closer.
func (x *Exporter) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	close(x.queue)
	x.mu.Unlock()
	x.wg.Wait()

	var first error
	for _, s := range x.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
