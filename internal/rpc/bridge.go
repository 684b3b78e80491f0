package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeout bounds a call when no option overrides it.
	DefaultTimeout = 30 * time.Second
	// DefaultHealthMethod is the method the default health probe calls.
	DefaultHealthMethod = "ping"

	outboundBuffer = 64
	maxLineSize    = 16 << 20
)

// Probe decides whether an active worker is healthy.
type Probe func(ctx context.Context) bool

// CallObserver is notified once per completed Call.
type CallObserver func(method string, elapsed time.Duration, err error)

// NotificationHandler receives the params of a notification from the worker.
// Handlers run on the read goroutine and must not block.
type NotificationHandler func(params json.RawMessage)

type result struct {
	resp *Response
	err  error
}

// Bridge correlates line-delimited JSON-RPC requests written to a worker's
// stdin with responses read from its stdout. Many goroutines may Call
// concurrently; each waits only for its own id.
type Bridge struct {
	mu      sync.Mutex
	active  bool
	out     chan<- []byte
	done    chan struct{}
	pending map[uint64]chan result
	nextID  atomic.Uint64

	hmu      sync.RWMutex
	handlers map[string]NotificationHandler

	timeout      time.Duration
	healthMethod string
	probe        Probe
	observe      CallObserver
	logger       *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout sets the default per-call timeout; non-positive keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithHealthProbe replaces the default ping-based probe.
func WithHealthProbe(p Probe) Option {
	return func(b *Bridge) { b.probe = p }
}

// WithHealthMethod sets the method called by the default probe.
func WithHealthMethod(method string) Option {
	return func(b *Bridge) {
		if method != "" {
			b.healthMethod = method
		}
	}
}

// WithCallObserver reports every finished call to fn.
func WithCallObserver(fn CallObserver) Option {
	return func(b *Bridge) { b.observe = fn }
}

// NewBridge returns an inactive bridge.
func NewBridge(opts ...Option) *Bridge {
	b := &Bridge{
		pending:      make(map[uint64]chan result),
		handlers:     make(map[string]NotificationHandler),
		timeout:      DefaultTimeout,
		healthMethod: DefaultHealthMethod,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "rpc")
	return b
}

// Start marks the bridge active. Calls fail with ErrChannelUnavailable until
// an outbound channel is set.
func (b *Bridge) Start() {
	b.mu.Lock()
	b.startLocked()
	b.mu.Unlock()
}

func (b *Bridge) startLocked() {
	if b.active {
		return
	}
	b.active = true
	b.done = make(chan struct{})
}

// SetOutbound sets the channel that carries encoded lines to the worker.
// Each line already ends with a newline.
func (b *Bridge) SetOutbound(ch chan<- []byte) {
	b.mu.Lock()
	b.out = ch
	b.mu.Unlock()
}

// Attach starts the bridge on a worker's stdin (w) and stdout (r). It returns
// immediately; the read goroutine exits at EOF and the write goroutine on Stop.
func (b *Bridge) Attach(w io.Writer, r io.Reader) {
	out := make(chan []byte, outboundBuffer)
	b.mu.Lock()
	b.startLocked()
	b.out = out
	done := b.done
	b.mu.Unlock()

	go b.writeLoop(w, out, done)
	go func() {
		if err := b.ReadLoop(r); err != nil {
			b.logger.Debug("read loop ended", "error", err)
		}
	}()
}

func (b *Bridge) writeLoop(w io.Writer, out <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case line := <-out:
			if _, err := w.Write(line); err != nil {
				b.logger.Warn("write to worker failed", "error", err)
			}
		}
	}
}

// IsRunning reports whether the bridge accepts calls.
func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Pending returns the number of calls awaiting a response.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// LastID returns the most recently allocated request id, 0 if none.
func (b *Bridge) LastID() uint64 { return b.nextID.Load() }

// Call sends method with params and waits for the matching response. The
// result is the raw "result" member of the response.
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	res, err := b.call(ctx, method, params)
	if b.observe != nil {
		b.observe(method, time.Since(start), err)
	}
	return res, err
}

func (b *Bridge) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return nil, ErrNotRunning
	}
	if b.out == nil {
		b.mu.Unlock()
		return nil, ErrChannelUnavailable
	}
	raw, err := encodeParams(params)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s params: %v", ErrSerialization, method, err)
	}
	id := b.nextID.Add(1)
	line, err := json.Marshal(Request{JSONRPC: Version, ID: id, Method: method, Params: raw})
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s request: %v", ErrSerialization, method, err)
	}
	line = append(line, '\n')
	ch := make(chan result, 1)
	b.pending[id] = ch
	out, done := b.out, b.done
	b.mu.Unlock()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case out <- line:
	case <-done:
		return nil, ErrCancelled
	case <-timer.C:
		b.forget(id)
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, b.timeout, method)
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, r.resp.Error
		}
		return r.resp.Result, nil
	case <-timer.C:
		b.forget(id)
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, b.timeout, method)
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	}
}

func (b *Bridge) forget(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Notify sends a one-way message to the worker.
func (b *Bridge) Notify(ctx context.Context, method string, params any) error {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return ErrNotRunning
	}
	if b.out == nil {
		b.mu.Unlock()
		return ErrChannelUnavailable
	}
	out, done := b.out, b.done
	b.mu.Unlock()

	raw, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("%w: %s params: %v", ErrSerialization, method, err)
	}
	line, err := json.Marshal(Notification{JSONRPC: Version, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("%w: %s notification: %v", ErrSerialization, method, err)
	}
	line = append(line, '\n')

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case out <- line:
		return nil
	case <-done:
		return ErrCancelled
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrTimeout, method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnNotification registers h for notifications named method.
func (b *Bridge) OnNotification(method string, h NotificationHandler) {
	b.hmu.Lock()
	if h == nil {
		delete(b.handlers, method)
	} else {
		b.handlers[method] = h
	}
	b.hmu.Unlock()
}

// ReadLoop feeds each line of r to HandleLine until EOF or a read error.
func (b *Bridge) ReadLoop(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		b.HandleLine(sc.Bytes())
	}
	return sc.Err()
}

// HandleLine resolves the waiter matching a response line. Lines that do not
// parse, or whose id has no waiter, are dropped.
func (b *Bridge) HandleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		b.logger.Debug("dropping unparsable line", "error", err, "line", truncate(line))
		return
	}
	if env.ID == nil || string(*env.ID) == "null" {
		if env.Method != "" {
			b.handleNotification(line)
			return
		}
		b.logger.Debug("dropping message without id", "line", truncate(line))
		return
	}
	if env.Method != "" {
		b.logger.Debug("dropping request from worker", "method", env.Method)
		return
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		b.logger.Debug("dropping malformed response", "error", err, "line", truncate(line))
		return
	}

	b.mu.Lock()
	ch, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("dropping unmatched response", "id", resp.ID)
		return
	}
	ch <- result{resp: &resp}
}

func (b *Bridge) handleNotification(line []byte) {
	var n Notification
	if err := json.Unmarshal(line, &n); err != nil {
		b.logger.Debug("dropping malformed notification", "error", err)
		return
	}
	b.hmu.RLock()
	h := b.handlers[n.Method]
	b.hmu.RUnlock()
	if h == nil {
		b.logger.Debug("unhandled notification", "method", n.Method)
		return
	}
	h(n.Params)
}

// Stop marks the bridge inactive and fails every in-flight call with
// ErrCancelled. It is safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active && len(b.pending) == 0 {
		return
	}
	b.active = false
	b.out = nil
	if b.done != nil {
		close(b.done)
		b.done = nil
	}
	for id, ch := range b.pending {
		select {
		case ch <- result{err: ErrCancelled}:
		default:
		}
		delete(b.pending, id)
	}
}

// IsHealthy reports false when the bridge is inactive and otherwise asks the
// probe. The default probe calls the health method; any reply from the
// worker, including an error object, counts as alive.
func (b *Bridge) IsHealthy(ctx context.Context) bool {
	if !b.IsRunning() {
		return false
	}
	if b.probe != nil {
		return b.probe(ctx)
	}
	_, err := b.Call(ctx, b.healthMethod, nil)
	if err == nil {
		return true
	}
	_, remote := IsRemote(err)
	return remote
}

func truncate(line []byte) string {
	const limit = 256
	if len(line) > limit {
		return string(line[:limit]) + "..."
	}
	return string(line)
}
