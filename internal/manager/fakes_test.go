package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/sidekick/internal/history"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/supervisor"
)

// fakeWorker is an in-process JSON-RPC worker over io.Pipe. It answers
// "ping" with "pong" and echoes params for "echo". "notify" sends a "log"
// notification carrying the params before answering. Anything else is
// method not found.
type fakeWorker struct {
	pid      int
	stdinR   *io.PipeReader
	stdinW   *io.PipeWriter
	stdoutR  *io.PipeReader
	stdoutW  *io.PipeWriter
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	code     *int
	silent   atomic.Bool
	stops    atomic.Int32
	kills    atomic.Int32
	stopCode int
	stopGate chan struct{} // Stop exits the worker, then blocks until closed
}

func newFakeWorker(pid int) *fakeWorker {
	f := &fakeWorker{pid: pid, done: make(chan struct{})}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	go f.serve()
	return f
}

func (f *fakeWorker) serve() {
	sc := bufio.NewScanner(f.stdinR)
	for sc.Scan() {
		var req struct {
			ID     *uint64         `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil || req.ID == nil || f.silent.Load() {
			continue
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": *req.ID}
		switch req.Method {
		case "ping":
			resp["result"] = "pong"
		case "echo":
			resp["result"] = req.Params
		case "notify":
			n, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "log", "params": req.Params})
			if _, err := f.stdoutW.Write(append(n, '\n')); err != nil {
				return
			}
			resp["result"] = "ok"
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		b, _ := json.Marshal(resp)
		if _, err := f.stdoutW.Write(append(b, '\n')); err != nil {
			return
		}
	}
}

// exit ends the fake process with code; nil means killed by a signal.
func (f *fakeWorker) exit(code *int) {
	f.once.Do(func() {
		f.mu.Lock()
		f.code = code
		f.mu.Unlock()
		_ = f.stdoutW.Close()
		_ = f.stdinR.Close()
		close(f.done)
	})
}

func (f *fakeWorker) PID() int              { return f.pid }
func (f *fakeWorker) Stdin() io.WriteCloser { return f.stdinW }
func (f *fakeWorker) Stdout() io.Reader     { return f.stdoutR }
func (f *fakeWorker) Done() <-chan struct{} { return f.done }

func (f *fakeWorker) Wait() (*int, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, nil
}

func (f *fakeWorker) Stop(time.Duration) error {
	f.stops.Add(1)
	c := f.stopCode
	f.exit(&c)
	if f.stopGate != nil {
		<-f.stopGate
	}
	return nil
}

func (f *fakeWorker) Kill() error {
	f.kills.Add(1)
	f.exit(nil)
	return nil
}

type fakeSpawner struct {
	mu         sync.Mutex
	workers    []*fakeWorker
	envs       [][]string
	err        error
	silent     bool
	stderrLine string
	stopGate   chan struct{}
}

func (s *fakeSpawner) Spawn(_ context.Context, _ process.Spec, env []string, stderr io.Writer) (process.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	w := newFakeWorker(1000 + len(s.workers))
	w.silent.Store(s.silent)
	w.stopGate = s.stopGate
	s.workers = append(s.workers, w)
	s.envs = append(s.envs, env)
	if s.stderrLine != "" && stderr != nil {
		_, _ = stderr.Write([]byte(s.stderrLine))
	}
	return w, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *fakeSpawner) last() *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.workers) == 0 {
		return nil
	}
	return s.workers[len(s.workers)-1]
}

type fakeSampler struct {
	usage supervisor.ResourceUsage
	err   error
}

func (f fakeSampler) Sample(context.Context, int) (supervisor.ResourceUsage, error) {
	return f.usage, f.err
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) Recent(_ context.Context, worker string, limit int) ([]history.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Event
	for _, e := range m.events {
		if e.Worker == worker {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memSink) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// syncBuffer is a bytes.Buffer safe for concurrent slog writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
