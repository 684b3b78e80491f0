package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// killWait bounds how long Stop and Kill wait for the reaper after SIGKILL.
const killWait = 200 * time.Millisecond

// Worker is a running child process with its stdio wired for JSON-RPC.
type Worker interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// Wait blocks until exit and returns the exit code, nil when the
	// process ended without one.
	Wait() (*int, error)
	Stop(grace time.Duration) error
	Kill() error
}

// Spawner starts workers. The host depends on this interface so tests can
// substitute in-process fakes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec, env []string, stderr io.Writer) (Worker, error)
}

// ExecSpawner spawns real OS processes in their own process group.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, spec Spec, env []string, stderr io.Writer) (Worker, error) {
	return Start(ctx, spec, env, stderr)
}

// Process is a spawned worker. A single reaper goroutine owns cmd.Wait.
type Process struct {
	spec  Spec
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *eofCloser

	mu       sync.Mutex
	exitCode *int
	exitErr  error
	waitDone chan struct{}
}

// Start launches spec with env as the full environment (nil inherits the
// parent's). stderr receives the worker's stderr; nil discards it. ctx only
// bounds the launch itself.
func Start(ctx context.Context, spec Spec, env []string, stderr io.Writer) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	if cmd.Err != nil {
		return nil, fmt.Errorf("resolve %s: %w", spec.Name, cmd.Err)
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	if stderr != nil {
		cmd.Stderr = stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// os.Pipe rather than StdoutPipe: cmd.Wait must not close the read end
	// while the bridge is still draining buffered lines.
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = outW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	_ = outW.Close()

	p := &Process{
		spec:     spec,
		cmd:      cmd,
		stdin:    stdin,
		out:      &eofCloser{f: outR},
		waitDone: make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	code := exitCode(p.cmd.ProcessState)

	p.mu.Lock()
	p.exitCode = code
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.exitErr = err
	}
	p.mu.Unlock()
	close(p.waitDone)
}

func (p *Process) PID() int              { return p.cmd.Process.Pid }
func (p *Process) Stdin() io.WriteCloser { return p.stdin }
func (p *Process) Stdout() io.Reader     { return p.out }
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Wait returns the exit code once the process has been reaped. The error is
// non-nil only when waiting itself failed, not for non-zero exits.
func (p *Process) Wait() (*int, error) {
	<-p.waitDone
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitErr
}

// Stop closes stdin, sends SIGTERM to the process group and escalates to
// SIGKILL once grace has elapsed.
func (p *Process) Stop(grace time.Duration) error {
	select {
	case <-p.waitDone:
		return nil
	default:
	}
	_ = p.stdin.Close()
	if err := terminateGroup(p.PID()); err != nil {
		return p.Kill()
	}
	select {
	case <-p.waitDone:
		return nil
	case <-time.After(grace):
	}
	return p.Kill()
}

// Kill sends SIGKILL to the process group and waits briefly for the reaper.
func (p *Process) Kill() error {
	select {
	case <-p.waitDone:
		return nil
	default:
	}
	if err := killGroup(p.PID()); err != nil {
		select {
		case <-p.waitDone:
			return nil
		case <-time.After(killWait):
			return fmt.Errorf("kill %s: %w", p.spec.Name, err)
		}
	}
	select {
	case <-p.waitDone:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("kill %s: process not reaped after %s", p.spec.Name, killWait)
	}
}

// eofCloser closes the read end of the stdout pipe once it reports EOF or an
// error, so the descriptor does not outlive the reader.
type eofCloser struct {
	f    *os.File
	once sync.Once
}

func (r *eofCloser) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil {
		r.once.Do(func() { _ = r.f.Close() })
	}
	return n, err
}
