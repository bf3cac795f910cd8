// Package procmanager spawns, supervises, and restarts the worker child
// process. It owns nothing about the IPC protocol itself — only the OS
// process lifecycle and its stdin/stdout pipes.
package procmanager

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/intelligencedev/localforge/internal/logging"
)

// terminationTimeout bounds how long Kill waits for a graceful exit
// before escalating to a forced kill.
const terminationTimeout = 5 * time.Second

// Handle supervises one worker child process at a time. Restart is
// idempotent and safe to call after Kill.
type Handle struct {
	binaryPath string
	args       []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ctx     context.Context
	cancel  context.CancelFunc
	stdinTaken  bool
	stdoutTaken bool
}

// New creates a Handle for a worker binary but does not start it; call
// Restart (or Spawn) to start the first instance.
func New(binaryPath string, args ...string) *Handle {
	return &Handle{binaryPath: binaryPath, args: args}
}

// Spawn starts the worker process. Spawn failure is fatal to the caller.
func (h *Handle) Spawn() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawnLocked()
}

func (h *Handle) spawnLocked() error {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, h.binaryPath, h.args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("spawn worker: %w", err)
	}

	h.cmd = cmd
	h.stdin = stdin
	h.stdout = stdout
	h.ctx = ctx
	h.cancel = cancel
	h.stdinTaken = false
	h.stdoutTaken = false
	return nil
}

// TakeStdin returns the worker's stdin pipe. May only be called once per
// spawned instance; subsequent calls return an error.
func (h *Handle) TakeStdin() (io.WriteCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin == nil {
		return nil, fmt.Errorf("worker not running")
	}
	if h.stdinTaken {
		return nil, fmt.Errorf("stdin already taken")
	}
	h.stdinTaken = true
	return h.stdin, nil
}

// TakeStdout returns the worker's stdout pipe. May only be called once
// per spawned instance.
func (h *Handle) TakeStdout() (io.ReadCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdout == nil {
		return nil, fmt.Errorf("worker not running")
	}
	if h.stdoutTaken {
		return nil, fmt.Errorf("stdout already taken")
	}
	h.stdoutTaken = true
	return h.stdout, nil
}

// IsAlive is a non-blocking poll of whether the child process looks
// running. It does not distinguish "never spawned" from "exited".
func (h *Handle) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isAliveLocked()
}

func (h *Handle) isAliveLocked() bool {
	if h.cmd == nil || h.cmd.Process == nil {
		return false
	}
	// ProcessState is only set once Wait() observes the child's exit.
	return h.cmd.ProcessState == nil
}

// Kill force-terminates the child process and blocks until it is reaped.
// Kill failures are logged and treated as success: the child is assumed
// gone either way.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killLocked()
}

func (h *Handle) killLocked() {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = h.cmd.Wait()
		close(done)
	}()

	if err := terminateGracefully(h.cmd.Process); err != nil {
		logging.Log.WithError(err).Warn("worker: graceful terminate failed, killing")
	}

	select {
	case <-done:
	case <-time.After(terminationTimeout):
		if err := h.cmd.Process.Kill(); err != nil {
			logging.Log.WithError(err).Warn("worker: force kill failed (assuming already gone)")
		}
		<-done
	}

	if h.cancel != nil {
		h.cancel()
	}
	h.cmd = nil
	h.stdin = nil
	h.stdout = nil
}

// Restart kills any running instance (idempotent if already dead) and
// spawns a fresh one, returning its new stdin/stdout pipes.
func (h *Handle) Restart() (io.WriteCloser, io.ReadCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.killLocked()
	if err := h.spawnLocked(); err != nil {
		return nil, nil, err
	}
	h.stdinTaken = true
	h.stdoutTaken = true
	return h.stdin, h.stdout, nil
}
