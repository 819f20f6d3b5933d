// Package executor spawns and supervises agent subprocesses. Commands are
// argv vectors executed directly, never through a shell, with a filtered
// environment. Each child runs in its own process group so termination takes
// the whole tree: SIGTERM first, then SIGKILL after a grace period.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrEmptyArgv is returned when a spec has no command to run.
var ErrEmptyArgv = errors.New("executor: empty argv")

// defaultEnvAllowlist is the set of parent environment variables passed
// through to children when the config does not override it.
var defaultEnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "TZ", "USER"}

// Config holds Executor configuration.
type Config struct {
	KillGrace      time.Duration // grace between SIGTERM and SIGKILL (default 3s)
	MaxOutputBytes int           // per-stream output cap (default 1 MiB)
	EnvAllowlist   []string      // parent env vars passed through (default PATH, HOME, ...)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.KillGrace == 0 {
		out.KillGrace = 3 * time.Second
	}
	if out.MaxOutputBytes == 0 {
		out.MaxOutputBytes = 1 << 20
	}
	if out.EnvAllowlist == nil {
		out.EnvAllowlist = defaultEnvAllowlist
	}
	return out
}

// Spec describes one subprocess to run.
type Spec struct {
	Argv    []string          // command and arguments, executed without a shell
	Dir     string            // working directory ("" = inherit)
	Env     map[string]string // extra environment on top of the allowlist
	Timeout time.Duration     // wall-clock limit for Run (0 = none)
}

// Result is the outcome of a one-shot Run.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Duration time.Duration
}

// Executor runs subprocesses. Safe for concurrent use.
type Executor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	wg      sync.WaitGroup
}

// New creates an Executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		handles: make(map[*Handle]struct{}),
	}
}

// buildCmd constructs the exec.Cmd for spec with a filtered environment and
// its own process group.
func (e *Executor) buildCmd(spec Spec) (*exec.Cmd, error) {
	if len(spec.Argv) == 0 {
		return nil, ErrEmptyArgv
	}
	//nolint:gosec // argv comes from validated task definitions
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := make([]string, 0, len(e.cfg.EnvAllowlist)+len(spec.Env))
	for _, key := range e.cfg.EnvAllowlist {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	for key, val := range spec.Env {
		if strings.ContainsAny(key, "=\x00") {
			return nil, fmt.Errorf("executor: invalid env key %q", key)
		}
		env = append(env, key+"="+val)
	}
	cmd.Env = env
	return cmd, nil
}

// Run executes spec to completion and returns its captured output. The
// process is terminated with the two-stage escalation if the spec timeout
// elapses or ctx is cancelled. A non-zero exit is reported in the Result,
// not as an error; err is non-nil only when the process could not be run.
func (e *Executor) Run(ctx context.Context, spec Spec) (Result, error) {
	cmd, err := e.buildCmd(spec)
	if err != nil {
		return Result{}, err
	}

	stdout := NewOutputBuffer(e.cfg.MaxOutputBytes)
	stderr := NewOutputBuffer(e.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	pgid := cmd.Process.Pid

	done := make(chan struct{})
	var timedOut bool

	// Watchdog: escalate on timeout or context cancellation, stand down the
	// moment the process exits on its own.
	var timer *time.Timer
	timeoutCh := make(chan struct{})
	if spec.Timeout > 0 {
		timer = time.AfterFunc(spec.Timeout, func() { close(timeoutCh) })
	}
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		select {
		case <-done:
		case <-timeoutCh:
			timedOut = true
			e.terminateGroup(pgid, done)
		case <-ctx.Done():
			e.terminateGroup(pgid, done)
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	if timer != nil {
		timer.Stop()
	}
	<-watchdogDone

	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	res.ExitCode = exitCode(waitErr)
	if waitErr != nil && res.ExitCode < 0 {
		return res, fmt.Errorf("wait %s: %w", spec.Argv[0], waitErr)
	}
	if !timedOut && ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

// exitCode maps cmd.Wait's error to a shell-style exit code. Signal deaths
// report 128+signal; -1 means the process state is unknown.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// terminateGroup signals the whole process group: SIGTERM, then SIGKILL if
// the group is still alive after the grace period. exited closes when the
// direct child has been reaped, which stands down the escalation timer.
func (e *Executor) terminateGroup(pgid int, exited <-chan struct{}) {
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Group already gone.
		return
	}

	grace := time.NewTimer(e.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-exited:
	case <-grace.C:
		e.logger.Warn("process group ignored SIGTERM, escalating to SIGKILL", "pgid", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// Handle is a supervised long-running subprocess with piped stdio, used for
// agent processes that speak the line protocol over stdin/stdout.
type Handle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr *OutputBuffer

	executor *Executor
	cmd      *exec.Cmd
	pgid     int

	mu       sync.Mutex
	stopped  bool
	waitErr  error
	exitedCh chan struct{}
}

// Start launches spec as a supervised process and returns its handle. The
// caller owns the handle and must call Stop or Wait.
func (e *Executor) Start(spec Spec) (*Handle, error) {
	cmd, err := e.buildCmd(spec)
	if err != nil {
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := NewOutputBuffer(e.cfg.MaxOutputBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	h := &Handle{
		Stdin:    stdin,
		Stdout:   stdout,
		Stderr:   stderr,
		executor: e,
		cmd:      cmd,
		pgid:     cmd.Process.Pid,
		exitedCh: make(chan struct{}),
	}

	e.mu.Lock()
	e.handles[h] = struct{}{}
	e.mu.Unlock()

	// Reap in the background to avoid zombies and unblock Wait callers.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		close(h.exitedCh)

		e.mu.Lock()
		delete(e.handles, h)
		e.mu.Unlock()
	}()

	return h, nil
}

// Pid returns the child's process id (also its process group id).
func (h *Handle) Pid() int { return h.pgid }

// Exited returns a channel closed when the process has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exitedCh }

// Wait blocks until the process exits or ctx is done, returning the exit
// code. Cancelling ctx abandons the wait without touching the process.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-h.exitedCh:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return exitCode(h.waitErr), nil
}

// Stop terminates the process group with the two-stage escalation and waits
// for the child to be reaped. Idempotent.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		<-h.exitedCh
		return
	}
	h.stopped = true
	h.mu.Unlock()

	_ = h.Stdin.Close()
	h.executor.terminateGroup(h.pgid, h.exitedCh)
	<-h.exitedCh
}

// Shutdown stops every live handle and waits for all reapers to finish.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	live := make([]*Handle, 0, len(e.handles))
	for h := range e.handles {
		live = append(live, h)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range live {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.Stop()
		}(h)
	}
	wg.Wait()
	e.wg.Wait()
}
