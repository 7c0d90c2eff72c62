// Package proc spawns and supervises child processes: one-shot runs with a
// deadline and streamed runs that publish output line by line.
package proc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/conduit/internal/log"
)

const (
	// DefaultStderrLimit caps the stderr captured from a run.
	DefaultStderrLimit = 64 * 1024

	// DefaultGrace is the time between SIGTERM and SIGKILL.
	DefaultGrace = 5 * time.Second
)

// ErrTimeout is returned when a run exceeds its timeout.
var ErrTimeout = errors.New("process timed out")

// Spec describes one process invocation.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Env entries (KEY=VALUE) are appended to the daemon's environment.
	Env   []string
	Stdin io.Reader

	Timeout     time.Duration
	Grace       time.Duration
	StderrLimit int
}

func (s Spec) grace() time.Duration {
	if s.Grace > 0 {
		return s.Grace
	}
	return DefaultGrace
}

func (s Spec) stderrLimit() int {
	if s.StderrLimit > 0 {
		return s.StderrLimit
	}
	return DefaultStderrLimit
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Runner starts processes. The zero value is usable.
type Runner struct {
	logger *slog.Logger
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = log.WithComponent("proc")
	}
	return &Runner{logger: logger}
}

func (r *Runner) log() *slog.Logger {
	if r == nil || r.logger == nil {
		return log.WithComponent("proc")
	}
	return r.logger
}

func (r *Runner) command(spec Spec) (*exec.Cmd, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("command is empty")
	}
	// Termination is managed here rather than by exec.CommandContext so the
	// process gets SIGTERM and a grace period before SIGKILL.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdin = spec.Stdin
	return cmd, nil
}

// Run executes spec to completion. A non-zero exit is reported in the result,
// not as an error. Exceeding the timeout or cancelling ctx terminates the
// process and returns ErrTimeout or ctx.Err() along with the partial result.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	cmd, err := r.command(spec)
	if err != nil {
		return nil, err
	}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: spec.stderrLimit()}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	logger := r.log().With("command", spec.Command)
	logger.Debug("starting process", "args", spec.Args, "timeout", spec.Timeout)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	result := func(err error) *Result {
		return &Result{
			ExitCode: exitCode(cmd, err),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(started),
		}
	}

	select {
	case err := <-waitErr:
		res := result(err)
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return res, fmt.Errorf("wait for process: %w", err)
		}
		if res.ExitCode != 0 {
			logger.Warn("process exited with non-zero status", "exit_code", res.ExitCode)
		}
		return res, nil

	case <-timeout:
		logger.Warn("process timed out, sending SIGTERM")
		res := result(terminate(cmd, waitErr, spec.grace(), logger))
		res.TimedOut = true
		return res, fmt.Errorf("%w after %s", ErrTimeout, spec.Timeout)

	case <-ctx.Done():
		logger.Info("process cancelled, sending SIGTERM")
		res := result(terminate(cmd, waitErr, spec.grace(), logger))
		return res, ctx.Err()
	}
}

// terminate sends SIGTERM, then SIGKILL once grace expires, and returns the
// process's wait error.
func terminate(cmd *exec.Cmd, waitErr <-chan error, grace time.Duration, logger *slog.Logger) error {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		logger.Info("process exited after SIGTERM")
		return err
	case <-timer.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		return <-waitErr
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// Line is one line of output from a streamed process.
type Line struct {
	Stream string `json:"stream"` // stdout | stderr
	Text   string `json:"line"`
}

// Handle controls a streamed process.
type Handle struct {
	cmd     *exec.Cmd
	grace   time.Duration
	logger  *slog.Logger
	waitErr chan error

	stopOnce sync.Once
	done     chan struct{}
	result   *Result
}

// Start launches spec and calls onLine for each line it writes, in order per
// stream. The process runs until it exits or Stop is called; spec.Timeout is
// not applied.
func (r *Runner) Start(spec Spec, onLine func(Line)) (*Handle, error) {
	cmd, err := r.command(spec)
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	h := &Handle{
		cmd:     cmd,
		grace:   spec.grace(),
		logger:  r.log().With("command", spec.Command),
		waitErr: make(chan error, 1),
		done:    make(chan struct{}),
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	h.logger.Debug("started streamed process", "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	scan := func(stream string, rd io.Reader) {
		defer wg.Done()
		sc := bufio.NewScanner(rd)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			onLine(Line{Stream: stream, Text: sc.Text()})
		}
	}
	wg.Add(2)
	go scan("stdout", stdout)
	go scan("stderr", stderr)

	go func() {
		// Pipes must be drained before Wait closes them.
		wg.Wait()
		err := cmd.Wait()
		h.result = &Result{ExitCode: exitCode(cmd, err), Duration: time.Since(started)}
		h.waitErr <- err
		close(h.done)
	}()
	return h, nil
}

// Pid returns the process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed when the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result is valid after Done is closed.
func (h *Handle) Result() *Result {
	<-h.done
	return h.result
}

// Stop terminates the process with SIGTERM then SIGKILL and waits for it.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		if h.cmd.Process != nil {
			if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				h.logger.Error("failed to send SIGTERM", "error", err)
			}
		}
		timer := time.NewTimer(h.grace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			h.logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				h.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
	})
	<-h.done
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
