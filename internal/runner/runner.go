/*
Package runner supervises the external inference program.

The program is launched as

	<path> --model-file <model> --clean --camera <device> [args...]

Its stdout is split into lines and delivered on Lines(); stderr is folded into the
process log. A waiter goroutine reaps the process and publishes its exit status
through Done() and Err().

Lifecycle:

	Start(ctx) -> [stdout reader] [stderr logger] [waiter]
	Stop()     -> cancel -> wait 2s -> kill

Lines() closes once stdout reaches EOF, which happens no later than process exit.
Consumers drain Lines() and then read Err() after Done().
*/
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrModelNotFound is returned by Start when the model file does not exist
	ErrModelNotFound = errors.New("model file not found")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("runner already started")
)

const (
	stopTimeout   = 2 * time.Second
	lineBuffer    = 64
	maxLineLength = 1024 * 1024
)

// Config describes the program to launch
type Config struct {
	Path      string
	ModelFile string
	Camera    string
	Args      []string
}

// Runner wraps the inference subprocess
type Runner struct {
	cfg Config

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	lines chan string
	done  chan struct{}
	err   error // written before done is closed

	ctx     context.Context
	cancel  context.CancelFunc
	readers sync.WaitGroup
	started atomic.Bool
	active  atomic.Bool

	linesRead  atomic.Uint64
	lastLineAt atomic.Value // time.Time
}

// New creates a runner; nothing is launched until Start
func New(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		lines: make(chan string, lineBuffer),
		done:  make(chan struct{}),
	}
}

// Args returns the command line arguments passed to the program
func (r *Runner) Args() []string {
	args := []string{
		"--model-file", r.cfg.ModelFile,
		"--clean",
		"--camera", r.cfg.Camera,
	}
	return append(args, r.cfg.Args...)
}

// Start checks the model file and launches the program
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if _, err := os.Stat(r.cfg.ModelFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, r.cfg.ModelFile)
		}
		return fmt.Errorf("failed to stat model file: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cmd = exec.CommandContext(r.ctx, r.cfg.Path, r.Args()...)

	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		r.cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	r.stdout = stdout

	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		r.cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	r.stderr = stderr

	if err := r.cmd.Start(); err != nil {
		r.cancel()
		return fmt.Errorf("failed to launch runner %s: %w", r.cfg.Path, err)
	}

	r.active.Store(true)
	r.lastLineAt.Store(time.Now())

	slog.Info("runner started",
		"path", r.cfg.Path,
		"model", r.cfg.ModelFile,
		"camera", r.cfg.Camera,
		"pid", r.cmd.Process.Pid,
	)

	r.readers.Add(2)
	go r.readStdout()
	go r.logStderr()
	go r.waitProcess()

	return nil
}

// readStdout delivers stdout lines until EOF or cancellation
func (r *Runner) readStdout() {
	defer r.readers.Done()
	defer close(r.lines)

	scanner := bufio.NewScanner(r.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	for scanner.Scan() {
		line := scanner.Text()
		r.linesRead.Add(1)
		r.lastLineAt.Store(time.Now())

		select {
		case r.lines <- line:
		case <-r.ctx.Done():
			// Keep draining so the process never blocks on a full pipe
			continue
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Error("error reading runner stdout", "error", err, "action", "discarding remaining output")
		drain(r.stdout)
	}
}

// logStderr folds the program's stderr into the process log
func (r *Runner) logStderr() {
	defer r.readers.Done()

	scanner := bufio.NewScanner(r.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "ERR"):
			slog.Error("runner error", "log", line)
		case strings.Contains(line, "WARN"):
			slog.Warn("runner warning", "log", line)
		default:
			slog.Debug("runner log", "log", line)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Warn("error reading runner stderr", "error", err, "action", "discarding remaining output")
		drain(r.stderr)
	}
}

// drain consumes a pipe until EOF so the program never blocks writing to it
func drain(pipe io.Reader) {
	_, _ = io.Copy(io.Discard, pipe)
}

// waitProcess reaps the process once both pipes are drained
func (r *Runner) waitProcess() {
	r.readers.Wait()
	err := r.cmd.Wait()

	pid := r.cmd.Process.Pid
	if err != nil {
		select {
		case <-r.ctx.Done():
			slog.Debug("runner exited (shutdown)", "pid", pid)
		default:
			slog.Error("runner exited unexpectedly", "pid", pid, "error", err)
		}
	} else {
		slog.Info("runner exited cleanly", "pid", pid)
	}

	r.err = err
	r.active.Store(false)
	close(r.done)
}

// Lines returns stdout lines; the channel closes at EOF
func (r *Runner) Lines() <-chan string {
	return r.lines
}

// Done is closed when the process has exited
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Err returns the exit error once Done is closed, nil before
func (r *Runner) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Stop terminates the program, force killing it after 2s
func (r *Runner) Stop() error {
	if !r.started.Load() || r.cmd == nil || r.cmd.Process == nil {
		return nil
	}

	select {
	case <-r.done:
		r.cancel()
		return nil
	default:
	}

	slog.Info("stopping runner", "pid", r.cmd.Process.Pid)
	r.cancel()

	select {
	case <-r.done:
	case <-time.After(stopTimeout):
		slog.Warn("runner stop timeout, force killing process", "pid", r.cmd.Process.Pid)
		if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill runner: %w", err)
		}
		<-r.done
	}

	slog.Info("runner stopped", "lines_read", r.linesRead.Load())
	return nil
}

// Metrics contains runner health data
type Metrics struct {
	Running    bool
	LinesRead  uint64
	LastLineAt time.Time
}

// Metrics returns current runner metrics
func (r *Runner) Metrics() Metrics {
	var last time.Time
	if v := r.lastLineAt.Load(); v != nil {
		last = v.(time.Time)
	}
	return Metrics{
		Running:    r.active.Load(),
		LinesRead:  r.linesRead.Load(),
		LastLineAt: last,
	}
}
