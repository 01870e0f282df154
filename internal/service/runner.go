package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var ErrStepInProgress = errors.New("step in progress")

// tailSize is how much of stderr a Result keeps.
const tailSize = 2048

// maxLine bounds a stderr line handed to a StderrFunc; longer lines are split.
const maxLine = bufio.MaxScanTokenSize

type StderrFunc func(ctx context.Context, line string)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Runner executes one external step at a time and waits for it.
type Runner struct {
	mx        sync.Mutex
	running   bool
	waitDelay time.Duration
}

func NewRunner() *Runner {
	return &Runner{waitDelay: 5 * time.Second}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string // appended to the current process environment
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Dir     string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stderr  string // last bytes of stderr
	Outcome Outcome
	Err     error
}

func (r Result) Elapsed() time.Duration {
	return r.Stopped.Sub(r.Started)
}

// ExitCode returns the process exit code, -1 if the process did not exit
// normally or was never started.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Run starts the command and blocks until it exits or its timeout elapses,
// in which case the process is killed. Exit code 0 is OutcomeSuccess, a
// timeout is OutcomeTimeout and everything else, including a failure to start,
// is OutcomeFailure. No retries are made.
func (r *Runner) Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	res := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Dir:  proto.Dir,
	}

	r.mx.Lock()
	if r.running {
		r.mx.Unlock()
		res.Outcome = OutcomeFailure
		res.Err = ErrStepInProgress
		return res
	}
	r.running = true
	r.mx.Unlock()
	defer func() {
		r.mx.Lock()
		r.running = false
		r.mx.Unlock()
	}()

	runCtx := ctx
	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	// the step may leave children holding the pipes open after a kill
	cmd.WaitDelay = r.waitDelay

	stderr := &tailWriter{max: tailSize, ctx: ctx, fn: stderrFunc}
	cmd.Stderr = stderr

	res.Started = time.Now().UTC()
	err := cmd.Start()
	if err != nil {
		res.Stopped = time.Now().UTC()
		res.Outcome = OutcomeFailure
		res.Err = err
		return res
	}

	err = cmd.Wait()
	stderr.flush()
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	res.Stderr = stderr.String()
	res.Err = err

	switch {
	case err == nil:
		res.Outcome = OutcomeSuccess
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Outcome = OutcomeTimeout
		res.Err = errors.Join(context.DeadlineExceeded, err)
	default:
		res.Outcome = OutcomeFailure
	}
	return res
}

// tailWriter keeps the last max bytes written and optionally forwards
// complete lines to fn. exec.Cmd writes from a single goroutine and the
// content is read only after Wait returns.
type tailWriter struct {
	max  int
	buf  []byte
	ctx  context.Context
	fn   StderrFunc
	line bytes.Buffer
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	if w.fn != nil {
		for _, b := range p {
			if b == '\n' {
				w.fn(w.ctx, w.line.String())
				w.line.Reset()
				continue
			}
			w.line.WriteByte(b)
			if w.line.Len() >= maxLine {
				w.flush()
			}
		}
	}
	return len(p), nil
}

func (w *tailWriter) flush() {
	if w.fn != nil && w.line.Len() > 0 {
		w.fn(w.ctx, w.line.String())
		w.line.Reset()
	}
}

func (w *tailWriter) String() string {
	return string(w.buf)
}
