package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/marketdesk/refresher/internal/metrics"
	"github.com/marketdesk/refresher/internal/model"

	"github.com/google/uuid"
)

type Mode string

const (
	ModeSingle Mode = "single"
	ModeAll    Mode = "all"
)

// Executor runs a single step. *Runner is the production implementation.
type Executor interface {
	Run(ctx context.Context, cmd Command, stderrFunc StderrFunc) Result
}

// Run is one scheduling cycle. It is created by the Supervisor when the lock
// is acquired and executed by exactly one goroutine.
type Run struct {
	ID        string
	Mode      Mode
	Modules   []model.Module
	StartedAt time.Time

	cancel   atomic.Bool
	progress *progress
	done     chan struct{}
}

func newRun(mode Mode, modules []model.Module, logCapacity int, now func() time.Time) *Run {
	scripts := 0
	for _, m := range modules {
		scripts += len(m.Steps)
	}
	p := newProgress(len(modules), scripts, logCapacity, now)
	if len(modules) > 0 {
		// reported by a BusyError before the goroutine picks the module up
		p.state.CurrentModule = modules[0].Key
	}
	return &Run{
		ID:        uuid.NewString(),
		Mode:      mode,
		Modules:   modules,
		StartedAt: p.started.UTC(),
		progress:  p,
		done:      make(chan struct{}),
	}
}

// RunInfo identifies an accepted Run.
type RunInfo struct {
	ID        string    `json:"run_id"`
	Mode      Mode      `json:"mode"`
	Modules   []string  `json:"modules"`
	StartedAt time.Time `json:"started_at"`
}

func (r *Run) Info() RunInfo {
	keys := make([]string, len(r.Modules))
	for i, m := range r.Modules {
		keys[i] = m.Key
	}
	return RunInfo{ID: r.ID, Mode: r.Mode, Modules: keys, StartedAt: r.StartedAt}
}

// RunResult is the terminal summary of a Run, kept as last_result and sent to
// notifiers.
type RunResult struct {
	RunInfo
	FinishedAt time.Time               `json:"finished_at"`
	OK         bool                    `json:"ok"`
	Cancelled  bool                    `json:"cancelled"`
	Elapsed    float64                 `json:"elapsed"`
	Results    map[string]ModuleResult `json:"results"`
	Error      string                  `json:"error,omitempty"`
}

func (r RunResult) Outcome() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.OK:
		return "ok"
	default:
		return "failed"
	}
}

// Pipeline executes the modules of a Run in order, one step at a time.
type Pipeline struct {
	executor Executor
	metrics  *metrics.Metrics
}

func NewPipeline(executor Executor, m *metrics.Metrics) *Pipeline {
	return &Pipeline{executor: executor, metrics: m}
}

// Execute runs every module of the Run. A failed step aborts the rest of its
// module, the following modules still run. The cancel flag and ctx are
// checked before every step; once either is set no further step starts.
func (p *Pipeline) Execute(ctx context.Context, run *Run) RunResult {
	prog := run.progress
	prog.log("info", "", fmt.Sprintf("run started: mode=%s modules=%s", run.Mode, strings.Join(run.Info().Modules, ",")))

	cancelled := false
	for i, mod := range run.Modules {
		res := p.module(ctx, run, i, mod)
		prog.moduleDone(mod.Key, res)
		if res.Cancelled {
			cancelled = true
			break
		}
	}

	prog.finish()
	results := prog.results()
	ok := !cancelled
	for _, mod := range run.Modules {
		r, done := results[mod.Key]
		ok = ok && done && r.OK
	}

	result := RunResult{
		RunInfo:    run.Info(),
		FinishedAt: time.Now().UTC(),
		OK:         ok,
		Cancelled:  cancelled,
		Results:    results,
	}
	result.Elapsed = result.FinishedAt.Sub(result.StartedAt).Seconds()

	switch {
	case cancelled:
		prog.log("warn", "", "run cancelled")
	case ok:
		prog.log("info", "", "run finished")
	default:
		prog.log("error", "", "run finished with failures")
	}
	return result
}

func (p *Pipeline) module(ctx context.Context, run *Run, idx int, mod model.Module) ModuleResult {
	prog := run.progress
	prog.startModule(idx, mod.Key)
	prog.log("info", mod.Key, fmt.Sprintf("module %s started (%d steps)", mod.Name, len(mod.Steps)))
	slog.InfoContext(ctx, "module started", "module", mod.Key, "steps", len(mod.Steps))

	start := time.Now()
	res := ModuleResult{OK: true}
	for _, step := range mod.Steps {
		if run.cancel.Load() || ctx.Err() != nil {
			prog.log("warn", mod.Key, "cancelled before "+step.Label())
			slog.WarnContext(ctx, "module cancelled", "module", mod.Key, "next_step", step.Label())
			res.OK = false
			res.Cancelled = true
			break
		}
		if !p.step(ctx, run, mod, step, &res) {
			break
		}
	}
	res.Elapsed = roundSeconds(time.Since(start))

	if res.OK {
		prog.log("info", mod.Key, fmt.Sprintf("module %s done in %.1fs", mod.Name, res.Elapsed))
		slog.InfoContext(ctx, "module finished", "module", mod.Key, "elapsed", res.Elapsed)
	} else if !res.Cancelled {
		prog.log("error", mod.Key, fmt.Sprintf("module %s failed in %.1fs", mod.Name, res.Elapsed))
		slog.ErrorContext(ctx, "module failed", "module", mod.Key, "error", res.Error)
	}
	return res
}

// step executes one step and reports whether the module may continue.
func (p *Pipeline) step(ctx context.Context, run *Run, mod model.Module, step model.Step, res *ModuleResult) bool {
	prog := run.progress
	label := step.Label()
	prog.startScript(label)

	stderr := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "step stderr", "module", mod.Key, "step", label, "line", line)
	}
	result := p.executor.Run(ctx, Command{
		Path:    step.Path,
		Args:    step.Args,
		Env:     step.Env,
		Dir:     step.Dir,
		Timeout: step.Timeout,
	}, stderr)
	elapsed := result.Elapsed()
	p.metrics.Step(mod.Key, string(result.Outcome), elapsed)

	var msg string
	switch result.Outcome {
	case OutcomeSuccess:
		prog.log("info", mod.Key, fmt.Sprintf("%s ok (%.1fs)", label, roundSeconds(elapsed)))
	case OutcomeTimeout:
		msg = fmt.Sprintf("%s timed out after %s", label, step.Timeout)
		prog.log("error", mod.Key, msg)
		slog.ErrorContext(ctx, "step timed out", "module", mod.Key, "step", label, "timeout", step.Timeout)
	default:
		msg = fmt.Sprintf("%s failed: %s", label, failure(result))
		prog.log("error", mod.Key, msg)
		slog.ErrorContext(ctx, "step failed", "module", mod.Key, "step", label, "exit_code", result.ExitCode(), "error", result.Err)
	}
	prog.scriptDone()

	if result.Outcome != OutcomeSuccess {
		res.OK = false
		res.Error = msg
		return false
	}
	return true
}

func failure(r Result) string {
	var reason string
	switch {
	case r.Err == nil:
		reason = "unknown error"
	case r.State != nil && r.ExitCode() >= 0:
		reason = fmt.Sprintf("exit code %d", r.ExitCode())
	default:
		reason = r.Err.Error()
	}
	if tail := strings.TrimSpace(r.Stderr); tail != "" {
		reason += ": " + tail
	}
	return reason
}

func roundSeconds(d time.Duration) float64 {
	return d.Round(10*time.Millisecond).Seconds()
}
