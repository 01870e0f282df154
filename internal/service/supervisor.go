package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/marketdesk/refresher/internal/log"
	"github.com/marketdesk/refresher/internal/metrics"
	"github.com/marketdesk/refresher/internal/model"
)

// Supervisor owns the single-flight lock. At most one Run is active at a
// time and it is executed by a goroutine started in TryStart.
type Supervisor struct {
	ctx         context.Context // base of every Run, cancelled on shutdown
	catalog     *model.Catalog
	modules     []ModuleInfo
	pipeline    *Pipeline
	metrics     *metrics.Metrics
	notifiers   []Notifier
	logCapacity int
	schedule    string
	now         func() time.Time

	mx           sync.Mutex
	active       *Run
	latest       *Run
	last         *RunResult
	lastProgress *progress
}

type ModuleInfo struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Steps int    `json:"steps"`
}

type Options struct {
	LogCapacity int
	Metrics     *metrics.Metrics
	Notifiers   []Notifier
	// Schedule is a cron expression triggering a refresh of all modules.
	Schedule string
	// Now is used for progress timing, time.Now when nil.
	Now func() time.Time
}

// Status is the read-only view returned by Supervisor.Status.
type Status struct {
	Running         bool         `json:"running"`
	RunID           string       `json:"run_id,omitempty"`
	Mode            Mode         `json:"mode,omitempty"`
	Module          string       `json:"module,omitempty"`
	ModuleName      string       `json:"module_name,omitempty"`
	Step            string       `json:"step,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CancelRequested bool         `json:"cancel_requested"`
	LastResult      *RunResult   `json:"last_result"`
	Progress        *Progress    `json:"progress"`
	Modules         []ModuleInfo `json:"modules"`
}

func NewSupervisor(ctx context.Context, catalog *model.Catalog, executor Executor, opts Options) (*Supervisor, error) {
	if catalog == nil {
		return nil, errors.New("catalog is nil")
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = model.DefaultLogCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Supervisor{
		ctx:         ctx,
		catalog:     catalog,
		pipeline:    NewPipeline(executor, opts.Metrics),
		metrics:     opts.Metrics,
		notifiers:   opts.Notifiers,
		logCapacity: opts.LogCapacity,
		now:         opts.Now,
	}
	for _, m := range catalog.Modules() {
		s.modules = append(s.modules, ModuleInfo{Key: m.Key, Name: m.Name, Steps: len(m.Steps)})
	}

	if opts.Schedule != "" {
		if err := model.ParseCron(opts.Schedule); err != nil {
			return nil, fmt.Errorf("schedule mode failed: %w", err)
		}
		s.schedule = opts.Schedule
	}
	return s, nil
}

// SupervisorFromConfig wires a Supervisor with the production Runner and the
// notifiers configured in cfg.Service.
func SupervisorFromConfig(ctx context.Context, cfg model.Config, m *metrics.Metrics) (*Supervisor, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("building module catalog: %w", err)
	}
	notifiers, err := notifiers(cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("initializing notifiers: %w", err)
	}
	opts := Options{
		LogCapacity: cfg.Service.LogCapacity,
		Metrics:     m,
		Notifiers:   notifiers,
	}
	if cfg.Service.Schedule != nil {
		opts.Schedule = cfg.Service.Schedule.Cron
	}
	return NewSupervisor(ctx, catalog, NewRunner(), opts)
}

// WithNotifiers replaces the notifiers. Call it before the first Run.
func (s *Supervisor) WithNotifiers(notifiers ...Notifier) *Supervisor {
	s.notifiers = notifiers
	return s
}

func (s *Supervisor) Catalog() *model.Catalog {
	return s.catalog
}

// Do starts the scheduler (if any) and blocks until ctx is done. It then
// stops the scheduler and waits for the active Run to release the lock.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	if s.schedule != "" {
		scheduler, err := newScheduler(ctx, s.schedule, s.scheduled)
		if err != nil {
			return fmt.Errorf("schedule mode failed: %w", err)
		}
		scheduler.Start()
		defer s.Wait()
		defer func() {
			err := scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
		<-ctx.Done()
		return nil
	}
	<-ctx.Done()
	s.Wait()
	return nil
}

// TryStart acquires the lock and starts the Run in the background. It never
// blocks on a running Run: a *BusyError is returned instead.
func (s *Supervisor) TryStart(mode Mode, keys []string) (RunInfo, error) {
	var modules []model.Module
	switch mode {
	case ModeAll:
		modules = s.catalog.Modules()
		if len(modules) == 0 {
			return RunInfo{}, ErrNoModules
		}
	case ModeSingle:
		if len(keys) == 0 {
			return RunInfo{}, fmt.Errorf("%w: no module given", ErrUnknownModule)
		}
		var err error
		modules, err = s.catalog.Resolve(keys)
		if err != nil {
			return RunInfo{}, err
		}
	default:
		return RunInfo{}, fmt.Errorf("unsupported mode %q", mode)
	}

	s.mx.Lock()
	if s.active != nil {
		busy := s.busy(s.active)
		s.mx.Unlock()
		s.metrics.Busy()
		return RunInfo{}, busy
	}
	run := newRun(mode, modules, s.logCapacity, s.now)
	s.active = run
	s.latest = run
	s.mx.Unlock()

	s.metrics.RunStarted()
	ctx := log.ContextAttrs(s.ctx, slog.String("run_id", run.ID), slog.String("mode", string(mode)))
	slog.InfoContext(ctx, "run accepted", "modules", run.Info().Modules)
	go s.execute(ctx, run)
	return run.Info(), nil
}

// Cancel requests cooperative cancellation of the active Run. It returns
// without waiting, the Run stops before its next step.
func (s *Supervisor) Cancel() (RunInfo, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.active == nil {
		return RunInfo{}, ErrNoActiveRun
	}
	s.active.cancel.Store(true)
	slog.InfoContext(s.ctx, "run cancellation requested", "run_id", s.active.ID)
	return s.active.Info(), nil
}

// Status returns a copy of the current state. It is safe to call from any
// goroutine and never waits for a step.
func (s *Supervisor) Status() Status {
	s.mx.Lock()
	run, last, lastProgress := s.active, s.last, s.lastProgress
	s.mx.Unlock()

	st := Status{Modules: append([]ModuleInfo(nil), s.modules...)}
	if last != nil {
		lr := *last
		lr.Modules = append([]string(nil), last.Modules...)
		lr.Results = maps.Clone(last.Results)
		st.LastResult = &lr
	}

	if run == nil {
		if lastProgress != nil {
			snap := lastProgress.snapshot()
			st.Progress = &snap
		}
		return st
	}

	snap := run.progress.snapshot()
	started := run.StartedAt
	st.Running = true
	st.RunID = run.ID
	st.Mode = run.Mode
	st.Module = snap.CurrentModule
	st.ModuleName = s.moduleName(snap.CurrentModule)
	st.Step = snap.CurrentScript
	st.StartedAt = &started
	st.CancelRequested = run.cancel.Load()
	st.Progress = &snap
	return st
}

// Wait blocks until the most recently started Run released the lock and
// notified its result.
func (s *Supervisor) Wait() {
	s.mx.Lock()
	run := s.latest
	s.mx.Unlock()
	if run == nil {
		return
	}
	<-run.done
}

func (s *Supervisor) busy(run *Run) *BusyError {
	snap := run.progress.snapshot()
	return &BusyError{
		RunID:      run.ID,
		Module:     snap.CurrentModule,
		ModuleName: s.moduleName(snap.CurrentModule),
		Step:       snap.CurrentScript,
	}
}

func (s *Supervisor) moduleName(key string) string {
	if m, ok := s.catalog.Lookup(key); ok {
		return m.Name
	}
	return key
}

func (s *Supervisor) execute(ctx context.Context, run *Run) {
	defer close(run.done)
	result := s.guarded(ctx, run)
	slog.InfoContext(ctx, "run finished", "outcome", result.Outcome(), "elapsed", result.Elapsed)
	s.notify(ctx, result)
}

// guarded executes the pipeline and releases the lock whatever happens.
func (s *Supervisor) guarded(ctx context.Context, run *Run) (result RunResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "run panicked", "panic", r, "stack", string(debug.Stack()))
			run.progress.finish()
			result = RunResult{
				RunInfo:    run.Info(),
				FinishedAt: time.Now().UTC(),
				Cancelled:  run.cancel.Load(),
				Results:    run.progress.results(),
				Error:      fmt.Sprintf("panic: %v", r),
			}
			result.Elapsed = result.FinishedAt.Sub(result.StartedAt).Seconds()
		}
		s.release(run, result)
	}()
	return s.pipeline.Execute(ctx, run)
}

func (s *Supervisor) release(run *Run, result RunResult) {
	s.mx.Lock()
	if s.active == run {
		s.active = nil
	}
	s.last = &result
	s.lastProgress = run.progress
	s.mx.Unlock()
	s.metrics.RunFinished(string(run.Mode), result.Outcome())
}

func (s *Supervisor) scheduled() {
	info, err := s.TryStart(ModeAll, nil)
	if err != nil {
		slog.WarnContext(s.ctx, "scheduled refresh skipped", "error", err)
		return
	}
	slog.InfoContext(s.ctx, "scheduled refresh started", "run_id", info.ID)
}

func (s *Supervisor) notify(ctx context.Context, result RunResult) {
	// shutdown must not drop the result of the run it interrupted
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.ErrorContext(ctx, "run notification failed", "error", err)
	}
}
