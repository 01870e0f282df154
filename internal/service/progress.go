package service

import (
	"maps"
	"sync"
	"time"
)

type LogLine struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Module  string    `json:"module,omitempty"`
	Message string    `json:"message"`
}

type ModuleResult struct {
	OK        bool    `json:"ok"`
	Elapsed   float64 `json:"elapsed"` // seconds
	Cancelled bool    `json:"cancelled,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Progress is a point-in-time copy of a Run's advancement.
type Progress struct {
	TotalModules       int                     `json:"total_modules"`
	CompletedModules   int                     `json:"completed_modules"`
	CurrentModuleIndex int                     `json:"current_module_index"`
	CurrentModule      string                  `json:"current_module"`
	TotalScripts       int                     `json:"total_scripts"`
	CompletedScripts   int                     `json:"completed_scripts"`
	CurrentScript      string                  `json:"current_script"`
	ElapsedSeconds     float64                 `json:"elapsed_seconds"`
	Logs               []LogLine               `json:"logs"`
	Results            map[string]ModuleResult `json:"results"`
}

// progress is written by the goroutine executing the Run and read by any
// number of Status callers through snapshot.
type progress struct {
	mx       sync.RWMutex
	now      func() time.Time
	started  time.Time
	finished time.Time
	state    Progress
	logs     ring[LogLine]
}

func newProgress(totalModules, totalScripts, logCapacity int, now func() time.Time) *progress {
	if now == nil {
		now = time.Now
	}
	return &progress{
		now:     now,
		started: now(),
		state: Progress{
			TotalModules: totalModules,
			TotalScripts: totalScripts,
			Results:      make(map[string]ModuleResult, totalModules),
		},
		logs: newRing[LogLine](logCapacity),
	}
}

func (p *progress) log(level, module, msg string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.logs.push(LogLine{Time: p.now().UTC(), Level: level, Module: module, Message: msg})
}

func (p *progress) startModule(idx int, key string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.state.CurrentModuleIndex = idx
	p.state.CurrentModule = key
	p.state.CurrentScript = ""
}

func (p *progress) startScript(label string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.state.CurrentScript = label
}

func (p *progress) scriptDone() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.state.CompletedScripts++
}

// moduleDone records the module result. A cancelled module is recorded but
// does not count as completed.
func (p *progress) moduleDone(key string, res ModuleResult) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.state.Results[key] = res
	if res.Cancelled {
		return
	}
	p.state.CompletedModules++
	p.state.CurrentModuleIndex++
}

func (p *progress) finish() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.finished.IsZero() {
		p.finished = p.now()
	}
	p.state.CurrentScript = ""
}

func (p *progress) snapshot() Progress {
	p.mx.RLock()
	defer p.mx.RUnlock()
	out := p.state
	out.Results = maps.Clone(p.state.Results)
	out.Logs = p.logs.items()
	end := p.finished
	if end.IsZero() {
		end = p.now()
	}
	out.ElapsedSeconds = end.Sub(p.started).Seconds()
	return out
}

func (p *progress) results() map[string]ModuleResult {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return maps.Clone(p.state.Results)
}

// ring is a fixed capacity FIFO that drops the oldest item on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// items returns a copy, oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
