package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

var ErrUnknownModule = errors.New("unknown module")

// Step is one external executable invocation of a module.
type Step struct {
	Name    string
	Dir     string
	Path    string
	Args    []string
	Env     []string // KEY=value, appended to the process environment
	Timeout time.Duration
}

// Label is the human readable step name reported in progress: the configured
// name, or the script (first argument) or executable base name.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Args) > 0 && !strings.HasPrefix(s.Args[0], "-") {
		return filepath.Base(s.Args[0])
	}
	return filepath.Base(s.Path)
}

// Module is a named, ordered sequence of steps.
type Module struct {
	Key   string
	Name  string
	Steps []Step
}

// Catalog is the fixed module table built at process start. It is never
// mutated afterwards and is safe for concurrent use.
type Catalog struct {
	modules []Module
	byKey   map[string]int
}

func NewCatalog(cfg []ModuleConfig, defaultTimeout time.Duration) (*Catalog, error) {
	c := &Catalog{
		modules: make([]Module, 0, len(cfg)),
		byKey:   make(map[string]int, len(cfg)),
	}
	for _, mc := range cfg {
		if mc.Key == "" {
			return nil, errors.New("module key is empty")
		}
		if _, ok := c.byKey[mc.Key]; ok {
			return nil, fmt.Errorf("module %q defined twice", mc.Key)
		}
		if len(mc.Steps) == 0 {
			return nil, fmt.Errorf("module %q has no steps", mc.Key)
		}
		m := Module{
			Key:   mc.Key,
			Name:  mc.Name,
			Steps: make([]Step, 0, len(mc.Steps)),
		}
		if m.Name == "" {
			m.Name = mc.Key
		}
		for i, sc := range mc.Steps {
			step, err := newStep(sc, defaultTimeout)
			if err != nil {
				return nil, fmt.Errorf("module %q step %d: %w", mc.Key, i, err)
			}
			m.Steps = append(m.Steps, step)
		}
		c.byKey[m.Key] = len(c.modules)
		c.modules = append(c.modules, m)
	}
	return c, nil
}

func newStep(sc StepConfig, defaultTimeout time.Duration) (Step, error) {
	if sc.Path == "" {
		return Step{}, errors.New("path is empty")
	}
	timeout := defaultTimeout
	if sc.Timeout != "" {
		d, err := ParseCueDuration(sc.Timeout)
		if err != nil {
			return Step{}, fmt.Errorf("timeout: %w", err)
		}
		timeout = d
	}
	dir := sc.Dir
	if dir == "" {
		dir = "."
	}

	keys := make([]string, 0, len(sc.Env))
	for k := range sc.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := sc.Env[k]
		if strings.Contains(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}

	return Step{
		Name:    sc.Name,
		Dir:     dir,
		Path:    sc.Path,
		Args:    append([]string(nil), sc.Args...),
		Env:     env,
		Timeout: timeout,
	}, nil
}

// Modules returns the modules in catalog order.
func (c *Catalog) Modules() []Module {
	return slices.Clone(c.modules)
}

func (c *Catalog) Lookup(key string) (Module, bool) {
	idx, ok := c.byKey[key]
	if !ok {
		return Module{}, false
	}
	return c.modules[idx], true
}

// Resolve maps keys to modules preserving the given order. A repeated key
// keeps its first position.
func (c *Catalog) Resolve(keys []string) ([]Module, error) {
	out := make([]Module, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m, ok := c.Lookup(k)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownModule, k)
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.modules))
	for i, m := range c.modules {
		keys[i] = m.Key
	}
	return keys
}

func (c *Catalog) Len() int {
	return len(c.modules)
}
