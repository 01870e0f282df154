package model

import (
	"context"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultListen      = ":8080"
	DefaultStepTimeout = "10m"
	DefaultSessionTTL  = "7d"
	DefaultLogCapacity = 200
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int            `json:"version" yaml:"version"` // fixed 0 for now
	Service Service        `json:"service" yaml:"service"`
	Auth    Auth           `json:"auth" yaml:"auth"`
	Modules []ModuleConfig `json:"modules" yaml:"modules"`
}

// Service holds the HTTP and orchestration settings.
type Service struct {
	Listen         string     `json:"listen" yaml:"listen"`
	Verbose        bool       `json:"verbose" yaml:"verbose"`
	Log            string     `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	StaticDir      string     `json:"static_dir" yaml:"static_dir"`
	StepTimeout    string     `json:"step_timeout" yaml:"step_timeout"`
	LogCapacity    int        `json:"log_capacity" yaml:"log_capacity"`
	MaxConnections int        `json:"max_connections" yaml:"max_connections"` // 0 => unlimited
	TrustProxy     bool       `json:"trust_proxy" yaml:"trust_proxy"`
	Admission      *Admission `json:"admission,omitempty" yaml:"admission,omitempty"`
	Schedule       *Schedule  `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Notify         *Notify    `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// Admission is the local time-of-day window in which refreshes are accepted.
type Admission struct {
	Start    string `json:"start" yaml:"start"` // HH:MM
	End      string `json:"end" yaml:"end"`     // HH:MM, may be before Start (wraps midnight)
	Timezone string `json:"timezone" yaml:"timezone"`
}

type Schedule struct {
	Cron string `json:"cron" yaml:"cron"`
}

type Notify struct {
	URL     string `json:"url" yaml:"url"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

type Auth struct {
	Database    string     `json:"database" yaml:"database"`
	SessionTTL  string     `json:"session_ttl" yaml:"session_ttl"`
	MinUsername int        `json:"min_username" yaml:"min_username"`
	MinPassword int        `json:"min_password" yaml:"min_password"`
	SeedAdmin   *SeedAdmin `json:"seed_admin,omitempty" yaml:"seed_admin,omitempty"`
	LoginRate   *LoginRate `json:"login_rate,omitempty" yaml:"login_rate,omitempty"`
}

type SeedAdmin struct {
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}

type LoginRate struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	Burst     int `json:"burst" yaml:"burst"`
}

type ModuleConfig struct {
	Key   string       `json:"key" yaml:"key"`
	Name  string       `json:"name" yaml:"name"`
	Steps []StepConfig `json:"steps" yaml:"steps"`
}

type StepConfig struct {
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	Dir     string            `json:"dir" yaml:"dir"`
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("refresher.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.check(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig is the configuration written on the first start. It carries a
// single demo module so the service is usable out of the box.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Listen:      DefaultListen,
			Log:         LogStderr,
			StaticDir:   "web",
			StepTimeout: DefaultStepTimeout,
			LogCapacity: DefaultLogCapacity,
			Admission: &Admission{
				Start:    "15:00",
				End:      "09:30",
				Timezone: "Local",
			},
		},
		Auth: Auth{
			Database:    "refresher.db",
			SessionTTL:  DefaultSessionTTL,
			MinUsername: 3,
			MinPassword: 6,
			SeedAdmin: &SeedAdmin{
				Username:    "admin",
				DisplayName: "Administrator",
			},
		},
		Modules: []ModuleConfig{
			{
				Key:  "demo",
				Name: "Demo module",
				Steps: []StepConfig{
					{Dir: ".", Path: "sh", Args: []string{"-c", "echo refreshed"}},
				},
			},
		},
	}
}

// check covers the rules CUE does not express: parseable durations, cron
// expressions, time zones and unique module keys.
func (c Config) check() error {
	if _, err := ParseCueDuration(c.Service.StepTimeout); err != nil {
		return fmt.Errorf("service.step_timeout: %w", err)
	}
	if _, err := ParseCueDuration(c.Auth.SessionTTL); err != nil {
		return fmt.Errorf("auth.session_ttl: %w", err)
	}
	if c.Service.Admission != nil {
		if _, err := c.Service.Admission.Window(); err != nil {
			return fmt.Errorf("service.admission: %w", err)
		}
	}
	if c.Service.Schedule != nil {
		if err := ParseCron(c.Service.Schedule.Cron); err != nil {
			return fmt.Errorf("service.schedule.cron: %w", err)
		}
	}
	if c.Service.Notify != nil {
		if _, err := ParseCueDuration(c.Service.Notify.Timeout); err != nil {
			return fmt.Errorf("service.notify.timeout: %w", err)
		}
	}
	if _, err := NewCatalog(c.Modules, time.Minute); err != nil {
		return err
	}
	return nil
}

// StepTimeout returns the default hard timeout applied to steps without
// their own timeout.
func (c Config) StepTimeout() time.Duration {
	d, err := ParseCueDuration(c.Service.StepTimeout)
	if err != nil {
		d, _ = ParseCueDuration(DefaultStepTimeout)
	}
	return d
}

func (c Config) SessionTTL() time.Duration {
	d, err := ParseCueDuration(c.Auth.SessionTTL)
	if err != nil {
		d, _ = ParseCueDuration(DefaultSessionTTL)
	}
	return d
}

// Catalog builds the immutable module catalog from the configuration.
func (c Config) Catalog() (*Catalog, error) {
	return NewCatalog(c.Modules, c.StepTimeout())
}
