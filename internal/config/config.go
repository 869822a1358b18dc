// Package config provides the YAML configuration of a markovgen run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/erp/tools/markovgen/internal/loadctrl"
	"github.com/example/erp/tools/markovgen/internal/logger"
)

// Errors returned by the config package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrConfigNotFound is returned when the config file is not found.
	ErrConfigNotFound = errors.New("config: configuration file not found")
)

// Executor types.
const (
	ExecutorLog  = "log"
	ExecutorHTTP = "http"
)

// ExitState names the exit pseudo-state in transition targets.
const ExitState = "$"

// Config is the root configuration of a run.
type Config struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name" json:"name"`

	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Workload identifies the shared workload state (mix cache, arrival
	// gate). Default: Name
	Workload string `yaml:"workload,omitempty" json:"workload,omitempty"`

	// Duration is the total duration of the run.
	// Default: 5m
	Duration time.Duration `yaml:"duration" json:"duration"`

	// Seed makes runs reproducible; 0 picks a random seed.
	Seed uint64 `yaml:"seed,omitempty" json:"seed,omitempty"`

	// OpenAPI imports one state per operation of an OpenAPI document.
	// States listed under States are added after the imported ones.
	OpenAPI string `yaml:"openapi,omitempty" json:"openapi,omitempty"`

	// States of the application model.
	States []StateConfig `yaml:"states,omitempty" json:"states,omitempty"`

	// AutoTransitions adds a default transition from every state to every
	// state that has none configured.
	AutoTransitions bool `yaml:"autoTransitions,omitempty" json:"autoTransitions,omitempty"`

	// BehaviorMix lists the behavior models sessions draw from.
	BehaviorMix []BehaviorConfig `yaml:"behaviorMix" json:"behaviorMix"`

	Sessions SessionsConfig `yaml:"sessions,omitempty" json:"sessions,omitempty"`

	Arrival ArrivalConfig `yaml:"arrival,omitempty" json:"arrival,omitempty"`

	Executor ExecutorConfig `yaml:"executor,omitempty" json:"executor,omitempty"`

	// Variables are the initial variables of every session.
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`

	Output OutputConfig `yaml:"output,omitempty" json:"output,omitempty"`
}

// StateConfig configures one application state.
type StateConfig struct {
	Name        string             `yaml:"name" json:"name"`
	Request     *RequestConfig     `yaml:"request,omitempty" json:"request,omitempty"`
	Transitions []TransitionConfig `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// RequestConfig is the request executed when a session enters a state.
type RequestConfig struct {
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
}

// TransitionConfig configures the transition to another state.
type TransitionConfig struct {
	To       string `yaml:"to" json:"to"`
	Guard    string `yaml:"guard,omitempty" json:"guard,omitempty"`
	Action   string `yaml:"action,omitempty" json:"action,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// BehaviorConfig is one entry of the behavior mix.
type BehaviorConfig struct {
	Name      string  `yaml:"name" json:"name"`
	Frequency float64 `yaml:"frequency" json:"frequency"`
	// File is the behavior matrix, relative to the config file.
	File string `yaml:"file" json:"file"`
}

// SessionsConfig configures the session workers.
type SessionsConfig struct {
	// Users is the number of concurrent session workers.
	// Default: 10
	Users int `yaml:"users,omitempty" json:"users,omitempty"`

	// StartRate bounds new sessions per second; 0 is unlimited.
	StartRate float64 `yaml:"startRate,omitempty" json:"startRate,omitempty"`

	// StartBurst is the start limiter bucket size.
	// Default: max(1, StartRate)
	StartBurst int `yaml:"startBurst,omitempty" json:"startBurst,omitempty"`

	// ThinkTimeScale multiplies every think time.
	// Default: 1
	ThinkTimeScale float64 `yaml:"thinkTimeScale,omitempty" json:"thinkTimeScale,omitempty"`

	// MaxSteps ends a session after that many transitions.
	// Default: 10000
	MaxSteps int `yaml:"maxSteps,omitempty" json:"maxSteps,omitempty"`
}

// ArrivalConfig configures admission control.
type ArrivalConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Capacity is the time-varying number of sessions allowed to be active.
	Capacity loadctrl.ProfileConfig `yaml:"capacity,omitempty" json:"capacity,omitempty"`

	Log ArrivalLogConfig `yaml:"log,omitempty" json:"log,omitempty"`

	// PollInterval and PollJitter shape the waiting loop.
	// Default: 1s each
	PollInterval time.Duration `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`
	PollJitter   time.Duration `yaml:"pollJitter,omitempty" json:"pollJitter,omitempty"`
}

// ArrivalLogConfig configures the active-session log.
type ArrivalLogConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// File receives "minutes,active" lines.
	// Default: arrival.csv
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// ExecutorConfig configures what happens when a session enters a state.
type ExecutorConfig struct {
	// Type is "log" or "http".
	// Default: log
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// BaseURL prefixes relative request URLs.
	BaseURL string `yaml:"baseURL,omitempty" json:"baseURL,omitempty"`

	// Timeout of one request.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// OutputConfig configures reporting.
type OutputConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty" json:"prometheus,omitempty"`

	// Summary prints the run summary at the end.
	// Default: true
	Summary *bool `yaml:"summary,omitempty" json:"summary,omitempty"`

	// SummaryFile additionally writes the summary as JSON.
	SummaryFile string `yaml:"summaryFile,omitempty" json:"summaryFile,omitempty"`

	Logging logger.Config `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// PrometheusConfig configures the metrics endpoint.
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Default: :9090
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`
	// Default: /metrics
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// LoadFromFile loads configuration from a YAML file. Relative paths in the
// file are resolved against its directory.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ResolvePaths(filepath.Dir(path))
	return cfg, nil
}

// LoadFromBytes loads configuration from YAML bytes. Relative paths are
// left as they are.
func LoadFromBytes(data []byte) (*Config, error) {
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.Duration < 0 {
		return fmt.Errorf("%w: duration cannot be negative", ErrInvalidConfig)
	}
	if len(c.States) == 0 && c.OpenAPI == "" {
		return fmt.Errorf("%w: states or openapi is required", ErrInvalidConfig)
	}
	if err := c.validateStates(); err != nil {
		return err
	}
	if err := c.validateMix(); err != nil {
		return err
	}

	s := c.Sessions
	switch {
	case s.Users < 0:
		return fmt.Errorf("%w: sessions.users cannot be negative", ErrInvalidConfig)
	case s.StartRate < 0:
		return fmt.Errorf("%w: sessions.startRate cannot be negative", ErrInvalidConfig)
	case s.StartBurst < 0:
		return fmt.Errorf("%w: sessions.startBurst cannot be negative", ErrInvalidConfig)
	case s.ThinkTimeScale < 0:
		return fmt.Errorf("%w: sessions.thinkTimeScale cannot be negative", ErrInvalidConfig)
	case s.MaxSteps < 0:
		return fmt.Errorf("%w: sessions.maxSteps cannot be negative", ErrInvalidConfig)
	}

	if c.Arrival.Enabled {
		if err := c.Arrival.Capacity.Validate(); err != nil {
			return fmt.Errorf("%w: arrival.capacity: %w", ErrInvalidConfig, err)
		}
	}
	if c.Arrival.PollInterval < 0 || c.Arrival.PollJitter < 0 {
		return fmt.Errorf("%w: arrival poll durations cannot be negative", ErrInvalidConfig)
	}

	switch c.Executor.Type {
	case "", ExecutorLog, ExecutorHTTP:
	default:
		return fmt.Errorf("%w: unknown executor type %q", ErrInvalidConfig, c.Executor.Type)
	}

	if err := c.Output.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: output.logging: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validateStates() error {
	names := make(map[string]bool, len(c.States))
	for i, st := range c.States {
		if st.Name == "" {
			return fmt.Errorf("%w: states[%d].name is required", ErrInvalidConfig, i)
		}
		if st.Name == ExitState {
			return fmt.Errorf("%w: states[%d]: %q is reserved for the exit state", ErrInvalidConfig, i, ExitState)
		}
		if names[st.Name] {
			return fmt.Errorf("%w: duplicate state name: %s", ErrInvalidConfig, st.Name)
		}
		names[st.Name] = true
		if st.Request != nil && st.Request.URL == "" {
			return fmt.Errorf("%w: state %s: request.url is required", ErrInvalidConfig, st.Name)
		}
	}

	// Targets may name imported states, which are only known after import.
	if c.OpenAPI != "" {
		return nil
	}
	for _, st := range c.States {
		for _, tr := range st.Transitions {
			if !names[tr.To] {
				return fmt.Errorf("%w: state %s: transition to unknown state %q", ErrInvalidConfig, st.Name, tr.To)
			}
		}
	}
	return nil
}

func (c *Config) validateMix() error {
	if len(c.BehaviorMix) == 0 {
		return fmt.Errorf("%w: at least one behaviorMix entry is required", ErrInvalidConfig)
	}
	names := make(map[string]bool, len(c.BehaviorMix))
	for i, b := range c.BehaviorMix {
		if b.Name == "" {
			return fmt.Errorf("%w: behaviorMix[%d].name is required", ErrInvalidConfig, i)
		}
		if names[b.Name] {
			return fmt.Errorf("%w: duplicate behavior name: %s", ErrInvalidConfig, b.Name)
		}
		names[b.Name] = true
		if b.File == "" {
			return fmt.Errorf("%w: behavior %s: file is required", ErrInvalidConfig, b.Name)
		}
		if b.Frequency < 0 {
			return fmt.Errorf("%w: behavior %s: frequency cannot be negative", ErrInvalidConfig, b.Name)
		}
	}
	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Workload == "" {
		c.Workload = c.Name
	}
	if c.Duration == 0 {
		c.Duration = 5 * time.Minute
	}

	if c.Sessions.Users == 0 {
		c.Sessions.Users = 10
	}
	if c.Sessions.ThinkTimeScale == 0 {
		c.Sessions.ThinkTimeScale = 1
	}
	if c.Sessions.MaxSteps == 0 {
		c.Sessions.MaxSteps = 10000
	}

	if c.Arrival.PollInterval == 0 {
		c.Arrival.PollInterval = time.Second
	}
	if c.Arrival.PollJitter == 0 {
		c.Arrival.PollJitter = time.Second
	}
	if c.Arrival.Log.Enabled && c.Arrival.Log.File == "" {
		c.Arrival.Log.File = "arrival.csv"
	}

	if c.Executor.Type == "" {
		c.Executor.Type = ExecutorLog
	}
	if c.Executor.Timeout == 0 {
		c.Executor.Timeout = 30 * time.Second
	}

	if c.Output.Prometheus.Addr == "" {
		c.Output.Prometheus.Addr = ":9090"
	}
	if c.Output.Prometheus.Path == "" {
		c.Output.Prometheus.Path = "/metrics"
	}
	if c.Output.Summary == nil {
		enabled := true
		c.Output.Summary = &enabled
	}
	c.Output.Logging.ApplyDefaults()
}

// ResolvePaths makes the relative file paths of the configuration relative
// to dir.
func (c *Config) ResolvePaths(dir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	for i := range c.BehaviorMix {
		resolve(&c.BehaviorMix[i].File)
	}
	resolve(&c.OpenAPI)
	resolve(&c.Arrival.Log.File)
	resolve(&c.Output.SummaryFile)
}

// SummaryEnabled reports whether the run summary is printed.
func (c *Config) SummaryEnabled() bool {
	return c.Output.Summary == nil || *c.Output.Summary
}

// StateNames returns the configured state names in order.
func (c *Config) StateNames() []string {
	names := make([]string, len(c.States))
	for i, st := range c.States {
		names[i] = st.Name
	}
	return names
}
