// Package config loads the rerun configuration file.
//
// A file is decoded strictly (unknown keys are errors), validated against an
// embedded JSON schema, completed with defaults and finally checked for
// semantic errors such as min_passes above max_runs. Every error is fatal:
// a bad configuration must stop the run before any test executes.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/aponysus/rerun/budget"
	"github.com/aponysus/rerun/ci"
	"github.com/aponysus/rerun/circuit"
	"github.com/aponysus/rerun/history"
	"github.com/aponysus/rerun/observe"
	"github.com/aponysus/rerun/policy"
)

// DefaultPath is the file the CLI looks for when no path is given.
const DefaultPath = ".rerun.yaml"

//go:embed config.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	return schema, schemaErr
}

// Config is the full configuration.
type Config struct {
	Defaults PolicyConfig    `yaml:"defaults"`
	Markers  []policy.Marker `yaml:"markers"`
	Remote   RemoteConfig    `yaml:"remote"`
	Report   ReportConfig    `yaml:"report"`
	Budget   BudgetConfig    `yaml:"budget"`
	Breaker  BreakerConfig   `yaml:"breaker"`
	History  history.Config  `yaml:"history"`
	Log      LogConfig       `yaml:"log"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Tracing  TracingConfig   `yaml:"tracing"`
	Server   ServerConfig    `yaml:"server"`
}

// PolicyConfig overrides the built-in default policy.
type PolicyConfig struct {
	MaxRuns   *int `yaml:"max_runs"`
	MinPasses *int `yaml:"min_passes"`
}

// RemoteConfig configures the flaky-test service lookup. URL, RepoName and
// JobName override what CI detection finds.
type RemoteConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	TokenEnv string        `yaml:"token_env"`
	RepoName string        `yaml:"repo_name"`
	JobName  string        `yaml:"job_name"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ReportConfig struct {
	Mode string `yaml:"mode"`
}

// BudgetConfig caps reruns for the whole session. A nil MaxReruns means no
// cap. PerScope caps reruns for tests whose scope starts with the key.
type BudgetConfig struct {
	MaxReruns *int           `yaml:"max_reruns"`
	PerScope  map[string]int `yaml:"per_scope"`
}

type BreakerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
	// PerScope keeps one breaker per test scope instead of one for the session.
	PerScope bool `yaml:"per_scope"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Textfile is where metrics are written at the end of the run.
	Textfile string `yaml:"textfile"`
}

type TracingConfig struct {
	Stdout bool `yaml:"stdout"`
	Pretty bool `yaml:"pretty"`
}

// ServerConfig configures `rerun serve`.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	EntriesFile string `yaml:"entries_file"`
	// Token, when set, is required as a bearer token on every request.
	Token string `yaml:"token"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not
// exist. Any other error is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes, validates and completes a YAML document.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var cfg Config
	if err := decodeYAMLStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// validateSchema checks the document shape. The YAML tree is round-tripped
// through JSON so the validator sees JSON types.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Remote.TokenEnv == "" {
		cfg.Remote.TokenEnv = ci.EnvAPIToken
	}
	if cfg.Remote.CacheTTL == 0 {
		cfg.Remote.CacheTTL = time.Minute
	}
	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = 10 * time.Second
	}
	if cfg.Report.Mode == "" {
		cfg.Report.Mode = observe.ReportAll.String()
	}
	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = 5
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}
	if cfg.History.Driver == "" && cfg.History.DSN != "" {
		cfg.History.Driver = history.DriverSQLite
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
}

// Validate reports semantic errors the schema cannot express. Policy errors
// are returned as *policy.ConfigError.
func (c *Config) Validate() error {
	def, err := c.Policy()
	if err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for i, m := range c.Markers {
		if !doublestar.ValidatePattern(m.Pattern) {
			return fmt.Errorf("markers[%d]: invalid pattern %q", i, m.Pattern)
		}
		if _, err := m.Apply(def); err != nil {
			return fmt.Errorf("markers[%d] %q: %w", i, m.Pattern, err)
		}
	}
	if _, ok := observe.ParseReportMode(c.Report.Mode); !ok {
		return fmt.Errorf("report.mode: unknown mode %q", c.Report.Mode)
	}
	for scope := range c.Budget.PerScope {
		if strings.TrimSpace(scope) == "" {
			return errors.New("budget.per_scope: scope cannot be empty")
		}
	}
	if c.Remote.CacheTTL < 0 || c.Remote.Timeout < 0 || c.Breaker.Cooldown < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// Policy returns the run's default policy: the built-in default with the
// file's overrides applied.
func (c *Config) Policy() (policy.FlakyPolicy, error) {
	var opts []policy.Option
	if c.Defaults.MaxRuns != nil {
		opts = append(opts, policy.MaxRuns(*c.Defaults.MaxRuns))
	}
	if c.Defaults.MinPasses != nil {
		opts = append(opts, policy.MinPasses(*c.Defaults.MinPasses))
	}
	return policy.New(opts...)
}

// ReportMode returns the parsed report mode.
func (c *Config) ReportMode() observe.ReportMode {
	m, _ := observe.ParseReportMode(c.Report.Mode)
	return m
}

// RemoteToken reads the service token from the configured variable.
func (c *Config) RemoteToken(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv(c.Remote.TokenEnv)
}

// RerunBudget builds the session budget, or returns nil when reruns are not
// capped.
func (c *Config) RerunBudget() budget.Budget {
	if c.Budget.MaxReruns == nil && len(c.Budget.PerScope) == 0 {
		return nil
	}
	var fallback budget.Budget = budget.UnlimitedBudget{}
	if c.Budget.MaxReruns != nil {
		fallback = budget.NewFixedBudget(*c.Budget.MaxReruns)
	}
	if len(c.Budget.PerScope) == 0 {
		return fallback
	}
	reg := budget.NewRegistry(fallback)
	for scope, n := range c.Budget.PerScope {
		reg.MustRegister(scope, budget.NewFixedBudget(n))
	}
	return reg
}

// Breakers returns the breaker configuration as executor inputs: a single
// breaker, a per-scope registry, or neither when disabled.
func (c *Config) Breakers() (circuit.CircuitBreaker, *circuit.Registry) {
	if !c.Breaker.Enabled {
		return nil, nil
	}
	if c.Breaker.PerScope {
		return nil, circuit.NewRegistry(c.Breaker.Threshold, c.Breaker.Cooldown)
	}
	return circuit.NewExhaustionBreaker(c.Breaker.Threshold, c.Breaker.Cooldown), nil
}

// HistoryEnabled reports whether a history database is configured.
func (c *Config) HistoryEnabled() bool {
	return c.History.Driver != ""
}

// ApplyCI overlays the remote section on a detected CI environment. Values
// set in the file win over detected ones; the token is read from TokenEnv.
func (c *Config) ApplyCI(env ci.Env, getenv func(string) string) ci.Env {
	if c.Remote.URL != "" {
		env.APIURL = c.Remote.URL
	}
	if c.Remote.RepoName != "" {
		env.Query.RepoName = c.Remote.RepoName
	}
	if c.Remote.JobName != "" {
		env.Query.JobName = c.Remote.JobName
	}
	if tok := c.RemoteToken(getenv); tok != "" {
		env.APIToken = tok
	}
	return env
}
