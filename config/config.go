// Package config provides YAML configuration parsing for pulsequery.
//
// This package enables running pulsequery as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	title: Tweet moods
//	port: 8080
//
//	storage:
//	  driver: sqlite
//	  path: ${PULSEQUERY_DB:-pulsequery.db}
//
//	evaluator:
//	  dir: ./records
//	  interval: 15s
//
//	queries:
//	  - name: HAPPY-1
//	    select: count(*)
//	    where:
//	      text: {contains: ":)"}
//
//	query_grids:
//	  - name: Mood
//	    select: count(*)
//	    where_template: '{"and":[{"text":{"contains":"{{.mood}}"}},{"lang":{"eq":"{{.lang}}"}}]}'
//	    dimensions:
//	      mood: [":)", ":("]
//	      lang: [en, fr]
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/pulsequery/query"
)

// minEvalInterval is the minimum allowed rescan interval for the records directory.
const minEvalInterval = 1 * time.Second

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config is the root configuration structure for pulsequery.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "pulsequery" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	Storage   StorageConfig   `yaml:"storage"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Commands  CommandsConfig  `yaml:"commands"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Queries are standing queries created at startup if missing.
	Queries []QueryConfig `yaml:"queries"`

	// QueryGrids define standing queries that expand via cartesian product.
	QueryGrids []QueryGridConfig `yaml:"query_grids"`
}

// StorageConfig selects the backing store.
type StorageConfig struct {
	// Driver is "memory" (default) or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Required for the sqlite driver.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Path string `yaml:"path"`

	// SubscriberBuffer is how many unread changes a live subscription may
	// hold before it is cut off. Zero uses the store default.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// EvaluatorConfig controls evaluation of record files.
type EvaluatorConfig struct {
	// Dir is the records directory. Empty disables the evaluator.
	// Supports environment variable substitution.
	Dir string `yaml:"dir"`

	// Interval is the time between directory rescans. Defaults to 15s.
	Interval Duration `yaml:"interval"`

	// MaxConcurrency bounds concurrent query evaluations. Defaults to 10.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// CommandsConfig controls remote command execution.
type CommandsConfig struct {
	// Enabled allows POST /api/commands to run shell commands on the host.
	Enabled bool `yaml:"enabled"`

	// Timeout bounds each command. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`

	// MaxOutput caps captured output in bytes. Defaults to 64 KiB.
	MaxOutput int `yaml:"max_output"`

	// MaxConcurrency bounds commands running at once. Defaults to 2.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// RateLimitConfig limits mutating API requests per client IP.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// Burst is the number of requests allowed at once.
	Burst int `yaml:"burst"`
}

// QueryConfig defines a single standing query.
type QueryConfig struct {
	// Name is the display name, also used to avoid duplicates on restart.
	Name string `yaml:"name"`

	// Select is the aggregate. Shorthand "count(*)" or structured.
	Select SelectConfig `yaml:"select"`

	// Where is the filter tree, written as YAML or as a JSON string.
	Where WhereConfig `yaml:"where"`
}

// QueryGridConfig defines standing queries that expand via cartesian product.
//
// For example, with dimensions {mood: [":)", ":("], lang: [en, fr]} the grid
// expands to 4 queries.
type QueryGridConfig struct {
	// Name is the base name for generated queries.
	Name string `yaml:"name"`

	// Select is the aggregate shared by every generated query.
	Select SelectConfig `yaml:"select"`

	// WhereTemplate is a Go template rendering a JSON filter tree.
	// Dimension keys are available as template variables: {{.mood}}
	WhereTemplate string `yaml:"where_template"`

	// Dimensions maps dimension names to their possible values.
	Dimensions map[string][]string `yaml:"dimensions"`
}

// SelectConfig specifies the aggregate of a query.
//
// It supports two formats in YAML:
//
// Shorthand string:
//
//	select: count(*)
//	select: avg(retweets)
//
// Structured object:
//
//	select:
//	  aggregator: sum
//	  field: retweets
type SelectConfig struct {
	Aggregator string
	Field      string
}

// shorthandSelect matches "agg(field)".
var shorthandSelect = regexp.MustCompile(`^\s*([a-zA-Z]+)\s*\(\s*([^)\s]+)\s*\)\s*$`)

// UnmarshalYAML implements yaml.Unmarshaler for SelectConfig.
func (s *SelectConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		sel, err := ParseSelect(raw)
		if err != nil {
			return err
		}
		s.Aggregator = string(sel.Aggregator)
		s.Field = sel.Field
		return nil
	}

	if node.Kind == yaml.MappingNode {
		// temporary struct to avoid infinite recursion
		var raw struct {
			Aggregator string `yaml:"aggregator"`
			Agg        string `yaml:"agg"`
			Field      string `yaml:"field"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		s.Aggregator = raw.Aggregator
		if s.Aggregator == "" {
			s.Aggregator = raw.Agg
		}
		s.Field = raw.Field
		return nil
	}

	return fmt.Errorf("select must be a string or object, got %v", node.Kind)
}

// ParseSelect parses the "aggregator(field)" shorthand, e.g. "count(*)".
// The aggregator is lowercased but not checked; see [query.Select.Validate].
func ParseSelect(s string) (query.Select, error) {
	m := shorthandSelect.FindStringSubmatch(s)
	if m == nil {
		return query.Select{}, fmt.Errorf("invalid select %q (expected 'aggregator(field)')", s)
	}
	return query.Select{Aggregator: query.Aggregator(strings.ToLower(m[1])), Field: m[2]}, nil
}

// Select returns the query select clause.
func (s SelectConfig) Select() query.Select {
	return query.Select{Aggregator: query.Aggregator(s.Aggregator), Field: s.Field}
}

// WhereConfig holds a filter tree as raw JSON.
type WhereConfig struct {
	Raw json.RawMessage
}

// UnmarshalYAML implements yaml.Unmarshaler for WhereConfig.
//
// A mapping is converted to JSON as-is; a string is taken to be JSON.
func (w *WhereConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!str" {
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("where string is not valid JSON: %s", raw)
		}
		w.Raw = json.RawMessage(raw)
		return nil
	}

	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("where cannot be represented as JSON: %w", err)
	}
	w.Raw = data
	return nil
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in the storage path, the records
// directory and grid where templates. Defaults are applied for Port (8080),
// the storage driver (memory), the rescan interval (15s) and evaluator
// concurrency (10).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Evaluator.Interval == 0 {
		cfg.Evaluator.Interval = Duration(15 * time.Second)
	}
	if cfg.Evaluator.MaxConcurrency == 0 {
		cfg.Evaluator.MaxConcurrency = 10
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateEvaluator(); err != nil {
		return err
	}

	if c.Commands.Timeout.Duration() < 0 {
		return fmt.Errorf("commands: timeout cannot be negative, got %s", c.Commands.Timeout.Duration())
	}
	if c.Commands.MaxOutput < 0 {
		return fmt.Errorf("commands: max_output cannot be negative, got %d", c.Commands.MaxOutput)
	}
	if c.Commands.MaxConcurrency < 0 {
		return fmt.Errorf("commands: max_concurrency cannot be negative, got %d", c.Commands.MaxConcurrency)
	}

	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit: values cannot be negative")
	}

	names := make(map[string]struct{}, len(c.Queries))
	for i := range c.Queries {
		q := &c.Queries[i]

		if q.Name == "" {
			return fmt.Errorf("queries[%d]: name is required", i)
		}
		if _, exists := names[q.Name]; exists {
			return fmt.Errorf("queries[%d] (%s): duplicate name", i, q.Name)
		}
		names[q.Name] = struct{}{}

		if err := q.Select.Select().Validate(); err != nil {
			return fmt.Errorf("queries[%d] (%s): select: %w", i, q.Name, err)
		}
		if _, err := query.ParseWhere(q.Where.Raw); err != nil {
			return fmt.Errorf("queries[%d] (%s): %w", i, q.Name, err)
		}
	}

	for i := range c.QueryGrids {
		g := &c.QueryGrids[i]

		if g.Name == "" {
			return fmt.Errorf("query_grids[%d]: name is required", i)
		}

		if err := g.Select.Select().Validate(); err != nil {
			return fmt.Errorf("query_grids[%d] (%s): select: %w", i, g.Name, err)
		}

		if g.WhereTemplate == "" {
			return fmt.Errorf("query_grids[%d] (%s): where_template is required", i, g.Name)
		}
		expanded, err := expandEnvVars(g.WhereTemplate)
		if err != nil {
			return fmt.Errorf("query_grids[%d] (%s): where_template: %w", i, g.Name, err)
		}
		g.WhereTemplate = expanded

		// fail fast before SDK tries to use invalid template
		if _, err := template.New("").Parse(g.WhereTemplate); err != nil {
			return fmt.Errorf("query_grids[%d] (%s): invalid where_template: %w", i, g.Name, err)
		}

		if len(g.Dimensions) == 0 {
			return fmt.Errorf("query_grids[%d] (%s): at least one dimension is required", i, g.Name)
		}
		for dimName, dimValues := range g.Dimensions {
			if len(dimValues) == 0 {
				return fmt.Errorf("query_grids[%d] (%s): dimension %q has no values", i, g.Name, dimName)
			}
			seen := make(map[string]struct{}, len(dimValues))
			for _, v := range dimValues {
				if _, exists := seen[v]; exists {
					return fmt.Errorf("query_grids[%d] (%s): dimension %q has duplicate value %q", i, g.Name, dimName, v)
				}
				seen[v] = struct{}{}
			}
		}
	}

	return nil
}

func (c *Config) validateStorage() error {
	s := &c.Storage
	switch s.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.Path == "" {
			return errors.New("storage: path is required for the sqlite driver")
		}
		expanded, err := expandEnvVars(s.Path)
		if err != nil {
			return fmt.Errorf("storage: path: %w", err)
		}
		s.Path = expanded
	default:
		return fmt.Errorf("storage: unknown driver %q (expected %q or %q)", s.Driver, DriverMemory, DriverSQLite)
	}
	if s.SubscriberBuffer < 0 {
		return fmt.Errorf("storage: subscriber_buffer cannot be negative, got %d", s.SubscriberBuffer)
	}
	return nil
}

func (c *Config) validateEvaluator() error {
	e := &c.Evaluator
	if e.Dir != "" {
		expanded, err := expandEnvVars(e.Dir)
		if err != nil {
			return fmt.Errorf("evaluator: dir: %w", err)
		}
		e.Dir = expanded
	}
	if e.Interval.Duration() < minEvalInterval {
		return fmt.Errorf("evaluator: interval must be at least %s, got %s", minEvalInterval, e.Interval.Duration())
	}
	if e.MaxConcurrency < 1 {
		return fmt.Errorf("evaluator: max_concurrency must be at least 1, got %d", e.MaxConcurrency)
	}
	return nil
}
