// Package config provides YAML configuration parsing for climapulse.
//
// This package enables running a board as a standalone binary with a
// configuration file, as an alternative to building feeds in Go.
//
// Example configuration:
//
//	title: Planta Norte
//	port: 8080
//	poll_interval: 5s
//
//	sources:
//	  - name: sala-bombas
//	    url: ${API_BASE_URL:-http://localhost:8081}/api/sensors
//	    sensor_ids: [T-001, T-002]
//	    timeout: 4s
//	    headers:
//	      X-Api-Key: ${SENSOR_KEY:-}
//	    fallback:
//	      temperature: {min: 20, max: 30, step: 1}
//	      humidity: {min: 40, max: 70, step: 3}
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// minPollInterval prevents accidental hammering of a sensor API.
	minPollInterval = 1 * time.Second
	maxPollInterval = 1 * time.Hour
	minTimeout      = 100 * time.Millisecond

	defaultPort         = 8080
	defaultPollInterval = 5 * time.Second
)

// Config is the root configuration structure.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "ClimaPulse" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// PollInterval is the interval for sources that do not set their own.
	// Defaults to 5s.
	PollInterval Duration `yaml:"poll_interval"`

	// Sources defines the endpoints to poll.
	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig defines one polled endpoint, or one per sensor when
// SensorIDs is set.
type SourceConfig struct {
	// Name is the display name shown in the dashboard. With SensorIDs each
	// generated source is named "<name>-<id>".
	Name string `yaml:"name"`

	// URL is the sensor endpoint URL.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	URL string `yaml:"url"`

	// SensorIDs selects entries from a {"sensors": [...]} payload, one
	// source per id.
	SensorIDs []string `yaml:"sensor_ids"`

	// Interval overrides poll_interval for this source.
	// Must be between 1s and 1h.
	Interval Duration `yaml:"interval"`

	// Timeout bounds each request. Must be at least 100ms and shorter than
	// the interval. Defaults to 6s, or four fifths of the interval when that
	// is shorter.
	Timeout Duration `yaml:"timeout"`

	// Headers are custom HTTP headers sent with each request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	// Fallback sets the synthetic reading envelopes. Omitted envelopes keep
	// their defaults.
	Fallback FallbackConfig `yaml:"fallback"`
}

// FallbackConfig holds the synthetic reading envelopes of a source.
type FallbackConfig struct {
	Temperature *EnvelopeConfig `yaml:"temperature"`
	Humidity    *EnvelopeConfig `yaml:"humidity"`
}

// EnvelopeConfig bounds one synthetic series.
type EnvelopeConfig struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Step float64 `yaml:"step"`
}

func (e *EnvelopeConfig) validate() error {
	if e == nil {
		return nil
	}
	if e.Min >= e.Max {
		return fmt.Errorf("min (%g) must be below max (%g)", e.Min, e.Max)
	}
	if e.Step < 0 {
		return fmt.Errorf("step cannot be negative, got %g", e.Step)
	}
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

// interval returns the effective poll interval of sc under cfg.
func (c *Config) interval(sc SourceConfig) time.Duration {
	if sc.Interval != 0 {
		return sc.Interval.Duration()
	}
	return c.PollInterval.Duration()
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

		sub := envVarPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}

		name := sub[1]
		hasDefault := len(sub) > 2 && sub[2] != ""

		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		if hasDefault {
			return sub[3]
		}
		firstErr = fmt.Errorf("environment variable %q is not set", name)
		return match
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
// Environment variables are expanded in URL and header values.
// Defaults are applied for Port (8080) and PollInterval (5s).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(defaultPollInterval)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateInterval(field string, d time.Duration) error {
	if d < minPollInterval {
		return fmt.Errorf("%s must be at least %s, got %s", field, minPollInterval, d)
	}
	if d > maxPollInterval {
		return fmt.Errorf("%s must not exceed %s, got %s", field, maxPollInterval, d)
	}
	return nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if err := validateInterval("poll_interval", c.PollInterval.Duration()); err != nil {
		return err
	}

	if len(c.Sources) == 0 {
		return errors.New("at least one source must be defined")
	}

	names := make(map[string]int)
	for i := range c.Sources {
		sc := &c.Sources[i]
		ctx := fmt.Sprintf("sources[%d] (%s)", i, sc.Name)

		if sc.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}

		if sc.URL == "" {
			return fmt.Errorf("%s: url is required", ctx)
		}
		expanded, err := expandEnvVars(sc.URL)
		if err != nil {
			return fmt.Errorf("%s: url: %w", ctx, err)
		}
		sc.URL = expanded

		u, err := url.Parse(sc.URL)
		if err != nil {
			return fmt.Errorf("%s: invalid url: %w", ctx, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s: url scheme must be http or https, got %q", ctx, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%s: url must have a host", ctx)
		}

		for k, v := range sc.Headers {
			expanded, err := expandEnvVars(v)
			if err != nil {
				return fmt.Errorf("%s: headers[%s]: %w", ctx, k, err)
			}
			sc.Headers[k] = expanded
		}

		if sc.Interval != 0 {
			if err := validateInterval("interval", sc.Interval.Duration()); err != nil {
				return fmt.Errorf("%s: %w", ctx, err)
			}
		}

		if sc.Timeout != 0 {
			timeout, interval := sc.Timeout.Duration(), c.interval(*sc)
			if timeout < minTimeout {
				return fmt.Errorf("%s: timeout must be at least %s, got %s", ctx, minTimeout, timeout)
			}
			if timeout >= interval {
				return fmt.Errorf("%s: timeout %s must be shorter than interval %s", ctx, timeout, interval)
			}
		}

		if err := sc.Fallback.Temperature.validate(); err != nil {
			return fmt.Errorf("%s: fallback.temperature: %w", ctx, err)
		}
		if err := sc.Fallback.Humidity.validate(); err != nil {
			return fmt.Errorf("%s: fallback.humidity: %w", ctx, err)
		}

		seen := make(map[string]bool, len(sc.SensorIDs))
		for _, id := range sc.SensorIDs {
			if id == "" {
				return fmt.Errorf("%s: sensor_ids cannot contain an empty id", ctx)
			}
			if seen[id] {
				return fmt.Errorf("%s: duplicate sensor id %q", ctx, id)
			}
			seen[id] = true
		}

		for _, name := range sc.sourceNames() {
			if j, dup := names[name]; dup {
				return fmt.Errorf("%s: source name %q already used by sources[%d]", ctx, name, j)
			}
			names[name] = i
		}
	}

	return nil
}

// sourceNames returns the names of the sources sc expands to.
func (sc SourceConfig) sourceNames() []string {
	if len(sc.SensorIDs) == 0 {
		return []string{sc.Name}
	}
	names := make([]string, len(sc.SensorIDs))
	for i, id := range sc.SensorIDs {
		names[i] = sc.Name + "-" + id
	}
	return names
}
