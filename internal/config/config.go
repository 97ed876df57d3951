// Package config holds the explicit configuration value handed to every
// backup component. Nothing in the engine reads ambient process state.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the full configuration surface.
type Config struct {
	DataDir       string           `mapstructure:"data_dir" yaml:"data_dir"`
	Workers       int              `mapstructure:"workers" yaml:"workers"`
	RetentionDays int              `mapstructure:"retention_days" yaml:"retention_days"`
	Scopes        []ScopeConfig    `mapstructure:"scopes" yaml:"scopes"`
	Retry         RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Validation    ValidationConfig `mapstructure:"validation" yaml:"validation"`
	Log           LogConfig        `mapstructure:"log" yaml:"log"`
}

// ScopeConfig describes one backed-up collection. Each scope gets its own store file.
type ScopeConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Kind selects the RemoteSource implementation. Only "dir" ships with the CLI.
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Root is the source location, interpreted by the source kind.
	Root string `mapstructure:"root" yaml:"root"`
	// MirrorDir receives fetched content; empty means <data_dir>/mirror/<scope>.
	MirrorDir string `mapstructure:"mirror_dir" yaml:"mirror_dir"`
}

// RetryConfig bounds retries of remote operations.
type RetryConfig struct {
	Backoff    RetryBackoffMode `mapstructure:"backoff" yaml:"backoff"`
	Initial    time.Duration    `mapstructure:"initial" yaml:"initial"`
	Max        time.Duration    `mapstructure:"max" yaml:"max"`
	MaxRetries int              `mapstructure:"max_retries" yaml:"max_retries"`
	Jitter     bool             `mapstructure:"jitter" yaml:"jitter"`
}

// ValidationConfig tunes post-fetch content checks.
type ValidationConfig struct {
	// RequireSizeMatch fails items whose fetched length differs from the
	// size reported during enumeration.
	RequireSizeMatch bool `mapstructure:"require_size_match" yaml:"require_size_match"`
}

// LogConfig selects log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text|json
}

const (
	DefaultWorkers       = 4
	DefaultRetentionDays = 90
	SourceKindDir        = "dir"
)

// Default returns a configuration with every field set to its default.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:       filepath.Join(home, ".delta-backup"),
		Workers:       DefaultWorkers,
		RetentionDays: DefaultRetentionDays,
		Retry: RetryConfig{
			Backoff:    RetryBackoffExponential,
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			MaxRetries: 4,
			Jitter:     true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("retention_days must be >= 1, got %d", c.RetentionDays))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries cannot be negative"))
	}
	if c.Retry.Backoff != "" && NormalizeRetryBackoff(string(c.Retry.Backoff)) == "" {
		errs = append(errs, fmt.Errorf("retry.backoff %q is not one of fixed, linear, exponential", c.Retry.Backoff))
	}
	seen := map[string]bool{}
	for i, s := range c.Scopes {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, fmt.Errorf("scopes[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("scopes[%d]: duplicate scope %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Kind != "" && s.Kind != SourceKindDir {
			errs = append(errs, fmt.Errorf("scopes[%d]: unsupported kind %q", i, s.Kind))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Scope returns the named scope configuration.
func (c *Config) Scope(name string) (ScopeConfig, bool) {
	for _, s := range c.Scopes {
		if s.Name == name {
			return s, true
		}
	}
	return ScopeConfig{}, false
}

var slugRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ScopeSlug turns a scope name into a file-system safe name.
func ScopeSlug(scope string) string {
	s := strings.Trim(slugRe.ReplaceAllString(scope, "_"), "_")
	if s == "" {
		return "default"
	}
	return s
}

// StorePath is the location of the durable store for scope.
func (c *Config) StorePath(scope string) string {
	return filepath.Join(c.DataDir, ScopeSlug(scope)+".db")
}

// MirrorDir is where fetched content for scope is written.
func (c *Config) MirrorDir(s ScopeConfig) string {
	if s.MirrorDir != "" {
		return s.MirrorDir
	}
	return filepath.Join(c.DataDir, "mirror", ScopeSlug(s.Name))
}
