// Package config loads probeweaver settings.
//
// Settings are layered, lowest priority first:
//
//  1. Default()
//  2. the YAML file given to Load
//  3. PROBEWEAVER_* environment variables
//
// Example file:
//
//	allow_unsafe: false
//	dump_dir: /tmp/probeweaver
//	exclude:
//	  - "com.acme.internal.**"
//	alias_files:
//	  - aliases/http.yaml
//	workers: 4
//	logging:
//	  level: debug
//	  pretty: false
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v9"
	"github.com/gobwas/glob"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultExclude lists the units that are never instrumented: the core
// units probe actions themselves depend on, and the engine's own units.
// Patterns are globs over dotted unit names; '*' stops at '.', "**" does
// not.
var DefaultExclude = []string{
	"java.lang.Object",
	"java.lang.ThreadLocal*",
	"java.lang.VerifyError",
	"sun.reflect.**",
	"sun.misc.Unsafe",
	"sun.security.**",
	"probeweaver.**",
}

// DefaultCacheSize is the number of instrumented units a session keeps.
const DefaultCacheSize = 512

// Config holds all probeweaver settings.
type Config struct {
	// AllowUnsafe lets probe units marked @Probe(unsafe=true) skip the
	// body safety rules.
	AllowUnsafe bool `yaml:"allow_unsafe" env:"PROBEWEAVER_UNSAFE"`

	// Debug enables debug logging and the instrumentation summary.
	Debug bool `yaml:"debug" env:"PROBEWEAVER_DEBUG"`

	// DumpDir, when set, receives a copy of every instrumented unit.
	DumpDir string `yaml:"dump_dir" env:"PROBEWEAVER_DUMP_DIR"`

	// Exclude lists globs of dotted unit names that are never
	// instrumented. Setting it replaces DefaultExclude.
	Exclude []string `yaml:"exclude" env:"PROBEWEAVER_EXCLUDE" envSeparator:","`

	// AliasFiles lists YAML files resolving @OnProbe actions.
	AliasFiles []string `yaml:"alias_files" env:"PROBEWEAVER_ALIAS_FILES" envSeparator:","`

	// CacheSize bounds the instrumented-unit cache; 0 disables it.
	CacheSize int `yaml:"cache_size" env:"PROBEWEAVER_CACHE_SIZE"`

	// Workers bounds concurrent instrumentation passes in batch mode.
	Workers int `yaml:"workers" env:"PROBEWEAVER_WORKERS"`

	Logging Logging `yaml:"logging"`
}

// Logging configures the logger.
type Logging struct {
	Level  string `yaml:"level" env:"PROBEWEAVER_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PROBEWEAVER_LOG_PRETTY"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Exclude:   append([]string(nil), DefaultExclude...),
		CacheSize: DefaultCacheSize,
		Workers:   runtime.NumCPU(),
		Logging: Logging{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads the configuration file at path, if any, and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		// Alias files in the file are relative to it.
		for i, f := range cfg.AliasFiles {
			if f != "" && !filepath.IsAbs(f) {
				cfg.AliasFiles[i] = filepath.Join(filepath.Dir(path), f)
			}
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Workers < 1 {
		result = multierror.Append(result, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.CacheSize < 0 {
		result = multierror.Append(result, fmt.Errorf("cache_size must not be negative, got %d", c.CacheSize))
	}
	for _, p := range c.Exclude {
		if strings.TrimSpace(p) == "" {
			result = multierror.Append(result, errors.New("exclude: empty pattern"))
			continue
		}
		if _, err := glob.Compile(p, '.'); err != nil {
			result = multierror.Append(result, fmt.Errorf("exclude: invalid pattern %q: %w", p, err))
		}
	}
	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
			result = multierror.Append(result, fmt.Errorf("logging.level: %w", err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
