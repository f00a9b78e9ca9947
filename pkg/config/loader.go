package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/browserfleet/pkg/browser"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
)

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// envOverrides mirrors the WEBDRIVER_* variables. Pointer fields stay nil
// when the variable is unset so only explicit values override the file.
type envOverrides struct {
	ConcurrentDrivers    []string `envconfig:"WEBDRIVER_CONCURRENT_DRIVERS"`
	PreferredDriver      *string  `envconfig:"WEBDRIVER_PREFERRED_DRIVER"`
	AutoStart            *bool    `envconfig:"WEBDRIVER_AUTO_START"`
	Headless             *bool    `envconfig:"WEBDRIVER_HEADLESS"`
	TimeoutMS            *int64   `envconfig:"WEBDRIVER_TIMEOUT_MS"`
	StartupTimeoutMS     *int64   `envconfig:"WEBDRIVER_STARTUP_TIMEOUT_MS"`
	PoolEnabled          *bool    `envconfig:"WEBDRIVER_POOL_ENABLED"`
	PoolMaxConnections   *int     `envconfig:"WEBDRIVER_POOL_MAX_CONNECTIONS"`
	PoolIdleTimeoutSecs  *int64   `envconfig:"WEBDRIVER_POOL_IDLE_TIMEOUT_SECS"`
	PoolAcquireTimeoutMS *int64   `envconfig:"WEBDRIVER_POOL_ACQUIRE_TIMEOUT_MS"`
	LogLevel             *string  `envconfig:"WEBDRIVER_LOG_LEVEL"`
	HTTPListen           *string  `envconfig:"WEBDRIVER_HTTP_LISTEN"`
}

// Load builds the configuration from defaults, the user file
// (~/.browserfleet/config.yaml), the project file (./browserfleet.yaml), an
// optional explicit path, and finally the process environment.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv, true)
}

// LoadFromPath loads a single file over the defaults and applies lookup for
// environment overrides. Pass nil to skip the environment.
func LoadFromPath(path string, lookup LookupFunc) (*Config, error) {
	return load(path, lookup, false)
}

func load(path string, lookup LookupFunc, hierarchy bool) (*Config, error) {
	cfg := DefaultConfig()

	if hierarchy {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.Getenv("HOME")
		}
		if home != "" {
			userPath := filepath.Join(home, ".browserfleet", "config.yaml")
			if err := loadAndMerge(cfg, userPath); err != nil && !os.IsNotExist(err) {
				return nil, fleeterrors.Wrap(err, fleeterrors.ErrCodeConfigLoad, "loading user config").
					WithContext("path", userPath)
			}
		}
		if err := loadAndMerge(cfg, "browserfleet.yaml"); err != nil && !os.IsNotExist(err) {
			return nil, fleeterrors.Wrap(err, fleeterrors.ErrCodeConfigLoad, "loading project config").
				WithContext("path", "browserfleet.yaml")
		}
	}

	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil {
			return nil, fleeterrors.Wrap(err, fleeterrors.ErrCodeConfigLoad, "loading config").
				WithContext("path", path)
		}
	}

	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without touching the filesystem or the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := mergeYAML(cfg, data); err != nil {
		return nil, fleeterrors.Wrap(err, fleeterrors.ErrCodeConfigLoad, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return mergeYAML(cfg, data)
}

// mergeYAML decodes onto the existing struct, so keys absent from the
// document keep their current values.
func mergeYAML(cfg *Config, data []byte) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return canonicalizeFamilies(cfg)
}

// canonicalizeFamilies rewrites alias keys such as "gecko" to the canonical
// family name so lookups by Family.String() find them.
func canonicalizeFamilies(cfg *Config) error {
	if len(cfg.Drivers.Families) > 0 {
		out := make(map[string]DriverConfig, len(cfg.Drivers.Families))
		for name, fc := range cfg.Drivers.Families {
			f, err := browser.ParseFamily(name)
			if err != nil {
				return fmt.Errorf("drivers.families: %w", err)
			}
			out[f.String()] = fc
		}
		cfg.Drivers.Families = out
	}
	if len(cfg.Resolver.Convention.Tokens) > 0 {
		out := make(map[string][]string, len(cfg.Resolver.Convention.Tokens))
		for name, tokens := range cfg.Resolver.Convention.Tokens {
			f, err := browser.ParseFamily(name)
			if err != nil {
				return fmt.Errorf("resolver.convention.tokens: %w", err)
			}
			out[f.String()] = tokens
		}
		cfg.Resolver.Convention.Tokens = out
	}
	return nil
}

// ApplyEnv applies WEBDRIVER_* overrides read through lookup.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var env envOverrides
	if err := envconfig.Process("", &env, lookup); err != nil {
		return fleeterrors.Wrap(err, fleeterrors.ErrCodeConfigInvalid, "reading environment")
	}

	if len(env.ConcurrentDrivers) > 0 {
		families := make([]browser.Family, 0, len(env.ConcurrentDrivers))
		for _, name := range env.ConcurrentDrivers {
			if strings.TrimSpace(name) == "" {
				continue
			}
			f, err := browser.ParseFamily(name)
			if err != nil {
				return fleeterrors.Wrap(err, fleeterrors.ErrCodeConfigInvalid, "WEBDRIVER_CONCURRENT_DRIVERS")
			}
			families = append(families, f)
		}
		cfg.Drivers.Enabled = families
	}
	if env.PreferredDriver != nil {
		cfg.Resolver.DefaultFamily = strings.TrimSpace(*env.PreferredDriver)
	}
	if env.AutoStart != nil {
		cfg.Drivers.AutoStart = *env.AutoStart
	}
	if env.Headless != nil {
		cfg.Drivers.Headless = *env.Headless
	}
	if env.TimeoutMS != nil {
		cfg.Drivers.ProbeTimeout = time.Duration(*env.TimeoutMS) * time.Millisecond
	}
	if env.StartupTimeoutMS != nil {
		cfg.Drivers.StartTimeout = time.Duration(*env.StartupTimeoutMS) * time.Millisecond
	}
	if env.PoolEnabled != nil {
		cfg.Pool.Enabled = *env.PoolEnabled
	}
	if env.PoolMaxConnections != nil {
		cfg.Pool.MaxPerFamily = *env.PoolMaxConnections
	}
	if env.PoolIdleTimeoutSecs != nil {
		cfg.Pool.IdleTimeout = time.Duration(*env.PoolIdleTimeoutSecs) * time.Second
	}
	if env.PoolAcquireTimeoutMS != nil {
		cfg.Pool.AcquireTimeout = time.Duration(*env.PoolAcquireTimeoutMS) * time.Millisecond
	}
	if env.LogLevel != nil {
		cfg.Logging.Level = *env.LogLevel
	}
	if env.HTTPListen != nil {
		cfg.HTTP.Listen = *env.HTTPListen
	}
	return nil
}
