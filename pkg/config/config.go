package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/browserfleet/pkg/browser"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultStartTimeout      = 10 * time.Second
	DefaultProbeTimeout      = 2 * time.Second
	DefaultHealthInterval    = 30 * time.Second
	DefaultMinProbeInterval  = 250 * time.Millisecond
	DefaultFailureThreshold  = 3
	DefaultMaxRestarts       = 5
	DefaultRestartBackoff    = 500 * time.Millisecond
	DefaultRestartBackoffMax = 30 * time.Second
	DefaultStopGrace         = 3 * time.Second

	DefaultPoolMaxPerFamily    = 3
	DefaultPoolIdleTimeout     = 300 * time.Second
	DefaultPoolAcquireTimeout  = 30 * time.Second
	DefaultPoolCreateTimeout   = 60 * time.Second
	DefaultPoolVerifyTimeout   = 2 * time.Second
	DefaultPoolCleanupInterval = 60 * time.Second
	DefaultPoolCreateRetries   = 2

	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultJanitorInterval    = time.Minute

	DefaultHTTPListen = "127.0.0.1:4499"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "json"
)

// Convention modes for session-id based family selection.
const (
	ConventionPrefix = "prefix"
	ConventionSuffix = "suffix"
	ConventionToken  = "token"
	ConventionOff    = "off"
)

// Config is the full orchestration configuration.
type Config struct {
	Drivers   DriversConfig   `yaml:"drivers"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Pool      PoolConfig      `yaml:"pool"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// DriversConfig controls driver process supervision.
type DriversConfig struct {
	Enabled           []browser.Family        `yaml:"enabled"`
	AutoStart         bool                    `yaml:"auto_start"`
	Headless          bool                    `yaml:"headless"`
	StartTimeout      time.Duration           `yaml:"start_timeout"`
	ProbeTimeout      time.Duration           `yaml:"probe_timeout"`
	HealthInterval    time.Duration           `yaml:"health_interval"`
	MinProbeInterval  time.Duration           `yaml:"min_probe_interval"`
	FailureThreshold  int                     `yaml:"failure_threshold"`
	MaxRestarts       int                     `yaml:"max_restarts"`
	RestartBackoff    time.Duration           `yaml:"restart_backoff"`
	RestartBackoffMax time.Duration           `yaml:"restart_backoff_max"`
	StopGrace         time.Duration           `yaml:"stop_grace"`
	ReapOrphans       bool                    `yaml:"reap_orphans"`
	SearchPaths       []string                `yaml:"search_paths"`
	Families          map[string]DriverConfig `yaml:"families"`
}

// DriverConfig holds per-family overrides.
type DriverConfig struct {
	Binary      string   `yaml:"binary"`
	Port        int      `yaml:"port"`
	Args        []string `yaml:"args"`
	Env         []string `yaml:"env"`
	BrowserArgs []string `yaml:"browser_args"`
}

// ResolverConfig controls endpoint resolution.
type ResolverConfig struct {
	DefaultFamily    string           `yaml:"default_family"`
	StrictPreference bool             `yaml:"strict_preference"`
	Convention       ConventionConfig `yaml:"convention"`
}

// ConventionConfig describes how a session id encodes a family preference.
type ConventionConfig struct {
	Mode   string              `yaml:"mode"`
	Tokens map[string][]string `yaml:"tokens"`
}

// PoolConfig controls the connection pool.
type PoolConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxPerFamily    int           `yaml:"max_per_family"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	CreateTimeout   time.Duration `yaml:"create_timeout"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CreateRetries   int           `yaml:"create_retries"`
}

// SessionsConfig controls logical session bookkeeping.
type SessionsConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// LoggingConfig controls the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	TraceStdout bool   `yaml:"trace_stdout"`
}

// HTTPConfig controls the ops HTTP surface.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Drivers: DriversConfig{
			Enabled:           []browser.Family{browser.Firefox, browser.Chrome},
			AutoStart:         true,
			Headless:          true,
			StartTimeout:      DefaultStartTimeout,
			ProbeTimeout:      DefaultProbeTimeout,
			HealthInterval:    DefaultHealthInterval,
			MinProbeInterval:  DefaultMinProbeInterval,
			FailureThreshold:  DefaultFailureThreshold,
			MaxRestarts:       DefaultMaxRestarts,
			RestartBackoff:    DefaultRestartBackoff,
			RestartBackoffMax: DefaultRestartBackoffMax,
			StopGrace:         DefaultStopGrace,
			ReapOrphans:       false,
			SearchPaths:       defaultSearchPaths(),
			Families:          map[string]DriverConfig{},
		},
		Resolver: ResolverConfig{
			StrictPreference: false,
			Convention: ConventionConfig{
				Mode: ConventionPrefix,
				Tokens: map[string][]string{
					"chrome":  {"chrome", "chromium"},
					"firefox": {"firefox", "gecko"},
					"edge":    {"edge", "msedge"},
				},
			},
		},
		Pool: PoolConfig{
			Enabled:         true,
			MaxPerFamily:    DefaultPoolMaxPerFamily,
			IdleTimeout:     DefaultPoolIdleTimeout,
			AcquireTimeout:  DefaultPoolAcquireTimeout,
			CreateTimeout:   DefaultPoolCreateTimeout,
			VerifyTimeout:   DefaultPoolVerifyTimeout,
			CleanupInterval: DefaultPoolCleanupInterval,
			CreateRetries:   DefaultPoolCreateRetries,
		},
		Sessions: SessionsConfig{
			IdleTimeout:     DefaultSessionIdleTimeout,
			JanitorInterval: DefaultJanitorInterval,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "browserfleet",
		},
		HTTP: HTTPConfig{
			Listen: DefaultHTTPListen,
		},
	}
}

func defaultSearchPaths() []string {
	paths := []string{"/usr/local/bin", "/usr/bin", "/snap/bin"}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".local", "bin"))
	}
	return append(paths, "/opt/homebrew/bin")
}

// Driver returns the per-family overrides, zero-valued when none are set.
func (c DriversConfig) Driver(f browser.Family) DriverConfig {
	if c.Families == nil {
		return DriverConfig{}
	}
	return c.Families[f.String()]
}

// Default returns the configured default family, if any.
func (c ResolverConfig) Default() (browser.Family, bool) {
	name := strings.TrimSpace(c.DefaultFamily)
	if name == "" {
		return 0, false
	}
	f, err := browser.ParseFamily(name)
	if err != nil {
		return 0, false
	}
	return f, true
}

// FamilyTokens returns the convention tokens keyed by family. Unknown family
// names were rejected by Validate.
func (c ConventionConfig) FamilyTokens() map[browser.Family][]string {
	out := make(map[browser.Family][]string, len(c.Tokens))
	for name, tokens := range c.Tokens {
		f, err := browser.ParseFamily(name)
		if err != nil {
			continue
		}
		for _, tok := range tokens {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok != "" {
				out[f] = append(out[f], tok)
			}
		}
	}
	return out
}

// Profiles builds the immutable capability profiles for every family.
func (c *Config) Profiles() map[browser.Family]browser.Profile {
	extra := make(map[browser.Family][]string)
	for _, f := range browser.Families() {
		if args := c.Drivers.Driver(f).BrowserArgs; len(args) > 0 {
			extra[f] = append([]string(nil), args...)
		}
	}
	return browser.DefaultProfiles(browser.ProfileOptions{
		Headless:  c.Drivers.Headless,
		ExtraArgs: extra,
	})
}

// Validate checks the configuration for values the orchestrator cannot run
// with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	d := c.Drivers
	if len(d.Enabled) == 0 {
		add("drivers.enabled must list at least one browser family")
	}
	seen := make(map[browser.Family]bool)
	for _, f := range d.Enabled {
		if !f.Valid() {
			add("drivers.enabled contains unknown family %d", int(f))
			continue
		}
		if seen[f] {
			add("drivers.enabled lists %s twice", f)
		}
		seen[f] = true
	}
	if d.StartTimeout <= 0 {
		add("drivers.start_timeout must be positive")
	}
	if d.ProbeTimeout <= 0 {
		add("drivers.probe_timeout must be positive")
	}
	if d.HealthInterval < 0 {
		add("drivers.health_interval must not be negative")
	}
	if d.MinProbeInterval < 0 {
		add("drivers.min_probe_interval must not be negative")
	}
	if d.FailureThreshold < 1 {
		add("drivers.failure_threshold must be at least 1")
	}
	if d.MaxRestarts < 0 {
		add("drivers.max_restarts must not be negative")
	}
	if d.RestartBackoff <= 0 || d.RestartBackoffMax < d.RestartBackoff {
		add("drivers.restart_backoff must be positive and not exceed restart_backoff_max")
	}
	if d.StopGrace < 0 {
		add("drivers.stop_grace must not be negative")
	}
	ports := make(map[int]string)
	for name, fc := range d.Families {
		f, err := browser.ParseFamily(name)
		if err != nil {
			add("drivers.families: %v", err)
			continue
		}
		if fc.Port < 0 || fc.Port > 65535 {
			add("drivers.families.%s.port %d out of range", name, fc.Port)
		}
		if fc.Port != 0 {
			if other, dup := ports[fc.Port]; dup {
				add("drivers.families.%s.port %d already used by %s", name, fc.Port, other)
			}
			ports[fc.Port] = f.String()
		}
	}

	r := c.Resolver
	if strings.TrimSpace(r.DefaultFamily) != "" {
		if _, err := browser.ParseFamily(r.DefaultFamily); err != nil {
			add("resolver.default_family: %v", err)
		}
	}
	switch r.Convention.Mode {
	case ConventionPrefix, ConventionSuffix, ConventionToken, ConventionOff:
	default:
		add("resolver.convention.mode %q must be one of prefix, suffix, token, off", r.Convention.Mode)
	}
	owners := make(map[string]string)
	for name, tokens := range r.Convention.Tokens {
		if _, err := browser.ParseFamily(name); err != nil {
			add("resolver.convention.tokens: %v", err)
			continue
		}
		for _, tok := range tokens {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if owner, dup := owners[tok]; dup && owner != name {
				add("resolver.convention token %q claimed by both %s and %s", tok, owner, name)
			}
			owners[tok] = name
		}
	}

	p := c.Pool
	if p.MaxPerFamily < 1 {
		add("pool.max_per_family must be at least 1")
	}
	if p.IdleTimeout <= 0 {
		add("pool.idle_timeout must be positive")
	}
	if p.AcquireTimeout < 0 {
		add("pool.acquire_timeout must not be negative")
	}
	if p.CreateTimeout <= 0 {
		add("pool.create_timeout must be positive")
	}
	if p.VerifyTimeout <= 0 {
		add("pool.verify_timeout must be positive")
	}
	if p.CleanupInterval <= 0 {
		add("pool.cleanup_interval must be positive")
	}
	if p.CreateRetries < 0 {
		add("pool.create_retries must not be negative")
	}

	if c.Sessions.IdleTimeout < 0 || c.Sessions.JanitorInterval < 0 {
		add("sessions timeouts must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		add("logging.level %q is not a known level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format %q must be json or text", c.Logging.Format)
	}

	if len(problems) == 0 {
		return nil
	}
	return fleeterrors.New(fleeterrors.ErrCodeConfigInvalid, strings.Join(problems, "; ")).
		WithContext("problems", len(problems))
}
