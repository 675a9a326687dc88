// Package config loads the plugin host configuration.
//
// Configuration is layered: built-in defaults, then an optional TOML file,
// then CRM_PLUGINS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CRM_PLUGINS_"

// Duration is a time.Duration that decodes from strings such as "10s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full host configuration.
type Config struct {
	Plugins Plugins `toml:"plugins" envPrefix:"PLUGINS_"`
	Network Network `toml:"network" envPrefix:"NETWORK_"`
	Storage Storage `toml:"storage" envPrefix:"STORAGE_"`
	Log     Log     `toml:"log" envPrefix:"LOG_"`
	Admin   Admin   `toml:"admin" envPrefix:"ADMIN_"`

	// Actions binds CRM action names to plugin functions written as
	// "plugin" or "plugin.function".
	Actions map[string]string `toml:"actions"`
}

// Plugins configures discovery, sandboxing and hot reload.
type Plugins struct {
	// Dir is scanned for plugin directories when Registry is empty.
	Dir string `toml:"dir" env:"DIR"`

	// Registry is a TOML file of plugin descriptors.
	Registry string `toml:"registry" env:"REGISTRY"`

	// ExecutionTimeout bounds top-level execution of an entry file.
	ExecutionTimeout Duration `toml:"execution_timeout" env:"EXECUTION_TIMEOUT"`

	// HookTimeout bounds init, cleanup and exported function calls.
	HookTimeout Duration `toml:"hook_timeout" env:"HOOK_TIMEOUT"`

	// SharedLibraries are host libraries any plugin may require.
	SharedLibraries []string `toml:"shared_libraries" env:"SHARED_LIBRARIES" envSeparator:","`

	// PrivateDir is the per-plugin dependency directory.
	PrivateDir string `toml:"private_dir" env:"PRIVATE_DIR"`

	Watch         bool     `toml:"watch" env:"WATCH"`
	WatchDebounce Duration `toml:"watch_debounce" env:"WATCH_DEBOUNCE"`
}

// Network configures the outbound HTTP client handed to plugins.
type Network struct {
	Timeout          Duration `toml:"timeout" env:"TIMEOUT"`
	MaxResponseBytes int64    `toml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
	UserAgent        string   `toml:"user_agent" env:"USER_AGENT"`

	// AllowedHosts and BlockedHosts accept "*.example.com" wildcards.
	AllowedHosts []string `toml:"allowed_hosts" env:"ALLOWED_HOSTS" envSeparator:","`
	BlockedHosts []string `toml:"blocked_hosts" env:"BLOCKED_HOSTS" envSeparator:","`
}

// Storage selects the repository backend behind the data handles.
type Storage struct {
	// Driver is memory or sqlite.
	Driver string `toml:"driver" env:"DRIVER"`
	Path   string `toml:"path" env:"PATH"`
}

// Log configures the host logger.
type Log struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// Admin configures the metrics and health listener. Empty disables it.
type Admin struct {
	Addr string `toml:"addr" env:"ADDR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Plugins: Plugins{
			Dir:              "plugins",
			ExecutionTimeout: Duration(10 * time.Second),
			HookTimeout:      Duration(10 * time.Second),
			SharedLibraries:  []string{"json"},
			PrivateDir:       "lua_modules",
			WatchDebounce:    Duration(250 * time.Millisecond),
		},
		Network: Network{
			Timeout:          Duration(15 * time.Second),
			MaxResponseBytes: 1 << 20,
			UserAgent:        "crm-plugin-host",
		},
		Storage: Storage{Driver: "memory"},
		Log:     Log{Level: "info", Format: "text"},
		Admin:   Admin{Addr: ":9464"},
	}
}

// Load builds a Config from defaults, the optional TOML file at path, and
// the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML data over the defaults without consulting the
// environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decode("<bytes>", data); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return c.decode(path, data)
}

func (c *Config) decode(source string, data []byte) error {
	if err := toml.Unmarshal(data, c); err != nil {
		return &ParseError{Path: source, Err: err}
	}
	return nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Plugins.ExecutionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: plugins.execution_timeout must be positive", ErrInvalidValue))
	}
	if c.Plugins.HookTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: plugins.hook_timeout must be positive", ErrInvalidValue))
	}
	if strings.TrimSpace(c.Plugins.PrivateDir) == "" || strings.Contains(c.Plugins.PrivateDir, "..") {
		errs = append(errs, fmt.Errorf("%w: plugins.private_dir %q", ErrInvalidValue, c.Plugins.PrivateDir))
	}
	if c.Network.MaxResponseBytes <= 0 {
		errs = append(errs, fmt.Errorf("%w: network.max_response_bytes must be positive", ErrInvalidValue))
	}
	for action, target := range c.Actions {
		if strings.TrimSpace(action) == "" || strings.TrimSpace(target) == "" {
			errs = append(errs, fmt.Errorf("%w: actions.%s = %q", ErrInvalidValue, action, target))
		}
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("%w: storage.path is required for sqlite", ErrInvalidValue))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown storage.driver %q", ErrInvalidValue, c.Storage.Driver))
	}
	return errors.Join(errs...)
}
