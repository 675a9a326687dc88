package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Plugins.ExecutionTimeout.Std())
	assert.Equal(t, []string{"json"}, cfg.Plugins.SharedLibraries)
	assert.Equal(t, "lua_modules", cfg.Plugins.PrivateDir)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[plugins]
dir = "/srv/plugins"
execution_timeout = "2s"
shared_libraries = ["json", "lume"]
watch = true

[actions]
"lead.created" = "enrich.on_lead"

[storage]
driver = "sqlite"
path = "/var/lib/crm/plugins.db"
`))
	require.NoError(t, err)
	assert.Equal(t, "/srv/plugins", cfg.Plugins.Dir)
	assert.Equal(t, 2*time.Second, cfg.Plugins.ExecutionTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Plugins.HookTimeout.Std())
	assert.Equal(t, []string{"json", "lume"}, cfg.Plugins.SharedLibraries)
	assert.True(t, cfg.Plugins.Watch)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, map[string]string{"lead.created": "enrich.on_lead"}, cfg.Actions)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("[plugins]\nexecution_timeout = \"soon\"\n"))
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero execution timeout", func(c *Config) { c.Plugins.ExecutionTimeout = 0 }},
		{"zero hook timeout", func(c *Config) { c.Plugins.HookTimeout = 0 }},
		{"private dir escapes", func(c *Config) { c.Plugins.PrivateDir = "../deps" }},
		{"empty private dir", func(c *Config) { c.Plugins.PrivateDir = " " }},
		{"zero response cap", func(c *Config) { c.Network.MaxResponseBytes = 0 }},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"empty action target", func(c *Config) { c.Actions = map[string]string{"lead.created": ""} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, ErrInvalidValue), "got %v", err)
		})
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "debug"

[network]
timeout = "3s"
`), 0o644))

	t.Setenv("CRM_PLUGINS_LOG_FORMAT", "json")
	t.Setenv("CRM_PLUGINS_PLUGINS_HOOK_TIMEOUT", "1500ms")
	t.Setenv("CRM_PLUGINS_PLUGINS_SHARED_LIBRARIES", "json,inspect")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3*time.Second, cfg.Network.Timeout.Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.Plugins.HookTimeout.Std())
	assert.Equal(t, []string{"json", "inspect"}, cfg.Plugins.SharedLibraries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}
