package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// setup writes a config whose plugin directory holds one good and one
// rejected plugin.
func setup(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"plugins/tagger/plugin.json": `{"name": "tagger", "version": "0.3.0", "main": "init.lua"}`,
		"plugins/tagger/init.lua":    `return { tag = function(args) return { data = "vip:" .. args.id } end }`,
		"plugins/sneaky/plugin.json": `{"name": "sneaky", "main": "init.lua"}`,
		"plugins/sneaky/init.lua":    `return { run = function() return os.execute("id") end }`,
		"crmplugins.toml": `
[plugins]
dir = "` + filepath.ToSlash(filepath.Join(root, "plugins")) + `"

[actions]
"lead.tag" = "tagger.tag"
`,
	})
	return filepath.Join(root, "crmplugins.toml")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "abc", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestListCommand(t *testing.T) {
	cfg := setup(t)

	out, err := execute(t, "list", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "tagger")
	assert.Contains(t, out, "0.3.0")
	assert.Contains(t, out, "sneaky")

	out, err = execute(t, "list", "-c", cfg, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "tagger"`)
}

func TestValidateCommand(t *testing.T) {
	cfg := setup(t)
	plugins := filepath.Join(filepath.Dir(cfg), "plugins")

	out, err := execute(t, "validate", "-c", cfg, filepath.Join(plugins, "tagger"))
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	out, err = execute(t, "validate", "-c", cfg)
	require.ErrorIs(t, err, errValidation)
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "sneaky")
	assert.Contains(t, err.Error(), "1 of 2")
}

func TestDispatchCommand(t *testing.T) {
	cfg := setup(t)

	out, err := execute(t, "dispatch", "-c", cfg, "lead.tag", `{"id": "L-7"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"vip:L-7"`)

	_, err = execute(t, "dispatch", "-c", cfg, "lead.tag", `not json`)
	assert.Error(t, err)

	_, err = execute(t, "dispatch", "-c", cfg, "plugin.sneaky.run")
	assert.Error(t, err)
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "test (commit: abc, built: today)")
}
