package plugin

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crmplugins/internal/logging"
)

const watchDelay = 30 * time.Millisecond

func newTestWatcher(t *testing.T, m *Manager) *Watcher {
	t.Helper()
	w, err := NewWatcher(m, WithDebounce(watchDelay), WithWatcherLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func versionOf(t *testing.T, m *Manager, name string) string {
	out, err := m.Call(t.Context(), name, "version")
	if err != nil || len(out) == 0 {
		return ""
	}
	v, _ := out[0].(string)
	return v
}

func TestWatcherReloadsChangedPlugin(t *testing.T) {
	m := newTestManager(t)
	d := installPlugin(t, t.TempDir(), "hot", map[string]string{
		"plugin.json":    manifest("init.lua"),
		"init.lua":       `local h = require("./lib/h") return { version = function() return h end }`,
		"lib/h.lua":      `return "v1"`,
		"notes/todo.txt": "ignored",
	})
	_, err := m.Load(t.Context(), d)
	require.NoError(t, err)

	w := newTestWatcher(t, m)
	require.NoError(t, w.Watch(d))
	assert.Equal(t, []string{"hot"}, w.Watching())

	writeFile(t, filepath.Join(d.Path, "lib", "h.lua"), `return "v2"`)
	assert.Eventually(t, func() bool {
		return versionOf(t, m, "hot") == "v2"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresUnchangedContent(t *testing.T) {
	m := newTestManager(t)
	d := installPlugin(t, t.TempDir(), "steady", map[string]string{
		"plugin.json": manifest("init.lua"),
		"init.lua":    `return { version = function() return "v1" end }`,
	})
	inst, err := m.Load(t.Context(), d)
	require.NoError(t, err)
	loadedAt := inst.Info().LoadedAt

	w := newTestWatcher(t, m)
	require.NoError(t, w.Watch(d))

	writeFile(t, filepath.Join(d.Path, "init.lua"), `return { version = function() return "v1" end }`)
	writeFile(t, filepath.Join(d.Path, "README.md"), "docs")
	time.Sleep(10 * watchDelay)

	info, ok := m.Info("steady")
	require.True(t, ok)
	assert.Equal(t, loadedAt, info.LoadedAt)
}

func TestWatcherUnloadsRemovedPlugin(t *testing.T) {
	m := newTestManager(t)
	d := installPlugin(t, t.TempDir(), "doomed", map[string]string{
		"plugin.json": manifest("init.lua"),
		"init.lua":    `return {}`,
	})
	_, err := m.Load(t.Context(), d)
	require.NoError(t, err)

	w := newTestWatcher(t, m)
	require.NoError(t, w.Watch(d))

	require.NoError(t, os.RemoveAll(d.Path))
	assert.Eventually(t, func() bool {
		_, ok := m.Get("doomed")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(w.Watching()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWatcherUnwatchAndClose(t *testing.T) {
	m := newTestManager(t)
	d := installPlugin(t, t.TempDir(), "quiet", map[string]string{
		"plugin.json": manifest("init.lua"),
		"init.lua":    `return {}`,
	})

	w := newTestWatcher(t, m)
	require.NoError(t, w.Watch(d))
	w.Unwatch("quiet")
	assert.Empty(t, w.Watching())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Watch(d), ErrWatcherClosed)
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "init.lua"), "return {}")
	writeFile(t, filepath.Join(dir, "data.csv"), "a,b")

	first, err := fingerprint(dir)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "data.csv"), "c,d")
	same, err := fingerprint(dir)
	require.NoError(t, err)
	assert.Equal(t, first, same)

	writeFile(t, filepath.Join(dir, "plugin.yaml"), "main: init.lua\n")
	changed, err := fingerprint(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}
