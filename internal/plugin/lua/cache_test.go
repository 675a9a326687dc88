package lua

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	proto, err := Compile("ok.lua", []byte(`return 1`))
	require.NoError(t, err)
	assert.NotNil(t, proto)

	_, err = Compile("bad.lua", []byte(`local = 1`))
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "bad.lua", cerr.Chunk)
	assert.Contains(t, err.Error(), "compile bad.lua")
}

func TestModuleCacheReusesUnchangedSource(t *testing.T) {
	c := NewModuleCache()
	src := []byte(`return {}`)

	first, err := c.Compile("p", "main.lua", src)
	require.NoError(t, err)
	second, err := c.Compile("p", "main.lua", src)
	require.NoError(t, err)
	assert.Same(t, first, second)

	digest, ok := c.Digest("p", "main.lua")
	require.True(t, ok)
	assert.Equal(t, Digest(src), digest)

	third, err := c.Compile("p", "main.lua", []byte(`return { changed = true }`))
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 1, c.Len("p"))
}

func TestModuleCacheArenasAreIsolated(t *testing.T) {
	c := NewModuleCache()
	src := []byte(`return {}`)

	a, err := c.Compile("alpha", "main.lua", src)
	require.NoError(t, err)
	b, err := c.Compile("beta", "main.lua", src)
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	assert.Equal(t, 1, c.Invalidate("alpha"))
	assert.Zero(t, c.Len("alpha"))
	assert.Equal(t, 1, c.Len("beta"))
	assert.Zero(t, c.Invalidate("missing"))
}

func TestModuleCacheLoad(t *testing.T) {
	c := NewModuleCache()
	path := filepath.Join(t.TempDir(), "mod.lua")
	require.NoError(t, os.WriteFile(path, []byte(`return 1`), 0o644))

	_, err := c.Load("p", path)
	require.NoError(t, err)
	_, ok := c.Digest("p", path)
	assert.True(t, ok)

	_, err = c.Load("p", filepath.Join(t.TempDir(), "missing.lua"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte(`return {`), 0o644))
	_, err = c.Load("p", path)
	var cerr *CompileError
	assert.ErrorAs(t, err, &cerr)
}
