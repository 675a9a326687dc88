package lua

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Compile parses and compiles src into a function prototype.
func Compile(chunk string, src []byte) (*lua.FunctionProto, error) {
	stmts, err := parse.Parse(bytes.NewReader(src), chunk)
	if err != nil {
		return nil, &CompileError{Chunk: chunk, Err: err}
	}
	proto, err := lua.Compile(stmts, chunk)
	if err != nil {
		return nil, &CompileError{Chunk: chunk, Err: err}
	}
	return proto, nil
}

// Digest returns the content hash used to detect changed sources.
func Digest(src []byte) uint64 {
	return xxhash.Sum64(src)
}

type cachedModule struct {
	proto  *lua.FunctionProto
	digest uint64
}

// ModuleCache holds compiled modules per plugin. Each plugin has its own
// arena keyed by absolute path; nothing is shared between plugins.
type ModuleCache struct {
	mu     sync.Mutex
	arenas map[string]map[string]cachedModule
}

// NewModuleCache creates an empty cache.
func NewModuleCache() *ModuleCache {
	return &ModuleCache{arenas: make(map[string]map[string]cachedModule)}
}

// Load reads path and returns its compiled prototype, reusing the cached
// one when the file content is unchanged.
func (c *ModuleCache) Load(plugin, path string) (*lua.FunctionProto, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module: %w", err)
	}
	return c.Compile(plugin, path, src)
}

// Compile returns the prototype for src stored under path in the plugin's
// arena.
func (c *ModuleCache) Compile(plugin, path string, src []byte) (*lua.FunctionProto, error) {
	digest := Digest(src)

	c.mu.Lock()
	if entry, ok := c.arenas[plugin][path]; ok && entry.digest == digest {
		c.mu.Unlock()
		return entry.proto, nil
	}
	c.mu.Unlock()

	proto, err := Compile(path, src)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	arena, ok := c.arenas[plugin]
	if !ok {
		arena = make(map[string]cachedModule)
		c.arenas[plugin] = arena
	}
	arena[path] = cachedModule{proto: proto, digest: digest}
	return proto, nil
}

// Invalidate drops the plugin's arena and returns how many modules it held.
func (c *ModuleCache) Invalidate(plugin string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.arenas[plugin])
	delete(c.arenas, plugin)
	return n
}

// Len returns the number of modules cached for plugin.
func (c *ModuleCache) Len(plugin string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arenas[plugin])
}

// Digest returns the cached digest for path, if any.
func (c *ModuleCache) Digest(plugin, path string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.arenas[plugin][path]
	return entry.digest, ok
}
