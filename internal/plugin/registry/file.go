package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/crmplugins/internal/plugin"
)

// FileSource reads descriptors from a TOML file of [[plugin]] tables:
//
//	[[plugin]]
//	name = "greeter"
//	path = "plugins/greeter"
//	main = "index"
//
//	[plugin.settings]
//	greeting = "hello"
//
// Relative paths are taken from the file's directory. The file is read on
// every call, so edits are picked up without a restart.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type registryFile struct {
	Plugins []plugin.Descriptor `toml:"plugin"`
}

// List parses the file and validates every entry.
func (s *FileSource) List(ctx context.Context) ([]plugin.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var f registryFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", s.path, err)
	}

	base := filepath.Dir(s.path)
	seen := make(map[string]bool, len(f.Plugins))
	for i := range f.Plugins {
		d := &f.Plugins[i]
		if d.Path != "" && !filepath.IsAbs(d.Path) {
			d.Path = filepath.Join(base, d.Path)
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("registry entry %d: %w", i+1, err)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("registry entry %d: duplicate name %q", i+1, d.Name)
		}
		seen[d.Name] = true
	}
	sortByName(f.Plugins)
	return f.Plugins, nil
}

// Get returns the entry named name.
func (s *FileSource) Get(ctx context.Context, name string) (plugin.Descriptor, error) {
	descs, err := s.List(ctx)
	if err != nil {
		return plugin.Descriptor{}, err
	}
	return find(descs, name)
}
