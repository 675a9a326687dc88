package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/crmplugins/internal/plugin"
	"github.com/dshills/crmplugins/internal/plugin/api"
)

// DirSource discovers plugins installed one per subdirectory of its search
// paths. Each plugin directory must hold a manifest; the descriptor is
// built from it. When two paths hold the same name the first path wins.
type DirSource struct {
	paths  []string
	logger *slog.Logger
}

// NewDirSource creates a source over the given search paths.
func NewDirSource(logger *slog.Logger, paths ...string) *DirSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirSource{paths: paths, logger: logger}
}

// Discovery is the result of a scan.
type Discovery struct {
	Descriptors []plugin.Descriptor

	// Skipped maps directories that are not usable plugins to the reason.
	Skipped map[string]error
}

// Scan walks the search paths. Missing search paths are not an error.
func (s *DirSource) Scan(ctx context.Context) (Discovery, error) {
	disc := Discovery{Skipped: make(map[string]error)}
	seen := make(map[string]bool)

	for _, base := range s.paths {
		entries, err := os.ReadDir(base)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Discovery{}, fmt.Errorf("scan %s: %w", base, err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return Discovery{}, err
			}
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}

			dir := filepath.Join(base, entry.Name())
			d, err := inspect(dir)
			if err != nil {
				disc.Skipped[dir] = err
				continue
			}
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			disc.Descriptors = append(disc.Descriptors, d)
		}
	}
	sortByName(disc.Descriptors)
	return disc, nil
}

// List scans and logs every skipped directory.
func (s *DirSource) List(ctx context.Context) ([]plugin.Descriptor, error) {
	disc, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for dir, reason := range disc.Skipped {
		s.logger.Warn("skipping plugin directory", "dir", dir, "error", reason)
	}
	return disc.Descriptors, nil
}

// Get scans for name.
func (s *DirSource) Get(ctx context.Context, name string) (plugin.Descriptor, error) {
	disc, err := s.Scan(ctx)
	if err != nil {
		return plugin.Descriptor{}, err
	}
	return find(disc.Descriptors, name)
}

// inspect builds the descriptor for one plugin directory. The manifest
// name wins over the directory name; either is normalized to a valid
// plugin name.
func inspect(dir string) (plugin.Descriptor, error) {
	m, err := plugin.LoadManifestFromDir(dir)
	if err != nil {
		return plugin.Descriptor{}, err
	}

	name := m.Name
	if name == "" {
		name = filepath.Base(dir)
	}
	d := plugin.Descriptor{
		Name:        api.Slug(name),
		Version:     m.Version,
		DisplayName: m.DisplayName,
		Description: m.Description,
		Author:      m.Author,
		Path:        dir,
	}
	if err := d.Validate(); err != nil {
		return plugin.Descriptor{}, err
	}
	return d, nil
}
