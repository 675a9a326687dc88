package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dshills/crmplugins/internal/plugin/api"
)

// Descriptor identifies an installed plugin. It is supplied by the host and
// treated as immutable once loading begins.
type Descriptor struct {
	Name        string         `toml:"name" json:"name" yaml:"name"`
	Version     string         `toml:"version" json:"version" yaml:"version"`
	DisplayName string         `toml:"display_name" json:"displayName" yaml:"displayName"`
	Description string         `toml:"description" json:"description" yaml:"description"`
	Author      string         `toml:"author" json:"author" yaml:"author"`
	Path        string         `toml:"path" json:"path" yaml:"path"`
	Main        string         `toml:"main" json:"main" yaml:"main"`
	Settings    map[string]any `toml:"settings" json:"settings" yaml:"settings"`
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)

// Validate checks the fields the manager relies on.
func (d Descriptor) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	case !namePattern.MatchString(d.Name):
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidDescriptor, d.Name, namePattern)
	case strings.TrimSpace(d.Path) == "":
		return fmt.Errorf("%w: path is required", ErrInvalidDescriptor)
	}
	return nil
}

// entryPath resolves the entry file: the descriptor's main, else the
// manifest's. A name without extension gets ".lua". The result must be a
// regular file inside the plugin directory.
func (d Descriptor) entryPath(m *Manifest) (string, error) {
	main := d.Main
	if main == "" && m != nil {
		main = m.Main
	}
	if main == "" {
		main = DefaultMain
	}
	if filepath.Ext(main) == "" {
		main += ".lua"
	}

	dir, err := filepath.Abs(d.Path)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.FromSlash(main))
	if rel, err := filepath.Rel(dir, path); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q is outside the plugin directory", main)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("entry file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("entry %q is a directory", main)
	}
	return path, nil
}

// metadata merges descriptor identity over the manifest and overlays the
// descriptor settings on the manifest defaults.
func (d Descriptor) metadata(m *Manifest) api.Metadata {
	meta := api.Metadata{
		Name:        d.Name,
		Version:     d.Version,
		DisplayName: d.DisplayName,
		Description: d.Description,
		Author:      d.Author,
		Settings:    make(map[string]any),
	}
	if m != nil {
		if meta.Version == "" {
			meta.Version = m.Version
		}
		if meta.DisplayName == "" {
			meta.DisplayName = m.DisplayName
		}
		if meta.Description == "" {
			meta.Description = m.Description
		}
		if meta.Author == "" {
			meta.Author = m.Author
		}
		for k, v := range m.Defaults() {
			meta.Settings[k] = v
		}
	}
	for k, v := range d.Settings {
		meta.Settings[k] = v
	}
	return meta
}
