package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultMain is the entry file used when neither descriptor nor manifest
// names one.
const DefaultMain = "init.lua"

// ManifestFiles are the manifest names looked for, in order.
var ManifestFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// Manifest is the plugin-supplied description of its own code. It is read
// once per load and trusted only for structure.
type Manifest struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	DisplayName string `json:"displayName" yaml:"displayName"`
	Description string `json:"description" yaml:"description"`
	Author      string `json:"author" yaml:"author"`

	// Main is the entry file relative to the plugin directory.
	Main string `json:"main" yaml:"main"`

	// Libraries lists the shared host libraries the plugin requires.
	Libraries []string `json:"libraries" yaml:"libraries"`

	Settings map[string]Setting `json:"settings" yaml:"settings"`

	file string
}

// Setting describes one configurable value.
type Setting struct {
	Type        string `json:"type" yaml:"type"`
	Default     any    `json:"default" yaml:"default"`
	Description string `json:"description" yaml:"description"`
}

// Manifest validation errors.
var (
	ErrNoManifest         = errors.New("manifest: no plugin.json or plugin.yaml found")
	ErrMissingMain        = errors.New("manifest: main is required")
	ErrInvalidMain        = errors.New("manifest: main must be a .lua file")
	ErrInvalidVersion     = errors.New("manifest: version must be valid semver")
	ErrInvalidSettingType = errors.New("manifest: invalid setting type")
	ErrUnknownLibrary     = errors.New("manifest: library is not shared by the host")
)

var semverPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

var settingTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// LoadManifest reads and structurally validates a manifest file. The
// format follows the extension.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	m.file = path

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindManifest returns the path of the first manifest present in dir.
func FindManifest(dir string) (string, error) {
	for _, name := range ManifestFiles {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoManifest, dir)
}

// LoadManifestFromDir loads the manifest in a plugin directory.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	path, err := FindManifest(dir)
	if err != nil {
		return nil, err
	}
	return LoadManifest(path)
}

// Validate checks structure only.
func (m *Manifest) Validate() error {
	if m.Main == "" {
		return ErrMissingMain
	}
	if ext := filepath.Ext(m.Main); ext != "" && ext != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
	}
	if m.Version != "" && !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}
	for name, s := range m.Settings {
		if s.Type != "" && !settingTypes[s.Type] {
			return fmt.Errorf("%w: %s has type %q", ErrInvalidSettingType, name, s.Type)
		}
	}
	return nil
}

// CheckLibraries verifies every declared library is shared by the host.
func (m *Manifest) CheckLibraries(shared func(string) bool) error {
	for _, lib := range m.Libraries {
		if !shared(lib) {
			return fmt.Errorf("%w: %s", ErrUnknownLibrary, lib)
		}
	}
	return nil
}

// Defaults returns the default value of every setting that declares one.
func (m *Manifest) Defaults() map[string]any {
	out := make(map[string]any, len(m.Settings))
	for name, s := range m.Settings {
		if s.Default != nil {
			out[name] = s.Default
		}
	}
	return out
}

// SettingNames returns the declared setting names, sorted.
func (m *Manifest) SettingNames() []string {
	names := make([]string, 0, len(m.Settings))
	for name := range m.Settings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// File returns the path the manifest was read from.
func (m *Manifest) File() string {
	return m.file
}

// String returns a short description.
func (m *Manifest) String() string {
	name := m.DisplayName
	if name == "" {
		name = m.Name
	}
	if m.Version == "" {
		return name
	}
	return fmt.Sprintf("%s v%s", name, m.Version)
}
