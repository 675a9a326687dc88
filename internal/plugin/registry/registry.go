// Package registry supplies plugin descriptors to the host. Descriptors
// come from a TOML file, from scanning plugin directories, or both.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dshills/crmplugins/internal/plugin"
)

// ErrNotFound is returned by Get for unknown names.
var ErrNotFound = errors.New("plugin not registered")

// Source lists installed plugins.
type Source interface {
	List(ctx context.Context) ([]plugin.Descriptor, error)
	Get(ctx context.Context, name string) (plugin.Descriptor, error)
}

// Merged combines sources. A name listed by an earlier source hides the
// same name in later ones.
type Merged []Source

// List returns the union of all sources, sorted by name.
func (m Merged) List(ctx context.Context) ([]plugin.Descriptor, error) {
	seen := make(map[string]bool)
	var out []plugin.Descriptor
	for _, src := range m {
		descs, err := src.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	sortByName(out)
	return out, nil
}

// Get returns the first source's descriptor for name.
func (m Merged) Get(ctx context.Context, name string) (plugin.Descriptor, error) {
	for _, src := range m {
		d, err := src.Get(ctx, name)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return plugin.Descriptor{}, err
		}
	}
	return plugin.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func find(descs []plugin.Descriptor, name string) (plugin.Descriptor, error) {
	for _, d := range descs {
		if d.Name == name {
			return d, nil
		}
	}
	return plugin.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func sortByName(descs []plugin.Descriptor) {
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
}
