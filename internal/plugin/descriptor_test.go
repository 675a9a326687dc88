package plugin

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		ok   bool
	}{
		{"valid", Descriptor{Name: "lead-scoring", Path: "/plugins/x"}, true},
		{"dotted", Descriptor{Name: "acme.sync_v2", Path: "/p"}, true},
		{"empty name", Descriptor{Path: "/p"}, false},
		{"upper case", Descriptor{Name: "Greeter", Path: "/p"}, false},
		{"leading digit", Descriptor{Name: "1x", Path: "/p"}, false},
		{"slash", Descriptor{Name: "a/b", Path: "/p"}, false},
		{"no path", Descriptor{Name: "greeter", Path: "  "}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

func TestDescriptorEntryPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.lua"), "return {}")
	writeFile(t, filepath.Join(dir, "init.lua"), "return {}")
	writeFile(t, filepath.Join(dir, "src", "main.lua"), "return {}")

	tests := []struct {
		name     string
		main     string
		manifest *Manifest
		want     string
	}{
		{"descriptor main without extension", "index", &Manifest{Main: "src/main.lua"}, "index.lua"},
		{"manifest main", "", &Manifest{Main: "src/main"}, "src/main.lua"},
		{"default", "", nil, "init.lua"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Descriptor{Name: "p", Path: dir, Main: tt.main}
			got, err := d.entryPath(tt.manifest)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, filepath.FromSlash(tt.want)), got)
		})
	}
}

func TestDescriptorEntryPathErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pkg.lua", "x.lua"), "")

	for _, main := range []string{"missing", "../outside.lua", "pkg"} {
		t.Run(main, func(t *testing.T) {
			d := Descriptor{Name: "p", Path: dir, Main: main}
			_, err := d.entryPath(nil)
			assert.Error(t, err)
		})
	}
}

func TestDescriptorMetadata(t *testing.T) {
	m := &Manifest{
		Version:     "1.0.0",
		DisplayName: "From Manifest",
		Author:      "manifest-author",
		Settings: map[string]Setting{
			"threshold": {Type: "number", Default: 40.0},
			"channel":   {Type: "string", Default: "email"},
		},
	}
	d := Descriptor{
		Name:        "scoring",
		DisplayName: "From Descriptor",
		Settings:    map[string]any{"threshold": 75},
	}

	meta := d.metadata(m)
	assert.Equal(t, "scoring", meta.Name)
	assert.Equal(t, "1.0.0", meta.Version)
	assert.Equal(t, "From Descriptor", meta.DisplayName)
	assert.Equal(t, "manifest-author", meta.Author)
	assert.Equal(t, map[string]any{"threshold": 75, "channel": "email"}, meta.Settings)
}
