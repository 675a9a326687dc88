package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataModule(t *testing.T) {
	h := newHarness(t, withModules(NewMetadataModule(Metadata{
		Name:        "greeter",
		Version:     "1.2.0",
		DisplayName: "Greeter",
		Author:      "ops",
		Settings: map[string]any{
			"greeting": "hello",
			"channels": map[string]any{"email": true},
		},
	})))

	got := h.eval(t, `result = {
  name = ctx.metadata.name,
  version = ctx.metadata.version,
  display = ctx.metadata.display_name,
  greeting = ctx.metadata.settings.greeting,
  email = ctx.metadata.settings.channels.email,
}`)
	assert.Equal(t, map[string]any{
		"name":     "greeter",
		"version":  "1.2.0",
		"display":  "Greeter",
		"greeting": "hello",
		"email":    true,
	}, got)
}

func TestMetadataIsReadOnly(t *testing.T) {
	h := newHarness(t, withModules(NewMetadataModule(Metadata{
		Name:     "greeter",
		Settings: map[string]any{"nested": map[string]any{"k": "v"}},
	})))

	for _, src := range []string{
		`ctx.metadata.name = "other"`,
		`ctx.metadata.settings.extra = 1`,
		`ctx.metadata.settings.nested.k = "changed"`,
		`setmetatable(ctx.metadata, nil)`,
	} {
		t.Run(src, func(t *testing.T) {
			require.Error(t, h.evalErr(src))
		})
	}
	assert.Equal(t, "v", h.eval(t, `result = ctx.metadata.settings.nested.k`))
}
