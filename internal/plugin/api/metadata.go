package api

import (
	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/crmplugins/internal/plugin/lua"
)

// MetadataModule exposes ctx.metadata. Every level of it is read-only.
type MetadataModule struct {
	meta Metadata
}

// NewMetadataModule creates the metadata module.
func NewMetadataModule(meta Metadata) *MetadataModule {
	return &MetadataModule{meta: meta}
}

// Name returns the module name.
func (m *MetadataModule) Name() string {
	return "metadata"
}

// Build creates the read-only metadata table.
func (m *MetadataModule) Build(L *lua.LState) (lua.LValue, error) {
	b := plua.NewBridge(L)

	settings := m.meta.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	return freeze(b, b.ToLua(map[string]any{
		"name":         m.meta.Name,
		"version":      m.meta.Version,
		"display_name": m.meta.DisplayName,
		"description":  m.meta.Description,
		"author":       m.meta.Author,
		"settings":     settings,
	})), nil
}

// freeze wraps v and every table reachable from it in read-only proxies.
func freeze(b *plua.Bridge, v lua.LValue) lua.LValue {
	t, ok := v.(*lua.LTable)
	if !ok {
		return v
	}
	var nested []lua.LValue
	t.ForEach(func(k, item lua.LValue) {
		if _, ok := item.(*lua.LTable); ok {
			nested = append(nested, k)
		}
	})
	for _, k := range nested {
		t.RawSet(k, freeze(b, t.RawGet(k)))
	}
	return b.ReadOnly(t)
}
