package api

import (
	"errors"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/crmplugins/internal/crm"
	plua "github.com/dshills/crmplugins/internal/plugin/lua"
)

// DataModule exposes ctx.data.<entity> repository accessors.
//
// Every accessor returns its result, or nil and an error message. A get of
// a missing record returns nil with no message.
type DataModule struct {
	store    crm.Store
	entities []crm.Entity
}

// NewDataModule creates the data module over every CRM entity.
func NewDataModule(store crm.Store) *DataModule {
	return &DataModule{store: store, entities: crm.Entities()}
}

// Name returns the module name.
func (m *DataModule) Name() string {
	return "data"
}

// Build creates one accessor table per entity.
func (m *DataModule) Build(L *lua.LState) (lua.LValue, error) {
	t := L.NewTable()
	for _, e := range m.entities {
		repo, err := m.store.Repository(e)
		if err != nil {
			return nil, err
		}
		t.RawSetString(string(e), m.accessors(L, repo))
	}
	return plua.NewBridge(L).ReadOnly(t), nil
}

func (m *DataModule) accessors(L *lua.LState, repo crm.Repository) *lua.LTable {
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		// get(id) -> record | nil
		"get": func(L *lua.LState) int {
			rec, err := repo.Get(luaContext(L), L.CheckString(1))
			if errors.Is(err, crm.ErrNotFound) {
				L.Push(lua.LNil)
				return 1
			}
			if err != nil {
				return fail(L, err)
			}
			L.Push(recordToLua(L, rec))
			return 1
		},
		// list(filter?, limit?) -> {records}
		"list": func(L *lua.LState) int {
			filter := crm.Filter(plua.NewBridge(L).ToMap(L.OptTable(1, nil)))
			recs, err := repo.List(luaContext(L), filter, L.OptInt(2, 0))
			if err != nil {
				return fail(L, err)
			}
			out := L.CreateTable(len(recs), 0)
			for i, rec := range recs {
				out.RawSetInt(i+1, recordToLua(L, rec))
			}
			L.Push(out)
			return 1
		},
		// create(fields) -> record
		"create": func(L *lua.LState) int {
			fields := crm.Record(plua.NewBridge(L).ToMap(L.CheckTable(1)))
			rec, err := repo.Create(luaContext(L), fields)
			if err != nil {
				return fail(L, err)
			}
			L.Push(recordToLua(L, rec))
			return 1
		},
		// update(id, fields) -> record
		"update": func(L *lua.LState) int {
			id := L.CheckString(1)
			fields := crm.Record(plua.NewBridge(L).ToMap(L.CheckTable(2)))
			rec, err := repo.Update(luaContext(L), id, fields)
			if err != nil {
				return fail(L, err)
			}
			L.Push(recordToLua(L, rec))
			return 1
		},
		// delete(id) -> true
		"delete": func(L *lua.LState) int {
			if err := repo.Delete(luaContext(L), L.CheckString(1)); err != nil {
				return fail(L, err)
			}
			L.Push(lua.LTrue)
			return 1
		},
		// count(filter?) -> number
		"count": func(L *lua.LState) int {
			filter := crm.Filter(plua.NewBridge(L).ToMap(L.OptTable(1, nil)))
			n, err := repo.Count(luaContext(L), filter)
			if err != nil {
				return fail(L, err)
			}
			L.Push(lua.LNumber(n))
			return 1
		},
	})
}

func recordToLua(L *lua.LState, rec crm.Record) lua.LValue {
	return plua.NewBridge(L).ToLua(map[string]any(rec))
}
