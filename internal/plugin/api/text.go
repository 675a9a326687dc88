package api

import (
	"strings"
	"unicode"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

func textTable(L *lua.LState) *lua.LTable {
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"title": textTitle,
		"fold":  textFold,
		"slug":  textSlug,
	})
}

// title(s) -> string
func textTitle(L *lua.LState) int {
	L.Push(lua.LString(cases.Title(language.Und).String(L.CheckString(1))))
	return 1
}

// fold(s) -> string, for caseless comparison
func textFold(L *lua.LState) int {
	L.Push(lua.LString(cases.Fold().String(L.CheckString(1))))
	return 1
}

// slug(s) -> string
func textSlug(L *lua.LState) int {
	L.Push(lua.LString(Slug(L.CheckString(1))))
	return 1
}

// Slug lowercases s, strips diacritics and joins the remaining letter and
// digit runs with single dashes.
func Slug(s string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}
