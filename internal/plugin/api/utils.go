package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/crmplugins/internal/plugin/lua"
)

// UtilsModule exposes ctx.utils: stateless helpers plus the plugin's log sink.
type UtilsModule struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewUtilsModule creates the utils module. logger should already be scoped
// to the plugin.
func NewUtilsModule(logger *slog.Logger) *UtilsModule {
	return &UtilsModule{logger: logger, now: time.Now}
}

// Name returns the module name.
func (m *UtilsModule) Name() string {
	return "utils"
}

// Build creates the utils table.
func (m *UtilsModule) Build(L *lua.LState) (lua.LValue, error) {
	t := L.NewTable()
	t.RawSetString("log", m.logTable(L))
	t.RawSetString("validate", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"email":    validateEmail,
		"phone":    validatePhone,
		"url":      validateURL,
		"uuid":     validateUUID,
		"required": validateRequired,
	}))
	t.RawSetString("crypto", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"sha256":      cryptoSHA256,
		"hmac_sha256": cryptoHMAC,
		"random_hex":  cryptoRandomHex,
		"uuid":        cryptoUUID,
	}))
	t.RawSetString("time", m.timeTable(L))
	t.RawSetString("json", jsonTable(L))
	t.RawSetString("text", textTable(L))
	return plua.NewBridge(L).ReadOnly(t), nil
}

func (m *UtilsModule) logTable(L *lua.LState) *lua.LTable {
	level := func(lvl slog.Level) lua.LGFunction {
		return func(L *lua.LState) int {
			msg := L.CheckString(1)
			fields := plua.NewBridge(L).ToMap(L.OptTable(2, nil))
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			args := make([]any, 0, len(keys)*2)
			for _, k := range keys {
				args = append(args, k, fields[k])
			}
			m.logger.Log(luaContext(L), lvl, msg, args...)
			return 0
		}
	}
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"debug": level(slog.LevelDebug),
		"info":  level(slog.LevelInfo),
		"warn":  level(slog.LevelWarn),
		"error": level(slog.LevelError),
	})
}

var (
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}$`)
	phoneStrip   = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")
	phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
)

// email(s) -> bool
func validateEmail(L *lua.LState) int {
	L.Push(lua.LBool(emailPattern.MatchString(L.CheckString(1))))
	return 1
}

// phone(s) -> bool. Spaces, dots, dashes and parentheses are ignored.
func validatePhone(L *lua.LState) int {
	L.Push(lua.LBool(phonePattern.MatchString(phoneStrip.Replace(L.CheckString(1)))))
	return 1
}

// url(s) -> bool. Only absolute http and https URLs pass.
func validateURL(L *lua.LState) int {
	u, err := url.ParseRequestURI(L.CheckString(1))
	ok := err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	L.Push(lua.LBool(ok))
	return 1
}

// uuid(s) -> bool
func validateUUID(L *lua.LState) int {
	_, err := uuid.Parse(L.CheckString(1))
	L.Push(lua.LBool(err == nil))
	return 1
}

// required(tbl, {fields}) -> ok, {missing}
func validateRequired(L *lua.LState) int {
	tbl := L.CheckTable(1)
	fields := L.CheckTable(2)

	missing := L.NewTable()
	fields.ForEach(func(_, name lua.LValue) {
		v := tbl.RawGet(name)
		if v == lua.LNil || v == lua.LString("") {
			missing.Append(name)
		}
	})
	L.Push(lua.LBool(missing.Len() == 0))
	L.Push(missing)
	return 2
}

// sha256(s) -> hex
func cryptoSHA256(L *lua.LState) int {
	sum := sha256.Sum256([]byte(L.CheckString(1)))
	L.Push(lua.LString(hex.EncodeToString(sum[:])))
	return 1
}

// hmac_sha256(key, message) -> hex
func cryptoHMAC(L *lua.LState) int {
	mac := hmac.New(sha256.New, []byte(L.CheckString(1)))
	mac.Write([]byte(L.CheckString(2)))
	L.Push(lua.LString(hex.EncodeToString(mac.Sum(nil))))
	return 1
}

const maxRandomBytes = 256

// random_hex(n?) -> hex of n random bytes, default 16
func cryptoRandomHex(L *lua.LState) int {
	n := L.OptInt(1, 16)
	if n < 1 || n > maxRandomBytes {
		L.ArgError(1, fmt.Sprintf("byte count must be between 1 and %d", maxRandomBytes))
		return 0
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(hex.EncodeToString(buf)))
	return 1
}

// uuid() -> string
func cryptoUUID(L *lua.LState) int {
	L.Push(lua.LString(uuid.NewString()))
	return 1
}

var namedLayouts = map[string]string{
	"rfc3339":  time.RFC3339,
	"rfc1123":  time.RFC1123,
	"date":     time.DateOnly,
	"time":     time.TimeOnly,
	"datetime": time.DateTime,
}

func layoutFor(name string) string {
	if l, ok := namedLayouts[strings.ToLower(name)]; ok {
		return l
	}
	return name
}

// Timestamps cross into Lua as RFC3339 strings in UTC or as unix seconds.
func (m *UtilsModule) timeTable(L *lua.LState) *lua.LTable {
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		// now() -> RFC3339 string
		"now": func(L *lua.LState) int {
			L.Push(lua.LString(m.now().UTC().Format(time.RFC3339)))
			return 1
		},
		// unix(ts?) -> seconds
		"unix": func(L *lua.LState) int {
			if L.GetTop() == 0 {
				L.Push(lua.LNumber(m.now().Unix()))
				return 1
			}
			ts, err := toTime(L.Get(1))
			if err != nil {
				return fail(L, err)
			}
			L.Push(lua.LNumber(ts.Unix()))
			return 1
		},
		// format(ts, layout?) -> string
		"format": func(L *lua.LState) int {
			ts, err := toTime(L.CheckAny(1))
			if err != nil {
				return fail(L, err)
			}
			L.Push(lua.LString(ts.UTC().Format(layoutFor(L.OptString(2, "rfc3339")))))
			return 1
		},
		// parse(s, layout?) -> seconds
		"parse": func(L *lua.LState) int {
			ts, err := time.Parse(layoutFor(L.OptString(2, "rfc3339")), L.CheckString(1))
			if err != nil {
				return fail(L, err)
			}
			L.Push(lua.LNumber(ts.Unix()))
			return 1
		},
		// add(ts, duration) -> RFC3339 string. duration is a Go duration
		// string or a number of seconds.
		"add": func(L *lua.LState) int {
			ts, err := toTime(L.CheckAny(1))
			if err != nil {
				return fail(L, err)
			}
			var d time.Duration
			switch v := L.CheckAny(2).(type) {
			case lua.LNumber:
				d = time.Duration(float64(v) * float64(time.Second))
			case lua.LString:
				if d, err = time.ParseDuration(string(v)); err != nil {
					return fail(L, err)
				}
			default:
				L.ArgError(2, "duration must be a number or string")
				return 0
			}
			L.Push(lua.LString(ts.Add(d).UTC().Format(time.RFC3339)))
			return 1
		},
	})
}

func toTime(v lua.LValue) (time.Time, error) {
	switch t := v.(type) {
	case lua.LNumber:
		sec := float64(t)
		whole := int64(sec)
		return time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC(), nil
	case lua.LString:
		return time.Parse(time.RFC3339, string(t))
	default:
		return time.Time{}, fmt.Errorf("expected unix seconds or RFC3339 string, got %s", v.Type())
	}
}
