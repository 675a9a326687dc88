package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var disallowed = []struct {
	src  string
	rule string
}{
	{`load("return 1")()`, "dynamic-eval"},
	{`local f = loadstring "x = 1"`, "dynamic-eval"},
	{`dofile("other.lua")`, "dynamic-eval"},
	{`loadfile ("x.lua")`, "dynamic-eval"},
	{`setfenv(1, {})`, "dynamic-eval"},
	{`local s = string.dump(f)`, "dynamic-eval"},
	{`debug.getinfo(1)`, "debug-library"},
	{`local d = debug["sethook"]`, "debug-library"},
	{`os.exit(1)`, "process-exit"},
	{`os.execute("rm -rf x")`, "process-spawn"},
	{`local p = io.popen("ls")`, "process-spawn"},
	{`local f = io.open("x.txt")`, "filesystem"},
	{`for l in io.lines("x") do end`, "filesystem"},
	{`os.remove("x")`, "filesystem"},
	{`local k = os.getenv("SECRET")`, "filesystem"},
	{`local io = require("io")`, "filesystem"},
	{`local m = require "./../sibling"`, "parent-traversal"},
	{`local p = "..\\secrets"`, "parent-traversal"},
	{`local p = "/etc/passwd"`, "sensitive-path"},
	{`local k = "~/.ssh/id_rsa"`, "sensitive-path"},
	{`local p = "C:\\Windows\\system32"`, "sensitive-path"},
	{`_G["ctx"] = nil`, "global-table"},
	{`local e = _ENV`, "global-table"},
	{`rawset(_G, "x", 1)`, "global-table"},
}

func TestValidateDisallowed(t *testing.T) {
	for _, tt := range disallowed {
		t.Run(tt.src, func(t *testing.T) {
			err := Validate(tt.src)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDisallowedPattern)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.rule, verr.Rule)
			assert.Equal(t, 1, verr.Line)
			assert.NotEmpty(t, verr.Pattern)
		})
	}
}

func TestValidateAllowsOrdinaryPlugins(t *testing.T) {
	sources := []string{
		`local ctx = ...
local M = {}
function M.init(c)
  c.utils.log.debug("starting")
  c.utils.log.info("ready", { version = c.metadata.version })
end
return M`,
		`local payload = { reload = true }
local total = 0
for i = 1, 10 do total = total + i end
local s = "a" .. "b" .. tostring(total)
return { payload = payload, s = s }`,
		`local json = require("json")
local helpers = require("./lib/helpers")
local dump = helpers.dump_state()
return { encode = json.encode, dump = dump }`,
		`local lead = ctx.data.lead:get("42")
local downloaded = ctx.network.get("https://example.com/api")
return {}`,
	}
	for _, src := range sources {
		assert.NoError(t, Validate(src), src)
	}
}

func TestValidateReportsFirstRuleInOrder(t *testing.T) {
	src := "local x = 1\nlocal p = '/etc/hosts'\nos.exit(0)\n"
	var verr *ValidationError
	require.ErrorAs(t, Validate(src), &verr)
	assert.Equal(t, "process-exit", verr.Rule)
	assert.Equal(t, 3, verr.Line)
	assert.Equal(t, "os.exit", verr.Pattern)
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.lua")
	bad := filepath.Join(dir, "bad.lua")
	require.NoError(t, os.WriteFile(good, []byte("return {}"), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("\n\nload('x')"), 0o644))

	assert.NoError(t, ValidateFile(good))

	var verr *ValidationError
	require.ErrorAs(t, ValidateFile(bad), &verr)
	assert.Equal(t, 3, verr.Line)

	assert.Error(t, ValidateFile(filepath.Join(dir, "missing.lua")))
}

func TestRulesOrder(t *testing.T) {
	var names []string
	for _, r := range Rules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		"dynamic-eval",
		"debug-library",
		"process-exit",
		"process-spawn",
		"filesystem",
		"parent-traversal",
		"sensitive-path",
		"global-table",
	}, names)
}

func TestValidateRejectsEmbeddedPatterns(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		filler := rapid.StringMatching(`[a-z0-9 =(){},\n]{0,40}`)
		prefix := filler.Draw(t, "prefix")
		suffix := filler.Draw(t, "suffix")
		bad := rapid.SampledFrom(disallowed).Draw(t, "pattern")

		err := Validate(prefix + "\n" + bad.src + "\n" + suffix)
		if err == nil {
			t.Fatalf("source with %q passed validation", bad.src)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("unexpected error type %T", err)
		}
	})
}
