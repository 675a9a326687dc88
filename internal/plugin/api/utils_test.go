package api

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crmplugins/internal/logging"
)

func newUtilsHarness(t *testing.T) (*harness, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	mod := NewUtilsModule(logging.New(logging.Options{Level: "debug", Format: logging.FormatJSON, Output: &buf}))
	mod.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }
	return newHarness(t, withModules(mod)), &buf
}

func TestUtilsLog(t *testing.T) {
	h, buf := newUtilsHarness(t)

	h.eval(t, `ctx.utils.log.warn("lead scored", { lead = "l-1", score = 7 })`)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "lead scored", entry["msg"])
	assert.Equal(t, "l-1", entry["lead"])
	assert.EqualValues(t, 7, entry["score"])
}

func TestUtilsValidate(t *testing.T) {
	h, _ := newUtilsHarness(t)

	tests := []struct {
		fn    string
		input string
		want  bool
	}{
		{"email", "ada@example.com", true},
		{"email", "ada.lovelace+crm@mail.example.org", true},
		{"email", "ada@", false},
		{"email", "not an email", false},
		{"phone", "+1 (555) 010-9999", true},
		{"phone", "5550109", true},
		{"phone", "12", false},
		{"phone", "call me", false},
		{"url", "https://example.com/hook", true},
		{"url", "http://localhost:8080", true},
		{"url", "ftp://example.com", false},
		{"url", "example.com", false},
		{"uuid", "2f1e3c1e-8a3b-4c9e-9f3e-3c1a2b4d5e6f", true},
		{"uuid", "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.fn+"/"+tt.input, func(t *testing.T) {
			got := h.eval(t, `result = ctx.utils.validate.`+tt.fn+`("`+tt.input+`")`)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUtilsValidateRequired(t *testing.T) {
	h, _ := newUtilsHarness(t)

	got := h.eval(t, `
local ok, missing = ctx.utils.validate.required({ name = "x", email = "" }, { "name", "email", "phone" })
result = { ok = ok, missing = missing }`)
	assert.Equal(t, map[string]any{"ok": false, "missing": []any{"email", "phone"}}, got)

	assert.Equal(t, true, h.eval(t, `result = ctx.utils.validate.required({ a = 1 }, { "a" })`))
}

func TestUtilsCrypto(t *testing.T) {
	h, _ := newUtilsHarness(t)

	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		h.eval(t, `result = ctx.utils.crypto.sha256("abc")`))
	assert.Equal(t,
		"f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		h.eval(t, `result = ctx.utils.crypto.hmac_sha256("key", "The quick brown fox jumps over the lazy dog")`))

	assert.Len(t, h.eval(t, `result = ctx.utils.crypto.random_hex()`), 32)
	assert.Len(t, h.eval(t, `result = ctx.utils.crypto.random_hex(4)`), 8)
	assert.Error(t, h.evalErr(`ctx.utils.crypto.random_hex(0)`))

	id, ok := h.eval(t, `result = ctx.utils.crypto.uuid()`).(string)
	require.True(t, ok)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestUtilsTime(t *testing.T) {
	h, _ := newUtilsHarness(t)

	assert.Equal(t, "2024-03-01T09:30:00Z", h.eval(t, `result = ctx.utils.time.now()`))
	assert.Equal(t, int64(1709285400), h.eval(t, `result = ctx.utils.time.unix()`))
	assert.Equal(t, int64(1709251200), h.eval(t, `result = ctx.utils.time.unix("2024-03-01T00:00:00Z")`))
	assert.Equal(t, "1970-01-02", h.eval(t, `result = ctx.utils.time.format(86400, "date")`))
	assert.Equal(t, "2024-03-01 09:30:00", h.eval(t, `result = ctx.utils.time.format(ctx.utils.time.now(), "datetime")`))
	assert.Equal(t, "01/03/2024", h.eval(t, `result = ctx.utils.time.format("2024-03-01T00:00:00Z", "02/01/2006")`))
	assert.Equal(t, int64(1709251200), h.eval(t, `result = ctx.utils.time.parse("2024-03-01", "date")`))
	assert.Equal(t, "2024-03-01T10:00:00Z", h.eval(t, `result = ctx.utils.time.add(ctx.utils.time.now(), "30m")`))
	assert.Equal(t, "2024-03-01T09:30:30Z", h.eval(t, `result = ctx.utils.time.add("2024-03-01T09:30:00Z", 30)`))

	got := h.eval(t, `
local v, err = ctx.utils.time.parse("yesterday")
result = { v = v, err = err }`)
	assert.NotEmpty(t, got.(map[string]any)["err"])
}

func TestUtilsIsReadOnly(t *testing.T) {
	h, _ := newUtilsHarness(t)
	assert.Error(t, h.evalErr(`ctx.utils.crypto = {}`))
}
