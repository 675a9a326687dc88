package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/crmplugins/internal/plugin/security"
)

func newNetworkHarness(t *testing.T, opts NetworkOptions) *harness {
	t.Helper()
	return newHarness(t, withModules(NewNetworkModule("webhook", opts)))
}

func TestNetworkGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Trace", "abc")
		_, _ = io.WriteString(w, r.Method+" "+r.URL.Path+" "+r.Header.Get("User-Agent")+" "+r.Header.Get("X-Key"))
	}))
	defer srv.Close()

	h := newNetworkHarness(t, NetworkOptions{UserAgent: "crm-test"})
	got := h.eval(t, `result = ctx.network.get("`+srv.URL+`/ping", { ["X-Key"] = "k1" })`)

	resp := got.(map[string]any)
	assert.Equal(t, int64(200), resp["status"])
	assert.Equal(t, "GET /ping crm-test (plugin webhook) k1", resp["body"])
	assert.Equal(t, "abc", resp["headers"].(map[string]any)["x-trace"])
}

func TestNetworkPostTableAsJSON(t *testing.T) {
	var gotBody map[string]any
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := newNetworkHarness(t, NetworkOptions{})
	got := h.eval(t, `result = ctx.network.post("`+srv.URL+`", { lead = "l-1", score = 3 }).status`)

	assert.Equal(t, int64(201), got)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, map[string]any{"lead": "l-1", "score": float64(3)}, gotBody)
}

func TestNetworkRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = io.WriteString(w, r.Method+":"+string(body))
	}))
	defer srv.Close()

	h := newNetworkHarness(t, NetworkOptions{})
	got := h.eval(t, `result = ctx.network.request({ method = "put", url = "`+srv.URL+`", body = "raw", timeout = 2 }).body`)
	assert.Equal(t, "PUT:raw", got)
}

func TestNetworkPolicy(t *testing.T) {
	h := newNetworkHarness(t, NetworkOptions{Policy: security.NetworkPolicy{
		AllowedHosts: []string{"*.example.com"},
	}})

	for _, url := range []string{"file:///etc/passwd", "http://127.0.0.1:1/", "https://user:pw@api.example.com/"} {
		t.Run(url, func(t *testing.T) {
			got := h.eval(t, `
local resp, err = ctx.network.get("`+url+`")
result = { resp = resp, err = err }`)
			m := got.(map[string]any)
			assert.Nil(t, m["resp"])
			assert.Contains(t, m["err"], "not permitted")
		})
	}
}

func TestNetworkRedirectHeldToPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://internal.blocked/admin", http.StatusFound)
	}))
	defer srv.Close()

	h := newNetworkHarness(t, NetworkOptions{Policy: security.NetworkPolicy{
		BlockedHosts: []string{"internal.blocked"},
	}})
	got := h.eval(t, `
local resp, err = ctx.network.get("`+srv.URL+`")
result = { err = err }`)
	assert.Contains(t, got.(map[string]any)["err"], "not permitted")
}

func TestNetworkResponseLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	h := newNetworkHarness(t, NetworkOptions{MaxResponseBytes: 16})
	got := h.eval(t, `
local resp, err = ctx.network.get("`+srv.URL+`")
result = { err = err }`)
	require.IsType(t, map[string]any{}, got)
	assert.Contains(t, got.(map[string]any)["err"], "too large")
}
