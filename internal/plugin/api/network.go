package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/crmplugins/internal/plugin/lua"
	"github.com/dshills/crmplugins/internal/plugin/security"
)

// Network defaults.
const (
	DefaultNetworkTimeout   = 15 * time.Second
	DefaultMaxResponseBytes = 1 << 20
	DefaultUserAgent        = "crmplugins"
)

// ErrResponseTooLarge is returned when a response body exceeds the limit.
var ErrResponseTooLarge = errors.New("response body too large")

// NetworkOptions configures the outbound HTTP surface.
type NetworkOptions struct {
	Policy security.NetworkPolicy

	// Client defaults to a new http.Client. Its CheckRedirect is replaced so
	// that redirects are held to the same policy.
	Client *http.Client

	Timeout          time.Duration
	MaxResponseBytes int64
	UserAgent        string
}

// NetworkModule exposes ctx.network.
type NetworkModule struct {
	plugin string
	opts   NetworkOptions
	client *http.Client
}

// NewNetworkModule creates the network module for plugin.
func NewNetworkModule(plugin string, opts NetworkOptions) *NetworkModule {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultNetworkTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	client := &http.Client{}
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	}
	policy := opts.Policy
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		_, err := policy.Check(req.URL.String())
		return err
	}

	return &NetworkModule{plugin: plugin, opts: opts, client: client}
}

// Name returns the module name.
func (m *NetworkModule) Name() string {
	return "network"
}

// Build creates the network table.
func (m *NetworkModule) Build(L *lua.LState) (lua.LValue, error) {
	t := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"request": m.request,
		"get":     m.get,
		"post":    m.post,
	})
	return plua.NewBridge(L).ReadOnly(t), nil
}

type request struct {
	method  string
	url     string
	headers map[string]string
	body    string
	timeout time.Duration
}

// request{method, url, headers, body, timeout} -> {status, headers, body}
func (m *NetworkModule) request(L *lua.LState) int {
	opts := L.CheckTable(1)
	req := request{
		method:  strings.ToUpper(lua.LVAsString(opts.RawGetString("method"))),
		url:     lua.LVAsString(opts.RawGetString("url")),
		headers: stringMap(opts.RawGetString("headers")),
	}
	if req.method == "" {
		req.method = http.MethodGet
	}
	if t, ok := opts.RawGetString("timeout").(lua.LNumber); ok && t > 0 {
		req.timeout = time.Duration(float64(t) * float64(time.Second))
	}
	body, err := encodeBody(L, opts.RawGetString("body"), req.headers)
	if err != nil {
		return fail(L, err)
	}
	req.body = body
	return m.do(L, req)
}

// get(url, headers?) -> response
func (m *NetworkModule) get(L *lua.LState) int {
	return m.do(L, request{
		method:  http.MethodGet,
		url:     L.CheckString(1),
		headers: stringMap(L.Get(2)),
	})
}

// post(url, body, headers?) -> response. A table body is sent as JSON.
func (m *NetworkModule) post(L *lua.LState) int {
	req := request{
		method:  http.MethodPost,
		url:     L.CheckString(1),
		headers: stringMap(L.Get(3)),
	}
	body, err := encodeBody(L, L.Get(2), req.headers)
	if err != nil {
		return fail(L, err)
	}
	req.body = body
	return m.do(L, req)
}

func (m *NetworkModule) do(L *lua.LState, r request) int {
	u, err := m.opts.Policy.Check(r.url)
	if err != nil {
		return fail(L, err)
	}

	timeout := m.opts.Timeout
	if r.timeout > 0 && r.timeout < timeout {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(luaContext(L), timeout)
	defer cancel()

	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return fail(L, err)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("%s (plugin %s)", m.opts.UserAgent, m.plugin))

	resp, err := m.client.Do(req)
	if err != nil {
		return fail(L, err)
	}
	defer resp.Body.Close()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, m.opts.MaxResponseBytes+1)); err != nil {
		return fail(L, err)
	}
	if int64(buf.Len()) > m.opts.MaxResponseBytes {
		return fail(L, fmt.Errorf("%w: limit is %d bytes", ErrResponseTooLarge, m.opts.MaxResponseBytes))
	}

	headers := L.NewTable()
	for k, vs := range resp.Header {
		headers.RawSetString(strings.ToLower(k), lua.LString(strings.Join(vs, ", ")))
	}
	out := L.NewTable()
	out.RawSetString("status", lua.LNumber(resp.StatusCode))
	out.RawSetString("headers", headers)
	out.RawSetString("body", lua.LString(buf.String()))
	L.Push(out)
	return 1
}

func stringMap(v lua.LValue) map[string]string {
	t, ok := v.(*lua.LTable)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string)
	t.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			out[string(ks)] = lua.LVAsString(v)
		}
	})
	return out
}

// encodeBody turns a string or table body into request text. Tables are
// JSON-encoded and get a JSON content type unless one was given.
func encodeBody(L *lua.LState, v lua.LValue, headers map[string]string) (string, error) {
	switch b := v.(type) {
	case lua.LString:
		return string(b), nil
	case *lua.LTable:
		data, err := json.Marshal(plua.NewBridge(L).ToGo(b))
		if err != nil {
			return "", err
		}
		if !hasHeader(headers, "Content-Type") {
			headers["Content-Type"] = "application/json"
		}
		return string(data), nil
	case *lua.LNilType, nil:
		return "", nil
	default:
		return "", fmt.Errorf("request body must be a string or table, got %s", v.Type())
	}
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
