package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkPolicyCheck(t *testing.T) {
	open := NetworkPolicy{}
	restricted := NetworkPolicy{
		AllowedHosts: []string{"api.example.com", "*.hooks.example.net"},
		BlockedHosts: []string{"internal.hooks.example.net"},
	}

	tests := []struct {
		name    string
		policy  NetworkPolicy
		url     string
		allowed bool
	}{
		{"https", open, "https://example.org/x", true},
		{"http with port", open, "http://example.org:8080/x", true},
		{"file scheme", open, "file:///etc/passwd", false},
		{"ftp scheme", open, "ftp://example.org", false},
		{"no host", open, "https:///path", false},
		{"credentials", open, "https://user:pw@example.org", false},
		{"malformed", open, "http://[::1", false},
		{"allowed exact", restricted, "https://API.example.com/v1", true},
		{"allowed wildcard", restricted, "https://eu.hooks.example.net", true},
		{"blocked wins", restricted, "https://internal.hooks.example.net", false},
		{"not allowed", restricted, "https://example.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := tt.policy.Check(tt.url)
			if tt.allowed {
				require.NoError(t, err)
				assert.NotNil(t, u)
				return
			}
			assert.ErrorIs(t, err, ErrNetworkDenied)
		})
	}
}
