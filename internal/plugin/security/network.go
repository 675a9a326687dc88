package security

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNetworkDenied is matched by every *NetworkError.
var ErrNetworkDenied = errors.New("network request not permitted")

// NetworkError reports a request rejected by a NetworkPolicy.
type NetworkError struct {
	URL    string
	Reason string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network request to %q not permitted: %s", e.URL, e.Reason)
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetworkDenied
}

// NetworkPolicy restricts the outbound requests a plugin may make.
// Hosts are matched case-insensitively and may use a leading "*." wildcard.
// Blocked hosts win over allowed hosts; an empty allow-list allows any host.
type NetworkPolicy struct {
	AllowedHosts []string
	BlockedHosts []string
}

// Check validates a raw URL against the policy and returns the parsed form.
func (p NetworkPolicy) Check(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &NetworkError{URL: raw, Reason: "malformed url"}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, &NetworkError{URL: raw, Reason: "only http and https are allowed"}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, &NetworkError{URL: raw, Reason: "missing host"}
	}
	if u.User != nil {
		return nil, &NetworkError{URL: raw, Reason: "credentials in url"}
	}

	for _, blocked := range p.BlockedHosts {
		if matchHost(host, blocked) {
			return nil, &NetworkError{URL: raw, Reason: "host is blocked"}
		}
	}
	if len(p.AllowedHosts) > 0 {
		for _, allowed := range p.AllowedHosts {
			if matchHost(host, allowed) {
				return u, nil
			}
		}
		return nil, &NetworkError{URL: raw, Reason: "host not in allowed list"}
	}
	return u, nil
}

// matchHost checks if a host matches a pattern such as "*.example.com".
func matchHost(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}
