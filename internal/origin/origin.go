// internal/origin/origin.go
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Policy decides which browser origins may drive the server. Requests
// without an Origin header come from non-browser clients and are allowed.
// Otherwise the origin must be listed, or name the same host as the request
// where that host is localhost or an IP literal. Other hostnames are refused
// even when they match, since a rebound DNS name can point at loopback.
type Policy struct {
	allowed map[string]bool
}

// New creates a policy that also accepts the given origins
// ("http://host:port", compared case-insensitively)
func New(allowed []string) *Policy {
	p := &Policy{allowed: make(map[string]bool, len(allowed))}
	for _, o := range allowed {
		p.allowed[canonical(o)] = true
	}
	return p
}

// Allowed reports whether r may be served
func (p *Policy) Allowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	if p != nil && p.allowed[canonical(header)] {
		return true
	}

	u, err := url.Parse(header)
	if err != nil || u.Host == "" {
		return false
	}
	if !strings.EqualFold(u.Host, r.Host) {
		return false
	}
	return isLocalName(u.Hostname())
}

func isLocalName(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	return net.ParseIP(host) != nil
}

func canonical(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}
