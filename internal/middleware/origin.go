package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may open connections.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// NewOriginPolicy builds a policy from configured origins. "*" allows any
// origin; entries that are not scheme://host are ignored and returned.
func NewOriginPolicy(origins []string) (*OriginPolicy, []string) {
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	var invalid []string
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			invalid = append(invalid, origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, invalid
}

// AllowAll reports whether every origin is accepted.
func (p *OriginPolicy) AllowAll() bool { return p.allowAll }

// Allowed reports whether origin may connect. Requests without an Origin
// header come from non-browser clients and are accepted.
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" || p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allowed(r.Header.Get("Origin"))
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
