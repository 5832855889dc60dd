// Package tenant resolves inbound requests to a configured tenant and
// verifies its authentication descriptor (spec.md §4.1). Resolution and
// trust evaluation follow the same shape as the teacher's
// core/security.Service.ShouldTrustForwardedHeaders/ipMatches: an
// exact-match-or-CIDR-contains check over a configured allowlist, applied
// only when the tenant's host mode is forwarded or xforwarded.
package tenant

import (
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/scimserver/internal/compat"
	"github.com/xraph/scimserver/internal/patch"
)

// HostMode selects how the effective host is determined for a request.
type HostMode string

const (
	HostModeDirect     HostMode = "host"
	HostModeForwarded  HostMode = "forwarded"
	HostModeXForwarded HostMode = "xforwarded"
)

// AuthScheme selects how a request is authenticated.
type AuthScheme string

const (
	AuthBearer          AuthScheme = "bearer"
	AuthToken           AuthScheme = "token"
	AuthBasic           AuthScheme = "basic"
	AuthUnauthenticated AuthScheme = "unauthenticated"
)

// Descriptor is one configured tenant (spec.md §3's Tenant descriptor).
type Descriptor struct {
	ID       int
	Path     string
	Host     string
	HostMode HostMode

	TrustedProxies []string

	Auth         AuthScheme
	BearerToken  string
	BasicUser    string
	BasicPass    string

	OverrideBaseURL string

	Compat        compat.Toggles
	Patch         patch.Toggles
	CustomRoutes  map[string]http.Handler

	SupportGroupMembersFilter     bool
	SupportGroupDisplayNameFilter bool
	MaxPageSize                   int

	RateLimit RateLimitConfig
}

// RateLimitConfig enables per-tenant request throttling, modeled on the
// teacher's per-organization RateLimitMiddleware.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

// Registry holds the configured tenant set and resolves requests against
// it. Built once at startup from config; read-only thereafter except for
// the lazily created per-tenant rate limiters.
type Registry struct {
	tenants  []*Descriptor
	limiters sync.Map // tenant ID -> *rate.Limiter
}

// NewRegistry builds a Registry, pre-sorting tenants so longest-path
// candidates are tried first.
func NewRegistry(tenants []*Descriptor) *Registry {
	sorted := make([]*Descriptor, len(tenants))
	copy(sorted, tenants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Path) > len(sorted[j].Path)
	})
	return &Registry{tenants: sorted}
}

// Resolved is the outcome of resolving a request to a tenant.
type Resolved struct {
	Tenant         *Descriptor
	EffectiveHost  string
	EffectiveProto string
}

// Resolve implements spec.md §4.1's tenant-resolution algorithm: longest
// path-prefix match, preferring tenants whose configured host equals the
// effective host over path-only tenants.
func (r *Registry) Resolve(req *http.Request) (*Resolved, bool) {
	var hostCandidates, pathOnlyCandidates []*Descriptor
	for _, t := range r.tenants {
		if !strings.HasPrefix(req.URL.Path, t.Path) {
			continue
		}
		if t.Host != "" {
			hostCandidates = append(hostCandidates, t)
		} else {
			pathOnlyCandidates = append(pathOnlyCandidates, t)
		}
	}
	for _, t := range hostCandidates {
		eh, proto := effectiveHost(req, t)
		if strings.EqualFold(eh, t.Host) {
			return &Resolved{Tenant: t, EffectiveHost: eh, EffectiveProto: proto}, true
		}
	}
	if len(pathOnlyCandidates) > 0 {
		t := pathOnlyCandidates[0]
		eh, proto := effectiveHost(req, t)
		return &Resolved{Tenant: t, EffectiveHost: eh, EffectiveProto: proto}, true
	}
	return nil, false
}

// effectiveHost determines the request's effective host/scheme per the
// tenant's configured HostMode, honoring forwarded headers only when the
// direct peer is a trusted proxy.
func effectiveHost(req *http.Request, t *Descriptor) (host, proto string) {
	remote := remoteIP(req)
	switch t.HostMode {
	case HostModeForwarded:
		if trustProxy(t.TrustedProxies, remote) {
			if h, p, ok := parseForwarded(req.Header.Get("Forwarded")); ok {
				return h, p
			}
		}
	case HostModeXForwarded:
		if trustProxy(t.TrustedProxies, remote) {
			if h := req.Header.Get("X-Forwarded-Host"); h != "" {
				proto := req.Header.Get("X-Forwarded-Proto")
				if proto == "" {
					proto = "https"
				}
				return h, proto
			}
		}
	}
	return req.Host, "http"
}

func remoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// trustProxy reports whether remote is permitted to supply forwarded
// headers: an empty allowlist trusts any proxy once the mode is enabled,
// matching the teacher's ShouldTrustForwardedHeaders semantics.
func trustProxy(allowlist []string, remote string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, entry := range allowlist {
		if ipMatches(entry, remote) {
			return true
		}
	}
	return false
}

// ipMatches checks if ip matches entry, which may be an exact address or
// a CIDR block.
func ipMatches(entry, ip string) bool {
	if entry == ip {
		return true
	}
	if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr != nil {
		if parsed := net.ParseIP(ip); parsed != nil {
			return cidr.Contains(parsed)
		}
	}
	return false
}

// parseForwarded extracts host/proto from an RFC 7239 Forwarded header's
// first element, e.g. `for=192.0.2.60;proto=https;host=example.com`.
func parseForwarded(header string) (host, proto string, ok bool) {
	if header == "" {
		return "", "", false
	}
	first := strings.Split(header, ",")[0]
	for _, pair := range strings.Split(first, ";") {
		pair = strings.TrimSpace(pair)
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "host":
			host = val
		case "proto":
			proto = val
		}
	}
	if host == "" {
		return "", "", false
	}
	if proto == "" {
		proto = "https"
	}
	return host, proto, true
}

// BaseURL implements spec.md §4.1's base-URL construction.
func (r *Resolved) BaseURL() string {
	if r.Tenant.OverrideBaseURL != "" {
		return strings.TrimSuffix(r.Tenant.OverrideBaseURL, "/")
	}
	proto := "http"
	if r.Tenant.HostMode == HostModeForwarded || r.Tenant.HostMode == HostModeXForwarded {
		proto = r.EffectiveProto
	}
	return proto + "://" + r.EffectiveHost + r.Tenant.Path
}

// Allow applies t's configured rate limit, lazily creating one
// token-bucket limiter per tenant ID on first use. Tenants without rate
// limiting enabled always pass.
func (r *Registry) Allow(t *Descriptor) bool {
	if !t.RateLimit.Enabled {
		return true
	}
	v, _ := r.limiters.LoadOrStore(t.ID, rate.NewLimiter(
		rate.Limit(float64(t.RateLimit.RequestsPerMinute)/60.0),
		t.RateLimit.Burst,
	))
	return v.(*rate.Limiter).Allow()
}

// Authenticate verifies req's Authorization header against t's configured
// auth descriptor. It returns the WWW-Authenticate scheme name to report
// on failure.
func Authenticate(req *http.Request, t *Descriptor) (ok bool, scheme string) {
	switch t.Auth {
	case AuthUnauthenticated, "":
		return true, ""
	case AuthBearer, AuthToken:
		header := req.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") && !strings.EqualFold(parts[0], "token") {
			return false, "Bearer"
		}
		return constantTimeEqual(parts[1], t.BearerToken), "Bearer"
	case AuthBasic:
		header := req.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "basic") {
			return false, "Basic"
		}
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return false, "Basic"
		}
		up := strings.SplitN(string(decoded), ":", 2)
		if len(up) != 2 {
			return false, "Basic"
		}
		return constantTimeEqual(up[0], t.BasicUser) && constantTimeEqual(up[1], t.BasicPass), "Basic"
	default:
		return false, ""
	}
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
