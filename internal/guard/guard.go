// Package guard decides whether a request may enter a listener.
package guard

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/MAQSOODAWANhaha/api-proxy-sub005/pkg/netutil"
)

// AuthMethod names how a caller authenticated.
type AuthMethod string

const (
	// AuthNone means no credentials were presented.
	AuthNone AuthMethod = ""
	// AuthAPIKey is an X-API-Key header.
	AuthAPIKey AuthMethod = "api_key"
	// AuthBearer is an Authorization: Bearer header.
	AuthBearer AuthMethod = "bearer"
)

// ParseAuthMethod validates a configured auth method.
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch m := AuthMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case AuthAPIKey, AuthBearer:
		return m, nil
	default:
		return AuthNone, fmt.Errorf("%w: %q", ErrUnknownAuthMethod, s)
	}
}

// Reason is why admission was refused.
type Reason string

const (
	ReasonDenied        Reason = "source_denied"
	ReasonNotAllowed    Reason = "source_not_allowed"
	ReasonAuthRequired  Reason = "auth_required"
	ReasonAuthInvalid   Reason = "auth_invalid"
	ReasonAuthMethod    Reason = "auth_method_not_allowed"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonInvalidSource Reason = "invalid_source"
)

// Network reports whether the reason is a source address refusal.
func (r Reason) Network() bool {
	return r == ReasonDenied || r == ReasonNotAllowed || r == ReasonInvalidSource
}

// Auth reports whether the reason is an authentication refusal.
func (r Reason) Auth() bool {
	return r == ReasonAuthRequired || r == ReasonAuthInvalid || r == ReasonAuthMethod
}

var (
	// ErrAccessDenied matches any *AccessDeniedError via errors.Is.
	ErrAccessDenied = errors.New("access denied")
	// ErrUnknownAuthMethod is returned for an auth method other than api_key or bearer.
	ErrUnknownAuthMethod = errors.New("unknown auth method")
	// ErrInvalidCIDR is returned for an unparsable allow or deny entry.
	ErrInvalidCIDR = errors.New("invalid CIDR")
)

// AccessDeniedError carries the refusal reason of a request.
type AccessDeniedError struct {
	Listener string
	Reason   Reason
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied on %s: %s", e.Listener, e.Reason)
}

// Is makes errors.Is(err, ErrAccessDenied) true.
func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// Policy is the admission policy of one listener.
type Policy struct {
	Allow       []string
	Deny        []string
	RequireAuth bool
	AuthMethods []AuthMethod
	// RateLimit is requests per second per source address; 0 disables it.
	RateLimit float64
	RateBurst int
}

// Credentials is the verdict of an Authenticator on one request.
type Credentials struct {
	Method    AuthMethod
	Presented bool
	Verified  bool
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Err returns nil for an admitted request.
func (d Decision) Err(listener string) error {
	if d.Allowed {
		return nil
	}
	return &AccessDeniedError{Listener: listener, Reason: d.Reason}
}

// Guard evaluates one listener's policy. It is immutable after creation
// apart from the rate limiter's per-source buckets.
type Guard struct {
	name    string
	allow   []netip.Prefix
	deny    []netip.Prefix
	auth    bool
	methods map[AuthMethod]bool
	rate    *SourceRateLimiter
}

// NewGuard compiles a policy.
func NewGuard(name string, p Policy) (*Guard, error) {
	allow, err := netutil.ParsePrefixes(p.Allow)
	if err != nil {
		return nil, fmt.Errorf("%w in %s allow list: %v", ErrInvalidCIDR, name, err)
	}
	deny, err := netutil.ParsePrefixes(p.Deny)
	if err != nil {
		return nil, fmt.Errorf("%w in %s deny list: %v", ErrInvalidCIDR, name, err)
	}

	g := &Guard{
		name:    name,
		allow:   allow,
		deny:    deny,
		auth:    p.RequireAuth,
		methods: make(map[AuthMethod]bool),
	}
	methods := p.AuthMethods
	if len(methods) == 0 {
		methods = []AuthMethod{AuthAPIKey, AuthBearer}
	}
	for _, m := range methods {
		if _, err := ParseAuthMethod(string(m)); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		g.methods[m] = true
	}
	if p.RateLimit > 0 {
		g.rate = NewSourceRateLimiter(p.RateLimit, p.RateBurst)
	}
	return g, nil
}

// Name returns the listener name the guard belongs to.
func (g *Guard) Name() string {
	return g.name
}

// RequiresAuth reports whether requests must carry verified credentials.
func (g *Guard) RequiresAuth() bool {
	return g.auth
}

// Admit decides on a request. Deny entries win over allow entries; an empty
// allow list admits every address not denied.
func (g *Guard) Admit(src netip.Addr, cred Credentials) Decision {
	if !src.IsValid() {
		return Decision{Reason: ReasonInvalidSource}
	}
	src = src.Unmap()

	if netutil.ContainsAddr(g.deny, src) {
		return Decision{Reason: ReasonDenied}
	}
	if len(g.allow) > 0 && !netutil.ContainsAddr(g.allow, src) {
		return Decision{Reason: ReasonNotAllowed}
	}

	if g.auth {
		switch {
		case !cred.Presented:
			return Decision{Reason: ReasonAuthRequired}
		case !g.methods[cred.Method]:
			return Decision{Reason: ReasonAuthMethod}
		case !cred.Verified:
			return Decision{Reason: ReasonAuthInvalid}
		}
	}

	if g.rate != nil && !g.rate.Allow(src) {
		return Decision{Reason: ReasonRateLimited}
	}
	return Decision{Allowed: true}
}

// Close stops background cleanup of the rate limiter.
func (g *Guard) Close() {
	if g.rate != nil {
		g.rate.Close()
	}
}
