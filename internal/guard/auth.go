package guard

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authenticator inspects a request and reports how it authenticated.
type Authenticator interface {
	Authenticate(r *http.Request) Credentials
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) Credentials

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(r *http.Request) Credentials {
	return f(r)
}

// StaticAuthenticator checks X-API-Key or Authorization: Bearer against a
// fixed token set. X-API-Key wins when both are present.
type StaticAuthenticator struct {
	tokens [][]byte
}

// NewStaticAuthenticator creates an authenticator for tokens. Empty tokens
// are ignored.
func NewStaticAuthenticator(tokens []string) *StaticAuthenticator {
	a := &StaticAuthenticator{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(r *http.Request) Credentials {
	method, token := extractToken(r)
	if method == AuthNone {
		return Credentials{}
	}
	return Credentials{Method: method, Presented: true, Verified: a.verify(token)}
}

func (a *StaticAuthenticator) verify(token string) bool {
	if token == "" {
		return false
	}
	b := []byte(token)
	ok := 0
	for _, t := range a.tokens {
		ok |= subtle.ConstantTimeCompare(b, t)
	}
	return ok == 1
}

func extractToken(r *http.Request) (AuthMethod, string) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return AuthAPIKey, strings.TrimSpace(key)
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return AuthBearer, strings.TrimSpace(h[7:])
		}
	}
	return AuthNone, ""
}
