// Package auth authenticates API callers by bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned for missing or unknown credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is an authenticated caller.
type Principal struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// StaticTokens authenticates against a fixed token table.
type StaticTokens struct {
	tokens []tokenEntry
}

type tokenEntry struct {
	token     []byte
	principal Principal
}

var _ Authenticator = (*StaticTokens)(nil)

// NewStaticTokens creates an authenticator from token -> principal pairs.
// Empty tokens are ignored.
func NewStaticTokens(tokens map[string]Principal) *StaticTokens {
	s := &StaticTokens{}
	for tok, p := range tokens {
		if tok == "" {
			continue
		}
		s.tokens = append(s.tokens, tokenEntry{token: []byte(tok), principal: p})
	}
	return s
}

// Authenticate compares token against every entry in constant time.
func (s *StaticTokens) Authenticate(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	var (
		found Principal
		ok    bool
	)
	for _, e := range s.tokens {
		if subtle.ConstantTimeCompare(e.token, []byte(token)) == 1 {
			found, ok = e.principal, true
		}
	}
	if !ok {
		return Principal{}, ErrUnauthorized
	}
	return found, nil
}

// Principals returns every configured principal.
func (s *StaticTokens) Principals() []Principal {
	out := make([]Principal, 0, len(s.tokens))
	for _, e := range s.tokens {
		out = append(out, e.principal)
	}
	return out
}

type contextKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Middleware rejects unauthenticated requests through onError and stores
// the principal in the request context otherwise.
func Middleware(a Authenticator, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r.Context(), BearerToken(r))
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
