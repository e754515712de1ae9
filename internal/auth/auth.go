// Package auth decides whether an HTTP request may attach to a subject.
//
// Authentication itself lives outside lullaby. The server only consults an
// [Authorizer] predicate before upgrading a connection or serving an API
// call, so deployments can swap in their own implementation.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authorizer reports whether r may access subjectID. An empty subjectID
// means the request is not scoped to a single subject.
type Authorizer interface {
	Allow(r *http.Request, subjectID string) bool
}

// AuthorizerFunc adapts a plain function to [Authorizer].
type AuthorizerFunc func(r *http.Request, subjectID string) bool

// Allow implements [Authorizer].
func (f AuthorizerFunc) Allow(r *http.Request, subjectID string) bool { return f(r, subjectID) }

// AllowAll admits every request.
var AllowAll Authorizer = AuthorizerFunc(func(*http.Request, string) bool { return true })

// StaticTokens admits requests carrying one of a fixed set of bearer tokens,
// either in the Authorization header or the token query parameter. Browsers
// cannot set headers on websocket handshakes, hence the query fallback.
// An empty set admits everyone.
type StaticTokens struct {
	tokens [][]byte
}

var _ Authorizer = (*StaticTokens)(nil)

// NewStaticTokens builds a StaticTokens authorizer. Blank entries are
// ignored.
func NewStaticTokens(tokens []string) *StaticTokens {
	s := &StaticTokens{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			s.tokens = append(s.tokens, []byte(t))
		}
	}
	return s
}

// Allow implements [Authorizer]. Tokens are not scoped per subject.
func (s *StaticTokens) Allow(r *http.Request, _ string) bool {
	if len(s.tokens) == 0 {
		return true
	}
	got := Token(r)
	if got == "" {
		return false
	}
	ok := 0
	for _, t := range s.tokens {
		ok |= subtle.ConstantTimeCompare([]byte(got), t)
	}
	return ok == 1
}

// Token extracts the caller's token from the Authorization header or, when
// the header is absent, the token query parameter.
func Token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
