package transport

import (
	"net/http"
	"strings"
)

// Authenticator applies authentication to HTTP requests.
type Authenticator interface {
	Apply(req *http.Request)
}

// NoAuth implements no authentication.
type NoAuth struct{}

// Apply implements the Authenticator interface for NoAuth.
func (NoAuth) Apply(*http.Request) {}

// BearerAuth sends the key as an Authorization bearer token.
type BearerAuth struct {
	Token string
}

// Apply implements the Authenticator interface for BearerAuth.
func (a BearerAuth) Apply(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// HeaderAuth sends the key in a custom header such as X-API-Key.
type HeaderAuth struct {
	Header string
	Key    string
}

// Apply implements the Authenticator interface for HeaderAuth.
func (a HeaderAuth) Apply(req *http.Request) {
	req.Header.Set(a.Header, a.Key)
}

// KeyAuth returns the authenticator for an API key sent in header. An empty
// key means no authentication; the Authorization header gets a bearer token.
func KeyAuth(header, key string) Authenticator {
	switch {
	case key == "":
		return NoAuth{}
	case header == "" || strings.EqualFold(header, "Authorization"):
		return BearerAuth{Token: key}
	default:
		return HeaderAuth{Header: header, Key: key}
	}
}
