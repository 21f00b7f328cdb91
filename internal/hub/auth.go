package hub

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the identity attached to a stream connection. Anonymous
// connections may subscribe to public channels only.
type Principal struct {
	Subject       string
	Authenticated bool
}

// Authenticator resolves a connection's principal from the upgrade
// request. Implementations must not fail anonymous connections; they
// return an anonymous principal instead.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// AnonymousAuthenticator admits everyone without identity. Used when no
// JWT secret is configured; private channels are then unreachable.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Authenticate(*http.Request) (Principal, error) {
	return Principal{}, nil
}

// JWTAuthenticator validates HS256 bearer tokens. Tokens may arrive in
// the Authorization header or, for browser websocket clients that
// cannot set headers, the token query parameter.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator builds an authenticator over a shared HS256 secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Authenticate returns an anonymous principal when no token is present
// and an error when a presented token is invalid.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Principal{}, nil
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}

	sub, _ := token.Claims.GetSubject()
	return Principal{Subject: sub, Authenticated: true}, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
