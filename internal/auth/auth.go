// Package auth resolves a caller identity from an inbound request. Three
// credential sources are tried in priority order: session cookie JWT, bearer
// JWT, bearer API key.
package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/crypto"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
)

// CookieName is the session cookie carrying a user JWT.
const CookieName = "auth_token"

// Kind discriminates the identity variants.
type Kind string

const (
	KindUser   Kind = "user"
	KindAPIKey Kind = "apiKey"
)

// Identity is the authenticated caller: a user (via JWT) or an API key.
type Identity struct {
	Kind     Kind
	UserID   string
	Username string
	APIKeyID string
	// Localhost marks requests from loopback addresses. Logging only; it
	// never influences the authentication decision.
	Localhost bool
}

// Authenticator checks inbound credentials against the token issuer and the
// catalog's API keys.
type Authenticator struct {
	store  *catalog.Store
	issuer *crypto.TokenIssuer
}

// New creates an authenticator.
func New(store *catalog.Store, issuer *crypto.TokenIssuer) *Authenticator {
	return &Authenticator{store: store, issuer: issuer}
}

// Authenticate resolves the request's identity. An invalid cookie JWT is
// cleared in the response before the next source is tried.
func (a *Authenticator) Authenticate(w http.ResponseWriter, r *http.Request) (*Identity, error) {
	localhost := isLocalhost(r)

	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		claims, err := a.issuer.Verify(cookie.Value)
		if err == nil {
			return &Identity{Kind: KindUser, UserID: claims.UserID, Username: claims.Username, Localhost: localhost}, nil
		}
		clearCookie(w)
	}

	bearer := bearerToken(r)
	if bearer != "" {
		if claims, err := a.issuer.Verify(bearer); err == nil {
			return &Identity{Kind: KindUser, UserID: claims.UserID, Username: claims.Username, Localhost: localhost}, nil
		}
		if key, err := a.store.VerifyApiKey(bearer); err == nil {
			return &Identity{Kind: KindAPIKey, APIKeyID: key.ID, Localhost: localhost}, nil
		}
	}

	return nil, gateway.ErrUnauthenticated
}

// VerifyAPIKeySecret checks a bare secret, as presented by stdio clients via
// AUTH_TOKEN, and returns the key id.
func (a *Authenticator) VerifyAPIKeySecret(secret string) (*Identity, error) {
	key, err := a.store.VerifyApiKey(secret)
	if err != nil {
		return nil, err
	}
	return &Identity{Kind: KindAPIKey, APIKeyID: key.ID}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// SetSessionCookie writes the login cookie for a freshly issued token.
func SetSessionCookie(w http.ResponseWriter, token string, maxAgeSeconds int, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAgeSeconds,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie removes the login cookie (logout).
func ClearSessionCookie(w http.ResponseWriter) {
	clearCookie(w)
}

func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type contextKey struct{}

// WithIdentity attaches an identity to a request context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached by the auth middleware, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
