package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mysqlgate/mysqlgate/internal/gateway"
)

// UserClaims is the JWT payload for a logged-in user.
type UserClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies user JWTs with an HMAC-SHA256 secret.
type TokenIssuer struct {
	secret    []byte
	expiresIn time.Duration
}

// NewTokenIssuer creates an issuer. The secret must carry at least 256 bits.
func NewTokenIssuer(secret string, expiresIn time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	return &TokenIssuer{secret: []byte(secret), expiresIn: expiresIn}, nil
}

// Issue signs a token for the given user.
func (ti *TokenIssuer) Issue(userID, username string) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token. Malformed, mis-signed, and expired
// tokens all return ErrTokenInvalid; no identity leaks out of a bad token.
func (ti *TokenIssuer) Verify(tokenString string) (*UserClaims, error) {
	claims := &UserClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return nil, gateway.ErrTokenInvalid
	}
	return claims, nil
}
