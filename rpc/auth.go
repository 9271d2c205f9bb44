package rpc

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Lifetime of an authentication token. Tokens are only checked when
// connecting, a new token is made for each connection attempt.
const tokenLifetime = 5 * time.Minute

// NewToken returns a bearer token for connecting to the backend as name,
// signed with secret.
func NewToken(secret, name string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   name,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// verifyToken checks that token is signed by one of secrets, returning the
// name of the peer.
func verifyToken(secrets []string, token string) (string, error) {
	var lastErr error = ErrUnauthorized
	for _, secret := range secrets {
		var claims jwt.RegisteredClaims
		_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err == nil {
			if claims.Subject == "" {
				return "", fmt.Errorf("%w: token without subject", ErrUnauthorized)
			}
			return claims.Subject, nil
		}
		lastErr = fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return "", lastErr
}

// authenticate checks the bearer token in the Authorization header of r.
func authenticate(secrets []string, r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	t, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || t == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	return verifyToken(secrets, t)
}
