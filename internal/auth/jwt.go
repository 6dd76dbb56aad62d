package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidJWT = errors.New("invalid jwt")

// validateJWT accepts an HS256 token signed with the gateway's shared
// token secret and returns its subject. This lets operators mint
// short-lived per-client tokens from the shared secret instead of
// distributing the secret itself.
func validateJWT(secret, token string) (string, error) {
	if secret == "" || token == "" {
		return "", errInvalidJWT
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", errInvalidJWT
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", errInvalidJWT
	}
	return subject, nil
}

// MintJWT issues an HS256 token for the given subject, used by the CLI to
// hand out client credentials.
func MintJWT(secret, subject string, claims map[string]any) (string, error) {
	if secret == "" {
		return "", errors.New("token secret not configured")
	}
	mapClaims := jwt.MapClaims{"sub": subject}
	for k, v := range claims {
		mapClaims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	return token.SignedString([]byte(secret))
}
