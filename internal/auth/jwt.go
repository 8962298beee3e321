package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/farmconnect/messaging/internal/apperr"
)

type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256 token and returns the user id it carries.
func ParseToken(token, secret string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.ErrUnauthorized
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", apperr.ErrUnauthorized.Wrap(err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return "", apperr.ErrUnauthorized
	}
	return claims.UserID, nil
}

// ParseBearer strips the "Bearer " prefix from an Authorization header
// and validates the remainder.
func ParseBearer(header, secret string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", apperr.ErrUnauthorized
	}
	return ParseToken(strings.TrimPrefix(header, prefix), secret)
}
