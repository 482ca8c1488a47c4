package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = 30 * 24 * time.Hour

// Claims identify an API client: a device uploading readings or a dashboard
// reading them.
type Claims struct {
	Client string `json:"client"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 bearer token for client.
func SignToken(secret, client string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret required")
	}
	if client == "" {
		return "", errors.New("client required")
	}
	now := time.Now()
	claims := Claims{
		Client: client,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
