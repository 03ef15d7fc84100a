package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueToken signs an HS256 token whose subject is userID. Signup and login
// live outside this service; the token command uses this for local runs.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID, // subject
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(), // issued at
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
