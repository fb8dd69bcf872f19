package clients

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a bearer token without verifying its
// signature. A zero time means the token carries no expiry.
func TokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// TokenExpired reports whether the token's exp is at or before now
func TokenExpired(token string, now time.Time) (bool, error) {
	exp, err := TokenExpiry(token)
	if err != nil {
		return false, err
	}
	if exp.IsZero() {
		return false, nil
	}
	return !now.Before(exp), nil
}
