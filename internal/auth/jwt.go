package auth

import (
	"fmt"
	"time"

	autherrors "github.com/alexjbarnes/farm-auth/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// sessionTokenExpiry decodes the exp claim of a tokenized session. The
// signature is not checked; the API server verifies it on every request.
func sessionTokenExpiry(raw string) (time.Time, error) {
	var claims jwt.RegisteredClaims

	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: decoding session token: %w", autherrors.ErrInvalidToken, err)
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: session token has no exp claim", autherrors.ErrInvalidToken)
	}

	return claims.ExpiresAt.Time, nil
}
