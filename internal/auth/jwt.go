// Package auth provides JWT validation using JWKS.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims for browser session access.
type Claims struct {
	jwt.RegisteredClaims
	SessionScope string `json:"sessionScope,omitempty"`
}

// JWTValidator validates JWTs using a remote JWKS endpoint.
type JWTValidator struct {
	jwks     keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewJWTValidator creates a validator that fetches and caches keys from
// the JWKS endpoint. An empty audience disables the audience check.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{
		jwks:     k,
		audience: audience,
		issuer:   issuer,
	}, nil
}

// Validate validates a JWT token and returns the claims if valid.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	iss, err := claims.GetIssuer()
	if err != nil {
		return nil, fmt.Errorf("failed to get issuer: %w", err)
	}
	if iss != v.issuer {
		return nil, fmt.Errorf("invalid issuer")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("failed to get audience: %w", err)
		}
		audienceValid := false
		for _, a := range aud {
			if a == v.audience {
				audienceValid = true
				break
			}
		}
		if !audienceValid {
			return nil, fmt.Errorf("invalid audience")
		}
	}

	return claims, nil
}

// GetUserID extracts the user ID from validated claims.
func (v *JWTValidator) GetUserID(claims *Claims) string {
	return claims.Subject
}
