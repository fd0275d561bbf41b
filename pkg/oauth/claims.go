package oauth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims holds the display-oriented claims extracted from an
// OIDC ID token.
type IdentityClaims struct {
	// Subject is the unique user identifier (sub claim).
	Subject string `json:"sub"`

	// Email is the user's email address (email claim).
	Email string `json:"email"`

	// DisplayName is the user's preferred display name, taken from the
	// name claim with preferred_username as a fallback.
	DisplayName string `json:"name"`
}

// ExtractIdentityClaims decodes the claims of a JWT ID token without
// verifying its signature.
//
// Verification is the job of the OIDC verifier during the token flow;
// this helper exists so identity can be shown for an already-accepted
// (possibly even expired) token without re-contacting the issuer.
func ExtractIdentityClaims(rawIDToken string) (*IdentityClaims, error) {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(rawIDToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token: %w", err)
	}

	identity := &IdentityClaims{}
	if sub, ok := claims["sub"].(string); ok {
		identity.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if name, ok := claims["name"].(string); ok && name != "" {
		identity.DisplayName = name
	} else if username, ok := claims["preferred_username"].(string); ok {
		identity.DisplayName = username
	}

	return identity, nil
}
