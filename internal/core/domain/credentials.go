package domain

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type TokenScope string

const (
	ScopeInbound  TokenScope = "inbound"
	ScopeOutbound TokenScope = "outbound"
)

// Credentials are supplied by the surrounding application at registration.
type Credentials struct {
	BaseURL     string
	AccessToken string
	Backend     BackendKind
	Scope       TokenScope
	// Identity overrides identity resolution when set.
	Identity UserID
}

// Token is a backend-specific voice/video token issued by the token endpoint.
type Token struct {
	Value    string
	Identity UserID
}

// identityClaims are the JWT claims that may carry the user id, in lookup order.
var identityClaims = []string{
	"sub",
	"nameid",
	"userId",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
}

// ResolveIdentity picks the local identity: explicit credentials first, then
// the token response, then the access token's claims. It never invents one.
func ResolveIdentity(creds Credentials, tok Token) (UserID, error) {
	if !creds.Identity.IsZero() {
		return creds.Identity, nil
	}
	if !tok.Identity.IsZero() {
		return tok.Identity, nil
	}
	id, err := identityFromJWT(creds.AccessToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityUnknown, err)
	}
	return id, nil
}

// identityFromJWT reads the claims of a JWT. The signature is not verified;
// the backend does that, this only recovers the id it asserts.
func identityFromJWT(token string) (UserID, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parsing access token: %w", err)
	}
	for _, name := range identityClaims {
		switch v := claims[name].(type) {
		case string:
			if id := UserID(v); !id.IsZero() {
				return id, nil
			}
		case float64:
			return UserID(fmt.Sprintf("%.0f", v)), nil
		}
	}
	return "", fmt.Errorf("no identity claim in access token")
}
