package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// AccessClaims is the payload of an access token. Premium is evaluated once at
// mint time and is not refreshed until the next mint.
type AccessClaims struct {
	Type        string `json:"typ"`
	PrincipalID string `json:"pid"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	Premium     bool   `json:"premium"`
	jwt.RegisteredClaims
}

func (c *AccessClaims) validate() error {
	if c.Type != typeAccess {
		return fmt.Errorf("%w: token type %q is not access", ErrMalformedToken, c.Type)
	}
	if strings.TrimSpace(c.PrincipalID) == "" {
		return fmt.Errorf("%w: missing principal id", ErrMalformedToken)
	}
	if c.ExpiresAt == nil || c.IssuedAt == nil {
		return fmt.Errorf("%w: missing lifetime claims", ErrMalformedToken)
	}
	return nil
}

// AccessIssuer mints and verifies access tokens with the ClassAccess keys of a Provider.
type AccessIssuer struct {
	keys *Provider
}

// NewAccessIssuer binds an issuer to keys.
func NewAccessIssuer(keys *Provider) (*AccessIssuer, error) {
	if keys == nil {
		return nil, errors.New("access issuer requires a key provider")
	}
	return &AccessIssuer{keys: keys}, nil
}

// TTL returns the access token lifetime.
func (a *AccessIssuer) TTL() time.Duration {
	return a.keys.TTL(ClassAccess)
}

// Mint signs an access token for the given principal snapshot.
func (a *AccessIssuer) Mint(principalID, email, role string, premiumUntil time.Time) (string, error) {
	if strings.TrimSpace(principalID) == "" {
		return "", errors.New("principal id required")
	}

	now := a.keys.Now()
	claims := &AccessClaims{
		Type:        typeAccess,
		PrincipalID: principalID,
		Email:       email,
		Role:        role,
		Premium:     premiumUntil.After(now),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   principalID,
			Issuer:    a.keys.Issuer(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.keys.TTL(ClassAccess))),
		},
	}

	return a.keys.Sign(ClassAccess, claims)
}

// Verify checks signature and expiry and returns the decoded claims. It performs
// no storage lookup.
func (a *AccessIssuer) Verify(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := a.keys.Verify(ClassAccess, tokenStr, claims); err != nil {
		return nil, err
	}
	if err := claims.validate(); err != nil {
		return nil, err
	}
	return claims, nil
}
