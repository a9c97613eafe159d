package jwt

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrEthical07/goRotate/internal"
)

// RefreshClaims is the payload of a refresh token. It identifies a ledger record;
// the ledger, not the token, decides whether the record may be redeemed.
type RefreshClaims struct {
	Type        string `json:"typ"`
	TokenID     string `json:"tid"`
	FamilyID    string `json:"fid"`
	PrincipalID string `json:"pid"`
	jwt.RegisteredClaims
}

func (c *RefreshClaims) validate() error {
	if c.Type != typeRefresh {
		return fmt.Errorf("%w: token type %q is not refresh", ErrMalformedToken, c.Type)
	}
	if strings.TrimSpace(c.TokenID) == "" || strings.TrimSpace(c.FamilyID) == "" || strings.TrimSpace(c.PrincipalID) == "" {
		return fmt.Errorf("%w: missing refresh identifiers", ErrMalformedToken)
	}
	if !internal.ValidID(c.TokenID) || !internal.ValidID(c.FamilyID) {
		return fmt.Errorf("%w: refresh identifiers must be UUIDs", ErrMalformedToken)
	}
	if c.ID != c.TokenID {
		return fmt.Errorf("%w: jti does not match token id", ErrMalformedToken)
	}
	return nil
}

// SignRefresh signs a refresh token for the given record identity with the
// ClassRefresh keys. issuedAt and expiresAt must match the ledger record.
func SignRefresh(keys *Provider, tokenID, familyID, principalID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := &RefreshClaims{
		Type:        typeRefresh,
		TokenID:     tokenID,
		FamilyID:    familyID,
		PrincipalID: principalID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   principalID,
			Issuer:    keys.Issuer(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if err := claims.validate(); err != nil {
		return "", err
	}
	return keys.Sign(ClassRefresh, claims)
}

// ParseRefresh verifies a refresh token and returns its validated claims.
func ParseRefresh(keys *Provider, tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := keys.Verify(ClassRefresh, tokenStr, claims); err != nil {
		return nil, err
	}
	if err := claims.validate(); err != nil {
		return nil, err
	}
	return claims, nil
}
