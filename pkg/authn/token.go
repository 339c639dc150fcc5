package authn

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload issued for a kernel Principal.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// TokenManager issues and validates tokens bound to a KeySet.
type TokenManager struct {
	keySet KeySet
	issuer string
}

// NewTokenManager constructs a TokenManager over ks. issuer is stamped
// into every issued token's iss claim.
func NewTokenManager(ks KeySet, issuer string) *TokenManager {
	return &TokenManager{keySet: ks, issuer: issuer}
}

// IssueToken signs a token for p, valid for ttl.
func (tm *TokenManager) IssueToken(p *Principal, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tm.issuer,
		},
		Roles: p.Roles,
	}
	return tm.keySet.Sign(context.Background(), claims)
}

// ValidateToken parses and verifies tokenStr, returning the Principal it
// authenticates.
func (tm *TokenManager) ValidateToken(tokenStr string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, tm.keySet.KeyFunc())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return &Principal{ID: claims.Subject, Roles: claims.Roles}, nil
}
