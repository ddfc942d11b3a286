package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a Settld bearer token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes,omitempty"`
}

// IssueToken signs a bearer token for subject in tenantID carrying scopes.
func IssueToken(ks KeySet, subject, tenantID string, scopes []Scope, ttl time.Duration, now time.Time) (string, error) {
	if subject == "" || tenantID == "" {
		return "", fmt.Errorf("auth: token needs subject and tenant")
	}
	strs := make([]string, len(scopes))
	for i, s := range scopes {
		strs[i] = string(s)
	}
	return ks.Sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "settld",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Scopes:   strs,
	})
}

// Validator turns bearer tokens back into principals.
type Validator struct {
	keys KeySet
}

func NewValidator(ks KeySet) *Validator {
	if ks == nil {
		return nil
	}
	return &Validator{keys: ks}
}

// Validate parses and verifies a token. Subject and tenant binding are
// mandatory; unknown scope strings are dropped rather than rejected, so old
// tokens survive a scope rename.
func (v *Validator) Validate(tokenStr string) (*Principal, error) {
	if v == nil {
		return nil, fmt.Errorf("auth: validator not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keys.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token subject required")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("auth: token tenant binding required")
	}

	var scopes []Scope
	for _, s := range claims.Scopes {
		if ValidScope(s) {
			scopes = append(scopes, Scope(s))
		}
	}
	return &Principal{
		Kind:     KindUser,
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		Scopes:   scopes,
	}, nil
}
