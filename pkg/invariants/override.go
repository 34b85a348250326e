package invariants

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingToken = errors.New("no override token attached")
	errNoVerifier   = errors.New("override tokens are not accepted")

	ErrOverrideInvalid = errors.New("override token invalid")
)

// OverrideClaims are the claims of an override artifact.
type OverrideClaims struct {
	jwt.RegisteredClaims
	Unit    string `json:"unit"`
	Purpose string `json:"purpose"`
}

// OverrideVerifier checks HMAC-signed override artifacts.
type OverrideVerifier struct {
	key []byte
}

// NewOverrideVerifier creates a verifier for tokens signed with key.
func NewOverrideVerifier(key []byte) (*OverrideVerifier, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("override signing key must be at least 32 bytes, got %d", len(key))
	}
	return &OverrideVerifier{key: key}, nil
}

// Verify checks token for unit and purpose, evaluated at the instant at.
// Passing the request's submission time keeps evaluation clock-free.
func (v *OverrideVerifier) Verify(token, unit, purpose string, at time.Time) (*OverrideClaims, error) {
	claims := &OverrideClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return at }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOverrideInvalid, err)
	}
	if claims.Unit != unit {
		return nil, fmt.Errorf("%w: issued for unit %q", ErrOverrideInvalid, claims.Unit)
	}
	if claims.Purpose != purpose {
		return nil, fmt.Errorf("%w: issued for purpose %q", ErrOverrideInvalid, claims.Purpose)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrOverrideInvalid)
	}
	return claims, nil
}

// Issue signs an override for unit and purpose on behalf of subject.
func (v *OverrideVerifier) Issue(subject, unit, purpose string, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := OverrideClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		Unit:    unit,
		Purpose: purpose,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
