package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MintRequest describes a session token to sign.
type MintRequest struct {
	UserID      string
	Email       string
	DisplayName string
	Roles       []string
	Issuer      string
	SigningKey  []byte
	TTL         time.Duration
}

// Mint signs an HS256 session token the Validator accepts. It backs local tooling;
// production sessions come from the upstream identity service.
func Mint(clock Clock, request MintRequest) (string, time.Time, error) {
	if strings.TrimSpace(request.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("session.mint: %w", ErrMissingUserID)
	}
	if len(request.SigningKey) == 0 {
		return "", time.Time{}, fmt.Errorf("session.mint: %w", ErrMissingSigningKey)
	}
	if request.TTL <= 0 {
		return "", time.Time{}, errors.New("session.mint: ttl must be positive")
	}
	if clock == nil {
		clock = systemClock{}
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(request.TTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:          request.UserID,
		UserEmail:       request.Email,
		UserDisplayName: request.DisplayName,
		UserRoles:       request.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    request.Issuer,
			Subject:   request.UserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(request.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session.mint: %w", err)
	}
	return signed, expiresAt, nil
}
