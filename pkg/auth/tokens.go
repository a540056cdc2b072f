package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IdentityClaim is the provider/id pair embedded in access tokens.
type IdentityClaim struct {
	Provider string `json:"idp"`
	ID       string `json:"id"`
}

// AccessClaims is the payload of a short-lived access token.
type AccessClaims struct {
	Identities []IdentityClaim `json:"ids"`
	Scopes     []string        `json:"scp"`
	SessionID  string          `json:"sid"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token: enough to find the
// session plus the rotation counter, so only the latest token in the
// chain verifies.
type RefreshClaims struct {
	SessionID string `json:"sid"`
	Count     int64  `json:"cnt"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies the JWT pair. Keys is an ordered
// list: the first signs, all verify, permitting rotation by prepending
// a new key while old tokens age out.
type TokenIssuer struct {
	keys            [][]byte
	accessLifetime  time.Duration
	refreshLifetime time.Duration
}

// NewTokenIssuer creates an issuer from at least one signing key.
func NewTokenIssuer(keys [][]byte, accessLifetime, refreshLifetime time.Duration) (*TokenIssuer, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("token issuer requires at least one signing key")
	}
	if accessLifetime <= 0 {
		accessLifetime = 15 * time.Minute
	}
	if refreshLifetime <= 0 {
		refreshLifetime = 7 * 24 * time.Hour
	}
	return &TokenIssuer{
		keys:            keys,
		accessLifetime:  accessLifetime,
		refreshLifetime: refreshLifetime,
	}, nil
}

// RefreshLifetime reports how long refresh tokens remain valid.
func (t *TokenIssuer) RefreshLifetime() time.Duration { return t.refreshLifetime }

// MintPair issues a fresh access and refresh token for the principal
// and session. refreshCount is embedded in the refresh token so stale
// tokens from earlier in the chain no longer rotate.
func (t *TokenIssuer) MintPair(principal *Principal, scopes []string, sid uuid.UUID, refreshCount int64) (access, refresh string, err error) {
	now := time.Now().UTC()

	identities := make([]IdentityClaim, len(principal.Identities))
	for i, ident := range principal.Identities {
		identities[i] = IdentityClaim{Provider: ident.Provider, ID: ident.ExternalID}
	}

	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Identities: identities,
		Scopes:     scopes,
		SessionID:  sid.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.UUID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessLifetime)),
		},
	})
	access, err = accessToken.SignedString(t.keys[0])
	if err != nil {
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		SessionID: sid.String(),
		Count:     refreshCount,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.UUID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.refreshLifetime)),
		},
	})
	refresh, err = refreshToken.SignedString(t.keys[0])
	if err != nil {
		return "", "", fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return access, refresh, nil
}

// parseWithKeys tries every verification key in order.
func (t *TokenIssuer) parseWithKeys(raw string, claims jwt.Claims) error {
	var lastErr error
	for _, key := range t.keys {
		key := key
		_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return key, nil
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// VerifyAccess parses and verifies an access token.
func (t *TokenIssuer) VerifyAccess(raw string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := t.parseWithKeys(raw, &claims); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &claims, nil
}

// VerifyRefresh parses and verifies a refresh token.
func (t *TokenIssuer) VerifyRefresh(raw string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := t.parseWithKeys(raw, &claims); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &claims, nil
}
