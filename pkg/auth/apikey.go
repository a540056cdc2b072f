package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// apiKeySecretBytes sizes the random secret; 32 bytes renders as 64
// hex characters, the first eight of which are the display prefix.
const apiKeySecretBytes = 32

// GenerateAPIKeySecret produces a fresh random secret and its stored
// form. The hex secret is returned to the caller exactly once.
func GenerateAPIKeySecret() (secret, firstEight string, hashed []byte, err error) {
	raw := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", nil, fmt.Errorf("failed to generate api key secret: %w", err)
	}
	secret = hex.EncodeToString(raw)
	digest := sha256.Sum256(raw)
	return secret, secret[:8], digest[:], nil
}

// CreateAPIKey mints a key for the principal. scopes may narrow the
// principal's role scopes; nil inherits them unchanged. The returned
// string is the only copy of the secret.
func (a *Authenticator) CreateAPIKey(ctx context.Context, principal *Principal, scopes, accessTags []string, note string, expiration *time.Time) (string, *APIKey, error) {
	secret, firstEight, hashed, err := GenerateAPIKeySecret()
	if err != nil {
		return "", nil, err
	}
	key := &APIKey{
		FirstEight:     firstEight,
		HashedSecret:   hashed,
		PrincipalID:    principal.ID,
		Scopes:         scopes,
		AccessTags:     accessTags,
		Note:           note,
		ExpirationTime: expiration,
	}
	if key.Scopes == nil {
		key.Scopes = principal.RoleScopes()
	}
	if err := a.store.InsertAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return secret, key, nil
}

// VerifyAPIKey resolves a presented secret to its principal and the
// key's effective scopes. Candidates are narrowed by the display
// prefix, then the hash comparison is constant-time. Expiration and
// principal existence are checked and activity stamped on every use.
func (a *Authenticator) VerifyAPIKey(ctx context.Context, secret string) (*Principal, *APIKey, []string, error) {
	if len(secret) < 8 {
		return nil, nil, nil, ErrInvalidCredentials
	}
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, nil, nil, ErrInvalidCredentials
	}
	digest := sha256.Sum256(raw)

	candidates, err := a.store.APIKeysByFirstEight(ctx, secret[:8])
	if err != nil {
		return nil, nil, nil, err
	}
	now := time.Now().UTC()
	for i := range candidates {
		key := &candidates[i]
		if subtle.ConstantTimeCompare(key.HashedSecret, digest[:]) != 1 {
			continue
		}
		if key.ExpirationTime != nil && key.ExpirationTime.Before(now) {
			return nil, nil, nil, ErrInvalidCredentials
		}
		principal, err := a.store.GetPrincipalByID(ctx, key.PrincipalID)
		if err != nil {
			return nil, nil, nil, ErrInvalidCredentials
		}
		if err := a.store.TouchAPIKey(ctx, key.ID, now); err != nil {
			a.logger.WithError(err).Warn("failed to record api key activity")
		}
		effective := IntersectScopes(principal.RoleScopes(), key.Scopes)
		return principal, key, effective, nil
	}
	return nil, nil, nil, ErrInvalidCredentials
}
