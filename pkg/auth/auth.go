// Package auth implements the identity core: principals federated from
// multiple providers, server-side sessions with rotating refresh
// tokens, scoped API keys, and the middleware that resolves a request
// to a principal and its effective scopes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PrincipalType distinguishes interactive users from service accounts.
type PrincipalType string

const (
	PrincipalTypeUser PrincipalType = "user"
	// PrincipalTypeService principals have no identities and
	// authenticate only by API key.
	PrincipalTypeService PrincipalType = "service"
)

// Principal is an identity subject.
type Principal struct {
	ID          int64         `json:"-"`
	UUID        uuid.UUID     `json:"uuid"`
	Type        PrincipalType `json:"type"`
	Identities  []Identity    `json:"identities,omitempty"`
	Roles       []Role        `json:"roles,omitempty"`
	TimeCreated time.Time     `json:"time_created"`
	TimeUpdated time.Time     `json:"time_updated"`
}

// Identifier returns the principal's policy identifier: the external id
// of its first identity, or the UUID string for service principals.
func (p *Principal) Identifier() string {
	if len(p.Identities) > 0 {
		return p.Identities[0].ExternalID
	}
	return p.UUID.String()
}

// RoleScopes returns the union of the principal's role scopes.
func (p *Principal) RoleScopes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, role := range p.Roles {
		for _, scope := range role.Scopes {
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			out = append(out, scope)
		}
	}
	return out
}

// Identity links a principal to one provider account. The
// (provider, external_id) pair is unique globally.
type Identity struct {
	ID          int64     `json:"-"`
	Provider    string    `json:"provider"`
	ExternalID  string    `json:"id"`
	TimeCreated time.Time `json:"time_created"`
}

// Role is a named set of scopes.
type Role struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// Session is the chain of refresh tokens issued from one
// authentication.
type Session struct {
	ID                int64     `json:"-"`
	UUID              uuid.UUID `json:"uuid"`
	PrincipalID       int64     `json:"-"`
	ExpirationTime    time.Time `json:"expiration_time"`
	Revoked           bool      `json:"revoked"`
	RefreshCount      int64     `json:"refresh_count"`
	TimeCreated       time.Time `json:"time_created"`
	TimeLastRefreshed time.Time `json:"time_last_refreshed"`
}

// APIKey is a scoped long-lived credential. The hashed secret never
// leaves the server.
type APIKey struct {
	ID             int64      `json:"-"`
	FirstEight     string     `json:"first_eight"`
	HashedSecret   []byte     `json:"-"`
	PrincipalID    int64      `json:"-"`
	Scopes         []string   `json:"scopes"`
	AccessTags     []string   `json:"access_tags,omitempty"`
	Note           string     `json:"note,omitempty"`
	ExpirationTime *time.Time `json:"expiration_time,omitempty"`
	LatestActivity *time.Time `json:"latest_activity,omitempty"`
	TimeCreated    time.Time  `json:"time_created"`
}

// ErrInvalidCredentials covers every authentication failure the client
// should not be able to distinguish: bad password, bad token signature,
// revoked or expired session, unknown API key.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrPrincipalNotFound signals a lookup of a missing principal.
var ErrPrincipalNotFound = errors.New("principal not found")

// ErrCSRFMismatch signals a cookie-bearing mutating request without a
// matching CSRF token.
var ErrCSRFMismatch = errors.New("CSRF token missing or mismatched")

// IntersectScopes returns the intersection of the principal's role
// scopes and the credential's own scopes. A credential with no scope
// set of its own inherits the role scopes unchanged.
func IntersectScopes(roleScopes, credentialScopes []string) []string {
	if credentialScopes == nil {
		return roleScopes
	}
	allowed := make(map[string]struct{}, len(roleScopes))
	for _, s := range roleScopes {
		allowed[s] = struct{}{}
	}
	out := []string{}
	for _, s := range credentialScopes {
		if _, ok := allowed[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// HasScope reports whether scope is present in scopes.
func HasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RequireScopes verifies every wanted scope is held.
func RequireScopes(held []string, wanted ...string) error {
	for _, w := range wanted {
		if !HasScope(held, w) {
			return fmt.Errorf("missing required scope %q", w)
		}
	}
	return nil
}
