package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beamline/trove/pkg/observability"
)

// Options configures an Authenticator.
type Options struct {
	Store     *Store
	Issuer    *TokenIssuer
	Providers []Provider
	// DefaultRole is assigned to principals on first login.
	DefaultRole string
	// SessionMaxAge is the absolute lifetime of a session; refreshes
	// past it are refused. Defaults to 30 days.
	SessionMaxAge time.Duration
	Logger        *observability.Logger
}

// Authenticator ties providers, the identity store, and the token
// issuer together.
type Authenticator struct {
	store         *Store
	issuer        *TokenIssuer
	providers     map[string]Provider
	defaultRole   string
	sessionMaxAge time.Duration
	logger        *observability.Logger
}

// TokenPair is the response of a successful authentication or refresh.
type TokenPair struct {
	AccessToken           string `json:"access_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	TokenType             string `json:"token_type"`
}

// New builds an Authenticator.
func New(opts Options) (*Authenticator, error) {
	if opts.Store == nil || opts.Issuer == nil {
		return nil, fmt.Errorf("authenticator requires a store and a token issuer")
	}
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = 30 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	providers := make(map[string]Provider, len(opts.Providers))
	for _, p := range opts.Providers {
		if _, dup := providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		providers[p.Name()] = p
	}
	return &Authenticator{
		store:         opts.Store,
		issuer:        opts.Issuer,
		providers:     providers,
		defaultRole:   opts.DefaultRole,
		sessionMaxAge: opts.SessionMaxAge,
		logger:        opts.Logger,
	}, nil
}

// Store exposes the identity store for admin handlers.
func (a *Authenticator) Store() *Store { return a.store }

// Providers lists the configured provider names.
func (a *Authenticator) Providers() []string {
	out := make([]string, 0, len(a.providers))
	for name := range a.providers {
		out = append(out, name)
	}
	return out
}

// Provider returns a configured provider by name.
func (a *Authenticator) Provider(name string) (Provider, bool) {
	p, ok := a.providers[name]
	return p, ok
}

// LoginWithPassword authenticates a username/password pair against the
// named provider and opens a session.
func (a *Authenticator) LoginWithPassword(ctx context.Context, providerName, username, password string) (*TokenPair, error) {
	p, ok := a.providers[providerName]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	pw, ok := p.(PasswordProvider)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	externalID, err := pw.AuthenticatePassword(ctx, username, password)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return a.openSession(ctx, providerName, externalID)
}

// LoginWithCode completes an authorization code flow against the named
// provider and opens a session.
func (a *Authenticator) LoginWithCode(ctx context.Context, providerName, code string) (*TokenPair, error) {
	p, ok := a.providers[providerName]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	cf, ok := p.(CodeFlowProvider)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	externalID, err := cf.AuthenticateCode(ctx, code)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return a.openSession(ctx, providerName, externalID)
}

// openSession ensures the principal exists, creates a session, and
// mints the first token pair.
func (a *Authenticator) openSession(ctx context.Context, provider, externalID string) (*TokenPair, error) {
	principal, err := a.store.GetOrCreatePrincipal(ctx, provider, externalID, a.defaultRole)
	if err != nil {
		return nil, err
	}
	session, err := a.store.CreateSession(ctx, principal.ID, time.Now().UTC().Add(a.issuer.RefreshLifetime()))
	if err != nil {
		return nil, err
	}
	return a.mintPair(principal, session.UUID, 0)
}

func (a *Authenticator) mintPair(principal *Principal, sid uuid.UUID, refreshCount int64) (*TokenPair, error) {
	scopes := principal.RoleScopes()
	access, refresh, err := a.issuer.MintPair(principal, scopes, sid, refreshCount)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:           access,
		ExpiresIn:             int64(a.issuer.accessLifetime.Seconds()),
		RefreshToken:          refresh,
		RefreshTokenExpiresIn: int64(a.issuer.refreshLifetime.Seconds()),
		TokenType:             "bearer",
	}, nil
}

// Refresh rotates a refresh token: verify signature, load the session,
// check revocation, expiry, and the absolute session age, then bump
// counters and mint a new pair. Any failure after signature
// verification deletes the session so a stolen token cannot be retried.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := a.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	sid, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	session, err := a.store.GetSession(ctx, sid)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	valid := !session.Revoked &&
		session.ExpirationTime.After(now) &&
		now.Sub(session.TimeCreated) < a.sessionMaxAge &&
		claims.Count == session.RefreshCount
	if !valid {
		if err := a.store.DeleteSession(ctx, sid); err != nil {
			a.logger.WithError(err).Warn("failed to delete invalid session")
		}
		return nil, ErrInvalidCredentials
	}

	principal, err := a.store.GetPrincipalByUUID(ctx, mustParseUUID(claims.Subject))
	if err != nil {
		if derr := a.store.DeleteSession(ctx, sid); derr != nil {
			a.logger.WithError(derr).Warn("failed to delete orphaned session")
		}
		return nil, ErrInvalidCredentials
	}

	if err := a.store.BumpSessionRefresh(ctx, session.ID, now); err != nil {
		return nil, err
	}
	return a.mintPair(principal, sid, session.RefreshCount+1)
}

// Logout revokes the session named by a refresh token.
func (a *Authenticator) Logout(ctx context.Context, refreshToken string) error {
	claims, err := a.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return ErrInvalidCredentials
	}
	sid, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return ErrInvalidCredentials
	}
	return a.store.DeleteSession(ctx, sid)
}

// VerifyAccessToken resolves a bearer token to its principal and
// effective scopes.
func (a *Authenticator) VerifyAccessToken(ctx context.Context, raw string) (*Principal, []string, error) {
	claims, err := a.issuer.VerifyAccess(raw)
	if err != nil {
		return nil, nil, ErrInvalidCredentials
	}
	principal, err := a.store.GetPrincipalByUUID(ctx, mustParseUUID(claims.Subject))
	if err != nil {
		return nil, nil, ErrInvalidCredentials
	}
	return principal, claims.Scopes, nil
}

func mustParseUUID(raw string) uuid.UUID {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
