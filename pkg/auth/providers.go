package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider authenticates external credentials and yields the identity
// to federate. The server is provider-agnostic past this interface.
type Provider interface {
	Name() string
}

// PasswordProvider authenticates a username/password pair.
type PasswordProvider interface {
	Provider
	AuthenticatePassword(ctx context.Context, username, password string) (externalID string, err error)
}

// CodeFlowProvider exchanges an authorization code for an identity.
type CodeFlowProvider interface {
	Provider
	AuthenticateCode(ctx context.Context, code string) (externalID string, err error)
	AuthURL(state string) string
}

// StaticPasswordProvider verifies against an in-config map of
// username to sha256(password). Useful for single-user deployments and
// tests; production deployments front an external directory.
type StaticPasswordProvider struct {
	ProviderName string
	// Users maps username to the sha256 digest of the password.
	Users map[string][32]byte
}

// HashPassword digests a password for StaticPasswordProvider.Users.
func HashPassword(password string) [32]byte {
	return sha256.Sum256([]byte(password))
}

func (p *StaticPasswordProvider) Name() string { return p.ProviderName }

func (p *StaticPasswordProvider) AuthenticatePassword(ctx context.Context, username, password string) (string, error) {
	stored, ok := p.Users[username]
	digest := sha256.Sum256([]byte(password))
	// Compare even for unknown users to keep timing uniform.
	match := subtle.ConstantTimeCompare(stored[:], digest[:]) == 1
	if !ok || !match {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// OIDCProvider federates identities through an OpenID Connect issuer
// using the authorization code flow.
type OIDCProvider struct {
	name     string
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
}

// OIDCOptions configures an OIDCProvider.
type OIDCOptions struct {
	Name         string
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// NewOIDCProvider discovers the issuer's endpoints and builds the
// provider.
func NewOIDCProvider(ctx context.Context, opts OIDCOptions) (*OIDCProvider, error) {
	issuer, err := oidc.NewProvider(ctx, opts.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer: %w", err)
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &OIDCProvider{
		name:     opts.Name,
		verifier: issuer.Verifier(&oidc.Config{ClientID: opts.ClientID}),
		oauth: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Endpoint:     issuer.Endpoint(),
			Scopes:       scopes,
		},
	}, nil
}

func (p *OIDCProvider) Name() string { return p.name }

// AuthURL returns the issuer's authorization URL for the given state.
func (p *OIDCProvider) AuthURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// AuthenticateCode exchanges the authorization code, verifies the ID
// token, and returns the subject as the external identity.
func (p *OIDCProvider) AuthenticateCode(ctx context.Context, code string) (string, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return "", ErrInvalidCredentials
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", ErrInvalidCredentials
	}

	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to decode ID token claims: %w", err)
	}
	switch {
	case claims.PreferredUsername != "":
		return claims.PreferredUsername, nil
	case claims.Email != "":
		return claims.Email, nil
	default:
		return idToken.Subject, nil
	}
}
