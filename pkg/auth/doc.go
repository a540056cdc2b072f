// Package auth provides authentication for the trove server: identity
// providers, token issuance, the credential store, and the HTTP
// middleware that resolves a request to a principal.
//
// # Principals and sessions
//
// A Principal is a user or service account. External identities
// (provider + external ID pairs) map onto principals; the first login
// through any provider creates the principal with the configured
// default role. Roles carry scope lists and live in the same database
// as the catalog.
//
// A login opens a Session and returns a TokenPair: a short-lived JWT
// access token and a single-use refresh token. Refreshing rotates the
// refresh token; presenting a superseded one revokes the whole session.
// Sessions also carry an absolute expiration that no amount of
// refreshing extends.
//
// # Providers
//
// StaticPasswordProvider authenticates against an in-memory table of
// sha256 password digests. OIDCProvider exchanges an authorization
// code with an external issuer. Providers only establish identity;
// scopes always come from the principal's roles.
//
// # API keys
//
// API keys are long-lived credentials for automation. The secret is
// returned exactly once at creation; only its sha256 hash is stored,
// and lookups go through the key's first eight characters. A key may
// narrow (never widen) the owner's scopes.
//
// # Request resolution
//
// Authenticator.Middleware inspects the Authorization header ("Bearer"
// access tokens, "Apikey" secrets) and attaches a RequestAuth to the
// context. CSRFMiddleware enforces the double-submit cookie check for
// cookie-authenticated unsafe requests.
package auth
