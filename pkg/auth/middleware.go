package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/beamline/trove/pkg/contextkeys"
)

// RequestAuth is the resolved authentication state of one request,
// stored in the request context by Middleware.
type RequestAuth struct {
	Principal *Principal
	// Scopes are the effective scopes of the credential used: role
	// scopes for bearer tokens, the key/role intersection for API keys,
	// nil for anonymous requests.
	Scopes []string
	// APIKey is set when the request authenticated by key.
	APIKey *APIKey
}

// Identifier returns the policy identifier, or "" for anonymous.
func (ra *RequestAuth) Identifier() string {
	if ra == nil || ra.Principal == nil {
		return ""
	}
	return ra.Principal.Identifier()
}

// FromContext retrieves the request's authentication state.
func FromContext(ctx context.Context) *RequestAuth {
	if ra, ok := ctx.Value(contextkeys.AuthKey).(*RequestAuth); ok {
		return ra
	}
	return nil
}

// Middleware resolves Authorization credentials to a RequestAuth.
// Supported schemes: "Bearer <access token>" and "Apikey <secret>"; an
// "api_key" query parameter is honored for clients that cannot set
// headers. Requests without credentials pass through anonymous; routes
// that need scopes reject downstream.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ra, err := a.resolveRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="trove"`)
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}
		ctx := contextkeys.WithAuth(r.Context(), ra)
		if ra.Principal != nil {
			ctx = contextkeys.WithPrincipalID(ctx, ra.Principal.UUID.String())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) resolveRequest(r *http.Request) (*RequestAuth, error) {
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		principal, scopes, err := a.VerifyAccessToken(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			return nil, err
		}
		return &RequestAuth{Principal: principal, Scopes: scopes}, nil
	case strings.HasPrefix(header, "Apikey "):
		principal, key, scopes, err := a.VerifyAPIKey(r.Context(), strings.TrimPrefix(header, "Apikey "))
		if err != nil {
			return nil, err
		}
		return &RequestAuth{Principal: principal, Scopes: scopes, APIKey: key}, nil
	}
	if secret := r.URL.Query().Get("api_key"); secret != "" {
		principal, key, scopes, err := a.VerifyAPIKey(r.Context(), secret)
		if err != nil {
			return nil, err
		}
		return &RequestAuth{Principal: principal, Scopes: scopes, APIKey: key}, nil
	}
	return &RequestAuth{}, nil
}

// CSRF cookie, header, and query parameter names.
const (
	CSRFCookieName = "trove_csrf"
	CSRFHeaderName = "X-CSRF"
	CSRFQueryParam = "csrf"
)

// sensitiveCookies are the cookies whose presence makes a mutating
// request require CSRF proof.
var sensitiveCookies = []string{CSRFCookieName, "trove_refresh_token"}

// SetCSRFCookie issues a fresh CSRF token cookie. The token is an
// opaque 32-byte random value, hex encoded.
func SetCSRFCookie(w http.ResponseWriter, secure bool) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

// CSRFMiddleware enforces double-submit CSRF protection: a mutating
// request carrying a sensitive cookie must also present the CSRF token
// in a header or query parameter matching the CSRF cookie. Safe
// methods and cookie-less requests (API clients) bypass.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			// Seed browser clients that have no token yet.
			if _, err := r.Cookie(CSRFCookieName); err != nil {
				if _, serr := SetCSRFCookie(w, r.TLS != nil); serr != nil {
					http.Error(w, "Internal server error", http.StatusInternalServerError)
					return
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		sensitive := false
		for _, name := range sensitiveCookies {
			if _, err := r.Cookie(name); err == nil {
				sensitive = true
				break
			}
		}
		if !sensitive {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(CSRFCookieName)
		if err != nil {
			http.Error(w, ErrCSRFMismatch.Error(), http.StatusForbidden)
			return
		}
		presented := r.Header.Get(CSRFHeaderName)
		if presented == "" {
			presented = r.URL.Query().Get(CSRFQueryParam)
		}
		if presented == "" ||
			subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(presented)) != 1 {
			http.Error(w, ErrCSRFMismatch.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
