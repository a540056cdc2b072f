// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains the authenticated request state (*auth.RequestAuth).
	// Set by: auth middleware (pkg/auth/middleware.go)
	// Required by: every protected route, policy filter construction
	AuthKey Key = "auth_context"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, Server-Timing diagnostics
	RequestIDKey Key = "request_id"

	// PrincipalIDKey contains the principal UUID string
	// Set by: auth middleware after credential resolution
	// Used by: logger, catalog audit columns
	PrincipalIDKey Key = "principal_id"

	// LoggerKey contains *observability.Logger
	// Set by: logging middleware
	LoggerKey Key = "logger"
)

// WithAuth adds the authenticated request state to the context
func WithAuth(ctx context.Context, authState interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authState)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithPrincipalID adds the principal UUID to the context
func WithPrincipalID(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, PrincipalIDKey, principalID)
}

// RequestID retrieves the request ID from the context, or "" when unset
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}

// PrincipalID retrieves the principal UUID from the context, or "" when unset
func PrincipalID(ctx context.Context) string {
	if v, ok := ctx.Value(PrincipalIDKey).(string); ok {
		return v
	}
	return ""
}
