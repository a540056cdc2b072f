// Package server wires the catalog, policy engine, and authenticator
// into HTTP routes: metadata and search with JSON:API pagination,
// content-negotiated array and table reads with ETags, node lifecycle,
// and the authentication endpoints.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/beamline/trove/pkg/auth"
	"github.com/beamline/trove/pkg/cache"
	"github.com/beamline/trove/pkg/catalog"
	"github.com/beamline/trove/pkg/httputil"
	"github.com/beamline/trove/pkg/observability"
	"github.com/beamline/trove/pkg/policy"
	"github.com/beamline/trove/pkg/query"
)

// Options configures a Server.
type Options struct {
	Store   *catalog.Store
	Policy  *policy.Policy
	Auth    *auth.Authenticator
	Queries *query.Registry
	// Cache holds serialized chunk payloads; nil disables caching.
	Cache   *cache.Cache
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// AllowAnonymous lets unauthenticated requests through to the
	// policy layer (where they see only public-tagged nodes).
	AllowAnonymous bool
	// CompressionThreshold is the smallest body worth compressing.
	CompressionThreshold int
	// MaxBodyBytes bounds request bodies. Defaults to 10 MiB.
	MaxBodyBytes int64
}

// Server handles the /api/v1 surface.
type Server struct {
	store       *catalog.Store
	policy      *policy.Policy
	auth        *auth.Authenticator
	queries     *query.Registry
	cache       *cache.Cache
	logger      *observability.Logger
	metrics     *observability.Metrics
	serializers *SerializerRegistry

	allowAnonymous bool
	threshold      int
	maxBodyBytes   int64
}

// New builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Policy == nil || opts.Auth == nil {
		return nil, fmt.Errorf("server requires a store, a policy, and an authenticator")
	}
	if opts.Queries == nil {
		opts.Queries = query.DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	return &Server{
		store:          opts.Store,
		policy:         opts.Policy,
		auth:           opts.Auth,
		queries:        opts.Queries,
		cache:          opts.Cache,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		serializers:    NewSerializerRegistry(),
		allowAnonymous: opts.AllowAnonymous,
		threshold:      opts.CompressionThreshold,
		maxBodyBytes:   opts.MaxBodyBytes,
	}, nil
}

// Serializers exposes the registry so adapters can install additional
// media types at startup.
func (s *Server) Serializers() *SerializerRegistry { return s.serializers }

// Handler returns the fully wired HTTP handler: routed endpoints inside
// the standard middleware chain, wrapped for tracing.
func (s *Server) Handler() http.Handler {
	router := s.Router()
	chain := httputil.Chain(
		httputil.RequestIDMiddleware(),
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.MetricsMiddleware(s.metrics),
		auth.CSRFMiddleware,
		s.auth.Middleware,
		httputil.CompressionMiddleware(s.threshold, s.metrics),
		httputil.MaxBytesMiddleware(s.maxBodyBytes),
	)
	return otelhttp.NewHandler(chain(router), "trove")
}

// Router returns the bare route table without middleware; tests attach
// exactly the middleware under test.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("", s.handleAbout).Methods(http.MethodGet)
	api.HandleFunc("/", s.handleAbout).Methods(http.MethodGet)

	api.HandleFunc("/metadata", s.handleGetMetadata).Methods(http.MethodGet)
	api.HandleFunc("/metadata/{path:.*}", s.handleGetMetadata).Methods(http.MethodGet)
	api.HandleFunc("/metadata/{path:.*}", s.handlePatchMetadata).Methods(http.MethodPatch)

	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/search/{path:.*}", s.handleSearch).Methods(http.MethodGet)

	api.HandleFunc("/distinct", s.handleDistinct).Methods(http.MethodGet)
	api.HandleFunc("/distinct/{path:.*}", s.handleDistinct).Methods(http.MethodGet)

	api.HandleFunc("/array/block/{path:.*}", s.handleArrayBlock).Methods(http.MethodGet)
	api.HandleFunc("/array/full/{path:.*}", s.handleArrayFull).Methods(http.MethodGet)
	api.HandleFunc("/table/partition/{path:.*}", s.handleTablePartition).Methods(http.MethodGet)
	api.HandleFunc("/table/full/{path:.*}", s.handleTableFull).Methods(http.MethodGet)

	api.HandleFunc("/nodes/{path:.*}", s.handleCreateNode).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{path:.*}", s.handleDeleteNode).Methods(http.MethodDelete)
	api.HandleFunc("/tree/{path:.*}", s.handleDeleteTree).Methods(http.MethodDelete)

	api.HandleFunc("/revisions/{path:.*}", s.handleListRevisions).Methods(http.MethodGet)
	api.HandleFunc("/revisions/{path:.*}", s.handleDeleteRevision).Methods(http.MethodDelete)

	authAPI := api.PathPrefix("/auth").Subrouter()
	authAPI.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	authAPI.HandleFunc("/provider/{provider}/token", s.handlePasswordLogin).Methods(http.MethodPost)
	authAPI.HandleFunc("/provider/{provider}/code", s.handleCodeLogin).Methods(http.MethodPost)
	authAPI.HandleFunc("/session/refresh", s.handleRefresh).Methods(http.MethodPost)
	authAPI.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	authAPI.HandleFunc("/whoami", s.handleWhoami).Methods(http.MethodGet)
	authAPI.HandleFunc("/apikey", s.handleCreateAPIKey).Methods(http.MethodPost)
	authAPI.HandleFunc("/apikey", s.handleListAPIKeys).Methods(http.MethodGet)
	authAPI.HandleFunc("/apikey", s.handleDeleteAPIKey).Methods(http.MethodDelete)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"api_version":    1,
		"queries":        s.queries.Names(),
		"authentication": s.auth.Providers(),
	})
}

// pathSegments splits the {path:.*} route variable into key segments.
func pathSegments(r *http.Request) []string {
	raw := mux.Vars(r)["path"]
	if raw == "" {
		return nil
	}
	var segments []string
	for _, part := range strings.Split(raw, "/") {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// requestAuth resolves the request's authentication state, rejecting
// anonymous requests unless the server allows them.
func (s *Server) requestAuth(r *http.Request) (*auth.RequestAuth, error) {
	ra := auth.FromContext(r.Context())
	if ra == nil {
		ra = &auth.RequestAuth{}
	}
	if ra.Principal == nil && !s.allowAnonymous {
		return nil, errAuthRequired
	}
	return ra, nil
}

// effectiveScopes intersects what the node's blob grants the principal
// with what the credential carries. Anonymous requests are capped at
// the read scopes public tags can grant.
func (s *Server) effectiveScopes(ra *auth.RequestAuth, blob *catalog.AccessBlob) []string {
	allowed := s.policy.AllowedScopes(blob, ra.Identifier(), ra.Scopes)
	if ra.Principal != nil {
		return auth.IntersectScopes(allowed, ra.Scopes)
	}
	return auth.IntersectScopes(allowed, []string{"read:metadata", "read:data"})
}

// authorize checks one required scope against a node's blob.
func (s *Server) authorize(ra *auth.RequestAuth, blob *catalog.AccessBlob, scope string) error {
	if auth.HasScope(s.effectiveScopes(ra, blob), scope) {
		return nil
	}
	return policy.ErrNoAccess
}

// resolveBlob finds the access blob governing a path: the blob of the
// deepest catalog node on it. Paths extending into an adapter's virtual
// subtree inherit the blob of the backing node.
func (s *Server) resolveBlob(r *http.Request, segments []string) (*catalog.AccessBlob, error) {
	for i := len(segments); i >= 0; i-- {
		node, err := s.store.GetNode(r.Context(), segments[:i])
		if err == nil {
			return node.AccessBlob, nil
		}
		var notFound *catalog.ErrNotFound
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return nil, &catalog.ErrNotFound{Path: "/" + strings.Join(segments, "/")}
}
