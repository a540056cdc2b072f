// Package httputil provides HTTP plumbing shared by every route:
// JSON response helpers, request parsing, the standard middleware chain
// (request ID, logging, recovery, metrics, body limits), and the
// compression middleware that gates encoding on payload size and
// achieved ratio.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, payload)
//	httputil.WriteNotFoundError(w, "no such node")
//	httputil.WriteConflict(w, "key already exists")
//
// # Request Parsing
//
//	var req CreateNodeRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // error response already written
//	}
//	limit, err := httputil.ParseQueryInt(r, "page[limit]", 100)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(),
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MetricsMiddleware(metrics),
//		httputil.CompressionMiddleware(500, metrics),
//	)
package httputil
