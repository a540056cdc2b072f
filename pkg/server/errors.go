package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/beamline/trove/pkg/auth"
	"github.com/beamline/trove/pkg/catalog"
	"github.com/beamline/trove/pkg/httputil"
	"github.com/beamline/trove/pkg/observability"
	"github.com/beamline/trove/pkg/policy"
	"github.com/beamline/trove/pkg/query"
	"github.com/beamline/trove/pkg/structures"
)

// errAuthRequired rejects anonymous access to a server that does not
// allow it.
var errAuthRequired = errors.New("authentication required")

// writeError maps domain errors onto the HTTP taxonomy. Unrecognized
// errors are logged and surfaced as opaque 500s.
func writeError(w http.ResponseWriter, logger *observability.Logger, err error) {
	var (
		collision    *catalog.ErrCollision
		conflicts    *catalog.ErrConflicts
		wouldDelete  *catalog.ErrWouldDeleteData
		notFound     *catalog.ErrNotFound
		outOfRange   *structures.ErrBlockOutOfRange
		notTagOwner  *policy.ErrNotTagOwner
		unknownTag   *policy.ErrUnknownTag
		badQueryType *query.ErrUnsupportedQueryType
		notAccept    *ErrNotAcceptable
	)

	switch {
	case errors.Is(err, errAuthRequired), errors.Is(err, auth.ErrInvalidCredentials):
		w.Header().Set("WWW-Authenticate", `Bearer realm="trove"`)
		httputil.WriteUnauthorized(w, "authentication required")
	case errors.Is(err, policy.ErrNoAccess),
		errors.Is(err, policy.ErrAdminRequired),
		errors.Is(err, policy.ErrSelfLockout),
		errors.As(err, &notTagOwner):
		httputil.WriteForbidden(w, err.Error())
	case errors.As(err, &notFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.As(err, &collision),
		errors.As(err, &conflicts),
		errors.As(err, &wouldDelete):
		httputil.WriteConflict(w, err.Error())
	case errors.As(err, &outOfRange):
		httputil.WriteUnprocessable(w, "Block index out of range")
	case errors.As(err, &notAccept):
		httputil.WriteErrorMessage(w, http.StatusNotAcceptable, err.Error())
	case errors.As(err, &unknownTag), errors.As(err, &badQueryType):
		httputil.WriteBadRequest(w, err.Error())
	default:
		logger.WithError(err).Error("request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
