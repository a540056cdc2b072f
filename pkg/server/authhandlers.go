package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/beamline/trove/pkg/auth"
	"github.com/beamline/trove/pkg/httputil"
)

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"providers": s.auth.Providers(),
	})
}

type passwordLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	req := passwordLoginRequest{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	if req.Username == "" {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	pair, err := s.auth.LoginWithPassword(r.Context(), provider, req.Username, req.Password)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, pair)
}

type codeLoginRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleCodeLogin(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	var req codeLoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	pair, err := s.auth.LoginWithCode(r.Context(), provider, req.Code)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := s.auth.Logout(r.Context(), req.RefreshToken); err != nil &&
		!errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

// principalOnly rejects anonymous requests regardless of the server's
// anonymous-access setting.
func (s *Server) principalOnly(r *http.Request) (*auth.RequestAuth, error) {
	ra := auth.FromContext(r.Context())
	if ra == nil || ra.Principal == nil {
		return nil, errAuthRequired
	}
	return ra, nil
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	ra, err := s.principalOnly(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal": ra.Principal,
		"scopes":    ra.Scopes,
	})
}

type createAPIKeyRequest struct {
	Scopes     []string `json:"scopes,omitempty"`
	AccessTags []string `json:"access_tags,omitempty"`
	Note       string   `json:"note,omitempty"`
	// ExpiresIn is a lifetime in seconds; zero means no expiration.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	ra, err := s.principalOnly(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req createAPIKeyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	var expiration *time.Time
	if req.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(req.ExpiresIn) * time.Second)
		expiration = &t
	}
	secret, key, err := s.auth.CreateAPIKey(r.Context(), ra.Principal, req.Scopes, req.AccessTags, req.Note, expiration)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	// The secret is shown exactly once; only its hash is stored.
	httputil.WriteCreated(w, map[string]interface{}{
		"secret":  secret,
		"api_key": key,
	})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	ra, err := s.principalOnly(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	keys, err := s.auth.Store().ListAPIKeys(r.Context(), ra.Principal.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"data": keys})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	ra, err := s.principalOnly(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	firstEight := r.URL.Query().Get("first_eight")
	if firstEight == "" {
		httputil.WriteBadRequest(w, "first_eight parameter is required")
		return
	}
	if err := s.auth.Store().DeleteAPIKey(r.Context(), ra.Principal.ID, firstEight); err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}
