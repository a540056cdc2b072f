package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/trove/pkg/auth"
	"github.com/beamline/trove/pkg/catalog"
	"github.com/beamline/trove/pkg/observability"
	"github.com/beamline/trove/pkg/policy"
)

const testPolicyConfig = `
roles:
  power:
    scopes: [read:metadata, read:data, write:metadata, write:data, create, delete]
tags:
  proposal-7:
    users:
      - name: alice
        role: power
tag_owners:
  proposal-7:
    users: [alice]
`

var testScopeUniverse = []string{
	"read:metadata", "read:data", "write:metadata", "write:data", "create", "delete", "admin",
}

type testEnv struct {
	store   *catalog.Store
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	store, err := catalog.Open(ctx, catalog.Options{
		DatabaseURI:     "sqlite://" + filepath.Join(dir, "catalog.db"),
		WritableStorage: filepath.Join(dir, "data"),
		InitIfMissing:   true,
		Logger:          logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	policyPath := filepath.Join(dir, "policy.yml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicyConfig), 0o600))
	pol, err := policy.New(ctx, policy.Options{
		ConfigPath:    policyPath,
		ScopeUniverse: testScopeUniverse,
		Logger:        logger,
	})
	require.NoError(t, err)

	authDB, err := sql.Open("sqlite3", filepath.Join(dir, "auth.db"))
	require.NoError(t, err)
	authDB.SetMaxOpenConns(1)
	t.Cleanup(func() { authDB.Close() })
	authStore, err := auth.NewStore(ctx, authDB, "sqlite", logger)
	require.NoError(t, err)
	require.NoError(t, authStore.EnsureRole(ctx, auth.Role{
		Name:   "power",
		Scopes: []string{"read:metadata", "read:data", "write:metadata", "write:data", "create", "delete"},
	}))

	issuer, err := auth.NewTokenIssuer([][]byte{[]byte("server-test-key")}, 15*time.Minute, time.Hour)
	require.NoError(t, err)
	authenticator, err := auth.New(auth.Options{
		Store:  authStore,
		Issuer: issuer,
		Providers: []auth.Provider{&auth.StaticPasswordProvider{
			ProviderName: "local",
			Users: map[string][32]byte{
				"alice": auth.HashPassword("alice-pw"),
				"bob":   auth.HashPassword("bob-pw"),
			},
		}},
		DefaultRole: "power",
		Logger:      logger,
	})
	require.NoError(t, err)

	srv, err := New(Options{
		Store:   store,
		Policy:  pol,
		Auth:    authenticator,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	})
	require.NoError(t, err)

	return &testEnv{
		store:   store,
		server:  srv,
		handler: authenticator.Middleware(srv.Router()),
	}
}

func (env *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/provider/local/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return pair.AccessToken
}

func (env *testEnv) do(t *testing.T, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) createContainer(t *testing.T, token, parent, key string, metadata map[string]interface{}, blob *catalog.AccessBlob) {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/nodes/"+parent, token, map[string]interface{}{
		"key":              key,
		"structure_family": "container",
		"metadata":         metadata,
		"access_blob":      blob,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (env *testEnv) createBlockArray(t *testing.T, token, parent, key string) {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/nodes/"+parent, token, map[string]interface{}{
		"key":              key,
		"structure_family": "array",
		"data_sources": []map[string]interface{}{{
			"mimetype":   "application/x-trove-blocks",
			"management": "writable",
			"structure": map[string]interface{}{
				"family": "array",
				"array": map[string]interface{}{
					"data_type": "<f8",
					"shape":     []int64{4, 4},
					"chunks":    [][]int64{{2, 2}, {2, 2}},
				},
			},
		}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAnonymousRequestsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/metadata", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateCollisionReturns409(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")

	env.createContainer(t, token, "", "a", nil, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/nodes/", token, map[string]interface{}{
		"key":              "a",
		"structure_family": "container",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "/a")

	// No partial state: exactly one child at the root.
	search := env.do(t, http.MethodGet, "/api/v1/search", token, nil)
	require.Equal(t, http.StatusOK, search.Code)
	var doc struct {
		Meta struct {
			Count int64 `json:"count"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(search.Body.Bytes(), &doc))
	assert.EqualValues(t, 1, doc.Meta.Count)
}

func TestMetadataNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	rec := env.do(t, http.MethodGet, "/api/v1/metadata/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlockOutOfRangeReturns422(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	env.createBlockArray(t, token, "", "x")

	rec := env.do(t, http.MethodGet, "/api/v1/array/block/x?block=999,999", token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "Block index out of range")
}

func TestArrayBlockReadAndETag(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	env.createBlockArray(t, token, "", "x")

	rec := env.do(t, http.MethodGet, "/api/v1/array/block/x?block=0,1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	// 2x2 block of 8-byte elements, unwritten blocks read as zeros.
	assert.Len(t, rec.Body.Bytes(), 32)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/array/block/x?block=0,1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("If-None-Match", etag)
	cached := httptest.NewRecorder()
	env.handler.ServeHTTP(cached, req)
	assert.Equal(t, http.StatusNotModified, cached.Code)
	assert.Empty(t, cached.Body.Bytes())
}

func TestArrayFullAsJSON(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	env.createBlockArray(t, token, "", "x")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/array/full/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc struct {
		DataType string  `json:"data_type"`
		Shape    []int64 `json:"shape"`
		Data     []byte  `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "<f8", doc.DataType)
	assert.Equal(t, []int64{4, 4}, doc.Shape)
	assert.Len(t, doc.Data, 128)
}

func TestUnsupportedAcceptReturns406(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	env.createBlockArray(t, token, "", "x")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/array/full/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/x-parquet")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
	assert.Contains(t, rec.Body.String(), "application/octet-stream")
}

func TestSearchPaginationIsStableAndComplete(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	env.createContainer(t, token, "", "c", nil, nil)
	for i := 0; i < 5; i++ {
		env.createContainer(t, token, "c", fmt.Sprintf("child-%d", i), nil, nil)
	}

	var keys []string
	offset := 0
	for {
		rec := env.do(t, http.MethodGet,
			fmt.Sprintf("/api/v1/search/c?page[offset]=%d&page[limit]=2", offset), token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var doc struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
			Links pageLinks `json:"links"`
			Meta  struct {
				Count int64 `json:"count"`
			} `json:"meta"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
		assert.EqualValues(t, 5, doc.Meta.Count)
		for _, item := range doc.Data {
			keys = append(keys, item.ID)
		}
		if doc.Links.Next == nil {
			break
		}
		offset += 2
	}
	assert.Equal(t, []string{"child-0", "child-1", "child-2", "child-3", "child-4"}, keys)
}

func TestSearchWithEqFilter(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	env.createContainer(t, token, "", "red", map[string]interface{}{"color": "red"}, nil)
	env.createContainer(t, token, "", "blue", map[string]interface{}{"color": "blue"}, nil)

	rec := env.do(t, http.MethodGet,
		`/api/v1/search?filter[eq]={"key":"color","value":"red"}`, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Data, 1)
	assert.Equal(t, "red", doc.Data[0].ID)
}

func TestPolicyFiltersSearchResults(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice", "alice-pw")
	bob := env.login(t, "bob", "bob-pw")

	env.createContainer(t, alice, "", "n1", nil, &catalog.AccessBlob{Tags: []string{"proposal-7"}})
	env.createContainer(t, alice, "", "n2", nil, nil) // owned by alice
	env.createContainer(t, bob, "", "n3", nil, nil)   // owned by bob

	searchIDs := func(token string) []string {
		rec := env.do(t, http.MethodGet, "/api/v1/search", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var doc struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
		ids := make([]string, 0, len(doc.Data))
		for _, item := range doc.Data {
			ids = append(ids, item.ID)
		}
		return ids
	}

	assert.ElementsMatch(t, []string{"n1", "n2"}, searchIDs(alice))
	assert.ElementsMatch(t, []string{"n3"}, searchIDs(bob))
}

func TestMetadataForbiddenForOtherUsersNode(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice", "alice-pw")
	bob := env.login(t, "bob", "bob-pw")
	env.createContainer(t, bob, "", "private", nil, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/metadata/private", alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/metadata/private", bob, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPatchMetadataWritesRevision(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	env.createContainer(t, token, "", "doc", map[string]interface{}{"v": float64(1)}, nil)

	rec := env.do(t, http.MethodPatch, "/api/v1/metadata/doc", token, map[string]interface{}{
		"metadata": map[string]interface{}{"v": float64(2)},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	revs := env.do(t, http.MethodGet, "/api/v1/revisions/doc", token, nil)
	require.Equal(t, http.StatusOK, revs.Code)
	var doc struct {
		Data []struct {
			RevisionNumber int64                  `json:"revision_number"`
			Metadata       map[string]interface{} `json:"metadata"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(revs.Body.Bytes(), &doc))
	require.Len(t, doc.Data, 1)
	assert.EqualValues(t, 1, doc.Data[0].RevisionNumber)
	assert.Equal(t, float64(1), doc.Data[0].Metadata["v"])
}

func TestDeleteTreeBlockedByInternalAssets(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	env.createContainer(t, token, "", "c", nil, nil)
	env.createBlockArray(t, token, "c", "x")

	rec := env.do(t, http.MethodDelete, "/api/v1/tree/c?external_only=true", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The catalog is unchanged.
	meta := env.do(t, http.MethodGet, "/api/v1/metadata/c/x", token, nil)
	assert.Equal(t, http.StatusOK, meta.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/tree/c?external_only=false", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Deleted catalog.DeletedCounts `json:"deleted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.EqualValues(t, 2, doc.Deleted.Nodes)
	assert.EqualValues(t, 1, doc.Deleted.DataSources)
	assert.EqualValues(t, 1, doc.Deleted.Assets)
}

func TestDistinctEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")
	env.createContainer(t, token, "", "a", map[string]interface{}{"color": "red"}, nil)
	env.createContainer(t, token, "", "b", map[string]interface{}{"color": "red"}, nil)
	env.createContainer(t, token, "", "c", map[string]interface{}{"color": "blue"}, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/distinct?metadata=color&counts=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc struct {
		Metadata map[string][]struct {
			Value interface{} `json:"value"`
			Count int64       `json:"count"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Metadata["color"], 2)
}

func TestRefreshRotationOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "alice-pw"})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/provider/local/token", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var first auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "bearer", first.TokenType)

	refresh := env.do(t, http.MethodPost, "/api/v1/auth/session/refresh", "",
		map[string]string{"refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusOK, refresh.Code)
	var second auth.TokenPair
	require.NoError(t, json.Unmarshal(refresh.Body.Bytes(), &second))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The superseded refresh token no longer works.
	replay := env.do(t, http.MethodPost, "/api/v1/auth/session/refresh", "",
		map[string]string{"refresh_token": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, replay.Code)
}

func TestWhoami(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")

	rec := env.do(t, http.MethodGet, "/api/v1/auth/whoami", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice")

	anon := env.do(t, http.MethodGet, "/api/v1/auth/whoami", "", nil)
	assert.Equal(t, http.StatusUnauthorized, anon.Code)
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "alice-pw")

	created := env.do(t, http.MethodPost, "/api/v1/auth/apikey", token, map[string]interface{}{
		"scopes": []string{"read:metadata"},
		"note":   "ci reader",
	})
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	var doc struct {
		Secret string `json:"secret"`
		APIKey struct {
			FirstEight string `json:"first_eight"`
		} `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &doc))
	require.NotEmpty(t, doc.Secret)

	// The key authenticates via the Apikey scheme.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
	req.Header.Set("Authorization", "Apikey "+doc.Secret)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	del := env.do(t, http.MethodDelete, "/api/v1/auth/apikey?first_eight="+doc.APIKey.FirstEight, token, nil)
	assert.Equal(t, http.StatusNoContent, del.Code)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
