package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/beamline/trove/pkg/adapters"
	"github.com/beamline/trove/pkg/auth"
	"github.com/beamline/trove/pkg/catalog"
	"github.com/beamline/trove/pkg/httputil"
	"github.com/beamline/trove/pkg/query"
	"github.com/beamline/trove/pkg/structures"
)

// Scopes enforced by the data and lifecycle routes.
const (
	scopeReadMetadata  = "read:metadata"
	scopeReadData      = "read:data"
	scopeWriteMetadata = "write:metadata"
	scopeCreate        = "create"
	scopeDelete        = "delete"
)

// nodeAttributes is the wire rendering of one node or adapter.
type nodeAttributes struct {
	StructureFamily structures.Family      `json:"structure_family"`
	Metadata        map[string]interface{} `json:"metadata"`
	Specs           []string               `json:"specs"`
	Structure       *structures.Structure  `json:"structure,omitempty"`
}

func attributesOf(a adapters.Adapter) nodeAttributes {
	return nodeAttributes{
		StructureFamily: a.StructureFamily(),
		Metadata:        a.Metadata(),
		Specs:           a.Specs(),
		Structure:       a.Structure(),
	}
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requestAuth(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	segments := pathSegments(r)
	node, err := s.store.GetNode(r.Context(), segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.authorize(ra, node.AccessBlob, scopeReadMetadata); err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"data": map[string]interface{}{
			"id":         node.Key,
			"attributes": node,
		},
	})
}

type patchMetadataRequest struct {
	Metadata   map[string]interface{} `json:"metadata"`
	Specs      []string               `json:"specs"`
	AccessBlob *catalog.AccessBlob    `json:"access_blob,omitempty"`
}

func (s *Server) handlePatchMetadata(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requestAuth(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	segments := pathSegments(r)
	node, err := s.store.GetNode(r.Context(), segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.authorize(ra, node.AccessBlob, scopeWriteMetadata); err != nil {
		writeError(w, s.logger, err)
		return
	}

	var req patchMetadataRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	setBlob := false
	var finalBlob *catalog.AccessBlob
	if req.AccessBlob != nil {
		finalBlob, err = s.policy.ModifyNode(ra.Identifier(), ra.Scopes, node.AccessBlob, req.AccessBlob)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		setBlob = true
	}

	updated, err := s.store.UpdateNode(r.Context(), segments, req.Metadata, req.Specs, finalBlob, setBlob)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"data": map[string]interface{}{
			"id":         updated.Key,
			"attributes": updated,
		},
	})
}

// containerView resolves a path to its catalog container with the
// principal's policy filters already applied.
func (s *Server) containerView(r *http.Request, ra *auth.RequestAuth, segments []string) (adapters.Container, error) {
	filters, err := s.policy.Filters(ra.Identifier(), ra.Scopes, []string{scopeReadMetadata})
	if err != nil {
		return nil, err
	}
	node, err := s.store.GetNode(r.Context(), segments)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ra, node.AccessBlob, scopeReadMetadata); err != nil {
		return nil, err
	}
	if !node.StructureFamily.IsContainerLike() {
		return nil, &catalog.ErrNotFound{Path: node.Path()}
	}

	var view adapters.Container = s.store.ContainerFor(node)
	for _, f := range filters {
		if view, err = view.Search(f); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// parseFilters decodes filter[<name>]=<json> query parameters.
func (s *Server) parseFilters(r *http.Request) ([]query.Query, error) {
	var out []query.Query
	for key, values := range r.URL.Query() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		name := key[len("filter[") : len(key)-1]
		for _, raw := range values {
			q, err := s.queries.Decode(name, []byte(raw))
			if err != nil {
				return nil, err
			}
			out = append(out, q)
		}
	}
	return out, nil
}

// parseSort reads the JSON:API sort parameter: comma-separated keys, a
// leading "-" for descending.
func parseSort(r *http.Request) []adapters.SortField {
	raw := r.URL.Query().Get("sort")
	if raw == "" {
		return nil
	}
	var fields []adapters.SortField
	for _, part := range strings.Split(raw, ",") {
		direction := 1
		if strings.HasPrefix(part, "-") {
			direction = -1
			part = part[1:]
		}
		fields = append(fields, adapters.SortField{Key: part, Direction: direction})
	}
	return fields
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requestAuth(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	view, err := s.containerView(r, ra, pathSegments(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	filters, err := s.parseFilters(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	for _, f := range filters {
		if view, err = view.Search(f); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	if sorting := parseSort(r); sorting != nil {
		if view, err = view.Sort(sorting); err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
	}

	offset, limit, err := pageParams(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	count, err := view.Len(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	entries, err := view.ItemsRange(r.Context(), offset, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	data := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		data = append(data, map[string]interface{}{
			"id":         e.Key,
			"attributes": attributesOf(e.Adapter),
		})
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"data":  data,
		"links": buildLinks(r.URL, offset, limit, count),
		"meta":  map[string]interface{}{"count": count},
	})
}

func (s *Server) handleDistinct(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requestAuth(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	view, err := s.containerView(r, ra, pathSegments(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	container, ok := view.(*catalog.Container)
	if !ok {
		httputil.WriteBadRequest(w, "distinct is only supported on catalog containers")
		return
	}

	filters, err := s.parseFilters(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	for _, f := range filters {
		inner, err := container.Search(f)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		container = inner.(*catalog.Container)
	}

	q := r.URL.Query()
	counts, _ := httputil.ParseQueryBool(r, "counts", false)
	families, _ := httputil.ParseQueryBool(r, "structure_families", false)
	specs, _ := httputil.ParseQueryBool(r, "specs", false)

	result, err := container.Distinct(r.Context(), q["metadata"], families, specs, counts)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// lookupAdapter authorizes a data read and resolves the path through
// the container tree to a concrete adapter.
func (s *Server) lookupAdapter(r *http.Request, segments []string) (adapters.Adapter, error) {
	ra, err := s.requestAuth(r)
	if err != nil {
		return nil, err
	}
	blob, err := s.resolveBlob(r, segments)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ra, blob, scopeReadData); err != nil {
		return nil, err
	}
	return s.store.Root().Lookup(r.Context(), segments)
}

// serveBody writes a negotiated payload with its content-addressed
// ETag, honoring If-None-Match.
func (s *Server) serveBody(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(body)
}

// cachedEncode serves the serialized payload from the object cache when
// possible, encoding and inserting on a miss.
func (s *Server) cachedEncode(r *http.Request, key string, encode func() (string, []byte, error)) (string, []byte, error) {
	if raw, ok := s.cache.Get(r.Context(), key); ok {
		// The content type is prefixed, NUL-separated.
		if i := strings.IndexByte(string(raw), 0); i >= 0 {
			return string(raw[:i]), raw[i+1:], nil
		}
	}
	contentType, body, err := encode()
	if err != nil {
		return "", nil, err
	}
	payload := append(append([]byte(contentType), 0), body...)
	s.cache.Put(r.Context(), key, payload, int64(len(payload)))
	return contentType, body, nil
}

func parseBlockParam(raw string) ([]int, error) {
	if raw == "" {
		return nil, fmt.Errorf("missing block parameter")
	}
	parts := strings.Split(raw, ",")
	block := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid block coordinate %q", p)
		}
		block[i] = v
	}
	return block, nil
}

func (s *Server) handleArrayBlock(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r)
	adapter, err := s.lookupAdapter(r, segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	reader, ok := adapter.(adapters.ArrayReader)
	if !ok {
		httputil.WriteBadRequest(w, "node does not serve array blocks")
		return
	}
	block, err := parseBlockParam(r.URL.Query().Get("block"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	key := fmt.Sprintf("array:%s?block=%v|%s", strings.Join(segments, "/"), block, r.Header.Get("Accept"))
	contentType, body, err := s.cachedEncode(r, key, func() (string, []byte, error) {
		chunk, err := reader.ReadBlock(r.Context(), block)
		if err != nil {
			return "", nil, err
		}
		return s.serializers.EncodeArray(r.Header.Get("Accept"), adapter.StructureFamily(), chunk)
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.serveBody(w, r, contentType, body)
}

func (s *Server) handleArrayFull(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r)
	adapter, err := s.lookupAdapter(r, segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	reader, ok := adapter.(adapters.ArrayReader)
	if !ok {
		httputil.WriteBadRequest(w, "node does not serve array data")
		return
	}

	key := fmt.Sprintf("array:%s|%s", strings.Join(segments, "/"), r.Header.Get("Accept"))
	contentType, body, err := s.cachedEncode(r, key, func() (string, []byte, error) {
		chunk, err := reader.Read(r.Context())
		if err != nil {
			return "", nil, err
		}
		return s.serializers.EncodeArray(r.Header.Get("Accept"), adapter.StructureFamily(), chunk)
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.serveBody(w, r, contentType, body)
}

func (s *Server) handleTablePartition(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r)
	adapter, err := s.lookupAdapter(r, segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	reader, ok := adapter.(adapters.TableReader)
	if !ok {
		httputil.WriteBadRequest(w, "node does not serve table partitions")
		return
	}
	partition, err := httputil.ParseQueryInt(r, "partition", -1)
	if err != nil || partition < 0 {
		httputil.WriteBadRequest(w, "partition parameter must be a non-negative integer")
		return
	}
	columns := r.URL.Query()["column"]

	key := fmt.Sprintf("table:%s?partition=%d&columns=%v|%s",
		strings.Join(segments, "/"), partition, columns, r.Header.Get("Accept"))
	contentType, body, err := s.cachedEncode(r, key, func() (string, []byte, error) {
		data, err := reader.ReadPartition(r.Context(), partition, columns)
		if err != nil {
			return "", nil, err
		}
		return s.serializers.EncodeTable(r.Header.Get("Accept"), data)
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.serveBody(w, r, contentType, body)
}

func (s *Server) handleTableFull(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r)
	adapter, err := s.lookupAdapter(r, segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	reader, ok := adapter.(adapters.TableReader)
	if !ok {
		httputil.WriteBadRequest(w, "node does not serve table data")
		return
	}
	columns := r.URL.Query()["column"]

	key := fmt.Sprintf("table:%s?columns=%v|%s", strings.Join(segments, "/"), columns, r.Header.Get("Accept"))
	contentType, body, err := s.cachedEncode(r, key, func() (string, []byte, error) {
		data, err := reader.Read(r.Context(), columns)
		if err != nil {
			return "", nil, err
		}
		return s.serializers.EncodeTable(r.Header.Get("Accept"), data)
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.serveBody(w, r, contentType, body)
}

type createNodeRequest struct {
	Key             string                 `json:"key"`
	StructureFamily string                 `json:"structure_family"`
	Metadata        map[string]interface{} `json:"metadata"`
	Specs           []string               `json:"specs"`
	AccessBlob      *catalog.AccessBlob    `json:"access_blob,omitempty"`
	DataSources     []catalog.DataSource   `json:"data_sources,omitempty"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requestAuth(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	segments := pathSegments(r)
	parent, err := s.store.GetNode(r.Context(), segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.authorize(ra, parent.AccessBlob, scopeCreate); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !parent.StructureFamily.IsContainerLike() {
		httputil.WriteBadRequest(w, "parent is not a container")
		return
	}

	var req createNodeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	family, err := structures.ParseFamily(req.StructureFamily)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if req.Key == "" {
		req.Key = uuid.New().String()
	}

	blob, _, err := s.policy.InitNode(ra.Identifier(), ra.Scopes, req.AccessBlob)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	node := &catalog.Node{
		Key:             req.Key,
		Ancestors:       segments,
		StructureFamily: family,
		Metadata:        req.Metadata,
		Specs:           req.Specs,
		AccessBlob:      blob,
	}
	var ds *catalog.DataSource
	if len(req.DataSources) > 0 {
		ds = &req.DataSources[0]
	}
	if err := s.store.CreateNode(r.Context(), node, ds); err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{
		"data": map[string]interface{}{
			"id":         node.Key,
			"attributes": node,
		},
	})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requestAuth(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	segments := pathSegments(r)
	node, err := s.store.GetNode(r.Context(), segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.authorize(ra, node.AccessBlob, scopeDelete); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.store.DeleteNode(r.Context(), segments); err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) handleDeleteTree(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requestAuth(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	segments := pathSegments(r)
	node, err := s.store.GetNode(r.Context(), segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.authorize(ra, node.AccessBlob, scopeDelete); err != nil {
		writeError(w, s.logger, err)
		return
	}
	externalOnly, err := httputil.ParseQueryBool(r, "external_only", true)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	counts, err := s.store.DeleteTree(r.Context(), segments, externalOnly)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"deleted": counts})
}

func (s *Server) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requestAuth(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	segments := pathSegments(r)
	node, err := s.store.GetNode(r.Context(), segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.authorize(ra, node.AccessBlob, scopeReadMetadata); err != nil {
		writeError(w, s.logger, err)
		return
	}
	offset, limit, err := pageParams(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	revisions, err := s.store.ListRevisions(r.Context(), segments, offset, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"data": revisions})
}

func (s *Server) handleDeleteRevision(w http.ResponseWriter, r *http.Request) {
	ra, err := s.requestAuth(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	segments := pathSegments(r)
	node, err := s.store.GetNode(r.Context(), segments)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.authorize(ra, node.AccessBlob, scopeWriteMetadata); err != nil {
		writeError(w, s.logger, err)
		return
	}
	number, err := strconv.ParseInt(r.URL.Query().Get("number"), 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "number parameter must be an integer")
		return
	}
	if err := s.store.DeleteRevision(r.Context(), segments, number); err != nil {
		writeError(w, s.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}
