package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/beamline/trove/pkg/query"
)

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgresql" }
func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) EncodeAncestors(ancestors []string) (interface{}, error) {
	if ancestors == nil {
		ancestors = []string{}
	}
	return pq.Array(ancestors), nil
}

func (postgresDialect) DecodeAncestors(raw []byte) ([]string, error) {
	var out pq.StringArray
	if err := out.Scan(raw); err != nil {
		return nil, fmt.Errorf("failed to decode ancestors: %w", err)
	}
	return []string(out), nil
}

// pgTextPath renders the '{a,b}' path literal for #> / #>> operators.
func pgTextPath(path []string) string {
	quoted := make([]string, len(path))
	for i, part := range path {
		quoted[i] = `"` + strings.ReplaceAll(part, `"`, `\"`) + `"`
	}
	return "'{" + strings.Join(quoted, ",") + "}'"
}

// nestObject wraps a value in nested single-key objects along path, so
// Eq can use the GIN-indexed jsonb containment operator instead of
// generic equality.
func nestObject(path []string, value interface{}) (string, error) {
	nested := value
	for i := len(path) - 1; i >= 0; i-- {
		nested = map[string]interface{}{path[i]: nested}
	}
	raw, err := json.Marshal(nested)
	if err != nil {
		return "", fmt.Errorf("failed to encode containment object: %w", err)
	}
	return string(raw), nil
}

// pgScalarExpr renders an extraction + bound comparison typed by the
// literal so PostgreSQL picks the matching cast.
func pgScalarExpr(b *sqlBuilder, path []string, op string, value interface{}) string {
	extract := fmt.Sprintf("n.metadata #>> %s", pgTextPath(path))
	switch v := value.(type) {
	case float64, float32, int, int32, int64:
		return fmt.Sprintf("(%s)::numeric %s %s", extract, op, b.bind(v))
	case bool:
		return fmt.Sprintf("(%s)::boolean %s %s", extract, op, b.bind(v))
	default:
		return fmt.Sprintf("%s %s %s", extract, op, b.bind(fmt.Sprintf("%v", v)))
	}
}

func (d postgresDialect) Translate(b *sqlBuilder, q query.Query) (string, error) {
	switch v := q.(type) {
	case query.Eq:
		nested, err := nestObject(metadataPath(v.Key), v.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("n.metadata @> %s::jsonb", b.bind(nested)), nil
	case query.NotEq:
		nested, err := nestObject(metadataPath(v.Key), v.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NOT (n.metadata @> %s::jsonb)", b.bind(nested)), nil
	case query.Comparison:
		op := map[query.ComparisonOp]string{query.OpLt: "<", query.OpLe: "<=", query.OpGt: ">", query.OpGe: ">="}[v.Op]
		return pgScalarExpr(b, metadataPath(v.Key), op, v.Value), nil
	case query.Contains:
		raw, err := json.Marshal(v.Value)
		if err != nil {
			return "", fmt.Errorf("failed to encode contains value: %w", err)
		}
		return fmt.Sprintf("(n.metadata #> %s) @> %s::jsonb", pgTextPath(metadataPath(v.Key)), b.bind(string(raw))), nil
	case query.In:
		var parts []string
		for _, val := range v.Values {
			parts = append(parts, pgScalarExpr(b, metadataPath(v.Key), "=", val))
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	case query.NotIn:
		var parts []string
		for _, val := range v.Values {
			parts = append(parts, pgScalarExpr(b, metadataPath(v.Key), "=", val))
		}
		return "NOT (" + strings.Join(parts, " OR ") + ")", nil
	case query.KeysFilter:
		return fmt.Sprintf("n.key = ANY(%s)", b.bind(pq.Array(v.Keys))), nil
	case query.StructureFamilyQuery:
		return fmt.Sprintf("n.structure_family = %s", b.bind(string(v.Value))), nil
	case query.FullText:
		return fmt.Sprintf(
			"to_tsvector('simple', n.metadata::text) @@ plainto_tsquery('simple', %s)", b.bind(v.Text)), nil
	case query.Regex:
		op := "~"
		if !v.CaseSensitive {
			op = "~*"
		}
		return fmt.Sprintf("(n.metadata #>> %s) %s %s", pgTextPath(metadataPath(v.Key)), op, b.bind(v.Pattern)), nil
	case query.SpecsQuery:
		var parts []string
		for _, name := range v.Include {
			raw, _ := json.Marshal([]string{name})
			parts = append(parts, fmt.Sprintf("n.specs @> %s::jsonb", b.bind(string(raw))))
		}
		for _, name := range v.Exclude {
			raw, _ := json.Marshal([]string{name})
			parts = append(parts, fmt.Sprintf("NOT (n.specs @> %s::jsonb)", b.bind(string(raw))))
		}
		if len(parts) == 0 {
			return "1 = 1", nil
		}
		return strings.Join(parts, " AND "), nil
	case query.AccessBlobFilter:
		var parts []string
		if len(v.Tags) > 0 {
			parts = append(parts, fmt.Sprintf("n.access_blob->'tags' ?| %s", b.bind(pq.Array(v.Tags))))
		}
		if v.UserID != "" {
			parts = append(parts, fmt.Sprintf("n.access_blob->>'user' = %s", b.bind(v.UserID)))
		}
		if len(parts) == 0 {
			return constFalse, nil
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	default:
		return "", unsupported(q)
	}
}

func (postgresDialect) MetadataSortExpr(path []string) string {
	return fmt.Sprintf("n.metadata #>> %s", pgTextPath(path))
}

func (postgresDialect) MetadataValueExpr(path []string) string {
	return fmt.Sprintf("n.metadata #>> %s", pgTextPath(path))
}

func (postgresDialect) SpecsElementsExpr() string {
	return "jsonb_array_elements_text(n.specs)"
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	var perr *pq.Error
	if errors.As(err, &perr) {
		return perr.Code == "23505"
	}
	return false
}

func (postgresDialect) Migrations() []migration {
	return []migration{
		{
			Version:     1,
			Description: "Create nodes, data_sources, assets tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS nodes (
					id BIGSERIAL PRIMARY KEY,
					key TEXT NOT NULL,
					ancestors TEXT[] NOT NULL,
					structure_family TEXT NOT NULL,
					metadata JSONB NOT NULL DEFAULT '{}',
					specs JSONB NOT NULL DEFAULT '[]',
					access_blob JSONB,
					time_created TIMESTAMPTZ NOT NULL,
					time_updated TIMESTAMPTZ NOT NULL,
					UNIQUE (ancestors, key)
				);

				CREATE INDEX idx_nodes_ancestors ON nodes (ancestors, time_created, id) INCLUDE (key);

				CREATE TABLE IF NOT EXISTS data_sources (
					id BIGSERIAL PRIMARY KEY,
					node_id BIGINT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
					mimetype TEXT NOT NULL,
					structure JSONB NOT NULL DEFAULT '{}',
					parameters JSONB NOT NULL DEFAULT '{}',
					management TEXT NOT NULL
				);

				CREATE INDEX idx_data_sources_node_id ON data_sources (node_id);

				CREATE TABLE IF NOT EXISTS assets (
					id BIGSERIAL PRIMARY KEY,
					data_source_id BIGINT NOT NULL REFERENCES data_sources(id) ON DELETE CASCADE,
					data_uri TEXT NOT NULL,
					is_directory BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE INDEX idx_assets_data_source_id ON assets (data_source_id);
			`,
		},
		{
			Version:     2,
			Description: "Create revisions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS revisions (
					id BIGSERIAL PRIMARY KEY,
					node_id BIGINT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
					revision_number BIGINT NOT NULL,
					metadata JSONB NOT NULL DEFAULT '{}',
					specs JSONB NOT NULL DEFAULT '[]',
					time_updated TIMESTAMPTZ NOT NULL,
					UNIQUE (node_id, revision_number)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create metadata GIN index",
			SQL: `
				CREATE EXTENSION IF NOT EXISTS btree_gin;
				CREATE INDEX idx_nodes_metadata_gin ON nodes USING gin (metadata);
				CREATE INDEX idx_nodes_access_blob_gin ON nodes USING gin (access_blob);
			`,
		},
	}
}
