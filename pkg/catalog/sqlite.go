package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/beamline/trove/pkg/query"
)

// troveSQLiteDriver registers a sqlite3 driver variant with a REGEXP
// implementation, so Regex queries translate to the REGEXP operator.
const troveSQLiteDriver = "sqlite3_trove"

var registerSQLiteOnce sync.Once

func registerSQLiteDriver() {
	registerSQLiteOnce.Do(func() {
		sql.Register(troveSQLiteDriver, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("regexp", func(pattern, s string) (bool, error) {
					re, err := regexp.Compile(pattern)
					if err != nil {
						return false, err
					}
					return re.MatchString(s), nil
				}, true)
			},
		})
	})
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { registerSQLiteDriver(); return troveSQLiteDriver }

func (sqliteDialect) Placeholder(n int) string { return "?" }

// Ancestors are stored as canonical JSON text; json.Marshal of a string
// slice is deterministic, so equality on the column is equality on the
// list.
func (sqliteDialect) EncodeAncestors(ancestors []string) (interface{}, error) {
	if ancestors == nil {
		ancestors = []string{}
	}
	raw, err := json.Marshal(ancestors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ancestors: %w", err)
	}
	return string(raw), nil
}

func (sqliteDialect) DecodeAncestors(raw []byte) ([]string, error) {
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode ancestors: %w", err)
	}
	return out, nil
}

// jsonPath renders a SQLite JSON path for dotted metadata keys, quoting
// each segment so keys containing dots in their names cannot widen the
// path.
func jsonPath(path []string) string {
	var sb strings.Builder
	sb.WriteString("'$")
	for _, part := range path {
		sb.WriteString(`."`)
		sb.WriteString(strings.ReplaceAll(part, `"`, `""`))
		sb.WriteString(`"`)
	}
	sb.WriteString("'")
	return sb.String()
}

func sqliteExtract(path []string) string {
	return fmt.Sprintf("json_extract(n.metadata, %s)", jsonPath(path))
}

// sqliteLiteral coerces the bound value to the literal's own type so
// SQLite can use a column index on the extracted expression. Compound
// values compare as canonical JSON text.
func sqliteLiteral(v interface{}) interface{} {
	switch v.(type) {
	case string, float64, float32, int, int32, int64, bool, nil:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func (d sqliteDialect) Translate(b *sqlBuilder, q query.Query) (string, error) {
	switch v := q.(type) {
	case query.Eq:
		return fmt.Sprintf("%s = %s", sqliteExtract(metadataPath(v.Key)), b.bind(sqliteLiteral(v.Value))), nil
	case query.NotEq:
		return fmt.Sprintf("%s IS NOT %s", sqliteExtract(metadataPath(v.Key)), b.bind(sqliteLiteral(v.Value))), nil
	case query.Comparison:
		op := map[query.ComparisonOp]string{query.OpLt: "<", query.OpLe: "<=", query.OpGt: ">", query.OpGe: ">="}[v.Op]
		return fmt.Sprintf("%s %s %s", sqliteExtract(metadataPath(v.Key)), op, b.bind(sqliteLiteral(v.Value))), nil
	case query.Contains:
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(n.metadata, %s) WHERE json_each.value = %s)",
			jsonPath(metadataPath(v.Key)), b.bind(sqliteLiteral(v.Value)),
		), nil
	case query.In:
		vals := make([]interface{}, len(v.Values))
		for i, val := range v.Values {
			vals[i] = sqliteLiteral(val)
		}
		return fmt.Sprintf("%s IN (%s)", sqliteExtract(metadataPath(v.Key)), placeholderList(b, vals)), nil
	case query.NotIn:
		vals := make([]interface{}, len(v.Values))
		for i, val := range v.Values {
			vals[i] = sqliteLiteral(val)
		}
		return fmt.Sprintf("%s NOT IN (%s)", sqliteExtract(metadataPath(v.Key)), placeholderList(b, vals)), nil
	case query.KeysFilter:
		vals := make([]interface{}, len(v.Keys))
		for i, k := range v.Keys {
			vals[i] = k
		}
		return fmt.Sprintf("n.key IN (%s)", placeholderList(b, vals)), nil
	case query.StructureFamilyQuery:
		return fmt.Sprintf("n.structure_family = %s", b.bind(string(v.Value))), nil
	case query.FullText:
		return fmt.Sprintf(
			"n.id IN (SELECT rowid FROM nodes_fts WHERE nodes_fts MATCH %s)", b.bind(v.Text),
		), nil
	case query.Regex:
		pattern := v.Pattern
		if !v.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		return fmt.Sprintf("%s REGEXP %s", sqliteExtract(metadataPath(v.Key)), b.bind(pattern)), nil
	case query.SpecsQuery:
		var parts []string
		for _, name := range v.Include {
			parts = append(parts, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM json_each(n.specs) WHERE json_each.value = %s)", b.bind(name)))
		}
		for _, name := range v.Exclude {
			parts = append(parts, fmt.Sprintf(
				"NOT EXISTS (SELECT 1 FROM json_each(n.specs) WHERE json_each.value = %s)", b.bind(name)))
		}
		if len(parts) == 0 {
			return "1 = 1", nil
		}
		return strings.Join(parts, " AND "), nil
	case query.AccessBlobFilter:
		var parts []string
		if len(v.Tags) > 0 {
			vals := make([]interface{}, len(v.Tags))
			for i, tag := range v.Tags {
				vals[i] = tag
			}
			parts = append(parts, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM json_each(n.access_blob, '$.\"tags\"') WHERE json_each.value IN (%s))",
				placeholderList(b, vals)))
		}
		if v.UserID != "" {
			parts = append(parts, fmt.Sprintf(
				"json_extract(n.access_blob, '$.\"user\"') = %s", b.bind(v.UserID)))
		}
		if len(parts) == 0 {
			return constFalse, nil
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	default:
		return "", unsupported(q)
	}
}

func (sqliteDialect) MetadataSortExpr(path []string) string {
	return sqliteExtract(path)
}

func (sqliteDialect) MetadataValueExpr(path []string) string {
	return sqliteExtract(path)
}

func (sqliteDialect) SpecsElementsExpr() string {
	return "json_each(n.specs)"
}

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (sqliteDialect) Migrations() []migration {
	return []migration{
		{
			Version:     1,
			Description: "Create nodes, data_sources, assets tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS nodes (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					key TEXT NOT NULL,
					ancestors TEXT NOT NULL,
					structure_family TEXT NOT NULL,
					metadata TEXT NOT NULL DEFAULT '{}',
					specs TEXT NOT NULL DEFAULT '[]',
					access_blob TEXT,
					time_created TIMESTAMP NOT NULL,
					time_updated TIMESTAMP NOT NULL,
					UNIQUE (ancestors, key)
				);

				CREATE INDEX idx_nodes_ancestors ON nodes (ancestors, time_created, id);

				CREATE TABLE IF NOT EXISTS data_sources (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
					mimetype TEXT NOT NULL,
					structure TEXT NOT NULL DEFAULT '{}',
					parameters TEXT NOT NULL DEFAULT '{}',
					management TEXT NOT NULL
				);

				CREATE INDEX idx_data_sources_node_id ON data_sources (node_id);

				CREATE TABLE IF NOT EXISTS assets (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					data_source_id INTEGER NOT NULL REFERENCES data_sources(id) ON DELETE CASCADE,
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
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
					revision_number INTEGER NOT NULL,
					metadata TEXT NOT NULL DEFAULT '{}',
					specs TEXT NOT NULL DEFAULT '[]',
					time_updated TIMESTAMP NOT NULL,
					UNIQUE (node_id, revision_number)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create metadata full-text index",
			SQL: `
				CREATE VIRTUAL TABLE nodes_fts USING fts5(metadata, content='nodes', content_rowid='id');

				CREATE TRIGGER nodes_fts_insert AFTER INSERT ON nodes BEGIN
					INSERT INTO nodes_fts(rowid, metadata) VALUES (new.id, new.metadata);
				END;
				CREATE TRIGGER nodes_fts_delete AFTER DELETE ON nodes BEGIN
					INSERT INTO nodes_fts(nodes_fts, rowid, metadata) VALUES ('delete', old.id, old.metadata);
				END;
				CREATE TRIGGER nodes_fts_update AFTER UPDATE ON nodes BEGIN
					INSERT INTO nodes_fts(nodes_fts, rowid, metadata) VALUES ('delete', old.id, old.metadata);
					INSERT INTO nodes_fts(rowid, metadata) VALUES (new.id, new.metadata);
				END;
			`,
		},
	}
}
