package catalog

import (
	"fmt"
	"strings"

	"github.com/beamline/trove/pkg/query"
)

// requiredSchemaVersion is the schema revision this build requires. The
// server refuses to start against any other non-empty revision.
const requiredSchemaVersion = 3

// migration is one schema revision step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// dialect abstracts the SQL differences between SQLite and PostgreSQL:
// placeholders, ancestors encoding, JSON predicate translation, and
// unique-violation detection.
type dialect interface {
	Name() string
	DriverName() string
	Placeholder(n int) string

	// EncodeAncestors produces the column value for inserts and
	// equality predicates.
	EncodeAncestors(ancestors []string) (interface{}, error)
	DecodeAncestors(raw []byte) ([]string, error)

	// Translate renders one query variant as a SQL predicate over the
	// nodes table, binding arguments through b.
	Translate(b *sqlBuilder, q query.Query) (string, error)

	// MetadataSortExpr renders an ORDER BY expression for a dotted
	// metadata path. Unknown paths compare as NULL.
	MetadataSortExpr(path []string) string

	// MetadataValueExpr renders a text-valued extraction for DISTINCT.
	MetadataValueExpr(path []string) string

	// SpecsElementsSubquery renders a per-row set of spec names for
	// DISTINCT over specs, as "(SELECT ... )" usable in a lateral/join
	// free form: it must produce rows (value TEXT) correlated to n.
	SpecsElementsExpr() string

	IsUniqueViolation(err error) bool
	Migrations() []migration
}

// sqlBuilder accumulates bind arguments while predicates are rendered.
type sqlBuilder struct {
	d    dialect
	args []interface{}
}

func (b *sqlBuilder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

// translateAll renders a conjunction of queries, returning the joined
// predicate (or "" when qs is empty).
func translateAll(b *sqlBuilder, qs []query.Query) (string, error) {
	var parts []string
	for _, q := range qs {
		if err := query.Validate(q); err != nil {
			return "", err
		}
		for _, flat := range query.Flatten(q) {
			expr, err := b.d.Translate(b, flat)
			if err != nil {
				return "", err
			}
			parts = append(parts, expr)
		}
	}
	return strings.Join(parts, " AND "), nil
}

// metadataPath splits a dotted metadata key into path segments.
func metadataPath(key string) []string {
	return strings.Split(key, ".")
}

// constFalse is the short-circuit predicate for filters that can match
// nothing (e.g. an AccessBlobFilter with no user and no tags).
const constFalse = "1 = 0"

func placeholderList(b *sqlBuilder, values []interface{}) string {
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = b.bind(v)
	}
	return strings.Join(phs, ", ")
}

func unsupported(q query.Query) error {
	return &query.ErrUnsupportedQueryType{Name: fmt.Sprintf("%T", q)}
}
