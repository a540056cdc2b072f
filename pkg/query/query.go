// Package query defines the composable predicate algebra used to filter
// catalog search results. Queries are plain data values; how each value
// becomes SQL (or an in-memory filter) is the concern of the store that
// executes it. Successive searches conjoin: search(q1) then search(q2)
// is equivalent to search(And(q1, q2)).
package query

import (
	"fmt"

	"github.com/beamline/trove/pkg/structures"
)

// Query is implemented by every predicate variant. QueryName returns the
// registered wire name used in URL parameters and translator dispatch.
type Query interface {
	QueryName() string
}

// ComparisonOp enumerates the ordered-comparison operators.
type ComparisonOp string

const (
	OpLt ComparisonOp = "lt"
	OpLe ComparisonOp = "le"
	OpGt ComparisonOp = "gt"
	OpGe ComparisonOp = "ge"
)

// Valid reports whether the operator is one of lt, le, gt, ge.
func (op ComparisonOp) Valid() bool {
	switch op {
	case OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// Eq matches nodes whose metadata at the dotted Key equals Value.
type Eq struct {
	Key   string
	Value interface{}
}

func (Eq) QueryName() string { return "eq" }

// NotEq matches nodes whose metadata at Key does not equal Value.
type NotEq struct {
	Key   string
	Value interface{}
}

func (NotEq) QueryName() string { return "noteq" }

// Comparison matches nodes whose metadata at Key compares against Value
// with the given operator.
type Comparison struct {
	Op    ComparisonOp
	Key   string
	Value interface{}
}

func (Comparison) QueryName() string { return "comparison" }

// Contains matches nodes whose metadata array at Key contains Value.
type Contains struct {
	Key   string
	Value interface{}
}

func (Contains) QueryName() string { return "contains" }

// In matches nodes whose metadata at Key equals any listed value.
type In struct {
	Key    string
	Values []interface{}
}

func (In) QueryName() string { return "in" }

// NotIn matches nodes whose metadata at Key equals none of the values.
type NotIn struct {
	Key    string
	Values []interface{}
}

func (NotIn) QueryName() string { return "notin" }

// KeysFilter restricts results to nodes whose key segment is listed.
type KeysFilter struct {
	Keys []string
}

func (KeysFilter) QueryName() string { return "keys_filter" }

// StructureFamilyQuery restricts results to one structure family.
type StructureFamilyQuery struct {
	Value structures.Family
}

func (StructureFamilyQuery) QueryName() string { return "structure_family" }

// FullText matches nodes whose metadata text matches the phrase.
type FullText struct {
	Text string
}

func (FullText) QueryName() string { return "fulltext" }

// Regex matches nodes whose metadata string at Key matches Pattern.
type Regex struct {
	Key           string
	Pattern       string
	CaseSensitive bool
}

func (Regex) QueryName() string { return "regex" }

// SpecsQuery restricts results by declared spec names.
type SpecsQuery struct {
	Include []string
	Exclude []string
}

func (SpecsQuery) QueryName() string { return "specs" }

// AccessBlobFilter scopes results to nodes owned by UserID or tagged
// with any of Tags. It is emitted by the access policy, conjoined with
// user-supplied filters before execution.
type AccessBlobFilter struct {
	UserID string
	Tags   []string
}

func (AccessBlobFilter) QueryName() string { return "access_blob_filter" }

// And is the explicit conjunction of its parts.
type And struct {
	Queries []Query
}

func (And) QueryName() string { return "and" }

// Conjoin flattens nested conjunctions into a single And value.
func Conjoin(qs ...Query) Query {
	var flat []Query
	for _, q := range qs {
		if q == nil {
			continue
		}
		if a, ok := q.(And); ok {
			flat = append(flat, a.Queries...)
			continue
		}
		flat = append(flat, q)
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return And{Queries: flat}
}

// Flatten expands a query into its conjunctive parts.
func Flatten(q Query) []Query {
	if q == nil {
		return nil
	}
	if a, ok := q.(And); ok {
		var out []Query
		for _, part := range a.Queries {
			out = append(out, Flatten(part)...)
		}
		return out
	}
	return []Query{q}
}

// Validate performs the structural checks shared by every executor.
func Validate(q Query) error {
	switch v := q.(type) {
	case Eq, NotEq, Contains:
		return nil
	case Comparison:
		if !v.Op.Valid() {
			return fmt.Errorf("invalid comparison operator: %q", v.Op)
		}
	case In:
		if len(v.Values) == 0 {
			return fmt.Errorf("in query requires at least one value")
		}
	case NotIn:
		if len(v.Values) == 0 {
			return fmt.Errorf("notin query requires at least one value")
		}
	case KeysFilter:
		if len(v.Keys) == 0 {
			return fmt.Errorf("keys_filter requires at least one key")
		}
	case StructureFamilyQuery:
		if !v.Value.Valid() {
			return fmt.Errorf("unknown structure family: %q", v.Value)
		}
	case FullText:
		if v.Text == "" {
			return fmt.Errorf("fulltext query requires text")
		}
	case Regex:
		if v.Pattern == "" {
			return fmt.Errorf("regex query requires a pattern")
		}
	case And:
		for _, part := range v.Queries {
			if err := Validate(part); err != nil {
				return err
			}
		}
	case AccessBlobFilter, SpecsQuery:
		return nil
	default:
		return &ErrUnsupportedQueryType{Name: q.QueryName()}
	}
	return nil
}

// ErrUnsupportedQueryType signals a query no executor is registered for.
type ErrUnsupportedQueryType struct {
	Name string
}

func (e *ErrUnsupportedQueryType) Error() string {
	return fmt.Sprintf("unsupported query type: %q", e.Name)
}
