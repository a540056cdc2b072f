package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/beamline/trove/pkg/adapters"
	"github.com/beamline/trove/pkg/query"
	"github.com/beamline/trove/pkg/structures"
)

// Container adapts one container node of the catalog to the adapter
// contract. Search and Sort return derived views sharing the same
// store; accumulated queries are pushed down to SQL on every range,
// count, and lookup.
type Container struct {
	store   *Store
	node    *Node
	queries []query.Query
	sorting []adapters.SortField
}

// Root returns the container view of the catalog root.
func (s *Store) Root() *Container {
	root, _ := s.GetNode(context.Background(), nil)
	return &Container{store: s, node: root}
}

// ContainerFor wraps an already-loaded container node.
func (s *Store) ContainerFor(node *Node) *Container {
	return &Container{store: s, node: node}
}

func (c *Container) StructureFamily() structures.Family { return c.node.StructureFamily }

func (c *Container) Metadata() map[string]interface{} { return c.node.Metadata }

func (c *Container) Structure() *structures.Structure {
	return &structures.Structure{Family: c.node.StructureFamily}
}

func (c *Container) Specs() []string { return c.node.Specs }

// Node exposes the underlying catalog node.
func (c *Container) Node() *Node { return c.node }

// Search returns a view with q conjoined onto the accumulated queries.
func (c *Container) Search(q query.Query) (adapters.Container, error) {
	if err := query.Validate(q); err != nil {
		return nil, err
	}
	queries := append(append([]query.Query{}, c.queries...), q)
	return &Container{store: c.store, node: c.node, queries: queries, sorting: c.sorting}, nil
}

// Sort returns a view ordered by the given fields.
func (c *Container) Sort(sorting []adapters.SortField) (adapters.Container, error) {
	for _, f := range sorting {
		if f.Direction != 1 && f.Direction != -1 {
			return nil, fmt.Errorf("sort direction must be 1 or -1, got %d", f.Direction)
		}
	}
	return &Container{store: c.store, node: c.node, queries: c.queries, sorting: sorting}, nil
}

func (c *Container) segments() []string {
	if c.node.Key == "" {
		return []string{}
	}
	return append(append([]string{}, c.node.Ancestors...), c.node.Key)
}

// whereClause renders the ancestors match plus the accumulated query
// predicates, binding through b.
func (c *Container) whereClause(b *sqlBuilder) (string, error) {
	encoded, err := c.store.d.EncodeAncestors(c.segments())
	if err != nil {
		return "", err
	}
	where := fmt.Sprintf("n.ancestors = %s", b.bind(encoded))
	predicate, err := translateAll(b, c.queries)
	if err != nil {
		return "", err
	}
	if predicate != "" {
		where += " AND " + predicate
	}
	return where, nil
}

// orderBy renders the ORDER BY clause. Listings are always made stable
// by a trailing (time_created, id) tiebreaker; a sort field with the
// empty key sets the direction the tiebreaker uses.
func (c *Container) orderBy() string {
	tiebreakDir := "ASC"
	var parts []string
	for _, f := range c.sorting {
		dir := "ASC"
		if f.Direction < 0 {
			dir = "DESC"
		}
		switch f.Key {
		case "":
			tiebreakDir = dir
		case "id":
			parts = append(parts, "n.key "+dir)
		default:
			parts = append(parts, c.store.d.MetadataSortExpr(metadataPath(f.Key))+" "+dir)
		}
	}
	parts = append(parts, "n.time_created "+tiebreakDir, "n.id "+tiebreakDir)
	return "ORDER BY " + strings.Join(parts, ", ")
}

func limitClause(b *sqlBuilder, offset, limit int) string {
	clause := ""
	if limit >= 0 {
		clause += " LIMIT " + b.bind(limit)
	}
	if offset > 0 {
		clause += " OFFSET " + b.bind(offset)
	}
	return clause
}

// Len counts the children matching the accumulated queries.
func (c *Container) Len(ctx context.Context) (int64, error) {
	b := &sqlBuilder{d: c.store.d}
	where, err := c.whereClause(b)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM nodes n WHERE %s", where)
	var count int64
	if err := c.store.db.QueryRowContext(ctx, q, b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return count, nil
}

// KeysRange pages child keys. A negative limit means no limit.
func (c *Container) KeysRange(ctx context.Context, offset, limit int) ([]string, error) {
	b := &sqlBuilder{d: c.store.d}
	where, err := c.whereClause(b)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT n.key FROM nodes n WHERE %s %s%s",
		where, c.orderBy(), limitClause(b, offset, limit))

	rows, err := c.store.db.QueryContext(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to page keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ItemsRange pages child nodes as adapters.
func (c *Container) ItemsRange(ctx context.Context, offset, limit int) ([]adapters.Entry, error) {
	b := &sqlBuilder{d: c.store.d}
	where, err := c.whereClause(b)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM nodes n WHERE %s %s%s",
		nodeColumns, where, c.orderBy(), limitClause(b, offset, limit))

	rows, err := c.store.db.QueryContext(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to page items: %w", err)
	}
	var children []*Node
	for rows.Next() {
		node, err := c.store.scanNode(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		children = append(children, node)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	entries := make([]adapters.Entry, 0, len(children))
	for _, child := range children {
		if err := c.store.loadDataSources(ctx, child); err != nil {
			return nil, err
		}
		adapter, err := c.store.adapterFor(ctx, child)
		if err != nil {
			return nil, err
		}
		entries = append(entries, adapters.Entry{Key: child.Key, Adapter: adapter})
	}
	return entries, nil
}

// adapterFor builds the adapter view of a loaded node: a Container for
// container-like nodes, a registry-constructed adapter otherwise.
// Construction goes through the offload pool since constructors may
// touch storage.
func (s *Store) adapterFor(ctx context.Context, node *Node) (adapters.Adapter, error) {
	if node.StructureFamily.IsContainerLike() {
		return s.ContainerFor(node), nil
	}
	if len(node.DataSources) == 0 {
		return nil, fmt.Errorf("node %s has no data source", node.Path())
	}
	ds := node.DataSources[0]
	uris := make([]string, len(ds.Assets))
	for i, a := range ds.Assets {
		uris[i] = a.DataURI
	}
	params := adapters.Params{
		DataURIs:   uris,
		Structure:  ds.Structure,
		Metadata:   node.Metadata,
		Specs:      node.Specs,
		Parameters: ds.Parameters,
	}
	return adapters.DoValue(ctx, s.offload, "construct "+ds.Mimetype,
		func(ctx context.Context) (adapters.Adapter, error) {
			return s.registry.Construct(ctx, ds.Mimetype, params)
		})
}

// Lookup resolves a descendant by path segments. The first segment must
// satisfy the accumulated queries; when the match is not a container
// and segments remain, resolution is delegated to the adapter's own
// Lookup (adapters may expose virtual subtrees).
func (c *Container) Lookup(ctx context.Context, segments []string) (adapters.Adapter, error) {
	if len(segments) == 0 {
		return c, nil
	}

	b := &sqlBuilder{d: c.store.d}
	where, err := c.whereClause(b)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM nodes n WHERE %s AND n.key = %s",
		nodeColumns, where, b.bind(segments[0]))

	row := c.store.db.QueryRowContext(ctx, q, b.args...)
	child, err := c.store.scanNode(row.Scan)
	if err != nil {
		path := "/" + strings.Join(append(c.segments(), segments[0]), "/")
		return nil, &ErrNotFound{Path: path}
	}
	if err := c.store.loadDataSources(ctx, child); err != nil {
		return nil, err
	}

	adapter, err := c.store.adapterFor(ctx, child)
	if err != nil {
		return nil, err
	}
	if len(segments) == 1 {
		return adapter, nil
	}
	inner, ok := adapter.(adapters.Container)
	if !ok {
		path := "/" + strings.Join(append(c.segments(), segments...), "/")
		return nil, &ErrNotFound{Path: path}
	}
	return inner.Lookup(ctx, segments[1:])
}

// DistinctValue is one distinct value with its occurrence count (only
// populated when counts are requested).
type DistinctValue struct {
	Value interface{} `json:"value"`
	Count int64       `json:"count,omitempty"`
}

// DistinctResult aggregates distinct values over a container's
// children, grouped per requested dimension.
type DistinctResult struct {
	Metadata        map[string][]DistinctValue `json:"metadata,omitempty"`
	StructureFamily []DistinctValue            `json:"structure_families,omitempty"`
	Specs           []DistinctValue            `json:"specs,omitempty"`
}

// Distinct computes distinct metadata values (per dotted path), distinct
// structure families, and distinct spec names among the children
// matching the accumulated queries.
func (c *Container) Distinct(ctx context.Context, metadataKeys []string, structureFamilies, specs, counts bool) (*DistinctResult, error) {
	out := &DistinctResult{}

	for _, key := range metadataKeys {
		b := &sqlBuilder{d: c.store.d}
		where, err := c.whereClause(b)
		if err != nil {
			return nil, err
		}
		expr := c.store.d.MetadataValueExpr(metadataPath(key))
		q := fmt.Sprintf(
			"SELECT %s AS v, COUNT(*) FROM nodes n WHERE %s AND %s IS NOT NULL GROUP BY v ORDER BY v",
			expr, where, expr)
		values, err := c.distinctRows(ctx, q, b.args, counts)
		if err != nil {
			return nil, err
		}
		if out.Metadata == nil {
			out.Metadata = make(map[string][]DistinctValue)
		}
		out.Metadata[key] = values
	}

	if structureFamilies {
		b := &sqlBuilder{d: c.store.d}
		where, err := c.whereClause(b)
		if err != nil {
			return nil, err
		}
		q := fmt.Sprintf(
			"SELECT n.structure_family AS v, COUNT(*) FROM nodes n WHERE %s GROUP BY v ORDER BY v", where)
		values, err := c.distinctRows(ctx, q, b.args, counts)
		if err != nil {
			return nil, err
		}
		out.StructureFamily = values
	}

	if specs {
		b := &sqlBuilder{d: c.store.d}
		where, err := c.whereClause(b)
		if err != nil {
			return nil, err
		}
		q := fmt.Sprintf(
			"SELECT s.value AS v, COUNT(*) FROM nodes n, %s AS s WHERE %s GROUP BY v ORDER BY v",
			c.store.d.SpecsElementsExpr(), where)
		values, err := c.distinctRows(ctx, q, b.args, counts)
		if err != nil {
			return nil, err
		}
		out.Specs = values
	}

	return out, nil
}

func (c *Container) distinctRows(ctx context.Context, q string, args []interface{}, counts bool) ([]DistinctValue, error) {
	rows, err := c.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct values: %w", err)
	}
	defer rows.Close()

	values := []DistinctValue{}
	for rows.Next() {
		var (
			v     interface{}
			count int64
		)
		if err := rows.Scan(&v, &count); err != nil {
			return nil, err
		}
		if raw, ok := v.([]byte); ok {
			v = string(raw)
		}
		dv := DistinctValue{Value: v}
		if counts {
			dv.Count = count
		}
		values = append(values, dv)
	}
	return values, rows.Err()
}
