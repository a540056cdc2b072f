package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beamline/trove/pkg/adapters"
	"github.com/beamline/trove/pkg/observability"
	"github.com/beamline/trove/pkg/structures"
)

// Options configures a Store.
type Options struct {
	// DatabaseURI is sqlite://<path> (or sqlite://:memory:) or a
	// postgresql:// connection URL.
	DatabaseURI string
	// WritableStorage is the root under which writable data sources are
	// initialized.
	WritableStorage string
	// ReadableStorage are the roots external assets must lie under.
	ReadableStorage []string
	// InitIfMissing permits schema auto-initialization of an empty
	// database; otherwise an empty database is fatal at startup.
	InitIfMissing bool

	Registry  *adapters.Registry
	Offloader *adapters.Offloader
	Logger    *observability.Logger
}

// Store is the persistent catalog.
type Store struct {
	db       *sql.DB
	d        dialect
	uri      string
	writable string
	readable []string
	registry *adapters.Registry
	offload  *adapters.Offloader
	logger   *observability.Logger
}

// Open connects to the catalog database, verifies (or initializes) the
// schema revision, and returns a ready store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, dsn, err := dialectFor(opts.DatabaseURI)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	if d.Name() == "sqlite" {
		// A single connection avoids SQLITE_BUSY under concurrent
		// writers and keeps :memory: databases coherent.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	if err := ensureSchema(ctx, db, d, opts.DatabaseURI, opts.InitIfMissing); err != nil {
		db.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	registry := opts.Registry
	if registry == nil {
		registry = adapters.DefaultRegistry()
	}
	offload := opts.Offloader
	if offload == nil {
		offload = adapters.NewOffloader(8, logger)
	}

	return &Store{
		db:       db,
		d:        d,
		uri:      opts.DatabaseURI,
		writable: opts.WritableStorage,
		readable: opts.ReadableStorage,
		registry: registry,
		offload:  offload,
		logger:   logger,
	}, nil
}

func dialectFor(uri string) (dialect, string, error) {
	switch {
	case strings.HasPrefix(uri, "sqlite://"):
		dsn := strings.TrimPrefix(uri, "sqlite://")
		if dsn == ":memory:" || dsn == "" {
			dsn = "file::memory:?cache=shared&_foreign_keys=on"
		} else if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on"
		}
		return sqliteDialect{}, dsn, nil
	case strings.HasPrefix(uri, "postgresql://"), strings.HasPrefix(uri, "postgres://"):
		return postgresDialect{}, uri, nil
	default:
		return nil, "", fmt.Errorf("unsupported database URI: %q", uri)
	}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying pool for subsystems that share the catalog
// database (auth store, scheduler purges).
func (s *Store) DB() *sql.DB { return s.db }

// DialectName reports "sqlite" or "postgresql".
func (s *Store) DialectName() string { return s.d.Name() }

func ensureSchema(ctx context.Context, db *sql.DB, d dialect, uri string, initIfMissing bool) error {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM catalog_migrations").Scan(&version)
	if err != nil {
		// No migrations table at all: the database is uninitialized.
		if !initIfMissing {
			return &ErrUninitializedDatabase{URI: uri}
		}
		return runMigrations(ctx, db, d)
	}
	if version == requiredSchemaVersion {
		return nil
	}
	if version == 0 || (version < requiredSchemaVersion && initIfMissing) {
		if !initIfMissing {
			return &ErrUninitializedDatabase{URI: uri}
		}
		return runMigrations(ctx, db, d)
	}
	return &ErrDatabaseUpgradeNeeded{Found: version, Required: requiredSchemaVersion}
}

func runMigrations(ctx context.Context, db *sql.DB, d dialect) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS catalog_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM catalog_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range d.Migrations() {
		if applied[m.Version] {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start migration transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		record := fmt.Sprintf(
			"INSERT INTO catalog_migrations (version, description, applied_at) VALUES (%s, %s, %s)",
			d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
		if _, err := tx.ExecContext(ctx, record, m.Version, m.Description, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

const nodeColumns = "n.id, n.key, n.ancestors, n.structure_family, n.metadata, n.specs, n.access_blob, n.time_created, n.time_updated"

func (s *Store) scanNode(scan func(dest ...interface{}) error) (*Node, error) {
	var (
		n          Node
		ancestors  []byte
		family     string
		metadata   []byte
		specs      []byte
		accessBlob sql.NullString
	)
	if err := scan(&n.ID, &n.Key, &ancestors, &family, &metadata, &specs, &accessBlob, &n.TimeCreated, &n.TimeUpdated); err != nil {
		return nil, err
	}
	decoded, err := s.d.DecodeAncestors(ancestors)
	if err != nil {
		return nil, err
	}
	n.Ancestors = decoded
	n.StructureFamily = structures.Family(family)
	if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if err := json.Unmarshal(specs, &n.Specs); err != nil {
		return nil, fmt.Errorf("failed to decode specs: %w", err)
	}
	if accessBlob.Valid && accessBlob.String != "" && accessBlob.String != "null" {
		var blob AccessBlob
		if err := json.Unmarshal([]byte(accessBlob.String), &blob); err != nil {
			return nil, fmt.Errorf("failed to decode access blob: %w", err)
		}
		n.AccessBlob = &blob
	}
	return &n, nil
}

func (s *Store) loadDataSources(ctx context.Context, node *Node) error {
	b := &sqlBuilder{d: s.d}
	q := fmt.Sprintf(`
		SELECT id, mimetype, structure, parameters, management
		FROM data_sources WHERE node_id = %s ORDER BY id
	`, b.bind(node.ID))

	rows, err := s.db.QueryContext(ctx, q, b.args...)
	if err != nil {
		return fmt.Errorf("failed to load data sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ds         DataSource
			structRaw  []byte
			paramsRaw  []byte
			management string
		)
		if err := rows.Scan(&ds.ID, &ds.Mimetype, &structRaw, &paramsRaw, &management); err != nil {
			return fmt.Errorf("failed to scan data source: %w", err)
		}
		ds.Management = Management(management)
		ds.Structure = &structures.Structure{}
		if err := json.Unmarshal(structRaw, ds.Structure); err != nil {
			return fmt.Errorf("failed to decode structure: %w", err)
		}
		if err := json.Unmarshal(paramsRaw, &ds.Parameters); err != nil {
			return fmt.Errorf("failed to decode parameters: %w", err)
		}
		node.DataSources = append(node.DataSources, ds)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range node.DataSources {
		ds := &node.DataSources[i]
		ab := &sqlBuilder{d: s.d}
		aq := fmt.Sprintf(
			"SELECT id, data_uri, is_directory FROM assets WHERE data_source_id = %s ORDER BY id",
			ab.bind(ds.ID))
		arows, err := s.db.QueryContext(ctx, aq, ab.args...)
		if err != nil {
			return fmt.Errorf("failed to load assets: %w", err)
		}
		for arows.Next() {
			var a Asset
			if err := arows.Scan(&a.ID, &a.DataURI, &a.IsDirectory); err != nil {
				arows.Close()
				return fmt.Errorf("failed to scan asset: %w", err)
			}
			ds.Assets = append(ds.Assets, a)
		}
		if err := arows.Err(); err != nil {
			arows.Close()
			return err
		}
		arows.Close()
	}
	return nil
}

// GetNode loads a node (with data sources) by its full path segments.
// The root (empty segments) is synthesized, not stored.
func (s *Store) GetNode(ctx context.Context, segments []string) (*Node, error) {
	if len(segments) == 0 {
		return &Node{
			Key:             "",
			Ancestors:       []string{},
			StructureFamily: structures.FamilyContainer,
			Metadata:        map[string]interface{}{},
			Specs:           []string{},
		}, nil
	}

	ancestors := segments[:len(segments)-1]
	key := segments[len(segments)-1]

	b := &sqlBuilder{d: s.d}
	encoded, err := s.d.EncodeAncestors(ancestors)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(
		"SELECT %s FROM nodes n WHERE n.ancestors = %s AND n.key = %s",
		nodeColumns, b.bind(encoded), b.bind(key))

	row := s.db.QueryRowContext(ctx, q, b.args...)
	node, err := s.scanNode(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Path: "/" + strings.Join(segments, "/")}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node: %w", err)
	}
	if err := s.loadDataSources(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// childCount returns how many direct children a node has.
func (s *Store) childCount(ctx context.Context, segments []string) (int64, error) {
	b := &sqlBuilder{d: s.d}
	encoded, err := s.d.EncodeAncestors(segments)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM nodes n WHERE n.ancestors = %s", b.bind(encoded))
	var count int64
	if err := s.db.QueryRowContext(ctx, q, b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return count, nil
}

// CreateNode atomically creates a node and, when given, its data
// source. Writable data sources get their storage initialized under
// writable_storage before asset rows are recorded; external assets are
// verified against readable_storage.
func (s *Store) CreateNode(ctx context.Context, node *Node, ds *DataSource) error {
	if !node.StructureFamily.Valid() {
		return fmt.Errorf("unknown structure family: %q", node.StructureFamily)
	}
	if node.StructureFamily.IsContainerLike() && ds != nil {
		return fmt.Errorf("container nodes carry no data source")
	}
	if !node.StructureFamily.IsContainerLike() && ds == nil {
		return fmt.Errorf("%s nodes require a data source", node.StructureFamily)
	}
	if ds != nil {
		if ds.Structure == nil {
			return fmt.Errorf("data source requires a structure")
		}
		if err := ds.Structure.Validate(); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	node.TimeCreated = now
	node.TimeUpdated = now
	if node.Ancestors == nil {
		node.Ancestors = []string{}
	}

	encoded, err := s.d.EncodeAncestors(node.Ancestors)
	if err != nil {
		return err
	}
	metadataJSON, err := encodeJSON(node.Metadata)
	if err != nil {
		return err
	}
	specsJSON, err := encodeJSON(node.Specs)
	if err != nil {
		return err
	}
	var accessBlobJSON interface{}
	if node.AccessBlob != nil {
		raw, err := json.Marshal(node.AccessBlob)
		if err != nil {
			return fmt.Errorf("failed to encode access blob: %w", err)
		}
		accessBlobJSON = string(raw)
	}

	// Initialize writable storage before touching the database so a
	// collision never leaves a half-written directory behind a row.
	var initialized []adapters.InitializedAsset
	if ds != nil && ds.Management == ManagementWritable {
		if s.writable == "" {
			return fmt.Errorf("no writable storage is configured")
		}
		path, err := adapters.SafeJoin(s.writable, adapters.EncodeSegments(append(append([]string{}, node.Ancestors...), node.Key))...)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to prepare writable storage: %w", err)
		}
		initialized, err = s.registry.InitStorage(ctx, ds.Mimetype, path, ds.Structure)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		ds.Assets = ds.Assets[:0]
		for _, a := range initialized {
			ds.Assets = append(ds.Assets, Asset{DataURI: a.DataURI, IsDirectory: a.IsDirectory})
		}
	}
	if ds != nil && ds.Management == ManagementExternal {
		for _, a := range ds.Assets {
			path, err := adapters.FileURIToPath(a.DataURI)
			if err != nil {
				return err
			}
			if !adapters.PathIsWithin(path, s.readable) {
				return fmt.Errorf("asset %q is outside the configured readable storage", a.DataURI)
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	b := &sqlBuilder{d: s.d}
	insertNode := fmt.Sprintf(`
		INSERT INTO nodes (key, ancestors, structure_family, metadata, specs, access_blob, time_created, time_updated)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
	`, b.bind(node.Key), b.bind(encoded), b.bind(string(node.StructureFamily)),
		b.bind(metadataJSON), b.bind(specsJSON), b.bind(accessBlobJSON), b.bind(now), b.bind(now))

	node.ID, err = insertReturningID(ctx, tx, s.d, insertNode, b.args)
	if err != nil {
		if s.d.IsUniqueViolation(err) {
			s.cleanupInitialized(initialized)
			return &ErrCollision{Path: node.Path()}
		}
		return fmt.Errorf("failed to insert node: %w", err)
	}

	if ds != nil {
		structJSON, err := json.Marshal(ds.Structure)
		if err != nil {
			return fmt.Errorf("failed to encode structure: %w", err)
		}
		paramsJSON, err := encodeJSON(ds.Parameters)
		if err != nil {
			return err
		}

		db := &sqlBuilder{d: s.d}
		insertDS := fmt.Sprintf(`
			INSERT INTO data_sources (node_id, mimetype, structure, parameters, management)
			VALUES (%s, %s, %s, %s, %s)
		`, db.bind(node.ID), db.bind(ds.Mimetype), db.bind(string(structJSON)),
			db.bind(paramsJSON), db.bind(string(ds.Management)))
		ds.ID, err = insertReturningID(ctx, tx, s.d, insertDS, db.args)
		if err != nil {
			return fmt.Errorf("failed to insert data source: %w", err)
		}

		for i := range ds.Assets {
			ab := &sqlBuilder{d: s.d}
			insertAsset := fmt.Sprintf(`
				INSERT INTO assets (data_source_id, data_uri, is_directory)
				VALUES (%s, %s, %s)
			`, ab.bind(ds.ID), ab.bind(ds.Assets[i].DataURI), ab.bind(ds.Assets[i].IsDirectory))
			ds.Assets[i].ID, err = insertReturningID(ctx, tx, s.d, insertAsset, ab.args)
			if err != nil {
				return fmt.Errorf("failed to insert asset: %w", err)
			}
		}
		node.DataSources = []DataSource{*ds}
	}

	if err := tx.Commit(); err != nil {
		s.cleanupInitialized(initialized)
		return fmt.Errorf("failed to commit node creation: %w", err)
	}
	return nil
}

// cleanupInitialized best-effort removes storage created for a node
// whose row insert did not survive.
func (s *Store) cleanupInitialized(assets []adapters.InitializedAsset) {
	for _, a := range assets {
		if path, err := adapters.FileURIToPath(a.DataURI); err == nil {
			if err := os.RemoveAll(path); err != nil {
				s.logger.WithError(err).Warnf("failed to clean up %s", a.DataURI)
			}
		}
	}
}

// insertReturningID executes an INSERT and recovers the generated
// primary key. lib/pq does not support LastInsertId, so the postgres
// path appends a RETURNING clause; reading the id any other way could
// observe rows from concurrent transactions.
func insertReturningID(ctx context.Context, tx *sql.Tx, d dialect, stmt string, args []interface{}) (int64, error) {
	if d.Name() == "sqlite" {
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return 0, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read inserted id: %w", err)
		}
		return id, nil
	}
	var id int64
	if err := tx.QueryRowContext(ctx, stmt+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteNode deletes a single leaf-or-empty node. Internally managed
// assets are removed from disk within the same logical operation; the
// row deletion rolls back when the affected rowcount is not exactly 1.
func (s *Store) DeleteNode(ctx context.Context, segments []string) error {
	if len(segments) == 0 {
		return fmt.Errorf("cannot delete the root")
	}
	node, err := s.GetNode(ctx, segments)
	if err != nil {
		return err
	}
	children, err := s.childCount(ctx, segments)
	if err != nil {
		return err
	}
	if children > 0 {
		return &ErrConflicts{Path: node.Path(), Children: children}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.deleteNodeRows(ctx, tx, node); err != nil {
		return err
	}
	if err := removeManagedAssets(node); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) deleteNodeRows(ctx context.Context, tx *sql.Tx, node *Node) error {
	for _, ds := range node.DataSources {
		ab := &sqlBuilder{d: s.d}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM assets WHERE data_source_id = %s", ab.bind(ds.ID)), ab.args...); err != nil {
			return fmt.Errorf("failed to delete assets: %w", err)
		}
		db := &sqlBuilder{d: s.d}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM data_sources WHERE id = %s", db.bind(ds.ID)), db.args...); err != nil {
			return fmt.Errorf("failed to delete data source: %w", err)
		}
	}
	b := &sqlBuilder{d: s.d}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM nodes WHERE id = %s", b.bind(node.ID)), b.args...)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete rowcount: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("delete affected %d rows, expected 1", affected)
	}
	return nil
}

// removeManagedAssets deletes the on-disk storage of internally managed
// data sources. External assets are never touched.
func removeManagedAssets(node *Node) error {
	for _, ds := range node.DataSources {
		if ds.Management != ManagementWritable {
			continue
		}
		for _, a := range ds.Assets {
			path, err := adapters.FileURIToPath(a.DataURI)
			if err != nil {
				return err
			}
			if a.IsDirectory {
				err = os.RemoveAll(path)
			} else {
				err = os.Remove(path)
				if os.IsNotExist(err) {
					err = nil
				}
			}
			if err != nil {
				return fmt.Errorf("failed to remove asset %s: %w", a.DataURI, err)
			}
		}
	}
	return nil
}

// DeletedCounts reports what a tree delete removed.
type DeletedCounts struct {
	Nodes       int64 `json:"nodes"`
	DataSources int64 `json:"data_sources"`
	Assets      int64 `json:"assets"`
}

// DeleteTree deletes a subtree rooted at segments (inclusive). With
// externalOnly set (the default posture), the operation refuses when
// any internally managed assets would be removed.
func (s *Store) DeleteTree(ctx context.Context, segments []string, externalOnly bool) (DeletedCounts, error) {
	var counts DeletedCounts

	root, err := s.GetNode(ctx, segments)
	if err != nil {
		return counts, err
	}

	// Breadth-first collection, children before parents on delete.
	var all []*Node
	queue := [][]string{segments}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		node, err := s.GetNode(ctx, current)
		if err != nil {
			return counts, err
		}
		all = append(all, node)
		childKeys, err := s.allChildKeys(ctx, current)
		if err != nil {
			return counts, err
		}
		for _, key := range childKeys {
			queue = append(queue, append(append([]string{}, current...), key))
		}
	}

	if externalOnly {
		for _, node := range all {
			for _, ds := range node.DataSources {
				if ds.Management == ManagementWritable {
					return counts, &ErrWouldDeleteData{Path: root.Path()}
				}
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for i := len(all) - 1; i >= 0; i-- {
		node := all[i]
		if err := s.deleteNodeRows(ctx, tx, node); err != nil {
			return DeletedCounts{}, err
		}
		if err := removeManagedAssets(node); err != nil {
			return DeletedCounts{}, err
		}
		counts.Nodes++
		for _, ds := range node.DataSources {
			counts.DataSources++
			counts.Assets += int64(len(ds.Assets))
		}
	}
	if err := tx.Commit(); err != nil {
		return DeletedCounts{}, fmt.Errorf("failed to commit tree delete: %w", err)
	}
	return counts, nil
}

func (s *Store) allChildKeys(ctx context.Context, segments []string) ([]string, error) {
	b := &sqlBuilder{d: s.d}
	encoded, err := s.d.EncodeAncestors(segments)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT n.key FROM nodes n WHERE n.ancestors = %s ORDER BY n.id", b.bind(encoded))
	rows, err := s.db.QueryContext(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateNode writes a revision mirroring the pre-update metadata and
// specs, then updates the node row. The pair is atomic. Nil arguments
// leave the corresponding field unchanged; accessBlob replacement is
// signaled with setAccessBlob.
func (s *Store) UpdateNode(ctx context.Context, segments []string, metadata map[string]interface{}, specs []string, accessBlob *AccessBlob, setAccessBlob bool) (*Node, error) {
	node, err := s.GetNode(ctx, segments)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Snapshot the pre-update state as the next revision.
	oldMetadata, err := encodeJSON(node.Metadata)
	if err != nil {
		return nil, err
	}
	oldSpecs, err := encodeJSON(node.Specs)
	if err != nil {
		return nil, err
	}
	rb := &sqlBuilder{d: s.d}
	insertRevision := fmt.Sprintf(`
		INSERT INTO revisions (node_id, revision_number, metadata, specs, time_updated)
		VALUES (%s, (SELECT COALESCE(MAX(revision_number), 0) + 1 FROM revisions WHERE node_id = %s), %s, %s, %s)
	`, rb.bind(node.ID), rb.bind(node.ID), rb.bind(oldMetadata), rb.bind(oldSpecs), rb.bind(node.TimeUpdated))
	if _, err := tx.ExecContext(ctx, insertRevision, rb.args...); err != nil {
		return nil, fmt.Errorf("failed to write revision: %w", err)
	}

	if metadata != nil {
		node.Metadata = metadata
	}
	if specs != nil {
		node.Specs = specs
	}
	if setAccessBlob {
		node.AccessBlob = accessBlob
	}
	node.TimeUpdated = time.Now().UTC()

	newMetadata, err := encodeJSON(node.Metadata)
	if err != nil {
		return nil, err
	}
	newSpecs, err := encodeJSON(node.Specs)
	if err != nil {
		return nil, err
	}
	var accessBlobJSON interface{}
	if node.AccessBlob != nil {
		raw, err := json.Marshal(node.AccessBlob)
		if err != nil {
			return nil, fmt.Errorf("failed to encode access blob: %w", err)
		}
		accessBlobJSON = string(raw)
	}

	ub := &sqlBuilder{d: s.d}
	update := fmt.Sprintf(`
		UPDATE nodes SET metadata = %s, specs = %s, access_blob = %s, time_updated = %s WHERE id = %s
	`, ub.bind(newMetadata), ub.bind(newSpecs), ub.bind(accessBlobJSON), ub.bind(node.TimeUpdated), ub.bind(node.ID))
	if _, err := tx.ExecContext(ctx, update, ub.args...); err != nil {
		return nil, fmt.Errorf("failed to update node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return node, nil
}

// ListRevisions pages a node's revision history, newest first.
func (s *Store) ListRevisions(ctx context.Context, segments []string, offset, limit int) ([]Revision, error) {
	node, err := s.GetNode(ctx, segments)
	if err != nil {
		return nil, err
	}
	b := &sqlBuilder{d: s.d}
	q := fmt.Sprintf(`
		SELECT id, revision_number, metadata, specs, time_updated
		FROM revisions WHERE node_id = %s
		ORDER BY revision_number DESC LIMIT %s OFFSET %s
	`, b.bind(node.ID), b.bind(limit), b.bind(offset))
	rows, err := s.db.QueryContext(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var (
			r        Revision
			metadata []byte
			specs    []byte
		)
		if err := rows.Scan(&r.ID, &r.RevisionNumber, &metadata, &specs, &r.TimeUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode revision metadata: %w", err)
		}
		if err := json.Unmarshal(specs, &r.Specs); err != nil {
			return nil, fmt.Errorf("failed to decode revision specs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRevision removes one revision explicitly.
func (s *Store) DeleteRevision(ctx context.Context, segments []string, revisionNumber int64) error {
	node, err := s.GetNode(ctx, segments)
	if err != nil {
		return err
	}
	b := &sqlBuilder{d: s.d}
	q := fmt.Sprintf(
		"DELETE FROM revisions WHERE node_id = %s AND revision_number = %s",
		b.bind(node.ID), b.bind(revisionNumber))
	res, err := s.db.ExecContext(ctx, q, b.args...)
	if err != nil {
		return fmt.Errorf("failed to delete revision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ErrNotFound{Path: fmt.Sprintf("%s@rev%d", node.Path(), revisionNumber)}
	}
	return nil
}
