package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/trove/pkg/adapters"
	"github.com/beamline/trove/pkg/query"
	"github.com/beamline/trove/pkg/structures"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), Options{
		DatabaseURI:     "sqlite://" + filepath.Join(dir, "catalog.db"),
		WritableStorage: filepath.Join(dir, "data"),
		InitIfMissing:   true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createContainer(t *testing.T, store *Store, ancestors []string, key string, metadata map[string]interface{}) *Node {
	t.Helper()
	node := &Node{
		Key:             key,
		Ancestors:       ancestors,
		StructureFamily: structures.FamilyContainer,
		Metadata:        metadata,
	}
	require.NoError(t, store.CreateNode(context.Background(), node, nil))
	return node
}

func createArray(t *testing.T, store *Store, ancestors []string, key string, metadata map[string]interface{}) *Node {
	t.Helper()
	node := &Node{
		Key:             key,
		Ancestors:       ancestors,
		StructureFamily: structures.FamilyArray,
		Metadata:        metadata,
		Specs:           []string{"image"},
	}
	ds := &DataSource{
		Mimetype: adapters.MimetypeBlockArray,
		Structure: &structures.Structure{
			Family: structures.FamilyArray,
			Array: &structures.ArrayStructure{
				DataType: "<f8",
				Shape:    []int64{4, 4},
				Chunks:   [][]int64{{4}, {4}},
				Dims:     []string{"y", "x"},
			},
		},
		Management: ManagementWritable,
	}
	require.NoError(t, store.CreateNode(context.Background(), node, ds))
	return node
}

func TestOpenInitializesSchema(t *testing.T) {
	store := newTestStore(t)

	var version int
	err := store.DB().QueryRow("SELECT MAX(version) FROM catalog_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, requiredSchemaVersion, version)
}

func TestOpenUninitializedIsFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(context.Background(), Options{
		DatabaseURI:   "sqlite://" + filepath.Join(dir, "catalog.db"),
		InitIfMissing: false,
	})
	var uninit *ErrUninitializedDatabase
	require.ErrorAs(t, err, &uninit)
}

func TestEnsureSchemaUpgradeNeeded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(requiredSchemaVersion + 1))

	err = ensureSchema(context.Background(), db, sqliteDialect{}, "sqlite://x.db", false)
	var upgrade *ErrDatabaseUpgradeNeeded
	require.ErrorAs(t, err, &upgrade)
	assert.Equal(t, requiredSchemaVersion+1, upgrade.Found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNodeRootIsSynthetic(t *testing.T) {
	store := newTestStore(t)

	root, err := store.GetNode(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, structures.FamilyContainer, root.StructureFamily)
	assert.Empty(t, root.Key)
}

func TestCreateAndGetNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", map[string]interface{}{"facility": "beamline-7"})
	node, err := store.GetNode(ctx, []string{"raw"})
	require.NoError(t, err)
	assert.Equal(t, "raw", node.Key)
	assert.Equal(t, "beamline-7", node.Metadata["facility"])
	assert.Equal(t, "/raw", node.Path())

	_, err = store.GetNode(ctx, []string{"missing"})
	var notFound *ErrNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestCreateCollision(t *testing.T) {
	store := newTestStore(t)

	createContainer(t, store, nil, "raw", nil)
	err := store.CreateNode(context.Background(), &Node{
		Key:             "raw",
		StructureFamily: structures.FamilyContainer,
	}, nil)
	var collision *ErrCollision
	require.ErrorAs(t, err, &collision)
	assert.Equal(t, "/raw", collision.Path)
}

func TestCreateWritableArrayInitializesStorage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", nil)
	createArray(t, store, []string{"raw"}, "image", nil)

	node, err := store.GetNode(ctx, []string{"raw", "image"})
	require.NoError(t, err)
	require.Len(t, node.DataSources, 1)
	ds := node.DataSources[0]
	assert.Equal(t, ManagementWritable, ds.Management)
	require.NotEmpty(t, ds.Assets)

	path, err := adapters.FileURIToPath(ds.Assets[0].DataURI)
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestDeleteNodeWithChildrenConflicts(t *testing.T) {
	store := newTestStore(t)

	createContainer(t, store, nil, "raw", nil)
	createContainer(t, store, []string{"raw"}, "scan1", nil)

	err := store.DeleteNode(context.Background(), []string{"raw"})
	var conflicts *ErrConflicts
	require.ErrorAs(t, err, &conflicts)
	assert.EqualValues(t, 1, conflicts.Children)
}

func TestDeleteNodeRemovesManagedAssets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", nil)
	createArray(t, store, []string{"raw"}, "image", nil)

	node, err := store.GetNode(ctx, []string{"raw", "image"})
	require.NoError(t, err)
	path, err := adapters.FileURIToPath(node.DataSources[0].Assets[0].DataURI)
	require.NoError(t, err)

	require.NoError(t, store.DeleteNode(ctx, []string{"raw", "image"}))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = store.GetNode(ctx, []string{"raw", "image"})
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestDeleteTreeExternalOnlyRefusesManagedData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", nil)
	createArray(t, store, []string{"raw"}, "image", nil)

	_, err := store.DeleteTree(ctx, []string{"raw"}, true)
	var wouldDelete *ErrWouldDeleteData
	require.ErrorAs(t, err, &wouldDelete)

	counts, err := store.DeleteTree(ctx, []string{"raw"}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Nodes)
	assert.EqualValues(t, 1, counts.DataSources)

	_, err = store.GetNode(ctx, []string{"raw"})
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestUpdateNodeWritesRevision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", map[string]interface{}{"color": "red"})

	updated, err := store.UpdateNode(ctx, []string{"raw"},
		map[string]interface{}{"color": "blue"}, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "blue", updated.Metadata["color"])

	revisions, err := store.ListRevisions(ctx, []string{"raw"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, revisions, 1)
	assert.EqualValues(t, 1, revisions[0].RevisionNumber)
	assert.Equal(t, "red", revisions[0].Metadata["color"])

	_, err = store.UpdateNode(ctx, []string{"raw"},
		map[string]interface{}{"color": "green"}, nil, nil, false)
	require.NoError(t, err)
	revisions, err = store.ListRevisions(ctx, []string{"raw"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, revisions, 2)
	// Newest first.
	assert.EqualValues(t, 2, revisions[0].RevisionNumber)
	assert.Equal(t, "blue", revisions[0].Metadata["color"])

	require.NoError(t, store.DeleteRevision(ctx, []string{"raw"}, 1))
	revisions, err = store.ListRevisions(ctx, []string{"raw"}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, revisions, 1)

	err = store.DeleteRevision(ctx, []string{"raw"}, 99)
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestContainerPaginationIsStable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", nil)
	for i := 0; i < 5; i++ {
		createContainer(t, store, []string{"raw"}, fmt.Sprintf("scan%d", i), nil)
	}

	parent, err := store.GetNode(ctx, []string{"raw"})
	require.NoError(t, err)
	c := store.ContainerFor(parent)

	total, err := c.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)

	first, err := c.KeysRange(ctx, 0, 3)
	require.NoError(t, err)
	rest, err := c.KeysRange(ctx, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"scan0", "scan1", "scan2"}, first)
	assert.Equal(t, []string{"scan3", "scan4"}, rest)

	all, err := c.KeysRange(ctx, 0, -1)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestContainerSort(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", nil)
	createContainer(t, store, []string{"raw"}, "b", map[string]interface{}{"temp": 300.0})
	createContainer(t, store, []string{"raw"}, "a", map[string]interface{}{"temp": 100.0})
	createContainer(t, store, []string{"raw"}, "c", map[string]interface{}{"temp": 200.0})

	parent, err := store.GetNode(ctx, []string{"raw"})
	require.NoError(t, err)
	c := store.ContainerFor(parent)

	byKey, err := c.Sort([]adapters.SortField{{Key: "id", Direction: 1}})
	require.NoError(t, err)
	keys, err := byKey.KeysRange(ctx, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	byTemp, err := c.Sort([]adapters.SortField{{Key: "temp", Direction: -1}})
	require.NoError(t, err)
	keys, err = byTemp.KeysRange(ctx, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, keys)

	reversed, err := c.Sort([]adapters.SortField{{Key: "", Direction: -1}})
	require.NoError(t, err)
	keys, err = reversed.KeysRange(ctx, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, keys)
}

func TestContainerSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", nil)
	createContainer(t, store, []string{"raw"}, "scan1", map[string]interface{}{
		"sample": "NaCl", "temperature": 300.0, "detectors": []interface{}{"det1", "det2"},
	})
	createContainer(t, store, []string{"raw"}, "scan2", map[string]interface{}{
		"sample": "KCl", "temperature": 100.0, "detectors": []interface{}{"det3"},
	})
	createArray(t, store, []string{"raw"}, "image", map[string]interface{}{"sample": "NaCl"})

	parent, err := store.GetNode(ctx, []string{"raw"})
	require.NoError(t, err)
	c := store.ContainerFor(parent)

	cases := []struct {
		name string
		q    query.Query
		want []string
	}{
		{"eq", query.Eq{Key: "sample", Value: "NaCl"}, []string{"scan1", "image"}},
		{"noteq", query.NotEq{Key: "sample", Value: "NaCl"}, []string{"scan2"}},
		{"comparison", query.Comparison{Op: query.OpGt, Key: "temperature", Value: 200.0}, []string{"scan1"}},
		{"contains", query.Contains{Key: "detectors", Value: "det2"}, []string{"scan1"}},
		{"in", query.In{Key: "sample", Values: []interface{}{"NaCl", "KCl"}}, []string{"scan1", "scan2", "image"}},
		{"keys", query.KeysFilter{Keys: []string{"scan2", "image"}}, []string{"scan2", "image"}},
		{"family", query.StructureFamilyQuery{Value: structures.FamilyArray}, []string{"image"}},
		{"fulltext", query.FullText{Text: "KCl"}, []string{"scan2"}},
		{"regex", query.Regex{Key: "sample", Pattern: "^na", CaseSensitive: false}, []string{"scan1", "image"}},
		{"specs", query.SpecsQuery{Include: []string{"image"}}, []string{"image"}},
		{"conjunction", query.Conjoin(
			query.Eq{Key: "sample", Value: "NaCl"},
			query.StructureFamilyQuery{Value: structures.FamilyContainer},
		), []string{"scan1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			view, err := c.Search(tc.q)
			require.NoError(t, err)
			keys, err := view.KeysRange(ctx, 0, -1)
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, keys)

			count, err := view.Len(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, len(tc.want), count)
		})
	}
}

func TestAccessBlobFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", nil)

	mine := &Node{
		Key: "mine", Ancestors: []string{"raw"},
		StructureFamily: structures.FamilyContainer,
		AccessBlob:      &AccessBlob{User: "alice"},
	}
	require.NoError(t, store.CreateNode(ctx, mine, nil))
	tagged := &Node{
		Key: "tagged", Ancestors: []string{"raw"},
		StructureFamily: structures.FamilyContainer,
		AccessBlob:      &AccessBlob{Tags: []string{"proposal-123"}},
	}
	require.NoError(t, store.CreateNode(ctx, tagged, nil))
	createContainer(t, store, []string{"raw"}, "unowned", nil)

	parent, err := store.GetNode(ctx, []string{"raw"})
	require.NoError(t, err)
	c := store.ContainerFor(parent)

	view, err := c.Search(query.AccessBlobFilter{UserID: "alice", Tags: []string{"proposal-123"}})
	require.NoError(t, err)
	keys, err := view.KeysRange(ctx, 0, -1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mine", "tagged"}, keys)

	// No user and no tags can match nothing.
	none, err := c.Search(query.AccessBlobFilter{})
	require.NoError(t, err)
	count, err := none.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLookupResolvesNestedPaths(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", nil)
	createContainer(t, store, []string{"raw"}, "scan1", nil)
	createArray(t, store, []string{"raw", "scan1"}, "image", nil)

	root := store.Root()
	adapter, err := root.Lookup(ctx, []string{"raw", "scan1", "image"})
	require.NoError(t, err)
	assert.Equal(t, structures.FamilyArray, adapter.StructureFamily())
	_, ok := adapter.(adapters.ArrayReader)
	assert.True(t, ok)

	_, err = root.Lookup(ctx, []string{"raw", "nope"})
	var notFound *ErrNotFound
	require.ErrorAs(t, err, &notFound)

	// Queries accumulated on a container constrain lookup.
	parent, err := store.GetNode(ctx, []string{"raw"})
	require.NoError(t, err)
	view, err := store.ContainerFor(parent).Search(query.StructureFamilyQuery{Value: structures.FamilyArray})
	require.NoError(t, err)
	_, err = view.(*Container).Lookup(ctx, []string{"scan1"})
	require.ErrorAs(t, err, &notFound)
}

func TestLookupConditionsOnlyConstrainViewKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", map[string]interface{}{"color": "red"})
	createContainer(t, store, []string{"raw"}, "scan1", nil)
	createArray(t, store, []string{"raw", "scan1"}, "image", nil)
	createContainer(t, store, nil, "aux", nil)

	view, err := store.Root().Search(query.Eq{Key: "color", Value: "red"})
	require.NoError(t, err)

	// The condition constrains the view's own keys; descent below a
	// matching key goes through plain containers, so scan1 and image
	// stay reachable even though neither carries a color.
	adapter, err := view.Lookup(ctx, []string{"raw", "scan1", "image"})
	require.NoError(t, err)
	assert.Equal(t, structures.FamilyArray, adapter.StructureFamily())

	// A key failing the condition is invisible through the view.
	var notFound *ErrNotFound
	_, err = view.Lookup(ctx, []string{"aux"})
	require.ErrorAs(t, err, &notFound)
}

func TestDistinct(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createContainer(t, store, nil, "raw", nil)
	createContainer(t, store, []string{"raw"}, "scan1", map[string]interface{}{"sample": "NaCl"})
	createContainer(t, store, []string{"raw"}, "scan2", map[string]interface{}{"sample": "NaCl"})
	createContainer(t, store, []string{"raw"}, "scan3", map[string]interface{}{"sample": "KCl"})
	createArray(t, store, []string{"raw"}, "image", nil)

	parent, err := store.GetNode(ctx, []string{"raw"})
	require.NoError(t, err)
	c := store.ContainerFor(parent)

	result, err := c.Distinct(ctx, []string{"sample"}, true, true, true)
	require.NoError(t, err)

	require.Len(t, result.Metadata["sample"], 2)
	assert.Equal(t, "KCl", result.Metadata["sample"][0].Value)
	assert.EqualValues(t, 1, result.Metadata["sample"][0].Count)
	assert.Equal(t, "NaCl", result.Metadata["sample"][1].Value)
	assert.EqualValues(t, 2, result.Metadata["sample"][1].Count)

	families := make(map[interface{}]int64)
	for _, v := range result.StructureFamily {
		families[v.Value] = v.Count
	}
	assert.EqualValues(t, 3, families["container"])
	assert.EqualValues(t, 1, families["array"])

	require.Len(t, result.Specs, 1)
	assert.Equal(t, "image", result.Specs[0].Value)
}

func TestDialectForRejectsUnknownScheme(t *testing.T) {
	_, _, err := dialectFor("mysql://nope")
	require.Error(t, err)
}
