package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/trove/pkg/structures"
)

func arrayStructure() *structures.Structure {
	return &structures.Structure{
		Family: structures.FamilyArray,
		Array: &structures.ArrayStructure{
			DataType: "<f8",
			Shape:    []int64{4, 4},
			Chunks:   [][]int64{{2, 2}, {2, 2}},
		},
	}
}

func tableStructure() *structures.Structure {
	return &structures.Structure{
		Family: structures.FamilyTable,
		Table: &structures.TableStructure{
			NPartitions: 2,
			Columns:     []string{"x", "y", "label"},
		},
	}
}

func TestSafeJoin(t *testing.T) {
	p, err := SafeJoin("/data/writable", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "/data/writable/a/b", p)

	_, err = SafeJoin("/data/writable", "..", "etc", "passwd")
	assert.Error(t, err)

	_, err = SafeJoin("/data/writable", "a/../../../etc")
	assert.Error(t, err)
}

func TestPathIsWithin(t *testing.T) {
	roots := []string{"/data/readable", "/mnt/beamline"}
	assert.True(t, PathIsWithin("/data/readable/run1/x.csv", roots))
	assert.True(t, PathIsWithin("/mnt/beamline", roots))
	assert.False(t, PathIsWithin("/data/readable2/x.csv", roots))
	assert.False(t, PathIsWithin("/etc/passwd", roots))
}

func TestFileURIRoundTrip(t *testing.T) {
	uri := PathToFileURI("/data/writable/a b/x")
	path, err := FileURIToPath(uri)
	require.NoError(t, err)
	assert.Equal(t, "/data/writable/a b/x", path)

	_, err = FileURIToPath("s3://bucket/key")
	assert.Error(t, err)
}

func TestElementSize(t *testing.T) {
	for dtype, want := range map[string]int{"<f8": 8, ">i4": 4, "|u1": 1, "=c16": 16} {
		got, err := ElementSize(dtype)
		require.NoError(t, err, dtype)
		assert.Equal(t, want, got, dtype)
	}
	_, err := ElementSize("x")
	assert.Error(t, err)
}

func TestBlockArrayAdapter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	assets, err := InitBlockArrayStorage(ctx, dir, arrayStructure())
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.True(t, assets[0].IsDirectory)

	a, err := NewBlockArrayAdapter(ctx, Params{
		DataURIs:  []string{assets[0].DataURI},
		Structure: arrayStructure(),
	})
	require.NoError(t, err)
	writer := a.(ArrayWriter)

	block := make([]byte, 2*2*8)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, writer.WriteBlock(ctx, []int{1, 0}, &ArrayChunk{Data: block}))

	chunk, err := writer.ReadBlock(ctx, []int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 2}, chunk.Shape)
	assert.Equal(t, block, chunk.Data)

	// Unwritten blocks read as zeros.
	chunk, err = writer.ReadBlock(ctx, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), chunk.Data)

	// Out of range blocks are rejected.
	_, err = writer.ReadBlock(ctx, []int{999, 999})
	var oor *structures.ErrBlockOutOfRange
	assert.ErrorAs(t, err, &oor)

	// Full read covers the whole grid.
	full, err := writer.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4*4*8, len(full.Data))
}

func TestBlockArrayAdapter_WriteFullArray(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	assets, err := InitBlockArrayStorage(ctx, dir, arrayStructure())
	require.NoError(t, err)

	a, err := NewBlockArrayAdapter(ctx, Params{DataURIs: []string{assets[0].DataURI}, Structure: arrayStructure()})
	require.NoError(t, err)
	writer := a.(ArrayWriter)

	payload := make([]byte, 4*4*8)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, writer.Write(ctx, &ArrayChunk{Data: payload}))

	full, err := writer.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, full.Data)

	require.Error(t, writer.Write(ctx, &ArrayChunk{Data: payload[:10]}))
}

func TestCSVTableAdapter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	assets, err := InitCSVTableStorage(ctx, dir, tableStructure())
	require.NoError(t, err)

	a, err := NewCSVTableAdapter(ctx, Params{DataURIs: []string{assets[0].DataURI}, Structure: tableStructure()})
	require.NoError(t, err)
	table := a.(TableWriter)

	data := &TableData{
		Columns: []string{"x", "y", "label"},
		Rows: [][]interface{}{
			{int64(1), 2.5, "a"},
			{int64(2), 3.5, "b"},
		},
	}
	require.NoError(t, table.WritePartition(ctx, 0, data))
	require.NoError(t, table.WritePartition(ctx, 1, &TableData{
		Columns: data.Columns,
		Rows:    [][]interface{}{{int64(3), 4.5, "c"}},
	}))

	part, err := table.ReadPartition(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, data.Rows, part.Rows)

	// Column projection.
	part, err = table.ReadPartition(ctx, 0, []string{"label"})
	require.NoError(t, err)
	assert.Equal(t, []string{"label"}, part.Columns)
	assert.Equal(t, [][]interface{}{{"a"}, {"b"}}, part.Rows)

	// Unknown column.
	_, err = table.ReadPartition(ctx, 0, []string{"nope"})
	var noCol *ErrNoSuchColumn
	assert.ErrorAs(t, err, &noCol)

	// Partition out of range.
	_, err = table.ReadPartition(ctx, 5, nil)
	var oor *ErrPartitionOutOfRange
	assert.ErrorAs(t, err, &oor)

	// Full read concatenates partitions.
	full, err := table.Read(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, full.Rows, 3)
}

func TestRegistry_ConstructAndInit(t *testing.T) {
	ctx := context.Background()
	r := DefaultRegistry()
	assert.Equal(t, []string{MimetypeBlockArray, MimetypeCSV}, r.Mimetypes())

	dir := t.TempDir()
	assets, err := r.InitStorage(ctx, MimetypeBlockArray, dir, arrayStructure())
	require.NoError(t, err)

	a, err := r.Construct(ctx, MimetypeBlockArray, Params{
		DataURIs:  []string{assets[0].DataURI},
		Structure: arrayStructure(),
	})
	require.NoError(t, err)
	assert.Equal(t, structures.FamilyArray, a.StructureFamily())

	_, err = r.Construct(ctx, "application/x-hdf5", Params{})
	var noAdapter *ErrNoAdapter
	assert.ErrorAs(t, err, &noAdapter)
}

func TestRegistry_LazyLoadsOnce(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	var loads int32
	err := r.RegisterLazy("application/x-test", func() (Constructor, error) {
		atomic.AddInt32(&loads, 1)
		return func(ctx context.Context, p Params) (Adapter, error) {
			return &BlockArrayAdapter{structure: arrayStructure()}, nil
		}, nil
	}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Construct(ctx, "application/x-test", Params{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	assert.Error(t, r.RegisterLazy("application/x-test", nil, nil))
}

func TestOffloader(t *testing.T) {
	ctx := context.Background()
	o := NewOffloader(2, nil)

	v, err := DoValue(ctx, o, "read", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	wantErr := errors.New("boom")
	err = o.Do(ctx, "fail", func(ctx context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	// Panics surface as errors, not crashes.
	err = o.Do(ctx, "panic", func(ctx context.Context) error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestOffloader_CancelledCallerUnblocks(t *testing.T) {
	o := NewOffloader(1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	err := o.Do(ctx, "slow", func(ctx context.Context) error {
		close(started)
		time.Sleep(500 * time.Millisecond)
		return fmt.Errorf("should be discarded")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
