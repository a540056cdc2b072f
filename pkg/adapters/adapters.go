// Package adapters defines the polymorphic contract between the catalog
// and storage backends, the MIME-type dispatch registry that constructs
// adapters, and the offload pool that keeps blocking storage calls off
// the request loop.
package adapters

import (
	"context"

	"github.com/beamline/trove/pkg/query"
	"github.com/beamline/trove/pkg/structures"
)

// Adapter is the base contract every structure family implements.
// Concrete adapters additionally implement exactly one of the
// family-specific interfaces below; callers type-switch at use sites.
type Adapter interface {
	StructureFamily() structures.Family
	Metadata() map[string]interface{}
	Structure() *structures.Structure
	Specs() []string
}

// SortField orders container listings. Direction is 1 (ascending) or -1
// (descending). The empty key sets the default direction applied to the
// stable tiebreaker; "id" sorts by key segment; anything else is a
// dotted metadata path.
type SortField struct {
	Key       string
	Direction int
}

// Entry pairs a child key with its adapter for ItemsRange.
type Entry struct {
	Key     string
	Adapter Adapter
}

// Container is the contract for nodes that page children.
type Container interface {
	Adapter

	KeysRange(ctx context.Context, offset, limit int) ([]string, error)
	ItemsRange(ctx context.Context, offset, limit int) ([]Entry, error)
	Lookup(ctx context.Context, segments []string) (Adapter, error)
	Len(ctx context.Context) (int64, error)
	Search(q query.Query) (Container, error)
	Sort(sorting []SortField) (Container, error)
}

// ArrayChunk is a dense, C-ordered slab of array data.
type ArrayChunk struct {
	DataType string
	Shape    []int64
	Data     []byte
}

// ArrayReader is the contract for array and sparse family adapters.
type ArrayReader interface {
	Adapter

	Read(ctx context.Context) (*ArrayChunk, error)
	ReadBlock(ctx context.Context, block []int) (*ArrayChunk, error)
}

// ArrayWriter extends ArrayReader for writable-management data sources.
type ArrayWriter interface {
	ArrayReader

	Write(ctx context.Context, chunk *ArrayChunk) error
	WriteBlock(ctx context.Context, block []int, chunk *ArrayChunk) error
}

// TableData is a column-oriented page of tabular data.
type TableData struct {
	Columns []string
	Rows    [][]interface{}
}

// TableReader is the contract for table family adapters.
type TableReader interface {
	Adapter

	Read(ctx context.Context, columns []string) (*TableData, error)
	ReadPartition(ctx context.Context, partition int, columns []string) (*TableData, error)
}

// TableWriter extends TableReader for writable-management data sources.
type TableWriter interface {
	TableReader

	Write(ctx context.Context, data *TableData) error
	WritePartition(ctx context.Context, partition int, data *TableData) error
}
