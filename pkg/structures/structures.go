// Package structures defines the canonical descriptions of dataset
// shape: the structure family enum and the family-specific descriptors
// stored on every data source.
package structures

import (
	"encoding/json"
	"fmt"
)

// Family identifies the top-level shape of a node's data.
type Family string

const (
	FamilyContainer Family = "container"
	FamilyArray     Family = "array"
	FamilyTable     Family = "table"
	FamilyAwkward   Family = "awkward"
	FamilySparse    Family = "sparse"
	FamilyComposite Family = "composite"
)

// Valid reports whether f is one of the known families.
func (f Family) Valid() bool {
	switch f {
	case FamilyContainer, FamilyArray, FamilyTable, FamilyAwkward, FamilySparse, FamilyComposite:
		return true
	}
	return false
}

// IsContainerLike reports whether the family pages children rather than
// serving blocks or partitions. Composite nodes are container-like for
// lookup and search; their read semantics are deferred.
func (f Family) IsContainerLike() bool {
	return f == FamilyContainer || f == FamilyComposite
}

// ParseFamily converts a string into a Family.
func ParseFamily(s string) (Family, error) {
	f := Family(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown structure family: %q", s)
	}
	return f, nil
}

// ArrayStructure describes the shape, element type, and chunking of an
// array (also used for the sparse family, where Shape covers the dense
// envelope).
type ArrayStructure struct {
	DataType string    `json:"data_type"`
	Shape    []int64   `json:"shape"`
	Chunks   [][]int64 `json:"chunks"`
	Dims     []string  `json:"dims,omitempty"`
}

// BlockCounts returns the number of blocks along each dimension.
func (a *ArrayStructure) BlockCounts() []int {
	counts := make([]int, len(a.Chunks))
	for i, dim := range a.Chunks {
		counts[i] = len(dim)
	}
	return counts
}

// BlockShape returns the extent of the block at the given index, or an
// ErrBlockOutOfRange when any coordinate exceeds the chunk grid.
func (a *ArrayStructure) BlockShape(block []int) ([]int64, error) {
	if len(block) != len(a.Chunks) {
		return nil, &ErrBlockOutOfRange{Block: block}
	}
	shape := make([]int64, len(block))
	for i, b := range block {
		if b < 0 || b >= len(a.Chunks[i]) {
			return nil, &ErrBlockOutOfRange{Block: block}
		}
		shape[i] = a.Chunks[i][b]
	}
	return shape, nil
}

// ErrBlockOutOfRange signals a block index outside the chunk grid.
type ErrBlockOutOfRange struct {
	Block []int
}

func (e *ErrBlockOutOfRange) Error() string {
	return fmt.Sprintf("Block index out of range: %v", e.Block)
}

// TableStructure describes a partitioned tabular dataset.
type TableStructure struct {
	// ArrowSchemaB64 is the base64-encoded serialized Arrow schema as
	// produced by the writing adapter; opaque to the catalog.
	ArrowSchemaB64 string   `json:"arrow_schema"`
	NPartitions    int      `json:"npartitions"`
	Columns        []string `json:"columns"`
}

// HasColumn reports whether the table declares the named column.
func (t *TableStructure) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Structure is the tagged union stored on a DataSource. Exactly one of
// the family pointers is set for non-container families; container and
// composite nodes carry no descriptor.
type Structure struct {
	Family Family          `json:"family"`
	Array  *ArrayStructure `json:"array,omitempty"`
	Table  *TableStructure `json:"table,omitempty"`
	// Raw preserves descriptors for families the server stores but does
	// not interpret (awkward).
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Validate checks that the descriptor matches the declared family.
func (s *Structure) Validate() error {
	if !s.Family.Valid() {
		return fmt.Errorf("unknown structure family: %q", s.Family)
	}
	switch s.Family {
	case FamilyArray, FamilySparse:
		if s.Array == nil {
			return fmt.Errorf("%s structure requires an array descriptor", s.Family)
		}
		if len(s.Array.Shape) != len(s.Array.Chunks) {
			return fmt.Errorf("array shape has %d dims but chunks has %d", len(s.Array.Shape), len(s.Array.Chunks))
		}
	case FamilyTable:
		if s.Table == nil {
			return fmt.Errorf("table structure requires a table descriptor")
		}
		if s.Table.NPartitions < 1 {
			return fmt.Errorf("table must have at least one partition")
		}
	case FamilyContainer, FamilyComposite:
		if s.Array != nil || s.Table != nil {
			return fmt.Errorf("%s nodes carry no structure descriptor", s.Family)
		}
	}
	return nil
}
