package adapters

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/beamline/trove/pkg/structures"
)

// MimetypeBlockArray is the built-in writable array format: a directory
// of C-ordered binary block files named by their block coordinates
// ("1.0.bin" for block (1, 0)).
const MimetypeBlockArray = "application/x-trove-blocks"

// BlockArrayAdapter serves arrays stored as one raw binary file per
// chunk-grid block.
type BlockArrayAdapter struct {
	dir       string
	structure *structures.Structure
	metadata  map[string]interface{}
	specs     []string
}

// NewBlockArrayAdapter is the registry constructor for
// MimetypeBlockArray.
func NewBlockArrayAdapter(ctx context.Context, p Params) (Adapter, error) {
	if len(p.DataURIs) != 1 {
		return nil, fmt.Errorf("block array requires exactly one asset, got %d", len(p.DataURIs))
	}
	if p.Structure == nil || p.Structure.Array == nil {
		return nil, fmt.Errorf("block array requires an array structure")
	}
	dir, err := FileURIToPath(p.DataURIs[0])
	if err != nil {
		return nil, err
	}
	return &BlockArrayAdapter{
		dir:       dir,
		structure: p.Structure,
		metadata:  p.Metadata,
		specs:     p.Specs,
	}, nil
}

func (a *BlockArrayAdapter) StructureFamily() structures.Family { return a.structure.Family }
func (a *BlockArrayAdapter) Metadata() map[string]interface{}   { return a.metadata }
func (a *BlockArrayAdapter) Structure() *structures.Structure   { return a.structure }
func (a *BlockArrayAdapter) Specs() []string                    { return a.specs }

func blockFileName(block []int) string {
	parts := make([]string, len(block))
	for i, b := range block {
		parts[i] = strconv.Itoa(b)
	}
	return strings.Join(parts, ".") + ".bin"
}

// ElementSize returns the byte width encoded in a numpy-style dtype
// string such as "<f8" or "|u1".
func ElementSize(dataType string) (int, error) {
	trimmed := strings.TrimLeft(dataType, "<>|=")
	if len(trimmed) < 2 {
		return 0, fmt.Errorf("cannot determine element size of dtype %q", dataType)
	}
	n, err := strconv.Atoi(trimmed[1:])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("cannot determine element size of dtype %q", dataType)
	}
	return n, nil
}

func (a *BlockArrayAdapter) blockByteSize(block []int) (int64, error) {
	shape, err := a.structure.Array.BlockShape(block)
	if err != nil {
		return 0, err
	}
	width, err := ElementSize(a.structure.Array.DataType)
	if err != nil {
		return 0, err
	}
	size := int64(width)
	for _, dim := range shape {
		size *= dim
	}
	return size, nil
}

// ReadBlock reads one block file. A missing file reads as zeros, which
// lets writers fill blocks out of order.
func (a *BlockArrayAdapter) ReadBlock(ctx context.Context, block []int) (*ArrayChunk, error) {
	shape, err := a.structure.Array.BlockShape(block)
	if err != nil {
		return nil, err
	}
	size, err := a.blockByteSize(block)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(a.dir, blockFileName(block)))
	if os.IsNotExist(err) {
		data = make([]byte, size)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read block %v: %w", block, err)
	} else if int64(len(data)) != size {
		return nil, fmt.Errorf("block %v has %d bytes, expected %d", block, len(data), size)
	}

	return &ArrayChunk{
		DataType: a.structure.Array.DataType,
		Shape:    shape,
		Data:     data,
	}, nil
}

// Read concatenates every block in C order. Only single-block-per-row
// layouts reassemble exactly; multi-dimensional tilings are served
// block-by-block over HTTP, so Read walks the grid in index order.
func (a *BlockArrayAdapter) Read(ctx context.Context) (*ArrayChunk, error) {
	counts := a.structure.Array.BlockCounts()
	var data []byte
	err := forEachBlock(counts, func(block []int) error {
		chunk, err := a.ReadBlock(ctx, block)
		if err != nil {
			return err
		}
		data = append(data, chunk.Data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ArrayChunk{
		DataType: a.structure.Array.DataType,
		Shape:    a.structure.Array.Shape,
		Data:     data,
	}, nil
}

// WriteBlock writes one block file atomically via rename.
func (a *BlockArrayAdapter) WriteBlock(ctx context.Context, block []int, chunk *ArrayChunk) error {
	size, err := a.blockByteSize(block)
	if err != nil {
		return err
	}
	if int64(len(chunk.Data)) != size {
		return fmt.Errorf("block %v payload has %d bytes, expected %d", block, len(chunk.Data), size)
	}

	target := filepath.Join(a.dir, blockFileName(block))
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, chunk.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write block %v: %w", block, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit block %v: %w", block, err)
	}
	return nil
}

// Write distributes a full-array payload across the block grid.
func (a *BlockArrayAdapter) Write(ctx context.Context, chunk *ArrayChunk) error {
	counts := a.structure.Array.BlockCounts()
	offset := int64(0)
	return forEachBlock(counts, func(block []int) error {
		size, err := a.blockByteSize(block)
		if err != nil {
			return err
		}
		if offset+size > int64(len(chunk.Data)) {
			return fmt.Errorf("payload too small: need %d bytes at offset %d", size, offset)
		}
		part := &ArrayChunk{DataType: chunk.DataType, Data: chunk.Data[offset : offset+size]}
		offset += size
		return a.WriteBlock(ctx, block, part)
	})
}

// forEachBlock walks the block grid in C (row-major) order.
func forEachBlock(counts []int, fn func(block []int) error) error {
	if len(counts) == 0 {
		return nil
	}
	block := make([]int, len(counts))
	for {
		if err := fn(append([]int(nil), block...)); err != nil {
			return err
		}
		i := len(block) - 1
		for i >= 0 {
			block[i]++
			if block[i] < counts[i] {
				break
			}
			block[i] = 0
			i--
		}
		if i < 0 {
			return nil
		}
	}
}

// InitBlockArrayStorage creates the block directory for a new writable
// array data source.
func InitBlockArrayStorage(ctx context.Context, path string, s *structures.Structure) ([]InitializedAsset, error) {
	if s == nil || s.Array == nil {
		return nil, fmt.Errorf("block array requires an array structure")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create block directory: %w", err)
	}
	return []InitializedAsset{{DataURI: PathToFileURI(path), IsDirectory: true}}, nil
}
