package adapters

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/beamline/trove/pkg/structures"
)

// MimetypeCSV is the built-in table format: one CSV file per partition
// ("part-0.csv", "part-1.csv", ...) in a directory, each with a header
// row.
const MimetypeCSV = "text/csv"

// CSVTableAdapter serves partitioned tabular data stored as CSV files.
type CSVTableAdapter struct {
	dir       string
	structure *structures.Structure
	metadata  map[string]interface{}
	specs     []string
}

// NewCSVTableAdapter is the registry constructor for MimetypeCSV.
func NewCSVTableAdapter(ctx context.Context, p Params) (Adapter, error) {
	if len(p.DataURIs) != 1 {
		return nil, fmt.Errorf("csv table requires exactly one asset, got %d", len(p.DataURIs))
	}
	if p.Structure == nil || p.Structure.Table == nil {
		return nil, fmt.Errorf("csv table requires a table structure")
	}
	dir, err := FileURIToPath(p.DataURIs[0])
	if err != nil {
		return nil, err
	}
	return &CSVTableAdapter{
		dir:       dir,
		structure: p.Structure,
		metadata:  p.Metadata,
		specs:     p.Specs,
	}, nil
}

func (a *CSVTableAdapter) StructureFamily() structures.Family { return structures.FamilyTable }
func (a *CSVTableAdapter) Metadata() map[string]interface{}   { return a.metadata }
func (a *CSVTableAdapter) Structure() *structures.Structure   { return a.structure }
func (a *CSVTableAdapter) Specs() []string                    { return a.specs }

func partitionFileName(partition int) string {
	return fmt.Sprintf("part-%d.csv", partition)
}

// ErrPartitionOutOfRange signals a partition index past NPartitions.
type ErrPartitionOutOfRange struct {
	Partition int
	N         int
}

func (e *ErrPartitionOutOfRange) Error() string {
	return fmt.Sprintf("Partition %d out of range (table has %d partitions)", e.Partition, e.N)
}

// ErrNoSuchColumn signals a column request the table does not declare.
type ErrNoSuchColumn struct {
	Column string
}

func (e *ErrNoSuchColumn) Error() string {
	return fmt.Sprintf("No such column %q", e.Column)
}

// columnProjection resolves requested columns to header indices.
func (a *CSVTableAdapter) columnProjection(header []string, columns []string) ([]int, []string, error) {
	if len(columns) == 0 {
		idx := make([]int, len(header))
		for i := range header {
			idx[i] = i
		}
		return idx, header, nil
	}
	byName := make(map[string]int, len(header))
	for i, h := range header {
		byName[h] = i
	}
	idx := make([]int, 0, len(columns))
	for _, c := range columns {
		i, ok := byName[c]
		if !ok {
			return nil, nil, &ErrNoSuchColumn{Column: c}
		}
		idx = append(idx, i)
	}
	return idx, columns, nil
}

// ReadPartition reads one partition file, optionally projecting columns.
func (a *CSVTableAdapter) ReadPartition(ctx context.Context, partition int, columns []string) (*TableData, error) {
	n := a.structure.Table.NPartitions
	if partition < 0 || partition >= n {
		return nil, &ErrPartitionOutOfRange{Partition: partition, N: n}
	}

	f, err := os.Open(filepath.Join(a.dir, partitionFileName(partition)))
	if os.IsNotExist(err) {
		// Unwritten partitions read as empty.
		return &TableData{Columns: a.structure.Table.Columns}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %d: %w", partition, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse partition %d: %w", partition, err)
	}
	if len(records) == 0 {
		return &TableData{Columns: a.structure.Table.Columns}, nil
	}

	idx, names, err := a.columnProjection(records[0], columns)
	if err != nil {
		return nil, err
	}

	rows := make([][]interface{}, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make([]interface{}, len(idx))
		for j, i := range idx {
			row[j] = parseCSVCell(record[i])
		}
		rows = append(rows, row)
	}
	return &TableData{Columns: names, Rows: rows}, nil
}

// Read concatenates every partition.
func (a *CSVTableAdapter) Read(ctx context.Context, columns []string) (*TableData, error) {
	var out *TableData
	for p := 0; p < a.structure.Table.NPartitions; p++ {
		part, err := a.ReadPartition(ctx, p, columns)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = part
			continue
		}
		out.Rows = append(out.Rows, part.Rows...)
	}
	return out, nil
}

// WritePartition replaces one partition file atomically via rename.
func (a *CSVTableAdapter) WritePartition(ctx context.Context, partition int, data *TableData) error {
	n := a.structure.Table.NPartitions
	if partition < 0 || partition >= n {
		return &ErrPartitionOutOfRange{Partition: partition, N: n}
	}

	target := filepath.Join(a.dir, partitionFileName(partition))
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create partition %d: %w", partition, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(data.Columns); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range data.Rows {
		record := make([]string, len(row))
		for i, cell := range row {
			record[i] = fmt.Sprintf("%v", cell)
		}
		if err := w.Write(record); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush partition %d: %w", partition, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close partition %d: %w", partition, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit partition %d: %w", partition, err)
	}
	return nil
}

// Write replaces partition 0 with the full payload. Multi-partition
// writes go through WritePartition.
func (a *CSVTableAdapter) Write(ctx context.Context, data *TableData) error {
	return a.WritePartition(ctx, 0, data)
}

// parseCSVCell recovers numbers from their text form; everything else
// stays a string.
func parseCSVCell(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// InitCSVTableStorage creates the partition directory for a new
// writable table data source.
func InitCSVTableStorage(ctx context.Context, path string, s *structures.Structure) ([]InitializedAsset, error) {
	if s == nil || s.Table == nil {
		return nil, fmt.Errorf("csv table requires a table structure")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}
	return []InitializedAsset{{DataURI: PathToFileURI(path), IsDirectory: true}}, nil
}
