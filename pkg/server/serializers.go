package server

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"mime"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/beamline/trove/pkg/adapters"
	"github.com/beamline/trove/pkg/structures"
)

// Media types the built-in serializers produce.
const (
	mediaJSON        = "application/json"
	mediaMsgpack     = "application/x-msgpack"
	mediaOctetStream = "application/octet-stream"
	mediaCSV         = "text/csv"
)

// ArrayEncoder serializes one array chunk.
type ArrayEncoder func(chunk *adapters.ArrayChunk) ([]byte, error)

// TableEncoder serializes one table page.
type TableEncoder func(data *adapters.TableData) ([]byte, error)

// SerializerRegistry maps structure families and media types to
// encoders. The first registered type per family is the default used
// for Accept: */* and absent Accept headers.
type SerializerRegistry struct {
	arrays     map[string]ArrayEncoder
	arrayOrder []string
	tables     map[string]TableEncoder
	tableOrder []string
}

// NewSerializerRegistry builds a registry with the built-in encoders
// installed.
func NewSerializerRegistry() *SerializerRegistry {
	r := &SerializerRegistry{
		arrays: make(map[string]ArrayEncoder),
		tables: make(map[string]TableEncoder),
	}
	r.RegisterArray(mediaOctetStream, encodeArrayRaw)
	r.RegisterArray(mediaJSON, encodeArrayJSON)
	r.RegisterArray(mediaMsgpack, encodeArrayMsgpack)
	r.RegisterTable(mediaJSON, encodeTableJSON)
	r.RegisterTable(mediaMsgpack, encodeTableMsgpack)
	r.RegisterTable(mediaCSV, encodeTableCSV)
	return r
}

// RegisterArray installs an array encoder. Later registrations for the
// same media type replace earlier ones.
func (r *SerializerRegistry) RegisterArray(mediaType string, enc ArrayEncoder) {
	if _, exists := r.arrays[mediaType]; !exists {
		r.arrayOrder = append(r.arrayOrder, mediaType)
	}
	r.arrays[mediaType] = enc
}

// RegisterTable installs a table encoder.
func (r *SerializerRegistry) RegisterTable(mediaType string, enc TableEncoder) {
	if _, exists := r.tables[mediaType]; !exists {
		r.tableOrder = append(r.tableOrder, mediaType)
	}
	r.tables[mediaType] = enc
}

// Supported lists the media types registered for a family.
func (r *SerializerRegistry) Supported(family structures.Family) []string {
	if family == structures.FamilyTable {
		return append([]string{}, r.tableOrder...)
	}
	return append([]string{}, r.arrayOrder...)
}

// ErrNotAcceptable reports that no registered media type satisfies the
// client's Accept header. Mapped to 406; the message lists what would
// have been accepted.
type ErrNotAcceptable struct {
	Accept    string
	Supported []string
}

func (e *ErrNotAcceptable) Error() string {
	return fmt.Sprintf("none of the supported media types satisfy %q; supported: %s",
		e.Accept, strings.Join(e.Supported, ", "))
}

// acceptClause is one parsed element of an Accept header.
type acceptClause struct {
	mediaType string
	q         float64
	order     int
}

// parseAccept returns the client's acceptable media types in preference
// order (q descending, then header order).
func parseAccept(header string) []acceptClause {
	var clauses []acceptClause
	for i, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mt, params, err := mime.ParseMediaType(part)
		if err != nil {
			continue
		}
		q := 1.0
		if raw, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				q = parsed
			}
		}
		if q <= 0 {
			continue
		}
		clauses = append(clauses, acceptClause{mediaType: mt, q: q, order: i})
	}
	sort.SliceStable(clauses, func(i, j int) bool {
		if clauses[i].q != clauses[j].q {
			return clauses[i].q > clauses[j].q
		}
		return clauses[i].order < clauses[j].order
	})
	return clauses
}

// negotiate picks the media type to use from an Accept header against
// the registered order for a family.
func (r *SerializerRegistry) negotiate(accept string, family structures.Family) (string, error) {
	supported := r.Supported(family)
	if len(supported) == 0 {
		return "", fmt.Errorf("no serializers registered for family %s", family)
	}
	if strings.TrimSpace(accept) == "" {
		return supported[0], nil
	}
	registered := make(map[string]bool, len(supported))
	for _, mt := range supported {
		registered[mt] = true
	}
	for _, clause := range parseAccept(accept) {
		switch {
		case clause.mediaType == "*/*":
			return supported[0], nil
		case registered[clause.mediaType]:
			return clause.mediaType, nil
		case strings.HasSuffix(clause.mediaType, "/*"):
			prefix := strings.TrimSuffix(clause.mediaType, "*")
			for _, mt := range supported {
				if strings.HasPrefix(mt, prefix) {
					return mt, nil
				}
			}
		}
	}
	return "", &ErrNotAcceptable{Accept: accept, Supported: supported}
}

// EncodeArray negotiates a media type and serializes the chunk.
func (r *SerializerRegistry) EncodeArray(accept string, family structures.Family, chunk *adapters.ArrayChunk) (string, []byte, error) {
	mt, err := r.negotiate(accept, family)
	if err != nil {
		return "", nil, err
	}
	body, err := r.arrays[mt](chunk)
	if err != nil {
		return "", nil, err
	}
	return mt, body, nil
}

// EncodeTable negotiates a media type and serializes the page.
func (r *SerializerRegistry) EncodeTable(accept string, data *adapters.TableData) (string, []byte, error) {
	mt, err := r.negotiate(accept, structures.FamilyTable)
	if err != nil {
		return "", nil, err
	}
	body, err := r.tables[mt](data)
	if err != nil {
		return "", nil, err
	}
	return mt, body, nil
}

func encodeArrayRaw(chunk *adapters.ArrayChunk) ([]byte, error) {
	return chunk.Data, nil
}

// arrayDocument is the structured rendering of a chunk; Data is base64
// in JSON and raw bytes in msgpack.
type arrayDocument struct {
	DataType string  `json:"data_type" msgpack:"data_type"`
	Shape    []int64 `json:"shape" msgpack:"shape"`
	Data     []byte  `json:"data" msgpack:"data"`
}

func encodeArrayJSON(chunk *adapters.ArrayChunk) ([]byte, error) {
	return marshalJSON(arrayDocument{DataType: chunk.DataType, Shape: chunk.Shape, Data: chunk.Data})
}

func encodeArrayMsgpack(chunk *adapters.ArrayChunk) ([]byte, error) {
	return msgpack.Marshal(arrayDocument{DataType: chunk.DataType, Shape: chunk.Shape, Data: chunk.Data})
}

type tableDocument struct {
	Columns []string        `json:"columns" msgpack:"columns"`
	Rows    [][]interface{} `json:"rows" msgpack:"rows"`
}

func encodeTableJSON(data *adapters.TableData) ([]byte, error) {
	return marshalJSON(tableDocument{Columns: data.Columns, Rows: data.Rows})
}

func encodeTableMsgpack(data *adapters.TableData) ([]byte, error) {
	return msgpack.Marshal(tableDocument{Columns: data.Columns, Rows: data.Rows})
}

func encodeTableCSV(data *adapters.TableData) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(data.Columns); err != nil {
		return nil, err
	}
	record := make([]string, len(data.Columns))
	for _, row := range data.Rows {
		for i, cell := range row {
			record[i] = formatCell(cell)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func formatCell(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
