package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/trove/pkg/structures"
)

func TestConjoin_Flattens(t *testing.T) {
	q1 := Eq{Key: "color", Value: "red"}
	q2 := Comparison{Op: OpGt, Key: "temp", Value: 300}
	q3 := FullText{Text: "xrd"}

	combined := Conjoin(Conjoin(q1, q2), q3)
	and, ok := combined.(And)
	require.True(t, ok)
	assert.Len(t, and.Queries, 3)

	// Flatten recovers all parts regardless of nesting.
	parts := Flatten(And{Queries: []Query{q1, And{Queries: []Query{q2, q3}}}})
	assert.Len(t, parts, 3)
}

func TestConjoin_SingleAndNil(t *testing.T) {
	q := Eq{Key: "a", Value: 1}
	assert.Equal(t, q, Conjoin(nil, q))
	assert.Nil(t, Flatten(nil))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		q       Query
		wantErr bool
	}{
		{"eq", Eq{Key: "a", Value: 1}, false},
		{"bad comparison op", Comparison{Op: "between", Key: "a", Value: 1}, true},
		{"good comparison op", Comparison{Op: OpLe, Key: "a", Value: 1}, false},
		{"empty in", In{Key: "a"}, true},
		{"empty keys filter", KeysFilter{}, true},
		{"bad family", StructureFamilyQuery{Value: "blob"}, true},
		{"good family", StructureFamilyQuery{Value: structures.FamilyArray}, false},
		{"empty fulltext", FullText{}, true},
		{"empty regex", Regex{Key: "a"}, true},
		{"nested and", And{Queries: []Query{Eq{Key: "a", Value: 1}, In{Key: "b"}}}, true},
		{"access blob filter", AccessBlobFilter{UserID: "alice"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.q)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultRegistry_Decode(t *testing.T) {
	r := DefaultRegistry()

	q, err := r.Decode("eq", []byte(`{"key":"color","value":"red"}`))
	require.NoError(t, err)
	assert.Equal(t, Eq{Key: "color", Value: "red"}, q)

	q, err = r.Decode("comparison", []byte(`{"operator":"gt","key":"temp","value":300}`))
	require.NoError(t, err)
	cmp := q.(Comparison)
	assert.Equal(t, OpGt, cmp.Op)

	q, err = r.Decode("structure_family", []byte(`{"value":"table"}`))
	require.NoError(t, err)
	assert.Equal(t, StructureFamilyQuery{Value: structures.FamilyTable}, q)

	_, err = r.Decode("eq", []byte(`{`))
	assert.Error(t, err)

	_, err = r.Decode("nope", []byte(`{}`))
	var unsupported *ErrUnsupportedQueryType
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "nope", unsupported.Name)
}

func TestDefaultRegistry_DecodeValidates(t *testing.T) {
	r := DefaultRegistry()

	// Decoded queries still pass through Validate.
	_, err := r.Decode("comparison", []byte(`{"operator":"between","key":"a","value":1}`))
	assert.Error(t, err)

	_, err = r.Decode("in", []byte(`{"key":"a","values":[]}`))
	assert.Error(t, err)
}

func TestRegistry_DoubleRegister(t *testing.T) {
	r := NewRegistry()
	dec := func(raw []byte) (Query, error) { return FullText{Text: "x"}, nil }
	require.NoError(t, r.Register("fulltext", dec))
	assert.Error(t, r.Register("fulltext", dec))
	assert.Equal(t, []string{"fulltext"}, r.Names())
}
