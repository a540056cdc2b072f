package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/beamline/trove/pkg/structures"
)

// Decoder turns the JSON payload of a filter[<name>] URL parameter into
// a query value.
type Decoder func(raw []byte) (Query, error)

// Registry maps wire names to decoders. One registry is installed at
// startup and shared read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register installs a decoder under a wire name. Re-registration is a
// programming error.
func (r *Registry) Register(name string, dec Decoder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[name]; exists {
		return fmt.Errorf("query type already registered: %q", name)
	}
	r.decoders[name] = dec
	return nil
}

// Decode resolves a wire name and decodes its payload.
func (r *Registry) Decode(name string, raw []byte) (Query, error) {
	r.mu.RLock()
	dec, ok := r.decoders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrUnsupportedQueryType{Name: name}
	}
	q, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s query: %w", name, err)
	}
	if err := Validate(q); err != nil {
		return nil, err
	}
	return q, nil
}

// Names returns the registered wire names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with every built-in query type
// installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	must := func(name string, dec Decoder) {
		if err := r.Register(name, dec); err != nil {
			panic(err)
		}
	}

	must("eq", func(raw []byte) (Query, error) {
		var q struct {
			Key   string      `json:"key"`
			Value interface{} `json:"value"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return Eq{Key: q.Key, Value: q.Value}, nil
	})
	must("noteq", func(raw []byte) (Query, error) {
		var q struct {
			Key   string      `json:"key"`
			Value interface{} `json:"value"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return NotEq{Key: q.Key, Value: q.Value}, nil
	})
	must("comparison", func(raw []byte) (Query, error) {
		var q struct {
			Op    string      `json:"operator"`
			Key   string      `json:"key"`
			Value interface{} `json:"value"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return Comparison{Op: ComparisonOp(q.Op), Key: q.Key, Value: q.Value}, nil
	})
	must("contains", func(raw []byte) (Query, error) {
		var q struct {
			Key   string      `json:"key"`
			Value interface{} `json:"value"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return Contains{Key: q.Key, Value: q.Value}, nil
	})
	must("in", func(raw []byte) (Query, error) {
		var q struct {
			Key    string        `json:"key"`
			Values []interface{} `json:"values"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return In{Key: q.Key, Values: q.Values}, nil
	})
	must("notin", func(raw []byte) (Query, error) {
		var q struct {
			Key    string        `json:"key"`
			Values []interface{} `json:"values"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return NotIn{Key: q.Key, Values: q.Values}, nil
	})
	must("keys_filter", func(raw []byte) (Query, error) {
		var q struct {
			Keys []string `json:"keys"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return KeysFilter{Keys: q.Keys}, nil
	})
	must("structure_family", func(raw []byte) (Query, error) {
		var q struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return StructureFamilyQuery{Value: structures.Family(q.Value)}, nil
	})
	must("fulltext", func(raw []byte) (Query, error) {
		var q struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return FullText{Text: q.Text}, nil
	})
	must("regex", func(raw []byte) (Query, error) {
		var q struct {
			Key           string `json:"key"`
			Pattern       string `json:"pattern"`
			CaseSensitive bool   `json:"case_sensitive"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return Regex{Key: q.Key, Pattern: q.Pattern, CaseSensitive: q.CaseSensitive}, nil
	})
	must("specs", func(raw []byte) (Query, error) {
		var q struct {
			Include []string `json:"include"`
			Exclude []string `json:"exclude"`
		}
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, err
		}
		return SpecsQuery{Include: q.Include, Exclude: q.Exclude}, nil
	})

	return r
}
