package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/beamline/trove/pkg/structures"
)

// Params carries everything a constructor needs to build an adapter for
// one data source.
type Params struct {
	DataURIs   []string
	Structure  *structures.Structure
	Metadata   map[string]interface{}
	Specs      []string
	Parameters map[string]interface{}
}

// Constructor builds an adapter. Constructors may block on storage; the
// catalog always invokes them through the offload pool.
type Constructor func(ctx context.Context, p Params) (Adapter, error)

// StorageInitializer creates the on-disk layout for a writable data
// source rooted at path and returns the assets it created.
type StorageInitializer func(ctx context.Context, path string, s *structures.Structure) ([]InitializedAsset, error)

// InitializedAsset describes one storage location created by
// StorageInitializer.
type InitializedAsset struct {
	DataURI     string
	IsDirectory bool
}

type registryEntry struct {
	load        func() (Constructor, error)
	initStorage StorageInitializer

	once        sync.Once
	constructor Constructor
	loadErr     error
}

// Registry maps MIME types to adapter constructors. Entries may be
// registered lazily: the loader runs at most once, on first use, with
// concurrent first uses collapsed through singleflight.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	group   singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register installs a ready constructor for a MIME type.
func (r *Registry) Register(mimetype string, c Constructor, init StorageInitializer) error {
	return r.RegisterLazy(mimetype, func() (Constructor, error) { return c, nil }, init)
}

// RegisterLazy installs a loader that realizes the constructor on first
// use. Duplicate registration is a configuration error.
func (r *Registry) RegisterLazy(mimetype string, load func() (Constructor, error), init StorageInitializer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[mimetype]; exists {
		return fmt.Errorf("adapter already registered for mimetype %q", mimetype)
	}
	r.entries[mimetype] = &registryEntry{load: load, initStorage: init}
	return nil
}

func (r *Registry) entry(mimetype string) (*registryEntry, error) {
	r.mu.RLock()
	e, ok := r.entries[mimetype]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrNoAdapter{Mimetype: mimetype}
	}
	return e, nil
}

// Construct builds an adapter for the MIME type. The entry's loader is
// realized at most once; concurrent callers share the realization.
func (r *Registry) Construct(ctx context.Context, mimetype string, p Params) (Adapter, error) {
	e, err := r.entry(mimetype)
	if err != nil {
		return nil, err
	}

	_, err, _ = r.group.Do(mimetype, func() (interface{}, error) {
		e.once.Do(func() {
			e.constructor, e.loadErr = e.load()
		})
		return nil, e.loadErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load adapter for %q: %w", mimetype, err)
	}

	a, err := e.constructor(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to construct adapter for %q: %w", mimetype, err)
	}
	return a, nil
}

// InitStorage creates the writable layout for a new data source of the
// given MIME type.
func (r *Registry) InitStorage(ctx context.Context, mimetype, path string, s *structures.Structure) ([]InitializedAsset, error) {
	e, err := r.entry(mimetype)
	if err != nil {
		return nil, err
	}
	if e.initStorage == nil {
		return nil, fmt.Errorf("mimetype %q does not support writable storage", mimetype)
	}
	return e.initStorage(ctx, path, s)
}

// Mimetypes returns the registered MIME types, sorted.
func (r *Registry) Mimetypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for m := range r.entries {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ErrNoAdapter signals an unregistered MIME type.
type ErrNoAdapter struct {
	Mimetype string
}

func (e *ErrNoAdapter) Error() string {
	return fmt.Sprintf("no adapter registered for mimetype %q", e.Mimetype)
}

// DefaultRegistry returns a registry with the built-in file-backed
// adapters installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register(MimetypeBlockArray, NewBlockArrayAdapter, InitBlockArrayStorage); err != nil {
		panic(err)
	}
	if err := r.Register(MimetypeCSV, NewCSVTableAdapter, InitCSVTableStorage); err != nil {
		panic(err)
	}
	return r
}
