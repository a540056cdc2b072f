// Package catalog persists the node tree in a relational database
// (SQLite or PostgreSQL) and exposes it through the adapter contract:
// lookup, stable pagination, composable search pushed down to SQL, and
// chunk-safe create/delete/update paths.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/beamline/trove/pkg/structures"
)

// Management distinguishes data the server owns from data it only
// references.
type Management string

const (
	// ManagementWritable marks storage the server initialized inside
	// writable_storage and deletes with the node.
	ManagementWritable Management = "writable"
	// ManagementExternal marks preexisting paths the server never
	// touches on delete.
	ManagementExternal Management = "external"
)

// AccessBlob is the ownership value stored on a node: either a single
// user identifier or a list of tag names. A nil *AccessBlob means the
// node carries no access blob at all.
type AccessBlob struct {
	User string   `json:"user,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// HasUser reports whether the blob is the single-user form.
func (b *AccessBlob) HasUser() bool { return b != nil && b.User != "" }

// HasTags reports whether the blob is the tag-list form. An empty,
// non-nil tag list still counts: it is the admin-only "no access" form.
func (b *AccessBlob) HasTags() bool { return b != nil && b.User == "" && b.Tags != nil }

// Node is one vertex of the tree.
type Node struct {
	ID              int64                  `json:"-"`
	Key             string                 `json:"key"`
	Ancestors       []string               `json:"ancestors"`
	StructureFamily structures.Family      `json:"structure_family"`
	Metadata        map[string]interface{} `json:"metadata"`
	Specs           []string               `json:"specs"`
	AccessBlob      *AccessBlob            `json:"access_blob,omitempty"`
	TimeCreated     time.Time              `json:"time_created"`
	TimeUpdated     time.Time              `json:"time_updated"`

	// DataSources is loaded with the node. Container nodes have zero;
	// non-container nodes have exactly one at present.
	DataSources []DataSource `json:"data_sources,omitempty"`
}

// Path renders the node's full path from the root.
func (n *Node) Path() string {
	return "/" + strings.Join(append(append([]string{}, n.Ancestors...), n.Key), "/")
}

// DataSource binds a node to storage.
type DataSource struct {
	ID         int64                  `json:"-"`
	Mimetype   string                 `json:"mimetype"`
	Structure  *structures.Structure  `json:"structure"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Management Management             `json:"management"`
	Assets     []Asset                `json:"assets"`
}

// Asset is a single storage location.
type Asset struct {
	ID          int64  `json:"-"`
	DataURI     string `json:"data_uri"`
	IsDirectory bool   `json:"is_directory"`
}

// Revision is an immutable pre-update snapshot of a node's metadata and
// specs.
type Revision struct {
	ID             int64                  `json:"-"`
	RevisionNumber int64                  `json:"revision_number"`
	Metadata       map[string]interface{} `json:"metadata"`
	Specs          []string               `json:"specs"`
	TimeUpdated    time.Time              `json:"time_updated"`
}

// ErrCollision signals a create on an (ancestors, key) pair that
// already exists. Mapped to 409 at the HTTP layer.
type ErrCollision struct {
	Path string
}

func (e *ErrCollision) Error() string {
	return fmt.Sprintf("Collision at %s", e.Path)
}

// ErrConflicts signals a single-node delete on a node with children.
type ErrConflicts struct {
	Path     string
	Children int64
}

func (e *ErrConflicts) Error() string {
	return fmt.Sprintf("Cannot delete %s: it has %d children", e.Path, e.Children)
}

// ErrWouldDeleteData signals a tree delete that would remove internally
// managed assets while external_only is set.
type ErrWouldDeleteData struct {
	Path string
}

func (e *ErrWouldDeleteData) Error() string {
	return fmt.Sprintf("Deleting %s would delete internally managed data; pass external_only=false to remove it", e.Path)
}

// ErrNotFound signals a missing node.
type ErrNotFound struct {
	Path string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("No node at %s", e.Path)
}

// ErrUninitializedDatabase is fatal at startup: the database has no
// schema and auto-init is disabled.
type ErrUninitializedDatabase struct {
	URI string
}

func (e *ErrUninitializedDatabase) Error() string {
	return fmt.Sprintf("database %s is uninitialized; run with catalog init enabled or initialize it explicitly", e.URI)
}

// ErrDatabaseUpgradeNeeded is fatal at startup: the stored schema
// revision does not match what this build requires.
type ErrDatabaseUpgradeNeeded struct {
	Found    int
	Required int
}

func (e *ErrDatabaseUpgradeNeeded) Error() string {
	return fmt.Sprintf("database schema revision %d does not match required revision %d; run the migration tool", e.Found, e.Required)
}

// encodeJSON marshals values destined for JSON columns, normalizing nil
// maps and slices to their empty JSON forms.
func encodeJSON(v interface{}) (string, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return "{}", nil
		}
	case []string:
		if t == nil {
			return "[]", nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return string(raw), nil
}
