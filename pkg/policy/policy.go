package policy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/beamline/trove/pkg/catalog"
	"github.com/beamline/trove/pkg/observability"
	"github.com/beamline/trove/pkg/query"
)

// GroupParser resolves an external group name to its member
// identifiers. Unresolvable groups are skipped with a warning.
type GroupParser func(ctx context.Context, group string) ([]string, error)

// ErrNoAccess signals that a filter request cannot be satisfied at all;
// the HTTP layer maps it to 403.
var ErrNoAccess = errors.New("no access")

// ErrSelfLockout rejects an access blob change that would strip the
// principal of its unremovable scopes.
var ErrSelfLockout = errors.New("requested tags would lock the requesting user out of the node")

// ErrAdminRequired rejects operations reserved to admins.
var ErrAdminRequired = errors.New("admin scope required")

// ErrNotTagOwner rejects applying or removing a tag the principal does
// not own.
type ErrNotTagOwner struct {
	Tag string
}

func (e *ErrNotTagOwner) Error() string {
	return fmt.Sprintf("not an owner of tag %q", e.Tag)
}

// ErrUnknownTag rejects a tag absent from the compiled policy.
type ErrUnknownTag struct {
	Tag string
}

func (e *ErrUnknownTag) Error() string {
	return fmt.Sprintf("unknown tag %q", e.Tag)
}

// partialRefreshTimeout bounds how long a partial update waits for the
// compilation slot before skipping its cycle.
const partialRefreshTimeout = 100 * time.Millisecond

// Options configures a Policy.
type Options struct {
	// ConfigPath locates the policy YAML document.
	ConfigPath string
	// ScopeUniverse is the closed set of valid scope names.
	ScopeUniverse []string
	// ReadScopes are the scopes public tags grant and the scopes the
	// reverse index is built for. Defaults to read:metadata, read:data.
	ReadScopes []string
	// UnremovableScopes must survive any access blob change made by a
	// non-admin. Defaults to read:metadata, write:metadata.
	UnremovableScopes []string
	// AdminScope marks a principal as admin when present in its
	// authenticated scopes. Defaults to "admin".
	AdminScope string
	// MaxTagDepth bounds auto_tags nesting. Defaults to 5.
	MaxTagDepth int

	GroupParser GroupParser
	Logger      *observability.Logger
}

// Policy holds the compiled access policy behind an atomically
// swappable snapshot. Reads never block on a refresh for longer than a
// pointer load.
type Policy struct {
	configPath        string
	scopeUniverse     []string
	readScopes        []string
	reverseScopes     []string
	unremovableScopes []string
	adminScope        string
	maxTagDepth       int

	groupParser GroupParser
	logger      *observability.Logger

	loaded atomic.Pointer[Compiled]

	// compileSlot serializes compilations; cap 1 so the partial cycle
	// can attempt acquisition with a timeout.
	compileSlot chan struct{}
}

// New builds a Policy and performs the initial load. A policy that
// fails to compile refuses to start.
func New(ctx context.Context, opts Options) (*Policy, error) {
	if len(opts.ScopeUniverse) == 0 {
		return nil, fmt.Errorf("policy requires a scope universe")
	}
	if len(opts.ReadScopes) == 0 {
		opts.ReadScopes = []string{"read:metadata", "read:data"}
	}
	if len(opts.UnremovableScopes) == 0 {
		opts.UnremovableScopes = []string{"read:metadata", "write:metadata"}
	}
	if opts.AdminScope == "" {
		opts.AdminScope = "admin"
	}
	if opts.MaxTagDepth == 0 {
		opts.MaxTagDepth = 5
	}
	if opts.GroupParser == nil {
		opts.GroupParser = func(ctx context.Context, group string) ([]string, error) {
			return nil, fmt.Errorf("no group parser configured")
		}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	p := &Policy{
		configPath:        opts.ConfigPath,
		scopeUniverse:     opts.ScopeUniverse,
		readScopes:        opts.ReadScopes,
		reverseScopes:     opts.ReadScopes,
		unremovableScopes: opts.UnremovableScopes,
		adminScope:        opts.AdminScope,
		maxTagDepth:       opts.MaxTagDepth,
		groupParser:       opts.GroupParser,
		logger:            opts.Logger,
		compileSlot:       make(chan struct{}, 1),
	}
	if err := p.Reload(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Snapshot returns the currently published compiled state.
func (p *Policy) Snapshot() *Compiled { return p.loaded.Load() }

// IsAdmin reports whether the authenticated scopes carry the admin
// scope.
func (p *Policy) IsAdmin(authnScopes []string) bool {
	return newSet(authnScopes...).has(p.adminScope)
}

// ScopeUniverse returns the configured scope names.
func (p *Policy) ScopeUniverse() []string {
	return append([]string{}, p.scopeUniverse...)
}

// Reload re-reads the YAML document, recompiles from scratch, and
// publishes the new snapshot. Concurrent reloads serialize.
func (p *Policy) Reload(ctx context.Context) error {
	select {
	case p.compileSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.compileSlot }()

	cfg, err := LoadConfig(p.configPath)
	if err != nil {
		return err
	}
	compiled, err := p.compile(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to compile policy: %w", err)
	}
	p.loaded.Store(compiled)
	p.logger.WithFields(map[string]interface{}{
		"tags":   len(compiled.Tags),
		"public": len(compiled.Public),
	}).Info("policy compiled")
	return nil
}

// PartialRefresh recompiles and merges newly-seen tags into the
// published snapshot without removing anything. The compilation slot
// is acquired with a short timeout; a contended cycle is skipped.
func (p *Policy) PartialRefresh(ctx context.Context) error {
	timer := time.NewTimer(partialRefreshTimeout)
	defer timer.Stop()
	select {
	case p.compileSlot <- struct{}{}:
	case <-timer.C:
		p.logger.Warn("partial policy refresh skipped: compilation in progress")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.compileSlot }()

	cfg, err := LoadConfig(p.configPath)
	if err != nil {
		return err
	}
	fresh, err := p.compile(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to compile policy: %w", err)
	}

	current := p.loaded.Load()
	merged := &Compiled{
		Tags:   make(map[string]map[string]stringSet, len(current.Tags)),
		Public: current.Public.clone(),
		Scopes: make(map[string]map[string]stringSet, len(current.Scopes)),
		Owners: make(map[string]stringSet, len(current.Owners)),
	}
	for tag, users := range current.Tags {
		merged.Tags[tag] = users
	}
	for scope, users := range current.Scopes {
		merged.Scopes[scope] = make(map[string]stringSet, len(users))
		for user, tags := range users {
			merged.Scopes[scope][user] = tags.clone()
		}
	}
	for tag, owners := range current.Owners {
		merged.Owners[tag] = owners
	}

	added := 0
	for tag, users := range fresh.Tags {
		if _, exists := merged.Tags[tag]; exists {
			continue
		}
		merged.Tags[tag] = users
		if fresh.Public.has(tag) {
			merged.Public.add(tag)
		}
		for user, scopes := range users {
			for _, scope := range p.reverseScopes {
				if !scopes.has(scope) {
					continue
				}
				if merged.Scopes[scope] == nil {
					merged.Scopes[scope] = make(map[string]stringSet)
				}
				if merged.Scopes[scope][user] == nil {
					merged.Scopes[scope][user] = stringSet{}
				}
				merged.Scopes[scope][user].add(tag)
			}
		}
		added++
	}
	for tag, owners := range fresh.Owners {
		if _, exists := merged.Owners[tag]; !exists {
			merged.Owners[tag] = owners
		}
	}

	if added > 0 {
		p.loaded.Store(merged)
		p.logger.WithField("added", added).Info("partial policy refresh published new tags")
	}
	return nil
}

// Watch reloads the policy whenever the YAML document changes on disk.
// It blocks until ctx is cancelled.
func (p *Policy) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than writing in
	// place, which would drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(p.configPath)); err != nil {
		return fmt.Errorf("failed to watch policy config: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := p.Reload(ctx); err != nil {
				// Keep serving the last good snapshot.
				p.logger.WithError(err).Error("policy reload after file change failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.WithError(err).Warn("policy watcher error")
		}
	}
}

// InitNode validates the requested access blob for node creation and
// returns the blob the node should actually carry, plus whether it was
// modified from the request.
func (p *Policy) InitNode(identifier string, authnScopes []string, requested *catalog.AccessBlob) (*catalog.AccessBlob, bool, error) {
	if requested == nil {
		return &catalog.AccessBlob{User: identifier}, true, nil
	}
	if requested.User != "" || requested.Tags == nil {
		return nil, false, fmt.Errorf("access blob must carry exactly the \"tags\" key")
	}
	if len(requested.Tags) == 0 && !p.IsAdmin(authnScopes) {
		return nil, false, ErrAdminRequired
	}
	if err := p.checkTags(identifier, authnScopes, requested.Tags); err != nil {
		return nil, false, err
	}
	if err := p.checkNoLockout(identifier, authnScopes, requested.Tags); err != nil {
		return nil, false, err
	}
	return &catalog.AccessBlob{Tags: append([]string{}, requested.Tags...)}, false, nil
}

// ModifyNode validates an access blob change against the node's
// current blob. Ownership rules apply to both added and removed tags.
func (p *Policy) ModifyNode(identifier string, authnScopes []string, current, requested *catalog.AccessBlob) (*catalog.AccessBlob, error) {
	if requested == nil || requested.User != "" || requested.Tags == nil {
		return nil, fmt.Errorf("access blob must carry exactly the \"tags\" key")
	}

	currentTags := stringSet{}
	if current != nil {
		currentTags.add(current.Tags...)
	}
	requestedTags := newSet(requested.Tags...)

	var changed []string
	for tag := range requestedTags {
		if !currentTags.has(tag) {
			changed = append(changed, tag)
		}
	}
	for tag := range currentTags {
		if !requestedTags.has(tag) {
			changed = append(changed, tag)
		}
	}
	if err := p.checkTags(identifier, authnScopes, changed); err != nil {
		return nil, err
	}
	if len(requested.Tags) == 0 && !p.IsAdmin(authnScopes) {
		return nil, ErrAdminRequired
	}
	if err := p.checkNoLockout(identifier, authnScopes, requested.Tags); err != nil {
		return nil, err
	}
	return &catalog.AccessBlob{Tags: append([]string{}, requested.Tags...)}, nil
}

// checkTags enforces the per-tag rules: public requires admin; other
// tags must exist and the principal must own them (admins bypass).
func (p *Policy) checkTags(identifier string, authnScopes []string, tags []string) error {
	admin := p.IsAdmin(authnScopes)
	snapshot := p.Snapshot()
	for _, tag := range tags {
		if tag == PublicTag {
			if !admin {
				return ErrAdminRequired
			}
			continue
		}
		if !snapshot.HasTag(tag) {
			return &ErrUnknownTag{Tag: tag}
		}
		if admin {
			continue
		}
		if !snapshot.Owners[tag].has(identifier) {
			return &ErrNotTagOwner{Tag: tag}
		}
	}
	return nil
}

// checkNoLockout rejects, for non-admins, tag sets that no longer grant
// the principal its unremovable scopes.
func (p *Policy) checkNoLockout(identifier string, authnScopes []string, tags []string) error {
	if p.IsAdmin(authnScopes) {
		return nil
	}
	snapshot := p.Snapshot()
	granted := stringSet{}
	for _, tag := range tags {
		if scopes, ok := snapshot.Tags[tag][identifier]; ok {
			granted.merge(scopes)
		}
	}
	if !newSet(p.unremovableScopes...).subsetOf(granted) {
		return ErrSelfLockout
	}
	return nil
}

// AllowedScopes computes the scopes the principal holds on the node.
func (p *Policy) AllowedScopes(blob *catalog.AccessBlob, identifier string, authnScopes []string) []string {
	if blob == nil || p.IsAdmin(authnScopes) {
		return append([]string{}, p.scopeUniverse...)
	}
	if blob.HasUser() {
		if blob.User == identifier {
			return append([]string{}, p.scopeUniverse...)
		}
		return nil
	}

	snapshot := p.Snapshot()
	universe := newSet(p.scopeUniverse...)
	granted := stringSet{}
	for _, tag := range blob.Tags {
		if scopes, ok := snapshot.Tags[tag][identifier]; ok {
			granted.merge(scopes)
		}
		if snapshot.Public.has(tag) {
			granted.add(p.readScopes...)
		}
	}
	return granted.intersect(universe).sorted()
}

// Filters emits the pushdown queries scoping a search to what the
// principal may see under the requested scopes. Admins get no filter.
// A request outside the universe or the reverse-lookup scopes yields
// ErrNoAccess.
func (p *Policy) Filters(identifier string, authnScopes []string, requested []string) ([]query.Query, error) {
	if p.IsAdmin(authnScopes) {
		return nil, nil
	}

	universe := newSet(p.scopeUniverse...)
	reverse := newSet(p.reverseScopes...)
	readScopes := newSet(p.readScopes...)
	snapshot := p.Snapshot()

	var tagList stringSet
	includePublic := false
	for _, scope := range requested {
		if !universe.has(scope) || !reverse.has(scope) {
			return nil, ErrNoAccess
		}
		tags := snapshot.Scopes[scope][identifier]
		if tags == nil {
			tags = stringSet{}
		}
		if tagList == nil {
			tagList = tags.clone()
		} else {
			tagList = tagList.intersect(tags)
		}
		if readScopes.has(scope) {
			includePublic = true
		}
	}
	if tagList == nil {
		tagList = stringSet{}
	}
	if includePublic {
		tagList.merge(snapshot.Public)
	}
	return []query.Query{query.AccessBlobFilter{
		UserID: identifier,
		Tags:   tagList.sorted(),
	}}, nil
}
