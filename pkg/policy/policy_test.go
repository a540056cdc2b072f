package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline/trove/pkg/catalog"
	"github.com/beamline/trove/pkg/query"
)

const testConfig = `
roles:
  facility_user:
    scopes: [read:metadata, read:data, write:metadata]
tags:
  proposal-123:
    users:
      - name: alice
        role: facility_user
      - name: bob
        scopes: [read:metadata]
    groups:
      - name: beamline-staff
        role: facility_user
  campaign:
    auto_tags:
      - name: proposal-123
      - name: public
tag_owners:
  proposal-123:
    users: [alice]
  campaign:
    groups: [beamline-staff]
`

var testUniverse = []string{"read:metadata", "read:data", "write:metadata", "write:data", "admin"}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestPolicy(t *testing.T, content string) *Policy {
	t.Helper()
	p, err := New(context.Background(), Options{
		ConfigPath:    writeConfig(t, content),
		ScopeUniverse: testUniverse,
		GroupParser: func(ctx context.Context, group string) ([]string, error) {
			if group == "beamline-staff" {
				return []string{"carol"}, nil
			}
			return nil, fmt.Errorf("unknown group %q", group)
		},
	})
	require.NoError(t, err)
	return p
}

func TestCompileExpandsMembersAndGroups(t *testing.T) {
	p := newTestPolicy(t, testConfig)
	snapshot := p.Snapshot()

	grants := snapshot.Tags["proposal-123"]
	assert.ElementsMatch(t, []string{"read:metadata", "read:data", "write:metadata"}, grants["alice"].sorted())
	assert.Equal(t, []string{"read:metadata"}, grants["bob"].sorted())
	// carol arrives through group expansion.
	assert.ElementsMatch(t, []string{"read:metadata", "read:data", "write:metadata"}, grants["carol"].sorted())
}

func TestCompileExpandsAutoTags(t *testing.T) {
	p := newTestPolicy(t, testConfig)
	snapshot := p.Snapshot()

	// campaign inherits proposal-123's grants and is public.
	assert.NotEmpty(t, snapshot.Tags["campaign"]["alice"])
	assert.True(t, snapshot.Public.has("campaign"))
	assert.False(t, snapshot.Public.has("proposal-123"))

	// Reverse index: alice's read:metadata reaches both tags.
	tags := snapshot.Scopes["read:metadata"]["alice"]
	assert.True(t, tags.has("proposal-123"))
	assert.True(t, tags.has("campaign"))
}

func TestCompileRejectsCycles(t *testing.T) {
	_, err := New(context.Background(), Options{
		ConfigPath: writeConfig(t, `
tags:
  a:
    auto_tags: [{name: b}]
  b:
    auto_tags: [{name: a}]
`),
		ScopeUniverse: testUniverse,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestCompileRejectsExcessiveDepth(t *testing.T) {
	cfg := "tags:\n"
	for i := 0; i < 8; i++ {
		cfg += fmt.Sprintf("  t%d:\n    auto_tags: [{name: t%d}]\n", i, i+1)
	}
	cfg += "  t8: {users: [{name: alice, scopes: [read:metadata]}]}\n"

	_, err := New(context.Background(), Options{
		ConfigPath:    writeConfig(t, cfg),
		ScopeUniverse: testUniverse,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")
}

func TestCompileRejectsInvalidMembers(t *testing.T) {
	cases := map[string]string{
		"both role and scopes": `
roles:
  r: {scopes: [read:metadata]}
tags:
  t:
    users: [{name: alice, role: r, scopes: [read:data]}]
`,
		"neither role nor scopes": `
tags:
  t:
    users: [{name: alice}]
`,
		"undefined role": `
tags:
  t:
    users: [{name: alice, role: ghost}]
`,
		"undefined nested tag": `
tags:
  t:
    auto_tags: [{name: ghost}]
`,
		"scopes outside universe": `
tags:
  t:
    users: [{name: alice, scopes: [launch:missiles]}]
`,
		"reserved public tag": `
tags:
  public:
    users: [{name: alice, scopes: [read:metadata]}]
`,
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(context.Background(), Options{
				ConfigPath:    writeConfig(t, cfg),
				ScopeUniverse: testUniverse,
			})
			assert.Error(t, err)
		})
	}
}

func TestMissingGroupsAreSkipped(t *testing.T) {
	p := newTestPolicy(t, `
tags:
  t:
    users: [{name: alice, scopes: [read:metadata]}]
    groups: [{name: no-such-group, scopes: [read:metadata]}]
`)
	grants := p.Snapshot().Tags["t"]
	assert.Len(t, grants, 1)
	assert.Contains(t, grants, "alice")
}

func TestAllowedScopesUserBlob(t *testing.T) {
	p := newTestPolicy(t, testConfig)

	blob := &catalog.AccessBlob{User: "alice"}
	assert.ElementsMatch(t, testUniverse, p.AllowedScopes(blob, "alice", []string{"read:metadata"}))
	assert.Empty(t, p.AllowedScopes(blob, "bob", []string{"read:metadata"}))
	// Admins see everything regardless of the blob.
	assert.ElementsMatch(t, testUniverse, p.AllowedScopes(blob, "bob", []string{"admin"}))
	// No blob at all grants the full universe.
	assert.ElementsMatch(t, testUniverse, p.AllowedScopes(nil, "bob", nil))
}

func TestAllowedScopesTagBlob(t *testing.T) {
	p := newTestPolicy(t, testConfig)

	blob := &catalog.AccessBlob{Tags: []string{"proposal-123"}}
	assert.ElementsMatch(t,
		[]string{"read:metadata", "read:data", "write:metadata"},
		p.AllowedScopes(blob, "alice", nil))
	assert.Equal(t, []string{"read:metadata"}, p.AllowedScopes(blob, "bob", nil))
	assert.Empty(t, p.AllowedScopes(blob, "mallory", nil))

	// A public tag grants read scopes to anyone.
	public := &catalog.AccessBlob{Tags: []string{"campaign"}}
	assert.ElementsMatch(t, []string{"read:metadata", "read:data"}, p.AllowedScopes(public, "mallory", nil))

	// The empty non-nil tag list is the admin-only form.
	locked := &catalog.AccessBlob{Tags: []string{}}
	assert.Empty(t, p.AllowedScopes(locked, "alice", nil))
}

func TestFiltersEmitAccessBlobFilter(t *testing.T) {
	p := newTestPolicy(t, testConfig)

	filters, err := p.Filters("alice", []string{"read:metadata"}, []string{"read:metadata"})
	require.NoError(t, err)
	require.Len(t, filters, 1)
	f, ok := filters[0].(query.AccessBlobFilter)
	require.True(t, ok)
	assert.Equal(t, "alice", f.UserID)
	assert.Contains(t, f.Tags, "proposal-123")
	assert.Contains(t, f.Tags, "campaign")
	// Read scopes pull in public tags for every principal.
	assert.Contains(t, f.Tags, PublicTag)

	// A stranger still matches public nodes and their own user blobs.
	filters, err = p.Filters("mallory", nil, []string{"read:metadata"})
	require.NoError(t, err)
	f = filters[0].(query.AccessBlobFilter)
	assert.Equal(t, "mallory", f.UserID)
	assert.Contains(t, f.Tags, PublicTag)
	assert.NotContains(t, f.Tags, "proposal-123")
}

func TestFiltersIntersectAcrossScopes(t *testing.T) {
	p := newTestPolicy(t, testConfig)

	// bob holds read:metadata on proposal-123 but not read:data, so the
	// intersection drops the tag.
	filters, err := p.Filters("bob", nil, []string{"read:metadata", "read:data"})
	require.NoError(t, err)
	f := filters[0].(query.AccessBlobFilter)
	assert.NotContains(t, f.Tags, "proposal-123")
}

func TestFiltersAdminAndNoAccess(t *testing.T) {
	p := newTestPolicy(t, testConfig)

	filters, err := p.Filters("root", []string{"admin"}, []string{"read:metadata"})
	require.NoError(t, err)
	assert.Empty(t, filters)

	// write:metadata is not a reverse-lookup scope.
	_, err = p.Filters("alice", nil, []string{"write:metadata"})
	assert.ErrorIs(t, err, ErrNoAccess)

	_, err = p.Filters("alice", nil, []string{"launch:missiles"})
	assert.ErrorIs(t, err, ErrNoAccess)
}

func TestInitNode(t *testing.T) {
	p := newTestPolicy(t, testConfig)

	// Absent blob derives single-user ownership.
	blob, modified, err := p.InitNode("alice", nil, nil)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, "alice", blob.User)

	// Owners may apply their tags.
	blob, modified, err = p.InitNode("alice", nil, &catalog.AccessBlob{Tags: []string{"proposal-123"}})
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, []string{"proposal-123"}, blob.Tags)

	// Non-owners may not.
	_, _, err = p.InitNode("bob", nil, &catalog.AccessBlob{Tags: []string{"proposal-123"}})
	var notOwner *ErrNotTagOwner
	assert.ErrorAs(t, err, &notOwner)

	// Unknown tags are rejected.
	_, _, err = p.InitNode("alice", nil, &catalog.AccessBlob{Tags: []string{"ghost"}})
	var unknown *ErrUnknownTag
	assert.ErrorAs(t, err, &unknown)

	// The public tag and the empty tag list require admin.
	_, _, err = p.InitNode("alice", nil, &catalog.AccessBlob{Tags: []string{PublicTag}})
	assert.ErrorIs(t, err, ErrAdminRequired)
	_, _, err = p.InitNode("alice", nil, &catalog.AccessBlob{Tags: []string{}})
	assert.ErrorIs(t, err, ErrAdminRequired)
	_, _, err = p.InitNode("root", []string{"admin"}, &catalog.AccessBlob{Tags: []string{}})
	assert.NoError(t, err)

	// The user form is not accepted as a request.
	_, _, err = p.InitNode("alice", nil, &catalog.AccessBlob{User: "alice"})
	assert.Error(t, err)
}

func TestInitNodePreventsSelfLockout(t *testing.T) {
	// alice owns the tag, so the ownership check passes and only the
	// lockout check can reject: the tag grants her read:metadata but
	// not write:metadata.
	p := newTestPolicy(t, `
roles:
  reader: {scopes: [read:metadata]}
tags:
  read-only:
    users: [{name: alice, role: reader}]
tag_owners:
  read-only:
    users: [alice]
`)
	_, _, err := p.InitNode("alice", nil, &catalog.AccessBlob{Tags: []string{"read-only"}})
	assert.ErrorIs(t, err, ErrSelfLockout)

	// Admins bypass the lockout check.
	_, _, err = p.InitNode("root", []string{"admin"}, &catalog.AccessBlob{Tags: []string{"read-only"}})
	assert.NoError(t, err)
}

func TestModifyNodeChecksBothSidesOfDiff(t *testing.T) {
	p := newTestPolicy(t, testConfig)

	current := &catalog.AccessBlob{Tags: []string{"proposal-123"}}

	// bob cannot remove a tag he does not own.
	_, err := p.ModifyNode("bob", nil, current, &catalog.AccessBlob{Tags: []string{}})
	var notOwner *ErrNotTagOwner
	assert.ErrorAs(t, err, &notOwner)

	// alice keeping her tag unchanged passes without admin.
	blob, err := p.ModifyNode("alice", nil, current, &catalog.AccessBlob{Tags: []string{"proposal-123"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"proposal-123"}, blob.Tags)

	// Emptying the tag list requires admin even for an owner.
	_, err = p.ModifyNode("alice", nil, current, &catalog.AccessBlob{Tags: []string{}})
	assert.ErrorIs(t, err, ErrAdminRequired)
}

func TestReloadSwapsSnapshot(t *testing.T) {
	path := writeConfig(t, testConfig)
	p, err := New(context.Background(), Options{
		ConfigPath:    path,
		ScopeUniverse: testUniverse,
		GroupParser: func(ctx context.Context, group string) ([]string, error) {
			return nil, fmt.Errorf("no groups")
		},
	})
	require.NoError(t, err)
	require.True(t, p.Snapshot().HasTag("proposal-123"))

	require.NoError(t, os.WriteFile(path, []byte(`
tags:
  proposal-456:
    users: [{name: dora, scopes: [read:metadata]}]
`), 0o600))
	require.NoError(t, p.Reload(context.Background()))

	assert.False(t, p.Snapshot().HasTag("proposal-123"))
	assert.True(t, p.Snapshot().HasTag("proposal-456"))
}

func TestPartialRefreshOnlyAdds(t *testing.T) {
	path := writeConfig(t, testConfig)
	p, err := New(context.Background(), Options{
		ConfigPath:    path,
		ScopeUniverse: testUniverse,
		GroupParser: func(ctx context.Context, group string) ([]string, error) {
			return nil, fmt.Errorf("no groups")
		},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
tags:
  proposal-456:
    users: [{name: dora, scopes: [read:metadata]}]
`), 0o600))
	require.NoError(t, p.PartialRefresh(context.Background()))

	// The dropped tag survives; the new one appears.
	snapshot := p.Snapshot()
	assert.True(t, snapshot.HasTag("proposal-123"))
	assert.True(t, snapshot.HasTag("proposal-456"))
	assert.True(t, snapshot.Scopes["read:metadata"]["dora"].has("proposal-456"))
}

func TestPartialRefreshSkipsWhenContended(t *testing.T) {
	p := newTestPolicy(t, testConfig)

	// Occupy the compilation slot; the partial cycle must give up
	// without error after its timeout.
	p.compileSlot <- struct{}{}
	defer func() { <-p.compileSlot }()

	assert.NoError(t, p.PartialRefresh(context.Background()))
}

func TestReloadKeepsLastGoodSnapshotOnError(t *testing.T) {
	path := writeConfig(t, testConfig)
	p, err := New(context.Background(), Options{
		ConfigPath:    path,
		ScopeUniverse: testUniverse,
		GroupParser: func(ctx context.Context, group string) ([]string, error) {
			return nil, fmt.Errorf("no groups")
		},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
tags:
  a: {auto_tags: [{name: a}]}
`), 0o600))
	require.Error(t, p.Reload(context.Background()))
	assert.True(t, p.Snapshot().HasTag("proposal-123"))
}
