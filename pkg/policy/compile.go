package policy

import (
	"context"
	"fmt"
	"sort"
)

// stringSet is the working representation of scope, tag, and user sets.
type stringSet map[string]struct{}

func newSet(items ...string) stringSet {
	s := make(stringSet, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s stringSet) has(item string) bool { _, ok := s[item]; return ok }

func (s stringSet) add(items ...string) {
	for _, item := range items {
		s[item] = struct{}{}
	}
}

func (s stringSet) merge(other stringSet) {
	for item := range other {
		s[item] = struct{}{}
	}
}

func (s stringSet) clone() stringSet {
	out := make(stringSet, len(s))
	for item := range s {
		out[item] = struct{}{}
	}
	return out
}

func (s stringSet) intersect(other stringSet) stringSet {
	out := stringSet{}
	for item := range s {
		if other.has(item) {
			out[item] = struct{}{}
		}
	}
	return out
}

func (s stringSet) subsetOf(other stringSet) bool {
	for item := range s {
		if !other.has(item) {
			return false
		}
	}
	return true
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// Compiled is an immutable snapshot of the compiled policy. Readers
// hold a pointer to one snapshot for the duration of a call; refreshes
// publish a new snapshot rather than mutating a live one.
type Compiled struct {
	// Tags maps tag -> user -> granted scopes, with auto_tags expanded.
	Tags map[string]map[string]stringSet
	// Public is the set of tags that expand the reserved public tag.
	Public stringSet
	// Scopes is the reverse index scope -> user -> tags granting it,
	// built for the reverse-lookup scopes only.
	Scopes map[string]map[string]stringSet
	// Owners maps tag -> users allowed to apply or remove it.
	Owners map[string]stringSet
}

// HasTag reports whether the snapshot defines the tag.
func (c *Compiled) HasTag(tag string) bool {
	_, ok := c.Tags[tag]
	return ok
}

type compiler struct {
	cfg    *Config
	policy *Policy

	memo map[string]*tagGrants
}

// tagGrants is the resolved grant set of one tag.
type tagGrants struct {
	users  map[string]stringSet
	public bool
}

func (p *Policy) compile(ctx context.Context, cfg *Config) (*Compiled, error) {
	universe := newSet(p.scopeUniverse...)

	for name, role := range cfg.Roles {
		if len(role.Scopes) == 0 {
			return nil, fmt.Errorf("role %q grants no scopes", name)
		}
		if !newSet(role.Scopes...).subsetOf(universe) {
			return nil, fmt.Errorf("role %q grants scopes outside the configured universe", name)
		}
	}

	for tag, tc := range cfg.Tags {
		for _, auto := range tc.AutoTags {
			if auto.Name == PublicTag {
				continue
			}
			if _, ok := cfg.Tags[auto.Name]; !ok {
				return nil, fmt.Errorf("tag %q references undefined tag %q", tag, auto.Name)
			}
		}
	}

	c := &compiler{cfg: cfg, policy: p, memo: make(map[string]*tagGrants)}

	out := &Compiled{
		Tags: make(map[string]map[string]stringSet, len(cfg.Tags)),
		// The reserved public tag is always public, so blobs tagged
		// with it directly grant read scopes to everyone.
		Public: newSet(PublicTag),
		Scopes: make(map[string]map[string]stringSet),
		Owners: make(map[string]stringSet, len(cfg.TagOwners)),
	}
	tagNames := make([]string, 0, len(cfg.Tags))
	for tag := range cfg.Tags {
		tagNames = append(tagNames, tag)
	}
	sort.Strings(tagNames)
	for _, tag := range tagNames {
		grants, err := c.resolve(ctx, tag, stringSet{}, 0)
		if err != nil {
			return nil, err
		}
		out.Tags[tag] = grants.users
		if grants.public {
			out.Public.add(tag)
		}
	}

	for _, users := range out.Tags {
		for _, scopes := range users {
			if !scopes.subsetOf(universe) {
				return nil, fmt.Errorf("compiled scopes fall outside the configured universe")
			}
		}
	}

	for _, scope := range p.reverseScopes {
		out.Scopes[scope] = make(map[string]stringSet)
	}
	for tag, users := range out.Tags {
		for user, scopes := range users {
			for _, scope := range p.reverseScopes {
				if !scopes.has(scope) {
					continue
				}
				if out.Scopes[scope][user] == nil {
					out.Scopes[scope][user] = stringSet{}
				}
				out.Scopes[scope][user].add(tag)
			}
		}
	}

	for tag, oc := range cfg.TagOwners {
		owners := newSet(oc.Users...)
		for _, group := range oc.Groups {
			members, err := p.groupParser(ctx, group)
			if err != nil {
				p.logger.WithError(err).Warnf("skipping unresolvable owner group %q for tag %q", group, tag)
				continue
			}
			owners.add(members...)
		}
		out.Owners[tag] = owners
	}

	return out, nil
}

// resolve computes a tag's grants, expanding auto_tags depth-first.
// stack holds the tags on the current DFS path for cycle detection;
// results are memoized across paths.
func (c *compiler) resolve(ctx context.Context, tag string, stack stringSet, depth int) (*tagGrants, error) {
	if depth > c.policy.maxTagDepth {
		return nil, fmt.Errorf("tag nesting exceeds maximum depth %d at %q", c.policy.maxTagDepth, tag)
	}
	if stack.has(tag) {
		return nil, fmt.Errorf("cyclic auto_tags reference involving %q", tag)
	}
	if grants, ok := c.memo[tag]; ok {
		return grants, nil
	}

	tc := c.cfg.Tags[tag]
	grants := &tagGrants{users: make(map[string]stringSet)}

	addMember := func(user string, scopes stringSet) {
		if grants.users[user] == nil {
			grants.users[user] = stringSet{}
		}
		grants.users[user].merge(scopes)
	}

	for _, entry := range tc.Users {
		scopes, err := c.memberScopes(tag, entry)
		if err != nil {
			return nil, err
		}
		addMember(entry.Name, scopes)
	}
	for _, entry := range tc.Groups {
		scopes, err := c.memberScopes(tag, entry)
		if err != nil {
			return nil, err
		}
		members, err := c.policy.groupParser(ctx, entry.Name)
		if err != nil {
			c.policy.logger.WithError(err).Warnf("skipping unresolvable group %q in tag %q", entry.Name, tag)
			continue
		}
		for _, member := range members {
			addMember(member, scopes)
		}
	}

	stack.add(tag)
	for _, auto := range tc.AutoTags {
		if auto.Name == PublicTag {
			grants.public = true
			continue
		}
		child, err := c.resolve(ctx, auto.Name, stack, depth+1)
		if err != nil {
			return nil, err
		}
		for user, scopes := range child.users {
			addMember(user, scopes)
		}
		if child.public {
			grants.public = true
		}
	}
	delete(stack, tag)

	c.memo[tag] = grants
	return grants, nil
}

// memberScopes resolves one user/group entry to its scope set: either
// explicit scopes or a named role, exactly one of the two.
func (c *compiler) memberScopes(tag string, entry MemberConfig) (stringSet, error) {
	switch {
	case entry.Role != "" && len(entry.Scopes) > 0:
		return nil, fmt.Errorf("entry %q in tag %q declares both role and scopes", entry.Name, tag)
	case entry.Role != "":
		role, ok := c.cfg.Roles[entry.Role]
		if !ok {
			return nil, fmt.Errorf("entry %q in tag %q references undefined role %q", entry.Name, tag, entry.Role)
		}
		return newSet(role.Scopes...), nil
	case len(entry.Scopes) > 0:
		scopes := newSet(entry.Scopes...)
		if !scopes.subsetOf(newSet(c.policy.scopeUniverse...)) {
			return nil, fmt.Errorf("entry %q in tag %q grants scopes outside the configured universe", entry.Name, tag)
		}
		return scopes, nil
	default:
		return nil, fmt.Errorf("entry %q in tag %q declares neither role nor scopes", entry.Name, tag)
	}
}
