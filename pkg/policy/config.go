// Package policy compiles a YAML declaration of roles, tags, and tag
// owners (plus externally resolved group memberships) into per-user
// scope grants. The compiled state answers three questions: which
// scopes a principal holds on a node, which access blob a node may be
// created or modified with, and which pushdown filter scopes a search
// to what the principal may see.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PublicTag is the reserved tag identifier. It may be referenced from
// auto_tags but never defined.
const PublicTag = "public"

// Config is the YAML document root.
type Config struct {
	Roles     map[string]RoleConfig  `yaml:"roles"`
	Tags      map[string]TagConfig   `yaml:"tags"`
	TagOwners map[string]OwnerConfig `yaml:"tag_owners"`
}

// RoleConfig names a reusable scope set.
type RoleConfig struct {
	Scopes []string `yaml:"scopes"`
}

// TagConfig grants scopes to users and groups, and may nest other tags.
type TagConfig struct {
	Users    []MemberConfig  `yaml:"users"`
	Groups   []MemberConfig  `yaml:"groups"`
	AutoTags []AutoTagConfig `yaml:"auto_tags"`
}

// MemberConfig is one user or group entry. Exactly one of Role or
// Scopes must be set.
type MemberConfig struct {
	Name   string   `yaml:"name"`
	Role   string   `yaml:"role"`
	Scopes []string `yaml:"scopes"`
}

// AutoTagConfig references a nested tag by name.
type AutoTagConfig struct {
	Name string `yaml:"name"`
}

// OwnerConfig lists who may apply or remove a tag on nodes.
type OwnerConfig struct {
	Users  []string `yaml:"users"`
	Groups []string `yaml:"groups"`
}

// LoadConfig reads and parses the policy YAML document.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses a policy YAML document.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy config: %w", err)
	}
	if _, defined := cfg.Tags[PublicTag]; defined {
		return nil, fmt.Errorf("tag %q is reserved and cannot be defined", PublicTag)
	}
	return &cfg, nil
}
