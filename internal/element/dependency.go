package element

import (
	"fmt"
	"strings"
	"time"
)

// DependencyType enumerates edge semantics.
type DependencyType string

const (
	DepBlocks      DependencyType = "blocks"
	DepParentChild DependencyType = "parent-child"
	DepAwaits      DependencyType = "awaits"
	DepRelatesTo   DependencyType = "relates-to"
	DepReferences  DependencyType = "references"
)

// Valid reports whether t is a known dependency type.
func (t DependencyType) Valid() bool {
	switch t {
	case DepBlocks, DepParentChild, DepAwaits, DepRelatesTo, DepReferences:
		return true
	}
	return false
}

// Structural reports whether edges of this type take part in the acyclic
// BLOCKS/PARENT_CHILD subgraph.
func (t DependencyType) Structural() bool {
	return t == DepBlocks || t == DepParentChild
}

// AffectsReadiness reports whether edges of this type can block the waiter.
func (t DependencyType) AffectsReadiness() bool {
	return t == DepBlocks || t == DepParentChild || t == DepAwaits
}

// ParseDependencyType accepts the canonical names plus upper-case and
// underscore spellings (BLOCKS, PARENT_CHILD).
func ParseDependencyType(value string) (DependencyType, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	t := DependencyType(normalized)
	if !t.Valid() {
		return "", Constraintf("unknown dependency type %q", value)
	}
	return t, nil
}

// Dependency is a typed edge: BlockedID waits on BlockerID. The triple
// (BlockedID, BlockerID, Type) is unique.
type Dependency struct {
	BlockedID string         `json:"blockedId"`
	BlockerID string         `json:"blockerId"`
	Type      DependencyType `json:"type"`
	Metadata  Metadata       `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	CreatedBy string         `json:"createdBy,omitempty"`
}

// Key returns the dependency's unique triple.
func (d Dependency) Key() DependencyKey {
	return DependencyKey{BlockedID: d.BlockedID, BlockerID: d.BlockerID, Type: d.Type}
}

// Clone returns a copy with its own metadata map.
func (d Dependency) Clone() Dependency {
	out := d
	out.Metadata = d.Metadata.Clone()
	return out
}

// DependencyKey identifies a dependency.
type DependencyKey struct {
	BlockedID string
	BlockerID string
	Type      DependencyType
}

func (k DependencyKey) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", k.BlockedID, k.Type, k.BlockerID)
}

// HasType reports whether t is in types. An empty list matches everything.
func HasType(types []DependencyType, t DependencyType) bool {
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
