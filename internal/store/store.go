// Package store declares the element/dependency persistence contract the
// readiness engine consumes. Implementations live in subpackages: memstore
// keeps the graph in process memory, sqlitestore persists it to a SQLite file.
//
// Every implementation must:
//   - return element.ErrNotFound (wrapped) for unknown ids and triples;
//   - return element.ErrConflict for duplicate dependency triples and for a
//     stale Patch.ExpectedUpdatedAt;
//   - keep tombstoned elements addressable through GetElement;
//   - return dependency lists in creation order;
//   - roll back every write made inside WithTx when the callback fails.
package store

import (
	"context"

	"github.com/kingrea/stoneforge/internal/element"
)

// ListFilter narrows ListElements.
type ListFilter struct {
	Types          []element.Type
	IncludeDeleted bool
}

// Matches reports whether el passes the filter.
func (f ListFilter) Matches(el element.Element) bool {
	if !f.IncludeDeleted && el.IsTombstoned() {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if el.Type == t {
			return true
		}
	}
	return false
}

// Reader exposes element and dependency lookups.
type Reader interface {
	GetElement(ctx context.Context, id string) (element.Element, error)
	// ListElements returns matching elements ordered by id.
	ListElements(ctx context.Context, filter ListFilter) ([]element.Element, error)
	GetDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) (element.Dependency, error)
	// DependenciesOf returns edges whose BlockedID is id, optionally limited to types.
	DependenciesOf(ctx context.Context, blockedID string, types ...element.DependencyType) ([]element.Dependency, error)
	// DependentsOf returns edges whose BlockerID is id, optionally limited to types.
	DependentsOf(ctx context.Context, blockerID string, types ...element.DependencyType) ([]element.Dependency, error)
	ListDependencies(ctx context.Context) ([]element.Dependency, error)
}

// Writer exposes element and dependency mutations.
type Writer interface {
	CreateElement(ctx context.Context, el element.Element) (element.Element, error)
	UpdateElement(ctx context.Context, id string, patch element.Patch) (element.Element, error)
	// DeleteElement tombstones the element; it stays addressable.
	DeleteElement(ctx context.Context, id, actor string) (element.Element, error)
	InsertDependency(ctx context.Context, dep element.Dependency) (element.Dependency, error)
	DeleteDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) error
	UpdateDependencyMetadata(ctx context.Context, blockedID, blockerID string, depType element.DependencyType, meta element.Metadata) (element.Dependency, error)
}

// Tx is the view handed to WithTx callbacks.
type Tx interface {
	Reader
	Writer
}

// Store is the full persistence contract.
type Store interface {
	Reader
	Writer
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}
