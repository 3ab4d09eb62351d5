// Package graph owns dependency mutations and traversal. Every write keeps the
// BLOCKS/PARENT_CHILD subgraph acyclic and invalidates the blocked-state
// cache for the waiting element.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/gate"
	"github.com/kingrea/stoneforge/internal/logging"
	"github.com/kingrea/stoneforge/internal/store"
)

// DefaultMaxDepth bounds Tree when no depth is given.
const DefaultMaxDepth = 50

// Invalidator refreshes cached state after a graph change.
type Invalidator interface {
	Invalidate(ctx context.Context, ids ...string) error
}

// Accessor reads and writes dependency edges.
type Accessor struct {
	store store.Store
	cache Invalidator
	clock func() time.Time
	log   logging.Printer
}

// New wires an accessor.
func New(st store.Store, cache Invalidator, clock func() time.Time, log logging.Printer) (*Accessor, error) {
	if st == nil {
		return nil, fmt.Errorf("graph: store is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("graph: invalidator is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Accessor{store: st, cache: cache, clock: clock, log: logging.OrDiscard(log)}, nil
}

// AddRequest describes a new edge: BlockedID waits on BlockerID.
type AddRequest struct {
	BlockedID string
	BlockerID string
	Type      element.DependencyType
	Metadata  element.Metadata
	// Actor defaults to the blocked element's creator.
	Actor string
}

// Dependencies lists the edges id waits on.
func (a *Accessor) Dependencies(ctx context.Context, id string, types ...element.DependencyType) ([]element.Dependency, error) {
	if _, err := a.store.GetElement(ctx, id); err != nil {
		return nil, err
	}
	return a.store.DependenciesOf(ctx, id, types...)
}

// Dependents lists the edges waiting on id.
func (a *Accessor) Dependents(ctx context.Context, id string, types ...element.DependencyType) ([]element.Dependency, error) {
	if _, err := a.store.GetElement(ctx, id); err != nil {
		return nil, err
	}
	return a.store.DependentsOf(ctx, id, types...)
}

// AddDependency validates and inserts an edge, then invalidates the waiting
// element. Cycles and duplicates return element.ErrConflict.
func (a *Accessor) AddDependency(ctx context.Context, req AddRequest) (element.Dependency, error) {
	req.BlockedID = strings.TrimSpace(req.BlockedID)
	req.BlockerID = strings.TrimSpace(req.BlockerID)
	if !req.Type.Valid() {
		return element.Dependency{}, element.Constraintf("unknown dependency type %q", req.Type)
	}
	if req.BlockedID == "" || req.BlockerID == "" {
		return element.Dependency{}, element.Constraintf("dependency needs both a blocked and a blocker id")
	}
	if req.Type == element.DepAwaits {
		if _, err := gate.Decode(req.Metadata); err != nil {
			return element.Dependency{}, err
		}
	}

	var created element.Dependency
	err := a.store.WithTx(ctx, func(tx store.Tx) error {
		blocked, err := tx.GetElement(ctx, req.BlockedID)
		if err != nil {
			return err
		}
		if _, err := tx.GetElement(ctx, req.BlockerID); err != nil {
			return err
		}
		if req.BlockedID == req.BlockerID {
			if req.Type.Structural() {
				return element.Conflictf("%s cannot %s itself", req.BlockedID, req.Type)
			}
			return element.Constraintf("%s cannot depend on itself", req.BlockedID)
		}
		if req.Type.Structural() {
			cycle, err := reachable(ctx, tx, req.BlockerID, req.BlockedID)
			if err != nil {
				return err
			}
			if cycle {
				return element.Conflictf("adding %s -[%s]-> %s would create a cycle", req.BlockedID, req.Type, req.BlockerID)
			}
		}
		actor := strings.TrimSpace(req.Actor)
		if actor == "" {
			actor = blocked.CreatedBy
		}
		created, err = tx.InsertDependency(ctx, element.Dependency{
			BlockedID: req.BlockedID,
			BlockerID: req.BlockerID,
			Type:      req.Type,
			Metadata:  req.Metadata.Clone(),
			CreatedAt: a.clock(),
			CreatedBy: actor,
		})
		return err
	})
	if err != nil {
		return element.Dependency{}, err
	}
	a.log.Printf("dependency added: %s", created.Key())
	if err := a.cache.Invalidate(ctx, created.BlockedID); err != nil {
		return created, fmt.Errorf("graph: invalidate %s: %w", created.BlockedID, err)
	}
	return created, nil
}

// RemoveDependency deletes an edge and invalidates the waiting element.
func (a *Accessor) RemoveDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) error {
	if err := a.store.DeleteDependency(ctx, blockedID, blockerID, depType); err != nil {
		return err
	}
	key := element.DependencyKey{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
	a.log.Printf("dependency removed: %s", key)
	if err := a.cache.Invalidate(ctx, blockedID); err != nil {
		return fmt.Errorf("graph: invalidate %s: %w", blockedID, err)
	}
	return nil
}

// WouldCycle reports whether a structural edge blocked -> blocker would close
// a cycle.
func (a *Accessor) WouldCycle(ctx context.Context, blockedID, blockerID string) (bool, error) {
	if blockedID == blockerID {
		return true, nil
	}
	return reachable(ctx, a.store, blockerID, blockedID)
}

// reachable reports whether target is reachable from start by following
// structural edges from waiter to what it waits on.
func reachable(ctx context.Context, r store.Reader, start, target string) (bool, error) {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true, nil
		}
		deps, err := r.DependenciesOf(ctx, id, element.DepBlocks, element.DepParentChild)
		if err != nil {
			return false, err
		}
		for _, dep := range deps {
			if !seen[dep.BlockerID] {
				seen[dep.BlockerID] = true
				stack = append(stack, dep.BlockerID)
			}
		}
	}
	return false, nil
}

// TreeOptions controls Tree.
type TreeOptions struct {
	// MaxDepth defaults to DefaultMaxDepth when <= 0.
	MaxDepth int
	// Reverse walks dependents instead of dependencies.
	Reverse bool
	Types   []element.DependencyType
}

// TreeNode is one element reached by Tree.
type TreeNode struct {
	ID       string                 `json:"id"`
	Depth    int                    `json:"depth"`
	ParentID string                 `json:"parentId,omitempty"`
	Type     element.DependencyType `json:"type,omitempty"`
	Element  *element.Element       `json:"element,omitempty"`
	// Missing marks an edge endpoint that no longer resolves.
	Missing bool `json:"missing,omitempty"`
}

// Tree walks the graph breadth-first from id. Each element appears once, at
// the shallowest depth it was reached; the root is depth 0.
func (a *Accessor) Tree(ctx context.Context, id string, opts TreeOptions) ([]TreeNode, error) {
	root, err := a.store.GetElement(ctx, id)
	if err != nil {
		return nil, err
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	nodes := []TreeNode{{ID: id, Element: &root}}
	seen := map[string]bool{id: true}
	frontier := []string{id}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, parent := range frontier {
			edges, err := a.edges(ctx, parent, opts)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				other := edge.BlockerID
				if opts.Reverse {
					other = edge.BlockedID
				}
				if seen[other] {
					continue
				}
				seen[other] = true
				node := TreeNode{ID: other, Depth: depth, ParentID: parent, Type: edge.Type}
				el, err := a.store.GetElement(ctx, other)
				switch {
				case err == nil:
					node.Element = &el
					next = append(next, other)
				case element.IsNotFound(err):
					node.Missing = true
				default:
					return nil, err
				}
				nodes = append(nodes, node)
			}
		}
		frontier = next
	}
	return nodes, nil
}

func (a *Accessor) edges(ctx context.Context, id string, opts TreeOptions) ([]element.Dependency, error) {
	if opts.Reverse {
		return a.store.DependentsOf(ctx, id, opts.Types...)
	}
	return a.store.DependenciesOf(ctx, id, opts.Types...)
}
