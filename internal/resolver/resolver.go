// Package resolver computes and caches whether each element is blocked.
//
// An element is blocked, in order of precedence, by:
//  1. a BLOCKS edge to an existing, live, non-terminal blocker;
//  2. an AWAITS edge whose gate is unsatisfied;
//  3. a PARENT_CHILD edge to a parent that is itself blocked, in which case
//     the parent's BlockedBy and BlockReason are inherited.
//
// Within a category the oldest edge wins. Edges to missing or tombstoned
// elements never block.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/gate"
	"github.com/kingrea/stoneforge/internal/logging"
	"github.com/kingrea/stoneforge/internal/store"
)

// Resolver keeps a Cache consistent with the graph held by a store.
type Resolver struct {
	store store.Reader
	cache *Cache
	clock func() time.Time
	log   logging.Printer
}

// RebuildResult summarizes a full rebuild.
type RebuildResult struct {
	ElementsChecked int `json:"elementsChecked"`
	ElementsBlocked int `json:"elementsBlocked"`
}

// New wires a resolver to a store and the cache it maintains.
func New(st store.Reader, cache *Cache, clock func() time.Time, log logging.Printer) (*Resolver, error) {
	if st == nil {
		return nil, fmt.Errorf("resolver: store is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("resolver: cache is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{store: st, cache: cache, clock: clock, log: logging.OrDiscard(log)}, nil
}

// Cache returns the cache this resolver maintains.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// State returns the blocked state of id, computing it on first read and
// re-evaluating elapsed timer gates. Tombstoned elements report unblocked
// and are not cached; unknown ids return element.ErrNotFound.
func (r *Resolver) State(ctx context.Context, id string) (Entry, error) {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	now := r.clock()
	if due := r.cache.due(now); len(due) > 0 {
		if err := r.invalidateLocked(ctx, now, due); err != nil {
			return Entry{}, err
		}
	}
	if rec, ok := r.cache.records[id]; ok {
		return rec.entry, nil
	}
	el, err := r.store.GetElement(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if el.IsTombstoned() {
		return Entry{ElementID: id}, nil
	}
	rec, _, err := r.livePass(now).state(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return rec.entry, nil
}

// Refresh re-evaluates entries whose timer gates have elapsed.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	now := r.clock()
	due := r.cache.due(now)
	if len(due) == 0 {
		return nil
	}
	return r.invalidateLocked(ctx, now, due)
}

// Invalidate recomputes ids and everything that transitively depends on them
// through BLOCKS, PARENT_CHILD or AWAITS edges. Parents are recomputed before
// their children so one pass settles the whole cascade.
func (r *Resolver) Invalidate(ctx context.Context, ids ...string) error {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	now := r.clock()
	seeds := append(append([]string(nil), ids...), r.cache.due(now)...)
	return r.invalidateLocked(ctx, now, seeds)
}

func (r *Resolver) invalidateLocked(ctx context.Context, now time.Time, seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	dirty, err := r.dirtyClosure(ctx, seeds)
	if err != nil {
		return fmt.Errorf("resolver: invalidate: %w", err)
	}
	order, err := r.parentsFirst(ctx, dirty)
	if err != nil {
		return fmt.Errorf("resolver: invalidate: %w", err)
	}
	for _, id := range order {
		r.cache.drop(id)
	}
	p := r.livePass(now)
	for _, id := range order {
		if _, _, err := p.state(ctx, id); err != nil {
			return fmt.Errorf("resolver: invalidate %s: %w", id, err)
		}
	}
	r.log.Printf("cache: invalidated %v (%d dirty)", seeds, len(order))
	return nil
}

// Rebuild discards the cache and recomputes every live element from scratch.
// The store is only read.
func (r *Resolver) Rebuild(ctx context.Context) (RebuildResult, error) {
	r.cache.mu.Lock()
	defer r.cache.mu.Unlock()
	records, err := r.computeAll(ctx, r.clock())
	if err != nil {
		return RebuildResult{}, fmt.Errorf("resolver: rebuild: %w", err)
	}
	result := RebuildResult{ElementsChecked: len(records)}
	for _, rec := range records {
		if rec.entry.IsBlocked {
			result.ElementsBlocked++
		}
	}
	r.cache.replace(records)
	r.log.Printf("cache: rebuilt %d elements, %d blocked", result.ElementsChecked, result.ElementsBlocked)
	return result, nil
}

// Recompute returns what a rebuild would produce without touching the cache.
func (r *Resolver) Recompute(ctx context.Context) (map[string]Entry, error) {
	records, err := r.computeAll(ctx, r.clock())
	if err != nil {
		return nil, fmt.Errorf("resolver: recompute: %w", err)
	}
	out := make(map[string]Entry, len(records))
	for id, rec := range records {
		out[id] = rec.entry
	}
	return out, nil
}

func (r *Resolver) computeAll(ctx context.Context, now time.Time) (map[string]record, error) {
	elements, err := r.store.ListElements(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	records := make(map[string]record, len(elements))
	p := &pass{
		r:   r,
		now: now,
		get: func(id string) (record, bool) {
			rec, ok := records[id]
			return rec, ok
		},
		put:      func(id string, rec record) { records[id] = rec },
		visiting: map[string]bool{},
	}
	for _, el := range elements {
		if _, _, err := p.state(ctx, el.ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (r *Resolver) livePass(now time.Time) *pass {
	return &pass{
		r:   r,
		now: now,
		get: func(id string) (record, bool) {
			rec, ok := r.cache.records[id]
			return rec, ok
		},
		put:      r.cache.put,
		visiting: map[string]bool{},
	}
}

var cascadeTypes = []element.DependencyType{element.DepBlocks, element.DepParentChild, element.DepAwaits}

func (r *Resolver) dirtyClosure(ctx context.Context, seeds []string) (map[string]struct{}, error) {
	dirty := make(map[string]struct{}, len(seeds))
	queue := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if _, seen := dirty[id]; seen || id == "" {
			continue
		}
		dirty[id] = struct{}{}
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		dependents, err := r.store.DependentsOf(ctx, current, cascadeTypes...)
		if err != nil {
			return nil, err
		}
		for _, dep := range dependents {
			if _, seen := dirty[dep.BlockedID]; seen {
				continue
			}
			dirty[dep.BlockedID] = struct{}{}
			queue = append(queue, dep.BlockedID)
		}
	}
	return dirty, nil
}

// parentsFirst orders dirty ids so PARENT_CHILD parents precede children,
// breaking ties by id.
func (r *Resolver) parentsFirst(ctx context.Context, dirty map[string]struct{}) ([]string, error) {
	indegree := make(map[string]int, len(dirty))
	children := make(map[string][]string, len(dirty))
	for id := range dirty {
		indegree[id] += 0
		parents, err := r.store.DependenciesOf(ctx, id, element.DepParentChild)
		if err != nil {
			return nil, err
		}
		for _, dep := range parents {
			if _, ok := dirty[dep.BlockerID]; !ok || dep.BlockerID == id {
				continue
			}
			indegree[id]++
			children[dep.BlockerID] = append(children[dep.BlockerID], id)
		}
	}
	var frontier []string
	for id, n := range indegree {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)
	order := make([]string, 0, len(dirty))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		released := false
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				frontier = append(frontier, child)
				released = true
			}
		}
		if released {
			sort.Strings(frontier)
		}
	}
	if len(order) < len(dirty) {
		var rest []string
		for id, n := range indegree {
			if n > 0 {
				rest = append(rest, id)
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)
	}
	return order, nil
}

// pass computes records against one backing map: the live cache for
// incremental work, or a scratch map for rebuilds.
type pass struct {
	r        *Resolver
	now      time.Time
	get      func(id string) (record, bool)
	put      func(id string, rec record)
	visiting map[string]bool
}

// state returns the record for id, computing and storing it when absent. ok is
// false for missing and tombstoned elements, which never get a record.
func (p *pass) state(ctx context.Context, id string) (record, bool, error) {
	if rec, ok := p.get(id); ok {
		return rec, true, nil
	}
	if p.visiting[id] {
		return record{}, false, nil
	}
	el, ok, err := p.live(ctx, id)
	if err != nil || !ok {
		return record{}, false, err
	}
	p.visiting[id] = true
	rec, err := p.compute(ctx, el)
	delete(p.visiting, id)
	if err != nil {
		return record{}, false, err
	}
	p.put(id, rec)
	return rec, true, nil
}

func (p *pass) live(ctx context.Context, id string) (element.Element, bool, error) {
	el, err := p.r.store.GetElement(ctx, id)
	if err != nil {
		if element.IsNotFound(err) {
			return element.Element{}, false, nil
		}
		return element.Element{}, false, err
	}
	if el.IsTombstoned() {
		return element.Element{}, false, nil
	}
	return el, true, nil
}

func (p *pass) compute(ctx context.Context, el element.Element) (record, error) {
	deps, err := p.r.store.DependenciesOf(ctx, el.ID, cascadeTypes...)
	if err != nil {
		return record{}, err
	}
	for _, dep := range deps {
		if dep.Type != element.DepBlocks {
			continue
		}
		blocker, ok, err := p.live(ctx, dep.BlockerID)
		if err != nil {
			return record{}, err
		}
		if !ok || blocker.IsTerminal() {
			continue
		}
		return record{entry: Entry{
			ElementID:   el.ID,
			IsBlocked:   true,
			BlockReason: blocksReason(blocker),
			BlockedBy:   blocker.ID,
		}}, nil
	}
	for _, dep := range deps {
		if dep.Type != element.DepAwaits {
			continue
		}
		_, ok, err := p.live(ctx, dep.BlockerID)
		if err != nil {
			return record{}, err
		}
		if !ok {
			continue
		}
		verdict := gate.EvaluateMetadata(dep.Metadata, p.now)
		if verdict.Satisfied {
			continue
		}
		rec := record{entry: Entry{
			ElementID:   el.ID,
			IsBlocked:   true,
			BlockReason: verdict.Reason,
			BlockedBy:   dep.BlockerID,
		}}
		if verdict.RecheckAt != nil {
			at := *verdict.RecheckAt
			rec.recheckAt = &at
			rec.recheckOwner = el.ID
		}
		return rec, nil
	}
	for _, dep := range deps {
		if dep.Type != element.DepParentChild {
			continue
		}
		parent, ok, err := p.state(ctx, dep.BlockerID)
		if err != nil {
			return record{}, err
		}
		if !ok || !parent.entry.IsBlocked {
			continue
		}
		return record{
			entry: Entry{
				ElementID:   el.ID,
				IsBlocked:   true,
				BlockReason: parent.entry.BlockReason,
				BlockedBy:   parent.entry.BlockedBy,
			},
			recheckAt:    parent.recheckAt,
			recheckOwner: parent.recheckOwner,
		}, nil
	}
	return record{entry: Entry{ElementID: el.ID}}, nil
}

func blocksReason(blocker element.Element) string {
	if blocker.Status == "" {
		return fmt.Sprintf("blocked by %s %s", blocker.Type, blocker.ID)
	}
	return fmt.Sprintf("blocked by %s %s (%s)", blocker.Type, blocker.ID, blocker.Status)
}
