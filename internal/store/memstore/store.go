// Package memstore provides an in-process implementation of store.Store.
//
// The whole graph lives in maps guarded by a single mutex, matching the
// engine's single-writer model. Inside WithTx every mutation records its
// inverse, and a failed callback replays those in reverse, so a rolled-back
// transaction leaves no trace and only the touched keys are ever copied.
// Dependency rows carry an insertion sequence so lists come back in creation
// order even when timestamps collide.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/store"
)

// Store is a mutex-guarded in-memory graph.
type Store struct {
	mu    sync.Mutex
	clock func() time.Time
	data  *graph
}

// Option customizes the store.
type Option func(*Store)

// WithClock injects the clock used for CreatedAt/UpdatedAt stamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{clock: time.Now, data: newGraph()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

type depRecord struct {
	dep element.Dependency
	seq int64
}

type keySet map[element.DependencyKey]struct{}

type graph struct {
	elements  map[string]element.Element
	deps      map[element.DependencyKey]depRecord
	byBlocked map[string]keySet
	byBlocker map[string]keySet
	seq       int64
}

func newGraph() *graph {
	return &graph{
		elements:  map[string]element.Element{},
		deps:      map[element.DependencyKey]depRecord{},
		byBlocked: map[string]keySet{},
		byBlocker: map[string]keySet{},
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// WithTx runs fn against the live graph and undoes its writes if fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &view{data: s.data, clock: s.clock, journaled: true}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) view() *view {
	return &view{data: s.data, clock: s.clock}
}

func (s *Store) GetElement(ctx context.Context, id string) (element.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetElement(ctx, id)
}

func (s *Store) ListElements(ctx context.Context, filter store.ListFilter) ([]element.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListElements(ctx, filter)
}

func (s *Store) GetDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) (element.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().GetDependency(ctx, blockedID, blockerID, depType)
}

func (s *Store) DependenciesOf(ctx context.Context, blockedID string, types ...element.DependencyType) ([]element.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DependenciesOf(ctx, blockedID, types...)
}

func (s *Store) DependentsOf(ctx context.Context, blockerID string, types ...element.DependencyType) ([]element.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DependentsOf(ctx, blockerID, types...)
}

func (s *Store) ListDependencies(ctx context.Context) ([]element.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().ListDependencies(ctx)
}

func (s *Store) CreateElement(ctx context.Context, el element.Element) (element.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().CreateElement(ctx, el)
}

func (s *Store) UpdateElement(ctx context.Context, id string, patch element.Patch) (element.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateElement(ctx, id, patch)
}

func (s *Store) DeleteElement(ctx context.Context, id, actor string) (element.Element, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteElement(ctx, id, actor)
}

func (s *Store) InsertDependency(ctx context.Context, dep element.Dependency) (element.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().InsertDependency(ctx, dep)
}

func (s *Store) DeleteDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().DeleteDependency(ctx, blockedID, blockerID, depType)
}

func (s *Store) UpdateDependencyMetadata(ctx context.Context, blockedID, blockerID string, depType element.DependencyType, meta element.Metadata) (element.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view().UpdateDependencyMetadata(ctx, blockedID, blockerID, depType, meta)
}

// view implements store.Tx without locking; callers hold Store.mu.
type view struct {
	data  *graph
	clock func() time.Time

	journaled bool
	undo      []func()
}

// remember queues the inverse of a write when the view belongs to a WithTx.
func (v *view) remember(inverse func()) {
	if v.journaled {
		v.undo = append(v.undo, inverse)
	}
}

func (v *view) rollback() {
	for i := len(v.undo) - 1; i >= 0; i-- {
		v.undo[i]()
	}
	v.undo = nil
}

func (v *view) GetElement(_ context.Context, id string) (element.Element, error) {
	el, ok := v.data.elements[id]
	if !ok {
		return element.Element{}, element.NotFoundf("element %s", id)
	}
	return el.Clone(), nil
}

func (v *view) ListElements(_ context.Context, filter store.ListFilter) ([]element.Element, error) {
	out := make([]element.Element, 0, len(v.data.elements))
	for _, el := range v.data.elements {
		if filter.Matches(el) {
			out = append(out, el.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) GetDependency(_ context.Context, blockedID, blockerID string, depType element.DependencyType) (element.Dependency, error) {
	key := element.DependencyKey{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
	rec, ok := v.data.deps[key]
	if !ok {
		return element.Dependency{}, element.NotFoundf("dependency %s", key)
	}
	return rec.dep.Clone(), nil
}

func (v *view) DependenciesOf(_ context.Context, blockedID string, types ...element.DependencyType) ([]element.Dependency, error) {
	return v.collect(v.data.byBlocked[blockedID], types), nil
}

func (v *view) DependentsOf(_ context.Context, blockerID string, types ...element.DependencyType) ([]element.Dependency, error) {
	return v.collect(v.data.byBlocker[blockerID], types), nil
}

func (v *view) ListDependencies(_ context.Context) ([]element.Dependency, error) {
	records := make([]depRecord, 0, len(v.data.deps))
	for _, rec := range v.data.deps {
		records = append(records, rec)
	}
	return sortRecords(records), nil
}

func (v *view) collect(keys keySet, types []element.DependencyType) []element.Dependency {
	if len(keys) == 0 {
		return nil
	}
	records := make([]depRecord, 0, len(keys))
	for key := range keys {
		if !element.HasType(types, key.Type) {
			continue
		}
		records = append(records, v.data.deps[key])
	}
	return sortRecords(records)
}

func sortRecords(records []depRecord) []element.Dependency {
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })
	out := make([]element.Dependency, len(records))
	for i, rec := range records {
		out[i] = rec.dep.Clone()
	}
	return out
}

func (v *view) CreateElement(_ context.Context, el element.Element) (element.Element, error) {
	el = el.Clone()
	el.Normalize()
	if err := el.Validate(); err != nil {
		return element.Element{}, err
	}
	if _, exists := v.data.elements[el.ID]; exists {
		return element.Element{}, element.Conflictf("element %s already exists", el.ID)
	}
	now := v.clock()
	if el.CreatedAt.IsZero() {
		el.CreatedAt = now
	}
	if el.UpdatedAt.IsZero() {
		el.UpdatedAt = el.CreatedAt
	}
	g, id := v.data, el.ID
	g.elements[id] = el
	v.remember(func() { delete(g.elements, id) })
	return el.Clone(), nil
}

func (v *view) UpdateElement(_ context.Context, id string, patch element.Patch) (element.Element, error) {
	current, ok := v.data.elements[id]
	if !ok {
		return element.Element{}, element.NotFoundf("element %s", id)
	}
	if err := patch.CheckPrecondition(current); err != nil {
		return element.Element{}, err
	}
	updated, err := patch.Apply(current, v.clock())
	if err != nil {
		return element.Element{}, err
	}
	g := v.data
	g.elements[id] = updated
	v.remember(func() { g.elements[id] = current })
	return updated.Clone(), nil
}

func (v *view) DeleteElement(_ context.Context, id, actor string) (element.Element, error) {
	current, ok := v.data.elements[id]
	if !ok {
		return element.Element{}, element.NotFoundf("element %s", id)
	}
	if current.IsTombstoned() {
		return current.Clone(), nil
	}
	deleted := element.Tombstone(current, actor, v.clock())
	g := v.data
	g.elements[id] = deleted
	v.remember(func() { g.elements[id] = current })
	return deleted.Clone(), nil
}

func (v *view) InsertDependency(_ context.Context, dep element.Dependency) (element.Dependency, error) {
	key := dep.Key()
	if _, exists := v.data.deps[key]; exists {
		return element.Dependency{}, element.Conflictf("dependency %s already exists", key)
	}
	dep = dep.Clone()
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = v.clock()
	}
	g := v.data
	prevSeq := g.seq
	g.seq++
	g.deps[key] = depRecord{dep: dep, seq: g.seq}
	index(g.byBlocked, dep.BlockedID, key)
	index(g.byBlocker, dep.BlockerID, key)
	v.remember(func() {
		delete(g.deps, key)
		unindex(g.byBlocked, key.BlockedID, key)
		unindex(g.byBlocker, key.BlockerID, key)
		g.seq = prevSeq
	})
	return dep.Clone(), nil
}

func (v *view) DeleteDependency(_ context.Context, blockedID, blockerID string, depType element.DependencyType) error {
	key := element.DependencyKey{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
	g := v.data
	rec, ok := g.deps[key]
	if !ok {
		return element.NotFoundf("dependency %s", key)
	}
	delete(g.deps, key)
	unindex(g.byBlocked, blockedID, key)
	unindex(g.byBlocker, blockerID, key)
	v.remember(func() {
		g.deps[key] = rec
		index(g.byBlocked, blockedID, key)
		index(g.byBlocker, blockerID, key)
	})
	return nil
}

func (v *view) UpdateDependencyMetadata(_ context.Context, blockedID, blockerID string, depType element.DependencyType, meta element.Metadata) (element.Dependency, error) {
	key := element.DependencyKey{BlockedID: blockedID, BlockerID: blockerID, Type: depType}
	g := v.data
	prev, ok := g.deps[key]
	if !ok {
		return element.Dependency{}, element.NotFoundf("dependency %s", key)
	}
	rec := prev
	rec.dep.Metadata = meta.Clone()
	g.deps[key] = rec
	v.remember(func() { g.deps[key] = prev })
	return rec.dep.Clone(), nil
}

func index(idx map[string]keySet, id string, key element.DependencyKey) {
	keys, ok := idx[id]
	if !ok {
		keys = keySet{}
		idx[id] = keys
	}
	keys[key] = struct{}{}
}

func unindex(idx map[string]keySet, id string, key element.DependencyKey) {
	keys, ok := idx[id]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(idx, id)
	}
}
