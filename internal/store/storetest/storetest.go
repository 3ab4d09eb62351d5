// Package storetest holds a conformance suite every store.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/store"
)

// Factory builds an empty store whose timestamps come from clock.
type Factory func(t *testing.T, clock func() time.Time) store.Store

// Clock is a manually advanced test clock.
type Clock struct {
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// Run executes the suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("create and get element", func(t *testing.T) { testCreateGet(t, factory) })
	t.Run("list elements", func(t *testing.T) { testList(t, factory) })
	t.Run("update element", func(t *testing.T) { testUpdate(t, factory) })
	t.Run("optimistic concurrency", func(t *testing.T) { testExpectedUpdatedAt(t, factory) })
	t.Run("soft delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("dependency crud", func(t *testing.T) { testDependencies(t, factory) })
	t.Run("dependency creation order", func(t *testing.T) { testDependencyOrder(t, factory) })
	t.Run("transaction rollback", func(t *testing.T) { testRollback(t, factory) })
}

func testCreateGet(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, clock.Now)
	ctx := context.Background()

	created, err := s.CreateElement(ctx, element.Element{ID: "t1", Type: element.TypeTask, Title: "first", Tags: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, element.StatusOpen, created.Status)
	assert.Equal(t, element.DefaultPriority, created.Priority)
	assert.True(t, created.CreatedAt.Equal(clock.Now()))

	got, err := s.GetElement(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
	assert.Equal(t, []string{"a"}, got.Tags)

	_, err = s.CreateElement(ctx, element.Element{ID: "t1", Type: element.TypeTask})
	assert.True(t, element.IsConflict(err), "duplicate id should conflict, got %v", err)

	_, err = s.GetElement(ctx, "missing")
	assert.True(t, element.IsNotFound(err))

	_, err = s.CreateElement(ctx, element.Element{ID: "bad", Type: element.TypeTask, Status: element.StatusDraft})
	assert.True(t, element.IsConstraint(err))

	generated, err := s.CreateElement(ctx, element.Element{Type: element.TypeDocument})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)
}

func testList(t *testing.T, factory Factory) {
	s := factory(t, NewClock().Now)
	ctx := context.Background()
	for _, el := range []element.Element{
		{ID: "c", Type: element.TypeTask},
		{ID: "a", Type: element.TypeWorkflow},
		{ID: "b", Type: element.TypeTask},
	} {
		_, err := s.CreateElement(ctx, el)
		require.NoError(t, err)
	}
	_, err := s.DeleteElement(ctx, "c", "tester")
	require.NoError(t, err)

	all, err := s.ListElements(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(all))

	withDeleted, err := s.ListElements(ctx, store.ListFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(withDeleted))

	tasks, err := s.ListElements(ctx, store.ListFilter{Types: []element.Type{element.TypeTask}, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(tasks))
}

func testUpdate(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, clock.Now)
	ctx := context.Background()
	_, err := s.CreateElement(ctx, element.Element{ID: "t1", Type: element.TypeTask})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	closed, err := s.UpdateElement(ctx, "t1", element.StatusPatch(element.StatusClosed))
	require.NoError(t, err)
	assert.Equal(t, element.StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, closed.UpdatedAt.Equal(clock.Now()))

	reopened, err := s.UpdateElement(ctx, "t1", element.StatusPatch(element.StatusOpen))
	require.NoError(t, err)
	assert.Nil(t, reopened.ClosedAt)

	_, err = s.UpdateElement(ctx, "missing", element.StatusPatch(element.StatusOpen))
	assert.True(t, element.IsNotFound(err))

	_, err = s.UpdateElement(ctx, "t1", element.StatusPatch(element.StatusRunning))
	assert.True(t, element.IsConstraint(err))
}

func testExpectedUpdatedAt(t *testing.T, factory Factory) {
	clock := NewClock()
	s := factory(t, clock.Now)
	ctx := context.Background()
	created, err := s.CreateElement(ctx, element.Element{ID: "t1", Type: element.TypeTask})
	require.NoError(t, err)

	clock.Advance(time.Second)
	title := "renamed"
	stamp := created.UpdatedAt
	updated, err := s.UpdateElement(ctx, "t1", element.Patch{Title: &title, ExpectedUpdatedAt: &stamp})
	require.NoError(t, err)

	clock.Advance(time.Second)
	other := "stale write"
	_, err = s.UpdateElement(ctx, "t1", element.Patch{Title: &other, ExpectedUpdatedAt: &stamp})
	assert.True(t, element.IsConflict(err), "stale precondition should conflict, got %v", err)

	got, err := s.GetElement(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.True(t, got.UpdatedAt.Equal(updated.UpdatedAt))
}

func testDelete(t *testing.T, factory Factory) {
	s := factory(t, NewClock().Now)
	ctx := context.Background()
	_, err := s.CreateElement(ctx, element.Element{ID: "t1", Type: element.TypeTask})
	require.NoError(t, err)

	deleted, err := s.DeleteElement(ctx, "t1", "tester")
	require.NoError(t, err)
	assert.True(t, deleted.IsTombstoned())
	assert.Equal(t, "tester", deleted.DeletedBy)

	got, err := s.GetElement(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, element.StatusTombstone, got.Status)

	_, err = s.UpdateElement(ctx, "t1", element.StatusPatch(element.StatusOpen))
	assert.True(t, element.IsConstraint(err))

	_, err = s.DeleteElement(ctx, "missing", "tester")
	assert.True(t, element.IsNotFound(err))
}

func testDependencies(t *testing.T, factory Factory) {
	s := factory(t, NewClock().Now)
	ctx := context.Background()
	dep := element.Dependency{
		BlockedID: "b",
		BlockerID: "a",
		Type:      element.DepAwaits,
		Metadata:  element.Metadata{"gateType": "external", "externalSystem": "ci"},
		CreatedBy: "tester",
	}
	_, err := s.InsertDependency(ctx, dep)
	require.NoError(t, err)

	_, err = s.InsertDependency(ctx, dep)
	assert.True(t, element.IsConflict(err))

	got, err := s.GetDependency(ctx, "b", "a", element.DepAwaits)
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Metadata["externalSystem"])
	assert.Equal(t, "tester", got.CreatedBy)

	_, err = s.GetDependency(ctx, "b", "a", element.DepBlocks)
	assert.True(t, element.IsNotFound(err))

	updated, err := s.UpdateDependencyMetadata(ctx, "b", "a", element.DepAwaits, element.Metadata{"gateType": "external", "satisfied": true})
	require.NoError(t, err)
	assert.Equal(t, true, updated.Metadata["satisfied"])

	_, err = s.InsertDependency(ctx, element.Dependency{BlockedID: "b", BlockerID: "a", Type: element.DepBlocks})
	require.NoError(t, err)

	deps, err := s.DependenciesOf(ctx, "b", element.DepBlocks)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, element.DepBlocks, deps[0].Type)

	dependents, err := s.DependentsOf(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, dependents, 2)

	require.NoError(t, s.DeleteDependency(ctx, "b", "a", element.DepBlocks))
	err = s.DeleteDependency(ctx, "b", "a", element.DepBlocks)
	assert.True(t, element.IsNotFound(err))

	all, err := s.ListDependencies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testDependencyOrder(t *testing.T, factory Factory) {
	s := factory(t, NewClock().Now)
	ctx := context.Background()
	for _, blocker := range []string{"z", "m", "a"} {
		_, err := s.InsertDependency(ctx, element.Dependency{BlockedID: "x", BlockerID: blocker, Type: element.DepBlocks})
		require.NoError(t, err)
	}
	deps, err := s.DependenciesOf(ctx, "x")
	require.NoError(t, err)
	var blockers []string
	for _, dep := range deps {
		blockers = append(blockers, dep.BlockerID)
	}
	assert.Equal(t, []string{"z", "m", "a"}, blockers)
}

func testRollback(t *testing.T, factory Factory) {
	s := factory(t, NewClock().Now)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateElement(ctx, element.Element{ID: "t1", Type: element.TypeTask}); err != nil {
			return err
		}
		if _, err := tx.InsertDependency(ctx, element.Dependency{BlockedID: "t1", BlockerID: "t0", Type: element.DepBlocks}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetElement(ctx, "t1")
	assert.True(t, element.IsNotFound(err))
	deps, err := s.ListDependencies(ctx)
	require.NoError(t, err)
	assert.Empty(t, deps)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateElement(ctx, element.Element{ID: "t2", Type: element.TypeTask})
		return err
	})
	require.NoError(t, err)
	_, err = s.GetElement(ctx, "t2")
	assert.NoError(t, err)
}

func ids(elements []element.Element) []string {
	out := make([]string, len(elements))
	for i, el := range elements {
		out[i] = el.ID
	}
	return out
}
