package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/store"
	"github.com/kingrea/stoneforge/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock func() time.Time) store.Store {
		return New(WithClock(clock))
	})
}

func TestReturnedValuesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateElement(ctx, element.Element{ID: "t1", Type: element.TypeTask, Tags: []string{"keep"}})
	require.NoError(t, err)

	got, err := s.GetElement(ctx, "t1")
	require.NoError(t, err)
	got.Tags[0] = "mutated"

	again, err := s.GetElement(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "keep", again.Tags[0])
}

func TestIndexesDropEmptyBuckets(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.InsertDependency(ctx, element.Dependency{BlockedID: "b", BlockerID: "a", Type: element.DepBlocks})
	require.NoError(t, err)
	require.NoError(t, s.DeleteDependency(ctx, "b", "a", element.DepBlocks))
	assert.Empty(t, s.data.byBlocked)
	assert.Empty(t, s.data.byBlocker)
}

func TestFailedTxUndoesEveryWrite(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.CreateElement(ctx, element.Element{ID: id, Type: element.TypeTask, Priority: 3})
		require.NoError(t, err)
	}
	_, err := s.InsertDependency(ctx, element.Dependency{BlockedID: "b", BlockerID: "a", Type: element.DepBlocks})
	require.NoError(t, err)
	_, err = s.InsertDependency(ctx, element.Dependency{
		BlockedID: "c", BlockerID: "a", Type: element.DepAwaits,
		Metadata: element.Metadata{"gateType": "external"},
	})
	require.NoError(t, err)
	_, err = s.InsertDependency(ctx, element.Dependency{BlockedID: "c", BlockerID: "b", Type: element.DepBlocks})
	require.NoError(t, err)

	elementsBefore, err := s.ListElements(ctx, store.ListFilter{})
	require.NoError(t, err)
	depsBefore, err := s.ListDependencies(ctx)
	require.NoError(t, err)
	seqBefore := s.data.seq

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateElement(ctx, element.Element{ID: "d", Type: element.TypeTask}); err != nil {
			return err
		}
		if _, err := tx.UpdateElement(ctx, "a", element.StatusPatch(element.StatusClosed)); err != nil {
			return err
		}
		if _, err := tx.DeleteElement(ctx, "b", "sam"); err != nil {
			return err
		}
		if err := tx.DeleteDependency(ctx, "b", "a", element.DepBlocks); err != nil {
			return err
		}
		if _, err := tx.UpdateDependencyMetadata(ctx, "c", "a", element.DepAwaits, element.Metadata{"gateType": "timer"}); err != nil {
			return err
		}
		if _, err := tx.InsertDependency(ctx, element.Dependency{BlockedID: "d", BlockerID: "c", Type: element.DepBlocks}); err != nil {
			return err
		}
		// Deleting and re-adding the same edge moves it to the end of the order.
		if err := tx.DeleteDependency(ctx, "c", "b", element.DepBlocks); err != nil {
			return err
		}
		if _, err := tx.InsertDependency(ctx, element.Dependency{BlockedID: "c", BlockerID: "b", Type: element.DepBlocks}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	elementsAfter, err := s.ListElements(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, elementsBefore, elementsAfter)
	depsAfter, err := s.ListDependencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, depsBefore, depsAfter)
	assert.Equal(t, seqBefore, s.data.seq)

	assert.NotContains(t, s.data.byBlocked, "d")
	assert.NotContains(t, s.data.byBlocker, "c")
	assert.Len(t, s.data.byBlocked["c"], 2)
	assert.Len(t, s.data.byBlocker["a"], 2)
}

func TestCommittedTxKeepsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateElement(ctx, element.Element{ID: "a", Type: element.TypeTask}); err != nil {
			return err
		}
		_, err := tx.InsertDependency(ctx, element.Dependency{BlockedID: "a", BlockerID: "x", Type: element.DepRelatesTo})
		return err
	})
	require.NoError(t, err)

	_, err = s.GetElement(ctx, "a")
	require.NoError(t, err)
	deps, err := s.DependenciesOf(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, deps, 1)
}
