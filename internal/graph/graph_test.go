package graph

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/gate"
	"github.com/kingrea/stoneforge/internal/store/memstore"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	calls [][]string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...string) error {
	r.calls = append(r.calls, append([]string(nil), ids...))
	return nil
}

func newAccessor(t *testing.T, ids ...string) (*Accessor, *memstore.Store, *recordingInvalidator) {
	t.Helper()
	st := memstore.New(memstore.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	for _, id := range ids {
		if _, err := st.CreateElement(ctx, element.Element{ID: id, Type: element.TypeTask, CreatedBy: "creator"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	inv := &recordingInvalidator{}
	acc, err := New(st, inv, func() time.Time { return now }, nil)
	if err != nil {
		t.Fatalf("new accessor: %v", err)
	}
	return acc, st, inv
}

func mustAdd(t *testing.T, acc *Accessor, blocked, blocker string, typ element.DependencyType) {
	t.Helper()
	if _, err := acc.AddDependency(context.Background(), AddRequest{BlockedID: blocked, BlockerID: blocker, Type: typ}); err != nil {
		t.Fatalf("add %s -> %s: %v", blocked, blocker, err)
	}
}

func TestAddDependencyInsertsAndInvalidates(t *testing.T) {
	acc, st, inv := newAccessor(t, "a", "b")
	ctx := context.Background()

	dep, err := acc.AddDependency(ctx, AddRequest{BlockedID: "b", BlockerID: "a", Type: element.DepBlocks})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if dep.CreatedBy != "creator" || !dep.CreatedAt.Equal(now) {
		t.Fatalf("expected actor and time defaults, got %+v", dep)
	}
	if _, err := st.GetDependency(ctx, "b", "a", element.DepBlocks); err != nil {
		t.Fatalf("expected stored edge: %v", err)
	}
	if !reflect.DeepEqual(inv.calls, [][]string{{"b"}}) {
		t.Fatalf("expected invalidation of b, got %v", inv.calls)
	}

	withActor, err := acc.AddDependency(ctx, AddRequest{BlockedID: "b", BlockerID: "a", Type: element.DepRelatesTo, Actor: "ana"})
	if err != nil {
		t.Fatalf("add relates: %v", err)
	}
	if withActor.CreatedBy != "ana" {
		t.Fatalf("expected explicit actor, got %q", withActor.CreatedBy)
	}
}

func TestAddDependencyRejections(t *testing.T) {
	acc, _, _ := newAccessor(t, "a", "b", "c")
	ctx := context.Background()
	mustAdd(t, acc, "b", "a", element.DepBlocks)
	mustAdd(t, acc, "c", "b", element.DepParentChild)

	cases := []struct {
		name  string
		req   AddRequest
		check func(error) bool
	}{
		{"unknown type", AddRequest{BlockedID: "a", BlockerID: "b", Type: "follows"}, element.IsConstraint},
		{"missing blocked", AddRequest{BlockedID: "ghost", BlockerID: "a", Type: element.DepBlocks}, element.IsNotFound},
		{"missing blocker", AddRequest{BlockedID: "a", BlockerID: "ghost", Type: element.DepBlocks}, element.IsNotFound},
		{"structural self edge", AddRequest{BlockedID: "a", BlockerID: "a", Type: element.DepBlocks}, element.IsConflict},
		{"associative self edge", AddRequest{BlockedID: "a", BlockerID: "a", Type: element.DepReferences}, element.IsConstraint},
		{"direct cycle", AddRequest{BlockedID: "a", BlockerID: "b", Type: element.DepBlocks}, element.IsConflict},
		{"cycle across edge types", AddRequest{BlockedID: "a", BlockerID: "c", Type: element.DepParentChild}, element.IsConflict},
		{"duplicate", AddRequest{BlockedID: "b", BlockerID: "a", Type: element.DepBlocks}, element.IsConflict},
		{"awaits without gate", AddRequest{BlockedID: "a", BlockerID: "c", Type: element.DepAwaits}, element.IsConstraint},
		{"awaits with malformed gate", AddRequest{BlockedID: "a", BlockerID: "c", Type: element.DepAwaits, Metadata: element.Metadata{gate.KeyGateType: "timer"}}, element.IsConstraint},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := acc.AddDependency(ctx, tc.req)
			if !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestAssociativeEdgesMayCloseLoops(t *testing.T) {
	acc, _, _ := newAccessor(t, "a", "b")
	mustAdd(t, acc, "b", "a", element.DepBlocks)
	mustAdd(t, acc, "a", "b", element.DepRelatesTo)
	mustAdd(t, acc, "a", "b", element.DepReferences)

	cycle, err := acc.WouldCycle(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("would cycle: %v", err)
	}
	if !cycle {
		t.Fatalf("expected a structural a -> b edge to be a cycle")
	}
}

func TestRejectedAddLeavesNoTrace(t *testing.T) {
	acc, st, inv := newAccessor(t, "a", "b")
	ctx := context.Background()
	mustAdd(t, acc, "b", "a", element.DepBlocks)
	inv.calls = nil

	if _, err := acc.AddDependency(ctx, AddRequest{BlockedID: "a", BlockerID: "b", Type: element.DepBlocks}); !element.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := st.GetDependency(ctx, "a", "b", element.DepBlocks); !element.IsNotFound(err) {
		t.Fatalf("expected no edge, got %v", err)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("expected no invalidation, got %v", inv.calls)
	}
}

func TestRemoveDependency(t *testing.T) {
	acc, _, inv := newAccessor(t, "a", "b")
	ctx := context.Background()
	mustAdd(t, acc, "b", "a", element.DepBlocks)

	if err := acc.RemoveDependency(ctx, "b", "a", element.DepBlocks); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := inv.calls[len(inv.calls)-1]; !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("expected invalidation of b, got %v", got)
	}
	if err := acc.RemoveDependency(ctx, "b", "a", element.DepBlocks); !element.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDependenciesAndDependents(t *testing.T) {
	acc, _, _ := newAccessor(t, "a", "b", "c")
	ctx := context.Background()
	mustAdd(t, acc, "c", "a", element.DepBlocks)
	mustAdd(t, acc, "c", "b", element.DepRelatesTo)

	deps, err := acc.Dependencies(ctx, "c")
	if err != nil {
		t.Fatalf("dependencies: %v", err)
	}
	if len(deps) != 2 || deps[0].BlockerID != "a" || deps[1].BlockerID != "b" {
		t.Fatalf("expected edges in creation order, got %+v", deps)
	}
	blocking, err := acc.Dependencies(ctx, "c", element.DepBlocks)
	if err != nil || len(blocking) != 1 {
		t.Fatalf("expected one blocks edge, got %+v (%v)", blocking, err)
	}
	dependents, err := acc.Dependents(ctx, "a")
	if err != nil || len(dependents) != 1 || dependents[0].BlockedID != "c" {
		t.Fatalf("expected c to depend on a, got %+v (%v)", dependents, err)
	}
	if _, err := acc.Dependencies(ctx, "ghost"); !element.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTreeKeepsShallowestOccurrence(t *testing.T) {
	acc, st, _ := newAccessor(t, "root", "a", "b", "shared", "deep")
	ctx := context.Background()
	mustAdd(t, acc, "root", "a", element.DepBlocks)
	mustAdd(t, acc, "root", "b", element.DepBlocks)
	mustAdd(t, acc, "a", "shared", element.DepBlocks)
	mustAdd(t, acc, "b", "shared", element.DepBlocks)
	mustAdd(t, acc, "shared", "deep", element.DepBlocks)
	if _, err := st.InsertDependency(ctx, element.Dependency{BlockedID: "b", BlockerID: "gone", Type: element.DepBlocks}); err != nil {
		t.Fatalf("insert dangling: %v", err)
	}

	nodes, err := acc.Tree(ctx, "root", TreeOptions{})
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	type row struct {
		id, parent string
		depth      int
		missing    bool
	}
	var got []row
	for _, n := range nodes {
		got = append(got, row{n.ID, n.ParentID, n.Depth, n.Missing})
	}
	want := []row{
		{"root", "", 0, false},
		{"a", "root", 1, false},
		{"b", "root", 1, false},
		{"shared", "a", 2, false},
		{"gone", "b", 2, true},
		{"deep", "shared", 3, false},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tree mismatch:\n got %+v\nwant %+v", got, want)
	}

	shallow, err := acc.Tree(ctx, "root", TreeOptions{MaxDepth: 1})
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(shallow) != 3 {
		t.Fatalf("expected root plus two children at depth 1, got %d nodes", len(shallow))
	}

	reverse, err := acc.Tree(ctx, "deep", TreeOptions{Reverse: true})
	if err != nil {
		t.Fatalf("reverse tree: %v", err)
	}
	if last := reverse[len(reverse)-1]; last.ID != "root" || last.Depth != 3 {
		t.Fatalf("expected root as the deepest dependent, got %+v", last)
	}
}
