package scheduler

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/readiness"
	"github.com/kingrea/stoneforge/internal/resolver"
	"github.com/kingrea/stoneforge/internal/store/memstore"
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *memstore.Store
	res   *resolver.Resolver
	sched *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	st := memstore.New(memstore.WithClock(clock))
	res, err := resolver.New(st, resolver.NewCache(), clock, nil)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	ready, err := readiness.New(st, res, clock)
	if err != nil {
		t.Fatalf("new readiness: %v", err)
	}
	sched, err := New(st, ready)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	h := &harness{t: t, ctx: context.Background(), store: st, res: res, sched: sched}
	if _, err := st.CreateElement(h.ctx, element.Element{ID: "wf", Type: element.TypeWorkflow}); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return h
}

func (h *harness) task(id string, priority int) {
	h.t.Helper()
	if _, err := h.store.CreateElement(h.ctx, element.Element{ID: id, Type: element.TypeTask, Priority: priority}); err != nil {
		h.t.Fatalf("create %s: %v", id, err)
	}
	h.link(id, "wf", element.DepParentChild)
}

func (h *harness) link(blocked, blocker string, typ element.DependencyType) {
	h.t.Helper()
	if _, err := h.store.InsertDependency(h.ctx, element.Dependency{BlockedID: blocked, BlockerID: blocker, Type: typ}); err != nil {
		h.t.Fatalf("link %s -> %s: %v", blocked, blocker, err)
	}
	if err := h.res.Invalidate(h.ctx, blocked); err != nil {
		h.t.Fatalf("invalidate: %v", err)
	}
}

func (h *harness) setStatus(id string, status element.Status) {
	h.t.Helper()
	if _, err := h.store.UpdateElement(h.ctx, id, element.StatusPatch(status)); err != nil {
		h.t.Fatalf("update %s: %v", id, err)
	}
	if err := h.res.Invalidate(h.ctx, id); err != nil {
		h.t.Fatalf("invalidate: %v", err)
	}
}

func (h *harness) ordered(f readiness.Filter) []string {
	h.t.Helper()
	items, err := h.sched.Ordered(h.ctx, "wf", f)
	if err != nil {
		h.t.Fatalf("ordered: %v", err)
	}
	return SortedIDs(items)
}

func TestOrderedChainFollowsDependencies(t *testing.T) {
	h := newHarness(t)
	h.task("deploy", 1)
	h.task("build", 5)
	h.task("test", 3)
	h.link("test", "build", element.DepBlocks)
	h.link("deploy", "test", element.DepBlocks)

	got := h.ordered(readiness.Filter{})
	if want := []string{"build", "test", "deploy"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestOrderedDiamondBreaksTiesByPriority(t *testing.T) {
	h := newHarness(t)
	h.task("root", 3)
	h.task("slow", 4)
	h.task("fast", 2)
	h.task("join", 3)
	h.link("slow", "root", element.DepBlocks)
	h.link("fast", "root", element.DepBlocks)
	h.link("join", "slow", element.DepBlocks)
	h.link("join", "fast", element.DepBlocks)

	got := h.ordered(readiness.Filter{})
	if want := []string{"root", "fast", "slow", "join"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	limited := h.ordered(readiness.Filter{Limit: 2})
	if want := []string{"root", "fast"}; !reflect.DeepEqual(limited, want) {
		t.Fatalf("limit should apply after ordering: got %v want %v", limited, want)
	}
}

func TestOrderedIndependentSetSortsByPriorityThenID(t *testing.T) {
	h := newHarness(t)
	h.task("b", 2)
	h.task("a", 2)
	h.task("c", 1)

	got := h.ordered(readiness.Filter{})
	if want := []string{"c", "a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestOrderIgnoresForeignEdgesAndSurvivesCycles(t *testing.T) {
	item := func(id string, p int) readiness.Item {
		return readiness.Item{Element: element.Element{ID: id, Priority: p}, EffectivePriority: p}
	}
	items := []readiness.Item{item("x", 1), item("y", 2), item("z", 3)}
	got := SortedIDs(Order(items, []Edge{
		{Before: "outside", After: "x"},
		{Before: "z", After: "y"},
		{Before: "y", After: "z"},
	}))
	if want := []string{"x", "y", "z"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestRunnableRespectsBatchAndParallelLimits(t *testing.T) {
	h := newHarness(t)
	h.task("active", 1)
	h.task("one", 2)
	h.task("two", 3)
	h.task("three", 4)
	h.task("waiting", 1)
	h.task("done", 1)
	h.link("waiting", "one", element.DepBlocks)
	h.setStatus("active", element.StatusInProgress)
	h.setStatus("done", element.StatusClosed)

	batch, err := h.sched.Runnable(h.ctx, RunnableRequest{WorkflowID: "wf", MaxParallel: 3})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if got, want := SortedIDs(batch.Tasks), []string{"one", "two"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("tasks: got %v want %v", got, want)
	}
	if !reflect.DeepEqual(batch.Running, []string{"active"}) {
		t.Fatalf("running: got %v", batch.Running)
	}
	wantSkips := map[string]SkipReasonCode{
		"active":  SkipReasonActive,
		"waiting": SkipReasonNotReady,
		"three":   SkipReasonConcurrency,
	}
	if len(batch.Skipped) != len(wantSkips) {
		t.Fatalf("skipped: got %v", batch.Skipped)
	}
	for id, code := range wantSkips {
		if batch.Skipped[id].Reason != code {
			t.Fatalf("%s: got %+v want %s", id, batch.Skipped[id], code)
		}
	}
	if batch.Skipped["waiting"].Detail == "" {
		t.Fatalf("expected the block reason as detail")
	}

	small, err := h.sched.Runnable(h.ctx, RunnableRequest{WorkflowID: "wf", BatchSize: 1})
	if err != nil {
		t.Fatalf("runnable: %v", err)
	}
	if got := SortedIDs(small.Tasks); !reflect.DeepEqual(got, []string{"one"}) {
		t.Fatalf("batch size 1: got %v", got)
	}
	if _, skipped := small.Skipped["two"]; skipped {
		t.Fatalf("batch overflow without a parallel limit should not be reported as a skip")
	}
}

func TestRunnableUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sched.Runnable(h.ctx, RunnableRequest{WorkflowID: "missing"}); !element.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
