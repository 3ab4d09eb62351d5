package readiness

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/resolver"
	"github.com/kingrea/stoneforge/internal/store/memstore"
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	now    time.Time
	store  *memstore.Store
	res    *resolver.Resolver
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.store = memstore.New(memstore.WithClock(clock))
	res, err := resolver.New(f.store, resolver.NewCache(), clock, nil)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	f.res = res
	engine, err := New(f.store, res, clock)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) create(el element.Element) {
	f.t.Helper()
	if _, err := f.store.CreateElement(f.ctx, el); err != nil {
		f.t.Fatalf("create %s: %v", el.ID, err)
	}
	f.invalidate(el.ID)
}

func (f *fixture) task(id string, priority int) {
	f.t.Helper()
	f.create(element.Element{ID: id, Type: element.TypeTask, Priority: priority})
}

func (f *fixture) link(blocked, blocker string, typ element.DependencyType) {
	f.t.Helper()
	if _, err := f.store.InsertDependency(f.ctx, element.Dependency{BlockedID: blocked, BlockerID: blocker, Type: typ}); err != nil {
		f.t.Fatalf("link %s -> %s: %v", blocked, blocker, err)
	}
	f.invalidate(blocked)
}

func (f *fixture) setStatus(id string, status element.Status) {
	f.t.Helper()
	if _, err := f.store.UpdateElement(f.ctx, id, element.StatusPatch(status)); err != nil {
		f.t.Fatalf("update %s: %v", id, err)
	}
	f.invalidate(id)
}

func (f *fixture) invalidate(ids ...string) {
	f.t.Helper()
	if err := f.res.Invalidate(f.ctx, ids...); err != nil {
		f.t.Fatalf("invalidate %v: %v", ids, err)
	}
}

func (f *fixture) ready(filter Filter) []string {
	f.t.Helper()
	items, err := f.engine.Ready(f.ctx, filter)
	if err != nil {
		f.t.Fatalf("ready: %v", err)
	}
	return ids(items)
}

func (f *fixture) blocked(filter Filter) []Item {
	f.t.Helper()
	items, err := f.engine.Blocked(f.ctx, filter)
	if err != nil {
		f.t.Fatalf("blocked: %v", err)
	}
	return items
}

func (f *fixture) backlog(filter Filter) []string {
	f.t.Helper()
	items, err := f.engine.Backlog(f.ctx, filter)
	if err != nil {
		f.t.Fatalf("backlog: %v", err)
	}
	return ids(items)
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Element.ID)
	}
	return out
}

func expectIDs(t *testing.T, label string, got, want []string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s: got %v want %v", label, got, want)
	}
}

func TestBlockerClosesAndReopens(t *testing.T) {
	f := newFixture(t)
	f.task("a", 3)
	f.task("b", 1)
	f.link("b", "a", element.DepBlocks)

	ready, err := f.engine.Ready(f.ctx, Filter{})
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].Element.ID != "a" || ready[0].EffectivePriority != 1 {
		t.Fatalf("expected a ready with borrowed priority 1, got %+v", ready)
	}
	blocked := f.blocked(Filter{})
	if len(blocked) != 1 || blocked[0].Element.ID != "b" || blocked[0].BlockedBy != "a" {
		t.Fatalf("expected b blocked by a, got %+v", blocked)
	}

	f.setStatus("a", element.StatusClosed)
	expectIDs(t, "ready after close", f.ready(Filter{}), []string{"b"})
	if got := f.blocked(Filter{}); len(got) != 0 {
		t.Fatalf("expected nothing blocked, got %+v", got)
	}

	f.setStatus("a", element.StatusOpen)
	expectIDs(t, "ready after reopen", f.ready(Filter{}), []string{"a"})
	if got := f.blocked(Filter{}); len(got) != 1 || got[0].Element.ID != "b" {
		t.Fatalf("expected b blocked again, got %+v", got)
	}
}

func TestDiamondReleasesInWaves(t *testing.T) {
	f := newFixture(t)
	f.task("root", 3)
	f.task("left", 2)
	f.task("right", 4)
	f.task("join", 3)
	f.link("left", "root", element.DepBlocks)
	f.link("right", "root", element.DepBlocks)
	f.link("join", "left", element.DepBlocks)
	f.link("join", "right", element.DepBlocks)

	expectIDs(t, "wave 1", f.ready(Filter{}), []string{"root"})
	f.setStatus("root", element.StatusClosed)
	// right borrows join's priority 3; left keeps its own 2.
	expectIDs(t, "wave 2", f.ready(Filter{}), []string{"left", "right"})
	f.setStatus("left", element.StatusClosed)
	expectIDs(t, "wave 3", f.ready(Filter{}), []string{"right"})
	f.setStatus("right", element.StatusClosed)
	expectIDs(t, "wave 4", f.ready(Filter{}), []string{"join"})
}

func TestReadySortsByEffectiveThenBaseThenID(t *testing.T) {
	f := newFixture(t)
	f.task("c", 2)
	f.task("b", 2)
	f.task("a", 4)
	f.task("urgent", 1)
	f.task("gate", 5)
	f.link("urgent", "gate", element.DepBlocks)

	// gate borrows 1 from urgent; b and c tie on priority and sort by id.
	expectIDs(t, "ready", f.ready(Filter{}), []string{"gate", "b", "c", "a"})
	expectIDs(t, "paged", f.ready(Filter{Offset: 1, Limit: 2}), []string{"b", "c"})
}

func TestBlockedLimitAppliesAfterFiltering(t *testing.T) {
	f := newFixture(t)
	f.task("blocker", 3)
	for _, el := range []element.Element{
		{ID: "t1", Type: element.TypeTask, Priority: 1},
		{ID: "t2", Type: element.TypeTask, Priority: 2, Tags: []string{"infra"}},
		{ID: "t3", Type: element.TypeTask, Priority: 3, Tags: []string{"infra"}},
	} {
		f.create(el)
		f.link(el.ID, "blocker", element.DepBlocks)
	}

	got := f.blocked(Filter{Tags: []string{"infra"}, Limit: 1})
	if len(got) != 1 || got[0].Element.ID != "t2" {
		t.Fatalf("expected the first matching blocked task t2, got %v", ids(got))
	}
	if got[0].BlockReason == "" {
		t.Fatalf("expected a block reason on %+v", got[0])
	}
}

func TestDraftPlanHoldsChildrenInBacklog(t *testing.T) {
	f := newFixture(t)
	f.create(element.Element{ID: "plan", Type: element.TypePlan})
	f.task("child", 2)
	f.link("child", "plan", element.DepParentChild)

	expectIDs(t, "ready under draft", f.ready(Filter{}), nil)
	expectIDs(t, "backlog under draft", f.backlog(Filter{}), []string{"child"})

	f.setStatus("plan", element.StatusActive)
	expectIDs(t, "ready once active", f.ready(Filter{}), []string{"child"})
	expectIDs(t, "backlog once active", f.backlog(Filter{}), nil)
}

func TestNestedDraftAncestorHoldsGrandchildren(t *testing.T) {
	f := newFixture(t)
	f.create(element.Element{ID: "plan", Type: element.TypePlan})
	f.create(element.Element{ID: "wf", Type: element.TypeWorkflow})
	f.task("leaf", 3)
	f.link("wf", "plan", element.DepParentChild)
	f.link("leaf", "wf", element.DepParentChild)

	expectIDs(t, "backlog", f.backlog(Filter{}), []string{"leaf"})
	f.setStatus("plan", element.StatusActive)
	expectIDs(t, "ready", f.ready(Filter{}), []string{"leaf"})
}

func TestContainerBlockedByContainer(t *testing.T) {
	f := newFixture(t)
	f.create(element.Element{ID: "first", Type: element.TypeWorkflow})
	f.create(element.Element{ID: "second", Type: element.TypeWorkflow})
	f.task("step", 2)
	f.link("second", "first", element.DepBlocks)
	f.link("step", "second", element.DepParentChild)

	blocked := f.blocked(Filter{})
	if len(blocked) != 1 || blocked[0].Element.ID != "step" || blocked[0].BlockedBy != "first" {
		t.Fatalf("expected step to inherit the block from first, got %+v", blocked)
	}

	f.setStatus("first", element.StatusCompleted)
	expectIDs(t, "ready once first completes", f.ready(Filter{}), []string{"step"})
}

func TestEphemeralWorkflowTasksAreExcluded(t *testing.T) {
	f := newFixture(t)
	f.create(element.Element{ID: "wf", Type: element.TypeWorkflow, Ephemeral: true})
	f.task("inner", 2)
	f.link("inner", "wf", element.DepParentChild)
	f.create(element.Element{ID: "scratch", Type: element.TypeTask, Priority: 1, Ephemeral: true})
	f.task("plain", 3)

	expectIDs(t, "default", f.ready(Filter{}), []string{"plain"})
	expectIDs(t, "included", f.ready(Filter{IncludeEphemeral: true}), []string{"scratch", "inner", "plain"})

	scoped, err := f.engine.ReadyTasksInWorkflow(f.ctx, "wf", Filter{})
	if err != nil {
		t.Fatalf("ready in workflow: %v", err)
	}
	expectIDs(t, "workflow scoped", ids(scoped), []string{"inner"})
}

func TestScheduledForDefersUntilDue(t *testing.T) {
	f := newFixture(t)
	later := f.now.Add(2 * time.Hour)
	f.create(element.Element{ID: "later", Type: element.TypeTask, Priority: 2, ScheduledFor: &later})
	f.task("now", 3)

	expectIDs(t, "ready", f.ready(Filter{}), []string{"now"})
	expectIDs(t, "backlog", f.backlog(Filter{}), []string{"later"})

	f.now = later
	expectIDs(t, "ready when due", f.ready(Filter{}), []string{"later", "now"})
}

func TestNonActionableStatusesGoToBacklog(t *testing.T) {
	f := newFixture(t)
	f.task("open", 2)
	f.task("working", 2)
	f.task("deferred", 2)
	f.task("done", 2)
	f.setStatus("working", element.StatusInProgress)
	f.setStatus("deferred", element.StatusDeferred)
	f.setStatus("done", element.StatusClosed)

	expectIDs(t, "ready", f.ready(Filter{}), []string{"open", "working"})
	expectIDs(t, "backlog", f.backlog(Filter{}), []string{"deferred"})
}

func TestAttributeFilters(t *testing.T) {
	f := newFixture(t)
	soon := f.now.Add(24 * time.Hour)
	far := f.now.Add(30 * 24 * time.Hour)
	f.create(element.Element{ID: "a", Type: element.TypeTask, Priority: 1, Assignee: "ana", Tags: []string{"API"}, Deadline: &soon})
	f.create(element.Element{ID: "b", Type: element.TypeTask, Priority: 2, Assignee: "bo", Tags: []string{"api", "db"}, Deadline: &far})
	f.create(element.Element{ID: "c", Type: element.TypeTask, Priority: 3, Assignee: "ana", TaskType: element.TaskTypeBug})

	cutoff := f.now.Add(7 * 24 * time.Hour)
	hasDeadline := false
	prio := 2
	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"assignee", Filter{Assignee: "ana"}, []string{"a", "c"}},
		{"tags are case-insensitive and all required", Filter{Tags: []string{"api", "DB"}}, []string{"b"}},
		{"deadline before", Filter{DeadlineBefore: &cutoff}, []string{"a"}},
		{"deadline after", Filter{DeadlineAfter: &cutoff}, []string{"b"}},
		{"no deadline", Filter{HasDeadline: &hasDeadline}, []string{"c"}},
		{"priority", Filter{Priority: &prio}, []string{"b"}},
		{"task type", Filter{TaskType: element.TaskTypeBug}, []string{"c"}},
		{"status", Filter{Status: []element.Status{element.StatusInProgress}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectIDs(t, tc.name, f.ready(tc.filter), tc.want)
		})
	}
}

func TestWorkflowLookupErrors(t *testing.T) {
	f := newFixture(t)
	f.task("task", 2)

	if _, err := f.engine.TasksInWorkflow(f.ctx, "missing", Filter{}); !element.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.engine.ReadyTasksInWorkflow(f.ctx, "task", Filter{}); !element.IsConstraint(err) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	if _, err := f.engine.WorkflowProgress(f.ctx, "task"); !element.IsConstraint(err) {
		t.Fatalf("expected constraint error, got %v", err)
	}
}

func TestWorkflowProgress(t *testing.T) {
	f := newFixture(t)
	f.create(element.Element{ID: "wf", Type: element.TypeWorkflow})
	for _, id := range []string{"one", "two", "three"} {
		f.task(id, 2)
		f.link(id, "wf", element.DepParentChild)
	}
	f.link("three", "two", element.DepBlocks)
	f.setStatus("one", element.StatusClosed)
	f.create(element.Element{ID: "notes", Type: element.TypeDocument})
	f.link("notes", "wf", element.DepParentChild)

	progress, err := f.engine.WorkflowProgress(f.ctx, "wf")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.TotalTasks != 3 || progress.CompletionPercentage != 33 {
		t.Fatalf("expected 3 tasks at 33%%, got %+v", progress)
	}
	if progress.ReadyTasks != 1 || progress.BlockedTasks != 1 {
		t.Fatalf("expected one ready and one blocked, got %+v", progress)
	}
	if progress.StatusCounts[element.StatusClosed] != 1 || progress.StatusCounts[element.StatusOpen] != 2 {
		t.Fatalf("unexpected status counts %v", progress.StatusCounts)
	}

	empty := newFixture(t)
	empty.create(element.Element{ID: "wf", Type: element.TypeWorkflow})
	progress, err = empty.engine.WorkflowProgress(empty.ctx, "wf")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.TotalTasks != 0 || progress.CompletionPercentage != 0 {
		t.Fatalf("expected an empty workflow at 0%%, got %+v", progress)
	}
}

func TestTasksInWorkflowKeepsEveryClass(t *testing.T) {
	f := newFixture(t)
	f.create(element.Element{ID: "wf", Type: element.TypeWorkflow})
	for _, id := range []string{"x", "y", "z"} {
		f.task(id, 3)
		f.link(id, "wf", element.DepParentChild)
	}
	f.link("y", "x", element.DepBlocks)
	f.setStatus("z", element.StatusClosed)

	items, err := f.engine.TasksInWorkflow(f.ctx, "wf", Filter{})
	if err != nil {
		t.Fatalf("tasks in workflow: %v", err)
	}
	classes := map[string]Class{}
	for _, item := range items {
		classes[item.Element.ID] = item.Class
	}
	want := map[string]Class{"x": ClassReady, "y": ClassBlocked, "z": ClassExcluded}
	if !reflect.DeepEqual(classes, want) {
		t.Fatalf("got classes %v want %v", classes, want)
	}
}

func TestClassifySingleElement(t *testing.T) {
	f := newFixture(t)
	f.task("first", 2)
	f.task("second", 2)
	f.link("second", "first", element.DepBlocks)
	f.create(element.Element{ID: "scratch", Type: element.TypeTask, Ephemeral: true})
	f.create(element.Element{ID: "notes", Type: element.TypeDocument})

	classify := func(id string, includeEphemeral bool) Item {
		t.Helper()
		el, err := f.store.GetElement(f.ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		item, err := f.engine.Classify(f.ctx, el, includeEphemeral)
		if err != nil {
			t.Fatalf("classify %s: %v", id, err)
		}
		return item
	}

	if got := classify("first", false).Class; got != ClassReady {
		t.Fatalf("first: got %s", got)
	}
	second := classify("second", false)
	if second.Class != ClassBlocked || second.BlockedBy != "first" {
		t.Fatalf("second: got %+v", second)
	}
	if got := classify("notes", true).Class; got != ClassExcluded {
		t.Fatalf("documents are not tasks: got %s", got)
	}
	if got := classify("scratch", false).Class; got != ClassExcluded {
		t.Fatalf("ephemeral without opt-in: got %s", got)
	}
	if got := classify("scratch", true).Class; got != ClassReady {
		t.Fatalf("ephemeral with opt-in: got %s", got)
	}
}
