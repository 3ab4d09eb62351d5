// Package readiness answers which tasks can be worked on now.
//
// Every live, non-closed task falls into exactly one class:
//   - blocked: the blocked-state cache says so;
//   - ready: open or in progress, not scheduled for later, and no ancestor
//     plan or workflow is still a draft or held by another container;
//   - backlog: everything else.
//
// Tasks that are ephemeral, or sit under an ephemeral workflow, are left out
// unless the filter asks for them.
package readiness

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/priority"
	"github.com/kingrea/stoneforge/internal/resolver"
	"github.com/kingrea/stoneforge/internal/store"
)

// StateReader supplies cached blocked state.
type StateReader interface {
	State(ctx context.Context, id string) (resolver.Entry, error)
}

// Class is a task's readiness classification.
type Class string

const (
	ClassExcluded Class = "excluded"
	ClassReady    Class = "ready"
	ClassBlocked  Class = "blocked"
	ClassBacklog  Class = "backlog"
)

// Item is a task plus the derived values queries sort and report on.
type Item struct {
	Element           element.Element `json:"element"`
	Class             Class           `json:"class"`
	EffectivePriority int             `json:"effectivePriority"`
	BlockedBy         string          `json:"blockedBy,omitempty"`
	BlockReason       string          `json:"blockReason,omitempty"`
}

// Progress summarizes a workflow's tasks.
type Progress struct {
	WorkflowID           string                 `json:"workflowId"`
	TotalTasks           int                    `json:"totalTasks"`
	StatusCounts         map[element.Status]int `json:"statusCounts"`
	CompletionPercentage int                    `json:"completionPercentage"`
	ReadyTasks           int                    `json:"readyTasks"`
	BlockedTasks         int                    `json:"blockedTasks"`
}

// Engine runs readiness queries against a store and the blocked-state cache.
type Engine struct {
	store  store.Reader
	states StateReader
	clock  func() time.Time
}

// New wires the query engine.
func New(st store.Reader, states StateReader, clock func() time.Time) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("readiness: store is required")
	}
	if states == nil {
		return nil, fmt.Errorf("readiness: state reader is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Engine{store: st, states: states, clock: clock}, nil
}

// Ready returns unblocked, actionable tasks sorted by effective priority,
// then base priority, then id.
func (e *Engine) Ready(ctx context.Context, f Filter) ([]Item, error) {
	return e.classified(ctx, f, ClassReady)
}

// Blocked returns blocked tasks with the responsible element and reason.
// Limit applies after the full filtered set is known.
func (e *Engine) Blocked(ctx context.Context, f Filter) ([]Item, error) {
	return e.classified(ctx, f, ClassBlocked)
}

// Backlog returns live, non-closed tasks that are neither ready nor blocked.
func (e *Engine) Backlog(ctx context.Context, f Filter) ([]Item, error) {
	return e.classified(ctx, f, ClassBacklog)
}

func (e *Engine) classified(ctx context.Context, f Filter, want Class) ([]Item, error) {
	tasks, err := e.store.ListElements(ctx, store.ListFilter{Types: []element.Type{element.TypeTask}})
	if err != nil {
		return nil, fmt.Errorf("readiness: list tasks: %w", err)
	}
	items, err := e.newQuery(f.IncludeEphemeral).collect(ctx, tasks, f, want)
	if err != nil {
		return nil, fmt.Errorf("readiness: %s: %w", want, err)
	}
	return Page(items, f.Offset, f.Limit), nil
}

// Classify reports which class el falls in.
func (e *Engine) Classify(ctx context.Context, el element.Element, includeEphemeral bool) (Item, error) {
	return e.newQuery(includeEphemeral).item(ctx, el)
}

// Workflow resolves id to a workflow element.
func (e *Engine) Workflow(ctx context.Context, id string) (element.Element, error) {
	wf, err := e.store.GetElement(ctx, id)
	if err != nil {
		if element.IsNotFound(err) {
			return element.Element{}, element.NotFoundf("workflow %s", id)
		}
		return element.Element{}, err
	}
	if wf.Type != element.TypeWorkflow {
		return element.Element{}, element.Constraintf("%s is a %s, not a workflow", id, wf.Type)
	}
	return wf, nil
}

// WorkflowTasks returns the live task children of a workflow, unfiltered and
// in child-edge creation order.
func (e *Engine) WorkflowTasks(ctx context.Context, workflowID string) ([]element.Element, error) {
	if _, err := e.Workflow(ctx, workflowID); err != nil {
		return nil, err
	}
	edges, err := e.store.DependentsOf(ctx, workflowID, element.DepParentChild)
	if err != nil {
		return nil, fmt.Errorf("readiness: children of %s: %w", workflowID, err)
	}
	tasks := make([]element.Element, 0, len(edges))
	for _, edge := range edges {
		child, err := e.store.GetElement(ctx, edge.BlockedID)
		if err != nil {
			if element.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if child.Type != element.TypeTask || child.IsTombstoned() {
			continue
		}
		tasks = append(tasks, child)
	}
	return tasks, nil
}

// TasksInWorkflow returns the workflow's tasks matching f, in any class.
func (e *Engine) TasksInWorkflow(ctx context.Context, workflowID string, f Filter) ([]Item, error) {
	tasks, err := e.WorkflowTasks(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	q := e.newQuery(true)
	items := make([]Item, 0, len(tasks))
	for _, el := range tasks {
		if !f.Matches(el) {
			continue
		}
		item, err := q.item(ctx, el)
		if err != nil {
			return nil, fmt.Errorf("readiness: workflow %s: %w", workflowID, err)
		}
		items = append(items, item)
	}
	SortItems(items)
	return Page(items, f.Offset, f.Limit), nil
}

// ReadyTasksInWorkflow returns the workflow's ready tasks. Ephemeral tasks are
// always included.
func (e *Engine) ReadyTasksInWorkflow(ctx context.Context, workflowID string, f Filter) ([]Item, error) {
	tasks, err := e.WorkflowTasks(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	items, err := e.newQuery(true).collect(ctx, tasks, f, ClassReady)
	if err != nil {
		return nil, fmt.Errorf("readiness: workflow %s: %w", workflowID, err)
	}
	return Page(items, f.Offset, f.Limit), nil
}

// WorkflowProgress counts a workflow's tasks by status and readiness.
func (e *Engine) WorkflowProgress(ctx context.Context, workflowID string) (Progress, error) {
	tasks, err := e.WorkflowTasks(ctx, workflowID)
	if err != nil {
		return Progress{}, err
	}
	progress := Progress{
		WorkflowID:   workflowID,
		TotalTasks:   len(tasks),
		StatusCounts: map[element.Status]int{},
	}
	q := e.newQuery(true)
	for _, el := range tasks {
		progress.StatusCounts[el.Status]++
		item, err := q.item(ctx, el)
		if err != nil {
			return Progress{}, fmt.Errorf("readiness: workflow %s: %w", workflowID, err)
		}
		switch item.Class {
		case ClassReady:
			progress.ReadyTasks++
		case ClassBlocked:
			progress.BlockedTasks++
		}
	}
	if progress.TotalTasks > 0 {
		closed := progress.StatusCounts[element.StatusClosed]
		progress.CompletionPercentage = int(math.Round(float64(closed) / float64(progress.TotalTasks) * 100))
	}
	return progress, nil
}

// SortItems orders by effective priority, base priority, then id.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.EffectivePriority != b.EffectivePriority {
			return a.EffectivePriority < b.EffectivePriority
		}
		if a.Element.Priority != b.Element.Priority {
			return a.Element.Priority < b.Element.Priority
		}
		return a.Element.ID < b.Element.ID
	})
}

// query carries per-call memoization.
type query struct {
	e                *Engine
	now              time.Time
	includeEphemeral bool
	priorities       *priority.Calculator
	lineage          map[string]lineage
}

// lineage is what an element's PARENT_CHILD ancestry implies for its
// descendants.
type lineage struct {
	ephemeral bool
	held      bool
}

func (e *Engine) newQuery(includeEphemeral bool) *query {
	return &query{
		e:                e,
		now:              e.clock(),
		includeEphemeral: includeEphemeral,
		priorities:       priority.New(e.store),
		lineage:          map[string]lineage{},
	}
}

func (q *query) collect(ctx context.Context, tasks []element.Element, f Filter, want Class) ([]Item, error) {
	var items []Item
	for _, el := range tasks {
		if !f.Matches(el) {
			continue
		}
		item, err := q.item(ctx, el)
		if err != nil {
			return nil, err
		}
		if item.Class == want {
			items = append(items, item)
		}
	}
	SortItems(items)
	return items, nil
}

func (q *query) item(ctx context.Context, el element.Element) (Item, error) {
	item := Item{Element: el, Class: ClassExcluded, EffectivePriority: el.Priority}
	if el.Type != element.TypeTask || el.IsTombstoned() || el.Status == element.StatusClosed {
		return item, nil
	}
	parents, err := q.parentLineage(ctx, el.ID)
	if err != nil {
		return Item{}, err
	}
	if !q.includeEphemeral && (el.Ephemeral || parents.ephemeral) {
		return item, nil
	}
	prio, err := q.priorities.For(ctx, el)
	if err != nil {
		return Item{}, err
	}
	item.EffectivePriority = prio.Effective

	entry, err := q.e.states.State(ctx, el.ID)
	if err != nil {
		return Item{}, err
	}
	switch {
	case entry.IsBlocked:
		item.Class = ClassBlocked
		item.BlockedBy = entry.BlockedBy
		item.BlockReason = entry.BlockReason
	case el.Status != element.StatusOpen && el.Status != element.StatusInProgress:
		item.Class = ClassBacklog
	case el.ScheduledFor != nil && el.ScheduledFor.After(q.now):
		item.Class = ClassBacklog
	case parents.held:
		item.Class = ClassBacklog
	default:
		item.Class = ClassReady
	}
	return item, nil
}

// parentLineage folds the lineage of every live PARENT_CHILD parent of id.
func (q *query) parentLineage(ctx context.Context, id string) (lineage, error) {
	deps, err := q.e.store.DependenciesOf(ctx, id, element.DepParentChild)
	if err != nil {
		return lineage{}, err
	}
	var out lineage
	for _, dep := range deps {
		l, err := q.ancestor(ctx, dep.BlockerID)
		if err != nil {
			return lineage{}, err
		}
		out.ephemeral = out.ephemeral || l.ephemeral
		out.held = out.held || l.held
	}
	return out, nil
}

func (q *query) ancestor(ctx context.Context, id string) (lineage, error) {
	if l, ok := q.lineage[id]; ok {
		return l, nil
	}
	// Seed the memo so a corrupted cycle terminates.
	q.lineage[id] = lineage{}
	el, err := q.e.store.GetElement(ctx, id)
	if err != nil {
		if element.IsNotFound(err) {
			return lineage{}, nil
		}
		return lineage{}, err
	}
	if el.IsTombstoned() {
		return lineage{}, nil
	}
	l, err := q.parentLineage(ctx, id)
	if err != nil {
		return lineage{}, err
	}
	if el.Type == element.TypeWorkflow && el.Ephemeral {
		l.ephemeral = true
	}
	if el.Type.IsContainer() {
		if el.Status == element.StatusDraft {
			l.held = true
		} else if !l.held {
			held, err := q.blockedByContainer(ctx, el.ID)
			if err != nil {
				return lineage{}, err
			}
			l.held = held
		}
	}
	q.lineage[id] = l
	return l, nil
}

// blockedByContainer reports whether id has a BLOCKS edge to a live,
// non-terminal plan or workflow.
func (q *query) blockedByContainer(ctx context.Context, id string) (bool, error) {
	deps, err := q.e.store.DependenciesOf(ctx, id, element.DepBlocks)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		blocker, err := q.e.store.GetElement(ctx, dep.BlockerID)
		if err != nil {
			if element.IsNotFound(err) {
				continue
			}
			return false, err
		}
		if blocker.Type.IsContainer() && !blocker.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}
