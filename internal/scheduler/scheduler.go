package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/readiness"
	"github.com/kingrea/stoneforge/internal/store"
)

// Selector exposes the contract callers use to plan a workflow's execution.
type Selector interface {
	Ordered(ctx context.Context, workflowID string, f readiness.Filter) ([]readiness.Item, error)
	Runnable(ctx context.Context, req RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector on top of the readiness engine. It orders a
// workflow's tasks along BLOCKS edges and picks the next batch to start.
type Scheduler struct {
	store     store.Reader
	readiness *readiness.Engine
}

var _ Selector = (*Scheduler)(nil)

// New wires a Scheduler to the store and readiness engine.
func New(st store.Reader, ready *readiness.Engine) (*Scheduler, error) {
	if st == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if ready == nil {
		return nil, fmt.Errorf("scheduler: readiness engine is required")
	}
	return &Scheduler{store: st, readiness: ready}, nil
}

// Ordered returns the workflow's tasks matching f in an order that puts every
// blocker before the tasks it blocks. Only BLOCKS edges between tasks in the
// filtered set constrain the order; ties go to effective priority, then base
// priority, then id.
func (s *Scheduler) Ordered(ctx context.Context, workflowID string, f readiness.Filter) ([]readiness.Item, error) {
	items, err := s.readiness.TasksInWorkflow(ctx, workflowID, unpaged(f))
	if err != nil {
		return nil, err
	}
	ordered, err := s.order(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("scheduler: order %s: %w", workflowID, err)
	}
	return readiness.Page(ordered, f.Offset, f.Limit), nil
}

func (s *Scheduler) order(ctx context.Context, items []readiness.Item) ([]readiness.Item, error) {
	members := make(map[string]int, len(items))
	for i, item := range items {
		members[item.Element.ID] = i
	}
	edges := make([]Edge, 0)
	for _, item := range items {
		deps, err := s.store.DependenciesOf(ctx, item.Element.ID, element.DepBlocks)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if _, ok := members[dep.BlockerID]; ok {
				edges = append(edges, Edge{Before: dep.BlockerID, After: item.Element.ID})
			}
		}
	}
	return Order(items, edges), nil
}

// Edge says Before must precede After.
type Edge struct {
	Before string
	After  string
}

// Order topologically sorts items with Kahn's algorithm, always releasing the
// most urgent eligible item next. Edges naming ids outside items are ignored.
// Items caught in a cycle are appended in priority order.
func Order(items []readiness.Item, edges []Edge) []readiness.Item {
	byID := make(map[string]readiness.Item, len(items))
	indegree := make(map[string]int, len(items))
	for _, item := range items {
		byID[item.Element.ID] = item
		indegree[item.Element.ID] = 0
	}
	successors := make(map[string][]string, len(items))
	seen := make(map[Edge]bool, len(edges))
	for _, edge := range edges {
		if _, ok := byID[edge.Before]; !ok {
			continue
		}
		if _, ok := byID[edge.After]; !ok || edge.Before == edge.After || seen[edge] {
			continue
		}
		seen[edge] = true
		successors[edge.Before] = append(successors[edge.Before], edge.After)
		indegree[edge.After]++
	}

	frontier := make([]readiness.Item, 0, len(items))
	for _, item := range items {
		if indegree[item.Element.ID] == 0 {
			frontier = append(frontier, item)
		}
	}
	readiness.SortItems(frontier)

	out := make([]readiness.Item, 0, len(items))
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		out = append(out, next)
		released := false
		for _, id := range successors[next.Element.ID] {
			indegree[id]--
			if indegree[id] == 0 {
				frontier = append(frontier, byID[id])
				released = true
			}
		}
		if released {
			readiness.SortItems(frontier)
		}
	}
	if len(out) < len(items) {
		var rest []readiness.Item
		for _, item := range items {
			if indegree[item.Element.ID] > 0 {
				rest = append(rest, item)
			}
		}
		readiness.SortItems(rest)
		out = append(out, rest...)
	}
	return out
}

// RunnableRequest captures a workflow plus scheduling constraints.
type RunnableRequest struct {
	WorkflowID string
	// BatchSize limits how many tasks are returned at once. Values <= 0 are
	// treated as "no limit" (subject to MaxParallel enforcement).
	BatchSize int
	// MaxParallel caps how many tasks may be in progress at once, counting
	// tasks already in progress. Values <= 0 disable the limit.
	MaxParallel int
	Filter      readiness.Filter
}

// RunnableBatch describes the scheduler's decision.
type RunnableBatch struct {
	Tasks   []readiness.Item      `json:"tasks"`
	Running []string              `json:"running"`
	Skipped map[string]SkipReason `json:"skipped,omitempty"`
}

// SkipReason explains why a task was excluded from the runnable set.
type SkipReason struct {
	Reason SkipReasonCode `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonNotReady    SkipReasonCode = "not-ready"
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonActive      SkipReasonCode = "already-running"
)

// Runnable walks the workflow's ordered tasks and returns the ready, not yet
// started ones that fit within the batch and parallelism limits.
func (s *Scheduler) Runnable(ctx context.Context, req RunnableRequest) (RunnableBatch, error) {
	ordered, err := s.Ordered(ctx, req.WorkflowID, unpaged(req.Filter))
	if err != nil {
		return RunnableBatch{}, err
	}
	result := RunnableBatch{}
	candidates := 0
	for _, item := range ordered {
		switch {
		case item.Element.Status == element.StatusInProgress:
			result.Running = append(result.Running, item.Element.ID)
		case item.Class == readiness.ClassReady:
			candidates++
		}
	}
	maxBatch := req.batchLimit(candidates, len(result.Running))
	for _, item := range ordered {
		id := item.Element.ID
		if item.Class == readiness.ClassExcluded {
			continue
		}
		if item.Element.Status == element.StatusInProgress {
			result.addSkip(id, SkipReason{Reason: SkipReasonActive, Detail: "task already in progress"})
			continue
		}
		if item.Class != readiness.ClassReady {
			result.addSkip(id, SkipReason{Reason: SkipReasonNotReady, Detail: notReadyDetail(item)})
			continue
		}
		if len(result.Tasks) >= maxBatch {
			if req.MaxParallel > 0 && len(result.Running)+len(result.Tasks) >= req.MaxParallel {
				result.addSkip(id, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel)})
			}
			continue
		}
		result.Tasks = append(result.Tasks, item)
	}
	return result, nil
}

func notReadyDetail(item readiness.Item) string {
	if item.BlockReason != "" {
		return item.BlockReason
	}
	return string(item.Class) + " (" + string(item.Element.Status) + ")"
}

func (req RunnableRequest) batchLimit(queueLen int, runningCount int) int {
	limit := req.BatchSize
	if limit <= 0 || limit > queueLen {
		limit = queueLen
	}
	if req.MaxParallel > 0 {
		remaining := req.MaxParallel - runningCount
		if remaining <= 0 {
			return 0
		}
		if limit > remaining {
			limit = remaining
		}
	}
	return limit
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}

func unpaged(f readiness.Filter) readiness.Filter {
	f.Limit = 0
	f.Offset = 0
	return f
}

// SortedIDs returns the ids of items in their current order.
func SortedIDs(items []readiness.Item) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.Element.ID
	}
	return ids
}

// SkippedIDs returns the skipped ids in lexical order.
func (b RunnableBatch) SkippedIDs() []string {
	ids := make([]string, 0, len(b.Skipped))
	for id := range b.Skipped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
