package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/gate"
	"github.com/kingrea/stoneforge/internal/graph"
	"github.com/kingrea/stoneforge/internal/logging"
	"github.com/kingrea/stoneforge/internal/priority"
	"github.com/kingrea/stoneforge/internal/readiness"
	"github.com/kingrea/stoneforge/internal/resolver"
	"github.com/kingrea/stoneforge/internal/scheduler"
	"github.com/kingrea/stoneforge/internal/store"
)

// Engine is the readiness engine facade.
type Engine struct {
	// mu serializes mutations; reads go straight to the components.
	mu sync.Mutex

	store     store.Store
	cache     *resolver.Cache
	resolver  *resolver.Resolver
	graph     *graph.Accessor
	gates     *gate.Service
	readiness *readiness.Engine
	scheduler *scheduler.Scheduler
	clock     func() time.Time
	log       logging.Printer
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger routes engine logs to log.
func WithLogger(log logging.Printer) Option {
	return func(e *Engine) {
		e.log = logging.OrDiscard(log)
	}
}

// WithCache hands the engine an existing cache instead of a fresh one.
func WithCache(cache *resolver.Cache) Option {
	return func(e *Engine) {
		if cache != nil {
			e.cache = cache
		}
	}
}

// New wires an engine to a store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	e := &Engine{
		store: st,
		clock: time.Now,
		log:   logging.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = resolver.NewCache()
	}
	var err error
	if e.resolver, err = resolver.New(st, e.cache, e.clock, e.log); err != nil {
		return nil, err
	}
	if e.graph, err = graph.New(st, e.resolver, e.clock, e.log); err != nil {
		return nil, err
	}
	if e.gates, err = gate.NewService(st, e.resolver, e.clock, e.log); err != nil {
		return nil, err
	}
	if e.readiness, err = readiness.New(st, e.resolver, e.clock); err != nil {
		return nil, err
	}
	if e.scheduler, err = scheduler.New(st, e.readiness); err != nil {
		return nil, err
	}
	return e, nil
}

// Cache exposes the blocked-state cache the engine maintains.
func (e *Engine) Cache() *resolver.Cache {
	return e.cache
}

// Create stores a new element and computes its blocked state.
func (e *Engine) Create(ctx context.Context, el element.Element) (element.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	created, err := e.store.CreateElement(ctx, el)
	if err != nil {
		return element.Element{}, err
	}
	e.log.Printf("element created: %s (%s)", created.ID, created.Type)
	if err := e.resolver.Invalidate(ctx, created.ID); err != nil {
		return created, fmt.Errorf("engine: create %s: %w", created.ID, err)
	}
	return created, nil
}

// Get returns an element, tombstoned or not.
func (e *Engine) Get(ctx context.Context, id string) (element.Element, error) {
	return e.store.GetElement(ctx, id)
}

// List returns elements matching filter ordered by id.
func (e *Engine) List(ctx context.Context, filter store.ListFilter) ([]element.Element, error) {
	return e.store.ListElements(ctx, filter)
}

// Update applies patch and re-evaluates everything downstream of id. A stale
// ExpectedUpdatedAt returns element.ErrConflict and leaves the cache alone.
func (e *Engine) Update(ctx context.Context, id string, patch element.Patch) (element.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	updated, err := e.store.UpdateElement(ctx, id, patch)
	if err != nil {
		return element.Element{}, err
	}
	e.log.Printf("element updated: %s (%s)", id, updated.Status)
	if err := e.resolver.Invalidate(ctx, id); err != nil {
		return updated, fmt.Errorf("engine: update %s: %w", id, err)
	}
	return updated, nil
}

// UpdateStatus is Update for a status change. expectedUpdatedAt may be nil.
func (e *Engine) UpdateStatus(ctx context.Context, id string, status element.Status, expectedUpdatedAt *time.Time) (element.Element, error) {
	patch := element.StatusPatch(status)
	patch.ExpectedUpdatedAt = expectedUpdatedAt
	return e.Update(ctx, id, patch)
}

// Delete tombstones id. Its dependents stop counting it as a blocker
// immediately.
func (e *Engine) Delete(ctx context.Context, id, actor string) (element.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, err := e.store.GetElement(ctx, id)
	if err != nil {
		return element.Element{}, err
	}
	if strings.TrimSpace(actor) == "" {
		actor = current.CreatedBy
	}
	deleted, err := e.store.DeleteElement(ctx, id, actor)
	if err != nil {
		return element.Element{}, err
	}
	e.log.Printf("element deleted: %s by %s", id, actor)
	if err := e.resolver.Invalidate(ctx, id); err != nil {
		return deleted, fmt.Errorf("engine: delete %s: %w", id, err)
	}
	return deleted, nil
}

// AddDependency inserts an edge; see graph.Accessor.AddDependency.
func (e *Engine) AddDependency(ctx context.Context, req graph.AddRequest) (element.Dependency, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.AddDependency(ctx, req)
}

// RemoveDependency deletes an edge.
func (e *Engine) RemoveDependency(ctx context.Context, blockedID, blockerID string, depType element.DependencyType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.RemoveDependency(ctx, blockedID, blockerID, depType)
}

// Dependencies lists the edges id waits on.
func (e *Engine) Dependencies(ctx context.Context, id string, types ...element.DependencyType) ([]element.Dependency, error) {
	return e.graph.Dependencies(ctx, id, types...)
}

// Dependents lists the edges waiting on id.
func (e *Engine) Dependents(ctx context.Context, id string, types ...element.DependencyType) ([]element.Dependency, error) {
	return e.graph.Dependents(ctx, id, types...)
}

// DependencyTree walks dependencies (or dependents when reversed) from id.
func (e *Engine) DependencyTree(ctx context.Context, id string, opts graph.TreeOptions) ([]graph.TreeNode, error) {
	return e.graph.Tree(ctx, id, opts)
}

// SatisfyGate marks the AWAITS gate on blockedID -> blockerID satisfied. It
// returns false when no such edge exists.
func (e *Engine) SatisfyGate(ctx context.Context, blockedID, blockerID, actor string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gates.Satisfy(ctx, blockedID, blockerID, actor)
}

// RecordApproval adds approver to an approval gate.
func (e *Engine) RecordApproval(ctx context.Context, blockedID, blockerID, approver string) (gate.ApprovalResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gates.RecordApproval(ctx, blockedID, blockerID, approver)
}

// RemoveApproval withdraws approver from an approval gate.
func (e *Engine) RemoveApproval(ctx context.Context, blockedID, blockerID, approver string) (gate.ApprovalResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gates.RemoveApproval(ctx, blockedID, blockerID, approver)
}

// RebuildBlockedCache recomputes every live element from scratch.
func (e *Engine) RebuildBlockedCache(ctx context.Context) (resolver.RebuildResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolver.Rebuild(ctx)
}

// BlockedState returns the cached blocked state of id.
func (e *Engine) BlockedState(ctx context.Context, id string) (resolver.Entry, error) {
	return e.resolver.State(ctx, id)
}

// EffectivePriority returns the base and effective priority of task id.
func (e *Engine) EffectivePriority(ctx context.Context, id string) (priority.Result, error) {
	return priority.New(e.store).Effective(ctx, id)
}

// Classify reports the readiness class of element id. Elements other than
// live, non-closed tasks are ClassExcluded.
func (e *Engine) Classify(ctx context.Context, id string, includeEphemeral bool) (readiness.Item, error) {
	el, err := e.store.GetElement(ctx, id)
	if err != nil {
		return readiness.Item{}, err
	}
	return e.readiness.Classify(ctx, el, includeEphemeral)
}

// Ready returns actionable tasks.
func (e *Engine) Ready(ctx context.Context, f readiness.Filter) ([]readiness.Item, error) {
	return e.readiness.Ready(ctx, f)
}

// Blocked returns blocked tasks with their blocker and reason.
func (e *Engine) Blocked(ctx context.Context, f readiness.Filter) ([]readiness.Item, error) {
	return e.readiness.Blocked(ctx, f)
}

// Backlog returns tasks that are neither ready nor blocked.
func (e *Engine) Backlog(ctx context.Context, f readiness.Filter) ([]readiness.Item, error) {
	return e.readiness.Backlog(ctx, f)
}

// TasksInWorkflow returns the workflow's tasks in every class.
func (e *Engine) TasksInWorkflow(ctx context.Context, workflowID string, f readiness.Filter) ([]readiness.Item, error) {
	return e.readiness.TasksInWorkflow(ctx, workflowID, f)
}

// ReadyTasksInWorkflow returns the workflow's ready tasks.
func (e *Engine) ReadyTasksInWorkflow(ctx context.Context, workflowID string, f readiness.Filter) ([]readiness.Item, error) {
	return e.readiness.ReadyTasksInWorkflow(ctx, workflowID, f)
}

// OrderedTasksInWorkflow returns the workflow's tasks with every blocker
// ahead of what it blocks.
func (e *Engine) OrderedTasksInWorkflow(ctx context.Context, workflowID string, f readiness.Filter) ([]readiness.Item, error) {
	return e.scheduler.Ordered(ctx, workflowID, f)
}

// WorkflowProgress summarizes a workflow's tasks.
func (e *Engine) WorkflowProgress(ctx context.Context, workflowID string) (readiness.Progress, error) {
	return e.readiness.WorkflowProgress(ctx, workflowID)
}

// RunnableTasksInWorkflow picks the next batch of tasks to start.
func (e *Engine) RunnableTasksInWorkflow(ctx context.Context, req scheduler.RunnableRequest) (scheduler.RunnableBatch, error) {
	return e.scheduler.Runnable(ctx, req)
}

// Refresh re-evaluates entries whose timer gates have elapsed.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.resolver.Refresh(ctx)
}
