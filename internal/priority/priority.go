// Package priority folds downstream urgency into a task's effective priority.
//
// A task that blocks, directly or transitively, something more urgent than
// itself borrows that urgency: effective(t) = min(base(t), effective(u)) over
// every u that t BLOCKS. Lower numbers are more urgent.
package priority

import (
	"context"
	"fmt"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/store"
)

// Result is a task's base and effective priority.
type Result struct {
	ID        string `json:"id"`
	Base      int    `json:"base"`
	Effective int    `json:"effective"`
	// Source is the downstream task that lowered Effective, empty when the
	// task keeps its own priority.
	Source string `json:"source,omitempty"`
}

// Calculator computes effective priorities from the BLOCKS graph. A
// Calculator memoizes across calls, so build one per query.
type Calculator struct {
	store store.Reader
	memo  map[string]best
	// onPath guards the walk; the BLOCKS subgraph is acyclic, so this only
	// trips on corrupted data.
	onPath map[string]bool
}

type best struct {
	value  int
	source string
}

// New returns a calculator reading from st.
func New(st store.Reader) *Calculator {
	return &Calculator{store: st, memo: map[string]best{}, onPath: map[string]bool{}}
}

// For returns the effective priority of the task el.
func (c *Calculator) For(ctx context.Context, el element.Element) (Result, error) {
	if el.Type != element.TypeTask {
		return Result{}, element.Constraintf("priority: %s is a %s, not a task", el.ID, el.Type)
	}
	b, err := c.walk(ctx, el)
	if err != nil {
		return Result{}, fmt.Errorf("priority: %s: %w", el.ID, err)
	}
	result := Result{ID: el.ID, Base: el.Priority, Effective: el.Priority}
	if b.value != 0 && b.value < el.Priority {
		result.Effective = b.value
		result.Source = b.source
	}
	return result, nil
}

// Effective looks up id and returns its effective priority.
func (c *Calculator) Effective(ctx context.Context, id string) (Result, error) {
	el, err := c.store.GetElement(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return c.For(ctx, el)
}

// walk returns the most urgent priority among el (when it is a task) and
// everything it transitively blocks. A zero value means nothing contributes.
func (c *Calculator) walk(ctx context.Context, el element.Element) (best, error) {
	if b, ok := c.memo[el.ID]; ok {
		return b, nil
	}
	if c.onPath[el.ID] {
		return best{}, nil
	}
	c.onPath[el.ID] = true
	defer delete(c.onPath, el.ID)

	var current best
	if el.Type == element.TypeTask && el.Priority > 0 {
		current = best{value: el.Priority, source: el.ID}
	}
	dependents, err := c.store.DependentsOf(ctx, el.ID, element.DepBlocks)
	if err != nil {
		return best{}, err
	}
	for _, dep := range dependents {
		next, err := c.store.GetElement(ctx, dep.BlockedID)
		if err != nil {
			if element.IsNotFound(err) {
				continue
			}
			return best{}, err
		}
		if next.IsTombstoned() {
			continue
		}
		downstream, err := c.walk(ctx, next)
		if err != nil {
			return best{}, err
		}
		if downstream.value != 0 && (current.value == 0 || downstream.value < current.value) {
			current = downstream
		}
	}
	c.memo[el.ID] = current
	return current, nil
}
