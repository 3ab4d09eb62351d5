package readiness

import (
	"time"

	"github.com/kingrea/stoneforge/internal/element"
)

// Filter narrows readiness queries. Zero values impose no constraint and all
// set fields must match.
type Filter struct {
	Priority       *int
	Assignee       string
	Owner          string
	TaskType       element.TaskType
	Tags           []string
	Status         []element.Status
	DeadlineBefore *time.Time
	DeadlineAfter  *time.Time
	HasDeadline    *bool
	// IncludeEphemeral keeps tasks that are ephemeral or sit under an
	// ephemeral workflow.
	IncludeEphemeral bool

	Limit  int
	Offset int
}

// Matches applies the attribute filters to a task.
func (f Filter) Matches(el element.Element) bool {
	if f.Priority != nil && el.Priority != *f.Priority {
		return false
	}
	if f.Assignee != "" && el.Assignee != f.Assignee {
		return false
	}
	if f.Owner != "" && el.Owner != f.Owner {
		return false
	}
	if f.TaskType != "" && el.TaskType != f.TaskType {
		return false
	}
	for _, tag := range f.Tags {
		if !el.HasTag(tag) {
			return false
		}
	}
	if len(f.Status) > 0 && !hasStatus(f.Status, el.Status) {
		return false
	}
	if f.HasDeadline != nil && (el.Deadline != nil) != *f.HasDeadline {
		return false
	}
	if f.DeadlineBefore != nil && (el.Deadline == nil || !el.Deadline.Before(*f.DeadlineBefore)) {
		return false
	}
	if f.DeadlineAfter != nil && (el.Deadline == nil || !el.Deadline.After(*f.DeadlineAfter)) {
		return false
	}
	return true
}

// Page applies Offset then Limit.
func Page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func hasStatus(statuses []element.Status, s element.Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
