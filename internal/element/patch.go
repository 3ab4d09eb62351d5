package element

import (
	"time"
)

// Patch describes a partial element update. Nil fields are left untouched.
type Patch struct {
	Title    *string
	Status   *Status
	Priority *int
	Assignee *string
	Owner    *string
	TaskType *TaskType
	Tags     *[]string
	Metadata *Metadata

	ScheduledFor      *time.Time
	ClearScheduledFor bool
	Deadline          *time.Time
	ClearDeadline     bool
	Ephemeral         *bool

	// ExpectedUpdatedAt, when set, must equal the stored UpdatedAt or the
	// update fails with ErrConflict.
	ExpectedUpdatedAt *time.Time
}

// StatusPatch is shorthand for a patch that only changes status.
func StatusPatch(status Status) Patch {
	return Patch{Status: &status}
}

// CheckPrecondition returns ErrConflict when the patch carries a stale
// ExpectedUpdatedAt.
func (p Patch) CheckPrecondition(current Element) error {
	if p.ExpectedUpdatedAt == nil {
		return nil
	}
	if !p.ExpectedUpdatedAt.Equal(current.UpdatedAt) {
		return Conflictf("element %s was modified at %s (expected %s)",
			current.ID, current.UpdatedAt.Format(time.RFC3339Nano), p.ExpectedUpdatedAt.Format(time.RFC3339Nano))
	}
	return nil
}

// Apply returns el with the patch applied and UpdatedAt set to now. Closing
// stamps ClosedAt; leaving closed clears it. The result is validated.
func (p Patch) Apply(el Element, now time.Time) (Element, error) {
	if el.IsTombstoned() {
		return Element{}, Constraintf("element %s is deleted", el.ID)
	}
	out := el.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Status != nil && *p.Status != out.Status {
		if *p.Status == StatusTombstone {
			return Element{}, Constraintf("element %s: use delete to tombstone", el.ID)
		}
		out.Status = *p.Status
		if out.Status == StatusClosed {
			closed := now
			out.ClosedAt = &closed
		} else {
			out.ClosedAt = nil
		}
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Assignee != nil {
		out.Assignee = *p.Assignee
	}
	if p.Owner != nil {
		out.Owner = *p.Owner
	}
	if p.TaskType != nil {
		out.TaskType = *p.TaskType
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Metadata != nil {
		out.Metadata = p.Metadata.Clone()
	}
	if p.ClearScheduledFor {
		out.ScheduledFor = nil
	} else if p.ScheduledFor != nil {
		out.ScheduledFor = cloneTime(p.ScheduledFor)
	}
	if p.ClearDeadline {
		out.Deadline = nil
	} else if p.Deadline != nil {
		out.Deadline = cloneTime(p.Deadline)
	}
	if p.Ephemeral != nil {
		out.Ephemeral = *p.Ephemeral
	}
	out.UpdatedAt = now
	if err := out.Validate(); err != nil {
		return Element{}, err
	}
	return out, nil
}

// Tombstone returns el soft-deleted by actor at now.
func Tombstone(el Element, actor string, now time.Time) Element {
	out := el.Clone()
	out.Status = StatusTombstone
	deleted := now
	out.DeletedAt = &deleted
	out.DeletedBy = actor
	out.UpdatedAt = now
	return out
}
