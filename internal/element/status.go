package element

// Status is a type-specific lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusBacklog    Status = "backlog"
	StatusDeferred   Status = "deferred"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusTombstone  Status = "tombstone"

	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var statusesByType = map[Type][]Status{
	TypeTask: {
		StatusOpen, StatusInProgress, StatusReview, StatusBacklog,
		StatusDeferred, StatusBlocked, StatusClosed, StatusTombstone,
	},
	TypePlan: {
		StatusDraft, StatusActive, StatusCompleted, StatusCancelled, StatusTombstone,
	},
	TypeWorkflow: {
		StatusDraft, StatusPending, StatusRunning, StatusCompleted,
		StatusFailed, StatusCancelled, StatusTombstone,
	},
}

// IsTerminal reports whether the status marks finished work.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusCompleted, StatusCancelled, StatusTombstone:
		return true
	}
	return false
}

// DefaultStatus is the status assigned to a new element of type t.
func DefaultStatus(t Type) Status {
	switch t {
	case TypeTask:
		return StatusOpen
	case TypePlan:
		return StatusDraft
	case TypeWorkflow:
		return StatusPending
	}
	return ""
}

// ValidStatus reports whether s is allowed for elements of type t. Types
// without a lifecycle accept only the empty status and tombstone.
func ValidStatus(t Type, s Status) bool {
	allowed, ok := statusesByType[t]
	if !ok {
		return s == "" || s == StatusTombstone
	}
	for _, candidate := range allowed {
		if candidate == s {
			return true
		}
	}
	return false
}

// Statuses lists the statuses valid for t.
func Statuses(t Type) []Status {
	allowed, ok := statusesByType[t]
	if !ok {
		return []Status{"", StatusTombstone}
	}
	return append([]Status(nil), allowed...)
}
