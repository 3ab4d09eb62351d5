// Package element defines the work graph's data model: typed elements, typed
// dependencies between them, and the error taxonomy shared by every layer that
// reads or mutates the graph.
package element

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kinds of addressable work items.
type Type string

const (
	TypeTask     Type = "task"
	TypePlan     Type = "plan"
	TypeWorkflow Type = "workflow"
	TypeDocument Type = "document"
	TypeMessage  Type = "message"
	TypeEntity   Type = "entity"
	TypeTeam     Type = "team"
	TypeChannel  Type = "channel"
	TypeLibrary  Type = "library"
	TypePlaybook Type = "playbook"
)

// Valid reports whether t is a known element type.
func (t Type) Valid() bool {
	switch t {
	case TypeTask, TypePlan, TypeWorkflow, TypeDocument, TypeMessage,
		TypeEntity, TypeTeam, TypeChannel, TypeLibrary, TypePlaybook:
		return true
	}
	return false
}

// IsContainer reports whether elements of this type activate their children
// (plans and workflows).
func (t Type) IsContainer() bool {
	return t == TypePlan || t == TypeWorkflow
}

// TaskType classifies tasks.
type TaskType string

const (
	TaskTypeBug     TaskType = "bug"
	TaskTypeFeature TaskType = "feature"
	TaskTypeTask    TaskType = "task"
	TaskTypeChore   TaskType = "chore"
)

const (
	// DefaultPriority is assigned to tasks created without a priority.
	DefaultPriority = 3
	MinPriority     = 1
	MaxPriority     = 5
)

// Metadata holds free-form, JSON-compatible attributes.
type Metadata map[string]any

// Clone returns a shallow copy of the map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Element is any addressable work item. Task-only attributes are zero for
// other types.
type Element struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title,omitempty"`
	Status    Status    `json:"status,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Tags      []string  `json:"tags,omitempty"`
	Metadata  Metadata  `json:"metadata,omitempty"`

	Priority     int        `json:"priority,omitempty"`
	Assignee     string     `json:"assignee,omitempty"`
	Owner        string     `json:"owner,omitempty"`
	TaskType     TaskType   `json:"taskType,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Ephemeral    bool       `json:"ephemeral,omitempty"`

	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	DeletedBy string     `json:"deletedBy,omitempty"`
}

// IsTombstoned reports whether the element has been soft-deleted.
func (e Element) IsTombstoned() bool {
	return e.Status == StatusTombstone || e.DeletedAt != nil
}

// IsTerminal reports whether the element reached a status that no longer
// holds up the work it blocks.
func (e Element) IsTerminal() bool {
	return e.IsTombstoned() || e.Status.IsTerminal()
}

// HasTag reports whether the element carries tag (case-insensitive).
func (e Element) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the element.
func (e Element) Clone() Element {
	out := e
	if len(e.Tags) > 0 {
		out.Tags = append([]string(nil), e.Tags...)
	}
	out.Metadata = e.Metadata.Clone()
	out.ScheduledFor = cloneTime(e.ScheduledFor)
	out.Deadline = cloneTime(e.Deadline)
	out.ClosedAt = cloneTime(e.ClosedAt)
	out.DeletedAt = cloneTime(e.DeletedAt)
	return out
}

// Normalize fills creation defaults: an id, the type's default status and,
// for tasks, the default priority and task type.
func (e *Element) Normalize() {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Status == "" {
		e.Status = DefaultStatus(e.Type)
	}
	if e.Type == TypeTask {
		if e.Priority == 0 {
			e.Priority = DefaultPriority
		}
		if e.TaskType == "" {
			e.TaskType = TaskTypeTask
		}
	}
}

// Validate checks the element's type, status and task attributes.
func (e Element) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return Constraintf("element id is required")
	}
	if !e.Type.Valid() {
		return Constraintf("element %s: unknown type %q", e.ID, e.Type)
	}
	if !ValidStatus(e.Type, e.Status) {
		return Constraintf("element %s: status %q is not valid for %s", e.ID, e.Status, e.Type)
	}
	if e.Type == TypeTask && (e.Priority < MinPriority || e.Priority > MaxPriority) {
		return Constraintf("task %s: priority %d out of range %d..%d", e.ID, e.Priority, MinPriority, MaxPriority)
	}
	if e.Ephemeral && e.Type != TypeTask && e.Type != TypeWorkflow {
		return Constraintf("element %s: only tasks and workflows can be ephemeral", e.ID)
	}
	return nil
}

// NewID generates a short element identifier.
func NewID() string {
	return "el-" + uuid.New().String()[:8]
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
