// Package tasks implements the shared task list agents coordinate through.
// Tasks carry a prompt for the assignee and an append-only note trail;
// assigning a task to "new:<provider>/<model>" spawns a fresh delegate.
package tasks

import (
	"fmt"
	"time"

	"github.com/lacehq/lace/pkg/ids"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// ValidTransition reports whether a status change is allowed. Forward
// progress is pending → in_progress → completed; blocked is reachable from
// and back to any state.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusBlocked || to == StatusBlocked {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusCompleted
	case StatusInProgress:
		return to == StatusCompleted || to == StatusPending
	case StatusCompleted:
		return false
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func ValidPriority(p Priority) bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// rank orders priorities for sorting, high first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
)

// Task is one unit of delegated work.
type Task struct {
	ID          string       `json:"id"`
	SessionID   ids.ThreadID `json:"session_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Prompt      string       `json:"prompt"`
	Status      Status       `json:"status"`
	Priority    Priority     `json:"priority"`
	AssignedTo  string       `json:"assigned_to,omitempty"`
	CreatedBy   ids.ThreadID `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Notes       []Note       `json:"notes,omitempty"`
}

// Validate checks field constraints on create.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds %d characters", MaxTitleLen)
	}
	if len(t.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", MaxDescriptionLen)
	}
	if t.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if !ValidStatus(t.Status) {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if !ValidPriority(t.Priority) {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	if t.AssignedTo != "" {
		if _, _, err := ids.ParseAssignee(t.AssignedTo); err != nil {
			return fmt.Errorf("invalid assignee: %w", err)
		}
	}
	return nil
}

// Note is one append-only annotation on a task.
type Note struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id"`
	Author    ids.ThreadID `json:"author"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
}

// FilterKind selects the task_list view.
type FilterKind string

const (
	FilterMine    FilterKind = "mine"    // assigned to the calling thread
	FilterCreated FilterKind = "created" // created by the calling thread
	FilterThread  FilterKind = "thread"  // belonging to the calling session
	FilterAll     FilterKind = "all"     // everything in the session
)

func ValidFilterKind(k FilterKind) bool {
	switch k {
	case FilterMine, FilterCreated, FilterThread, FilterAll:
		return true
	}
	return false
}

// Filter narrows List queries.
type Filter struct {
	Kind             FilterKind
	ThreadID         ids.ThreadID // the caller's thread, for mine/created/thread
	IncludeCompleted bool
}

// UpdateRequest carries the mutable task fields; nil pointers leave the
// current value unchanged.
type UpdateRequest struct {
	Status      *Status
	Priority    *Priority
	AssignTo    *string
	Title       *string
	Description *string
	Prompt      *string
}

// Empty reports whether the request changes nothing.
func (r UpdateRequest) Empty() bool {
	return r.Status == nil && r.Priority == nil && r.AssignTo == nil &&
		r.Title == nil && r.Description == nil && r.Prompt == nil
}
