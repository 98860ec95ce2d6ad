package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lacehq/lace/pkg/tasks"
)

// Task management tools. All are SafeInternal: they mutate only runtime
// state, never the user's machine, so they bypass approval.

const (
	taskAddMin = 1
	taskAddMax = 20
)

// RegisterTaskTools adds the task tool surface to an executor.
func RegisterTaskTools(e *Executor, store *tasks.Store) error {
	for _, t := range []Tool{
		&TaskAddTool{store: store},
		&TaskListTool{store: store},
		&TaskCompleteTool{store: store},
		&TaskUpdateTool{store: store},
		&TaskAddNoteTool{store: store},
		&TaskViewTool{store: store},
	} {
		if err := e.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func formatTask(t *tasks.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s/%s] %s", t.ID, t.Status, t.Priority, t.Title)
	if t.AssignedTo != "" {
		fmt.Fprintf(&b, " (assigned: %s)", t.AssignedTo)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// task_add
// ---------------------------------------------------------------------------

type taskSpec struct {
	Title       string `json:"title" jsonschema:"required,description=Task title (max 200 chars)"`
	Description string `json:"description,omitempty" jsonschema:"description=Optional details (max 1000 chars)"`
	Prompt      string `json:"prompt" jsonschema:"required,description=Instructions for whoever picks up the task"`
	Priority    string `json:"priority,omitempty" jsonschema:"enum=high,enum=medium,enum=low"`
	AssignedTo  string `json:"assignedTo,omitempty" jsonschema:"description=Thread id or new:<provider>/<model>"`
}

type taskAddArgs struct {
	Tasks []taskSpec `json:"tasks" jsonschema:"required,description=Tasks to create (1-20)"`
}

type TaskAddTool struct {
	store *tasks.Store
}

func (t *TaskAddTool) Name() string { return "task_add" }
func (t *TaskAddTool) Description() string {
	return "Create one or more tasks for this session's task list."
}
func (t *TaskAddTool) Schema() json.RawMessage  { return SchemaFor(&taskAddArgs{}) }
func (t *TaskAddTool) Annotations() Annotations { return Annotations{SafeInternal: true} }

func (t *TaskAddTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a taskAddArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if len(a.Tasks) < taskAddMin {
		return ErrorResult(fmt.Sprintf("must provide at least %d task", taskAddMin)), nil
	}
	if len(a.Tasks) > taskAddMax {
		return ErrorResult(fmt.Sprintf("cannot create more than %d tasks at once", taskAddMax)), nil
	}

	var created []string
	for i, spec := range a.Tasks {
		task := &tasks.Task{
			Title:       spec.Title,
			Description: spec.Description,
			Prompt:      spec.Prompt,
			Priority:    tasks.Priority(spec.Priority),
			AssignedTo:  spec.AssignedTo,
			CreatedBy:   tc.ThreadID,
		}
		if task.Priority == "" {
			task.Priority = tasks.PriorityMedium
		}
		saved, err := t.store.CreateTask(ctx, task)
		if err != nil {
			return ErrorResult(fmt.Sprintf("task %d: %v", i+1, err)), nil
		}
		created = append(created, saved.ID)
	}

	if len(created) == 1 {
		return TextResult(fmt.Sprintf("Created task %s", created[0])), nil
	}
	return TextResult(fmt.Sprintf("Created %d tasks: %s", len(created), strings.Join(created, ", "))), nil
}

// ---------------------------------------------------------------------------
// task_list
// ---------------------------------------------------------------------------

type taskListArgs struct {
	Filter           string `json:"filter" jsonschema:"required,enum=mine,enum=created,enum=thread,enum=all"`
	IncludeCompleted bool   `json:"includeCompleted,omitempty"`
}

type TaskListTool struct {
	store *tasks.Store
}

func (t *TaskListTool) Name() string            { return "task_list" }
func (t *TaskListTool) Description() string     { return "List tasks by filter." }
func (t *TaskListTool) Schema() json.RawMessage { return SchemaFor(&taskListArgs{}) }
func (t *TaskListTool) Annotations() Annotations {
	return Annotations{SafeInternal: true, ReadOnlyHint: true}
}

func (t *TaskListTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a taskListArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	list, err := t.store.List(ctx, tasks.Filter{
		Kind:             tasks.FilterKind(a.Filter),
		ThreadID:         tc.ThreadID,
		IncludeCompleted: a.IncludeCompleted,
	})
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if len(list) == 0 {
		return TextResult("No tasks found."), nil
	}
	lines := make([]string, 0, len(list))
	for _, task := range list {
		lines = append(lines, formatTask(task))
	}
	return TextResult(strings.Join(lines, "\n")), nil
}

// ---------------------------------------------------------------------------
// task_complete
// ---------------------------------------------------------------------------

type taskCompleteArgs struct {
	ID      string `json:"id" jsonschema:"required,description=Task id"`
	Message string `json:"message" jsonschema:"required,description=Completion summary, recorded as a note"`
}

type TaskCompleteTool struct {
	store *tasks.Store
}

func (t *TaskCompleteTool) Name() string             { return "task_complete" }
func (t *TaskCompleteTool) Description() string      { return "Mark a task completed with a summary note." }
func (t *TaskCompleteTool) Schema() json.RawMessage  { return SchemaFor(&taskCompleteArgs{}) }
func (t *TaskCompleteTool) Annotations() Annotations { return Annotations{SafeInternal: true} }

func (t *TaskCompleteTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a taskCompleteArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if _, err := t.store.AddNote(ctx, a.ID, tc.ThreadID, a.Message); err != nil {
		return ErrorResult(err.Error()), nil
	}
	status := tasks.StatusCompleted
	if _, err := t.store.UpdateTask(ctx, a.ID, tasks.UpdateRequest{Status: &status}); err != nil {
		return ErrorResult(err.Error()), nil
	}
	return TextResult(fmt.Sprintf("Task %s completed", a.ID)), nil
}

// ---------------------------------------------------------------------------
// task_update
// ---------------------------------------------------------------------------

type taskUpdateArgs struct {
	TaskID      string `json:"taskId" jsonschema:"required"`
	Status      string `json:"status,omitempty" jsonschema:"enum=pending,enum=in_progress,enum=completed,enum=blocked"`
	AssignTo    string `json:"assignTo,omitempty"`
	Priority    string `json:"priority,omitempty" jsonschema:"enum=high,enum=medium,enum=low"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

type TaskUpdateTool struct {
	store *tasks.Store
}

func (t *TaskUpdateTool) Name() string             { return "task_update" }
func (t *TaskUpdateTool) Description() string      { return "Update fields of an existing task." }
func (t *TaskUpdateTool) Schema() json.RawMessage  { return SchemaFor(&taskUpdateArgs{}) }
func (t *TaskUpdateTool) Annotations() Annotations { return Annotations{SafeInternal: true} }

func (t *TaskUpdateTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a taskUpdateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}

	var req tasks.UpdateRequest
	if a.Status != "" {
		s := tasks.Status(a.Status)
		req.Status = &s
	}
	if a.Priority != "" {
		p := tasks.Priority(a.Priority)
		req.Priority = &p
	}
	if a.AssignTo != "" {
		req.AssignTo = &a.AssignTo
	}
	if a.Title != "" {
		req.Title = &a.Title
	}
	if a.Description != "" {
		req.Description = &a.Description
	}
	if a.Prompt != "" {
		req.Prompt = &a.Prompt
	}
	if req.Empty() {
		return ErrorResult("at least one field to update is required"), nil
	}

	task, err := t.store.UpdateTask(ctx, a.TaskID, req)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	return TextResult("Updated " + formatTask(task)), nil
}

// ---------------------------------------------------------------------------
// task_add_note
// ---------------------------------------------------------------------------

type taskAddNoteArgs struct {
	TaskID string `json:"taskId" jsonschema:"required"`
	Note   string `json:"note" jsonschema:"required"`
}

type TaskAddNoteTool struct {
	store *tasks.Store
}

func (t *TaskAddNoteTool) Name() string             { return "task_add_note" }
func (t *TaskAddNoteTool) Description() string      { return "Append a note to a task." }
func (t *TaskAddNoteTool) Schema() json.RawMessage  { return SchemaFor(&taskAddNoteArgs{}) }
func (t *TaskAddNoteTool) Annotations() Annotations { return Annotations{SafeInternal: true} }

func (t *TaskAddNoteTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a taskAddNoteArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if _, err := t.store.AddNote(ctx, a.TaskID, tc.ThreadID, a.Note); err != nil {
		return ErrorResult(err.Error()), nil
	}
	return TextResult(fmt.Sprintf("Note added to %s", a.TaskID)), nil
}

// ---------------------------------------------------------------------------
// task_view
// ---------------------------------------------------------------------------

type taskViewArgs struct {
	TaskID string `json:"taskId" jsonschema:"required"`
}

type TaskViewTool struct {
	store *tasks.Store
}

func (t *TaskViewTool) Name() string            { return "task_view" }
func (t *TaskViewTool) Description() string     { return "Show a task with its notes." }
func (t *TaskViewTool) Schema() json.RawMessage { return SchemaFor(&taskViewArgs{}) }
func (t *TaskViewTool) Annotations() Annotations {
	return Annotations{SafeInternal: true, ReadOnlyHint: true}
}

func (t *TaskViewTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*Result, error) {
	var a taskViewArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	task, err := t.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	var b strings.Builder
	b.WriteString(formatTask(task))
	b.WriteString("\n")
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "Prompt: %s\n", task.Prompt)
	fmt.Fprintf(&b, "Created by %s at %s\n", task.CreatedBy, task.CreatedAt.Format("2006-01-02 15:04:05"))
	for _, note := range task.Notes {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", note.CreatedAt.Format("15:04:05"), note.Author, note.Content)
	}
	return TextResult(strings.TrimRight(b.String(), "\n")), nil
}
