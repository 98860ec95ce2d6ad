package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/logger"
	"github.com/lacehq/lace/pkg/storage"
)

// SpawnFunc is invoked when a task is created or reassigned with a
// "new:<provider>/<model>" assignee. The session layer registers it to
// spawn a delegate and deliver the task prompt.
type SpawnFunc func(ctx context.Context, spec ids.NewAgentSpec, task *Task) (ids.ThreadID, error)

// Store persists tasks and notes.
type Store struct {
	db     *storage.DB
	logger *slog.Logger

	mu      sync.RWMutex
	onSpawn SpawnFunc

	notifyMu    sync.RWMutex
	subscribers []chan *Task
}

func NewStore(db *storage.DB) *Store {
	return &Store{
		db:     db,
		logger: logger.Component("tasks"),
	}
}

// OnSpawn registers the delegate-spawning callback.
func (s *Store) OnSpawn(fn SpawnFunc) {
	s.mu.Lock()
	s.onSpawn = fn
	s.mu.Unlock()
}

// Subscribe returns a channel receiving each created or updated task.
// Best-effort: full subscribers miss updates.
func (s *Store) Subscribe() <-chan *Task {
	ch := make(chan *Task, 64)
	s.notifyMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.notifyMu.Unlock()
	return ch
}

func (s *Store) publish(t *Task) {
	s.notifyMu.RLock()
	defer s.notifyMu.RUnlock()
	for _, sub := range s.subscribers {
		select {
		case sub <- t:
		default:
		}
	}
}

// CreateTask validates and persists a new task. Defaults: status pending,
// priority medium. A "new:" assignee triggers the spawn callback after the
// write; the spawned thread ID replaces the assignee.
func (s *Store) CreateTask(ctx context.Context, task *Task) (*Task, error) {
	if task.ID == "" {
		task.ID = ids.NewTaskID()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if task.SessionID == "" {
		task.SessionID = task.CreatedBy.Root()
	}
	if err := task.Validate(); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindValidation, "invalid task", err)
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	query := s.db.Rebind(`INSERT INTO tasks
		(id, session_id, title, prompt, description, status, priority, assigned_to, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	err := s.db.WithBusyRetry(ctx, func() error {
		_, execErr := s.db.Handle().ExecContext(ctx, query,
			task.ID, string(task.SessionID), task.Title, task.Prompt, task.Description,
			string(task.Status), string(task.Priority), task.AssignedTo, string(task.CreatedBy),
			task.CreatedAt, task.UpdatedAt)
		return execErr
	})
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to create task", err)
	}

	if err := s.maybeSpawn(ctx, task); err != nil {
		// The task exists; surface the spawn failure without undoing it.
		s.logger.Warn("delegate spawn failed for task", "task_id", task.ID, "error", err)
	}

	s.logger.Debug("task created", "task_id", task.ID, "title", task.Title)
	s.publish(task)
	return task, nil
}

// maybeSpawn resolves a "new:" assignee into a spawned delegate thread.
func (s *Store) maybeSpawn(ctx context.Context, task *Task) error {
	if task.AssignedTo == "" {
		return nil
	}
	_, spec, err := ids.ParseAssignee(task.AssignedTo)
	if err != nil || spec == nil {
		return err
	}

	s.mu.RLock()
	spawn := s.onSpawn
	s.mu.RUnlock()
	if spawn == nil {
		return lacerrors.New(lacerrors.KindConfigurationMissing, "no spawn handler registered for new-agent assignee")
	}

	threadID, err := spawn(ctx, *spec, task)
	if err != nil {
		return err
	}

	assignee := string(threadID)
	query := s.db.Rebind(`UPDATE tasks SET assigned_to = ?, updated_at = ? WHERE id = ?`)
	err = s.db.WithBusyRetry(ctx, func() error {
		_, execErr := s.db.Handle().ExecContext(ctx, query, assignee, time.Now().UTC(), task.ID)
		return execErr
	})
	if err != nil {
		return lacerrors.Wrap(lacerrors.KindStorage, "failed to record spawned assignee", err)
	}
	task.AssignedTo = assignee
	return nil
}

// GetTask loads a task with its notes in creation order.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	query := s.db.Rebind(`SELECT id, session_id, title, prompt, description, status, priority, assigned_to, created_by, created_at, updated_at
		FROM tasks WHERE id = ?`)
	task, err := s.scanTask(s.db.Handle().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, lacerrors.New(lacerrors.KindValidation, fmt.Sprintf("task %s not found", id))
	}
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to load task", err)
	}

	notes, err := s.listNotes(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Notes = notes
	return task, nil
}

// List returns tasks matching the filter, sorted by priority (high first)
// then recency (newer first).
func (s *Store) List(ctx context.Context, filter Filter) ([]*Task, error) {
	if !ValidFilterKind(filter.Kind) {
		return nil, lacerrors.New(lacerrors.KindValidation, fmt.Sprintf("invalid filter %q", filter.Kind))
	}

	query := `SELECT id, session_id, title, prompt, description, status, priority, assigned_to, created_by, created_at, updated_at FROM tasks`
	var where []string
	var args []any
	switch filter.Kind {
	case FilterMine:
		where = append(where, "assigned_to = ?")
		args = append(args, string(filter.ThreadID))
	case FilterCreated:
		where = append(where, "created_by = ?")
		args = append(args, string(filter.ThreadID))
	case FilterThread:
		where = append(where, "session_id = ?")
		args = append(args, string(filter.ThreadID.Root()))
	case FilterAll:
		// no scoping
	}
	if !filter.IncludeCompleted {
		where = append(where, "status != ?")
		args = append(args, string(StatusCompleted))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}

	rows, err := s.db.Handle().QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to list tasks", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to iterate tasks", err)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority.rank() != tasks[j].Priority.rank() {
			return tasks[i].Priority.rank() < tasks[j].Priority.rank()
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// UpdateTask applies the non-nil fields of req, bumps updatedAt, and
// enforces the status transition rules. Reassignment to "new:" spawns a
// delegate like CreateTask does.
func (s *Store) UpdateTask(ctx context.Context, id string, req UpdateRequest) (*Task, error) {
	if req.Empty() {
		return nil, lacerrors.New(lacerrors.KindValidation, "at least one field to update is required")
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status != nil {
		if !ValidStatus(*req.Status) {
			return nil, lacerrors.New(lacerrors.KindValidation, fmt.Sprintf("invalid status %q", *req.Status))
		}
		if !ValidTransition(task.Status, *req.Status) {
			return nil, lacerrors.New(lacerrors.KindValidation,
				fmt.Sprintf("invalid status transition %s -> %s", task.Status, *req.Status))
		}
		task.Status = *req.Status
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Prompt != nil {
		task.Prompt = *req.Prompt
	}
	if req.AssignTo != nil {
		task.AssignedTo = *req.AssignTo
	}
	if err := task.Validate(); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindValidation, "invalid task update", err)
	}
	task.UpdatedAt = time.Now().UTC()

	query := s.db.Rebind(`UPDATE tasks SET title = ?, prompt = ?, description = ?, status = ?, priority = ?, assigned_to = ?, updated_at = ?
		WHERE id = ?`)
	err = s.db.WithBusyRetry(ctx, func() error {
		_, execErr := s.db.Handle().ExecContext(ctx, query,
			task.Title, task.Prompt, task.Description, string(task.Status), string(task.Priority),
			task.AssignedTo, task.UpdatedAt, task.ID)
		return execErr
	})
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to update task", err)
	}

	if req.AssignTo != nil {
		if err := s.maybeSpawn(ctx, task); err != nil {
			s.logger.Warn("delegate spawn failed for task", "task_id", task.ID, "error", err)
		}
	}

	s.publish(task)
	return task, nil
}

// AddNote appends a note to the task's trail.
func (s *Store) AddNote(ctx context.Context, taskID string, author ids.ThreadID, content string) (*Note, error) {
	if content == "" {
		return nil, lacerrors.New(lacerrors.KindValidation, "note content is required")
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	note := &Note{
		ID:        ids.NewNoteID(),
		TaskID:    taskID,
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	query := s.db.Rebind(`INSERT INTO task_notes (id, task_id, author, content, created_at) VALUES (?, ?, ?, ?, ?)`)
	err := s.db.WithBusyRetry(ctx, func() error {
		_, execErr := s.db.Handle().ExecContext(ctx, query,
			note.ID, note.TaskID, string(note.Author), note.Content, note.CreatedAt)
		return execErr
	})
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to add note", err)
	}
	return note, nil
}

// DeleteForSession removes all tasks and notes belonging to a session.
// Called from session deletion, which cascades over its threads.
func (s *Store) DeleteForSession(ctx context.Context, sessionID ids.ThreadID) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.db.Rebind(`DELETE FROM task_notes WHERE task_id IN (SELECT id FROM tasks WHERE session_id = ?)`),
			string(sessionID)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM tasks WHERE session_id = ?`), string(sessionID))
		return err
	})
}

func (s *Store) listNotes(ctx context.Context, taskID string) ([]Note, error) {
	query := s.db.Rebind(`SELECT id, task_id, author, content, created_at FROM task_notes
		WHERE task_id = ? ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.Handle().QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to list notes", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var author string
		if err := rows.Scan(&n.ID, &n.TaskID, &author, &n.Content, &n.CreatedAt); err != nil {
			return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to scan note", err)
		}
		n.Author = ids.ThreadID(author)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTask(row rowScanner) (*Task, error) {
	var t Task
	var sessionID, createdBy string
	var description, assignedTo sql.NullString
	var status, priority string
	err := row.Scan(&t.ID, &sessionID, &t.Title, &t.Prompt, &description,
		&status, &priority, &assignedTo, &createdBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.SessionID = ids.ThreadID(sessionID)
	t.CreatedBy = ids.ThreadID(createdBy)
	t.Description = description.String
	t.AssignedTo = assignedTo.String
	t.Status = Status(status)
	t.Priority = Priority(priority)
	return &t, nil
}
