package tasks

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(storage.Config{
		Driver: storage.DialectSQLite,
		Path:   filepath.Join(t.TempDir(), "test.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestCreateTaskDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	creator := ids.NewSessionID().Child(1)

	created, err := store.CreateTask(ctx, &Task{
		Title:     "Review the parser",
		Prompt:    "Look at the tokenizer edge cases.",
		CreatedBy: creator,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.ID, "task_"))
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, PriorityMedium, created.Priority)
	assert.Equal(t, creator.Root(), created.SessionID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Review the parser", got.Title)
	assert.Empty(t, got.Notes)
}

func TestCreateTaskValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	creator := ids.NewSessionID()

	tests := []struct {
		name string
		task Task
	}{
		{"missing title", Task{Prompt: "p", CreatedBy: creator}},
		{"missing prompt", Task{Title: "t", CreatedBy: creator}},
		{"title too long", Task{Title: strings.Repeat("x", MaxTitleLen+1), Prompt: "p", CreatedBy: creator}},
		{"description too long", Task{Title: "t", Prompt: "p", Description: strings.Repeat("x", MaxDescriptionLen+1), CreatedBy: creator}},
		{"bad assignee", Task{Title: "t", Prompt: "p", AssignedTo: "new:broken", CreatedBy: creator}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CreateTask(ctx, &tt.task)
			require.Error(t, err)
		})
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCompleted, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusPending, true},
		{StatusPending, StatusBlocked, true},
		{StatusBlocked, StatusInProgress, true},
		{StatusCompleted, StatusBlocked, true},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestUpdateTaskTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	creator := ids.NewSessionID()

	task, err := store.CreateTask(ctx, &Task{Title: "t", Prompt: "p", CreatedBy: creator})
	require.NoError(t, err)

	inProgress := StatusInProgress
	updated, err := store.UpdateTask(ctx, task.ID, UpdateRequest{Status: &inProgress})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, updated.Status)

	completed := StatusCompleted
	_, err = store.UpdateTask(ctx, task.ID, UpdateRequest{Status: &completed})
	require.NoError(t, err)

	// Completed is terminal except through blocked.
	pending := StatusPending
	_, err = store.UpdateTask(ctx, task.ID, UpdateRequest{Status: &pending})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transition")

	blocked := StatusBlocked
	_, err = store.UpdateTask(ctx, task.ID, UpdateRequest{Status: &blocked})
	require.NoError(t, err)
	_, err = store.UpdateTask(ctx, task.ID, UpdateRequest{Status: &pending})
	require.NoError(t, err)
}

func TestUpdateTaskRejectsEmptyRequest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task, err := store.CreateTask(ctx, &Task{Title: "t", Prompt: "p", CreatedBy: ids.NewSessionID()})
	require.NoError(t, err)

	_, err = store.UpdateTask(ctx, task.ID, UpdateRequest{})
	require.Error(t, err)
}

func TestListFiltersAndSorting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID := ids.NewSessionID()
	coordinator := sessionID
	delegate := sessionID.Child(1)

	mk := func(title string, priority Priority, createdBy ids.ThreadID, assignedTo string) *Task {
		task, err := store.CreateTask(ctx, &Task{
			Title:      title,
			Prompt:     "p",
			Priority:   priority,
			CreatedBy:  createdBy,
			AssignedTo: assignedTo,
		})
		require.NoError(t, err)
		// Distinct timestamps so the recency tiebreaker is deterministic.
		time.Sleep(5 * time.Millisecond)
		return task
	}

	mk("low", PriorityLow, coordinator, "")
	mk("mine", PriorityMedium, coordinator, string(delegate))
	high := mk("high", PriorityHigh, delegate, "")

	all, err := store.List(ctx, Filter{Kind: FilterAll})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "high", all[0].Title)
	assert.Equal(t, "mine", all[1].Title)
	assert.Equal(t, "low", all[2].Title)

	mine, err := store.List(ctx, Filter{Kind: FilterMine, ThreadID: delegate})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "mine", mine[0].Title)

	created, err := store.List(ctx, Filter{Kind: FilterCreated, ThreadID: delegate})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "high", created[0].Title)

	inSession, err := store.List(ctx, Filter{Kind: FilterThread, ThreadID: delegate})
	require.NoError(t, err)
	assert.Len(t, inSession, 3)

	// Completed tasks are hidden unless asked for.
	completed := StatusCompleted
	_, err = store.UpdateTask(ctx, high.ID, UpdateRequest{Status: &completed})
	require.NoError(t, err)

	open, err := store.List(ctx, Filter{Kind: FilterAll})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	withDone, err := store.List(ctx, Filter{Kind: FilterAll, IncludeCompleted: true})
	require.NoError(t, err)
	assert.Len(t, withDone, 3)
}

func TestListRejectsUnknownFilter(t *testing.T) {
	store := newTestStore(t)
	_, err := store.List(context.Background(), Filter{Kind: FilterKind("bogus")})
	require.Error(t, err)
}

func TestAddNote(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	author := ids.NewSessionID()

	task, err := store.CreateTask(ctx, &Task{Title: "t", Prompt: "p", CreatedBy: author})
	require.NoError(t, err)

	_, err = store.AddNote(ctx, task.ID, author, "started looking")
	require.NoError(t, err)
	_, err = store.AddNote(ctx, task.ID, author, "done")
	require.NoError(t, err)

	_, err = store.AddNote(ctx, task.ID, author, "")
	require.Error(t, err)
	_, err = store.AddNote(ctx, "task_20260824_missing", author, "x")
	require.Error(t, err)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Notes, 2)
	assert.Equal(t, "started looking", got.Notes[0].Content)
	assert.Equal(t, "done", got.Notes[1].Content)
	assert.Equal(t, author, got.Notes[0].Author)
}

func TestNewAssigneeTriggersSpawn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sessionID := ids.NewSessionID()
	spawnedID := sessionID.Child(1)

	var gotSpec ids.NewAgentSpec
	store.OnSpawn(func(ctx context.Context, spec ids.NewAgentSpec, task *Task) (ids.ThreadID, error) {
		gotSpec = spec
		return spawnedID, nil
	})

	task, err := store.CreateTask(ctx, &Task{
		Title:      "t",
		Prompt:     "p",
		CreatedBy:  sessionID,
		AssignedTo: "new:anthropic/claude-sonnet-4",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", gotSpec.ProviderType)
	assert.Equal(t, "claude-sonnet-4", gotSpec.ModelID)
	assert.Equal(t, string(spawnedID), task.AssignedTo)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(spawnedID), got.AssignedTo)
}

func TestSpawnFailureKeepsTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sessionID := ids.NewSessionID()

	store.OnSpawn(func(ctx context.Context, spec ids.NewAgentSpec, task *Task) (ids.ThreadID, error) {
		return "", assert.AnError
	})

	task, err := store.CreateTask(ctx, &Task{
		Title:      "t",
		Prompt:     "p",
		CreatedBy:  sessionID,
		AssignedTo: "new:ollama/llama3",
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "new:ollama/llama3", got.AssignedTo)
}

func TestReassignToNewSpawns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sessionID := ids.NewSessionID()
	spawnedID := sessionID.Child(2)

	spawns := 0
	store.OnSpawn(func(ctx context.Context, spec ids.NewAgentSpec, task *Task) (ids.ThreadID, error) {
		spawns++
		return spawnedID, nil
	})

	task, err := store.CreateTask(ctx, &Task{Title: "t", Prompt: "p", CreatedBy: sessionID})
	require.NoError(t, err)
	require.Equal(t, 0, spawns)

	assignee := "new:lmstudio/qwen-coder"
	updated, err := store.UpdateTask(ctx, task.ID, UpdateRequest{AssignTo: &assignee})
	require.NoError(t, err)
	assert.Equal(t, 1, spawns)
	assert.Equal(t, string(spawnedID), updated.AssignedTo)
}

func TestDeleteForSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sessionID := ids.NewSessionID()
	otherSession := ids.NewSessionID()

	task, err := store.CreateTask(ctx, &Task{Title: "t", Prompt: "p", CreatedBy: sessionID})
	require.NoError(t, err)
	_, err = store.AddNote(ctx, task.ID, sessionID, "note")
	require.NoError(t, err)
	keep, err := store.CreateTask(ctx, &Task{Title: "keep", Prompt: "p", CreatedBy: otherSession})
	require.NoError(t, err)

	require.NoError(t, store.DeleteForSession(ctx, sessionID))

	_, err = store.GetTask(ctx, task.ID)
	require.Error(t, err)
	_, err = store.GetTask(ctx, keep.ID)
	require.NoError(t, err)
}

func TestSubscribePublishesCreatesAndUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := store.Subscribe()

	task, err := store.CreateTask(ctx, &Task{Title: "t", Prompt: "p", CreatedBy: ids.NewSessionID()})
	require.NoError(t, err)

	select {
	case got := <-sub:
		assert.Equal(t, task.ID, got.ID)
	default:
		t.Fatal("expected create notification")
	}

	blocked := StatusBlocked
	_, err = store.UpdateTask(ctx, task.ID, UpdateRequest{Status: &blocked})
	require.NoError(t, err)

	select {
	case got := <-sub:
		assert.Equal(t, StatusBlocked, got.Status)
	default:
		t.Fatal("expected update notification")
	}
}
