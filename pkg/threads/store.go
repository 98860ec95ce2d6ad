package threads

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/logger"
	"github.com/lacehq/lace/pkg/storage"
)

// appendStripes bounds the number of per-thread append locks. Concurrent
// appenders to the same thread serialize; distinct threads mostly proceed
// independently.
const appendStripes = 64

// Store persists threads and their event logs.
type Store struct {
	db     *storage.DB
	logger *slog.Logger

	stripes [appendStripes]sync.Mutex

	notifyMu    sync.RWMutex
	subscribers []chan Notification
}

// Notification is published after each successful append.
type Notification struct {
	ThreadID ids.ThreadID
	Event    Event
}

func NewStore(db *storage.DB) *Store {
	return &Store{
		db:     db,
		logger: logger.Component("threads"),
	}
}

func (s *Store) stripe(threadID ids.ThreadID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	return &s.stripes[h.Sum32()%appendStripes]
}

// CreateThread inserts a new thread record. Child threads must name an
// existing parent; the session ID is derived from the thread ID root.
func (s *Store) CreateThread(ctx context.Context, id ids.ThreadID, meta ThreadMetadata) (*Thread, error) {
	if err := id.Validate(); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindValidation, "invalid thread id", err)
	}

	now := time.Now().UTC()
	thread := &Thread{
		ID:        id,
		SessionID: id.Root(),
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !id.IsRoot() {
		thread.ParentID = id.Parent()
	}

	query := s.db.Rebind(`INSERT INTO threads (id, session_id, name, provider, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	err := s.db.WithBusyRetry(ctx, func() error {
		_, execErr := s.db.Handle().ExecContext(ctx, query,
			string(id), string(thread.SessionID), meta.Name, meta.ProviderInstanceID, meta.ModelID, now, now)
		return execErr
	})
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, fmt.Sprintf("failed to create thread %s", id), err)
	}

	s.logger.Debug("thread created", "thread_id", id, "session_id", thread.SessionID)
	return thread, nil
}

// GetThread loads a thread by ID.
func (s *Store) GetThread(ctx context.Context, id ids.ThreadID) (*Thread, error) {
	query := s.db.Rebind(`SELECT id, session_id, name, provider, model, created_at, updated_at
		FROM threads WHERE id = ?`)

	var thread Thread
	var tid, sid string
	var name, provider, model sql.NullString
	err := s.db.Handle().QueryRowContext(ctx, query, string(id)).Scan(
		&tid, &sid, &name, &provider, &model, &thread.CreatedAt, &thread.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, lacerrors.New(lacerrors.KindValidation, fmt.Sprintf("thread %s not found", id))
	}
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to load thread", err)
	}

	thread.ID = ids.ThreadID(tid)
	thread.SessionID = ids.ThreadID(sid)
	if !thread.ID.IsRoot() {
		thread.ParentID = thread.ID.Parent()
	}
	thread.Metadata = ThreadMetadata{
		Name:               name.String,
		ProviderInstanceID: provider.String,
		ModelID:            model.String,
		IsSession:          thread.ID.IsRoot(),
		IsAgent:            !thread.ID.IsRoot(),
	}
	return &thread, nil
}

// AppendEvent writes one event to the thread's log, assigning the next
// sequence number. The insert is atomic: a failed append leaves no partial
// record. A notification is published on success.
func (s *Store) AppendEvent(ctx context.Context, threadID ids.ThreadID, eventType EventType, data json.RawMessage) (*Event, error) {
	if !ValidEventType(eventType) {
		return nil, lacerrors.New(lacerrors.KindValidation, fmt.Sprintf("unknown event type %q", eventType))
	}
	if data == nil {
		data = json.RawMessage("{}")
	}

	mu := s.stripe(threadID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	event := &Event{
		ThreadID:  threadID,
		Type:      eventType,
		Data:      data,
		Timestamp: now,
	}

	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		var seq sql.NullInt64
		row := tx.QueryRowContext(ctx,
			s.db.Rebind(`SELECT MAX(seq) FROM thread_events WHERE thread_id = ?`), string(threadID))
		if err := row.Scan(&seq); err != nil {
			return err
		}
		event.Seq = seq.Int64 + 1

		_, err := tx.ExecContext(ctx,
			s.db.Rebind(`INSERT INTO thread_events (thread_id, seq, event_type, data, created_at)
				VALUES (?, ?, ?, ?, ?)`),
			string(threadID), event.Seq, string(eventType), string(data), now)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			s.db.Rebind(`UPDATE threads SET updated_at = ? WHERE id = ?`), now, string(threadID))
		return err
	})
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, fmt.Sprintf("failed to append %s to thread %s", eventType, threadID), err)
	}

	s.publish(Notification{ThreadID: threadID, Event: *event})
	return event, nil
}

// ListEvents returns the thread's full event log in sequence order.
func (s *Store) ListEvents(ctx context.Context, threadID ids.ThreadID) ([]Event, error) {
	query := s.db.Rebind(`SELECT thread_id, seq, event_type, data, created_at
		FROM thread_events WHERE thread_id = ? ORDER BY seq ASC`)
	rows, err := s.db.Handle().QueryContext(ctx, query, string(threadID))
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to list events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListMainAndDelegateEvents returns the root thread's events interleaved
// with all descendant threads' events, ordered by timestamp with sequence
// as tiebreaker. Deterministic for a fixed tree.
func (s *Store) ListMainAndDelegateEvents(ctx context.Context, rootID ids.ThreadID) ([]Event, error) {
	query := s.db.Rebind(`SELECT thread_id, seq, event_type, data, created_at
		FROM thread_events WHERE thread_id = ? OR thread_id LIKE ?
		ORDER BY created_at ASC, thread_id ASC, seq ASC`)
	rows, err := s.db.Handle().QueryContext(ctx, query, string(rootID), string(rootID)+".%")
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to list session events", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// SQLite stores timestamps at millisecond granularity; keep a stable
	// secondary order for events written within the same instant.
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		if events[i].ThreadID != events[j].ThreadID {
			return events[i].ThreadID < events[j].ThreadID
		}
		return events[i].Seq < events[j].Seq
	})
	return events, nil
}

// ListThreadsForSession returns the session root and all its descendants.
func (s *Store) ListThreadsForSession(ctx context.Context, rootID ids.ThreadID) ([]*Thread, error) {
	query := s.db.Rebind(`SELECT id FROM threads WHERE id = ? OR id LIKE ? ORDER BY id ASC`)
	rows, err := s.db.Handle().QueryContext(ctx, query, string(rootID), string(rootID)+".%")
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to list session threads", err)
	}
	defer rows.Close()

	var threadIDs []ids.ThreadID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to scan thread id", err)
		}
		threadIDs = append(threadIDs, ids.ThreadID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to iterate threads", err)
	}

	threads := make([]*Thread, 0, len(threadIDs))
	for _, id := range threadIDs {
		t, err := s.GetThread(ctx, id)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// UpdateMetadata merges partial metadata into the thread record.
func (s *Store) UpdateMetadata(ctx context.Context, threadID ids.ThreadID, partial ThreadMetadata) error {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	thread.Metadata.Merge(partial)

	query := s.db.Rebind(`UPDATE threads SET name = ?, provider = ?, model = ?, updated_at = ? WHERE id = ?`)
	err = s.db.WithBusyRetry(ctx, func() error {
		_, execErr := s.db.Handle().ExecContext(ctx, query,
			thread.Metadata.Name, thread.Metadata.ProviderInstanceID, thread.Metadata.ModelID,
			time.Now().UTC(), string(threadID))
		return execErr
	})
	if err != nil {
		return lacerrors.Wrap(lacerrors.KindStorage, "failed to update thread metadata", err)
	}
	return nil
}

// DeleteThread removes the thread, its events, and all descendants.
func (s *Store) DeleteThread(ctx context.Context, id ids.ThreadID) error {
	prefix := string(id) + ".%"
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM thread_events WHERE thread_id = ? OR thread_id LIKE ?`,
			`DELETE FROM threads WHERE id = ? OR id LIKE ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(q), string(id), prefix); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var tid, etype, data string
		if err := rows.Scan(&tid, &e.Seq, &etype, &data, &e.Timestamp); err != nil {
			return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to scan event", err)
		}
		e.ThreadID = ids.ThreadID(tid)
		e.Type = EventType(etype)
		e.Data = json.RawMessage(data)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to iterate events", err)
	}
	return events, nil
}
