package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lacehq/lace/pkg/config"
	"github.com/lacehq/lace/pkg/ids"
	"github.com/lacehq/lace/pkg/lacerrors"
	"github.com/lacehq/lace/pkg/storage"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Record is the persisted portion of a session.
type Record struct {
	ID          ids.ThreadID         `json:"id"`
	ProjectID   string               `json:"project_id,omitempty"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Status      Status               `json:"status"`
	Config      config.SessionConfig `json:"config"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// store persists session records.
type store struct {
	db *storage.DB
}

func (s *store) insert(ctx context.Context, r *Record) error {
	cfgJSON, err := json.Marshal(r.Config)
	if err != nil {
		return lacerrors.Wrap(lacerrors.KindStorage, "failed to encode session config", err)
	}
	query := s.db.Rebind(`INSERT INTO sessions (id, project_id, name, description, status, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	return s.db.WithBusyRetry(ctx, func() error {
		_, execErr := s.db.Handle().ExecContext(ctx, query,
			string(r.ID), r.ProjectID, r.Name, r.Description, string(r.Status), string(cfgJSON),
			r.CreatedAt, r.UpdatedAt)
		if execErr != nil {
			return lacerrors.Wrap(lacerrors.KindStorage, "failed to persist session", execErr)
		}
		return nil
	})
}

func (s *store) get(ctx context.Context, id ids.ThreadID) (*Record, error) {
	query := s.db.Rebind(`SELECT id, project_id, name, description, status, config, created_at, updated_at
		FROM sessions WHERE id = ?`)

	var r Record
	var sid, status, cfgJSON string
	var projectID, description sql.NullString
	err := s.db.Handle().QueryRowContext(ctx, query, string(id)).Scan(
		&sid, &projectID, &r.Name, &description, &status, &cfgJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, lacerrors.New(lacerrors.KindValidation, fmt.Sprintf("session %s not found", id))
	}
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to load session", err)
	}

	r.ID = ids.ThreadID(sid)
	r.ProjectID = projectID.String
	r.Description = description.String
	r.Status = Status(status)
	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "corrupt session config", err)
	}
	return &r, nil
}

func (s *store) list(ctx context.Context) ([]*Record, error) {
	query := `SELECT id FROM sessions ORDER BY created_at DESC`
	rows, err := s.db.Handle().QueryContext(ctx, query)
	if err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to list sessions", err)
	}
	defer rows.Close()

	var sessionIDs []ids.ThreadID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to scan session id", err)
		}
		sessionIDs = append(sessionIDs, ids.ThreadID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, lacerrors.Wrap(lacerrors.KindStorage, "failed to iterate sessions", err)
	}

	records := make([]*Record, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		r, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *store) setStatus(ctx context.Context, id ids.ThreadID, status Status) error {
	query := s.db.Rebind(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`)
	return s.db.WithBusyRetry(ctx, func() error {
		_, err := s.db.Handle().ExecContext(ctx, query, string(status), time.Now().UTC(), string(id))
		if err != nil {
			return lacerrors.Wrap(lacerrors.KindStorage, "failed to update session status", err)
		}
		return nil
	})
}

func (s *store) delete(ctx context.Context, id ids.ThreadID) error {
	query := s.db.Rebind(`DELETE FROM sessions WHERE id = ?`)
	return s.db.WithBusyRetry(ctx, func() error {
		_, err := s.db.Handle().ExecContext(ctx, query, string(id))
		if err != nil {
			return lacerrors.Wrap(lacerrors.KindStorage, "failed to delete session", err)
		}
		return nil
	})
}
