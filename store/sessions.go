// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/codebeep/lib/codec"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/opencode"
)

// ErrNotFound is returned when a session ID has no row.
var ErrNotFound = errors.New("store: not found")

// ErrLiveSessionExists is returned when inserting a non-terminal
// session for a conversation that already has one.
var ErrLiveSessionExists = errors.New("store: conversation already has a live session")

// SessionRecord is one row of the conversation to session mapping.
type SessionRecord struct {
	SessionID      string
	ConversationID ref.RoomID
	Agent          string
	Model          string
	Status         opencode.Status
	Created        time.Time
	Updated        time.Time
	Meta           SessionMeta
}

// SessionMeta holds descriptive fields that are never queried. Stored
// as a CBOR blob so fields can be added without a migration.
type SessionMeta struct {
	Title     string `cbor:"title,omitempty"`
	Slug      string `cbor:"slug,omitempty"`
	ProjectID string `cbor:"project_id,omitempty"`
	Directory string `cbor:"directory,omitempty"`
	Reason    string `cbor:"reason,omitempty"`
}

// InsertSession adds a new mapping row.
func (s *Store) InsertSession(ctx context.Context, record SessionRecord) error {
	meta, err := codec.Marshal(record.Meta)
	if err != nil {
		return fmt.Errorf("store: encoding session meta: %w", err)
	}
	err = s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO sessions
				(session_id, conversation_id, agent, model, status, created_ms, updated_ms, meta)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				record.SessionID,
				record.ConversationID.String(),
				record.Agent,
				record.Model,
				string(record.Status),
				record.Created.UnixMilli(),
				record.Updated.UnixMilli(),
				meta,
			}})
	})
	if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
		return fmt.Errorf("store: insert session %s: %w", record.SessionID, ErrLiveSessionExists)
	}
	if err != nil {
		return fmt.Errorf("store: insert session %s: %w", record.SessionID, err)
	}
	return nil
}

// SessionUpdate is the mutable part of a row.
type SessionUpdate struct {
	Status  opencode.Status
	Updated time.Time
	// Model replaces the stored model when non-nil.
	Model *string
	// Reason is recorded in the meta blob when non-empty.
	Reason string
}

// UpdateSession changes a row's status. Returns ErrNotFound for an
// unknown session ID.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, update SessionUpdate) error {
	return s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		record, err := getSession(conn, sessionID)
		if err != nil {
			return err
		}
		record.Status = update.Status
		record.Updated = update.Updated
		if update.Model != nil {
			record.Model = *update.Model
		}
		if update.Reason != "" {
			record.Meta.Reason = update.Reason
		}
		meta, err := codec.Marshal(record.Meta)
		if err != nil {
			return fmt.Errorf("store: encoding session meta: %w", err)
		}
		err = sqlitex.Execute(conn,
			`UPDATE sessions SET status = ?, updated_ms = ?, model = ?, meta = ? WHERE session_id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(record.Status), record.Updated.UnixMilli(), record.Model, meta, sessionID,
			}})
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return fmt.Errorf("store: update session %s: %w", sessionID, ErrLiveSessionExists)
		}
		if err != nil {
			return fmt.Errorf("store: update session %s: %w", sessionID, err)
		}
		return nil
	})
}

// GetSession returns one row by session ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var record SessionRecord
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		record, err = getSession(conn, sessionID)
		return err
	})
	return record, err
}

// ListSessions returns every row, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var records []SessionRecord
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_ms DESC, session_id`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				record, err := scanSession(stmt)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return records, nil
}

// PruneSessions deletes terminal rows last updated before cutoff.
// Returns the number removed.
func (s *Store) PruneSessions(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM sessions WHERE status IN ('completed', 'failed') AND updated_ms < ?`,
			&sqlitex.ExecOptions{Args: []any{cutoff.UnixMilli()}})
		removed = conn.Changes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: prune sessions: %w", err)
	}
	return removed, nil
}

const sessionColumns = `session_id, conversation_id, agent, model, status, created_ms, updated_ms, meta`

func getSession(conn *sqlite.Conn, sessionID string) (SessionRecord, error) {
	var record SessionRecord
	found := false
	err := sqlitex.Execute(conn,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				record, err = scanSession(stmt)
				found = true
				return err
			},
		})
	if err != nil {
		return SessionRecord{}, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	if !found {
		return SessionRecord{}, fmt.Errorf("store: session %s: %w", sessionID, ErrNotFound)
	}
	return record, nil
}

func scanSession(stmt *sqlite.Stmt) (SessionRecord, error) {
	conversationID, err := ref.ParseRoomID(stmt.ColumnText(1))
	if err != nil {
		return SessionRecord{}, fmt.Errorf("session %s: %w", stmt.ColumnText(0), err)
	}
	record := SessionRecord{
		SessionID:      stmt.ColumnText(0),
		ConversationID: conversationID,
		Agent:          stmt.ColumnText(2),
		Model:          stmt.ColumnText(3),
		Status:         opencode.Status(stmt.ColumnText(4)),
		Created:        time.UnixMilli(stmt.ColumnInt64(5)).UTC(),
		Updated:        time.UnixMilli(stmt.ColumnInt64(6)).UTC(),
	}
	if !stmt.ColumnIsNull(7) {
		blob := make([]byte, stmt.ColumnLen(7))
		stmt.ColumnBytes(7, blob)
		if err := codec.Unmarshal(blob, &record.Meta); err != nil {
			return SessionRecord{}, fmt.Errorf("session %s meta: %w", record.SessionID, err)
		}
	}
	return record, nil
}
