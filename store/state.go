// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/codebeep/lib/codec"
	"github.com/bureau-foundation/codebeep/lib/ref"
)

const (
	keyProcessedEvents = "processed_events"
	keyBootstrap       = "bootstrap"
	keySyncPosition    = "sync_position"
)

// BootstrapStatus records how far command room setup got.
type BootstrapStatus string

const (
	BootstrapDone     BootstrapStatus = "done"
	BootstrapDeferred BootstrapStatus = "deferred"
)

// BootstrapState is the persisted outcome of command room bootstrap.
type BootstrapState struct {
	Status    BootstrapStatus `cbor:"status"`
	RoomID    ref.RoomID      `cbor:"room_id"`
	Attempts  int             `cbor:"attempts,omitempty"`
	LastError string          `cbor:"last_error,omitempty"`
	// OperatorNotified is set once the exhaustion notice was sent for
	// the current deferral.
	OperatorNotified bool      `cbor:"operator_notified,omitempty"`
	Updated          time.Time `cbor:"updated"`
}

// SaveBootstrap replaces the bootstrap state.
func (s *Store) SaveBootstrap(ctx context.Context, state BootstrapState) error {
	return s.putState(ctx, keyBootstrap, state, state.Updated)
}

// LoadBootstrap returns the bootstrap state. found is false before the
// first bootstrap attempt.
func (s *Store) LoadBootstrap(ctx context.Context) (state BootstrapState, found bool, err error) {
	found, err = s.getState(ctx, keyBootstrap, &state)
	return state, found, err
}

// processedSnapshot is the persisted form of the processed event log.
type processedSnapshot struct {
	IDs []string `cbor:"ids"`
}

// SaveProcessedEvents replaces the processed event snapshot. ids is
// oldest first.
func (s *Store) SaveProcessedEvents(ctx context.Context, ids []string, now time.Time) error {
	return s.putState(ctx, keyProcessedEvents, processedSnapshot{IDs: ids}, now)
}

// LoadProcessedEvents returns the last saved snapshot, oldest first.
func (s *Store) LoadProcessedEvents(ctx context.Context) ([]string, error) {
	var snapshot processedSnapshot
	if _, err := s.getState(ctx, keyProcessedEvents, &snapshot); err != nil {
		return nil, err
	}
	return snapshot.IDs, nil
}

type syncPosition struct {
	NextBatch string `cbor:"next_batch"`
}

// SaveSyncPosition records the /sync token up to which every timeline
// event was handed to the router.
func (s *Store) SaveSyncPosition(ctx context.Context, nextBatch string, now time.Time) error {
	return s.putState(ctx, keySyncPosition, syncPosition{NextBatch: nextBatch}, now)
}

// LoadSyncPosition returns the saved /sync token, or "" before the
// first run.
func (s *Store) LoadSyncPosition(ctx context.Context) (string, error) {
	var position syncPosition
	if _, err := s.getState(ctx, keySyncPosition, &position); err != nil {
		return "", err
	}
	return position.NextBatch, nil
}

func (s *Store) putState(ctx context.Context, key string, value any, now time.Time) error {
	blob, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", key, err)
	}
	err = s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO state (key, value, updated_ms) VALUES (?, ?, ?)
				ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_ms = excluded.updated_ms`,
			&sqlitex.ExecOptions{Args: []any{key, blob, now.UnixMilli()}})
	})
	if err != nil {
		return fmt.Errorf("store: saving %s: %w", key, err)
	}
	return nil
}

func (s *Store) getState(ctx context.Context, key string, into any) (bool, error) {
	var blob []byte
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM state WHERE key = ?`, &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	})
	if err != nil {
		return false, fmt.Errorf("store: loading %s: %w", key, err)
	}
	if blob == nil {
		return false, nil
	}
	if err := codec.Unmarshal(blob, into); err != nil {
		return false, fmt.Errorf("store: decoding %s: %w", key, err)
	}
	return true, nil
}
