// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/codebeep/lib/sqlitepool"
)

// migrations is the schema history. Append only.
var migrations = []string{
	// 1: session mapping. The partial unique index backs the
	// one-live-session-per-conversation invariant in the database.
	`CREATE TABLE sessions (
		session_id      TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		agent           TEXT NOT NULL DEFAULT '',
		model           TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		created_ms      INTEGER NOT NULL,
		updated_ms      INTEGER NOT NULL,
		meta            BLOB
	);
	CREATE INDEX sessions_by_conversation ON sessions (conversation_id, updated_ms);
	CREATE UNIQUE INDEX sessions_one_live ON sessions (conversation_id)
		WHERE status NOT IN ('completed', 'failed');

	CREATE TABLE state (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_ms INTEGER NOT NULL
	);`,

	// 2: raw payloads of responses that failed to decode.
	`CREATE TABLE protocol_errors (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		op          TEXT NOT NULL,
		detail      TEXT NOT NULL,
		recorded_ms INTEGER NOT NULL,
		raw_size    INTEGER NOT NULL,
		raw_zstd    BLOB NOT NULL
	);`,
}

// Config holds the parameters for Open.
type Config struct {
	// Path is the SQLite database file. The parent directory must exist.
	Path string
	// ArchiveLimit caps the protocol error archive. Default 500.
	ArchiveLimit int
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Store is the bridge's durable state. Safe for concurrent use.
type Store struct {
	pool         *sqlitepool.Pool
	archiveLimit int
	logger       *slog.Logger
}

// Open opens (creating if needed) and migrates the database.
func Open(ctx context.Context, config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       config.Path,
		Migrations: migrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	limit := config.ArchiveLimit
	if limit <= 0 {
		limit = 500
	}
	return &Store{pool: pool, archiveLimit: limit, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}
