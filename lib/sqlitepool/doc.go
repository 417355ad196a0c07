// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens a pooled SQLite database with WAL journaling
// and forward-only schema migrations.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers Take a
// connection, work, and Put it back, or use WithConn / WithTx which do
// that for them. Connections are not safe for concurrent use.
//
// Migrations are plain SQL scripts. The pool records how many it has
// applied in PRAGMA user_version, so reopening a database applies only
// the new ones, and opening a database written by a newer binary fails
// instead of silently misreading it.
package sqlitepool
