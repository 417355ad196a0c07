// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/codebeep/lib/sqlitepool"
)

var testMigrations = []string{
	`CREATE TABLE items (id INTEGER PRIMARY KEY, value TEXT NOT NULL);`,
	`ALTER TABLE items ADD COLUMN note TEXT NOT NULL DEFAULT '';`,
}

func openPool(t *testing.T, path string, migrations []string) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:       path,
		Migrations: migrations,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pool
}

func userVersion(t *testing.T, pool *sqlitepool.Pool) int {
	t.Helper()
	var version int
	err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	return version
}

func TestOpenAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	pool := openPool(t, path, testMigrations[:1])
	if got := userVersion(t, pool); got != 1 {
		t.Fatalf("user_version = %d, want 1", got)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening with an appended migration applies only the new one.
	pool = openPool(t, path, testMigrations)
	defer pool.Close()
	if got := userVersion(t, pool); got != 2 {
		t.Fatalf("user_version = %d, want 2", got)
	}
	err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO items (value, note) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{"a", "b"},
		})
	})
	if err != nil {
		t.Fatalf("insert after migration: %v", err)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	pool := openPool(t, path, testMigrations)
	pool.Close()

	_, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:       path,
		Migrations: testMigrations[:1],
	})
	if err == nil || !strings.Contains(err.Error(), "newer than this binary") {
		t.Fatalf("Open with older migrations: err = %v", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "state.db"), testMigrations)
	defer pool.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err := pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO items (value) VALUES ('x')", nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}

	var count int
	err = pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM items", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rows after rollback = %d, want 0", count)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(context.Background(), sqlitepool.Config{}); err == nil {
		t.Fatal("Open with empty Path succeeded")
	}
}

func TestTakeBlocksThenFailsOnCancel(t *testing.T) {
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "state.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	held, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(held)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("Take on an exhausted pool with a cancelled context succeeded")
	}
}
