// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// ProtocolErrorRecord is an archived undecodable response.
type ProtocolErrorRecord struct {
	ID       int64
	Op       string
	Detail   string
	Recorded time.Time
	Raw      []byte
}

// ArchiveProtocolError stores a compressed copy of raw and trims the
// archive to its limit, oldest first.
func (s *Store) ArchiveProtocolError(ctx context.Context, op, detail string, raw []byte, now time.Time) error {
	compressed := zstdEncoder.EncodeAll(raw, nil)
	err := s.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO protocol_errors (op, detail, recorded_ms, raw_size, raw_zstd) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{op, detail, now.UnixMilli(), len(raw), compressed}})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			`DELETE FROM protocol_errors WHERE id NOT IN
				(SELECT id FROM protocol_errors ORDER BY id DESC LIMIT ?)`,
			&sqlitex.ExecOptions{Args: []any{s.archiveLimit}})
	})
	if err != nil {
		return fmt.Errorf("store: archiving protocol error: %w", err)
	}
	return nil
}

// ProtocolErrors returns up to limit archived payloads, newest first.
func (s *Store) ProtocolErrors(ctx context.Context, limit int) ([]ProtocolErrorRecord, error) {
	var records []ProtocolErrorRecord
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, op, detail, recorded_ms, raw_size, raw_zstd FROM protocol_errors ORDER BY id DESC LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					compressed := make([]byte, stmt.ColumnLen(5))
					stmt.ColumnBytes(5, compressed)
					size := stmt.ColumnInt(4)
					raw, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
					if err != nil {
						return fmt.Errorf("protocol error %d: zstd decompress: %w", stmt.ColumnInt64(0), err)
					}
					if len(raw) != size {
						return fmt.Errorf("protocol error %d: got %d bytes, expected %d", stmt.ColumnInt64(0), len(raw), size)
					}
					records = append(records, ProtocolErrorRecord{
						ID:       stmt.ColumnInt64(0),
						Op:       stmt.ColumnText(1),
						Detail:   stmt.ColumnText(2),
						Recorded: time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
						Raw:      raw,
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing protocol errors: %w", err)
	}
	return records, nil
}
