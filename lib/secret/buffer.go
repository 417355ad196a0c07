// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Reveal after Close.
var ErrClosed = errors.New("secret: buffer closed")

// Buffer holds a credential outside the Go heap. The memory is mapped
// anonymously, excluded from core dumps and, when the memlock limit
// allows, locked against swap. Close zeroes and unmaps it.
//
// String and LogValue never expose the contents; use Reveal at the
// point the credential is written to the wire.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	closed bool
}

// NewFromString copies value into a protected buffer.
func NewFromString(value string) (*Buffer, error) {
	if value == "" {
		return nil, fmt.Errorf("secret: empty value")
	}
	data, err := unix.Mmap(-1, 0, len(value), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	// Container runtimes often set RLIMIT_MEMLOCK to 64 KiB or zero.
	// A token that cannot be locked is still kept off the heap.
	locked := unix.Mlock(data) == nil
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	copy(data, value)
	return &Buffer{data: data, locked: locked}, nil
}

// Reveal returns a heap copy of the contents.
func (b *Buffer) Reveal() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	return string(b.data), nil
}

// Locked reports whether the pages are mlocked.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// String implements fmt.Stringer without revealing the contents.
func (b *Buffer) String() string { return "[redacted]" }

// LogValue implements slog.LogValuer.
func (b *Buffer) LogValue() slog.Value { return slog.StringValue("[redacted]") }

// Close zeroes and unmaps the buffer. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	clear(b.data)
	if b.locked {
		_ = unix.Munlock(b.data)
	}
	if err := unix.Munmap(b.data); err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	b.data = nil
	return nil
}
