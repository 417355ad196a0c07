// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dedup

import "sync"

// DefaultCapacity holds several days of command traffic for a single
// operator.
const DefaultCapacity = 4096

// Log is a bounded set of identifiers that have already been acted on.
// It is a ring buffer paired with an index: once full, recording a new
// identifier evicts the oldest one.
//
// All methods are safe for concurrent use.
type Log struct {
	mutex    sync.RWMutex
	ring     []string
	index    map[string]struct{}
	next     int
	capacity int
}

// New returns an empty log. A capacity below 1 uses DefaultCapacity.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Log{
		ring:     make([]string, 0, capacity),
		index:    make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// Seen reports whether id has been recorded and not yet evicted.
func (l *Log) Seen(id string) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	_, ok := l.index[id]
	return ok
}

// Record adds id and reports whether it was new. Check-and-insert is
// atomic, so of two goroutines recording the same id exactly one gets
// true.
func (l *Log) Record(id string) bool {
	if id == "" {
		return false
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, ok := l.index[id]; ok {
		return false
	}
	if len(l.ring) < l.capacity {
		l.ring = append(l.ring, id)
	} else {
		delete(l.index, l.ring[l.next])
		l.ring[l.next] = id
	}
	l.next = (l.next + 1) % l.capacity
	l.index[id] = struct{}{}
	return true
}

// Len returns the number of retained identifiers.
func (l *Log) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.ring)
}

// Snapshot returns the retained identifiers, oldest first.
func (l *Log) Snapshot() []string {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	out := make([]string, 0, len(l.ring))
	if len(l.ring) < l.capacity {
		return append(out, l.ring...)
	}
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}

// Restore records ids in order, as loaded from a snapshot. Entries
// beyond capacity evict the oldest restored ones.
func (l *Log) Restore(ids []string) {
	for _, id := range ids {
		l.Record(id)
	}
}
