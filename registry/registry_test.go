// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/testutil"
	"github.com/bureau-foundation/codebeep/opencode"
	"github.com/bureau-foundation/codebeep/store"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var testRoom = ref.MustParseRoomID("!room:test.local")

// fakeCreator hands out sequential session IDs. When gate is non-nil
// each call blocks until it is closed.
type fakeCreator struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (f *fakeCreator) CreateSession(ctx context.Context, conversationID, agent string) (opencode.Session, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return opencode.Session{}, ctx.Err()
		}
	}
	if f.err != nil {
		return opencode.Session{}, f.err
	}
	if agent == "" {
		agent = "build"
	}
	return opencode.Session{
		ID:      fmt.Sprintf("ses_%03d", n),
		Title:   "codebeep " + conversationID,
		Agent:   agent,
		Created: epoch,
		Updated: epoch,
	}, nil
}

type fakeLister struct {
	sessions []opencode.Session
	err      error
}

func (f fakeLister) ListSessions(context.Context) ([]opencode.Session, error) {
	return f.sessions, f.err
}

type fixture struct {
	path    string
	store   *store.Store
	clock   *clock.FakeClock
	creator *fakeCreator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		path:    filepath.Join(t.TempDir(), "codebeep.db"),
		clock:   clock.Fake(epoch),
		creator: &fakeCreator{},
	}
	f.store = f.openStore(t)
	return f
}

func (f *fixture) openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Path: f.path, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func (f *fixture) registry(t *testing.T) *Registry {
	t.Helper()
	registry, err := New(context.Background(), Config{
		Store:   f.store,
		Creator: f.creator,
		Clock:   f.clock,
		Logger:  testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return registry
}

func TestResolveCreatesOnceAndReuses(t *testing.T) {
	f := newFixture(t)
	registry := f.registry(t)
	ctx := context.Background()

	first, created, err := registry.Resolve(ctx, testRoom, "build")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !created || first.SessionID != "ses_001" || first.Status != opencode.StatusIdle {
		t.Fatalf("first Resolve = %+v created=%v", first, created)
	}

	second, created, err := registry.Resolve(ctx, testRoom, "plan")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if created || second.SessionID != first.SessionID {
		t.Errorf("second Resolve = %s created=%v, want reuse of %s", second.SessionID, created, first.SessionID)
	}

	record, err := f.store.GetSession(ctx, "ses_001")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.ConversationID != testRoom || record.Status != opencode.StatusIdle {
		t.Errorf("persisted record = %+v", record)
	}
}

func TestConcurrentResolveCreatesSingleSession(t *testing.T) {
	f := newFixture(t)
	f.creator.gate = make(chan struct{})
	registry := f.registry(t)

	const callers = 16
	results := make(chan Entry, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, _, err := registry.Resolve(context.Background(), testRoom, "build")
			if err != nil {
				errs <- err
				return
			}
			results <- entry
		}()
	}

	// Let the goroutines pile up on the lock before the create returns.
	time.Sleep(20 * time.Millisecond)
	close(f.creator.gate)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("Resolve: %v", err)
	}
	ids := make(map[string]int)
	for entry := range results {
		ids[entry.SessionID]++
	}
	if len(ids) != 1 || ids["ses_001"] != callers {
		t.Errorf("session IDs handed out = %v, want only ses_001 x%d", ids, callers)
	}
	if calls := f.creator.calls.Load(); calls != 1 {
		t.Errorf("CreateSession called %d times, want 1", calls)
	}
	if held := registry.heldLocks(); held != 0 {
		t.Errorf("conversation locks after all callers returned = %d, want 0", held)
	}
}

func TestConversationLocksReclaimed(t *testing.T) {
	f := newFixture(t)
	registry := f.registry(t)
	ctx := context.Background()

	for i := range 50 {
		room := ref.MustParseRoomID(fmt.Sprintf("!room%02d:test.local", i))
		entry, _, err := registry.Resolve(ctx, room, "build")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if err := registry.SetModel(ctx, room, "m/x"); err != nil {
			t.Fatalf("SetModel: %v", err)
		}
		if err := registry.MarkTerminal(ctx, entry.SessionID, opencode.StatusCompleted); err != nil {
			t.Fatalf("MarkTerminal: %v", err)
		}
	}
	if held := registry.heldLocks(); held != 0 {
		t.Errorf("conversation locks retained = %d, want 0", held)
	}
}

func TestResolveHonorsContextWhileLocked(t *testing.T) {
	f := newFixture(t)
	f.creator.gate = make(chan struct{})
	registry := f.registry(t)

	holder := make(chan struct{})
	go func() {
		defer close(holder)
		registry.Resolve(context.Background(), testRoom, "build")
	}()
	defer func() {
		close(f.creator.gate)
		<-holder
	}()
	for f.creator.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := registry.Resolve(ctx, testRoom, "build"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Resolve while locked = %v, want DeadlineExceeded", err)
	}
	if held := registry.heldLocks(); held != 1 {
		t.Errorf("conversation locks while one holder remains = %d, want 1", held)
	}
}

func TestCreateFailureLeavesNoMapping(t *testing.T) {
	f := newFixture(t)
	f.creator.err = &opencode.UnavailableError{Op: "create session", StatusCode: 503}
	registry := f.registry(t)

	_, _, err := registry.Resolve(context.Background(), testRoom, "build")
	if !opencode.IsUnavailable(err) {
		t.Fatalf("Resolve = %v, want UnavailableError", err)
	}
	if _, ok := registry.Current(testRoom); ok {
		t.Error("failed create left a live mapping")
	}
}

func TestMarkTerminalFreesConversation(t *testing.T) {
	f := newFixture(t)
	registry := f.registry(t)
	ctx := context.Background()

	entry, _, _ := registry.Resolve(ctx, testRoom, "build")
	if err := registry.Apply(ctx, entry.SessionID, opencode.StatusRunning); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f.clock.Advance(time.Minute)
	if err := registry.MarkTerminal(ctx, entry.SessionID, opencode.StatusCompleted); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	if _, ok := registry.Current(testRoom); ok {
		t.Error("conversation still has a live session after completion")
	}

	// Idempotent, and late progress does not resurrect it.
	if err := registry.MarkTerminal(ctx, entry.SessionID, opencode.StatusFailed); err != nil {
		t.Errorf("second MarkTerminal: %v", err)
	}
	if err := registry.Apply(ctx, entry.SessionID, opencode.StatusRunning); err != nil {
		t.Errorf("late Apply: %v", err)
	}
	got, _ := registry.Get(entry.SessionID)
	if got.Status != opencode.StatusCompleted || !got.Updated.Equal(epoch.Add(time.Minute)) {
		t.Errorf("entry after late updates = %+v", got)
	}

	next, created, err := registry.Resolve(ctx, testRoom, "build")
	if err != nil || !created || next.SessionID != "ses_002" {
		t.Errorf("Resolve after completion = %s created=%v err=%v", next.SessionID, created, err)
	}
}

func TestTransitionValidation(t *testing.T) {
	f := newFixture(t)
	registry := f.registry(t)
	ctx := context.Background()
	entry, _, _ := registry.Resolve(ctx, testRoom, "build")

	if err := registry.MarkTerminal(ctx, entry.SessionID, opencode.StatusRunning); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("MarkTerminal(running) = %v, want ErrNotTerminal", err)
	}
	if err := registry.Apply(ctx, entry.SessionID, opencode.StatusCompleted); !errors.Is(err, ErrTerminal) {
		t.Errorf("Apply(completed) = %v, want ErrTerminal", err)
	}
	if err := registry.Apply(ctx, "ses_unknown", opencode.StatusRunning); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Apply(unknown) = %v, want ErrUnknownSession", err)
	}
}

func TestSupersedeAndRecreate(t *testing.T) {
	f := newFixture(t)
	registry := f.registry(t)
	ctx := context.Background()

	if _, found, err := registry.Supersede(ctx, testRoom, "reset"); err != nil || found {
		t.Fatalf("Supersede with nothing live = found %v, err %v", found, err)
	}

	first, _, _ := registry.Resolve(ctx, testRoom, "build")
	previous, found, err := registry.Supersede(ctx, testRoom, "reset")
	if err != nil || !found || previous.SessionID != first.SessionID {
		t.Fatalf("Supersede = %+v found=%v err=%v", previous, found, err)
	}
	got, _ := registry.Get(first.SessionID)
	if got.Status != opencode.StatusFailed || got.Reason != "reset" {
		t.Errorf("superseded entry = %+v", got)
	}

	second, _, _ := registry.Resolve(ctx, testRoom, "build")
	replacement, err := registry.Recreate(ctx, testRoom, second.SessionID, "build")
	if err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	if replacement.SessionID == second.SessionID {
		t.Fatal("Recreate returned the stale session")
	}
	stale, _ := registry.Get(second.SessionID)
	if stale.Status != opencode.StatusFailed {
		t.Errorf("stale session status = %s, want failed", stale.Status)
	}

	// A second recreate for the same stale ID finds the replacement.
	again, err := registry.Recreate(ctx, testRoom, second.SessionID, "build")
	if err != nil || again.SessionID != replacement.SessionID {
		t.Errorf("repeated Recreate = %s err=%v, want %s", again.SessionID, err, replacement.SessionID)
	}
	if calls := f.creator.calls.Load(); calls != 3 {
		t.Errorf("CreateSession called %d times, want 3", calls)
	}
}

func TestSetModelAppliesToLiveAndFutureSessions(t *testing.T) {
	f := newFixture(t)
	registry := f.registry(t)
	ctx := context.Background()

	entry, _, _ := registry.Resolve(ctx, testRoom, "build")
	if err := registry.SetModel(ctx, testRoom, "anthropic/sonnet"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	if got, _ := registry.Get(entry.SessionID); got.Model != "anthropic/sonnet" {
		t.Errorf("live session model = %q", got.Model)
	}
	registry.MarkTerminal(ctx, entry.SessionID, opencode.StatusCompleted)

	next, _, _ := registry.Resolve(ctx, testRoom, "build")
	if next.Model != "anthropic/sonnet" {
		t.Errorf("new session model = %q, want override", next.Model)
	}
	if registry.Model(testRoom) != "anthropic/sonnet" {
		t.Errorf("Model = %q", registry.Model(testRoom))
	}
}

func TestRestartReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	otherRoom := ref.MustParseRoomID("!other:test.local")
	idleRoom := ref.MustParseRoomID("!idle:test.local")

	before := f.registry(t)
	kept, _, _ := before.Resolve(ctx, testRoom, "build")
	before.Apply(ctx, kept.SessionID, opencode.StatusRunning)
	gone, _, _ := before.Resolve(ctx, otherRoom, "plan")
	before.Apply(ctx, gone.SessionID, opencode.StatusRunning)
	done, _, _ := before.Resolve(ctx, idleRoom, "build")
	before.MarkTerminal(ctx, done.SessionID, opencode.StatusCompleted)

	// Simulate a restart: a fresh store handle and registry over the
	// same database file.
	f.store = f.openStore(t)
	after := f.registry(t)

	if current, ok := after.Current(testRoom); !ok || current.Status != opencode.StatusRunning {
		t.Fatalf("reloaded current = %+v ok=%v", current, ok)
	}

	survivors, err := after.Reconcile(ctx, fakeLister{sessions: []opencode.Session{{ID: kept.SessionID}}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(survivors) != 1 || survivors[0].SessionID != kept.SessionID {
		t.Fatalf("survivors = %+v, want only %s", survivors, kept.SessionID)
	}
	if _, ok := after.Current(otherRoom); ok {
		t.Error("session missing upstream is still live")
	}
	record, err := f.store.GetSession(ctx, gone.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.Status != opencode.StatusFailed || record.Meta.Reason != "missing after restart" {
		t.Errorf("reconciled record = %+v", record)
	}
	if got, _ := after.Get(done.SessionID); got.Status != opencode.StatusCompleted {
		t.Errorf("completed session changed to %s", got.Status)
	}
}

func TestReconcileListFailure(t *testing.T) {
	f := newFixture(t)
	registry := f.registry(t)
	ctx := context.Background()
	entry, _, _ := registry.Resolve(ctx, testRoom, "build")

	listErr := &opencode.UnavailableError{Op: "list sessions", StatusCode: 502}
	if _, err := registry.Reconcile(ctx, fakeLister{err: listErr}); !opencode.IsUnavailable(err) {
		t.Errorf("Reconcile = %v, want UnavailableError", err)
	}
	if current, ok := registry.Current(testRoom); !ok || current.SessionID != entry.SessionID {
		t.Error("failed reconcile changed the mapping")
	}
}

func TestListOrdering(t *testing.T) {
	f := newFixture(t)
	registry := f.registry(t)
	ctx := context.Background()

	rooms := []string{"!a:test.local", "!b:test.local", "!c:test.local"}
	for _, room := range rooms {
		registry.Resolve(ctx, ref.MustParseRoomID(room), "build")
		f.clock.Advance(time.Second)
	}
	entries := registry.List()
	if len(entries) != 3 {
		t.Fatalf("List returned %d entries", len(entries))
	}
	if entries[0].ConversationID.String() != "!c:test.local" || entries[2].ConversationID.String() != "!a:test.local" {
		t.Errorf("List order = %s, %s, %s", entries[0].ConversationID, entries[1].ConversationID, entries[2].ConversationID)
	}
	if latest, ok := registry.Latest(ref.MustParseRoomID("!b:test.local")); !ok || latest.SessionID != "ses_002" {
		t.Errorf("Latest = %+v ok=%v", latest, ok)
	}
}
