// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/opencode"
	"github.com/bureau-foundation/codebeep/store"
)

// Store is the persistence the registry writes through.
type Store interface {
	InsertSession(ctx context.Context, record store.SessionRecord) error
	UpdateSession(ctx context.Context, sessionID string, update store.SessionUpdate) error
	ListSessions(ctx context.Context) ([]store.SessionRecord, error)
}

// Creator creates remote sessions.
type Creator interface {
	CreateSession(ctx context.Context, conversationID, agent string) (opencode.Session, error)
}

// Lister lists remote sessions for reconciliation.
type Lister interface {
	ListSessions(ctx context.Context) ([]opencode.Session, error)
}

// ErrUnknownSession is returned for a session ID the registry has
// never mapped.
var ErrUnknownSession = errors.New("registry: unknown session")

// ErrNotTerminal and ErrTerminal guard the two transition methods.
var (
	ErrNotTerminal = errors.New("registry: status is not terminal")
	ErrTerminal    = errors.New("registry: status is terminal")
)

// Entry is the registry's view of one mapped session.
type Entry struct {
	SessionID      string
	ConversationID ref.RoomID
	Agent          string
	Model          string
	Status         opencode.Status
	Created        time.Time
	Updated        time.Time
	Title          string
	Slug           string
	Reason         string
}

// Live reports whether the entry is non-terminal.
func (e Entry) Live() bool { return !e.Status.Terminal() }

// Config holds the dependencies of a Registry.
type Config struct {
	Store   Store
	Creator Creator
	// Clock stamps transitions. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Registry owns the conversation to session mapping. It is the only
// writer of session status; every mutation for a conversation runs
// under that conversation's lock, which is held across the remote
// create call.
type Registry struct {
	store   Store
	creator Creator
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Entry
	live     map[ref.RoomID]*Entry
	models   map[ref.RoomID]string
	locks    map[ref.RoomID]*conversationLock
}

// conversationLock is dropped from the map once nobody holds or
// waits on it.
type conversationLock struct {
	slot  chan struct{}
	users int
}

// New loads the persisted mapping.
func New(ctx context.Context, config Config) (*Registry, error) {
	if config.Store == nil || config.Creator == nil {
		return nil, fmt.Errorf("registry: Store and Creator are required")
	}
	registry := &Registry{
		store:    config.Store,
		creator:  config.Creator,
		clock:    config.Clock,
		logger:   config.Logger,
		sessions: make(map[string]*Entry),
		live:     make(map[ref.RoomID]*Entry),
		models:   make(map[ref.RoomID]string),
		locks:    make(map[ref.RoomID]*conversationLock),
	}
	if registry.clock == nil {
		registry.clock = clock.Real()
	}
	if registry.logger == nil {
		registry.logger = slog.Default()
	}

	records, err := config.Store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: loading mapping: %w", err)
	}
	// Records arrive newest first; the first seen per conversation
	// carries the model override in effect.
	for _, record := range records {
		entry := entryFromRecord(record)
		registry.sessions[entry.SessionID] = &entry
		if _, seen := registry.models[entry.ConversationID]; !seen {
			registry.models[entry.ConversationID] = entry.Model
		}
		if entry.Live() {
			if existing, ok := registry.live[entry.ConversationID]; ok {
				registry.logger.Warn("multiple live sessions in store, keeping newest",
					"room_id", entry.ConversationID,
					"session_id", existing.SessionID,
					"ignored_session_id", entry.SessionID,
				)
				continue
			}
			registry.live[entry.ConversationID] = registry.sessions[entry.SessionID]
		}
	}
	registry.logger.Info("session registry loaded", "sessions", len(records), "live", len(registry.live))
	return registry, nil
}

// lock acquires the conversation's slot. The returned func releases it.
func (r *Registry) lock(ctx context.Context, conversationID ref.RoomID) (func(), error) {
	r.mu.Lock()
	held, ok := r.locks[conversationID]
	if !ok {
		held = &conversationLock{slot: make(chan struct{}, 1)}
		r.locks[conversationID] = held
	}
	held.users++
	r.mu.Unlock()

	select {
	case held.slot <- struct{}{}:
		return func() {
			<-held.slot
			r.unuse(conversationID, held)
		}, nil
	case <-ctx.Done():
		r.unuse(conversationID, held)
		return nil, ctx.Err()
	}
}

func (r *Registry) unuse(conversationID ref.RoomID, held *conversationLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held.users--
	if held.users == 0 && r.locks[conversationID] == held {
		delete(r.locks, conversationID)
	}
}

// heldLocks reports the conversation locks currently held or awaited.
func (r *Registry) heldLocks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Resolve returns the conversation's live session, creating one when
// there is none. created reports whether a session was created.
func (r *Registry) Resolve(ctx context.Context, conversationID ref.RoomID, agent string) (entry Entry, created bool, err error) {
	unlock, err := r.lock(ctx, conversationID)
	if err != nil {
		return Entry{}, false, err
	}
	defer unlock()

	if current, ok := r.current(conversationID); ok {
		return current, false, nil
	}
	entry, err = r.create(ctx, conversationID, agent)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// create must run under the conversation lock.
func (r *Registry) create(ctx context.Context, conversationID ref.RoomID, agent string) (Entry, error) {
	session, err := r.creator.CreateSession(ctx, conversationID.String(), agent)
	if err != nil {
		return Entry{}, err
	}

	now := r.clock.Now()
	r.mu.Lock()
	model := r.models[conversationID]
	r.mu.Unlock()
	if model == "" {
		model = session.Model
	}
	entry := Entry{
		SessionID:      session.ID,
		ConversationID: conversationID,
		Agent:          session.Agent,
		Model:          model,
		Status:         opencode.StatusIdle,
		Created:        session.Created,
		Updated:        now,
		Title:          session.Title,
		Slug:           session.Slug,
	}
	if entry.Created.IsZero() {
		entry.Created = now
	}
	if err := r.store.InsertSession(ctx, recordFromEntry(entry, session)); err != nil {
		r.logger.Error("created session could not be persisted",
			"room_id", conversationID,
			"session_id", session.ID,
			"error", err,
		)
		return Entry{}, fmt.Errorf("registry: persisting session %s: %w", session.ID, err)
	}

	r.mu.Lock()
	stored := entry
	r.sessions[entry.SessionID] = &stored
	r.live[conversationID] = &stored
	r.mu.Unlock()

	r.logger.Info("session mapped", "room_id", conversationID, "session_id", entry.SessionID, "agent", entry.Agent)
	return entry, nil
}

// MarkTerminal moves a session to completed or failed. Marking an
// already terminal session is a no-op. The conversation's next Resolve
// creates a fresh session.
func (r *Registry) MarkTerminal(ctx context.Context, sessionID string, status opencode.Status) error {
	return r.MarkTerminalReason(ctx, sessionID, status, "")
}

// MarkTerminalReason is MarkTerminal with a reason recorded alongside.
func (r *Registry) MarkTerminalReason(ctx context.Context, sessionID string, status opencode.Status, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("registry: mark %s %s: %w", sessionID, status, ErrNotTerminal)
	}
	return r.transition(ctx, sessionID, status, reason)
}

// Apply records a non-terminal status change (idle, running,
// awaiting-input) for a live session. Applying to a terminal session
// is ignored: a late progress event must not resurrect it.
func (r *Registry) Apply(ctx context.Context, sessionID string, status opencode.Status) error {
	if status.Terminal() {
		return fmt.Errorf("registry: apply %s %s: %w", sessionID, status, ErrTerminal)
	}
	if !status.Valid() {
		return fmt.Errorf("registry: apply %s: invalid status %q", sessionID, status)
	}
	return r.transition(ctx, sessionID, status, "")
}

func (r *Registry) transition(ctx context.Context, sessionID string, status opencode.Status, reason string) error {
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	var conversationID ref.RoomID
	if ok {
		conversationID = entry.ConversationID
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("registry: %s: %w", sessionID, ErrUnknownSession)
	}

	unlock, err := r.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()
	return r.transitionLocked(ctx, sessionID, status, reason)
}

// transitionLocked must run under the conversation lock.
func (r *Registry) transitionLocked(ctx context.Context, sessionID string, status opencode.Status, reason string) error {
	r.mu.Lock()
	entry := r.sessions[sessionID]
	current := *entry
	r.mu.Unlock()

	if current.Status.Terminal() || current.Status == status {
		return nil
	}

	now := r.clock.Now()
	update := store.SessionUpdate{Status: status, Updated: now, Reason: reason}
	if err := r.store.UpdateSession(ctx, sessionID, update); err != nil {
		return fmt.Errorf("registry: %s -> %s: %w", sessionID, status, err)
	}

	r.mu.Lock()
	entry.Status = status
	entry.Updated = now
	if reason != "" {
		entry.Reason = reason
	}
	if status.Terminal() && r.live[entry.ConversationID] == entry {
		delete(r.live, entry.ConversationID)
	}
	r.mu.Unlock()

	r.logger.Info("session status changed",
		"room_id", current.ConversationID,
		"session_id", sessionID,
		"from", current.Status,
		"to", status,
		"reason", reason,
	)
	return nil
}

// Supersede marks the conversation's live session failed so the next
// Resolve starts over. found is false when nothing was live.
func (r *Registry) Supersede(ctx context.Context, conversationID ref.RoomID, reason string) (previous Entry, found bool, err error) {
	unlock, err := r.lock(ctx, conversationID)
	if err != nil {
		return Entry{}, false, err
	}
	defer unlock()

	previous, found = r.current(conversationID)
	if !found {
		return Entry{}, false, nil
	}
	if err := r.transitionLocked(ctx, previous.SessionID, opencode.StatusFailed, reason); err != nil {
		return Entry{}, false, err
	}
	return previous, true, nil
}

// Recreate replaces a session the server no longer knows. When the
// conversation's live session is still staleSessionID it is marked
// failed and a new one created; when someone already replaced it the
// current entry is returned.
func (r *Registry) Recreate(ctx context.Context, conversationID ref.RoomID, staleSessionID, agent string) (Entry, error) {
	unlock, err := r.lock(ctx, conversationID)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	if current, ok := r.current(conversationID); ok {
		if current.SessionID != staleSessionID {
			return current, nil
		}
		if err := r.transitionLocked(ctx, staleSessionID, opencode.StatusFailed, "not found upstream"); err != nil {
			return Entry{}, err
		}
	}
	return r.create(ctx, conversationID, agent)
}

// SetModel sets the conversation's model override, applied to the live
// session and to sessions created later. An empty model clears it.
func (r *Registry) SetModel(ctx context.Context, conversationID ref.RoomID, model string) error {
	unlock, err := r.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	if current, ok := r.current(conversationID); ok {
		update := store.SessionUpdate{Status: current.Status, Updated: r.clock.Now(), Model: &model}
		if err := r.store.UpdateSession(ctx, current.SessionID, update); err != nil {
			return fmt.Errorf("registry: setting model on %s: %w", current.SessionID, err)
		}
		r.mu.Lock()
		r.sessions[current.SessionID].Model = model
		r.sessions[current.SessionID].Updated = update.Updated
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.models[conversationID] = model
	r.mu.Unlock()
	return nil
}

// Model returns the conversation's model override.
func (r *Registry) Model(conversationID ref.RoomID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.models[conversationID]
}

// Current returns the conversation's live session.
func (r *Registry) Current(conversationID ref.RoomID) (Entry, bool) {
	return r.current(conversationID)
}

func (r *Registry) current(conversationID ref.RoomID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.live[conversationID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Latest returns the conversation's most recently updated session,
// live or not.
func (r *Registry) Latest(conversationID ref.RoomID) (Entry, bool) {
	if entry, ok := r.current(conversationID); ok {
		return entry, true
	}
	var latest Entry
	found := false
	for _, entry := range r.List() {
		if entry.ConversationID == conversationID && (!found || entry.Updated.After(latest.Updated)) {
			latest, found = entry, true
		}
	}
	return latest, found
}

// Get returns an entry by session ID.
func (r *Registry) Get(sessionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// List returns every entry, most recently updated first.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.sessions))
	for _, entry := range r.sessions {
		entries = append(entries, *entry)
	}
	r.mu.Unlock()
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := b.Updated.Compare(a.Updated); c != 0 {
			return c
		}
		if a.SessionID < b.SessionID {
			return -1
		}
		if a.SessionID > b.SessionID {
			return 1
		}
		return 0
	})
	return entries
}

// Reconcile compares the local mapping with the server's session list.
// Every live entry whose remote session is gone is marked failed. The
// entries still live afterwards are returned so the caller can resume
// watching them.
func (r *Registry) Reconcile(ctx context.Context, lister Lister) ([]Entry, error) {
	remote, err := lister.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: reconcile: listing remote sessions: %w", err)
	}
	present := make(map[string]bool, len(remote))
	for _, session := range remote {
		present[session.ID] = true
	}

	r.mu.Lock()
	candidates := make([]Entry, 0, len(r.live))
	for _, entry := range r.live {
		candidates = append(candidates, *entry)
	}
	r.mu.Unlock()

	var survivors []Entry
	for _, entry := range candidates {
		if present[entry.SessionID] {
			survivors = append(survivors, entry)
			continue
		}
		r.logger.Warn("mapped session missing upstream, marking failed",
			"room_id", entry.ConversationID,
			"session_id", entry.SessionID,
			"status", entry.Status,
		)
		if err := r.MarkTerminalReason(ctx, entry.SessionID, opencode.StatusFailed, "missing after restart"); err != nil {
			return survivors, err
		}
	}
	slices.SortFunc(survivors, func(a, b Entry) int { return a.Created.Compare(b.Created) })
	return survivors, nil
}

func entryFromRecord(record store.SessionRecord) Entry {
	return Entry{
		SessionID:      record.SessionID,
		ConversationID: record.ConversationID,
		Agent:          record.Agent,
		Model:          record.Model,
		Status:         record.Status,
		Created:        record.Created,
		Updated:        record.Updated,
		Title:          record.Meta.Title,
		Slug:           record.Meta.Slug,
		Reason:         record.Meta.Reason,
	}
}

func recordFromEntry(entry Entry, session opencode.Session) store.SessionRecord {
	return store.SessionRecord{
		SessionID:      entry.SessionID,
		ConversationID: entry.ConversationID,
		Agent:          entry.Agent,
		Model:          entry.Model,
		Status:         entry.Status,
		Created:        entry.Created,
		Updated:        entry.Updated,
		Meta: store.SessionMeta{
			Title:     session.Title,
			Slug:      session.Slug,
			ProjectID: session.ProjectID,
			Directory: session.Directory,
		},
	}
}
