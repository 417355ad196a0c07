// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/codebeep/lib/breaker"
	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/config"
	"github.com/bureau-foundation/codebeep/lib/dedup"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/messaging"
	"github.com/bureau-foundation/codebeep/opencode"
	"github.com/bureau-foundation/codebeep/registry"
	"github.com/bureau-foundation/codebeep/router"
	"github.com/bureau-foundation/codebeep/store"
	"github.com/bureau-foundation/codebeep/watcher"
)

// syncFilter keeps /sync to room messages. Invites arrive regardless.
const syncFilter = `{"room":{"timeline":{"types":["m.room.message"]},"state":{"types":[]},"ephemeral":{"types":[]},"account_data":{"types":[]}},"presence":{"types":[]},"account_data":{"types":[]}}`

const (
	// progressInterval throttles typing refreshes per session.
	progressInterval = 20 * time.Second
	// persistInterval spaces processed-event and sync-position snapshots.
	persistInterval = time.Minute
	// shutdownTimeout bounds the final snapshot write.
	shutdownTimeout = 5 * time.Second
	// sessionRetention keeps finished sessions for /sessions.
	sessionRetention = 30 * 24 * time.Hour
)

// Config holds everything a Bridge runs on. The caller owns Session,
// Agent and Store and closes them after Run returns.
type Config struct {
	Settings *config.Config
	Session  messaging.Session
	Agent    *opencode.Client
	Store    *store.Store

	// Clock drives every wait. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Bridge connects the chat intake to the agent server: it bootstraps
// the command room, feeds /sync timeline events to the router, and
// runs the watcher that reports session outcomes.
type Bridge struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	processed  *dedup.Log
	authorizer *router.Authorizer
	registry   *registry.Registry
	outbox     *Outbox
	watcher    *watcher.Watcher
	router     *router.Router

	// ready is closed once the sync position is known and the bridge
	// is dispatching commands.
	ready     chan struct{}
	readyOnce sync.Once

	// position is the latest /sync token whose events were dispatched.
	positionMu sync.Mutex
	position   string
}

// New validates config and wires the components. Persisted state is
// loaded here; nothing is sent until Run.
func New(ctx context.Context, cfg Config) (*Bridge, error) {
	if cfg.Settings == nil || cfg.Session == nil || cfg.Agent == nil || cfg.Store == nil {
		return nil, fmt.Errorf("bridge: Settings, Session, Agent and Store are required")
	}
	b := &Bridge{
		config: cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		ready:  make(chan struct{}),
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	settings := cfg.Settings

	b.processed = dedup.New(settings.State.ProcessedEvents)
	ids, err := cfg.Store.LoadProcessedEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	b.processed.Restore(ids)

	if removed, err := cfg.Store.PruneSessions(ctx, b.clock.Now().Add(-sessionRetention)); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	} else if removed > 0 {
		b.logger.Info("pruned finished sessions", "count", removed, "retention", sessionRetention)
	}

	b.registry, err = registry.New(ctx, registry.Config{
		Store:   cfg.Store,
		Creator: cfg.Agent,
		Clock:   b.clock,
		Logger:  b.logger.With("component", "registry"),
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	b.outbox, err = NewOutbox(OutboxConfig{
		Session:          cfg.Session,
		Processed:        b.processed,
		MaxMessageLength: settings.Bot.MaxMessageLength,
		Markdown:         settings.Bot.Markdown,
		TypingIndicator:  settings.Bot.TypingIndicator,
		PerMinute:        settings.Bot.RateLimit,
		Send:             settings.Retry.Send,
		Clock:            b.clock,
		Logger:           b.logger.With("component", "outbox"),
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	b.watcher, err = watcher.New(watcher.Config{
		Source:           eventSource{cfg.Agent},
		Notifier:         b.outbox,
		Proposer:         b.registry,
		Policy:           settings.Retry.Stream,
		ProgressInterval: progressInterval,
		SessionTimeout:   settings.OpenCode.SessionTimeout,
		Clock:            b.clock,
		Logger:           b.logger.With("component", "watcher"),
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	b.authorizer = router.NewAuthorizer(settings.AllowedUsers())
	b.router, err = router.New(router.Config{
		UserID:              cfg.Session.UserID(),
		Parser:              router.Parser{Prefix: settings.Bot.Prefix},
		Authorizer:          b.authorizer,
		Processed:           b.processed,
		Tasks:               cfg.Agent,
		Sessions:            b.registry,
		Watcher:             b.watcher,
		Replier:             b.outbox,
		Archiver:            cfg.Store,
		Breaker:             breaker.New(settings.Breaker, b.clock),
		Upstream:            settings.Retry.Upstream,
		DefaultAgent:        settings.OpenCode.DefaultAgent,
		DefaultModel:        settings.OpenCode.Model,
		UnknownCommandReply: settings.Bot.UnknownCommandReply,
		TypingIndicator:     settings.Bot.TypingIndicator,
		QueueDepth:          settings.Bot.QueueDepth,
		Clock:               b.clock,
		Logger:              b.logger.With("component", "router"),
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	return b, nil
}

// Ready is closed once Run is dispatching commands.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Run serves until ctx is cancelled. It returns nil on cancellation
// and an error only when startup fails. The watcher starts before the
// command room and the first sync, so sessions resumed from the last
// run are followed while the homeserver is still being set up. The
// first run starts at the homeserver's current position; later runs
// resume from the saved one.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		b.router.Close()
		wg.Wait()
		b.persist(context.WithoutCancel(ctx))
		b.logger.Info("bridge stopped")
	}()

	b.resumeSessions(ctx)
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		b.persistLoop(ctx)
	}()

	// Bootstrap runs beside intake; commands are served while it waits
	// out rate limits.
	if b.config.Settings.Matrix.CommandRoom.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.bootstrap(ctx); err != nil && ctx.Err() == nil {
				b.logger.Error("command room bootstrap failed", "error", err)
			}
		}()
	}

	saved, err := b.config.Store.LoadSyncPosition(ctx)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	var since string
	if saved == "" {
		since, err = b.initialSync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.advance(since)
	}

	b.logger.Info("bridge running", "user_id", b.config.Session.UserID(), "resumed", saved != "")
	b.readyOnce.Do(func() { close(b.ready) })
	if saved != "" {
		since, err = b.catchUp(ctx, saved)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	messaging.RunSyncLoop(ctx, b.config.Session, messaging.SyncConfig{
		Filter:  syncFilter,
		Backoff: b.config.Settings.Retry.Sync,
	}, since, b.handleSync, b.clock, b.logger.With("component", "sync"))
	return nil
}

// resumeSessions reconciles the persisted mapping with the server and
// resumes watching sessions that were working when the last run ended.
// An unreachable server skips reconciliation: the sessions are resumed
// and their status is checked once the event feed connects.
func (b *Bridge) resumeSessions(ctx context.Context) {
	survivors, err := b.registry.Reconcile(ctx, b.config.Agent)
	if err != nil {
		b.logger.Warn("session reconciliation skipped", "error", err)
		survivors = nil
		for _, entry := range b.registry.List() {
			if entry.Live() {
				survivors = append(survivors, entry)
			}
		}
	}
	for _, entry := range survivors {
		if entry.Status == opencode.StatusIdle {
			continue
		}
		b.logger.Info("resuming session watch",
			"session_id", entry.SessionID,
			"room_id", entry.ConversationID,
			"status", entry.Status,
		)
		b.watcher.Resume(entry.SessionID, entry.ConversationID)
	}
}

func (b *Bridge) bootstrap(ctx context.Context) error {
	settings := b.config.Settings.Matrix.CommandRoom
	bootConfig := BootstrapConfig{
		Session: b.config.Session,
		State:   b.config.Store,
		Name:    settings.Name,
		Topic:   settings.Topic,
		Invite:  b.config.Settings.InviteUsers(),
		Policy:  b.config.Settings.Retry.Bootstrap,
		Clock:   b.clock,
		Logger:  b.logger.With("component", "bootstrap"),
	}
	// Both parse after config validation.
	if settings.Alias != "" {
		bootConfig.Alias, _ = ref.ParseRoomAlias(settings.Alias)
	}
	if settings.OperatorRoom != "" {
		bootConfig.OperatorRoom, _ = ref.ParseRoomID(settings.OperatorRoom)
	}

	bootCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	result, err := Bootstrap(bootCtx, bootConfig)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			b.logger.Error("command room bootstrap timed out", "timeout", bootstrapTimeout)
			return nil
		}
		return err
	}
	if !result.RoomID.IsZero() {
		b.logger.Info("command room ready", "room_id", result.RoomID, "created", result.Created)
	}
	return nil
}

// initialSync fetches the current position without replaying history.
// Pending invites in the response are handled; timeline events are
// not dispatched, since they were sent before this run.
func (b *Bridge) initialSync(ctx context.Context) (string, error) {
	policy := b.config.Settings.Retry.Sync
	for failures := 1; ; failures++ {
		since, response, err := messaging.InitialSync(ctx, b.config.Session, syncFilter)
		if err == nil {
			b.handleInvites(ctx, response)
			return since, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !messaging.IsTransient(err) {
			return "", fmt.Errorf("bridge: %w", err)
		}
		hint, _ := messaging.RateLimit(err)
		delay := policy.Wait(failures, hint)
		b.logger.Warn("initial sync failed, retrying", "error", err, "delay", delay)
		if err := clock.Wait(ctx, b.clock, delay); err != nil {
			return "", err
		}
	}
}

// catchUp syncs from the position saved by the last run, dispatching
// what arrived while the bridge was down. Events already handled
// before the restart are dropped by the processed log. A position the
// homeserver no longer accepts falls back to a fresh initial sync.
func (b *Bridge) catchUp(ctx context.Context, saved string) (string, error) {
	policy := b.config.Settings.Retry.Sync
	for failures := 1; ; failures++ {
		response, err := b.config.Session.Sync(ctx, messaging.SyncOptions{
			Since:      saved,
			Filter:     syncFilter,
			SetTimeout: true,
		})
		if err == nil {
			b.handleSync(ctx, response)
			return response.NextBatch, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !messaging.IsTransient(err) {
			b.logger.Warn("saved sync position rejected, starting fresh", "since", saved, "error", err)
			since, err := b.initialSync(ctx)
			if err == nil {
				b.advance(since)
			}
			return since, err
		}
		hint, _ := messaging.RateLimit(err)
		delay := policy.Wait(failures, hint)
		b.logger.Warn("catch-up sync failed, retrying", "error", err, "delay", delay)
		if err := clock.Wait(ctx, b.clock, delay); err != nil {
			return "", err
		}
	}
}

func (b *Bridge) handleSync(ctx context.Context, response *messaging.SyncResponse) {
	b.handleInvites(ctx, response)
	for roomID, room := range response.Rooms.Join {
		for _, event := range room.Timeline.Events {
			b.router.Handle(ctx, roomID, event)
		}
	}
	b.advance(response.NextBatch)
}

// advance records the sync position once the batch before it was
// handed to the router.
func (b *Bridge) advance(nextBatch string) {
	if nextBatch == "" {
		return
	}
	b.positionMu.Lock()
	b.position = nextBatch
	b.positionMu.Unlock()
}

// handleInvites joins rooms that permitted users invited the bridge to.
func (b *Bridge) handleInvites(ctx context.Context, response *messaging.SyncResponse) {
	self := b.config.Session.UserID()
	for roomID, invited := range response.Rooms.Invite {
		inviter := invited.Inviter(self)
		logger := b.logger.With("room_id", roomID, "inviter", inviter)
		if inviter.IsZero() || !b.authorizer.Permits(inviter) {
			logger.Warn("ignoring invite")
			continue
		}
		if _, err := b.config.Session.JoinRoom(ctx, roomID); err != nil {
			logger.Error("joining invited room failed", "error", err)
			continue
		}
		logger.Info("joined invited room")
	}
}

func (b *Bridge) persistLoop(ctx context.Context) {
	ticker := b.clock.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.persist(ctx)
		}
	}
}

func (b *Bridge) persist(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	now := b.clock.Now()
	// The position is read before the snapshot is taken, so a saved
	// position never runs ahead of the events it covers.
	b.positionMu.Lock()
	position := b.position
	b.positionMu.Unlock()
	if err := b.config.Store.SaveProcessedEvents(ctx, b.processed.Snapshot(), now); err != nil {
		b.logger.Error("saving processed events failed", "error", err)
		return
	}
	if position == "" {
		return
	}
	if err := b.config.Store.SaveSyncPosition(ctx, position, now); err != nil {
		b.logger.Error("saving sync position failed", "error", err)
	}
}
