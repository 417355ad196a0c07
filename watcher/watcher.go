// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/dedup"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/retry"
	"github.com/bureau-foundation/codebeep/opencode"
)

// Stream is an open event subscription.
type Stream interface {
	Next() (opencode.Event, error)
	Close() error
}

// Source is the part of the agent API the watcher reads.
type Source interface {
	Subscribe(ctx context.Context) (Stream, error)
	SessionStatuses(ctx context.Context) (map[string]opencode.RemoteStatus, error)
	Messages(ctx context.Context, sessionID string) ([]opencode.Message, error)
}

// Proposer receives status transitions. The registry implements it.
type Proposer interface {
	MarkTerminal(ctx context.Context, sessionID string, status opencode.Status) error
	Apply(ctx context.Context, sessionID string, status opencode.Status) error
}

// NoticeKind says what happened to a watched session.
type NoticeKind int

const (
	// NoticeProgress means the session is working. Delivered at most
	// once per ProgressInterval per session.
	NoticeProgress NoticeKind = iota
	// NoticeCompleted is delivered exactly once when the session
	// finishes. Text holds the last assistant reply when available.
	NoticeCompleted
	// NoticeFailed is delivered exactly once when the session reports
	// an error. Text holds the server's description.
	NoticeFailed
	// NoticeReconnecting is delivered at most once per session per
	// feed outage.
	NoticeReconnecting
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeProgress:
		return "progress"
	case NoticeCompleted:
		return "completed"
	case NoticeFailed:
		return "failed"
	case NoticeReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("NoticeKind(%d)", int(k))
}

// Notice is one message for a conversation about its session.
type Notice struct {
	Kind           NoticeKind
	SessionID      string
	ConversationID ref.RoomID
	Text           string
	// Ordinal is the submission a completed or failed notice reports,
	// counted from 1 per watch. Zero for sessions watched without a
	// submission.
	Ordinal int
}

// Notifier delivers notices to the conversation.
type Notifier interface {
	Notify(ctx context.Context, notice Notice) error
}

// Config holds the dependencies of a Watcher.
type Config struct {
	Source   Source
	Notifier Notifier
	Proposer Proposer
	// Policy schedules resubscription after the feed drops. Attempts
	// is ignored: the watcher resubscribes until its context ends.
	Policy retry.Policy
	// ProgressInterval throttles NoticeProgress. Zero delivers every
	// new progress event.
	ProgressInterval time.Duration
	// SessionTimeout fails a watched session that reports no terminal
	// event within it. Zero waits forever.
	SessionTimeout time.Duration
	// SeenLimit bounds the per-session set of forwarded message IDs.
	// Default 512.
	SeenLimit int
	// Clock drives backoff and throttling. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// watch is the per-session state machine: subscribed, then any number
// of progress events, then one terminal event that removes it.
type watch struct {
	sessionID      string
	conversationID ref.RoomID
	started        time.Time
	seen           *dedup.Log
	lastProgress   time.Time
	running        bool
	outageNotified bool
	// resumed marks sessions carried over from a previous run. Their
	// status is checked when the first subscription opens.
	resumed bool
	// holds counts outstanding Hold calls. While positive, a terminal
	// outcome is parked in pending instead of reported.
	holds   int
	pending *outcome
	// tasks counts prompts the server accepted for this session.
	tasks int
}

type outcome struct {
	status opencode.Status
	detail string
}

// Watcher follows watched sessions over one shared event subscription
// and reports their lifecycle to the notifier.
type Watcher struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

// New validates config and returns an idle Watcher. Call Run to start
// consuming the feed.
func New(config Config) (*Watcher, error) {
	if config.Source == nil || config.Notifier == nil || config.Proposer == nil {
		return nil, fmt.Errorf("watcher: Source, Notifier and Proposer are required")
	}
	if config.SeenLimit <= 0 {
		config.SeenLimit = 512
	}
	w := &Watcher{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		watches: make(map[string]*watch),
	}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w, nil
}

// Watch registers interest in a session. Watching an already watched
// session keeps its existing state.
func (w *Watcher) Watch(sessionID string, conversationID ref.RoomID) {
	w.add(sessionID, conversationID, false)
}

// Resume watches a session that was running before a restart. Call it
// before Run: the first subscription checks whether it finished while
// nothing was listening.
func (w *Watcher) Resume(sessionID string, conversationID ref.RoomID) {
	w.add(sessionID, conversationID, true)
}

// Hold watches a session like Watch and defers its terminal notice,
// and the terminal status proposal, until the matching Release. The
// caller uses it to get its own acknowledgement out before the outcome.
func (w *Watcher) Hold(sessionID string, conversationID ref.RoomID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addLocked(sessionID, conversationID, false).holds++
}

// Release ends one Hold. submitted reports whether the server
// accepted the prompt sent under it.
//
// A completion parked while held may belong to an earlier prompt that
// finished just as the new one was sent. The server is asked once: if
// the session is still busy the parked completion is reported for the
// earlier prompt and the watch stays. Otherwise the outcome is
// reported and the watch ends.
func (w *Watcher) Release(ctx context.Context, sessionID string, submitted bool) {
	w.mu.Lock()
	state, ok := w.watches[sessionID]
	if !ok || state.holds == 0 {
		w.mu.Unlock()
		return
	}
	earlier := state.tasks
	if submitted {
		state.tasks++
	}
	parked := state.pending
	if state.holds > 1 || parked == nil {
		state.holds--
		w.mu.Unlock()
		return
	}
	// The hold stays up during the check, so a new outcome parks in
	// pending again.
	state.pending = nil
	w.mu.Unlock()

	stale := parked.status == opencode.StatusCompleted && w.remoteBusy(ctx, sessionID)

	w.mu.Lock()
	state.holds--
	latest := state.pending
	state.pending = nil
	_, watching := w.watches[sessionID]
	w.mu.Unlock()

	switch {
	case latest != nil:
		w.finish(ctx, sessionID, latest.status, latest.detail)
	case !stale:
		w.finish(ctx, sessionID, parked.status, parked.detail)
	case earlier > 0 && watching:
		w.logger.Info("earlier prompt finished, session still busy", "session_id", sessionID, "room_id", state.conversationID)
		w.notify(ctx, Notice{
			Kind:           NoticeCompleted,
			SessionID:      sessionID,
			ConversationID: state.conversationID,
			Text:           w.lastAssistantText(ctx, sessionID),
			Ordinal:        earlier,
		})
	default:
		w.logger.Debug("dropping idle event that preceded the prompt", "session_id", sessionID)
	}
}

// remoteBusy reports whether the server lists the session as working.
// A failed query counts as not busy.
func (w *Watcher) remoteBusy(ctx context.Context, sessionID string) bool {
	statuses, err := w.config.Source.SessionStatuses(ctx)
	if err != nil {
		w.logger.Warn("session status check failed", "session_id", sessionID, "error", err)
		return false
	}
	remote, listed := statuses[sessionID]
	return listed && remote.Status != opencode.StatusIdle
}

func (w *Watcher) add(sessionID string, conversationID ref.RoomID, resumed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addLocked(sessionID, conversationID, resumed)
}

func (w *Watcher) addLocked(sessionID string, conversationID ref.RoomID, resumed bool) *watch {
	if state, ok := w.watches[sessionID]; ok {
		return state
	}
	state := &watch{
		sessionID:      sessionID,
		conversationID: conversationID,
		started:        w.clock.Now(),
		seen:           dedup.New(w.config.SeenLimit),
		resumed:        resumed,
	}
	w.watches[sessionID] = state
	w.logger.Debug("watching session", "session_id", sessionID, "room_id", conversationID, "resumed", resumed)
	return state
}

// Unwatch stops following a session without notifying anyone.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watches, sessionID)
}

// Watching reports whether a session is being followed.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[sessionID]
	return ok
}

// Len returns the number of watched sessions.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watches)
}

// Run consumes the event feed until ctx ends. A dropped or refused
// subscription is retried on the policy schedule; the only error
// returned is the context's.
func (w *Watcher) Run(ctx context.Context) error {
	if w.config.SessionTimeout > 0 {
		go w.expireLoop(ctx)
	}
	failures := 0
	outage := false
	first := true
	for {
		stream, err := w.config.Source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			w.beginOutage(ctx, err, failures)
			if err := w.backoff(ctx, failures); err != nil {
				return err
			}
			outage = true
			continue
		}

		if outage {
			w.endOutage(ctx, failures)
			outage = false
		} else if first {
			w.checkStatuses(ctx, func(state *watch) bool { return state.resumed })
		}
		first = false

		received, err := w.consume(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			failures = 0
		}
		failures++
		w.beginOutage(ctx, err, failures)
		outage = true
		if err := w.backoff(ctx, failures); err != nil {
			return err
		}
	}
}

// consume reads one subscription until it breaks. received reports
// whether at least one event arrived.
func (w *Watcher) consume(ctx context.Context, stream Stream) (received bool, err error) {
	for {
		event, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return received, fmt.Errorf("watcher: event stream closed by server")
			}
			return received, err
		}
		received = true
		w.handle(ctx, event)
	}
}

func (w *Watcher) backoff(ctx context.Context, failures int) error {
	delay := w.config.Policy.Wait(failures, 0)
	return clock.Wait(ctx, w.clock, delay)
}

// beginOutage sends the reconnecting notice to every watched session
// that has not had one since the feed was last healthy.
func (w *Watcher) beginOutage(ctx context.Context, cause error, failures int) {
	w.mu.Lock()
	var pending []Notice
	for _, state := range w.watches {
		if state.outageNotified || state.pending != nil {
			continue
		}
		state.outageNotified = true
		pending = append(pending, Notice{
			Kind:           NoticeReconnecting,
			SessionID:      state.sessionID,
			ConversationID: state.conversationID,
		})
	}
	w.mu.Unlock()

	w.logger.Warn("event feed unavailable, resubscribing",
		"error", cause,
		"failures", failures,
		"watched", w.Len(),
	)
	for _, notice := range pending {
		w.notify(ctx, notice)
	}
}

// endOutage runs once after a successful resubscribe. Terminal events
// emitted during the gap are lost, so the current status of every
// watched session is checked once: a session no longer busy is treated
// as completed.
func (w *Watcher) endOutage(ctx context.Context, failures int) {
	w.mu.Lock()
	for _, state := range w.watches {
		state.outageNotified = false
	}
	count := len(w.watches)
	w.mu.Unlock()

	w.logger.Info("event feed resubscribed", "failures", failures, "watched", count)
	w.checkStatuses(ctx, func(*watch) bool { return true })
}

// checkStatuses queries the server once and completes every selected
// session that is no longer busy. The status endpoint lists only busy
// sessions, so an absent session counts as idle.
func (w *Watcher) checkStatuses(ctx context.Context, selected func(*watch) bool) {
	w.mu.Lock()
	var ids []string
	for id, state := range w.watches {
		if selected(state) {
			ids = append(ids, id)
		}
		state.resumed = false
	}
	w.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	statuses, err := w.config.Source.SessionStatuses(ctx)
	if err != nil {
		w.logger.Warn("session status check failed", "error", err)
		return
	}
	for _, sessionID := range ids {
		remote, busy := statuses[sessionID]
		if busy && remote.Status != opencode.StatusIdle {
			continue
		}
		w.logger.Info("session finished while the feed was not listening", "session_id", sessionID)
		w.finish(ctx, sessionID, opencode.StatusCompleted, "")
	}
}

func (w *Watcher) handle(ctx context.Context, event opencode.Event) {
	if event.SessionID == "" {
		return
	}
	switch event.Kind {
	case opencode.KindCompleted:
		w.finish(ctx, event.SessionID, opencode.StatusCompleted, "")
	case opencode.KindError:
		w.finish(ctx, event.SessionID, opencode.StatusFailed, event.ErrorText)
	case opencode.KindProgress, opencode.KindMessage:
		w.progress(ctx, event)
	}
}

func (w *Watcher) progress(ctx context.Context, event opencode.Event) {
	w.mu.Lock()
	state, ok := w.watches[event.SessionID]
	if !ok || state.pending != nil {
		w.mu.Unlock()
		return
	}
	if event.MessageID != "" && !state.seen.Record(event.MessageID) {
		w.mu.Unlock()
		return
	}
	markRunning := !state.running
	state.running = true
	now := w.clock.Now()
	deliver := state.lastProgress.IsZero() || now.Sub(state.lastProgress) >= w.config.ProgressInterval
	if deliver {
		state.lastProgress = now
	}
	notice := Notice{Kind: NoticeProgress, SessionID: state.sessionID, ConversationID: state.conversationID}
	w.mu.Unlock()

	if markRunning {
		if err := w.config.Proposer.Apply(ctx, event.SessionID, opencode.StatusRunning); err != nil {
			w.logger.Warn("proposing running status failed", "session_id", event.SessionID, "error", err)
		}
	}
	if deliver {
		w.notify(ctx, notice)
	}
}

// finish removes the watch before anything else so a repeated terminal
// event, or a status check racing the feed, finds nothing to report.
// A held watch keeps the first outcome for Release instead.
func (w *Watcher) finish(ctx context.Context, sessionID string, status opencode.Status, detail string) {
	w.mu.Lock()
	state, ok := w.watches[sessionID]
	if ok && state.holds > 0 {
		if state.pending == nil {
			state.pending = &outcome{status: status, detail: detail}
		}
		w.mu.Unlock()
		return
	}
	var ordinal int
	if ok {
		delete(w.watches, sessionID)
		ordinal = state.tasks
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	if err := w.config.Proposer.MarkTerminal(ctx, sessionID, status); err != nil {
		w.logger.Error("proposing terminal status failed",
			"session_id", sessionID,
			"room_id", state.conversationID,
			"status", status,
			"error", err,
		)
	}

	notice := Notice{SessionID: sessionID, ConversationID: state.conversationID, Text: detail, Ordinal: ordinal}
	if status == opencode.StatusCompleted {
		notice.Kind = NoticeCompleted
		notice.Text = w.lastAssistantText(ctx, sessionID)
	} else {
		notice.Kind = NoticeFailed
	}
	w.logger.Info("session finished", "session_id", sessionID, "room_id", state.conversationID, "status", status)
	w.notify(ctx, notice)
}

// expireLoop fails sessions that outlive SessionTimeout. The sweep
// runs at a quarter of the timeout, capped at one minute.
func (w *Watcher) expireLoop(ctx context.Context) {
	interval := min(w.config.SessionTimeout/4, time.Minute)
	if interval <= 0 {
		interval = w.config.SessionTimeout
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.expire(ctx)
		}
	}
}

func (w *Watcher) expire(ctx context.Context) {
	now := w.clock.Now()
	w.mu.Lock()
	var expired []string
	for id, state := range w.watches {
		if now.Sub(state.started) >= w.config.SessionTimeout {
			expired = append(expired, id)
		}
	}
	w.mu.Unlock()
	for _, sessionID := range expired {
		w.logger.Warn("session timed out", "session_id", sessionID, "timeout", w.config.SessionTimeout)
		w.finish(ctx, sessionID, opencode.StatusFailed,
			fmt.Sprintf("no result after %v", w.config.SessionTimeout))
	}
}

func (w *Watcher) lastAssistantText(ctx context.Context, sessionID string) string {
	messages, err := w.config.Source.Messages(ctx, sessionID)
	if err != nil {
		w.logger.Warn("fetching final reply failed", "session_id", sessionID, "error", err)
		return ""
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		if text := messages[i].Text(); text != "" {
			return text
		}
	}
	return ""
}

func (w *Watcher) notify(ctx context.Context, notice Notice) {
	if err := w.config.Notifier.Notify(ctx, notice); err != nil {
		w.logger.Error("delivering session notice failed",
			"kind", notice.Kind,
			"session_id", notice.SessionID,
			"room_id", notice.ConversationID,
			"error", err,
		)
	}
}
