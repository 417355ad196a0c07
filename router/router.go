// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/codebeep/lib/breaker"
	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/dedup"
	"github.com/bureau-foundation/codebeep/lib/netutil"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/retry"
	"github.com/bureau-foundation/codebeep/messaging"
	"github.com/bureau-foundation/codebeep/opencode"
	"github.com/bureau-foundation/codebeep/registry"
)

// TaskClient is the part of the agent API the router calls.
type TaskClient interface {
	SendMessage(ctx context.Context, sessionID string, prompt opencode.Prompt) (opencode.Ack, error)
	ExecuteSlashCommand(ctx context.Context, sessionID, command, arguments string, prompt opencode.Prompt) (opencode.Message, error)
	GetSession(ctx context.Context, sessionID string) (opencode.Session, error)
	ListAgents(ctx context.Context) ([]opencode.Agent, error)
	ListCommands(ctx context.Context) ([]opencode.CommandInfo, error)
	Abort(ctx context.Context, sessionID string) error
	Health(ctx context.Context) (opencode.Health, error)
}

// Sessions is the registry surface the router uses.
type Sessions interface {
	Resolve(ctx context.Context, conversationID ref.RoomID, agent string) (registry.Entry, bool, error)
	Recreate(ctx context.Context, conversationID ref.RoomID, staleSessionID, agent string) (registry.Entry, error)
	Supersede(ctx context.Context, conversationID ref.RoomID, reason string) (registry.Entry, bool, error)
	Apply(ctx context.Context, sessionID string, status opencode.Status) error
	MarkTerminalReason(ctx context.Context, sessionID string, status opencode.Status, reason string) error
	Current(conversationID ref.RoomID) (registry.Entry, bool)
	Latest(conversationID ref.RoomID) (registry.Entry, bool)
	List() []registry.Entry
	SetModel(ctx context.Context, conversationID ref.RoomID, model string) error
	Model(conversationID ref.RoomID) string
}

// Watcher follows sessions once a prompt is submitted. A held
// session's outcome is reported only after Release, which the router
// calls once the acknowledgement is sent, or with submitted false when
// the prompt was refused.
type Watcher interface {
	Hold(sessionID string, conversationID ref.RoomID)
	Release(ctx context.Context, sessionID string, submitted bool)
	Unwatch(sessionID string)
	Watching(sessionID string) bool
}

// Reply is one outbound answer. SourceEventID identifies the command
// being answered so a retried send reuses its transaction ID.
type Reply struct {
	ConversationID ref.RoomID
	SourceEventID  ref.EventID
	Text           string
}

// Replier sends replies to the conversation. Reply returns the IDs of
// every event it sent (long replies are split).
type Replier interface {
	Reply(ctx context.Context, reply Reply) ([]ref.EventID, error)
	SetTyping(ctx context.Context, conversationID ref.RoomID, typing bool) error
}

// Archiver keeps raw payloads of responses that failed to decode.
type Archiver interface {
	ArchiveProtocolError(ctx context.Context, op, detail string, raw []byte, now time.Time) error
}

// Config holds the dependencies of a Router.
type Config struct {
	// UserID is the bridge's own account. Events it sent are dropped.
	UserID ref.UserID

	Parser     Parser
	Authorizer *Authorizer
	// Processed is the shared processed-event log. Required.
	Processed *dedup.Log

	Tasks    TaskClient
	Sessions Sessions
	Watcher  Watcher
	Replier  Replier
	// Archiver is optional.
	Archiver Archiver

	// Breaker guards session-creating commands. Nil disables it.
	Breaker *breaker.Breaker
	// Upstream retries agent calls that fail to connect.
	Upstream retry.Policy

	// DefaultAgent is used by /command. Empty means "build".
	DefaultAgent string
	// DefaultModel is sent when the conversation has no override.
	DefaultModel string

	UnknownCommandReply bool
	TypingIndicator     bool

	// QueueDepth bounds waiting commands per conversation. Default 16.
	QueueDepth int
	// WorkerIdle is how long a conversation's worker waits for its
	// next command before exiting. Default 10m.
	WorkerIdle time.Duration

	// Clock drives retry waits. If nil, clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Router turns inbound chat events into agent calls and replies.
// Intake (Handle) is synchronous and cheap; execution runs on one
// worker goroutine per conversation, so commands within a room run in
// order and a slow room never stalls another.
type Router struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	workers map[ref.RoomID]chan job
}

type job struct {
	command   Command
	requestID string
}

// New validates config and returns a Router ready for Handle.
func New(config Config) (*Router, error) {
	if config.UserID.IsZero() {
		return nil, fmt.Errorf("router: UserID is required")
	}
	if config.Processed == nil || config.Tasks == nil || config.Sessions == nil ||
		config.Watcher == nil || config.Replier == nil {
		return nil, fmt.Errorf("router: Processed, Tasks, Sessions, Watcher and Replier are required")
	}
	if config.Authorizer == nil {
		config.Authorizer = NewAuthorizer(nil)
	}
	if config.DefaultAgent == "" {
		config.DefaultAgent = "build"
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 16
	}
	if config.WorkerIdle <= 0 {
		config.WorkerIdle = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[ref.RoomID]chan job),
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Close stops the workers, abandoning queued commands, and waits for
// running ones to return.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// IsSelfOrigin reports whether event was produced by the bridge: sent
// by its own account, already in the processed log (outbound reply
// IDs are recorded there), or carrying one of its transaction IDs.
func (r *Router) IsSelfOrigin(event messaging.Event) bool {
	if event.Sender == r.config.UserID {
		return true
	}
	if !event.EventID.IsZero() && r.config.Processed.Seen(event.EventID.String()) {
		return true
	}
	if event.Unsigned != nil && messaging.IsOwnTransaction(event.Unsigned.TransactionID) {
		return true
	}
	return false
}

// Handle filters, parses and authorizes one timeline event, then
// queues it on the conversation's worker. It never blocks on upstream
// calls.
func (r *Router) Handle(ctx context.Context, roomID ref.RoomID, event messaging.Event) {
	if event.Type != "m.room.message" {
		return
	}
	logger := r.logger.With("room_id", roomID, "event_id", event.EventID)
	if r.IsSelfOrigin(event) {
		logger.Debug("dropping self-originated event")
		return
	}
	if !r.config.Processed.Record(event.EventID.String()) {
		logger.Debug("dropping duplicate event")
		return
	}
	if event.ContentString("msgtype") != "m.text" {
		return
	}
	command, ok := r.config.Parser.Parse(event.ContentString("body"))
	if !ok {
		return
	}
	command.IssuedBy = event.Sender
	command.SourceEventID = event.EventID
	command.ConversationID = roomID

	switch r.config.Authorizer.Authorize(event.Sender, roomID) {
	case Denied:
		logger.Warn("command from unauthorized user", "sender", event.Sender, "verb", command.Verb)
		r.background(func(ctx context.Context) {
			r.reply(ctx, logger, command, UserMessage(KindUnauthorized))
		})
		return
	case DeniedQuiet:
		logger.Debug("command from unauthorized user, already notified", "sender", event.Sender)
		return
	}

	requestID := uuid.NewString()
	if !r.enqueue(job{command: command, requestID: requestID}) {
		logger.Warn("conversation queue full, refusing command", "verb", command.Verb, "request_id", requestID)
		r.background(func(ctx context.Context) {
			r.reply(ctx, logger, command, "Too many commands are waiting in this room. Wait for the current ones to finish.")
		})
	}
}

// enqueue starts the conversation's worker on first use. It reports
// false when the queue is full or the router is closed. The send
// happens under mu so a retiring worker never strands a job.
func (r *Router) enqueue(next job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	roomID := next.command.ConversationID
	queue, ok := r.workers[roomID]
	if !ok {
		queue = make(chan job, r.config.QueueDepth)
		r.workers[roomID] = queue
		r.wg.Add(1)
		go r.work(roomID, queue)
	}

	select {
	case queue <- next:
		return true
	default:
		return false
	}
}

func (r *Router) work(roomID ref.RoomID, queue chan job) {
	defer r.wg.Done()
	for {
		idle := r.clock.NewTimer(r.config.WorkerIdle)
		select {
		case <-r.ctx.Done():
			idle.Stop()
			return
		case next := <-queue:
			idle.Stop()
			r.execute(r.ctx, next)
		case <-idle.C:
			if r.retire(roomID, queue) {
				return
			}
		}
	}
}

// retire removes an idle worker. It fails when a job slipped in
// between the timer firing and the lock.
func (r *Router) retire(roomID ref.RoomID, queue chan job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(queue) > 0 {
		return false
	}
	if r.workers[roomID] == queue {
		delete(r.workers, roomID)
	}
	r.logger.Debug("conversation worker idle, exiting", "room_id", roomID)
	return true
}

// workerCount reports the conversations with a live worker.
func (r *Router) workerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// background runs fn on the router's context, tracked by Close.
func (r *Router) background(fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

// execute runs one command. A panic is contained to this command: it
// is logged with the conversation and session IDs and answered with
// the generic failure message.
func (r *Router) execute(ctx context.Context, next job) {
	command := next.command
	logger := r.logger.With(
		"room_id", command.ConversationID,
		"event_id", command.SourceEventID,
		"request_id", next.requestID,
		"verb", command.Verb,
	)
	logger.Info("executing command", "sender", command.IssuedBy)

	if r.config.TypingIndicator && command.Verb != VerbUnknown {
		r.typing(ctx, logger, command.ConversationID, true)
		defer r.typing(ctx, logger, command.ConversationID, false)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("command handler panicked",
				"session_id", r.currentSessionID(command.ConversationID),
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			r.reply(ctx, logger, command, UserMessage(KindInternal))
		}
	}()

	text, err := r.dispatch(ctx, logger, command)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("command abandoned at shutdown", "error", err)
			return
		}
		text = r.failureText(ctx, logger, command, err)
	}
	if text != "" {
		r.reply(ctx, logger, command, text)
	}
}

// failureText logs err with full context and returns the stable
// message for its kind.
func (r *Router) failureText(ctx context.Context, logger *slog.Logger, command Command, err error) string {
	kind := Classify(err)
	attrs := []any{
		"kind", kind,
		"session_id", r.currentSessionID(command.ConversationID),
		"error", err,
	}
	if protocolErr, ok := opencode.AsProtocolError(err); ok {
		attrs = append(attrs, "raw", netutil.Truncate(protocolErr.Raw, netutil.MaxErrorBody))
		r.archive(ctx, logger, protocolErr.Op, protocolErr.Error(), protocolErr.Raw)
	}
	var statusErr *opencode.StatusError
	if errors.As(err, &statusErr) {
		r.archive(ctx, logger, statusErr.Op, statusErr.Error(), []byte(statusErr.Body))
	}
	switch kind {
	case KindCircuitOpen, KindUpstreamUnavailable, KindRateLimited:
		logger.Warn("command failed", attrs...)
	default:
		logger.Error("command failed", attrs...)
	}
	return UserMessage(kind)
}

func (r *Router) archive(ctx context.Context, logger *slog.Logger, op, detail string, raw []byte) {
	if r.config.Archiver == nil {
		return
	}
	if err := r.config.Archiver.ArchiveProtocolError(ctx, op, detail, raw, r.clock.Now()); err != nil {
		logger.Warn("archiving protocol error failed", "error", err)
	}
}

func (r *Router) currentSessionID(roomID ref.RoomID) string {
	if entry, ok := r.config.Sessions.Current(roomID); ok {
		return entry.SessionID
	}
	return ""
}

// reply sends text and records the resulting event IDs so their echo
// is recognized on the next sync.
func (r *Router) reply(ctx context.Context, logger *slog.Logger, command Command, text string) {
	ids, err := r.config.Replier.Reply(ctx, Reply{
		ConversationID: command.ConversationID,
		SourceEventID:  command.SourceEventID,
		Text:           text,
	})
	for _, id := range ids {
		r.config.Processed.Record(id.String())
	}
	if err != nil {
		logger.Error("sending reply failed", "error", err, "kind", Classify(err))
	}
}

func (r *Router) typing(ctx context.Context, logger *slog.Logger, roomID ref.RoomID, typing bool) {
	if err := r.config.Replier.SetTyping(ctx, roomID, typing); err != nil {
		logger.Debug("typing indicator failed", "typing", typing, "error", err)
	}
}

// upstream retries fn while the agent server is unreachable.
func (r *Router) upstream(ctx context.Context, op string, fn func(context.Context) error) error {
	classify := func(err error) retry.Verdict {
		if opencode.IsUnavailable(err) {
			return retry.Again
		}
		return retry.Stop
	}
	return r.config.Upstream.Do(ctx, r.clock, classify, fn, retry.OnRetry(func(attempt retry.Attempt) {
		r.logger.Warn("agent server call failed, retrying",
			"op", op,
			"attempt", attempt.Number,
			"delay", attempt.Delay,
			"error", attempt.Err,
		)
	}))
}

// guarded is upstream behind the circuit breaker. While the circuit
// is open fn is not called and *breaker.OpenError is returned.
func (r *Router) guarded(ctx context.Context, op string, fn func(context.Context) error) error {
	guard := r.config.Breaker
	if guard == nil {
		return r.upstream(ctx, op, fn)
	}
	if err := guard.Allow(); err != nil {
		return err
	}
	err := r.upstream(ctx, op, fn)
	switch {
	case ctx.Err() != nil:
		guard.Release()
	case err == nil:
		guard.Success()
	case opencode.IsUnavailable(err):
		if guard.Failure() {
			r.logger.Warn("circuit opened after repeated agent server failures", "op", op, "error", err)
		}
	case Classify(err) == KindInternal:
		guard.Release()
	default:
		// The server answered, even if with an error.
		guard.Success()
	}
	return err
}
