// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/dedup"
	"github.com/bureau-foundation/codebeep/lib/markdown"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/retry"
	"github.com/bureau-foundation/codebeep/messaging"
	"github.com/bureau-foundation/codebeep/router"
	"github.com/bureau-foundation/codebeep/watcher"
)

// SendSession is the part of the Matrix session the outbox uses.
type SendSession interface {
	SendEventTxn(ctx context.Context, roomID ref.RoomID, eventType, transactionID string, content any) (ref.EventID, error)
	SetTyping(ctx context.Context, roomID ref.RoomID, typing bool, timeout time.Duration) error
}

// OutboxConfig holds the dependencies of an Outbox.
type OutboxConfig struct {
	Session SendSession
	// Processed receives the ID of every event sent, so the echo is
	// recognized when sync returns it. Required.
	Processed *dedup.Log

	// MaxMessageLength splits longer texts on line boundaries.
	MaxMessageLength int
	// Markdown attaches an HTML rendering to each message.
	Markdown bool
	// TypingIndicator shows typing while a watched session works.
	TypingIndicator bool

	// PerMinute is the outbound message budget. Zero is unlimited.
	PerMinute int
	// Send retries rate-limited and transient sends.
	Send retry.Policy

	Clock  clock.Clock
	Logger *slog.Logger
}

// Outbox is the single outbound path to Matrix. It implements
// router.Replier and watcher.Notifier. Every message is an m.notice
// sent under a transaction ID derived from what it answers, so a
// retried send is dropped by the homeserver instead of posted twice.
type Outbox struct {
	config  OutboxConfig
	clock   clock.Clock
	logger  *slog.Logger
	limiter *rate.Limiter

	mu sync.Mutex
	// outages counts reconnect notices per session so each outage
	// gets its own transaction ID.
	outages map[string]int
}

var (
	_ router.Replier   = (*Outbox)(nil)
	_ watcher.Notifier = (*Outbox)(nil)
)

// NewOutbox validates config and returns an Outbox.
func NewOutbox(config OutboxConfig) (*Outbox, error) {
	if config.Session == nil || config.Processed == nil {
		return nil, fmt.Errorf("outbox: Session and Processed are required")
	}
	o := &Outbox{
		config:  config,
		clock:   config.Clock,
		logger:  config.Logger,
		limiter: rate.NewLimiter(rate.Inf, 0),
		outages: make(map[string]int),
	}
	if config.PerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.PerMinute)), min(config.PerMinute, 10))
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// Reply sends a command answer, split as needed. The first chunk is
// marked as a reply to the command. A reply to no event gets a fresh
// identity, so every such reply is posted.
func (o *Outbox) Reply(ctx context.Context, reply router.Reply) ([]ref.EventID, error) {
	source := reply.SourceEventID.String()
	if reply.SourceEventID.IsZero() {
		source = "unsourced:" + uuid.NewString()
	}
	return o.send(ctx, reply.ConversationID, reply.SourceEventID, reply.Text,
		reply.ConversationID.String(), source)
}

// Notify delivers a session notice. Progress notices only refresh the
// typing indicator.
func (o *Outbox) Notify(ctx context.Context, notice watcher.Notice) error {
	switch notice.Kind {
	case watcher.NoticeProgress:
		if o.config.TypingIndicator {
			return o.SetTyping(ctx, notice.ConversationID, true)
		}
		return nil
	case watcher.NoticeCompleted, watcher.NoticeFailed:
		if o.config.TypingIndicator {
			if err := o.SetTyping(ctx, notice.ConversationID, false); err != nil {
				o.logger.Debug("clearing typing failed", "room_id", notice.ConversationID, "error", err)
			}
		}
	}

	parts := []string{notice.ConversationID.String(), notice.SessionID, notice.Kind.String()}
	switch notice.Kind {
	case watcher.NoticeCompleted, watcher.NoticeFailed:
		// One session can finish several prompts.
		parts = append(parts, strconv.Itoa(notice.Ordinal), notice.Text)
	case watcher.NoticeReconnecting:
		o.mu.Lock()
		o.outages[notice.SessionID]++
		parts = append(parts, strconv.Itoa(o.outages[notice.SessionID]))
		o.mu.Unlock()
	}
	_, err := o.send(ctx, notice.ConversationID, ref.EventID{}, noticeText(notice), parts...)
	return err
}

// SetTyping toggles the typing notification. The server clears it on
// its own after the timeout.
func (o *Outbox) SetTyping(ctx context.Context, conversationID ref.RoomID, typing bool) error {
	return o.config.Session.SetTyping(ctx, conversationID, typing, typingTimeout)
}

const typingTimeout = 30 * time.Second

func (o *Outbox) send(ctx context.Context, roomID ref.RoomID, inReplyTo ref.EventID, text string, identity ...string) ([]ref.EventID, error) {
	chunks := markdown.Split(text, o.config.MaxMessageLength)
	sent := make([]ref.EventID, 0, len(chunks))
	for index, chunk := range chunks {
		content := messaging.NewNotice(chunk)
		if o.config.Markdown {
			if html, ok := markdown.ToHTML(chunk); ok {
				content = content.WithHTML(html)
			}
		}
		if index == 0 {
			content = content.InReplyToEvent(inReplyTo)
		}
		transactionID := messaging.TransactionID(append(slices.Clip(identity), strconv.Itoa(index))...)

		if err := o.limiter.Wait(ctx); err != nil {
			return sent, err
		}
		var eventID ref.EventID
		err := o.config.Send.Do(ctx, o.clock, classifyMatrix, func(ctx context.Context) error {
			var err error
			eventID, err = o.config.Session.SendEventTxn(ctx, roomID, "m.room.message", transactionID, content)
			return err
		}, retry.OnRetry(func(attempt retry.Attempt) {
			o.logger.Warn("sending message failed, retrying",
				"room_id", roomID,
				"chunk", index,
				"attempt", attempt.Number,
				"delay", attempt.Delay,
				"error", attempt.Err,
			)
		}))
		if err != nil {
			return sent, fmt.Errorf("sending to %s: %w", roomID, err)
		}
		o.config.Processed.Record(eventID.String())
		sent = append(sent, eventID)
	}
	return sent, nil
}

func noticeText(notice watcher.Notice) string {
	session := shortSession(notice.SessionID)
	switch notice.Kind {
	case watcher.NoticeCompleted:
		if notice.Text == "" {
			return fmt.Sprintf("Task completed.\nSession: %s...", session)
		}
		return fmt.Sprintf("Task completed.\nSession: %s...\n\n%s", session, notice.Text)
	case watcher.NoticeFailed:
		if notice.Text == "" {
			return fmt.Sprintf("Task failed.\nSession: %s...", session)
		}
		return fmt.Sprintf("Task failed.\nSession: %s...\n\n%s", session, notice.Text)
	case watcher.NoticeReconnecting:
		return fmt.Sprintf("Status unknown, reconnecting to the agent server...\nSession: %s...", session)
	}
	return notice.Text
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
