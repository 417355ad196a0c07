// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/dedup"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/retry"
	"github.com/bureau-foundation/codebeep/lib/testutil"
	"github.com/bureau-foundation/codebeep/messaging"
	"github.com/bureau-foundation/codebeep/router"
	"github.com/bureau-foundation/codebeep/watcher"
)

func newTestOutbox(t *testing.T, matrix *fakeMatrix, adjust func(*OutboxConfig)) (*Outbox, *dedup.Log) {
	t.Helper()
	processed := dedup.New(64)
	config := OutboxConfig{
		Session:          matrix,
		Processed:        processed,
		MaxMessageLength: 4000,
		Markdown:         true,
		TypingIndicator:  true,
		Send:             retry.Policy{Attempts: 3},
		Clock:            clock.Fake(epoch),
		Logger:           testutil.DiscardLogger(),
	}
	if adjust != nil {
		adjust(&config)
	}
	outbox, err := NewOutbox(config)
	if err != nil {
		t.Fatalf("NewOutbox: %v", err)
	}
	return outbox, processed
}

func drain(matrix *fakeMatrix) []sentEvent {
	var events []sentEvent
	for {
		select {
		case event := <-matrix.sent:
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestReplySplitsLongText(t *testing.T) {
	matrix := newFakeMatrix(clock.Fake(epoch))
	outbox, processed := newTestOutbox(t, matrix, func(config *OutboxConfig) { config.MaxMessageLength = 100 })
	line := strings.Repeat("x", 60)
	source := ref.MustParseEventID("$cmd1")

	ids, err := outbox.Reply(context.Background(), router.Reply{
		ConversationID: roomOne,
		SourceEventID:  source,
		Text:           line + "\n" + line + "\n" + line,
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	events := drain(matrix)
	if len(ids) != 3 || len(events) != 3 {
		t.Fatalf("sent %d events (%d ids), want 3", len(events), len(ids))
	}
	for i, event := range events {
		if event.Content.MsgType != "m.notice" || event.Content.Body != line {
			t.Errorf("chunk %d = %+v", i, event.Content)
		}
		if ids[i] != event.EventID || !processed.Seen(event.EventID.String()) {
			t.Errorf("chunk %d event %s not recorded as processed", i, event.EventID)
		}
		if isReply := event.Content.RelatesTo != nil; isReply != (i == 0) {
			t.Errorf("chunk %d reply relation = %v", i, event.Content.RelatesTo)
		}
	}
	if events[0].Content.RelatesTo.InReplyTo.EventID != source {
		t.Errorf("first chunk replies to %v", events[0].Content.RelatesTo.InReplyTo)
	}
	if events[0].TransactionID == events[1].TransactionID {
		t.Error("chunks share a transaction ID")
	}
}

func TestReplyResendUsesSameTransaction(t *testing.T) {
	matrix := newFakeMatrix(clock.Fake(epoch))
	matrix.sendErrs = []error{&messaging.MatrixError{Code: messaging.ErrCodeUnknown, StatusCode: http.StatusBadGateway}}
	outbox, _ := newTestOutbox(t, matrix, nil)
	reply := router.Reply{ConversationID: roomOne, SourceEventID: ref.MustParseEventID("$cmd1"), Text: "Task started."}

	first, err := outbox.Reply(context.Background(), reply)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	second, err := outbox.Reply(context.Background(), reply)
	if err != nil {
		t.Fatalf("second Reply: %v", err)
	}
	if events := drain(matrix); len(events) != 1 {
		t.Errorf("homeserver posted %d messages, want 1", len(events))
	}
	if first[0] != second[0] {
		t.Errorf("resend got event %s, want %s", second[0], first[0])
	}
	if matrix.sendCalls != 3 {
		t.Errorf("send calls = %d, want 3 (failure, success, deduplicated resend)", matrix.sendCalls)
	}
}

func TestReplyRendersMarkdown(t *testing.T) {
	matrix := newFakeMatrix(clock.Fake(epoch))
	outbox, _ := newTestOutbox(t, matrix, nil)
	_, err := outbox.Reply(context.Background(), router.Reply{ConversationID: roomOne, Text: "**Session Status:**\n\n`abc`"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	event := testutil.RequireReceive(t, matrix.sent, deadline, "reply")
	if event.Content.Format != "org.matrix.custom.html" || !strings.Contains(event.Content.FormattedBody, "<strong>Session Status:</strong>") {
		t.Errorf("content = %+v", event.Content)
	}

	_, err = outbox.Reply(context.Background(), router.Reply{ConversationID: roomOne, Text: "plain words"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	event = testutil.RequireReceive(t, matrix.sent, deadline, "plain reply")
	if event.Content.FormattedBody != "" {
		t.Errorf("plain text got formatted body %q", event.Content.FormattedBody)
	}
}

func TestNotifyTexts(t *testing.T) {
	matrix := newFakeMatrix(clock.Fake(epoch))
	outbox, _ := newTestOutbox(t, matrix, nil)
	ctx := context.Background()

	if err := outbox.Notify(ctx, watcher.Notice{Kind: watcher.NoticeProgress, SessionID: "ses_0123456789", ConversationID: roomOne}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	testutil.RequireNoReceive(t, matrix.sent, 20*time.Millisecond, "message for progress")

	notices := []struct {
		notice watcher.Notice
		want   string
	}{
		{
			watcher.Notice{Kind: watcher.NoticeReconnecting, SessionID: "ses_0123456789", ConversationID: roomOne},
			"Status unknown, reconnecting to the agent server...\nSession: ses_0123...",
		},
		{
			watcher.Notice{Kind: watcher.NoticeReconnecting, SessionID: "ses_0123456789", ConversationID: roomOne},
			"Status unknown, reconnecting to the agent server...\nSession: ses_0123...",
		},
		{
			watcher.Notice{Kind: watcher.NoticeCompleted, SessionID: "ses_0123456789", ConversationID: roomOne, Text: "Fixed the token check."},
			"Task completed.\nSession: ses_0123...\n\nFixed the token check.",
		},
		{
			watcher.Notice{Kind: watcher.NoticeFailed, SessionID: "ses_9", ConversationID: roomOne, Text: "provider quota exceeded"},
			"Task failed.\nSession: ses_9...\n\nprovider quota exceeded",
		},
	}
	for _, test := range notices {
		if err := outbox.Notify(ctx, test.notice); err != nil {
			t.Fatalf("Notify %s: %v", test.notice.Kind, err)
		}
		event := testutil.RequireReceive(t, matrix.sent, deadline, "notice ", test.notice.Kind)
		if event.Content.Body != test.want {
			t.Errorf("%s body = %q, want %q", test.notice.Kind, event.Content.Body, test.want)
		}
		if event.Content.RelatesTo != nil {
			t.Errorf("%s notice marked as a reply", test.notice.Kind)
		}
	}

	matrix.mu.Lock()
	typing := append([]bool(nil), matrix.typing...)
	matrix.mu.Unlock()
	if len(typing) != 3 || !typing[0] || typing[1] || typing[2] {
		t.Errorf("typing = %v, want on for progress, off for each outcome", typing)
	}
}

func TestUnsourcedRepliesAllPosted(t *testing.T) {
	matrix := newFakeMatrix(clock.Fake(epoch))
	outbox, _ := newTestOutbox(t, matrix, nil)
	reply := router.Reply{ConversationID: roomOne, Text: "Command room is ready."}
	for range 2 {
		if _, err := outbox.Reply(context.Background(), reply); err != nil {
			t.Fatalf("Reply: %v", err)
		}
	}
	events := drain(matrix)
	if len(events) != 2 {
		t.Fatalf("homeserver posted %d messages, want 2", len(events))
	}
	if events[0].TransactionID == events[1].TransactionID {
		t.Error("replies without a source event share a transaction ID")
	}
}

func TestCompletionPerPromptPosted(t *testing.T) {
	matrix := newFakeMatrix(clock.Fake(epoch))
	outbox, _ := newTestOutbox(t, matrix, nil)
	for ordinal := 1; ordinal <= 2; ordinal++ {
		notice := watcher.Notice{Kind: watcher.NoticeCompleted, SessionID: "ses_1", ConversationID: roomOne, Ordinal: ordinal}
		if err := outbox.Notify(context.Background(), notice); err != nil {
			t.Fatalf("Notify %d: %v", ordinal, err)
		}
	}
	if events := drain(matrix); len(events) != 2 {
		t.Errorf("homeserver posted %d completions, want one per prompt", len(events))
	}

	repeat := watcher.Notice{Kind: watcher.NoticeCompleted, SessionID: "ses_1", ConversationID: roomOne, Ordinal: 2}
	if err := outbox.Notify(context.Background(), repeat); err != nil {
		t.Fatalf("repeat Notify: %v", err)
	}
	if events := drain(matrix); len(events) != 0 {
		t.Errorf("repeated completion posted %d messages, want 0", len(events))
	}
}

func TestOutboxRequiresSession(t *testing.T) {
	if _, err := NewOutbox(OutboxConfig{Processed: dedup.New(1)}); err == nil {
		t.Error("expected error without Session")
	}
}
