// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/config"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/retry"
	"github.com/bureau-foundation/codebeep/lib/testutil"
	"github.com/bureau-foundation/codebeep/messaging"
	"github.com/bureau-foundation/codebeep/opencode"
	"github.com/bureau-foundation/codebeep/store"
)

type bridgeHarness struct {
	bridge *Bridge
	matrix *fakeMatrix
	agent  *fakeAgentServer
	store  *store.Store
	done   chan error
	stop   func()
}

func testSettings(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	settings := config.Default()
	settings.Matrix.UserID = botUser.String()
	settings.Matrix.AccessToken = "token"
	settings.Matrix.AllowedUsers = []string{alice.String()}
	settings.Matrix.CommandRoom.Enabled = false
	settings.OpenCode.ServerURL = serverURL
	settings.Bot.RateLimit = 600
	settings.Retry.Stream = retry.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Attempts: 1}
	settings.State.Database = filepath.Join(t.TempDir(), "codebeep.db")
	return settings
}

// startBridge runs a bridge until the test ends. The store is opened
// by the caller so a second bridge can share it.
func startBridge(t *testing.T, settings *config.Config, matrix *fakeMatrix, agent *fakeAgentServer, st *store.Store) *bridgeHarness {
	t.Helper()
	client, err := opencode.NewClient(opencode.ClientConfig{BaseURL: agent.URL, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("opencode.NewClient: %v", err)
	}
	b, err := New(context.Background(), Config{
		Settings: settings,
		Session:  matrix,
		Agent:    client,
		Store:    st,
		Clock:    clock.Real(),
		Logger:   testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &bridgeHarness{bridge: b, matrix: matrix, agent: agent, store: st, done: make(chan error, 1)}
	go func() { h.done <- b.Run(ctx) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		if err := testutil.RequireReceive(t, h.done, deadline, "bridge shutdown"); err != nil {
			t.Errorf("Run: %v", err)
		}
	}
	t.Cleanup(stop)
	h.stop = stop

	testutil.RequireClosed(t, b.Ready(), deadline, "bridge ready")
	testutil.RequireReceive(t, agent.subscribed, deadline, "event subscription")
	return h
}

func (h *bridgeHarness) expectSent(t *testing.T) sentEvent {
	t.Helper()
	return testutil.RequireReceive(t, h.matrix.sent, deadline, "message to the room")
}

func TestBuildCommandStartedThenCompleted(t *testing.T) {
	agent := newFakeAgentServer(t)
	agent.reply = "Fixed the auth bug in middleware.go."
	st := openStore(t)
	h := startBridge(t, testSettings(t, agent.URL), newFakeMatrix(clock.Real()), agent, st)

	command := h.matrix.deliver(roomOne, alice, "$cmd1", "/build fix auth bug", 1)

	prompt := testutil.RequireReceive(t, agent.prompts, deadline, "prompt")
	if prompt != "ses_1: fix auth bug" {
		t.Errorf("prompt = %q", prompt)
	}
	// The agent finishes at once, racing the acknowledgement.
	agent.events <- `{"type":"session.idle","properties":{"sessionID":"ses_1"}}`

	started := h.expectSent(t)
	if started.RoomID != roomOne || !strings.HasPrefix(started.Content.Body, "Task started with build agent.\nSession: ses_1...") {
		t.Errorf("first message = %+v", started)
	}
	if started.Content.RelatesTo == nil || started.Content.RelatesTo.InReplyTo.EventID != command.EventID {
		t.Errorf("acknowledgement does not reply to the command: %+v", started.Content.RelatesTo)
	}
	completed := h.expectSent(t)
	if completed.RoomID != roomOne || completed.Content.Body != "Task completed.\nSession: ses_1...\n\nFixed the auth bug in middleware.go." {
		t.Errorf("second message = %+v", completed)
	}

	// A repeated idle event and the echo of both replies change nothing.
	agent.events <- `{"type":"session.idle","properties":{"sessionID":"ses_1"}}`
	h.matrix.deliverEvents(roomOne, 2,
		messaging.Event{EventID: started.EventID, Type: "m.room.message", Sender: botUser, Content: map[string]any{"msgtype": "m.notice", "body": started.Content.Body}},
		messaging.Event{EventID: completed.EventID, Type: "m.room.message", Sender: botUser, Content: map[string]any{"msgtype": "m.notice", "body": completed.Content.Body}},
	)
	testutil.RequireNoReceive(t, h.matrix.sent, 100*time.Millisecond, "third message")

	h.stop()
	records, err := st.ListSessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].SessionID != "ses_1" || records[0].Status != opencode.StatusCompleted {
		t.Errorf("records = %+v", records)
	}
}

func TestRestartResumesFromSavedPosition(t *testing.T) {
	agent := newFakeAgentServer(t)
	st := openStore(t)
	settings := testSettings(t, agent.URL)

	first := startBridge(t, settings, newFakeMatrix(clock.Real()), agent, st)
	handled := first.matrix.deliver(roomOne, alice, "$cmd1", "/status", 1)
	status := first.expectSent(t)
	if !strings.Contains(status.Content.Body, "No active sessions.") {
		t.Errorf("status reply = %q", status.Content.Body)
	}
	first.stop()

	ctx := context.Background()
	ids, err := st.LoadProcessedEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(ids, "$cmd1") || !slices.Contains(ids, status.EventID.String()) {
		t.Errorf("processed snapshot = %v", ids)
	}
	if position, err := st.LoadSyncPosition(ctx); err != nil || position != "s1" {
		t.Fatalf("saved sync position = %q, %v; want s1", position, err)
	}

	// The homeserver hands back the already handled command together
	// with one sent while the bridge was down.
	second := startBridge(t, settings, newFakeMatrix(clock.Real()), agent, st)
	missed := messaging.Event{
		EventID: ref.MustParseEventID("$cmd2"),
		Type:    "m.room.message",
		Sender:  alice,
		Content: map[string]any{"msgtype": "m.text", "body": "/status"},
	}
	second.matrix.deliverEvents(roomOne, 2, handled, missed)

	reply := second.expectSent(t)
	if reply.Content.RelatesTo == nil || reply.Content.RelatesTo.InReplyTo == nil || reply.Content.RelatesTo.InReplyTo.EventID.String() != "$cmd2" {
		t.Errorf("reply after restart = %+v, want a reply to $cmd2", reply.Content)
	}
	testutil.RequireNoReceive(t, second.matrix.sent, 100*time.Millisecond, "second reply to the replayed command")

	if since := second.matrix.syncedFrom(); len(since) == 0 || since[0] != "s1" {
		t.Errorf("sync after restart started from %v, want s1", since)
	}
	second.stop()
	if position, _ := st.LoadSyncPosition(ctx); position != "s2" {
		t.Errorf("saved sync position = %q, want s2", position)
	}
}

func TestCommandsServedWhileBootstrapDeferred(t *testing.T) {
	agent := newFakeAgentServer(t)
	matrix := newFakeMatrix(clock.Real())
	matrix.createErrs = []error{rateLimited(time.Hour.Milliseconds())}
	settings := testSettings(t, agent.URL)
	settings.Matrix.CommandRoom.Enabled = true

	h := startBridge(t, settings, matrix, agent, openStore(t))
	h.matrix.deliver(roomOne, alice, "$cmd1", "/status", 1)
	if reply := h.expectSent(t); !strings.Contains(reply.Content.Body, "No active sessions.") {
		t.Errorf("status reply = %q", reply.Content.Body)
	}
	if calls := len(h.matrix.createTimes()); calls != 1 {
		t.Errorf("create room calls = %d, want 1 (still waiting out the rate limit)", calls)
	}
}

func TestInvitesFromAllowedUsersJoined(t *testing.T) {
	agent := newFakeAgentServer(t)
	matrix := newFakeMatrix(clock.Real())
	fromAlice := ref.MustParseRoomID("!alice:test.local")
	fromMallory := ref.MustParseRoomID("!mallory:test.local")
	stateKey := botUser.String()
	invite := func(sender ref.UserID) messaging.InvitedRoom {
		return messaging.InvitedRoom{InviteState: messaging.StateSection{Events: []messaging.Event{{
			Type:     "m.room.member",
			Sender:   sender,
			StateKey: &stateKey,
			Content:  map[string]any{"membership": "invite"},
		}}}}
	}
	matrix.initial = &messaging.SyncResponse{Rooms: messaging.RoomsSection{Invite: map[ref.RoomID]messaging.InvitedRoom{
		fromAlice:   invite(alice),
		fromMallory: invite(mallory),
	}}}

	h := startBridge(t, testSettings(t, agent.URL), matrix, agent, openStore(t))
	joined, _ := h.matrix.JoinedRooms(context.Background())
	if len(joined) != 1 || joined[0] != fromAlice {
		t.Errorf("joined = %v, want only %s", joined, fromAlice)
	}
}

func TestHistoryBeforeFirstStartNotReplayed(t *testing.T) {
	agent := newFakeAgentServer(t)
	matrix := newFakeMatrix(clock.Real())
	matrix.initial = &messaging.SyncResponse{Rooms: messaging.RoomsSection{Join: map[ref.RoomID]messaging.JoinedRoom{
		roomOne: {Timeline: messaging.TimelineSection{Events: []messaging.Event{{
			EventID: ref.MustParseEventID("$old"),
			Type:    "m.room.message",
			Sender:  alice,
			Content: map[string]any{"msgtype": "m.text", "body": "/build old task"},
		}}}},
	}}}

	h := startBridge(t, testSettings(t, agent.URL), matrix, agent, openStore(t))
	testutil.RequireNoReceive(t, h.matrix.sent, 100*time.Millisecond, "reply to history")
	testutil.RequireNoReceive(t, agent.prompts, 10*time.Millisecond, "prompt from history")
}
