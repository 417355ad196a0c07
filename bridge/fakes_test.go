// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/codebeep/lib/clock"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/messaging"
)

var (
	epoch    = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	botUser  = ref.MustParseUserID("@codebeep:test.local")
	alice    = ref.MustParseUserID("@alice:test.local")
	mallory  = ref.MustParseUserID("@mallory:test.local")
	roomOne  = ref.MustParseRoomID("!one:test.local")
	operator = ref.MustParseRoomID("!ops:test.local")
)

const deadline = 5 * time.Second

// sentEvent is one message the fake homeserver accepted.
type sentEvent struct {
	RoomID        ref.RoomID
	EventID       ref.EventID
	TransactionID string
	Content       messaging.MessageContent
}

// fakeMatrix is an in-memory homeserver. SendEventTxn deduplicates on
// the transaction ID like a real server. CreateRoom plays createErrs
// first and stamps each call with the clock.
type fakeMatrix struct {
	clock clock.Clock

	sent  chan sentEvent
	syncs chan *messaging.SyncResponse

	mu          sync.Mutex
	createErrs  []error
	createCalls []time.Time
	created     []messaging.CreateRoomRequest
	aliases     map[string]ref.RoomID
	invites     []ref.UserID
	joins       []ref.RoomID
	byTxn       map[string]ref.EventID
	sendErrs    []error
	sendCalls   int
	typing      []bool
	initial     *messaging.SyncResponse
	sinces      []string
}

func newFakeMatrix(clk clock.Clock) *fakeMatrix {
	return &fakeMatrix{
		clock:   clk,
		sent:    make(chan sentEvent, 64),
		syncs:   make(chan *messaging.SyncResponse, 8),
		aliases: make(map[string]ref.RoomID),
		byTxn:   make(map[string]ref.EventID),
	}
}

func (m *fakeMatrix) UserID() ref.UserID { return botUser }
func (m *fakeMatrix) Close() error { return nil }

func (m *fakeMatrix) WhoAmI(context.Context) (ref.UserID, error) { return botUser, nil }

func (m *fakeMatrix) ResolveAlias(_ context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if roomID, ok := m.aliases[alias.String()]; ok {
		return roomID, nil
	}
	return ref.RoomID{}, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, StatusCode: http.StatusNotFound}
}

func (m *fakeMatrix) CreateRoom(_ context.Context, request messaging.CreateRoomRequest) (*messaging.CreateRoomResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls = append(m.createCalls, m.clock.Now())
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		return nil, err
	}
	m.created = append(m.created, request)
	return &messaging.CreateRoomResponse{RoomID: ref.MustParseRoomID(fmt.Sprintf("!created%d:test.local", len(m.created)))}, nil
}

func (m *fakeMatrix) InviteUser(_ context.Context, _ ref.RoomID, userID ref.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites = append(m.invites, userID)
	return nil
}

func (m *fakeMatrix) JoinRoom(_ context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, roomID)
	return roomID, nil
}

func (m *fakeMatrix) JoinedRooms(context.Context) ([]ref.RoomID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ref.RoomID(nil), m.joins...), nil
}

func (m *fakeMatrix) SendEventTxn(_ context.Context, roomID ref.RoomID, eventType, transactionID string, content any) (ref.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		return ref.EventID{}, err
	}
	if eventID, ok := m.byTxn[transactionID]; ok {
		return eventID, nil
	}
	message, ok := content.(messaging.MessageContent)
	if !ok || eventType != "m.room.message" {
		return ref.EventID{}, fmt.Errorf("unexpected %s content %T", eventType, content)
	}
	eventID := ref.MustParseEventID(fmt.Sprintf("$sent%d", len(m.byTxn)+1))
	m.byTxn[transactionID] = eventID
	m.sent <- sentEvent{RoomID: roomID, EventID: eventID, TransactionID: transactionID, Content: message}
	return eventID, nil
}

func (m *fakeMatrix) SetTyping(_ context.Context, _ ref.RoomID, typing bool, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, typing)
	return nil
}

// Sync answers the initial sync at once and then blocks for queued
// responses.
func (m *fakeMatrix) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	m.mu.Lock()
	m.sinces = append(m.sinces, options.Since)
	if options.Since == "" {
		initial := m.initial
		m.mu.Unlock()
		if initial == nil {
			initial = &messaging.SyncResponse{}
		}
		initial.NextBatch = "s0"
		return initial, nil
	}
	m.mu.Unlock()
	select {
	case response := <-m.syncs:
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// syncedFrom lists the since tokens of every /sync call so far.
func (m *fakeMatrix) syncedFrom() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sinces...)
}

func (m *fakeMatrix) createTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.createCalls...)
}

// deliver queues a sync carrying one text message.
func (m *fakeMatrix) deliver(roomID ref.RoomID, sender ref.UserID, eventID, body string, batch int) messaging.Event {
	event := messaging.Event{
		EventID: ref.MustParseEventID(eventID),
		Type:    "m.room.message",
		Sender:  sender,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
	m.deliverEvents(roomID, batch, event)
	return event
}

func (m *fakeMatrix) deliverEvents(roomID ref.RoomID, batch int, events ...messaging.Event) {
	m.syncs <- &messaging.SyncResponse{
		NextBatch: fmt.Sprintf("s%d", batch),
		Rooms: messaging.RoomsSection{Join: map[ref.RoomID]messaging.JoinedRoom{
			roomID: {Timeline: messaging.TimelineSection{Events: events}},
		}},
	}
}

// fakeAgentServer is an httptest agent server. Every session created
// gets ID ses_N; prompts are reported on prompts; events written to
// events reach the open /event subscription.
type fakeAgentServer struct {
	*httptest.Server

	prompts    chan string
	events     chan string
	subscribed chan struct{}

	mu       sync.Mutex
	sessions int
	reply    string
}

func newFakeAgentServer(t *testing.T) *fakeAgentServer {
	t.Helper()
	f := &fakeAgentServer{
		prompts:    make(chan string, 8),
		events:     make(chan string, 8),
		subscribed: make(chan struct{}, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /global/health", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Write([]byte(`{"healthy":true,"version":"0.9.1"}`))
	})
	mux.HandleFunc("GET /session", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Write([]byte(`[]`))
	})
	mux.HandleFunc("GET /session/status", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /session", func(writer http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.sessions++
		id := fmt.Sprintf("ses_%d", f.sessions)
		f.mu.Unlock()
		fmt.Fprintf(writer, `{"id":%q,"time":{"created":100,"updated":100},"agentKind":"build"}`, id)
	})
	mux.HandleFunc("POST /session/{id}/prompt_async", func(writer http.ResponseWriter, request *http.Request) {
		var body struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		}
		json.NewDecoder(request.Body).Decode(&body)
		var text []string
		for _, part := range body.Parts {
			text = append(text, part.Text)
		}
		f.prompts <- request.PathValue("id") + ": " + strings.Join(text, "")
		writer.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /session/{id}/message", func(writer http.ResponseWriter, request *http.Request) {
		f.mu.Lock()
		reply := f.reply
		f.mu.Unlock()
		fmt.Fprintf(writer, `[{"info":{"id":"msg_1","sessionID":%q,"role":"assistant","time":{"created":200}},"parts":[{"type":"text","text":%q}]}]`,
			request.PathValue("id"), reply)
	})
	mux.HandleFunc("GET /event", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "text/event-stream")
		flusher := writer.(http.Flusher)
		fmt.Fprint(writer, "data: {\"type\":\"server.connected\",\"properties\":{}}\n\n")
		flusher.Flush()
		f.subscribed <- struct{}{}
		for {
			select {
			case event := <-f.events:
				fmt.Fprintf(writer, "data: %s\n\n", event)
				flusher.Flush()
			case <-request.Context().Done():
				return
			}
		}
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}
