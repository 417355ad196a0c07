// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/codebeep/lib/testutil"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{BaseURL: server.URL, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("expected error for empty BaseURL")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "unix:///tmp/sock"}); err == nil {
		t.Error("expected error for non-http scheme")
	}
}

func TestCreateSession(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != "/session" {
			t.Errorf("unexpected %s %s", request.Method, request.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(request.Body).Decode(&body)
		if body["agent"] != "build" || body["title"] != "codebeep !c1:test" {
			t.Errorf("body = %v", body)
		}
		writer.Write([]byte(`{"id":"s1","time":{"created":100,"updated":100},"slug":"x","projectID":"p","directory":"/w","futureField":{"a":1}}`))
	}))

	session, err := client.CreateSession(context.Background(), "!c1:test", "build")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.ID != "s1" || session.Agent != "build" || !session.Created.Equal(time.UnixMilli(100)) {
		t.Errorf("session = %+v", session)
	}
}

func TestGetSession(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet {
			t.Errorf("method = %s", request.Method)
		}
		if request.URL.Path == "/session/gone" {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusNotFound)
			writer.Write([]byte(`{"name":"NotFoundError","data":{"message":"Session not found"}}`))
			return
		}
		writer.Write([]byte(`{"id":"s1","title":"codebeep !c1:test","time":{"created":100,"updated":250}}`))
	}))

	session, err := client.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.ID != "s1" || !session.Updated.Equal(time.UnixMilli(250)) {
		t.Errorf("session = %+v", session)
	}
	if _, err := client.GetSession(context.Background(), "gone"); !IsSessionNotFound(err) {
		t.Errorf("missing session error = %v", err)
	}
}

func TestListCommands(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/command" {
			t.Errorf("path = %s", request.URL.Path)
		}
		writer.Write([]byte(`[{"name":"init","description":"create AGENTS.md","template":"..."}]`))
	}))
	commands, err := client.ListCommands(context.Background())
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if len(commands) != 1 || commands[0] != (CommandInfo{Name: "init", Description: "create AGENTS.md"}) {
		t.Errorf("commands = %+v", commands)
	}
}

func TestCreateSessionProtocolErrorKeepsPayload(t *testing.T) {
	const payload = `{"id":"s1","title":"no timestamps here"}`
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Write([]byte(payload))
	}))

	_, err := client.CreateSession(context.Background(), "!c1:test", "build")
	protocolErr, ok := AsProtocolError(err)
	if !ok {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
	if string(protocolErr.Raw) != payload {
		t.Errorf("Raw = %q, want original payload", protocolErr.Raw)
	}
	if IsUnavailable(err) {
		t.Error("protocol error must not look retryable")
	}
}

func TestUnavailable(t *testing.T) {
	t.Run("5xx", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			http.Error(writer, "overloaded", http.StatusServiceUnavailable)
		}))
		_, err := client.ListSessions(context.Background())
		var unavailable *UnavailableError
		if !errors.As(err, &unavailable) || unavailable.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 *UnavailableError, got %v", err)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		address := server.URL
		server.Close()
		client, err := NewClient(ClientConfig{BaseURL: address, Logger: testutil.DiscardLogger()})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := client.Health(context.Background()); !IsUnavailable(err) {
			t.Fatalf("expected *UnavailableError, got %v", err)
		}
	})

	t.Run("client error is not unavailable", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			http.Error(writer, `{"error":"bad"}`, http.StatusBadRequest)
		}))
		_, err := client.ListAgents(context.Background())
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected *StatusError, got %v", err)
		}
		if IsUnavailable(err) {
			t.Error("400 must not be retryable")
		}
	})
}

func TestSendMessagePromptAsync(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/session/s1/prompt_async" {
			t.Errorf("path = %s", request.URL.Path)
		}
		var body struct {
			Parts []Part          `json:"parts"`
			Agent string          `json:"agent"`
			Model json.RawMessage `json:"model"`
		}
		json.NewDecoder(request.Body).Decode(&body)
		if len(body.Parts) != 1 || body.Parts[0].Type != "text" || body.Parts[0].Text != "fix auth bug" {
			t.Errorf("parts = %+v", body.Parts)
		}
		if body.Agent != "build" {
			t.Errorf("agent = %q", body.Agent)
		}
		if string(body.Model) != `{"modelID":"sonnet","providerID":"anthropic"}` {
			t.Errorf("model = %s", body.Model)
		}
		writer.WriteHeader(http.StatusNoContent)
	}))

	ack, err := client.SendMessage(context.Background(), "s1", Prompt{Text: "fix auth bug", Agent: "build", Model: "anthropic/sonnet"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if ack.SessionID != "s1" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestSendMessageSessionNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusNotFound)
		writer.Write([]byte(`{"name":"NotFoundError","data":{"message":"Session not found"}}`))
	}))
	_, err := client.SendMessage(context.Background(), "gone", Prompt{Text: "hi"})
	var notFound *SessionNotFoundError
	if !errors.As(err, &notFound) || notFound.SessionID != "gone" {
		t.Fatalf("expected *SessionNotFoundError, got %v", err)
	}
}

func TestSendMessageLegacyFallback(t *testing.T) {
	var paths []string
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		paths = append(paths, request.URL.Path)
		if strings.HasSuffix(request.URL.Path, "/prompt_async") {
			http.Error(writer, "404 Not Found", http.StatusNotFound)
			return
		}
		writer.Write([]byte(`{"info":{"id":"m9","sessionID":"s1","role":"assistant"},"parts":[]}`))
	}))

	ack, err := client.SendMessage(context.Background(), "s1", Prompt{Text: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if ack.MessageID != "m9" {
		t.Errorf("ack = %+v", ack)
	}
	if len(paths) != 2 || paths[1] != "/session/s1/message" {
		t.Errorf("paths = %v", paths)
	}
}

func TestSendMessageSlowReplyAccepted(t *testing.T) {
	var prompts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if strings.HasSuffix(request.URL.Path, "/prompt_async") {
			http.Error(writer, "404 Not Found", http.StatusNotFound)
			return
		}
		prompts.Add(1)
		select {
		case <-time.After(300 * time.Millisecond):
		case <-request.Context().Done():
			return
		}
		writer.Write([]byte(`{"info":{"id":"m9","sessionID":"s1","role":"assistant"},"parts":[]}`))
	}))
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		BaseURL:      server.URL,
		HTTPClient:   &http.Client{Timeout: 100 * time.Millisecond},
		AcceptWindow: 20 * time.Millisecond,
		Logger:       testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ack, err := client.SendMessage(context.Background(), "s1", Prompt{Text: "long task"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if ack.SessionID != "s1" || ack.MessageID != "" {
		t.Errorf("ack = %+v", ack)
	}
	if got := prompts.Load(); got != 1 {
		t.Errorf("server received %d prompts, want 1", got)
	}
}

func TestSendMessageUnreachableIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	address := server.URL
	server.Close()
	client, err := NewClient(ClientConfig{BaseURL: address, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.SendMessage(context.Background(), "s1", Prompt{Text: "hi"}); !IsUnavailable(err) {
		t.Fatalf("expected *UnavailableError, got %v", err)
	}
}

func TestSessionStatusesAndAbort(t *testing.T) {
	aborted := false
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/session/status":
			writer.Write([]byte(`{"s1":{"type":"busy"}}`))
		case "/session/s1/abort":
			aborted = true
			writer.Write([]byte(`true`))
		default:
			http.NotFound(writer, request)
		}
	}))

	statuses, err := client.SessionStatuses(context.Background())
	if err != nil {
		t.Fatalf("SessionStatuses: %v", err)
	}
	if statuses["s1"].Status != StatusRunning {
		t.Errorf("statuses = %+v", statuses)
	}
	if err := client.Abort(context.Background(), "s1"); err != nil || !aborted {
		t.Errorf("Abort: %v (called %v)", err, aborted)
	}
}

func TestExecuteSlashCommand(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var body map[string]any
		json.NewDecoder(request.Body).Decode(&body)
		if body["command"] != "init" || body["arguments"] != "--force" {
			t.Errorf("body = %v", body)
		}
		writer.Write([]byte(`{"info":{"id":"m1","sessionID":"s1","role":"assistant"},"parts":[{"type":"text","text":"Initialized."}]}`))
	}))
	message, err := client.ExecuteSlashCommand(context.Background(), "s1", "/init", "--force", Prompt{})
	if err != nil {
		t.Fatalf("ExecuteSlashCommand: %v", err)
	}
	if message.Text() != "Initialized." {
		t.Errorf("Text = %q", message.Text())
	}
}

func TestDirectoryQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("directory") != "/work/repo" {
			t.Errorf("directory = %q", request.URL.Query().Get("directory"))
		}
		writer.Write([]byte(`[]`))
	}))
	defer server.Close()
	client, _ := NewClient(ClientConfig{BaseURL: server.URL, Directory: "/work/repo", Logger: testutil.DiscardLogger()})
	if _, err := client.ListSessions(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSubscribe(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", request.Header.Get("Accept"))
		}
		writer.Header().Set("Content-Type", "text/event-stream")
		flusher := writer.(http.Flusher)
		fmt.Fprint(writer, ": keepalive\n\n")
		fmt.Fprint(writer, "data: {\"type\":\"server.connected\",\"properties\":{}}\n\n")
		fmt.Fprint(writer, "data: not json\n\n")
		fmt.Fprint(writer, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"s1\"}}\n\n")
		flusher.Flush()
		<-release
	}))

	stream, err := client.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	first, err := stream.Next()
	if err != nil || first.Kind != KindUnknown {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := stream.Next()
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Kind != KindCompleted || second.SessionID != "s1" {
		t.Errorf("undecodable event should be skipped; got %+v", second)
	}

	close(release)
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected end of stream, got %v", err)
	}
}

func TestSSEScannerMultilineAndTrailing(t *testing.T) {
	scanner := newSSEScanner(strings.NewReader("event: x\ndata: {\"a\":\ndata: 1}\nid: 7\n\ndata: last"))
	if !scanner.next() || scanner.data() != "{\"a\":\n1}" {
		t.Fatalf("first = %q", scanner.data())
	}
	if !scanner.next() || scanner.data() != "last" {
		t.Fatalf("trailing event without blank line = %q", scanner.data())
	}
	if scanner.next() {
		t.Error("expected end")
	}
	if scanner.failure() != nil {
		t.Errorf("failure = %v", scanner.failure())
	}
}
