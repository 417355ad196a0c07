// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package opencode

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a session. Idle, running and
// awaiting-input come from the server; completed and failed are
// terminal states recorded by the bridge.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting-input"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further progress is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusAwaitingInput, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus maps the server's status vocabulary onto Status. Unknown
// values return false.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "idle":
		return StatusIdle, true
	case "running", "busy", "retry", "working":
		return StatusRunning, true
	case "waiting", "awaiting-input", "awaiting_input", "permission":
		return StatusAwaitingInput, true
	case "completed", "done":
		return StatusCompleted, true
	case "failed", "error":
		return StatusFailed, true
	}
	return "", false
}

// Session is a remote session normalized from whichever timestamp
// layout the server used.
type Session struct {
	ID        string
	Title     string
	Slug      string
	ParentID  string
	ProjectID string
	Directory string
	Agent     string
	Model     string
	Status    Status
	Created   time.Time
	Updated   time.Time
}

// Agent is an entry of GET /agent.
type Agent struct {
	Name        string
	Description string
	Mode        string
	BuiltIn     bool
}

// CommandInfo is an entry of GET /command.
type CommandInfo struct {
	Name        string
	Description string
}

// Part is one piece of message content.
type Part struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is a session message.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Created   time.Time
	Parts     []Part
}

// Text joins the text parts.
func (m Message) Text() string {
	var builder strings.Builder
	for _, part := range m.Parts {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(part.Text)
	}
	return builder.String()
}

// Prompt is the input to SendMessage.
type Prompt struct {
	Text  string
	Agent string
	// Model is "provider/model"; empty uses the server default.
	Model string
}

// Ack confirms the server accepted a prompt. MessageID is empty when
// the server queued it without answering (prompt_async).
type Ack struct {
	SessionID string
	MessageID string
}

// RemoteStatus is one entry of GET /session/status.
type RemoteStatus struct {
	Status Status
	Agent  string
	Model  string
}

// Health is the response of GET /global/health.
type Health struct {
	Healthy bool
	Version string
}

// EventKind classifies an event from the feed.
type EventKind string

const (
	KindProgress  EventKind = "progress"
	KindMessage   EventKind = "message"
	KindCompleted EventKind = "completed"
	KindError     EventKind = "error"
	// KindUnknown covers event types the schema does not map. They
	// are ignored.
	KindUnknown EventKind = "unknown"
)

func (k EventKind) valid() bool {
	switch k {
	case KindProgress, KindMessage, KindCompleted, KindError:
		return true
	}
	return false
}

// Event is one decoded item from GET /event.
type Event struct {
	// Type is the upstream type string (e.g. "session.idle").
	Type      string
	Kind      EventKind
	SessionID string
	// MessageID identifies the message or part the event concerns,
	// used to drop repeats after a reconnect.
	MessageID string
	Role      string
	// ErrorText is set for KindError when the server included a
	// description.
	ErrorText string
	Payload   json.RawMessage
}
