// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "github.com/bureau-foundation/codebeep/lib/ref"

// LoginRequest is the body of POST /login with m.login.password.
type LoginRequest struct {
	Type                     string         `json:"type"`
	Identifier               map[string]any `json:"identifier"`
	Password                 string         `json:"password"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

// AuthResponse is returned by login.
type AuthResponse struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
}

// ServerVersionsResponse is returned by GET /_matrix/client/versions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// CreateRoomRequest is the body of POST /createRoom.
type CreateRoomRequest struct {
	Name         string       `json:"name,omitempty"`
	Topic        string       `json:"topic,omitempty"`
	Alias        string       `json:"room_alias_name,omitempty"` // localpart only
	Visibility   string       `json:"visibility,omitempty"`
	Preset       string       `json:"preset,omitempty"`
	IsDirect     bool         `json:"is_direct,omitempty"`
	Invite       []ref.UserID `json:"invite,omitempty"`
	InitialState []StateEvent `json:"initial_state,omitempty"`
}

// CreateRoomResponse is returned by POST /createRoom.
type CreateRoomResponse struct {
	RoomID ref.RoomID `json:"room_id"`
}

// StateEvent is an initial_state entry.
type StateEvent struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	Content  any    `json:"content"`
}

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType       string     `json:"msgtype"`
	Body          string     `json:"body"`
	Format        string     `json:"format,omitempty"`
	FormattedBody string     `json:"formatted_body,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

// RelatesTo carries reply context.
type RelatesTo struct {
	InReplyTo *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// InReplyTo names the event being replied to.
type InReplyTo struct {
	EventID ref.EventID `json:"event_id"`
}

// NewNotice returns an m.notice message. Bots send notices so that
// other bots do not react to them.
func NewNotice(body string) MessageContent {
	return MessageContent{MsgType: "m.notice", Body: body}
}

// WithHTML attaches an org.matrix.custom.html formatted body.
func (m MessageContent) WithHTML(html string) MessageContent {
	if html != "" {
		m.Format = "org.matrix.custom.html"
		m.FormattedBody = html
	}
	return m
}

// InReplyToEvent marks the message as a reply.
func (m MessageContent) InReplyToEvent(eventID ref.EventID) MessageContent {
	if !eventID.IsZero() {
		m.RelatesTo = &RelatesTo{InReplyTo: &InReplyTo{EventID: eventID}}
	}
	return m
}

// Event is a timeline or state event as returned by /sync.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           string         `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned is the unsigned block of an event. TransactionID is
// present only on events sent by this device.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// ContentString returns a string field of the event content.
func (e Event) ContentString(key string) string {
	value, _ := e.Content[key].(string)
	return value
}

// SyncOptions are the query parameters of /sync.
type SyncOptions struct {
	Since      string
	Timeout    int  // long-poll milliseconds
	SetTimeout bool // send timeout even when zero
	Filter     string
}

// SyncResponse is the subset of /sync the bridge reads.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups rooms by membership.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
}

// JoinedRoom carries timeline and state for a joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom carries the stripped state of a pending invite.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// Inviter returns the sender of the m.room.member invite for userID.
func (r InvitedRoom) Inviter(userID ref.UserID) ref.UserID {
	for _, event := range r.InviteState.Events {
		if event.Type == "m.room.member" && event.StateKey != nil && *event.StateKey == userID.String() {
			return event.Sender
		}
	}
	return ref.UserID{}
}

// TimelineSection is a room's new timeline events.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection holds state events.
type StateSection struct {
	Events []Event `json:"events"`
}

// InviteRequest is the body of POST /rooms/{id}/invite.
type InviteRequest struct {
	UserID ref.UserID `json:"user_id"`
}

// SendEventResponse is returned by PUT /rooms/{id}/send.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by GET /account/whoami.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// ResolveAliasResponse is returned by GET /directory/room/{alias}.
type ResolveAliasResponse struct {
	RoomID  ref.RoomID `json:"room_id"`
	Servers []string   `json:"servers"`
}

// JoinedRoomsResponse is returned by GET /joined_rooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}
