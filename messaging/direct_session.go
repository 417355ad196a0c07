// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/secret"
)

// DirectSession is a Session authenticated with an access token held
// in a secret.Buffer (locked memory, excluded from core dumps). Close
// it when done.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    string
}

// UserID returns the account the session acts as.
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID is set by Login and by WhoAmI on servers that report it.
func (s *DirectSession) DeviceID() string {
	return s.deviceID
}

// Close zeroes and releases the access token. Idempotent.
func (s *DirectSession) Close() error {
	if s.accessToken == nil {
		return nil
	}
	return s.accessToken.Close()
}

// call performs one authenticated request. When out is non-nil the
// response body is decoded into it. Errors read "messaging: <action>: ...".
func (s *DirectSession) call(ctx context.Context, action, method, path string, request, out any, query url.Values) error {
	body, err := s.client.doRequest(ctx, method, path, s.accessToken, request, query)
	if err != nil {
		return fmt.Errorf("messaging: %s: %w", action, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("messaging: %s: decoding response: %w", action, err)
	}
	return nil
}

// roomPath builds /_matrix/client/v3/rooms/{roomID}/{segments...} with
// every segment escaped.
func roomPath(roomID ref.RoomID, segments ...string) string {
	var path strings.Builder
	path.WriteString("/_matrix/client/v3/rooms/")
	path.WriteString(url.PathEscape(roomID.String()))
	for _, segment := range segments {
		path.WriteByte('/')
		path.WriteString(url.PathEscape(segment))
	}
	return path.String()
}

// WhoAmI checks the access token and returns its owner.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	var response WhoAmIResponse
	if err := s.call(ctx, "whoami", http.MethodGet, "/_matrix/client/v3/account/whoami", nil, &response, nil); err != nil {
		return ref.UserID{}, err
	}
	if response.DeviceID != "" {
		s.deviceID = response.DeviceID
	}
	return response.UserID, nil
}

// CreateRoom creates a room. M_ROOM_IN_USE means request.Alias is
// already registered.
func (s *DirectSession) CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error) {
	var response CreateRoomResponse
	if err := s.call(ctx, "create room", http.MethodPost, "/_matrix/client/v3/createRoom", request, &response, nil); err != nil {
		return nil, err
	}
	s.client.logger.Info("created room", "room_id", response.RoomID, "alias", request.Alias, "name", request.Name)
	return &response, nil
}

// JoinRoom accepts an invite or joins a public room.
func (s *DirectSession) JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	var response struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	if err := s.call(ctx, "join "+roomID.String(), http.MethodPost, path, struct{}{}, &response, nil); err != nil {
		return ref.RoomID{}, err
	}
	return response.RoomID, nil
}

// InviteUser invites userID to roomID.
func (s *DirectSession) InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error {
	action := fmt.Sprintf("invite %s to %s", userID, roomID)
	return s.call(ctx, action, http.MethodPost, roomPath(roomID, "invite"), InviteRequest{UserID: userID}, nil, nil)
}

// SendEventTxn PUTs an event under transactionID. The homeserver
// answers a repeated transaction ID from the same device with the
// original event ID instead of posting again.
func (s *DirectSession) SendEventTxn(ctx context.Context, roomID ref.RoomID, eventType, transactionID string, content any) (ref.EventID, error) {
	var response SendEventResponse
	path := roomPath(roomID, "send", eventType, transactionID)
	if err := s.call(ctx, "send to "+roomID.String(), http.MethodPut, path, content, &response, nil); err != nil {
		return ref.EventID{}, err
	}
	return response.EventID, nil
}

// SetTyping starts or stops the typing notice. The server drops a
// started notice after timeout.
func (s *DirectSession) SetTyping(ctx context.Context, roomID ref.RoomID, typing bool, timeout time.Duration) error {
	request := map[string]any{"typing": typing}
	if typing {
		request["timeout"] = timeout.Milliseconds()
	}
	path := roomPath(roomID, "typing", s.userID.String())
	return s.call(ctx, "typing in "+roomID.String(), http.MethodPut, path, request, nil, nil)
}

// Sync performs one /sync. An empty Since is an initial sync; Timeout
// is the long-poll in milliseconds and is sent when SetTimeout is true.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}
	var response SyncResponse
	if err := s.call(ctx, "sync", http.MethodGet, "/_matrix/client/v3/sync", nil, &response, query); err != nil {
		return nil, err
	}
	return &response, nil
}

// ResolveAlias looks up the room an alias points to. An unknown alias
// is M_NOT_FOUND.
func (s *DirectSession) ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error) {
	var response ResolveAliasResponse
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias.String())
	if err := s.call(ctx, "resolve "+alias.String(), http.MethodGet, path, nil, &response, nil); err != nil {
		return ref.RoomID{}, err
	}
	return response.RoomID, nil
}

// JoinedRooms lists the rooms the account is joined to.
func (s *DirectSession) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	var response JoinedRoomsResponse
	if err := s.call(ctx, "joined rooms", http.MethodGet, "/_matrix/client/v3/joined_rooms", nil, &response, nil); err != nil {
		return nil, err
	}
	return response.JoinedRooms, nil
}
