// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// parseSigiled checks the shape shared by Matrix identifiers:
// a sigil, a non-empty local part, ':' and a non-empty server name.
func parseSigiled(kind string, sigil byte, raw string) (local, server string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty %s", kind)
	}
	if raw[0] != sigil {
		return "", "", fmt.Errorf("%s must start with %q: %q", kind, sigil, raw)
	}
	local, server, found := strings.Cut(raw[1:], ":")
	if !found {
		return "", "", fmt.Errorf("%s missing ':server' suffix: %q", kind, raw)
	}
	if local == "" {
		return "", "", fmt.Errorf("%s has empty local part: %q", kind, raw)
	}
	if server == "" {
		return "", "", fmt.Errorf("%s has empty server name: %q", kind, raw)
	}
	return local, server, nil
}

// RoomID is a server-assigned Matrix room ID ("!opaque:server"). The
// bridge uses it as the conversation identifier.
type RoomID struct{ id string }

// ParseRoomID validates raw.
func ParseRoomID(raw string) (RoomID, error) {
	if _, _, err := parseSigiled("room ID", '!', raw); err != nil {
		return RoomID{}, err
	}
	return RoomID{id: raw}, nil
}

// MustParseRoomID panics on invalid input. For tests and constants.
func MustParseRoomID(raw string) RoomID {
	id, err := ParseRoomID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseRoomID(%q): %v", raw, err))
	}
	return id
}

func (r RoomID) String() string { return r.id }

// IsZero reports whether r is unset.
func (r RoomID) IsZero() bool { return r.id == "" }

func (r RoomID) MarshalText() ([]byte, error) { return []byte(r.id), nil }

func (r *RoomID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// UserID is a Matrix user ID ("@local:server").
type UserID struct{ id string }

// ParseUserID validates raw.
func ParseUserID(raw string) (UserID, error) {
	if _, _, err := parseSigiled("user ID", '@', raw); err != nil {
		return UserID{}, err
	}
	return UserID{id: raw}, nil
}

// MustParseUserID panics on invalid input. For tests and constants.
func MustParseUserID(raw string) UserID {
	id, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return id
}

func (u UserID) String() string { return u.id }

// IsZero reports whether u is unset.
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the part between '@' and ':'. Empty for the zero
// value.
func (u UserID) Localpart() string {
	local, _, _ := strings.Cut(strings.TrimPrefix(u.id, "@"), ":")
	return local
}

// Server returns the server name.
func (u UserID) Server() string {
	_, server, _ := strings.Cut(u.id, ":")
	return server
}

func (u UserID) MarshalText() ([]byte, error) { return []byte(u.id), nil }

func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// RoomAlias is a human-readable room address ("#local:server").
type RoomAlias struct{ alias string }

// ParseRoomAlias validates raw.
func ParseRoomAlias(raw string) (RoomAlias, error) {
	if _, _, err := parseSigiled("room alias", '#', raw); err != nil {
		return RoomAlias{}, err
	}
	return RoomAlias{alias: raw}, nil
}

func (a RoomAlias) String() string { return a.alias }

// IsZero reports whether a is unset.
func (a RoomAlias) IsZero() bool { return a.alias == "" }

// Localpart returns the alias without sigil and server, the form
// createRoom expects in room_alias_name.
func (a RoomAlias) Localpart() string {
	local, _, _ := strings.Cut(strings.TrimPrefix(a.alias, "#"), ":")
	return local
}

// EventID is an opaque Matrix event ID ("$..."). Room versions 4 and
// later drop the server suffix, so only the sigil is checked.
type EventID struct{ id string }

// ParseEventID validates raw.
func ParseEventID(raw string) (EventID, error) {
	if len(raw) < 2 || raw[0] != '$' {
		return EventID{}, fmt.Errorf("invalid event ID: %q", raw)
	}
	return EventID{id: raw}, nil
}

// MustParseEventID panics on invalid input. For tests and constants.
func MustParseEventID(raw string) EventID {
	id, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseEventID(%q): %v", raw, err))
	}
	return id
}

func (e EventID) String() string { return e.id }

// IsZero reports whether e is unset.
func (e EventID) IsZero() bool { return e.id == "" }

func (e EventID) MarshalText() ([]byte, error) { return []byte(e.id), nil }

func (e *EventID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*e = EventID{}
		return nil
	}
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
