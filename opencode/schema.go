// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package opencode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Schema lists, for each field the bridge reads, the JSON paths that
// may carry it. Paths are dotted ("time.created") and tried in order;
// the first present value wins. Unknown fields are always ignored.
type Schema struct {
	SessionID        []string `json:"session_id"`
	SessionTitle     []string `json:"session_title"`
	SessionSlug      []string `json:"session_slug"`
	SessionParent    []string `json:"session_parent"`
	SessionProject   []string `json:"session_project"`
	SessionDirectory []string `json:"session_directory"`
	SessionAgent     []string `json:"session_agent"`
	SessionModel     []string `json:"session_model"`
	SessionStatus    []string `json:"session_status"`
	SessionCreated   []string `json:"session_created"`
	SessionUpdated   []string `json:"session_updated"`

	AgentName        []string `json:"agent_name"`
	AgentDescription []string `json:"agent_description"`
	AgentMode        []string `json:"agent_mode"`
	AgentBuiltIn     []string `json:"agent_builtin"`

	CommandName        []string `json:"command_name"`
	CommandDescription []string `json:"command_description"`

	MessageID      []string `json:"message_id"`
	MessageSession []string `json:"message_session"`
	MessageRole    []string `json:"message_role"`
	MessageCreated []string `json:"message_created"`
	MessageParts   []string `json:"message_parts"`

	StatusValue []string `json:"status_value"`
	StatusAgent []string `json:"status_agent"`
	StatusModel []string `json:"status_model"`

	EventType      []string `json:"event_type"`
	EventKind      []string `json:"event_kind"`
	EventSession   []string `json:"event_session"`
	EventMessageID []string `json:"event_message_id"`
	EventRole      []string `json:"event_role"`
	EventError     []string `json:"event_error"`

	// EventKinds maps upstream event types to kinds. Types not listed
	// decode as KindUnknown.
	EventKinds map[string]EventKind `json:"event_kinds"`
}

// DefaultSchema returns the field names used by current servers and
// the legacy flat names of older ones.
func DefaultSchema() *Schema {
	return &Schema{
		SessionID:        []string{"id"},
		SessionTitle:     []string{"title"},
		SessionSlug:      []string{"slug"},
		SessionParent:    []string{"parentID", "parentId", "parent_id"},
		SessionProject:   []string{"projectID", "projectId", "project_id"},
		SessionDirectory: []string{"directory"},
		SessionAgent:     []string{"agent", "agentKind", "mode"},
		SessionModel:     []string{"model", "modelID"},
		SessionStatus:    []string{"status", "status.type"},
		SessionCreated:   []string{"time.created", "createdAt", "created_at", "created"},
		SessionUpdated:   []string{"time.updated", "updatedAt", "updated_at", "updated"},

		AgentName:        []string{"name", "id"},
		AgentDescription: []string{"description"},
		AgentMode:        []string{"mode"},
		AgentBuiltIn:     []string{"builtIn", "builtin", "native"},

		CommandName:        []string{"name"},
		CommandDescription: []string{"description", "template"},

		MessageID:      []string{"info.id", "id"},
		MessageSession: []string{"info.sessionID", "info.sessionId", "sessionID"},
		MessageRole:    []string{"info.role", "role"},
		MessageCreated: []string{"info.time.created", "info.createdAt", "time.created", "createdAt"},
		MessageParts:   []string{"parts"},

		StatusValue: []string{"status", "type"},
		StatusAgent: []string{"agent"},
		StatusModel: []string{"model"},

		EventType: []string{"type"},
		EventKind: []string{"kind"},
		EventSession: []string{
			"sessionID", "sessionId",
			"properties.sessionID",
			"properties.info.sessionID",
			"properties.part.sessionID",
		},
		EventMessageID: []string{"properties.part.id", "properties.info.id", "message.info.id", "id"},
		EventRole:      []string{"properties.info.role", "message.info.role"},
		EventError: []string{
			"properties.error.data.message",
			"properties.error.message",
			"properties.error.name",
			"error",
		},

		EventKinds: map[string]EventKind{
			"session.idle":         KindCompleted,
			"session.completed":    KindCompleted,
			"session.error":        KindError,
			"session.status":       KindProgress,
			"message.part.updated": KindProgress,
			"session.message":      KindMessage,
			"message.updated":      KindMessage,
		},
	}
}

// schemaFile is the on-disk form. Lists are prepended to the default
// lists unless Replace is set.
type schemaFile struct {
	Schema
	Replace bool `json:"replace"`
}

// LoadSchema reads a JSONC schema file and merges it over
// DefaultSchema. Comments and trailing commas are allowed.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opencode: reading schema file: %w", err)
	}
	var file schemaFile
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("opencode: parsing schema file %s: %w", path, err)
	}
	for eventType, kind := range file.EventKinds {
		if !kind.valid() && kind != KindUnknown {
			return nil, fmt.Errorf("opencode: schema file %s: event type %q maps to unknown kind %q", path, eventType, kind)
		}
	}
	return DefaultSchema().merge(&file.Schema, file.Replace), nil
}

// merge returns s with overlay's lists applied.
func (s *Schema) merge(overlay *Schema, replace bool) *Schema {
	result := *s
	combine := func(base, extra []string) []string {
		if len(extra) == 0 {
			return base
		}
		if replace {
			return slices.Clone(extra)
		}
		merged := slices.Clone(extra)
		for _, path := range base {
			if !slices.Contains(merged, path) {
				merged = append(merged, path)
			}
		}
		return merged
	}
	result.SessionID = combine(s.SessionID, overlay.SessionID)
	result.SessionTitle = combine(s.SessionTitle, overlay.SessionTitle)
	result.SessionSlug = combine(s.SessionSlug, overlay.SessionSlug)
	result.SessionParent = combine(s.SessionParent, overlay.SessionParent)
	result.SessionProject = combine(s.SessionProject, overlay.SessionProject)
	result.SessionDirectory = combine(s.SessionDirectory, overlay.SessionDirectory)
	result.SessionAgent = combine(s.SessionAgent, overlay.SessionAgent)
	result.SessionModel = combine(s.SessionModel, overlay.SessionModel)
	result.SessionStatus = combine(s.SessionStatus, overlay.SessionStatus)
	result.SessionCreated = combine(s.SessionCreated, overlay.SessionCreated)
	result.SessionUpdated = combine(s.SessionUpdated, overlay.SessionUpdated)
	result.AgentName = combine(s.AgentName, overlay.AgentName)
	result.AgentDescription = combine(s.AgentDescription, overlay.AgentDescription)
	result.AgentMode = combine(s.AgentMode, overlay.AgentMode)
	result.AgentBuiltIn = combine(s.AgentBuiltIn, overlay.AgentBuiltIn)
	result.CommandName = combine(s.CommandName, overlay.CommandName)
	result.CommandDescription = combine(s.CommandDescription, overlay.CommandDescription)
	result.MessageID = combine(s.MessageID, overlay.MessageID)
	result.MessageSession = combine(s.MessageSession, overlay.MessageSession)
	result.MessageRole = combine(s.MessageRole, overlay.MessageRole)
	result.MessageCreated = combine(s.MessageCreated, overlay.MessageCreated)
	result.MessageParts = combine(s.MessageParts, overlay.MessageParts)
	result.StatusValue = combine(s.StatusValue, overlay.StatusValue)
	result.StatusAgent = combine(s.StatusAgent, overlay.StatusAgent)
	result.StatusModel = combine(s.StatusModel, overlay.StatusModel)
	result.EventType = combine(s.EventType, overlay.EventType)
	result.EventKind = combine(s.EventKind, overlay.EventKind)
	result.EventSession = combine(s.EventSession, overlay.EventSession)
	result.EventMessageID = combine(s.EventMessageID, overlay.EventMessageID)
	result.EventRole = combine(s.EventRole, overlay.EventRole)
	result.EventError = combine(s.EventError, overlay.EventError)

	if replace && len(overlay.EventKinds) > 0 {
		result.EventKinds = maps.Clone(overlay.EventKinds)
	} else {
		result.EventKinds = maps.Clone(s.EventKinds)
		maps.Copy(result.EventKinds, overlay.EventKinds)
	}
	return &result
}

// errMissing marks a required field absent under every path.
var errMissing = errors.New("missing")

// DecodeSession decodes one session object.
func (s *Schema) DecodeSession(data []byte) (Session, error) {
	object, err := decodeObject(data)
	if err != nil {
		return Session{}, err
	}
	return s.sessionFrom(object)
}

// DecodeSessions decodes a session list. The server may answer with a
// bare array or an object wrapping one under "sessions" or "data".
func (s *Schema) DecodeSessions(data []byte) ([]Session, error) {
	items, err := decodeList(data, "sessions", "data")
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(items))
	for index, item := range items {
		object, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("session %d: expected object, got %s", index, typeName(item))
		}
		session, err := s.sessionFrom(object)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", index, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (s *Schema) sessionFrom(object map[string]any) (Session, error) {
	id, err := requiredString(object, s.SessionID)
	if err != nil {
		return Session{}, fmt.Errorf("session id: %w", err)
	}
	created, err := requiredTime(object, s.SessionCreated)
	if err != nil {
		return Session{}, fmt.Errorf("session %s created time: %w", id, err)
	}
	updated, found, err := optionalTime(object, s.SessionUpdated)
	if err != nil {
		return Session{}, fmt.Errorf("session %s updated time: %w", id, err)
	}
	if !found {
		updated = created
	}
	session := Session{
		ID:        id,
		Title:     optionalString(object, s.SessionTitle),
		Slug:      optionalString(object, s.SessionSlug),
		ParentID:  optionalString(object, s.SessionParent),
		ProjectID: optionalString(object, s.SessionProject),
		Directory: optionalString(object, s.SessionDirectory),
		Agent:     optionalString(object, s.SessionAgent),
		Model:     optionalModel(object, s.SessionModel),
		Created:   created,
		Updated:   updated,
	}
	if status, ok := ParseStatus(optionalString(object, s.SessionStatus)); ok {
		session.Status = status
	}
	return session, nil
}

// DecodeAgents decodes GET /agent. Both an array of agent objects and
// an object keyed by agent name are accepted.
func (s *Schema) DecodeAgents(data []byte) ([]Agent, error) {
	value, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	var agents []Agent
	switch typed := value.(type) {
	case []any:
		for index, item := range typed {
			object, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("agent %d: expected object, got %s", index, typeName(item))
			}
			agent := s.agentFrom(object)
			if agent.Name == "" {
				return nil, fmt.Errorf("agent %d: name: %w", index, errMissing)
			}
			agents = append(agents, agent)
		}
	case map[string]any:
		for _, name := range slices.Sorted(maps.Keys(typed)) {
			agent := Agent{Name: name}
			if object, ok := typed[name].(map[string]any); ok {
				agent = s.agentFrom(object)
				if agent.Name == "" {
					agent.Name = name
				}
			}
			agents = append(agents, agent)
		}
	default:
		return nil, fmt.Errorf("agents: expected array or object, got %s", typeName(value))
	}
	return agents, nil
}

func (s *Schema) agentFrom(object map[string]any) Agent {
	agent := Agent{
		Name:        optionalString(object, s.AgentName),
		Description: optionalString(object, s.AgentDescription),
		Mode:        optionalString(object, s.AgentMode),
	}
	if value, ok := first(object, s.AgentBuiltIn); ok {
		agent.BuiltIn, _ = value.(bool)
	}
	return agent
}

// DecodeCommands decodes GET /command.
func (s *Schema) DecodeCommands(data []byte) ([]CommandInfo, error) {
	items, err := decodeList(data, "commands", "data")
	if err != nil {
		return nil, err
	}
	commands := make([]CommandInfo, 0, len(items))
	for index, item := range items {
		object, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("command %d: expected object, got %s", index, typeName(item))
		}
		name, err := requiredString(object, s.CommandName)
		if err != nil {
			return nil, fmt.Errorf("command %d name: %w", index, err)
		}
		commands = append(commands, CommandInfo{
			Name:        name,
			Description: firstLine(optionalString(object, s.CommandDescription)),
		})
	}
	return commands, nil
}

// DecodeMessage decodes one message envelope ({info, parts}).
func (s *Schema) DecodeMessage(data []byte) (Message, error) {
	object, err := decodeObject(data)
	if err != nil {
		return Message{}, err
	}
	return s.messageFrom(object)
}

// DecodeMessages decodes GET /session/{id}/message.
func (s *Schema) DecodeMessages(data []byte) ([]Message, error) {
	items, err := decodeList(data, "messages", "data")
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(items))
	for index, item := range items {
		object, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message %d: expected object, got %s", index, typeName(item))
		}
		message, err := s.messageFrom(object)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", index, err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *Schema) messageFrom(object map[string]any) (Message, error) {
	id, err := requiredString(object, s.MessageID)
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}
	created, _, err := optionalTime(object, s.MessageCreated)
	if err != nil {
		return Message{}, fmt.Errorf("message %s created time: %w", id, err)
	}
	message := Message{
		ID:        id,
		SessionID: optionalString(object, s.MessageSession),
		Role:      optionalString(object, s.MessageRole),
		Created:   created,
	}
	if value, ok := first(object, s.MessageParts); ok {
		parts, ok := value.([]any)
		if !ok {
			return Message{}, fmt.Errorf("message %s parts: expected array, got %s", id, typeName(value))
		}
		for _, raw := range parts {
			partObject, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			message.Parts = append(message.Parts, Part{
				ID:   optionalString(partObject, []string{"id"}),
				Type: optionalString(partObject, []string{"type"}),
				Text: optionalString(partObject, []string{"text"}),
			})
		}
	}
	return message, nil
}

// DecodeStatuses decodes GET /session/status, an object keyed by
// session ID. Entries with an unrecognized status are skipped.
func (s *Schema) DecodeStatuses(data []byte) (map[string]RemoteStatus, error) {
	object, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]RemoteStatus, len(object))
	for sessionID, raw := range object {
		var status RemoteStatus
		switch typed := raw.(type) {
		case string:
			parsed, ok := ParseStatus(typed)
			if !ok {
				continue
			}
			status.Status = parsed
		case map[string]any:
			parsed, ok := ParseStatus(optionalString(typed, s.StatusValue))
			if !ok {
				continue
			}
			status = RemoteStatus{
				Status: parsed,
				Agent:  optionalString(typed, s.StatusAgent),
				Model:  optionalModel(typed, s.StatusModel),
			}
		default:
			return nil, fmt.Errorf("status of %s: expected object or string, got %s", sessionID, typeName(raw))
		}
		statuses[sessionID] = status
	}
	return statuses, nil
}

// DecodeEvent decodes one event-feed payload. An explicit kind field
// wins; otherwise the type is looked up in EventKinds.
func (s *Schema) DecodeEvent(data []byte) (Event, error) {
	object, err := decodeObject(data)
	if err != nil {
		return Event{}, err
	}
	event := Event{
		Type:      optionalString(object, s.EventType),
		SessionID: optionalString(object, s.EventSession),
		MessageID: optionalString(object, s.EventMessageID),
		Role:      optionalString(object, s.EventRole),
		Payload:   json.RawMessage(slices.Clone(data)),
		Kind:      KindUnknown,
	}
	if explicit := EventKind(optionalString(object, s.EventKind)); explicit.valid() {
		event.Kind = explicit
	} else if mapped, ok := s.EventKinds[event.Type]; ok {
		event.Kind = mapped
	}
	if event.Kind == KindError {
		event.ErrorText = optionalString(object, s.EventError)
	}
	return event, nil
}

func decodeValue(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	value, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	object, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object, got %s", typeName(value))
	}
	return object, nil
}

// decodeList accepts a bare array or an object wrapping one under one
// of wrappers.
func decodeList(data []byte, wrappers ...string) ([]any, error) {
	value, err := decodeValue(data)
	if err != nil {
		return nil, err
	}
	switch typed := value.(type) {
	case []any:
		return typed, nil
	case nil:
		return nil, nil
	case map[string]any:
		for _, key := range wrappers {
			if list, ok := typed[key].([]any); ok {
				return list, nil
			}
		}
	}
	return nil, fmt.Errorf("expected array, got %s", typeName(value))
}

// lookup walks a dotted path through nested objects.
func lookup(object map[string]any, path string) (any, bool) {
	var current any = object
	for segment := range strings.SplitSeq(path, ".") {
		nested, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = nested[segment]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func first(object map[string]any, paths []string) (any, bool) {
	for _, path := range paths {
		if value, ok := lookup(object, path); ok {
			return value, true
		}
	}
	return nil, false
}

func requiredString(object map[string]any, paths []string) (string, error) {
	value, ok := first(object, paths)
	if !ok {
		return "", errMissing
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %s", typeName(value))
	}
	if text == "" {
		return "", errMissing
	}
	return text, nil
}

// optionalString returns the first string value under paths, skipping
// values of other types.
func optionalString(object map[string]any, paths []string) string {
	for _, path := range paths {
		if value, ok := lookup(object, path); ok {
			if text, ok := value.(string); ok {
				return text
			}
		}
	}
	return ""
}

// optionalModel accepts "provider/model" strings and
// {providerID, modelID} objects.
func optionalModel(object map[string]any, paths []string) string {
	value, ok := first(object, paths)
	if !ok {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return typed
	case map[string]any:
		provider, _ := typed["providerID"].(string)
		model, _ := typed["modelID"].(string)
		if provider != "" && model != "" {
			return provider + "/" + model
		}
		return model
	}
	return ""
}

func requiredTime(object map[string]any, paths []string) (time.Time, error) {
	value, found, err := optionalTime(object, paths)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return time.Time{}, errMissing
	}
	return value, nil
}

func optionalTime(object map[string]any, paths []string) (time.Time, bool, error) {
	value, ok := first(object, paths)
	if !ok {
		return time.Time{}, false, nil
	}
	parsed, err := parseTime(value)
	if err != nil {
		return time.Time{}, true, err
	}
	return parsed, true, nil
}

// parseTime accepts Unix milliseconds as a number or numeric string,
// and RFC 3339 strings.
func parseTime(value any) (time.Time, error) {
	switch typed := value.(type) {
	case json.Number:
		return millis(typed.String())
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, typed); err == nil {
			return parsed.UTC(), nil
		}
		return millis(typed)
	default:
		return time.Time{}, fmt.Errorf("expected timestamp, got %s", typeName(value))
	}
}

func millis(text string) (time.Time, error) {
	if whole, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.UnixMilli(whole).UTC(), nil
	}
	fractional, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", text)
	}
	return time.UnixMicro(int64(fractional * 1000)).UTC(), nil
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", value)
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return line
}
