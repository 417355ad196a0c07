// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/codebeep/lib/netutil"
	"github.com/bureau-foundation/codebeep/lib/version"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the agent server root (e.g., "http://127.0.0.1:4096").
	BaseURL string
	// HTTPClient is used for request/response calls. Its Timeout
	// bounds each call. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// StreamClient is used for GET /event and must not carry a
	// Timeout. If nil, a zero http.Client is used.
	StreamClient *http.Client
	// Schema decodes responses. If nil, DefaultSchema() is used.
	Schema *Schema
	// AcceptWindow is how long a prompt submission waits for an answer
	// once the request is on the wire. After that the prompt counts as
	// accepted and the reply is drained in the background. Defaults to
	// five seconds.
	AcceptWindow time.Duration
	// Directory, when set, is sent as the directory query parameter
	// so the server scopes sessions to that project.
	Directory string
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

const (
	defaultAcceptWindow = 5 * time.Second
	// submitReplyLimit bounds a detached prompt request. The legacy
	// message endpoint answers only when the agent is done.
	submitReplyLimit = 6 * time.Hour
)

// Client talks to an OpenCode-style agent server.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	acceptWindow time.Duration
	schema       *Schema
	directory    string
	logger       *slog.Logger
}

// NewClient validates config and returns a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("opencode: BaseURL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("opencode: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("opencode: BaseURL %q must be http or https", config.BaseURL)
	}

	client := &Client{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		httpClient:   config.HTTPClient,
		streamClient: config.StreamClient,
		acceptWindow: config.AcceptWindow,
		schema:       config.Schema,
		directory:    config.Directory,
		logger:       config.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = http.DefaultClient
	}
	if client.streamClient == nil {
		client.streamClient = &http.Client{}
	}
	if client.acceptWindow <= 0 {
		client.acceptWindow = defaultAcceptWindow
	}
	if client.schema == nil {
		client.schema = DefaultSchema()
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	return client, nil
}

// Schema returns the schema used for decoding.
func (c *Client) Schema() *Schema { return c.schema }

// Health calls GET /global/health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	const op = "health"
	body, err := c.do(ctx, op, http.MethodGet, "/global/health", nil)
	if err != nil {
		return Health{}, err
	}
	var wire struct {
		Healthy *bool  `json:"healthy"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return Health{}, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	// Older servers answer 200 with an empty object.
	health := Health{Healthy: true, Version: wire.Version}
	if wire.Healthy != nil {
		health.Healthy = *wire.Healthy
	}
	return health, nil
}

// CreateSession creates a session for a conversation. When the server
// omits the agent in its response, the requested agent is recorded.
func (c *Client) CreateSession(ctx context.Context, conversationID, agent string) (Session, error) {
	const op = "create session"
	request := map[string]any{"title": "codebeep " + conversationID}
	if agent != "" {
		request["agent"] = agent
	}
	body, err := c.do(ctx, op, http.MethodPost, "/session", request)
	if err != nil {
		return Session{}, err
	}
	session, err := c.schema.DecodeSession(body)
	if err != nil {
		return Session{}, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	if session.Agent == "" {
		session.Agent = agent
	}
	c.logger.Info("created agent session",
		"session_id", session.ID,
		"room_id", conversationID,
		"agent", session.Agent,
	)
	return session, nil
}

// GetSession calls GET /session/{id}.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	const op = "get session"
	body, err := c.do(ctx, op, http.MethodGet, sessionPath(sessionID, ""), nil)
	if err != nil {
		return Session{}, sessionNotFound(err, sessionID)
	}
	session, err := c.schema.DecodeSession(body)
	if err != nil {
		return Session{}, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	return session, nil
}

// ListSessions calls GET /session.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	const op = "list sessions"
	body, err := c.do(ctx, op, http.MethodGet, "/session", nil)
	if err != nil {
		return nil, err
	}
	sessions, err := c.schema.DecodeSessions(body)
	if err != nil {
		return nil, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	return sessions, nil
}

// SessionStatuses calls GET /session/status. Sessions absent from the
// map are idle.
func (c *Client) SessionStatuses(ctx context.Context) (map[string]RemoteStatus, error) {
	const op = "session status"
	body, err := c.do(ctx, op, http.MethodGet, "/session/status", nil)
	if err != nil {
		return nil, err
	}
	statuses, err := c.schema.DecodeStatuses(body)
	if err != nil {
		return nil, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	return statuses, nil
}

// ListAgents calls GET /agent.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	const op = "list agents"
	body, err := c.do(ctx, op, http.MethodGet, "/agent", nil)
	if err != nil {
		return nil, err
	}
	agents, err := c.schema.DecodeAgents(body)
	if err != nil {
		return nil, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	return agents, nil
}

// ListCommands calls GET /command.
func (c *Client) ListCommands(ctx context.Context) ([]CommandInfo, error) {
	const op = "list commands"
	body, err := c.do(ctx, op, http.MethodGet, "/command", nil)
	if err != nil {
		return nil, err
	}
	commands, err := c.schema.DecodeCommands(body)
	if err != nil {
		return nil, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	return commands, nil
}

// Messages calls GET /session/{id}/message.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	const op = "list messages"
	body, err := c.do(ctx, op, http.MethodGet, sessionPath(sessionID, "/message"), nil)
	if err != nil {
		return nil, sessionNotFound(err, sessionID)
	}
	messages, err := c.schema.DecodeMessages(body)
	if err != nil {
		return nil, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	return messages, nil
}

// SendMessage submits a prompt without waiting for the agent to
// finish. Completion arrives on the event feed. Servers that predate
// prompt_async answer it with a bare 404; the prompt is then posted to
// /message, which answers only when the agent is done, so its reply is
// not awaited past the accept window.
//
// Once a prompt has been written to the server a slow answer is not an
// error: the server has the prompt, and sending it again would run the
// task twice.
func (c *Client) SendMessage(ctx context.Context, sessionID string, prompt Prompt) (Ack, error) {
	request := promptBody(prompt)
	_, _, err := c.submit(ctx, "send message", sessionPath(sessionID, "/prompt_async"), request)
	if err == nil {
		return Ack{SessionID: sessionID}, nil
	}
	if !isRouteMissing(err) {
		return Ack{}, sessionNotFound(err, sessionID)
	}

	c.logger.Debug("prompt_async unsupported, falling back to message endpoint", "session_id", sessionID)
	body, accepted, err := c.submit(ctx, "send message (legacy)", sessionPath(sessionID, "/message"), request)
	if err != nil {
		if isRouteMissing(err) {
			return Ack{}, &SessionNotFoundError{SessionID: sessionID}
		}
		return Ack{}, sessionNotFound(err, sessionID)
	}
	ack := Ack{SessionID: sessionID}
	if accepted {
		return ack, nil
	}
	if message, err := c.schema.DecodeMessage(body); err == nil {
		ack.MessageID = message.ID
	}
	return ack, nil
}

// submit POSTs a prompt on the stream client. The answer is awaited
// until it arrives or, once the request is written, for acceptWindow.
// accepted reports that the window ran out with the prompt delivered;
// the request then finishes in the background. Before the request is
// written, ctx and the request client's Timeout apply as usual.
func (c *Client) submit(ctx context.Context, op, path string, requestBody any) (body []byte, accepted bool, err error) {
	requestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitReplyLimit)
	var wroteOnce sync.Once
	wrote := make(chan struct{})
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wroteOnce.Do(func() { close(wrote) })
			}
		},
	}
	request, err := c.newRequest(httptrace.WithClientTrace(requestCtx, trace), http.MethodPost, path, requestBody)
	if err != nil {
		cancel()
		return nil, false, err
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	var detached atomic.Bool
	go func() {
		defer cancel()
		body, err := c.exchange(c.streamClient, op, request)
		if detached.Load() {
			if err != nil {
				c.logger.Warn("delivered prompt finished with an error", "op", op, "path", path, "error", err)
			} else {
				c.logger.Debug("delivered prompt answered", "op", op, "path", path)
			}
		}
		done <- result{body, err}
	}()

	var connect <-chan time.Time
	if timeout := c.httpClient.Timeout; timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		connect = timer.C
	}
	var window <-chan time.Time
	written := wrote
	for {
		select {
		case outcome := <-done:
			return outcome.body, false, outcome.err
		case <-written:
			written = nil
			connect = nil
			timer := time.NewTimer(c.acceptWindow)
			defer timer.Stop()
			window = timer.C
		case <-window:
			detached.Store(true)
			c.logger.Info("prompt delivered, not waiting for the reply", "op", op, "path", path)
			return nil, true, nil
		case <-connect:
			cancel()
			return nil, false, &UnavailableError{Op: op, Err: fmt.Errorf("request not sent within %s", c.httpClient.Timeout)}
		case <-ctx.Done():
			if written == nil {
				detached.Store(true)
				return nil, true, nil
			}
			cancel()
			return nil, false, &UnavailableError{Op: op, Err: ctx.Err()}
		}
	}
}

// ExecuteSlashCommand runs an agent-native command in a session and
// returns the resulting message.
func (c *Client) ExecuteSlashCommand(ctx context.Context, sessionID, command, arguments string, prompt Prompt) (Message, error) {
	const op = "execute command"
	request := map[string]any{
		"command":   strings.TrimPrefix(command, "/"),
		"arguments": arguments,
	}
	if prompt.Agent != "" {
		request["agent"] = prompt.Agent
	}
	if prompt.Model != "" {
		request["model"] = prompt.Model
	}
	body, err := c.do(ctx, op, http.MethodPost, sessionPath(sessionID, "/command"), request)
	if err != nil {
		return Message{}, sessionNotFound(err, sessionID)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return Message{SessionID: sessionID}, nil
	}
	message, err := c.schema.DecodeMessage(body)
	if err != nil {
		return Message{}, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	return message, nil
}

// Abort calls POST /session/{id}/abort.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, "abort session", http.MethodPost, sessionPath(sessionID, "/abort"), nil)
	if err != nil {
		return sessionNotFound(err, sessionID)
	}
	return nil
}

// Subscribe opens GET /event. The stream lives until ctx is cancelled,
// the server closes it, or Close is called.
func (c *Client) Subscribe(ctx context.Context) (*EventStream, error) {
	const op = "subscribe"
	request, err := c.newRequest(ctx, http.MethodGet, "/event", nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-cache")

	response, err := c.streamClient.Do(request)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		return nil, statusError(op, response.StatusCode, netutil.ErrorBody(response.Body))
	}
	return &EventStream{
		body:    response.Body,
		scanner: newSSEScanner(response.Body),
		schema:  c.schema,
		logger:  c.logger,
	}, nil
}

func promptBody(prompt Prompt) map[string]any {
	request := map[string]any{
		"parts": []Part{{Type: "text", Text: prompt.Text}},
	}
	if prompt.Agent != "" {
		request["agent"] = prompt.Agent
	}
	if provider, model, found := strings.Cut(prompt.Model, "/"); found {
		request["model"] = map[string]string{"providerID": provider, "modelID": model}
	} else if prompt.Model != "" {
		request["model"] = prompt.Model
	}
	return request
}

func sessionPath(sessionID, suffix string) string {
	return "/session/" + url.PathEscape(sessionID) + suffix
}

func (c *Client) newRequest(ctx context.Context, method, path string, requestBody any) (*http.Request, error) {
	requestURL := c.baseURL + path
	if c.directory != "" {
		requestURL += "?" + url.Values{"directory": {c.directory}}.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("opencode: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("opencode: creating request: %w", err)
	}
	request.Header.Set("User-Agent", version.UserAgent())
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return request, nil
}

// do performs a request/response call and returns the body of a 2xx
// answer. Failures come back as *UnavailableError, *StatusError or
// *ProtocolError.
func (c *Client) do(ctx context.Context, op, method, path string, requestBody any) ([]byte, error) {
	request, err := c.newRequest(ctx, method, path, requestBody)
	if err != nil {
		return nil, err
	}
	return c.exchange(c.httpClient, op, request)
}

// exchange sends request on client and reads a 2xx body.
func (c *Client) exchange(client *http.Client, op string, request *http.Request) ([]byte, error) {
	response, err := client.Do(request)
	if err != nil {
		return nil, &UnavailableError{Op: op, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, statusError(op, response.StatusCode, netutil.ErrorBody(response.Body))
	}

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		if netutil.IsConnectionError(err) {
			return nil, &UnavailableError{Op: op, StatusCode: response.StatusCode, Err: err}
		}
		return nil, &ProtocolError{Op: op, Raw: body, Err: err}
	}
	return body, nil
}

func statusError(op string, statusCode int, body string) error {
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		return &UnavailableError{Op: op, StatusCode: statusCode, Err: errors.New(body)}
	}
	return &StatusError{Op: op, StatusCode: statusCode, Body: body}
}

// sessionNotFound turns a JSON 404 on a session path into
// *SessionNotFoundError.
func sessionNotFound(err error, sessionID string) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return &SessionNotFoundError{SessionID: sessionID}
	}
	return err
}

// isRouteMissing reports a 404 whose body is not JSON: the router
// rejected the path before any session lookup happened.
func isRouteMissing(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		return false
	}
	return !json.Valid([]byte(statusErr.Body))
}
