// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/codebeep/lib/netutil"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/secret"
	"github.com/bureau-foundation/codebeep/lib/version"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// HomeserverURL is the client-server API base, such as
	// "https://matrix.beeper.com".
	HomeserverURL string
	// HTTPClient carries every request. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client holds the homeserver address and transport. It makes the
// unauthenticated calls; Login and SessionFromToken derive sessions
// that share it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient validates the homeserver URL.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}
	// Paths are appended to the string form. Going through url.URL
	// would re-escape the '#' and ':' of already escaped aliases.
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must be http or https", config.HomeserverURL)
	}

	client := &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: config.HTTPClient,
		logger:     config.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = http.DefaultClient
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	return client, nil
}

// ServerVersions calls the unauthenticated /versions endpoint. The
// check command uses it as a reachability probe.
func (c *Client) ServerVersions(ctx context.Context) (*ServerVersionsResponse, error) {
	var response ServerVersionsResponse
	if err := c.decode(ctx, "server versions", http.MethodGet, "/_matrix/client/versions", nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Login performs an m.login.password login. username may be a full
// user ID or a localpart. The password buffer stays owned by the
// caller.
func (c *Client) Login(ctx context.Context, username string, password *secret.Buffer, deviceName string) (*DirectSession, error) {
	if username == "" {
		return nil, fmt.Errorf("messaging: login: username is required")
	}
	if password == nil {
		return nil, fmt.Errorf("messaging: login: password is required")
	}
	plaintext, err := password.Reveal()
	if err != nil {
		return nil, fmt.Errorf("messaging: login: reading password: %w", err)
	}

	request := LoginRequest{
		Type:                     "m.login.password",
		Identifier:               map[string]any{"type": "m.id.user", "user": username},
		Password:                 plaintext,
		InitialDeviceDisplayName: deviceName,
	}
	var auth AuthResponse
	if err := c.decode(ctx, "login", http.MethodPost, "/_matrix/client/v3/login", request, &auth); err != nil {
		return nil, err
	}
	c.logger.Info("logged in", "user_id", auth.UserID, "device_id", auth.DeviceID)
	return c.newSession(auth.UserID, auth.AccessToken, auth.DeviceID)
}

// SessionFromToken wraps an existing access token without contacting
// the server; WhoAmI checks it. Close the session when done.
func (c *Client) SessionFromToken(userID ref.UserID, accessToken string) (*DirectSession, error) {
	return c.newSession(userID, accessToken, "")
}

func (c *Client) newSession(userID ref.UserID, accessToken, deviceID string) (*DirectSession, error) {
	token, err := secret.NewFromString(accessToken)
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	return &DirectSession{client: c, accessToken: token, userID: userID, deviceID: deviceID}, nil
}

// decode performs an unauthenticated request and decodes the JSON
// response into out.
func (c *Client) decode(ctx context.Context, action, method, path string, request, out any) error {
	body, err := c.doRequest(ctx, method, path, nil, request, nil)
	if err != nil {
		return fmt.Errorf("messaging: %s: %w", action, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("messaging: %s: decoding response: %w", action, err)
	}
	return nil
}

// doRequest sends one request and returns the body of a 2xx response.
// Any other status becomes a *MatrixError. accessToken and query may
// be nil.
func (c *Client) doRequest(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody any, query url.Values) ([]byte, error) {
	request, err := c.newRequest(ctx, method, path, accessToken, requestBody, query)
	if err != nil {
		return nil, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w", method, path, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, matrixErrorFrom(response, body)
	}
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, accessToken *secret.Buffer, requestBody any, query url.Values) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", version.UserAgent())
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != nil {
		token, err := accessToken.Reveal()
		if err != nil {
			return nil, fmt.Errorf("reading access token: %w", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return request, nil
}

// matrixErrorFrom decodes the standard error body. Reverse proxies
// answer with HTML or plain text; those become M_UNKNOWN carrying the
// start of the body.
func matrixErrorFrom(response *http.Response, body []byte) *MatrixError {
	var matrixErr MatrixError
	if err := json.Unmarshal(body, &matrixErr); err != nil || matrixErr.Code == "" {
		matrixErr = MatrixError{Code: ErrCodeUnknown, Message: netutil.Truncate(body, netutil.MaxErrorBody)}
	}
	matrixErr.StatusCode = response.StatusCode
	matrixErr.RetryAfterHeader = parseRetryAfter(response.Header.Get("Retry-After"))
	return &matrixErr
}

// parseRetryAfter reads the delay-seconds form of Retry-After. The
// HTTP-date form is not used by homeservers.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
