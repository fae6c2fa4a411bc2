// Package tabletop provides the official Go SDK for the Fableforge tabletop
// service: a real-time session client with an offline-first action queue.
//
// The SDK keeps one client's view of a shared game session consistent with
// the server despite unreliable connectivity. Actions submitted while offline
// are persisted in a durable queue and replayed once the connection returns.
//
// Example:
//
//	client := tabletop.NewClient("user-42",
//		tabletop.WithBaseURL("https://play.fableforge.games"),
//		tabletop.WithQueue(queue))
//
//	session := client.Session(tabletop.SessionTarget{SessionID: "s-1", UserID: "user-42"})
//	session.OnChatMessage(func(m tabletop.ChatMessagePayload) { fmt.Println(m.Message) })
//	session.Connect(ctx)
//	session.Send.ChatMessage(ctx, "hello")
package tabletop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://play.fableforge.games",
	Staging:    "https://staging.fableforge.games",
}

const (
	DefaultBaseURL = "https://play.fableforge.games"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST entry point and the factory for session clients.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	backoff           BackoffPolicy
	queue             DurableQueue
	scheduler         SyncScheduler
	probe             ConnectivityProbe
	coordinator       *SyncCoordinator
	heartbeatInterval time.Duration
	maxReconnects     int
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the diagnostic logger. The default discards everything.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithBackoff sets the reconnect delay policy for sessions created by this
// client. The default is exponential backoff with jitter.
func WithBackoff(policy BackoffPolicy) ClientOption {
	return func(c *Client) { c.backoff = policy }
}

// WithQueue sets the durable store backing the offline action queue. The
// default is an in-memory queue that does not survive a process restart; use
// OpenSQLiteQueue for durable queuing.
func WithQueue(queue DurableQueue) ClientOption {
	return func(c *Client) { c.queue = queue }
}

// WithScheduler sets the background-sync scheduler. The default fires every
// registered trigger once per minute.
func WithScheduler(scheduler SyncScheduler) ClientOption {
	return func(c *Client) { c.scheduler = scheduler }
}

// WithConnectivityProbe sets the network reachability probe consulted before
// each drain. The default always reports online and lets submissions discover
// the truth.
func WithConnectivityProbe(probe ConnectivityProbe) ClientOption {
	return func(c *Client) { c.probe = probe }
}

func WithHeartbeatInterval(interval time.Duration) ClientOption {
	return func(c *Client) { c.heartbeatInterval = interval }
}

// WithMaxReconnectAttempts caps reconnect attempts. Zero means retry
// indefinitely, which is the default.
func WithMaxReconnectAttempts(n int) ClientOption {
	return func(c *Client) { c.maxReconnects = n }
}

// NewClient creates a new Fableforge client. The token authenticates the
// user on both the REST and session transports.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:            zerolog.Nop(),
		heartbeatInterval: 25 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.backoff == nil {
		c.backoff = NewExponentialBackoff(time.Second, 30*time.Second)
	}
	if c.queue == nil {
		c.queue = NewMemoryQueue()
	}
	if c.scheduler == nil {
		c.scheduler = NewTickerScheduler(time.Minute)
	}
	if c.probe == nil {
		c.probe = alwaysOnline{}
	}
	c.coordinator = newSyncCoordinator(c, c.logger)
	return c
}

// Close stops the background-sync scheduler. Sessions created by this client
// share the scheduler, so call Close only when the client itself is done; a
// session's own Close leaves it running. The durable queue is owned by its
// opener and is not closed here.
func (c *Client) Close() error {
	c.coordinator.stop()
	return nil
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured service URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ============================================================================
// REST API Methods
// ============================================================================

// Health checks service health.
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, "GET", "/api/health", nil, nil)
}

// RollDice submits a dice roll over REST. This is the fallback path used when
// no live session connection is available.
func (c *Client) RollDice(ctx context.Context, roll DiceRollPayload) (*Result, error) {
	return c.do(ctx, "POST", "/api/dice/roll", roll, nil)
}

// PostMessage submits a chat message over REST.
func (c *Client) PostMessage(ctx context.Context, msg ChatMessagePayload) (*Result, error) {
	return c.do(ctx, "POST", "/api/messages", msg, nil)
}

// PatchCharacter applies a partial character-sheet edit.
func (c *Client) PatchCharacter(ctx context.Context, update CharacterUpdate) (*Result, error) {
	if update.CharacterID == "" {
		return nil, fmt.Errorf("character id is required")
	}
	body := map[string]any{"patch": update.Patch}
	return c.do(ctx, "PATCH", "/api/characters/"+update.CharacterID, body, nil)
}

// SyncDiceRoll replays one queued dice roll. The body is the queued payload
// with its idempotency key attached so the server can deduplicate replays.
func (c *Client) SyncDiceRoll(ctx context.Context, body json.RawMessage) (*Result, error) {
	return c.do(ctx, "POST", "/api/dice/sync", body, nil)
}

// SyncMessage replays one queued chat message.
func (c *Client) SyncMessage(ctx context.Context, body json.RawMessage) (*Result, error) {
	return c.do(ctx, "POST", "/api/messages/sync", body, nil)
}

// SessionURL returns the WebSocket URL for a session target.
func (c *Client) SessionURL(target SessionTarget) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + "/ws/game/" + url.PathEscape(target.SessionID) + "?token=" + url.QueryEscape(target.UserID)
	if target.CharacterID != "" {
		u += "&character_id=" + url.QueryEscape(target.CharacterID)
	}
	return u
}

// Session creates a session client for the given target. Call Connect to
// establish the connection; send methods work immediately and queue while
// offline.
func (c *Client) Session(target SessionTarget) *SessionClient {
	return newSessionClient(c, target)
}
