// ABOUTME: HTTP client for the clawlist gateway: authenticate, publish, and read SSE streams
// ABOUTME: Used by the matchmaker and by agents that talk to the gateway directly

package gatewayclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/2389/clawlist-gateway/internal/broker"
)

// ErrNotAuthenticated is returned by calls that need a token before Auth succeeded.
var ErrNotAuthenticated = errors.New("not authenticated")

// Event is one parsed Server-Sent Event.
type Event struct {
	Type string
	Data string
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.Status, e.Message)
}

// Client talks to one gateway as one agent.
type Client struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	creds *broker.Credentials
}

// New creates a client for the gateway at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

// Auth exchanges the shared secret for a token and keeps it for later calls.
// An empty agentID lets the gateway assign one.
func (c *Client) Auth(ctx context.Context, secret, agentID, name string) (*broker.Credentials, error) {
	var creds broker.Credentials
	req := broker.AuthRequest{Secret: secret, AgentID: agentID, Name: name}
	if err := c.postJSON(ctx, "/auth", "", req, &creds); err != nil {
		return nil, fmt.Errorf("authenticating: %w", err)
	}

	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()
	return &creds, nil
}

// UseToken adopts credentials minted earlier, skipping Auth.
func (c *Client) UseToken(agentID, token string) {
	c.mu.Lock()
	c.creds = &broker.Credentials{AgentID: agentID, AccessToken: token}
	c.mu.Unlock()
}

// AgentID returns the authenticated agent id, or "" before Auth.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return ""
	}
	return c.creds.AgentID
}

func (c *Client) token() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return "", ErrNotAuthenticated
	}
	return c.creds.AccessToken, nil
}

// PostGossip broadcasts body with an optional structured listing.
func (c *Client) PostGossip(ctx context.Context, body string, listing any) error {
	tok, err := c.token()
	if err != nil {
		return err
	}
	req := broker.GossipRequest{Body: body}
	if listing != nil {
		raw, err := json.Marshal(listing)
		if err != nil {
			return fmt.Errorf("marshaling listing: %w", err)
		}
		req.Listing = raw
	}
	return c.postJSON(ctx, "/gossip", tok, req, nil)
}

// PostDM sends body to one agent.
func (c *Client) PostDM(ctx context.Context, toAgent, body string) error {
	tok, err := c.token()
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/dm", tok, broker.DMRequest{ToAgent: toAgent, Body: body}, nil)
}

// StreamGossip reads the gossip stream, calling onEvent for every frame
// including pings, until ctx ends or the server closes the stream.
func (c *Client) StreamGossip(ctx context.Context, onEvent func(Event)) error {
	return c.stream(ctx, "/gossip/stream", onEvent)
}

// StreamDM reads the caller's DM stream.
func (c *Client) StreamDM(ctx context.Context, onEvent func(Event)) error {
	return c.stream(ctx, "/dm/stream", onEvent)
}

func (c *Client) stream(ctx context.Context, path string, onEvent func(Event)) error {
	tok, err := c.token()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}

	err = ParseStream(resp.Body, onEvent)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) postJSON(ctx context.Context, path, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// handleErrorResponse extracts the error message from a non-200 response.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &StatusError{Status: resp.StatusCode, Message: errResp.Error}
	}
	return &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// ParseStream reads SSE events from body until EOF. Events are separated by
// a blank line; multiple data lines are joined with newlines.
func ParseStream(body io.Reader, onEvent func(Event)) error {
	scanner := bufio.NewScanner(body)
	// One data line carries a whole envelope, plus the "data: " prefix.
	scanner.Buffer(make([]byte, 0, 64*1024), broker.MaxFrameBytes+64)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) > 0 && onEvent != nil {
				if eventType == "" {
					eventType = "message"
				}
				onEvent(Event{Type: eventType, Data: strings.Join(dataLines, "\n")})
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			dataLines = append(dataLines, strings.TrimPrefix(data, " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil
}
