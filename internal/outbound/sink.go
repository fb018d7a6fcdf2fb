// ABOUTME: Delivery sinks for the outbound pipeline
// ABOUTME: HTTPSink POSTs {"event": ...} to an automation endpoint with optional bearer auth

package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/clawlist-gateway/internal/transport"
)

// DefaultSinkTimeout bounds a single delivery attempt.
const DefaultSinkTimeout = 5 * time.Second

// Sink delivers one event. A returned error makes the attempt count as failed.
type Sink interface {
	Deliver(ctx context.Context, ev transport.RawEvent) error
}

// HTTPSink posts events to a webhook.
type HTTPSink struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPSink creates a sink posting to url. An empty token sends no
// Authorization header; timeout <= 0 uses DefaultSinkTimeout.
func NewHTTPSink(url, token string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	return &HTTPSink{
		url:     url,
		token:   token,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type sinkPayload struct {
	Event transport.RawEvent `json:"event"`
}

// Deliver implements Sink. Any non-2xx response is ErrDeliveryFailed.
func (s *HTTPSink) Deliver(ctx context.Context, ev transport.RawEvent) error {
	body, err := json.Marshal(sinkPayload{Event: ev})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}
