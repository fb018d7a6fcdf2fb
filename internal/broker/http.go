// ABOUTME: HTTP surface of the broker: /health, /auth, /gossip, /dm and the two SSE streams
// ABOUTME: Decodes tagged request shapes at the boundary and maps broker errors to status codes

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/clawlist-gateway/internal/auth"
	"github.com/2389/clawlist-gateway/internal/ledger"
)

// DefaultHeartbeatInterval is how often an idle stream receives a ping frame.
const DefaultHeartbeatInterval = 25 * time.Second


var errInvalidJSON = errors.New("invalid JSON")

// AuthRequest is the body of POST /auth.
type AuthRequest struct {
	Secret  string `json:"secret"`
	AgentID string `json:"agent_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// GossipRequest is the body of POST /gossip. Listing must be an object or absent.
type GossipRequest struct {
	Body    string          `json:"body"`
	Listing json.RawMessage `json:"listing,omitempty"`
}

// DMRequest is the body of POST /dm.
type DMRequest struct {
	ToAgent string `json:"to_agent"`
	Body    string `json:"body"`
}

// HandlerOptions configures the HTTP surface.
type HandlerOptions struct {
	HeartbeatInterval time.Duration // <= 0 uses DefaultHeartbeatInterval
	Logger            *slog.Logger
}

// Handler serves the broker over HTTP.
type Handler struct {
	broker    *Broker
	heartbeat time.Duration
	mux       *http.ServeMux
	logger    *slog.Logger
}

// NewHandler builds the HTTP surface for b.
func NewHandler(b *Broker, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	h := &Handler{
		broker:    b,
		heartbeat: heartbeat,
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
	}

	requireAuth := auth.HTTPAuthMiddleware(b)

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("POST /auth", h.handleAuth)
	h.mux.Handle("POST /gossip", requireAuth(http.HandlerFunc(h.handleGossip)))
	h.mux.Handle("POST /dm", requireAuth(http.HandlerFunc(h.handleDM)))
	h.mux.Handle("GET /gossip/stream", requireAuth(http.HandlerFunc(h.handleGossipStream)))
	h.mux.Handle("GET /dm/stream", requireAuth(http.HandlerFunc(h.handleDMStream)))
	h.mux.HandleFunc("/", h.handleNotFound)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.sendJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"ts": time.Now().UTC().Format(ledger.TimeFormat),
	})
}

func (h *Handler) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	h.sendJSONError(w, http.StatusNotFound, "Not found")
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if _, err := decodeBody(w, r, &req); err != nil {
		h.sendDecodeError(w, err)
		return
	}

	creds, err := h.broker.Authenticate(req.Secret, req.AgentID, req.Name)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			h.sendJSONError(w, http.StatusUnauthorized, "Invalid secret")
			return
		}
		h.logger.Error("authentication failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.sendJSON(w, http.StatusOK, creds)
}

func (h *Handler) handleGossip(w http.ResponseWriter, r *http.Request) {
	who := auth.MustFromContext(r.Context())

	var req GossipRequest
	raw, err := decodeBody(w, r, &req)
	if err != nil {
		h.sendDecodeError(w, err)
		return
	}
	if err := validateListing(req.Listing); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.broker.publishGossip(r.Context(), who, req.Body, req.Listing, raw); err != nil {
		h.sendPublishError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleDM(w http.ResponseWriter, r *http.Request) {
	who := auth.MustFromContext(r.Context())

	var req DMRequest
	raw, err := decodeBody(w, r, &req)
	if err != nil {
		h.sendDecodeError(w, err)
		return
	}

	if err := h.broker.publishDM(r.Context(), who, req.ToAgent, req.Body, raw); err != nil {
		h.sendPublishError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleGossipStream(w http.ResponseWriter, r *http.Request) {
	who := auth.MustFromContext(r.Context())
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.stream(ctx, w, h.broker.hub.SubscribeGossip(ctx, who.AgentID))
}

func (h *Handler) handleDMStream(w http.ResponseWriter, r *http.Request) {
	who := auth.MustFromContext(r.Context())
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.stream(ctx, w, h.broker.hub.SubscribeDM(ctx, who.AgentID))
}

// stream copies frames from sub to w until the client goes away, a write
// fails or the hub closes the subscription. The stream simply ends; no error
// frame is written.
func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, sub *Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, "\n"); err != nil {
		return
	}
	flusher.Flush()

	h.logger.Debug("stream opened", "sub_id", sub.ID, "agent_id", sub.AgentID)
	defer h.logger.Debug("stream closed", "sub_id", sub.ID, "agent_id", sub.AgentID, "dropped", sub.Dropped())

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeFrame(w, f); err != nil {
				return
			}
			flusher.Flush()

		case t := <-ticker.C:
			data, _ := json.Marshal(map[string]string{"ts": t.UTC().Format(ledger.TimeFormat)})
			if err := writeFrame(w, Frame{Event: EventPing, Data: data}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeFrame writes one event in the standard format:
// event: <name>\ndata: <json>\n\n
func writeFrame(w io.Writer, f Frame) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data)
	return err
}

// decodeBody reads a JSON object into v and returns the raw body. An empty
// body decodes as {}.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) (json.RawMessage, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	if data[0] != '{' {
		return nil, errInvalidJSON
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	return json.RawMessage(data), nil
}

// validateListing accepts an absent or null listing, or a JSON object.
func validateListing(listing json.RawMessage) error {
	trimmed := bytes.TrimSpace(listing)
	if len(trimmed) == 0 || string(trimmed) == "null" || trimmed[0] == '{' {
		return nil
	}
	return errors.New("listing must be an object")
}

func (h *Handler) sendDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.sendJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	h.sendJSONError(w, http.StatusBadRequest, "Invalid JSON")
}

func (h *Handler) sendPublishError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		h.sendJSONError(w, http.StatusBadRequest, "to_agent required")
	case errors.Is(err, ErrUnauthorized):
		h.sendJSONError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, ErrTooLarge):
		h.sendJSONError(w, http.StatusRequestEntityTooLarge, "Message too large")
	default:
		h.logger.Error("publish failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSON writes a JSON response.
func (h *Handler) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, map[string]string{"error": message})
}
