// ABOUTME: Tests for the chat-completions responder against an httptest completions stub
// ABOUTME: Covers per-room history, the system prompt, history trimming and backend defaults

package responder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatMessage struct {
	Role    string
	Content string
}

// wireMessage accepts content as a plain string or as an array of text parts.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m wireMessage) text() string {
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(m.Content, &parts)
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// completionsStub answers every chat completion with the next canned reply
// and records the messages it was sent.
type completionsStub struct {
	mu       sync.Mutex
	replies  []string
	requests [][]chatMessage
	models   []string
	status   int
}

func (s *completionsStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string        `json:"model"`
		Messages []wireMessage `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.text()})
	}

	s.mu.Lock()
	s.requests = append(s.requests, msgs)
	s.models = append(s.models, req.Model)
	reply := ""
	if len(s.replies) > 0 {
		reply, s.replies = s.replies[0], s.replies[1:]
	}
	status := s.status
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": reply},
		}},
	})
}

func (s *completionsStub) sent() [][]chatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]chatMessage(nil), s.requests...)
}

func newChat(t *testing.T, stub *completionsStub, opts OpenAIOptions) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	if opts.APIKey == "" {
		opts.APIKey = "test-key"
	}
	o, err := NewOpenAI(opts, option.WithMaxRetries(0))
	require.NoError(t, err)
	return o
}

func TestOpenAI_KeepsHistoryPerConversation(t *testing.T) {
	stub := &completionsStub{replies: []string{"  hi there  ", "still here", "other room"}}
	o := newChat(t, stub, OpenAIOptions{Model: "test-model", System: SystemPrompt("You sell bikes.")})

	roomA := WithConversation(t.Context(), "!a:localhost")
	roomB := WithConversation(t.Context(), "!b:localhost")

	reply, err := o.Request(roomA, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)

	reply, err = o.Request(roomA, "again")
	require.NoError(t, err)
	assert.Equal(t, "still here", reply)

	_, err = o.Request(roomB, "new room")
	require.NoError(t, err)

	sent := stub.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, []chatMessage{
		{Role: "system", Content: "You sell bikes.\n\n" + Guardrails},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: "again"},
	}, sent[1])
	assert.Len(t, sent[2], 2, "a new conversation starts from the system prompt")
	assert.Equal(t, "test-model", stub.models[0])

	assert.Equal(t, 4, o.Turns("!a:localhost"))
	assert.Equal(t, 2, o.Turns("!b:localhost"))
}

func TestOpenAI_EmptyReplyNotRemembered(t *testing.T) {
	stub := &completionsStub{replies: []string{"   "}}
	o := newChat(t, stub, OpenAIOptions{})

	reply, err := o.Request(WithConversation(t.Context(), "r"), "anything?")
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, 1, o.Turns("r"))
	assert.Equal(t, DefaultOpenAIModel, stub.models[0])
}

func TestOpenAI_TrimsHistory(t *testing.T) {
	stub := &completionsStub{replies: []string{"r1", "r2", "r3"}}
	o := newChat(t, stub, OpenAIOptions{MaxHistory: 3})
	ctx := WithConversation(t.Context(), "r")

	for _, p := range []string{"p1", "p2", "p3"} {
		_, err := o.Request(ctx, p)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, o.Turns("r"))

	// Trimming happens after each reply, so the third call carried
	// r1 p2 r2 p3 and p1 was already gone.
	last := stub.sent()[2]
	require.Len(t, last, 5)
	assert.Equal(t, "system", last[0].Role)
	assert.Equal(t, "r1", last[1].Content)
	assert.Equal(t, "p3", last[4].Content)
}

func TestOpenAI_ErrorStatus(t *testing.T) {
	stub := &completionsStub{status: http.StatusBadRequest}
	o := newChat(t, stub, OpenAIOptions{})

	_, err := o.Request(t.Context(), "hello")
	assert.ErrorContains(t, err, "chat completion")
}

func TestNewOpenAI_Backends(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := NewOpenAI(OpenAIOptions{Backend: BackendOpenAI})
	assert.Error(t, err, "openai without a key or base url")

	o, err := NewOpenAI(OpenAIOptions{Backend: BackendOllama})
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaModel, o.model)

	_, err = NewOpenAI(OpenAIOptions{Backend: "claude-desktop"})
	assert.ErrorContains(t, err, "unknown llm backend")
}

func TestLoadSystemPrompt(t *testing.T) {
	got, err := LoadSystemPrompt("")
	require.NoError(t, err)
	assert.Equal(t, Guardrails, got)

	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("Sell the bike.\n"), 0o644))
	got, err = LoadSystemPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, "Sell the bike.\n\n"+Guardrails, got)

	_, err = LoadSystemPrompt(filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)
}

func TestConversation(t *testing.T) {
	assert.Empty(t, Conversation(t.Context()))
	assert.Equal(t, "!room", Conversation(WithConversation(t.Context(), "!room")))
}
