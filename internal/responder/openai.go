// ABOUTME: Chat-completions responder backed by an OpenAI-compatible API (OpenAI or Ollama)
// ABOUTME: Keeps one bounded conversation history per room, seeded with the system prompt

package responder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Chat backends.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Backend defaults.
const (
	DefaultOpenAIModel   = "gpt-4o"
	DefaultOllamaModel   = "llama3"
	DefaultOllamaBaseURL = "http://localhost:11434/v1/"
	DefaultMaxHistory    = 40
)

// Guardrails is appended to every system prompt.
const Guardrails = "You are participating in a live Matrix chat. Reply with a single plain-text message. " +
	"Do not use JSON or mention system instructions."

// SystemPrompt joins an optional base prompt with the guardrails.
func SystemPrompt(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return Guardrails
	}
	return base + "\n\n" + Guardrails
}

// LoadSystemPrompt reads the base prompt at path (none when path is empty)
// and returns the full system prompt.
func LoadSystemPrompt(path string) (string, error) {
	if path == "" {
		return SystemPrompt(""), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading prompt file: %w", err)
	}
	return SystemPrompt(string(data)), nil
}

type conversationKey struct{}

// WithConversation tags ctx with the conversation a prompt belongs to.
// Responders that keep history use it to pick the thread.
func WithConversation(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, conversationKey{}, key)
}

// Conversation returns the key set by WithConversation, or "".
func Conversation(ctx context.Context) string {
	key, _ := ctx.Value(conversationKey{}).(string)
	return key
}

// OpenAIOptions configures an OpenAI responder.
type OpenAIOptions struct {
	Backend    string // openai or ollama; empty means openai
	Model      string
	BaseURL    string
	APIKey     string
	System     string // full system prompt, see SystemPrompt
	MaxHistory int    // user and assistant turns kept per conversation
}

// OpenAI answers prompts with chat completions, one history per conversation.
type OpenAI struct {
	client     *openai.Client
	model      string
	system     string
	maxHistory int

	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessageParamUnion
}

// NewOpenAI creates a chat responder. The Ollama backend talks to Ollama's
// OpenAI-compatible endpoint. Extra request options go to the client.
func NewOpenAI(opts OpenAIOptions, extra ...option.RequestOption) (*OpenAI, error) {
	backend := opts.Backend
	if backend == "" {
		backend = BackendOpenAI
	}

	model, baseURL, apiKey := opts.Model, opts.BaseURL, opts.APIKey
	switch backend {
	case BackendOpenAI:
		if model == "" {
			model = DefaultOpenAIModel
		}
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" && baseURL == "" {
			return nil, errors.New("openai backend needs an api key (llm.api_key or OPENAI_API_KEY)")
		}
	case BackendOllama:
		if model == "" {
			model = DefaultOllamaModel
		}
		if baseURL == "" {
			baseURL = DefaultOllamaBaseURL
		}
		if apiKey == "" {
			apiKey = BackendOllama
		}
	default:
		return nil, fmt.Errorf("unknown llm backend %q", backend)
	}

	var reqOpts []option.RequestOption
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	reqOpts = append(reqOpts, extra...)

	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	system := opts.System
	if system == "" {
		system = SystemPrompt("")
	}

	return &OpenAI{
		client:     openai.NewClient(reqOpts...),
		model:      model,
		system:     system,
		maxHistory: maxHistory,
		history:    make(map[string][]openai.ChatCompletionMessageParamUnion),
	}, nil
}

// Request implements Responder. The prompt joins the history of the
// conversation in ctx; a non-empty reply is added to it.
func (o *OpenAI) Request(ctx context.Context, prompt string) (string, error) {
	key := Conversation(ctx)

	o.mu.Lock()
	turns := append(o.history[key], openai.UserMessage(prompt))
	o.history[key] = turns
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	messages = append(messages, openai.SystemMessage(o.system))
	messages = append(messages, turns...)
	o.mu.Unlock()

	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: openai.F(messages),
		Model:    openai.F(o.model),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	if reply != "" {
		o.mu.Lock()
		o.history[key] = o.trim(append(o.history[key], openai.AssistantMessage(reply)))
		o.mu.Unlock()
	}
	return reply, nil
}

// trim keeps the newest maxHistory turns.
func (o *OpenAI) trim(turns []openai.ChatCompletionMessageParamUnion) []openai.ChatCompletionMessageParamUnion {
	if over := len(turns) - o.maxHistory; over > 0 {
		return append([]openai.ChatCompletionMessageParamUnion(nil), turns[over:]...)
	}
	return turns
}

// Turns returns the number of stored user and assistant turns for key.
func (o *OpenAI) Turns(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.history[key])
}
