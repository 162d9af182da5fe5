// Package gateway serves the backend functions the voice clients call:
// short-lived provider token endpoints and the conversational assistant
// with its CRM tools.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/estatebuddy/estatevoice/internal/crm"
	"github.com/estatebuddy/estatevoice/internal/observe"
)

// DefaultSystemPrompt instructs the model when the client does not supply
// its own prompt.
const DefaultSystemPrompt = `You are Estate Buddy, a concise real-estate voice assistant. Keep spoken replies under 80 words, friendly and factual.

When users ask about properties, prices, amenities, availability, or locations, call estate_db__query.
When you gather enough information about a serious buyer (name, contact, budget, location preference), call estate_crm__create_lead.
For follow-up tasks or notes on existing leads, call estate_crm__log_activity.

Always be helpful, professional, and guide users toward finding their perfect property.`

// fallbackReply is spoken when the model returns no text.
const fallbackReply = "I apologize, but I could not generate a response."

const (
	defaultModel = "gpt-4o-mini"

	// maxToolRounds bounds how many completion/tool-execution cycles one
	// turn may take before it is abandoned.
	maxToolRounds = 5

	// maxThreadMessages caps per-thread history; older turns are dropped
	// (the system message is always retained).
	maxThreadMessages = 60
)

// Completer is the chat-completion surface the assistant depends on. The
// production implementation wraps the OpenAI client; tests script it.
type Completer interface {
	Complete(ctx context.Context, params oai.ChatCompletionNewParams) (*oai.ChatCompletion, error)
}

// openAICompleter adapts oai.Client to [Completer].
type openAICompleter struct {
	client oai.Client
}

func (c *openAICompleter) Complete(ctx context.Context, params oai.ChatCompletionNewParams) (*oai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

// AssistantOption is a functional option for [NewAssistant].
type AssistantOption func(*Assistant)

// WithModel sets the chat model. Default "gpt-4o-mini".
func WithModel(model string) AssistantOption {
	return func(a *Assistant) { a.model = model }
}

// WithCompleter overrides the completion backend. Used by tests.
func WithCompleter(c Completer) AssistantOption {
	return func(a *Assistant) { a.completer = c }
}

// WithSystemPrompt overrides the default system prompt.
func WithSystemPrompt(prompt string) AssistantOption {
	return func(a *Assistant) { a.systemPrompt = prompt }
}

// WithAssistantMetrics records tool-call counts, tool latency, and the
// live thread gauge.
func WithAssistantMetrics(m *observe.Metrics) AssistantOption {
	return func(a *Assistant) { a.metrics = m }
}

// thread is one conversation's message history.
type thread struct {
	messages []oai.ChatCompletionMessageParamUnion
}

// Assistant runs the tool-calling conversation loop. Threads live in
// process memory keyed by opaque identifiers handed to the client.
//
// Safe for concurrent use; each thread is locked for the duration of a
// turn so a thread's turns are strictly ordered.
type Assistant struct {
	completer    Completer
	store        crm.Store
	model        string
	systemPrompt string
	metrics      *observe.Metrics

	mu      sync.Mutex
	threads map[string]*thread
}

// NewAssistant creates the assistant over the given CRM store. apiKey may
// be empty when a custom [Completer] is supplied via options.
func NewAssistant(apiKey string, store crm.Store, opts ...AssistantOption) *Assistant {
	a := &Assistant{
		store:        store,
		model:        defaultModel,
		systemPrompt: DefaultSystemPrompt,
		threads:      make(map[string]*thread),
	}
	for _, o := range opts {
		o(a)
	}
	if a.completer == nil {
		client := oai.NewClient(option.WithAPIKey(apiKey))
		a.completer = &openAICompleter{client: client}
	}
	return a
}

// Respond runs one conversational turn. An empty threadID starts a new
// thread seeded with the system prompt (the caller's, or the default);
// the returned identifier must be echoed on subsequent turns. The reply
// text is never empty: a contentless completion yields the fallback
// reply.
func (a *Assistant) Respond(ctx context.Context, message, threadID, systemPrompt string) (string, string, error) {
	if message == "" {
		return "", "", fmt.Errorf("gateway: message must not be empty")
	}

	a.mu.Lock()
	th, ok := a.threads[threadID]
	if !ok {
		if systemPrompt == "" {
			systemPrompt = a.systemPrompt
		}
		threadID = uuid.NewString()
		th = &thread{messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
		}}
		a.threads[threadID] = th
		slog.Info("assistant thread created", "thread_id", threadID)
	}
	a.mu.Unlock()

	if !ok && a.metrics != nil {
		a.metrics.ActiveThreads.Add(ctx, 1)
	}

	// Threads are single-flight: the map holds the pointer, and the turn
	// below mutates th.messages only after the loop settles.
	messages := append([]oai.ChatCompletionMessageParamUnion(nil), th.messages...)
	messages = append(messages, oai.UserMessage(message))

	start := time.Now()
	var reply string

	for round := 0; ; round++ {
		if round >= maxToolRounds {
			return "", "", fmt.Errorf("gateway: turn abandoned after %d tool rounds", maxToolRounds)
		}

		resp, err := a.completer.Complete(ctx, oai.ChatCompletionNewParams{
			Model:    shared.ChatModel(a.model),
			Messages: messages,
			Tools:    assistantTools(),
		})
		if err != nil {
			return "", "", fmt.Errorf("gateway: chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", "", fmt.Errorf("gateway: empty choices in response")
		}
		choice := resp.Choices[0]

		if len(choice.Message.ToolCalls) == 0 {
			reply = choice.Message.Content
			if reply == "" {
				reply = fallbackReply
			}
			asst := oai.ChatCompletionAssistantMessageParam{}
			asst.Content.OfString = oai.String(reply)
			messages = append(messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
			break
		}

		// Echo the assistant's tool-call message, then execute each call
		// and feed the outputs back.
		asst := oai.ChatCompletionAssistantMessageParam{}
		if choice.Message.Content != "" {
			asst.Content.OfString = oai.String(choice.Message.Content)
		}
		for _, tc := range choice.Message.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		messages = append(messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})

		for _, tc := range choice.Message.ToolCalls {
			slog.Info("assistant tool call",
				"thread_id", threadID,
				"tool", tc.Function.Name,
			)
			output := a.dispatchTool(ctx, tc.Function.Name, tc.Function.Arguments)
			messages = append(messages, oai.ToolMessage(output, tc.ID))
		}
	}

	a.mu.Lock()
	th.messages = trimThread(messages)
	a.mu.Unlock()

	slog.Info("assistant turn complete",
		"thread_id", threadID,
		"duration", time.Since(start),
	)
	return reply, threadID, nil
}

// Reset drops a thread's history. Unknown identifiers are ignored.
func (a *Assistant) Reset(threadID string) {
	a.mu.Lock()
	_, existed := a.threads[threadID]
	delete(a.threads, threadID)
	a.mu.Unlock()

	if existed && a.metrics != nil {
		a.metrics.ActiveThreads.Add(context.Background(), -1)
	}
}

// trimThread caps history length, keeping the leading system message and
// the most recent messages.
func trimThread(messages []oai.ChatCompletionMessageParamUnion) []oai.ChatCompletionMessageParamUnion {
	if len(messages) <= maxThreadMessages {
		return messages
	}
	trimmed := make([]oai.ChatCompletionMessageParamUnion, 0, maxThreadMessages)
	trimmed = append(trimmed, messages[0])
	trimmed = append(trimmed, messages[len(messages)-(maxThreadMessages-1):]...)
	return trimmed
}
