// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes the single
// request/response exchange the annotation pipeline needs: one prompt in, one
// raw text reply out. Parsing that reply is the caller's job; providers never
// interpret the content.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrOverloaded is the transport-level "overloaded, retry later" signal.
// Providers wrap it when the backend answers with a rate-limit or capacity
// status so retry controllers can tell transient failures from fatal ones
// with errors.Is.
var ErrOverloaded = errors.New("llm: provider overloaded")

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between providers
// for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and system
	// prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages must
// be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is the "user"
	// turn carrying the prompt text.
	Messages []Message

	// Temperature controls output randomness. The annotation pipeline always
	// sends 0 so that identical prompts yield comparable candidates.
	// Providers must forward 0 explicitly rather than treating it as unset.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation. If the provider does not natively support a dedicated system
	// prompt, implementors should prepend it as a "system"-role message.
	SystemPrompt string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply, unparsed.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	// Callers clamp CompletionRequest.MaxTokens to this value.
	MaxOutputTokens int
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must return promptly once ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	//
	// A rate-limit or capacity response must be reported as an error wrapping
	// ErrOverloaded. Every other failure (authentication, malformed request,
	// network) is returned as-is and is treated as non-retryable.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens that the given message list would
	// consume in the model's context window. The result need not be exact but
	// should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() ModelCapabilities
}

// OverloadStatus reports whether an HTTP status code means the backend is
// temporarily out of capacity. 529 is Anthropic's "overloaded" status.
func OverloadStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, 529:
		return true
	}
	return false
}

// overloadMarkers are substrings SDKs put in error text when they do not
// expose a typed status code.
var overloadMarkers = []string{
	"429",
	"529",
	"503 service unavailable",
	"too many requests",
	"rate limit",
	"rate_limit",
	"overloaded",
	"resource_exhausted",
	"quota exceeded",
}

// LooksOverloaded reports whether err's text carries one of the well-known
// rate-limit or capacity markers. It is a fallback for SDKs whose errors are
// untyped; prefer a status-code check where one is available.
func LooksOverloaded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOverloaded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range overloadMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// EstimateTokens is the shared ~4 characters per token approximation used by
// providers without a local tokenizer, plus a per-message overhead for role
// and formatting tokens.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
