// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"time"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool-result messages
}

// ToolCall represents a tool call requested by the model. ID is the
// provider-assigned correlation identifier; a tool-result message must
// echo it exactly.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatResponse is the unified response from any LLM provider. Wire
// format conversion happens at provider boundaries (openai.go, ollama.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// Token usage (provider-neutral; zero when the provider omits it)
	InputTokens  int
	OutputTokens int
}

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools is the descriptor list in the common function-calling shape:
	// {"type": "function", "function": {"name", "description", "parameters"}}.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
