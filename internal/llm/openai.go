package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// OpenAIClient talks to the OpenAI chat completions API (or any
// API-compatible server) with function-calling support.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates an OpenAI client. baseURL defaults to the
// public API endpoint.
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		logger: logger,
	}
}

// openaiMessage is the wire shape of a chat message. Tool-call arguments
// travel as a JSON-encoded string, unlike the neutral Message type.
type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiChatRequest struct {
	Model    string           `json:"model"`
	Messages []openaiMessage  `json:"messages"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type openaiChatResponse struct {
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openaiChatRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var wire openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	msg := fromOpenAIMessage(wire.Choices[0].Message, c.logger)

	return &ChatResponse{
		Model:        wire.Model,
		CreatedAt:    time.Unix(wire.Created, 0),
		Message:      msg,
		InputTokens:  wire.Usage.PromptTokens,
		OutputTokens: wire.Usage.CompletionTokens,
	}, nil
}

// Ping checks that the API is reachable and the key is accepted.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

// toOpenAIMessages converts neutral messages to the wire format,
// re-encoding tool-call arguments as JSON strings.
func toOpenAIMessages(messages []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		om := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			otc := openaiToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = string(args)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// fromOpenAIMessage converts a wire message to the neutral type,
// decoding argument strings into maps. Malformed argument payloads
// degrade to an empty map rather than failing the whole response; the
// tool layer reports missing arguments in its own words. Tool calls
// without an id get a generated one so result correlation always holds.
func fromOpenAIMessage(om openaiMessage, logger *slog.Logger) Message {
	msg := Message{
		Role:    om.Role,
		Content: om.Content,
	}
	for _, otc := range om.ToolCalls {
		var tc ToolCall
		tc.ID = otc.ID
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		}
		tc.Function.Name = otc.Function.Name
		if otc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(otc.Function.Arguments), &tc.Function.Arguments); err != nil {
				logger.Warn("malformed tool call arguments",
					"tool", otc.Function.Name,
					"error", err,
				)
				tc.Function.Arguments = map[string]any{}
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	return msg
}
