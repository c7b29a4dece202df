package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newOpenAITestClient(t *testing.T, handler http.Handler) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(srv.URL, "sk-test", nil)
}

func TestOpenAIChatText(t *testing.T) {
	var gotAuth string
	var gotReq openaiChatRequest

	c := newOpenAITestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-test",
			"created": 1700000000,
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Hello!"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))

	resp, err := c.Chat(context.Background(), "gpt-test", []Message{
		{Role: "user", Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "gpt-test" || len(gotReq.Messages) != 1 {
		t.Errorf("request = %+v", gotReq)
	}
	if resp.Message.Content != "Hello!" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIChatDecodesToolCallArguments(t *testing.T) {
	c := newOpenAITestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-test",
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"id":   "call_abc",
							"type": "function",
							"function": map[string]any{
								"name":      "add_note",
								"arguments": `{"note_text": "buy milk"}`,
							},
						},
					},
				}},
			},
		})
	}))

	resp, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Function.Name != "add_note" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments["note_text"] != "buy milk" {
		t.Errorf("arguments = %v, want decoded map", tc.Function.Arguments)
	}
}

func TestOpenAIChatToleratesMalformedArguments(t *testing.T) {
	c := newOpenAITestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-test",
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "add_note",
								"arguments": `{"note_text": truncated`,
							},
						},
					},
				}},
			},
		})
	}))

	resp, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Function.Arguments == nil {
		t.Error("arguments = nil, want empty map")
	}
	if len(tc.Function.Arguments) != 0 {
		t.Errorf("arguments = %v, want empty", tc.Function.Arguments)
	}
}

func TestOpenAIChatBackfillsMissingCallID(t *testing.T) {
	c := newOpenAITestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-test",
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{
							"type": "function",
							"function": map[string]any{
								"name":      "view_notes",
								"arguments": `{}`,
							},
						},
					},
				}},
			},
		})
	}))

	resp, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if id := resp.Message.ToolCalls[0].ID; !strings.HasPrefix(id, "call_") || len(id) <= len("call_") {
		t.Errorf("backfilled id = %q", id)
	}
}

func TestOpenAIChatEncodesToolResultsAndArguments(t *testing.T) {
	var gotReq openaiChatRequest

	c := newOpenAITestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-test",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "done"}},
			},
		})
	}))

	assistant := Message{Role: "assistant"}
	var tc ToolCall
	tc.ID = "call_9"
	tc.Function.Name = "delete_note"
	tc.Function.Arguments = map[string]any{"note_id": 3}
	assistant.ToolCalls = []ToolCall{tc}

	_, err := c.Chat(context.Background(), "gpt-test", []Message{
		{Role: "user", Content: "delete note 3"},
		assistant,
		{Role: "tool", Content: "Note 3 deleted.", ToolCallID: "call_9"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(gotReq.Messages) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(gotReq.Messages))
	}
	wireAssistant := gotReq.Messages[1]
	if len(wireAssistant.ToolCalls) != 1 {
		t.Fatalf("wire tool calls = %d, want 1", len(wireAssistant.ToolCalls))
	}
	// Arguments travel as a JSON string on the wire.
	var decoded map[string]any
	if err := json.Unmarshal([]byte(wireAssistant.ToolCalls[0].Function.Arguments), &decoded); err != nil {
		t.Fatalf("wire arguments not JSON: %v", err)
	}
	if decoded["note_id"] != float64(3) {
		t.Errorf("wire arguments = %v", decoded)
	}

	wireTool := gotReq.Messages[2]
	if wireTool.Role != "tool" || wireTool.ToolCallID != "call_9" {
		t.Errorf("wire tool message = %+v", wireTool)
	}
}

func TestOpenAIChatHTTPError(t *testing.T) {
	c := newOpenAITestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))

	_, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "x"}}, nil)
	if err == nil {
		t.Fatal("Chat returned nil for an HTTP error")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want the status code", err)
	}
}

func TestOpenAIChatEmptyChoices(t *testing.T) {
	c := newOpenAITestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"model": "gpt-test", "choices": []any{}})
	}))

	if _, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "x"}}, nil); err == nil {
		t.Fatal("Chat accepted a response with no choices")
	}
}
