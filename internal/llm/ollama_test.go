package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newOllamaTestClient(t *testing.T, content string, toolCalls []map[string]any) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		msg := map[string]any{"role": "assistant", "content": content}
		if toolCalls != nil {
			msg["tool_calls"] = toolCalls
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.1",
			"created_at":        "2025-01-01T00:00:00Z",
			"message":           msg,
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
	t.Cleanup(srv.Close)
	return NewOllamaClient(srv.URL)
}

func TestOllamaChatText(t *testing.T) {
	c := newOllamaTestClient(t, "Hello!", nil)

	resp, err := c.Chat(context.Background(), "llama3.1", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Hello!" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChatAssignsCallIDs(t *testing.T) {
	c := newOllamaTestClient(t, "", []map[string]any{
		{"function": map[string]any{"name": "view_notes", "arguments": map[string]any{}}},
	})

	resp, err := c.Chat(context.Background(), "llama3.1", []Message{{Role: "user", Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].ID == "" {
		t.Error("tool call id not assigned")
	}
}

func TestOllamaChatRecoversTextToolCall(t *testing.T) {
	// Some models put the tool call in content instead of tool_calls.
	c := newOllamaTestClient(t, `{"name": "add_note", "arguments": {"note_text": "buy milk"}}`, nil)

	resp, err := c.Chat(context.Background(), "llama3.1", []Message{{Role: "user", Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Function.Name != "add_note" || tc.Function.Arguments["note_text"] != "buy milk" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.Message.Content != "" {
		t.Errorf("content = %q, want cleared after recovery", resp.Message.Content)
	}
}

func TestParseTextToolCalls(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    int
	}{
		{"single object", `{"name": "view_notes", "arguments": {}}`, 1},
		{"array", `[{"name": "a", "arguments": {}}, {"name": "b", "arguments": {}}]`, 2},
		{"tagged", `<tool_call>{"name": "get_help", "arguments": {}}</tool_call>`, 1},
		{"unclosed tag", `<tool_call>{"name": "get_help", "arguments": {}}`, 1},
		{"plain prose", "I added the note for you.", 0},
		{"empty", "", 0},
		{"object without name", `{"arguments": {}}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseTextToolCalls(tc.content)
			if len(got) != tc.want {
				t.Errorf("parseTextToolCalls(%q) = %d calls, want %d", tc.content, len(got), tc.want)
			}
		})
	}
}
