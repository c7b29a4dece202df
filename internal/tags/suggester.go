// Package tags suggests tags for note text using a language model.
package tags

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/Almazziastinov/NoteMind/internal/llm"
)

// maxTags caps how many suggestions a single note receives.
const maxTags = 5

// suggestTimeout bounds a single suggestion call so a slow model cannot
// stall the note add/edit it decorates.
const suggestTimeout = 30 * time.Second

// Suggester produces tags for note text. Implementations must not fail:
// when suggestion is impossible the result is an empty list.
type Suggester interface {
	Suggest(ctx context.Context, noteText string) []string
}

// SuggesterFunc adapts a function to the Suggester interface.
type SuggesterFunc func(ctx context.Context, noteText string) []string

// Suggest calls f.
func (f SuggesterFunc) Suggest(ctx context.Context, noteText string) []string {
	return f(ctx, noteText)
}

const systemPrompt = "You are a helpful assistant that suggests tags for notes. " +
	"Respond with a JSON array of short lowercase tag strings and nothing else."

// LLMSuggester asks a language model for tags. Any failure (transport,
// malformed output) degrades to an empty list with a warning log; the
// caller's note operation proceeds untagged.
type LLMSuggester struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMSuggester creates a model-backed suggester.
func NewLLMSuggester(client llm.Client, model string, logger *slog.Logger) *LLMSuggester {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMSuggester{client: client, model: model, logger: logger}
}

// Suggest returns up to maxTags tags for the note text, or an empty
// list when the model is unavailable or answers with something that is
// not a tag list.
func (s *LLMSuggester) Suggest(ctx context.Context, noteText string) []string {
	ctx, cancel := context.WithTimeout(ctx, suggestTimeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Suggest tags for this note: " + noteText},
	}

	resp, err := s.client.Chat(ctx, s.model, messages, nil)
	if err != nil {
		s.logger.Warn("tag suggestion failed", "error", err)
		return nil
	}

	tags := parseTagList(resp.Message.Content)
	if tags == nil {
		s.logger.Warn("tag suggestion unparseable",
			"content_len", len(resp.Message.Content),
		)
	}
	return tags
}

// parseTagList extracts a JSON string array from model output. Models
// frequently wrap the array in a code fence or surround it with prose,
// so the first [...] span is tried when a direct parse fails.
func parseTagList(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var raw []string
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		start := strings.Index(content, "[")
		end := strings.LastIndex(content, "]")
		if start == -1 || end <= start {
			return nil
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
			return nil
		}
	}

	seen := make(map[string]struct{}, len(raw))
	var tags []string
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
		if len(tags) >= maxTags {
			break
		}
	}
	return tags
}
