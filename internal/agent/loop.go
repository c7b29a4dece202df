// Package agent implements the core agent loop: the turn-level state
// machine that drives the language model, dispatches its tool calls,
// and folds the results back into the conversation until the model
// answers in plain text.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Almazziastinov/NoteMind/internal/events"
	"github.com/Almazziastinov/NoteMind/internal/llm"
	"github.com/Almazziastinov/NoteMind/internal/tools"
)

// maxIterations bounds the number of model calls per turn. A model that
// keeps requesting tools past this limit gets cut off with a generic
// reply instead of looping forever.
const maxIterations = 8

// failClosedReply is returned when the iteration bound is exhausted.
const failClosedReply = "I wasn't able to finish that request. Please try again, or rephrase what you'd like me to do."

// defaultSystemPrompt frames the assistant for the model. The loop
// keeps it short; tool descriptors carry the per-action detail.
const defaultSystemPrompt = "You are NoteMind, a personal note-taking assistant. " +
	"Use the provided tools to view, add, edit, delete, and search the user's notes, " +
	"to show help, or to forward bug reports. " +
	"Answer in the user's own language, briefly and helpfully. " +
	"When no tool is needed, just answer."

// Request is one inbound user utterance to process.
type Request struct {
	// UserID is the stable store-side identity of the conversation
	// owner. Passed through to the tool layer unchanged.
	UserID int64
	// RequestID correlates log lines and events for this turn. A uuid
	// is assigned when empty.
	RequestID string
	// Utterance is the user's message text.
	Utterance string
	// Model overrides the loop's default model when non-empty.
	Model string
}

// Response is the outcome of one completed turn.
type Response struct {
	// Content is the model's final natural-language answer.
	Content string
	// Deferred is the side effect requested during the turn, if any.
	// The caller must execute it after the turn; the loop never does.
	Deferred *tools.Deferred
	// Transcript is the full ordered message history of the turn:
	// system prompt, user utterance, assistant turns, tool results.
	Transcript []llm.Message
	// ToolsUsed counts executed tool calls by name.
	ToolsUsed map[string]int
	// Iterations is the number of model calls made.
	Iterations int
	// Model is the model that served the turn.
	Model string
}

// Tooling is the tool dispatch surface the loop drives. Implemented by
// *tools.Dispatcher; tests substitute fakes.
type Tooling interface {
	// Definitions returns the tool descriptors offered to the model.
	Definitions() []map[string]any
	// Run executes one tool call. known is false for names outside the
	// tool set; the loop skips those without appending a result.
	Run(ctx context.Context, userID int64, name string, args map[string]any) (result string, deferred *tools.Deferred, known bool)
}

// Loop is the turn-level agent state machine.
type Loop struct {
	logger       *slog.Logger
	llm          llm.Client
	tooling      Tooling
	model        string
	systemPrompt string
	bus          *events.Bus
}

// NewLoop creates an agent loop. bus may be nil.
func NewLoop(logger *slog.Logger, client llm.Client, tooling Tooling, defaultModel string, bus *events.Bus) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:       logger,
		llm:          client,
		tooling:      tooling,
		model:        defaultModel,
		systemPrompt: defaultSystemPrompt,
		bus:          bus,
	}
}

// SetSystemPrompt overrides the default system prompt. Intended for
// the one-shot ask mode and tests.
func (l *Loop) SetSystemPrompt(p string) {
	if p != "" {
		l.systemPrompt = p
	}
}

// Run executes one full turn: user utterance in, final answer out.
//
// Each iteration submits the whole transcript plus the tool descriptor
// set to the model. A response without tool calls ends the turn. Tool
// calls are executed sequentially in the order the model emitted them,
// since later calls in a batch may depend on earlier side effects, and
// each executed call appends a tool-result message echoing the call's
// correlation id, in call order, before the next model call.
//
// Tool failures never escape: the dispatcher folds them into result
// strings the model can relay. A model-call failure aborts the turn
// and is returned to the caller without retry. When the iteration
// bound is exhausted the turn fails closed with a generic reply.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	model := req.Model
	if model == "" {
		model = l.model
	}

	started := time.Now()
	l.logger.Info("turn started",
		"request_id", requestID,
		"user_id", req.UserID,
		"model", model,
	)
	l.bus.Publish(events.Event{
		Timestamp: started,
		Source:    events.SourceAgent,
		Kind:      events.KindRequestStart,
		Data:      map[string]any{"request_id": requestID, "user_id": req.UserID},
	})

	transcript := []llm.Message{
		{Role: "system", Content: l.systemPrompt},
		{Role: "user", Content: req.Utterance},
	}

	resp := &Response{
		ToolsUsed:  make(map[string]int),
		Model:      model,
		Transcript: transcript,
	}
	var deferred *tools.Deferred

	definitions := l.tooling.Definitions()

	for iter := 0; iter < maxIterations; iter++ {
		resp.Iterations = iter + 1

		l.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindLLMCall,
			Data:      map[string]any{"request_id": requestID, "iter": iter, "model": model},
		})

		chatResp, err := l.llm.Chat(ctx, model, transcript, definitions)
		if err != nil {
			l.logger.Error("model call failed",
				"request_id", requestID,
				"iter", iter,
				"error", err,
			)
			return nil, err
		}

		assistant := chatResp.Message
		assistant.Role = "assistant"
		ensureCallIDs(assistant.ToolCalls)
		transcript = append(transcript, assistant)

		l.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAgent,
			Kind:      events.KindLLMResponse,
			Data: map[string]any{
				"request_id": requestID,
				"iter":       iter,
				"model":      model,
				"tokens_in":  chatResp.InputTokens,
				"tokens_out": chatResp.OutputTokens,
				"tool_calls": len(assistant.ToolCalls),
			},
		})

		if len(assistant.ToolCalls) == 0 {
			resp.Content = assistant.Content
			resp.Deferred = deferred
			resp.Transcript = transcript
			l.finish(requestID, resp, started)
			return resp, nil
		}

		for _, call := range assistant.ToolCalls {
			name := call.Function.Name
			toolStart := time.Now()

			l.bus.Publish(events.Event{
				Timestamp: toolStart,
				Source:    events.SourceAgent,
				Kind:      events.KindToolCall,
				Data:      map[string]any{"request_id": requestID, "tool": name},
			})

			result, toolDeferred, known := l.tooling.Run(ctx, req.UserID, name, call.Function.Arguments)
			if !known {
				// The model invented a tool name. Skip it: no result
				// entry, no error back to the model.
				l.logger.Debug("unknown tool requested",
					"request_id", requestID,
					"tool", name,
				)
				continue
			}

			if toolDeferred != nil {
				// Last report in a batch wins.
				deferred = toolDeferred
			}
			resp.ToolsUsed[name]++

			transcript = append(transcript, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})

			l.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceAgent,
				Kind:      events.KindToolDone,
				Data: map[string]any{
					"request_id":  requestID,
					"tool":        name,
					"duration_ms": time.Since(toolStart).Milliseconds(),
				},
			})
		}
	}

	// Iteration bound exhausted: fail closed with a generic reply
	// rather than surfacing an error or an unfinished tool exchange.
	l.logger.Warn("turn hit iteration limit",
		"request_id", requestID,
		"user_id", req.UserID,
		"iterations", maxIterations,
	)
	resp.Content = failClosedReply
	resp.Deferred = deferred
	resp.Transcript = transcript
	l.finish(requestID, resp, started)
	return resp, nil
}

func (l *Loop) finish(requestID string, resp *Response, started time.Time) {
	l.logger.Info("turn completed",
		"request_id", requestID,
		"iterations", resp.Iterations,
		"tools_used", len(resp.ToolsUsed),
		"deferred", resp.Deferred != nil,
		"elapsed", time.Since(started).Truncate(time.Millisecond),
	)
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindRequestComplete,
		Data: map[string]any{
			"request_id": requestID,
			"iterations": resp.Iterations,
			"elapsed_ms": time.Since(started).Milliseconds(),
			"deferred":   resp.Deferred != nil,
		},
	})
}

// ensureCallIDs backfills correlation ids for providers that omit
// them, so every tool result can echo one.
func ensureCallIDs(calls []llm.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
}
