package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// defaultBaseURL is the public Bot API endpoint. Overridable for tests.
const defaultBaseURL = "https://api.telegram.org"

// maxPollBackoff caps the retry delay after getUpdates failures.
const maxPollBackoff = 30 * time.Second

// Client is a long-polling Telegram Bot API client. Inbound messages
// are pushed to a channel; outbound calls are plain request/response.
type Client struct {
	baseURL     string
	token       string
	pollTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger

	messages chan *Message
}

// NewClient creates a Bot API client. pollTimeout is the getUpdates
// long-poll duration; zero means 30 seconds.
func NewClient(token string, pollTimeout time.Duration, logger *slog.Logger) *Client {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     defaultBaseURL,
		token:       token,
		pollTimeout: pollTimeout,
		httpClient: &http.Client{
			// Must outlive the long poll itself.
			Timeout: pollTimeout + 30*time.Second,
		},
		logger:   logger,
		messages: make(chan *Message, 64),
	}
}

// SetBaseURL overrides the API endpoint. Intended for tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// Messages returns the channel of inbound messages. The channel is
// closed when Start returns.
func (c *Client) Messages() <-chan *Message {
	return c.messages
}

// Start runs the getUpdates long-poll loop until ctx is cancelled.
// Poll failures back off exponentially and never stop the loop.
func (c *Client) Start(ctx context.Context) {
	defer close(c.messages)

	c.logger.Info("telegram poller started", "timeout", c.pollTimeout)

	var offset int64
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			c.logger.Info("telegram poller stopping")
			return
		}

		updates, err := c.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("telegram poller stopping")
				return
			}
			c.logger.Warn("telegram poll failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxPollBackoff {
				backoff = maxPollBackoff
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			select {
			case c.messages <- u.Message:
			default:
				c.logger.Warn("telegram message channel full, dropping message",
					"chat_id", u.Message.Chat.ID,
				)
			}
		}
	}
}

// SendMessage sends text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	params := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if _, err := c.call(ctx, "sendMessage", params); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

// DownloadFile resolves a file id via getFile and fetches its content.
// The returned path is the server-side file path, useful for deriving
// a filename.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	raw, err := c.call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, "", fmt.Errorf("telegram getFile: %w", err)
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, "", fmt.Errorf("unmarshal getFile result: %w", err)
	}
	if f.FilePath == "" {
		return nil, "", fmt.Errorf("telegram getFile: empty file path")
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, f.FilePath)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	return data, f.FilePath, nil
}

// Ping verifies the bot token by calling getMe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "getMe", nil)
	return err
}

// getUpdates performs one long poll for message updates.
func (c *Client) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	params := map[string]any{
		"timeout":         int(c.pollTimeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		params["offset"] = offset
	}

	raw, err := c.call(ctx, "getUpdates", params)
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("unmarshal updates: %w", err)
	}
	return updates, nil
}

// call invokes a Bot API method with JSON parameters and returns the
// raw result payload.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	var body io.Reader = http.NoBody
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !api.OK {
		return nil, fmt.Errorf("API error %d: %s", api.ErrorCode, api.Description)
	}
	return api.Result, nil
}
