package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/Almazziastinov/NoteMind/internal/agent"
	"github.com/Almazziastinov/NoteMind/internal/events"
	"github.com/Almazziastinov/NoteMind/internal/speech"
	"github.com/Almazziastinov/NoteMind/internal/tools"
)

// AgentRunner abstracts the agent loop for testability. The real
// implementation is *agent.Loop.
type AgentRunner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
}

// Messenger is the outbound transport surface the bridge drives.
// Implemented by *Client.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	DownloadFile(ctx context.Context, fileID string) (data []byte, filePath string, err error)
}

// UserResolver maps Telegram identities to store-side user ids,
// creating the record on first contact. Implemented by the note store.
type UserResolver interface {
	GetOrCreateUser(ctx context.Context, telegramID int64) (int64, error)
}

// handleTimeout bounds how long a single inbound message may be
// processed (transcription + agent loop + reply send).
const handleTimeout = 2 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// User-facing fallback texts. The agent never sees these; they cover
// the failure paths that bypass or abort the turn loop.
const (
	turnFailedReply         = "Sorry, something went wrong on my side. Please try again in a moment."
	transcriptionFailReply  = "Sorry, I couldn't understand that voice message. Could you type it instead?"
	voiceUnsupportedReply   = "Voice messages aren't enabled right now. Please type your message."
	voiceDownloadFailReply  = "Sorry, I couldn't fetch that voice message. Could you type it instead?"
	identityResolveFailText = "Sorry, I couldn't look up your notes right now. Please try again in a moment."
)

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Messenger      Messenger
	Updates        <-chan *Message
	Runner         AgentRunner
	Users          UserResolver
	Transcriber    speech.Transcriber // nil disables voice messages
	Logger         *slog.Logger
	Bus            *events.Bus
	RateLimit      int   // per sender per minute; 0 = unlimited
	OperatorChatID int64 // destination for issue reports; 0 = log only
}

// Bridge receives Telegram messages, routes them through the agent
// loop, executes any deferred action the turn produced, and sends the
// reply. Turns for the same user are serialized; different users run
// concurrently.
type Bridge struct {
	messenger      Messenger
	updates        <-chan *Message
	runner         AgentRunner
	users          UserResolver
	transcriber    speech.Transcriber
	logger         *slog.Logger
	bus            *events.Bus
	rateLimit      int
	operatorChatID int64

	mu          sync.Mutex
	senderTimes map[int64][]time.Time
	lastCleanup time.Time
	userLocks   map[int64]*sync.Mutex

	wg sync.WaitGroup
}

// NewBridge creates a Telegram message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		messenger:      cfg.Messenger,
		updates:        cfg.Updates,
		runner:         cfg.Runner,
		users:          cfg.Users,
		transcriber:    cfg.Transcriber,
		logger:         logger,
		bus:            cfg.Bus,
		rateLimit:      cfg.RateLimit,
		operatorChatID: cfg.OperatorChatID,
		senderTimes:    make(map[int64][]time.Time),
		userLocks:      make(map[int64]*sync.Mutex),
	}
}

// Start consumes inbound messages until ctx is cancelled or the update
// channel closes, then waits for in-flight handlers to finish.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("telegram bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("telegram bridge shutting down")
			b.wg.Wait()
			return
		case msg, ok := <-b.updates:
			if !ok {
				b.logger.Info("telegram update channel closed, bridge stopping")
				b.wg.Wait()
				return
			}

			if msg.Text == "" && msg.Voice == nil {
				b.logger.Debug("telegram ignoring non-text message",
					"chat_id", msg.Chat.ID,
				)
				continue
			}
			if msg.From != nil && msg.From.IsBot {
				continue
			}

			if !b.allowSender(msg.Chat.ID) {
				b.logger.Warn("telegram message rate-limited",
					"chat_id", msg.Chat.ID,
				)
				continue
			}

			b.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceTelegram,
				Kind:      events.KindMessageReceived,
				Data: map[string]any{
					"chat_id":     msg.Chat.ID,
					"voice":       msg.Voice != nil,
					"message_len": len(msg.Text),
				},
			})

			// One goroutine per message; the per-user lock inside
			// handleMessage serializes turns for the same sender.
			b.wg.Add(1)
			go func(m *Message) {
				defer b.wg.Done()
				b.handleMessage(ctx, m)
			}(msg)
		}
	}
}

// handleMessage processes one inbound message end to end.
func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	chatID := msg.Chat.ID

	// At most one in-flight turn per user. A second message from the
	// same user waits here until the first turn completes.
	lock := b.senderLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	utterance := msg.Text
	if msg.Voice != nil {
		text, ok := b.transcribeVoice(ctx, msg)
		if !ok {
			return
		}
		utterance = text
	}

	userID, err := b.users.GetOrCreateUser(ctx, chatID)
	if err != nil {
		b.logger.Error("user resolution failed",
			"chat_id", chatID,
			"error", err,
		)
		b.reply(ctx, chatID, identityResolveFailText)
		return
	}

	resp, err := b.runner.Run(ctx, &agent.Request{
		UserID:    userID,
		Utterance: utterance,
	})
	if err != nil {
		b.logger.Error("agent run failed",
			"chat_id", chatID,
			"user_id", userID,
			"error", err,
		)
		b.reply(ctx, chatID, turnFailedReply)
		return
	}

	if resp.Content != "" {
		b.reply(ctx, chatID, resp.Content)
	}

	if resp.Deferred != nil {
		b.executeDeferred(ctx, msg, resp.Deferred)
	}
}

// transcribeVoice downloads and transcribes a voice message. A failure
// at any step replies directly to the user and reports ok=false; the
// agent loop is never invoked for audio that could not become text.
func (b *Bridge) transcribeVoice(ctx context.Context, msg *Message) (string, bool) {
	chatID := msg.Chat.ID

	if b.transcriber == nil {
		b.reply(ctx, chatID, voiceUnsupportedReply)
		return "", false
	}

	audio, filePath, err := b.messenger.DownloadFile(ctx, msg.Voice.FileID)
	if err != nil {
		b.logger.Error("voice download failed",
			"chat_id", chatID,
			"error", err,
		)
		b.reply(ctx, chatID, voiceDownloadFailReply)
		return "", false
	}

	text, err := b.transcriber.Transcribe(ctx, audio, path.Base(filePath))
	if err != nil {
		b.logger.Error("transcription failed",
			"chat_id", chatID,
			"error", err,
		)
		b.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceTelegram,
			Kind:      events.KindTranscriptionFailed,
			Data:      map[string]any{"chat_id": chatID},
		})
		b.reply(ctx, chatID, transcriptionFailReply)
		return "", false
	}

	b.logger.Info("voice message transcribed",
		"chat_id", chatID,
		"text_len", len(text),
	)
	return text, true
}

// executeDeferred carries out the side effect a turn requested. Reports
// go to the operator chat with the reporting user attached.
func (b *Bridge) executeDeferred(ctx context.Context, msg *Message, d *tools.Deferred) {
	if d.Kind != tools.KindReport {
		b.logger.Warn("unknown deferred action kind", "kind", d.Kind)
		return
	}

	if b.operatorChatID == 0 {
		b.logger.Warn("issue report received but no operator chat configured",
			"chat_id", msg.Chat.ID,
			"report", d.Payload,
		)
		return
	}

	report := fmt.Sprintf("Issue report from %s:\n%s", describeSender(msg), d.Payload)
	if err := b.messenger.SendMessage(ctx, b.operatorChatID, report); err != nil {
		b.logger.Error("report forward failed",
			"chat_id", msg.Chat.ID,
			"error", err,
		)
		return
	}

	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTelegram,
		Kind:      events.KindReportForwarded,
		Data: map[string]any{
			"chat_id":    msg.Chat.ID,
			"report_len": len(d.Payload),
		},
	})
	b.logger.Info("issue report forwarded",
		"chat_id", msg.Chat.ID,
		"operator_chat_id", b.operatorChatID,
	)
}

func (b *Bridge) reply(ctx context.Context, chatID int64, text string) {
	if err := b.messenger.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Error("telegram reply send failed",
			"chat_id", chatID,
			"error", err,
		)
	}
}

// senderLock returns the mutex serializing turns for one sender.
func (b *Bridge) senderLock(chatID int64) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.userLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		b.userLocks[chatID] = lock
	}
	return lock
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(chatID int64) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	// Prune expired timestamps for this sender.
	timestamps := b.senderTimes[chatID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[chatID] = valid
		return false
	}

	b.senderTimes[chatID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 {
			delete(b.senderTimes, sender)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}

// describeSender renders the message author for operator reports.
func describeSender(msg *Message) string {
	if msg.From == nil {
		return fmt.Sprintf("chat %d", msg.Chat.ID)
	}
	if msg.From.Username != "" {
		return fmt.Sprintf("@%s (%d)", msg.From.Username, msg.From.ID)
	}
	return fmt.Sprintf("%s (%d)", msg.From.FirstName, msg.From.ID)
}
