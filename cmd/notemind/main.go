// NoteMind is a conversational note-taking assistant for Telegram.
//
// Users talk to it in natural language (text or voice); an LLM-driven
// agent loop translates the conversation into note operations (add,
// list, edit, delete, search by tag) against a per-user SQLite store.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	notemind serve           Start the bot
//	notemind ask <text>      Run a single utterance through the agent (for testing)
//	notemind version         Print version and build information
//	notemind -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Almazziastinov/NoteMind/internal/agent"
	"github.com/Almazziastinov/NoteMind/internal/buildinfo"
	"github.com/Almazziastinov/NoteMind/internal/config"
	"github.com/Almazziastinov/NoteMind/internal/events"
	"github.com/Almazziastinov/NoteMind/internal/llm"
	"github.com/Almazziastinov/NoteMind/internal/notes"
	"github.com/Almazziastinov/NoteMind/internal/speech"
	"github.com/Almazziastinov/NoteMind/internal/tags"
	"github.com/Almazziastinov/NoteMind/internal/telegram"
	"github.com/Almazziastinov/NoteMind/internal/tools"
	"github.com/Almazziastinov/NoteMind/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the notemind command. Arguments are
// parsed by hand rather than with the flag package: flag relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: notemind ask <text>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "NoteMind - Conversational Note-Taking Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: notemind [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the Telegram bot")
	fmt.Fprintln(w, "  ask          Run a single utterance through the agent (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/notemind/config.yaml, /etc/notemind/config.yaml")
	return nil
}

// runAsk handles the "notemind ask <text>" subcommand. It boots a
// minimal stack (store, suggester, dispatcher, loop) without the
// Telegram transport, runs a single utterance for a synthetic user, and
// prints the reply. Useful for smoke tests and prompt debugging without
// a bot token.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	utterance := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	store, err := notes.NewSQLiteStore(cfg.DataDir + "/notemind.db")
	if err != nil {
		return fmt.Errorf("open note database: %w", err)
	}
	defer store.Close()

	llmClient, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}

	suggester := tags.NewLLMSuggester(llmClient, cfg.TagsModel(), logger)
	dispatcher := tools.NewDispatcher(store, suggester, loadHelpText(), logger)
	loop := agent.NewLoop(logger, llmClient, dispatcher, cfg.Models.Chat, nil)

	// The ask command always acts as the same local user.
	userID, err := store.GetOrCreateUser(ctx, 0)
	if err != nil {
		return fmt.Errorf("resolve local user: %w", err)
	}

	resp, err := loop.Run(ctx, &agent.Request{UserID: userID, Utterance: utterance})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// runServe handles the "notemind serve" subcommand. It is the primary
// operating mode: load config, open the note database, build the LLM
// client and agent loop, connect the Telegram transport, optionally
// start the ops HTTP server, and block until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting NoteMind", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure logger now that we know the desired level and format.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate, so the error path is
			// unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"provider", cfg.Models.Provider,
		"model", cfg.Models.Chat,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Data directory ---
	// All persistent state (the notes database) lives under this
	// directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Note store ---
	// SQLite-backed users, notes, and tags. Persists across restarts.
	dbPath := cfg.DataDir + "/notemind.db"
	store, err := notes.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open note database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("note database opened", "path", dbPath)

	// --- Event bus ---
	// Feeds the ops server's stats and live event stream. Components
	// publish unconditionally; a nil bus would also be safe.
	bus := events.New()

	// --- LLM client ---
	llmClient, err := createLLMClient(cfg, logger)
	if err != nil {
		return err
	}
	if err := llmClient.Ping(ctx); err != nil {
		// Startup continues; the provider may come up later, and each
		// turn surfaces its own errors to the user.
		logger.Warn("LLM provider not reachable at startup", "provider", cfg.Models.Provider, "error", err)
	}

	// --- Tag suggester ---
	// Shares the LLM client, possibly on a cheaper model.
	suggester := tags.NewLLMSuggester(llmClient, cfg.TagsModel(), logger)

	// --- Transcriber ---
	// Voice messages need the OpenAI audio endpoint. With Ollama, or
	// with transcription unset, voice messages get a polite refusal.
	var transcriber speech.Transcriber
	if cfg.Models.Provider == "openai" && cfg.Models.Transcription != "" {
		transcriber = speech.NewOpenAITranscriber(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.Models.Transcription)
		logger.Info("voice transcription enabled", "model", cfg.Models.Transcription)
	} else {
		logger.Info("voice transcription disabled")
	}

	// --- Tools and agent loop ---
	dispatcher := tools.NewDispatcher(store, suggester, loadHelpText(), logger)
	loop := agent.NewLoop(logger, llmClient, dispatcher, cfg.Models.Chat, bus)

	// --- Telegram transport ---
	pollTimeout := time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second
	tg := telegram.NewClient(cfg.Telegram.Token, pollTimeout, logger)
	if err := tg.Ping(ctx); err != nil {
		return fmt.Errorf("telegram getMe failed (check telegram.token): %w", err)
	}

	bridge := telegram.NewBridge(telegram.BridgeConfig{
		Messenger:      tg,
		Updates:        tg.Messages(),
		Runner:         loop,
		Users:          store,
		Transcriber:    transcriber,
		Logger:         logger,
		Bus:            bus,
		RateLimit:      cfg.Telegram.RateLimit,
		OperatorChatID: cfg.Telegram.OperatorChatID,
	})

	go tg.Start(ctx)

	// --- Ops server ---
	// Health, counters, and the websocket event stream. Off by default.
	var ops *web.Server
	if cfg.Ops.Port > 0 {
		ops = web.NewServer(cfg.Ops.Address, cfg.Ops.Port, bus, logger)
		go func() {
			if err := ops.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	logger.Info("NoteMind is running", "rate_limit", cfg.Telegram.RateLimit)

	// Blocks until ctx is cancelled, then drains in-flight turns.
	bridge.Start(ctx)

	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops server shutdown", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// createLLMClient builds the provider client selected by config.
// Validate has already rejected unknown providers.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch cfg.Models.Provider {
	case "ollama":
		return llm.NewOllamaClient(cfg.Ollama.URL), nil
	case "openai":
		return llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, logger), nil
	default:
		return nil, fmt.Errorf("unknown models.provider %q", cfg.Models.Provider)
	}
}

// loadHelpText returns the user-facing help served by the get_help
// tool. The project README doubles as the help document; when it is
// not shipped next to the binary, a built-in summary is used.
func loadHelpText() string {
	data, err := os.ReadFile("README.md")
	if err != nil {
		return tools.DefaultHelp
	}
	return string(data)
}

// newLogger builds a structured logger writing to w.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
