// Package config handles NoteMind configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/notemind/config.yaml, /etc/notemind/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "notemind", "config.yaml"))
	}

	paths = append(paths, "/etc/notemind/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all NoteMind configuration.
type Config struct {
	Telegram  TelegramConfig `yaml:"telegram"`
	Models    ModelsConfig   `yaml:"models"`
	OpenAI    OpenAIConfig   `yaml:"openai"`
	Ollama    OllamaConfig   `yaml:"ollama"`
	Ops       OpsConfig      `yaml:"ops"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
}

// TelegramConfig defines the Telegram Bot API connection and routing.
type TelegramConfig struct {
	// Token is the bot token from @BotFather.
	Token string `yaml:"token"`
	// OperatorChatID receives forwarded issue reports. Zero disables
	// forwarding (reports are only logged).
	OperatorChatID int64 `yaml:"operator_chat_id"`
	// RateLimit is the per-sender messages-per-minute cap; 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
	// PollTimeoutSec is the getUpdates long-poll timeout (default 30).
	PollTimeoutSec int `yaml:"poll_timeout_sec"`
}

// ModelsConfig selects the LLM provider and models.
type ModelsConfig struct {
	// Provider is "openai" or "ollama".
	Provider string `yaml:"provider"`
	// Chat is the conversation model. Must support tool calling.
	Chat string `yaml:"chat"`
	// Tags is the tag-suggestion model. Defaults to Chat when empty.
	Tags string `yaml:"tags"`
	// Transcription is the speech-to-text model (OpenAI only).
	// Empty disables voice message handling.
	Transcription string `yaml:"transcription"`
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // default https://api.openai.com/v1
}

// OllamaConfig defines Ollama settings.
type OllamaConfig struct {
	URL string `yaml:"url"` // default http://localhost:11434
}

// OpsConfig defines the operational HTTP server (health, stats, event
// stream). Disabled when Port is zero.
type OpsConfig struct {
	Address string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			RateLimit:      20,
			PollTimeoutSec: 30,
		},
		Models: ModelsConfig{
			Provider:      "openai",
			Chat:          "gpt-4-turbo-preview",
			Transcription: "whisper-1",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Ollama: OllamaConfig{
			URL: "http://localhost:11434",
		},
		DataDir: "data",
	}
}

// Validate checks the configuration for fatal problems. It is called
// once at startup so later code can assume a well-formed config.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}

	switch c.Models.Provider {
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("openai.api_key is required when models.provider is openai")
		}
	case "ollama":
		// Ollama needs no credentials.
	default:
		return fmt.Errorf("unknown models.provider %q (valid: openai, ollama)", c.Models.Provider)
	}

	if c.Models.Chat == "" {
		return fmt.Errorf("models.chat is required")
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}

	return nil
}

// TagsModel returns the tag-suggestion model, falling back to the chat
// model when unset.
func (c *Config) TagsModel() string {
	if c.Models.Tags != "" {
		return c.Models.Tags
	}
	return c.Models.Chat
}
