package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every setting for the service. Loaded once at startup,
// never reloaded.
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Chat   ChatConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Chat: chat}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Allow passing ":8080" or "127.0.0.1:8080" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig describes the upstream completion model and its retry policy.
type AIConfig struct {
	APIKey            string
	AccessKey         string
	SecretKey         string
	Model             string
	BaseURL           string
	Region            string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
	MaxAttempts       int
}

// Enabled reports whether the required credentials were provided.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds the Ark chat model from this configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model, or the AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	requestTimeout, err := parseDurationEnv("AI_REQUEST_TIMEOUT", 2*time.Minute)
	if err != nil {
		return AIConfig{}, err
	}

	idleTimeout, err := parseDurationEnv("AI_STREAM_IDLE_TIMEOUT", 30*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	maxAttempts, err := parseIntEnv("AI_MAX_RETRIES", 3)
	if err != nil {
		return AIConfig{}, err
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return AIConfig{
		APIKey:            strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:         strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:         strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:             strings.TrimSpace(os.Getenv("Model")),
		BaseURL:           getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:            getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		RequestTimeout:    requestTimeout,
		StreamIdleTimeout: idleTimeout,
		MaxAttempts:       maxAttempts,
	}, nil
}

// ChatConfig bounds sessions, history and the prompt context block.
type ChatConfig struct {
	Enabled             bool
	SystemPrompt        string
	MaxMessageLength    int
	MaxHistoryLength    int
	HistoryCharBudget   int
	ContextCharLimit    int
	SessionTimeout      time.Duration
	CleanupInterval     time.Duration
	KeepPartialOnCancel bool
}

func loadChatConfig() (ChatConfig, error) {
	enabled, err := parseBoolEnv("CHAT_ENABLED", true)
	if err != nil {
		return ChatConfig{}, err
	}

	maxMessage, err := parseIntEnv("CHAT_MAX_MESSAGE_LENGTH", 10000)
	if err != nil {
		return ChatConfig{}, err
	}

	maxHistory, err := parseIntEnv("CHAT_MAX_HISTORY_LENGTH", 50)
	if err != nil {
		return ChatConfig{}, err
	}

	historyBudget, err := parseIntEnv("CHAT_HISTORY_CHAR_BUDGET", 8000)
	if err != nil {
		return ChatConfig{}, err
	}

	contextLimit, err := parseIntEnv("CHAT_CONTEXT_CHAR_LIMIT", 1000)
	if err != nil {
		return ChatConfig{}, err
	}

	sessionTimeout, err := parseDurationEnv("CHAT_SESSION_TIMEOUT", time.Hour)
	if err != nil {
		return ChatConfig{}, err
	}

	cleanupInterval, err := parseDurationEnv("CHAT_CLEANUP_INTERVAL", 15*time.Minute)
	if err != nil {
		return ChatConfig{}, err
	}

	keepPartial, err := parseBoolEnv("CHAT_KEEP_PARTIAL_ON_CANCEL", false)
	if err != nil {
		return ChatConfig{}, err
	}

	systemPrompt := strings.TrimSpace(os.Getenv("CHAT_SYSTEM_PROMPT"))
	if promptFile := strings.TrimSpace(os.Getenv("CHAT_SYSTEM_PROMPT_FILE")); systemPrompt == "" && promptFile != "" {
		raw, err := os.ReadFile(promptFile)
		if err != nil {
			return ChatConfig{}, fmt.Errorf("failed to read CHAT_SYSTEM_PROMPT_FILE: %w", err)
		}
		systemPrompt = strings.TrimSpace(string(raw))
	}

	return ChatConfig{
		Enabled:             enabled,
		SystemPrompt:        systemPrompt,
		MaxMessageLength:    maxMessage,
		MaxHistoryLength:    maxHistory,
		HistoryCharBudget:   historyBudget,
		ContextCharLimit:    contextLimit,
		SessionTimeout:      sessionTimeout,
		CleanupInterval:     cleanupInterval,
		KeepPartialOnCancel: keepPartial,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
