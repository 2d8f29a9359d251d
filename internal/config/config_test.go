package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.False(t, cfg.AI.Enabled())
	require.Equal(t, 3, cfg.AI.MaxAttempts)
	require.Equal(t, 2*time.Minute, cfg.AI.RequestTimeout)

	require.True(t, cfg.Chat.Enabled)
	require.Equal(t, 10000, cfg.Chat.MaxMessageLength)
	require.Equal(t, 50, cfg.Chat.MaxHistoryLength)
	require.Equal(t, time.Hour, cfg.Chat.SessionTimeout)
	require.Equal(t, 15*time.Minute, cfg.Chat.CleanupInterval)
	require.False(t, cfg.Chat.KeepPartialOnCancel)
}

func TestLoadServerAddr(t *testing.T) {
	t.Setenv("PORT", "9090")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)

	t.Setenv("PORT", "127.0.0.1:9090")
	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
}

func TestLoadAICredentials(t *testing.T) {
	t.Setenv("ARK_API_KEY", "key")
	t.Setenv("Model", "test-model")
	t.Setenv("ARK_TEMPERATURE", "0.7")
	t.Setenv("AI_MAX_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.AI.Enabled())
	require.NotNil(t, cfg.AI.Temperature)
	require.InDelta(t, 0.7, *cfg.AI.Temperature, 0.0001)
	require.Equal(t, 5, cfg.AI.MaxAttempts)
}

func TestLoadChatOverrides(t *testing.T) {
	t.Setenv("CHAT_ENABLED", "false")
	t.Setenv("CHAT_MAX_MESSAGE_LENGTH", "200")
	t.Setenv("CHAT_SESSION_TIMEOUT", "30m")
	t.Setenv("CHAT_SYSTEM_PROMPT", "You answer tersely.")

	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.Chat.Enabled)
	require.Equal(t, 200, cfg.Chat.MaxMessageLength)
	require.Equal(t, 30*time.Minute, cfg.Chat.SessionTimeout)
	require.Equal(t, "You answer tersely.", cfg.Chat.SystemPrompt)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CHAT_MAX_HISTORY_LENGTH", "lots")
	_, err := Load()
	require.Error(t, err)
}
