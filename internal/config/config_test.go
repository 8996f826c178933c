package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "openai", cfg.LLMProvider)
	assert.Equal(t, 0.5, cfg.Temperature)
	assert.Equal(t, 350, cfg.MaxTokens)
	assert.Equal(t, 8, cfg.ContextWindow)
	assert.Equal(t, 45*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, StorageFile, cfg.StorageBackend)
	assert.Equal(t, "conversations", cfg.DataDir)
	assert.Equal(t, 60*time.Millisecond, cfg.TypingDelay)
	assert.False(t, cfg.AuthEnabled)
	assert.False(t, cfg.UsesNATS())
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LLM_PROVIDER", "Anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "key")
	t.Setenv("STORAGE_BACKEND", "nats")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("COMPLETION_TIMEOUT", "10s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:11434/v1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLMProvider)
	assert.Equal(t, 10*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.UsesNATS())
	assert.Equal(t, "http://localhost:11434/v1", cfg.OpenAIBaseURL)
}

func TestLoad_MissingCredential(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := &Config{
		LLMProvider:       "openai",
		OpenAIAPIKey:      "sk",
		MaxTokens:         350,
		ContextWindow:     8,
		CompletionTimeout: time.Second,
		StorageBackend:    StorageSQLite,
		AuthEnabled:       true,
		JWTExpiration:     time.Hour,
	}

	err := cfg.Validate()
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Len(t, cfgErr.Problems, 2)
	assert.Contains(t, err.Error(), "DATA_DIR")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := &Config{
		LLMProvider:       "openai",
		OpenAIAPIKey:      "sk",
		MaxTokens:         1,
		ContextWindow:     1,
		CompletionTimeout: time.Second,
		StorageBackend:    "redis",
	}
	assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)
}
