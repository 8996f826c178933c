// Package config provides configuration loading for the API server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfiguration marks an unusable configuration. The server refuses to
// start on it.
var ErrConfiguration = errors.New("invalid configuration")

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageNATS   = "nats"
)

// ConfigurationError lists every problem found by Validate.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "configuration errors:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// LLM settings
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	LLMProvider     string
	LLMModel        string

	// Router settings
	Temperature       float64
	MaxTokens         int
	ContextWindow     int
	CompletionTimeout time.Duration
	CrisisPolicyFile  string

	// Storage settings
	StorageBackend string
	DataDir        string

	// NATS settings
	NATSURL           string
	NATSCAFile        string
	NATSCertFile      string
	NATSKeyFile       string
	NATSToken         string
	NATSBucket        string
	NATSEventsEnabled bool

	// Auth settings
	AuthEnabled   bool
	JWTSecret     string
	JWTExpiration time.Duration

	// Presentation
	TypingDelay time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from the environment and an optional
// therepai.yaml in the working directory, then validates it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("therepai")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("read therepai.yaml: %v", err)}}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 120*time.Second)

	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_TEMPERATURE", 0.5)
	v.SetDefault("LLM_MAX_TOKENS", 350)
	v.SetDefault("CONTEXT_WINDOW", 8)
	v.SetDefault("COMPLETION_TIMEOUT", 45*time.Second)

	v.SetDefault("STORAGE_BACKEND", StorageFile)
	v.SetDefault("DATA_DIR", "conversations")

	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_BUCKET", "therepai_threads")
	v.SetDefault("NATS_EVENTS_ENABLED", false)

	v.SetDefault("AUTH_ENABLED", false)
	v.SetDefault("JWT_EXPIRATION", 24*time.Hour)

	v.SetDefault("TYPING_DELAY", 60*time.Millisecond)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TRACING_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_ENABLED", false)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		ServerPort:         v.GetString("PORT"),
		ServerReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
		ServerWriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
		AllowedOrigins:     splitList(v.GetString("ALLOWED_ORIGINS")),

		OpenAIAPIKey:    v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:   v.GetString("OPENAI_BASE_URL"),
		AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
		LLMProvider:     strings.ToLower(v.GetString("LLM_PROVIDER")),
		LLMModel:        v.GetString("LLM_MODEL"),

		Temperature:       v.GetFloat64("LLM_TEMPERATURE"),
		MaxTokens:         v.GetInt("LLM_MAX_TOKENS"),
		ContextWindow:     v.GetInt("CONTEXT_WINDOW"),
		CompletionTimeout: v.GetDuration("COMPLETION_TIMEOUT"),
		CrisisPolicyFile:  v.GetString("CRISIS_POLICY_FILE"),

		StorageBackend: strings.ToLower(v.GetString("STORAGE_BACKEND")),
		DataDir:        v.GetString("DATA_DIR"),

		NATSURL:           v.GetString("NATS_URL"),
		NATSCAFile:        v.GetString("NATS_CA_FILE"),
		NATSCertFile:      v.GetString("NATS_CERT_FILE"),
		NATSKeyFile:       v.GetString("NATS_KEY_FILE"),
		NATSToken:         v.GetString("NATS_TOKEN"),
		NATSBucket:        v.GetString("NATS_BUCKET"),
		NATSEventsEnabled: v.GetBool("NATS_EVENTS_ENABLED"),

		AuthEnabled:   v.GetBool("AUTH_ENABLED"),
		JWTSecret:     v.GetString("JWT_SECRET"),
		JWTExpiration: v.GetDuration("JWT_EXPIRATION"),

		TypingDelay: v.GetDuration("TYPING_DELAY"),
		LogLevel:    v.GetString("LOG_LEVEL"),

		TracingEndpoint: v.GetString("TRACING_ENDPOINT"),
		TracingEnabled:  v.GetBool("TRACING_ENABLED"),
	}
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	var errs []string

	switch c.LLMProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, "OPENAI_API_KEY is required when LLM_PROVIDER is openai")
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, "ANTHROPIC_API_KEY is required when LLM_PROVIDER is anthropic")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid LLM_PROVIDER %q, must be 'openai' or 'anthropic'", c.LLMProvider))
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, "LLM_TEMPERATURE must be between 0 and 2")
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, "LLM_MAX_TOKENS must be positive")
	}
	if c.ContextWindow <= 0 {
		errs = append(errs, "CONTEXT_WINDOW must be positive")
	}
	if c.CompletionTimeout <= 0 {
		errs = append(errs, "COMPLETION_TIMEOUT must be positive")
	}

	switch c.StorageBackend {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if c.DataDir == "" {
			errs = append(errs, fmt.Sprintf("DATA_DIR is required for the %s backend", c.StorageBackend))
		}
	case StorageNATS:
		if c.NATSURL == "" {
			errs = append(errs, "NATS_URL is required for the nats backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid STORAGE_BACKEND %q", c.StorageBackend))
	}

	if c.NATSEventsEnabled && c.NATSURL == "" {
		errs = append(errs, "NATS_URL is required when NATS_EVENTS_ENABLED is set")
	}

	if c.AuthEnabled {
		if c.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required when AUTH_ENABLED is set")
		}
		if c.JWTExpiration <= 0 {
			errs = append(errs, "JWT_EXPIRATION must be positive")
		}
	}

	if c.TypingDelay < 0 {
		errs = append(errs, "TYPING_DELAY must not be negative")
	}

	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs}
	}
	return nil
}

// UsesNATS reports whether a NATS connection is needed.
func (c *Config) UsesNATS() bool {
	return c.StorageBackend == StorageNATS || c.NATSEventsEnabled
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
