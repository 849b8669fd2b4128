package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"nutraley.com/product-assistant/internal/core"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Config struct {
	LLMProvider    string
	GeminiAPIKey   string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int

	DatabaseURL string
	HTTPPort    string
	LogLevel    string
	LogFile     string

	SeedMode            string
	SimilarityThreshold float64
	MaxToolRounds       int
	MaxConcurrentTurns  int64

	CompletionTimeout time.Duration
	EmbeddingTimeout  time.Duration

	SessionTTL  time.Duration
	MaxSessions int
}

// Load reads the .env file (if any) and the process environment.
func Load() (*Config, error) {
	// A missing .env is fine; the environment may already be populated.
	envFileErr := godotenv.Load()

	cfg := &Config{
		LLMProvider:    getEnv("LLM_PROVIDER", ProviderGemini),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		ChatModel:      getEnv("CHAT_MODEL", ""),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", ""),
		EmbeddingDim:   getEnvAsInt("EMBEDDING_DIM", 0),

		DatabaseURL: getEnv("DATABASE_URL", "nutraley_assistant.db"),
		HTTPPort:    getEnv("HTTP_PORT", "8001"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		LogFile:     getEnv("LOG_FILE", ""),

		SeedMode:            getEnv("SEED_MODE", core.SeedModeVector),
		SimilarityThreshold: getEnvAsFloat("SIMILARITY_THRESHOLD", 0.30),
		MaxToolRounds:       getEnvAsInt("MAX_TOOL_ROUNDS", 4),
		MaxConcurrentTurns:  int64(getEnvAsInt("MAX_CONCURRENT_TURNS", 32)),

		CompletionTimeout: getEnvAsDuration("COMPLETION_TIMEOUT", 45*time.Second),
		EmbeddingTimeout:  getEnvAsDuration("EMBEDDING_TIMEOUT", 10*time.Second),

		SessionTTL:  getEnvAsDuration("SESSION_TTL", 2*time.Hour),
		MaxSessions: getEnvAsInt("MAX_SESSIONS", 10000),
	}
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		if envFileErr != nil {
			return nil, fmt.Errorf("%w (no .env file found, relying on environment variables)", err)
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyProviderDefaults() {
	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.ChatModel == "" {
			c.ChatModel = "gpt-4o"
		}
		if c.EmbeddingModel == "" {
			c.EmbeddingModel = "text-embedding-3-small"
		}
		if c.EmbeddingDim == 0 {
			c.EmbeddingDim = 1536
		}
	default:
		if c.ChatModel == "" {
			c.ChatModel = "gemini-1.5-flash-latest"
		}
		if c.EmbeddingModel == "" {
			c.EmbeddingModel = "text-embedding-004"
		}
		if c.EmbeddingDim == 0 {
			c.EmbeddingDim = 768
		}
	}
}

func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}

	if c.SeedMode != core.SeedModeVector && c.SeedMode != core.SeedModeFullCatalog {
		return fmt.Errorf("unsupported SEED_MODE %q", c.SeedMode)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.SimilarityThreshold)
	}
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be at least 1")
	}
	if c.MaxConcurrentTurns < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TURNS must be at least 1")
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
