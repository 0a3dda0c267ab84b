package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	DBSource   string
	Port       string
	Env        string
	AuthSecret string
	ModelsFile string

	FrontendURL string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string

	StripeSecretKey     string
	StripeWebhookSecret string

	Limits  Limits
	Credits Credits
}

// Limits are the configured maximum character lengths enforced by the
// authorization gate.
type Limits struct {
	MaxTextChars    int
	MaxPromptChars  int
	MaxContextChars int
}

// Credits holds the metering configuration. DefaultBalance is the signup
// grant in whole credits; BaseMultiplier converts fractional credit costs
// into integer micro-credits.
type Credits struct {
	DefaultBalance int64
	BaseMultiplier int64
}

// StartingBalanceMicro is the signup grant expressed in micro-credits.
func (c Credits) StartingBalanceMicro() int64 {
	return c.DefaultBalance * c.BaseMultiplier
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	authSecret := os.Getenv("AUTH_SECRET")
	if authSecret == "" {
		return nil, fmt.Errorf("AUTH_SECRET environment variable is required")
	}

	cfg := &Config{
		DBSource:   dbSource,
		Port:       envOr("SERVER_PORT", "8080"),
		Env:        envOr("ENVIRONMENT", "development"),
		AuthSecret: authSecret,
		ModelsFile: envOr("MODELS_FILE", "config/models.yaml"),

		FrontendURL: envOr("FRONTEND_URL", "http://localhost:5173"),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL: os.Getenv("ANTHROPIC_BASE_URL"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),

		Limits: Limits{
			MaxTextChars:    envOrInt("MAX_TEXT_CHARS", 4000),
			MaxPromptChars:  envOrInt("MAX_PROMPT_CHARS", 1000),
			MaxContextChars: envOrInt("MAX_CONTEXT_CHARS", 4000),
		},
		Credits: Credits{
			DefaultBalance: int64(envOrInt("CREDITS_DEFAULT_BALANCE", 1000)),
			BaseMultiplier: int64(envOrInt("CREDITS_BASE_MULTIPLIER", 1000000)),
		},
	}

	if cfg.Credits.BaseMultiplier <= 0 {
		return nil, fmt.Errorf("CREDITS_BASE_MULTIPLIER must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
