package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv           string
	AppName          string
	AppPort          string
	CORSAllowOrigins []string

	GuestTokenSecret string
	GuestTokenTTL    time.Duration

	StoreDriver string
	SQLitePath  string
	DatabaseURL string

	LLMProvider       string
	LLMAPIKey         string
	LLMModel          string
	LLMBaseURL        string
	AIMaxOutputTokens int
	AITimeoutSeconds  int

	FreeQuestionQuota  int
	ContactPromptDelay time.Duration
	SeverityPolicy     string

	ExpertsFile string

	LeadSink        string
	LeadWebhookURL  string
	LeadSendTimeout time.Duration

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

func Load() Config {
	_ = godotenv.Load(".env")

	return Config{
		AppEnv:  getEnv("APP_ENV", "local"),
		AppName: getEnv("APP_NAME", "TaxDesk API"),
		AppPort: getEnv("APP_PORT", "8000"),
		// The ask gateway is consumed from arbitrary client origins.
		CORSAllowOrigins: getEnvCSV("CORS_ALLOW_ORIGINS", []string{"*"}),

		GuestTokenSecret: getEnv("GUEST_TOKEN_SECRET", ""),
		GuestTokenTTL:    time.Duration(getEnvInt("GUEST_TOKEN_TTL_HOURS", 24*30)) * time.Hour,

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/sessions.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		LLMProvider:       strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		LLMAPIKey:         getEnv("LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
		LLMModel:          getEnv("LLM_MODEL", "gpt-5-mini"),
		LLMBaseURL:        getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		AIMaxOutputTokens: getEnvInt("AI_MAX_OUTPUT_TOKENS", 900),
		AITimeoutSeconds:  getEnvInt("AI_TIMEOUT_SECONDS", 30),

		FreeQuestionQuota:  getEnvInt("FREE_QUESTION_QUOTA", 3),
		ContactPromptDelay: time.Duration(getEnvInt("CONTACT_PROMPT_DELAY_MS", 1500)) * time.Millisecond,
		SeverityPolicy:     strings.ToLower(getEnv("SEVERITY_POLICY", "latest")),

		ExpertsFile: getEnv("EXPERTS_FILE", "./data/experts.yaml"),

		LeadSink:        strings.ToLower(getEnv("LEAD_SINK", "log")),
		LeadWebhookURL:  getEnv("LEAD_WEBHOOK_URL", ""),
		LeadSendTimeout: time.Duration(getEnvInt("LEAD_SEND_TIMEOUT_SECONDS", 10)) * time.Second,

		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
	}
}

func (c Config) Validate() error {
	secret := strings.TrimSpace(c.GuestTokenSecret)
	if secret == "" {
		return errors.New("GUEST_TOKEN_SECRET is required")
	}
	if secret == "change-me-in-production" {
		return errors.New("GUEST_TOKEN_SECRET must not use insecure default value")
	}
	if len(secret) < 16 {
		return errors.New("GUEST_TOKEN_SECRET is too short; use at least 16 characters")
	}
	if c.FreeQuestionQuota <= 0 {
		return errors.New("FREE_QUESTION_QUOTA must be > 0")
	}
	switch c.StoreDriver {
	case "sqlite":
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.LLMProvider {
	case "openai", "gemini", "mock":
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.SeverityPolicy {
	case "latest", "escalate":
	default:
		return fmt.Errorf("unsupported SEVERITY_POLICY %q", c.SeverityPolicy)
	}
	switch c.LeadSink {
	case "log":
	case "webhook":
		if strings.TrimSpace(c.LeadWebhookURL) == "" {
			return errors.New("LEAD_WEBHOOK_URL is required for the webhook lead sink")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required for the postgres lead sink")
		}
	default:
		return fmt.Errorf("unsupported LEAD_SINK %q", c.LeadSink)
	}
	return nil
}

// AllowsAnyOrigin reports whether CORS should echo a wildcard origin.
func (c Config) AllowsAnyOrigin() bool {
	for _, origin := range c.CORSAllowOrigins {
		if origin == "*" {
			return true
		}
	}
	return len(c.CORSAllowOrigins) == 0
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvCSV(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, item := range parts {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}
