package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
)

type Config struct {
	Port          string
	DatabaseURL   string
	ApplicationID string

	PlaidClientID   string
	PlaidSecret     string
	PlaidEnv        string
	PlaidClientName string
	PlaidCountry    string
	PlaidLanguage   string
	PlaidWebhookURL string

	JWTSecret    string
	KafkaBrokers []string
	KafkaTopic   string
	LogLevel     string
	ReadOnly     bool
	CacheTTL     time.Duration
}

// Load reads the configuration from the environment, after loading a .env file
// if one is present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		ApplicationID:   getEnv("APPLICATION_ID", ""),
		PlaidClientID:   getEnv("PLAID_CLIENT_ID", ""),
		PlaidSecret:     getEnv("PLAID_SECRET", ""),
		PlaidEnv:        strings.ToLower(getEnv("PLAID_ENV", "sandbox")),
		PlaidClientName: getEnv("PLAID_CLIENT_NAME", "Ledger Link"),
		PlaidCountry:    strings.ToUpper(getEnv("PLAID_COUNTRY", "US")),
		PlaidLanguage:   getEnv("PLAID_LANGUAGE", "en"),
		PlaidWebhookURL: getEnv("PLAID_WEBHOOK_URL", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		KafkaBrokers:    splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "ledger-events"),
		LogLevel:        getEnv("LOG_LEVEL", "<root>=INFO"),
	}

	required := []struct{ key, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"APPLICATION_ID", cfg.ApplicationID},
		{"PLAID_CLIENT_ID", cfg.PlaidClientID},
		{"PLAID_SECRET", cfg.PlaidSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return Config{}, errors.Errorf("%s is required", r.key)
		}
	}

	var err error
	if cfg.ReadOnly, err = strconv.ParseBool(getEnv("READ_ONLY", "false")); err != nil {
		return Config{}, errors.Annotate(err, "READ_ONLY")
	}
	if cfg.CacheTTL, err = time.ParseDuration(getEnv("CACHE_TTL", "5m")); err != nil {
		return Config{}, errors.Annotate(err, "CACHE_TTL")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
