package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	// Webhook signing secrets, keyed by source.
	DeployerWebhookSecret string
	BillingWebhookSecret  string

	DeployProviderName  string
	DeployProviderURL   string
	DeployProviderToken string

	RegistryLookupURL string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "siteforge"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "siteforge"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		DeployerWebhookSecret: strings.TrimSpace(getenv("WEBHOOK_SECRET_DEPLOYER", "")),
		BillingWebhookSecret:  strings.TrimSpace(getenv("WEBHOOK_SECRET_BILLING", "")),

		DeployProviderName:  strings.ToLower(getenv("DEPLOY_PROVIDER", "builder")),
		DeployProviderURL:   strings.TrimSpace(getenv("DEPLOY_PROVIDER_URL", "http://localhost:9090")),
		DeployProviderToken: strings.TrimSpace(getenv("DEPLOY_PROVIDER_TOKEN", "")),

		RegistryLookupURL: strings.TrimSpace(getenv("REGISTRY_LOOKUP_URL", "https://receitaws.com.br/v1/cnpj")),
	}

	return cfg
}

// WebhookSecret returns the signing secret configured for a webhook source.
func (c Config) WebhookSecret(source string) string {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "deployer":
		return c.DeployerWebhookSecret
	case "billing":
		return c.BillingWebhookSecret
	default:
		return ""
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPolicyHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
