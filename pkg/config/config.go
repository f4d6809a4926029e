package config

import (
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration from environment variables
type Config struct {
	// Application
	AppPort   string
	LogLevel  string
	LogFormat string

	// Database
	DBDriver   string // mysql, postgres or sqlite
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPath     string // sqlite only

	// Reservations
	PurchaseExpirationSeconds int
	ExpirationSweepInterval   time.Duration
	PendingPurchasePolicy     string // reuse or reject

	// Scheduler
	SchedulerBackend  string // local or redis
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisScheduleKey  string
	RedisPollInterval time.Duration

	// Order tokens
	OrderTokenSecret string
	OrderTokenTTL    time.Duration

	// OpenTelemetry
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPHeaders   string // key1=value1,key2=value2
	OTELExporterOTLPInsecure  bool   // true for http://, false for https://
	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELServiceName           string
	OTELServiceVersion        string
	OTELDeploymentEnvironment string
}

// LoadConfig loads configuration from .env file and environment variables with defaults
func LoadConfig() *Config {
	// .env is optional; only complain about files that exist but can't be parsed
	if err := godotenv.Load(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			log.Printf("Warning: Error loading .env file: %v", err)
		}
	}

	return &Config{
		AppPort:   getEnv("APP_PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DBDriver:   getEnv("DB_DRIVER", "mysql"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "marketplace"),
		DBPath:     getEnv("DB_PATH", "marketplace.db"),

		PurchaseExpirationSeconds: getEnvInt("PURCHASE_EXPIRATION_SECONDS", 900),
		ExpirationSweepInterval:   getEnvDuration("EXPIRATION_SWEEP_INTERVAL", time.Minute),
		PendingPurchasePolicy:     getEnv("PENDING_PURCHASE_POLICY", "reuse"),

		SchedulerBackend:  getEnv("SCHEDULER_BACKEND", "local"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisScheduleKey:  getEnv("REDIS_SCHEDULE_KEY", "marketplace:purchase-expirations"),
		RedisPollInterval: getEnvDuration("REDIS_POLL_INTERVAL", time.Second),

		OrderTokenSecret: getEnv("ORDER_TOKEN_SECRET", "change-me"),
		OrderTokenTTL:    getEnvDuration("ORDER_TOKEN_TTL", 24*time.Hour),

		OTELExporterOTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		OTELExporterOTLPHeaders:   getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
		OTELExporterOTLPInsecure:  getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        getEnvBool("OTEL_METRICS_ENABLED", true),
		OTELTracesEnabled:         getEnvBool("OTEL_TRACES_ENABLED", true),
		OTELServiceName:           getEnv("OTEL_SERVICE_NAME", "marketplace-core"),
		OTELServiceVersion:        getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTELDeploymentEnvironment: getEnv("OTEL_DEPLOYMENT_ENVIRONMENT", "development"),
	}
}

// GetDSN returns the DSN string for the configured driver
func (c *Config) GetDSN() string {
	switch c.DBDriver {
	case "postgres":
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.DBUser, c.DBPassword),
			Host:     c.DBHost + ":" + c.DBPort,
			Path:     "/" + c.DBName,
			RawQuery: "sslmode=disable",
		}
		return u.String()
	case "sqlite":
		return c.DBPath + "?_time_format=sqlite"
	default:
		return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?parseTime=true&loc=UTC&charset=utf8mb4"
	}
}

// PurchaseExpiration returns how long a pending purchase holds its reservations
func (c *Config) PurchaseExpiration() time.Duration {
	return time.Duration(c.PurchaseExpirationSeconds) * time.Second
}

// GetAppPortInt returns the application port as an integer
func (c *Config) GetAppPortInt() int {
	port, err := strconv.Atoi(c.AppPort)
	if err != nil {
		return 8080
	}
	return port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if value == "true" || value == "1" || value == "yes" {
			return true
		}
		return false
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("Warning: invalid integer for %s=%q, using %d", key, value, defaultValue)
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			log.Printf("Warning: invalid duration for %s=%q, using %s", key, value, defaultValue)
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}
