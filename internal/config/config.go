package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DB       DBConfig
	MinIO    MinIOConfig
	JWT      JWTConfig
	Server   ServerConfig
	Liveness LivenessConfig
	Matcher  MatcherConfig
	Guard    GuardConfig
	Audit    AuditConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

type ServerConfig struct {
	Port string
}

type LivenessConfig struct {
	TTL                   time.Duration
	DefaultChallengeCount int
}

type MatcherConfig struct {
	Dimension          int
	MatchThreshold     float64
	DuplicateThreshold float64
}

// GuardConfig supplies the guardrail defaults stamped onto newly
// registered payment methods. Amount fields are minor units (cents).
type GuardConfig struct {
	DefaultMaxTransactionsPerPeriod int
	DefaultPeriodMinutes            int
	DefaultDailyLimitCents          int64
	DefaultAutoApproveCeilingCents  int64
}

type AuditConfig struct {
	ExportInterval time.Duration
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "facegate"),
			Password: getEnv("DB_PASSWORD", "facegate_secret"),
			Name:     getEnv("DB_NAME", "facegate"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "facegate"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "facegate_secret"),
			Bucket:    getEnv("MINIO_BUCKET", "facegate-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Liveness: LivenessConfig{
			TTL:                   getEnvAsDuration("LIVENESS_TTL", 2*time.Minute),
			DefaultChallengeCount: getEnvAsInt("LIVENESS_CHALLENGE_COUNT", 3),
		},
		Matcher: MatcherConfig{
			Dimension:          getEnvAsInt("EMBEDDING_DIMENSION", 512),
			MatchThreshold:     getEnvAsFloat("MATCH_THRESHOLD", 0.70),
			DuplicateThreshold: getEnvAsFloat("DUPLICATE_THRESHOLD", 0.85),
		},
		Guard: GuardConfig{
			DefaultMaxTransactionsPerPeriod: getEnvAsInt("GUARD_MAX_TRANSACTIONS_PER_PERIOD", 5),
			DefaultPeriodMinutes:            getEnvAsInt("GUARD_PERIOD_MINUTES", 60),
			DefaultDailyLimitCents:          getEnvAsInt64("GUARD_DAILY_LIMIT_CENTS", 50000),
			DefaultAutoApproveCeilingCents:  getEnvAsInt64("GUARD_AUTO_APPROVE_CEILING_CENTS", 10000),
		},
		Audit: AuditConfig{
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 1*time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
