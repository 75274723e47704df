// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	AWS         AWSConfig
	Payment     PaymentConfig
	Security    SecurityConfig
	Retention   RetentionConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  int
	LogLevel     string
}

type JWTConfig struct {
	SecretKey      string
	AccessTokenTTL int // in hours
}

type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	S3Bucket        string
}

type PaymentConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	WebhookHMACSecret   string
	GatewayTimeout      int // in seconds
}

type SecurityConfig struct {
	WebhookMaxRequests   int
	WebhookWindowMinutes int
	APIMaxRequests       int
	APIWindowMinutes     int
	LoginMaxRequests     int
	LoginWindowMinutes   int
	AutoBlockThreshold   int
	ReviewThreshold      int
	BaselineMultiplier   float64
	BaselineHardMult     float64
	LockStaleSeconds     int
	ExpiryHours          int
	RetryPacingSeconds   int
	RecoveryIntervalMin  int
	RecoveryBatchLimit   int
	EncryptionSecret     string
	EncryptionSalt       string
}

type RetentionConfig struct {
	AuditLogDays       int
	SecurityEventDays  int
	ExportMaxRangeDays int
	CleanupIntervalHrs int
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "localhost"),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "payguard"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
			LogLevel:     getEnv("DB_LOG_LEVEL", "silent"),
		},
		JWT: JWTConfig{
			SecretKey:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			AccessTokenTTL: getEnvAsInt("JWT_ACCESS_TTL", 24), // 24 hours
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			S3Bucket:        getEnv("AWS_S3_BUCKET", "payguard-audit-archive"),
		},
		Payment: PaymentConfig{
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			WebhookHMACSecret:   getEnv("WEBHOOK_HMAC_SECRET", ""),
			GatewayTimeout:      getEnvAsInt("GATEWAY_TIMEOUT", 10),
		},
		Security: SecurityConfig{
			WebhookMaxRequests:   getEnvAsInt("RL_WEBHOOK_MAX_REQUESTS", 20),
			WebhookWindowMinutes: getEnvAsInt("RL_WEBHOOK_WINDOW_MINUTES", 5),
			APIMaxRequests:       getEnvAsInt("RL_API_MAX_REQUESTS", 100),
			APIWindowMinutes:     getEnvAsInt("RL_API_WINDOW_MINUTES", 1),
			LoginMaxRequests:     getEnvAsInt("RL_LOGIN_MAX_REQUESTS", 5),
			LoginWindowMinutes:   getEnvAsInt("RL_LOGIN_WINDOW_MINUTES", 15),
			AutoBlockThreshold:   getEnvAsInt("RISK_AUTO_BLOCK_THRESHOLD", 70),
			ReviewThreshold:      getEnvAsInt("RISK_REVIEW_THRESHOLD", 40),
			BaselineMultiplier:   getEnvAsFloat("RISK_BASELINE_MULTIPLIER", 3.0),
			BaselineHardMult:     getEnvAsFloat("RISK_BASELINE_HARD_MULTIPLIER", 10.0),
			LockStaleSeconds:     getEnvAsInt("LEDGER_LOCK_STALE_SECONDS", 30),
			ExpiryHours:          getEnvAsInt("TRANSACTION_EXPIRY_HOURS", 24),
			RetryPacingSeconds:   getEnvAsInt("RECOVERY_PACING_SECONDS", 2),
			RecoveryIntervalMin:  getEnvAsInt("RECOVERY_INTERVAL_MINUTES", 15),
			RecoveryBatchLimit:   getEnvAsInt("RECOVERY_BATCH_LIMIT", 25),
			EncryptionSecret:     getEnv("PAYLOAD_ENCRYPTION_SECRET", ""),
			EncryptionSalt:       getEnv("PAYLOAD_ENCRYPTION_SALT", "payguard-payload-v1"),
		},
		Retention: RetentionConfig{
			AuditLogDays:       getEnvAsInt("RETENTION_AUDIT_DAYS", 90),
			SecurityEventDays:  getEnvAsInt("RETENTION_SECURITY_EVENT_DAYS", 30),
			ExportMaxRangeDays: getEnvAsInt("EXPORT_MAX_RANGE_DAYS", 31),
			CleanupIntervalHrs: getEnvAsInt("CLEANUP_INTERVAL_HOURS", 24),
		},
	}

	return config, config.Validate()
}

func (c *Config) Validate() error {
	if c.JWT.SecretKey == "your-secret-key-change-in-production" && c.Environment == "production" {
		return fmt.Errorf("JWT secret key must be changed in production")
	}

	if c.Database.Password == "" && c.Environment == "production" {
		return fmt.Errorf("database password is required in production")
	}

	if c.Environment == "production" && c.Payment.StripeWebhookSecret == "" && c.Payment.WebhookHMACSecret == "" {
		return fmt.Errorf("a webhook signing secret is required in production")
	}

	if c.Environment == "production" && c.Security.EncryptionSecret == "" {
		return fmt.Errorf("payload encryption secret is required in production")
	}

	if c.Security.ReviewThreshold >= c.Security.AutoBlockThreshold {
		return fmt.Errorf("review threshold must be below the auto-block threshold")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
