package config

import (
	"fmt"
	"github.com/joho/godotenv"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Environment
	RunMode string // Set via flag, not env

	// MongoDB
	MongoURI    string
	MongoDbName string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWT
	JwtSecret       string
	JwtTTL          time.Duration
	CaptchaTokenTTL time.Duration

	// Server
	ApiPort        string
	ServiceApiPort string
	PublicBaseURL  string // Base for public invoice links in emails

	// Cloudflare
	CloudflareTurnstileSecretKey string
	CloudflareSiteVerifyURL      string

	// Invoicing
	DefaultDueDays       int
	DefaultTaxRate       float64
	TaxLabel             string
	OverdueCheckInterval time.Duration
	TxnMaxRetries        int

	// Email
	SmtpHost        string
	SmtpPort        int
	SmtpUsername    string
	SmtpPassword    string
	SmtpFromAddress string

	// AWS S3 (receipt storage)
	AwsAccessKeyID      string
	AwsSecretAccessKey  string
	AwsRegion           string
	AwsS3Bucket         string
	ReceiptBaseS3URL    string
	ReceiptMaxDimension int
	ReceiptMaxSizeMB    int

	// App Defaults
	AppName            string
	PasswordRegexp     string
	GetCacheTTL        time.Duration
	StaffInviteTTL     time.Duration
	ResetAccessLinkTTL time.Duration

	// Rate Limiting Defaults
	RateLimitSoftBucketSize int
	RateLimitSoftRefillRate int // tokens per second
	RateLimitHardBucketSize int
	RateLimitHardRefillRate int // tokens per second
}

// Load configuration from environment variables.
// RunMode needs to be passed in as it comes from command-line flags.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	godotenv.Load()

	cfg := &Config{
		RunMode: runMode, // Set from flag
	}

	var err error

	// Helper function to get env var or default
	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return defaultValue
	}

	// Helper function to get required env var
	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	// Load basic string values
	cfg.MongoURI, err = getRequiredEnv("MONGO_URI")
	if err != nil {
		return nil, err
	}
	cfg.MongoDbName = getEnv("MONGO_DB_NAME", "")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.JwtSecret, err = getRequiredEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	cfg.ApiPort = getEnv("API_PORT", "8080")
	cfg.ServiceApiPort = getEnv("SERVICE_API_PORT", "12345")
	cfg.PublicBaseURL = getEnv("PUBLIC_BASE_URL", "http://localhost:8080")
	cfg.CloudflareTurnstileSecretKey = getEnv("CLOUDFLARE_TURNSTILE_SECRET_KEY", "")
	cfg.CloudflareSiteVerifyURL = getEnv("CLOUDFLARE_SITEVERIFY_URL", "https://challenges.cloudflare.com/turnstile/v0/siteverify")
	cfg.SmtpHost = getEnv("SMTP_HOST", "")
	cfg.SmtpUsername = getEnv("SMTP_USERNAME", "")
	cfg.SmtpPassword = getEnv("SMTP_PASSWORD", "")
	cfg.SmtpFromAddress = getEnv("SMTP_FROM_ADDRESS", "noreply@invoices.example.com")
	cfg.AwsAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", "")
	cfg.AwsSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", "")
	cfg.AwsRegion = getEnv("AWS_REGION", "")
	cfg.AwsS3Bucket = getEnv("AWS_S3_BUCKET", "")
	cfg.ReceiptBaseS3URL = getEnv("RECEIPT_BASE_S3_URL", "")
	cfg.AppName = getEnv("APP_NAME", "Tradebill")
	cfg.PasswordRegexp = getEnv("PASSWORD_REGEXP", "^.{8,}$")
	cfg.TaxLabel = getEnv("DEFAULT_TAX_LABEL", "GST")

	// Load numeric and time duration values with defaults and parsing
	cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	jwtTTLSeconds, err := strconv.ParseInt(getEnv("JWT_TTL_SECONDS", "3600"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_TTL_SECONDS: %w", err)
	}
	cfg.JwtTTL = time.Duration(jwtTTLSeconds) * time.Second

	captchaTTLSeconds, err := strconv.ParseInt(getEnv("CAPTCHA_TOKEN_TTL", "1200"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid CAPTCHA_TOKEN_TTL: %w", err)
	}
	cfg.CaptchaTokenTTL = time.Duration(captchaTTLSeconds) * time.Second

	cfg.SmtpPort, err = strconv.Atoi(getEnv("SMTP_PORT", "587"))
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}

	cfg.DefaultDueDays, err = strconv.Atoi(getEnv("DEFAULT_DUE_DAYS", "14"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_DUE_DAYS: %w", err)
	}

	cfg.DefaultTaxRate, err = strconv.ParseFloat(getEnv("DEFAULT_TAX_RATE", "0.10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TAX_RATE: %w", err)
	}

	overdueCheckMinutes, err := strconv.ParseInt(getEnv("OVERDUE_CHECK_INTERVAL_MINUTES", "60"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OVERDUE_CHECK_INTERVAL_MINUTES: %w", err)
	}
	cfg.OverdueCheckInterval = time.Duration(overdueCheckMinutes) * time.Minute

	cfg.TxnMaxRetries, err = strconv.Atoi(getEnv("TXN_MAX_RETRIES", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid TXN_MAX_RETRIES: %w", err)
	}

	cfg.ReceiptMaxDimension, err = strconv.Atoi(getEnv("RECEIPT_MAX_DIMENSION", "2048"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECEIPT_MAX_DIMENSION: %w", err)
	}

	cfg.ReceiptMaxSizeMB, err = strconv.Atoi(getEnv("RECEIPT_MAX_SIZE_MB", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECEIPT_MAX_SIZE_MB: %w", err)
	}

	getCacheTTLSeconds, err := strconv.ParseInt(getEnv("GET_CACHE_TTL_SECONDS", "60"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid GET_CACHE_TTL_SECONDS: %w", err)
	}
	cfg.GetCacheTTL = time.Duration(getCacheTTLSeconds) * time.Second

	staffInviteTTLHours, err := strconv.ParseInt(getEnv("STAFF_INVITE_TTL_HOURS", "168"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid STAFF_INVITE_TTL_HOURS: %w", err)
	}
	cfg.StaffInviteTTL = time.Duration(staffInviteTTLHours) * time.Hour

	resetAccessLinkTTLMinutes, err := strconv.ParseInt(getEnv("RESET_ACCESS_LINK_TTL_MINUTES", "20"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RESET_ACCESS_LINK_TTL_MINUTES: %w", err)
	}
	cfg.ResetAccessLinkTTL = time.Duration(resetAccessLinkTTLMinutes) * time.Minute

	// Rate Limiting
	cfg.RateLimitSoftBucketSize, err = strconv.Atoi(getEnv("RATE_LIMIT_SOFT_BUCKET_SIZE", "2"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_SOFT_BUCKET_SIZE: %w", err)
	}
	cfg.RateLimitSoftRefillRate, err = strconv.Atoi(getEnv("RATE_LIMIT_SOFT_REFILL_RATE", "1"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_SOFT_REFILL_RATE: %w", err)
	}
	cfg.RateLimitHardBucketSize, err = strconv.Atoi(getEnv("RATE_LIMIT_HARD_BUCKET_SIZE", "8"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_HARD_BUCKET_SIZE: %w", err)
	}
	cfg.RateLimitHardRefillRate, err = strconv.Atoi(getEnv("RATE_LIMIT_HARD_REFILL_RATE", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_HARD_REFILL_RATE: %w", err)
	}

	return cfg, nil
}
