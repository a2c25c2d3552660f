package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string
	Environment         string
	LogLevel            string
	ExternalCallTimeout time.Duration // bound applied to every single ledger/blob/payment call
	AllowedOrigins      []string      // CORS origins of the storefront
	Database            DatabaseConfig
	Ledger              LedgerConfig
	Blob                BlobConfig
	Payment             PaymentConfig
	Webhook             WebhookConfig
	Redis               RedisConfig
	Kafka               KafkaConfig
	Journal             JournalConfig
	Features            FeatureFlags
}

type DatabaseConfig struct {
	URL      string // DATABASE_URL wins over the discrete fields
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Enabled reports whether a database was configured at all
func (d DatabaseConfig) Enabled() bool {
	return d.URL != "" || d.Host != ""
}

// DSN returns a postgres:// connection URL
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// LedgerConfig selects and configures the order ledger
type LedgerConfig struct {
	Backend          string        // "airtable", "postgres" or "" (disabled)
	NumberRetryDelay time.Duration // wait before the single read-after-create
	Airtable         AirtableConfig
}

type AirtableConfig struct {
	APIKey            string
	BaseID            string
	Table             string
	BaseURL           string
	RequestsPerSecond float64
	Fields            AirtableFields
}

// AirtableFields maps ledger concepts to column names in the Airtable table
type AirtableFields struct {
	IdempotencyKey   string
	OrderNumber      string
	Status           string
	CreatedAt        string
	PaymentSessionID string
	InvoiceNumber    string
	InvoiceURL       string
	ConfirmationCode string
	Summary          string
}

// Enabled reports whether Airtable credentials are complete
func (a AirtableConfig) Enabled() bool {
	return a.APIKey != "" && a.BaseID != "" && a.Table != ""
}

// BlobConfig selects and configures upload storage
type BlobConfig struct {
	Backend     string // "dropbox", "s3", "gcs"
	BaseFolder  string
	Concurrency int
	Dropbox     DropboxConfig
	S3          S3Config
	GCS         GCSConfig
}

type DropboxConfig struct {
	AppKey       string
	AppSecret    string
	RefreshToken string
	AccessToken  string // static long-lived token; used when no refresh token is set
	APIURL       string
	ContentURL   string
}

// Enabled reports whether Dropbox can authenticate
func (d DropboxConfig) Enabled() bool {
	return d.AccessToken != "" || (d.RefreshToken != "" && d.AppKey != "" && d.AppSecret != "")
}

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	LinkTTL  time.Duration
}

type GCSConfig struct {
	Bucket  string
	LinkTTL time.Duration
}

// PaymentConfig configures the iCount payment page integration
type PaymentConfig struct {
	BaseURL    string
	CompanyID  string
	User       string
	Password   string
	PaypageID  string
	SuccessURL string
	FailureURL string
	IPNURL     string
}

// Enabled reports whether payment sessions can be created
func (p PaymentConfig) Enabled() bool {
	return p.CompanyID != "" && p.User != "" && p.Password != "" && p.PaypageID != ""
}

type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type JournalConfig struct {
	Enabled bool
	Path    string // JSON-lines file used when no database is configured
}

type FeatureFlags struct {
	DebugEndpoints bool
}

const defaultWebhookURL = "https://connect.pabbly.com/workflow/sendwebhookdata/orders"

func Load() (*Config, error) {
	viper.SetConfigType("env")
	viper.SetConfigName(".env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")

	// Set defaults
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("LOG_LEVEL", "info")

	// Read from environment variables
	viper.AutomaticEnv()

	// Try to read .env file (optional)
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if .env doesn't exist, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	env := getEnvOrViper("ENVIRONMENT", "development")

	cfg := &Config{
		Port:                getEnvOrViper("PORT", "8080"),
		Environment:         env,
		LogLevel:            getEnvOrViper("LOG_LEVEL", "info"),
		ExternalCallTimeout: getDurationOrViper("EXTERNAL_CALL_TIMEOUT", 15*time.Second),
		AllowedOrigins:      getListOrViper("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Database: DatabaseConfig{
			URL:      strings.TrimSpace(getEnvOrViper("DATABASE_URL", "")),
			Host:     strings.TrimSpace(getEnvOrViper("DB_HOST", "")),
			Port:     getEnvOrViper("DB_PORT", "5432"),
			User:     getEnvOrViper("DB_USER", "postgres"),
			Password: getEnvOrViper("DB_PASSWORD", "postgres"),
			DBName:   getEnvOrViper("DB_NAME", "orderforwarder"),
			SSLMode:  getEnvOrViper("DB_SSLMODE", "disable"),
		},
		Ledger: LedgerConfig{
			Backend:          strings.ToLower(strings.TrimSpace(getEnvOrViper("LEDGER_BACKEND", ""))),
			NumberRetryDelay: getDurationOrViper("LEDGER_NUMBER_RETRY_DELAY", 750*time.Millisecond),
			Airtable: AirtableConfig{
				APIKey:            strings.TrimSpace(getEnvOrViper("AIRTABLE_API_KEY", "")),
				BaseID:            strings.TrimSpace(getEnvOrViper("AIRTABLE_BASE_ID", "")),
				Table:             strings.TrimSpace(getEnvOrViper("AIRTABLE_TABLE", "")),
				BaseURL:           getEnvOrViper("AIRTABLE_API_URL", "https://api.airtable.com/v0"),
				RequestsPerSecond: getFloatOrViper("AIRTABLE_REQUESTS_PER_SECOND", 5),
				Fields: AirtableFields{
					IdempotencyKey:   getEnvOrViper("AIRTABLE_FIELD_IDEMPOTENCY_KEY", "idempotency_key"),
					OrderNumber:      getEnvOrViper("AIRTABLE_FIELD_ORDER_NUMBER", "order_number"),
					Status:           getEnvOrViper("AIRTABLE_FIELD_STATUS", "status"),
					CreatedAt:        getEnvOrViper("AIRTABLE_FIELD_CREATED_AT", "created_at"),
					PaymentSessionID: getEnvOrViper("AIRTABLE_FIELD_PAYMENT_SESSION", "payment_session_id"),
					InvoiceNumber:    getEnvOrViper("AIRTABLE_FIELD_INVOICE_NUMBER", "invoice_number"),
					InvoiceURL:       getEnvOrViper("AIRTABLE_FIELD_INVOICE_URL", "invoice_url"),
					ConfirmationCode: getEnvOrViper("AIRTABLE_FIELD_CONFIRMATION_CODE", "confirmation_code"),
					Summary:          getEnvOrViper("AIRTABLE_FIELD_SUMMARY", "order_json"),
				},
			},
		},
		Blob: BlobConfig{
			Backend:     strings.ToLower(strings.TrimSpace(getEnvOrViper("BLOB_BACKEND", "dropbox"))),
			BaseFolder:  strings.TrimSuffix(getEnvOrViper("BLOB_BASE_FOLDER", "/orders"), "/"),
			Concurrency: getIntOrViper("BLOB_UPLOAD_CONCURRENCY", 4),
			Dropbox: DropboxConfig{
				AppKey:       strings.TrimSpace(getEnvOrViper("DROPBOX_APP_KEY", "")),
				AppSecret:    strings.TrimSpace(getEnvOrViper("DROPBOX_APP_SECRET", "")),
				RefreshToken: strings.TrimSpace(getEnvOrViper("DROPBOX_REFRESH_TOKEN", "")),
				AccessToken:  strings.TrimSpace(getEnvOrViper("DROPBOX_ACCESS_TOKEN", "")),
				APIURL:       getEnvOrViper("DROPBOX_API_URL", "https://api.dropboxapi.com"),
				ContentURL:   getEnvOrViper("DROPBOX_CONTENT_URL", "https://content.dropboxapi.com"),
			},
			S3: S3Config{
				Bucket:   strings.TrimSpace(getEnvOrViper("S3_BUCKET", "")),
				Region:   getEnvOrViper("S3_REGION", "eu-central-1"),
				Endpoint: strings.TrimSpace(getEnvOrViper("S3_ENDPOINT", "")),
				LinkTTL:  getDurationOrViper("S3_LINK_TTL", 7*24*time.Hour),
			},
			GCS: GCSConfig{
				Bucket:  strings.TrimSpace(getEnvOrViper("GCS_BUCKET", "")),
				LinkTTL: getDurationOrViper("GCS_LINK_TTL", 7*24*time.Hour),
			},
		},
		Payment: PaymentConfig{
			BaseURL:    getEnvOrViper("ICOUNT_API_URL", "https://api.icount.co.il/api/v3.php"),
			CompanyID:  strings.TrimSpace(getEnvOrViper("ICOUNT_COMPANY_ID", "")),
			User:       strings.TrimSpace(getEnvOrViper("ICOUNT_USER", "")),
			Password:   strings.TrimSpace(getEnvOrViper("ICOUNT_PASSWORD", "")),
			PaypageID:  strings.TrimSpace(getEnvOrViper("ICOUNT_PAYPAGE_ID", "")),
			SuccessURL: getEnvOrViper("ICOUNT_SUCCESS_URL", ""),
			FailureURL: getEnvOrViper("ICOUNT_FAILURE_URL", ""),
			IPNURL:     getEnvOrViper("ICOUNT_IPN_URL", ""),
		},
		Webhook: WebhookConfig{
			URL:     getEnvOrViper("PABBLY_WEBHOOK_URL", defaultWebhookURL),
			Timeout: getDurationOrViper("WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getEnvOrViper("REDIS_ADDR", "")),
			Password: getEnvOrViper("REDIS_PASSWORD", ""),
			DB:       getIntOrViper("REDIS_DB", 0),
			LockTTL:  getDurationOrViper("REDIS_ENSURE_LOCK_TTL", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: getListOrViper("KAFKA_BROKERS", nil),
			Topic:   getEnvOrViper("KAFKA_ORDER_TOPIC", "storefront.orders"),
		},
		Journal: JournalConfig{
			Enabled: getBoolOrViper("JOURNAL_ENABLED", env != "production"),
			Path:    getEnvOrViper("JOURNAL_PATH", "data/orders.jsonl"),
		},
		Features: FeatureFlags{
			DebugEndpoints: getBoolOrViper("DEBUG_ENDPOINTS", false),
		},
	}

	// Pick the ledger backend from whatever credentials are present
	if cfg.Ledger.Backend == "" && cfg.Ledger.Airtable.Enabled() {
		cfg.Ledger.Backend = "airtable"
	}
	switch cfg.Ledger.Backend {
	case "", "airtable", "postgres":
	default:
		return nil, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.Ledger.Backend)
	}
	if cfg.Ledger.Backend == "postgres" && !cfg.Database.Enabled() {
		return nil, fmt.Errorf("LEDGER_BACKEND=postgres requires DATABASE_URL or DB_HOST")
	}

	switch cfg.Blob.Backend {
	case "dropbox", "s3", "gcs":
	default:
		return nil, fmt.Errorf("unknown BLOB_BACKEND %q", cfg.Blob.Backend)
	}

	return cfg, nil
}

func getEnvOrViper(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	return defaultValue
}

func getDurationOrViper(key string, defaultValue time.Duration) time.Duration {
	raw := getEnvOrViper(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// Bare numbers are milliseconds
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getIntOrViper(key string, defaultValue int) int {
	if n, err := strconv.Atoi(getEnvOrViper(key, "")); err == nil {
		return n
	}
	return defaultValue
}

func getFloatOrViper(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(getEnvOrViper(key, ""), 64); err == nil {
		return f
	}
	return defaultValue
}

func getBoolOrViper(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(getEnvOrViper(key, "")); err == nil {
		return b
	}
	return defaultValue
}

func getListOrViper(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(getEnvOrViper(key, ""))
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
