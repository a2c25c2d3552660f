package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "", cfg.Ledger.Backend)
	assert.Equal(t, "dropbox", cfg.Blob.Backend)
	assert.Equal(t, "/orders", cfg.Blob.BaseFolder)
	assert.Equal(t, defaultWebhookURL, cfg.Webhook.URL)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.True(t, cfg.Journal.Enabled)
	assert.False(t, cfg.Features.DebugEndpoints)
	assert.False(t, cfg.Payment.Enabled())
	assert.False(t, cfg.Database.Enabled())
}

func TestLoad_AirtableCredentialsSelectLedger(t *testing.T) {
	t.Setenv("AIRTABLE_API_KEY", "pat-1")
	t.Setenv("AIRTABLE_BASE_ID", "appBase")
	t.Setenv("AIRTABLE_TABLE", "Orders")
	t.Setenv("LEDGER_NUMBER_RETRY_DELAY", "250")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://shop.example, https://www.shop.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "airtable", cfg.Ledger.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.NumberRetryDelay)
	assert.Equal(t, []string{"https://shop.example", "https://www.shop.example"}, cfg.AllowedOrigins)
}

func TestLoad_RejectsUnknownBackends(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "sheets")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_PostgresLedgerNeedsDatabase(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "postgres")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/orders?sslmode=disable")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/orders?sslmode=disable", cfg.Database.DSN())
}

func TestDatabaseConfig_DSNFromParts(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "orders", SSLMode: "disable"}
	assert.True(t, d.Enabled())
	assert.Equal(t, "postgres://u:p@db:5432/orders?sslmode=disable", d.DSN())
}
