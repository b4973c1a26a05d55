package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com,https://admin.example.com")
	t.Setenv("GOOGLE_CLIENT_ID", "google-app")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.ClaimLease)
	assert.Equal(t, 3, cfg.Scheduler.MaxSendAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Webhooks.MaxSignatureAge)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "google-app", cfg.Google.ClientID)
	assert.Equal(t, cfg.EncryptionKey, cfg.SigningSecret())
}

func TestLoadRequiresEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "short")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateProduction(t *testing.T) {
	base := Config{
		Environment:   "production",
		EncryptionKey: "0123456789abcdef",
		Scheduler:     SchedulerConfig{WorkerConcurrency: 1, IMAPConcurrency: 1, MaxSendAttempts: 1},
	}

	err := base.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")

	base.DBPassword = "secret"
	err = base.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRON_SECRET")

	base.CronSecret = "cron"
	base.JWTSecret = "jwt"
	require.NoError(t, base.Validate())
	assert.Equal(t, "jwt", base.SigningSecret())

	base.Scheduler.MaxSendAttempts = 0
	assert.Error(t, base.Validate())
}

func TestDSN(t *testing.T) {
	c := Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "p", DBName: "outreach", DBSSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=outreach sslmode=disable", c.DSN())
}
