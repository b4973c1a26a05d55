package config

import (
	"fmt"
	"strings"
	"time"

	"outreach/models"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"false" json:"enabled"`
	Address  string `envconfig:"REDIS_ADDRESS" default:"localhost:6379" json:"address"`
	Password string `envconfig:"REDIS_PASSWORD" json:"-"`
	DB       int    `envconfig:"REDIS_DB" default:"0" json:"db"`
}

type OAuthConfig struct {
	ClientID     string `envconfig:"CLIENT_ID" json:"client_id"`
	ClientSecret string `envconfig:"CLIENT_SECRET" json:"-"`
	RedirectURI  string `envconfig:"REDIRECT_URI" json:"redirect_uri"`
}

// SchedulerConfig tunes the send loop and the inbox poller.
type SchedulerConfig struct {
	// Disabled leaves ticking to an external cron calling /internal/cron/tick
	Disabled          bool          `envconfig:"SCHEDULER_DISABLED" default:"false"`
	Interval          time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"1m"`
	IMAPSyncInterval  time.Duration `envconfig:"IMAP_SYNC_INTERVAL" default:"5m"`
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"10"`
	IMAPConcurrency   int           `envconfig:"IMAP_CONCURRENCY" default:"4"`
	BatchSize         int           `envconfig:"RECIPIENT_BATCH_SIZE" default:"200"`
	ClaimLease        time.Duration `envconfig:"CLAIM_LEASE" default:"5m"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	IMAPTimeout       time.Duration `envconfig:"IMAP_TIMEOUT" default:"60s"`
	MaxSendAttempts   int           `envconfig:"MAX_SEND_ATTEMPTS" default:"3"`
	SendRatePerSecond float64       `envconfig:"SEND_RATE_PER_SECOND" default:"2"`
	SendBurst         int           `envconfig:"SEND_BURST" default:"4"`
}

// WebhookConfig holds the shared secrets of the inbound mail providers.
type WebhookConfig struct {
	MailgunSigningKey   string        `envconfig:"MAILGUN_SIGNING_KEY"`
	SendGridInboundUser string        `envconfig:"SENDGRID_INBOUND_USER"`
	SendGridInboundPass string        `envconfig:"SENDGRID_INBOUND_PASSWORD"`
	PostmarkInboundUser string        `envconfig:"POSTMARK_INBOUND_USER"`
	PostmarkInboundPass string        `envconfig:"POSTMARK_INBOUND_PASSWORD"`
	MaxSignatureAge     time.Duration `envconfig:"WEBHOOK_MAX_SIGNATURE_AGE" default:"15m"`
}

type AutomationConfig struct {
	SQSQueueURL        string        `envconfig:"AUTOMATION_SQS_QUEUE_URL"`
	AWSRegion          string        `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string        `envconfig:"LOCALSTACK_ENDPOINT"`
	Timeout            time.Duration `envconfig:"AUTOMATION_TIMEOUT" default:"10s"`
}

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development" json:"environment"`
	ServerPort  string `envconfig:"SERVER_PORT" default:"5000" json:"server_port"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text" json:"log_format"`
	SentryDSN   string `envconfig:"SENTRY_DSN" json:"-"`

	EncryptionKey string `envconfig:"ENCRYPTION_KEY" required:"true" json:"-"`
	JWTSecret     string `envconfig:"JWT_SECRET" json:"-"`
	CronSecret    string `envconfig:"CRON_SECRET" json:"-"`

	TrackingBaseURL    string   `envconfig:"TRACKING_BASE_URL" default:"http://localhost:5000" json:"tracking_base_url"`
	DefaultRedirectURL string   `envconfig:"DEFAULT_REDIRECT_URL" default:"https://www.google.com" json:"default_redirect_url"`
	AllowedOrigins     []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000" json:"allowed_origins"`
	TrackingRateLimit  int      `envconfig:"TRACKING_RATE_LIMIT" default:"120" json:"tracking_rate_limit"`

	DBHost         string `envconfig:"DB_HOST" default:"localhost" json:"db_host"`
	DBPort         string `envconfig:"DB_PORT" default:"5432" json:"db_port"`
	DBUser         string `envconfig:"DB_USER" default:"postgres" json:"db_user"`
	DBPassword     string `envconfig:"DB_PASSWORD" json:"-"`
	DBName         string `envconfig:"DB_NAME" default:"outreach" json:"db_name"`
	DBSSLMode      string `envconfig:"DB_SSL_MODE" default:"disable" json:"db_ssl_mode"`
	DBMaxIdleConns int    `envconfig:"DB_MAX_IDLE_CONNS" default:"10" json:"db_max_idle_conns"`
	DBMaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"100" json:"db_max_open_conns"`

	Redis      RedisConfig      `json:"redis"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Webhooks   WebhookConfig    `json:"-"`
	Automation AutomationConfig `json:"automation"`

	Google    OAuthConfig `ignored:"true" json:"google"`
	Microsoft OAuthConfig `ignored:"true" json:"microsoft"`
}

func init() {
	// .env is optional; real deployments inject the environment directly
	_ = godotenv.Load()
}

// LoadConfig populates AppConfig from the environment.
func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// Load reads and validates a Config without touching the package globals.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to process environment: %w", err)
	}

	// envconfig does not descend into ignored structs, so the OAuth apps use
	// their own prefixes
	if err := envconfig.Process("GOOGLE", &cfg.Google); err != nil {
		return cfg, fmt.Errorf("failed to process google oauth config: %w", err)
	}
	if err := envconfig.Process("MICROSOFT", &cfg.Microsoft); err != nil {
		return cfg, fmt.Errorf("failed to process microsoft oauth config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings the engine cannot run without.
func (c Config) Validate() error {
	if len(c.EncryptionKey) < 16 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 16 bytes, got %d", len(c.EncryptionKey))
	}
	if c.Environment == "production" {
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
		if c.CronSecret == "" {
			return fmt.Errorf("CRON_SECRET is required in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
	}
	if c.Scheduler.WorkerConcurrency < 1 || c.Scheduler.IMAPConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be positive")
	}
	if c.Scheduler.MaxSendAttempts < 1 {
		return fmt.Errorf("MAX_SEND_ATTEMPTS must be at least 1")
	}
	return nil
}

// SigningSecret is the HMAC key for admin JWTs. It falls back to the
// encryption key so development setups need a single secret.
func (c Config) SigningSecret() string {
	if c.JWTSecret != "" {
		return c.JWTSecret
	}
	return c.EncryptionKey
}

func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBSSLMode,
	)
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := AppConfig.DSN()
	logrus.WithField("dsn", maskPassword(dsn)).Info("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Successfully connected to the database")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":        AppConfig.Environment,
		"server_port":        AppConfig.ServerPort,
		"database":           fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":              AppConfig.Redis.Enabled,
		"scheduler_interval": AppConfig.Scheduler.Interval.String(),
		"worker_concurrency": AppConfig.Scheduler.WorkerConcurrency,
		"sqs_automation":     AppConfig.Automation.SQSQueueURL != "",
		"oauth_google":       AppConfig.Google.ClientID != "",
		"oauth_microsoft":    AppConfig.Microsoft.ClientID != "",
	}).Info("Loaded configuration")
}
