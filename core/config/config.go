package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// LineConfig holds LINE Messaging API credentials and webhook placement.
type LineConfig struct {
	Enabled            *bool  `yaml:"enabled" envconfig:"LINE_ENABLED"`
	ChannelAccessToken string `yaml:"channel_access_token" envconfig:"LINE_CHANNEL_ACCESS_TOKEN"`
	ChannelSecret      string `yaml:"channel_secret" envconfig:"LINE_CHANNEL_SECRET"`
	WebhookPath        string `yaml:"webhook_path" envconfig:"LINE_WEBHOOK_PATH"`
}

// TelegramConfig holds Telegram bot settings. Telegram is optional and disabled by default.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"TELEGRAM_ENABLED"`
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int    `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
	WebhookURL             string `yaml:"webhook_url" envconfig:"TELEGRAM_WEBHOOK_URL"`
	WebhookListen          string `yaml:"webhook_listen" envconfig:"TELEGRAM_WEBHOOK_LISTEN"`
	WebhookPort            int    `yaml:"webhook_port" envconfig:"TELEGRAM_WEBHOOK_PORT"`
	WebhookSecret          string `yaml:"webhook_secret" envconfig:"TELEGRAM_WEBHOOK_SECRET"`
}

// HTTPConfig configures the public HTTP listener.
type HTTPConfig struct {
	Listen        string        `yaml:"listen" envconfig:"HTTP_LISTEN"`
	Port          int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	PublicBaseURL string        `yaml:"public_base_url" envconfig:"PUBLIC_BASE_URL"`
	ReadTimeout   time.Duration `yaml:"read_timeout" envconfig:"HTTP_READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT"`
}

// DriveConfig holds Google Drive service-account settings.
type DriveConfig struct {
	CredentialsFile string `yaml:"credentials_file" envconfig:"GOOGLE_SERVICE_ACCOUNT_FILE"`
	CredentialsJSON string `yaml:"credentials_json" envconfig:"GOOGLE_SERVICE_ACCOUNT_JSON"`
	FolderID        string `yaml:"folder_id" envconfig:"DRIVE_FOLDER_ID"`
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint  string        `yaml:"endpoint" envconfig:"S3_ENDPOINT"`
	Region    string        `yaml:"region" envconfig:"S3_REGION"`
	AccessKey string        `yaml:"access_key" envconfig:"S3_ACCESS_KEY"`
	SecretKey string        `yaml:"secret_key" envconfig:"S3_SECRET_KEY"`
	Bucket    string        `yaml:"bucket" envconfig:"S3_BUCKET"`
	UseSSL    bool          `yaml:"use_ssl" envconfig:"S3_USE_SSL"`
	URLExpiry time.Duration `yaml:"url_expiry" envconfig:"S3_URL_EXPIRY"`
}

// LocalStorageConfig configures the local download directory.
type LocalStorageConfig struct {
	Dir string `yaml:"dir" envconfig:"DOWNLOAD_DIR"`
}

// StorageConfig selects where finished reports are published.
type StorageConfig struct {
	Backend string             `yaml:"backend" envconfig:"STORAGE_BACKEND" validate:"oneof=drive s3 local"`
	Drive   DriveConfig        `yaml:"drive"`
	S3      S3Config           `yaml:"s3"`
	Local   LocalStorageConfig `yaml:"local"`
}

// SessionConfig selects the conversation state backend.
type SessionConfig struct {
	Backend     string        `yaml:"backend" envconfig:"SESSION_BACKEND" validate:"oneof=memory lru postgres bolt"`
	BoltPath    string        `yaml:"bolt_path" envconfig:"SESSION_BOLT_PATH"`
	MaxSessions int           `yaml:"max_sessions" envconfig:"SESSION_MAX" validate:"min=0"`
	IdleTTL     time.Duration `yaml:"idle_ttl" envconfig:"SESSION_IDLE_TTL"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
}

// ReportConfig controls PDF rendering and local file placement.
type ReportConfig struct {
	Title     string `yaml:"title" envconfig:"REPORT_TITLE"`
	FontPath  string `yaml:"font_path" envconfig:"REPORT_FONT_PATH"`
	OutputDir string `yaml:"output_dir" envconfig:"REPORT_OUTPUT_DIR"`
	MediaDir  string `yaml:"media_dir" envconfig:"REPORT_MEDIA_DIR"`
	// MaxImageSide bounds the longest side of stored photos in pixels.
	MaxImageSide int `yaml:"max_image_side" envconfig:"REPORT_MAX_IMAGE_SIDE" validate:"min=0"`
	// MaxImagePixels rejects photos whose width*height exceeds it before decoding.
	MaxImagePixels int `yaml:"max_image_pixels" envconfig:"REPORT_MAX_IMAGE_PIXELS" validate:"min=0"`
	// MaxImages caps the photos of one report.
	MaxImages int `yaml:"max_images" envconfig:"REPORT_MAX_IMAGES" validate:"min=0"`
	// KeepFiles leaves received photos and generated PDFs on disk after delivery.
	KeepFiles bool `yaml:"keep_files" envconfig:"REPORT_KEEP_FILES"`
}

// ConversationConfig overrides the fixed phrases of the report flow.
type ConversationConfig struct {
	TriggerPhrase     string `yaml:"trigger_phrase" envconfig:"TRIGGER_PHRASE"`
	CompletionKeyword string `yaml:"completion_keyword" envconfig:"COMPLETION_KEYWORD"`
}

// FinisherConfig sizes the background report queue.
type FinisherConfig struct {
	Workers   int           `yaml:"workers" envconfig:"FINISHER_WORKERS" validate:"min=0"`
	QueueSize int           `yaml:"queue_size" envconfig:"FINISHER_QUEUE_SIZE" validate:"min=0"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"FINISHER_TIMEOUT"`
}

// TelegramAlertConfig forwards ERROR log records to a Telegram chat.
type TelegramAlertConfig struct {
	Token  string `yaml:"token" envconfig:"LOG_TELEGRAM_TOKEN"`
	ChatID string `yaml:"chat_id" envconfig:"LOG_TELEGRAM_CHAT_ID"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT" validate:"omitempty,oneof=json kv console"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir" envconfig:"LOG_DIR"`
	BotFile     string `yaml:"bot_file"`
	ErrorsFile  string `yaml:"errors_file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile  string              `yaml:"profile" envconfig:"LOG_PROFILE"`
	Telegram TelegramAlertConfig `yaml:"telegram"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// UpdateText identifies text events for rate limit exclusions.
	UpdateText = "text"
	// UpdateImage identifies image events for rate limit exclusions.
	UpdateImage = "image"
)

// RateLimitConfig holds per-user rate limiting settings.
// ExcludeUpdates accepts event kinds that bypass limiting: "text" or "image".
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// Config aggregates the whole application configuration.
type Config struct {
	Line         LineConfig         `yaml:"line"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	HTTP         HTTPConfig         `yaml:"http"`
	Storage      StorageConfig      `yaml:"storage"`
	Session      SessionConfig      `yaml:"session"`
	Database     DatabaseConfig     `yaml:"database"`
	Report       ReportConfig       `yaml:"report"`
	Conversation ConversationConfig `yaml:"conversation"`
	Finisher     FinisherConfig     `yaml:"finisher"`
	Logging      LoggingConfig      `yaml:"logging"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

// LineEnabled reports whether the LINE gateway should be mounted.
func (c *Config) LineEnabled() bool {
	if c == nil {
		return false
	}
	return c.Line.Enabled == nil || *c.Line.Enabled
}

// Load reads an optional .env file, an optional YAML file and environment variables.
// An empty path or a missing file means environment-only configuration.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults and validates required fields.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	applyDefaults(cfg)

	if cfg.LineEnabled() {
		if strings.TrimSpace(cfg.Line.ChannelAccessToken) == "" {
			return fmt.Errorf("line.channel_access_token is required when LINE is enabled")
		}
		if strings.TrimSpace(cfg.Line.ChannelSecret) == "" {
			return fmt.Errorf("line.channel_secret is required when LINE is enabled")
		}
		if !strings.HasPrefix(cfg.Line.WebhookPath, "/") {
			return fmt.Errorf("line.webhook_path must start with '/'")
		}
	}

	if cfg.Telegram.Enabled {
		if err := normalizeTelegram(&cfg.Telegram); err != nil {
			return err
		}
	}

	if !cfg.LineEnabled() && !cfg.Telegram.Enabled {
		return fmt.Errorf("at least one messaging platform (line, telegram) must be enabled")
	}

	switch cfg.Storage.Backend {
	case "drive":
		if cfg.Storage.Drive.CredentialsFile == "" && cfg.Storage.Drive.CredentialsJSON == "" {
			return fmt.Errorf("storage.drive requires credentials_file or credentials_json")
		}
	case "s3":
		if cfg.Storage.S3.Endpoint == "" || cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3 requires endpoint and bucket")
		}
	case "local":
		if strings.TrimSpace(cfg.HTTP.PublicBaseURL) == "" {
			return fmt.Errorf("http.public_base_url is required for local storage download links")
		}
	}

	switch cfg.Session.Backend {
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.Name == "" {
			return fmt.Errorf("database.host and database.name are required for the postgres session backend")
		}
	case "bolt":
		if strings.TrimSpace(cfg.Session.BoltPath) == "" {
			return fmt.Errorf("session.bolt_path is required for the bolt session backend")
		}
	}

	for i, v := range cfg.RateLimit.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if key != UpdateText && key != UpdateImage {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: text, image", v)
		}
		cfg.RateLimit.ExcludeUpdates[i] = key
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func normalizeTelegram(tg *TelegramConfig) error {
	if strings.TrimSpace(tg.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}
	rm := strings.ToLower(strings.TrimSpace(tg.RunMode))
	if rm == "" || rm == "polling" {
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(tg.WebhookURL) == "" {
			return fmt.Errorf("telegram.webhook_url is required when telegram.run_mode is 'webhook'")
		}
		if tg.WebhookPort <= 0 {
			return fmt.Errorf("telegram.webhook_port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if tg.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", tg.RunMode)
	}
	tg.RunMode = rm
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Line.WebhookPath == "" {
		cfg.Line.WebhookPath = "/callback"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 5000
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "0.0.0.0"
	}
	cfg.HTTP.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.HTTP.PublicBaseURL), "/")
	if cfg.HTTP.ReadTimeout <= 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout <= 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}

	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Storage.S3.URLExpiry <= 0 {
		cfg.Storage.S3.URLExpiry = 24 * time.Hour
	}
	if cfg.Storage.Local.Dir == "" {
		cfg.Storage.Local.Dir = "downloads"
	}

	cfg.Session.Backend = strings.ToLower(strings.TrimSpace(cfg.Session.Backend))
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "memory"
	}

	if cfg.Database.Port == "" {
		cfg.Database.Port = "5432"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxConnections <= 0 {
		cfg.Database.MaxConnections = 5
	}

	if cfg.Report.Title == "" {
		cfg.Report.Title = "日報職人 - 作業報告書"
	}
	if cfg.Report.OutputDir == "" {
		cfg.Report.OutputDir = "reports"
	}
	if cfg.Report.MediaDir == "" {
		cfg.Report.MediaDir = "media"
	}
	if cfg.Report.MaxImageSide == 0 {
		cfg.Report.MaxImageSide = 1600
	}
	if cfg.Report.MaxImagePixels == 0 {
		cfg.Report.MaxImagePixels = 40_000_000
	}
	if cfg.Report.MaxImages == 0 {
		cfg.Report.MaxImages = 20
	}

	if cfg.Finisher.Workers <= 0 {
		cfg.Finisher.Workers = 2
	}
	if cfg.Finisher.QueueSize <= 0 {
		cfg.Finisher.QueueSize = 64
	}
	if cfg.Finisher.Timeout <= 0 {
		cfg.Finisher.Timeout = 2 * time.Minute
	}
}
