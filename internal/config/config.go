package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables. The throttling intervals were
// tuned empirically and are deliberately configurable rather than contracts.
type Config struct {
	// Filesystem layout.
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	StagingDir  string `envconfig:"STAGING_DIR"`
	StatePath   string `envconfig:"STATE_PATH" default:"downloads.json"`

	// StateNamespace is the key the item collection is persisted under.
	StateNamespace string `envconfig:"STATE_NAMESPACE" default:"kaizen.downloads"`

	// GalleryRoot is where the media library lives; empty disables gallery
	// relocation and completed files stay in the cache.
	GalleryRoot  string `envconfig:"GALLERY_ROOT"`
	GalleryAlbum string `envconfig:"GALLERY_ALBUM" default:"Kaizen"`

	// Content catalog API (stream URL resolution).
	CatalogBaseURL string `envconfig:"CATALOG_BASE_URL"`
	CatalogToken   string `envconfig:"CATALOG_TOKEN"`

	// Notification webhook; empty disables notifications.
	WebhookURL string `envconfig:"WEBHOOK_URL"`

	// Scheduling and persistence tuning.
	MaxConcurrent     int           `envconfig:"MAX_CONCURRENT" default:"2"`
	MaxRestarts       int           `envconfig:"MAX_RESTARTS" default:"3"`
	ProgressInterval  time.Duration `envconfig:"PROGRESS_INTERVAL" default:"500ms"`
	ReconcileThrottle time.Duration `envconfig:"RECONCILE_THROTTLE" default:"100ms"`
	SaveDebounce      time.Duration `envconfig:"SAVE_DEBOUNCE" default:"500ms"`
	AuditInterval     time.Duration `envconfig:"AUDIT_INTERVAL" default:"2s"`
	AuditSettleDelay  time.Duration `envconfig:"AUDIT_SETTLE_DELAY" default:"1s"`
	NotifyStep        float64       `envconfig:"NOTIFY_STEP" default:"0.1"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"kaizen-downloads"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8317"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.StagingDir == "" {
		cfg.StagingDir = cfg.DownloadDir + "/staging"
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
