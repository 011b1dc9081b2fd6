package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"batchd/cmd/internal/backpressure"
	"batchd/cmd/internal/batching"
	"batchd/cmd/internal/ratelimit"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration loaded from environment variables
// and the optional YAML file named by BATCHD_CONFIG_FILE.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | pretty
	LogColor  bool   `yaml:"log_color"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	DatabaseURL string `yaml:"-"`
	DBSchema    string `yaml:"db_schema"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`

	// If true, BATCHD_WEBHOOK_SECRET MUST be set and every webhook delivery and
	// WS hello must carry a valid signature.
	RequireSignature bool `yaml:"require_signature"`

	// ProcessorURL selects the HTTP processor. Empty uses the echo processor.
	ProcessorURL     string        `yaml:"processor_url"`
	ProcessorTimeout time.Duration `yaml:"processor_timeout"`

	// NATSURL enables the NATS dead-letter sink.
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	DedupeMaxPerUser      int           `yaml:"dedupe_max_per_user"`
	HistoryMaxPerUser     int           `yaml:"history_max_per_user"`
	HistoryJanitorEvery   time.Duration `yaml:"history_janitor_every"`
	DisableHistoryJanitor bool          `yaml:"disable_history_janitor"`

	Batching batching.Config `yaml:"batching"`

	// ConfigFile is the path the YAML overlay was read from, if any.
	ConfigFile string `yaml:"-"`
}

// DefaultConfig returns the built-in defaults, before file and env overlays.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   15 * time.Second,

		DBSchema:   "batchd",
		DBMaxConns: 10,

		CORSMaxAgeSeconds: 600,

		ProcessorTimeout: 30 * time.Second,
		NATSSubject:      "batchd.deadletter",

		DedupeMaxPerUser:    1000,
		HistoryMaxPerUser:   200,
		HistoryJanitorEvery: 10 * time.Minute,

		Batching: batching.DefaultConfig(),
	}
}

// LoadConfig builds Config from defaults, the YAML file named by
// BATCHD_CONFIG_FILE, then environment variables. Env wins over file.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("BATCHD_CONFIG_FILE", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
		cfg.ConfigFile = path
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = EnvString("BATCHD_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("BATCHD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("BATCHD_LOG_FORMAT", cfg.LogFormat)
	cfg.LogColor = EnvBool("BATCHD_LOG_COLOR", cfg.LogColor)

	cfg.ReadHeaderTimeout = EnvDuration("BATCHD_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("BATCHD_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("BATCHD_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("BATCHD_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("BATCHD_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)
	cfg.ShutdownTimeout = EnvDuration("BATCHD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.DatabaseURL = EnvString("BATCHD_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBSchema = EnvString("BATCHD_DB_SCHEMA", cfg.DBSchema)
	cfg.DBMaxConns = EnvInt32("BATCHD_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("BATCHD_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.ReadinessRequireDB = EnvBool("BATCHD_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.CORSAllowedOrigins = EnvCSV("BATCHD_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("BATCHD_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("BATCHD_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.RequireSignature = EnvBool("BATCHD_REQUIRE_SIGNATURE", cfg.RequireSignature)

	cfg.ProcessorURL = EnvString("BATCHD_PROCESSOR_URL", cfg.ProcessorURL)
	cfg.ProcessorTimeout = EnvDuration("BATCHD_PROCESSOR_TIMEOUT", cfg.ProcessorTimeout)

	cfg.NATSURL = EnvString("BATCHD_NATS_URL", cfg.NATSURL)
	cfg.NATSSubject = EnvString("BATCHD_NATS_SUBJECT", cfg.NATSSubject)

	cfg.DedupeMaxPerUser = EnvInt("BATCHD_DEDUPE_MAX_PER_USER", cfg.DedupeMaxPerUser)
	cfg.HistoryMaxPerUser = EnvInt("BATCHD_HISTORY_MAX_PER_USER", cfg.HistoryMaxPerUser)
	cfg.HistoryJanitorEvery = EnvDuration("BATCHD_HISTORY_JANITOR_EVERY", cfg.HistoryJanitorEvery)
	cfg.DisableHistoryJanitor = EnvBool("BATCHD_DISABLE_HISTORY_JANITOR", cfg.DisableHistoryJanitor)

	b := &cfg.Batching
	b.AdaptiveTimeout = EnvDuration("BATCHD_ADAPTIVE_TIMEOUT", b.AdaptiveTimeout)
	b.SilenceThreshold = EnvDuration("BATCHD_SILENCE_THRESHOLD", b.SilenceThreshold)
	b.MaxBufferSize = EnvInt("BATCHD_MAX_BUFFER_SIZE", b.MaxBufferSize)
	b.BlockTimeout = EnvDuration("BATCHD_BLOCK_TIMEOUT", b.BlockTimeout)
	b.AttemptTimeout = EnvDuration("BATCHD_ATTEMPT_TIMEOUT", b.AttemptTimeout)
	b.HistoryMaxMessages = EnvInt("BATCHD_HISTORY_MAX_MESSAGES", b.HistoryMaxMessages)
	b.HistoryMaxAge = EnvDuration("BATCHD_HISTORY_MAX_AGE", b.HistoryMaxAge)
	b.SingleFlight = EnvBool("BATCHD_SINGLE_FLIGHT", b.SingleFlight)
	b.RejectNotification = EnvString("BATCHD_REJECT_NOTIFICATION", b.RejectNotification)
	b.RateLimitNotification = EnvString("BATCHD_RATE_LIMIT_NOTIFICATION", b.RateLimitNotification)

	if raw := EnvString("BATCHD_BACKPRESSURE", ""); raw != "" {
		s, err := backpressure.ParseStrategy(raw)
		if err != nil {
			return fmt.Errorf("config: BATCHD_BACKPRESSURE: %w", err)
		}
		b.Backpressure = s
	}
	if name := EnvString("BATCHD_RATE_LIMIT", ""); name != "" {
		rl, ok := ratelimit.Preset(strings.ToLower(name))
		if !ok {
			return fmt.Errorf("config: BATCHD_RATE_LIMIT: unknown preset %q", name)
		}
		b.RateLimit = rl
	}

	e := &b.ErrorHandling
	e.MaxRetries = EnvIntAllowZero("BATCHD_MAX_RETRIES", e.MaxRetries)
	e.BaseDelay = EnvDuration("BATCHD_RETRY_BASE_DELAY", e.BaseDelay)
	e.MaxDelay = EnvDuration("BATCHD_RETRY_MAX_DELAY", e.MaxDelay)
	e.Multiplier = EnvFloat("BATCHD_RETRY_MULTIPLIER", e.Multiplier)
	e.NotifyUser = EnvBool("BATCHD_RETRY_NOTIFY_USER", e.NotifyUser)
	e.NotificationMessage = EnvString("BATCHD_RETRY_NOTIFICATION", e.NotificationMessage)

	return nil
}

// Validate checks the runtime settings and the batching section.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: http_addr is required")
	}
	if c.HistoryJanitorEvery <= 0 && !c.DisableHistoryJanitor {
		return errors.New("config: history_janitor_every must be > 0")
	}
	return c.Batching.Validate()
}

// YAML renders the effective configuration. Secrets are omitted.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
