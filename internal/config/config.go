// Package config loads the daemon configuration. Environment variables
// are authoritative; a Vault KV2 secret (when configured) supplies the
// base values and the environment overrides them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	ServiceName string

	LogLevel  string // debug, info, warn, error
	LogFormat string // json, console

	// Upstream hub websocket channel.
	HubURL        string
	HubToken      string
	HubEventTypes []string

	// Broker ingestion (optional second source).
	NATSURL string

	// Time-series database.
	DBURL    string
	DBOrg    string
	DBBucket string
	DBToken  string

	// Writer tuning.
	BatchSize        int
	BatchTimeout     time.Duration
	Compression      string
	CompressionLevel int
	OptimizeBatches  bool
	WriteMaxRetries  int

	// Pipeline tuning.
	Workers     int
	QueueSize   int
	RateLimit   float64
	DedupWindow time.Duration
	SpillDir    string

	// Enrichment.
	WeatherURL      string
	WeatherAPIKey   string
	WeatherLocation string
	RedisURL        string

	// Notification sinks.
	WebhookURL    string
	WebhookSecret string
	EmailAPIURL   string
	EmailAPIKey   string
	EmailFrom     string
	EmailTo       []string

	// Observability.
	HTTPAddr     string
	OTLPEndpoint string
}

// Load reads the configuration. secrets may be nil; when present its
// values seed any variable the environment leaves unset.
func Load(secrets map[string]interface{}) (*Config, error) {
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if secrets != nil {
			if v, ok := secrets[key].(string); ok && v != "" {
				return v
			}
		}
		return fallback
	}

	cfg := &Config{
		ServiceName: get("SERVICE_NAME", "ha-ingestor"),
		LogLevel:    get("LOG_LEVEL", "info"),
		LogFormat:   get("LOG_FORMAT", "json"),

		HubURL:   get("HUB_URL", ""),
		HubToken: get("HUB_TOKEN", ""),

		NATSURL: get("NATS_URL", ""),

		DBURL:    get("DB_URL", ""),
		DBOrg:    get("DB_ORG", "home"),
		DBBucket: get("DB_BUCKET", "events"),
		DBToken:  get("DB_TOKEN", ""),

		Compression: get("BATCH_COMPRESSION", "gzip"),
		SpillDir:    get("SPILL_DIR", ""),

		WeatherURL:      get("WEATHER_API_URL", "https://api.openweathermap.org/data/2.5/weather"),
		WeatherAPIKey:   get("WEATHER_API_KEY", ""),
		WeatherLocation: get("WEATHER_LOCATION", ""),
		RedisURL:        get("REDIS_URL", ""),

		WebhookURL:    get("ALERT_WEBHOOK_URL", ""),
		WebhookSecret: get("ALERT_WEBHOOK_SECRET", ""),
		EmailAPIURL:   get("ALERT_EMAIL_API_URL", ""),
		EmailAPIKey:   get("ALERT_EMAIL_API_KEY", ""),
		EmailFrom:     get("ALERT_EMAIL_FROM", ""),

		HTTPAddr:     get("HTTP_ADDR", ":8080"),
		OTLPEndpoint: get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if v := get("HUB_EVENT_TYPES", "state_changed"); v != "" {
		cfg.HubEventTypes = splitList(v)
	}
	if v := get("ALERT_EMAIL_TO", ""); v != "" {
		cfg.EmailTo = splitList(v)
	}

	var err error
	if cfg.BatchSize, err = intVar(get, "BATCH_SIZE", 1000); err != nil {
		return nil, err
	}
	if cfg.BatchTimeout, err = durVar(get, "BATCH_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CompressionLevel, err = intVar(get, "BATCH_COMPRESSION_LEVEL", 6); err != nil {
		return nil, err
	}
	if cfg.WriteMaxRetries, err = intVar(get, "WRITE_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.Workers, err = intVar(get, "PIPELINE_WORKERS", 10); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = intVar(get, "PIPELINE_QUEUE_SIZE", 10_000); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = floatVar(get, "PIPELINE_RATE_LIMIT", 1000); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = durVar(get, "DEDUP_WINDOW", 5*time.Second); err != nil {
		return nil, err
	}
	cfg.OptimizeBatches = boolVar(get, "BATCH_OPTIMIZE", false)

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.HubURL == "" && c.NATSURL == "" {
		return fmt.Errorf("config: at least one of HUB_URL or NATS_URL is required")
	}
	if c.HubURL != "" && c.HubToken == "" {
		return fmt.Errorf("config: HUB_TOKEN is required when HUB_URL is set")
	}
	if c.DBURL == "" {
		return fmt.Errorf("config: DB_URL is required")
	}
	switch strings.ToLower(c.Compression) {
	case "gzip", "deflate", "none", "identity":
	default:
		return fmt.Errorf("config: unknown BATCH_COMPRESSION %q", c.Compression)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("config: BATCH_COMPRESSION_LEVEL must be 1..9, got %d", c.CompressionLevel)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: BATCH_SIZE must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: PIPELINE_WORKERS must be positive")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("config: ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intVar(get func(string, string) string, key string, fallback int) (int, error) {
	raw := get(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func floatVar(get func(string, string) string, key string, fallback float64) (float64, error) {
	raw := get(key, "")
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func durVar(get func(string, string) string, key string, fallback time.Duration) (time.Duration, error) {
	raw := get(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func boolVar(get func(string, string) string, key string, fallback bool) bool {
	raw := get(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}
