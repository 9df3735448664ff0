package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type AppConfig struct {
	Port      string `validate:"required,numeric"`
	AppEnv    string `validate:"oneof=development production"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	AccessLog bool

	// Cache lifetimes.
	MetarCacheTTL time.Duration `validate:"gt=0"`
	FeedCacheTTL  time.Duration `validate:"gt=0"`

	// AggregationDeadline bounds a whole multi-source lookup.
	AggregationDeadline time.Duration `validate:"gt=0"`
	WorkerPoolSize      int           `validate:"gt=0"`

	// Per-upstream call timeouts.
	HTTPTimeout time.Duration `validate:"gt=0"`
	FeedTimeout time.Duration `validate:"gt=0"`

	FeedURL            string `validate:"required,url"`
	AviationWeatherURL string `validate:"required,url"`
	ApocflyURL         string `validate:"required,url"`

	// Upstream resilience.
	UpstreamMaxRetries int           `validate:"gte=0"`
	UpstreamBackoff    time.Duration `validate:"gt=0"`
	UpstreamMaxBackoff time.Duration `validate:"gtefield=UpstreamBackoff"`
	UpstreamJitter     time.Duration `validate:"gte=0"`
	UpstreamRateLimit  float64       `validate:"gte=0"` // requests per second per upstream (0 = unlimited)
	UpstreamRateBurst  int           `validate:"gt=0"`

	// Background jobs. FeedRefreshInterval of 0 only preloads the feed at startup.
	FeedRefreshInterval time.Duration `validate:"gte=0"`
	CachePruneInterval  time.Duration `validate:"gt=0"`
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}

	cfg.Port = getenvDefault("PORT", "8000")
	cfg.AppEnv = getenvDefault("APP_ENV", "production")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	var err error
	if cfg.AccessLog, err = getenvBool("ACCESS_LOG", false); err != nil {
		return nil, err
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"METAR_CACHE_TTL", "5m", &cfg.MetarCacheTTL},
		{"FEED_CACHE_TTL", "1m", &cfg.FeedCacheTTL},
		{"AGGREGATION_DEADLINE", "3s", &cfg.AggregationDeadline},
		{"HTTP_TIMEOUT", "3s", &cfg.HTTPTimeout},
		{"FEED_TIMEOUT", "5s", &cfg.FeedTimeout},
		{"UPSTREAM_BACKOFF", "200ms", &cfg.UpstreamBackoff},
		{"UPSTREAM_MAX_BACKOFF", "1s", &cfg.UpstreamMaxBackoff},
		{"UPSTREAM_JITTER", "0s", &cfg.UpstreamJitter},
		{"FEED_REFRESH_INTERVAL", "1m", &cfg.FeedRefreshInterval},
		{"CACHE_PRUNE_INTERVAL", "5m", &cfg.CachePruneInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	cfg.WorkerPoolSize = getenvInt("WORKER_POOL_SIZE", 10)
	cfg.UpstreamMaxRetries = getenvInt("UPSTREAM_MAX_RETRIES", 0)
	cfg.UpstreamRateBurst = getenvInt("UPSTREAM_RATE_BURST", 5)
	if cfg.UpstreamRateLimit, err = getenvFloat("UPSTREAM_RATE_LIMIT", 0); err != nil {
		return nil, err
	}

	cfg.FeedURL = getenvDefault("FEED_URL", "https://metar.vatsim.net/all")
	cfg.AviationWeatherURL = getenvDefault("AVIATIONWEATHER_URL", "https://aviationweather.gov/api/data/metar")
	cfg.ApocflyURL = getenvDefault("APOCFLY_URL", "https://www.apocfly.com/api/metar")

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
