package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	StreamDriverPostgres = "postgres"
	StreamDriverRedis    = "redis"
)

type Config struct {
	ListenAddr    string
	DatabaseURL   string
	RedisURL      string
	StreamDriver  string
	// NotifyChannel empty means the stream driver's own default channel.
	NotifyChannel string
	HistoryCap    int
	BatchDelay    time.Duration
	MaxBatchWait  time.Duration
	DetectAPIURL  string
	SessionDBPath string
	JWTSecret     string
	SessionTTL    time.Duration
	LogLevel      string
	LogFormat     string
}

// fileConfig is the TOML shape. Durations are integer milliseconds (minutes
// for the session TTL) because TOML has no duration literal.
type fileConfig struct {
	ListenAddr     *string `toml:"listen_addr"`
	DatabaseURL    *string `toml:"database_url"`
	RedisURL       *string `toml:"redis_url"`
	StreamDriver   *string `toml:"stream_driver"`
	NotifyChannel  *string `toml:"notify_channel"`
	HistoryCap     *int    `toml:"history_cap"`
	BatchDelayMs   *int    `toml:"batch_delay_ms"`
	MaxBatchWaitMs *int    `toml:"max_batch_wait_ms"`
	DetectAPIURL   *string `toml:"detect_api_url"`
	SessionDBPath  *string `toml:"session_db_path"`
	JWTSecret      *string `toml:"jwt_secret"`
	SessionTTLMin  *int    `toml:"session_ttl_min"`
	LogLevel       *string `toml:"log_level"`
	LogFormat      *string `toml:"log_format"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:    "127.0.0.1:8787",
		DatabaseURL:   "postgres://localhost/promptwatch?sslmode=disable",
		StreamDriver:  "postgres",
		HistoryCap:    50,
		BatchDelay:    100 * time.Millisecond,
		MaxBatchWait:  0,
		DetectAPIURL:  "http://127.0.0.1:8080",
		SessionDBPath: defaultSessionDBPath(),
		SessionTTL:    12 * time.Hour,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load layers defaults, then the TOML file at path (optional when path is
// empty), then PROMPTWATCH_* environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		applyFile(&cfg, fc)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.RedisURL, fc.RedisURL)
	setString(&cfg.StreamDriver, fc.StreamDriver)
	setString(&cfg.NotifyChannel, fc.NotifyChannel)
	setString(&cfg.DetectAPIURL, fc.DetectAPIURL)
	setString(&cfg.SessionDBPath, fc.SessionDBPath)
	setString(&cfg.JWTSecret, fc.JWTSecret)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	if fc.HistoryCap != nil {
		cfg.HistoryCap = *fc.HistoryCap
	}
	if fc.BatchDelayMs != nil {
		cfg.BatchDelay = time.Duration(*fc.BatchDelayMs) * time.Millisecond
	}
	if fc.MaxBatchWaitMs != nil {
		cfg.MaxBatchWait = time.Duration(*fc.MaxBatchWaitMs) * time.Millisecond
	}
	if fc.SessionTTLMin != nil {
		cfg.SessionTTL = time.Duration(*fc.SessionTTLMin) * time.Minute
	}
}

func (c Config) Validate() error {
	switch c.StreamDriver {
	case StreamDriverPostgres, StreamDriverRedis:
	default:
		return fmt.Errorf("stream_driver must be postgres or redis, got %q", c.StreamDriver)
	}
	if c.StreamDriver == StreamDriverRedis && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis_url required when stream_driver is redis")
	}
	if c.HistoryCap <= 0 {
		return fmt.Errorf("history_cap must be positive")
	}
	if c.BatchDelay <= 0 {
		return fmt.Errorf("batch_delay must be positive")
	}
	if c.MaxBatchWait < 0 {
		return fmt.Errorf("max_batch_wait must not be negative")
	}
	if c.MaxBatchWait > 0 && c.MaxBatchWait < c.BatchDelay {
		return fmt.Errorf("max_batch_wait must be at least batch_delay")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("PROMPTWATCH_LISTEN_ADDR", &cfg.ListenAddr)
	setString("PROMPTWATCH_DATABASE_URL", &cfg.DatabaseURL)
	setString("PROMPTWATCH_REDIS_URL", &cfg.RedisURL)
	setString("PROMPTWATCH_STREAM_DRIVER", &cfg.StreamDriver)
	setString("PROMPTWATCH_NOTIFY_CHANNEL", &cfg.NotifyChannel)
	setString("PROMPTWATCH_DETECT_API_URL", &cfg.DetectAPIURL)
	setString("PROMPTWATCH_SESSION_DB_PATH", &cfg.SessionDBPath)
	setString("PROMPTWATCH_JWT_SECRET", &cfg.JWTSecret)
	setString("PROMPTWATCH_LOG_LEVEL", &cfg.LogLevel)
	setString("PROMPTWATCH_LOG_FORMAT", &cfg.LogFormat)

	if v, ok := os.LookupEnv("PROMPTWATCH_HISTORY_CAP"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROMPTWATCH_HISTORY_CAP: %w", err)
		}
		cfg.HistoryCap = n
	}
	for _, spec := range []struct {
		key string
		dst *time.Duration
	}{
		{"PROMPTWATCH_BATCH_DELAY", &cfg.BatchDelay},
		{"PROMPTWATCH_MAX_BATCH_WAIT", &cfg.MaxBatchWait},
		{"PROMPTWATCH_SESSION_TTL", &cfg.SessionTTL},
	} {
		if v, ok := os.LookupEnv(spec.key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", spec.key, err)
			}
			*spec.dst = d
		}
	}
	return nil
}

func defaultSessionDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "promptwatch-sessions.db"
	}
	return filepath.Join(home, ".local", "state", "promptwatch", "sessions.db")
}
