package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string `env:"FLEXTEST_LISTEN_ADDR" envDefault:":8080"`
	DBPath       string `env:"FLEXTEST_DB_PATH" envDefault:":memory:"`
	LogLevelName string `env:"FLEXTEST_LOG_LEVEL" envDefault:"info"`
	ProfilePath  string `env:"FLEXTEST_PROFILE"`

	// BenchCore is the logical processor benchmarks are pinned to; negative
	// selects the last processor.
	BenchCore        int           `env:"FLEXTEST_BENCH_CORE" envDefault:"-1"`
	CooperativeGrace time.Duration `env:"FLEXTEST_BENCH_COOPERATIVE_GRACE" envDefault:"2s"`
	ForcedGrace      time.Duration `env:"FLEXTEST_BENCH_FORCED_GRACE" envDefault:"2s"`

	OTelEndpoint string `env:"FLEXTEST_OTEL_ENDPOINT"`

	LogLevel slog.Level `env:"-"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	return cfg, nil
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
