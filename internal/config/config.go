package config

import (
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "anvil.db"
	defaultMaxIterations = uint64(math.MaxUint64)
	defaultTimeoutS      = 30
	defaultOptimize      = true

	envListenAddr    = "ANVIL_LISTEN_ADDR"
	envDBPath        = "ANVIL_DB_PATH"
	envLogLevel      = "ANVIL_LOG_LEVEL"
	envLogFile       = "ANVIL_LOG_FILE"
	envMaxIterations = "ANVIL_MAX_ITERATIONS"
	envTimeoutS      = "ANVIL_TIMEOUT_S"
	envOptimize      = "ANVIL_OPTIMIZE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	// LogFile, when set, receives a copy of every log record.
	LogFile string

	// Run defaults applied when a request leaves them unset.
	MaxIterations uint64
	TimeoutS      int
	Optimize      bool
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric and boolean values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		MaxIterations: defaultMaxIterations,
		TimeoutS:      defaultTimeoutS,
		Optimize:      defaultOptimize,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.LogFile = os.Getenv(envLogFile)
	if v := os.Getenv(envMaxIterations); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.MaxIterations = n
		}
	}
	if v := os.Getenv(envTimeoutS); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimeoutS = n
		}
	}
	if v := os.Getenv(envOptimize); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Optimize = b
		}
	}

	return cfg
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

// NewLogger creates a structured JSON logger writing to w at the configured
// level. Every extra writer receives the same records through its own JSON
// handler.
func NewLogger(w io.Writer, level slog.Level, extra ...io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if len(extra) == 0 {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	handlers := make([]slog.Handler, 0, len(extra)+1)
	handlers = append(handlers, slog.NewJSONHandler(w, opts))
	for _, x := range extra {
		handlers = append(handlers, slog.NewJSONHandler(x, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
