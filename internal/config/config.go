package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "jsengine.db"
	defaultModuleRoot  = "."
	defaultMaxTimers   = 10_000
	defaultRunTimeoutS = 30

	envConfigFile  = "JSENGINE_CONFIG"
	envListenAddr  = "JSENGINE_LISTEN_ADDR"
	envDBPath      = "JSENGINE_DB_PATH"
	envLogLevel    = "JSENGINE_LOG_LEVEL"
	envModuleRoot  = "JSENGINE_MODULE_ROOT"
	envMaxTimers   = "JSENGINE_MAX_TIMERS"
	envRunTimeoutS = "JSENGINE_RUN_TIMEOUT_S"
	envEchoOutput  = "JSENGINE_ECHO_OUTPUT"
)

// Config holds application configuration.
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	ModuleRoot  string
	MaxTimers   int
	RunTimeoutS int
	EchoOutput  bool
}

// fileConfig mirrors Config in the optional TOML file. Unset keys keep their
// defaults.
type fileConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	DBPath      string `toml:"db_path"`
	LogLevel    string `toml:"log_level"`
	ModuleRoot  string `toml:"module_root"`
	MaxTimers   int    `toml:"max_timers"`
	RunTimeoutS int    `toml:"run_timeout_s"`
	EchoOutput  *bool  `toml:"echo_output"`
}

// Load builds the configuration from defaults, then the TOML file named by
// JSENGINE_CONFIG if set, then environment variables.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		LogLevel:    slog.LevelInfo,
		ModuleRoot:  defaultModuleRoot,
		MaxTimers:   defaultMaxTimers,
		RunTimeoutS: defaultRunTimeoutS,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
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
	if v := os.Getenv(envModuleRoot); v != "" {
		cfg.ModuleRoot = v
	}
	if v := os.Getenv(envMaxTimers); v != "" {
		n, err := parsePositive(envMaxTimers, v)
		if err != nil {
			return Config{}, err
		}
		cfg.MaxTimers = n
	}
	if v := os.Getenv(envRunTimeoutS); v != "" {
		n, err := parsePositive(envRunTimeoutS, v)
		if err != nil {
			return Config{}, err
		}
		cfg.RunTimeoutS = n
	}
	if v := os.Getenv(envEchoOutput); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envEchoOutput, err)
		}
		cfg.EchoOutput = b
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.ModuleRoot != "" {
		c.ModuleRoot = fc.ModuleRoot
	}
	if fc.MaxTimers > 0 {
		c.MaxTimers = fc.MaxTimers
	}
	if fc.RunTimeoutS > 0 {
		c.RunTimeoutS = fc.RunTimeoutS
	}
	if fc.EchoOutput != nil {
		c.EchoOutput = *fc.EchoOutput
	}
	return nil
}

func parsePositive(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, n)
	}
	return n, nil
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

// LoadDotEnv loads variables from a .env file at path into the process
// environment without overriding variables already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
