package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backend
	ServerURL     string
	StreamURL     string // derived from ServerURL when empty
	ClientTimeout time.Duration

	// Loop intervals
	ImagePollInterval time.Duration
	VideoPollInterval time.Duration
	StatusInterval    time.Duration
	HeartbeatInterval time.Duration

	// Processing defaults
	DefaultTask  string
	DefaultModel string

	// Where downloaded results are written
	OutputDir string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// ConfigFile is the YAML file that was read, if any.
	ConfigFile string
}

// fileConfig mirrors the optional YAML config file.
type fileConfig struct {
	Server struct {
		URL       string        `yaml:"url"`
		StreamURL string        `yaml:"stream_url"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"server"`
	Poll struct {
		Image  time.Duration `yaml:"image"`
		Video  time.Duration `yaml:"video"`
		Status time.Duration `yaml:"status"`
	} `yaml:"poll"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	Defaults  struct {
		Task  string `yaml:"task"`
		Model string `yaml:"model"`
	} `yaml:"defaults"`
	OutputDir string `yaml:"output_dir"`
	Log       struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads configuration from .env files, the optional YAML file and
// environment variables. Environment variables win over the file.
func Load() (Config, error) {
	loadDotEnv()

	path := getEnv("ENHANCE_CONFIG", DefaultConfigPath())
	fc, err := readFile(path)
	if err != nil {
		return Config{}, err
	}
	if fc == nil {
		fc = &fileConfig{}
		path = ""
	}

	cfg := Config{
		ServerURL:     getEnv("ENHANCE_SERVER_URL", or(fc.Server.URL, "http://127.0.0.1:8000")),
		StreamURL:     getEnv("ENHANCE_STREAM_URL", fc.Server.StreamURL),
		ClientTimeout: getDuration("ENHANCE_CLIENT_TIMEOUT", or(fc.Server.Timeout, 10*time.Minute)),

		ImagePollInterval: getDuration("ENHANCE_IMAGE_POLL_INTERVAL", or(fc.Poll.Image, 2*time.Second)),
		VideoPollInterval: getDuration("ENHANCE_VIDEO_POLL_INTERVAL", or(fc.Poll.Video, 3*time.Second)),
		StatusInterval:    getDuration("ENHANCE_STATUS_INTERVAL", or(fc.Poll.Status, 2*time.Second)),
		HeartbeatInterval: getDuration("ENHANCE_HEARTBEAT_INTERVAL", or(fc.Heartbeat, 5*time.Minute)),

		DefaultTask:  getEnv("ENHANCE_DEFAULT_TASK", or(fc.Defaults.Task, "denoise")),
		DefaultModel: getEnv("ENHANCE_DEFAULT_MODEL", fc.Defaults.Model),

		OutputDir: getEnv("ENHANCE_OUTPUT_DIR", or(fc.OutputDir, ".")),

		LogFile:  getEnv("ENHANCE_LOG_FILE", or(fc.Log.File, filepath.Join(os.TempDir(), "enhance.log"))),
		LogLevel: parseLogLevel(getEnv("ENHANCE_LOG_LEVEL", or(fc.Log.Level, "INFO"))),

		ConfigFile: path,
	}
	return cfg, nil
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/enhance/config.yaml.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "enhance", "config.yaml")
}

// loadDotEnv loads .env and .env.local from the working directory.
// Existing environment variables are never overridden.
func loadDotEnv() {
	for _, name := range []string{".env", ".env.local"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to load env file", "file", name, "error", err)
		}
	}
}

// readFile parses the YAML config. A missing file is not an error.
func readFile(path string) (*fileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

func or[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		slog.Warn("ignoring invalid duration", "key", key, "value", val)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
