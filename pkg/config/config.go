// Package config provides configuration management for WelcomeBot.
// It loads configuration from YAML files with sensible defaults and lets
// environment variables (optionally from a .env file) override them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the config file.
const (
	EnvDataDir   = "WELCOMEBOT_DATA_DIR"
	EnvModelPath = "WELCOMEBOT_MODEL_PATH"
	EnvTolerance = "WELCOMEBOT_TOLERANCE"
	EnvLogLevel  = "WELCOMEBOT_LOG_LEVEL"
)

// Config holds all WelcomeBot configuration.
type Config struct {
	Recognition RecognitionConfig `yaml:"recognition"`
	Storage     StorageConfig     `yaml:"storage"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// RecognitionConfig holds face recognition settings.
type RecognitionConfig struct {
	Tolerance    float64 `yaml:"tolerance"`
	ModelPath    string  `yaml:"model_path"`
	UseCNN       bool    `yaml:"use_cnn"`
	MaxImageSize int     `yaml:"max_image_size"`
	MaxMatches   int     `yaml:"max_matches"`
}

// StorageConfig holds face database settings.
type StorageConfig struct {
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	KeepImages        bool   `yaml:"keep_images"`
}

// FetchConfig holds settings for downloading images from URLs.
type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBytes     int64         `yaml:"max_bytes"`
	UserAgent    string        `yaml:"user_agent"`
	ShowProgress bool          `yaml:"show_progress"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Recognition: RecognitionConfig{
			Tolerance:    0.6,
			ModelPath:    filepath.Join(homeDir, ".local/share/welcomebot/models"),
			UseCNN:       false,
			MaxImageSize: 1600,
			MaxMatches:   10,
		},
		Storage: StorageConfig{
			DataDir:           "db",
			EncryptionEnabled: false,
			KeepImages:        true,
		},
		Fetch: FetchConfig{
			Timeout:      30 * time.Second,
			MaxBytes:     20 << 20,
			UserAgent:    "welcomebot/" + Version,
			ShowProgress: true,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			File:   "",
			Format: "text",
		},
	}
}

// Version is the WelcomeBot release version.
const Version = "0.3.0"

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	// Project-local config wins
	if _, err := os.Stat("welcomebot.yaml"); err == nil {
		return Load("welcomebot.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/welcomebot/welcomebot.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides configuration values with WELCOMEBOT_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Recognition.ModelPath = v
	}
	if v := os.Getenv(EnvTolerance); v != "" {
		tol, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvTolerance, v, err)
		}
		c.Recognition.Tolerance = tol
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Recognition.Tolerance <= 0 || c.Recognition.Tolerance > 2 {
		return fmt.Errorf("tolerance must be in (0, 2], got %f", c.Recognition.Tolerance)
	}
	if c.Recognition.ModelPath == "" {
		return fmt.Errorf("model_path must be set")
	}
	if c.Recognition.MaxImageSize < 0 {
		return fmt.Errorf("max_image_size must not be negative, got %d", c.Recognition.MaxImageSize)
	}
	if c.Recognition.MaxMatches < 0 {
		return fmt.Errorf("max_matches must not be negative, got %d", c.Recognition.MaxMatches)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}

	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %s", c.Fetch.Timeout)
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("max_bytes must be positive, got %d", c.Fetch.MaxBytes)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the face database and log directories.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	if c.Logging.File != "" {
		logDir := filepath.Dir(c.Logging.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}
