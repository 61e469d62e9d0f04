package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPort          = errors.New("port must be between 0 and 65535")
	ErrInvalidDelayBound    = errors.New("max delay must be at least 1 second")
	ErrInvalidResetInterval = errors.New("reset interval must be at least 1 second")
)

// Config holds the server settings.
type Config struct {
	Port                 int    `yaml:"port"`
	MaxDelaySeconds      int    `yaml:"max_delay_seconds"`
	ResetIntervalSeconds int    `yaml:"reset_interval_seconds"`
	DebugQuit            bool   `yaml:"debug_quit"`
	AdminPort            string `yaml:"admin_port"`
	NATSURL              string `yaml:"nats_url"`
	LogLevel             string `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:                 7777,
		MaxDelaySeconds:      3,
		ResetIntervalSeconds: 60,
		LogLevel:             "info",
	}
}

// Load reads defaults, then the YAML file at path (if non-empty), then
// SLOWPOKE_* environment variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Port = getEnvAsInt("SLOWPOKE_PORT", cfg.Port)
	cfg.MaxDelaySeconds = getEnvAsInt("SLOWPOKE_MAX_DELAY_SEC", cfg.MaxDelaySeconds)
	cfg.ResetIntervalSeconds = getEnvAsInt("SLOWPOKE_RESET_INTERVAL_SEC", cfg.ResetIntervalSeconds)
	cfg.DebugQuit = getEnvAsBool("SLOWPOKE_DEBUG_QUIT", cfg.DebugQuit)
	cfg.AdminPort = getEnv("SLOWPOKE_ADMIN_PORT", cfg.AdminPort)
	cfg.NATSURL = getEnv("SLOWPOKE_NATS_URL", cfg.NATSURL)
	cfg.LogLevel = getEnv("SLOWPOKE_LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the game bounds.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Port)
	}
	if c.MaxDelaySeconds < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidDelayBound, c.MaxDelaySeconds)
	}
	if c.ResetIntervalSeconds < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidResetInterval, c.ResetIntervalSeconds)
	}
	return nil
}

// ListenAddr is the game listener address.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ResetInterval returns the global reset interval as a duration.
func (c Config) ResetInterval() time.Duration {
	return time.Duration(c.ResetIntervalSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
