package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port             string
	RedisURL         string
	JWTSecret        string
	JWTIssuer        string
	LogLevel         string
	SendBufferSize   int
	SendTimeout      time.Duration
	TypingTTL        time.Duration
	AnnouncePresence bool
	ShutdownTimeout  time.Duration
}

func Load() *Config {
	return &Config{
		Port:             getEnv("PORT", "8080"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		JWTIssuer:        getEnv("JWT_ISSUER", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		SendBufferSize:   getEnvInt("SEND_BUFFER_SIZE", 256),
		SendTimeout:      getEnvDuration("SEND_TIMEOUT", 50*time.Millisecond),
		TypingTTL:        getEnvDuration("TYPING_TTL", 15*time.Second),
		AnnouncePresence: getEnvBool("ANNOUNCE_PRESENCE", true),
		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.SendBufferSize <= 0 {
		return errors.New("SEND_BUFFER_SIZE must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		slog.Warn("Invalid int value, using default", "key", key, "value", value, "default", fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("Invalid duration value, using default", "key", key, "value", value, "default", fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		slog.Warn("Invalid bool value, using default", "key", key, "value", value, "default", fallback)
	}
	return fallback
}
