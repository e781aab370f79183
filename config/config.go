// Package config reads the server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	LogLevel string

	StoreDriver string
	BoltPath    string
	MongoURI    string
	MongoDB     string
	PostgresURL string
	RedisAddr   string

	SnapshotInterval  time.Duration
	SnapshotKeep      int
	EvictionGrace     time.Duration
	AwarenessTimeout  time.Duration
	HeartbeatInterval time.Duration

	AuthToken   string
	MDNSEnabled bool
}

// LoadDotenv loads a .env file into the environment without overriding
// variables already set. A missing file is not an error.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration from environment variables, falling back to
// defaults for unset ones.
func Load() (Config, error) {
	c := Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		StoreDriver: getenv("STORE_DRIVER", "bolt"),
		BoltPath:    getenv("BOLT_PATH", "data/snapshots.db"),
		MongoURI:    getenv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:     getenv("MONGO_DB", "codecollab"),
		PostgresURL: getenv("DATABASE_URL", "postgres://localhost:5432/codecollab"),
		RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
		AuthToken:   os.Getenv("AUTH_TOKEN"),
	}

	var err error
	if c.SnapshotInterval, err = duration("SNAPSHOT_INTERVAL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if c.EvictionGrace, err = duration("EVICTION_GRACE", 30*time.Second); err != nil {
		return Config{}, err
	}
	if c.AwarenessTimeout, err = duration("AWARENESS_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if c.HeartbeatInterval, err = duration("HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if c.SnapshotKeep, err = integer("SNAPSHOT_KEEP", 3); err != nil {
		return Config{}, err
	}
	if c.MDNSEnabled, err = boolean("MDNS_ENABLED", false); err != nil {
		return Config{}, err
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL: unknown level %q", c.LogLevel)
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return Config{}, fmt.Errorf("PORT: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"SNAPSHOT_INTERVAL":  c.SnapshotInterval,
		"AWARENESS_TIMEOUT":  c.AwarenessTimeout,
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
	} {
		if d <= 0 {
			return Config{}, fmt.Errorf("%s: must be positive, got %s", name, d)
		}
	}
	if c.EvictionGrace < 0 {
		return Config{}, fmt.Errorf("EVICTION_GRACE: must not be negative, got %s", c.EvictionGrace)
	}
	if c.SnapshotKeep < 1 {
		return Config{}, fmt.Errorf("SNAPSHOT_KEEP: must be at least 1, got %d", c.SnapshotKeep)
	}
	return c, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func integer(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolean(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
