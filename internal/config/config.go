// Package config provides runtime configuration for the pipeline.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration knobs for the pipeline and the demo surface.
type Config struct {
	ServiceName string
	Env         string
	HTTPAddr    string

	ShutdownTimeout time.Duration
	StoreOpTimeout  time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// Optional Redis-backed stock counters; empty addr keeps the docstore
	// backend.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional AMQP notification sink; empty URL keeps the log notifier.
	AMQPURL     string
	NotifyQueue string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenvms(key string, defMs int) time.Duration {
	return time.Duration(atoienv(key, defMs)) * time.Millisecond
}

// Load collects configuration from a .env file (when present) and the
// environment, with defaults suitable for local runs.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ServiceName:      getenv("SERVICE_NAME", "fulfillment"),
		Env:              getenv("ENV", "dev"),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		ShutdownTimeout:  durenvms("SHUTDOWN_TIMEOUT_MS", 10000),
		StoreOpTimeout:   durenvms("STORE_OP_TIMEOUT_MS", 5000),
		RetryMaxAttempts: atoienv("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   durenvms("RETRY_BASE_DELAY_MS", 50),
		RedisAddr:        getenv("REDIS_ADDR", ""),
		RedisPassword:    getenv("REDIS_PASSWORD", ""),
		RedisDB:          atoienv("REDIS_DB", 0),
		AMQPURL:          getenv("AMQP_URL", ""),
		NotifyQueue:      getenv("NOTIFY_QUEUE", "merchant.notifications"),
	}
}
