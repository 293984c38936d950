package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type APIConfig struct {
	Addr            string
	DatabaseURL     string
	Store           string
	ServiceTokens   []string
	RedisURL        string
	QueueKey        string
	PolicyCacheTTL  time.Duration
	AutoMigrate     bool
	QualifyingBadge string
	PolicyFile      string
}

type WorkerConfig struct {
	DatabaseURL     string
	Store           string
	RedisURL        string
	QueueKey        string
	Concurrency     int
	MaxRetries      int
	PollTimeout     time.Duration
	RunOnce         bool
	PolicyCacheTTL  time.Duration
	QualifyingBadge string
}

type CLIConfig struct {
	APIBaseURL  string
	DatabaseURL string
}

// LoadDotEnv reads .env from the working directory into the process
// environment without overriding variables that are already set.
func LoadDotEnv() (bool, error) {
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("REFENGINE_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Store:           envStore(),
		ServiceTokens:   envList("REFENGINE_SERVICE_TOKENS"),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		QueueKey:        envDefault("REFENGINE_QUEUE_KEY", "refengine:triggers"),
		PolicyCacheTTL:  envDurationDefault("REFENGINE_POLICY_CACHE_TTL", 30*time.Second),
		AutoMigrate:     envBoolDefault("REFENGINE_AUTO_MIGRATE", true),
		QualifyingBadge: envDefault("REFENGINE_QUALIFYING_BADGE", "VIP"),
		PolicyFile:      strings.TrimSpace(os.Getenv("REFENGINE_POLICY_FILE")),
	}
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.ServiceTokens) == 0 {
		return cfg, fmt.Errorf("REFENGINE_SERVICE_TOKENS is required")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Store:           envStore(),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		QueueKey:        envDefault("REFENGINE_QUEUE_KEY", "refengine:triggers"),
		Concurrency:     envIntDefault("REFENGINE_WORKER_CONCURRENCY", 4),
		MaxRetries:      envIntDefault("REFENGINE_WORKER_MAX_RETRIES", 5),
		PollTimeout:     envDurationDefault("REFENGINE_WORKER_POLL_TIMEOUT", 5*time.Second),
		RunOnce:         envBoolDefault("REFENGINE_WORKER_RUN_ONCE", false),
		PolicyCacheTTL:  envDurationDefault("REFENGINE_POLICY_CACHE_TTL", 30*time.Second),
		QualifyingBadge: envDefault("REFENGINE_QUALIFYING_BADGE", "VIP"),
	}
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return cfg, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL:  strings.TrimRight(envDefault("REFCTL_API_BASE_URL", "http://localhost:8080"), "/"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
}

func envStore() string {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("REFENGINE_STORE")), StoreMemory) {
		return StoreMemory
	}
	return StorePostgres
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
