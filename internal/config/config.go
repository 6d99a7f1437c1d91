package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/input"
	"github.com/lestiti/presence-guardian-04-sub000/internal/presence/service"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string // "" disables the change-feed server

	Env string // "dev" | "prod"

	// Store
	Store       string // memory | sqlite | postgres
	DBPath      string // e.g. "./data/presence.db"
	DatabaseURL string
	AutoMigrate bool

	// FeedAddr points at another process's change-feed server. When set,
	// sessions are followed through it instead of the local feed.
	FeedAddr string

	AllowedOrigins []string

	// Engine timing
	InterCharTimeout time.Duration
	MinPayloadLen    int
	MinScanInterval  time.Duration
	GateClearDelay   time.Duration
	CommitTimeout    time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	SyncMaxRetries   int
}

// Load reads KEY=VALUE pairs from files into the environment without
// overriding variables that are already set.
func Load(files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func FromEnv() Config {
	env := strings.ToLower(getenvDefault("PRESENCE_ENV", "dev"))
	if env != "dev" && env != "prod" {
		// fail-soft: treat unknown as dev
		env = "dev"
	}

	store := strings.ToLower(getenvDefault("PRESENCE_STORE", StoreSQLite))
	switch store {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		store = StoreSQLite
	}

	return Config{
		HTTPAddr: getenvDefault("PRESENCE_HTTP_ADDR", ":8080"),
		GRPCAddr: os.Getenv("PRESENCE_GRPC_ADDR"),
		Env:      env,

		Store:       store,
		DBPath:      getenvDefault("PRESENCE_DB_PATH", "./data/presence.db"),
		DatabaseURL: os.Getenv("PRESENCE_DATABASE_URL"),
		AutoMigrate: getenvBool("PRESENCE_DB_AUTOMIGRATE", true),

		FeedAddr:       strings.TrimSpace(os.Getenv("PRESENCE_FEED_ADDR")),
		AllowedOrigins: splitCSV(os.Getenv("PRESENCE_ALLOWED_ORIGINS")),

		InterCharTimeout: getenvDuration("PRESENCE_INTERCHAR_TIMEOUT", input.DefaultInterCharTimeout),
		MinPayloadLen:    getenvInt("PRESENCE_MIN_PAYLOAD_LEN", input.DefaultMinPayloadLen),
		MinScanInterval:  getenvDuration("PRESENCE_MIN_SCAN_INTERVAL", service.DefaultMinScanInterval),
		GateClearDelay:   getenvDuration("PRESENCE_GATE_CLEAR_DELAY", service.DefaultGateClearDelay),
		CommitTimeout:    getenvDuration("PRESENCE_COMMIT_TIMEOUT", service.DefaultCommitTimeout),
		BackoffBase:      getenvDuration("PRESENCE_BACKOFF_BASE", service.DefaultBackoffBase),
		BackoffMax:       getenvDuration("PRESENCE_BACKOFF_MAX", service.DefaultBackoffMax),
		SyncMaxRetries:   getenvInt("PRESENCE_SYNC_MAX_RETRIES", service.DefaultSyncMaxRetries),
	}
}

// Engine converts the timing settings into a service.Config.
func (c Config) Engine() service.Config {
	cfg := service.DefaultConfig()
	cfg.Station.Framer = input.FramerConfig{
		InterCharTimeout: c.InterCharTimeout,
		MinPayloadLen:    c.MinPayloadLen,
	}
	cfg.Station.Gate = service.GateConfig{
		MinInterval: c.MinScanInterval,
		ClearDelay:  c.GateClearDelay,
	}
	cfg.Sync = service.SyncConfig{
		BackoffBase: c.BackoffBase,
		BackoffMax:  c.BackoffMax,
		MaxRetries:  c.SyncMaxRetries,
	}
	cfg.CommitTimeout = c.CommitTimeout
	return cfg
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// getenvDuration accepts Go durations ("750ms") or bare milliseconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
