package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rmax-ai/graphkit/pkg/engine"
)

const (
	defaultAddr     = "127.0.0.1:8090"
	defaultBackend  = "sqlite"
	defaultGraph    = "default"
	defaultFeedSize = 1024
	defaultLeaseTTL = 15 * time.Second
)

type Config struct {
	DBPath         string
	Backend        string
	RedisAddr      string
	Addr           string
	FollowInterval time.Duration
	Graph          string
	WriterID       string
	FeedSize       int

	// ArchiveDir enables archiving of aged commits to a blob directory.
	ArchiveDir      string
	Retention       time.Duration
	ArchiveInterval time.Duration
	LeaseTTL        time.Duration
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	dbPath := envOrDefault("GRAPHKIT_DB_PATH", filepath.Join(cwd, "graphkit.db"))
	backend := envOrDefault("GRAPHKIT_BACKEND", defaultBackend)
	redisAddr := envOrDefault("GRAPHKIT_REDIS_ADDR", "127.0.0.1:6379")
	addr := addrFromEnv(defaultAddr)
	graphName := envOrDefault("GRAPHKIT_GRAPH", defaultGraph)
	writerID := os.Getenv("GRAPHKIT_WRITER_ID")

	followInterval := engine.PollInterval
	if v := os.Getenv("GRAPHKIT_FOLLOW_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GRAPHKIT_FOLLOW_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("GRAPHKIT_FOLLOW_INTERVAL must be positive")
		}
		followInterval = parsed
	}

	feedSize := defaultFeedSize
	if v := os.Getenv("GRAPHKIT_FEED_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GRAPHKIT_FEED_SIZE: %w", err)
		}
		feedSize = n
	}

	archiveDefaults := engine.DefaultArchiveConfig()

	flagSet := flag.NewFlagSet("graphkitd", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagBackend := flagSet.String("backend", backend, "storage backend: sqlite|redis|memory")
	flagRedis := flagSet.String("redis-addr", redisAddr, "Redis address when backend=redis")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagFollow := flagSet.String("follow-interval", followInterval.String(), "interval between polls for commits of other writers")
	flagGraph := flagSet.String("graph", graphName, "graph name")
	flagWriter := flagSet.String("writer-id", writerID, "writer id recorded on commits (random when empty)")
	flagFeed := flagSet.Int("feed-size", feedSize, "number of change entries kept for /v1/changes")
	flagArchiveDir := flagSet.String("archive-dir", os.Getenv("GRAPHKIT_ARCHIVE_DIR"), "directory receiving archived commits (disabled when empty)")
	flagRetention := flagSet.Duration("retention", archiveDefaults.Retention, "age after which commits are archived")
	flagArchiveInterval := flagSet.Duration("archive-interval", archiveDefaults.CheckInterval, "interval between archive runs")
	flagLeaseTTL := flagSet.Duration("lease-ttl", defaultLeaseTTL, "archiver lease duration")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	follow, err := time.ParseDuration(*flagFollow)
	if err != nil {
		return Config{}, fmt.Errorf("invalid follow interval: %w", err)
	}
	if follow <= 0 {
		return Config{}, errors.New("follow interval must be positive")
	}

	config := Config{
		DBPath:         resolvePath(*flagDB, cwd),
		Backend:        normalizeBackend(*flagBackend),
		RedisAddr:      strings.TrimSpace(*flagRedis),
		Addr:           strings.TrimSpace(*flagAddr),
		FollowInterval: follow,
		Graph:          strings.TrimSpace(*flagGraph),
		WriterID:       strings.TrimSpace(*flagWriter),
		FeedSize:       *flagFeed,

		ArchiveDir:      strings.TrimSpace(*flagArchiveDir),
		Retention:       *flagRetention,
		ArchiveInterval: *flagArchiveInterval,
		LeaseTTL:        *flagLeaseTTL,
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	if config.Graph == "" {
		return Config{}, errors.New("graph cannot be empty")
	}
	if config.FeedSize <= 0 {
		return Config{}, errors.New("feed size must be positive")
	}

	if config.ArchiveDir != "" {
		if config.Backend == "memory" {
			return Config{}, errors.New("archive-dir requires a durable backend")
		}
		if config.Retention <= 0 || config.ArchiveInterval <= 0 || config.LeaseTTL <= 0 {
			return Config{}, errors.New("retention, archive-interval and lease-ttl must be positive")
		}
		config.ArchiveDir = resolvePath(config.ArchiveDir, cwd)
	}

	switch config.Backend {
	case "sqlite":
		if config.DBPath == "" {
			return Config{}, errors.New("backend=sqlite requires db")
		}
	case "redis":
		if config.RedisAddr == "" {
			return Config{}, errors.New("backend=redis requires redis-addr")
		}
	case "memory":
	default:
		return Config{}, fmt.Errorf("unsupported backend: %s", config.Backend)
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("GRAPHKIT_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("GRAPHKIT_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}

func normalizeBackend(backend string) string {
	switch b := strings.ToLower(strings.TrimSpace(backend)); b {
	case "", "sqlite", "sqlite3":
		return "sqlite"
	case "mem", "memory", "none":
		return "memory"
	default:
		return b
	}
}
