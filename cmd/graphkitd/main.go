package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/graphkit/pkg/api"
	"github.com/rmax-ai/graphkit/pkg/blob"
	"github.com/rmax-ai/graphkit/pkg/engine"
	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/predicate"
	"github.com/rmax-ai/graphkit/pkg/store"
	redisstore "github.com/rmax-ai/graphkit/pkg/store/redis"
	"github.com/rmax-ai/graphkit/pkg/watch"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "graphkitd")
	slog.SetDefault(logger)

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// backend is the storage a daemon commits to. The memory backend leaves
// every field nil: it has no other writers to follow and nothing to archive.
type backend struct {
	storage graph.Storage
	src     engine.CommitSource
	archive engine.CommitArchive
	leases  store.LeaseStore
	closer  io.Closer
}

func openBackend(ctx context.Context, cfg Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Backend {
	case "sqlite":
		st, err := store.NewStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to init store: %w", err)
		}
		logger.Info("store initialized", "backend", cfg.Backend, "path", cfg.DBPath)
		return &backend{storage: st, src: st, archive: st, leases: st, closer: st}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		st := redisstore.NewRedisStorage(client)
		logger.Info("store initialized", "backend", cfg.Backend, "addr", cfg.RedisAddr)
		return &backend{storage: st, src: st, archive: st, leases: redisstore.NewRedisLeaseStore(client), closer: client}, nil
	}

	logger.Warn("running without storage, commits are lost on exit")
	return &backend{}, nil
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if be.closer != nil {
		defer func() {
			if err := be.closer.Close(); err != nil {
				logger.Error("failed to close store", "error", err)
			}
		}()
	}

	opts := []graph.Option{
		graph.WithName(cfg.Graph),
		graph.WithLogger(logger),
	}
	if cfg.WriterID != "" {
		opts = append(opts, graph.WithWriterID(cfg.WriterID))
	}
	if be.storage != nil {
		opts = append(opts, graph.WithStorage(be.storage))
	}
	g, err := graph.Open(ctx, opts...)
	if err != nil {
		return err
	}
	defer g.Close()

	reg := watch.Attach(g, watch.WithLogger(logger))
	defer reg.Close()

	feed := watch.NewFeed(cfg.FeedSize)
	if _, err := reg.SubscribeOwned(watch.AnyKind, predicate.True(), feed.Delegate()); err != nil {
		return fmt.Errorf("failed to subscribe change feed: %w", err)
	}

	if be.src != nil {
		follower := engine.NewFollower(be.src, g,
			engine.WithPollInterval(cfg.FollowInterval),
			engine.WithFollowerLogger(logger),
		)
		go follower.Start(ctx)
	}

	if cfg.ArchiveDir != "" && be.archive != nil {
		em := engine.NewElectionManager(be.leases, g.WriterID(), engine.ArchiveLease, cfg.LeaseTTL, nil, nil)
		em.SetLogger(logger)
		em.Start(ctx)
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			em.Stop(releaseCtx)
		}()

		worker := engine.NewArchiveWorker(be.archive, blob.NewLocalBlobStore(cfg.ArchiveDir), g.Name(),
			engine.ArchiveConfig{Retention: cfg.Retention, CheckInterval: cfg.ArchiveInterval},
			engine.WithArchiveLeader(em.IsLeader),
			engine.WithArchiveLogger(logger),
		)
		go worker.Run(ctx)
	}

	srv := api.NewServer(g, reg, feed, cfg.Addr, api.WithLogger(logger))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("system started", "graph", g.Name(), "writer_id", g.WriterID(), "seq", g.Seq(), "addr", cfg.Addr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop server", "error", err)
	}
	if err := g.Flush(shutdownCtx); err != nil {
		logger.Error("failed to flush pending commits", "error", err)
	}
	return nil
}
