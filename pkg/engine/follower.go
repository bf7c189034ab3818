package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/store"
)

const (
	// CursorKeyPrefix prefixes the system_state key holding a follower's
	// last processed commit sequence.
	CursorKeyPrefix = "follower_cursor:"
	// BatchSize is the number of commits to fetch per poll.
	BatchSize = 50
	// PollInterval is how often to check for new commits.
	PollInterval = 1 * time.Second
)

// CommitSource is a storage backend that other writers commit to. Both the
// SQLite and the Redis store implement it.
type CommitSource interface {
	ReadCommits(ctx context.Context, graph string, after int64, limit int) ([]store.Commit, error)
	GetSystemState(ctx context.Context, key string) (string, error)
	SetSystemState(ctx context.Context, key, value string) error
}

// Follower polls a commit source for change logs written by other writers
// of the same graph and applies them with graph.SourceExternal.
type Follower struct {
	src      CommitSource
	g        *graph.Graph
	interval time.Duration
	logger   *slog.Logger
	cursor   int64
}

// FollowerOption configures a Follower.
type FollowerOption func(*Follower)

func WithPollInterval(d time.Duration) FollowerOption {
	return func(f *Follower) { f.interval = d }
}

func WithFollowerLogger(l *slog.Logger) FollowerOption {
	return func(f *Follower) { f.logger = l }
}

// NewFollower creates a follower for g.
func NewFollower(src CommitSource, g *graph.Graph, opts ...FollowerOption) *Follower {
	f := &Follower{
		src:      src,
		g:        g,
		interval: PollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Follower) cursorKey() string {
	return CursorKeyPrefix + f.g.Name() + ":" + f.g.WriterID()
}

// Start runs the polling loop. It blocks until the context is cancelled.
func (f *Follower) Start(ctx context.Context) {
	f.logger.Info("starting follower", "graph", f.g.Name(), "interval", f.interval)

	if err := f.Init(ctx); err != nil {
		f.logger.Warn("failed to load follower cursor, starting from graph sequence", "error", err)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("stopping follower", "graph", f.g.Name())
			return
		case <-ticker.C:
			if _, err := f.Poll(ctx); err != nil && ctx.Err() == nil {
				f.logger.Error("error processing commit batch", "graph", f.g.Name(), "error", err)
			}
		}
	}
}

// Init loads the persisted cursor. Commits at or below the graph's loaded
// sequence are already part of its image and are never replayed.
func (f *Follower) Init(ctx context.Context) error {
	f.cursor = f.g.Seq()
	val, err := f.src.GetSystemState(ctx, f.cursorKey())
	if err != nil {
		return err
	}
	if val == "" {
		return nil
	}
	saved, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse cursor %q: %w", val, err)
	}
	f.cursor = max(f.cursor, saved)
	return nil
}

// Cursor returns the last processed commit sequence.
func (f *Follower) Cursor() int64 { return f.cursor }

// Poll drains every commit after the cursor, one batch at a time, and
// returns how many foreign commits were applied.
func (f *Follower) Poll(ctx context.Context) (int, error) {
	applied := 0
	for {
		n, count, err := f.processBatch(ctx)
		applied += n
		if err != nil {
			return applied, err
		}
		if count < BatchSize {
			return applied, nil
		}
	}
}

func (f *Follower) processBatch(ctx context.Context) (applied, count int, err error) {
	name := f.g.Name()
	commits, err := f.src.ReadCommits(ctx, name, f.cursor, BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read commits: %w", err)
	}
	if len(commits) == 0 {
		return 0, 0, nil
	}

	cursor := f.cursor
	for _, c := range commits {
		if c.Log.WriterID == f.g.WriterID() {
			GraphkitFollowerCommitsTotal.WithLabelValues(name, "own").Inc()
			cursor = c.Seq
			continue
		}

		if err := f.g.ApplyExternal(ctx, c.Log); err != nil {
			if errors.Is(err, graph.ErrClosed) || ctx.Err() != nil {
				f.save(ctx, cursor)
				return applied, len(commits), err
			}
			// A foreign commit that conflicts with local state cannot be
			// applied later either.
			GraphkitFollowerCommitsTotal.WithLabelValues(name, "failed").Inc()
			f.logger.Warn("skipping external commit", "graph", name, "seq", c.Seq, "writer", c.Log.WriterID, "error", err)
			cursor = c.Seq
			continue
		}

		GraphkitFollowerCommitsTotal.WithLabelValues(name, "applied").Inc()
		applied++
		cursor = c.Seq
	}

	f.save(ctx, cursor)
	return applied, len(commits), nil
}

func (f *Follower) save(ctx context.Context, cursor int64) {
	if cursor == f.cursor {
		return
	}
	f.cursor = cursor
	GraphkitFollowerCursor.WithLabelValues(f.g.Name()).Set(float64(cursor))
	if err := f.src.SetSystemState(ctx, f.cursorKey(), strconv.FormatInt(cursor, 10)); err != nil {
		f.logger.Error("failed to save follower cursor", "graph", f.g.Name(), "error", err)
	}
}
