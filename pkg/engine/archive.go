package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/rmax-ai/graphkit/pkg/blob"
	"github.com/rmax-ai/graphkit/pkg/store"
)

// CommitArchive is a store whose aged commits can be moved out. The SQLite
// store implements it.
type CommitArchive interface {
	ExpiredCommits(ctx context.Context, graph string, cutoff time.Time, limit int) ([]store.Commit, error)
	DeleteCommits(ctx context.Context, graph string, through int64) (int64, error)
}

// ArchiveConfig holds configuration for the ArchiveWorker.
type ArchiveConfig struct {
	Retention     time.Duration `json:"retention"`
	BatchSize     int           `json:"batch_size"`
	CheckInterval time.Duration `json:"check_interval"`
}

// DefaultArchiveConfig keeps a week of commits and checks hourly.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Retention:     7 * 24 * time.Hour,
		BatchSize:     500,
		CheckInterval: time.Hour,
	}
}

// ArchiveWorker moves commits older than the retention window from the store
// to blob storage as gzipped JSON lines. Node tables are untouched, so a
// graph loads the same after archiving.
type ArchiveWorker struct {
	src       CommitArchive
	blobStore blob.BlobStore
	graph     string
	config    ArchiveConfig
	leader    func() bool
	logger    *slog.Logger
	now       func() time.Time
}

type ArchiveOption func(*ArchiveWorker)

// WithArchiveLeader makes the worker skip rounds while leader reports false.
func WithArchiveLeader(leader func() bool) ArchiveOption {
	return func(w *ArchiveWorker) { w.leader = leader }
}

func WithArchiveLogger(l *slog.Logger) ArchiveOption {
	return func(w *ArchiveWorker) { w.logger = l }
}

// NewArchiveWorker creates a new ArchiveWorker for one graph.
func NewArchiveWorker(src CommitArchive, blobStore blob.BlobStore, graphName string, config ArchiveConfig, opts ...ArchiveOption) *ArchiveWorker {
	def := DefaultArchiveConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	w := &ArchiveWorker{
		src:       src,
		blobStore: blobStore,
		graph:     graphName,
		config:    config,
		leader:    func() bool { return true },
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts the archive worker loop. It blocks until ctx is cancelled.
func (w *ArchiveWorker) Run(ctx context.Context) {
	w.logger.Info("starting archive worker", "graph", w.graph, "retention", w.config.Retention, "interval", w.config.CheckInterval)
	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping archive worker", "graph", w.graph)
			return
		case <-ticker.C:
			if !w.leader() {
				continue
			}
			if _, err := w.Archive(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("archive failed", "graph", w.graph, "error", err)
			}
		}
	}
}

// Archive processes batches until no expired commit is left and returns the
// number of archived commits.
func (w *ArchiveWorker) Archive(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.processBatch(ctx)
		total += n
		if err != nil || n < w.config.BatchSize {
			return total, err
		}
	}
}

func (w *ArchiveWorker) processBatch(ctx context.Context) (int, error) {
	cutoff := w.now().UTC().Add(-w.config.Retention)
	commits, err := w.src.ExpiredCommits(ctx, w.graph, cutoff, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read expired commits: %w", err)
	}
	if len(commits) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	encoder := json.NewEncoder(gzWriter)
	for _, c := range commits {
		if err := encoder.Encode(c.Log); err != nil {
			gzWriter.Close()
			return 0, fmt.Errorf("failed to encode commit %d: %w", c.Seq, err)
		}
	}
	if err := gzWriter.Close(); err != nil {
		return 0, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	first, last := commits[0], commits[len(commits)-1]
	key := ArchiveKey(w.graph, first.Log.CommittedAt, first.Seq, last.Seq)
	if err := w.blobStore.Put(ctx, key, &buf); err != nil {
		return 0, fmt.Errorf("failed to upload archive to blob store: %w", err)
	}

	deleted, err := w.src.DeleteCommits(ctx, w.graph, last.Seq)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived commits: %w", err)
	}

	GraphkitArchivedCommitsTotal.WithLabelValues(w.graph).Add(float64(len(commits)))
	w.logger.Info("commits archived", "graph", w.graph, "key", key, "commits", len(commits), "deleted", deleted, "first", first.Seq, "last", last.Seq)
	return len(commits), nil
}

// ArchiveKey names the blob holding commits first..last of a graph:
// commits/{graph}/YYYY/MM/DD/{first}_{last}_{uuid}.jsonl.gz, dated by the
// first commit.
func ArchiveKey(graphName string, at time.Time, first, last int64) string {
	year, month, day := at.UTC().Date()
	return fmt.Sprintf("commits/%s/%04d/%02d/%02d/%d_%d_%s.jsonl.gz",
		graphName, year, month, day, first, last, uuid.NewString())
}
