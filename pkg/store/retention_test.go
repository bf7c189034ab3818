package store

import (
	"context"
	"testing"
	"time"

	"github.com/rmax-ai/graphkit/pkg/graph"
)

func TestExpiredCommitsKeepNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := graph.New(graph.WithStorage(store), graph.WithName("aged"))
	defer g.Close()
	for _, typ := range []string{"A", "B", "C"} {
		commitNode(t, g, typ)
	}

	old := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := store.db.Exec(`UPDATE commits SET committed_at = ? WHERE seq <= 2`, old); err != nil {
		t.Fatalf("failed to age commits: %v", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	expired, err := store.ExpiredCommits(ctx, "aged", cutoff, 10)
	if err != nil {
		t.Fatalf("ExpiredCommits failed: %v", err)
	}
	if len(expired) != 2 || expired[0].Seq != 1 || expired[1].Seq != 2 {
		t.Fatalf("expected commits 1 and 2, got %+v", expired)
	}

	if _, err := store.db.Exec(`UPDATE commits SET committed_at = ?`, old); err != nil {
		t.Fatalf("failed to age commits: %v", err)
	}
	expired, err = store.ExpiredCommits(ctx, "aged", cutoff, 10)
	if err != nil {
		t.Fatalf("ExpiredCommits failed: %v", err)
	}
	if len(expired) != 2 {
		t.Errorf("newest commit must never expire, got %d commits", len(expired))
	}

	n, err := store.DeleteCommits(ctx, "aged", 3)
	if err != nil {
		t.Fatalf("DeleteCommits failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted commits, got %d", n)
	}

	img, err := store.Load(ctx, "aged")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Seq != 3 || len(img.Nodes) != 3 {
		t.Errorf("expected seq 3 with 3 nodes after deletion, got seq=%d nodes=%d", img.Seq, len(img.Nodes))
	}
}
