// Package storetest holds a conformance suite shared by graph.Storage
// implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/store"
)

// RetentionStorage is a storage whose commit log can be trimmed.
type RetentionStorage interface {
	graph.Storage
	ReadCommits(ctx context.Context, graph string, after int64, limit int) ([]store.Commit, error)
	ExpiredCommits(ctx context.Context, graph string, cutoff time.Time, limit int) ([]store.Commit, error)
	DeleteCommits(ctx context.Context, graph string, through int64) (int64, error)
}

// RunRetentionTests checks that trimming the commit log keeps the newest
// commit, the node tables and the sequence intact.
func RunRetentionTests(t *testing.T, storage RetentionStorage) {
	ctx := context.Background()
	g := open(t, storage, "retention")
	for i := 0; i < 5; i++ {
		g.Main().CreateEntity("Item")
		commitWait(t, g.Main())
	}

	future := time.Now().Add(time.Hour)
	expired, err := storage.ExpiredCommits(ctx, "retention", future, 10)
	if err != nil {
		t.Fatalf("ExpiredCommits failed: %v", err)
	}
	if len(expired) != 4 {
		t.Fatalf("expected 4 expired commits, the newest kept, got %d", len(expired))
	}
	for i := 1; i < len(expired); i++ {
		if expired[i].Seq <= expired[i-1].Seq {
			t.Errorf("expired commits out of order: %d after %d", expired[i].Seq, expired[i-1].Seq)
		}
	}
	if past, _ := storage.ExpiredCommits(ctx, "retention", time.Now().Add(-time.Hour), 10); len(past) != 0 {
		t.Errorf("expected no commits older than an hour, got %d", len(past))
	}

	first, _ := storage.ExpiredCommits(ctx, "retention", future, 2)
	n, err := storage.DeleteCommits(ctx, "retention", first[1].Seq)
	if err != nil {
		t.Fatalf("DeleteCommits failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted commits, got %d", n)
	}

	rest, err := storage.ReadCommits(ctx, "retention", 0, 10)
	if err != nil {
		t.Fatalf("ReadCommits failed: %v", err)
	}
	if len(rest) != 3 || rest[0].Seq != expired[2].Seq {
		t.Fatalf("expected 3 commits from seq %d, got %+v", expired[2].Seq, rest)
	}
	after, _ := storage.ReadCommits(ctx, "retention", rest[0].Seq, 10)
	if len(after) != 2 || after[0].Seq != rest[1].Seq {
		t.Errorf("expected paging after %d to return 2 commits, got %+v", rest[0].Seq, after)
	}

	// Deleting everything still keeps the newest commit.
	if _, err := storage.DeleteCommits(ctx, "retention", g.Seq()); err != nil {
		t.Fatalf("DeleteCommits failed: %v", err)
	}
	rest, _ = storage.ReadCommits(ctx, "retention", 0, 10)
	if len(rest) != 1 || rest[0].Seq != g.Seq() {
		t.Errorf("expected only seq %d to remain, got %+v", g.Seq(), rest)
	}

	img, err := storage.Load(ctx, "retention")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Seq != g.Seq() || len(img.Nodes) != 5 {
		t.Errorf("expected seq %d with 5 nodes, got seq=%d nodes=%d", g.Seq(), img.Seq, len(img.Nodes))
	}
}

// RunStorageTests runs the suite against storage. Each subtest uses its own
// graph name, so one storage instance can serve the whole run.
func RunStorageTests(t *testing.T, storage graph.Storage) {
	t.Run("Empty graph", func(t *testing.T) {
		img, err := storage.Load(context.Background(), "empty")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if img.Seq != 0 || len(img.Nodes) != 0 {
			t.Errorf("expected empty image, got seq=%d nodes=%d", img.Seq, len(img.Nodes))
		}
	})

	t.Run("Round trip", func(t *testing.T) {
		ctx := context.Background()
		g := open(t, storage, "roundtrip")
		c := g.Main()

		user := c.CreateEntity("User")
		book := c.CreateEntity("Book")
		gone := c.CreateEntity("Temp")
		must(t, user.Set("name", graph.String("ada")))
		must(t, user.Set("age", graph.Int(36)))
		must(t, user.Set("score", graph.Float(9.5)))
		must(t, user.Set("active", graph.Bool(true)))
		must(t, user.Set("joined", graph.Time(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))))
		must(t, user.Set("avatar", graph.Bytes([]byte{0xde, 0xad})))
		must(t, user.AddTag("reader"))
		must(t, user.AddTag("admin"))
		must(t, book.AddGroup("library"))
		bond, err := c.CreateBond("Reads", user.ID(), book.ID())
		must(t, err)
		must(t, bond.Set("since", graph.Int(2020)))
		must(t, gone.AddTag("x"))
		commitWait(t, c)

		must(t, user.Set("age", graph.Int(37)))
		must(t, user.RemoveTag("admin"))
		must(t, user.Clear("score"))
		must(t, gone.Delete())
		commitWait(t, c)

		g2, err := graph.Open(ctx, graph.WithStorage(storage), graph.WithName("roundtrip"))
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer g2.Close()

		if g2.Seq() != g.Seq() {
			t.Errorf("seq: got %d, want %d", g2.Seq(), g.Seq())
		}
		want, got := g.Nodes(), g2.Nodes()
		if len(got) != len(want) {
			t.Fatalf("nodes: got %d, want %d", len(got), len(want))
		}
		for i := range want {
			if err := sameSnapshot(got[i], want[i]); err != nil {
				t.Errorf("node %s: %v", want[i].ID, err)
			}
		}
		if _, ok := g2.Lookup(gone.ID()); ok {
			t.Errorf("deleted node %s was loaded", gone.ID())
		}
		if bonds := g2.Bonds(book.ID()); len(bonds) != 1 || bonds[0].ID != bond.ID() {
			t.Errorf("expected bond %s to be indexed, got %+v", bond.ID(), bonds)
		}
	})

	t.Run("Cascade is persisted", func(t *testing.T) {
		g := open(t, storage, "cascade")
		c := g.Main()

		a := c.CreateEntity("A")
		b := c.CreateEntity("B")
		_, err := c.CreateBond("Rel", a.ID(), b.ID())
		must(t, err)
		commitWait(t, c)
		must(t, a.Delete())
		commitWait(t, c)

		img, err := storage.Load(context.Background(), "cascade")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(img.Nodes) != 1 || img.Nodes[0].ID != b.ID() {
			t.Errorf("expected only %s to remain, got %+v", b.ID(), img.Nodes)
		}
	})

	t.Run("Graphs are isolated", func(t *testing.T) {
		g := open(t, storage, "left")
		g.Main().CreateEntity("L")
		commitWait(t, g.Main())

		img, err := storage.Load(context.Background(), "right")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(img.Nodes) != 0 {
			t.Errorf("graph right sees %d nodes of graph left", len(img.Nodes))
		}
	})
}

func open(t *testing.T, storage graph.Storage, name string) *graph.Graph {
	t.Helper()
	g, err := graph.Open(context.Background(), graph.WithStorage(storage), graph.WithName(name))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func commitWait(t *testing.T, c *graph.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.CommitWait(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func sameSnapshot(got, want graph.Snapshot) error {
	switch {
	case got.ID != want.ID:
		return errors.New("id differs")
	case got.Kind != want.Kind:
		return errors.New("kind differs")
	case got.Type != want.Type:
		return errors.New("type differs")
	case !got.CreatedAt.Equal(want.CreatedAt):
		return errors.New("created_at differs")
	case got.Subject != want.Subject || got.Object != want.Object:
		return errors.New("bond endpoints differ")
	case len(got.Properties) != len(want.Properties):
		return errors.New("property count differs")
	case !equalStrings(got.Tags, want.Tags):
		return errors.New("tags differ")
	case !equalStrings(got.Groups, want.Groups):
		return errors.New("groups differ")
	}
	for name, v := range want.Properties {
		if !got.Properties[name].Equal(v) {
			return errors.New("property " + name + " differs")
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
