package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/predicate"
	"github.com/rmax-ai/graphkit/pkg/store"
	"github.com/rmax-ai/graphkit/pkg/watch"
)

type sourceRecorder struct {
	mu      sync.Mutex
	entries []graph.Entry
}

func (r *sourceRecorder) record(e graph.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *sourceRecorder) snapshot() []graph.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]graph.Entry(nil), r.entries...)
}

func newSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "graphkit.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openGraph(t *testing.T, s graph.Storage, writer string) *graph.Graph {
	t.Helper()
	g, err := graph.Open(context.Background(), graph.WithStorage(s), graph.WithName("shared"), graph.WithWriterID(writer))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func commit(t *testing.T, c *graph.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.CommitWait(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func TestFollowerAppliesForeignCommits(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	a := openGraph(t, s, "writer-a")
	b := openGraph(t, s, "writer-b")

	rec := &sourceRecorder{}
	reg := watch.Attach(b)
	defer reg.Close()
	if _, err := reg.SubscribeOwned(watch.AnyKind, predicate.True(), watch.EntryFunc(rec.record)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	f := NewFollower(s, b)
	if err := f.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	n := a.Main().CreateEntity("User")
	if err := n.Set("name", graph.String("ada")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	commit(t, a.Main())

	own := b.Main().CreateEntity("Local")
	commit(t, b.Main())

	applied, err := f.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected 1 applied commit, got %d", applied)
	}

	got, ok := b.Lookup(n.ID())
	if !ok {
		t.Fatalf("expected node %s in follower graph", n.ID())
	}
	if v, _ := got.Property("name"); !v.Equal(graph.String("ada")) {
		t.Errorf("expected name ada, got %v", v)
	}
	if _, ok := b.Lookup(own.ID()); !ok {
		t.Errorf("local node %s disappeared", own.ID())
	}
	if f.Cursor() != 2 {
		t.Errorf("expected cursor 2, got %d", f.Cursor())
	}

	var external int
	for _, e := range rec.snapshot() {
		if e.Source == graph.SourceExternal {
			external++
			if e.Node.ID != n.ID() {
				t.Errorf("unexpected external entry for %s", e.Node.ID)
			}
		}
	}
	if external != 2 {
		t.Errorf("expected 2 external entries, got %d", external)
	}

	saved, err := s.GetSystemState(ctx, f.cursorKey())
	if err != nil {
		t.Fatalf("GetSystemState failed: %v", err)
	}
	if saved != "2" {
		t.Errorf("expected saved cursor 2, got %q", saved)
	}

	again, err := f.Poll(ctx)
	if err != nil {
		t.Fatalf("second Poll failed: %v", err)
	}
	if again != 0 {
		t.Errorf("expected nothing new, got %d", again)
	}
}

func TestFollowerStartsAfterLoadedImage(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	a := openGraph(t, s, "writer-a")
	a.Main().CreateEntity("User")
	commit(t, a.Main())

	b := openGraph(t, s, "writer-b")
	if b.Len() != 1 {
		t.Fatalf("expected loaded graph to hold 1 node, got %d", b.Len())
	}
	f := NewFollower(s, b)
	if err := f.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	applied, err := f.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if applied != 0 {
		t.Errorf("expected loaded commits not to be replayed, got %d", applied)
	}
}

type fakeSource struct {
	commits []store.Commit
	state   map[string]string
}

func (f *fakeSource) ReadCommits(_ context.Context, _ string, after int64, limit int) ([]store.Commit, error) {
	var out []store.Commit
	for _, c := range f.commits {
		if c.Seq > after && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSource) GetSystemState(_ context.Context, key string) (string, error) {
	return f.state[key], nil
}

func (f *fakeSource) SetSystemState(_ context.Context, key, value string) error {
	f.state[key] = value
	return nil
}

func TestFollowerSkipsConflictingCommit(t *testing.T) {
	ctx := context.Background()
	g := graph.New(graph.WithName("shared"))
	defer g.Close()

	ghost := graph.Snapshot{ID: graph.NewID(), Kind: graph.KindEntity, Type: "Ghost"}
	fresh := graph.Snapshot{ID: graph.NewID(), Kind: graph.KindEntity, Type: "Fresh", CreatedAt: time.Now()}
	src := &fakeSource{
		state: make(map[string]string),
		commits: []store.Commit{
			{Seq: 1, Log: &graph.ChangeLog{ID: "c1", Graph: "shared", Seq: 1, WriterID: "other", Entries: []graph.Entry{
				{Kind: graph.TagInserted, Node: ghost, Name: "x"},
			}}},
			{Seq: 2, Log: &graph.ChangeLog{ID: "c2", Graph: "shared", Seq: 2, WriterID: "other", Entries: []graph.Entry{
				{Kind: graph.NodeInserted, Node: fresh},
			}}},
		},
	}

	f := NewFollower(src, g)
	if err := f.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	applied, err := f.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if applied != 1 {
		t.Errorf("expected 1 applied commit, got %d", applied)
	}
	if _, ok := g.Lookup(fresh.ID); !ok {
		t.Errorf("expected node %s after the skipped commit", fresh.ID)
	}
	if f.Cursor() != 2 {
		t.Errorf("expected cursor to move past the conflicting commit, got %d", f.Cursor())
	}
}

func TestFollowerStartStops(t *testing.T) {
	s := newSQLiteStore(t)
	a := openGraph(t, s, "writer-a")
	b := openGraph(t, s, "writer-b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewFollower(s, b, WithPollInterval(10*time.Millisecond)).Start(ctx)
		close(done)
	}()

	n := a.Main().CreateEntity("User")
	commit(t, a.Main())

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := b.Lookup(n.ID()); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("follower did not apply the commit in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not stop")
	}
}
