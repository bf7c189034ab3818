package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	logs []*ChangeLog
}

func (r *recorder) Publish(l *ChangeLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
}

func (r *recorder) entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, l := range r.logs {
		out = append(out, l.Entries...)
	}
	return out
}

func (r *recorder) kinds() []EntryKind {
	var out []EntryKind
	for _, e := range r.entries() {
		out = append(out, e.Kind)
	}
	return out
}

func newTestGraph(t *testing.T, opts ...Option) (*Graph, *recorder) {
	t.Helper()
	g := New(opts...)
	t.Cleanup(g.Close)
	rec := &recorder{}
	g.Observe(rec)
	return g, rec
}

func commit(t *testing.T, c *Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.CommitWait(ctx))
}

func TestPropertyLifecycle(t *testing.T) {
	g, rec := newTestGraph(t)
	c := g.Main()

	n := c.CreateEntity("T")
	commit(t, c)

	require.NoError(t, n.Set("P1", String("V1")))
	commit(t, c)
	require.NoError(t, n.Set("P1", String("V2")))
	commit(t, c)
	require.NoError(t, n.Clear("P1"))
	commit(t, c)

	entries := rec.entries()
	require.Len(t, entries, 4)
	assert.Equal(t, NodeInserted, entries[0].Kind)

	assert.Equal(t, PropertyInserted, entries[1].Kind)
	assert.Equal(t, "P1", entries[1].Name)
	assert.True(t, entries[1].Value.Equal(String("V1")))
	assert.Equal(t, SourceLocal, entries[1].Source)

	assert.Equal(t, PropertyUpdated, entries[2].Kind)
	assert.True(t, entries[2].Value.Equal(String("V2")))

	assert.Equal(t, PropertyDeleted, entries[3].Kind)
	assert.True(t, entries[3].Value.Equal(String("V2")), "deleted entry carries the pre-deletion value")

	snap, ok := g.Lookup(n.ID())
	require.True(t, ok)
	_, has := snap.Property("P1")
	assert.False(t, has)
	assert.Equal(t, int64(4), g.Seq())
}

func TestSameValueWriteIsNoop(t *testing.T) {
	g, rec := newTestGraph(t)
	c := g.Main()

	n := c.CreateEntity("T")
	require.NoError(t, n.Set("P", Int(1)))
	commit(t, c)

	require.NoError(t, n.Set("P", Int(1)))
	require.NoError(t, n.Clear("missing"))
	assert.Zero(t, c.Pending())
	commit(t, c)

	assert.Equal(t, []EntryKind{NodeInserted, PropertyInserted}, rec.kinds())
	assert.Equal(t, int64(1), g.Seq(), "empty commit does not advance the sequence")
}

func TestTagAndGroupIdempotence(t *testing.T) {
	g, rec := newTestGraph(t)
	c := g.Main()

	n := c.CreateEntity("T")
	commit(t, c)

	require.NoError(t, n.AddTag("G"))
	require.NoError(t, n.AddTag("G"))
	require.NoError(t, n.RemoveTag("absent"))
	require.NoError(t, n.AddGroup("admins"))
	require.NoError(t, n.AddGroup("admins"))
	commit(t, c)

	require.NoError(t, n.RemoveGroup("nobody"))
	commit(t, c)

	assert.Equal(t, []EntryKind{NodeInserted, TagInserted, GroupInserted}, rec.kinds())
	assert.True(t, n.HasTag("G"))
	assert.True(t, n.MemberOf("admins"))
}

func TestDeleteCascadesBonds(t *testing.T) {
	g, rec := newTestGraph(t)
	c := g.Main()

	user := c.CreateEntity("User")
	book := c.CreateEntity("Book")
	require.NoError(t, user.Set("name", String("ada")))
	require.NoError(t, user.AddTag("reader"))
	bond, err := c.CreateBond("Reads", user.ID(), book.ID())
	require.NoError(t, err)
	require.NoError(t, bond.Set("since", Int(2020)))
	commit(t, c)
	require.Len(t, g.Bonds(book.ID()), 1)

	rec.logs = nil
	require.NoError(t, user.Delete())
	assert.False(t, bond.Exists(), "the context view cascades before commit")
	commit(t, c)

	entries := rec.entries()
	require.Len(t, entries, 5)
	assert.Equal(t, PropertyDeleted, entries[0].Kind)
	assert.Equal(t, bond.ID(), entries[0].Node.ID)
	assert.Equal(t, NodeDeleted, entries[1].Kind)
	assert.Equal(t, bond.ID(), entries[1].Node.ID)
	assert.Equal(t, PropertyDeleted, entries[2].Kind)
	assert.True(t, entries[2].Value.Equal(String("ada")))
	assert.Equal(t, TagDeleted, entries[3].Kind)
	assert.Equal(t, NodeDeleted, entries[4].Kind)
	assert.Equal(t, user.ID(), entries[4].Node.ID)
	assert.Empty(t, entries[4].Node.Properties)

	_, ok := g.Lookup(bond.ID())
	assert.False(t, ok)
	assert.Empty(t, g.Bonds(book.ID()))
	assert.Equal(t, 1, g.Len())
}

func TestCreateBondRequiresEndpoints(t *testing.T) {
	g, _ := newTestGraph(t)
	c := g.Main()

	a := c.CreateEntity("A")
	_, err := c.CreateBond("Rel", a.ID(), ID("missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMutation)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, c.Pending(), "failed bond creation records nothing")
}

func TestCreateBondRequiresEntityEndpoints(t *testing.T) {
	g, _ := newTestGraph(t)
	c := g.Main()

	a := c.CreateEntity("A")
	b := c.CreateEntity("B")
	act := c.CreateAction("Login")
	bond, err := c.CreateBond("Knows", a.ID(), b.ID())
	require.NoError(t, err)

	_, err = c.CreateBond("Did", a.ID(), act.ID())
	assert.ErrorIs(t, err, ErrInvalidMutation)
	assert.NotErrorIs(t, err, ErrNotFound)
	_, err = c.CreateBond("Meta", bond.ID(), a.ID())
	assert.ErrorIs(t, err, ErrInvalidMutation)
	assert.Equal(t, 4, c.Pending(), "rejected bonds record nothing")

	commit(t, c)
	assert.Equal(t, 4, g.Len())
	assert.Len(t, g.Bonds(a.ID()), 1)
}

func TestMissingNode(t *testing.T) {
	g, _ := newTestGraph(t)
	c := g.Main()

	assert.ErrorIs(t, c.Delete("nope"), ErrNotFound)
	assert.ErrorIs(t, c.SetProperty("nope", "p", Int(1)), ErrNotFound)
	assert.ErrorIs(t, c.AddTag("nope", "t"), ErrNotFound)
	_, err := c.Node("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContextIsolation(t *testing.T) {
	g, _ := newTestGraph(t)
	a := g.NewContext()
	b := g.NewContext()

	n := a.CreateEntity("T")
	require.NoError(t, n.Set("P", String("x")))

	_, ok := b.Snapshot(n.ID())
	assert.False(t, ok, "uncommitted node leaked to another context")
	_, ok = g.Lookup(n.ID())
	assert.False(t, ok)

	commit(t, a)

	snap, ok := b.Snapshot(n.ID())
	require.True(t, ok)
	v, _ := snap.Property("P")
	assert.True(t, v.Equal(String("x")))
}

func TestConcurrentCommits(t *testing.T) {
	g, rec := newTestGraph(t)

	const workers = 16
	const writes = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := g.NewContext()
			n := c.CreateEntity("W")
			for j := 0; j < writes; j++ {
				if err := n.Set("p", Int(int64(j))); err != nil {
					errs <- err
					return
				}
			}
			if err := n.AddTag("w"); err != nil {
				errs <- err
				return
			}
			errs <- c.CommitWait(context.Background())
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// NodeInserted, PropertyInserted, writes-1 updates and TagInserted.
	assert.Len(t, rec.entries(), workers*(writes+2))
	assert.Equal(t, workers, g.Len())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.logs); i++ {
		assert.Greater(t, rec.logs[i].Seq, rec.logs[i-1].Seq)
	}
}

func TestConcurrentWritesToSharedNode(t *testing.T) {
	g, rec := newTestGraph(t)
	c := g.Main()
	n := c.CreateEntity("Shared")
	commit(t, c)
	rec.logs = nil

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := g.NewContext()
			assert.NoError(t, ctx.AddTag(n.ID(), "t"))
			assert.NoError(t, ctx.SetProperty(n.ID(), "owner", Int(int64(i))))
			assert.NoError(t, ctx.CommitWait(context.Background()))
		}(i)
	}
	wg.Wait()

	var tags, inserts, updates int
	for _, e := range rec.entries() {
		switch e.Kind {
		case TagInserted:
			tags++
		case PropertyInserted:
			inserts++
		case PropertyUpdated:
			updates++
		}
	}
	assert.Equal(t, 1, tags, "only the first commit really adds the tag")
	assert.Equal(t, 1, inserts)
	assert.Equal(t, workers-1, updates)
}

func TestCommitFailureDiscardsBatch(t *testing.T) {
	store := NewMemoryStorage()
	g, rec := newTestGraph(t, WithStorage(store))
	c := g.Main()

	boom := errors.New("disk full")
	store.FailWith = boom

	n := c.CreateEntity("T")
	err := c.CommitWait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, boom)

	assert.Empty(t, rec.entries())
	assert.False(t, n.Exists(), "failed batch is discarded from the context")
	assert.Zero(t, g.Len())
	assert.Zero(t, g.Seq())

	store.FailWith = nil
	c.CreateEntity("T")
	commit(t, c)
	assert.Len(t, store.Logs(g.Name()), 1)
}

func TestMemoryStorageFailedPersistLeavesNoTrace(t *testing.T) {
	store := NewMemoryStorage()
	a, _ := newTestGraph(t, WithStorage(store), WithName("shared"), WithWriterID("writer-a"))
	n := a.Main().CreateEntity("T")
	require.NoError(t, n.Set("p", Int(1)))
	commit(t, a.Main())

	b, err := Open(context.Background(), WithStorage(store), WithName("shared"), WithWriterID("writer-b"))
	require.NoError(t, err)
	t.Cleanup(b.Close)

	require.NoError(t, a.Main().Delete(n.ID()))
	commit(t, a.Main())

	// b still sees n, so its commit is valid locally but not in the store.
	c := b.Main()
	m := c.CreateEntity("M")
	require.NoError(t, c.SetProperty(n.ID(), "p", Int(2)))
	err = c.CommitWait(context.Background())
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, ErrNotFound)

	img, err := store.Load(context.Background(), "shared")
	require.NoError(t, err)
	for _, snap := range img.Nodes {
		assert.NotEqual(t, m.ID(), snap.ID, "node from the failed commit is visible")
	}
	assert.Empty(t, img.Nodes)
	assert.Len(t, store.Logs("shared"), 2)
}

func TestCommitRejectsMutationOfConcurrentlyDeletedNode(t *testing.T) {
	g, rec := newTestGraph(t)
	n := g.Main().CreateEntity("T")
	commit(t, g.Main())

	a := g.NewContext()
	b := g.NewContext()
	require.NoError(t, b.SetProperty(n.ID(), "p", Int(1)))
	require.NoError(t, a.Delete(n.ID()))
	commit(t, a)

	err := b.CommitWait(context.Background())
	assert.ErrorIs(t, err, ErrInvalidMutation)
	assert.Equal(t, []EntryKind{NodeInserted, NodeDeleted}, rec.kinds())
}

func TestCommitCallbackRunsAfterPublish(t *testing.T) {
	g, rec := newTestGraph(t)
	c := g.Main()
	c.CreateEntity("T")

	done := make(chan int, 1)
	c.Commit(func(err error) {
		assert.NoError(t, err)
		done <- len(rec.entries())
	})
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("commit callback never ran")
	}
}

func TestCloseFromCommitCallback(t *testing.T) {
	g := New()
	c := g.Main()
	c.CreateEntity("T")
	c.Commit(func(err error) {
		assert.NoError(t, err)
		go g.Close()
	})

	require.Eventually(t, func() bool {
		c.CreateEntity("T")
		return errors.Is(c.CommitWait(context.Background()), ErrClosed)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpenRestoresCommittedState(t *testing.T) {
	store := NewMemoryStorage()
	g, _ := newTestGraph(t, WithStorage(store), WithName("books"))
	c := g.Main()

	a := c.CreateEntity("User")
	b := c.CreateEntity("Book")
	require.NoError(t, a.Set("name", String("ada")))
	require.NoError(t, b.AddGroup("library"))
	bond, err := c.CreateBond("Reads", a.ID(), b.ID())
	require.NoError(t, err)
	commit(t, c)

	g2, err := Open(context.Background(), WithStorage(store), WithName("books"))
	require.NoError(t, err)
	t.Cleanup(g2.Close)

	assert.Equal(t, 3, g2.Len())
	assert.Equal(t, g.Seq(), g2.Seq())
	snap, ok := g2.Lookup(b.ID())
	require.True(t, ok)
	assert.True(t, snap.MemberOf("library"))

	// Bond index is rebuilt, so deleting an endpoint cascades.
	require.NoError(t, g2.Main().Delete(b.ID()))
	commit(t, g2.Main())
	_, ok = g2.Lookup(bond.ID())
	assert.False(t, ok)
}

func TestApplyExternal(t *testing.T) {
	src, srcRec := newTestGraph(t, WithWriterID("writer-a"))
	dst, dstRec := newTestGraph(t, WithWriterID("writer-b"))

	c := src.Main()
	n := c.CreateEntity("T")
	require.NoError(t, n.Set("P", Bool(true)))
	commit(t, c)

	for _, l := range srcRec.logs {
		require.NoError(t, dst.ApplyExternal(context.Background(), l))
	}

	got := dstRec.entries()
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, SourceExternal, e.Source)
	}
	assert.Equal(t, "writer-a", dstRec.logs[0].WriterID)

	snap, ok := dst.Lookup(n.ID())
	require.True(t, ok)
	v, _ := snap.Property("P")
	assert.True(t, v.Equal(Bool(true)))

	err := dst.ApplyExternal(context.Background(), srcRec.logs[0])
	assert.ErrorIs(t, err, ErrInvalidMutation, "reapplying an insert is rejected")
}

func TestClosedGraph(t *testing.T) {
	g := New()
	g.Close()

	c := g.Main()
	c.CreateEntity("T")
	assert.ErrorIs(t, c.CommitWait(context.Background()), ErrClosed)
	assert.ErrorIs(t, g.Flush(context.Background()), ErrClosed)
}

func TestDetachObserver(t *testing.T) {
	g := New()
	t.Cleanup(g.Close)
	rec := &recorder{}
	detach := g.Observe(rec)

	c := g.Main()
	c.CreateEntity("T")
	commit(t, c)
	detach()
	detach()
	c.CreateEntity("T")
	commit(t, c)

	assert.Len(t, rec.entries(), 1)
}
