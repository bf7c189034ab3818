package watch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/predicate"
)

// recorder renders every callback as "kind name=value source".
type recorder struct {
	mu    sync.Mutex
	calls []string
	nodes []graph.Snapshot
}

func (r *recorder) add(kind graph.EntryKind, n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := string(kind)
	if name != "" {
		s += " " + name
	}
	if !v.IsAbsent() {
		s += "=" + v.String()
	}
	r.calls = append(r.calls, s+" "+string(src))
	r.nodes = append(r.nodes, n)
}

func (r *recorder) NodeInserted(n graph.Snapshot, src graph.Source) {
	r.add(graph.NodeInserted, n, "", graph.Absent, src)
}
func (r *recorder) NodeDeleted(n graph.Snapshot, src graph.Source) {
	r.add(graph.NodeDeleted, n, "", graph.Absent, src)
}
func (r *recorder) PropertyInserted(n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	r.add(graph.PropertyInserted, n, name, v, src)
}
func (r *recorder) PropertyUpdated(n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	r.add(graph.PropertyUpdated, n, name, v, src)
}
func (r *recorder) PropertyDeleted(n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	r.add(graph.PropertyDeleted, n, name, v, src)
}
func (r *recorder) TagInserted(n graph.Snapshot, name string, src graph.Source) {
	r.add(graph.TagInserted, n, name, graph.Absent, src)
}
func (r *recorder) TagDeleted(n graph.Snapshot, name string, src graph.Source) {
	r.add(graph.TagDeleted, n, name, graph.Absent, src)
}
func (r *recorder) GroupInserted(n graph.Snapshot, name string, src graph.Source) {
	r.add(graph.GroupInserted, n, name, graph.Absent, src)
}
func (r *recorder) GroupDeleted(n graph.Snapshot, name string, src graph.Source) {
	r.add(graph.GroupDeleted, n, name, graph.Absent, src)
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	r.nodes = nil
	return out
}

func setup(t *testing.T, opts ...Option) (*graph.Graph, *Registry) {
	t.Helper()
	g := graph.New()
	t.Cleanup(g.Close)
	r := Attach(g, opts...)
	t.Cleanup(r.Close)
	return g, r
}

func commit(t *testing.T, c *graph.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.CommitWait(ctx))
}

func TestPropertyWatchLifecycle(t *testing.T) {
	g, r := setup(t)
	c := g.Main()

	n := c.CreateEntity("T")
	require.NoError(t, n.Set("P1", graph.String("V1")))

	rec := &recorder{}
	_, err := Subscribe(r, graph.KindEntity, predicate.Exists("P1"), rec)
	require.NoError(t, err)

	commit(t, c)
	assert.Equal(t, []string{"property_inserted P1=V1 local"}, rec.take())

	require.NoError(t, n.Set("P1", graph.String("V2")))
	commit(t, c)
	assert.Equal(t, []string{"property_updated P1=V2 local"}, rec.take())

	require.NoError(t, n.Clear("P1"))
	commit(t, c)
	assert.Equal(t, []string{"property_deleted P1=V2 local"}, rec.take())

	require.NoError(t, n.AddTag("P1"))
	commit(t, c)
	assert.Empty(t, rec.take(), "a tag named like the property does not satisfy exists")
	runtime.KeepAlive(rec)
}

func TestDeleteDeliversAttributeRemovalsThenNode(t *testing.T) {
	g, r := setup(t)
	c := g.Main()

	n := c.CreateEntity("T")
	require.NoError(t, n.Set("P", graph.Int(222)))
	require.NoError(t, n.AddTag("G"))
	commit(t, c)

	rec := &recorder{}
	_, err := Subscribe(r, graph.KindEntity, predicate.Type("T"), rec)
	require.NoError(t, err)

	require.NoError(t, n.Delete())
	commit(t, c)

	assert.Equal(t, []string{
		"property_deleted P=222 local",
		"tag_deleted G local",
		"node_deleted local",
	}, rec.take())
	runtime.KeepAlive(rec)
}

func TestCompositePredicateGetsInsert(t *testing.T) {
	g, r := setup(t)

	rec := &recorder{}
	_, err := SubscribeExpr(r, graph.KindEntity, `type("T") || has("G") || exists("P")`, rec)
	require.NoError(t, err)

	c := g.Main()
	c.CreateEntity("T")
	c.CreateEntity("Other")
	commit(t, c)

	assert.Equal(t, []string{"node_inserted local"}, rec.take())
	runtime.KeepAlive(rec)
}

func TestKindFilter(t *testing.T) {
	g, r := setup(t)

	entities, actions, every := &recorder{}, &recorder{}, &recorder{}
	_, err := Subscribe(r, graph.KindEntity, predicate.True(), entities)
	require.NoError(t, err)
	_, err = Subscribe(r, graph.KindAction, predicate.True(), actions)
	require.NoError(t, err)
	_, err = Subscribe(r, AnyKind, predicate.True(), every)
	require.NoError(t, err)

	c := g.Main()
	c.CreateEntity("E")
	c.CreateAction("A")
	commit(t, c)

	assert.Len(t, entities.take(), 1)
	assert.Len(t, actions.take(), 1)
	assert.Len(t, every.take(), 2)
	runtime.KeepAlive(entities)
	runtime.KeepAlive(actions)
	runtime.KeepAlive(every)
}

func TestBondCascadeDelivery(t *testing.T) {
	g, r := setup(t)
	c := g.Main()

	a := c.CreateEntity("User")
	b := c.CreateEntity("Book")
	_, err := c.CreateBond("Reads", a.ID(), b.ID())
	require.NoError(t, err)
	commit(t, c)

	bonds := &recorder{}
	_, err = Subscribe(r, graph.KindBond, predicate.Type("Reads"), bonds)
	require.NoError(t, err)
	all := &recorder{}
	_, err = Subscribe(r, AnyKind, predicate.True(), all)
	require.NoError(t, err)

	require.NoError(t, a.Delete())
	commit(t, c)

	assert.Equal(t, []string{"node_deleted local"}, bonds.take())
	assert.Equal(t, []string{"node_deleted local", "node_deleted local"}, all.take())
	runtime.KeepAlive(bonds)
	runtime.KeepAlive(all)
}

func TestUnsubscribe(t *testing.T) {
	g, r := setup(t)
	c := g.Main()

	rec := &recorder{}
	h, err := Subscribe(r, graph.KindEntity, predicate.True(), rec)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Unsubscribe(h))
	assert.False(t, r.Unsubscribe(h))
	assert.Zero(t, r.Len())

	c.CreateEntity("T")
	commit(t, c)
	assert.Empty(t, rec.take())
	runtime.KeepAlive(rec)
}

func TestReleasedDelegateIsPruned(t *testing.T) {
	g, r := setup(t)
	c := g.Main()

	func() {
		rec := &recorder{}
		_, err := Subscribe(r, graph.KindEntity, predicate.True(), rec)
		require.NoError(t, err)
	}()
	require.Equal(t, 1, r.Len())

	for i := 0; i < 20 && r.Len() > 0; i++ {
		runtime.GC()
		c.CreateEntity("T")
		commit(t, c)
	}
	assert.Zero(t, r.Len())
}

func TestOwnedDelegateIsKept(t *testing.T) {
	g, r := setup(t)
	c := g.Main()

	var mu sync.Mutex
	var got []graph.EntryKind
	_, err := r.SubscribeOwned(graph.KindEntity, predicate.True(), EntryFunc(func(e graph.Entry) {
		mu.Lock()
		got = append(got, e.Kind)
		mu.Unlock()
	}))
	require.NoError(t, err)

	runtime.GC()
	n := c.CreateEntity("T")
	require.NoError(t, n.AddGroup("g"))
	commit(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []graph.EntryKind{graph.NodeInserted, graph.GroupInserted}, got)
	assert.Equal(t, 1, r.Len())
}

var statelessInserts atomic.Int64

// statelessDelegate has no fields, so every instance shares one address
// outside the heap.
type statelessDelegate struct{ Base }

func (statelessDelegate) NodeInserted(graph.Snapshot, graph.Source) { statelessInserts.Add(1) }

var staticRecorder recorder

func TestDelegatesOutsideTheHeapAreKept(t *testing.T) {
	g, r := setup(t)
	c := g.Main()

	statelessInserts.Store(0)
	_, err := Subscribe(r, graph.KindEntity, predicate.True(), &statelessDelegate{})
	require.NoError(t, err)
	_, err = SubscribeExpr(r, graph.KindEntity, `type("T")`, &staticRecorder)
	require.NoError(t, err)
	staticRecorder.take()

	runtime.GC()
	c.CreateEntity("T")
	commit(t, c)

	assert.Equal(t, int64(1), statelessInserts.Load())
	assert.Equal(t, []string{"node_inserted local"}, staticRecorder.take())
	assert.Equal(t, 2, r.Len())
}

func TestSubscribeErrors(t *testing.T) {
	_, r := setup(t)
	rec := &recorder{}

	_, err := SubscribeExpr(r, graph.KindEntity, `exists(`, rec)
	assert.ErrorIs(t, err, ErrSubscription)
	assert.ErrorIs(t, err, predicate.ErrSyntax)

	_, err = Subscribe(r, graph.Kind("widget"), predicate.True(), rec)
	assert.ErrorIs(t, err, ErrSubscription)

	_, err = Subscribe(r, graph.KindEntity, predicate.Exists(""), rec)
	assert.ErrorIs(t, err, ErrSubscription)

	var nilRec *recorder
	_, err = Subscribe(r, graph.KindEntity, predicate.True(), nilRec)
	assert.ErrorIs(t, err, ErrSubscription)
	assert.Zero(t, r.Len())
}

func TestExternalSource(t *testing.T) {
	src := graph.New()
	t.Cleanup(src.Close)
	var logs []*graph.ChangeLog
	src.Observe(observerFunc(func(l *graph.ChangeLog) { logs = append(logs, l) }))

	dst, r := setup(t)
	rec := &recorder{}
	_, err := Subscribe(r, graph.KindEntity, predicate.Exists("P"), rec)
	require.NoError(t, err)

	n := src.Main().CreateEntity("T")
	require.NoError(t, n.Set("P", graph.Bool(true)))
	commit(t, src.Main())

	for _, l := range logs {
		require.NoError(t, dst.ApplyExternal(context.Background(), l))
	}
	assert.Equal(t, []string{"property_inserted P=true external"}, rec.take())
	runtime.KeepAlive(rec)
}

type observerFunc func(*graph.ChangeLog)

func (f observerFunc) Publish(l *graph.ChangeLog) { f(l) }

func TestSerialDispatcherKeepsCommitOrder(t *testing.T) {
	disp := NewSerial()
	t.Cleanup(disp.Close)
	g, r := setup(t, WithDefaultDispatcher(disp))

	rec := &recorder{}
	_, err := Subscribe(r, graph.KindEntity, predicate.Exists("n"), rec)
	require.NoError(t, err)

	c := g.Main()
	n := c.CreateEntity("T")
	const commits = 50
	for i := 0; i < commits; i++ {
		require.NoError(t, n.Set("n", graph.Int(int64(i))))
		c.Commit(nil)
	}
	require.NoError(t, g.Flush(context.Background()))
	require.NoError(t, disp.Flush(context.Background()))

	calls := rec.take()
	require.Len(t, calls, commits)
	for i, call := range calls {
		kind := "property_updated"
		if i == 0 {
			kind = "property_inserted"
		}
		assert.Equal(t, fmt.Sprintf("%s n=%d local", kind, i), call)
	}
	runtime.KeepAlive(rec)
}

func TestConcurrentCommitsReachWatchersInOneOrder(t *testing.T) {
	g := graph.New()
	t.Cleanup(g.Close)
	all := &logRecorder{}
	g.Observe(all)

	var recs []*entryRecorder
	var disps []*Serial
	for i := 0; i < 2; i++ {
		d := NewSerial()
		t.Cleanup(d.Close)
		r := Attach(g, WithDefaultDispatcher(d))
		t.Cleanup(r.Close)
		rec := &entryRecorder{}
		_, err := Subscribe(r, graph.KindEntity, predicate.True(), rec)
		require.NoError(t, err)
		recs = append(recs, rec)
		disps = append(disps, d)
	}

	const workers = 16
	const writes = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := g.NewContext()
			n := c.CreateEntity("W")
			for j := 0; j < writes; j++ {
				assert.NoError(t, n.Set("p", graph.Int(int64(j))))
				assert.NoError(t, n.AddTag(fmt.Sprintf("t%d", j)))
				c.Commit(func(err error) { assert.NoError(t, err) })
			}
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Flush(ctx))
	for _, d := range disps {
		require.NoError(t, d.Flush(ctx))
	}

	key := func(e graph.Entry) string { return fmt.Sprintf("%s %s %s", e.Kind, e.Node.ID, e.Name) }
	var want []string
	for _, e := range all.entries() {
		want = append(want, key(e))
	}
	// NodeInserted, PropertyInserted, writes-1 updates and writes tags per worker.
	require.Len(t, want, workers*(2*writes+1))
	for i, rec := range recs {
		var got []string
		for _, e := range rec.entries {
			got = append(got, key(e))
		}
		assert.Equal(t, want, got, "watcher %d", i)
	}
	for _, rec := range recs {
		runtime.KeepAlive(rec)
	}
}

// TestDeliveryMatchesPredicate drives random mutations through the graph and
// checks that each subscription receives exactly the matching entries, in
// log order.
func TestDeliveryMatchesPredicate(t *testing.T) {
	g, r := setup(t)

	all := &logRecorder{}
	g.Observe(all)

	rnd := rand.New(rand.NewPCG(7, 8))
	names := []string{"a", "b", "c"}
	types := []string{"T", "U"}

	randPred := func() predicate.Predicate {
		var gen func(depth int) predicate.Predicate
		gen = func(depth int) predicate.Predicate {
			if depth == 0 || rnd.IntN(3) == 0 {
				name := names[rnd.IntN(len(names))]
				switch rnd.IntN(4) {
				case 0:
					return predicate.Type(types[rnd.IntN(len(types))])
				case 1:
					return predicate.Exists(name)
				case 2:
					return predicate.HasTag(name)
				}
				return predicate.MemberOf(name)
			}
			switch rnd.IntN(3) {
			case 0:
				return predicate.Not(gen(depth - 1))
			case 1:
				return predicate.And(gen(depth-1), gen(depth-1))
			}
			return predicate.Or(gen(depth-1), gen(depth-1))
		}
		return gen(3)
	}

	type sub struct {
		p   predicate.Predicate
		rec *entryRecorder
	}
	var subs []sub
	for i := 0; i < 20; i++ {
		s := sub{p: randPred(), rec: &entryRecorder{}}
		_, err := Subscribe(r, graph.KindEntity, s.p, s.rec)
		require.NoError(t, err)
		subs = append(subs, s)
	}

	c := g.Main()
	var live []*graph.Node
	for round := 0; round < 30; round++ {
		for op := 0; op < 10; op++ {
			if len(live) == 0 || rnd.IntN(6) == 0 {
				live = append(live, c.CreateEntity(types[rnd.IntN(len(types))]))
				continue
			}
			i := rnd.IntN(len(live))
			n := live[i]
			name := names[rnd.IntN(len(names))]
			switch rnd.IntN(8) {
			case 0:
				require.NoError(t, n.Set(name, graph.Int(int64(rnd.IntN(3)))))
			case 1:
				require.NoError(t, n.Clear(name))
			case 2:
				require.NoError(t, n.AddTag(name))
			case 3:
				require.NoError(t, n.RemoveTag(name))
			case 4:
				require.NoError(t, n.AddGroup(name))
			case 5:
				require.NoError(t, n.RemoveGroup(name))
			case 6:
				require.NoError(t, n.Delete())
				live = append(live[:i], live[i+1:]...)
			default:
				require.NoError(t, n.Set(name, graph.String(name)))
			}
		}
		commit(t, c)
	}

	entries := all.entries()
	require.NotEmpty(t, entries)
	views := replayViews(t, entries)
	for _, s := range subs {
		var want []graph.Entry
		for i, e := range entries {
			v := views[i]
			if v.holds(s.p, v.after) || (v.removal && v.holds(s.p, v.before)) {
				want = append(want, e)
			}
		}
		got := s.rec.entries
		require.Len(t, got, len(want), "predicate %s", s.p)
		for i := range want {
			assert.Equal(t, want[i].Kind, got[i].Kind, "predicate %s entry %d", s.p, i)
			assert.Equal(t, want[i].Node.ID, got[i].Node.ID)
			assert.Equal(t, want[i].Name, got[i].Name)
		}
	}
	for _, s := range subs {
		runtime.KeepAlive(s.rec)
	}
}

// entryView is one entry seen against a model of the graph rebuilt from the
// log: whether the entry's attribute was present before and after it.
type entryView struct {
	typ     string
	attr    string
	name    string
	removal bool
	before  bool
	after   bool
}

// holds evaluates p for the entry, with attribute leaves reading present.
func (v entryView) holds(p predicate.Predicate, present bool) bool {
	switch p.Op() {
	case predicate.OpTrue:
		return true
	case predicate.OpType:
		return v.typ == p.Name()
	case predicate.OpExists:
		return v.attr == "property" && v.name == p.Name() && present
	case predicate.OpHasTag:
		return v.attr == "tag" && v.name == p.Name() && present
	case predicate.OpMemberOf:
		return v.attr == "group" && v.name == p.Name() && present
	case predicate.OpAnd:
		ok := true
		for _, sub := range p.Sub() {
			ok = v.holds(sub, present) && ok
		}
		return ok
	case predicate.OpOr:
		ok := false
		for _, sub := range p.Sub() {
			ok = v.holds(sub, present) || ok
		}
		return ok
	case predicate.OpNot:
		return !v.holds(p.Sub()[0], present)
	}
	panic("unknown op " + p.Op().String())
}

// replayViews folds the log into per-node attribute sets and records, for
// every entry, the presence of its attribute around the entry.
func replayViews(t *testing.T, entries []graph.Entry) []entryView {
	t.Helper()
	attrs := map[graph.ID]map[string]bool{}
	views := make([]entryView, len(entries))
	for i, e := range entries {
		v := entryView{typ: e.Node.Type, name: e.Name}
		present := true
		switch e.Kind {
		case graph.NodeInserted:
			attrs[e.Node.ID] = map[string]bool{}
		case graph.NodeDeleted:
			v.removal = true
		case graph.PropertyInserted, graph.PropertyUpdated:
			v.attr = "property"
		case graph.PropertyDeleted:
			v.attr, v.removal, present = "property", true, false
		case graph.TagInserted:
			v.attr = "tag"
		case graph.TagDeleted:
			v.attr, v.removal, present = "tag", true, false
		case graph.GroupInserted:
			v.attr = "group"
		case graph.GroupDeleted:
			v.attr, v.removal, present = "group", true, false
		}
		if v.attr != "" {
			set := attrs[e.Node.ID]
			require.NotNil(t, set, "entry %d on unknown node", i)
			key := v.attr + ":" + e.Name
			v.before, v.after = set[key], present
			set[key] = present
			if e.Kind == graph.PropertyUpdated {
				require.True(t, v.before, "update of absent property at entry %d", i)
			} else {
				require.NotEqual(t, v.before, v.after, "no-op transition logged at entry %d", i)
			}
		}
		if e.Kind == graph.NodeDeleted {
			for key, on := range attrs[e.Node.ID] {
				require.False(t, on, "node deleted with %s still set", key)
			}
			delete(attrs, e.Node.ID)
		}
		views[i] = v
	}
	return views
}

type logRecorder struct {
	mu   sync.Mutex
	logs []*graph.ChangeLog
}

func (l *logRecorder) Publish(log *graph.ChangeLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, log)
}

func (l *logRecorder) entries() []graph.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []graph.Entry
	for _, log := range l.logs {
		out = append(out, log.Entries...)
	}
	return out
}

type entryRecorder struct {
	Base
	entries []graph.Entry
}

func (r *entryRecorder) record(e graph.Entry) { r.entries = append(r.entries, e) }

func (r *entryRecorder) NodeInserted(n graph.Snapshot, src graph.Source) {
	r.record(graph.Entry{Kind: graph.NodeInserted, Node: n, Source: src})
}
func (r *entryRecorder) NodeDeleted(n graph.Snapshot, src graph.Source) {
	r.record(graph.Entry{Kind: graph.NodeDeleted, Node: n, Source: src})
}
func (r *entryRecorder) PropertyInserted(n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	r.record(graph.Entry{Kind: graph.PropertyInserted, Node: n, Name: name, Value: v, Source: src})
}
func (r *entryRecorder) PropertyUpdated(n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	r.record(graph.Entry{Kind: graph.PropertyUpdated, Node: n, Name: name, Value: v, Source: src})
}
func (r *entryRecorder) PropertyDeleted(n graph.Snapshot, name string, v graph.Value, src graph.Source) {
	r.record(graph.Entry{Kind: graph.PropertyDeleted, Node: n, Name: name, Value: v, Source: src})
}
func (r *entryRecorder) TagInserted(n graph.Snapshot, name string, src graph.Source) {
	r.record(graph.Entry{Kind: graph.TagInserted, Node: n, Name: name, Source: src})
}
func (r *entryRecorder) TagDeleted(n graph.Snapshot, name string, src graph.Source) {
	r.record(graph.Entry{Kind: graph.TagDeleted, Node: n, Name: name, Source: src})
}
func (r *entryRecorder) GroupInserted(n graph.Snapshot, name string, src graph.Source) {
	r.record(graph.Entry{Kind: graph.GroupInserted, Node: n, Name: name, Source: src})
}
func (r *entryRecorder) GroupDeleted(n graph.Snapshot, name string, src graph.Source) {
	r.record(graph.Entry{Kind: graph.GroupDeleted, Node: n, Name: name, Source: src})
}
