// Package graph implements an in-memory entity-attribute-value object graph
// with a serialized commit pipeline. Mutations are staged in a Context,
// committed on the graph's queue, persisted through a Storage and published
// as a ChangeLog to every attached Observer.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/rmax-ai/graphkit/pkg/serial"
)

// Observer receives every change log a graph publishes. Publish is called on
// the graph's commit queue, one log at a time, in commit order.
type Observer interface {
	Publish(log *ChangeLog)
}

// Option configures a Graph.
type Option func(*Graph)

// WithStorage sets the durable collaborator. Without one, commits are kept in
// memory only.
func WithStorage(s Storage) Option {
	return func(g *Graph) { g.storage = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// WithName sets the graph name used by storage backends and metrics.
func WithName(name string) Option {
	return func(g *Graph) { g.name = name }
}

// WithWriterID sets the identity stamped on local change logs. Followers use
// it to tell their own commits apart from other writers'.
func WithWriterID(id string) Option {
	return func(g *Graph) { g.writerID = id }
}

// Graph is one graph instance. Reads of committed state are safe from any
// goroutine; all commits run on a single queue.
type Graph struct {
	name     string
	writerID string
	storage  Storage
	logger   *slog.Logger

	queue *serial.Queue

	mu    sync.RWMutex
	nodes map[ID]*nodeState
	refs  map[ID]map[ID]struct{} // node -> bonds referencing it
	seq   int64

	obsMu     sync.Mutex
	observers []*observerRef

	main *Context
}

type observerRef struct {
	o Observer
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		name:   "default",
		logger: slog.Default(),
		nodes:  make(map[ID]*nodeState),
		refs:   make(map[ID]map[ID]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.writerID == "" {
		g.writerID = uuid.NewString()
	}
	g.queue = serial.New()
	g.main = g.NewContext()
	return g
}

// Open creates a graph and loads its committed content from the configured
// storage.
func Open(ctx context.Context, opts ...Option) (*Graph, error) {
	g := New(opts...)
	if g.storage == nil {
		return g, nil
	}

	img, err := g.storage.Load(ctx, g.name)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to load graph %s: %w", g.name, err)
	}

	g.mu.Lock()
	for _, s := range img.Nodes {
		n := stateFromSnapshot(s)
		g.nodes[n.id] = n
		if n.kind == KindBond {
			g.addRef(n.subject, n.id)
			g.addRef(n.object, n.id)
		}
	}
	g.seq = img.Seq
	g.mu.Unlock()

	GraphkitNodes.WithLabelValues(g.name).Set(float64(len(img.Nodes)))
	g.logger.Info("graph loaded", "graph", g.name, "nodes", len(img.Nodes), "seq", img.Seq)
	return g, nil
}

func (g *Graph) Name() string     { return g.name }
func (g *Graph) WriterID() string { return g.writerID }

// Main returns the graph's default mutation context.
func (g *Graph) Main() *Context { return g.main }

// Seq returns the sequence number of the last installed commit.
func (g *Graph) Seq() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.seq
}

// Len returns the number of committed nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Lookup returns the committed snapshot of a node.
func (g *Graph) Lookup(id ID) (Snapshot, bool) {
	g.mu.RLock()
	n, ok := g.nodes[id]
	g.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return n.snapshot(), true
}

// Nodes returns snapshots of all committed nodes ordered by id.
func (g *Graph) Nodes() []Snapshot {
	g.mu.RLock()
	out := make([]Snapshot, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.snapshot())
	}
	g.mu.RUnlock()
	slices.SortFunc(out, compareSnapshots)
	return out
}

// Bonds returns the committed bonds whose subject or object is id.
func (g *Graph) Bonds(id ID) []Snapshot {
	g.mu.RLock()
	out := make([]Snapshot, 0, len(g.refs[id]))
	for b := range g.refs[id] {
		if n, ok := g.nodes[b]; ok {
			out = append(out, n.snapshot())
		}
	}
	g.mu.RUnlock()
	slices.SortFunc(out, compareSnapshots)
	return out
}

// Observe attaches an observer. The returned func detaches it; it is safe to
// call more than once.
func (g *Graph) Observe(o Observer) (detach func()) {
	ref := &observerRef{o: o}
	g.obsMu.Lock()
	g.observers = append(g.observers, ref)
	g.obsMu.Unlock()

	return func() {
		g.obsMu.Lock()
		defer g.obsMu.Unlock()
		g.observers = slices.DeleteFunc(g.observers, func(r *observerRef) bool { return r == ref })
	}
}

// Flush waits until every commit submitted before the call has completed.
func (g *Graph) Flush(ctx context.Context) error {
	if err := g.queue.Flush(ctx); err != nil {
		if errors.Is(err, serial.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close finishes queued commits and stops the commit queue. Later commits
// fail with ErrClosed. Close blocks until the queue is drained, so commit
// callbacks and inline delegates, which run on the queue, must call it as
// go g.Close().
func (g *Graph) Close() {
	g.queue.Close()
}

// ApplyExternal installs a change log committed by another writer and
// publishes it with SourceExternal. The log is not persisted again.
func (g *Graph) ApplyExternal(ctx context.Context, log *ChangeLog) error {
	errCh := make(chan error, 1)
	err := g.queue.Submit(func() {
		errCh <- g.applyExternal(log)
	})
	if err != nil {
		return ErrClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Graph) applyExternal(log *ChangeLog) error {
	st := newStage(g, SourceExternal)
	for i := range log.Entries {
		if err := st.replay(&log.Entries[i]); err != nil {
			GraphkitCommitsTotal.WithLabelValues(g.name, string(SourceExternal), "invalid").Inc()
			return fmt.Errorf("failed to apply external commit %s: %w", log.ID, err)
		}
	}

	out := *log
	out.Source = SourceExternal
	out.Entries = st.entries

	seq := max(log.Seq, g.Seq())
	g.install(st, seq)
	g.publish(&out)
	GraphkitCommitsTotal.WithLabelValues(g.name, string(SourceExternal), "ok").Inc()
	g.logger.Debug("external commit applied", "graph", g.name, "commit", log.ID, "writer", log.WriterID, "entries", len(out.Entries))
	return nil
}

// commit runs on the queue. It replays batch against committed state,
// persists the resulting change log and publishes it.
func (g *Graph) commit(batch []mutation) error {
	st := newStage(g, SourceLocal)
	for i := range batch {
		if err := st.apply(&batch[i]); err != nil {
			GraphkitCommitsTotal.WithLabelValues(g.name, string(SourceLocal), "invalid").Inc()
			g.logger.Warn("commit rejected", "graph", g.name, "error", err)
			return err
		}
	}
	if len(st.entries) == 0 {
		GraphkitCommitsTotal.WithLabelValues(g.name, string(SourceLocal), "empty").Inc()
		return nil
	}

	log := &ChangeLog{
		ID:          uuid.NewString(),
		Graph:       g.name,
		Seq:         g.seq + 1,
		WriterID:    g.writerID,
		Source:      SourceLocal,
		CommittedAt: st.now,
		Entries:     st.entries,
	}

	if g.storage != nil {
		if err := g.storage.Persist(context.Background(), log); err != nil {
			GraphkitCommitsTotal.WithLabelValues(g.name, string(SourceLocal), "failed").Inc()
			g.logger.Error("commit persist failed", "graph", g.name, "commit", log.ID, "error", err)
			return fmt.Errorf("%w: %w", ErrCommitFailed, err)
		}
	}

	g.install(st, log.Seq)
	g.publish(log)

	GraphkitCommitsTotal.WithLabelValues(g.name, string(SourceLocal), "ok").Inc()
	g.logger.Debug("commit", "graph", g.name, "seq", log.Seq, "entries", len(log.Entries))
	return nil
}

// install swaps staged node states into the committed maps.
func (g *Graph) install(st *stage, seq int64) {
	g.mu.Lock()
	for id, n := range st.nodes {
		if old, ok := g.nodes[id]; ok && old.kind == KindBond {
			g.dropRef(old.subject, id)
			g.dropRef(old.object, id)
		}
		if n == nil {
			delete(g.nodes, id)
			delete(g.refs, id)
			continue
		}
		g.nodes[id] = n
		if n.kind == KindBond {
			g.addRef(n.subject, id)
			g.addRef(n.object, id)
		}
	}
	g.seq = seq
	count := len(g.nodes)
	g.mu.Unlock()

	GraphkitNodes.WithLabelValues(g.name).Set(float64(count))
}

func (g *Graph) publish(log *ChangeLog) {
	for _, e := range log.Entries {
		GraphkitEntriesTotal.WithLabelValues(g.name, string(e.Kind)).Inc()
	}

	g.obsMu.Lock()
	obs := slices.Clone(g.observers)
	g.obsMu.Unlock()

	for _, r := range obs {
		r.o.Publish(log)
	}
}

func (g *Graph) addRef(target, bond ID) {
	set, ok := g.refs[target]
	if !ok {
		set = make(map[ID]struct{})
		g.refs[target] = set
	}
	set[bond] = struct{}{}
}

func (g *Graph) dropRef(target, bond ID) {
	if set, ok := g.refs[target]; ok {
		delete(set, bond)
		if len(set) == 0 {
			delete(g.refs, target)
		}
	}
}

// committed reads a node without taking the lock. Only the queue goroutine,
// the sole writer, may call it.
func (g *Graph) committed(id ID) *nodeState {
	return g.nodes[id]
}

// referencing returns the committed bonds pointing at id. Queue goroutine
// only.
func (g *Graph) referencing(id ID) []ID {
	out := make([]ID, 0, len(g.refs[id]))
	for b := range g.refs[id] {
		out = append(out, b)
	}
	return out
}

// load returns a committed node under the read lock.
func (g *Graph) load(id ID) (*nodeState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// loadRefs returns the committed bonds pointing at id under the read lock.
func (g *Graph) loadRefs(id ID) []ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.referencing(id)
}

func compareSnapshots(a, b Snapshot) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
