package graph

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Context is a mutation scope. Changes made through a Context are visible
// only to it until Commit installs them; contexts on the same graph may be
// used concurrently.
type Context struct {
	g *Graph

	mu      sync.Mutex
	pending []mutation
	work    map[ID]*workEntry
	gen     uint64
}

// workEntry is a node as this context sees it. A nil state marks a node the
// context deleted. gen is the last batch that touched it; the entry is
// dropped once that batch has been committed or discarded.
type workEntry struct {
	state *nodeState
	gen   uint64
}

// NewContext returns a fresh mutation scope on g.
func (g *Graph) NewContext() *Context {
	return &Context{
		g:    g,
		work: make(map[ID]*workEntry),
		gen:  1,
	}
}

// Graph returns the graph the context commits to.
func (c *Context) Graph() *Graph { return c.g }

func (c *Context) view(id ID) *nodeState {
	if w, ok := c.work[id]; ok {
		return w.state
	}
	n, _ := c.g.load(id)
	return n
}

func (c *Context) touch(id ID) *nodeState {
	if w, ok := c.work[id]; ok {
		w.gen = c.gen
		return w.state
	}
	n, ok := c.g.load(id)
	if !ok {
		return nil
	}
	n = n.clone()
	c.work[id] = &workEntry{state: n, gen: c.gen}
	return n
}

func (c *Context) record(m mutation) {
	c.pending = append(c.pending, m)
}

// CreateEntity creates an entity node of the given type.
func (c *Context) CreateEntity(typ string) *Node {
	n, _ := c.create(KindEntity, typ, "", "")
	return n
}

// CreateAction creates an action node of the given type.
func (c *Context) CreateAction(typ string) *Node {
	n, _ := c.create(KindAction, typ, "", "")
	return n
}

// CreateBond creates a relationship from subject to object. Both endpoints
// must be entities in the context's view.
func (c *Context) CreateBond(typ string, subject, object ID) (*Node, error) {
	return c.create(KindBond, typ, subject, object)
}

func (c *Context) create(kind Kind, typ string, subject, object ID) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == KindBond {
		for _, end := range []ID{subject, object} {
			n := c.view(end)
			if n == nil {
				return nil, fmt.Errorf("%w: bond endpoint %s: %w", ErrInvalidMutation, end, ErrNotFound)
			}
			if n.kind != KindEntity {
				return nil, fmt.Errorf("%w: bond endpoint %s is a %s, not an entity", ErrInvalidMutation, end, n.kind)
			}
		}
	}

	id := NewID()
	now := time.Now().UTC()
	c.work[id] = &workEntry{state: newNodeState(id, kind, typ, now, subject, object), gen: c.gen}
	c.record(mutation{
		op:        opCreate,
		node:      id,
		kind:      kind,
		typ:       typ,
		createdAt: now,
		subject:   subject,
		object:    object,
	})
	return &Node{c: c, id: id, kind: kind, typ: typ, createdAt: now, subject: subject, object: object}, nil
}

// Node returns a handle for a node visible to the context.
func (c *Context) Node(id ID) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.view(id)
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &Node{c: c, id: id, kind: n.kind, typ: n.typ, createdAt: n.createdAt, subject: n.subject, object: n.object}, nil
}

// Snapshot returns the node as the context currently sees it.
func (c *Context) Snapshot(id ID) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.view(id)
	if n == nil {
		return Snapshot{}, false
	}
	return n.snapshot(), true
}

// Delete removes a node together with every bond that references it.
func (c *Context) Delete(id ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.view(id) == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.deleteView(id)
	c.record(mutation{op: opDelete, node: id})
	return nil
}

func (c *Context) deleteView(id ID) {
	for _, b := range c.bondsOf(id) {
		c.deleteView(b)
	}
	c.work[id] = &workEntry{gen: c.gen}
}

func (c *Context) bondsOf(id ID) []ID {
	cands := c.g.loadRefs(id)
	for wid, w := range c.work {
		if w.state != nil && w.state.references(id) {
			cands = append(cands, wid)
		}
	}
	slices.Sort(cands)
	cands = slices.Compact(cands)
	return slices.DeleteFunc(cands, func(b ID) bool {
		n := c.view(b)
		return n == nil || !n.references(id)
	})
}

// Property returns a property value as the context sees it.
func (c *Context) Property(id ID, name string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.view(id)
	if n == nil {
		return Absent, false
	}
	v, ok := n.props[name]
	return v, ok
}

// SetProperty inserts or overwrites a property. Setting Absent deletes it;
// deleting a missing property and writing an equal value are no-ops.
func (c *Context) SetProperty(id ID, name string, v Value) error {
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidMutation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.view(id)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	old, ok := n.props[name]
	if v.IsAbsent() && !ok || ok && old.Equal(v) {
		return nil
	}

	n = c.touch(id)
	if v.IsAbsent() {
		delete(n.props, name)
	} else {
		n.props[name] = v
	}
	c.record(mutation{op: opSetProperty, node: id, name: name, value: v})
	return nil
}

func (c *Context) setMember(id ID, name string, tags, add bool) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMutation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.view(id)
	if n == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	set := n.groups
	if tags {
		set = n.tags
	}
	if _, ok := set[name]; ok == add {
		return nil
	}

	n = c.touch(id)
	set = n.groups
	op := opAddGroup
	if tags {
		set = n.tags
		op = opAddTag
	}
	if add {
		set[name] = struct{}{}
	} else {
		delete(set, name)
		op++ // opRemoveTag, opRemoveGroup
	}
	c.record(mutation{op: op, node: id, name: name})
	return nil
}

func (c *Context) AddTag(id ID, tag string) error      { return c.setMember(id, tag, true, true) }
func (c *Context) RemoveTag(id ID, tag string) error   { return c.setMember(id, tag, true, false) }
func (c *Context) AddGroup(id ID, group string) error  { return c.setMember(id, group, false, true) }
func (c *Context) RemoveGroup(id ID, grp string) error { return c.setMember(id, grp, false, false) }

// Pending returns the number of recorded mutations not yet committed.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Discard drops the recorded mutations that have not been committed.
func (c *Context) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	for id, w := range c.work {
		if w.gen == c.gen {
			delete(c.work, id)
		}
	}
}

// Commit hands the recorded mutations to the graph's commit queue and returns
// immediately. done, if not nil, receives the outcome once the change log has
// been persisted and published, or the reason it was not.
func (c *Context) Commit(done func(error)) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	b := c.gen
	c.gen++
	c.mu.Unlock()

	g := c.g
	err := g.queue.Submit(func() {
		start := time.Now()
		err := g.commit(batch)
		GraphkitCommitSeconds.WithLabelValues(g.name).Observe(time.Since(start).Seconds())
		c.settle(b)
		if done != nil {
			done(err)
		}
	})
	if err != nil {
		c.settle(b)
		if done != nil {
			go done(ErrClosed)
		}
	}
}

// CommitWait commits and blocks until the commit completes or ctx is done.
func (c *Context) CommitWait(ctx context.Context) error {
	errCh := make(chan error, 1)
	c.Commit(func(err error) { errCh <- err })
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle forgets overlay entries last touched by batch b or earlier.
func (c *Context) settle(b uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, w := range c.work {
		if w.gen <= b {
			delete(c.work, id)
		}
	}
}

// Node is a handle on one node through a Context. Reads reflect the
// context's view; writes are recorded in the context.
type Node struct {
	c         *Context
	id        ID
	kind      Kind
	typ       string
	createdAt time.Time
	subject   ID
	object    ID
}

func (n *Node) ID() ID               { return n.id }
func (n *Node) Kind() Kind           { return n.kind }
func (n *Node) Type() string         { return n.typ }
func (n *Node) CreatedAt() time.Time { return n.createdAt }
func (n *Node) Subject() ID          { return n.subject }
func (n *Node) Object() ID           { return n.object }
func (n *Node) Context() *Context    { return n.c }

// Exists reports whether the node is still visible to its context.
func (n *Node) Exists() bool {
	_, ok := n.c.Snapshot(n.id)
	return ok
}

// Get returns the property value, or Absent.
func (n *Node) Get(name string) Value {
	v, _ := n.c.Property(n.id, name)
	return v
}

func (n *Node) Set(name string, v Value) error { return n.c.SetProperty(n.id, name, v) }
func (n *Node) Clear(name string) error        { return n.c.SetProperty(n.id, name, Absent) }
func (n *Node) AddTag(tag string) error        { return n.c.AddTag(n.id, tag) }
func (n *Node) RemoveTag(tag string) error     { return n.c.RemoveTag(n.id, tag) }
func (n *Node) AddGroup(grp string) error      { return n.c.AddGroup(n.id, grp) }
func (n *Node) RemoveGroup(grp string) error   { return n.c.RemoveGroup(n.id, grp) }
func (n *Node) Delete() error                  { return n.c.Delete(n.id) }

func (n *Node) HasTag(tag string) bool {
	s, ok := n.c.Snapshot(n.id)
	return ok && s.HasTag(tag)
}

func (n *Node) MemberOf(grp string) bool {
	s, ok := n.c.Snapshot(n.id)
	return ok && s.MemberOf(grp)
}

// Snapshot returns an immutable copy of the node as its context sees it.
func (n *Node) Snapshot() (Snapshot, bool) { return n.c.Snapshot(n.id) }
