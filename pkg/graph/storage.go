package graph

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Storage is the durable collaborator of a graph. Persist must be atomic per
// change log: after a failed Persist no part of the log may be visible to
// Load. Persist may assign log.Seq; the graph adopts the value it finds when
// Persist returns.
type Storage interface {
	Persist(ctx context.Context, log *ChangeLog) error
	Load(ctx context.Context, graph string) (*Image, error)
}

// Image is the committed content of a graph as read on cold start.
type Image struct {
	Seq   int64      `json:"seq"`
	Nodes []Snapshot `json:"nodes"`
}

// MemoryStorage keeps change logs in memory. It is useful for tests and for
// graphs that do not need durability.
type MemoryStorage struct {
	mu     sync.Mutex
	logs   map[string][]*ChangeLog
	images map[string]map[ID]*nodeState
	seq    map[string]int64

	// FailWith, when set, is returned by Persist instead of storing the log.
	FailWith error
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		logs:   make(map[string][]*ChangeLog),
		images: make(map[string]map[ID]*nodeState),
		seq:    make(map[string]int64),
	}
}

func (m *MemoryStorage) Persist(_ context.Context, log *ChangeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWith != nil {
		return m.FailWith
	}

	nodes := m.images[log.Graph]
	if nodes == nil {
		nodes = make(map[ID]*nodeState)
		m.images[log.Graph] = nodes
	}
	if err := applyEntries(nodes, log.Entries); err != nil {
		return err
	}
	m.logs[log.Graph] = append(m.logs[log.Graph], log)
	m.seq[log.Graph] = log.Seq
	return nil
}

func (m *MemoryStorage) Load(_ context.Context, graph string) (*Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	img := &Image{Seq: m.seq[graph]}
	for _, n := range m.images[graph] {
		img.Nodes = append(img.Nodes, n.snapshot())
	}
	slices.SortFunc(img.Nodes, compareSnapshots)
	return img, nil
}

// Logs returns the change logs persisted for a graph, oldest first.
func (m *MemoryStorage) Logs(graph string) []*ChangeLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs[graph])
}

// applyEntries folds change log entries into a node map. Entries are applied
// to copies of the touched nodes; nodes is only modified when every entry
// applied cleanly.
func applyEntries(nodes map[ID]*nodeState, entries []Entry) error {
	changed := make(map[ID]*nodeState)
	get := func(id ID) *nodeState {
		if n, ok := changed[id]; ok {
			return n
		}
		n := nodes[id]
		if n != nil {
			n = n.clone()
			changed[id] = n
		}
		return n
	}

	for i := range entries {
		e := &entries[i]
		if e.Kind == NodeInserted {
			changed[e.Node.ID] = stateFromSnapshot(e.Node)
			continue
		}
		n := get(e.Node.ID)
		if n == nil {
			return fmt.Errorf("entry %s for unknown node %s: %w", e.Kind, e.Node.ID, ErrNotFound)
		}
		switch e.Kind {
		case NodeDeleted:
			changed[e.Node.ID] = nil
		case PropertyInserted, PropertyUpdated:
			n.props[e.Name] = e.Value
		case PropertyDeleted:
			delete(n.props, e.Name)
		case TagInserted:
			n.tags[e.Name] = struct{}{}
		case TagDeleted:
			delete(n.tags, e.Name)
		case GroupInserted:
			n.groups[e.Name] = struct{}{}
		case GroupDeleted:
			delete(n.groups, e.Name)
		default:
			return fmt.Errorf("unknown entry kind %q for node %s", e.Kind, e.Node.ID)
		}
	}

	for id, n := range changed {
		if n == nil {
			delete(nodes, id)
		} else {
			nodes[id] = n
		}
	}
	return nil
}
