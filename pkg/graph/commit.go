package graph

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// stage is a copy-on-touch view over committed state used while one commit
// is replayed. A nil entry in nodes marks a deletion.
type stage struct {
	g       *Graph
	src     Source
	now     time.Time
	nodes   map[ID]*nodeState
	created map[ID][]ID // endpoint -> bonds created in this stage
	entries []Entry
}

func newStage(g *Graph, src Source) *stage {
	return &stage{
		g:       g,
		src:     src,
		now:     time.Now().UTC(),
		nodes:   make(map[ID]*nodeState),
		created: make(map[ID][]ID),
	}
}

func (s *stage) get(id ID) *nodeState {
	if n, ok := s.nodes[id]; ok {
		return n
	}
	return s.g.committed(id)
}

func (s *stage) touch(id ID) *nodeState {
	if n, ok := s.nodes[id]; ok {
		return n
	}
	n := s.g.committed(id)
	if n == nil {
		return nil
	}
	n = n.clone()
	s.nodes[id] = n
	return n
}

func (s *stage) emit(kind EntryKind, n *nodeState, name string, v Value) {
	s.entries = append(s.entries, Entry{
		Kind:   kind,
		Node:   n.snapshot(),
		Name:   name,
		Value:  v,
		Source: s.src,
	})
}

func missing(id ID) error {
	return fmt.Errorf("%w: node %s: %w", ErrInvalidMutation, id, ErrNotFound)
}

// apply replays one mutation and records the entries for the transitions it
// really causes.
func (s *stage) apply(m *mutation) error {
	switch m.op {
	case opCreate:
		if s.get(m.node) != nil {
			return fmt.Errorf("%w: node %s already exists", ErrInvalidMutation, m.node)
		}
		if m.kind == KindBond {
			for _, end := range []ID{m.subject, m.object} {
				n := s.get(end)
				if n == nil {
					return fmt.Errorf("%w: bond %s endpoint %s: %w", ErrInvalidMutation, m.node, end, ErrNotFound)
				}
				if n.kind != KindEntity {
					return fmt.Errorf("%w: bond %s endpoint %s is a %s", ErrInvalidMutation, m.node, end, n.kind)
				}
			}
			s.created[m.subject] = append(s.created[m.subject], m.node)
			s.created[m.object] = append(s.created[m.object], m.node)
		}
		n := newNodeState(m.node, m.kind, m.typ, m.createdAt, m.subject, m.object)
		s.nodes[m.node] = n
		s.emit(NodeInserted, n, "", Absent)
		return nil

	case opDelete:
		if s.get(m.node) == nil {
			return missing(m.node)
		}
		s.deleteNode(m.node)
		return nil
	}

	n := s.touch(m.node)
	if n == nil {
		return missing(m.node)
	}

	switch m.op {
	case opSetProperty:
		old, ok := n.props[m.name]
		switch {
		case m.value.IsAbsent():
			if ok {
				s.emit(PropertyDeleted, n, m.name, old)
				delete(n.props, m.name)
			}
		case !ok:
			n.props[m.name] = m.value
			s.emit(PropertyInserted, n, m.name, m.value)
		case !old.Equal(m.value):
			n.props[m.name] = m.value
			s.emit(PropertyUpdated, n, m.name, m.value)
		}
	case opAddTag:
		if _, ok := n.tags[m.name]; !ok {
			n.tags[m.name] = struct{}{}
			s.emit(TagInserted, n, m.name, Absent)
		}
	case opRemoveTag:
		if _, ok := n.tags[m.name]; ok {
			s.emit(TagDeleted, n, m.name, Absent)
			delete(n.tags, m.name)
		}
	case opAddGroup:
		if _, ok := n.groups[m.name]; !ok {
			n.groups[m.name] = struct{}{}
			s.emit(GroupInserted, n, m.name, Absent)
		}
	case opRemoveGroup:
		if _, ok := n.groups[m.name]; ok {
			s.emit(GroupDeleted, n, m.name, Absent)
			delete(n.groups, m.name)
		}
	default:
		return fmt.Errorf("%w: unknown operation %d", ErrInvalidMutation, m.op)
	}
	return nil
}

// deleteNode removes a node. Bonds pointing at it go first, each with its
// own attribute removals, then the node's attributes, then the node.
func (s *stage) deleteNode(id ID) {
	for _, b := range s.bondsOf(id) {
		s.deleteNode(b)
	}

	n := s.touch(id)
	names := make([]string, 0, len(n.props))
	for name := range n.props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.emit(PropertyDeleted, n, name, n.props[name])
		delete(n.props, name)
	}
	for _, t := range sortedKeys(n.tags) {
		s.emit(TagDeleted, n, t, Absent)
		delete(n.tags, t)
	}
	for _, grp := range sortedKeys(n.groups) {
		s.emit(GroupDeleted, n, grp, Absent)
		delete(n.groups, grp)
	}
	s.emit(NodeDeleted, n, "", Absent)
	s.nodes[id] = nil
}

// bondsOf lists live bonds referencing id, committed or created in this
// stage, in id order.
func (s *stage) bondsOf(id ID) []ID {
	cands := append(s.g.referencing(id), s.created[id]...)
	slices.Sort(cands)
	cands = slices.Compact(cands)
	return slices.DeleteFunc(cands, func(b ID) bool {
		n := s.get(b)
		return n == nil || !n.references(id)
	})
}

// replay installs an entry recorded by another writer. The entry is taken
// as is; the writer already derived transitions and cascades.
func (s *stage) replay(e *Entry) error {
	id := e.Node.ID
	if e.Kind == NodeInserted {
		if s.get(id) != nil {
			return fmt.Errorf("%w: node %s already exists", ErrInvalidMutation, id)
		}
		s.nodes[id] = stateFromSnapshot(e.Node)
	} else {
		n := s.touch(id)
		if n == nil {
			return missing(id)
		}
		switch e.Kind {
		case NodeDeleted:
			s.nodes[id] = nil
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
			return fmt.Errorf("%w: unknown entry kind %q", ErrInvalidMutation, e.Kind)
		}
	}

	out := *e
	out.Source = s.src
	s.entries = append(s.entries, out)
	return nil
}
