package graph

import (
	"maps"
	"slices"
	"sort"
	"time"
)

// nodeState is the stored form of a node. Committed states are never mutated
// in place: writers clone, modify and swap the pointer.
type nodeState struct {
	id        ID
	kind      Kind
	typ       string
	createdAt time.Time
	props     map[string]Value
	tags      map[string]struct{}
	groups    map[string]struct{}
	subject   ID
	object    ID
}

func newNodeState(id ID, kind Kind, typ string, createdAt time.Time, subject, object ID) *nodeState {
	return &nodeState{
		id:        id,
		kind:      kind,
		typ:       typ,
		createdAt: createdAt,
		props:     make(map[string]Value),
		tags:      make(map[string]struct{}),
		groups:    make(map[string]struct{}),
		subject:   subject,
		object:    object,
	}
}

func (n *nodeState) clone() *nodeState {
	cp := *n
	cp.props = maps.Clone(n.props)
	cp.tags = maps.Clone(n.tags)
	cp.groups = maps.Clone(n.groups)
	return &cp
}

// references reports whether a bond state points at id.
func (n *nodeState) references(id ID) bool {
	return n.kind == KindBond && (n.subject == id || n.object == id)
}

func (n *nodeState) snapshot() Snapshot {
	s := Snapshot{
		ID:        n.id,
		Kind:      n.kind,
		Type:      n.typ,
		CreatedAt: n.createdAt,
		Subject:   n.subject,
		Object:    n.object,
	}
	if len(n.props) > 0 {
		s.Properties = maps.Clone(n.props)
	}
	s.Tags = sortedKeys(n.tags)
	s.Groups = sortedKeys(n.groups)
	return s
}

func stateFromSnapshot(s Snapshot) *nodeState {
	n := newNodeState(s.ID, s.Kind, s.Type, s.CreatedAt, s.Subject, s.Object)
	for k, v := range s.Properties {
		n.props[k] = v
	}
	for _, t := range s.Tags {
		n.tags[t] = struct{}{}
	}
	for _, g := range s.Groups {
		n.groups[g] = struct{}{}
	}
	return n
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot is an immutable copy of a node at one point in time.
type Snapshot struct {
	ID         ID               `json:"id"`
	Kind       Kind             `json:"kind"`
	Type       string           `json:"type"`
	CreatedAt  time.Time        `json:"created_at"`
	Properties map[string]Value `json:"properties,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Groups     []string         `json:"groups,omitempty"`
	Subject    ID               `json:"subject,omitempty"`
	Object     ID               `json:"object,omitempty"`
}

// Property returns the named property, or Absent and false.
func (s Snapshot) Property(name string) (Value, bool) {
	v, ok := s.Properties[name]
	return v, ok
}

// HasTag reports whether the snapshot carries the tag.
func (s Snapshot) HasTag(name string) bool {
	_, ok := slices.BinarySearch(s.Tags, name)
	return ok
}

// MemberOf reports whether the snapshot belongs to the group.
func (s Snapshot) MemberOf(name string) bool {
	_, ok := slices.BinarySearch(s.Groups, name)
	return ok
}
