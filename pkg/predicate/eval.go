package predicate

import (
	"github.com/rmax-ai/graphkit/pkg/graph"
)

type side uint8

const (
	after side = iota
	before
)

// Evaluate reports whether p holds for the state the entry leaves behind.
//
// Attribute leaves only answer for entries about the same attribute: an
// Exists("P") leaf is false for a tag entry even when the node has P. On a
// matching entry the leaf is true unless the entry removed the attribute.
func Evaluate(p Predicate, e *graph.Entry) bool {
	return eval(p, e, after)
}

// Matches reports whether an entry should be delivered to a watch filtering
// on p. Removal entries are also delivered when p held before the removal,
// so a watch on Exists("P") learns that P went away.
func Matches(p Predicate, e *graph.Entry) bool {
	if eval(p, e, after) {
		return true
	}
	return e.IsRemoval() && eval(p, e, before)
}

func eval(p Predicate, e *graph.Entry, s side) bool {
	switch p.op {
	case OpTrue:
		return true
	case OpType:
		return e.Node.Type == p.name
	case OpExists:
		return leaf(e, graph.AttrProperty, p.name, s)
	case OpHasTag:
		return leaf(e, graph.AttrTag, p.name, s)
	case OpMemberOf:
		return leaf(e, graph.AttrGroup, p.name, s)
	case OpAnd:
		for _, sub := range p.sub {
			if !eval(sub, e, s) {
				return false
			}
		}
		return true
	case OpOr:
		for _, sub := range p.sub {
			if eval(sub, e, s) {
				return true
			}
		}
		return false
	case OpNot:
		return !eval(p.sub[0], e, s)
	}
	return false
}

func leaf(e *graph.Entry, attr graph.Attribute, name string, s side) bool {
	if e.Kind.Attribute() != attr || e.Name != name {
		return false
	}
	if s == before {
		return true
	}
	return !e.IsRemoval()
}

// MatchSnapshot evaluates p as a plain filter over a node's current state.
// Used for queries rather than change delivery.
func MatchSnapshot(p Predicate, n graph.Snapshot) bool {
	switch p.op {
	case OpTrue:
		return true
	case OpType:
		return n.Type == p.name
	case OpExists:
		_, ok := n.Property(p.name)
		return ok
	case OpHasTag:
		return n.HasTag(p.name)
	case OpMemberOf:
		return n.MemberOf(p.name)
	case OpAnd:
		for _, sub := range p.sub {
			if !MatchSnapshot(sub, n) {
				return false
			}
		}
		return true
	case OpOr:
		for _, sub := range p.sub {
			if MatchSnapshot(sub, n) {
				return true
			}
		}
		return false
	case OpNot:
		return !MatchSnapshot(p.sub[0], n)
	}
	return false
}
