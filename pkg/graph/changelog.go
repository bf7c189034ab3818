package graph

import "time"

// Entry is one recorded mutation within a commit.
//
// Node holds the node after the mutation for inserts and updates. For
// removals it holds the node as it was just before the entry: a
// PropertyDeleted entry carries the removed value in Value, and a
// NodeDeleted entry follows the deletion of every attribute the node had.
type Entry struct {
	Kind   EntryKind `json:"kind"`
	Node   Snapshot  `json:"node"`
	Name   string    `json:"name,omitempty"`
	Value  Value     `json:"value"`
	Source Source    `json:"source"`
}

// IsRemoval reports whether the entry removes a node or attribute.
func (e *Entry) IsRemoval() bool { return e.Kind.IsRemoval() }

// ChangeLog is the ordered set of entries produced by a single commit.
type ChangeLog struct {
	ID          string    `json:"id"`
	Graph       string    `json:"graph"`
	Seq         int64     `json:"seq"`
	WriterID    string    `json:"writer_id"`
	Source      Source    `json:"source"`
	CommittedAt time.Time `json:"committed_at"`
	Entries     []Entry   `json:"entries"`
}

// Len returns the number of entries in the log.
func (l *ChangeLog) Len() int { return len(l.Entries) }

type opCode uint8

const (
	opCreate opCode = iota + 1
	opDelete
	opSetProperty
	opAddTag
	opRemoveTag
	opAddGroup
	opRemoveGroup
)

// mutation is a pending change recorded by a Context. Entry kinds are derived
// again when the mutation is replayed against committed state, so the change
// log only reports transitions that really happened.
type mutation struct {
	op        opCode
	node      ID
	kind      Kind
	typ       string
	createdAt time.Time
	subject   ID
	object    ID
	name      string
	value     Value
}
