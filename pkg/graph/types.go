package graph

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID identifies a node. IDs are ULIDs, so they sort by creation time.
type ID string

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh process-unique node identifier.
func NewID() ID {
	idMu.Lock()
	defer idMu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String())
}

// Kind is the category of a node.
type Kind string

const (
	KindEntity Kind = "entity"
	KindAction Kind = "action"
	KindBond   Kind = "bond"
)

// Valid reports whether k is one of the known node kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindEntity, KindAction, KindBond:
		return true
	}
	return false
}

// Source tells whether a commit was made by this graph instance or observed
// from another writer.
type Source string

const (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
)

// EntryKind represents the kind of mutation a change log entry records.
type EntryKind string

const (
	NodeInserted     EntryKind = "node_inserted"
	NodeDeleted      EntryKind = "node_deleted"
	PropertyInserted EntryKind = "property_inserted"
	PropertyUpdated  EntryKind = "property_updated"
	PropertyDeleted  EntryKind = "property_deleted"
	TagInserted      EntryKind = "tag_inserted"
	TagDeleted       EntryKind = "tag_deleted"
	GroupInserted    EntryKind = "group_inserted"
	GroupDeleted     EntryKind = "group_deleted"
)

// Attribute is the attribute namespace an entry concerns.
type Attribute uint8

const (
	AttrNone Attribute = iota
	AttrProperty
	AttrTag
	AttrGroup
)

// Attribute returns the namespace the entry kind belongs to. Node level
// entries return AttrNone.
func (k EntryKind) Attribute() Attribute {
	switch k {
	case PropertyInserted, PropertyUpdated, PropertyDeleted:
		return AttrProperty
	case TagInserted, TagDeleted:
		return AttrTag
	case GroupInserted, GroupDeleted:
		return AttrGroup
	}
	return AttrNone
}

// IsRemoval reports whether the entry kind removes something from the graph.
func (k EntryKind) IsRemoval() bool {
	switch k {
	case NodeDeleted, PropertyDeleted, TagDeleted, GroupDeleted:
		return true
	}
	return false
}
