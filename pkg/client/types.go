package client

import (
	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/watch"
)

// Mutation is one step of a commit. Node references (ID, Subject, Object)
// accept either a node id or the Ref of a node created earlier in the same
// commit.
type Mutation struct {
	// Op is one of create_entity, create_action, create_bond, delete, set,
	// add_tag, remove_tag, add_group, remove_group.
	Op string `json:"op"`
	// Ref names a created node so later mutations can refer to it.
	Ref     string `json:"ref,omitempty"`
	ID      string `json:"id,omitempty"`
	Type    string `json:"type,omitempty"`
	Subject string `json:"subject,omitempty"`
	Object  string `json:"object,omitempty"`
	Name    string `json:"name,omitempty"`
	// Value is written by set. Absent clears the property.
	Value graph.Value `json:"value"`
}

// CommitResult is returned by Commit.
type CommitResult struct {
	Seq     int64               `json:"seq"`
	Created map[string]graph.ID `json:"created,omitempty"`
}

// Health represents the health check response.
type Health struct {
	// Status is the health status string (e.g. "ok").
	Status string `json:"status"`
	// Version is the daemon version.
	Version string `json:"version"`
	Graph   string `json:"graph"`
	Seq     int64  `json:"seq"`
	Nodes   int    `json:"nodes"`
}

// NodeResult is a node with the bonds that reference it.
type NodeResult struct {
	Node  graph.Snapshot   `json:"node"`
	Bonds []graph.Snapshot `json:"bonds,omitempty"`
}

// ChangesResult is one page of the change feed.
type ChangesResult struct {
	Changes []watch.FeedEntry `json:"changes"`
	// Next is the value to pass as since on the following call.
	Next int64 `json:"next"`
}

// ListOptions filters ListNodes.
type ListOptions struct {
	Expr  string
	Kind  graph.Kind
	Limit int
}

// WebhookRegistration is returned once, when a webhook is created.
type WebhookRegistration struct {
	WebhookID string `json:"webhook_id"`
	Secret    string `json:"secret"`
}

// Convenience constructors for mutations.

func CreateEntity(ref, typ string) Mutation { return Mutation{Op: "create_entity", Ref: ref, Type: typ} }
func CreateAction(ref, typ string) Mutation { return Mutation{Op: "create_action", Ref: ref, Type: typ} }
func CreateBond(ref, typ, subject, object string) Mutation {
	return Mutation{Op: "create_bond", Ref: ref, Type: typ, Subject: subject, Object: object}
}
func Delete(id string) Mutation                   { return Mutation{Op: "delete", ID: id} }
func Set(id, name string, v graph.Value) Mutation { return Mutation{Op: "set", ID: id, Name: name, Value: v} }
func AddTag(id, tag string) Mutation              { return Mutation{Op: "add_tag", ID: id, Name: tag} }
func RemoveTag(id, tag string) Mutation           { return Mutation{Op: "remove_tag", ID: id, Name: tag} }
func AddGroup(id, group string) Mutation          { return Mutation{Op: "add_group", ID: id, Name: group} }
func RemoveGroup(id, group string) Mutation       { return Mutation{Op: "remove_group", ID: id, Name: group} }
