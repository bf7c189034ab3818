package api

import (
	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/watch"
)

// Mutation operations accepted by POST /v1/commit.
const (
	OpCreateEntity = "create_entity"
	OpCreateAction = "create_action"
	OpCreateBond   = "create_bond"
	OpDelete       = "delete"
	OpSet          = "set"
	OpAddTag       = "add_tag"
	OpRemoveTag    = "remove_tag"
	OpAddGroup     = "add_group"
	OpRemoveGroup  = "remove_group"
)

// Mutation is one step of a commit request. Node references (ID, Subject,
// Object) accept either a node id or the Ref of a node created earlier in
// the same request.
type Mutation struct {
	Op      string      `json:"op"`
	Ref     string      `json:"ref,omitempty"`     // create ops: local alias for the new node
	ID      string      `json:"id,omitempty"`      // target node
	Type    string      `json:"type,omitempty"`    // create ops
	Subject string      `json:"subject,omitempty"` // create_bond
	Object  string      `json:"object,omitempty"`  // create_bond
	Name    string      `json:"name,omitempty"`    // property, tag or group name
	Value   graph.Value `json:"value"`             // set; null clears the property
}

// CommitRequest matches the POST /v1/commit body schema
type CommitRequest struct {
	Mutations []Mutation `json:"mutations"`
}

// CommitResponse matches the response for POST /v1/commit
type CommitResponse struct {
	Seq     int64               `json:"seq"`
	Created map[string]graph.ID `json:"created,omitempty"` // ref -> id
}

// HealthResponse matches the response for GET /v1/health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Graph   string `json:"graph"`
	Seq     int64  `json:"seq"`
	Nodes   int    `json:"nodes"`
}

// NodeResponse matches the response for GET /v1/nodes/{id}
type NodeResponse struct {
	Node  graph.Snapshot   `json:"node"`
	Bonds []graph.Snapshot `json:"bonds,omitempty"`
}

// ChangesResponse matches the response for GET /v1/changes
type ChangesResponse struct {
	Changes []watch.FeedEntry `json:"changes"`
	Next    int64             `json:"next"`
}

// WebhookRequest matches the POST /v1/webhooks body schema
type WebhookRequest struct {
	URL  string     `json:"url"`
	Kind graph.Kind `json:"kind,omitempty"`
	Expr string     `json:"expr,omitempty"`
}

// WebhookResponse is returned once, on registration, with the signing secret.
type WebhookResponse struct {
	WebhookID string `json:"webhook_id"`
	Secret    string `json:"secret,omitempty"`
}
