// Package mcp exposes a graphkit daemon to Model Context Protocol clients.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmax-ai/graphkit/pkg/client"
	"github.com/rmax-ai/graphkit/pkg/graph"
)

const recentChanges = 50

// Server adapts graphkitd to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"graphkit",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"graphkit://changes",
		"Graph Change Feed",
		mcp.WithResourceDescription("The most recent committed changes: node inserts and deletes, property, tag and group changes"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadChanges)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"get_node",
		mcp.WithDescription("Fetch one node with its properties, tags, groups and the bonds that reference it."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The node id")),
	), s.handleGetNode)

	s.mcpServer.AddTool(mcp.NewTool(
		"list_nodes",
		mcp.WithDescription("List committed nodes matching a predicate expression, e.g. type(\"User\") && has(\"admin\")."),
		mcp.WithString("expr", mcp.Description("Predicate expression; empty matches every node")),
		mcp.WithString("kind", mcp.Description("Restrict to entity, action or bond")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of nodes (default 100)")),
	), s.handleListNodes)

	s.mcpServer.AddTool(mcp.NewTool(
		"apply_mutations",
		mcp.WithDescription("Apply a JSON array of mutations as one commit. Each item has an op (create_entity, create_action, create_bond, delete, set, add_tag, remove_tag, add_group, remove_group) and the fields it needs: ref, id, type, subject, object, name, value ({\"kind\":\"int\",\"value\":3} or null)."),
		mcp.WithString("mutations", mcp.Required(), mcp.Description("JSON array of mutations")),
	), s.handleApplyMutations)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"graphkit-aware",
		mcp.WithPromptDescription("Provides context about graphkit concepts (nodes, bonds, attributes, predicates)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadChanges(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	changes, err := s.apiClient.Tail(ctx, recentChanges, "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}

	data, err := json.MarshalIndent(changes, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal changes: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleGetNode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	node, err := s.apiClient.GetNode(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return jsonResult(node)
}

func (s *Server) handleListNodes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := client.ListOptions{
		Expr:  mcp.ParseString(request, "expr", ""),
		Kind:  graph.Kind(mcp.ParseString(request, "kind", "")),
		Limit: int(mcp.ParseFloat64(request, "limit", 100)),
	}

	nodes, err := s.apiClient.ListNodes(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return jsonResult(nodes)
}

func (s *Server) handleApplyMutations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseString(request, "mutations", "")
	var muts []client.Mutation
	if err := json.Unmarshal([]byte(raw), &muts); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("mutations must be a JSON array: %v", err)), nil
	}
	if len(muts) == 0 {
		return mcp.NewToolResultError("no mutations given"), nil
	}

	res, err := s.apiClient.Commit(ctx, muts...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Committed %d mutations (seq %d)", len(muts), res.Seq)
	for ref, id := range res.Created {
		fmt.Fprintf(&b, "\n%s = %s", ref, id)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "graphkit-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with graphkit, an object graph store.

Concepts:
- Entity: a thing (e.g. a 'User' or a 'Book'). Every node has a type and an id.
- Action: an event-like node (e.g. a 'Checkout').
- Bond: a relationship from a subject entity to an object entity (e.g. 'Reads').
- Properties: schema-less name/value pairs on a node.
- Tags and groups: two separate sets of names a node can carry.

Predicates select nodes and changes:
  type("User"), exists("email"), has("admin"), member_of("staff"),
  combined with &&, || and !, or and(...), or(...), not(...).

Use 'list_nodes' and 'get_node' to read, and 'apply_mutations' to change the graph.
Deleting a node also deletes every bond that references it.
`

	return mcp.NewGetPromptResult(
		"graphkit-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
