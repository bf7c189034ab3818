package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/predicate"
	"github.com/rmax-ai/graphkit/pkg/watch"
)

func newTestServer(t *testing.T) (*Server, *graph.Graph) {
	t.Helper()
	g := graph.New(graph.WithName("api"))
	reg := watch.Attach(g)
	feed := watch.NewFeed(64)
	_, err := reg.SubscribeOwned(watch.AnyKind, predicate.True(), feed.Delegate())
	require.NoError(t, err)

	s := NewServer(g, reg, feed, "")
	t.Cleanup(func() {
		s.Stop(context.Background())
		reg.Close()
		g.Close()
	})
	return s, g
}

func do(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestSecureHeaders(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	secureHandler := withSecureHeaders(handler)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	secureHandler.ServeHTTP(w, req)

	expectedHeaders := map[string]string{
		"Content-Security-Policy": "default-src 'self'",
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
	}
	for key, expected := range expectedHeaders {
		if got := w.Header().Get(key); got != expected {
			t.Errorf("Header %s: expected %q, got %q", key, expected, got)
		}
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	h := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "api", h.Graph)
}

func TestTraceIDIsPropagated(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/health", nil)
	req.Header.Set("X-Trace-ID", "abc123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, "abc123", w.Header().Get("X-Trace-ID"))
}

func TestCommitAndRead(t *testing.T) {
	s, g := newTestServer(t)

	w := do(t, s, "POST", "/v1/commit", CommitRequest{Mutations: []Mutation{
		{Op: OpCreateEntity, Ref: "u", Type: "User"},
		{Op: OpSet, ID: "u", Name: "name", Value: graph.String("ada")},
		{Op: OpAddTag, ID: "u", Name: "admin"},
		{Op: OpCreateEntity, Ref: "b", Type: "Book"},
		{Op: OpAddGroup, ID: "b", Name: "library"},
		{Op: OpCreateBond, Ref: "r", Type: "Reads", Subject: "u", Object: "b"},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[CommitResponse](t, w)
	require.Len(t, resp.Created, 3)
	assert.Equal(t, int64(1), resp.Seq)
	assert.Equal(t, 3, g.Len())

	w = do(t, s, "GET", "/v1/nodes/"+string(resp.Created["u"]), nil)
	require.Equal(t, http.StatusOK, w.Code)
	node := decode[NodeResponse](t, w)
	assert.Equal(t, "User", node.Node.Type)
	assert.True(t, node.Node.HasTag("admin"))
	require.Len(t, node.Bonds, 1)
	assert.Equal(t, resp.Created["r"], node.Bonds[0].ID)

	w = do(t, s, "GET", `/v1/nodes?expr=has(%22admin%22)`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	nodes := decode[[]graph.Snapshot](t, w)
	require.Len(t, nodes, 1)
	assert.Equal(t, resp.Created["u"], nodes[0].ID)

	w = do(t, s, "GET", "/v1/nodes?kind=bond", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]graph.Snapshot](t, w), 1)
}

func TestCommitErrors(t *testing.T) {
	s, g := newTestServer(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"empty", CommitRequest{}, http.StatusBadRequest},
		{"unknown op", CommitRequest{Mutations: []Mutation{{Op: "explode"}}}, http.StatusBadRequest},
		{"missing type", CommitRequest{Mutations: []Mutation{{Op: OpCreateEntity}}}, http.StatusBadRequest},
		{"unknown node", CommitRequest{Mutations: []Mutation{{Op: OpAddTag, ID: "nope", Name: "x"}}}, http.StatusNotFound},
		{"bond to unknown node", CommitRequest{Mutations: []Mutation{
			{Op: OpCreateEntity, Ref: "a", Type: "A"},
			{Op: OpCreateBond, Type: "R", Subject: "a", Object: "nope"},
		}}, http.StatusNotFound},
		{"bad json", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, "POST", "/v1/commit", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, 0, g.Len(), "failed requests must not leave nodes behind")
}

func TestGetNodeNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, "GET", "/v1/nodes/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListNodesRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t)
	for _, target := range []string{
		"/v1/nodes?expr=has(",
		"/v1/nodes?kind=widget",
		"/v1/nodes?limit=-1",
	} {
		w := do(t, s, "GET", target, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestChanges(t *testing.T) {
	s, g := newTestServer(t)

	n := g.Main().CreateEntity("User")
	require.NoError(t, n.Set("P1", graph.Int(1)))
	require.NoError(t, n.AddTag("vip"))
	require.NoError(t, g.Main().CommitWait(context.Background()))

	w := do(t, s, "GET", "/v1/changes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[ChangesResponse](t, w)
	require.Len(t, all.Changes, 3)
	assert.Equal(t, int64(3), all.Next)

	w = do(t, s, "GET", `/v1/changes?since=0&expr=exists(%22P1%22)`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	filtered := decode[ChangesResponse](t, w)
	require.Len(t, filtered.Changes, 1)
	assert.Equal(t, graph.PropertyInserted, filtered.Changes[0].Entry.Kind)

	w = do(t, s, "GET", "/v1/changes?since=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[ChangesResponse](t, w).Changes)

	w = do(t, s, "GET", "/v1/changes?tail=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tail := decode[ChangesResponse](t, w)
	require.Len(t, tail.Changes, 1)
	assert.Equal(t, graph.TagInserted, tail.Changes[0].Entry.Kind)
	assert.Equal(t, int64(3), tail.Next)

	w = do(t, s, "GET", "/v1/changes?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "POST", "/v1/webhooks", WebhookRequest{URL: "http://127.0.0.1:1/hook", Expr: `has("vip")`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[WebhookResponse](t, w)
	assert.NotEmpty(t, created.WebhookID)
	assert.Len(t, created.Secret, 64)

	w = do(t, s, "GET", "/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]WebhookInfo](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, `has("vip")`, list[0].Expr)

	w = do(t, s, "DELETE", "/v1/webhooks/"+created.WebhookID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, s, "DELETE", "/v1/webhooks/"+created.WebhookID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookValidation(t *testing.T) {
	s, _ := newTestServer(t)
	for _, req := range []WebhookRequest{
		{},
		{URL: "ftp://example.com"},
		{URL: "http://example.com", Expr: "has("},
		{URL: "http://example.com", Kind: "widget"},
	} {
		w := do(t, s, "POST", "/v1/webhooks", req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "%+v", req)
	}
}
