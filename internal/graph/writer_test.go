package graph_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/graph"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

const personSchema = `{
	"type": "object",
	"required": ["role"],
	"properties": {
		"role": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	}
}`

const companySchema = `{
	"type": "object",
	"properties": {
		"ticker": {"type": "string"}
	}
}`

const worksAtSchema = `{
	"type": "object",
	"properties": {
		"since": {"type": "string"}
	}
}`

func newTestWriter(t *testing.T) (*graph.Writer, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "teamsd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	err = store.UpsertAgent(context.Background(), persistence.Agent{
		AgentID: "analyst", DisplayName: "analyst", Status: persistence.AgentStatusActive,
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return graph.NewWriter(store, nil, nil), store
}

func TestCreateNodeType_RejectsBrokenSchema(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.CreateNodeType(context.Background(), "analyst", "Broken",
		json.RawMessage(`{"type": "nonsense"}`), "")
	if err == nil {
		t.Fatal("expected schema compile error")
	}
}

func TestCreateNodeType_DuplicateNameInScope(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	if _, err := w.CreateNodeType(ctx, "analyst", "Person", json.RawMessage(personSchema), ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := w.CreateNodeType(ctx, "analyst", "Person", json.RawMessage(personSchema), "")
	if !errors.Is(err, persistence.ErrTypeExists) {
		t.Fatalf("expected ErrTypeExists, got %v", err)
	}
}

func TestAddNode_ValidatesAgainstTypeSchema(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	person, err := w.CreateNodeType(ctx, "analyst", "Person", json.RawMessage(personSchema), "")
	if err != nil {
		t.Fatalf("create type: %v", err)
	}

	// Missing the required "role" property.
	_, err = w.AddNode(ctx, "analyst", person.ID, "Ada", json.RawMessage(`{"age": 40}`))
	var valErr *graph.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if valErr.TypeName != "Person" {
		t.Fatalf("validation error names wrong type: %q", valErr.TypeName)
	}

	node, err := w.AddNode(ctx, "analyst", person.ID, "Ada", json.RawMessage(`{"role": "engineer", "age": 40}`))
	if err != nil {
		t.Fatalf("valid node rejected: %v", err)
	}
	if node.Name != "Ada" {
		t.Fatalf("unexpected node: %+v", node)
	}
}

func TestAddNode_ScopeMismatchForbidden(t *testing.T) {
	w, store := newTestWriter(t)
	ctx := context.Background()

	err := store.UpsertAgent(ctx, persistence.Agent{
		AgentID: "other", DisplayName: "other", Status: persistence.AgentStatusActive,
	})
	if err != nil {
		t.Fatalf("seed second agent: %v", err)
	}

	person, err := w.CreateNodeType(ctx, "analyst", "Person", json.RawMessage(personSchema), "")
	if err != nil {
		t.Fatalf("create type: %v", err)
	}

	_, err = w.AddNode(ctx, "other", person.ID, "Ada", json.RawMessage(`{"role": "engineer"}`))
	if !errors.Is(err, persistence.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAddEdge_EndpointConstraint(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	person, err := w.CreateNodeType(ctx, "analyst", "Person", json.RawMessage(personSchema), "")
	if err != nil {
		t.Fatalf("create Person: %v", err)
	}
	company, err := w.CreateNodeType(ctx, "analyst", "Company", json.RawMessage(companySchema), "")
	if err != nil {
		t.Fatalf("create Company: %v", err)
	}
	worksAt, err := w.CreateEdgeType(ctx, "analyst", "works_at", json.RawMessage(worksAtSchema),
		[]string{"Person"}, []string{"Company"}, "")
	if err != nil {
		t.Fatalf("create works_at: %v", err)
	}

	ada, err := w.AddNode(ctx, "analyst", person.ID, "Ada", json.RawMessage(`{"role": "engineer"}`))
	if err != nil {
		t.Fatalf("add Ada: %v", err)
	}
	acme, err := w.AddNode(ctx, "analyst", company.ID, "Acme", json.RawMessage(`{"ticker": "ACME"}`))
	if err != nil {
		t.Fatalf("add Acme: %v", err)
	}

	// Reversed endpoints: Company is not an allowed source.
	_, err = w.AddEdge(ctx, "analyst", worksAt.ID, acme.ID, ada.ID, nil)
	var conErr *graph.ConstraintError
	if !errors.As(err, &conErr) {
		t.Fatalf("expected ConstraintError, got %v", err)
	}
	if !strings.Contains(conErr.Message, "Company") || !strings.Contains(conErr.Message, "Person") {
		t.Fatalf("constraint error should name both types: %q", conErr.Message)
	}

	edge, err := w.AddEdge(ctx, "analyst", worksAt.ID, ada.ID, acme.ID, json.RawMessage(`{"since": "2024"}`))
	if err != nil {
		t.Fatalf("valid edge rejected: %v", err)
	}

	edges, err := w.EdgesForNode(ctx, ada.ID)
	if err != nil {
		t.Fatalf("edges for node: %v", err)
	}
	if len(edges) != 1 || edges[0].ID != edge.ID {
		t.Fatalf("expected the one committed edge, got %+v", edges)
	}
}

func TestAddEdge_EdgeTypeNeedsEndpointSets(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.CreateEdgeType(context.Background(), "analyst", "floats", json.RawMessage(worksAtSchema),
		nil, []string{"Company"}, "")
	if err == nil {
		t.Fatal("expected error for empty allowed source types")
	}
}

func TestSummary_EmptyAndPopulated(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	summary, err := w.Summary(ctx, "analyst")
	if err != nil {
		t.Fatalf("empty summary: %v", err)
	}
	if !strings.Contains(summary, "empty") {
		t.Fatalf("expected empty-graph summary, got %q", summary)
	}

	person, err := w.CreateNodeType(ctx, "analyst", "Person", json.RawMessage(personSchema), "")
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	if _, err := w.AddNode(ctx, "analyst", person.ID, "Ada", json.RawMessage(`{"role": "engineer"}`)); err != nil {
		t.Fatalf("add node: %v", err)
	}

	summary, err = w.Summary(ctx, "analyst")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !strings.Contains(summary, "Person=1") {
		t.Fatalf("summary should count nodes by type: %q", summary)
	}
}

func TestQueryNodes_Filters(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	person, _ := w.CreateNodeType(ctx, "analyst", "Person", json.RawMessage(personSchema), "")
	company, _ := w.CreateNodeType(ctx, "analyst", "Company", json.RawMessage(companySchema), "")
	if _, err := w.AddNode(ctx, "analyst", person.ID, "Ada Lovelace", json.RawMessage(`{"role": "engineer"}`)); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if _, err := w.AddNode(ctx, "analyst", company.ID, "Acme", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("add node: %v", err)
	}

	nodes, err := w.QueryNodes(ctx, "analyst", "Person", "", 10)
	if err != nil {
		t.Fatalf("query by type: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "Ada Lovelace" {
		t.Fatalf("type filter wrong: %+v", nodes)
	}

	nodes, err = w.QueryNodes(ctx, "analyst", "", "lovelace", 10)
	if err != nil {
		t.Fatalf("query by name: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("name filter wrong: %+v", nodes)
	}
}
