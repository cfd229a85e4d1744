// Package graph validates and commits typed knowledge-graph writes.
// Every node and edge write is checked against its type's JSON schema and,
// for edges, the allowed endpoint type sets; mismatches are rejected, never
// coerced.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/bus"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

// Writer is the validating front door to the graph store.
type Writer struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func NewWriter(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, bus: b, logger: logger}
}

// compileSchema compiles a JSON schema document using json.Number decoding,
// which the validator requires for correct number handling.
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateProperties(typeName string, schemaRaw, properties json.RawMessage) error {
	schema, err := compileSchema(schemaRaw)
	if err != nil {
		return fmt.Errorf("type %q has invalid schema: %w", typeName, err)
	}
	if len(properties) == 0 {
		properties = json.RawMessage("{}")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(properties)))
	if err != nil {
		return &ValidationError{TypeName: typeName, Message: fmt.Sprintf("properties are not valid JSON: %s", err)}
	}
	if err := schema.Validate(parsed); err != nil {
		return &ValidationError{TypeName: typeName, Message: err.Error()}
	}
	return nil
}

// CreateNodeType registers a node type. The schema must itself compile;
// registration fails if a type of the same name exists in the same scope.
func (w *Writer) CreateNodeType(ctx context.Context, scope, name string, propertiesSchema json.RawMessage, example string) (*persistence.GraphNodeType, error) {
	if _, err := compileSchema(propertiesSchema); err != nil {
		return nil, fmt.Errorf("properties schema: %w", err)
	}
	return w.store.InsertNodeType(ctx, persistence.GraphNodeType{
		Scope:            scope,
		Name:             name,
		PropertiesSchema: propertiesSchema,
		Example:          example,
	})
}

// CreateEdgeType registers an edge type with its allowed endpoint sets.
func (w *Writer) CreateEdgeType(ctx context.Context, scope, name string, propertiesSchema json.RawMessage, allowedSourceTypes, allowedTargetTypes []string, example string) (*persistence.GraphEdgeType, error) {
	if _, err := compileSchema(propertiesSchema); err != nil {
		return nil, fmt.Errorf("properties schema: %w", err)
	}
	if len(allowedSourceTypes) == 0 || len(allowedTargetTypes) == 0 {
		return nil, fmt.Errorf("edge type %q needs at least one allowed source and target type", name)
	}
	return w.store.InsertEdgeType(ctx, persistence.GraphEdgeType{
		Scope:              scope,
		Name:               name,
		PropertiesSchema:   propertiesSchema,
		AllowedSourceTypes: allowedSourceTypes,
		AllowedTargetTypes: allowedTargetTypes,
		Example:            example,
	})
}

// AddNode validates properties against the node type's schema and inserts
// the node. Scope mismatches between the caller and the type are rejected.
func (w *Writer) AddNode(ctx context.Context, scope, typeID, name string, properties json.RawMessage) (*persistence.GraphNode, error) {
	nodeType, err := w.store.GetNodeType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if nodeType.Scope != "" && nodeType.Scope != scope {
		return nil, fmt.Errorf("node type %q belongs to scope %q: %w", nodeType.Name, nodeType.Scope, persistence.ErrForbidden)
	}
	if strings.TrimSpace(name) == "" {
		return nil, &ValidationError{TypeName: nodeType.Name, Message: "node name must be non-empty"}
	}
	if len(properties) == 0 {
		properties = json.RawMessage("{}")
	}
	if err := validateProperties(nodeType.Name, nodeType.PropertiesSchema, properties); err != nil {
		return nil, err
	}
	node, err := w.store.InsertNode(ctx, persistence.GraphNode{
		TypeID:     typeID,
		Scope:      scope,
		Name:       name,
		Properties: properties,
	})
	if err != nil {
		return nil, err
	}
	w.bus.Publish(bus.TopicGraphNodeAdded, map[string]string{"scope": scope, "type": nodeType.Name, "node_id": node.ID})
	w.logger.Debug("graph node added", "scope", scope, "type", nodeType.Name, "name", name)
	return node, nil
}

// AddEdge resolves both endpoint nodes, checks their types against the
// edge type's allowed sets, validates properties, and inserts the edge.
func (w *Writer) AddEdge(ctx context.Context, scope, typeID, sourceNodeID, targetNodeID string, properties json.RawMessage) (*persistence.GraphEdge, error) {
	edgeType, err := w.store.GetEdgeType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if edgeType.Scope != "" && edgeType.Scope != scope {
		return nil, fmt.Errorf("edge type %q belongs to scope %q: %w", edgeType.Name, edgeType.Scope, persistence.ErrForbidden)
	}

	source, err := w.store.GetNode(ctx, sourceNodeID)
	if err != nil {
		return nil, err
	}
	target, err := w.store.GetNode(ctx, targetNodeID)
	if err != nil {
		return nil, err
	}
	sourceType, err := w.store.GetNodeType(ctx, source.TypeID)
	if err != nil {
		return nil, err
	}
	targetType, err := w.store.GetNodeType(ctx, target.TypeID)
	if err != nil {
		return nil, err
	}

	if !containsString(edgeType.AllowedSourceTypes, sourceType.Name) {
		return nil, &ConstraintError{
			EdgeType: edgeType.Name,
			Message: fmt.Sprintf("source node %q has type %q, allowed source types are [%s]",
				source.Name, sourceType.Name, strings.Join(edgeType.AllowedSourceTypes, ", ")),
		}
	}
	if !containsString(edgeType.AllowedTargetTypes, targetType.Name) {
		return nil, &ConstraintError{
			EdgeType: edgeType.Name,
			Message: fmt.Sprintf("target node %q has type %q, allowed target types are [%s]",
				target.Name, targetType.Name, strings.Join(edgeType.AllowedTargetTypes, ", ")),
		}
	}

	if len(properties) == 0 {
		properties = json.RawMessage("{}")
	}
	if err := validateProperties(edgeType.Name, edgeType.PropertiesSchema, properties); err != nil {
		return nil, err
	}

	edge, err := w.store.InsertEdge(ctx, persistence.GraphEdge{
		TypeID:       typeID,
		Scope:        scope,
		SourceNodeID: sourceNodeID,
		TargetNodeID: targetNodeID,
		Properties:   properties,
	})
	if err != nil {
		return nil, err
	}
	w.bus.Publish(bus.TopicGraphEdgeAdded, map[string]string{"scope": scope, "type": edgeType.Name, "edge_id": edge.ID})
	w.logger.Debug("graph edge added", "scope", scope, "type", edgeType.Name)
	return edge, nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// QueryNodes is the read-only filter used by earlier phases to avoid
// duplicating existing knowledge.
func (w *Writer) QueryNodes(ctx context.Context, scope, typeName, nameContains string, limit int) ([]persistence.GraphNode, error) {
	return w.store.QueryNodes(ctx, scope, typeName, nameContains, limit)
}

// EdgesForNode returns all edges touching the node.
func (w *Writer) EdgesForNode(ctx context.Context, nodeID string) ([]persistence.GraphEdge, error) {
	return w.store.EdgesForNode(ctx, nodeID)
}

// Stats summarizes one scope of the graph.
func (w *Writer) Stats(ctx context.Context, scope string) (*persistence.GraphStats, error) {
	return w.store.ScopeStats(ctx, scope)
}

// Summary renders a compact text description of the scope's graph for
// inclusion in phase prompts.
func (w *Writer) Summary(ctx context.Context, scope string) (string, error) {
	stats, err := w.store.ScopeStats(ctx, scope)
	if err != nil {
		return "", err
	}
	if stats.NodeCount == 0 && stats.EdgeCount == 0 {
		return "The knowledge graph is empty.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Knowledge graph: %d nodes, %d edges.\n", stats.NodeCount, stats.EdgeCount)
	b.WriteString("Nodes by type:")
	for _, name := range sortedKeys(stats.NodesByType) {
		fmt.Fprintf(&b, " %s=%d", name, stats.NodesByType[name])
	}
	b.WriteString("\nEdges by type:")
	for _, name := range sortedKeys(stats.EdgesByType) {
		fmt.Fprintf(&b, " %s=%d", name, stats.EdgesByType[name])
	}
	return b.String(), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
