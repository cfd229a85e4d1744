package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

type CreateNodeTypeInput struct {
	Name             string         `json:"name"`
	PropertiesSchema map[string]any `json:"properties_schema"`
	Example          string         `json:"example,omitempty"`
}

type CreateEdgeTypeInput struct {
	Name               string         `json:"name"`
	PropertiesSchema   map[string]any `json:"properties_schema"`
	AllowedSourceTypes []string       `json:"allowed_source_types"`
	AllowedTargetTypes []string       `json:"allowed_target_types"`
	Example            string         `json:"example,omitempty"`
}

type TypeOutput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type AddNodeInput struct {
	TypeName   string         `json:"type_name"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

type NodeOutput struct {
	ID       string `json:"id"`
	TypeName string `json:"type_name"`
	Name     string `json:"name"`
}

type AddEdgeInput struct {
	TypeName       string         `json:"type_name"`
	SourceNodeName string         `json:"source_node_name"`
	TargetNodeName string         `json:"target_node_name"`
	Properties     map[string]any `json:"properties"`
}

type EdgeOutput struct {
	ID       string `json:"id"`
	TypeName string `json:"type_name"`
}

type QueryGraphInput struct {
	TypeName     string `json:"type_name,omitempty"`
	NameContains string `json:"name_contains,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

type QueryGraphOutput struct {
	Nodes []NodeSummary `json:"nodes"`
}

type NodeSummary struct {
	ID         string `json:"id"`
	TypeName   string `json:"type_name"`
	Name       string `json:"name"`
	Properties string `json:"properties"`
}

func registerGraphTools(g *genkit.Genkit, reg *Registry) []ai.ToolRef {
	createNodeType := genkit.DefineTool(g, "create_node_type",
		"Define a new node type in the knowledge graph with a JSON schema for its properties. Check existing types with query_graph first; reuse types whenever one fits.",
		func(ctx *ai.ToolContext, input CreateNodeTypeInput) (TypeOutput, error) {
			schemaRaw, err := json.Marshal(input.PropertiesSchema)
			if err != nil {
				return TypeOutput{}, err
			}
			t, err := reg.Writer.CreateNodeType(ctx, ScopeFrom(ctx), input.Name, schemaRaw, input.Example)
			if err != nil {
				return TypeOutput{}, err
			}
			return TypeOutput{ID: t.ID, Name: t.Name}, nil
		},
	)

	createEdgeType := genkit.DefineTool(g, "create_edge_type",
		"Define a new edge type in the knowledge graph. allowed_source_types and allowed_target_types name the node types permitted at each endpoint.",
		func(ctx *ai.ToolContext, input CreateEdgeTypeInput) (TypeOutput, error) {
			schemaRaw, err := json.Marshal(input.PropertiesSchema)
			if err != nil {
				return TypeOutput{}, err
			}
			t, err := reg.Writer.CreateEdgeType(ctx, ScopeFrom(ctx), input.Name, schemaRaw,
				input.AllowedSourceTypes, input.AllowedTargetTypes, input.Example)
			if err != nil {
				return TypeOutput{}, err
			}
			return TypeOutput{ID: t.ID, Name: t.Name}, nil
		},
	)

	addNode := genkit.DefineTool(g, "add_node",
		"Add a node to the knowledge graph. type_name must be an existing node type; properties must satisfy that type's schema.",
		func(ctx *ai.ToolContext, input AddNodeInput) (NodeOutput, error) {
			scope := ScopeFrom(ctx)
			t, err := reg.resolveNodeType(ctx, scope, input.TypeName)
			if err != nil {
				return NodeOutput{}, err
			}
			propsRaw, err := json.Marshal(input.Properties)
			if err != nil {
				return NodeOutput{}, err
			}
			n, err := reg.Writer.AddNode(ctx, scope, t.ID, input.Name, propsRaw)
			if err != nil {
				return NodeOutput{}, err
			}
			return NodeOutput{ID: n.ID, TypeName: t.Name, Name: n.Name}, nil
		},
	)

	addEdge := genkit.DefineTool(g, "add_edge",
		"Connect two existing nodes with an edge. type_name must be an existing edge type; nodes are referenced by their exact names.",
		func(ctx *ai.ToolContext, input AddEdgeInput) (EdgeOutput, error) {
			scope := ScopeFrom(ctx)
			t, err := reg.resolveEdgeType(ctx, scope, input.TypeName)
			if err != nil {
				return EdgeOutput{}, err
			}
			src, err := reg.resolveNode(ctx, scope, input.SourceNodeName)
			if err != nil {
				return EdgeOutput{}, err
			}
			dst, err := reg.resolveNode(ctx, scope, input.TargetNodeName)
			if err != nil {
				return EdgeOutput{}, err
			}
			propsRaw, err := json.Marshal(input.Properties)
			if err != nil {
				return EdgeOutput{}, err
			}
			e, err := reg.Writer.AddEdge(ctx, scope, t.ID, src.ID, dst.ID, propsRaw)
			if err != nil {
				return EdgeOutput{}, err
			}
			return EdgeOutput{ID: e.ID, TypeName: t.Name}, nil
		},
	)

	queryGraph := genkit.DefineTool(g, "query_graph",
		"Query existing nodes in the knowledge graph, optionally filtered by type name and a name substring. Use before creating nodes to avoid duplicates.",
		func(ctx *ai.ToolContext, input QueryGraphInput) (QueryGraphOutput, error) {
			scope := ScopeFrom(ctx)
			limit := input.Limit
			if limit <= 0 || limit > 50 {
				limit = 20
			}
			nodes, err := reg.Writer.QueryNodes(ctx, scope, input.TypeName, input.NameContains, limit)
			if err != nil {
				return QueryGraphOutput{}, err
			}
			types, err := reg.Store.ListNodeTypes(ctx, scope)
			if err != nil {
				return QueryGraphOutput{}, err
			}
			nameByID := make(map[string]string, len(types))
			for _, t := range types {
				nameByID[t.ID] = t.Name
			}
			out := QueryGraphOutput{Nodes: []NodeSummary{}}
			for _, n := range nodes {
				out.Nodes = append(out.Nodes, NodeSummary{
					ID:         n.ID,
					TypeName:   nameByID[n.TypeID],
					Name:       n.Name,
					Properties: string(n.Properties),
				})
			}
			return out, nil
		},
	)

	return []ai.ToolRef{queryGraph, createNodeType, createEdgeType, addNode, addEdge}
}

func (r *Registry) resolveNodeType(ctx context.Context, scope, name string) (*persistence.GraphNodeType, error) {
	types, err := r.Store.ListNodeTypes(ctx, scope)
	if err != nil {
		return nil, err
	}
	for i := range types {
		if strings.EqualFold(types[i].Name, name) {
			return &types[i], nil
		}
	}
	return nil, fmt.Errorf("no node type named %q; create it with create_node_type or pick an existing one", name)
}

func (r *Registry) resolveEdgeType(ctx context.Context, scope, name string) (*persistence.GraphEdgeType, error) {
	types, err := r.Store.ListEdgeTypes(ctx, scope)
	if err != nil {
		return nil, err
	}
	for i := range types {
		if strings.EqualFold(types[i].Name, name) {
			return &types[i], nil
		}
	}
	return nil, fmt.Errorf("no edge type named %q; create it with create_edge_type or pick an existing one", name)
}

func (r *Registry) resolveNode(ctx context.Context, scope, name string) (*persistence.GraphNode, error) {
	nodes, err := r.Store.QueryNodes(ctx, scope, "", name, 5)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if strings.EqualFold(nodes[i].Name, name) {
			return &nodes[i], nil
		}
	}
	return nil, fmt.Errorf("no node named %q in the graph; add it first with add_node", name)
}
