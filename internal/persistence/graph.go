package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GraphNodeType defines the schema for a class of nodes. Scope is empty
// for global types or an agent ID for agent-specific ones.
type GraphNodeType struct {
	ID               string          `json:"id"`
	Scope            string          `json:"scope,omitempty"`
	Name             string          `json:"name"`
	PropertiesSchema json.RawMessage `json:"properties_schema"`
	Example          string          `json:"example,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// GraphEdgeType defines the schema for a class of edges, together with the
// sets of node type names permitted at each endpoint.
type GraphEdgeType struct {
	ID                 string          `json:"id"`
	Scope              string          `json:"scope,omitempty"`
	Name               string          `json:"name"`
	PropertiesSchema   json.RawMessage `json:"properties_schema"`
	AllowedSourceTypes []string        `json:"allowed_source_types"`
	AllowedTargetTypes []string        `json:"allowed_target_types"`
	Example            string          `json:"example,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

type GraphNode struct {
	ID         string          `json:"id"`
	TypeID     string          `json:"type_id"`
	Scope      string          `json:"scope,omitempty"`
	Name       string          `json:"name"`
	Properties json.RawMessage `json:"properties"`
	CreatedAt  time.Time       `json:"created_at"`
}

type GraphEdge struct {
	ID           string          `json:"id"`
	TypeID       string          `json:"type_id"`
	Scope        string          `json:"scope,omitempty"`
	SourceNodeID string          `json:"source_node_id"`
	TargetNodeID string          `json:"target_node_id"`
	Properties   json.RawMessage `json:"properties"`
	CreatedAt    time.Time       `json:"created_at"`
}

// GraphStats summarizes one scope of the graph.
type GraphStats struct {
	NodeCount   int            `json:"node_count"`
	EdgeCount   int            `json:"edge_count"`
	NodesByType map[string]int `json:"nodes_by_type"`
	EdgesByType map[string]int `json:"edges_by_type"`
}

// ErrTypeExists is returned when a type of the same name already exists in
// the same scope.
var ErrTypeExists = errors.New("type already exists in scope")

// InsertNodeType registers a node type. Name is unique per scope.
func (s *Store) InsertNodeType(ctx context.Context, t GraphNodeType) (*GraphNodeType, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("node type name must be non-empty")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_node_types (id, scope, name, properties_schema, example)
			VALUES (?, ?, ?, ?, ?);
		`, id, t.Scope, t.Name, string(t.PropertiesSchema), t.Example)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("node type %q in scope %q: %w", t.Name, t.Scope, ErrTypeExists)
			}
			return fmt.Errorf("insert node type: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetNodeType(ctx, id)
}

// InsertEdgeType registers an edge type. Name is unique per scope.
func (s *Store) InsertEdgeType(ctx context.Context, t GraphEdgeType) (*GraphEdgeType, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("edge type name must be non-empty")
	}
	sources, err := json.Marshal(t.AllowedSourceTypes)
	if err != nil {
		return nil, fmt.Errorf("encode source types: %w", err)
	}
	targets, err := json.Marshal(t.AllowedTargetTypes)
	if err != nil {
		return nil, fmt.Errorf("encode target types: %w", err)
	}
	id := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_edge_types (id, scope, name, properties_schema, allowed_source_types, allowed_target_types, example)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, id, t.Scope, t.Name, string(t.PropertiesSchema), string(sources), string(targets), t.Example)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("edge type %q in scope %q: %w", t.Name, t.Scope, ErrTypeExists)
			}
			return fmt.Errorf("insert edge type: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetEdgeType(ctx, id)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetNodeType returns the node type or ErrNotFound.
func (s *Store) GetNodeType(ctx context.Context, typeID string) (*GraphNodeType, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, name, properties_schema, COALESCE(example, ''), created_at
		FROM graph_node_types WHERE id = ?;
	`, typeID)
	var t GraphNodeType
	var schema string
	if err := row.Scan(&t.ID, &t.Scope, &t.Name, &schema, &t.Example, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("node type %q: %w", typeID, ErrNotFound)
		}
		return nil, fmt.Errorf("get node type: %w", err)
	}
	t.PropertiesSchema = json.RawMessage(schema)
	return &t, nil
}

// GetEdgeType returns the edge type or ErrNotFound.
func (s *Store) GetEdgeType(ctx context.Context, typeID string) (*GraphEdgeType, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, name, properties_schema, allowed_source_types, allowed_target_types, COALESCE(example, ''), created_at
		FROM graph_edge_types WHERE id = ?;
	`, typeID)
	var t GraphEdgeType
	var schema, sources, targets string
	if err := row.Scan(&t.ID, &t.Scope, &t.Name, &schema, &sources, &targets, &t.Example, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("edge type %q: %w", typeID, ErrNotFound)
		}
		return nil, fmt.Errorf("get edge type: %w", err)
	}
	t.PropertiesSchema = json.RawMessage(schema)
	if err := json.Unmarshal([]byte(sources), &t.AllowedSourceTypes); err != nil {
		return nil, fmt.Errorf("decode source types: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &t.AllowedTargetTypes); err != nil {
		return nil, fmt.Errorf("decode target types: %w", err)
	}
	return &t, nil
}

// ListNodeTypes returns the types visible in a scope: agent-specific ones
// plus globals.
func (s *Store) ListNodeTypes(ctx context.Context, scope string) ([]GraphNodeType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, name, properties_schema, COALESCE(example, ''), created_at
		FROM graph_node_types
		WHERE scope = ? OR scope = ''
		ORDER BY name ASC;
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list node types: %w", err)
	}
	defer rows.Close()
	var out []GraphNodeType
	for rows.Next() {
		var t GraphNodeType
		var schema string
		if err := rows.Scan(&t.ID, &t.Scope, &t.Name, &schema, &t.Example, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node type: %w", err)
		}
		t.PropertiesSchema = json.RawMessage(schema)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEdgeTypes returns the edge types visible in a scope.
func (s *Store) ListEdgeTypes(ctx context.Context, scope string) ([]GraphEdgeType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, name, properties_schema, allowed_source_types, allowed_target_types, COALESCE(example, ''), created_at
		FROM graph_edge_types
		WHERE scope = ? OR scope = ''
		ORDER BY name ASC;
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list edge types: %w", err)
	}
	defer rows.Close()
	var out []GraphEdgeType
	for rows.Next() {
		var t GraphEdgeType
		var schema, sources, targets string
		if err := rows.Scan(&t.ID, &t.Scope, &t.Name, &schema, &sources, &targets, &t.Example, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge type: %w", err)
		}
		t.PropertiesSchema = json.RawMessage(schema)
		if err := json.Unmarshal([]byte(sources), &t.AllowedSourceTypes); err != nil {
			return nil, fmt.Errorf("decode source types: %w", err)
		}
		if err := json.Unmarshal([]byte(targets), &t.AllowedTargetTypes); err != nil {
			return nil, fmt.Errorf("decode target types: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertNode stores a validated node. Validation happens in the graph
// package before this is called.
func (s *Store) InsertNode(ctx context.Context, n GraphNode) (*GraphNode, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_nodes (id, type_id, scope, name, properties)
			VALUES (?, ?, ?, ?, ?);
		`, id, n.TypeID, n.Scope, n.Name, string(n.Properties))
		if err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetNode(ctx, id)
}

// GetNode returns the node or ErrNotFound.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*GraphNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type_id, scope, name, properties, created_at FROM graph_nodes WHERE id = ?;
	`, nodeID)
	var n GraphNode
	var props string
	if err := row.Scan(&n.ID, &n.TypeID, &n.Scope, &n.Name, &props, &n.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("node %q: %w", nodeID, ErrNotFound)
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	n.Properties = json.RawMessage(props)
	return &n, nil
}

// InsertEdge stores a validated edge.
func (s *Store) InsertEdge(ctx context.Context, e GraphEdge) (*GraphEdge, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_edges (id, type_id, scope, source_node_id, target_node_id, properties)
			VALUES (?, ?, ?, ?, ?, ?);
		`, id, e.TypeID, e.Scope, e.SourceNodeID, e.TargetNodeID, string(e.Properties))
		if err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type_id, scope, source_node_id, target_node_id, properties, created_at
		FROM graph_edges WHERE id = ?;
	`, id)
	var out GraphEdge
	var props string
	if err := row.Scan(&out.ID, &out.TypeID, &out.Scope, &out.SourceNodeID, &out.TargetNodeID, &props, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("load edge: %w", err)
	}
	out.Properties = json.RawMessage(props)
	return &out, nil
}

// QueryNodes filters nodes in a scope by optional type name and name
// substring.
func (s *Store) QueryNodes(ctx context.Context, scope, typeName, nameContains string, limit int) ([]GraphNode, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	q := `
		SELECT n.id, n.type_id, n.scope, n.name, n.properties, n.created_at
		FROM graph_nodes n
		JOIN graph_node_types t ON t.id = n.type_id
		WHERE (n.scope = ? OR n.scope = '')`
	args := []any{scope}
	if typeName != "" {
		q += ` AND t.name = ?`
		args = append(args, typeName)
	}
	if nameContains != "" {
		q += ` AND n.name LIKE ?`
		args = append(args, "%"+nameContains+"%")
	}
	q += ` ORDER BY n.created_at ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()
	var out []GraphNode
	for rows.Next() {
		var n GraphNode
		var props string
		if err := rows.Scan(&n.ID, &n.TypeID, &n.Scope, &n.Name, &props, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Properties = json.RawMessage(props)
		out = append(out, n)
	}
	return out, rows.Err()
}

// EdgesForNode returns all edges touching the node in either direction.
func (s *Store) EdgesForNode(ctx context.Context, nodeID string) ([]GraphEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type_id, scope, source_node_id, target_node_id, properties, created_at
		FROM graph_edges
		WHERE source_node_id = ? OR target_node_id = ?
		ORDER BY created_at ASC;
	`, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("edges for node: %w", err)
	}
	defer rows.Close()
	var out []GraphEdge
	for rows.Next() {
		var e GraphEdge
		var props string
		if err := rows.Scan(&e.ID, &e.TypeID, &e.Scope, &e.SourceNodeID, &e.TargetNodeID, &props, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Properties = json.RawMessage(props)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ScopeStats counts nodes and edges in a scope, broken down by type name.
func (s *Store) ScopeStats(ctx context.Context, scope string) (*GraphStats, error) {
	stats := &GraphStats{
		NodesByType: map[string]int{},
		EdgesByType: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, COUNT(1)
		FROM graph_nodes n JOIN graph_node_types t ON t.id = n.type_id
		WHERE n.scope = ?
		GROUP BY t.name;
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("node stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan node stat: %w", err)
		}
		stats.NodesByType[name] = n
		stats.NodeCount += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx, `
		SELECT t.name, COUNT(1)
		FROM graph_edges e JOIN graph_edge_types t ON t.id = e.type_id
		WHERE e.scope = ?
		GROUP BY t.name;
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("edge stats: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var name string
		var n int
		if err := edgeRows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan edge stat: %w", err)
		}
		stats.EdgesByType[name] = n
		stats.EdgeCount += n
	}
	return stats, edgeRows.Err()
}
