package graph

// ValidationError reports properties that fail their type's JSON schema.
// Surfaced verbatim as a tool error so the calling phase can correct its
// arguments and retry within the same tool loop.
type ValidationError struct {
	TypeName string
	Message  string
}

func (e *ValidationError) Error() string {
	return "validation failed for type " + e.TypeName + ": " + e.Message
}

// ConstraintError reports an edge whose endpoint node types are not in the
// edge type's allowed sets. Never retried automatically.
type ConstraintError struct {
	EdgeType string
	Message  string
}

func (e *ConstraintError) Error() string {
	return "constraint violation on edge type " + e.EdgeType + ": " + e.Message
}
