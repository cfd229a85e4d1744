package engine

import (
	"encoding/json"

	"github.com/firebase/genkit/go/ai"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/tools"
)

// Phase names, in pipeline order.
const (
	PhaseQueryIdentification   = "query_identification"
	PhaseInsightIdentification = "insight_identification"
	PhaseKnowledgeAcquisition  = "knowledge_acquisition"
	PhaseAnalysisGeneration    = "analysis_generation"
	PhaseAdviceGeneration      = "advice_generation"
	PhaseGraphConstruction     = "graph_construction"
)

// Phase binds one pipeline stage to its instructions, compiled output
// schema, and tool allow-list. Tools are bound explicitly here, never
// looked up by name at call time.
type Phase struct {
	Name         string
	Instructions string
	Validator    *StructuredValidator
	Tools        []ai.ToolRef
}

const queryIdentificationSchema = `{
  "type": "object",
  "required": ["queries"],
  "properties": {
    "queries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["question"],
        "properties": {
          "question": {"type": "string", "minLength": 1},
          "rationale": {"type": "string"}
        }
      }
    }
  }
}`

const insightIdentificationSchema = `{
  "type": "object",
  "required": ["insights"],
  "properties": {
    "insights": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["insight"],
        "properties": {
          "insight": {"type": "string", "minLength": 1},
          "confidence": {"type": "string", "enum": ["low", "medium", "high"]}
        }
      }
    }
  }
}`

const knowledgeAcquisitionSchema = `{
  "type": "object",
  "required": ["findings"],
  "properties": {
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["topic", "summary"],
        "properties": {
          "topic": {"type": "string", "minLength": 1},
          "summary": {"type": "string", "minLength": 1},
          "sources": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

const analysisGenerationSchema = `{
  "type": "object",
  "required": ["analysis"],
  "properties": {
    "analysis": {"type": "string", "minLength": 1},
    "key_points": {"type": "array", "items": {"type": "string"}}
  }
}`

const adviceGenerationSchema = `{
  "type": "object",
  "required": ["advice"],
  "properties": {
    "advice": {"type": "string", "minLength": 1},
    "next_steps": {"type": "array", "items": {"type": "string"}},
    "followup_task": {"type": "string"}
  }
}`

const graphConstructionSchema = `{
  "type": "object",
  "required": ["nodes_added", "edges_added"],
  "properties": {
    "nodes_added": {"type": "integer", "minimum": 0},
    "edges_added": {"type": "integer", "minimum": 0},
    "notes": {"type": "string"}
  }
}`

// NewPipeline compiles the fixed phase sequence. maxRetries bounds the
// validation feedback loop per phase.
func NewPipeline(reg *tools.Registry, maxRetries int) ([]Phase, error) {
	if reg == nil {
		reg = &tools.Registry{}
	}
	specs := []struct {
		name         string
		instructions string
		schema       string
		tools        []ai.ToolRef
	}{
		{
			name: PhaseQueryIdentification,
			instructions: "Identify the concrete questions that must be answered to make progress " +
				"on the current task. Base them on the task text and the conversation so far. " +
				"Keep the list short and specific.",
			schema: queryIdentificationSchema,
		},
		{
			name: PhaseInsightIdentification,
			instructions: "Extract durable insights about the principal, their situation, or the " +
				"domain from the conversation and the identified queries. Use the remember tool " +
				"for anything worth keeping across tasks. Rate each insight's confidence.",
			schema: insightIdentificationSchema,
			tools:  reg.MemoryTools,
		},
		{
			name: PhaseKnowledgeAcquisition,
			instructions: "Answer the open queries. Use the web_search tool for anything that " +
				"needs current or external information; otherwise draw on what you already know. " +
				"Report one finding per topic, citing sources where you searched.",
			schema: knowledgeAcquisitionSchema,
			tools:  reg.SearchTools,
		},
		{
			name: PhaseAnalysisGeneration,
			instructions: "Synthesize the findings and insights into a coherent analysis of the " +
				"task. State what the evidence supports, what remains uncertain, and how the " +
				"pieces relate.",
			schema: analysisGenerationSchema,
		},
		{
			name: PhaseAdviceGeneration,
			instructions: "Turn the analysis into actionable advice for the principal. List " +
				"concrete next steps. If further autonomous work is warranted, put a short task " +
				"description in followup_task; otherwise leave it empty.",
			schema: adviceGenerationSchema,
		},
		{
			name: PhaseGraphConstruction,
			instructions: "Record the durable entities and relationships from this iteration in " +
				"the knowledge graph. Query existing types and nodes first; reuse them whenever " +
				"they fit, and define new types only when nothing matches. Report what you added.",
			schema: graphConstructionSchema,
			tools:  reg.GraphTools,
		},
	}

	phases := make([]Phase, 0, len(specs))
	for _, s := range specs {
		v, err := NewStructuredValidator(json.RawMessage(s.schema), maxRetries)
		if err != nil {
			return nil, err
		}
		phases = append(phases, Phase{
			Name:         s.name,
			Instructions: s.instructions,
			Validator:    v,
			Tools:        s.tools,
		})
	}
	return phases, nil
}
