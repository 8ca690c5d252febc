package arbiter

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const outcomeSchemaURL = "mem://arbiter/decision_outcome.json"

// outcomeSchema is the shape the oracle must answer with. Cross-field rules
// that need the candidate set are checked separately.
const outcomeSchema = `{
  "type": "object",
  "required": ["action_type", "reason", "execution", "clarify"],
  "properties": {
    "action_type": {"enum": ["RETURN_RESULT", "EXECUTE_WORKFLOW", "ASK_CLARIFY", "FALLBACK"]},
    "selected": {
      "type": ["object", "null"],
      "required": ["resource_id", "resource_type", "confidence"],
      "properties": {
        "resource_id": {"type": "string", "minLength": 1},
        "resource_type": {"enum": ["DOC", "WORKFLOW", "RESULT", "STRUCTURED", "TOOL"]},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "reason": {
      "type": "object",
      "properties": {
        "why_best_fit": {"type": "array", "items": {"type": "string"}},
        "tradeoffs": {"type": "array", "items": {"type": "string"}}
      }
    },
    "execution": {
      "type": "object",
      "required": ["required"],
      "properties": {
        "required": {"type": "boolean"},
        "executor_resource_id": {"type": ["string", "null"]},
        "input": {"type": ["object", "null"]},
        "idempotency_key": {"type": ["string", "null"]}
      }
    },
    "clarify": {
      "type": "object",
      "required": ["required"],
      "properties": {
        "required": {"type": "boolean"},
        "questions": {"type": ["array", "null"], "items": {"type": "string", "minLength": 1}}
      }
    }
  }
}`

func compileOutcomeSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(outcomeSchemaURL, strings.NewReader(outcomeSchema)); err != nil {
		return nil, err
	}
	return c.Compile(outcomeSchemaURL)
}
