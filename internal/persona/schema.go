package persona

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/agentauth/internal/apierr"
)

// personaSchemaJSON is the wire contract for a behavioral profile. Trait
// values are numeric in [0,1] or one of a closed string vocabulary.
const personaSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version"],
  "additionalProperties": false,
  "properties": {
    "version": {
      "type": "string",
      "minLength": 1
    },
    "personality": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "traits": {
          "type": "object",
          "additionalProperties": {
            "oneOf": [
              {"type": "number", "minimum": 0, "maximum": 1},
              {"enum": ["low", "medium", "high", "balanced", "formal", "casual", "friendly", "professional", "concise", "detailed"]}
            ]
          }
        },
        "assistant_axis": {
          "type": "array",
          "items": {"type": "string"}
        },
        "neural_vectors": {
          "type": "object",
          "additionalProperties": {"type": "number"}
        }
      }
    },
    "guardrails": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "toxicity_threshold": {"type": "number", "minimum": 0, "maximum": 1},
        "hallucination_tolerance": {"enum": ["strict", "moderate", "lenient"]},
        "source_citation_required": {"type": "boolean"}
      }
    },
    "constraints": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "forbidden_topics": {"type": "array", "items": {"type": "string"}},
        "required_disclaimers": {"type": "array", "items": {"type": "string"}},
        "allowed_actions": {"type": "array", "items": {"type": "string"}},
        "blocked_actions": {"type": "array", "items": {"type": "string"}},
        "max_response_length": {"type": "integer", "minimum": 1}
      }
    },
    "prompt_template": {"type": "string"}
  }
}`

var personaSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(personaSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("persona schema: unmarshal: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("persona.json", doc); err != nil {
		panic(fmt.Sprintf("persona schema: add resource: %v", err))
	}
	schema, err := c.Compile("persona.json")
	if err != nil {
		panic(fmt.Sprintf("persona schema: compile: %v", err))
	}
	return schema
}

// validateSchema checks a raw persona document against the schema and
// returns a validation-class error with field detail on failure.
func validateSchema(raw json.RawMessage) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return apierr.Validationf("persona is not valid JSON: %v", err)
	}
	if err := personaSchema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: persona schema: %v", apierr.ErrValidation, err)
	}
	return nil
}
