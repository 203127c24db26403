package definition

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator validates raw process-definition documents before
// they are decoded. Shape errors surface with JSON paths so the visual
// designer can highlight the offending field.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded definition schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("definition.json", strings.NewReader(definitionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add definition schema: %w", err)
	}
	schema, err := compiler.Compile("definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// ValidateDocument validates a JSON-encoded definition document.
func (v *SchemaValidator) ValidateDocument(data []byte) *Result {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &Result{
			Valid:  false,
			Errors: []Issue{{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}},
		}
	}

	err := v.schema.Validate(doc)
	if err == nil {
		return &Result{Valid: true}
	}

	res := &Result{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		res.Errors = flattenSchemaErrors(verr)
	} else {
		res.Errors = []Issue{{Path: "$", Message: err.Error()}}
	}
	return res
}

func flattenSchemaErrors(verr *jsonschema.ValidationError) []Issue {
	var issues []Issue
	if verr.Message != "" {
		issues = append(issues, Issue{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		issues = append(issues, flattenSchemaErrors(cause)...)
	}
	return issues
}

const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "definition.json",
  "title": "Process Definition",
  "type": "object",
  "required": ["name", "nodes", "edges"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-zA-Z][a-zA-Z0-9._-]*$"
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "entity_type": {
      "type": "string"
    },
    "nodes": {
      "type": "array",
      "minItems": 2,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9._-]*$"
          },
          "kind": {
            "type": "string",
            "enum": ["start", "end", "task", "gateway_xor", "gateway_and", "gateway_or"]
          },
          "label": {"type": "string"},
          "task": {
            "type": "object",
            "properties": {
              "action": {"type": "string"},
              "sla_hours": {"type": "number", "minimum": 0},
              "escalation_hours": {"type": "number", "minimum": 0},
              "auto_advance": {"type": "boolean"}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "id": {"type": "string"},
          "source": {"type": "string"},
          "target": {"type": "string"},
          "label": {"type": "string"},
          "condition": {"type": "string"}
        }
      }
    },
    "sla": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "max_duration": {"type": ["integer", "string"]},
          "warning_at_percent": {"type": "integer", "minimum": 0, "maximum": 100},
          "escalate_after": {"type": ["integer", "string"]}
        }
      }
    },
    "escalations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["condition", "escalate_to", "notify_via"],
        "properties": {
          "condition": {"type": "string", "enum": ["sla_breach"]},
          "node_id": {"type": "string"},
          "escalate_to": {"type": "array", "items": {"type": "string"}, "minItems": 1},
          "notify_via": {"type": "array", "items": {"type": "string"}, "minItems": 1}
        }
      }
    },
    "is_active": {"type": "boolean"}
  }
}`
