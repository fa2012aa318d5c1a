package validation

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow save documents.
// Embedded as a constant to avoid filesystem dependencies. Conditions are
// only shape-checked here; the closed grammar is enforced semantically.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ratchet.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "actions"],
  "properties": {
    "id": { "type": "string" },
    "name": {
      "type": "string",
      "minLength": 1,
      "maxLength": 200
    },
    "scope": {
      "type": "object",
      "properties": {
        "kind": { "type": "string", "enum": ["global", "entity"] },
        "entity_type": { "type": "string" },
        "entity_id": { "type": "string" }
      },
      "additionalProperties": false
    },
    "status": {
      "type": "string",
      "enum": ["draft", "active", "inactive"]
    },
    "priority": { "type": "integer" },
    "max_concurrent_executions": {
      "type": "integer",
      "minimum": 0
    },
    "constants": { "type": "object" },
    "created_by": { "type": "string" },
    "triggers": {
      "type": "array",
      "items": { "$ref": "#/$defs/trigger" }
    },
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/action" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "trigger": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "id": { "type": "string" },
        "workflow_id": { "type": "string" },
        "kind": {
          "type": "string",
          "enum": ["event", "schedule", "manual", "webhook"]
        },
        "event_type": { "type": "string" },
        "condition": { "$ref": "#/$defs/condition" },
        "cron": { "type": "string" },
        "version": { "type": "integer" },
        "next_fire_at": { "type": "string" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["order", "kind"],
      "properties": {
        "id": { "type": "string" },
        "workflow_id": { "type": "string" },
        "order": {
          "type": "integer",
          "minimum": 0
        },
        "kind": {
          "type": "string",
          "enum": [
            "send_notification", "update_entity_field", "create_entity",
            "assign_entity", "change_status", "add_comment",
            "call_webhook", "delay", "branch"
          ]
        },
        "params": { "type": "object" },
        "condition": { "$ref": "#/$defs/condition" },
        "continue_on_error": { "type": "boolean" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "properties": {
        "all": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        },
        "any": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        },
        "not": { "$ref": "#/$defs/condition" },
        "field": { "type": "string" },
        "op": {
          "type": "string",
          "enum": ["eq", "neq", "gt", "lt", "contains", "in", "is_null"]
        },
        "value": {}
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaURL = "https://ratchet.dev/schemas/workflow.json"

// DocumentValidator validates workflow save documents against the embedded
// JSON Schema Draft 2020-12 and then applies the semantic checks. It is
// safe for concurrent use.
type DocumentValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewDocumentValidator compiles the embedded workflow schema.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &DocumentValidator{workflowSchema: wfSchema}, nil
}

// ValidateDocument checks the raw save payload against the JSON Schema.
func (v *DocumentValidator) ValidateDocument(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is not valid JSON").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toRatchetError(err)
	}
	return nil
}

// ValidateWorkflow applies the semantic checks to a decoded document.
func (v *DocumentValidator) ValidateWorkflow(doc *WorkflowDocument) error {
	return validateSemantics(doc)
}

// toRatchetError converts a jsonschema.ValidationError into a RatchetError
// with every leaf violation listed in the details.
func toRatchetError(err error) *schema.RatchetError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
