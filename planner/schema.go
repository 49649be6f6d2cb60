package planner

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schemas the oracle's JSON output is validated against before any
// decoding into typed structs. Dependency index bounds are checked by
// Materialize; the schema only pins shape and types.
const planSchemaJSON = `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/task"}
    }
  },
  "$defs": {
    "task": {
      "type": "object",
      "required": ["description", "executor_type"],
      "properties": {
        "description": {"type": "string", "minLength": 1},
        "executor_type": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"},
        "depends_on": {
          "type": "array",
          "items": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

const correctionSchemaJSON = `{
  "type": "object",
  "required": ["retry_task"],
  "properties": {
    "corrective_tasks": {
      "type": "array",
      "items": {"$ref": "#/$defs/task"}
    },
    "retry_task": {"$ref": "#/$defs/task"}
  },
  "$defs": {
    "task": {
      "type": "object",
      "required": ["description", "executor_type"],
      "properties": {
        "description": {"type": "string", "minLength": 1},
        "executor_type": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"},
        "depends_on": {
          "type": "array",
          "items": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var (
	planSchema       = mustCompileSchema("plan.json", planSchemaJSON)
	correctionSchema = mustCompileSchema("correction.json", correctionSchemaJSON)
)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		panic(fmt.Sprintf("unmarshal %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return schema
}

// validateAgainst checks raw JSON against a schema, then decodes it into
// out with unknown fields tolerated.
func validateAgainst(schema *jsonschema.Schema, raw string, out any) error {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return nil
}
