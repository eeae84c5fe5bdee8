package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// completionSchema validates the shape of inbound worker completions
// before the state machine touches them.
const completionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["correlationId", "status"],
  "properties": {
    "correlationId": {"type": "string", "minLength": 1},
    "status": {"enum": ["success", "error"]},
    "output": {
      "type": "object",
      "required": ["ref", "type"],
      "properties": {
        "ref": {"type": "string", "minLength": 1},
        "type": {"enum": ["image", "text"]}
      }
    },
    "error": {
      "type": "object",
      "required": ["code", "message"],
      "properties": {
        "code": {"type": "string"},
        "message": {"type": "string"}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"status": {"const": "success"}}},
      "then": {"required": ["output"]}
    },
    {
      "if": {"properties": {"status": {"const": "error"}}},
      "then": {"required": ["error"]}
    }
  ]
}`

var (
	completionOnce       sync.Once
	completionCompiled   *jsonschema.Schema
	completionCompileErr error
)

// DecodeCompletion validates and decodes a completion payload.
func DecodeCompletion(data []byte) (*ToolCompletion, error) {
	completionOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("inmemory://completion", bytes.NewReader([]byte(completionSchema))); err != nil {
			completionCompileErr = fmt.Errorf("add completion schema: %w", err)
			return
		}
		completionCompiled, completionCompileErr = compiler.Compile("inmemory://completion")
	})
	if completionCompileErr != nil {
		return nil, completionCompileErr
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if err := completionCompiled.Validate(raw); err != nil {
		return nil, fmt.Errorf("completion schema validation failed: %w", err)
	}
	var msg ToolCompletion
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	return &msg, nil
}

// ValidateParams validates a params bag against an inline schema map, as
// declared per procedure in the tool registry.
func ValidateParams(schema map[string]any, params map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	schemaData, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal params schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inmemory://params", bytes.NewReader(schemaData)); err != nil {
		return fmt.Errorf("add params schema: %w", err)
	}
	compiled, err := compiler.Compile("inmemory://params")
	if err != nil {
		return fmt.Errorf("compile params schema: %w", err)
	}
	normalized, err := normalize(params)
	if err != nil {
		return err
	}
	if err := compiled.Validate(normalized); err != nil {
		return fmt.Errorf("params schema validation failed: %w", err)
	}
	return nil
}

func normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	return out, nil
}
