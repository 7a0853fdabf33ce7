package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// Schema converts an action's parameter list into a JSON Schema object.
func Schema(params []models.ActionParameter) map[string]any {
	properties := make(map[string]any, len(params))
	required := make([]string, 0)
	for _, p := range params {
		properties[p.Name] = parameterSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// SchemaJSON is Schema encoded as JSON.
func SchemaJSON(params []models.ActionParameter) json.RawMessage {
	data, err := json.Marshal(Schema(params))
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

func parameterSchema(p models.ActionParameter) map[string]any {
	var schema map[string]any
	switch p.Type {
	case models.ParamObject:
		schema = Schema(p.Attributes)
	case models.ParamObjectArray:
		schema = map[string]any{"type": "array", "items": Schema(p.Attributes)}
	default:
		item, array := scalarType(p.Type)
		schema = map[string]any{"type": item}
		if enum := enumValues(item, p.Enum); len(enum) > 0 {
			schema["enum"] = enum
		}
		if array {
			schema = map[string]any{"type": "array", "items": schema}
		}
	}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	return schema
}

// scalarType returns the JSON type of a parameter, or of its items for
// array types.
func scalarType(t models.ParameterType) (item string, array bool) {
	switch t {
	case models.ParamNumber:
		return "number", false
	case models.ParamBoolean:
		return "boolean", false
	case models.ParamStringArray:
		return "string", true
	case models.ParamNumberArray:
		return "number", true
	case models.ParamBooleanArray:
		return "boolean", true
	default:
		return "string", false
	}
}

// enumValues converts enum entries to the parameter's JSON type. Entries
// that do not parse as that type are dropped.
func enumValues(item string, values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		switch item {
		case "number":
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			out = append(out, n)
		case "boolean":
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				continue
			}
			out = append(out, b)
		default:
			out = append(out, v)
		}
	}
	return out
}

// DecodeArguments parses a completed argument buffer. An empty buffer is
// an empty object; anything other than a JSON object is an error.
func DecodeArguments(raw string) (map[string]any, error) {
	if len(raw) > MaxArgumentsSize {
		return nil, fmt.Errorf("arguments exceed maximum size of %d bytes", MaxArgumentsSize)
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	var args map[string]any
	if err := decoder.Decode(&args); err != nil {
		return nil, fmt.Errorf("invalid arguments JSON: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("invalid arguments JSON: trailing data")
	}
	if args == nil {
		return map[string]any{}, nil
	}
	return args, nil
}

// ValidateArguments checks decoded arguments against the action's schema.
func ValidateArguments(spec models.ActionSpec, args map[string]any) error {
	schema, err := compileSchema(SchemaJSON(spec.Parameters))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", spec.Name, err)
	}

	// Round-trip so the validator sees only JSON-decoded values.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("action.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
