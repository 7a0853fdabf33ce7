// Package toolconv converts action declarations into the tool definitions of
// each model provider SDK.
package toolconv

import (
	"encoding/json"

	"github.com/haasonsaas/copilot-runtime/internal/actions"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// schemaMap returns the JSON Schema of an action as decoded JSON, so that
// nested values have the shapes encoding/json produces.
func schemaMap(spec models.ActionSpec) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal(actions.SchemaJSON(spec.Parameters), &schema); err != nil || schema == nil {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return schema
}
