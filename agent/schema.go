package agent

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"github.com/vinayprograms/taskmesh/heartbeat"
)

// payloadSchema is a tool's compiled InputSchema.
type payloadSchema struct {
	tool   string
	schema *jsonschema.Schema
}

// compileSchemas compiles the InputSchema of every tool that has one.
func compileSchemas(tools []heartbeat.Tool) ([]payloadSchema, error) {
	var out []payloadSchema
	for _, t := range tools {
		if len(t.InputSchema) == 0 {
			continue
		}
		raw, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encode schema for %q: %w", t.Name, err)
		}
		compiled, err := jsonschema.NewCompiler().Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", t.Name, err)
		}
		out = append(out, payloadSchema{tool: t.Name, schema: compiled})
	}
	return out, nil
}

// checkPayload validates a task payload against every advertised schema.
func checkPayload(schemas []payloadSchema, payload map[string]interface{}) error {
	for _, s := range schemas {
		result := s.schema.Validate(payload)
		if !result.IsValid() {
			return fmt.Errorf("invalid payload for %s: %s", s.tool, result.Error())
		}
	}
	return nil
}
