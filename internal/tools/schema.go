package tools

import (
	"encoding/json"
	"fmt"

	genschema "github.com/invopop/jsonschema"
)

// SchemaFor reflects a handler's input struct into a self-contained JSON
// Schema suitable for both LLM tool definitions and argument validation.
func SchemaFor[T any]() (json.RawMessage, error) {
	r := &genschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	var zero T
	schema := r.Reflect(&zero)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: reflect schema: %w", err)
	}
	return raw, nil
}

// MustSchemaFor is SchemaFor for statically known types where reflection
// cannot fail.
func MustSchemaFor[T any]() json.RawMessage {
	raw, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return raw
}
