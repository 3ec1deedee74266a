package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileOutputSchema compiles an optional JSON-schema document describing a
// tool's result shape, so the registry can be asked to validate both
// registration-time declarations and LLM-returned fallback argument JSON
// (ParameterBuilder Phase 5/6) against something stronger than "is this a
// map". A nil or empty document is accepted and yields a nil schema.
func CompileOutputSchema(t *Tool, document []byte) error {
	if len(document) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	res, err := jsonschema.UnmarshalJSON(bytes.NewReader(document))
	if err != nil {
		return fmt.Errorf("tools: invalid schema for %q: %w", t.Name, err)
	}
	const resourceName = "schema.json"
	if err := compiler.AddResource(resourceName, res); err != nil {
		return fmt.Errorf("tools: compiling schema for %q: %w", t.Name, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("tools: compiling schema for %q: %w", t.Name, err)
	}
	t.schema = schema
	return nil
}

// ValidateAgainstSchema validates a candidate value (typically LLM-returned
// fallback argument JSON, already decoded into a map) against the tool's
// compiled output schema. A tool with no schema always validates.
func ValidateAgainstSchema(t *Tool, value any) error {
	if t == nil || t.schema == nil {
		return nil
	}
	// jsonschema validates against the result of decoding JSON, so round-trip
	// through encoding/json to normalize Go-native types (e.g. int vs float64)
	// the same way a freshly decoded document would look.
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("tools: encoding candidate for validation: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("tools: decoding candidate for validation: %w", err)
	}
	return t.schema.Validate(decoded)
}
