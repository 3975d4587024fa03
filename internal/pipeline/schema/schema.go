// Package schema generates JSON Schema documents from Go struct tags (via
// invopop/jsonschema) and compiles/validates candidate JSON payloads against
// them (via santhosh-tekuri/jsonschema), so a malformed pipeline definition
// or stage payload is rejected before it is accepted or dispatched rather
// than failing mid-execution.
//
// This package intentionally has no dependency on internal/pipeline: the
// pipeline package is the caller (Runner.Register / executeStage), and a
// pipeline -> schema -> pipeline import cycle must not exist.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	tekuri "github.com/santhosh-tekuri/jsonschema/v5"
)

// Generate reflects v (a pointer to a struct) into a JSON Schema document
// describing its shape, following its json struct tags. Fields are only
// required when explicitly tagged `jsonschema:"required"`, and unrecognized
// properties are allowed: the schema checks the type of fields it knows
// about rather than policing document completeness, so it is safe to run
// against a document that predates a field being added.
func Generate(v any) *invopop.Schema {
	reflector := &invopop.Reflector{
		ExpandedStruct:             true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  true,
	}
	return reflector.Reflect(v)
}

// Validator wraps a compiled santhosh-tekuri/jsonschema schema document for
// validating arbitrary JSON payloads (a default_input object, an
// INLINE_STAGE: payload, or a whole definition document) against it.
type Validator struct {
	schema *tekuri.Schema
}

// Compile parses schemaJSON (a JSON Schema document, e.g. the output of
// Generate marshaled to JSON, or a hand-authored per-stage schema) and
// returns a Validator.
func Compile(name string, schemaJSON []byte) (*Validator, error) {
	compiler := tekuri.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// CompileFromValue is Compile, taking a value to reflect via Generate
// instead of a pre-marshaled schema document.
func CompileFromValue(name string, v any) (*Validator, error) {
	s := Generate(v)
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal generated schema: %w", err)
	}
	return Compile(name, b)
}

// Validate decodes payload as JSON and checks it against the compiled
// schema.
func (v *Validator) Validate(payload json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("schema: invalid JSON payload: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: validation failed: %w", err)
	}
	return nil
}
