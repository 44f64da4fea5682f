package ingest

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"datayoti/go-ingestor/internal/model"
)

//go:embed schema/data-v1.json
var dataSchemaJSON string

//go:embed schema/heartbeat-v1.json
var heartbeatSchemaJSON string

// Validator checks decoded payloads against the per-kind JSON schema.
type Validator struct {
	schemas map[model.MessageKind]*jsonschema.Schema
}

// NewValidator compiles the embedded data and heartbeat schemas.
func NewValidator() (*Validator, error) {
	sources := map[model.MessageKind]struct {
		name string
		body string
	}{
		model.KindData:      {"data-v1.json", dataSchemaJSON},
		model.KindHeartbeat: {"heartbeat-v1.json", heartbeatSchemaJSON},
	}

	compiler := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[model.MessageKind]*jsonschema.Schema, len(sources))}

	for kind, src := range sources {
		if err := compiler.AddResource(src.name, strings.NewReader(src.body)); err != nil {
			return nil, fmt.Errorf("failed to add schema resource %s: %w", src.name, err)
		}
		schema, err := compiler.Compile(src.name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", src.name, err)
		}
		v.schemas[kind] = schema
	}

	return v, nil
}

// Validate checks doc, a generic JSON tree whose numbers are float64 or
// json.Number.
func (v *Validator) Validate(kind model.MessageKind, doc any) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: no schema for kind %q", ErrValidation, kind)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
