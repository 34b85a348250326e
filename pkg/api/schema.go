package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://governor.dev/schemas/"

// Request body schemas.
const (
	SchemaChangeRequest  = "change_request.json"
	SchemaDecision       = "decision.json"
	SchemaOverride       = "override.json"
	SchemaActuatorReport = "actuator_report.json"
	SchemaUnit           = "unit.json"
)

// Schemas holds the compiled request body schemas.
type Schemas struct {
	compiled map[string]*jsonschema.Schema
}

// LoadSchemas compiles the embedded schemas.
func LoadSchemas() (*Schemas, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", e.Name(), err)
		}
	}

	s := &Schemas{compiled: map[string]*jsonschema.Schema{}}
	for _, name := range []string{SchemaChangeRequest, SchemaDecision, SchemaOverride, SchemaActuatorReport, SchemaUnit} {
		compiled, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		s.compiled[name] = compiled
	}
	return s, nil
}

// Validate checks body against the named schema.
func (s *Schemas) Validate(name string, body []byte) error {
	schema, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return schema.Validate(doc)
}
