package cets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("dataset.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add dataset schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("dataset.schema.json")
	})
	return schema, schemaErr
}

// ValidateDocument checks a serialized dataset document against the embedded
// CETS schema. Applied on write and on read, so a hand-edited or truncated
// artifact fails loudly instead of producing a broken thumbnail run.
func ValidateDocument(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("dataset is not valid json: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("dataset does not match schema: %w", err)
	}
	return nil
}
