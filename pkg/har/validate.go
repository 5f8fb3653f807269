package har

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/har-1.2.json
var schemaJSON []byte

const schemaURL = "https://nettrace.local/schema/har-1.2.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to load HAR schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile HAR schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Validate checks that data is a well-formed HAR 1.2 document.
func Validate(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to parse HAR: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("HAR schema validation failed: %w", err)
	}
	return nil
}
