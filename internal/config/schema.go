package config

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "swapdog.schema.json"

var documentSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("config: parse embedded schema: %v", err))
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		panic(fmt.Sprintf("config: add schema resource: %v", err))
	}

	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("config: compile schema: %v", err))
	}
	return compiled
}

// validateDocument checks a decoded document (as produced by
// jsonschema.UnmarshalJSON) against the embedded schema.
func validateDocument(doc any) error {
	if err := documentSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
