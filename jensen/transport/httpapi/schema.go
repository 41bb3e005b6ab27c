package httpapi

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const messageSchema = `{
	"type": "object",
	"required": ["text"],
	"properties": {
		"text":   {"type": "string", "minLength": 1},
		"stream": {"type": "boolean"}
	},
	"additionalProperties": false
}`

// validator checks request bodies against a compiled JSON schema.
type validator struct {
	schema *gojsonschema.Schema
}

func newValidator(schema string) (*validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &validator{schema: s}, nil
}

func (v *validator) validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
