package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

const createTokenSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"isAdmin": {"type": "boolean"},
		"is_admin": {"type": "boolean"}
	},
	"additionalProperties": false
}`

var createTokenValidator = mustCompileSchema("create-token.json", createTokenSchema)

type schemaViolation struct {
	errors []string
}

func (e *schemaViolation) Error() string {
	return fmt.Sprintf("schema validation failed: %s", strings.Join(e.errors, "; "))
}

func mustCompileSchema(name, schemaJSON string) *santhosh.Schema {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// validateBody checks raw JSON against a compiled schema. Returns
// *schemaViolation when the document does not conform.
func validateBody(sch *santhosh.Schema, data []byte) error {
	var v any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&v); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return &schemaViolation{errors: collectValidationErrors(ve)}
		}
		return &schemaViolation{errors: []string{err.Error()}}
	}
	return nil
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}
