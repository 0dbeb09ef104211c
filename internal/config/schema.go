package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	entrackerrors "github.com/gxo-labs/entrack/pkg/entrack/v1/errors"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed entrack_schema_v1.0.0.json
var schemaV1Bytes []byte

var (
	schemaV1   *gojsonschema.Schema
	schemaOnce sync.Once
	schemaErr  error
)

// loadSchema compiles the embedded schema once.
func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaV1Bytes) == 0 {
			schemaErr = entrackerrors.NewConfigError("embedded schema 'entrack_schema_v1.0.0.json' is empty", nil)
			return
		}
		schemaV1, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaV1Bytes))
		if schemaErr != nil {
			schemaErr = entrackerrors.NewConfigError("failed to compile embedded schema 'entrack_schema_v1.0.0.json'", schemaErr)
		}
	})
	return schemaV1, schemaErr
}

// ValidateDocument checks a generic decoded document (from YAML or TOML)
// against the embedded v1 schema. All schema failures are reported at once.
func ValidateDocument(doc interface{}) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return entrackerrors.NewConfigError("schema validation process failed", err)
	}
	if result.Valid() {
		return nil
	}
	var b strings.Builder
	b.WriteString("model failed JSON schema validation:")
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" || field == "" {
			field = desc.Context().String()
		}
		fmt.Fprintf(&b, "\n  - Field '%s': %s", field, desc.Description())
	}
	return entrackerrors.NewValidationError(b.String(), nil)
}
