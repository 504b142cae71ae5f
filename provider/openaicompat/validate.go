package openaicompat

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateSchema checks doc against a JSON Schema and returns a descriptive
// error when the document does not conform. Providers enforce the schema
// server-side via response_format, but smaller models and non-strict
// backends still drift; validating locally keeps malformed objects out of
// the extraction pipeline.
func ValidateSchema(schema, doc []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	descs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		descs = append(descs, e.String())
	}
	return fmt.Errorf("response violates schema: %s", strings.Join(descs, "; "))
}
