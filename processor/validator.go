package processor

import (
	"fmt"
	"strings"

	"github.com/docuflow/docuflow/model"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaViolation is one failed schema check with the path that failed.
type SchemaViolation struct {
	Path    string
	Message string
}

func (v SchemaViolation) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// SchemaError reports that a value does not validate against a declared
// schema. It is always non-retriable.
type SchemaError struct {
	Violations []SchemaViolation
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

// ValidateAgainstSchema validates value against a JSON-Schema document.
// A nil schema validates everything.
func ValidateAgainstSchema(schema, value model.JSONMap) error {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(map[string]interface{}(schema)),
		gojsonschema.NewGoLoader(map[string]interface{}(value)),
	)
	if err != nil {
		return fmt.Errorf("failed to evaluate schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	violations := make([]SchemaViolation, 0, len(result.Errors()))
	for _, resErr := range result.Errors() {
		violations = append(violations, SchemaViolation{
			Path:    resErr.Field(),
			Message: resErr.Description(),
		})
	}
	return &SchemaError{Violations: violations}
}

// ValidateOutput checks a processor result against the processor's declared
// output schema, when one exists.
func ValidateOutput(desc Description, output model.JSONMap) error {
	return ValidateAgainstSchema(desc.OutputSchema, output)
}

// ValidateStepConfig checks a pipeline step config against the processor's
// declared config schema. The importer calls this for every step.
func ValidateStepConfig(desc Description, config model.JSONMap) error {
	return ValidateAgainstSchema(desc.ConfigSchema, config)
}
