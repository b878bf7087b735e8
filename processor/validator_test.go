package processor

import (
	"errors"
	"testing"

	"github.com/docuflow/docuflow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAgainstSchema(t *testing.T) {
	schema := model.JSONMap{
		"type":     "object",
		"required": []interface{}{"fields"},
		"properties": map[string]interface{}{
			"fields": map[string]interface{}{"type": "object"},
		},
	}

	tests := []struct {
		name  string
		value model.JSONMap
		valid bool
	}{
		{"Valid", model.JSONMap{"fields": map[string]interface{}{"total": "12.50"}}, true},
		{"MissingRequired", model.JSONMap{"other": 1}, false},
		{"WrongType", model.JSONMap{"fields": "not-an-object"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAgainstSchema(schema, tt.value)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateAgainstSchema_ReportsFailingPath(t *testing.T) {
	schema := model.JSONMap{
		"type": "object",
		"properties": map[string]interface{}{
			"fields": map[string]interface{}{"type": "object"},
		},
	}

	err := ValidateAgainstSchema(schema, model.JSONMap{"fields": 42})
	require.Error(t, err)

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	require.NotEmpty(t, schemaErr.Violations)
	assert.Equal(t, "fields", schemaErr.Violations[0].Path)
	assert.Contains(t, err.Error(), "fields")
}

func TestValidateAgainstSchema_NilSchemaAcceptsEverything(t *testing.T) {
	assert.NoError(t, ValidateAgainstSchema(nil, model.JSONMap{"anything": true}))
	assert.NoError(t, ValidateAgainstSchema(model.JSONMap{}, nil))
}

func TestValidateStepConfig_Builtins(t *testing.T) {
	classification := &ClassificationProcessor{}

	err := ValidateStepConfig(classification.Describe(), model.JSONMap{
		"categories": []interface{}{"invoice", "receipt"},
	})
	assert.NoError(t, err)

	err = ValidateStepConfig(classification.Describe(), model.JSONMap{})
	assert.Error(t, err)
}
