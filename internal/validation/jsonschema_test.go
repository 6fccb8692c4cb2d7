package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mcpflow/pkg/schema"
)

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v.definitionSchema)
}

func TestValidateDefinition_Nil(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidateDefinition_CollectsEveryViolation(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		Nodes: []schema.WorkflowNode{{ID: "", Type: "trigger"}},
		Edges: []schema.WorkflowEdge{{Source: "", Target: "x"}},
	}
	err = v.ValidateDefinition(def)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
	assert.Contains(t, fe.Message, "errors")
}

const citySchema = `{
  "type": "object",
  "required": ["city"],
  "properties": {
    "city": {"type": "string", "minLength": 1},
    "days": {"type": "integer", "minimum": 1, "maximum": 7}
  }
}`

func TestValidateInput_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateInput(map[string]any{"city": "Lima", "days": 3}, []byte(citySchema)))
}

func TestValidateInput_Violations(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateInput(map[string]any{"days": 9}, []byte(citySchema))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestValidateInput_EmptySchemaAcceptsAnything(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateInput(map[string]any{"anything": true}, nil))
}

func TestValidateInput_NilInputIsEmptyObject(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateInput(nil, []byte(`{"type":"object"}`)))
	assert.Error(t, v.ValidateInput(nil, []byte(citySchema)))
}

func TestValidateInput_InvalidSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateInput(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, schema.Message(err), "invalid input schema")
}

func TestValidateInput_CachesCompiledSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, v.ValidateInput(map[string]any{"city": "Quito"}, []byte(citySchema)))
	}
	assert.Len(t, v.cache, 1)
}

func TestValidateInput_ConcurrentUse(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- v.ValidateInput(map[string]any{"city": "Bogota"}, []byte(citySchema))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
