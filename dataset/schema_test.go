package dataset

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferSchema_WithHeader(t *testing.T) {
	csv := "age,height,name\n30,1.82,alice\n25,1.64,bob\n"

	schema, err := InferSchema(strings.NewReader(csv))
	require.NoError(t, err)

	assert.Equal(t, int64(2), schema.NRows)
	require.Len(t, schema.Columns, 3)
	assert.Equal(t, Column{Name: "age", Type: "integer"}, schema.Columns[0])
	assert.Equal(t, Column{Name: "height", Type: "float"}, schema.Columns[1])
	assert.Equal(t, Column{Name: "name", Type: "string"}, schema.Columns[2])
	assert.Equal(t, "age:integer,height:float,name:string", schema.String())
}

func TestInferSchema_WithoutHeader(t *testing.T) {
	csv := "1,2.5\n3,4.5\n"

	schema, err := InferSchema(strings.NewReader(csv))
	require.NoError(t, err)

	assert.Equal(t, int64(2), schema.NRows)
	require.Len(t, schema.Columns, 2)
	assert.Equal(t, Column{Name: "col_1", Type: "integer"}, schema.Columns[0])
	assert.Equal(t, Column{Name: "col_2", Type: "float"}, schema.Columns[1])
}

func TestInferSchema_TypeWidening(t *testing.T) {
	csv := "v\n1\n2.5\nthree\n"

	schema, err := InferSchema(strings.NewReader(csv))
	require.NoError(t, err)

	assert.Equal(t, "string", schema.Columns[0].Type)
}

func TestInferSchema_IntegerWidensToFloat(t *testing.T) {
	csv := "v\n1\n2\n3.5\n"

	schema, err := InferSchema(strings.NewReader(csv))
	require.NoError(t, err)

	assert.Equal(t, "float", schema.Columns[0].Type)
}

func TestInferSchema_EmptyFile(t *testing.T) {
	_, err := InferSchema(strings.NewReader(""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFile))
}

func TestInferSchema_HeaderOnly(t *testing.T) {
	_, err := InferSchema(strings.NewReader("a,b,c\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFile))
}

func TestInferSchema_RaggedRows(t *testing.T) {
	csv := "a,b\n1,2\n3\n"

	_, err := InferSchema(strings.NewReader(csv))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFile))
}
