package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name   string
	schema map[string]interface{}
}

func (f *fakeTool) Name() string                        { return f.name }
func (f *fakeTool) Description() string                 { return "fake tool" }
func (f *fakeTool) InputSchema() map[string]interface{} { return f.schema }
func (f *fakeTool) Execute(ctx context.Context, params map[string]interface{}) (string, error) {
	return "done", nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "book_appointment"})
	reg.Register(&fakeTool{name: "list_appointments"})

	tool, err := reg.Get("book_appointment")
	require.NoError(t, err)
	assert.Equal(t, "book_appointment", tool.Name())

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrToolNotFound)

	assert.Equal(t, []string{"book_appointment", "list_appointments"}, reg.Names())
}

func TestRegistry_DefinitionsSkipsUnknown(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "book_appointment"})

	defs := reg.Definitions([]string{"book_appointment", "not_registered"})
	require.Len(t, defs, 1)
	assert.Equal(t, "book_appointment", defs[0].Name)
}

func TestIsReadOnly(t *testing.T) {
	assert.True(t, IsReadOnly("list_appointments"))
	assert.True(t, IsReadOnly("get_invoice"))
	assert.True(t, IsReadOnly("search_contacts"))
	assert.True(t, IsReadOnly("query_calendar"))
	assert.False(t, IsReadOnly("book_appointment"))
	assert.False(t, IsReadOnly("send_invoice"))
	assert.False(t, IsReadOnly("delete_contact"))
}

func TestValidateArguments(t *testing.T) {
	tool := &fakeTool{
		name: "book_appointment",
		schema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"date"},
			"properties": map[string]interface{}{
				"date": map[string]interface{}{"type": "string"},
				"time": map[string]interface{}{"type": "string"},
			},
		},
	}

	err := ValidateArguments(tool, map[string]interface{}{"date": "2026-09-03"})
	assert.NoError(t, err)

	err = ValidateArguments(tool, map[string]interface{}{"time": "10:00"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match schema")

	err = ValidateArguments(tool, map[string]interface{}{"date": 42})
	assert.Error(t, err)
}

func TestValidateArguments_NoSchema(t *testing.T) {
	tool := &fakeTool{name: "ping"}
	assert.NoError(t, ValidateArguments(tool, map[string]interface{}{"anything": true}))
}
