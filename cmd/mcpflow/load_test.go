package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mcpflow/pkg/schema"
)

const yamlDefinition = `
name: Weather report
definition:
  nodes:
    - id: start
      type: trigger
      data:
        triggerType: manual
    - id: out
      type: output
      data:
        outputType: return
  edges:
    - source: start
      target: out
  settings:
    maxCostCents: 50
`

const jsonDefinition = `{
	"nodes": [{"id": "start", "type": "trigger", "data": {"triggerType": "manual"}}],
	"edges": []
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefinition_YAMLWrapped(t *testing.T) {
	def, name, err := loadDefinition(context.Background(), writeFile(t, "flow.yaml", yamlDefinition))
	require.NoError(t, err)
	assert.Equal(t, "Weather report", name)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, schema.NodeTypeTrigger, def.Nodes[0].Type)
	assert.Equal(t, 50, def.Settings.MaxCostCents)
	require.Len(t, def.Edges, 1)
	assert.Equal(t, "out", def.Edges[0].Target)
}

func TestLoadDefinition_JSONPlain(t *testing.T) {
	def, name, err := loadDefinition(context.Background(), writeFile(t, "flow.json", jsonDefinition))
	require.NoError(t, err)
	assert.Empty(t, name)
	require.Len(t, def.Nodes, 1)
	assert.Equal(t, "start", def.Nodes[0].ID)
}

func TestLoadDefinition_SniffsUnknownExtension(t *testing.T) {
	def, _, err := loadDefinition(context.Background(), writeFile(t, "flow.txt", yamlDefinition))
	require.NoError(t, err)
	assert.Len(t, def.Nodes, 2)
}

func TestLoadDefinition_FileURL(t *testing.T) {
	path := writeFile(t, "flow.json", jsonDefinition)
	def, _, err := loadDefinition(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Len(t, def.Nodes, 1)
}

func TestLoadDefinition_Missing(t *testing.T) {
	_, _, err := loadDefinition(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseInput(t *testing.T) {
	ctx := context.Background()

	in, err := parseInput(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, in)

	in, err = parseInput(ctx, `{"city":"Lima","days":3}`)
	require.NoError(t, err)
	assert.Equal(t, "Lima", in["city"])

	in, err = parseInput(ctx, "@"+writeFile(t, "input.yaml", "city: Cusco\n"))
	require.NoError(t, err)
	assert.Equal(t, "Cusco", in["city"])

	_, err = parseInput(ctx, `[1,2]`)
	assert.Error(t, err)
}
