package diagram

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/pkg/schema"
)

// --- Test workflow builders ---

func node(id string, kind schema.NodeType, data any) schema.WorkflowNode {
	raw, _ := json.Marshal(data)
	return schema.WorkflowNode{ID: id, Type: kind, Data: raw}
}

func linearWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Nodes: []schema.WorkflowNode{
			node("start", schema.NodeTypeTrigger, schema.TriggerNodeData{Label: "Start", TriggerType: schema.TriggerManual}),
			node("fetch", schema.NodeTypeMCPServer, schema.ServiceNodeData{Label: "Fetch weather", MCPServer: &schema.ServiceDescriptor{Slug: "weather"}}),
			node("out", schema.NodeTypeOutput, schema.OutputNodeData{OutputType: schema.OutputReturn}),
		},
		Edges: []schema.WorkflowEdge{
			{Source: "start", Target: "fetch"},
			{Source: "fetch", Target: "out", Data: &schema.EdgeData{Mapping: map[string]string{"temp": ".temp"}}},
		},
	}
}

func conditionWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Nodes: []schema.WorkflowNode{
			node("start", schema.NodeTypeTrigger, schema.TriggerNodeData{TriggerType: schema.TriggerSchedule, Config: map[string]any{"cron": "0 9 * * *"}}),
			node("check", schema.NodeTypeCondition, schema.ConditionNodeData{Label: "Hot?", Condition: "$input.t > 30", TrueLabel: "hot"}),
			node("alert", schema.NodeTypeService, schema.ServiceNodeData{MCPServer: &schema.ServiceDescriptor{ID: "svc-7"}}),
			node("log", schema.NodeTypeOutput, schema.OutputNodeData{OutputType: schema.OutputStore}),
		},
		Edges: []schema.WorkflowEdge{
			{Source: "start", Target: "check"},
			{Source: "check", Target: "alert", SourceHandle: "true"},
			{Source: "check", Target: "log", SourceHandle: "false"},
		},
	}
}

func TestBuild_Linear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	require.Len(t, model.Nodes, 3)
	assert.Equal(t, "start", model.Nodes[0].ID)
	assert.Equal(t, NodeKindTrigger, model.Nodes[0].Kind)
	assert.Equal(t, "Start\n(manual)", model.Nodes[0].Label)
	assert.Equal(t, NodeKindService, model.Nodes[1].Kind, "mcpServer alias maps to service")
	assert.Equal(t, "Fetch weather\n(weather)", model.Nodes[1].Label)
	assert.Equal(t, "out\n(return)", model.Nodes[2].Label)

	assert.Equal(t, []Edge{
		{From: "start", To: "fetch"},
		{From: "fetch", To: "out", Label: "$var.temp"},
	}, model.Edges)

	for _, n := range model.Nodes {
		assert.Nil(t, n.Status)
	}
}

func TestBuild_ConditionLabels(t *testing.T) {
	model, err := Build(conditionWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "start\n(schedule 0 9 * * *)", model.Nodes[0].Label)
	assert.Equal(t, "Hot?", model.Nodes[1].Label)
	assert.Equal(t, NodeKindCondition, model.Nodes[1].Kind)
	assert.Equal(t, "alert\n(svc-7)", model.Nodes[2].Label)

	require.Len(t, model.Edges, 3)
	assert.Equal(t, "", model.Edges[0].Label)
	assert.Equal(t, "hot", model.Edges[1].Label)
	assert.Equal(t, "false", model.Edges[2].Label)
}

func TestBuild_UnknownKindAndDanglingEdge(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Nodes: []schema.WorkflowNode{
			node("start", schema.NodeTypeTrigger, schema.TriggerNodeData{}),
			{ID: "odd", Type: "sticky"},
		},
		Edges: []schema.WorkflowEdge{
			{Source: "start", Target: "odd"},
			{Source: "start", Target: "ghost"},
		},
	}
	model, err := Build(def, nil)
	require.NoError(t, err)

	assert.Equal(t, NodeKindUnknown, model.Nodes[1].Kind)
	assert.Equal(t, "odd\n(sticky)", model.Nodes[1].Label)
	assert.Len(t, model.Edges, 1)
}

func TestBuild_CycleAllowed(t *testing.T) {
	def := linearWorkflow()
	def.Edges = append(def.Edges, schema.WorkflowEdge{Source: "out", Target: "fetch"})

	model, err := Build(def, nil)
	require.NoError(t, err)
	assert.Len(t, model.Edges, 3)
}

func TestBuild_StatusOverlay(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	execs := []*store.NodeExecution{
		{NodeID: "start", Status: schema.NodeCompleted, StartedAt: t0, DurationMs: 1},
		{NodeID: "fetch", Status: schema.NodeFailed, StartedAt: t0.Add(time.Second), DurationMs: 40, ErrorMessage: "boom", MCPCostCents: 5},
		{NodeID: "fetch", Status: schema.NodeCompleted, StartedAt: t0.Add(2 * time.Second), DurationMs: 60, MCPCostCents: 5, RetryCount: 1},
	}

	model, err := Build(linearWorkflow(), execs)
	require.NoError(t, err)

	assert.Equal(t, &StatusOverlay{Status: "completed", Attempts: 1, DurationMs: 1}, model.Nodes[0].Status)
	assert.Equal(t, &StatusOverlay{Status: "completed", Attempts: 2, DurationMs: 100, CostCents: 10}, model.Nodes[1].Status)
	assert.Nil(t, model.Nodes[2].Status, "unvisited node has no overlay")
}

func TestBuild_NilDefinition(t *testing.T) {
	_, err := Build(nil, nil)
	assert.Error(t, err)
}
