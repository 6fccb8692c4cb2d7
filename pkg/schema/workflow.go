package schema

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// WorkflowDefinition is the JSON-serializable workflow graph authored on the canvas.
// The engine treats it as read-only input to a run.
type WorkflowDefinition struct {
	Nodes    []WorkflowNode   `json:"nodes"`
	Edges    []WorkflowEdge   `json:"edges"`
	Settings WorkflowSettings `json:"settings"`
}

// WorkflowNode is a single unit of work in the graph.
// Data holds the kind-specific payload and is decoded by the engine's graph parser.
type WorkflowNode struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position *Position       `json:"position,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Position is the canvas coordinate of a node. Ignored by the engine.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowEdge is a directed connection between two nodes.
type WorkflowEdge struct {
	ID           string    `json:"id,omitempty"`
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	SourceHandle string    `json:"sourceHandle,omitempty"` // branch tag: "true" | "false"
	Data         *EdgeData `json:"data,omitempty"`
}

// EdgeData carries optional data mapping from source output to scoped variables.
type EdgeData struct {
	Mapping map[string]string `json:"mapping,omitempty"` // variable name -> jq expression
}

// WorkflowSettings are run-wide limits and preferences.
type WorkflowSettings struct {
	MaxCostCents      int    `json:"maxCostCents,omitempty"`
	Timeout           int    `json:"timeout,omitempty"` // milliseconds
	ParallelExecution bool   `json:"parallelExecution,omitempty"`
	LogLevel          string `json:"logLevel,omitempty"`
}

// NodeType enumerates the kinds of nodes in a workflow.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeService   NodeType = "service"
	NodeTypeCondition NodeType = "condition"
	NodeTypeOutput    NodeType = "output"

	// NodeTypeMCPServer is the canvas name for service nodes.
	NodeTypeMCPServer NodeType = "mcpServer"
)

// Normalize folds aliases onto their canonical kind.
func (t NodeType) Normalize() NodeType {
	if t == NodeTypeMCPServer {
		return NodeTypeService
	}
	return t
}

// Known reports whether t is a kind the engine can dispatch.
func (t NodeType) Known() bool {
	switch t.Normalize() {
	case NodeTypeTrigger, NodeTypeService, NodeTypeCondition, NodeTypeOutput:
		return true
	}
	return false
}

// ErrorStrategy is the per-node policy applied when a node fails.
type ErrorStrategy string

const (
	OnErrorFail     ErrorStrategy = "fail"
	OnErrorRetry    ErrorStrategy = "retry"
	OnErrorSkip     ErrorStrategy = "skip"
	OnErrorContinue ErrorStrategy = "continue"
)

// Valid reports whether s is a recognised strategy. Empty means the default (fail).
func (s ErrorStrategy) Valid() bool {
	switch s {
	case "", OnErrorFail, OnErrorRetry, OnErrorSkip, OnErrorContinue:
		return true
	}
	return false
}

// ServiceDescriptor identifies the MCP service bound to a service node.
type ServiceDescriptor struct {
	ID               string          `json:"id,omitempty"`
	Slug             string          `json:"slug,omitempty"`
	Name             string          `json:"name,omitempty"`
	Description      string          `json:"description,omitempty"`
	Category         string          `json:"category,omitempty"`
	CostPerCallCents int             `json:"cost_per_call_cents,omitempty"`
	Endpoint         string          `json:"endpoint,omitempty"` // streamable HTTP MCP endpoint
	Command          string          `json:"command,omitempty"`  // stdio MCP server binary
	Args             []string        `json:"args,omitempty"`
	Env              []string        `json:"env,omitempty"`
	Tool             string          `json:"tool,omitempty"`
	InputSchema      json.RawMessage `json:"input_schema,omitempty"`
	DefaultConfig    map[string]any  `json:"default_config,omitempty"`
}

// Key returns the identifier used for circuit breakers and records.
func (d *ServiceDescriptor) Key() string {
	if d.Slug != "" {
		return d.Slug
	}
	return d.ID
}

// NodeInput declares one input of a service node.
type NodeInput struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
	Source   string `json:"source,omitempty"` // reference, e.g. "$input.user.id"
}

// Key returns the name under which the resolved value is passed to the service.
func (in NodeInput) Key() string {
	if in.Name != "" {
		return in.Name
	}
	return in.ID
}

// ServiceNodeData is the data payload of a service node.
type ServiceNodeData struct {
	Label        string             `json:"label,omitempty"`
	MCPServer    *ServiceDescriptor `json:"mcpServer,omitempty"`
	Inputs       []NodeInput        `json:"inputs,omitempty"`
	Config       map[string]any     `json:"config,omitempty"`
	OnError      ErrorStrategy      `json:"onError,omitempty"`
	MaxRetries   int                `json:"maxRetries,omitempty"`
	RetryDelayMs int                `json:"retryDelayMs,omitempty"`
	Timeout      int                `json:"timeout,omitempty"` // milliseconds
}

// TriggerType enumerates how a workflow run is started.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
)

// TriggerNodeData is the data payload of a trigger node.
type TriggerNodeData struct {
	Label       string         `json:"label,omitempty"`
	TriggerType TriggerType    `json:"triggerType,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// ConditionNodeData is the data payload of a condition node.
type ConditionNodeData struct {
	Label      string `json:"label,omitempty"`
	Condition  string `json:"condition"`
	Language   string `json:"language,omitempty"` // expr (default) | cel
	TrueLabel  string `json:"trueLabel,omitempty"`
	FalseLabel string `json:"falseLabel,omitempty"`
}

// OutputType enumerates output sinks.
type OutputType string

const (
	OutputReturn  OutputType = "return"
	OutputWebhook OutputType = "webhook"
	OutputStore   OutputType = "store"
)

// OutputNodeData is the data payload of an output node.
type OutputNodeData struct {
	Label      string         `json:"label,omitempty"`
	OutputType OutputType     `json:"outputType,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// NodeLabel is the subset of node data shared by every kind.
type NodeLabel struct {
	Label string `json:"label,omitempty"`
}

// NewNodeID returns a collision-free id for a node created on the canvas.
// The id contains only word characters so it can appear in "$<id>.path" references.
func NewNodeID(kind NodeType) string {
	return string(kind.Normalize()) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Storage backends for store-type output nodes, selected by config.backend.
const (
	StoreBackendDB  = "db"
	StoreBackendKV  = "kv"
	StoreBackendURL = "url"
)
