package engine

import (
	"github.com/rendis/mcpflow/internal/expressions"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

// Node is a workflow node with its data payload decoded by kind.
// Exactly one of the kind-specific pointers is set for known kinds.
type Node struct {
	ID      string
	Type    schema.NodeType // normalized kind
	RawType schema.NodeType // as authored, used in error messages
	Label   string

	Trigger   *schema.TriggerNodeData
	Service   *schema.ServiceNodeData
	Condition *schema.ConditionNodeData
	Output    *schema.OutputNodeData
}

// DisplayName is the label used in user-facing messages.
func (n *Node) DisplayName() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// Reads returns the reference sources the node resolves when it runs:
// service input sources and the condition expression.
func (n *Node) Reads() []string {
	switch {
	case n.Service != nil:
		var out []string
		for _, in := range n.Service.Inputs {
			out = append(out, expressions.Sources(in.Source)...)
		}
		return out
	case n.Condition != nil:
		return expressions.Sources(n.Condition.Condition)
	}
	return nil
}

// Graph is the traversal view of a WorkflowDefinition.
type Graph struct {
	Nodes    map[string]*Node
	Order    []string                         // node ids in definition order
	Outgoing map[string][]schema.WorkflowEdge // source id -> edges in edge order
	Incoming map[string]int                   // target id -> number of inbound edges
	Triggers []string                         // trigger ids in definition order
	Settings schema.WorkflowSettings
}

// ParseGraph decodes node payloads and builds the adjacency list.
// Duplicate node ids keep the first occurrence; edges naming unknown nodes are dropped.
// Malformed node data is a CONFIGURATION_ERROR.
func ParseGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow definition is nil")
	}

	g := &Graph{
		Nodes:    make(map[string]*Node, len(def.Nodes)),
		Outgoing: make(map[string][]schema.WorkflowEdge, len(def.Nodes)),
		Incoming: make(map[string]int, len(def.Nodes)),
		Settings: def.Settings,
	}

	for i := range def.Nodes {
		wn := &def.Nodes[i]
		if wn.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "node at index %d has empty id", i)
		}
		if _, exists := g.Nodes[wn.ID]; exists {
			continue
		}
		node, err := decodeNode(wn)
		if err != nil {
			return nil, err
		}
		g.Nodes[node.ID] = node
		g.Order = append(g.Order, node.ID)
		if node.Type == schema.NodeTypeTrigger {
			g.Triggers = append(g.Triggers, node.ID)
		}
	}

	for _, e := range def.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			continue
		}
		g.Outgoing[e.Source] = append(g.Outgoing[e.Source], e)
		g.Incoming[e.Target]++
	}

	return g, nil
}

func decodeNode(wn *schema.WorkflowNode) (*Node, error) {
	node := &Node{ID: wn.ID, Type: wn.Type.Normalize(), RawType: wn.Type}

	var (
		target  any
		unknown schema.NodeLabel
	)
	switch node.Type {
	case schema.NodeTypeTrigger:
		node.Trigger = &schema.TriggerNodeData{}
		target = node.Trigger
	case schema.NodeTypeService:
		node.Service = &schema.ServiceNodeData{}
		target = node.Service
	case schema.NodeTypeCondition:
		node.Condition = &schema.ConditionNodeData{}
		target = node.Condition
	case schema.NodeTypeOutput:
		node.Output = &schema.OutputNodeData{}
		target = node.Output
	default:
		target = &unknown
	}

	if len(wn.Data) > 0 && string(wn.Data) != "null" {
		if err := xjson.Unmarshal(wn.Data, target); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid data for node %s: %s", wn.ID, err.Error()).
				WithNode(wn.ID).WithCause(err)
		}
	}

	switch {
	case node.Trigger != nil:
		node.Label = node.Trigger.Label
	case node.Service != nil:
		node.Label = node.Service.Label
	case node.Condition != nil:
		node.Label = node.Condition.Label
	case node.Output != nil:
		node.Label = node.Output.Label
	default:
		node.Label = unknown.Label
	}
	return node, nil
}
