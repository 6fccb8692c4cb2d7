package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/pkg/schema"
)

// Build constructs a DiagramModel from a WorkflowDefinition and, optionally,
// the node executions of one run. Nodes keep definition order; edges keep
// per-source edge order. Cycles are drawn as authored.
func Build(def *schema.WorkflowDefinition, execs []*store.NodeExecution) (*DiagramModel, error) {
	g, err := engine.ParseGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	overlays := buildOverlays(execs)

	model := &DiagramModel{Title: "Workflow"}
	for _, id := range g.Order {
		n := g.Nodes[id]
		model.Nodes = append(model.Nodes, &Node{
			ID:     n.ID,
			Label:  nodeLabel(n),
			Kind:   kindOf(n.Type),
			Status: overlays[n.ID],
		})
	}
	for _, id := range g.Order {
		for _, e := range g.Outgoing[id] {
			model.Edges = append(model.Edges, Edge{From: e.Source, To: e.Target, Label: edgeLabel(g.Nodes[id], e)})
		}
	}
	return model, nil
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeTrigger:
		return NodeKindTrigger
	case schema.NodeTypeService:
		return NodeKindService
	case schema.NodeTypeCondition:
		return NodeKindCondition
	case schema.NodeTypeOutput:
		return NodeKindOutput
	default:
		return NodeKindUnknown
	}
}

// nodeLabel is the display name, followed on a second line by the kind-specific detail.
func nodeLabel(n *engine.Node) string {
	var detail string
	switch {
	case n.Trigger != nil && n.Trigger.TriggerType != "":
		detail = string(n.Trigger.TriggerType)
		if spec, _ := n.Trigger.Config["cron"].(string); spec != "" {
			detail += " " + spec
		}
	case n.Service != nil && n.Service.MCPServer != nil:
		detail = n.Service.MCPServer.Key()
	case n.Output != nil && n.Output.OutputType != "":
		detail = string(n.Output.OutputType)
	case !n.Type.Known():
		detail = string(n.RawType)
	}
	if detail == "" {
		return n.DisplayName()
	}
	return n.DisplayName() + "\n(" + detail + ")"
}

// edgeLabel names the branch of a condition edge, using the node's branch labels when set.
// Mapped variables are listed on any edge that carries them.
func edgeLabel(src *engine.Node, e schema.WorkflowEdge) string {
	var label string
	if src != nil && src.Condition != nil {
		switch e.SourceHandle {
		case "true":
			label = orDefault(src.Condition.TrueLabel, "true")
		case "false":
			label = orDefault(src.Condition.FalseLabel, "false")
		}
	}
	if e.Data != nil && len(e.Data.Mapping) > 0 {
		vars := make([]string, 0, len(e.Data.Mapping))
		for v := range e.Data.Mapping {
			vars = append(vars, "$var."+v)
		}
		sort.Strings(vars)
		if label != "" {
			label += " "
		}
		label += strings.Join(vars, ", ")
	}
	return label
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

// buildOverlays folds node executions into one overlay per node. Retries produce
// several records for a node; the latest one decides the status.
func buildOverlays(execs []*store.NodeExecution) map[string]*StatusOverlay {
	overlays := make(map[string]*StatusOverlay)
	latest := make(map[string]*store.NodeExecution)
	for _, ne := range execs {
		if ne == nil {
			continue
		}
		ov, ok := overlays[ne.NodeID]
		if !ok {
			ov = &StatusOverlay{}
			overlays[ne.NodeID] = ov
		}
		ov.Attempts++
		ov.DurationMs += ne.DurationMs
		ov.CostCents += ne.MCPCostCents
		if prev := latest[ne.NodeID]; prev == nil || !ne.StartedAt.Before(prev.StartedAt) {
			latest[ne.NodeID] = ne
			ov.Status = string(ne.Status)
			ov.Error = ne.ErrorMessage
		}
	}
	return overlays
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
