package validation

import (
	"fmt"

	"github.com/rendis/mcpflow/pkg/schema"
)

// validateReachability warns about nodes no trigger can reach.
// It runs a BFS from every trigger along edges whose endpoints both exist.
func validateReachability(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		ids[n.ID] = true
	}

	next := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		if ids[e.Source] && ids[e.Target] {
			next[e.Source] = append(next[e.Source], e.Target)
		}
	}

	reached := make(map[string]bool, len(def.Nodes))
	var queue []string
	for _, n := range def.Nodes {
		if n.Type.Normalize() == schema.NodeTypeTrigger && !reached[n.ID] {
			reached[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range next[id] {
			if !reached[t] {
				reached[t] = true
				queue = append(queue, t)
			}
		}
	}

	warned := make(map[string]bool)
	for i, n := range def.Nodes {
		if reached[n.ID] || warned[n.ID] {
			continue
		}
		warned[n.ID] = true
		result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.IssueUnreachable,
			fmt.Sprintf("node %q is unreachable from any trigger", n.ID))
	}
	return result
}
