package validation

import (
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/rendis/mcpflow/internal/expressions"
	"github.com/rendis/mcpflow/pkg/schema"
)

// ConditionChecker compiles a condition without evaluating it.
type ConditionChecker interface {
	Check(expression, language string) error
}

// MappingChecker compiles a jq mapping expression.
type MappingChecker interface {
	Compile(expression string) error
}

// graphChecker walks nodes and edges. It is built per Validate call.
type graphChecker struct {
	def        *schema.WorkflowDefinition
	conditions ConditionChecker
	mappings   MappingChecker
	result     *schema.ValidationResult

	kinds map[string]schema.NodeType // node id -> normalized kind, first occurrence
}

func validateGraph(def *schema.WorkflowDefinition, conditions ConditionChecker, mappings MappingChecker) *schema.ValidationResult {
	g := &graphChecker{
		def:        def,
		conditions: conditions,
		mappings:   mappings,
		result:     &schema.ValidationResult{},
		kinds:      make(map[string]schema.NodeType, len(def.Nodes)),
	}

	triggers := 0
	for i := range def.Nodes {
		if g.checkNode(i) == schema.NodeTypeTrigger {
			triggers++
		}
	}
	if triggers == 0 {
		g.result.AddError("nodes", schema.IssueMissingTrigger, "workflow has no trigger node")
	}

	for i := range def.Edges {
		g.checkEdge(i)
	}
	return g.result
}

// checkNode validates one node and returns its normalized kind, or "" when the node is unusable.
func (g *graphChecker) checkNode(i int) schema.NodeType {
	n := &g.def.Nodes[i]
	path := fmt.Sprintf("nodes[%d]", i)

	if _, dup := g.kinds[n.ID]; dup {
		g.result.AddError(path+".id", schema.IssueDuplicateNode, fmt.Sprintf("duplicate node id %q", n.ID))
		return ""
	}
	kind := n.Type.Normalize()
	g.kinds[n.ID] = kind

	if !n.Type.Known() {
		g.result.AddError(path+".type", schema.IssueUnknownNodeType, fmt.Sprintf("unknown node type %q", n.Type))
		return ""
	}

	switch kind {
	case schema.NodeTypeTrigger:
		var data schema.TriggerNodeData
		if g.decode(path, n, &data) {
			g.checkTrigger(path, &data)
		}
	case schema.NodeTypeService:
		var data schema.ServiceNodeData
		if g.decode(path, n, &data) {
			g.checkService(path, &data)
		}
	case schema.NodeTypeCondition:
		var data schema.ConditionNodeData
		if g.decode(path, n, &data) {
			g.checkCondition(path, &data)
		}
	case schema.NodeTypeOutput:
		var data schema.OutputNodeData
		if g.decode(path, n, &data) {
			g.checkOutput(path, &data)
		}
	}
	return kind
}

func (g *graphChecker) decode(path string, n *schema.WorkflowNode, target any) bool {
	if len(n.Data) == 0 || string(n.Data) == "null" {
		return true
	}
	if err := json.Unmarshal(n.Data, target); err != nil {
		g.result.AddError(path+".data", schema.IssueSchema, fmt.Sprintf("invalid %s data: %s", n.Type, err.Error()))
		return false
	}
	return true
}

func (g *graphChecker) checkTrigger(path string, data *schema.TriggerNodeData) {
	switch data.TriggerType {
	case "", schema.TriggerManual, schema.TriggerWebhook:
	case schema.TriggerSchedule:
		spec, _ := data.Config["cron"].(string)
		if spec == "" {
			g.result.AddError(path+".data.config.cron", schema.IssueBadCron, "schedule trigger needs a cron expression")
			return
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			g.result.AddError(path+".data.config.cron", schema.IssueBadCron, fmt.Sprintf("invalid cron %q: %s", spec, err.Error()))
		}
	default:
		g.result.AddError(path+".data.triggerType", schema.IssueSchema, fmt.Sprintf("unknown trigger type %q", data.TriggerType))
	}
}

func (g *graphChecker) checkService(path string, data *schema.ServiceNodeData) {
	if data.MCPServer == nil || data.MCPServer.Key() == "" {
		g.result.AddError(path+".data.mcpServer", schema.IssueMissingService, "service node has no MCP server")
	}
	if !data.OnError.Valid() {
		g.result.AddError(path+".data.onError", schema.IssueBadStrategy,
			fmt.Sprintf("onError must be one of fail, retry, skip, continue; got %q", data.OnError))
	}
	if data.OnError == schema.OnErrorRetry && data.MaxRetries == 0 {
		g.result.AddWarning(path+".data.maxRetries", schema.IssueBadStrategy, "retry strategy with maxRetries 0 never retries")
	}

	for field, v := range map[string]int{"maxRetries": data.MaxRetries, "retryDelayMs": data.RetryDelayMs, "timeout": data.Timeout} {
		if v < 0 {
			g.result.AddError(path+".data."+field, schema.IssueNegativeSettings, fmt.Sprintf("%s must not be negative", field))
		}
	}

	seen := make(map[string]bool, len(data.Inputs))
	for j, in := range data.Inputs {
		key := in.Key()
		if key == "" {
			g.result.AddError(fmt.Sprintf("%s.data.inputs[%d]", path, j), schema.IssueSchema, "input has neither name nor id")
			continue
		}
		if seen[key] {
			g.result.AddWarning(fmt.Sprintf("%s.data.inputs[%d]", path, j), schema.IssueSchema,
				fmt.Sprintf("input %q is declared more than once; the last value wins", key))
		}
		seen[key] = true
	}
}

func (g *graphChecker) checkCondition(path string, data *schema.ConditionNodeData) {
	switch data.Language {
	case "", expressions.LanguageExpr, expressions.LanguageCEL:
	default:
		g.result.AddError(path+".data.language", schema.IssueBadCondition, fmt.Sprintf("unknown condition language %q", data.Language))
		return
	}
	if data.Condition == "" {
		g.result.AddError(path+".data.condition", schema.IssueBadCondition, "condition expression is empty")
		return
	}
	if g.conditions == nil {
		return
	}
	if err := g.conditions.Check(data.Condition, data.Language); err != nil {
		g.result.AddError(path+".data.condition", schema.IssueBadCondition,
			fmt.Sprintf("condition does not compile: %s", schema.Message(err)))
	}
}

func (g *graphChecker) checkOutput(path string, data *schema.OutputNodeData) {
	switch data.OutputType {
	case "", schema.OutputReturn:
	case schema.OutputWebhook:
		if url, _ := data.Config["url"].(string); url == "" {
			g.result.AddError(path+".data.config.url", schema.IssueMissingWebhook, "webhook output needs config.url")
		}
	case schema.OutputStore:
		backend, _ := data.Config["backend"].(string)
		switch backend {
		case "", schema.StoreBackendDB, schema.StoreBackendKV:
		case schema.StoreBackendURL:
			if url, _ := data.Config["url"].(string); url == "" {
				g.result.AddError(path+".data.config.url", schema.IssueSchema, "url backend needs config.url")
			}
		default:
			g.result.AddError(path+".data.config.backend", schema.IssueUnknownOutput, fmt.Sprintf("unknown store backend %q", backend))
		}
	default:
		g.result.AddError(path+".data.outputType", schema.IssueUnknownOutput, fmt.Sprintf("unknown output type %q", data.OutputType))
	}
}

func (g *graphChecker) checkEdge(i int) {
	e := &g.def.Edges[i]
	path := fmt.Sprintf("edges[%d]", i)

	srcKind, srcOK := g.kinds[e.Source]
	if !srcOK {
		g.result.AddError(path+".source", schema.IssueDanglingEdge, fmt.Sprintf("edge source %q is not a node", e.Source))
	}
	if _, ok := g.kinds[e.Target]; !ok {
		g.result.AddError(path+".target", schema.IssueDanglingEdge, fmt.Sprintf("edge target %q is not a node", e.Target))
	}

	if srcOK && srcKind == schema.NodeTypeCondition {
		switch e.SourceHandle {
		case "", "true", "false":
		default:
			g.result.AddError(path+".sourceHandle", schema.IssueBadBranchTag,
				fmt.Sprintf("condition edge handle must be \"true\" or \"false\", got %q", e.SourceHandle))
		}
	}

	if e.Data == nil || g.mappings == nil {
		return
	}
	for variable, expr := range e.Data.Mapping {
		if err := g.mappings.Compile(expr); err != nil {
			g.result.AddError(fmt.Sprintf("%s.data.mapping.%s", path, variable), schema.IssueBadMapping,
				fmt.Sprintf("mapping does not compile: %s", schema.Message(err)))
		}
	}
}
