package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindService   NodeKind = "service"
	NodeKindCondition NodeKind = "condition"
	NodeKindOutput    NodeKind = "output"
	NodeKindUnknown   NodeKind = "unknown"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the recorded outcome of a node in one execution.
type StatusOverlay struct {
	Status     string // from schema.NodeStatus
	Attempts   int
	DurationMs int64
	CostCents  int
	Error      string
}

// Edge represents a connection between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
