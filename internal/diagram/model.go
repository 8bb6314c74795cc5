package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindEmail     NodeKind = "email"
	NodeKindWebhook   NodeKind = "webhook"
	NodeKindCondition NodeKind = "condition"
	NodeKindStep      NodeKind = "step" // registry-provided types
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Node statuses used by the overlay.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Groups []Group    // parallel batches
	Levels [][]string // top-level run order, start and end included
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// Group is a parallel batch: steps dispatched together.
type Group struct {
	Name    string
	NodeIDs []string
}

// StatusOverlay carries the recorded outcome of a step.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents control flow between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

const (
	startID = "__start__"
	endID   = "__end__"
)
