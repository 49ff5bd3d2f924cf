package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAction NodeKind = "action"
	// NodeKindBranch is an action with guarded outgoing edges.
	NodeKindBranch NodeKind = "branch"
	NodeKindStart  NodeKind = "start"
	NodeKindEnd    NodeKind = "end"
)

// Node statuses shown by the trace overlay.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRunning   = "running"
	StatusCancelled = "cancelled"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one action of the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // subflows owned by the action
}

// SubGraph is a subflow, drawn inside its owner.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries what a run did with a node.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	Runs       int
	Error      string
}

// Edge connects two nodes. Subflow edges lead from an owner into its subflow.
type Edge struct {
	From    string
	To      string
	Label   string
	Subflow bool
}

const (
	startID = "__start__"
	endID   = "__end__"
)
