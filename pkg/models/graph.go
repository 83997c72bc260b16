package models

// Branch labels a condition node's outgoing edge. The empty value is the
// default/sequential edge used by every other node type.
type Branch string

const (
	BranchDefault Branch = ""
	BranchTrue    Branch = "true"
	BranchFalse   Branch = "false"
)

// Edge is a directed transition between two nodes.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
	Branch Branch `json:"branch,omitempty"`
}

// Graph is the immutable node/edge definition a campaign executes.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// StartNode returns the start node a run begins at: the first start node
// without incoming edges, falling back to the first declared start node.
func (g *Graph) StartNode() *Node {
	var first *Node

	for _, node := range g.Nodes {
		if node.Type != NodeTypeStart {
			continue
		}

		if first == nil {
			first = node
		}

		if !g.hasIncomingEdge(node.ID) {
			return node
		}
	}

	return first
}

func (g *Graph) hasIncomingEdge(nodeID string) bool {
	for _, edge := range g.Edges {
		if edge.Target == nodeID {
			return true
		}
	}

	return false
}

// OutgoingEdges returns every edge leaving the node, in definition order.
func (g *Graph) OutgoingEdges(nodeID string) []*Edge {
	var edges []*Edge

	for _, edge := range g.Edges {
		if edge.Source == nodeID {
			edges = append(edges, edge)
		}
	}

	return edges
}

// DefaultEdge returns the unlabeled outgoing edge of the node, or nil.
func (g *Graph) DefaultEdge(nodeID string) *Edge {
	for _, edge := range g.Edges {
		if edge.Source == nodeID && edge.Branch == BranchDefault {
			return edge
		}
	}

	return nil
}

// BranchEdge returns the outgoing edge with the given branch label, or nil.
func (g *Graph) BranchEdge(nodeID string, branch Branch) *Edge {
	for _, edge := range g.Edges {
		if edge.Source == nodeID && edge.Branch == branch {
			return edge
		}
	}

	return nil
}

// StartCount returns the number of start nodes in the graph.
func (g *Graph) StartCount() int {
	count := 0

	for _, node := range g.Nodes {
		if node.Type == NodeTypeStart {
			count++
		}
	}

	return count
}
