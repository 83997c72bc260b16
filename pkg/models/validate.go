package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidGraph tags every graph validation failure so callers can treat
// authoring errors as a class.
var ErrInvalidGraph = errors.New("invalid campaign graph")

var validate = validator.New()

func graphErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGraph, fmt.Sprintf(format, args...))
}

// ValidateGraph checks the structural invariants of a graph and returns the
// first violation found, plus non-fatal warnings. No auto-repair is
// attempted.
func ValidateGraph(g *Graph) ([]string, error) {
	if len(g.Nodes) == 0 {
		return nil, graphErrorf("graph has no nodes")
	}

	ids := make(map[string]struct{}, len(g.Nodes))

	for _, node := range g.Nodes {
		if node.ID == "" {
			return nil, graphErrorf("node without id")
		}

		if node.Type == "" {
			return nil, graphErrorf("node %s has no type", node.ID)
		}

		if !KnownNodeType(node.Type) {
			return nil, graphErrorf("node %s has unknown type %q", node.ID, node.Type)
		}

		if _, dup := ids[node.ID]; dup {
			return nil, graphErrorf("duplicate node id %s", node.ID)
		}

		ids[node.ID] = struct{}{}
	}

	for _, edge := range g.Edges {
		if _, ok := ids[edge.Source]; !ok {
			return nil, graphErrorf("edge references unknown source node %s", edge.Source)
		}

		if _, ok := ids[edge.Target]; !ok {
			return nil, graphErrorf("edge references unknown target node %s", edge.Target)
		}
	}

	var warnings []string

	switch starts := g.StartCount(); {
	case starts == 0:
		return nil, graphErrorf("graph has no start node")
	case starts > 1:
		warnings = append(warnings, fmt.Sprintf("graph has %d start nodes; the first without incoming edges wins", starts))
	}

	for _, node := range g.Nodes {
		err := validateNode(g, node)
		if err != nil {
			return warnings, err
		}
	}

	return warnings, nil
}

func validateNode(g *Graph, node *Node) error {
	switch node.Type {
	case NodeTypeAction:
		if node.Action == nil {
			return graphErrorf("action node %s has no data", node.ID)
		}

		if node.Action.TemplateRef == "" && (node.Action.Subject == "" || node.Action.Content == "") {
			return graphErrorf("action node %s needs a template reference or inline subject and content", node.ID)
		}
	case NodeTypeDelay:
		if node.Delay == nil {
			return graphErrorf("delay node %s has no data", node.ID)
		}

		if node.Delay.Duration() <= 0 {
			return graphErrorf("delay node %s has non-positive duration (%d %s)", node.ID, node.Delay.Amount, node.Delay.Unit)
		}
	case NodeTypeCondition:
		if node.Condition == nil {
			return graphErrorf("condition node %s has no data", node.ID)
		}

		if !KnownPredicate(node.Condition.Predicate) {
			return graphErrorf("condition node %s has unknown predicate %q", node.ID, node.Condition.Predicate)
		}

		if g.BranchEdge(node.ID, BranchTrue) == nil || g.BranchEdge(node.ID, BranchFalse) == nil {
			return graphErrorf("condition node %s must have both a true and a false edge", node.ID)
		}
	case NodeTypeStart, NodeTypeEnd:
	}

	// Every node may have at most one default outgoing edge; condition
	// branching goes through labeled edges.
	defaults := 0

	for _, edge := range g.OutgoingEdges(node.ID) {
		if edge.Branch == BranchDefault {
			defaults++
		}
	}

	if defaults > 1 {
		return graphErrorf("node %s has %d default outgoing edges", node.ID, defaults)
	}

	return nil
}

// Validate checks campaign metadata and the embedded graph, returning
// warnings and the first violation found.
func (c *Campaign) Validate() ([]string, error) {
	err := validate.Struct(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGraph, err.Error())
	}

	return ValidateGraph(&c.Graph)
}
