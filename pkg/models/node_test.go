package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeUnmarshal_TypedVariants(t *testing.T) {
	raw := `[
		{"id": "n1", "type": "start"},
		{"id": "n2", "type": "action", "data": {"subject": "Welcome", "content": "Hi {{name}}"}},
		{"id": "n3", "type": "delay", "data": {"amount": 2, "unit": "hours"}},
		{"id": "n4", "type": "condition", "data": {"predicate": "action_opened"}},
		{"id": "n5", "type": "end"}
	]`

	var nodes []*Node

	err := json.Unmarshal([]byte(raw), &nodes)
	require.NoError(t, err)
	require.Len(t, nodes, 5)

	assert.Nil(t, nodes[0].Action)
	assert.Nil(t, nodes[0].Delay)
	assert.Nil(t, nodes[0].Condition)

	require.NotNil(t, nodes[1].Action)
	assert.Equal(t, "Welcome", nodes[1].Action.Subject)
	assert.Nil(t, nodes[1].Delay)

	require.NotNil(t, nodes[2].Delay)
	assert.Equal(t, 2, nodes[2].Delay.Amount)
	assert.Equal(t, DelayUnitHours, nodes[2].Delay.Unit)

	require.NotNil(t, nodes[3].Condition)
	assert.Equal(t, PredicateActionOpened, nodes[3].Condition.Predicate)
}

func TestNodeUnmarshal_UnknownTypeWithData(t *testing.T) {
	var node Node

	err := json.Unmarshal([]byte(`{"id": "n1", "type": "webhook", "data": {"url": "x"}}`), &node)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")
}

func TestNodeMarshal_RoundTrip(t *testing.T) {
	node := Node{
		ID:    "d1",
		Type:  NodeTypeDelay,
		Delay: &DelayNode{Amount: 1, Unit: DelayUnitWeeks},
	}

	data, err := json.Marshal(node)
	require.NoError(t, err)

	var decoded Node

	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Delay)
	assert.Equal(t, node.Delay.Amount, decoded.Delay.Amount)
	assert.Equal(t, node.Delay.Unit, decoded.Delay.Unit)
}

func TestDelayNodeDuration(t *testing.T) {
	cases := []struct {
		amount int
		unit   DelayUnit
		want   time.Duration
	}{
		{2, DelayUnitMinutes, 2 * time.Minute},
		{2, DelayUnitHours, 7200000 * time.Millisecond},
		{3, DelayUnitDays, 72 * time.Hour},
		{1, DelayUnitWeeks, 604800000 * time.Millisecond},
		{5, DelayUnit("fortnights"), 0},
	}

	for _, tc := range cases {
		got := DelayNode{Amount: tc.amount, Unit: tc.unit}.Duration()
		assert.Equal(t, tc.want, got, "%d %s", tc.amount, tc.unit)
	}
}

func TestGraphStartNode_PrefersNodeWithoutIncomingEdges(t *testing.T) {
	graph := &Graph{
		Nodes: []*Node{
			{ID: "s1", Type: NodeTypeStart},
			{ID: "s2", Type: NodeTypeStart},
			{ID: "e", Type: NodeTypeEnd},
		},
		Edges: []*Edge{
			{Source: "e", Target: "s1"},
			{Source: "s2", Target: "e"},
		},
	}

	start := graph.StartNode()
	require.NotNil(t, start)
	assert.Equal(t, "s2", start.ID)
}

func TestGraphBranchEdge(t *testing.T) {
	graph := &Graph{
		Nodes: []*Node{
			{ID: "c", Type: NodeTypeCondition, Condition: &ConditionNode{Predicate: PredicateActionOpened}},
			{ID: "yes", Type: NodeTypeEnd},
			{ID: "no", Type: NodeTypeEnd},
		},
		Edges: []*Edge{
			{Source: "c", Target: "yes", Branch: BranchTrue},
			{Source: "c", Target: "no", Branch: BranchFalse},
		},
	}

	require.NotNil(t, graph.BranchEdge("c", BranchTrue))
	assert.Equal(t, "yes", graph.BranchEdge("c", BranchTrue).Target)
	assert.Equal(t, "no", graph.BranchEdge("c", BranchFalse).Target)
	assert.Nil(t, graph.DefaultEdge("c"))
}
