// Package models defines the core domain models for campaign flow execution.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType identifies the kind of step a node represents. The set is closed:
// every node carries exactly one typed payload matching its type.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeAction    NodeType = "action"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeCondition NodeType = "condition"
	NodeTypeEnd       NodeType = "end"
)

// KnownNodeType reports whether t is one of the five node kinds.
func KnownNodeType(t NodeType) bool {
	switch t {
	case NodeTypeStart, NodeTypeAction, NodeTypeDelay, NodeTypeCondition, NodeTypeEnd:
		return true
	default:
		return false
	}
}

// Node is one step in a campaign graph. Exactly one of the payload pointers
// is non-nil, matching Type; start and end nodes carry no payload.
type Node struct {
	ID        string         `json:"id"   validate:"required"`
	Type      NodeType       `json:"type" validate:"required"`
	Action    *ActionNode    `json:"-"`
	Delay     *DelayNode     `json:"-"`
	Condition *ConditionNode `json:"-"`
}

// ActionNode holds the message to dispatch when the node is processed.
// Either TemplateRef or an inline Subject/Content pair must be set.
type ActionNode struct {
	TemplateRef string `json:"template_ref,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Content     string `json:"content,omitempty"`
}

// DelayUnit is the unit of a delay node's duration.
type DelayUnit string

const (
	DelayUnitMinutes DelayUnit = "minutes"
	DelayUnitHours   DelayUnit = "hours"
	DelayUnitDays    DelayUnit = "days"
	DelayUnitWeeks   DelayUnit = "weeks"
)

// DelayNode holds the wait duration before the run resumes.
type DelayNode struct {
	Amount int       `json:"amount" validate:"required,gt=0"`
	Unit   DelayUnit `json:"unit"   validate:"required"`
}

// Duration converts the amount/unit pair into a time.Duration.
// Unknown units yield zero, which validation rejects beforehand.
func (d DelayNode) Duration() time.Duration {
	switch d.Unit {
	case DelayUnitMinutes:
		return time.Duration(d.Amount) * time.Minute
	case DelayUnitHours:
		return time.Duration(d.Amount) * time.Hour
	case DelayUnitDays:
		return time.Duration(d.Amount) * 24 * time.Hour
	case DelayUnitWeeks:
		return time.Duration(d.Amount) * 7 * 24 * time.Hour
	default:
		return 0
	}
}

// PredicateType identifies a condition node's predicate.
type PredicateType string

const (
	PredicateActionOpened  PredicateType = "action_opened"
	PredicateActionClicked PredicateType = "action_clicked"
	PredicateConversion    PredicateType = "conversion_occurred"
	PredicateIdleSince     PredicateType = "idle_since"
)

// KnownPredicate reports whether p is a recognized predicate type.
func KnownPredicate(p PredicateType) bool {
	switch p {
	case PredicateActionOpened, PredicateActionClicked, PredicateConversion, PredicateIdleSince:
		return true
	default:
		return false
	}
}

// ConditionNode holds the predicate evaluated against the subject's event
// history. IdleDays applies to the idle_since predicate only.
type ConditionNode struct {
	Predicate PredicateType `json:"predicate" validate:"required"`
	IdleDays  int           `json:"idle_days,omitempty"`
}

// nodeEnvelope is the wire shape: {id, type, data}.
type nodeEnvelope struct {
	ID   string          `json:"id"`
	Type NodeType        `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON writes the node in its {id, type, data} wire shape.
func (n Node) MarshalJSON() ([]byte, error) {
	env := nodeEnvelope{ID: n.ID, Type: n.Type}

	var payload any

	switch n.Type {
	case NodeTypeAction:
		payload = n.Action
	case NodeTypeDelay:
		payload = n.Delay
	case NodeTypeCondition:
		payload = n.Condition
	case NodeTypeStart, NodeTypeEnd:
		payload = nil
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		env.Data = data
	}

	return json.Marshal(env)
}

// UnmarshalJSON decodes the {id, type, data} wire shape into the typed
// variant matching the node type.
func (n *Node) UnmarshalJSON(data []byte) error {
	var env nodeEnvelope

	err := json.Unmarshal(data, &env)
	if err != nil {
		return err
	}

	n.ID = env.ID
	n.Type = env.Type
	n.Action = nil
	n.Delay = nil
	n.Condition = nil

	if len(env.Data) == 0 {
		return nil
	}

	switch env.Type {
	case NodeTypeAction:
		n.Action = &ActionNode{}

		return json.Unmarshal(env.Data, n.Action)
	case NodeTypeDelay:
		n.Delay = &DelayNode{}

		return json.Unmarshal(env.Data, n.Delay)
	case NodeTypeCondition:
		n.Condition = &ConditionNode{}

		return json.Unmarshal(env.Data, n.Condition)
	case NodeTypeStart, NodeTypeEnd:
		return nil
	default:
		return fmt.Errorf("node %s: unknown node type %q", env.ID, env.Type)
	}
}
