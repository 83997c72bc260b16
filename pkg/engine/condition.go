package engine

import (
	"time"

	"github.com/driply/driply/pkg/models"
)

// DefaultLookback bounds how far back activity predicates read the event log.
const DefaultLookback = 30 * 24 * time.Hour

// ConditionWindow returns the oldest timestamp the predicate should read.
// Activity predicates use the default lookback; idle_since uses its own
// configured window.
func ConditionWindow(condition *models.ConditionNode, now time.Time) time.Time {
	if condition.Predicate == models.PredicateIdleSince && condition.IdleDays > 0 {
		return now.Add(-time.Duration(condition.IdleDays) * 24 * time.Hour)
	}

	return now.Add(-DefaultLookback)
}

// EvaluateCondition decides the predicate over the subject's events inside
// the window. It is a pure function of its inputs: same history, same answer.
func EvaluateCondition(condition *models.ConditionNode, events []*models.Event) bool {
	switch condition.Predicate {
	case models.PredicateActionOpened:
		return hasEventOfType(events, models.EventActionOpened)
	case models.PredicateActionClicked:
		return hasEventOfType(events, models.EventActionClicked)
	case models.PredicateConversion:
		return hasEventOfType(events, models.EventConversion)
	case models.PredicateIdleSince:
		// Idle means no subject activity in the window. Engine bookkeeping
		// events do not count as activity.
		return !hasActivity(events)
	default:
		return false
	}
}

func hasEventOfType(events []*models.Event, eventType models.SubjectEventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}

	return false
}

func hasActivity(events []*models.Event) bool {
	for _, event := range events {
		if models.TrackableEventType(event.Type) {
			return true
		}
	}

	return false
}
