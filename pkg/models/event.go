package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubjectEventType classifies an entry in the append-only subject event log.
type SubjectEventType string

// Events emitted by the execution engine.
const (
	EventRunStarted         SubjectEventType = "started"
	EventActionDispatched   SubjectEventType = "action_dispatched"
	EventDelayScheduled     SubjectEventType = "delay_scheduled"
	EventConditionEvaluated SubjectEventType = "condition_evaluated"
	EventRunCompleted       SubjectEventType = "completed"
	EventRunErrored         SubjectEventType = "run_errored"
)

// Events ingested from subject activity. Condition predicates read these.
const (
	EventActionOpened  SubjectEventType = "action_opened"
	EventActionClicked SubjectEventType = "action_clicked"
	EventConversion    SubjectEventType = "conversion"
	EventCustom        SubjectEventType = "custom"
)

// TrackableEventType reports whether t may be written through the ingestion
// endpoint. Engine-emitted types are rejected there.
func TrackableEventType(t SubjectEventType) bool {
	switch t {
	case EventActionOpened, EventActionClicked, EventConversion, EventCustom:
		return true
	default:
		return false
	}
}

// Event is an immutable timestamped fact about a subject. The engine appends
// and reads; it never mutates or deletes.
type Event struct {
	ID         string           `json:"id"`
	SubjectID  string           `json:"subject_id"  validate:"required"`
	CampaignID string           `json:"campaign_id" validate:"required"`
	Type       SubjectEventType `json:"type"        validate:"required"`
	Data       map[string]any   `json:"data,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// NewEvent creates an event stamped with the given time.
func NewEvent(subjectID, campaignID string, eventType SubjectEventType, data map[string]any, now time.Time) *Event {
	return &Event{
		ID:         fmt.Sprintf("evt-%s", uuid.New().String()),
		SubjectID:  subjectID,
		CampaignID: campaignID,
		Type:       eventType,
		Data:       data,
		Timestamp:  now,
	}
}
