// Package events defines the bus events that move campaign work between the
// scheduler and the workers.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every run lifecycle event.
const Topic = "driply.runs"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// RunStartRequestedEvent asks a worker to start one subject's run.
	RunStartRequestedEvent EventType = "run.start.requested"

	// RunCompletedEvent and RunFailedEvent announce terminal run outcomes.
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	CampaignID string         `json:"campaign_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunStartRequested is published once per (campaign, subject) when a due
// campaign is promoted. Delivery is at least once: workers must tolerate
// receiving the same request twice.
type RunStartRequested struct {
	BaseEvent

	SubjectID      string            `json:"subject_id"`
	SubjectContext map[string]string `json:"subject_context,omitempty"`
}

func (r RunStartRequested) GetType() EventType {
	return RunStartRequestedEvent
}

type RunCompleted struct {
	BaseEvent

	RunID      string `json:"run_id"`
	SubjectID  string `json:"subject_id"`
	DurationMs int64  `json:"duration_ms"`
}

func (r RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	RunID     string `json:"run_id,omitempty"`
	SubjectID string `json:"subject_id"`
	Error     string `json:"error"`
}

func (r RunFailed) GetType() EventType {
	return RunFailedEvent
}

func NewBaseEvent(eventType EventType, campaignID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		CampaignID: campaignID,
		Metadata:   make(map[string]any),
	}
}
