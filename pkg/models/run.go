package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of one campaign execution.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusErrored   RunStatus = "errored"
	RunStatusHalted    RunStatus = "halted" // Operator cancellation; skipped by the scheduler
)

// Run is one execution of a campaign for one subject. CurrentNodeID is the
// run's state-machine position and is only moved through a conditional
// advance keyed on its expected value.
type Run struct {
	ID              string            `json:"id"`
	CampaignID      string            `json:"campaign_id"`
	SubjectID       string            `json:"subject_id"`
	SubjectContext  map[string]string `json:"subject_context,omitempty"`
	CurrentNodeID   string            `json:"current_node_id"`
	Status          RunStatus         `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	LastProcessedAt time.Time         `json:"last_processed_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
}

// NewRun creates an active run positioned at the given start node.
func NewRun(campaignID string, subject Subject, startNodeID string, now time.Time) *Run {
	return &Run{
		ID:              fmt.Sprintf("run-%s", uuid.New().String()),
		CampaignID:      campaignID,
		SubjectID:       subject.ID,
		SubjectContext:  subject.Context,
		CurrentNodeID:   startNodeID,
		Status:          RunStatusActive,
		StartedAt:       now,
		LastProcessedAt: now,
	}
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusErrored
}
