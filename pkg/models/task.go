package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeferredTask is a durable continuation: resume run RunID at ResumeNodeID
// once ExecuteAt has passed. AwaitNodeID is the delay node the run is parked
// on; resumption claims the run by conditionally advancing AwaitNodeID to
// ResumeNodeID, so a task whose run already moved on is a no-op.
//
// Graph is snapshotted at schedule time: a later edit to the campaign
// definition cannot redirect an in-flight delay.
type DeferredTask struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	CampaignID   string    `json:"campaign_id"`
	AwaitNodeID  string    `json:"await_node_id"`
	ResumeNodeID string    `json:"resume_node_id"`
	Graph        *Graph    `json:"graph"`
	ExecuteAt    time.Time `json:"execute_at"`
	RetryCount   int       `json:"retry_count"`
	Failed       bool      `json:"failed"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewDeferredTask creates a continuation due at executeAt.
func NewDeferredTask(run *Run, awaitNodeID, resumeNodeID string, graph *Graph, executeAt, now time.Time) *DeferredTask {
	return &DeferredTask{
		ID:           fmt.Sprintf("task-%s", uuid.New().String()),
		RunID:        run.ID,
		CampaignID:   run.CampaignID,
		AwaitNodeID:  awaitNodeID,
		ResumeNodeID: resumeNodeID,
		Graph:        graph,
		ExecuteAt:    executeAt,
		CreatedAt:    now,
	}
}

// Due reports whether the task is ready for resumption.
func (t *DeferredTask) Due(now time.Time) bool {
	return !t.ExecuteAt.After(now)
}

// FailedTask is the permanent record of work that exhausted its retries.
// Kept for operator inspection instead of being silently dropped.
type FailedTask struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id,omitempty"`
	CampaignID   string    `json:"campaign_id"`
	SubjectID    string    `json:"subject_id,omitempty"`
	ResumeNodeID string    `json:"resume_node_id,omitempty"`
	FinalError   string    `json:"final_error"`
	FailedAt     time.Time `json:"failed_at"`
	TotalRetries int       `json:"total_retries"`
}

// NewFailedTask records a deferred task that failed permanently.
func NewFailedTask(task *DeferredTask, finalErr string, now time.Time) *FailedTask {
	return &FailedTask{
		ID:           fmt.Sprintf("failed-%s", uuid.New().String()),
		RunID:        task.RunID,
		CampaignID:   task.CampaignID,
		ResumeNodeID: task.ResumeNodeID,
		FinalError:   finalErr,
		FailedAt:     now,
		TotalRetries: task.RetryCount,
	}
}
