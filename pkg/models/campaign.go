package models

import "time"

// CampaignStatus is the lifecycle state of a campaign definition.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"     // Editable, never executed
	CampaignStatusScheduled CampaignStatus = "scheduled" // Waiting for ScheduledAt
	CampaignStatusQueued    CampaignStatus = "queued"    // Start jobs enqueued
	CampaignStatusCompleted CampaignStatus = "completed"
)

// Subject is one recipient a campaign is executed for. Context carries the
// fields available to template interpolation ("email", "name", ...).
type Subject struct {
	ID      string            `json:"id"      validate:"required"`
	Context map[string]string `json:"context"`
}

// Campaign is an operator-authored flow definition plus its scheduling
// metadata. The Graph is immutable once the campaign leaves draft.
type Campaign struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"        validate:"required,min=3"`
	Description string         `json:"description"`
	Status      CampaignStatus `json:"status"      validate:"required"`
	Graph       Graph          `json:"graph"`
	Subjects    []Subject      `json:"subjects"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Due reports whether the campaign should be promoted into the job queue.
func (c *Campaign) Due(now time.Time) bool {
	return c.Status == CampaignStatusScheduled &&
		c.ScheduledAt != nil &&
		!c.ScheduledAt.After(now)
}
