// Package persistence provides the data storage abstraction for campaigns,
// runs, subject events and deferred tasks.
package persistence

import (
	"context"
	"time"

	"github.com/driply/driply/pkg/models"
)

// Persistence aggregates the repositories behind one storage backend.
type Persistence interface {
	CampaignRepository() CampaignRepository
	RunRepository() RunRepository
	EventRepository() EventRepository
	TaskRepository() TaskRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// CampaignRepository stores campaign definitions.
type CampaignRepository interface {
	Campaigns(ctx context.Context) ([]*models.Campaign, error)
	CampaignByID(ctx context.Context, id string) (*models.Campaign, error)
	Save(ctx context.Context, campaign *models.Campaign) error
	Delete(ctx context.Context, id string) error

	// DueCampaigns returns campaigns in scheduled status whose ScheduledAt
	// has passed.
	DueCampaigns(ctx context.Context, now time.Time) ([]*models.Campaign, error)
	UpdateStatus(ctx context.Context, id string, status models.CampaignStatus) error
	CountByStatus(ctx context.Context, status models.CampaignStatus) (int, error)
}

// RunRepository stores run state. Advance is the only mutation path for a
// run's position: it must atomically compare the stored current node against
// expectedNodeID and fail with ErrStaleRun on mismatch, which is what keeps
// two workers from double-applying the same node.
type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	RunByID(ctx context.Context, id string) (*models.Run, error)

	// RunForSubject returns the subject's run in a campaign, or ErrRunNotFound.
	// Lets at-least-once start requests detect an already-created run.
	RunForSubject(ctx context.Context, campaignID, subjectID string) (*models.Run, error)
	Advance(ctx context.Context, runID, expectedNodeID, newNodeID string, status models.RunStatus, now time.Time) error
	SetStatus(ctx context.Context, runID string, status models.RunStatus, lastError string, now time.Time) error
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EventRepository is the append-only subject event log.
type EventRepository interface {
	Append(ctx context.Context, event *models.Event) error

	// EventsSince returns the subject's events for a campaign inside the
	// lookback window, newest last.
	EventsSince(ctx context.Context, subjectID, campaignID string, since time.Time) ([]*models.Event, error)
}

// TaskRepository stores deferred continuations and the permanent record of
// tasks that exhausted their retries.
type TaskRepository interface {
	Create(ctx context.Context, task *models.DeferredTask) error
	Update(ctx context.Context, task *models.DeferredTask) error
	Delete(ctx context.Context, id string) error
	DueTasks(ctx context.Context, now time.Time) ([]*models.DeferredTask, error)
	CountPending(ctx context.Context) (int, error)

	RecordFailure(ctx context.Context, failed *models.FailedTask) error
	FailedTasks(ctx context.Context) ([]*models.FailedTask, error)
	CountFailed(ctx context.Context) (int, error)
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
