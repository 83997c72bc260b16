// Package scheduler owns the polling loop: promoting due campaigns into the
// job queue and resuming runs whose deferred delays have elapsed. Durability
// comes from the store, not from in-process timers; a restarted scheduler
// picks up everything overdue on its first sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/driply/driply/pkg/campaign"
	"github.com/driply/driply/pkg/engine"
	"github.com/driply/driply/pkg/eventbus"
	"github.com/driply/driply/pkg/events"
	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
)

const (
	// DefaultPollInterval is how often the scheduler sweeps the store.
	DefaultPollInterval = 30 * time.Second

	// DefaultMaxResumeRetries bounds the retry ladder for failed resumptions.
	DefaultMaxResumeRetries = 3
)

// Scheduler polls for due campaigns and due deferred tasks.
type Scheduler struct {
	campaigns  *campaign.Repository
	store      persistence.CampaignRepository
	runs       persistence.RunRepository
	tasks      persistence.TaskRepository
	engine     *engine.Engine
	publisher  eventbus.EventPublisher
	cron       *cron.Cron
	interval   time.Duration
	maxRetries int
	retention  time.Duration
	clock      func() time.Time
	logger     *slog.Logger

	mu          sync.Mutex
	lastPollAt  time.Time
	lastPollErr string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides the sweep interval.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = interval
	}
}

// WithMaxResumeRetries overrides the resumption retry budget.
func WithMaxResumeRetries(retries int) Option {
	return func(s *Scheduler) {
		s.maxRetries = retries
	}
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithRetention enables the daily retention sweep for completed runs and
// failure records older than the window.
func WithRetention(retention time.Duration) Option {
	return func(s *Scheduler) {
		s.retention = retention
	}
}

// NewScheduler creates a scheduler over the given storage and engine.
func NewScheduler(
	persist persistence.Persistence,
	campaigns *campaign.Repository,
	eng *engine.Engine,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	scheduler := &Scheduler{
		campaigns:  campaigns,
		store:      persist.CampaignRepository(),
		runs:       persist.RunRepository(),
		tasks:      persist.TaskRepository(),
		engine:     eng,
		publisher:  publisher,
		interval:   DefaultPollInterval,
		maxRetries: DefaultMaxResumeRetries,
		clock:      time.Now,
		logger:     logger.With("module", "scheduler"),
	}

	for _, opt := range opts {
		opt(scheduler)
	}

	return scheduler
}

// Start runs the startup sweep and begins the periodic poll. Overlapping
// sweeps are skipped rather than stacked.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting scheduler", "poll_interval", s.interval)

	err := s.Poll(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Startup sweep failed", "error", err)
	}

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err = s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		err := s.Poll(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Poll failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register poll job: %w", err)
	}

	if s.retention > 0 {
		_, err = s.cron.AddFunc("@daily", func() {
			_, err := s.CleanupOldRecords(ctx, s.retention)
			if err != nil {
				s.logger.ErrorContext(ctx, "Retention cleanup failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to register cleanup job: %w", err)
		}
	}

	s.cron.Start()

	return nil
}

// Stop halts the poll loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	s.logger.InfoContext(ctx, "Scheduler stopped")
}

// Poll runs one sweep: promote due campaigns, resume due tasks.
func (s *Scheduler) Poll(ctx context.Context) error {
	now := s.clock()

	promoteErr := s.promoteDueCampaigns(ctx, now)
	resumeErr := s.resumeDueTasks(ctx, now)

	s.mu.Lock()
	s.lastPollAt = now
	s.lastPollErr = ""

	err := promoteErr
	if err == nil {
		err = resumeErr
	}

	if err != nil {
		s.lastPollErr = err.Error()
	}
	s.mu.Unlock()

	return err
}

// promoteDueCampaigns publishes a start request per subject for every due
// campaign, then marks the campaign queued. Publishing happens first: a crash
// in between republishes on the next sweep, and workers drop duplicates.
func (s *Scheduler) promoteDueCampaigns(ctx context.Context, now time.Time) error {
	due, err := s.store.DueCampaigns(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to query due campaigns: %w", err)
	}

	for _, definition := range due {
		logger := s.logger.With("campaign_id", definition.ID)
		logger.InfoContext(ctx, "Promoting due campaign", "subjects", len(definition.Subjects))

		for _, subject := range definition.Subjects {
			request := events.RunStartRequested{
				BaseEvent:      events.NewBaseEvent(events.RunStartRequestedEvent, definition.ID),
				SubjectID:      subject.ID,
				SubjectContext: subject.Context,
			}

			err := s.publisher.Publish(ctx, definition.ID, request)
			if err != nil {
				return fmt.Errorf("failed to publish start request for subject %s: %w", subject.ID, err)
			}
		}

		err = s.store.UpdateStatus(ctx, definition.ID, models.CampaignStatusQueued)
		if err != nil {
			return fmt.Errorf("failed to queue campaign %s: %w", definition.ID, err)
		}

		s.campaigns.Invalidate(definition.ID)
	}

	return nil
}

// resumeDueTasks continues runs whose delays have elapsed. A failed
// resumption is rescheduled with exponential backoff; after the retry budget
// it becomes a permanent failure record and the run is errored.
func (s *Scheduler) resumeDueTasks(ctx context.Context, now time.Time) error {
	due, err := s.tasks.DueTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to query due tasks: %w", err)
	}

	for _, task := range due {
		logger := s.logger.With("task_id", task.ID, "run_id", task.RunID)

		err := s.engine.Resume(ctx, task)
		if err != nil {
			s.handleResumeFailure(ctx, task, err, now)

			continue
		}

		err = s.tasks.Delete(ctx, task.ID)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to delete finished task", "error", err)
		}
	}

	return nil
}

func (s *Scheduler) handleResumeFailure(ctx context.Context, task *models.DeferredTask, resumeErr error, now time.Time) {
	logger := s.logger.With("task_id", task.ID, "run_id", task.RunID)

	if task.RetryCount >= s.maxRetries {
		logger.ErrorContext(ctx, "Resumption exhausted its retries", "retries", task.RetryCount, "error", resumeErr)

		failed := models.NewFailedTask(task, resumeErr.Error(), now)

		err := s.tasks.RecordFailure(ctx, failed)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to record permanent failure", "error", err)

			return
		}

		err = s.runs.SetStatus(ctx, task.RunID, models.RunStatusErrored,
			fmt.Sprintf("resumption failed after %d retries: %v", task.RetryCount, resumeErr), now)
		if err != nil && !persistence.IsRunNotFound(err) {
			logger.ErrorContext(ctx, "Failed to error run after exhausted retries", "error", err)
		}

		err = s.tasks.Delete(ctx, task.ID)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to delete exhausted task", "error", err)
		}

		return
	}

	task.RetryCount++
	task.ExecuteAt = now.Add(time.Duration(1<<task.RetryCount) * time.Minute)
	task.LastError = resumeErr.Error()

	err := s.tasks.Update(ctx, task)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to reschedule task", "error", err)

		return
	}

	logger.WarnContext(ctx, "Resumption failed, rescheduled",
		"retry_count", task.RetryCount, "execute_at", task.ExecuteAt, "error", resumeErr)
}

// Status is a point-in-time view of the scheduler's workload.
type Status struct {
	ScheduledCampaigns int       `json:"scheduled_campaigns"`
	QueuedCampaigns    int       `json:"queued_campaigns"`
	PendingTasks       int       `json:"pending_tasks"`
	FailedTasks        int       `json:"failed_tasks"`
	LastPollAt         time.Time `json:"last_poll_at"`
	LastPollError      string    `json:"last_poll_error,omitempty"`
}

// Status reports queue depths and the outcome of the last sweep.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	status, err := readStatus(ctx, s.store, s.tasks)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	status.LastPollAt = s.lastPollAt
	status.LastPollError = s.lastPollErr
	s.mu.Unlock()

	return status, nil
}

// StatusReader reports queue depths straight from the store, for processes
// that do not run the poll loop themselves.
type StatusReader struct {
	store persistence.CampaignRepository
	tasks persistence.TaskRepository
}

// NewStatusReader creates a status reader over the given storage.
func NewStatusReader(persist persistence.Persistence) *StatusReader {
	return &StatusReader{
		store: persist.CampaignRepository(),
		tasks: persist.TaskRepository(),
	}
}

// Status reports queue depths. Poll bookkeeping is left zero.
func (r *StatusReader) Status(ctx context.Context) (*Status, error) {
	return readStatus(ctx, r.store, r.tasks)
}

func readStatus(ctx context.Context, store persistence.CampaignRepository, tasks persistence.TaskRepository) (*Status, error) {
	scheduled, err := store.CountByStatus(ctx, models.CampaignStatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("failed to count scheduled campaigns: %w", err)
	}

	queued, err := store.CountByStatus(ctx, models.CampaignStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued campaigns: %w", err)
	}

	pending, err := tasks.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending tasks: %w", err)
	}

	failed, err := tasks.CountFailed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed tasks: %w", err)
	}

	return &Status{
		ScheduledCampaigns: scheduled,
		QueuedCampaigns:    queued,
		PendingTasks:       pending,
		FailedTasks:        failed,
	}, nil
}

// CleanupResult reports what a retention sweep removed.
type CleanupResult struct {
	CompletedRuns int `json:"completed_runs"`
	FailedTasks   int `json:"failed_tasks"`
}

// CleanupOldRecords removes completed runs and permanent failure records
// older than the retention window.
func (s *Scheduler) CleanupOldRecords(ctx context.Context, retention time.Duration) (*CleanupResult, error) {
	cutoff := s.clock().Add(-retention)

	runsDeleted, err := s.runs.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to clean up completed runs: %w", err)
	}

	tasksDeleted, err := s.tasks.DeleteFailedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to clean up failure records: %w", err)
	}

	s.logger.InfoContext(ctx, "Retention cleanup finished",
		"completed_runs", runsDeleted, "failed_tasks", tasksDeleted)

	return &CleanupResult{
		CompletedRuns: runsDeleted,
		FailedTasks:   tasksDeleted,
	}, nil
}
