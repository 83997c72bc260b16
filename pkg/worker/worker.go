// Package worker consumes run start requests from the event bus and drives
// the execution engine. Consumption is at least once: a redelivered request
// finds the existing run and continues it instead of starting a second one.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/driply/driply/pkg/campaign"
	"github.com/driply/driply/pkg/delivery"
	"github.com/driply/driply/pkg/engine"
	"github.com/driply/driply/pkg/eventbus"
	"github.com/driply/driply/pkg/events"
	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/persistence"
)

// DefaultMaxAttempts is how many times one start request is tried before it
// is recorded as a permanent failure.
const DefaultMaxAttempts = 3

// Worker subscribes to the run topic and executes campaign graphs.
type Worker struct {
	id          string
	campaigns   *campaign.Repository
	runs        persistence.RunRepository
	tasks       persistence.TaskRepository
	engine      *engine.Engine
	eventBus    eventbus.EventBus
	maxAttempts int
	clock       func() time.Time
	logger      *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithMaxAttempts overrides the per-request attempt budget.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		w.maxAttempts = attempts
	}
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(w *Worker) {
		w.clock = clock
	}
}

// NewWorker creates a worker bound to the given engine and bus.
func NewWorker(
	id string,
	persist persistence.Persistence,
	campaigns *campaign.Repository,
	eng *engine.Engine,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	opts ...Option,
) *Worker {
	worker := &Worker{
		id:          id,
		campaigns:   campaigns,
		runs:        persist.RunRepository(),
		tasks:       persist.TaskRepository(),
		engine:      eng,
		eventBus:    eventBus,
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
		logger:      logger.With("module", "worker", "worker_id", id),
	}

	for _, opt := range opts {
		opt(worker)
	}

	return worker
}

// Start registers the handlers and subscribes. It returns once the
// subscription is established; messages are handled in the background until
// ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	err := w.eventBus.Handle(events.RunStartRequestedEvent, w.handleRunStartRequested)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker started")

	return nil
}

func (w *Worker) handleRunStartRequested(ctx context.Context, event any) error {
	request, ok := event.(*events.RunStartRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunStartRequested")

		return nil
	}

	logger := w.logger.With(
		"campaign_id", request.CampaignID,
		"subject_id", request.SubjectID,
		"event_id", request.ID,
	)
	logger.InfoContext(ctx, "Processing run start request")

	definition, err := w.campaigns.FetchByID(ctx, request.CampaignID)
	if err != nil {
		if persistence.IsCampaignNotFound(err) {
			logger.ErrorContext(ctx, "Campaign no longer exists, dropping start request")

			return nil
		}

		return err
	}

	run, err := w.claimRun(ctx, definition, request)
	if err != nil {
		return err
	}

	if run == nil {
		// Redelivery of work already finished.
		return nil
	}

	started := w.clock()
	err = w.executeWithRetry(ctx, run, &definition.Graph)

	if err != nil {
		logger.ErrorContext(ctx, "Run execution exhausted its attempts", "run_id", run.ID, "error", err)
		w.recordFailure(ctx, run, err)
		w.publishRunFailed(ctx, run, err)

		return nil
	}

	if run.Status == models.RunStatusCompleted {
		w.publishRunCompleted(ctx, run, w.clock().Sub(started))
	}

	return nil
}

// claimRun finds the run to execute: the existing one for a redelivered
// request, or a fresh run otherwise. Returns nil when there is nothing left
// to do.
func (w *Worker) claimRun(ctx context.Context, definition *models.Campaign, request *events.RunStartRequested) (*models.Run, error) {
	existing, err := w.runs.RunForSubject(ctx, request.CampaignID, request.SubjectID)
	if err == nil {
		if existing.Status != models.RunStatusActive {
			w.logger.InfoContext(ctx, "Run already finished, dropping duplicate start request",
				"run_id", existing.ID, "status", existing.Status)

			return nil, nil
		}

		w.logger.InfoContext(ctx, "Continuing existing run for redelivered start request", "run_id", existing.ID)

		return existing, nil
	}

	if !persistence.IsRunNotFound(err) {
		return nil, err
	}

	subject := models.Subject{ID: request.SubjectID, Context: request.SubjectContext}

	return w.engine.StartRun(ctx, definition, subject)
}

// executeWithRetry walks the run, retrying transient failures with
// exponential backoff inside the attempt budget. Permanent failures stop
// immediately.
func (w *Worker) executeWithRetry(ctx context.Context, run *models.Run, graph *models.Graph) error {
	operation := func() error {
		err := w.engine.Execute(ctx, run, graph)
		if err != nil && !delivery.IsRetryable(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(w.maxAttempts-1)),
		ctx,
	)

	return backoff.Retry(operation, policy)
}

func (w *Worker) recordFailure(ctx context.Context, run *models.Run, runErr error) {
	failed := &models.FailedTask{
		ID:           "failed-" + w.eventBus.GenerateID(),
		RunID:        run.ID,
		CampaignID:   run.CampaignID,
		SubjectID:    run.SubjectID,
		ResumeNodeID: run.CurrentNodeID,
		FinalError:   runErr.Error(),
		FailedAt:     w.clock(),
		TotalRetries: w.maxAttempts - 1,
	}

	err := w.tasks.RecordFailure(ctx, failed)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to record permanent failure", "run_id", run.ID, "error", err)
	}
}

func (w *Worker) publishRunCompleted(ctx context.Context, run *models.Run, duration time.Duration) {
	completed := events.RunCompleted{
		BaseEvent:  events.NewBaseEvent(events.RunCompletedEvent, run.CampaignID),
		RunID:      run.ID,
		SubjectID:  run.SubjectID,
		DurationMs: duration.Milliseconds(),
	}
	completed.WorkerID = w.id

	err := w.eventBus.Publish(ctx, run.CampaignID, completed)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish run completed event", "run_id", run.ID, "error", err)
	}
}

func (w *Worker) publishRunFailed(ctx context.Context, run *models.Run, runErr error) {
	failed := events.RunFailed{
		BaseEvent: events.NewBaseEvent(events.RunFailedEvent, run.CampaignID),
		RunID:     run.ID,
		SubjectID: run.SubjectID,
		Error:     runErr.Error(),
	}
	failed.WorkerID = w.id

	err := w.eventBus.Publish(ctx, run.CampaignID, failed)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish run failed event", "run_id", run.ID, "error", err)
	}
}
