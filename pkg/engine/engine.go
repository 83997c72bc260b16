// Package engine walks campaign graphs for individual subjects. It owns the
// run state machine: a run's position only moves through a conditional
// advance keyed on the node just processed, and only after that node's
// effect is confirmed.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driply/driply/pkg/delivery"
	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/notifier"
	"github.com/driply/driply/pkg/persistence"
)

// DefaultMaxSteps bounds one synchronous walk. A graph that keeps a run busy
// past this limit is treated as defective and the run is errored.
const DefaultMaxSteps = 100

// Engine executes campaign graphs one run at a time.
type Engine struct {
	runs       persistence.RunRepository
	events     persistence.EventRepository
	tasks      persistence.TaskRepository
	dispatcher delivery.Dispatcher
	notifier   notifier.Notifier
	clock      func() time.Time
	maxSteps   int
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source, used by tests to control delays.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithMaxSteps overrides the per-walk step limit.
func WithMaxSteps(maxSteps int) Option {
	return func(e *Engine) {
		e.maxSteps = maxSteps
	}
}

// NewEngine creates an engine backed by the given storage and collaborators.
func NewEngine(
	persist persistence.Persistence,
	dispatcher delivery.Dispatcher,
	notify notifier.Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	engine := &Engine{
		runs:       persist.RunRepository(),
		events:     persist.EventRepository(),
		tasks:      persist.TaskRepository(),
		dispatcher: dispatcher,
		notifier:   notify,
		clock:      time.Now,
		maxSteps:   DefaultMaxSteps,
		logger:     logger.With("module", "engine"),
		tracer:     otel.Tracer("driply.engine"),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// StartRun creates an active run for the subject positioned at the campaign's
// start node and records the started event. It does not walk the graph;
// callers follow up with Execute.
func (e *Engine) StartRun(ctx context.Context, campaign *models.Campaign, subject models.Subject) (*models.Run, error) {
	start := campaign.Graph.StartNode()
	if start == nil {
		return nil, fmt.Errorf("campaign %s has no start node", campaign.ID)
	}

	if campaign.Graph.StartCount() > 1 {
		e.logger.WarnContext(ctx, "Campaign has multiple start nodes, using the one without incoming edges",
			"campaign_id", campaign.ID, "start_node_id", start.ID)
	}

	now := e.clock()
	run := models.NewRun(campaign.ID, subject, start.ID, now)

	err := e.runs.Create(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	e.appendEvent(ctx, run, models.EventRunStarted, map[string]any{
		"run_id": run.ID,
	}, now)

	e.notify(ctx, notifier.KindRunStarted, run, "")
	e.logger.InfoContext(ctx, "Run started",
		"run_id", run.ID, "campaign_id", run.CampaignID, "subject_id", run.SubjectID)

	return run, nil
}

// Execute walks the graph from the run's current node until the run parks on
// a delay, reaches a terminal node, or fails. A returned error means the
// current node's effect was not applied and the walk may be retried; the run
// has not advanced past it.
func (e *Engine) Execute(ctx context.Context, run *models.Run, graph *models.Graph) error {
	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("driply.run.id", run.ID),
		attribute.String("driply.campaign.id", run.CampaignID),
	))
	defer span.End()

	for step := 0; step < e.maxSteps; step++ {
		if run.Status != models.RunStatusActive {
			return nil
		}

		node := graph.NodeByID(run.CurrentNodeID)
		if node == nil {
			e.failRun(ctx, run, fmt.Sprintf("node %s not found in graph", run.CurrentNodeID))

			return nil
		}

		var (
			done bool
			err  error
		)

		switch node.Type {
		case models.NodeTypeStart:
			err = e.advancePast(ctx, run, graph, node)
		case models.NodeTypeAction:
			err = e.processAction(ctx, run, graph, node)
		case models.NodeTypeDelay:
			done, err = true, e.processDelay(ctx, run, graph, node)
		case models.NodeTypeCondition:
			err = e.processCondition(ctx, run, graph, node)
		case models.NodeTypeEnd:
			done, err = true, e.completeRun(ctx, run, node)
		default:
			e.failRun(ctx, run, fmt.Sprintf("node %s has unknown type %q", node.ID, node.Type))

			return nil
		}

		if err != nil {
			if persistence.IsStaleRun(err) {
				e.logger.InfoContext(ctx, "Run advanced by another writer, stopping walk",
					"run_id", run.ID, "node_id", node.ID)

				return nil
			}

			return err
		}

		if done {
			return nil
		}
	}

	e.failRun(ctx, run, fmt.Sprintf("run exceeded %d steps, graph likely cyclic without delays", e.maxSteps))

	return nil
}

// Resume continues a parked run from a deferred task. Claiming the run is a
// conditional advance from the task's await node; losing the claim means the
// run already moved on and the task is an idempotent no-op.
func (e *Engine) Resume(ctx context.Context, task *models.DeferredTask) error {
	run, err := e.runs.RunByID(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", task.RunID, err)
	}

	if run.Status != models.RunStatusActive {
		e.logger.InfoContext(ctx, "Skipping resumption, run is no longer active",
			"run_id", run.ID, "status", run.Status, "task_id", task.ID)

		return nil
	}

	now := e.clock()

	err = e.runs.Advance(ctx, run.ID, task.AwaitNodeID, task.ResumeNodeID, models.RunStatusActive, now)
	if err != nil {
		if persistence.IsStaleRun(err) {
			return e.continueInterrupted(ctx, task)
		}

		return fmt.Errorf("failed to claim run %s: %w", run.ID, err)
	}

	run.CurrentNodeID = task.ResumeNodeID
	run.LastProcessedAt = now

	return e.Execute(ctx, run, task.Graph)
}

// continueInterrupted handles a resumption whose claim was stale. When an
// earlier attempt claimed the run but the walk was cut short, the run sits
// mid-graph and still active; the walk is picked up from where it stopped.
// A run parked on a different delay node belongs to that delay's own task.
func (e *Engine) continueInterrupted(ctx context.Context, task *models.DeferredTask) error {
	run, err := e.runs.RunByID(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("failed to reload run %s: %w", task.RunID, err)
	}

	if run.Status != models.RunStatusActive {
		return nil
	}

	node := task.Graph.NodeByID(run.CurrentNodeID)
	if node != nil && node.Type == models.NodeTypeDelay {
		e.logger.InfoContext(ctx, "Skipping resumption, run is parked on a later delay",
			"run_id", run.ID, "node_id", run.CurrentNodeID, "task_id", task.ID)

		return nil
	}

	e.logger.InfoContext(ctx, "Continuing interrupted walk",
		"run_id", run.ID, "node_id", run.CurrentNodeID, "task_id", task.ID)

	return e.Execute(ctx, run, task.Graph)
}

func (e *Engine) processAction(ctx context.Context, run *models.Run, graph *models.Graph, node *models.Node) error {
	action := node.Action
	if action == nil {
		e.failRun(ctx, run, fmt.Sprintf("action node %s has no payload", node.ID))

		return nil
	}

	recipient := delivery.Recipient{
		SubjectID: run.SubjectID,
		Context:   run.SubjectContext,
	}

	message := delivery.Message{
		TemplateRef: action.TemplateRef,
		Subject:     delivery.Render(action.Subject, run.SubjectContext),
		Content:     delivery.Render(action.Content, run.SubjectContext),
		// Stable per (run, node) so provider-side deduplication can bound
		// duplicate sends across at-least-once retries.
		IdempotencyKey: run.ID + ":" + node.ID,
	}

	receipt, err := e.dispatcher.Dispatch(ctx, recipient, message)
	if err != nil {
		e.appendEvent(ctx, run, models.EventActionDispatched, map[string]any{
			"run_id":       run.ID,
			"node_id":      node.ID,
			"template_ref": action.TemplateRef,
			"success":      false,
			"error":        err.Error(),
		}, e.clock())

		if delivery.IsPermanent(err) {
			e.failRun(ctx, run, fmt.Sprintf("action %s failed permanently: %v", node.ID, err))

			return err
		}

		e.logger.WarnContext(ctx, "Action dispatch failed, run left at node for retry",
			"run_id", run.ID, "node_id", node.ID, "error", err)

		return err
	}

	e.appendEvent(ctx, run, models.EventActionDispatched, map[string]any{
		"run_id":              run.ID,
		"node_id":             node.ID,
		"template_ref":        action.TemplateRef,
		"provider_message_id": receipt.ProviderMessageID,
		"success":             true,
	}, e.clock())

	return e.advancePast(ctx, run, graph, node)
}

func (e *Engine) processDelay(ctx context.Context, run *models.Run, graph *models.Graph, node *models.Node) error {
	delay := node.Delay
	if delay == nil {
		e.failRun(ctx, run, fmt.Sprintf("delay node %s has no payload", node.ID))

		return nil
	}

	edge := e.nextEdge(ctx, run, graph, node)
	if edge == nil {
		// A trailing delay has nothing to resume into.
		return e.completeRun(ctx, run, node)
	}

	now := e.clock()
	executeAt := now.Add(delay.Duration())
	task := models.NewDeferredTask(run, node.ID, edge.Target, graph, executeAt, now)

	err := e.tasks.Create(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to schedule deferred task: %w", err)
	}

	e.appendEvent(ctx, run, models.EventDelayScheduled, map[string]any{
		"run_id":         run.ID,
		"node_id":        node.ID,
		"resume_node_id": edge.Target,
		"execute_at":     executeAt,
	}, now)

	e.logger.InfoContext(ctx, "Run parked on delay",
		"run_id", run.ID, "node_id", node.ID, "execute_at", executeAt)

	return nil
}

func (e *Engine) processCondition(ctx context.Context, run *models.Run, graph *models.Graph, node *models.Node) error {
	condition := node.Condition
	if condition == nil {
		e.failRun(ctx, run, fmt.Sprintf("condition node %s has no payload", node.ID))

		return nil
	}

	now := e.clock()

	events, err := e.events.EventsSince(ctx, run.SubjectID, run.CampaignID, ConditionWindow(condition, now))
	if err != nil {
		return fmt.Errorf("failed to load subject events: %w", err)
	}

	result := EvaluateCondition(condition, events)

	e.appendEvent(ctx, run, models.EventConditionEvaluated, map[string]any{
		"run_id":    run.ID,
		"node_id":   node.ID,
		"predicate": condition.Predicate,
		"result":    result,
	}, now)

	branch := models.BranchFalse
	if result {
		branch = models.BranchTrue
	}

	edge := graph.BranchEdge(node.ID, branch)
	if edge == nil {
		outgoing := graph.OutgoingEdges(node.ID)
		if len(outgoing) == 0 {
			e.failRun(ctx, run, fmt.Sprintf("condition node %s has no outgoing edges", node.ID))

			return nil
		}

		e.logger.WarnContext(ctx, "Condition node is missing a branch edge, falling back to first declared edge",
			"run_id", run.ID, "node_id", node.ID, "branch", branch)

		edge = outgoing[0]
	}

	return e.advanceTo(ctx, run, node.ID, edge.Target)
}

// advancePast moves the run along the node's default outgoing edge, or
// completes the run when the path ends.
func (e *Engine) advancePast(ctx context.Context, run *models.Run, graph *models.Graph, node *models.Node) error {
	edge := e.nextEdge(ctx, run, graph, node)
	if edge == nil {
		return e.completeRun(ctx, run, node)
	}

	return e.advanceTo(ctx, run, node.ID, edge.Target)
}

func (e *Engine) nextEdge(ctx context.Context, run *models.Run, graph *models.Graph, node *models.Node) *models.Edge {
	edge := graph.DefaultEdge(node.ID)
	if edge != nil {
		return edge
	}

	outgoing := graph.OutgoingEdges(node.ID)
	if len(outgoing) == 0 {
		return nil
	}

	e.logger.WarnContext(ctx, "Node has only labeled outgoing edges, falling back to first declared edge",
		"run_id", run.ID, "node_id", node.ID)

	return outgoing[0]
}

func (e *Engine) advanceTo(ctx context.Context, run *models.Run, fromNodeID, toNodeID string) error {
	now := e.clock()

	err := e.runs.Advance(ctx, run.ID, fromNodeID, toNodeID, models.RunStatusActive, now)
	if err != nil {
		return err
	}

	run.CurrentNodeID = toNodeID
	run.LastProcessedAt = now

	return nil
}

func (e *Engine) completeRun(ctx context.Context, run *models.Run, node *models.Node) error {
	now := e.clock()

	err := e.runs.Advance(ctx, run.ID, node.ID, node.ID, models.RunStatusCompleted, now)
	if err != nil {
		return err
	}

	run.Status = models.RunStatusCompleted
	run.LastProcessedAt = now
	run.CompletedAt = &now

	e.appendEvent(ctx, run, models.EventRunCompleted, map[string]any{
		"run_id":  run.ID,
		"node_id": node.ID,
	}, now)

	e.notify(ctx, notifier.KindRunCompleted, run, "")
	e.logger.InfoContext(ctx, "Run completed",
		"run_id", run.ID, "campaign_id", run.CampaignID, "subject_id", run.SubjectID)

	return nil
}

// failRun moves the run to errored with a diagnostic. Storage failures while
// recording the diagnostic are logged, not returned: the original failure is
// what matters.
func (e *Engine) failRun(ctx context.Context, run *models.Run, reason string) {
	now := e.clock()

	err := e.runs.SetStatus(ctx, run.ID, models.RunStatusErrored, reason, now)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to mark run as errored",
			"run_id", run.ID, "reason", reason, "error", err)
	}

	run.Status = models.RunStatusErrored
	run.LastError = reason
	run.LastProcessedAt = now

	e.appendEvent(ctx, run, models.EventRunErrored, map[string]any{
		"run_id": run.ID,
		"error":  reason,
	}, now)

	e.notify(ctx, notifier.KindRunErrored, run, reason)
	e.logger.ErrorContext(ctx, "Run errored",
		"run_id", run.ID, "campaign_id", run.CampaignID, "reason", reason)
}

// appendEvent records an engine event on the subject's log. Appends are fire
// and forget: the event log is observational, so a storage failure is logged
// and the walk carries on. Returning the error here would leave the run parked
// behind an already confirmed effect and replay it on retry.
func (e *Engine) appendEvent(ctx context.Context, run *models.Run, eventType models.SubjectEventType, data map[string]any, at time.Time) {
	err := e.events.Append(ctx, models.NewEvent(run.SubjectID, run.CampaignID, eventType, data, at))
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to append event",
			"event_type", eventType, "run_id", run.ID, "error", err)
	}
}

// notify publishes a lifecycle notification. Best effort only.
func (e *Engine) notify(ctx context.Context, kind notifier.Kind, run *models.Run, detail string) {
	err := e.notifier.Notify(ctx, notifier.Notification{
		Kind:       kind,
		CampaignID: run.CampaignID,
		RunID:      run.ID,
		SubjectID:  run.SubjectID,
		Detail:     detail,
		Timestamp:  e.clock(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish notification",
			"kind", kind, "run_id", run.ID, "error", err)
	}
}
