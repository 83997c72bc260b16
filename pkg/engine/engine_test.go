package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driply/driply/pkg/delivery"
	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/notifier"
	"github.com/driply/driply/pkg/persistence"
	"github.com/driply/driply/pkg/persistence/file"
)

// failingEventStore rejects every append while still serving reads.
type failingEventStore struct {
	persistence.EventRepository
}

func (s *failingEventStore) Append(context.Context, *models.Event) error {
	return assert.AnError
}

type failingEventPersistence struct {
	persistence.Persistence
}

func (p *failingEventPersistence) EventRepository() persistence.EventRepository {
	return &failingEventStore{EventRepository: p.Persistence.EventRepository()}
}

// testClock is a controllable time source. Each reading ticks forward one
// second so appended events keep a stable order.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type engineFixture struct {
	engine   *Engine
	persist  *file.Persistence
	capture  *delivery.CaptureDispatcher
	clock    *testClock
	campaign *models.Campaign
	subject  models.Subject
}

func newEngineFixture(t *testing.T, graph *models.Graph, opts ...Option) *engineFixture {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())
	capture := delivery.NewCaptureDispatcher()
	clock := newTestClock()

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	eng := NewEngine(persist, capture, notifier.NewNoopNotifier(), slog.Default(), opts...)

	return &engineFixture{
		engine:  eng,
		persist: persist,
		capture: capture,
		clock:   clock,
		campaign: &models.Campaign{
			ID:     "camp-1",
			Name:   "Welcome series",
			Status: models.CampaignStatusQueued,
			Graph:  *graph,
		},
		subject: models.Subject{
			ID:      "sub-1",
			Context: map[string]string{"name": "Ada"},
		},
	}
}

func (f *engineFixture) startAndExecute(t *testing.T) *models.Run {
	t.Helper()

	ctx := context.Background()

	run, err := f.engine.StartRun(ctx, f.campaign, f.subject)
	require.NoError(t, err)

	err = f.engine.Execute(ctx, run, &f.campaign.Graph)
	require.NoError(t, err)

	return run
}

func (f *engineFixture) eventTypes(t *testing.T) []models.SubjectEventType {
	t.Helper()

	events, err := f.persist.EventRepository().EventsSince(
		context.Background(), f.subject.ID, f.campaign.ID, time.Time{})
	require.NoError(t, err)

	types := make([]models.SubjectEventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}

	return types
}

func (f *engineFixture) eventsOfType(t *testing.T, eventType models.SubjectEventType) []*models.Event {
	t.Helper()

	events, err := f.persist.EventRepository().EventsSince(
		context.Background(), f.subject.ID, f.campaign.ID, time.Time{})
	require.NoError(t, err)

	matched := make([]*models.Event, 0, len(events))
	for _, event := range events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

func node(id string, nodeType models.NodeType) *models.Node {
	return &models.Node{ID: id, Type: nodeType}
}

func actionNode(id, content string) *models.Node {
	return &models.Node{ID: id, Type: models.NodeTypeAction, Action: &models.ActionNode{
		Subject: "Hello {{name}}",
		Content: content,
	}}
}

func delayNode(id string, amount int, unit models.DelayUnit) *models.Node {
	return &models.Node{ID: id, Type: models.NodeTypeDelay, Delay: &models.DelayNode{
		Amount: amount,
		Unit:   unit,
	}}
}

func conditionNode(id string, predicate models.PredicateType) *models.Node {
	return &models.Node{ID: id, Type: models.NodeTypeCondition, Condition: &models.ConditionNode{
		Predicate: predicate,
	}}
}

func edge(source, target string) *models.Edge {
	return &models.Edge{Source: source, Target: target}
}

func branchEdge(source, target string, branch models.Branch) *models.Edge {
	return &models.Edge{Source: source, Target: target, Branch: branch}
}

func linearGraph() *models.Graph {
	return &models.Graph{
		Nodes: []*models.Node{
			node("start", models.NodeTypeStart),
			actionNode("welcome", "Welcome aboard, {{name}}!"),
			node("end", models.NodeTypeEnd),
		},
		Edges: []*models.Edge{
			edge("start", "welcome"),
			edge("welcome", "end"),
		},
	}
}

// welcomeGraph is the canonical two-message flow: welcome action, one day
// delay, then a reminder only if the welcome was opened.
func welcomeGraph() *models.Graph {
	return &models.Graph{
		Nodes: []*models.Node{
			node("start", models.NodeTypeStart),
			actionNode("welcome", "Welcome aboard, {{name}}!"),
			delayNode("wait", 1, models.DelayUnitDays),
			conditionNode("opened", models.PredicateActionOpened),
			actionNode("reminder", "Did you see our welcome, {{name}}?"),
			node("end", models.NodeTypeEnd),
		},
		Edges: []*models.Edge{
			edge("start", "welcome"),
			edge("welcome", "wait"),
			edge("wait", "opened"),
			branchEdge("opened", "reminder", models.BranchTrue),
			branchEdge("opened", "end", models.BranchFalse),
			edge("reminder", "end"),
		},
	}
}

func TestExecuteLinearCampaign(t *testing.T) {
	fixture := newEngineFixture(t, linearGraph())

	run := fixture.startAndExecute(t)

	stored, err := fixture.persist.RunRepository().RunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	dispatched := fixture.capture.Dispatched()
	require.Len(t, dispatched, 1)
	assert.Equal(t, "Welcome aboard, Ada!", dispatched[0].Message.Content)
	assert.Equal(t, "Hello Ada", dispatched[0].Message.Subject)
	assert.Equal(t, run.ID+":welcome", dispatched[0].Message.IdempotencyKey)

	assert.Equal(t, []models.SubjectEventType{
		models.EventRunStarted,
		models.EventActionDispatched,
		models.EventRunCompleted,
	}, fixture.eventTypes(t))
}

func TestExecuteParksRunOnDelay(t *testing.T) {
	fixture := newEngineFixture(t, welcomeGraph())
	ctx := context.Background()

	run := fixture.startAndExecute(t)

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusActive, stored.Status)
	assert.Equal(t, "wait", stored.CurrentNodeID)

	tasks, err := fixture.persist.TaskRepository().DueTasks(ctx, fixture.clock.now.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, run.ID, tasks[0].RunID)
	assert.Equal(t, "wait", tasks[0].AwaitNodeID)
	assert.Equal(t, "opened", tasks[0].ResumeNodeID)
	assert.False(t, tasks[0].Due(fixture.clock.now))
	assert.True(t, tasks[0].Due(fixture.clock.now.Add(25*time.Hour)))
}

func TestResumeWithoutOpenSkipsReminder(t *testing.T) {
	fixture := newEngineFixture(t, welcomeGraph())
	ctx := context.Background()

	run := fixture.startAndExecute(t)

	tasks, err := fixture.persist.TaskRepository().DueTasks(ctx, fixture.clock.now.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	fixture.clock.Advance(25 * time.Hour)

	err = fixture.engine.Resume(ctx, tasks[0])
	require.NoError(t, err)

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)

	// Welcome only, the reminder branch was not taken.
	assert.Len(t, fixture.capture.Dispatched(), 1)
}

func TestResumeAfterOpenSendsReminder(t *testing.T) {
	fixture := newEngineFixture(t, welcomeGraph())
	ctx := context.Background()

	run := fixture.startAndExecute(t)

	tasks, err := fixture.persist.TaskRepository().DueTasks(ctx, fixture.clock.now.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Subject opens the welcome before the delay elapses.
	err = fixture.persist.EventRepository().Append(ctx, models.NewEvent(
		fixture.subject.ID, fixture.campaign.ID, models.EventActionOpened, nil, fixture.clock.Now()))
	require.NoError(t, err)

	fixture.clock.Advance(25 * time.Hour)

	err = fixture.engine.Resume(ctx, tasks[0])
	require.NoError(t, err)

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)

	dispatched := fixture.capture.Dispatched()
	require.Len(t, dispatched, 2)
	assert.Equal(t, "Did you see our welcome, Ada?", dispatched[1].Message.Content)
	assert.Equal(t, run.ID+":reminder", dispatched[1].Message.IdempotencyKey)
}

func TestResumeSkipsRunParkedOnLaterDelay(t *testing.T) {
	twoDelays := &models.Graph{
		Nodes: []*models.Node{
			node("start", models.NodeTypeStart),
			delayNode("wait1", 1, models.DelayUnitDays),
			delayNode("wait2", 1, models.DelayUnitDays),
			node("end", models.NodeTypeEnd),
		},
		Edges: []*models.Edge{
			edge("start", "wait1"),
			edge("wait1", "wait2"),
			edge("wait2", "end"),
		},
	}

	fixture := newEngineFixture(t, twoDelays)
	ctx := context.Background()

	run := fixture.startAndExecute(t)

	tasks, err := fixture.persist.TaskRepository().DueTasks(ctx, fixture.clock.now.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	firstTask := tasks[0]

	// The run already moved on and is parked on the second delay, which has
	// its own task. Resuming the first task must not create duplicate work.
	err = fixture.persist.RunRepository().Advance(ctx, run.ID, "wait1", "wait2", models.RunStatusActive, fixture.clock.Now())
	require.NoError(t, err)

	err = fixture.engine.Resume(ctx, firstTask)
	require.NoError(t, err)

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "wait2", stored.CurrentNodeID)
	assert.Equal(t, models.RunStatusActive, stored.Status)
}

func TestResumeContinuesInterruptedWalk(t *testing.T) {
	fixture := newEngineFixture(t, welcomeGraph())
	ctx := context.Background()

	run := fixture.startAndExecute(t)

	tasks, err := fixture.persist.TaskRepository().DueTasks(ctx, fixture.clock.now.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// An earlier resumption claimed the run past the delay but the walk was
	// cut short, leaving the run active at the condition node.
	err = fixture.persist.RunRepository().Advance(ctx, run.ID, "wait", "opened", models.RunStatusActive, fixture.clock.Now())
	require.NoError(t, err)

	fixture.clock.Advance(25 * time.Hour)

	err = fixture.engine.Resume(ctx, tasks[0])
	require.NoError(t, err)

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Len(t, fixture.capture.Dispatched(), 1)
}

func TestResumeSkipsFinishedRun(t *testing.T) {
	fixture := newEngineFixture(t, welcomeGraph())
	ctx := context.Background()

	run := fixture.startAndExecute(t)

	tasks, err := fixture.persist.TaskRepository().DueTasks(ctx, fixture.clock.now.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	err = fixture.persist.RunRepository().SetStatus(ctx, run.ID, models.RunStatusHalted, "", fixture.clock.Now())
	require.NoError(t, err)

	err = fixture.engine.Resume(ctx, tasks[0])
	require.NoError(t, err)

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusHalted, stored.Status)
	assert.Equal(t, "wait", stored.CurrentNodeID)
}

func TestTransientFailureLeavesRunRetryable(t *testing.T) {
	fixture := newEngineFixture(t, linearGraph())
	fixture.capture.FailWith(delivery.NewTransientError(assert.AnError))
	ctx := context.Background()

	run, err := fixture.engine.StartRun(ctx, fixture.campaign, fixture.subject)
	require.NoError(t, err)

	err = fixture.engine.Execute(ctx, run, &fixture.campaign.Graph)
	require.Error(t, err)
	assert.True(t, delivery.IsRetryable(err))

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusActive, stored.Status)
	assert.Equal(t, "welcome", stored.CurrentNodeID)

	failed := fixture.eventsOfType(t, models.EventActionDispatched)
	require.Len(t, failed, 1)
	assert.Equal(t, false, failed[0].Data["success"])
	assert.NotEmpty(t, failed[0].Data["error"])

	// Re-executing from the stored position completes the run.
	err = fixture.engine.Execute(ctx, stored, &fixture.campaign.Graph)
	require.NoError(t, err)

	stored, err = fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Len(t, fixture.capture.Dispatched(), 1)

	dispatches := fixture.eventsOfType(t, models.EventActionDispatched)
	require.Len(t, dispatches, 2)
	assert.Equal(t, true, dispatches[1].Data["success"])
}

func TestPermanentFailureErrorsRun(t *testing.T) {
	fixture := newEngineFixture(t, linearGraph())
	fixture.capture.FailWith(delivery.NewPermanentError(assert.AnError))
	ctx := context.Background()

	run, err := fixture.engine.StartRun(ctx, fixture.campaign, fixture.subject)
	require.NoError(t, err)

	err = fixture.engine.Execute(ctx, run, &fixture.campaign.Graph)
	require.Error(t, err)
	assert.True(t, delivery.IsPermanent(err))

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusErrored, stored.Status)
	assert.Contains(t, stored.LastError, "welcome")
	assert.Contains(t, fixture.eventTypes(t), models.EventRunErrored)
	assert.Empty(t, fixture.capture.Dispatched())

	dispatches := fixture.eventsOfType(t, models.EventActionDispatched)
	require.Len(t, dispatches, 1)
	assert.Equal(t, false, dispatches[0].Data["success"])
	assert.NotEmpty(t, dispatches[0].Data["error"])
}

func TestStepLimitErrorsCyclicGraph(t *testing.T) {
	cyclic := &models.Graph{
		Nodes: []*models.Node{
			node("start", models.NodeTypeStart),
			conditionNode("loop", models.PredicateActionOpened),
		},
		Edges: []*models.Edge{
			edge("start", "loop"),
			branchEdge("loop", "loop", models.BranchTrue),
			branchEdge("loop", "loop", models.BranchFalse),
		},
	}

	fixture := newEngineFixture(t, cyclic, WithMaxSteps(10))

	run := fixture.startAndExecute(t)

	stored, err := fixture.persist.RunRepository().RunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusErrored, stored.Status)
	assert.Contains(t, stored.LastError, "steps")
}

func TestExecuteUnknownCurrentNodeErrorsRun(t *testing.T) {
	fixture := newEngineFixture(t, linearGraph())
	ctx := context.Background()

	run, err := fixture.engine.StartRun(ctx, fixture.campaign, fixture.subject)
	require.NoError(t, err)

	run.CurrentNodeID = "missing"
	err = fixture.persist.RunRepository().Advance(ctx, run.ID, "start", "missing", models.RunStatusActive, fixture.clock.Now())
	require.NoError(t, err)

	err = fixture.engine.Execute(ctx, run, &fixture.campaign.Graph)
	require.NoError(t, err)

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusErrored, stored.Status)
}

func TestStartRunWithoutStartNode(t *testing.T) {
	graph := &models.Graph{
		Nodes: []*models.Node{actionNode("welcome", "hi")},
	}
	fixture := newEngineFixture(t, graph)

	_, err := fixture.engine.StartRun(context.Background(), fixture.campaign, fixture.subject)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no start node")
}

func TestConditionMissingBranchFallsBackToFirstEdge(t *testing.T) {
	// Only the true branch is declared. The false outcome must still move
	// the run along the first declared edge instead of stranding it.
	graph := &models.Graph{
		Nodes: []*models.Node{
			node("start", models.NodeTypeStart),
			conditionNode("opened", models.PredicateActionOpened),
			actionNode("reminder", "Did you see our welcome, {{name}}?"),
			node("end", models.NodeTypeEnd),
		},
		Edges: []*models.Edge{
			edge("start", "opened"),
			branchEdge("opened", "reminder", models.BranchTrue),
			edge("reminder", "end"),
		},
	}
	fixture := newEngineFixture(t, graph)

	run := fixture.startAndExecute(t)

	stored, err := fixture.persist.RunRepository().RunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	require.Len(t, fixture.capture.Dispatched(), 1)
}

func TestEventAppendFailureDoesNotBlockWalk(t *testing.T) {
	persist := file.NewPersistence(t.TempDir())
	capture := delivery.NewCaptureDispatcher()
	clock := newTestClock()
	eng := NewEngine(
		&failingEventPersistence{Persistence: persist},
		capture,
		notifier.NewNoopNotifier(),
		slog.Default(),
		WithClock(clock.Now),
	)

	campaign := &models.Campaign{
		ID:     "camp-1",
		Name:   "Welcome series",
		Status: models.CampaignStatusQueued,
		Graph:  *welcomeGraph(),
	}
	subject := models.Subject{ID: "sub-1", Context: map[string]string{"name": "Ada"}}
	ctx := context.Background()

	run, err := eng.StartRun(ctx, campaign, subject)
	require.NoError(t, err)

	err = eng.Execute(ctx, run, &campaign.Graph)
	require.NoError(t, err)

	// The walk moved past the confirmed dispatch and parked on the delay.
	// Returning the append failure instead would leave the run at the action
	// node and replay the send on the next attempt.
	stored, err := persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusActive, stored.Status)
	assert.Equal(t, "wait", stored.CurrentNodeID)
	assert.Len(t, capture.Dispatched(), 1)

	tasks, err := persist.TaskRepository().DueTasks(ctx, clock.now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
