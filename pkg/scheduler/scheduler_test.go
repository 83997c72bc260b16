package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driply/driply/pkg/campaign"
	"github.com/driply/driply/pkg/delivery"
	"github.com/driply/driply/pkg/engine"
	"github.com/driply/driply/pkg/eventbus"
	"github.com/driply/driply/pkg/events"
	"github.com/driply/driply/pkg/models"
	"github.com/driply/driply/pkg/notifier"
	"github.com/driply/driply/pkg/persistence"
	"github.com/driply/driply/pkg/persistence/file"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.published = append(p.published, event)

	return nil
}

func (p *recordingPublisher) events() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]eventbus.Event, len(p.published))
	copy(out, p.published)

	return out
}

type schedulerFixture struct {
	scheduler *Scheduler
	persist   *file.Persistence
	capture   *delivery.CaptureDispatcher
	publisher *recordingPublisher
	now       time.Time
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())
	capture := delivery.NewCaptureDispatcher()
	publisher := &recordingPublisher{}
	logger := slog.Default()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	campaigns := campaign.NewRepository(persist.CampaignRepository())
	eng := engine.NewEngine(persist, capture, notifier.NewNoopNotifier(), logger, engine.WithClock(clock))

	sched := NewScheduler(persist, campaigns, eng, publisher, logger, WithClock(clock))

	return &schedulerFixture{
		scheduler: sched,
		persist:   persist,
		capture:   capture,
		publisher: publisher,
		now:       now,
	}
}

// resumeGraph is the back half of a delayed flow: the parked delay node, a
// follow-up action, then the end.
func resumeGraph() *models.Graph {
	return &models.Graph{
		Nodes: []*models.Node{
			{ID: "wait", Type: models.NodeTypeDelay, Delay: &models.DelayNode{Amount: 1, Unit: models.DelayUnitDays}},
			{ID: "reminder", Type: models.NodeTypeAction, Action: &models.ActionNode{Subject: "Reminder", Content: "Hi again"}},
			{ID: "end", Type: models.NodeTypeEnd},
		},
		Edges: []*models.Edge{
			{Source: "wait", Target: "reminder"},
			{Source: "reminder", Target: "end"},
		},
	}
}

func (f *schedulerFixture) parkRun(t *testing.T, executeAt time.Time) (*models.Run, *models.DeferredTask) {
	t.Helper()

	ctx := context.Background()
	run := models.NewRun("camp-1", models.Subject{ID: "sub-1"}, "wait", f.now.Add(-time.Hour))
	require.NoError(t, f.persist.RunRepository().Create(ctx, run))

	task := models.NewDeferredTask(run, "wait", "reminder", resumeGraph(), executeAt, f.now.Add(-time.Hour))
	require.NoError(t, f.persist.TaskRepository().Create(ctx, task))

	return run, task
}

func scheduledCampaign(at time.Time) *models.Campaign {
	return &models.Campaign{
		ID:     "camp-1",
		Name:   "Welcome series",
		Status: models.CampaignStatusScheduled,
		Graph: models.Graph{
			Nodes: []*models.Node{
				{ID: "start", Type: models.NodeTypeStart},
				{ID: "end", Type: models.NodeTypeEnd},
			},
			Edges: []*models.Edge{{Source: "start", Target: "end"}},
		},
		Subjects: []models.Subject{
			{ID: "sub-1", Context: map[string]string{"name": "Ada"}},
			{ID: "sub-2", Context: map[string]string{"name": "Grace"}},
		},
		ScheduledAt: &at,
	}
}

func TestPollPromotesDueCampaign(t *testing.T) {
	fixture := newSchedulerFixture(t)
	ctx := context.Background()

	definition := scheduledCampaign(fixture.now.Add(-time.Minute))
	require.NoError(t, fixture.persist.CampaignRepository().Save(ctx, definition))

	require.NoError(t, fixture.scheduler.Poll(ctx))

	published := fixture.publisher.events()
	require.Len(t, published, 2)

	subjects := make([]string, 0, len(published))

	for _, event := range published {
		request, ok := event.(events.RunStartRequested)
		require.True(t, ok)
		assert.Equal(t, "camp-1", request.CampaignID)
		subjects = append(subjects, request.SubjectID)
	}

	assert.ElementsMatch(t, []string{"sub-1", "sub-2"}, subjects)

	stored, err := fixture.persist.CampaignRepository().CampaignByID(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusQueued, stored.Status)
}

func TestPollSkipsFutureCampaign(t *testing.T) {
	fixture := newSchedulerFixture(t)
	ctx := context.Background()

	definition := scheduledCampaign(fixture.now.Add(time.Hour))
	require.NoError(t, fixture.persist.CampaignRepository().Save(ctx, definition))

	require.NoError(t, fixture.scheduler.Poll(ctx))

	assert.Empty(t, fixture.publisher.events())

	stored, err := fixture.persist.CampaignRepository().CampaignByID(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusScheduled, stored.Status)
}

func TestPollResumesDueTask(t *testing.T) {
	fixture := newSchedulerFixture(t)
	ctx := context.Background()

	run, task := fixture.parkRun(t, fixture.now.Add(-time.Minute))

	require.NoError(t, fixture.scheduler.Poll(ctx))

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Len(t, fixture.capture.Dispatched(), 1)

	pending, err := fixture.persist.TaskRepository().CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "task %s should be deleted after resumption", task.ID)
}

func TestPollLeavesFutureTask(t *testing.T) {
	fixture := newSchedulerFixture(t)
	ctx := context.Background()

	run, _ := fixture.parkRun(t, fixture.now.Add(time.Hour))

	require.NoError(t, fixture.scheduler.Poll(ctx))

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "wait", stored.CurrentNodeID)
	assert.Empty(t, fixture.capture.Dispatched())
}

func TestPollReschedulesFailedResumption(t *testing.T) {
	fixture := newSchedulerFixture(t)
	fixture.capture.FailWith(delivery.NewTransientError(assert.AnError))
	ctx := context.Background()

	_, task := fixture.parkRun(t, fixture.now.Add(-time.Minute))

	require.NoError(t, fixture.scheduler.Poll(ctx))

	due, err := fixture.persist.TaskRepository().DueTasks(ctx, fixture.now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].ID)
	assert.Equal(t, 1, due[0].RetryCount)
	assert.Equal(t, fixture.now.Add(2*time.Minute), due[0].ExecuteAt)
	assert.NotEmpty(t, due[0].LastError)
}

func TestResumptionExhaustionRecordsFailure(t *testing.T) {
	fixture := newSchedulerFixture(t)
	fixture.capture.FailWith(delivery.NewTransientError(assert.AnError))
	ctx := context.Background()

	run, task := fixture.parkRun(t, fixture.now.Add(-time.Minute))
	task.RetryCount = DefaultMaxResumeRetries
	require.NoError(t, fixture.persist.TaskRepository().Update(ctx, task))

	require.NoError(t, fixture.scheduler.Poll(ctx))

	failed, err := fixture.persist.TaskRepository().FailedTasks(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, run.ID, failed[0].RunID)
	assert.Equal(t, DefaultMaxResumeRetries, failed[0].TotalRetries)

	pending, err := fixture.persist.TaskRepository().CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	stored, err := fixture.persist.RunRepository().RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusErrored, stored.Status)
}

func TestStatus(t *testing.T) {
	fixture := newSchedulerFixture(t)
	ctx := context.Background()

	definition := scheduledCampaign(fixture.now.Add(time.Hour))
	require.NoError(t, fixture.persist.CampaignRepository().Save(ctx, definition))
	fixture.parkRun(t, fixture.now.Add(time.Hour))

	require.NoError(t, fixture.scheduler.Poll(ctx))

	status, err := fixture.scheduler.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ScheduledCampaigns)
	assert.Zero(t, status.QueuedCampaigns)
	assert.Equal(t, 1, status.PendingTasks)
	assert.Zero(t, status.FailedTasks)
	assert.Equal(t, fixture.now, status.LastPollAt)
	assert.Empty(t, status.LastPollError)
}

func TestCleanupOldRecords(t *testing.T) {
	fixture := newSchedulerFixture(t)
	ctx := context.Background()

	oldCompleted := fixture.now.Add(-60 * 24 * time.Hour)
	run := models.NewRun("camp-1", models.Subject{ID: "sub-old"}, "end", oldCompleted)
	run.Status = models.RunStatusCompleted
	run.CompletedAt = &oldCompleted
	require.NoError(t, fixture.persist.RunRepository().Create(ctx, run))

	recent := models.NewRun("camp-1", models.Subject{ID: "sub-new"}, "end", fixture.now)
	recent.Status = models.RunStatusCompleted
	recent.CompletedAt = &fixture.now
	require.NoError(t, fixture.persist.RunRepository().Create(ctx, recent))

	oldFailure := &models.FailedTask{
		ID:         "failed-old",
		CampaignID: "camp-1",
		FinalError: "boom",
		FailedAt:   oldCompleted,
	}
	require.NoError(t, fixture.persist.TaskRepository().RecordFailure(ctx, oldFailure))

	result, err := fixture.scheduler.CleanupOldRecords(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CompletedRuns)
	assert.Equal(t, 1, result.FailedTasks)

	_, err = fixture.persist.RunRepository().RunByID(ctx, recent.ID)
	assert.NoError(t, err)

	_, err = fixture.persist.RunRepository().RunByID(ctx, run.ID)
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
}
