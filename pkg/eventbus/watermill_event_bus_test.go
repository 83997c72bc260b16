package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driply/driply/pkg/channels/gochannel"
	"github.com/driply/driply/pkg/eventbus"
	"github.com/driply/driply/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestPublishReachesRegisteredHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	received := make(chan *events.RunStartRequested, 1)

	err := bus.Handle(events.RunStartRequestedEvent, func(_ context.Context, event any) error {
		request, ok := event.(*events.RunStartRequested)
		require.True(t, ok)

		received <- request

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	request := events.RunStartRequested{
		BaseEvent:      events.NewBaseEvent(events.RunStartRequestedEvent, "camp-1"),
		SubjectID:      "subj-1",
		SubjectContext: map[string]string{"name": "Ada"},
	}

	require.NoError(t, bus.Publish(ctx, "camp-1", request))

	select {
	case got := <-received:
		assert.Equal(t, "camp-1", got.CampaignID)
		assert.Equal(t, "subj-1", got.SubjectID)
		assert.Equal(t, "Ada", got.SubjectContext["name"])
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the published event")
	}
}

func TestEventWithoutHandlerIsAcked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	started := make(chan *events.RunStartRequested, 1)

	err := bus.Handle(events.RunStartRequestedEvent, func(_ context.Context, event any) error {
		request, ok := event.(*events.RunStartRequested)
		require.True(t, ok)

		started <- request

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered for this type; it must be acked and skipped,
	// not block the stream.
	completed := events.RunCompleted{
		BaseEvent: events.NewBaseEvent(events.RunCompletedEvent, "camp-1"),
		RunID:     "run-1",
		SubjectID: "subj-1",
	}
	require.NoError(t, bus.Publish(ctx, "camp-1", completed))

	request := events.RunStartRequested{
		BaseEvent: events.NewBaseEvent(events.RunStartRequestedEvent, "camp-1"),
		SubjectID: "subj-1",
	}
	require.NoError(t, bus.Publish(ctx, "camp-1", request))

	select {
	case got := <-started:
		assert.Equal(t, "subj-1", got.SubjectID)
	case <-time.After(5 * time.Second):
		t.Fatal("unhandled event blocked the subscription")
	}
}

func TestGenerateIDIsUnique(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
