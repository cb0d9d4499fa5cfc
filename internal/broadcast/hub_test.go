package broadcast

import (
	"testing"
	"time"

	"github.com/mooncorn/gsfleet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func workerEvent(id string, status models.StatusType) StatusEvent {
	return StatusEvent{
		EntityType: models.EntityWorker,
		Identifier: id,
		StatusType: status,
		ClassName:  "InternalStatusInfo",
		AsOf:       time.Now().UTC(),
	}
}

func Test_HubSubjectDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())

	matching := hub.Subscribe("WORKER.5")
	other := hub.Subscribe("WORKER.6")
	defer hub.Unsubscribe("WORKER.6", other)

	hub.Publish(workerEvent("5", models.StatusRunning))

	select {
	case ev := <-matching:
		assert.Equal(t, "WORKER.5", ev.Subject())
		assert.Equal(t, models.StatusRunning, ev.StatusType)
	case <-time.After(time.Second):
		t.Fatal("subject subscriber did not receive the event")
	}

	select {
	case ev := <-other:
		t.Fatalf("subscriber for another subject received %v", ev)
	default:
	}

	hub.Unsubscribe("WORKER.5", matching)
	_, open := <-matching
	assert.False(t, open, "unsubscribe should close the channel")
}

func Test_HubFirehose(t *testing.T) {
	hub := NewHub(zap.NewNop())

	all := hub.Subscribe(SubjectAll)
	defer hub.Unsubscribe(SubjectAll, all)

	hub.Publish(workerEvent("5", models.StatusCreated))
	hub.Publish(StatusEvent{
		EntityType: models.EntityGameServerInstance,
		Identifier: "42",
		StatusType: models.StatusComplete,
	})

	require.Len(t, all, 2, "the firehose should see every subject")
	first := <-all
	second := <-all
	assert.Equal(t, "WORKER.5", first.Subject())
	assert.Equal(t, "GAME_SERVER_INSTANCE.42", second.Subject())
}

func Test_HubSlowSubscriberDrops(t *testing.T) {
	hub := NewHub(zap.NewNop())

	ch := hub.Subscribe("WORKER.5")
	defer hub.Unsubscribe("WORKER.5", ch)

	// Publishing past the buffer must not block.
	for i := 0; i < 25; i++ {
		hub.Publish(workerEvent("5", models.StatusRunning))
	}

	assert.Len(t, ch, 10, "overflow events are dropped, not queued")
}

func Test_HubSubscriberCounts(t *testing.T) {
	hub := NewHub(zap.NewNop())

	a := hub.Subscribe("WORKER.5")
	b := hub.Subscribe("WORKER.5")
	c := hub.Subscribe(SubjectAll)

	assert.Equal(t, 2, hub.SubscriberCount("WORKER.5"))
	assert.Equal(t, 1, hub.SubscriberCount(SubjectAll))
	assert.Equal(t, 0, hub.SubscriberCount("WORKER.6"))
	assert.Equal(t, 3, hub.TotalSubscriberCount())

	hub.Unsubscribe("WORKER.5", a)
	hub.Unsubscribe("WORKER.5", b)
	hub.Unsubscribe(SubjectAll, c)
	assert.Equal(t, 0, hub.TotalSubscriberCount())
}
