package bus

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/metrics"
	"realtime-service/internal/realtime"
)

func TestTopic_FanOutToEverySubscriber(t *testing.T) {
	topic := NewTopic[domain.RoomCount]("rooms", zap.NewNop())

	var a, b []domain.RoomCount
	topic.Subscribe(func(v domain.RoomCount) { a = append(a, v) })
	unsubB := topic.Subscribe(func(v domain.RoomCount) { b = append(b, v) })

	n := topic.Publish(domain.RoomCount{RoomID: "r1", Count: 2})
	assert.Equal(t, 2, n)

	unsubB()
	unsubB() // idempotent
	topic.Publish(domain.RoomCount{RoomID: "r1", Count: 3})

	assert.Equal(t, []domain.RoomCount{{RoomID: "r1", Count: 2}, {RoomID: "r1", Count: 3}}, a)
	assert.Equal(t, []domain.RoomCount{{RoomID: "r1", Count: 2}}, b)
	assert.Equal(t, 1, topic.Subscribers())
	assert.Equal(t, "rooms", topic.Name())
}

func TestTopic_DeliveryOrderFollowsSubscription(t *testing.T) {
	topic := NewTopic[int]("order", nil)

	var order []string
	topic.Subscribe(func(int) { order = append(order, "first") })
	topic.Subscribe(func(int) { order = append(order, "second") })
	topic.Subscribe(func(int) { order = append(order, "third") })
	topic.Publish(1)

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestTopic_PanickingSubscriberIsIsolated(t *testing.T) {
	topic := NewTopic[int]("panic", zap.NewNop())

	got := 0
	topic.Subscribe(func(int) { panic("boom") })
	topic.Subscribe(func(v int) { got = v })

	var n int
	assert.NotPanics(t, func() { n = topic.Publish(7) })
	assert.Equal(t, 7, got)
	assert.Equal(t, 1, n)
}

func TestTopic_UnsubscribeDuringPublish(t *testing.T) {
	topic := NewTopic[int]("self-removal", nil)

	calls := 0
	var unsub func()
	unsub = topic.Subscribe(func(int) {
		calls++
		unsub()
	})
	topic.Publish(1)
	topic.Publish(2)

	assert.Equal(t, 1, calls)
}

func TestBridge_DecodesPayloadUnchanged(t *testing.T) {
	tr := realtime.NewMockTransport()
	topic := NewTopic[domain.ViewerCount](domain.EventLivestreamViewers, nil)

	var got []domain.ViewerCount
	topic.Subscribe(func(v domain.ViewerCount) { got = append(got, v) })

	stop := Bridge(tr, domain.EventLivestreamViewers, topic, zap.NewNop(), nil)
	tr.Deliver(domain.EventLivestreamViewers, domain.ViewerCount{StreamID: "s1", Viewers: 10, Delta: 1})

	require.Len(t, got, 1)
	assert.Equal(t, domain.ViewerCount{StreamID: "s1", Viewers: 10, Delta: 1}, got[0])

	stop()
	stop()
	assert.Equal(t, 0, tr.Listeners(domain.EventLivestreamViewers))
	tr.Deliver(domain.EventLivestreamViewers, domain.ViewerCount{StreamID: "s1", Viewers: 11})
	assert.Len(t, got, 1)
}

func TestBridge_MalformedPayloadDropped(t *testing.T) {
	tr := realtime.NewMockTransport()
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, nil)
	topic := NewTopic[domain.RoomCount](domain.EventLocationCount, nil)

	calls := 0
	topic.Subscribe(func(domain.RoomCount) { calls++ })
	Bridge(tr, domain.EventLocationCount, topic, nil, m)

	tr.Deliver(domain.EventLocationCount, json.RawMessage(`{"roomId": 12}`))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesMalformedTotal))

	tr.Deliver(domain.EventLocationCount, domain.RoomCount{RoomID: "r", Count: 1})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FanoutEventsTotal.WithLabelValues(domain.EventLocationCount)))
}

func TestBus_AttachMapsEachEventToOneTopic(t *testing.T) {
	tr := realtime.NewMockTransport()
	b := New(zap.NewNop(), nil)
	b.Attach(tr)

	var rooms []domain.RoomCount
	var viewers []domain.ViewerCount
	var status []domain.LivestreamStatus
	var checkins []domain.CheckIn
	var messages []domain.ChatMessage
	var notes []domain.Notification
	b.RoomCounts.Subscribe(func(v domain.RoomCount) { rooms = append(rooms, v) })
	b.Viewers.Subscribe(func(v domain.ViewerCount) { viewers = append(viewers, v) })
	b.StreamStatus.Subscribe(func(v domain.LivestreamStatus) { status = append(status, v) })
	b.CheckIns.Subscribe(func(v domain.CheckIn) { checkins = append(checkins, v) })
	b.Messages.Subscribe(func(v domain.ChatMessage) { messages = append(messages, v) })
	b.Notifications.Subscribe(func(v domain.Notification) { notes = append(notes, v) })

	tr.Deliver(domain.EventLocationCount, domain.RoomCount{RoomID: "r", Count: 3})
	tr.Deliver(domain.EventLivestreamViewers, domain.ViewerCount{StreamID: "s", Viewers: 4})
	tr.Deliver(domain.EventLivestreamStatus, domain.LivestreamStatus{StreamID: "s", Live: true})
	tr.Deliver(domain.EventCheckIn, domain.CheckIn{ID: "c", UserID: "u", RoomID: "r"})
	tr.Deliver(domain.EventMessageNew, domain.ChatMessage{MessageID: "m", ChatID: "c"})
	tr.Deliver(domain.EventNotificationNew, domain.Notification{ID: "n", Kind: "like"})

	assert.Len(t, rooms, 1)
	assert.Len(t, viewers, 1)
	assert.Len(t, status, 1)
	assert.Len(t, checkins, 1)
	assert.Len(t, messages, 1)
	assert.Len(t, notes, 1)
	assert.Equal(t, 3, rooms[0].Count)
	assert.True(t, status[0].Live)

	// re-attaching does not double deliveries
	b.Attach(tr)
	tr.Deliver(domain.EventLocationCount, domain.RoomCount{RoomID: "r", Count: 4})
	assert.Len(t, rooms, 2)

	b.Detach()
	tr.Deliver(domain.EventLocationCount, domain.RoomCount{RoomID: "r", Count: 5})
	assert.Len(t, rooms, 2)
	assert.Equal(t, 0, tr.Listeners(domain.EventLocationCount))
}
