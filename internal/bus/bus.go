package bus

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/metrics"
	"realtime-service/internal/realtime"
)

// Source is the part of the connection manager a bridge listens on.
type Source interface {
	On(event string, fn realtime.Handler) realtime.ListenerID
	Off(event string, id realtime.ListenerID)
}

// Bridge maps one socket event onto one topic. The payload is decoded into T
// unchanged in shape; payloads that do not decode are logged and dropped.
// The returned function removes the socket listener.
func Bridge[T any](src Source, event string, topic *Topic[T], logger *zap.Logger, m *metrics.Metrics) (stop func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := src.On(event, func(data json.RawMessage) {
		var v T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				logger.Warn("Dropping malformed event payload",
					zap.String("event", event),
					zap.Error(err))
				m.IncrementMalformedFrame()
				return
			}
		}
		m.RecordFanout(event)
		topic.Publish(v)
	})

	var once sync.Once
	return func() {
		once.Do(func() { src.Off(event, id) })
	}
}

// Bus bundles the application topics of one session.
type Bus struct {
	RoomCounts    *Topic[domain.RoomCount]
	Viewers       *Topic[domain.ViewerCount]
	StreamStatus  *Topic[domain.LivestreamStatus]
	CheckIns      *Topic[domain.CheckIn]
	Messages      *Topic[domain.ChatMessage]
	Notifications *Topic[domain.Notification]

	// Local topics; nothing on the socket feeds these directly.
	Presence *Topic[domain.PeerPresence]
	Location *Topic[domain.LocationSample]

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	stops []func()
}

func New(logger *zap.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		RoomCounts:    NewTopic[domain.RoomCount](domain.EventLocationCount, logger),
		Viewers:       NewTopic[domain.ViewerCount](domain.EventLivestreamViewers, logger),
		StreamStatus:  NewTopic[domain.LivestreamStatus](domain.EventLivestreamStatus, logger),
		CheckIns:      NewTopic[domain.CheckIn](domain.EventCheckIn, logger),
		Messages:      NewTopic[domain.ChatMessage](domain.EventMessageNew, logger),
		Notifications: NewTopic[domain.Notification](domain.EventNotificationNew, logger),
		Presence:      NewTopic[domain.PeerPresence]("presence", logger),
		Location:      NewTopic[domain.LocationSample]("location", logger),
		logger:        logger,
		metrics:       m,
	}
}

// Attach bridges every socket event of the table onto its topic. Calling it
// again first removes the previous bridges.
func (b *Bus) Attach(src Source) {
	b.Detach()

	stops := []func(){
		Bridge(src, domain.EventLocationCount, b.RoomCounts, b.logger, b.metrics),
		Bridge(src, domain.EventLivestreamViewers, b.Viewers, b.logger, b.metrics),
		Bridge(src, domain.EventLivestreamStatus, b.StreamStatus, b.logger, b.metrics),
		Bridge(src, domain.EventCheckIn, b.CheckIns, b.logger, b.metrics),
		Bridge(src, domain.EventMessageNew, b.Messages, b.logger, b.metrics),
		Bridge(src, domain.EventNotificationNew, b.Notifications, b.logger, b.metrics),
	}

	b.mu.Lock()
	b.stops = stops
	b.mu.Unlock()
}

func (b *Bus) Detach() {
	b.mu.Lock()
	stops := b.stops
	b.stops = nil
	b.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}
