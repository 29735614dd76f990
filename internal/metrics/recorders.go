package metrics

import (
	"time"

	"go.uber.org/zap"
)

// SetConnectionState records the client connection state as a number.
func (m *Metrics) SetConnectionState(state int) {
	m.safeExecute("SetConnectionState", func() {
		m.ConnectionState.Set(float64(state))
	})
}

// IncrementReconnectAttempt counts one scheduled reconnect.
func (m *Metrics) IncrementReconnectAttempt() {
	m.safeExecute("IncrementReconnectAttempt", func() {
		m.ReconnectAttempts.Inc()
	})
}

// IncrementReconnectGiveUp counts one exhausted reconnect budget.
func (m *Metrics) IncrementReconnectGiveUp() {
	m.safeExecute("IncrementReconnectGiveUp", func() {
		m.ReconnectGiveUps.Inc()
	})
}

// RecordEmitDropped counts an emit that returned false.
func (m *Metrics) RecordEmitDropped(reason string) {
	m.safeExecute("RecordEmitDropped", func() {
		m.EmitsDropped.WithLabelValues(reason).Inc()
	})
}

// ObservePing records a ping round trip.
func (m *Metrics) ObservePing(rtt time.Duration) {
	m.safeExecute("ObservePing", func() {
		m.PingRoundTrip.Observe(rtt.Seconds())
	})
}

// RecordFanout counts a socket event re-published on the bus.
func (m *Metrics) RecordFanout(event string) {
	m.safeExecute("RecordFanout", func() {
		m.FanoutEventsTotal.WithLabelValues(event).Inc()
	})
}

// IncrementMalformedFrame counts an inbound frame that failed to decode.
func (m *Metrics) IncrementMalformedFrame() {
	m.safeExecute("IncrementMalformedFrame", func() {
		m.FramesMalformedTotal.Inc()
	})
}

// ObserveLocation records the accuracy of an accepted sample.
func (m *Metrics) ObserveLocation(method string, accuracy float64) {
	m.safeExecute("ObserveLocation", func() {
		m.LocationAccuracy.WithLabelValues(method).Observe(accuracy)
	})
}

// IncrementLocationImprovement counts an accepted watch improvement.
func (m *Metrics) IncrementLocationImprovement() {
	m.safeExecute("IncrementLocationImprovement", func() {
		m.LocationImprovements.Inc()
	})
}

// IncrementLocationFallback counts a degraded acquisition.
func (m *Metrics) IncrementLocationFallback() {
	m.safeExecute("IncrementLocationFallback", func() {
		m.LocationFallbacks.Inc()
	})
}

// RecordWebSocketConnection increments WebSocket connection counters
func (m *Metrics) RecordWebSocketConnection() {
	m.safeExecute("RecordWebSocketConnection", func() {
		m.WSConnectionsTotal.Inc()
		m.WSActiveConnections.Inc()
	})
}

// RecordWebSocketDisconnection decrements active WebSocket connection gauge
func (m *Metrics) RecordWebSocketDisconnection() {
	m.safeExecute("RecordWebSocketDisconnection", func() {
		m.WSActiveConnections.Dec()
	})
}

// SetOnlineUsers sets the online user gauge.
func (m *Metrics) SetOnlineUsers(count int) {
	m.safeExecute("SetOnlineUsers", func() {
		m.OnlineUsers.Set(float64(count))
	})
}

// SetRoomMembers sets the member gauge of one room. Empty rooms are removed
// from the vector so the label set does not grow without bound.
func (m *Metrics) SetRoomMembers(room string, count int) {
	m.safeExecute("SetRoomMembers", func() {
		if count == 0 {
			m.RoomMembers.DeleteLabelValues(room)
			return
		}
		m.RoomMembers.WithLabelValues(room).Set(float64(count))
	})
}

// SetStreamViewers sets the viewer gauge of one livestream.
func (m *Metrics) SetStreamViewers(stream string, count int) {
	m.safeExecute("SetStreamViewers", func() {
		m.StreamViewers.WithLabelValues(stream).Set(float64(count))
	})
}

// IncrementFramesDropped counts an outbound frame dropped on a full buffer.
func (m *Metrics) IncrementFramesDropped() {
	m.safeExecute("IncrementFramesDropped", func() {
		m.FramesDropped.Inc()
	})
}

// safeExecute wraps metric operations with panic recovery
func (m *Metrics) safeExecute(operation string, fn func()) {
	if m == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.Error("Panic in metrics operation",
					zap.String("operation", operation),
					zap.Any("panic", r),
				)
			}
		}
	}()
	fn()
}
