// internal/domain/event.go
package domain

import "encoding/json"

// Local lifecycle events. The connection manager dispatches these itself;
// they never travel over the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Wire events shared by the client and the gateway.
const (
	EventPing = "ping"
	EventAck  = "ack"

	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
	EventUsersOnline    = "users:online"
	EventPresenceUpdate = "presence:update"

	EventLocationJoin  = "location:join"
	EventLocationLeave = "location:leave"
	EventLocationCount = "location:count"
	EventCheckIn       = "checkin:new"

	EventLivestreamJoin    = "livestream:join"
	EventLivestreamLeave   = "livestream:leave"
	EventLivestreamViewers = "livestream:viewers"
	EventLivestreamStatus  = "livestream:status"

	EventMessageNew      = "message:new"
	EventNotificationNew = "notification:new"

	EventError = "error"
)

// Frame is the single envelope every WebSocket text message uses.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    uint64          `json:"id,omitempty"`
}

// NewFrame encodes data into a frame. A nil data leaves Data empty.
func NewFrame(event string, data interface{}) (Frame, error) {
	f := Frame{Event: event}
	if data == nil {
		return f, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return f, err
	}
	f.Data = b
	return f, nil
}

// ErrorPayload is sent by the gateway when it rejects an inbound frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Scope selects which connections a relayed frame is delivered to.
type Scope string

const (
	ScopeAll  Scope = "all"
	ScopeRoom Scope = "room"
	ScopeUser Scope = "user"
)

// Envelope carries a frame between gateway instances.
type Envelope struct {
	Origin string `json:"origin"`
	Scope  Scope  `json:"scope"`
	Target string `json:"target,omitempty"`
	Frame  Frame  `json:"frame"`
}
