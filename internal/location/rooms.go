package location

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
)

// Rooms tracks the single location room this session belongs to.
type Rooms struct {
	logger *zap.Logger

	mu        sync.Mutex
	transport realtime.Transport
	connectID realtime.ListenerID
	current   string
	lat, lng  float64
}

func NewRooms(logger *zap.Logger) *Rooms {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rooms{logger: logger}
}

// Attach sends membership changes through tr and re-joins the current room
// every time tr (re)connects.
func (r *Rooms) Attach(tr realtime.Transport) {
	r.Detach()
	id := tr.On(domain.EventConnect, func(json.RawMessage) { r.Rejoin() })

	r.mu.Lock()
	r.transport = tr
	r.connectID = id
	r.mu.Unlock()
}

func (r *Rooms) Detach() {
	r.mu.Lock()
	tr, id := r.transport, r.connectID
	r.transport = nil
	r.mu.Unlock()

	if tr != nil {
		tr.Off(domain.EventConnect, id)
	}
}

// Move places the session in the room for (lat, lng). Changing rooms emits a
// leave for the old room before the join. It reports whether the room
// changed.
func (r *Rooms) Move(lat, lng float64) bool {
	room := domain.RoomID(lat, lng)

	r.mu.Lock()
	defer r.mu.Unlock()
	if room == r.current {
		return false
	}
	prev := r.current
	r.current, r.lat, r.lng = room, lat, lng

	if r.transport == nil {
		return true
	}
	if prev != "" {
		r.transport.Emit(domain.EventLocationLeave, domain.RoomLeave{RoomID: prev})
	}
	if !r.transport.Emit(domain.EventLocationJoin, domain.RoomJoin{RoomID: room, Latitude: lat, Longitude: lng}) {
		r.logger.Debug("Room join not sent, will retry on reconnect", zap.String("room_id", room))
	}
	return true
}

// Leave drops the current membership, if any.
func (r *Rooms) Leave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return
	}
	if r.transport != nil {
		r.transport.Emit(domain.EventLocationLeave, domain.RoomLeave{RoomID: r.current})
	}
	r.current = ""
}

// Rejoin repeats the join for the current room. The gateway forgets
// membership when a socket drops.
func (r *Rooms) Rejoin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" || r.transport == nil {
		return
	}
	r.transport.Emit(domain.EventLocationJoin, domain.RoomJoin{RoomID: r.current, Latitude: r.lat, Longitude: r.lng})
}

func (r *Rooms) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
