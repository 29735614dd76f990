// Package gateway is the server side of the realtime protocol. The Hub
// tracks every socket, derives presence from per-user connection counts,
// keeps location rooms and livestream audiences, and fans frames out
// locally and to other instances.
package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/metrics"
)

const (
	storeTimeout      = 2 * time.Second
	defaultSendBuffer = 256
)

// Relay publishes frames to other gateway instances.
type Relay interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

// PresenceStore mirrors online users outside this process.
type PresenceStore interface {
	SetStatus(ctx context.Context, userID string, status domain.PresenceStatus) error
	SetOffline(ctx context.Context, userID string) error
	Online(ctx context.Context) ([]string, error)
}

type Options struct {
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Relay      Relay
	Store      PresenceStore
	SendBuffer int
	Now        func() time.Time
}

type Hub struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	relay      Relay
	store      PresenceStore
	sendBuffer int
	now        func() time.Time

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	users    map[string]int
	statuses map[string]domain.PresenceStatus
	rooms    map[string]map[*Client]struct{}
	streams  map[string]map[*Client]struct{}
	external map[string]int
	live     map[string]bool
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		relay:      opts.Relay,
		store:      opts.Store,
		sendBuffer: opts.SendBuffer,
		now:        opts.Now,
		clients:    make(map[*Client]struct{}),
		users:      make(map[string]int),
		statuses:   make(map[string]domain.PresenceStatus),
		rooms:      make(map[string]map[*Client]struct{}),
		streams:    make(map[string]map[*Client]struct{}),
		external:   make(map[string]int),
		live:       make(map[string]bool),
	}
}

// register adds c. The first socket of a user announces them online; every
// new socket receives the current online snapshot.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.users[c.userID]++
	first := h.users[c.userID] == 1
	if first {
		h.statuses[c.userID] = domain.PresenceOnline
	}
	online := len(h.users)
	h.mu.Unlock()

	h.metrics.RecordWebSocketConnection()
	h.metrics.SetOnlineUsers(online)
	h.logger.Info("Client registered",
		zap.String("connection_id", c.id),
		zap.String("user_id", c.userID),
		zap.Bool("first_connection", first))

	if first {
		h.storeStatus(c.userID, domain.PresenceOnline)
		h.broadcast(domain.ScopeAll, "", domain.EventUserOnline,
			domain.UserStatusEvent{UserID: c.userID, Status: domain.PresenceOnline}, true)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	h.send(c, domain.EventUsersOnline, domain.OnlineSnapshot{Users: h.OnlineUsers(ctx)})
}

// unregister removes c and everything it was part of. The last socket of a
// user announces them offline.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)

	room := c.room
	roomCount := h.leaveRoomLocked(c)

	var streamCounts []domain.ViewerCount
	for streamID := range c.streams {
		if vc, changed := h.leaveStreamLocked(c, streamID); changed {
			streamCounts = append(streamCounts, vc)
		}
	}

	h.users[c.userID]--
	last := h.users[c.userID] <= 0
	if last {
		delete(h.users, c.userID)
		delete(h.statuses, c.userID)
	}
	online := len(h.users)
	h.mu.Unlock()

	c.close()
	h.metrics.RecordWebSocketDisconnection()
	h.metrics.SetOnlineUsers(online)

	if room != "" {
		h.metrics.SetRoomMembers(room, roomCount)
		h.broadcast(domain.ScopeRoom, room, domain.EventLocationCount, domain.RoomCount{RoomID: room, Count: roomCount}, false)
	}
	for _, vc := range streamCounts {
		h.metrics.SetStreamViewers(vc.StreamID, vc.Viewers)
		h.broadcast(domain.ScopeAll, "", domain.EventLivestreamViewers, vc, false)
	}

	h.logger.Info("Client unregistered",
		zap.String("connection_id", c.id),
		zap.String("user_id", c.userID),
		zap.Bool("still_online", !last))

	if last {
		h.storeOffline(c.userID)
		seen := h.now()
		h.broadcast(domain.ScopeAll, "", domain.EventUserOffline,
			domain.UserStatusEvent{UserID: c.userID, Status: domain.PresenceOffline, LastSeen: &seen}, true)
	}
}

func (h *Hub) handleFrame(c *Client, frame domain.Frame) {
	switch frame.Event {
	case domain.EventPing:
		h.sendFrame(c, domain.Frame{Event: domain.EventAck, ID: frame.ID})
	case domain.EventPresenceUpdate:
		var p domain.UserStatusEvent
		if h.decode(c, frame, &p) {
			h.updateStatus(c, p.Status)
		}
	case domain.EventLocationJoin:
		var p domain.RoomJoin
		if h.decode(c, frame, &p) {
			h.joinRoom(c, p)
		}
	case domain.EventLocationLeave:
		var p domain.RoomLeave
		if h.decode(c, frame, &p) {
			h.leaveRoom(c, p.RoomID)
		}
	case domain.EventCheckIn:
		var p domain.CheckIn
		if h.decode(c, frame, &p) {
			h.checkIn(c, p)
		}
	case domain.EventLivestreamJoin:
		var p domain.StreamRef
		if h.decode(c, frame, &p) {
			h.joinStream(c, p.StreamID)
		}
	case domain.EventLivestreamLeave:
		var p domain.StreamRef
		if h.decode(c, frame, &p) {
			h.leaveStream(c, p.StreamID)
		}
	default:
		h.logger.Warn("Unknown event", zap.String("event", frame.Event), zap.String("user_id", c.userID))
		h.sendError(c, "UNKNOWN_EVENT", "unknown event "+frame.Event)
	}
}

func (h *Hub) updateStatus(c *Client, status domain.PresenceStatus) {
	if !status.Valid() {
		h.sendError(c, "INVALID_STATUS", "unknown presence status")
		return
	}

	h.mu.Lock()
	if _, online := h.users[c.userID]; !online {
		h.mu.Unlock()
		return
	}
	h.statuses[c.userID] = status
	h.mu.Unlock()

	if status == domain.PresenceOffline {
		h.storeOffline(c.userID)
	} else {
		h.storeStatus(c.userID, status)
	}
	h.broadcast(domain.ScopeAll, "", domain.EventPresenceUpdate,
		domain.UserStatusEvent{UserID: c.userID, Status: status}, true)
}

func (h *Hub) joinRoom(c *Client, p domain.RoomJoin) {
	roomID := p.RoomID
	if roomID == "" {
		roomID = domain.RoomID(p.Latitude, p.Longitude)
	}
	if !validRoomID(roomID) {
		h.sendError(c, "INVALID_ROOM", "invalid room id")
		return
	}

	h.mu.Lock()
	if c.room == roomID {
		count := len(h.rooms[roomID])
		h.mu.Unlock()
		h.send(c, domain.EventLocationCount, domain.RoomCount{RoomID: roomID, Count: count})
		return
	}
	prev := c.room
	prevCount := h.leaveRoomLocked(c)
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
	c.room = roomID
	count := len(members)
	h.mu.Unlock()

	if prev != "" {
		h.metrics.SetRoomMembers(prev, prevCount)
		h.broadcast(domain.ScopeRoom, prev, domain.EventLocationCount, domain.RoomCount{RoomID: prev, Count: prevCount}, false)
	}
	h.metrics.SetRoomMembers(roomID, count)
	h.broadcast(domain.ScopeRoom, roomID, domain.EventLocationCount, domain.RoomCount{RoomID: roomID, Count: count}, false)
}

func (h *Hub) leaveRoom(c *Client, roomID string) {
	h.mu.Lock()
	if c.room == "" || (roomID != "" && roomID != c.room) {
		h.mu.Unlock()
		return
	}
	room := c.room
	count := h.leaveRoomLocked(c)
	h.mu.Unlock()

	h.metrics.SetRoomMembers(room, count)
	h.broadcast(domain.ScopeRoom, room, domain.EventLocationCount, domain.RoomCount{RoomID: room, Count: count}, false)
}

// leaveRoomLocked removes c from its room and returns the room's remaining
// member count.
func (h *Hub) leaveRoomLocked(c *Client) int {
	if c.room == "" {
		return 0
	}
	members := h.rooms[c.room]
	delete(members, c)
	count := len(members)
	if count == 0 {
		delete(h.rooms, c.room)
	}
	c.room = ""
	return count
}

func (h *Hub) checkIn(c *Client, p domain.CheckIn) {
	h.mu.RLock()
	room := c.room
	h.mu.RUnlock()

	if room == "" && (p.Latitude != 0 || p.Longitude != 0) {
		room = domain.RoomID(p.Latitude, p.Longitude)
	}
	if room == "" {
		h.sendError(c, "NOT_IN_ROOM", "join a location room before checking in")
		return
	}

	ci := domain.CheckIn{
		ID:        uuid.NewString(),
		UserID:    c.userID,
		RoomID:    room,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Note:      p.Note,
		CreatedAt: h.now().UTC(),
	}
	h.broadcast(domain.ScopeRoom, room, domain.EventCheckIn, ci, true)
}

func (h *Hub) joinStream(c *Client, streamID string) {
	if streamID == "" {
		h.sendError(c, "INVALID_STREAM", "streamId is required")
		return
	}

	h.mu.Lock()
	if _, already := c.streams[streamID]; already {
		vc := domain.ViewerCount{StreamID: streamID, Viewers: h.viewersLocked(streamID)}
		h.mu.Unlock()
		h.send(c, domain.EventLivestreamViewers, vc)
		return
	}
	before := h.viewersLocked(streamID)
	audience := h.streams[streamID]
	if audience == nil {
		audience = make(map[*Client]struct{})
		h.streams[streamID] = audience
	}
	audience[c] = struct{}{}
	c.streams[streamID] = struct{}{}
	after := h.viewersLocked(streamID)
	h.mu.Unlock()

	vc := domain.ViewerCount{StreamID: streamID, Viewers: after, Delta: after - before}
	h.metrics.SetStreamViewers(streamID, after)
	if vc.Delta == 0 {
		h.send(c, domain.EventLivestreamViewers, vc)
		return
	}
	h.broadcast(domain.ScopeAll, "", domain.EventLivestreamViewers, vc, false)
}

func (h *Hub) leaveStream(c *Client, streamID string) {
	h.mu.Lock()
	vc, changed := h.leaveStreamLocked(c, streamID)
	h.mu.Unlock()

	if changed {
		h.metrics.SetStreamViewers(streamID, vc.Viewers)
		h.broadcast(domain.ScopeAll, "", domain.EventLivestreamViewers, vc, false)
	}
}

func (h *Hub) leaveStreamLocked(c *Client, streamID string) (domain.ViewerCount, bool) {
	if _, ok := c.streams[streamID]; !ok {
		return domain.ViewerCount{}, false
	}
	before := h.viewersLocked(streamID)
	delete(c.streams, streamID)
	audience := h.streams[streamID]
	delete(audience, c)
	if len(audience) == 0 {
		delete(h.streams, streamID)
	}
	after := h.viewersLocked(streamID)
	return domain.ViewerCount{StreamID: streamID, Viewers: after, Delta: after - before}, after != before
}

// viewersLocked is the larger of the local audience and the last count
// reconciled from the media server.
func (h *Hub) viewersLocked(streamID string) int {
	local := len(h.streams[streamID])
	if ext := h.external[streamID]; ext > local {
		return ext
	}
	return local
}

// ReconcileStream applies a participant count and live flag observed on the
// media server, broadcasting whatever changed.
func (h *Hub) ReconcileStream(streamID string, participants int, live bool) {
	h.mu.Lock()
	before := h.viewersLocked(streamID)
	if participants > 0 {
		h.external[streamID] = participants
	} else {
		delete(h.external, streamID)
	}
	after := h.viewersLocked(streamID)
	wasLive, known := h.live[streamID]
	if live {
		h.live[streamID] = true
	} else {
		delete(h.live, streamID)
	}
	h.mu.Unlock()

	if after != before {
		h.metrics.SetStreamViewers(streamID, after)
		h.broadcast(domain.ScopeAll, "", domain.EventLivestreamViewers,
			domain.ViewerCount{StreamID: streamID, Viewers: after, Delta: after - before}, false)
	}
	if live != (known && wasLive) {
		h.broadcast(domain.ScopeAll, "", domain.EventLivestreamStatus,
			domain.LivestreamStatus{StreamID: streamID, Live: live}, true)
	}
}

// LiveStreams returns the ids of streams currently marked live.
func (h *Hub) LiveStreams() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.live))
	for id := range h.live {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Notify delivers a frame to every socket of userID, on this instance and
// on every other instance.
func (h *Hub) Notify(userID, event string, data interface{}) {
	h.broadcast(domain.ScopeUser, userID, event, data, true)
}

// OnlineUsers returns the sorted online user ids. With a presence store the
// cluster-wide set is returned; on store failure the local set is used.
// Users who set themselves offline on this instance are left out even while
// their sockets stay open.
func (h *Hub) OnlineUsers(ctx context.Context) []string {
	var remote []string
	if h.store != nil {
		ids, err := h.store.Online(ctx)
		if err != nil {
			h.logger.Warn("Presence store unavailable, using local presence", zap.Error(err))
		} else {
			remote = ids
		}
	}

	local, hidden := h.localOnline()
	out := make([]string, 0, len(remote))
	for _, id := range remote {
		if _, ok := hidden[id]; !ok {
			out = append(out, id)
		}
	}
	return mergeSorted(out, local)
}

// localOnline splits local users into the visible ones and those whose
// status is offline.
func (h *Hub) localOnline() ([]string, map[string]struct{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.users))
	hidden := make(map[string]struct{})
	for id := range h.users {
		if h.statuses[id] == domain.PresenceOffline {
			hidden[id] = struct{}{}
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, hidden
}

// Status returns the local status of userID. ok is false when the user has
// no socket on this instance.
func (h *Hub) Status(userID string) (domain.PresenceStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.statuses[userID]
	return s, ok
}

func (h *Hub) RoomCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) StreamViewers(streamID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.viewersLocked(streamID)
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastSnapshot sends the online snapshot to every local socket.
func (h *Hub) BroadcastSnapshot(ctx context.Context) int {
	snap := domain.OnlineSnapshot{Users: h.OnlineUsers(ctx)}
	h.broadcast(domain.ScopeAll, "", domain.EventUsersOnline, snap, false)
	return len(snap.Users)
}

// RefreshPresence re-writes every local user's status so store entries do
// not expire while the user stays connected.
func (h *Hub) RefreshPresence(ctx context.Context) int {
	if h.store == nil {
		return 0
	}
	h.mu.RLock()
	statuses := make(map[string]domain.PresenceStatus, len(h.statuses))
	for id, s := range h.statuses {
		statuses[id] = s
	}
	h.mu.RUnlock()

	refreshed := 0
	for id, s := range statuses {
		if s == domain.PresenceOffline {
			continue
		}
		if err := h.store.SetStatus(ctx, id, s); err != nil {
			h.logger.Warn("Failed to refresh presence", zap.String("user_id", id), zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed
}

// DeliverRemote hands an envelope received from another instance to the
// local sockets it targets.
func (h *Hub) DeliverRemote(env domain.Envelope) {
	b, err := json.Marshal(env.Frame)
	if err != nil {
		return
	}
	h.deliver(env.Scope, env.Target, b)
}

// Close disconnects every socket.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) broadcast(scope domain.Scope, target, event string, data interface{}, relay bool) {
	frame, err := domain.NewFrame(event, data)
	if err != nil {
		h.logger.Error("Failed to encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.deliver(scope, target, b)

	if relay && h.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.relay.Publish(ctx, domain.Envelope{Scope: scope, Target: target, Frame: frame}); err != nil {
			h.logger.Warn("Failed to relay broadcast", zap.String("event", event), zap.Error(err))
		}
	}
}

func (h *Hub) deliver(scope domain.Scope, target string, b []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch scope {
	case domain.ScopeRoom:
		for c := range h.rooms[target] {
			h.enqueue(c, b)
		}
	case domain.ScopeUser:
		for c := range h.clients {
			if c.userID == target {
				h.enqueue(c, b)
			}
		}
	default:
		for c := range h.clients {
			h.enqueue(c, b)
		}
	}
}

func (h *Hub) send(c *Client, event string, data interface{}) {
	frame, err := domain.NewFrame(event, data)
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	h.sendFrame(c, frame)
}

func (h *Hub) sendFrame(c *Client, frame domain.Frame) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.enqueue(c, b)
}

func (h *Hub) sendError(c *Client, code, message string) {
	h.send(c, domain.EventError, domain.ErrorPayload{Code: code, Message: message})
}

// enqueue never blocks; a slow socket loses frames rather than stalling
// the hub.
func (h *Hub) enqueue(c *Client, b []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- b:
	default:
		h.metrics.IncrementFramesDropped()
		h.logger.Warn("Client send buffer full, dropping frame",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.userID))
	}
}

func (h *Hub) decode(c *Client, frame domain.Frame, v interface{}) bool {
	if len(frame.Data) == 0 {
		h.sendError(c, "INVALID_PAYLOAD", frame.Event+" requires a payload")
		return false
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		h.metrics.IncrementMalformedFrame()
		h.sendError(c, "INVALID_PAYLOAD", "malformed "+frame.Event+" payload")
		return false
	}
	return true
}

func (h *Hub) storeStatus(userID string, status domain.PresenceStatus) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.SetStatus(ctx, userID, status); err != nil {
		h.logger.Warn("Failed to store presence", zap.String("user_id", userID), zap.Error(err))
	}
}

func (h *Hub) storeOffline(userID string) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.SetOffline(ctx, userID); err != nil {
		h.logger.Warn("Failed to clear presence", zap.String("user_id", userID), zap.Error(err))
	}
}

func validRoomID(id string) bool {
	const prefix = "location_"
	return len(id) > len(prefix) && len(id) <= 64 && id[:len(prefix)] == prefix
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
