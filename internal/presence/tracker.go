// Package presence keeps the session's eventually consistent view of which
// peers are online. It is fed by socket events and never blocks on the
// network for reads.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/bus"
	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
)

// Resolver looks a peer up in a backing store. There is no such store yet,
// so a nil Resolver is the normal configuration.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (domain.PeerPresence, error)
}

type Options struct {
	SelfID   string
	Resolver Resolver
	// Changes, when set, receives every cache mutation.
	Changes *bus.Topic[domain.PeerPresence]
	Logger  *zap.Logger
	Now     func() time.Time
}

type Tracker struct {
	resolver Resolver
	changes  *bus.Topic[domain.PeerPresence]
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	self   string
	own    domain.PresenceStatus
	online map[string]struct{}
	peers  map[string]domain.PeerPresence

	attachMu  sync.Mutex
	transport realtime.Transport
	ids       map[string]realtime.ListenerID
}

func NewTracker(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		resolver: opts.Resolver,
		changes:  opts.Changes,
		logger:   opts.Logger,
		now:      opts.Now,
		self:     opts.SelfID,
		online:   make(map[string]struct{}),
		peers:    make(map[string]domain.PeerPresence),
	}
}

// SetSelf records the local user's id, used by SetOwnStatus.
func (t *Tracker) SetSelf(userID string) {
	t.mu.Lock()
	t.self = userID
	t.mu.Unlock()
}

// Attach registers the presence handlers on tr. A previous attachment is
// removed first.
func (t *Tracker) Attach(tr realtime.Transport) {
	t.Detach()

	ids := map[string]realtime.ListenerID{
		domain.EventUserOnline:     tr.On(domain.EventUserOnline, t.handleUserOnline),
		domain.EventUserOffline:    tr.On(domain.EventUserOffline, t.handleUserOffline),
		domain.EventUsersOnline:    tr.On(domain.EventUsersOnline, t.handleSnapshot),
		domain.EventPresenceUpdate: tr.On(domain.EventPresenceUpdate, t.handlePresenceUpdate),
		domain.EventConnect:        tr.On(domain.EventConnect, t.handleConnect),
	}

	t.attachMu.Lock()
	t.transport = tr
	t.ids = ids
	t.attachMu.Unlock()
}

func (t *Tracker) Detach() {
	t.attachMu.Lock()
	tr, ids := t.transport, t.ids
	t.transport, t.ids = nil, nil
	t.attachMu.Unlock()

	if tr == nil {
		return
	}
	for event, id := range ids {
		tr.Off(event, id)
	}
}

// Online returns the online peer ids, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Lookup returns the cached presence of a peer. ok is false when the peer
// was never observed; a peer seen leaving is returned as offline with ok
// true.
func (t *Tracker) Lookup(userID string) (domain.PeerPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[userID]
	return p, ok
}

// Fetch checks the cache and then the resolver. Resolver errors and a
// missing resolver both yield not-found.
func (t *Tracker) Fetch(ctx context.Context, userID string) (p domain.PeerPresence, ok bool) {
	if p, ok := t.Lookup(userID); ok {
		return p, true
	}
	if t.resolver == nil {
		return domain.PeerPresence{}, false
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Panic in presence resolver",
				zap.String("user_id", userID),
				zap.Any("panic", r))
			p, ok = domain.PeerPresence{}, false
		}
	}()

	resolved, err := t.resolver.Resolve(ctx, userID)
	if err != nil {
		t.logger.Debug("Presence lookup failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return domain.PeerPresence{}, false
	}
	if resolved.UserID == "" {
		resolved.UserID = userID
	}
	if !resolved.Status.Valid() {
		return domain.PeerPresence{}, false
	}
	t.apply(resolved)
	return resolved, true
}

// SetOwnStatus updates the local user's cached status immediately and tells
// the server on a best-effort basis. It reports whether the update was sent.
func (t *Tracker) SetOwnStatus(status domain.PresenceStatus) bool {
	if !status.Valid() {
		return false
	}

	t.mu.Lock()
	self := t.self
	if self != "" {
		t.own = status
	}
	t.mu.Unlock()
	if self == "" {
		return false
	}

	now := t.now()
	t.apply(domain.PeerPresence{UserID: self, Status: status, LastSeen: &now})

	t.attachMu.Lock()
	tr := t.transport
	t.attachMu.Unlock()
	if tr == nil {
		return false
	}
	return tr.Emit(domain.EventPresenceUpdate, domain.UserStatusEvent{UserID: self, Status: status})
}

// Reset forgets everything. Used on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.own = ""
	t.online = make(map[string]struct{})
	t.peers = make(map[string]domain.PeerPresence)
	t.mu.Unlock()
}

// handleConnect repeats a non-default own status after every (re)connect.
// The gateway marks a user online when their first socket opens.
func (t *Tracker) handleConnect(json.RawMessage) {
	t.mu.RLock()
	self, own := t.self, t.own
	t.mu.RUnlock()
	if self == "" || own == "" || own == domain.PresenceOnline {
		return
	}

	t.attachMu.Lock()
	tr := t.transport
	t.attachMu.Unlock()
	if tr == nil {
		return
	}
	if !tr.Emit(domain.EventPresenceUpdate, domain.UserStatusEvent{UserID: self, Status: own}) {
		t.logger.Debug("Own status not restored after reconnect", zap.String("status", string(own)))
	}
}

func (t *Tracker) handleUserOnline(data json.RawMessage) {
	ev, ok := t.decodeStatus(domain.EventUserOnline, data)
	if !ok {
		return
	}
	status := ev.Status
	if !status.Valid() || status == domain.PresenceOffline {
		status = domain.PresenceOnline
	}
	t.apply(domain.PeerPresence{UserID: ev.UserID, Status: status, LastSeen: ev.LastSeen})
}

func (t *Tracker) handleUserOffline(data json.RawMessage) {
	ev, ok := t.decodeStatus(domain.EventUserOffline, data)
	if !ok {
		return
	}
	seen := ev.LastSeen
	if seen == nil {
		now := t.now()
		seen = &now
	}
	t.apply(domain.PeerPresence{UserID: ev.UserID, Status: domain.PresenceOffline, LastSeen: seen})
}

func (t *Tracker) handlePresenceUpdate(data json.RawMessage) {
	ev, ok := t.decodeStatus(domain.EventPresenceUpdate, data)
	if !ok {
		return
	}
	if !ev.Status.Valid() {
		t.logger.Warn("Ignoring presence update with unknown status",
			zap.String("user_id", ev.UserID),
			zap.String("status", string(ev.Status)))
		return
	}
	t.apply(domain.PeerPresence{UserID: ev.UserID, Status: ev.Status, LastSeen: ev.LastSeen})
}

// handleSnapshot replaces the online set with exactly the listed peers.
func (t *Tracker) handleSnapshot(data json.RawMessage) {
	var snap domain.OnlineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.logger.Warn("Dropping malformed presence snapshot", zap.Error(err))
		return
	}

	now := t.now()
	var changed []domain.PeerPresence

	t.mu.Lock()
	next := make(map[string]struct{}, len(snap.Users))
	for _, id := range snap.Users {
		if id == "" {
			continue
		}
		next[id] = struct{}{}
		p, known := t.peers[id]
		if !known || p.Status == domain.PresenceOffline {
			p = domain.PeerPresence{UserID: id, Status: domain.PresenceOnline, LastSeen: p.LastSeen}
			t.peers[id] = p
			changed = append(changed, p)
		}
	}
	for id := range t.online {
		if _, still := next[id]; still {
			continue
		}
		seen := now
		p := domain.PeerPresence{UserID: id, Status: domain.PresenceOffline, LastSeen: &seen}
		t.peers[id] = p
		changed = append(changed, p)
	}
	t.online = next
	t.mu.Unlock()

	for _, p := range changed {
		t.publish(p)
	}
}

func (t *Tracker) apply(p domain.PeerPresence) {
	t.mu.Lock()
	if p.Status == domain.PresenceOffline {
		delete(t.online, p.UserID)
	} else {
		t.online[p.UserID] = struct{}{}
	}
	if p.LastSeen == nil {
		p.LastSeen = t.peers[p.UserID].LastSeen
	}
	t.peers[p.UserID] = p
	t.mu.Unlock()

	t.publish(p)
}

func (t *Tracker) publish(p domain.PeerPresence) {
	if t.changes != nil {
		t.changes.Publish(p)
	}
}

func (t *Tracker) decodeStatus(event string, data json.RawMessage) (domain.UserStatusEvent, bool) {
	var ev domain.UserStatusEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == "" {
		t.logger.Warn("Dropping malformed presence event",
			zap.String("event", event),
			zap.ByteString("data", data),
			zap.Error(err))
		return ev, false
	}
	return ev, true
}
