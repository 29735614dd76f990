package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/metrics"
	"realtime-service/internal/middleware"
)

const testSecret = "gateway-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type MockPresenceStore struct {
	mock.Mock
}

func (m *MockPresenceStore) SetStatus(ctx context.Context, userID string, status domain.PresenceStatus) error {
	return m.Called(ctx, userID, status).Error(0)
}

func (m *MockPresenceStore) SetOffline(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *MockPresenceStore) Online(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

type recordingRelay struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (r *recordingRelay) Publish(_ context.Context, env domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingRelay) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.Frame.Event)
	}
	return out
}

type testGateway struct {
	hub *Hub
	url string
}

func newTestGateway(t *testing.T, opts Options) *testGateway {
	t.Helper()
	hub := NewHub(opts)
	h := NewHandler(hub, middleware.NewJWTValidator(testSecret), zap.NewNop())

	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	return &testGateway{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (g *testGateway) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := middleware.SignToken(testSecret, userID, time.Hour)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(g.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data interface{}, id uint64) {
	t.Helper()
	frame, err := domain.NewFrame(event, data)
	require.NoError(t, err)
	frame.ID = id
	require.NoError(t, conn.WriteJSON(frame))
}

// expect reads frames until one with event satisfies match.
func expect(t *testing.T, conn *websocket.Conn, event string, match func(domain.Frame) bool) domain.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var f domain.Frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event && (match == nil || match(f)) {
			return f
		}
	}
}

func decode[T any](t *testing.T, f domain.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func TestHandleWebSocket_RejectsMissingOrBadToken(t *testing.T) {
	g := newTestGateway(t, Options{})

	_, resp, err := websocket.DefaultDialer.Dial(g.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(g.url+"?token=garbage", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_PresenceLifecycle(t *testing.T) {
	g := newTestGateway(t, Options{})

	alice := g.dial(t, "alice")
	snap := decode[domain.OnlineSnapshot](t, expect(t, alice, domain.EventUsersOnline, nil))
	assert.Equal(t, []string{"alice"}, snap.Users)

	bob := g.dial(t, "bob")
	joined := decode[domain.UserStatusEvent](t, expect(t, alice, domain.EventUserOnline, func(f domain.Frame) bool {
		return strings.Contains(string(f.Data), "bob")
	}))
	assert.Equal(t, domain.PresenceOnline, joined.Status)

	snap = decode[domain.OnlineSnapshot](t, expect(t, bob, domain.EventUsersOnline, nil))
	assert.Equal(t, []string{"alice", "bob"}, snap.Users)

	bob.Close()
	left := decode[domain.UserStatusEvent](t, expect(t, alice, domain.EventUserOffline, nil))
	assert.Equal(t, "bob", left.UserID)
	assert.NotNil(t, left.LastSeen)

	_, ok := g.hub.Status("bob")
	assert.False(t, ok)
	status, ok := g.hub.Status("alice")
	assert.True(t, ok)
	assert.Equal(t, domain.PresenceOnline, status)
}

func TestHub_UserStaysOnlineWhileAnySocketRemains(t *testing.T) {
	g := newTestGateway(t, Options{})

	first := g.dial(t, "carol")
	expect(t, first, domain.EventUsersOnline, nil)
	second := g.dial(t, "carol")
	expect(t, second, domain.EventUsersOnline, nil)

	require.Eventually(t, func() bool { return g.hub.Connections() == 2 }, time.Second, 10*time.Millisecond)

	second.Close()
	require.Eventually(t, func() bool { return g.hub.Connections() == 1 }, time.Second, 10*time.Millisecond)
	_, ok := g.hub.Status("carol")
	assert.True(t, ok)

	first.Close()
	require.Eventually(t, func() bool {
		_, ok := g.hub.Status("carol")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestHub_PingIsAcknowledgedWithSameID(t *testing.T) {
	g := newTestGateway(t, Options{})
	conn := g.dial(t, "dave")

	sendFrame(t, conn, domain.EventPing, nil, 42)
	ack := expect(t, conn, domain.EventAck, nil)
	assert.Equal(t, uint64(42), ack.ID)
}

func TestHub_PresenceUpdate(t *testing.T) {
	g := newTestGateway(t, Options{})
	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")
	expect(t, bob, domain.EventUsersOnline, nil)

	sendFrame(t, alice, domain.EventPresenceUpdate, domain.UserStatusEvent{Status: domain.PresenceBusy}, 0)
	upd := decode[domain.UserStatusEvent](t, expect(t, bob, domain.EventPresenceUpdate, nil))
	assert.Equal(t, "alice", upd.UserID)
	assert.Equal(t, domain.PresenceBusy, upd.Status)

	status, _ := g.hub.Status("alice")
	assert.Equal(t, domain.PresenceBusy, status)

	sendFrame(t, alice, domain.EventPresenceUpdate, map[string]string{"status": "sleeping"}, 0)
	errPayload := decode[domain.ErrorPayload](t, expect(t, alice, domain.EventError, nil))
	assert.Equal(t, "INVALID_STATUS", errPayload.Code)
}

func TestHub_RejectsUnknownAndMalformedFrames(t *testing.T) {
	g := newTestGateway(t, Options{})
	conn := g.dial(t, "erin")

	sendFrame(t, conn, "teleport", nil, 0)
	e := decode[domain.ErrorPayload](t, expect(t, conn, domain.EventError, nil))
	assert.Equal(t, "UNKNOWN_EVENT", e.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	e = decode[domain.ErrorPayload](t, expect(t, conn, domain.EventError, nil))
	assert.Equal(t, "INVALID_FRAME", e.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"location:join","data":"oops"}`)))
	e = decode[domain.ErrorPayload](t, expect(t, conn, domain.EventError, nil))
	assert.Equal(t, "INVALID_PAYLOAD", e.Code)

	sendFrame(t, conn, domain.EventLocationJoin, domain.RoomJoin{RoomID: "lobby"}, 0)
	e = decode[domain.ErrorPayload](t, expect(t, conn, domain.EventError, nil))
	assert.Equal(t, "INVALID_ROOM", e.Code)

	// the socket survives bad input
	sendFrame(t, conn, domain.EventPing, nil, 7)
	assert.Equal(t, uint64(7), expect(t, conn, domain.EventAck, nil).ID)
}

func countIs(n int) func(domain.Frame) bool {
	return func(f domain.Frame) bool {
		var rc domain.RoomCount
		return json.Unmarshal(f.Data, &rc) == nil && rc.Count == n
	}
}

func TestHub_LocationRooms(t *testing.T) {
	g := newTestGateway(t, Options{})
	room := domain.RoomID(40.7128, -74.0060)

	alice := g.dial(t, "alice")
	sendFrame(t, alice, domain.EventLocationJoin, domain.RoomJoin{Latitude: 40.7128, Longitude: -74.0060}, 0)
	rc := decode[domain.RoomCount](t, expect(t, alice, domain.EventLocationCount, countIs(1)))
	assert.Equal(t, room, rc.RoomID)

	bob := g.dial(t, "bob")
	sendFrame(t, bob, domain.EventLocationJoin, domain.RoomJoin{RoomID: room}, 0)
	expect(t, alice, domain.EventLocationCount, countIs(2))
	expect(t, bob, domain.EventLocationCount, countIs(2))
	assert.Equal(t, 2, g.hub.RoomCount(room))

	// moving leaves the previous room
	sendFrame(t, bob, domain.EventLocationJoin, domain.RoomJoin{Latitude: 51.5074, Longitude: -0.1278}, 0)
	expect(t, alice, domain.EventLocationCount, countIs(1))
	require.Eventually(t, func() bool {
		return g.hub.RoomCount(domain.RoomID(51.5074, -0.1278)) == 1
	}, time.Second, 10*time.Millisecond)

	sendFrame(t, alice, domain.EventLocationLeave, domain.RoomLeave{RoomID: room}, 0)
	require.Eventually(t, func() bool { return g.hub.RoomCount(room) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_CheckIn(t *testing.T) {
	g := newTestGateway(t, Options{})
	room := domain.RoomID(48.8566, 2.3522)

	alice := g.dial(t, "alice")
	sendFrame(t, alice, domain.EventCheckIn, domain.CheckIn{Note: "nowhere"}, 0)
	e := decode[domain.ErrorPayload](t, expect(t, alice, domain.EventError, nil))
	assert.Equal(t, "NOT_IN_ROOM", e.Code)

	bob := g.dial(t, "bob")
	sendFrame(t, bob, domain.EventLocationJoin, domain.RoomJoin{RoomID: room}, 0)
	expect(t, bob, domain.EventLocationCount, countIs(1))
	sendFrame(t, alice, domain.EventLocationJoin, domain.RoomJoin{RoomID: room}, 0)
	expect(t, alice, domain.EventLocationCount, countIs(2))

	sendFrame(t, alice, domain.EventCheckIn, domain.CheckIn{UserID: "spoofed", Note: "coffee"}, 0)
	ci := decode[domain.CheckIn](t, expect(t, bob, domain.EventCheckIn, nil))
	assert.NotEmpty(t, ci.ID)
	assert.Equal(t, "alice", ci.UserID)
	assert.Equal(t, room, ci.RoomID)
	assert.Equal(t, "coffee", ci.Note)
	assert.False(t, ci.CreatedAt.IsZero())
}

func TestHub_LivestreamViewers(t *testing.T) {
	g := newTestGateway(t, Options{})
	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")
	expect(t, bob, domain.EventUsersOnline, nil)

	sendFrame(t, alice, domain.EventLivestreamJoin, domain.StreamRef{StreamID: "s1"}, 0)
	vc := decode[domain.ViewerCount](t, expect(t, bob, domain.EventLivestreamViewers, nil))
	assert.Equal(t, domain.ViewerCount{StreamID: "s1", Viewers: 1, Delta: 1}, vc)

	sendFrame(t, alice, domain.EventLivestreamLeave, domain.StreamRef{StreamID: "s1"}, 0)
	vc = decode[domain.ViewerCount](t, expect(t, bob, domain.EventLivestreamViewers, nil))
	assert.Equal(t, domain.ViewerCount{StreamID: "s1", Viewers: 0, Delta: -1}, vc)
}

func TestHub_ReconcileStream(t *testing.T) {
	g := newTestGateway(t, Options{})
	alice := g.dial(t, "alice")
	expect(t, alice, domain.EventUsersOnline, nil)

	g.hub.ReconcileStream("s1", 5, true)
	vc := decode[domain.ViewerCount](t, expect(t, alice, domain.EventLivestreamViewers, nil))
	assert.Equal(t, 5, vc.Viewers)
	assert.Equal(t, 5, vc.Delta)
	st := decode[domain.LivestreamStatus](t, expect(t, alice, domain.EventLivestreamStatus, nil))
	assert.True(t, st.Live)
	assert.Equal(t, []string{"s1"}, g.hub.LiveStreams())

	// a local viewer below the media server count changes nothing
	sendFrame(t, alice, domain.EventLivestreamJoin, domain.StreamRef{StreamID: "s1"}, 0)
	vc = decode[domain.ViewerCount](t, expect(t, alice, domain.EventLivestreamViewers, nil))
	assert.Equal(t, domain.ViewerCount{StreamID: "s1", Viewers: 5, Delta: 0}, vc)

	g.hub.ReconcileStream("s1", 0, false)
	vc = decode[domain.ViewerCount](t, expect(t, alice, domain.EventLivestreamViewers, nil))
	assert.Equal(t, domain.ViewerCount{StreamID: "s1", Viewers: 1, Delta: -4}, vc)
	st = decode[domain.LivestreamStatus](t, expect(t, alice, domain.EventLivestreamStatus, nil))
	assert.False(t, st.Live)
	assert.Empty(t, g.hub.LiveStreams())
}

func TestHub_NotifyTargetsOneUser(t *testing.T) {
	relay := &recordingRelay{}
	g := newTestGateway(t, Options{Relay: relay})
	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")
	expect(t, bob, domain.EventUsersOnline, nil)

	g.hub.Notify("bob", domain.EventNotificationNew, domain.Notification{ID: "n1", UserID: "bob", Kind: "mention"})
	n := decode[domain.Notification](t, expect(t, bob, domain.EventNotificationNew, nil))
	assert.Equal(t, "n1", n.ID)

	// alice sees the next ping ack without a notification in between
	sendFrame(t, alice, domain.EventPing, nil, 1)
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f domain.Frame
		require.NoError(t, alice.ReadJSON(&f))
		require.NotEqual(t, domain.EventNotificationNew, f.Event)
		if f.Event == domain.EventAck {
			break
		}
	}
	assert.Contains(t, relay.events(), domain.EventNotificationNew)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestHub_RelaysAndDeliversRemote(t *testing.T) {
	relay := &recordingRelay{}
	g := newTestGateway(t, Options{Relay: relay})
	room := domain.RoomID(35.6762, 139.6503)

	alice := g.dial(t, "alice")
	sendFrame(t, alice, domain.EventLocationJoin, domain.RoomJoin{RoomID: room}, 0)
	expect(t, alice, domain.EventLocationCount, countIs(1))
	sendFrame(t, alice, domain.EventPresenceUpdate, domain.UserStatusEvent{Status: domain.PresenceAway}, 0)
	expect(t, alice, domain.EventPresenceUpdate, nil)

	require.Eventually(t, func() bool {
		events := relay.events()
		return contains(events, domain.EventUserOnline) && contains(events, domain.EventPresenceUpdate)
	}, time.Second, 10*time.Millisecond)
	assert.NotContains(t, relay.events(), domain.EventLocationCount)

	frame, err := domain.NewFrame(domain.EventCheckIn, domain.CheckIn{ID: "remote", UserID: "zed", RoomID: room})
	require.NoError(t, err)
	g.hub.DeliverRemote(domain.Envelope{Origin: "other", Scope: domain.ScopeRoom, Target: room, Frame: frame})

	ci := decode[domain.CheckIn](t, expect(t, alice, domain.EventCheckIn, nil))
	assert.Equal(t, "remote", ci.ID)
}

func TestHub_PresenceStore(t *testing.T) {
	store := new(MockPresenceStore)
	store.On("SetStatus", mock.Anything, "alice", domain.PresenceOnline).Return(nil)
	store.On("SetOffline", mock.Anything, "alice").Return(nil).Maybe()
	store.On("Online", mock.Anything).Return([]string{"remote-user"}, nil)

	g := newTestGateway(t, Options{Store: store})
	alice := g.dial(t, "alice")

	snap := decode[domain.OnlineSnapshot](t, expect(t, alice, domain.EventUsersOnline, nil))
	assert.Equal(t, []string{"alice", "remote-user"}, snap.Users)

	assert.Equal(t, 1, g.hub.RefreshPresence(context.Background()))
	store.AssertNumberOfCalls(t, "SetStatus", 2)
}

func TestHub_StoreFailureFallsBackToLocal(t *testing.T) {
	store := new(MockPresenceStore)
	store.On("SetStatus", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down"))
	store.On("SetOffline", mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("Online", mock.Anything).Return(nil, errors.New("down"))

	g := newTestGateway(t, Options{Store: store})
	alice := g.dial(t, "alice")

	snap := decode[domain.OnlineSnapshot](t, expect(t, alice, domain.EventUsersOnline, nil))
	assert.Equal(t, []string{"alice"}, snap.Users)
	assert.Equal(t, 0, g.hub.RefreshPresence(context.Background()))
}

func TestHub_BroadcastSnapshot(t *testing.T) {
	g := newTestGateway(t, Options{})
	alice := g.dial(t, "alice")
	expect(t, alice, domain.EventUsersOnline, nil)

	require.Eventually(t, func() bool { return g.hub.Connections() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, g.hub.BroadcastSnapshot(context.Background()))
	snap := decode[domain.OnlineSnapshot](t, expect(t, alice, domain.EventUsersOnline, nil))
	assert.Equal(t, []string{"alice"}, snap.Users)
}

func TestHub_OfflineStatusHidesUserFromSnapshots(t *testing.T) {
	store := new(MockPresenceStore)
	store.On("SetStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("SetOffline", mock.Anything, mock.Anything).Return(nil)
	// a stale store entry must not resurrect a user who went offline here
	store.On("Online", mock.Anything).Return([]string{"alice", "bob"}, nil)

	g := newTestGateway(t, Options{Store: store})
	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")
	expect(t, bob, domain.EventUsersOnline, nil)

	sendFrame(t, alice, domain.EventPresenceUpdate, domain.UserStatusEvent{Status: domain.PresenceOffline}, 0)
	upd := decode[domain.UserStatusEvent](t, expect(t, bob, domain.EventPresenceUpdate, nil))
	require.Equal(t, domain.PresenceOffline, upd.Status)

	assert.Equal(t, []string{"bob"}, g.hub.OnlineUsers(context.Background()))

	assert.Equal(t, 1, g.hub.BroadcastSnapshot(context.Background()))
	snap := decode[domain.OnlineSnapshot](t, expect(t, bob, domain.EventUsersOnline, nil))
	assert.NotContains(t, snap.Users, "alice")

	// new sockets get the same view
	carol := g.dial(t, "carol")
	snap = decode[domain.OnlineSnapshot](t, expect(t, carol, domain.EventUsersOnline, nil))
	assert.NotContains(t, snap.Users, "alice")

	sendFrame(t, alice, domain.EventPresenceUpdate, domain.UserStatusEvent{Status: domain.PresenceAway}, 0)
	expect(t, bob, domain.EventPresenceUpdate, func(f domain.Frame) bool {
		return decode[domain.UserStatusEvent](t, f).Status == domain.PresenceAway
	})
	assert.Contains(t, g.hub.OnlineUsers(context.Background()), "alice")
}

func TestHub_FullSendBufferDropsFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, nil)
	hub := NewHub(Options{Metrics: m, SendBuffer: 1})

	c := &Client{id: "c1", userID: "u", send: make(chan []byte, 1), done: make(chan struct{})}
	hub.enqueue(c, []byte("one"))
	hub.enqueue(c, []byte("two"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))
	assert.Equal(t, "one", string(<-c.send))

	c.close()
	hub.enqueue(c, []byte("three"))
	assert.Len(t, c.send, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))
}

func TestValidRoomID(t *testing.T) {
	assert.True(t, validRoomID(domain.RoomID(1, 2)))
	assert.False(t, validRoomID("location_"))
	assert.False(t, validRoomID("lobby"))
	assert.False(t, validRoomID("location_"+strings.Repeat("9", 64)))
}

func TestHandleWebSocket_ChecksOrigin(t *testing.T) {
	hub := NewHub(Options{})
	h := NewHandler(hub, middleware.NewJWTValidator(testSecret), zap.NewNop()).
		AllowOrigins([]string{"https://app.example"})

	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	token, err := middleware.SignToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url+"?token="+token, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://app.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, header)
	require.NoError(t, err)
	conn.Close()
}
