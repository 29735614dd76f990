// Package realtime owns the client side of the realtime connection: one
// WebSocket per session, bounded reconnection with capped exponential
// backoff, and listener registrations that outlive individual sockets.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/metrics"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrPingTimeout  = errors.New("realtime: ping timed out")
	ErrClosed       = errors.New("realtime: connection closed by disconnect")
	// ErrInvalidURL is terminal: no reconnect is scheduled for it.
	ErrInvalidURL = errors.New("realtime: invalid url")
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultPingTimeout = 5 * time.Second
	defaultSendBuffer  = 256

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives the raw JSON payload of an event. Lifecycle events
// (connect, disconnect, connect_error) carry a small JSON object or nothing.
type Handler func(data json.RawMessage)

type ListenerID uint64

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Options struct {
	URL         string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	PingTimeout time.Duration
	SendBuffer  int
	Dialer      Dialer
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type listener struct {
	id ListenerID
	fn Handler
}

type dialCall struct {
	done chan struct{}
	err  error
}

// socket is one physical connection. It is replaced on every reconnect.
type socket struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.ws.Close()
	})
}

// Manager is the connection manager of a single session.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	token     string
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	conn      *socket
	dialing   *dialCall
	retry     *time.Timer
	budget    retryBudget
	exhausted bool

	listenersMu sync.RWMutex
	listeners   map[string][]listener
	nextID      uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan struct{}
	pingSeq   atomic.Uint64
}

func NewManager(opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		budget: retryBudget{
			base:  opts.BackoffBase,
			max:   opts.BackoffMax,
			limit: opts.MaxAttempts,
		},
		listeners: make(map[string][]listener),
		pending:   make(map[uint64]chan struct{}),
	}
}

// Connect returns once the session is connected or the dial failed. It is a
// no-op while connected, and joins an in-flight dial instead of opening a
// second socket. A failed dial also schedules a background retry.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	call := m.dialing
	if call == nil {
		m.token = token
		if m.exhausted {
			m.budget.Reset()
			m.exhausted = false
		}
		m.stopRetryLocked()
		call = m.startDialLocked()
	}
	m.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the session down: pending retry, socket, in-flight dial,
// pending pings and every listener registration. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	sock := m.conn
	m.conn = nil
	m.dialing = nil
	m.token = ""
	m.budget.Reset()
	m.exhausted = false
	wasActive := m.state != StateDisconnected || sock != nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if sock != nil {
		sock.close()
	}

	m.listenersMu.Lock()
	m.listeners = make(map[string][]listener)
	m.listenersMu.Unlock()

	m.pendingMu.Lock()
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()

	if wasActive {
		m.logger.Info("Realtime connection closed by disconnect")
	}
}

// Emit queues an event for the server. It returns false instead of failing
// when the session is not connected, the payload does not encode, or the
// outbound buffer is full. Nothing is buffered for later delivery.
func (m *Manager) Emit(event string, data interface{}) bool {
	frame, err := domain.NewFrame(event, data)
	if err != nil {
		m.logger.Warn("Failed to encode event payload", zap.String("event", event), zap.Error(err))
		m.metrics.RecordEmitDropped("encode")
		return false
	}
	return m.emitFrame(frame)
}

func (m *Manager) emitFrame(frame domain.Frame) bool {
	m.mu.Lock()
	sock := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || sock == nil {
		m.metrics.RecordEmitDropped("not_connected")
		return false
	}

	b, err := json.Marshal(frame)
	if err != nil {
		m.metrics.RecordEmitDropped("encode")
		return false
	}

	select {
	case <-sock.done:
		m.metrics.RecordEmitDropped("not_connected")
		return false
	default:
	}

	select {
	case sock.send <- b:
		return true
	default:
		m.logger.Warn("Outbound buffer full, dropping event", zap.String("event", frame.Event))
		m.metrics.RecordEmitDropped("buffer_full")
		return false
	}
}

// On registers a handler for event. Registrations survive reconnects and are
// only cleared by Off or Disconnect.
func (m *Manager) On(event string, fn Handler) ListenerID {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextID++
	id := ListenerID(m.nextID)
	m.listeners[event] = append(m.listeners[event], listener{id: id, fn: fn})
	return id
}

func (m *Manager) Off(event string, id ListenerID) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	ls := m.listeners[event]
	for i, l := range ls {
		if l.id == id {
			m.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(m.listeners[event]) == 0 {
		delete(m.listeners, event)
	}
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts is the number of consecutive reconnect attempts since the last
// successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget.Attempt()
}

// Exhausted reports whether the reconnect budget ran out. The session stays
// disconnected until Connect is called again.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Ping measures a round trip to the server. The ack races a local timer and
// whichever settles first wins; a late ack is ignored.
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}

	id := m.pingSeq.Add(1)
	ch := make(chan struct{}, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	start := time.Now()
	if !m.emitFrame(domain.Frame{Event: domain.EventPing, ID: id}) {
		return 0, ErrNotConnected
	}

	timer := time.NewTimer(m.opts.PingTimeout)
	defer timer.Stop()

	select {
	case _, ok := <-ch:
		if !ok {
			return 0, ErrClosed
		}
		rtt := time.Since(start)
		m.metrics.ObservePing(rtt)
		return rtt, nil
	case <-timer.C:
		return 0, ErrPingTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) resolvePing(id uint64) {
	m.pendingMu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.SetConnectionState(int(s))
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) startDialLocked() *dialCall {
	call := &dialCall{done: make(chan struct{})}
	m.dialing = call
	m.setStateLocked(StateConnecting)
	go m.dial(m.ctx, m.gen, m.token, call)
	return call
}

func (m *Manager) dialURL(token string) (string, http.Header, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", nil, fmt.Errorf("%w %q: %v", ErrInvalidURL, m.opts.URL, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return "", nil, fmt.Errorf("%w %q: want ws:// or wss:// with a host", ErrInvalidURL, m.opts.URL)
	}
	header := http.Header{}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}
	return u.String(), header, nil
}

func (m *Manager) dial(ctx context.Context, gen uint64, token string, call *dialCall) {
	var ws *websocket.Conn
	target, header, err := m.dialURL(token)
	if err == nil {
		var resp *http.Response
		ws, resp, err = m.opts.Dialer.DialContext(ctx, target, header)
		if err != nil && resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		call.err = ErrClosed
		close(call.done)
		return
	}
	m.dialing = nil

	if err != nil {
		m.setStateLocked(StateDisconnected)
		if errors.Is(err, ErrInvalidURL) {
			m.stopRetryLocked()
			m.exhausted = true
		} else {
			m.scheduleRetryLocked(gen)
		}
		m.mu.Unlock()

		m.logger.Warn("Realtime connect failed", zap.String("url", m.opts.URL), zap.Error(err))
		m.dispatch(domain.EventConnectError, mustJSON(map[string]string{"error": err.Error()}))

		call.err = fmt.Errorf("realtime: connect: %w", err)
		close(call.done)
		return
	}

	sock := &socket{
		ws:   ws,
		send: make(chan []byte, m.opts.SendBuffer),
		done: make(chan struct{}),
	}
	m.conn = sock
	m.budget.Reset()
	m.exhausted = false
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("Realtime connected", zap.String("url", m.opts.URL))

	go m.writePump(sock)
	go m.readPump(sock)

	m.dispatch(domain.EventConnect, nil)

	close(call.done)
}

// scheduleRetryLocked reserves the next attempt from the budget and arms the
// retry timer, or gives up for this session once the budget is spent.
func (m *Manager) scheduleRetryLocked(gen uint64) {
	delay, ok := m.budget.Next()
	if !ok {
		m.exhausted = true
		m.metrics.IncrementReconnectGiveUp()
		m.logger.Error("Realtime reconnect budget exhausted, giving up",
			zap.Int("attempts", m.budget.Attempt()))
		return
	}

	m.metrics.IncrementReconnectAttempt()
	m.logger.Info("Scheduling realtime reconnect",
		zap.Int("attempt", m.budget.Attempt()),
		zap.Duration("delay", delay))

	m.stopRetryLocked()
	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.state == StateConnected || m.dialing != nil {
			return
		}
		m.retry = nil
		m.startDialLocked()
	})
}

// handleDrop runs when a socket's read loop ends. Sockets that were closed
// on purpose or already replaced are ignored.
func (m *Manager) handleDrop(sock *socket, cause error) {
	m.mu.Lock()
	if m.conn != sock {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	m.scheduleRetryLocked(m.gen)
	m.mu.Unlock()

	sock.close()

	m.logger.Warn("Realtime connection lost", zap.Error(cause))
	m.dispatch(domain.EventDisconnect, mustJSON(map[string]string{"reason": cause.Error()}))
}

func (m *Manager) readPump(sock *socket) {
	sock.ws.SetReadLimit(maxMessageSize)
	sock.ws.SetReadDeadline(time.Now().Add(pongWait))
	sock.ws.SetPongHandler(func(string) error {
		sock.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := sock.ws.ReadMessage()
		if err != nil {
			m.handleDrop(sock, err)
			return
		}
		sock.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame domain.Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			m.logger.Warn("Dropping malformed frame", zap.ByteString("frame", truncate(message, 256)), zap.Error(err))
			m.metrics.IncrementMalformedFrame()
			continue
		}

		if frame.Event == domain.EventAck {
			m.resolvePing(frame.ID)
			continue
		}
		m.dispatch(frame.Event, frame.Data)
	}
}

func (m *Manager) writePump(sock *socket) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sock.done:
			return
		case message := <-sock.send:
			sock.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				m.logger.Warn("Realtime write failed", zap.Error(err))
				sock.ws.Close()
				return
			}
		case <-ticker.C:
			sock.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sock.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				sock.ws.Close()
				return
			}
		}
	}
}

func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.listenersMu.RLock()
	ls := append([]listener(nil), m.listeners[event]...)
	m.listenersMu.RUnlock()

	for _, l := range ls {
		m.invoke(event, l.fn, data)
	}
}

func (m *Manager) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in realtime listener",
				zap.String("event", event),
				zap.Any("panic", r))
		}
	}()
	fn(data)
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
