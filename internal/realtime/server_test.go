package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"realtime-service/internal/domain"
)

type fakeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *fakeConn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// fakeServer is a scriptable realtime endpoint for manager tests.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	handshakes atomic.Int32
	rejectN    atomic.Int32 // reject this many more handshakes
	rejectAll  atomic.Bool
	ackPings   atomic.Bool

	mu       sync.Mutex
	conns    []*fakeConn
	received []domain.Frame
	tokens   []string
	connCh   chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, connCh: make(chan struct{}, 64)}
	fs.ackPings.Store(true)

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.handshakes.Add(1)
		if fs.rejectAll.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if fs.rejectN.Load() > 0 {
			fs.rejectN.Add(-1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &fakeConn{ws: ws}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.tokens = append(fs.tokens, r.URL.Query().Get("token"))
		fs.mu.Unlock()
		fs.connCh <- struct{}{}

		go fs.read(conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) URL() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) read(conn *fakeConn) {
	for {
		_, msg, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var f domain.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		fs.mu.Lock()
		fs.received = append(fs.received, f)
		fs.mu.Unlock()

		if f.Event == domain.EventPing && fs.ackPings.Load() {
			b, _ := json.Marshal(domain.Frame{Event: domain.EventAck, ID: f.ID})
			conn.write(b)
		}
	}
}

// latest returns the most recent accepted connection.
func (fs *fakeServer) latest() *fakeConn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) push(event string, data interface{}) {
	fs.t.Helper()
	f, err := domain.NewFrame(event, data)
	if err != nil {
		fs.t.Fatalf("encode frame: %v", err)
	}
	b, _ := json.Marshal(f)
	fs.pushRaw(b)
}

func (fs *fakeServer) pushRaw(b []byte) {
	conn := fs.latest()
	if conn == nil {
		fs.t.Fatal("no connection to push to")
	}
	if err := conn.write(b); err != nil {
		fs.t.Fatalf("push: %v", err)
	}
}

// dropLatest kills the newest connection without a close handshake.
func (fs *fakeServer) dropLatest() {
	if conn := fs.latest(); conn != nil {
		conn.ws.UnderlyingConn().Close()
	}
}

func (fs *fakeServer) receivedEvents() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.received))
	for _, f := range fs.received {
		out = append(out, f.Event)
	}
	return out
}

func (fs *fakeServer) connections() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}
