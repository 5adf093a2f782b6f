package progress

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Upgrader accepts same-origin and local WebSocket upgrades.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		for _, scheme := range []string{"http://", "https://"} {
			if strings.HasPrefix(origin, scheme) {
				return strings.TrimPrefix(origin, scheme) == r.Host
			}
		}
		return false
	},
}

// WebSocketSink writes each event as a JSON text frame. A failed write
// marks the sink broken and later events are dropped; the job itself keeps
// running.
type WebSocketSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

// NewWebSocketSink wraps an established connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Emit implements Sink.
func (s *WebSocketSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.err = s.conn.WriteJSON(e)
}

// Err returns the first write error.
func (s *WebSocketSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close sends a normal closure frame and closes the connection.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
	}
	return s.conn.Close()
}
