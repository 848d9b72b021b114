package notification

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// WebSocketStream adapts a websocket connection to Stream.
type WebSocketStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWebSocketStream wraps conn. Writes are serialised.
func NewWebSocketStream(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketStream {
	return &WebSocketStream{conn: conn, writeTimeout: writeTimeout}
}

// Send writes ev as one JSON text frame.
func (s *WebSocketStream) Send(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("websocket stream closed")
	}
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection.
func (s *WebSocketStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
