package transport

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsStream adapts a *websocket.Conn to the Stream interface by flattening
// the message-oriented websocket API into a plain byte stream: Read
// drains the current inbound message and fetches the next one once it's
// exhausted, Write sends one text message per call.
type wsStream struct {
	conn *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.reader != nil {
			n, err := s.reader.Read(p)
			if err == io.EOF {
				s.reader = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}

		_, r, err := s.conn.NextReader()
		if err != nil {
			return 0, fmt.Errorf("transport: websocket read: %w", err)
		}
		s.reader = r
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, fmt.Errorf("transport: websocket write: %w", err)
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade promotes an inbound HTTP request to a WebSocket connection and
// wraps it as a Stream for a Peer or Server to bind. Neither cmd/corrserve
// nor cmd/corrchat routes HTTP requests to it; both accept TCP only.
func Upgrade(w http.ResponseWriter, r *http.Request) (Stream, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	return newWSStream(conn), nil
}

// DialWebSocket connects to a ws:// or wss:// URL and wraps the
// connection as a Stream.
func DialWebSocket(url string) (Stream, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return newWSStream(conn), nil
}
