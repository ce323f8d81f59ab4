package network

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketSocket adapts established websocket connections to the
// NonBlockingSocket contract, one connection per remote address. Spectators
// behind networks that eat UDP can ride this instead; the protocol on top
// is unchanged. A read pump per connection feeds an in-memory queue so that
// ReceiveAll never blocks the game loop.
type WebSocketSocket struct {
	mu       sync.Mutex
	conns    map[string]*websocket.Conn
	received []Datagram
}

func NewWebSocketSocket() *WebSocketSocket {
	return &WebSocketSocket{conns: make(map[string]*websocket.Conn)}
}

// Register adds a connection under the given address and starts its read
// pump. The address must match the one the session was configured with for
// that participant.
func (s *WebSocketSocket) Register(addr string, conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[addr] = conn
	s.mu.Unlock()
	go s.readPump(addr, conn)
}

func (s *WebSocketSocket) readPump(addr string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Error("websocket receive error: ", err)
			}
			return
		}
		s.mu.Lock()
		s.received = append(s.received, Datagram{Addr: addr, Data: data})
		s.mu.Unlock()
	}
}

func (s *WebSocketSocket) SendTo(addr string, data []byte) {
	s.mu.Lock()
	conn := s.conns[addr]
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		logrus.Error("websocket send error: ", err)
	}
}

func (s *WebSocketSocket) ReceiveAll() []Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	received := s.received
	s.received = nil
	return received
}

func (s *WebSocketSocket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
}
