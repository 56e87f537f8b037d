package devserver

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var errUnknownSession = errors.New("unknown session")

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnectionPool owns the websocket connections of the dev server, keyed by
// session id. All writes go through the pool so each connection has at most
// one writer.
type ConnectionPool struct {
	mu    sync.Mutex
	conns map[string]wsConn
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{conns: map[string]wsConn{}}
}

func (cp *ConnectionPool) Add(id string, conn wsConn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[id] = conn
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(id string) {
	cp.mu.Lock()
	conn := cp.conns[id]
	delete(cp.conns, id)
	cp.mu.Unlock()
	_ = closeConn(conn)
}

// SendTo writes data to one session. A failed write drops the connection.
func (cp *ConnectionPool) SendTo(id string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	conn, ok := cp.conns[id]
	if !ok {
		return errUnknownSession
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("component", "devserver").Str("session_id", id).Msg("ws send failed, dropping connection")
		delete(cp.conns, id)
		_ = closeConn(conn)
		return err
	}
	return nil
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for id, conn := range cp.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "devserver").Str("session_id", id).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, id)
			_ = closeConn(conn)
		}
	}
}

func (cp *ConnectionPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

// Kick closes the session's connection without a close handshake, as a
// crashed server would.
func (cp *ConnectionPool) Kick(id string) bool {
	cp.mu.Lock()
	conn, ok := cp.conns[id]
	delete(cp.conns, id)
	cp.mu.Unlock()
	if ok {
		_ = closeConn(conn)
	}
	return ok
}

func (cp *ConnectionPool) CloseAll() {
	cp.mu.Lock()
	for id, conn := range cp.conns {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = closeConn(conn)
		delete(cp.conns, id)
	}
	cp.mu.Unlock()
}

func closeConn(conn wsConn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
