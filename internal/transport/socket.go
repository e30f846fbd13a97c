// Package transport wraps gorilla/websocket connections to satisfy the
// registry.Socket interface and runs the per-connection read/write pumps.
package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	defaultSendBuf = 256
)

// ErrClosed is returned by Send once the socket's write pump has exited.
var ErrClosed = errors.New("transport: socket closed")

// Upgrader wraps websocket.Upgrader with permissive CORS, matching the
// Gateway's own CORS middleware handling origin checks upstream.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Socket wraps one gorilla/websocket connection: a buffered outbound queue
// drained by a dedicated writer goroutine (so Send never blocks on network
// I/O), ping/pong keepalive, and a bounded max message size.
type Socket struct {
	id     string
	conn   *websocket.Conn
	logger *zap.Logger

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps conn. id should be unique per session (the session's uuid).
// maxPayloadBytes bounds inbound message size (default 1 MiB).
func New(id string, conn *websocket.Conn, maxPayloadBytes int64, logger *zap.Logger) *Socket {
	conn.SetReadLimit(maxPayloadBytes)
	s := &Socket{
		id:     id,
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, defaultSendBuf),
		closed: make(chan struct{}),
	}
	go s.writePump()
	return s
}

// ID implements registry.Socket.
func (s *Socket) ID() string { return s.id }

// Send implements registry.Socket: enqueues envelope for the writer
// goroutine. Non-blocking from the caller's perspective; a full queue or a
// closed socket is reported as an error so the Registry detaches it.
func (s *Socket) Send(envelope []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	select {
	case s.send <- envelope:
		return nil
	case <-s.closed:
		return ErrClosed
	default:
		return errors.New("transport: send queue full")
	}
}

// ReadLoop blocks reading frames until the connection errors or closes,
// invoking onMessage for each inbound payload in order. Returns the
// terminal read error, which is never nil (a *websocket.CloseError when the
// peer sent a close frame).
func (s *Socket) ReadLoop(onMessage func(payload []byte)) error {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		onMessage(payload)
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if s.logger != nil {
					s.logger.Warn("socket write failed", zap.String("socket_id", s.id), zap.Error(err))
				}
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// CloseWithCode sends a close frame carrying code (used for the pre-join
// rejection codes) and tears down the connection.
func (s *Socket) CloseWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		s.conn.Close()
	})
}

// Close tears down the connection with the default normal-closure code.
func (s *Socket) Close() {
	s.CloseWithCode(websocket.CloseNormalClosure, "")
}
