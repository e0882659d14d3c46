package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("session send buffer full")
)

// session is the live connection handle for one agent. It implements
// core.AgentTransport so the registry and distribution push work without
// knowing there is a websocket underneath.
type session struct {
	conn  *websocket.Conn
	agent *core.Agent

	send chan []byte
	done chan struct{}

	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newSession(conn *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *session {
	return &session{
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// PushTask delivers a queue-job-available frame. A full send buffer drops the
// delivery with an error; claim arbitration makes lost announcements safe.
func (s *session) PushTask(task *core.Task) error {
	return s.sendMessage(TypeJobAvailable, ToJobAvailable(task))
}

func (s *session) sendMessage(msgType string, payload any) error {
	frame, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *session) sendError(message string) error {
	return s.sendMessage(TypeError, ErrorPayload{Message: message})
}

// Close is idempotent. The registry calls it on unregister and the gateway
// calls it again during teardown.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}

// writePump owns all data writes on the connection. Pings keep intermediaries
// from cutting idle connections; liveness itself is the app-level heartbeat.
func (s *session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound frames and hands them to the gateway. Any inbound
// traffic extends the read deadline; a silent agent times out and is torn
// down. Returns nil on a clean client close.
func (s *session) readPump(readLimit int64, readTimeout time.Duration, handle func(*Envelope)) error {
	s.conn.SetReadLimit(readLimit)
	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		env, err := Decode(frame)
		if err != nil {
			s.sendError(err.Error())
			continue
		}
		handle(env)
	}
}
