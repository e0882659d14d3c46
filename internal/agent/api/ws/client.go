// Package ws dials the dispatcher's agent websocket and keeps the
// connection alive across network failures. Frames use the dispatcher's
// wire package, so both ends share one protocol definition.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	protocol "github.com/applydesk/dispatch/internal/dispatcher/api/ws"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

var (
	// ErrNotConnected means the frame was dropped because no connection is
	// up right now. Queue announcements are re-sent by the dispatcher, so
	// callers usually just wait for the next one.
	ErrNotConnected   = errors.New("not connected to dispatcher")
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrCredentialRejected means the dispatcher refused the desktop
	// credential. Reconnecting cannot fix that; the device must pair again.
	ErrCredentialRejected = errors.New("desktop credential rejected")
)

type Config struct {
	// URL is the full websocket endpoint, e.g. ws://localhost:8080/ws/agent.
	URL   string
	Token string

	ConnectTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	HeartbeatEvery time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	// The dispatcher declares agents dead after two silent heartbeat
	// intervals (15s each), so the default cadence matches that contract.
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	return c
}

// EndpointURL derives the agent websocket URL from the dispatcher's HTTP
// base URL.
func EndpointURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https"):
		base = "wss" + strings.TrimPrefix(base, "https")
	case strings.HasPrefix(base, "http"):
		base = "ws" + strings.TrimPrefix(base, "http")
	}
	return base + "/ws/agent"
}

// Handler receives dispatcher frames. Calls arrive from the read loop, one
// frame at a time; long work must move to its own goroutine.
type Handler interface {
	// OnConnected fires once per connection, after the dispatcher's
	// handshake. Capability and subscription frames belong here because a
	// reconnect starts a fresh session on the dispatcher side.
	OnConnected(agentID string)
	OnStreamInitialized(totalPending int)
	OnJobAvailable(job protocol.JobAvailablePayload)
	OnClaimConfirmed(taskID string)
	OnAlreadyClaimed(taskID string)
	OnServerError(message string)
	// OnDisconnected fires when an established connection drops. Claims that
	// were in flight are released by the dispatcher and re-announced.
	OnDisconnected(err error)
}

// Client maintains one websocket connection to the dispatcher, redialing
// with capped exponential backoff when it drops.
type Client struct {
	cfg     Config
	handler Handler
	logger  logging.Logger

	mu   sync.Mutex
	sess *connState
}

func NewClient(cfg Config, handler Handler, logger logging.Logger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  logger,
	}
}

// Run dials and serves connections until the context is cancelled or the
// credential is rejected outright.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		connected, err := c.runOnce(ctx)
		if errors.Is(err, ErrCredentialRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.cfg.MinBackoff
			c.handler.OnDisconnected(err)
		}

		c.logger.Warn("Dispatcher unreachable, retrying",
			"error", err,
			"retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrCredentialRejected
		}
		return false, fmt.Errorf("dial dispatcher: %w", err)
	}

	sess := &connState{
		conn: conn,
		send: make(chan []byte, c.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		sess.close()
	}()

	// Unblock the read loop when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"), deadline)
			sess.close()
		case <-stop:
		}
	}()

	go c.writePump(sess)

	return true, c.readLoop(sess)
}

func (c *Client) readLoop(sess *connState) error {
	conn := sess.conn
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		env, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("Malformed dispatcher frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHandshake:
		var p protocol.HandshakePayload
		if !c.decode(env, &p) {
			return
		}
		c.handler.OnConnected(p.AgentID)
	case protocol.TypeStreamInitialized:
		var p protocol.StreamInitializedPayload
		if !c.decode(env, &p) {
			return
		}
		c.handler.OnStreamInitialized(p.TotalPending)
	case protocol.TypeJobAvailable:
		var p protocol.JobAvailablePayload
		if !c.decode(env, &p) {
			return
		}
		c.handler.OnJobAvailable(p)
	case protocol.TypeClaimConfirmed:
		var p protocol.ClaimOutcomePayload
		if !c.decode(env, &p) {
			return
		}
		c.handler.OnClaimConfirmed(p.TaskID)
	case protocol.TypeAlreadyClaimed:
		var p protocol.ClaimOutcomePayload
		if !c.decode(env, &p) {
			return
		}
		c.handler.OnAlreadyClaimed(p.TaskID)
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if !c.decode(env, &p) {
			return
		}
		c.handler.OnServerError(p.Message)
	default:
		c.logger.Debug("Ignoring unknown frame", "type", env.Type)
	}
}

func (c *Client) decode(env *protocol.Envelope, v any) bool {
	if err := env.DecodeData(v); err != nil {
		c.logger.Warn("Malformed dispatcher payload", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (c *Client) writePump(sess *connState) {
	ticker := time.NewTicker(c.cfg.HeartbeatEvery)
	defer ticker.Stop()

	write := func(frame []byte) bool {
		sess.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			sess.close()
			return false
		}
		return true
	}

	for {
		select {
		case <-sess.done:
			return
		case frame := <-sess.send:
			if !write(frame) {
				return
			}
		case <-ticker.C:
			frame, err := protocol.Encode(protocol.TypeHeartbeat, nil)
			if err != nil {
				continue
			}
			if !write(frame) {
				return
			}
		}
	}
}

// Capabilities reports what this agent can do and how many jobs it runs at
// once.
func (c *Client) Capabilities(caps protocol.CapabilitiesPayload) error {
	return c.sendMessage(protocol.TypeCapabilities, caps)
}

// SubscribeQueue joins the owner's queue stream. The dispatcher replays the
// unclaimed backlog before confirming.
func (c *Client) SubscribeQueue() error {
	return c.sendMessage(protocol.TypeSubscribeQueue, nil)
}

// ClaimJob asks for exclusive ownership of an announced task. The answer
// arrives as a claim-confirmed or already-claimed frame.
func (c *Client) ClaimJob(taskID string) error {
	return c.sendMessage(protocol.TypeJobClaimed, protocol.ClaimPayload{TaskID: taskID})
}

func (c *Client) ReportProgress(taskID string, progress int, step string) error {
	return c.sendMessage(protocol.TypeJobProgress, protocol.ProgressPayload{
		TaskID:   taskID,
		Progress: progress,
		Step:     step,
	})
}

func (c *Client) ReportResult(taskID, confirmationNumber, message string) error {
	return c.sendMessage(protocol.TypeJobResult, protocol.ResultPayload{
		TaskID: taskID,
		Result: protocol.ResultDTO{
			ConfirmationNumber: confirmationNumber,
			Message:            message,
		},
	})
}

func (c *Client) ReportError(taskID, message, classification string) error {
	return c.sendMessage(protocol.TypeJobError, protocol.JobErrorPayload{
		TaskID:         taskID,
		Error:          message,
		Classification: classification,
	})
}

func (c *Client) sendMessage(msgType string, payload any) error {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	select {
	case <-sess.done:
		return ErrNotConnected
	case sess.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// connState is one dialed connection. A new one is built per redial so that
// frames queued for a dead connection never leak into the next.
type connState struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *connState) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	s.conn.Close()
}
