package ws

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/applydesk/dispatch/internal/dispatcher/auth"
	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

type Config struct {
	// HeartbeatTimeout is the read deadline. An agent that sends nothing for
	// this long is disconnected and its tasks released.
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	MaxMessageSize   int64
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512 * 1024
	}
	return c
}

// Gateway upgrades authenticated desktop connections and speaks the agent
// protocol over them. One session per connection; the session doubles as the
// agent's core.AgentTransport.
type Gateway struct {
	cfg          Config
	issuer       auth.Issuer
	registry     core.AgentRegistry
	coordinator  core.ClaimCoordinator
	queue        core.TaskQueueService
	distribution core.DistributionChannel
	upgrader     websocket.Upgrader
	logger       logging.Logger
}

func NewGateway(
	cfg Config,
	issuer auth.Issuer,
	registry core.AgentRegistry,
	coordinator core.ClaimCoordinator,
	queue core.TaskQueueService,
	distribution core.DistributionChannel,
	logger logging.Logger,
) *Gateway {
	return &Gateway{
		cfg:          cfg.withDefaults(),
		issuer:       issuer,
		registry:     registry,
		coordinator:  coordinator,
		queue:        queue,
		distribution: distribution,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Desktop agents are not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/agent", g.handleAgent)
}

func (g *Gateway) handleAgent(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticate(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized","code":401}`))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		g.logger.Warn("Websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	sess := newSession(conn, g.cfg.SendBuffer, g.cfg.WriteTimeout)
	agent := &core.Agent{
		ID:        uuid.New(),
		OwnerID:   claims.Subject,
		DeviceID:  claims.DeviceID,
		Transport: sess,
	}
	sess.agent = agent

	if err := g.registry.Register(agent); err != nil {
		g.logger.Error("Agent registration failed", "owner_id", claims.Subject, "error", err)
		sess.Close()
		return
	}

	g.logger.Info("Agent connected",
		"agent_id", agent.ID.String(),
		"owner_id", agent.OwnerID,
		"device_id", agent.DeviceID,
	)
	if err := g.distribution.EmitEvent(core.AgentConnectedEvent{
		AgentID:  agent.ID,
		OwnerID:  agent.OwnerID,
		DeviceID: agent.DeviceID,
	}); err != nil {
		g.logger.Warn("Failed to emit agent connect event", "agent_id", agent.ID.String(), "error", err)
	}

	go sess.writePump(g.cfg.PingInterval)

	if err := sess.sendMessage(TypeHandshake, HandshakePayload{AgentID: agent.ID.String()}); err != nil {
		g.logger.Warn("Handshake send failed", "agent_id", agent.ID.String(), "error", err)
	}

	readErr := sess.readPump(g.cfg.MaxMessageSize, g.cfg.HeartbeatTimeout, func(env *Envelope) {
		g.handleMessage(sess, env)
	})

	g.teardown(sess, readErr)
}

// authenticate only admits desktop credentials. Owner API credentials are for
// the REST surface and grant no agent access.
func (g *Gateway) authenticate(r *http.Request) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !found || token == "" {
		return nil, auth.ErrCredentialInvalid
	}

	claims, err := g.issuer.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Kind != auth.CredentialDesktop {
		return nil, auth.ErrCredentialInvalid
	}
	return claims, nil
}

func (g *Gateway) handleMessage(s *session, env *Envelope) {
	switch env.Type {
	case TypeHeartbeat:
		if err := g.registry.Heartbeat(s.agent.ID); err != nil {
			g.logger.Debug("Heartbeat for unknown agent", "agent_id", s.agent.ID.String())
		}

	case TypeCapabilities:
		var p CapabilitiesPayload
		if err := env.DecodeData(&p); err != nil {
			s.sendError("malformed capabilities payload")
			return
		}
		caps := core.Capabilities{
			BrowserAutomation: p.BrowserAutomation,
			CaptchaHandling:   p.CaptchaHandling,
			MaxConcurrency:    p.MaxConcurrency,
		}
		if err := g.registry.UpdateCapabilities(s.agent.ID, caps); err != nil {
			s.sendError("capabilities rejected")
		}

	case TypeSubscribeQueue:
		pending, err := g.distribution.Subscribe(s.agent)
		if err != nil {
			g.logger.Error("Queue subscription failed", "agent_id", s.agent.ID.String(), "error", err)
			s.sendError("subscription failed")
			return
		}
		g.registry.MarkSubscribed(s.agent.ID)
		s.sendMessage(TypeStreamInitialized, StreamInitializedPayload{TotalPending: pending})

	case TypeJobClaimed:
		var p ClaimPayload
		if !g.decode(s, env, &p) {
			return
		}
		taskID, ok := g.parseTaskID(s, p.TaskID)
		if !ok {
			return
		}
		outcome, _, err := g.coordinator.Claim(taskID, s.agent.ID)
		if err != nil || outcome == core.ClaimLost {
			// Cancelled, finished or foreign tasks all answer the same way:
			// this job is not yours to run.
			s.sendMessage(TypeAlreadyClaimed, ClaimOutcomePayload{TaskID: taskID.String()})
			return
		}
		s.sendMessage(TypeClaimConfirmed, ClaimOutcomePayload{TaskID: taskID.String()})

	case TypeJobProgress:
		var p ProgressPayload
		if !g.decode(s, env, &p) {
			return
		}
		taskID, ok := g.parseTaskID(s, p.TaskID)
		if !ok {
			return
		}
		if err := g.queue.ReportProgress(taskID, s.agent.ID, p.Progress, p.Step); err != nil {
			// Stale reporters are dropped without a reply.
			g.logger.Debug("Progress report dropped", "task_id", taskID.String(), "error", err)
		}

	case TypeJobResult:
		var p ResultPayload
		if !g.decode(s, env, &p) {
			return
		}
		taskID, ok := g.parseTaskID(s, p.TaskID)
		if !ok {
			return
		}
		result := &core.TaskResult{
			ConfirmationNumber: p.Result.ConfirmationNumber,
			Message:            p.Result.Message,
			CompletedAt:        time.Now(),
		}
		if err := g.queue.Complete(taskID, s.agent.ID, result); err != nil {
			g.logger.Debug("Result dropped", "task_id", taskID.String(), "error", err)
		}

	case TypeJobError:
		var p JobErrorPayload
		if !g.decode(s, env, &p) {
			return
		}
		taskID, ok := g.parseTaskID(s, p.TaskID)
		if !ok {
			return
		}
		if _, err := g.queue.Fail(taskID, s.agent.ID, p.Error, core.ErrorClassification(p.Classification)); err != nil {
			g.logger.Debug("Failure report dropped", "task_id", taskID.String(), "error", err)
		}

	default:
		s.sendError("unknown message type: " + env.Type)
	}
}

// teardown releases everything the connection held. A liveness sweep racing
// the same agent is harmless: release and unregister are idempotent.
func (g *Gateway) teardown(s *session, readErr error) {
	reason := "connection closed"
	if readErr != nil {
		reason = "connection lost"
	}

	agent, err := g.registry.GetAgent(s.agent.ID)
	if err != nil {
		// Already removed, most likely by the liveness sweep.
		s.Close()
		return
	}

	for taskID := range agent.CurrentTasks {
		if _, err := g.coordinator.Release(taskID); err != nil {
			g.logger.Warn("Release on disconnect failed", "task_id", taskID.String(), "error", err)
		}
	}

	if err := g.distribution.Unsubscribe(s.agent); err != nil {
		g.logger.Warn("Unsubscribe on disconnect failed", "agent_id", s.agent.ID.String(), "error", err)
	}
	if err := g.registry.Unregister(s.agent.ID, reason); err != nil && !errors.Is(err, core.ErrAgentNotFound) {
		g.logger.Warn("Unregister on disconnect failed", "agent_id", s.agent.ID.String(), "error", err)
	}
	if err := g.distribution.EmitEvent(core.AgentRemovedEvent{
		AgentID: s.agent.ID,
		OwnerID: s.agent.OwnerID,
		Reason:  reason,
	}); err != nil {
		g.logger.Warn("Failed to emit agent removal event", "agent_id", s.agent.ID.String(), "error", err)
	}

	g.logger.Info("Agent disconnected",
		"agent_id", s.agent.ID.String(),
		"owner_id", s.agent.OwnerID,
		"reason", reason,
	)
}

func (g *Gateway) decode(s *session, env *Envelope, v any) bool {
	if err := env.DecodeData(v); err != nil {
		s.sendError("malformed " + env.Type + " payload")
		return false
	}
	return true
}

func (g *Gateway) parseTaskID(s *session, raw string) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(raw)
	if err != nil {
		s.sendError("malformed task id")
		return uuid.Nil, false
	}
	return taskID, true
}
