package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/applydesk/dispatch/internal/dispatcher/auth"
	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/dispatcher/ratelimit"
	"github.com/applydesk/dispatch/internal/shared/config"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

const (
	defaultListLimit = 10

	pairingInstructions = "Enter this token in the desktop agent within its validity window to finish pairing."
)

type API struct {
	queue    core.TaskQueueService
	registry core.AgentRegistry
	exchange core.ExchangeTokenService
	issuer   auth.Issuer
	limiter  ratelimit.Limiter
	logger   logging.Logger
}

func NewAPI(
	queue core.TaskQueueService,
	registry core.AgentRegistry,
	exchange core.ExchangeTokenService,
	issuer auth.Issuer,
	limiter ratelimit.Limiter,
	logger logging.Logger,
) *API {
	return &API{
		queue:    queue,
		registry: registry,
		exchange: exchange,
		issuer:   issuer,
		limiter:  limiter,
		logger:   logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", a.requireAccess(a.createTask))
	mux.HandleFunc("GET /api/tasks", a.requireAccess(a.listTasks))
	mux.HandleFunc("GET /api/tasks/{id}", a.requireAccess(a.getTask))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", a.requireAccess(a.cancelTask))
	mux.HandleFunc("GET /api/agents", a.requireAccess(a.listAgents))
	mux.HandleFunc("POST /api/exchange/initiate", a.requireAccess(a.initiateExchange))
	mux.HandleFunc("POST /api/exchange/complete", a.completeExchange)
	mux.HandleFunc("GET /api/exchange/verify/{token}", a.verifyExchange)
	mux.HandleFunc("GET /healthz", a.health)
}

// requireAccess verifies the bearer credential and rejects anything that is
// not a live ACCESS credential. Desktop credentials are for the websocket
// surface only.
func (a *API) requireAccess(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			a.respondError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}

		claims, err := a.issuer.Verify(token)
		if err != nil || claims.Kind != auth.CredentialAccess {
			a.respondError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}

		ctx := r.Context()
		next(w, r.WithContext(contextWithClaims(ctx, claims)))
	}
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OwnerID != "" && req.OwnerID != claims.Subject {
		a.respondError(w, http.StatusForbidden, "owner mismatch", "")
		return
	}

	task := req.ToTask(claims.Subject)
	position, err := a.queue.Enqueue(task)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}

	state := string(task.State)
	if stored, err := a.queue.GetTask(task.ID); err == nil {
		state = string(stored.State)
	}

	a.respondJSON(w, http.StatusCreated, CreateTaskResponse{
		TaskID:        task.ID.String(),
		State:         state,
		QueuePosition: position,
	})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid task id", "")
		return
	}

	task, err := a.queue.GetTask(id)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	// Tasks of other owners read as absent.
	if task.OwnerID != claims.Subject {
		a.respondError(w, http.StatusNotFound, "task not found", "")
		return
	}

	position := 0
	if task.State == core.TaskStateWaitingForAgent {
		if p, err := a.queue.Position(id); err == nil {
			position = p
		}
	}

	a.respondJSON(w, http.StatusOK, ToTaskResponse(task, position))
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	query := r.URL.Query()

	if ownerID := query.Get("ownerId"); ownerID != "" && ownerID != claims.Subject {
		a.respondError(w, http.StatusForbidden, "owner mismatch", "")
		return
	}

	filter := core.TaskFilter{
		OwnerID: claims.Subject,
		Limit:   defaultListLimit,
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}
	if stateStr := query.Get("state"); stateStr != "" {
		state := core.TaskState(stateStr)
		filter.State = &state
	}

	tasks, total, err := a.queue.GetTasks(filter)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}

	items := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, ToTaskResponse(task, 0))
	}

	var nextOffset *int
	if end := filter.Offset + len(items); end < total {
		nextOffset = &end
	}

	a.respondJSON(w, http.StatusOK, ListTasksResponse{
		Tasks:      items,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
	})
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid task id", "")
		return
	}

	task, err := a.queue.GetTask(id)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	if task.OwnerID != claims.Subject {
		a.respondError(w, http.StatusNotFound, "task not found", "")
		return
	}

	if err := a.queue.Cancel(id); err != nil {
		a.respondServiceError(w, err)
		return
	}

	cancelled, err := a.queue.GetTask(id)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, ToTaskResponse(cancelled, 0))
}

func (a *API) listAgents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())

	agents, err := a.registry.ListAgents(claims.Subject)
	if err != nil {
		a.respondServiceError(w, err)
		return
	}
	slices.SortFunc(agents, func(x, y *core.Agent) int {
		return x.ConnectedAt.Compare(y.ConnectedAt)
	})

	items := make([]AgentResponse, 0, len(agents))
	for _, agent := range agents {
		items = append(items, ToAgentResponse(agent))
	}
	a.respondJSON(w, http.StatusOK, ListAgentsResponse{Agents: items})
}

func (a *API) initiateExchange(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())

	if !a.limiter.Allow("exchange:initiate:" + claims.Subject) {
		a.respondError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
		return
	}

	var req InitiateExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	token, err := a.exchange.Initiate(claims.Subject, req.ToDeviceInfo())
	if err != nil {
		a.respondServiceError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, InitiateExchangeResponse{
		ExchangeToken: token.Token,
		ExpiresAt:     token.ExpiresAt,
		Instructions:  pairingInstructions,
	})
}

func (a *API) completeExchange(w http.ResponseWriter, r *http.Request) {
	var req CompleteExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.ExchangeToken == "" || req.DeviceID == "" {
		a.respondError(w, http.StatusBadRequest, "validation failed", "exchangeToken and deviceId are required")
		return
	}

	if !a.limiter.Allow("exchange:complete:" + req.DeviceID) {
		a.respondError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
		return
	}

	grant, err := a.exchange.Complete(req.ExchangeToken, req.ToDeviceInfo())
	if err != nil {
		// One rejection body for every token failure so the endpoint cannot
		// be used to probe token state.
		if isTokenRejection(err) {
			a.respondError(w, http.StatusUnauthorized, "pairing rejected", "")
			return
		}
		a.respondServiceError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, CompleteExchangeResponse{
		AccessToken: grant.Credential,
		TokenType:   "Bearer",
		ExpiresIn:   grant.ExpiresAt - time.Now().Unix(),
	})
}

func (a *API) verifyExchange(w http.ResponseWriter, r *http.Request) {
	record, err := a.exchange.Verify(r.PathValue("token"))
	if err != nil {
		a.respondJSON(w, http.StatusOK, VerifyExchangeResponse{Valid: false})
		return
	}

	a.respondJSON(w, http.StatusOK, VerifyExchangeResponse{
		Valid:      true,
		DeviceInfo: ToDeviceInfoDTO(record.Device),
		ExpiresAt:  &record.ExpiresAt,
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (a *API) respondServiceError(w http.ResponseWriter, err error) {
	var validationErr *core.ValidationError
	switch {
	case errors.As(err, &validationErr):
		a.respondError(w, http.StatusBadRequest, "validation failed", validationErr.Error())
	case errors.Is(err, core.ErrTaskNotFound):
		a.respondError(w, http.StatusNotFound, "task not found", "")
	case errors.Is(err, core.ErrTaskTerminal):
		a.respondError(w, http.StatusConflict, "task already in a terminal state", "")
	default:
		a.logger.Error("Request failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func isTokenRejection(err error) bool {
	return errors.Is(err, core.ErrTokenInvalid) ||
		errors.Is(err, core.ErrTokenExpired) ||
		errors.Is(err, core.ErrTokenAlreadyUsed) ||
		errors.Is(err, core.ErrDeviceMismatch)
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	}
	a.respondJSON(w, statusCode, resp)
}

// Registrar installs handlers on the server mux. The REST API and the agent
// websocket gateway register on one shared listener.
type Registrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

func NewServer(cfg config.RESTConfig, logger logging.Logger, surfaces ...Registrar) *http.Server {
	mux := http.NewServeMux()
	for _, surface := range surfaces {
		surface.RegisterRoutes(mux)
	}

	handler := ChainMiddleware(
		mux,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)

	// The websocket gateway is unaffected by the write timeout: the upgrade
	// hijacks the connection and clears its deadlines.
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
