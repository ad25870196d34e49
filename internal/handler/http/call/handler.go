package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"securecall-backend/internal/domain"
	callService "securecall-backend/internal/service/call"
	"securecall-backend/pkg/metrics"
	"securecall-backend/pkg/response"
)

// Handler handles call signaling HTTP requests
type Handler struct {
	service *callService.Service
	metrics *metrics.Metrics
}

// NewHandler creates a new call handler. metrics may be nil.
func NewHandler(service *callService.Service, m *metrics.Metrics) *Handler {
	return &Handler{service: service, metrics: m}
}

// RegisterRoutes mounts the call routes on an authenticated router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	calls := r.Group("/calls")
	{
		calls.POST("", h.Initiate)
		calls.GET("", h.History)
		calls.GET("/:id", h.Get)
		calls.POST("/:id/answer", h.Answer)
		calls.POST("/:id/complete", h.CompleteKeyExchange)
		calls.POST("/:id/reject", h.Reject)
		calls.POST("/:id/cancel", h.Cancel)
		calls.POST("/:id/end", h.End)
		calls.POST("/:id/leave", h.Leave)
		calls.POST("/:id/rejoin", h.Rejoin)
	}

	groups := r.Group("/group-calls")
	{
		groups.POST("", h.CreateGroup)
		groups.POST("/:id/join", h.JoinGroup)
		groups.POST("/:id/leave", h.LeaveGroup)
		groups.POST("/:id/rejoin", h.RejoinGroup)
		groups.POST("/:id/decline", h.DeclineGroup)
		groups.PUT("/:id/media", h.UpdateGroupMedia)
		groups.PUT("/:id/sender-key", h.RotateSenderKey)
		groups.GET("/:id/participants", h.GroupParticipants)
	}
}

// currentUser extracts the authenticated user from the request context.
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

// callIDParam parses the :id path parameter.
func callIDParam(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}

// InitiateRequest represents call initiation request
type InitiateRequest struct {
	CallID          string `json:"call_id"` // optional, client-generated
	CalleeID        string `json:"callee_id" binding:"required,uuid"`
	EphemeralPublic []byte `json:"ephemeral_public" binding:"required"`
}

// Initiate starts a new direct call
// POST /v1/calls
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := currentUser(c)
	if !ok {
		return
	}

	calleeID, err := uuid.Parse(req.CalleeID)
	if err != nil {
		response.ValidationError(c, "Invalid callee ID")
		return
	}

	var callID uuid.UUID
	if req.CallID != "" {
		callID, err = uuid.Parse(req.CallID)
		if err != nil {
			response.ValidationError(c, "Invalid call ID")
			return
		}
	}

	call, err := h.service.Initiate(c.Request.Context(), &callService.InitiateCallInput{
		CallID:          callID,
		CallerID:        callerID,
		CalleeID:        calleeID,
		EphemeralPublic: req.EphemeralPublic,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordCallInitiated(string(call.CallType))
	}

	response.Success(c, http.StatusCreated, call)
}

// AnswerRequest represents call answer request
type AnswerRequest struct {
	EphemeralPublic []byte `json:"ephemeral_public" binding:"required"`
	KEMCiphertext   []byte `json:"kem_ciphertext"`
}

// Answer accepts a ringing call
// POST /v1/calls/:id/answer
func (h *Handler) Answer(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.service.Answer(c.Request.Context(), &callService.AnswerInput{
		CallID:          callID,
		UserID:          userID,
		EphemeralPublic: req.EphemeralPublic,
		KEMCiphertext:   req.KEMCiphertext,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// CompleteRequest represents the caller's final key exchange step
type CompleteRequest struct {
	KEMCiphertext []byte `json:"kem_ciphertext"`
}

// CompleteKeyExchange finishes the handshake and activates the call
// POST /v1/calls/:id/complete
func (h *Handler) CompleteKeyExchange(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	output, err := h.service.CompleteKeyExchange(c.Request.Context(), &callService.CompleteKeyExchangeInput{
		CallID:        callID,
		UserID:        userID,
		KEMCiphertext: req.KEMCiphertext,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call":        output.Call,
		"relay_token": output.RelayToken,
		"relay_host":  output.RelayHost,
		"relay_port":  output.RelayPort,
	})
}

// Reject declines a ringing call
// POST /v1/calls/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	h.simpleTransition(c, h.service.Reject, "Call rejected")
}

// Cancel withdraws a ringing call
// POST /v1/calls/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.simpleTransition(c, h.service.Cancel, "Call cancelled")
}

// EndRequest represents call termination request
type EndRequest struct {
	Reason string `json:"reason"`
}

// End terminates a call
// POST /v1/calls/:id/end
func (h *Handler) End(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req EndRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.ValidationError(c, err.Error())
		return
	}

	reason := domain.EndReasonNormal
	if req.Reason != "" {
		parsed, err := domain.ParseEndReason(req.Reason)
		if err != nil {
			response.ValidationError(c, "Invalid end reason")
			return
		}
		reason = parsed
	}

	call, err := h.service.End(c.Request.Context(), callID, userID, reason)
	if err != nil {
		response.AppError(c, err)
		return
	}

	if h.metrics != nil && call.Status.IsTerminal() {
		h.metrics.RecordCallEnded(string(call.CallType), string(call.EndReason), 0)
	}

	response.Success(c, http.StatusOK, call)
}

// Leave departs an active call without ending it
// POST /v1/calls/:id/leave
func (h *Handler) Leave(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	call, err := h.service.Leave(c.Request.Context(), callID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// Rejoin returns to an active call after a departure
// POST /v1/calls/:id/rejoin
func (h *Handler) Rejoin(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	output, err := h.service.Rejoin(c.Request.Context(), callID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call":        output.Call,
		"relay_token": output.RelayToken,
		"relay_host":  output.RelayHost,
		"relay_port":  output.RelayPort,
	})
}

// Get retrieves one call
// GET /v1/calls/:id
func (h *Handler) Get(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	call, err := h.service.GetCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// History retrieves the user's call history
// GET /v1/calls?limit=&offset=
func (h *Handler) History(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	limit := intQuery(c, "limit", 20)
	offset := intQuery(c, "offset", 0)

	calls, err := h.service.GetUserCallHistory(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"limit":  limit,
		"offset": offset,
	})
}

// simpleTransition handles the reject/cancel shape: path ID, acting user,
// empty body.
func (h *Handler) simpleTransition(c *gin.Context, fn func(ctx context.Context, callID, userID uuid.UUID) error, message string) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	if err := fn(c.Request.Context(), callID, userID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": message,
		"call_id": callID,
	})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	val := c.Query(name)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
