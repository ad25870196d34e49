package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"securecall-backend/pkg/push"
	"securecall-backend/pkg/response"
)

// Handler handles push token registration HTTP requests
type Handler struct {
	service *push.Service
}

// NewHandler creates a new push handler
func NewHandler(service *push.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the push routes on an authenticated router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	tokens := r.Group("/push-tokens")
	{
		tokens.POST("", h.Register)
		tokens.DELETE("/:id", h.Unregister)
	}
}

// RegisterRequest represents push token registration request
type RegisterRequest struct {
	Token    string `json:"token" binding:"required"`
	Type     string `json:"type" binding:"required,oneof=fcm apns"`
	Platform string `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// Register stores a device push token
// POST /v1/push-tokens
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	token := &push.Token{
		UserID:   userID,
		Token:    req.Token,
		Type:     push.TokenType(req.Type),
		Platform: req.Platform,
	}

	if err := h.service.RegisterToken(c.Request.Context(), token); err != nil {
		response.InternalError(c, "Failed to register push token")
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"id": token.ID})
}

// Unregister removes a device push token
// DELETE /v1/push-tokens/:id
func (h *Handler) Unregister(c *gin.Context) {
	tokenID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid token ID")
		return
	}

	if err := h.service.UnregisterToken(c.Request.Context(), tokenID); err != nil {
		response.InternalError(c, "Failed to unregister push token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Token unregistered"})
}
