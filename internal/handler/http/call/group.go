package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	callService "securecall-backend/internal/service/call"
	"securecall-backend/pkg/response"
)

// CreateGroupRequest represents group call creation request
type CreateGroupRequest struct {
	CallID         string   `json:"call_id"` // optional, client-generated
	ConversationID string   `json:"conversation_id" binding:"required,uuid"`
	MemberIDs      []string `json:"member_ids" binding:"required,min=2,max=10"`
}

// CreateGroup starts a group call for a conversation
// POST /v1/group-calls
func (h *Handler) CreateGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	initiatorID, ok := currentUser(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	memberIDs := make([]uuid.UUID, len(req.MemberIDs))
	for i, idStr := range req.MemberIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.ValidationError(c, "Invalid member ID: "+idStr)
			return
		}
		memberIDs[i] = id
	}

	var callID uuid.UUID
	if req.CallID != "" {
		callID, err = uuid.Parse(req.CallID)
		if err != nil {
			response.ValidationError(c, "Invalid call ID")
			return
		}
	}

	output, err := h.service.CreateGroupCall(c.Request.Context(), &callService.CreateGroupCallInput{
		CallID:         callID,
		InitiatorID:    initiatorID,
		ConversationID: conversationID,
		MemberIDs:      memberIDs,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordCallInitiated(string(output.Call.CallType))
	}

	response.Success(c, http.StatusCreated, groupOutputBody(output))
}

// JoinGroup admits the user into a ringing group call
// POST /v1/group-calls/:id/join
func (h *Handler) JoinGroup(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	output, err := h.service.JoinGroupCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, groupOutputBody(output))
}

// LeaveGroup removes the user from a group call
// POST /v1/group-calls/:id/leave
func (h *Handler) LeaveGroup(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	call, err := h.service.LeaveGroupCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// RejoinGroup readmits the user within the rejoin window
// POST /v1/group-calls/:id/rejoin
func (h *Handler) RejoinGroup(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	output, err := h.service.RejoinGroupCall(c.Request.Context(), callID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, groupOutputBody(output))
}

// DeclineGroup declines a group call invitation
// POST /v1/group-calls/:id/decline
func (h *Handler) DeclineGroup(c *gin.Context) {
	h.simpleTransition(c, h.service.DeclineGroupCall, "Call declined")
}

// UpdateMediaRequest represents mute/deafen state change
type UpdateMediaRequest struct {
	IsMuted    bool `json:"is_muted"`
	IsDeafened bool `json:"is_deafened"`
}

// UpdateGroupMedia updates the user's mute/deafen state
// PUT /v1/group-calls/:id/media
func (h *Handler) UpdateGroupMedia(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req UpdateMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	err := h.service.UpdateGroupMedia(c.Request.Context(), &callService.UpdateGroupMediaInput{
		CallID:     callID,
		UserID:     userID,
		IsMuted:    req.IsMuted,
		IsDeafened: req.IsDeafened,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id":     callID,
		"is_muted":    req.IsMuted,
		"is_deafened": req.IsDeafened,
	})
}

// RotateSenderKeyRequest represents a sender key rotation
type RotateSenderKeyRequest struct {
	EncryptedSenderKey []byte `json:"encrypted_sender_key" binding:"required"`
	Version            int    `json:"version" binding:"required,min=1"`
}

// RotateSenderKey rotates the user's encrypted sender key
// PUT /v1/group-calls/:id/sender-key
func (h *Handler) RotateSenderKey(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req RotateSenderKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	err := h.service.RotateSenderKey(c.Request.Context(), &callService.RotateSenderKeyInput{
		CallID:             callID,
		UserID:             userID,
		EncryptedSenderKey: req.EncryptedSenderKey,
		Version:            req.Version,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"version": req.Version,
	})
}

// GroupParticipants retrieves the participant roster
// GET /v1/group-calls/:id/participants
func (h *Handler) GroupParticipants(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	participants, err := h.service.GetGroupParticipants(c.Request.Context(), callID, userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"participants": participants})
}

func groupOutputBody(output *callService.GroupCallOutput) gin.H {
	return gin.H{
		"call":         output.Call,
		"participants": output.Participants,
		"relay_token":  output.RelayToken,
		"relay_host":   output.RelayHost,
		"relay_port":   output.RelayPort,
	}
}
