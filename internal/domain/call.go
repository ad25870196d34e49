package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes one-to-one calls from conversation-wide group calls.
type CallType string

const (
	CallTypeDirect CallType = "direct"
	CallTypeGroup  CallType = "group"
)

// CallStatus is the server-authoritative lifecycle state of a call.
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
	CallStatusMissed     CallStatus = "missed"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusCancelled  CallStatus = "cancelled"
)

// TerminalCallStatuses are the states a call can never leave.
var TerminalCallStatuses = []CallStatus{
	CallStatusEnded,
	CallStatusMissed,
	CallStatusRejected,
	CallStatusCancelled,
}

// IsTerminal reports whether the status admits no further transitions.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusMissed, CallStatusRejected, CallStatusCancelled:
		return true
	}
	return false
}

// ParseCallStatus decodes a persisted status string. Unknown strings are a
// deserialization error, never silently defaulted.
func ParseCallStatus(s string) (CallStatus, error) {
	switch CallStatus(s) {
	case CallStatusPending, CallStatusRinging, CallStatusConnecting, CallStatusActive,
		CallStatusEnded, CallStatusMissed, CallStatusRejected, CallStatusCancelled:
		return CallStatus(s), nil
	}
	return "", fmt.Errorf("unknown call status %q", s)
}

// EndReason records why a call reached a terminal state.
type EndReason string

const (
	EndReasonNormal            EndReason = "normal"
	EndReasonTimeout           EndReason = "timeout"
	EndReasonNetworkError      EndReason = "network_error"
	EndReasonDeclined          EndReason = "declined"
	EndReasonBusy              EndReason = "busy"
	EndReasonCancelled         EndReason = "cancelled"
	EndReasonFailed            EndReason = "failed"
	EndReasonInconsistentState EndReason = "inconsistent_state"
)

// ParseEndReason decodes a persisted end reason string.
func ParseEndReason(s string) (EndReason, error) {
	switch EndReason(s) {
	case EndReasonNormal, EndReasonTimeout, EndReasonNetworkError, EndReasonDeclined,
		EndReasonBusy, EndReasonCancelled, EndReasonFailed, EndReasonInconsistentState:
		return EndReason(s), nil
	}
	return "", fmt.Errorf("unknown end reason %q", s)
}

// Call represents one direct or group call.
//
// Direct calls use CallerID/CalleeID; group calls use CallerID as the
// initiator plus ConversationID with a separate participant set. The
// ephemeral public keys are transport for the client key-exchange protocol
// only and are cleared the moment the call leaves the active state.
type Call struct {
	CallID         uuid.UUID  `json:"call_id"`
	CallType       CallType   `json:"call_type"`
	CallerID       uuid.UUID  `json:"caller_id"`
	CalleeID       uuid.UUID  `json:"callee_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Status         CallStatus `json:"status"`

	CallerEphemeralPublic []byte `json:"caller_ephemeral_public,omitempty"`
	CalleeEphemeralPublic []byte `json:"callee_ephemeral_public,omitempty"`

	RelayTokenHash      []byte     `json:"-"`
	RelayTokenExpiresAt *time.Time `json:"-"`

	CreatedAt     time.Time  `json:"created_at"`
	RingStartedAt *time.Time `json:"ring_started_at,omitempty"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	CallerLeftAt  *time.Time `json:"caller_left_at,omitempty"`
	CalleeLeftAt  *time.Time `json:"callee_left_at,omitempty"`

	EndReason       EndReason `json:"end_reason,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
}

// IsParticipant reports whether the user is one of the direct call's legs.
func (c *Call) IsParticipant(userID uuid.UUID) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// ParticipantStatus is the lifecycle state of one group call member.
type ParticipantStatus string

const (
	ParticipantStatusInvited    ParticipantStatus = "invited"
	ParticipantStatusRinging    ParticipantStatus = "ringing"
	ParticipantStatusConnecting ParticipantStatus = "connecting"
	ParticipantStatusActive     ParticipantStatus = "active"
	ParticipantStatusLeft       ParticipantStatus = "left"
	ParticipantStatusDeclined   ParticipantStatus = "declined"
)

// IsTerminal reports whether the participant can no longer change state
// without an explicit rejoin.
func (s ParticipantStatus) IsTerminal() bool {
	return s == ParticipantStatusLeft || s == ParticipantStatusDeclined
}

// ParseParticipantStatus decodes a persisted participant status string.
func ParseParticipantStatus(s string) (ParticipantStatus, error) {
	switch ParticipantStatus(s) {
	case ParticipantStatusInvited, ParticipantStatusRinging, ParticipantStatusConnecting,
		ParticipantStatusActive, ParticipantStatusLeft, ParticipantStatusDeclined:
		return ParticipantStatus(s), nil
	}
	return "", fmt.Errorf("unknown participant status %q", s)
}

// GroupCallParticipant is one (call, user) row of a group call.
// EncryptedSenderKey is opaque to the server; only the group-crypto layer on
// the clients can interpret it.
type GroupCallParticipant struct {
	CallID             uuid.UUID         `json:"call_id"`
	UserID             uuid.UUID         `json:"user_id"`
	Status             ParticipantStatus `json:"status"`
	IsMuted            bool              `json:"is_muted"`
	IsDeafened         bool              `json:"is_deafened"`
	JoinedAt           *time.Time        `json:"joined_at,omitempty"`
	LeftAt             *time.Time        `json:"left_at,omitempty"`
	EncryptedSenderKey []byte            `json:"encrypted_sender_key,omitempty"`
	SenderKeyVersion   int               `json:"sender_key_version"`
}

// Group call size bounds.
const (
	GroupCallMinMembers = 2
	GroupCallMaxMembers = 10
)
