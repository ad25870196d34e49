package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"securecall-backend/internal/domain"
)

// EventType identifies one signaling event delivered to a client.
type EventType string

// Direct call events.
const (
	EventCallOffered     EventType = "call_offered"
	EventCallAnswered    EventType = "call_answered"
	EventCallKeyComplete EventType = "call_key_complete"
	EventCallRejected    EventType = "call_rejected"
	EventCallCancelled   EventType = "call_cancelled"
	EventCallEnded       EventType = "call_ended"
	EventCallMediaReady  EventType = "call_media_ready"
	EventCallLeave       EventType = "call_leave"
	EventCallRejoin      EventType = "call_rejoin"
)

// Group call events.
const (
	EventGroupRing       EventType = "group_call_ring"
	EventGroupJoined     EventType = "group_participant_joined"
	EventGroupLeft       EventType = "group_participant_left"
	EventGroupEnded      EventType = "group_call_ended"
	EventGroupMuteUpdate EventType = "group_mute_update"
	EventGroupSenderKey  EventType = "group_sender_key"
)

// Event carries the minimal fields a client needs to react to one call state
// transition. Forced (reaper) transitions use the exact same shapes as
// user-initiated ones; clients branch only on Reason.
type Event struct {
	Type           EventType  `json:"type"`
	CallID         uuid.UUID  `json:"call_id"`
	CallType       string     `json:"call_type,omitempty"`
	SenderID       uuid.UUID  `json:"sender_id,omitempty"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`

	// Opaque key-exchange material, passed through verbatim.
	EphemeralPublic []byte `json:"ephemeral_public,omitempty"`
	KEMCiphertext   []byte `json:"kem_ciphertext,omitempty"`

	// Relay access, present only on key-complete / rejoin / media-ready.
	RelayToken []byte `json:"relay_token,omitempty"`
	RelayHost  string `json:"relay_host,omitempty"`
	RelayPort  int    `json:"relay_port,omitempty"`

	// Group mute/sender-key payloads.
	IsMuted            *bool  `json:"is_muted,omitempty"`
	IsDeafened         *bool  `json:"is_deafened,omitempty"`
	EncryptedSenderKey []byte `json:"encrypted_sender_key,omitempty"`
	SenderKeyVersion   int    `json:"sender_key_version,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// EndedEvent builds the uniform call-ended event for a terminal call row.
func EndedEvent(call *domain.Call) *Event {
	eventType := EventCallEnded
	if call.CallType == domain.CallTypeGroup {
		eventType = EventGroupEnded
	}
	return &Event{
		Type:           eventType,
		CallID:         call.CallID,
		CallType:       string(call.CallType),
		ConversationID: call.ConversationID,
		Reason:         string(call.EndReason),
		Timestamp:      time.Now(),
	}
}

// Notifier delivers signaling events to users. Delivery is best-effort and
// strictly post-commit: a failed notification never rolls back or retries the
// state transition it describes.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, event *Event) error
}

// Nop discards all events. Used in tests and when Redis is unavailable.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(ctx context.Context, userID uuid.UUID, event *Event) error {
	return nil
}
