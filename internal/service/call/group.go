package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"securecall-backend/internal/domain"
	"securecall-backend/internal/notify"
	apperrors "securecall-backend/pkg/errors"
	"securecall-backend/pkg/relaytoken"
)

// CreateGroupCallInput contains group call creation data
type CreateGroupCallInput struct {
	CallID         uuid.UUID
	InitiatorID    uuid.UUID
	ConversationID uuid.UUID
	MemberIDs      []uuid.UUID // conversation membership including the initiator
}

// GroupCallOutput carries a group call plus the acting user's relay access
type GroupCallOutput struct {
	Call         *domain.Call
	Participants []*domain.GroupCallParticipant
	RelayToken   []byte
	RelayHost    string
	RelayPort    int
}

// CreateGroupCall starts a group call for a conversation, ringing every
// member except the initiator. The initiator joins immediately and receives a
// relay token up front; the call itself stays ringing until a second member
// joins.
func (s *Service) CreateGroupCall(ctx context.Context, input *CreateGroupCallInput) (*GroupCallOutput, error) {
	if s.cfg.Disabled {
		return nil, apperrors.CallsDisabledError()
	}
	if len(input.MemberIDs) < domain.GroupCallMinMembers || len(input.MemberIDs) > domain.GroupCallMaxMembers {
		return nil, apperrors.GroupSizeError(fmt.Sprintf(
			"Group calls require %d to %d members, got %d",
			domain.GroupCallMinMembers, domain.GroupCallMaxMembers, len(input.MemberIDs)))
	}

	found := false
	for _, id := range input.MemberIDs {
		if id == input.InitiatorID {
			found = true
			break
		}
	}
	if !found {
		return nil, apperrors.NotParticipantError()
	}

	callID := input.CallID
	if callID == uuid.Nil {
		callID = uuid.New()
	}

	now := time.Now()
	conversationID := input.ConversationID
	call := &domain.Call{
		CallID:         callID,
		CallType:       domain.CallTypeGroup,
		CallerID:       input.InitiatorID,
		CalleeID:       input.InitiatorID,
		ConversationID: &conversationID,
		Status:         domain.CallStatusRinging,
		CreatedAt:      now,
		RingStartedAt:  &now,
	}

	if err := s.calls.CreateGroupWithAdmission(ctx, call, input.MemberIDs); err != nil {
		return nil, mapStoreErr(err)
	}

	token, expiresAt, err := s.mintToken(callID, input.InitiatorID, relaytoken.RoleGroup)
	if err != nil {
		return nil, err
	}
	if err := s.calls.UpdateRelayTokenHash(ctx, callID, relaytoken.Hash(token), expiresAt); err != nil {
		return nil, mapStoreErr(err)
	}

	for _, memberID := range input.MemberIDs {
		if memberID == input.InitiatorID {
			continue
		}
		s.notifyUser(ctx, memberID, &notify.Event{
			Type:           notify.EventGroupRing,
			CallID:         callID,
			CallType:       string(domain.CallTypeGroup),
			SenderID:       input.InitiatorID,
			ConversationID: &conversationID,
			Timestamp:      now,
		})
		if s.push != nil {
			s.push.NotifyIncomingCall(ctx, memberID, callID, string(domain.CallTypeGroup))
		}
	}

	participants, err := s.calls.GetParticipants(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return &GroupCallOutput{
		Call:         call,
		Participants: participants,
		RelayToken:   token,
		RelayHost:    s.cfg.RelayHost,
		RelayPort:    s.cfg.RelayPort,
	}, nil
}

// JoinGroupCall admits a rung member into the call and mints their relay
// token. The second join flips the parent call to active.
func (s *Service) JoinGroupCall(ctx context.Context, callID, userID uuid.UUID) (*GroupCallOutput, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if call.Status.IsTerminal() {
		return nil, apperrors.InvalidTransitionError("Call is " + string(call.Status))
	}

	if _, err := s.calls.JoinGroup(ctx, callID, userID); err != nil {
		return nil, mapStoreErr(err)
	}

	token, _, err := s.mintToken(callID, userID, relaytoken.RoleGroup)
	if err != nil {
		return nil, err
	}

	s.fanOutGroup(ctx, callID, userID, &notify.Event{
		Type:      notify.EventGroupJoined,
		CallID:    callID,
		SenderID:  userID,
		Timestamp: time.Now(),
	})

	current, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	participants, err := s.calls.GetParticipants(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return &GroupCallOutput{
		Call:         current,
		Participants: participants,
		RelayToken:   token,
		RelayHost:    s.cfg.RelayHost,
		RelayPort:    s.cfg.RelayPort,
	}, nil
}

// LeaveGroupCall removes a member from the call. The last active member's
// departure ends the call and notifies everyone who was ever part of it.
func (s *Service) LeaveGroupCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	ended, err := s.calls.LeaveGroup(ctx, callID, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if ended != nil {
		s.recordEventOnce(callID, userID, string(notify.EventGroupEnded), string(ended.EndReason))
		s.fanOutGroup(ctx, callID, userID, notify.EndedEvent(ended))
		return ended, nil
	}

	s.fanOutGroup(ctx, callID, userID, &notify.Event{
		Type:      notify.EventGroupLeft,
		CallID:    callID,
		SenderID:  userID,
		Timestamp: time.Now(),
	})

	return s.calls.GetByID(ctx, callID)
}

// RejoinGroupCall readmits a member who left within the rejoin window. A
// fresh relay token is always minted; the old one expired with the departure.
func (s *Service) RejoinGroupCall(ctx context.Context, callID, userID uuid.UUID) (*GroupCallOutput, error) {
	if _, err := s.calls.RejoinGroup(ctx, callID, userID, s.cfg.RejoinWindow); err != nil {
		return nil, mapStoreErr(err)
	}

	token, expiresAt, err := s.mintToken(callID, userID, relaytoken.RoleGroup)
	if err != nil {
		return nil, err
	}
	if err := s.calls.UpdateRelayTokenHash(ctx, callID, relaytoken.Hash(token), expiresAt); err != nil {
		return nil, mapStoreErr(err)
	}

	s.fanOutGroup(ctx, callID, userID, &notify.Event{
		Type:      notify.EventGroupJoined,
		CallID:    callID,
		SenderID:  userID,
		Timestamp: time.Now(),
	})

	current, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	participants, err := s.calls.GetParticipants(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return &GroupCallOutput{
		Call:         current,
		Participants: participants,
		RelayToken:   token,
		RelayHost:    s.cfg.RelayHost,
		RelayPort:    s.cfg.RelayPort,
	}, nil
}

// DeclineGroupCall marks a rung member as declined. Declining is terminal for
// the member but never ends the call; the ring timeout handles a call nobody
// joined.
func (s *Service) DeclineGroupCall(ctx context.Context, callID, userID uuid.UUID) error {
	ok, err := s.calls.DeclineGroup(ctx, callID, userID)
	if err != nil {
		return mapStoreErr(err)
	}
	if !ok {
		p, err := s.calls.GetParticipant(ctx, callID, userID)
		if err != nil {
			return mapStoreErr(err)
		}
		if p.Status == domain.ParticipantStatusDeclined {
			return nil
		}
		return apperrors.InvalidTransitionError("Participant is " + string(p.Status))
	}

	s.fanOutGroup(ctx, callID, userID, &notify.Event{
		Type:      notify.EventGroupLeft,
		CallID:    callID,
		SenderID:  userID,
		Reason:    string(domain.EndReasonDeclined),
		Timestamp: time.Now(),
	})

	return nil
}

// UpdateGroupMediaInput contains a participant's media state change
type UpdateGroupMediaInput struct {
	CallID     uuid.UUID
	UserID     uuid.UUID
	IsMuted    bool
	IsDeafened bool
}

// UpdateGroupMedia updates a participant's mute/deafen state and fans the
// change out to the rest of the call.
func (s *Service) UpdateGroupMedia(ctx context.Context, input *UpdateGroupMediaInput) error {
	if _, err := s.calls.GetParticipant(ctx, input.CallID, input.UserID); err != nil {
		return mapStoreErr(err)
	}

	if err := s.calls.UpdateParticipantMedia(ctx, input.CallID, input.UserID, input.IsMuted, input.IsDeafened); err != nil {
		return mapStoreErr(err)
	}

	muted := input.IsMuted
	deafened := input.IsDeafened
	s.fanOutGroup(ctx, input.CallID, input.UserID, &notify.Event{
		Type:       notify.EventGroupMuteUpdate,
		CallID:     input.CallID,
		SenderID:   input.UserID,
		IsMuted:    &muted,
		IsDeafened: &deafened,
		Timestamp:  time.Now(),
	})

	return nil
}

// RotateSenderKeyInput contains a participant's new encrypted sender key
type RotateSenderKeyInput struct {
	CallID             uuid.UUID
	UserID             uuid.UUID
	EncryptedSenderKey []byte
	Version            int
}

// RotateSenderKey stores a participant's rotated sender key ciphertext and
// fans it out. The server never sees the plaintext key.
func (s *Service) RotateSenderKey(ctx context.Context, input *RotateSenderKeyInput) error {
	if len(input.EncryptedSenderKey) == 0 {
		return apperrors.MissingFieldError("encrypted_sender_key")
	}

	p, err := s.calls.GetParticipant(ctx, input.CallID, input.UserID)
	if err != nil {
		return mapStoreErr(err)
	}
	if input.Version <= p.SenderKeyVersion {
		return apperrors.ValidationError("Sender key version must increase")
	}

	if err := s.calls.UpdateSenderKey(ctx, input.CallID, input.UserID, input.EncryptedSenderKey, input.Version); err != nil {
		return mapStoreErr(err)
	}

	s.fanOutGroup(ctx, input.CallID, input.UserID, &notify.Event{
		Type:               notify.EventGroupSenderKey,
		CallID:             input.CallID,
		SenderID:           input.UserID,
		EncryptedSenderKey: input.EncryptedSenderKey,
		SenderKeyVersion:   input.Version,
		Timestamp:          time.Now(),
	})

	return nil
}

// GetGroupParticipants retrieves the participant roster for one of its members.
func (s *Service) GetGroupParticipants(ctx context.Context, callID, userID uuid.UUID) ([]*domain.GroupCallParticipant, error) {
	if _, err := s.calls.GetParticipant(ctx, callID, userID); err != nil {
		return nil, mapStoreErr(err)
	}

	participants, err := s.calls.GetParticipants(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return participants, nil
}

// fanOutGroup delivers an event to every participant except the sender.
// Declined members are skipped; left members still hear about the end so
// their UIs settle.
func (s *Service) fanOutGroup(ctx context.Context, callID, senderID uuid.UUID, event *notify.Event) {
	participants, err := s.calls.GetParticipants(ctx, callID)
	if err != nil {
		return
	}

	for _, p := range participants {
		if p.UserID == senderID || p.Status == domain.ParticipantStatusDeclined {
			continue
		}
		s.notifyUser(ctx, p.UserID, event)
	}
}
