package call

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"securecall-backend/internal/domain"
	"securecall-backend/internal/notify"
	"securecall-backend/internal/repository/cockroach"
	apperrors "securecall-backend/pkg/errors"
	"securecall-backend/pkg/relaytoken"
)

func groupCall(initiatorID, conversationID uuid.UUID, status domain.CallStatus) *domain.Call {
	now := time.Now()
	convID := conversationID
	return &domain.Call{
		CallID:         uuid.New(),
		CallType:       domain.CallTypeGroup,
		CallerID:       initiatorID,
		CalleeID:       initiatorID,
		ConversationID: &convID,
		Status:         status,
		CreatedAt:      now,
		RingStartedAt:  &now,
	}
}

func activeParticipant(callID, userID uuid.UUID) *domain.GroupCallParticipant {
	now := time.Now()
	return &domain.GroupCallParticipant{
		CallID:   callID,
		UserID:   userID,
		Status:   domain.ParticipantStatusActive,
		JoinedAt: &now,
	}
}

func TestCreateGroupCall(t *testing.T) {
	initiatorID := uuid.New()
	memberA := uuid.New()
	memberB := uuid.New()
	conversationID := uuid.New()
	cfg := testConfig()

	t.Run("creation rings every member except the initiator", func(t *testing.T) {
		mockStore := new(MockCallStore)
		notifier := &recordingNotifier{}
		service := newTestService(mockStore, nil, notifier)

		members := []uuid.UUID{initiatorID, memberA, memberB}

		// Setup expectations
		mockStore.On("CreateGroupWithAdmission", mock.Anything, mock.MatchedBy(func(c *domain.Call) bool {
			return c.CallType == domain.CallTypeGroup &&
				c.CallerID == initiatorID &&
				c.Status == domain.CallStatusRinging &&
				c.ConversationID != nil && *c.ConversationID == conversationID
		}), members).Return(nil)
		mockStore.On("UpdateRelayTokenHash", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		mockStore.On("GetParticipants", mock.Anything, mock.Anything).Return([]*domain.GroupCallParticipant{}, nil)

		// Execute
		output, err := service.CreateGroupCall(context.Background(), &CreateGroupCallInput{
			InitiatorID:    initiatorID,
			ConversationID: conversationID,
			MemberIDs:      members,
		})

		// Assert
		assert.NoError(t, err)
		assert.Equal(t, domain.CallStatusRinging, output.Call.Status)

		claims := relaytoken.Verify(cfg.RelaySecret, output.RelayToken)
		assert.NotNil(t, claims)
		assert.Equal(t, initiatorID, claims.ParticipantID)
		assert.Equal(t, relaytoken.RoleGroup, claims.Role)

		assert.NotNil(t, notifier.sentTo(memberA, notify.EventGroupRing))
		assert.NotNil(t, notifier.sentTo(memberB, notify.EventGroupRing))
		assert.Nil(t, notifier.sentTo(initiatorID, notify.EventGroupRing))
		mockStore.AssertExpectations(t)
	})

	t.Run("size bounds are enforced", func(t *testing.T) {
		mockStore := new(MockCallStore)
		service := newTestService(mockStore, nil, &recordingNotifier{})

		_, err := service.CreateGroupCall(context.Background(), &CreateGroupCallInput{
			InitiatorID:    initiatorID,
			ConversationID: conversationID,
			MemberIDs:      []uuid.UUID{initiatorID},
		})
		assert.Equal(t, apperrors.ErrCodeGroupSize, apperrors.GetAppError(err).Code)

		tooMany := make([]uuid.UUID, domain.GroupCallMaxMembers+1)
		tooMany[0] = initiatorID
		for i := 1; i < len(tooMany); i++ {
			tooMany[i] = uuid.New()
		}
		_, err = service.CreateGroupCall(context.Background(), &CreateGroupCallInput{
			InitiatorID:    initiatorID,
			ConversationID: conversationID,
			MemberIDs:      tooMany,
		})
		assert.Equal(t, apperrors.ErrCodeGroupSize, apperrors.GetAppError(err).Code)

		mockStore.AssertNotCalled(t, "CreateGroupWithAdmission")
	})

	t.Run("initiator must be a conversation member", func(t *testing.T) {
		mockStore := new(MockCallStore)
		service := newTestService(mockStore, nil, &recordingNotifier{})

		_, err := service.CreateGroupCall(context.Background(), &CreateGroupCallInput{
			InitiatorID:    initiatorID,
			ConversationID: conversationID,
			MemberIDs:      []uuid.UUID{memberA, memberB},
		})

		assert.Equal(t, apperrors.ErrCodeNotParticipant, apperrors.GetAppError(err).Code)
	})

	t.Run("busy conversation is refused", func(t *testing.T) {
		mockStore := new(MockCallStore)
		service := newTestService(mockStore, nil, &recordingNotifier{})

		mockStore.On("CreateGroupWithAdmission", mock.Anything, mock.Anything, mock.Anything).
			Return(cockroach.ErrConversationBusy)

		_, err := service.CreateGroupCall(context.Background(), &CreateGroupCallInput{
			InitiatorID:    initiatorID,
			ConversationID: conversationID,
			MemberIDs:      []uuid.UUID{initiatorID, memberA},
		})

		assert.Equal(t, apperrors.ErrCodeCallBusy, apperrors.GetAppError(err).Code)
	})
}

func TestJoinGroupCall(t *testing.T) {
	initiatorID := uuid.New()
	joinerID := uuid.New()
	conversationID := uuid.New()
	cfg := testConfig()

	t.Run("join mints a group token and fans out to the roster", func(t *testing.T) {
		mockStore := new(MockCallStore)
		notifier := &recordingNotifier{}
		service := newTestService(mockStore, nil, notifier)

		ringing := groupCall(initiatorID, conversationID, domain.CallStatusRinging)
		active := groupCall(initiatorID, conversationID, domain.CallStatusActive)
		active.CallID = ringing.CallID

		roster := []*domain.GroupCallParticipant{
			activeParticipant(ringing.CallID, initiatorID),
			activeParticipant(ringing.CallID, joinerID),
		}

		mockStore.On("GetByID", mock.Anything, ringing.CallID).Return(ringing, nil).Once()
		mockStore.On("JoinGroup", mock.Anything, ringing.CallID, joinerID).Return(true, nil)
		mockStore.On("GetParticipants", mock.Anything, ringing.CallID).Return(roster, nil)
		mockStore.On("GetByID", mock.Anything, ringing.CallID).Return(active, nil).Once()

		output, err := service.JoinGroupCall(context.Background(), ringing.CallID, joinerID)

		assert.NoError(t, err)
		assert.Equal(t, domain.CallStatusActive, output.Call.Status)

		claims := relaytoken.Verify(cfg.RelaySecret, output.RelayToken)
		assert.NotNil(t, claims)
		assert.Equal(t, joinerID, claims.ParticipantID)
		assert.Equal(t, relaytoken.RoleGroup, claims.Role)

		assert.NotNil(t, notifier.sentTo(initiatorID, notify.EventGroupJoined))
		assert.Nil(t, notifier.sentTo(joinerID, notify.EventGroupJoined))
	})

	t.Run("joining a terminal call is refused", func(t *testing.T) {
		mockStore := new(MockCallStore)
		service := newTestService(mockStore, nil, &recordingNotifier{})

		ended := groupCall(initiatorID, conversationID, domain.CallStatusEnded)
		mockStore.On("GetByID", mock.Anything, ended.CallID).Return(ended, nil)

		_, err := service.JoinGroupCall(context.Background(), ended.CallID, joinerID)

		assert.Equal(t, apperrors.ErrCodeInvalidTransition, apperrors.GetAppError(err).Code)
		mockStore.AssertNotCalled(t, "JoinGroup")
	})

	t.Run("non-member cannot join", func(t *testing.T) {
		mockStore := new(MockCallStore)
		service := newTestService(mockStore, nil, &recordingNotifier{})

		ringing := groupCall(initiatorID, conversationID, domain.CallStatusRinging)
		mockStore.On("GetByID", mock.Anything, ringing.CallID).Return(ringing, nil)
		mockStore.On("JoinGroup", mock.Anything, ringing.CallID, joinerID).
			Return(false, cockroach.ErrParticipantNotFound)

		_, err := service.JoinGroupCall(context.Background(), ringing.CallID, joinerID)

		assert.Equal(t, apperrors.ErrCodeNotParticipant, apperrors.GetAppError(err).Code)
	})

	t.Run("repeat join by an active member succeeds", func(t *testing.T) {
		mockStore := new(MockCallStore)
		service := newTestService(mockStore, nil, &recordingNotifier{})

		active := groupCall(initiatorID, conversationID, domain.CallStatusActive)
		roster := []*domain.GroupCallParticipant{
			activeParticipant(active.CallID, initiatorID),
			activeParticipant(active.CallID, joinerID),
		}

		mockStore.On("GetByID", mock.Anything, active.CallID).Return(active, nil)
		mockStore.On("JoinGroup", mock.Anything, active.CallID, joinerID).Return(false, nil)
		mockStore.On("GetParticipants", mock.Anything, active.CallID).Return(roster, nil)

		output, err := service.JoinGroupCall(context.Background(), active.CallID, joinerID)

		assert.NoError(t, err)
		claims := relaytoken.Verify(cfg.RelaySecret, output.RelayToken)
		assert.NotNil(t, claims)
		assert.Equal(t, joinerID, claims.ParticipantID)
	})

	t.Run("departed member is pointed at rejoin", func(t *testing.T) {
		mockStore := new(MockCallStore)
		service := newTestService(mockStore, nil, &recordingNotifier{})

		active := groupCall(initiatorID, conversationID, domain.CallStatusActive)
		mockStore.On("GetByID", mock.Anything, active.CallID).Return(active, nil)
		mockStore.On("JoinGroup", mock.Anything, active.CallID, joinerID).
			Return(false, cockroach.ErrParticipantLeft)

		_, err := service.JoinGroupCall(context.Background(), active.CallID, joinerID)

		assert.Equal(t, apperrors.ErrCodeInvalidTransition, apperrors.GetAppError(err).Code)
	})
}

func TestLeaveGroupCall(t *testing.T) {
	initiatorID := uuid.New()
	leaverID := uuid.New()
	conversationID := uuid.New()

	t.Run("last active member leaving ends the call", func(t *testing.T) {
		mockStore := new(MockCallStore)
		mockEvents := new(MockEventStore)
		notifier := &recordingNotifier{}
		service := newTestService(mockStore, mockEvents, notifier)

		ended := groupCall(initiatorID, conversationID, domain.CallStatusEnded)
		ended.EndReason = domain.EndReasonNormal

		leftInitiator := activeParticipant(ended.CallID, initiatorID)
		leftInitiator.Status = domain.ParticipantStatusLeft
		leftLeaver := activeParticipant(ended.CallID, leaverID)
		leftLeaver.Status = domain.ParticipantStatusLeft

		mockStore.On("LeaveGroup", mock.Anything, ended.CallID, leaverID).Return(ended, nil)
		mockStore.On("GetParticipants", mock.Anything, ended.CallID).
			Return([]*domain.GroupCallParticipant{leftInitiator, leftLeaver}, nil)
		mockEvents.On("SaveOnce", mock.Anything).Return(true, nil)

		result, err := service.LeaveGroupCall(context.Background(), ended.CallID, leaverID)

		assert.NoError(t, err)
		assert.Equal(t, domain.CallStatusEnded, result.Status)
		assert.NotNil(t, notifier.sentTo(initiatorID, notify.EventGroupEnded))
	})

	t.Run("leaving with others active keeps the call going", func(t *testing.T) {
		mockStore := new(MockCallStore)
		notifier := &recordingNotifier{}
		service := newTestService(mockStore, nil, notifier)

		active := groupCall(initiatorID, conversationID, domain.CallStatusActive)
		roster := []*domain.GroupCallParticipant{
			activeParticipant(active.CallID, initiatorID),
		}

		mockStore.On("LeaveGroup", mock.Anything, active.CallID, leaverID).Return(nil, nil)
		mockStore.On("GetParticipants", mock.Anything, active.CallID).Return(roster, nil)
		mockStore.On("GetByID", mock.Anything, active.CallID).Return(active, nil)

		result, err := service.LeaveGroupCall(context.Background(), active.CallID, leaverID)

		assert.NoError(t, err)
		assert.Equal(t, domain.CallStatusActive, result.Status)
		assert.NotNil(t, notifier.sentTo(initiatorID, notify.EventGroupLeft))
	})
}

func TestRejoinGroupCall(t *testing.T) {
	initiatorID := uuid.New()
	rejoinerID := uuid.New()
	conversationID := uuid.New()
	cfg := testConfig()

	t.Run("rejoin within the window re-mints relay access", func(t *testing.T) {
		mockStore := new(MockCallStore)
		notifier := &recordingNotifier{}
		service := newTestService(mockStore, nil, notifier)

		active := groupCall(initiatorID, conversationID, domain.CallStatusActive)
		roster := []*domain.GroupCallParticipant{
			activeParticipant(active.CallID, initiatorID),
			activeParticipant(active.CallID, rejoinerID),
		}

		mockStore.On("RejoinGroup", mock.Anything, active.CallID, rejoinerID, cfg.RejoinWindow).
			Return(false, nil)
		mockStore.On("UpdateRelayTokenHash", mock.Anything, active.CallID, mock.Anything, mock.Anything).Return(nil)
		mockStore.On("GetParticipants", mock.Anything, active.CallID).Return(roster, nil)
		mockStore.On("GetByID", mock.Anything, active.CallID).Return(active, nil)

		output, err := service.RejoinGroupCall(context.Background(), active.CallID, rejoinerID)

		assert.NoError(t, err)
		claims := relaytoken.Verify(cfg.RelaySecret, output.RelayToken)
		assert.NotNil(t, claims)
		assert.Equal(t, rejoinerID, claims.ParticipantID)
		assert.NotNil(t, notifier.sentTo(initiatorID, notify.EventGroupJoined))
	})

	t.Run("rejoin after the window is refused", func(t *testing.T) {
		mockStore := new(MockCallStore)
		service := newTestService(mockStore, nil, &recordingNotifier{})

		callID := uuid.New()
		mockStore.On("RejoinGroup", mock.Anything, callID, rejoinerID, cfg.RejoinWindow).
			Return(false, cockroach.ErrRejoinExpired)

		_, err := service.RejoinGroupCall(context.Background(), callID, rejoinerID)

		assert.Equal(t, apperrors.ErrCodeRejoinExpired, apperrors.GetAppError(err).Code)
		mockStore.AssertNotCalled(t, "UpdateRelayTokenHash")
	})
}

func TestDeclineGroupCall(t *testing.T) {
	initiatorID := uuid.New()
	declinerID := uuid.New()
	conversationID := uuid.New()

	t.Run("decline fans out a left event with a declined reason", func(t *testing.T) {
		mockStore := new(MockCallStore)
		notifier := &recordingNotifier{}
		service := newTestService(mockStore, nil, notifier)

		call := groupCall(initiatorID, conversationID, domain.CallStatusRinging)
		roster := []*domain.GroupCallParticipant{
			activeParticipant(call.CallID, initiatorID),
		}

		mockStore.On("DeclineGroup", mock.Anything, call.CallID, declinerID).Return(true, nil)
		mockStore.On("GetParticipants", mock.Anything, call.CallID).Return(roster, nil)

		err := service.DeclineGroupCall(context.Background(), call.CallID, declinerID)

		assert.NoError(t, err)
		left := notifier.sentTo(initiatorID, notify.EventGroupLeft)
		assert.NotNil(t, left)
		assert.Equal(t, string(domain.EndReasonDeclined), left.Reason)
	})

	t.Run("repeated decline is idempotent", func(t *testing.T) {
		mockStore := new(MockCallStore)
		notifier := &recordingNotifier{}
		service := newTestService(mockStore, nil, notifier)

		callID := uuid.New()
		declined := activeParticipant(callID, declinerID)
		declined.Status = domain.ParticipantStatusDeclined

		mockStore.On("DeclineGroup", mock.Anything, callID, declinerID).Return(false, nil)
		mockStore.On("GetParticipant", mock.Anything, callID, declinerID).Return(declined, nil)

		err := service.DeclineGroupCall(context.Background(), callID, declinerID)

		assert.NoError(t, err)
		assert.Equal(t, 0, notifier.count())
	})
}

func TestRotateSenderKey(t *testing.T) {
	userID := uuid.New()
	peerID := uuid.New()
	callID := uuid.New()

	t.Run("rotation stores and fans out the new key", func(t *testing.T) {
		mockStore := new(MockCallStore)
		notifier := &recordingNotifier{}
		service := newTestService(mockStore, nil, notifier)

		participant := activeParticipant(callID, userID)
		participant.SenderKeyVersion = 1
		roster := []*domain.GroupCallParticipant{participant, activeParticipant(callID, peerID)}
		newKey := []byte("rotated-sender-key-ciphertext")

		mockStore.On("GetParticipant", mock.Anything, callID, userID).Return(participant, nil)
		mockStore.On("UpdateSenderKey", mock.Anything, callID, userID, newKey, 2).Return(nil)
		mockStore.On("GetParticipants", mock.Anything, callID).Return(roster, nil)

		err := service.RotateSenderKey(context.Background(), &RotateSenderKeyInput{
			CallID:             callID,
			UserID:             userID,
			EncryptedSenderKey: newKey,
			Version:            2,
		})

		assert.NoError(t, err)
		event := notifier.sentTo(peerID, notify.EventGroupSenderKey)
		assert.NotNil(t, event)
		assert.Equal(t, newKey, event.EncryptedSenderKey)
		assert.Equal(t, 2, event.SenderKeyVersion)
	})

	t.Run("stale version is refused", func(t *testing.T) {
		mockStore := new(MockCallStore)
		service := newTestService(mockStore, nil, &recordingNotifier{})

		participant := activeParticipant(callID, userID)
		participant.SenderKeyVersion = 3

		mockStore.On("GetParticipant", mock.Anything, callID, userID).Return(participant, nil)

		err := service.RotateSenderKey(context.Background(), &RotateSenderKeyInput{
			CallID:             callID,
			UserID:             userID,
			EncryptedSenderKey: []byte("key"),
			Version:            3,
		})

		assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)
		mockStore.AssertNotCalled(t, "UpdateSenderKey")
	})
}

func TestUpdateGroupMedia(t *testing.T) {
	userID := uuid.New()
	peerID := uuid.New()
	callID := uuid.New()

	t.Run("mute change fans out to the roster", func(t *testing.T) {
		mockStore := new(MockCallStore)
		notifier := &recordingNotifier{}
		service := newTestService(mockStore, nil, notifier)

		participant := activeParticipant(callID, userID)
		roster := []*domain.GroupCallParticipant{participant, activeParticipant(callID, peerID)}

		mockStore.On("GetParticipant", mock.Anything, callID, userID).Return(participant, nil)
		mockStore.On("UpdateParticipantMedia", mock.Anything, callID, userID, true, false).Return(nil)
		mockStore.On("GetParticipants", mock.Anything, callID).Return(roster, nil)

		err := service.UpdateGroupMedia(context.Background(), &UpdateGroupMediaInput{
			CallID:  callID,
			UserID:  userID,
			IsMuted: true,
		})

		assert.NoError(t, err)
		event := notifier.sentTo(peerID, notify.EventGroupMuteUpdate)
		assert.NotNil(t, event)
		assert.NotNil(t, event.IsMuted)
		assert.True(t, *event.IsMuted)
	})
}
