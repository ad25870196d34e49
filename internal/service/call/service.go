package call

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securecall-backend/internal/domain"
	"securecall-backend/internal/notify"
	"securecall-backend/internal/repository/cassandra"
	"securecall-backend/internal/repository/cockroach"
	apperrors "securecall-backend/pkg/errors"
	"securecall-backend/pkg/logger"
	"securecall-backend/pkg/push"
	"securecall-backend/pkg/relaytoken"
)

// CallStore is the persistence surface the controller drives. Implemented by
// cockroach.CallRepository; mocked in tests.
type CallStore interface {
	CreateWithAdmission(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	MarkAnswered(ctx context.Context, callID uuid.UUID, calleeEphemeralPublic []byte) (bool, error)
	MarkActive(ctx context.Context, callID uuid.UUID, tokenHash []byte, tokenExpiresAt time.Time) (bool, error)
	MarkRejected(ctx context.Context, callID uuid.UUID) (bool, error)
	MarkCancelled(ctx context.Context, callID uuid.UUID) (bool, error)
	TryEnd(ctx context.Context, callID uuid.UUID, reason domain.EndReason) (*domain.Call, error)
	SetLegLeft(ctx context.Context, callID uuid.UUID, isCaller bool) (bool, error)
	ClearLegLeft(ctx context.Context, callID uuid.UUID, isCaller bool) (bool, error)
	UpdateRelayTokenHash(ctx context.Context, callID uuid.UUID, tokenHash []byte, tokenExpiresAt time.Time) error
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)

	CreateGroupWithAdmission(ctx context.Context, call *domain.Call, memberIDs []uuid.UUID) error
	JoinGroup(ctx context.Context, callID, userID uuid.UUID) (bool, error)
	LeaveGroup(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error)
	RejoinGroup(ctx context.Context, callID, userID uuid.UUID, window time.Duration) (bool, error)
	DeclineGroup(ctx context.Context, callID, userID uuid.UUID) (bool, error)
	GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.GroupCallParticipant, error)
	GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.GroupCallParticipant, error)
	UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, isMuted, isDeafened bool) error
	UpdateSenderKey(ctx context.Context, callID, userID uuid.UUID, encryptedKey []byte, version int) error
}

// EventStore records idempotent call-event system messages. May be nil when
// the message log is unavailable.
type EventStore interface {
	SaveOnce(event *cassandra.CallEvent) (bool, error)
}

// Config holds the controller's relay and policy settings
type Config struct {
	RelaySecret  []byte
	RelayHost    string
	RelayPort    int
	TokenTTL     time.Duration
	RejoinWindow time.Duration
	Disabled     bool
}

// Service orchestrates the call signaling state machine
type Service struct {
	calls    CallStore
	events   EventStore
	notifier notify.Notifier
	push     *push.Service
	cfg      Config
}

// NewService creates a new call signaling service
func NewService(calls CallStore, events EventStore, notifier notify.Notifier, pushSvc *push.Service, cfg Config) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		calls:    calls,
		events:   events,
		notifier: notifier,
		push:     pushSvc,
		cfg:      cfg,
	}
}

// notifyUser dispatches one event best-effort, post-commit. A failed
// notification is logged and never affects the transition it describes.
func (s *Service) notifyUser(ctx context.Context, userID uuid.UUID, event *notify.Event) {
	if err := s.notifier.Notify(ctx, userID, event); err != nil {
		logger.Warn("Failed to dispatch call event",
			zap.String("event", string(event.Type)),
			zap.String("call_id", event.CallID.String()),
			zap.Error(err))
	}
}

// recordEventOnce writes one idempotent call-event system message.
func (s *Service) recordEventOnce(callID, senderID uuid.UUID, messageType, reason string) {
	if s.events == nil {
		return
	}
	if _, err := s.events.SaveOnce(&cassandra.CallEvent{
		CallID:      callID,
		MessageType: messageType,
		SenderID:    senderID,
		Reason:      reason,
	}); err != nil {
		logger.Warn("Failed to record call event message",
			zap.String("call_id", callID.String()),
			zap.String("message_type", messageType),
			zap.Error(err))
	}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, cockroach.ErrNotFound):
		return apperrors.CallNotFoundError()
	case errors.Is(err, cockroach.ErrUserBusy):
		return apperrors.BusyError("User is already in a call")
	case errors.Is(err, cockroach.ErrConversationBusy):
		return apperrors.BusyError("Conversation already has an active call")
	case errors.Is(err, cockroach.ErrParticipantNotFound):
		return apperrors.NotParticipantError()
	case errors.Is(err, cockroach.ErrNotLeft):
		return apperrors.InvalidTransitionError("Participant has not left the call")
	case errors.Is(err, cockroach.ErrParticipantLeft):
		return apperrors.InvalidTransitionError("Participant has left the call; rejoin instead")
	case errors.Is(err, cockroach.ErrRejoinExpired):
		return apperrors.RejoinExpiredError()
	default:
		return apperrors.DatabaseError(err)
	}
}

func (s *Service) mintToken(callID, participantID uuid.UUID, role relaytoken.Role) ([]byte, time.Time, error) {
	expiresAt := time.Now().Add(s.cfg.TokenTTL)
	token, err := relaytoken.Mint(s.cfg.RelaySecret, callID, participantID, role, expiresAt)
	if err != nil {
		return nil, time.Time{}, apperrors.Wrap(apperrors.ErrCodeInternal, "relay token minting failed", err)
	}
	return token, expiresAt, nil
}

// InitiateCallInput contains call initiation data
type InitiateCallInput struct {
	CallID          uuid.UUID // caller-generated; a new one is assigned if nil
	CallerID        uuid.UUID
	CalleeID        uuid.UUID
	EphemeralPublic []byte
}

// Initiate starts ringing a direct call. Admission control guarantees
// neither party is already in a non-terminal call.
func (s *Service) Initiate(ctx context.Context, input *InitiateCallInput) (*domain.Call, error) {
	if s.cfg.Disabled {
		return nil, apperrors.CallsDisabledError()
	}
	if input.CallerID == input.CalleeID {
		return nil, apperrors.ValidationError("Cannot call yourself")
	}
	if len(input.EphemeralPublic) == 0 {
		return nil, apperrors.MissingFieldError("ephemeral_public")
	}

	callID := input.CallID
	if callID == uuid.Nil {
		callID = uuid.New()
	}

	now := time.Now()
	call := &domain.Call{
		CallID:                callID,
		CallType:              domain.CallTypeDirect,
		CallerID:              input.CallerID,
		CalleeID:              input.CalleeID,
		Status:                domain.CallStatusRinging,
		CallerEphemeralPublic: input.EphemeralPublic,
		CreatedAt:             now,
		RingStartedAt:         &now,
	}

	if err := s.calls.CreateWithAdmission(ctx, call); err != nil {
		return nil, mapStoreErr(err)
	}

	s.notifyUser(ctx, input.CalleeID, &notify.Event{
		Type:            notify.EventCallOffered,
		CallID:          callID,
		CallType:        string(domain.CallTypeDirect),
		SenderID:        input.CallerID,
		EphemeralPublic: input.EphemeralPublic,
		Timestamp:       now,
	})

	if s.push != nil {
		s.push.NotifyIncomingCall(ctx, input.CalleeID, callID, string(domain.CallTypeDirect))
	}

	return call, nil
}

// AnswerInput contains call answer data
type AnswerInput struct {
	CallID          uuid.UUID
	UserID          uuid.UUID
	EphemeralPublic []byte
	KEMCiphertext   []byte
}

// Answer transitions ringing -> connecting on behalf of the callee and
// forwards the callee's key material to the caller.
func (s *Service) Answer(ctx context.Context, input *AnswerInput) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, input.CallID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if call.CalleeID != input.UserID {
		return nil, apperrors.ForbiddenError("Only the callee can answer")
	}

	ok, err := s.calls.MarkAnswered(ctx, input.CallID, input.EphemeralPublic)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !ok {
		return nil, s.transitionConflict(ctx, input.CallID, "answer")
	}

	s.notifyUser(ctx, call.CallerID, &notify.Event{
		Type:            notify.EventCallAnswered,
		CallID:          input.CallID,
		SenderID:        input.UserID,
		EphemeralPublic: input.EphemeralPublic,
		KEMCiphertext:   input.KEMCiphertext,
		Timestamp:       time.Now(),
	})

	return s.calls.GetByID(ctx, input.CallID)
}

// CompleteKeyExchangeInput contains the caller's final handshake data
type CompleteKeyExchangeInput struct {
	CallID        uuid.UUID
	UserID        uuid.UUID
	KEMCiphertext []byte
}

// CompleteKeyExchangeOutput carries the caller's relay access
type CompleteKeyExchangeOutput struct {
	Call       *domain.Call
	RelayToken []byte
	RelayHost  string
	RelayPort  int
}

// CompleteKeyExchange transitions connecting -> active, mints one relay
// token per participant, returns the caller's and pushes the callee's.
func (s *Service) CompleteKeyExchange(ctx context.Context, input *CompleteKeyExchangeInput) (*CompleteKeyExchangeOutput, error) {
	call, err := s.calls.GetByID(ctx, input.CallID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if call.CallerID != input.UserID {
		return nil, apperrors.ForbiddenError("Only the caller can complete the key exchange")
	}

	callerToken, expiresAt, err := s.mintToken(call.CallID, call.CallerID, relaytoken.RoleCaller)
	if err != nil {
		return nil, err
	}
	calleeToken, _, err := s.mintToken(call.CallID, call.CalleeID, relaytoken.RoleCallee)
	if err != nil {
		return nil, err
	}

	ok, err := s.calls.MarkActive(ctx, input.CallID, relaytoken.Hash(callerToken), expiresAt)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !ok {
		return nil, s.transitionConflict(ctx, input.CallID, "complete key exchange")
	}

	s.notifyUser(ctx, call.CalleeID, &notify.Event{
		Type:          notify.EventCallKeyComplete,
		CallID:        input.CallID,
		SenderID:      input.UserID,
		KEMCiphertext: input.KEMCiphertext,
		RelayToken:    calleeToken,
		RelayHost:     s.cfg.RelayHost,
		RelayPort:     s.cfg.RelayPort,
		Timestamp:     time.Now(),
	})

	updated, err := s.calls.GetByID(ctx, input.CallID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return &CompleteKeyExchangeOutput{
		Call:       updated,
		RelayToken: callerToken,
		RelayHost:  s.cfg.RelayHost,
		RelayPort:  s.cfg.RelayPort,
	}, nil
}

// Reject declines a ringing call on behalf of the callee.
func (s *Service) Reject(ctx context.Context, callID, userID uuid.UUID) error {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return mapStoreErr(err)
	}
	if call.CalleeID != userID {
		return apperrors.ForbiddenError("Only the callee can reject")
	}

	ok, err := s.calls.MarkRejected(ctx, callID)
	if err != nil {
		return mapStoreErr(err)
	}
	if !ok {
		// A concurrent reject already won; treat as success.
		current, err := s.calls.GetByID(ctx, callID)
		if err != nil {
			return mapStoreErr(err)
		}
		if current.Status == domain.CallStatusRejected {
			return nil
		}
		return apperrors.InvalidTransitionError("Call is " + string(current.Status))
	}

	s.recordEventOnce(callID, userID, string(notify.EventCallRejected), string(domain.EndReasonDeclined))
	s.notifyUser(ctx, call.CallerID, &notify.Event{
		Type:      notify.EventCallRejected,
		CallID:    callID,
		SenderID:  userID,
		Reason:    string(domain.EndReasonDeclined),
		Timestamp: time.Now(),
	})

	return nil
}

// Cancel withdraws a ringing call on behalf of the caller.
func (s *Service) Cancel(ctx context.Context, callID, userID uuid.UUID) error {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return mapStoreErr(err)
	}
	if call.CallerID != userID {
		return apperrors.ForbiddenError("Only the caller can cancel")
	}

	ok, err := s.calls.MarkCancelled(ctx, callID)
	if err != nil {
		return mapStoreErr(err)
	}
	if !ok {
		current, err := s.calls.GetByID(ctx, callID)
		if err != nil {
			return mapStoreErr(err)
		}
		if current.Status == domain.CallStatusCancelled {
			return nil
		}
		return apperrors.InvalidTransitionError("Call is " + string(current.Status))
	}

	s.recordEventOnce(callID, userID, string(notify.EventCallCancelled), string(domain.EndReasonCancelled))
	s.notifyUser(ctx, call.CalleeID, &notify.Event{
		Type:      notify.EventCallCancelled,
		CallID:    callID,
		SenderID:  userID,
		Reason:    string(domain.EndReasonCancelled),
		Timestamp: time.Now(),
	})

	return nil
}

// End terminates a call idempotently. When a racing caller already ended it,
// the already-ended row is returned without error and the duration stays as
// computed by the winning transition.
func (s *Service) End(ctx context.Context, callID, userID uuid.UUID, reason domain.EndReason) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !call.IsParticipant(userID) {
		return nil, apperrors.NotParticipantError()
	}
	if reason == "" {
		reason = domain.EndReasonNormal
	}

	ended, err := s.calls.TryEnd(ctx, callID, reason)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if ended == nil {
		// Someone else ended first; observe the terminal row.
		return s.calls.GetByID(ctx, callID)
	}

	s.recordEventOnce(callID, userID, string(notify.EventCallEnded), string(ended.EndReason))

	peer := ended.CallerID
	if userID == ended.CallerID {
		peer = ended.CalleeID
	}
	s.notifyUser(ctx, peer, notify.EndedEvent(ended))

	return ended, nil
}

// Leave stamps the departing leg of an active direct call. When both legs
// have departed the call auto-ends with a normal reason.
func (s *Service) Leave(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !call.IsParticipant(userID) {
		return nil, apperrors.NotParticipantError()
	}
	if call.Status != domain.CallStatusActive {
		return nil, apperrors.InvalidTransitionError("Call is " + string(call.Status))
	}

	isCaller := userID == call.CallerID
	if _, err := s.calls.SetLegLeft(ctx, callID, isCaller); err != nil {
		return nil, mapStoreErr(err)
	}

	current, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if current.CallerLeftAt != nil && current.CalleeLeftAt != nil {
		ended, err := s.calls.TryEnd(ctx, callID, domain.EndReasonNormal)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		if ended != nil {
			current = ended
			peer := ended.CallerID
			if isCaller {
				peer = ended.CalleeID
			}
			s.notifyUser(ctx, peer, notify.EndedEvent(ended))
			return current, nil
		}
	}

	peer := call.CallerID
	if isCaller {
		peer = call.CalleeID
	}
	s.notifyUser(ctx, peer, &notify.Event{
		Type:      notify.EventCallLeave,
		CallID:    callID,
		SenderID:  userID,
		Timestamp: time.Now(),
	})

	return current, nil
}

// RejoinOutput carries the rejoining user's fresh relay access
type RejoinOutput struct {
	Call       *domain.Call
	RelayToken []byte
	RelayHost  string
	RelayPort  int
}

// Rejoin readmits a departed leg of an active direct call. The rejoin window
// is re-checked here rather than trusting the reaper's sweep cadence: a
// rejoin racing the abandoned-leg sweep must lose deterministically once the
// window has passed. Both departures count, the rejoiner's own and the
// peer's.
func (s *Service) Rejoin(ctx context.Context, callID, userID uuid.UUID) (*RejoinOutput, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !call.IsParticipant(userID) {
		return nil, apperrors.NotParticipantError()
	}
	if call.Status != domain.CallStatusActive {
		return nil, apperrors.InvalidTransitionError("Call is " + string(call.Status))
	}

	isCaller := userID == call.CallerID
	ownLeftAt := call.CalleeLeftAt
	peerLeftAt := call.CallerLeftAt
	peerID := call.CallerID
	role := relaytoken.RoleCallee
	if isCaller {
		ownLeftAt = call.CallerLeftAt
		peerLeftAt = call.CalleeLeftAt
		peerID = call.CalleeID
		role = relaytoken.RoleCaller
	}

	if ownLeftAt != nil && time.Since(*ownLeftAt) > s.cfg.RejoinWindow {
		return nil, apperrors.RejoinExpiredError()
	}
	if peerLeftAt != nil && time.Since(*peerLeftAt) > s.cfg.RejoinWindow {
		return nil, apperrors.RejoinExpiredError()
	}

	if _, err := s.calls.ClearLegLeft(ctx, callID, isCaller); err != nil {
		return nil, mapStoreErr(err)
	}

	token, expiresAt, err := s.mintToken(callID, userID, role)
	if err != nil {
		return nil, err
	}
	if isCaller {
		if err := s.calls.UpdateRelayTokenHash(ctx, callID, relaytoken.Hash(token), expiresAt); err != nil {
			return nil, mapStoreErr(err)
		}
	}

	if peerLeftAt == nil {
		// Peer never left; nudge it to refresh transport alongside us.
		s.notifyUser(ctx, peerID, &notify.Event{
			Type:      notify.EventCallRejoin,
			CallID:    callID,
			SenderID:  userID,
			RelayHost: s.cfg.RelayHost,
			RelayPort: s.cfg.RelayPort,
			Timestamp: time.Now(),
		})
	}

	current, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	return &RejoinOutput{
		Call:       current,
		RelayToken: token,
		RelayHost:  s.cfg.RelayHost,
		RelayPort:  s.cfg.RelayPort,
	}, nil
}

func (s *Service) transitionConflict(ctx context.Context, callID uuid.UUID, op string) error {
	current, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return mapStoreErr(err)
	}
	return apperrors.InvalidTransitionError("Cannot " + op + ": call is " + string(current.Status))
}

// GetCall retrieves a call for one of its participants.
func (s *Service) GetCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if call.CallType == domain.CallTypeGroup {
		if _, err := s.calls.GetParticipant(ctx, callID, userID); err != nil {
			return nil, apperrors.NotParticipantError()
		}
	} else if !call.IsParticipant(userID) {
		return nil, apperrors.NotParticipantError()
	}

	return call, nil
}

// GetUserCallHistory retrieves call history for a user
func (s *Service) GetUserCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if limit == 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	calls, err := s.calls.GetUserCalls(ctx, userID, limit, offset)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return calls, nil
}
