package reaper

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"securecall-backend/internal/domain"
	"securecall-backend/internal/notify"
	"securecall-backend/pkg/config"
	"securecall-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) SweepUnansweredRinging(ctx context.Context, ringTimeout time.Duration) ([]*domain.Call, error) {
	args := m.Called(ctx, ringTimeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockStore) SweepStuckConnecting(ctx context.Context, connectTimeout time.Duration) ([]*domain.Call, error) {
	args := m.Called(ctx, connectTimeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockStore) SweepBothLegsLeft(ctx context.Context) ([]*domain.Call, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockStore) SweepAbandonedLeg(ctx context.Context, rejoinWindow time.Duration) ([]*domain.Call, error) {
	args := m.Called(ctx, rejoinWindow)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockStore) SweepOverMaxDuration(ctx context.Context, maxDuration time.Duration) ([]*domain.Call, error) {
	args := m.Called(ctx, maxDuration)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockStore) SweepOrphans(ctx context.Context, age time.Duration) ([]uuid.UUID, error) {
	args := m.Called(ctx, age)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockStore) SweepTokenless(ctx context.Context, age time.Duration) ([]*domain.Call, error) {
	args := m.Called(ctx, age)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockStore) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.GroupCallParticipant, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.GroupCallParticipant), args.Error(1)
}

type recordedEvent struct {
	UserID uuid.UUID
	Event  *notify.Event
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, userID uuid.UUID, event *notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{UserID: userID, Event: event})
	return nil
}

func (n *recordingNotifier) sentTo(userID uuid.UUID) *notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, rec := range n.events {
		if rec.UserID == userID {
			return rec.Event
		}
	}
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func testCallConfig() config.CallConfig {
	return config.CallConfig{
		RingTimeout:    30 * time.Second,
		ConnectTimeout: 60 * time.Second,
		MaxDuration:    4 * time.Hour,
		RejoinWindow:   5 * time.Minute,
		SweepInterval:  30 * time.Second,
	}
}

// expectEmptySweeps sets every sweep to return nothing; individual tests
// override the one they exercise.
func TestSweepDeadlines(t *testing.T) {
	mockStore := new(MockStore)
	cfg := testCallConfig()
	r := New(mockStore, &recordingNotifier{}, nil, cfg)

	mockStore.On("SweepUnansweredRinging", mock.Anything, cfg.RingTimeout).Return([]*domain.Call{}, nil)
	mockStore.On("SweepStuckConnecting", mock.Anything, cfg.ConnectTimeout).Return([]*domain.Call{}, nil)
	mockStore.On("SweepBothLegsLeft", mock.Anything).Return([]*domain.Call{}, nil)
	mockStore.On("SweepAbandonedLeg", mock.Anything, cfg.RejoinWindow).Return([]*domain.Call{}, nil)
	mockStore.On("SweepOverMaxDuration", mock.Anything, cfg.MaxDuration).Return([]*domain.Call{}, nil)
	mockStore.On("SweepTokenless", mock.Anything, 2*time.Hour).Return([]*domain.Call{}, nil)
	mockStore.On("SweepOrphans", mock.Anything, time.Hour).Return([]uuid.UUID{}, nil)

	r.SweepOnce(context.Background())

	mockStore.AssertExpectations(t)
}

func expectEmptySweeps(m *MockStore) {
	m.On("SweepUnansweredRinging", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil).Maybe()
	m.On("SweepStuckConnecting", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil).Maybe()
	m.On("SweepBothLegsLeft", mock.Anything).Return([]*domain.Call{}, nil).Maybe()
	m.On("SweepAbandonedLeg", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil).Maybe()
	m.On("SweepOverMaxDuration", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil).Maybe()
	m.On("SweepTokenless", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil).Maybe()
	m.On("SweepOrphans", mock.Anything, mock.Anything).Return([]uuid.UUID{}, nil).Maybe()
}

func missedCall(callerID, calleeID uuid.UUID) *domain.Call {
	now := time.Now()
	return &domain.Call{
		CallID:    uuid.New(),
		CallType:  domain.CallTypeDirect,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    domain.CallStatusMissed,
		EndReason: domain.EndReasonTimeout,
		CreatedAt: now,
		EndedAt:   &now,
	}
}

func TestSweepOnce(t *testing.T) {
	t.Run("missed call notifies both legs with a timeout reason", func(t *testing.T) {
		mockStore := new(MockStore)
		notifier := &recordingNotifier{}
		reaper := New(mockStore, notifier, nil, testCallConfig())

		callerID := uuid.New()
		calleeID := uuid.New()
		missed := missedCall(callerID, calleeID)

		mockStore.On("SweepUnansweredRinging", mock.Anything, 30*time.Second).
			Return([]*domain.Call{missed}, nil)
		mockStore.On("SweepStuckConnecting", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepBothLegsLeft", mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepAbandonedLeg", mock.Anything, 5*time.Minute).Return([]*domain.Call{}, nil)
		mockStore.On("SweepOverMaxDuration", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepTokenless", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepOrphans", mock.Anything, mock.Anything).Return([]uuid.UUID{}, nil)

		reaper.SweepOnce(context.Background())

		callerEvent := notifier.sentTo(callerID)
		calleeEvent := notifier.sentTo(calleeID)
		assert.NotNil(t, callerEvent)
		assert.NotNil(t, calleeEvent)
		assert.Equal(t, notify.EventCallEnded, callerEvent.Type)
		assert.Equal(t, string(domain.EndReasonTimeout), callerEvent.Reason)
		mockStore.AssertExpectations(t)
	})

	t.Run("reaped group call fans out to non-declined participants", func(t *testing.T) {
		mockStore := new(MockStore)
		notifier := &recordingNotifier{}
		reaper := New(mockStore, notifier, nil, testCallConfig())

		initiatorID := uuid.New()
		memberID := uuid.New()
		declinerID := uuid.New()
		conversationID := uuid.New()
		now := time.Now()

		ended := &domain.Call{
			CallID:         uuid.New(),
			CallType:       domain.CallTypeGroup,
			CallerID:       initiatorID,
			CalleeID:       initiatorID,
			ConversationID: &conversationID,
			Status:         domain.CallStatusEnded,
			EndReason:      domain.EndReasonTimeout,
			CreatedAt:      now,
			EndedAt:        &now,
		}

		participants := []*domain.GroupCallParticipant{
			{CallID: ended.CallID, UserID: initiatorID, Status: domain.ParticipantStatusLeft},
			{CallID: ended.CallID, UserID: memberID, Status: domain.ParticipantStatusLeft},
			{CallID: ended.CallID, UserID: declinerID, Status: domain.ParticipantStatusDeclined},
		}

		mockStore.On("SweepUnansweredRinging", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepStuckConnecting", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepBothLegsLeft", mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepAbandonedLeg", mock.Anything, mock.Anything).
			Return([]*domain.Call{}, nil)
		mockStore.On("SweepOverMaxDuration", mock.Anything, mock.Anything).
			Return([]*domain.Call{ended}, nil)
		mockStore.On("SweepTokenless", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepOrphans", mock.Anything, mock.Anything).Return([]uuid.UUID{}, nil)
		mockStore.On("GetParticipants", mock.Anything, ended.CallID).Return(participants, nil)

		reaper.SweepOnce(context.Background())

		assert.NotNil(t, notifier.sentTo(initiatorID))
		assert.NotNil(t, notifier.sentTo(memberID))
		assert.Nil(t, notifier.sentTo(declinerID))
		assert.Equal(t, notify.EventGroupEnded, notifier.sentTo(memberID).Type)
	})

	t.Run("orphan deletion notifies no one", func(t *testing.T) {
		mockStore := new(MockStore)
		notifier := &recordingNotifier{}
		reaper := New(mockStore, notifier, nil, testCallConfig())

		mockStore.On("SweepUnansweredRinging", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepStuckConnecting", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepBothLegsLeft", mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepAbandonedLeg", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepOverMaxDuration", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepTokenless", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepOrphans", mock.Anything, mock.Anything).
			Return([]uuid.UUID{uuid.New(), uuid.New()}, nil)

		reaper.SweepOnce(context.Background())

		assert.Equal(t, 0, notifier.count())
	})

	t.Run("a failing sweep does not block the others", func(t *testing.T) {
		mockStore := new(MockStore)
		notifier := &recordingNotifier{}
		reaper := New(mockStore, notifier, nil, testCallConfig())

		callerID := uuid.New()
		calleeID := uuid.New()
		missed := missedCall(callerID, calleeID)

		mockStore.On("SweepUnansweredRinging", mock.Anything, mock.Anything).
			Return(nil, assert.AnError)
		mockStore.On("SweepStuckConnecting", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepBothLegsLeft", mock.Anything).Return([]*domain.Call{missed}, nil)
		mockStore.On("SweepAbandonedLeg", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepOverMaxDuration", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepTokenless", mock.Anything, mock.Anything).Return([]*domain.Call{}, nil)
		mockStore.On("SweepOrphans", mock.Anything, mock.Anything).Return([]uuid.UUID{}, nil)

		reaper.SweepOnce(context.Background())

		assert.NotNil(t, notifier.sentTo(callerID))
		mockStore.AssertExpectations(t)
	})
}

func TestRun(t *testing.T) {
	t.Run("run stops on context cancellation", func(t *testing.T) {
		mockStore := new(MockStore)
		cfg := testCallConfig()
		cfg.SweepInterval = 10 * time.Millisecond
		reaper := New(mockStore, &recordingNotifier{}, nil, cfg)

		expectEmptySweeps(mockStore)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			reaper.Run(ctx)
			close(done)
		}()

		time.Sleep(35 * time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("reaper did not stop after cancellation")
		}
	})
}
