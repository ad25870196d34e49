package call

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"securecall-backend/internal/domain"
	"securecall-backend/internal/notify"
	"securecall-backend/internal/repository/cassandra"
	"securecall-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitDefault()
	os.Exit(m.Run())
}

// MockCallStore is a mock implementation of CallStore
type MockCallStore struct {
	mock.Mock
}

func (m *MockCallStore) CreateWithAdmission(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallStore) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallStore) MarkAnswered(ctx context.Context, callID uuid.UUID, calleeEphemeralPublic []byte) (bool, error) {
	args := m.Called(ctx, callID, calleeEphemeralPublic)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallStore) MarkActive(ctx context.Context, callID uuid.UUID, tokenHash []byte, tokenExpiresAt time.Time) (bool, error) {
	args := m.Called(ctx, callID, tokenHash, tokenExpiresAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallStore) MarkRejected(ctx context.Context, callID uuid.UUID) (bool, error) {
	args := m.Called(ctx, callID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallStore) MarkCancelled(ctx context.Context, callID uuid.UUID) (bool, error) {
	args := m.Called(ctx, callID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallStore) TryEnd(ctx context.Context, callID uuid.UUID, reason domain.EndReason) (*domain.Call, error) {
	args := m.Called(ctx, callID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallStore) SetLegLeft(ctx context.Context, callID uuid.UUID, isCaller bool) (bool, error) {
	args := m.Called(ctx, callID, isCaller)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallStore) ClearLegLeft(ctx context.Context, callID uuid.UUID, isCaller bool) (bool, error) {
	args := m.Called(ctx, callID, isCaller)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallStore) UpdateRelayTokenHash(ctx context.Context, callID uuid.UUID, tokenHash []byte, tokenExpiresAt time.Time) error {
	args := m.Called(ctx, callID, tokenHash, tokenExpiresAt)
	return args.Error(0)
}

func (m *MockCallStore) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func (m *MockCallStore) CreateGroupWithAdmission(ctx context.Context, call *domain.Call, memberIDs []uuid.UUID) error {
	args := m.Called(ctx, call, memberIDs)
	return args.Error(0)
}

func (m *MockCallStore) JoinGroup(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, callID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallStore) LeaveGroup(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallStore) RejoinGroup(ctx context.Context, callID, userID uuid.UUID, window time.Duration) (bool, error) {
	args := m.Called(ctx, callID, userID, window)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallStore) DeclineGroup(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, callID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCallStore) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.GroupCallParticipant, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.GroupCallParticipant), args.Error(1)
}

func (m *MockCallStore) GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.GroupCallParticipant, error) {
	args := m.Called(ctx, callID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GroupCallParticipant), args.Error(1)
}

func (m *MockCallStore) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, isMuted, isDeafened bool) error {
	args := m.Called(ctx, callID, userID, isMuted, isDeafened)
	return args.Error(0)
}

func (m *MockCallStore) UpdateSenderKey(ctx context.Context, callID, userID uuid.UUID, encryptedKey []byte, version int) error {
	args := m.Called(ctx, callID, userID, encryptedKey, version)
	return args.Error(0)
}

// MockEventStore is a mock implementation of EventStore
type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) SaveOnce(event *cassandra.CallEvent) (bool, error) {
	args := m.Called(event)
	return args.Bool(0), args.Error(1)
}

// recordedEvent pairs a delivered event with its recipient.
type recordedEvent struct {
	UserID uuid.UUID
	Event  *notify.Event
}

// recordingNotifier captures delivered events for assertions.
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

func (n *recordingNotifier) sentTo(userID uuid.UUID, eventType notify.EventType) *notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, rec := range n.events {
		if rec.UserID == userID && rec.Event.Type == eventType {
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

func testConfig() Config {
	return Config{
		RelaySecret:  []byte("test-relay-secret-32-bytes-long!"),
		RelayHost:    "relay.test.local",
		RelayPort:    8443,
		TokenTTL:     time.Hour,
		RejoinWindow: 5 * time.Minute,
	}
}
