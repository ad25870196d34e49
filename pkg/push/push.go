package push

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securecall-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	Delete(ctx context.Context, tokenID uuid.UUID) error
	MarkInactive(ctx context.Context, tokenID uuid.UUID) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, tokenID uuid.UUID) error {
	return s.repo.Delete(ctx, tokenID)
}

// NotifyIncomingCall sends a high-priority ring push to every active device
// of the callee. Best effort: failures are logged, never surfaced to the
// signaling transition that triggered them.
func (s *Service) NotifyIncomingCall(ctx context.Context, calleeID uuid.UUID, callID uuid.UUID, callType string) {
	tokens, err := s.repo.GetByUserID(ctx, calleeID)
	if err != nil {
		logger.Warn("Failed to load push tokens for incoming call",
			zap.String("user_id", calleeID.String()),
			zap.Error(err))
		return
	}

	var tokenStrings []string
	for _, t := range tokens {
		if t.Active {
			tokenStrings = append(tokenStrings, t.Token)
		}
	}
	if len(tokenStrings) == 0 {
		return
	}

	notification := &Notification{
		Title:    "Incoming call",
		Priority: "high",
		Sound:    "ringtone",
		Category: "incoming_call",
		Data: map[string]string{
			"call_id":   callID.String(),
			"call_type": callType,
			"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
		},
	}

	result, err := s.provider.Send(ctx, notification, tokenStrings)
	if err != nil {
		logger.Warn("Failed to send incoming call push",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}

	if result.FailureCount > 0 {
		logger.Debug("Incoming call push partially failed",
			zap.String("call_id", callID.String()),
			zap.Int("success", result.SuccessCount),
			zap.Int("failure", result.FailureCount))
	}
}

// MockProvider is a no-op provider for development and testing
type MockProvider struct{}

// Send implements Provider
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	logger.Debug("Mock push sent",
		zap.Int("tokens", len(tokens)),
		zap.String("category", notification.Category))
	return &SendResult{SuccessCount: len(tokens)}, nil
}
