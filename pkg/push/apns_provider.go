package push

import (
	"context"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"securecall-backend/pkg/logger"
)

// APNsProvider implements Provider for Apple Push Notification Service.
// Incoming-call pushes use the voip push type so iOS wakes CallKit.
type APNsProvider struct {
	client *apns2.Client
	topic  string
}

// APNsConfig contains configuration for APNs provider
type APNsConfig struct {
	KeyPath    string // Path to .p8 private key file
	KeyID      string // 10-character Key ID from Apple Developer Portal
	TeamID     string // 10-character Team ID from Apple Developer Portal
	Topic      string // Bundle ID of the app plus .voip suffix
	Production bool   // Use production APNs endpoint (true) or sandbox (false)
}

// NewAPNsProvider creates a new APNs provider using token authentication
func NewAPNsProvider(config *APNsConfig) (*APNsProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("APNs config is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("APNs topic is required")
	}

	authKey, err := token.AuthKeyFromFile(config.KeyPath)
	if err != nil {
		logger.Error("Failed to load APNs key file",
			zap.Error(err),
			zap.String("key_path", config.KeyPath))
		return nil, fmt.Errorf("failed to load APNs key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   config.KeyID,
		TeamID:  config.TeamID,
	})
	if config.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized",
		zap.String("topic", config.Topic),
		zap.Bool("production", config.Production))

	return &APNsProvider{client: client, topic: config.Topic}, nil
}

// Send implements Provider for APNs
func (p *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	result := &SendResult{}

	body := payload.NewPayload().
		AlertTitle(notification.Title).
		AlertBody(notification.Body).
		Sound(notification.Sound).
		Category(notification.Category)
	for k, v := range notification.Data {
		body = body.Custom(k, v)
	}

	for _, deviceToken := range tokens {
		apnsNotification := &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       p.topic,
			Payload:     body,
			Priority:    apns2.PriorityHigh,
		}
		if notification.Category == "incoming_call" {
			apnsNotification.PushType = apns2.PushTypeVOIP
		}

		response, err := p.client.PushWithContext(ctx, apnsNotification)
		if err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, err)
			continue
		}

		if response.Sent() {
			result.SuccessCount++
		} else {
			result.FailureCount++
			result.Errors = append(result.Errors, fmt.Errorf("apns rejected: %s", response.Reason))
			if response.Reason == apns2.ReasonUnregistered || response.Reason == apns2.ReasonBadDeviceToken {
				result.InvalidTokens = append(result.InvalidTokens, deviceToken)
			}
		}
	}

	return result, nil
}
