package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"securecall-backend/pkg/logger"
	"securecall-backend/pkg/push"
)

// pushTokenExpiry bounds how long a device token survives without refresh.
const pushTokenExpiry = 30 * 24 * time.Hour

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if token.CreatedAt == 0 {
		token.CreatedAt = time.Now().Unix()
	}
	token.Active = true

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(token.Token), data, pushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	if err := r.client.SAdd(ctx, userTokensKey(token.UserID), token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}

	if err := r.client.Expire(ctx, userTokensKey(token.UserID), pushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	return nil
}

// GetByUserID retrieves all tokens registered for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	tokenStrings, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var tokens []*push.Token
	for _, tokenStr := range tokenStrings {
		data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
		if err != nil {
			if err == redis.Nil {
				// Token value expired; drop the dangling set member.
				r.client.SRem(ctx, userTokensKey(userID), tokenStr)
				continue
			}
			return nil, fmt.Errorf("failed to get token: %w", err)
		}

		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			return nil, fmt.Errorf("failed to unmarshal token: %w", err)
		}
		tokens = append(tokens, &token)
	}

	return tokens, nil
}

// Delete removes a token by ID
func (r *PushTokenRepository) Delete(ctx context.Context, tokenID uuid.UUID) error {
	return r.updateByID(ctx, tokenID, func(token *push.Token) error {
		if err := r.client.Del(ctx, tokenKey(token.Token)).Err(); err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
		return r.client.SRem(ctx, userTokensKey(token.UserID), token.Token).Err()
	})
}

// MarkInactive flags a token so sends skip it without losing the registration
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenID uuid.UUID) error {
	return r.updateByID(ctx, tokenID, func(token *push.Token) error {
		token.Active = false
		data, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("failed to marshal token: %w", err)
		}
		return r.client.Set(ctx, tokenKey(token.Token), data, pushTokenExpiry).Err()
	})
}

// updateByID scans the token keyspace for the given ID and applies fn.
// Token IDs are rare lookups (unregister only), so the scan cost is fine.
func (r *PushTokenRepository) updateByID(ctx context.Context, tokenID uuid.UUID, fn func(*push.Token) error) error {
	iter := r.client.Scan(ctx, 0, "push:token:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}

		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			continue
		}

		if token.ID == tokenID {
			return fn(&token)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan tokens: %w", err)
	}

	return fmt.Errorf("push token %s not found", tokenID)
}
