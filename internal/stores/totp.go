package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrTOTPPendingNotFound = errors.New("totp enrollment not pending")
	ErrTOTPBackend         = errors.New("totp backend unavailable")
)

// TOTPStore keeps pending enrollment secrets and per-step replay markers.
type TOTPStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewTOTPStore(redisClient redis.UniversalClient, prefix string) *TOTPStore {
	if prefix == "" {
		prefix = "ac"
	}
	return &TOTPStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *TOTPStore) pendingKey(userID string) string {
	return s.prefix + ":tpe:" + userID
}

func (s *TOTPStore) usedKey(userID string, counter int64) string {
	return s.prefix + ":tpu:" + userID + ":" + strconv.FormatInt(counter, 10)
}

// SavePending stores an unconfirmed secret, replacing any earlier one.
func (s *TOTPStore) SavePending(ctx context.Context, userID, secret string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.pendingKey(userID), secret, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTOTPBackend, err)
	}
	return nil
}

// Pending returns the unconfirmed secret for userID.
func (s *TOTPStore) Pending(ctx context.Context, userID string) (string, error) {
	secret, err := s.redis.Get(ctx, s.pendingKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTOTPPendingNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrTOTPBackend, err)
	}
	return secret, nil
}

func (s *TOTPStore) DeletePending(ctx context.Context, userID string) error {
	if err := s.redis.Del(ctx, s.pendingKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTOTPBackend, err)
	}
	return nil
}

// MarkUsed records that the code for counter was accepted. It returns false
// when the same step was already used by this account.
func (s *TOTPStore) MarkUsed(ctx context.Context, userID string, counter int64, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.usedKey(userID, counter), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTOTPBackend, err)
	}
	return ok, nil
}
