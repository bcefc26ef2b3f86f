// Package restrict provides Redis-backed user restriction state: warning
// records with a rolling counter, and temporary bans stored as key-value
// pairs with TTL-based expiry:
//
//	Key:   ban:<user_id>      Value: <reason>   TTL: ban duration
//	Key:   warnings:<user_id> Value: <count>    TTL: counter window
package restrict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for temporary ban records.
	BanPrefix = "ban:"

	// WarningsPrefix is the Redis key prefix for warning counters.
	WarningsPrefix = "warnings:"

	// WarningsTTL is how long the warning counter lives without new
	// warnings before resetting to zero.
	WarningsTTL = 30 * 24 * time.Hour
)

// Store manages restriction records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a restriction store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned checks whether a user is currently banned.
// Returns (isBanned, remainingSeconds, reason, error). Redis errors are
// returned so callers can decide; the recommended policy is fail-open.
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, int, string, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists but the TTL read failed. Report banned with 0
		// remaining rather than swallowing the ban.
		return true, 0, reason, nil
	}

	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// TempBan bans a user for the given duration. The ban expires on its own.
func (s *Store) TempBan(ctx context.Context, userID string, duration time.Duration, reason string) error {
	key := BanPrefix + userID
	if err := s.client.Set(ctx, key, reason, duration).Err(); err != nil {
		return fmt.Errorf("restrict: ban %s: %w", userID, err)
	}
	return nil
}

// Unban lifts a user's ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	key := BanPrefix + userID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("restrict: unban %s: %w", userID, err)
	}
	return nil
}

// Warn appends a warning to the user's history by atomically incrementing
// their warning counter. Returns the new count. The counter's TTL is set on
// first increment so the window does not slide.
func (s *Store) Warn(ctx context.Context, userID, reason string) (int, error) {
	key := WarningsPrefix + userID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("restrict: warn incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, WarningsTTL).Err(); err != nil {
			return 0, fmt.Errorf("restrict: warn expire: %w", err)
		}
	}
	return int(count), nil
}

// WarningCount returns the user's current warning count. Returns 0 if no
// warnings are recorded or the counter expired.
func (s *Store) WarningCount(ctx context.Context, userID string) (int, error) {
	key := WarningsPrefix + userID
	val, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
