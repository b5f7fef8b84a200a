package blacklist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBlacklistUnavailable indicates the blacklist backend is unreachable.
var ErrBlacklistUnavailable = errors.New("token blacklist unavailable")

const keyPrefix = "secureauth:blacklist:"

// Entry is the value stored for a revoked token.
type Entry struct {
	AccountID string    `json:"accountId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Blacklist records access tokens revoked before their natural expiry.
// Tokens are stored under the hex SHA-256 of their raw value.
type Blacklist struct {
	redis redis.UniversalClient
	now   func() time.Time
}

func NewBlacklist(redisClient redis.UniversalClient) *Blacklist {
	return &Blacklist{redis: redisClient, now: time.Now}
}

// WithClock overrides the time source.
func (b *Blacklist) WithClock(now func() time.Time) *Blacklist {
	b.now = now
	return b
}

func key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Add revokes token until expiresAt. Adding a token twice keeps the first
// entry. Tokens that have already expired are not stored.
func (b *Blacklist) Add(ctx context.Context, token, accountID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(b.now())
	if ttl <= 0 {
		return nil
	}
	val, err := json.Marshal(Entry{AccountID: accountID, ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return err
	}
	if err := b.redis.SetNX(ctx, key(token), val, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBlacklistUnavailable, err)
	}
	return nil
}

// IsBlacklisted reports whether token is revoked and not yet expired.
func (b *Blacklist) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	raw, err := b.redis.Get(ctx, key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBlacklistUnavailable, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// An unreadable entry still means someone revoked the token.
		return true, nil
	}
	return e.ExpiresAt.After(b.now()), nil
}

// Purge deletes entries whose expiry has passed and returns how many were
// removed. Redis expiry normally does this already.
func (b *Blacklist) Purge(ctx context.Context) (int64, error) {
	now := b.now()
	var removed int64
	iter := b.redis.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		raw, err := b.redis.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrBlacklistUnavailable, err)
		}
		var e Entry
		if json.Unmarshal(raw, &e) == nil && e.ExpiresAt.After(now) {
			continue
		}
		n, err := b.redis.Del(ctx, k).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrBlacklistUnavailable, err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrBlacklistUnavailable, err)
	}
	return removed, nil
}
