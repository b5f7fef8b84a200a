package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manishjha-04/secureAuth/pkg/utilities"
)

// ErrLedgerUnavailable indicates the ledger backend is unreachable.
var ErrLedgerUnavailable = errors.New("attempt ledger unavailable")

const keyPrefix = "secureauth:attempts:"

// Entry is one login attempt as stored in the ledger.
type Entry struct {
	ID      string    `json:"id"`
	Email   string    `json:"email"`
	IP      string    `json:"ip"`
	Success bool      `json:"ok"`
	At      time.Time `json:"at"`
}

// Ledger keeps one sorted set of attempts per email, scored by attempt time
// in unix milliseconds. Keys expire after the retention window, so stale
// entries disappear even if the sweeper never runs; counts are always
// bounded by the window evaluated at query time.
type Ledger struct {
	redis     redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewLedger creates a ledger whose entries stop mattering after retention.
func NewLedger(redisClient redis.UniversalClient, retention time.Duration) *Ledger {
	return &Ledger{redis: redisClient, retention: retention, now: time.Now}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func key(email string) string {
	return keyPrefix + strings.ToLower(strings.TrimSpace(email))
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Record appends an attempt for (email, ip).
func (l *Ledger) Record(ctx context.Context, email, ip string, success bool) error {
	now := l.now()
	e := Entry{
		ID:      utilities.NewKSUID(),
		Email:   strings.ToLower(strings.TrimSpace(email)),
		IP:      ip,
		Success: success,
		At:      now.UTC(),
	}
	member, err := json.Marshal(e)
	if err != nil {
		return err
	}

	k := key(email)
	_, err = l.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: string(member)})
		p.Expire(ctx, k, l.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// CountRecentFailures counts failed attempts for email within the trailing
// window. An empty ip counts failures from every source.
func (l *Ledger) CountRecentFailures(ctx context.Context, email, ip string, window time.Duration) (int, error) {
	entries, err := l.Recent(ctx, email, window)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Success {
			continue
		}
		if ip != "" && e.IP != ip {
			continue
		}
		n++
	}
	return n, nil
}

// Recent returns the attempts for email inside the trailing window, oldest first.
func (l *Ledger) Recent(ctx context.Context, email string, window time.Duration) ([]Entry, error) {
	from := l.now().Add(-window)
	raw, err := l.redis.ZRangeByScore(ctx, key(email), &redis.ZRangeBy{Min: score(from), Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	out := make([]Entry, 0, len(raw))
	for _, m := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Purge removes entries older than the retention window from every ledger
// key and returns how many were dropped. It is advisory cleanup only.
func (l *Ledger) Purge(ctx context.Context) (int64, error) {
	cutoff := "(" + score(l.now().Add(-l.retention))
	var removed int64
	iter := l.redis.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := l.redis.ZRemRangeByScore(ctx, iter.Val(), "-inf", cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return removed, nil
}
