package attempt

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T) (*Ledger, *clock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewLedger(rdb, 15*time.Minute).WithClock(c.Now), c, mr
}

func TestCountRecentFailures(t *testing.T) {
	l, c, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "alice@x.com", "10.0.0.1", false))
	require.NoError(t, l.Record(ctx, "ALICE@x.com", "10.0.0.1", false))
	require.NoError(t, l.Record(ctx, "alice@x.com", "10.0.0.2", false))
	require.NoError(t, l.Record(ctx, "alice@x.com", "10.0.0.1", true))
	require.NoError(t, l.Record(ctx, "bob@x.com", "10.0.0.1", false))

	tests := []struct {
		name string
		ip   string
		want int
	}{
		{"same ip", "10.0.0.1", 2},
		{"other ip", "10.0.0.2", 1},
		{"any ip", "", 3},
		{"unknown ip", "10.9.9.9", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := l.CountRecentFailures(ctx, "alice@x.com", tt.ip, 15*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}

	c.Advance(10 * time.Minute)
	require.NoError(t, l.Record(ctx, "alice@x.com", "10.0.0.1", false))

	n, err := l.CountRecentFailures(ctx, "alice@x.com", "10.0.0.1", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "older entries fall outside a shorter window")

	c.Advance(6 * time.Minute)
	n, err = l.CountRecentFailures(ctx, "alice@x.com", "10.0.0.1", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "entries older than the window are ignored even if still stored")
}

func TestRecord_SetsKeyExpiry(t *testing.T) {
	l, _, mr := newTestLedger(t)
	require.NoError(t, l.Record(context.Background(), "alice@x.com", "1.1.1.1", false))
	assert.Equal(t, 15*time.Minute, mr.TTL(keyPrefix+"alice@x.com"))
}

func TestPurge(t *testing.T) {
	l, c, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "alice@x.com", "1.1.1.1", false))
	require.NoError(t, l.Record(ctx, "bob@x.com", "1.1.1.1", false))
	c.Advance(20 * time.Minute)
	require.NoError(t, l.Record(ctx, "alice@x.com", "1.1.1.1", false))

	removed, err := l.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	entries, err := l.Recent(ctx, "alice@x.com", time.Hour)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUnavailable(t *testing.T) {
	l, _, mr := newTestLedger(t)
	mr.Close()

	err := l.Record(context.Background(), "alice@x.com", "1.1.1.1", false)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	_, err = l.CountRecentFailures(context.Background(), "alice@x.com", "", time.Minute)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}
