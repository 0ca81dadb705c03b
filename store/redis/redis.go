// Package redis shares locks and payment number counters between server
// processes through Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
)

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// =============================================================================
// LOCKER
// =============================================================================

// Locker implements fleet.Locker with one redislock per key. Locks expire
// after ttl so a crashed holder cannot block an account forever.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

var _ fleet.Locker = (*Locker)(nil)

func NewLocker(rdb redislock.RedisClient, ttl time.Duration) *Locker {
	return &Locker{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		prefix: "fleet:lock:",
	}
}

// Acquire obtains every key in sorted order, retrying until ctx is done.
func (l *Locker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = fleet.SortKeys(keys)
	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(context.Background())
		}
	}

	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(l.retry)}
	for _, k := range keys {
		lock, err := l.client.Obtain(ctx, l.prefix+k, l.ttl, opts)
		if errors.Is(err, redislock.ErrNotObtained) {
			release()
			return nil, generic.Unavailable(fmt.Errorf("lock %s is busy: %w", k, err))
		}
		if err != nil {
			release()
			return nil, generic.Unavailable(err)
		}
		held = append(held, lock)
	}
	return release, nil
}

// =============================================================================
// SEQUENCER
// =============================================================================

// seedScript raises a counter to at least ARGV[1] and returns its value.
var seedScript = goredis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local want = tonumber(ARGV[1])
if cur < want then
	redis.call('SET', KEYS[1], want)
	return want
end
return cur
`)

// Sequencer implements fleet.Sequencer with INCR.
type Sequencer struct {
	rdb    goredis.Cmdable
	prefix string
}

var (
	_ fleet.Sequencer = (*Sequencer)(nil)
	_ fleet.Seeder    = (*Sequencer)(nil)
)

func NewSequencer(rdb goredis.Cmdable) *Sequencer {
	return &Sequencer{rdb: rdb, prefix: "fleet:payment_no:"}
}

func (q *Sequencer) Next(ctx context.Context, prefix string) (int64, error) {
	n, err := q.rdb.Incr(ctx, q.prefix+prefix).Result()
	if err != nil {
		return 0, generic.Unavailable(err)
	}
	return n, nil
}

func (q *Sequencer) Seed(ctx context.Context, prefix string, atLeast int64) error {
	if err := seedScript.Run(ctx, q.rdb, []string{q.prefix + prefix}, atLeast).Err(); err != nil {
		return generic.Unavailable(err)
	}
	return nil
}

// SeedFromPayments moves every prefix past the numbers already stored, so a
// fresh Redis never hands out a number the store holds.
func (q *Sequencer) SeedFromPayments(ctx context.Context, payments fleet.Table[fleet.Payment], prefixes ...string) error {
	for _, prefix := range prefixes {
		highest, err := fleet.MaxPaymentNo(ctx, payments, prefix)
		if err != nil {
			return err
		}
		if err := q.Seed(ctx, prefix, highest); err != nil {
			return err
		}
	}
	return nil
}
