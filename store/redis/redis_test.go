package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/generic"
	"github.com/warp/fleet-ledger/store/memory"
	"github.com/warp/fleet-ledger/store/redis"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	mr := miniredis.RunT(t)
	rdb, err := redis.Connect(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// =============================================================================
// SEQUENCER
// =============================================================================

func TestSequencer_NextPerPrefix(t *testing.T) {
	_, rdb := newTestRedis(t)
	seq := redis.NewSequencer(rdb)
	ctx := context.Background()

	a, err := seq.Next(ctx, "PYN")
	require.NoError(t, err)
	b, _ := seq.Next(ctx, "PYN")
	c, _ := seq.Next(ctx, "BAL")

	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)
	assert.Equal(t, int64(1), c)
}

func TestSequencer_SeedOnlyRaises(t *testing.T) {
	mr, rdb := newTestRedis(t)
	seq := redis.NewSequencer(rdb)
	ctx := context.Background()

	require.NoError(t, seq.Seed(ctx, "PYN", 12))
	require.NoError(t, seq.Seed(ctx, "PYN", 5))

	v, err := mr.Get("fleet:payment_no:PYN")
	require.NoError(t, err)
	assert.Equal(t, "12", v)

	n, err := seq.Next(ctx, "PYN")
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)
}

func TestSequencer_SeedFromPayments(t *testing.T) {
	// GIVEN: A store holding PYN-0007 and BAL-0003
	// WHEN: A fresh Redis is seeded from the store
	// THEN: The next numbers continue after the stored ones

	_, rdb := newTestRedis(t)
	store := memory.New()
	ctx := context.Background()

	for _, no := range []string{"PYN-0002", "PYN-0007", "BAL-0003"} {
		require.NoError(t, store.Payments().Put(ctx, fleet.Payment{ID: generic.NewID(), PaymentNo: no, CreatedAt: time.Now()}))
	}

	seq := redis.NewSequencer(rdb)
	require.NoError(t, seq.SeedFromPayments(ctx, store.Payments(), "PYN", "BAL"))

	pyn, _ := seq.Next(ctx, "PYN")
	bal, _ := seq.Next(ctx, "BAL")
	assert.Equal(t, int64(8), pyn)
	assert.Equal(t, int64(4), bal)
}

func TestSequencer_Unavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	seq := redis.NewSequencer(rdb)
	mr.Close()

	_, err := seq.Next(context.Background(), "PYN")
	assert.ErrorIs(t, err, generic.ErrStoreUnavailable)
}

// =============================================================================
// LOCKER
// =============================================================================

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := redis.NewLocker(rdb, 10*time.Second)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "car:1", "all:cars")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(short, "car:1")
	assert.ErrorIs(t, err, generic.ErrStoreUnavailable, "held key should not be obtainable")

	// Disjoint keys are independent.
	other, err := locker.Acquire(ctx, "car:2")
	require.NoError(t, err)
	other()

	release()

	again, err := locker.Acquire(ctx, "car:1")
	require.NoError(t, err)
	again()
}

func TestLocker_FailedAcquireReleasesPartialSet(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := redis.NewLocker(rdb, 10*time.Second)
	ctx := context.Background()

	holdB, err := locker.Acquire(ctx, "car:b")
	require.NoError(t, err)
	defer holdB()

	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(short, "car:a", "car:b")
	require.Error(t, err)

	// car:a was taken first and must have been released on failure.
	rel, err := locker.Acquire(ctx, "car:a")
	require.NoError(t, err)
	rel()
}

func TestService_RedisNumberingUnderConcurrency(t *testing.T) {
	// GIVEN: A service using Redis for locks and numbering
	// WHEN: Twenty payments are created concurrently against ten cars
	// THEN: Every payment number is distinct and numbering has no gaps

	_, rdb := newTestRedis(t)
	store := memory.New()
	svc := fleet.New(store,
		fleet.WithLocker(redis.NewLocker(rdb, 10*time.Second)),
		fleet.WithSequencer(redis.NewSequencer(rdb)),
	)
	ctx := context.Background()

	var cars []fleet.Car
	for i := 0; i < 10; i++ {
		c, err := svc.RegisterCar(ctx, fleet.CarInput{Name: "Bus", Plate: "KBR " + string(rune('A'+i))})
		require.NoError(t, err)
		cars = append(cars, c)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		nos = make(map[string]bool)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(c fleet.Car) {
			defer wg.Done()
			p, err := svc.PaymentOut(ctx, fleet.PaymentInput{
				Target:      c.Ref(),
				Amount:      decimal.NewFromInt(10),
				PaymentDate: time.Now(),
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			nos[p.PaymentNo] = true
			mu.Unlock()
		}(cars[i%len(cars)])
	}
	wg.Wait()

	require.Len(t, nos, 20)
	for i := int64(1); i <= 20; i++ {
		assert.True(t, nos[fleet.FormatPaymentNo("PYN", i)], "missing PYN-%04d", i)
	}
	for _, c := range cars {
		got, err := svc.GetCar(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(decimal.NewFromInt(-20)), "car %s balance %s", c.Plate, got.Balance)
	}
}
