package slots

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

func TestClaimNeverExceedsSize(t *testing.T) {
	pool := New(3)
	var current, peak int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			h, err := pool.Claim(context.Background(), string(rune('a'+id)), 100)
			if !assert.NoError(t, err) {
				return
			}
			defer pool.Release(h)

			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak), 3)
	assert.LessOrEqual(t, pool.Peak(), 3)
	assert.Equal(t, 0, pool.Active())
}

func TestTryClaimWhenFull(t *testing.T) {
	pool := New(1)
	h, err := pool.TryClaim(context.Background(), "a", 1)
	require.NoError(t, err)

	_, err = pool.TryClaim(context.Background(), "b", 1)
	assert.True(t, errors.Is(err, ErrNoSlot))

	pool.Release(h)
	h2, err := pool.TryClaim(context.Background(), "b", 1)
	require.NoError(t, err)
	assert.Equal(t, "b", h2.ItemID)
}

func TestReleaseIsIdempotentAndWakesWaiter(t *testing.T) {
	pool := New(1)
	h, err := pool.Claim(context.Background(), "a", 1)
	require.NoError(t, err)

	got := make(chan *Handle, 1)
	go func() {
		w, err := pool.Claim(context.Background(), "b", 1)
		assert.NoError(t, err)
		got <- w
	}()

	pool.Release(h)
	pool.Release(h)

	select {
	case w := <-got:
		assert.Equal(t, "b", w.ItemID)
		assert.Equal(t, 1, pool.Active())
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Release")
	}
	assert.Error(t, h.Context().Err(), "released handle context should be cancelled")
}

func TestCancelOneLeavesOthersRunning(t *testing.T) {
	pool := New(3)
	a, err := pool.Claim(context.Background(), "a", 1)
	require.NoError(t, err)
	b, err := pool.Claim(context.Background(), "b", 1)
	require.NoError(t, err)

	assert.True(t, pool.Cancel("a"))

	assert.ErrorIs(t, a.Context().Err(), context.Canceled)
	assert.NoError(t, b.Context().Err())

	// The skipped item can't claim again, others can.
	_, err = pool.Claim(context.Background(), "a", 1)
	assert.True(t, errors.Is(err, ErrSlotCancelled))
	c, err := pool.Claim(context.Background(), "c", 1)
	require.NoError(t, err)
	assert.NoError(t, c.Context().Err())
}

func TestCancelBeforeClaim(t *testing.T) {
	pool := New(2)
	assert.False(t, pool.Cancel("later"))
	assert.True(t, pool.Skipped("later"))

	_, err := pool.TryClaim(context.Background(), "later", 1)
	assert.True(t, errors.Is(err, ErrSlotCancelled))
}

func TestCancelAllBlocksClaimsAndCancelsActive(t *testing.T) {
	pool := New(2)
	a, err := pool.Claim(context.Background(), "a", 1)
	require.NoError(t, err)
	b, err := pool.Claim(context.Background(), "b", 1)
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := pool.Claim(context.Background(), "c", 1)
		waiterErr <- err
	}()

	pool.CancelAll()
	pool.CancelAll()

	assert.ErrorIs(t, a.Context().Err(), context.Canceled)
	assert.ErrorIs(t, b.Context().Err(), context.Canceled)
	select {
	case err := <-waiterErr:
		assert.True(t, errors.Is(err, ErrPoolClosed))
	case <-time.After(time.Second):
		t.Fatal("blocked claim did not return after CancelAll")
	}

	pool.Release(a)
	_, err = pool.Claim(context.Background(), "d", 1)
	assert.True(t, errors.Is(err, ErrPoolClosed))
	_, err = pool.TryClaim(context.Background(), "d", 1)
	assert.True(t, errors.Is(err, ErrPoolClosed))
	assert.True(t, pool.Closed())
}

func TestClaimRespectsContext(t *testing.T) {
	pool := New(1)
	_, err := pool.Claim(context.Background(), "a", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Claim(ctx, "b", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpdateProgressThrottles(t *testing.T) {
	now := time.Unix(0, 0)
	var seen []Progress
	pool := New(1,
		WithThrottle(250*time.Millisecond),
		WithClock(func() time.Time { return now }),
		WithNotify(func(p Progress) { seen = append(seen, p) }),
	)
	h, err := pool.Claim(context.Background(), "a", 1000)
	require.NoError(t, err)

	pool.UpdateProgress(h, 100, 10)
	now = now.Add(100 * time.Millisecond)
	pool.UpdateProgress(h, 200, 10)
	now = now.Add(200 * time.Millisecond)
	pool.UpdateProgress(h, 300, 10)
	// Completion is always reported.
	now = now.Add(time.Millisecond)
	pool.UpdateProgress(h, 1000, 10)

	require.Len(t, seen, 3)
	assert.Equal(t, int64(100), seen[0].BytesDone)
	assert.Equal(t, int64(300), seen[1].BytesDone)
	assert.Equal(t, int64(1000), seen[2].BytesDone)
	assert.Equal(t, int64(1000), h.BytesDone())
}

func TestAggregateRate(t *testing.T) {
	pool := New(3)
	a, _ := pool.Claim(context.Background(), "a", 1)
	b, _ := pool.Claim(context.Background(), "b", 1)

	pool.UpdateProgress(a, 1, 100)
	pool.UpdateProgress(b, 1, 50)
	assert.Equal(t, 150.0, pool.AggregateRate())

	pool.Release(a)
	assert.Equal(t, 50.0, pool.AggregateRate())
}
