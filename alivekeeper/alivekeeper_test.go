package alivekeeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"go.lepak.sg/aliveq/logging"
	"go.lepak.sg/aliveq/syncpolicy"
	"go.lepak.sg/aliveq/timesource"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func keyToString(i int) string { return "" }

func TestRegisterTouchesPeriodically(t *testing.T) {
	var touches atomic.Int32
	touchFn := func(ctx context.Context, items []int) ([]int, error) {
		touches.Add(int32(len(items)))
		return items, nil
	}

	k := New[int](touchFn, nil, keyToString, Settings{
		TouchInterval:  20 * time.Millisecond,
		TouchBatchSize: 10,
		RetryLimit:     3,
		Concurrency:    1,
	}, timesource.Real{}, logging.NoOp{})
	defer k.Dispose()

	k.Register(context.Background(), 1)

	assert.Eventually(t, func() bool {
		return touches.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterIsNoopWhenAlreadyRegistered(t *testing.T) {
	var registrations atomic.Int32
	touchFn := func(ctx context.Context, items []int) ([]int, error) {
		return items, nil
	}

	k := New[int](touchFn, nil, keyToString, Settings{
		TouchInterval:  50 * time.Millisecond,
		TouchBatchSize: 10,
		Concurrency:    1,
	}, timesource.Real{}, logging.NoOp{})
	defer k.Dispose()

	k.Register(context.Background(), 1)
	k.Register(context.Background(), 1)
	registrations.Store(int32(len(k.RegisteredItems())))
	assert.Equal(t, int32(1), registrations.Load())
}

func TestForgetStopsTouchLoop(t *testing.T) {
	var touches atomic.Int32
	touchFn := func(ctx context.Context, items []int) ([]int, error) {
		touches.Add(int32(len(items)))
		return items, nil
	}

	k := New[int](touchFn, nil, keyToString, Settings{
		TouchInterval:  10 * time.Millisecond,
		TouchBatchSize: 10,
		Concurrency:    1,
	}, timesource.Real{}, logging.NoOp{})
	defer k.Dispose()

	k.Register(context.Background(), 1)
	time.Sleep(25 * time.Millisecond)
	k.Forget(1)

	assert.Eventually(t, func() bool {
		return len(k.RegisteredItems()) == 0
	}, time.Second, 5*time.Millisecond)

	n := touches.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, touches.Load(), n+1)
}

func TestTouchLivenessAfterRecovery(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var successAfterFailure atomic.Bool

	touchFn := func(ctx context.Context, items []int) ([]int, error) {
		if fail.Load() {
			return nil, errors.New("temporary")
		}
		successAfterFailure.Store(true)
		return items, nil
	}

	k := New[int](touchFn, nil, keyToString, Settings{
		TouchInterval:  5 * time.Millisecond,
		RetryInterval:  10 * time.Millisecond,
		TouchBatchSize: 10,
		RetryLimit:     100,
		Concurrency:    1,
	}, timesource.Real{}, logging.NoOp{})
	defer k.Dispose()

	k.Register(context.Background(), 1)
	time.Sleep(30 * time.Millisecond)
	fail.Store(false)

	assert.Eventually(t, func() bool {
		return successAfterFailure.Load()
	}, time.Second, 5*time.Millisecond)
}

func TestRetryExhaustionDeactivates(t *testing.T) {
	touchFn := func(ctx context.Context, items []int) ([]int, error) {
		return nil, errors.New("always fails")
	}

	k := New[int](touchFn, nil, keyToString, Settings{
		TouchInterval:  5 * time.Millisecond,
		RetryInterval:  5 * time.Millisecond,
		TouchBatchSize: 10,
		RetryLimit:     2,
		Concurrency:    1,
	}, timesource.Real{}, logging.NoOp{})
	defer k.Dispose()

	k.Register(context.Background(), 1)

	assert.Eventually(t, func() bool {
		return len(k.RegisteredItems()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteNotRegisteredResolvesImmediately(t *testing.T) {
	k := New[int](func(ctx context.Context, items []int) ([]int, error) {
		return items, nil
	}, nil, keyToString, Settings{Concurrency: 1}, timesource.Real{}, logging.NoOp{})
	defer k.Dispose()

	err := k.Delete(context.Background(), 42)
	assert.NoError(t, err)
}

func TestDeleteWithoutDeleteFnJustDeactivates(t *testing.T) {
	k := New[int](func(ctx context.Context, items []int) ([]int, error) {
		return items, nil
	}, nil, keyToString, Settings{
		TouchInterval:  time.Hour,
		TouchBatchSize: 10,
		Concurrency:    1,
	}, timesource.Real{}, logging.NoOp{})
	defer k.Dispose()

	k.Register(context.Background(), 7)
	assert.Eventually(t, func() bool { return len(k.RegisteredItems()) == 1 }, time.Second, 5*time.Millisecond)

	assert.NoError(t, k.Delete(context.Background(), 7))
	assert.Eventually(t, func() bool { return len(k.RegisteredItems()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDeleteRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	deleteFn := func(ctx context.Context, items []int) ([]int, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("not yet")
		}
		return items, nil
	}

	k := New[int](func(ctx context.Context, items []int) ([]int, error) {
		return items, nil
	}, deleteFn, keyToString, Settings{
		TouchInterval:  time.Hour,
		RetryInterval:  5 * time.Millisecond,
		RetryLimit:     5,
		DeleteBatchSize: 10,
		Concurrency:    1,
	}, timesource.Real{}, logging.NoOp{})
	defer k.Dispose()

	k.Register(context.Background(), 9)
	assert.Eventually(t, func() bool { return len(k.RegisteredItems()) == 1 }, time.Second, 5*time.Millisecond)

	err := k.Delete(context.Background(), 9)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestDisposeIsIdempotentAndDrains(t *testing.T) {
	k := New[int](func(ctx context.Context, items []int) ([]int, error) {
		return items, nil
	}, func(ctx context.Context, items []int) ([]int, error) {
		return items, nil
	}, keyToString, Settings{
		TouchInterval:  5 * time.Millisecond,
		TouchBatchSize: 10,
		Concurrency:    2,
		SyncPolicy:     syncpolicy.Alternating,
	}, timesource.Real{}, logging.NoOp{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Register(context.Background(), i)
		}()
	}
	wg.Wait()

	k.Dispose()
	k.Dispose()
	k.Dispose()

	assert.Empty(t, k.RegisteredItems())
}
