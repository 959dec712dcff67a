package chanutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"go.lepak.sg/aliveq/timesource"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestReadManyClosedEmpty(t *testing.T) {
	ch := make(chan int)
	close(ch)
	items, err := ReadMany(context.Background(), ch, 10, time.Second, timesource.Real{})
	assert.NoError(t, err)
	assert.Nil(t, items)
}

func TestReadManyFullBatchNoWait(t *testing.T) {
	ch := make(chan int, 3)
	ch <- 1
	ch <- 2
	ch <- 3
	items, err := ReadMany(context.Background(), ch, 3, time.Second, timesource.Real{})
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, items)
}

func TestReadManyWindowCollects(t *testing.T) {
	ch := make(chan int)
	go func() {
		ch <- 1
		time.Sleep(20 * time.Millisecond)
		ch <- 2
	}()

	items, err := ReadMany(context.Background(), ch, 10, 100*time.Millisecond, timesource.Real{})
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, items)
}

func TestReadManyWindowExpires(t *testing.T) {
	ch := make(chan int)
	go func() { ch <- 1 }()

	start := time.Now()
	items, err := ReadMany(context.Background(), ch, 10, 30*time.Millisecond, timesource.Real{})
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.Equal(t, []int{1}, items)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

// TestReadManyWindowDrivenByFakeClock confirms the window expires against
// clock's notion of time rather than the wall clock: advancing a Fake
// unblocks ReadMany deterministically, with no dependence on real elapsed
// time for the window itself to fire.
func TestReadManyWindowDrivenByFakeClock(t *testing.T) {
	clock := timesource.NewFake(time.Unix(0, 0))
	ch := make(chan int)
	go func() { ch <- 1 }()

	done := make(chan struct{})
	var items []int
	var err error
	go func() {
		items, err = ReadMany(context.Background(), ch, 10, time.Minute, clock)
		close(done)
	}()

	// Let the first item land and the window start before advancing; the
	// window should not have expired on its own.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("ReadMany returned before the fake clock advanced past the window")
	default:
	}

	clock.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadMany did not return after the fake clock advanced past the window")
	}

	assert.NoError(t, err)
	assert.Equal(t, []int{1}, items)
}

func TestReadManyClosedDuringWindow(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 1
	close(ch)

	items, err := ReadMany(context.Background(), ch, 10, time.Second, timesource.Real{})
	assert.NoError(t, err)
	assert.Equal(t, []int{1}, items)
}

func TestReadManyCancelledBeforeFirstItem(t *testing.T) {
	ch := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items, err := ReadMany(ctx, ch, 10, time.Second, timesource.Real{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, items)
}

// TestReadManyPreservesOrder forwards a ReadMany result onto a fresh channel
// and confirms a downstream reader observes it in arrival order.
func TestReadManyPreservesOrder(t *testing.T) {
	ch := make(chan int, 5)
	for i := 1; i <= 5; i++ {
		ch <- i
	}

	items, err := ReadMany(context.Background(), ch, 5, time.Second, timesource.Real{})
	assert.NoError(t, err)

	fwd := make(chan int, len(items))
	for _, it := range items {
		fwd <- it
	}
	close(fwd)

	assertDrainsInOrder(t, []int{1, 2, 3, 4, 5}, fwd)
}

// assertDrainsInOrder expects to receive want from ch in order, then expects
// ch to be closed. ch must already hold every expected value; this does not
// handle a producer still sending concurrently.
func assertDrainsInOrder[T comparable](t *testing.T, want []T, ch <-chan T) {
	t.Helper()
	for _, w := range want {
		got, ok := <-ch
		if !ok {
			t.Errorf("channel closed early, expected %v", w)
			return
		}
		assert.Equal(t, w, got)
	}
	if got, ok := <-ch; ok {
		t.Errorf("expected channel to be closed, but received %v", got)
	}
}

func TestReadManyCancelledDuringWindow(t *testing.T) {
	ch := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { ch <- 1 }()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	items, err := ReadMany(ctx, ch, 10, time.Second, timesource.Real{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{1}, items)
}
