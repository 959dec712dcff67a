package timesource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRealDelay(t *testing.T) {
	err := Real{}.Delay(context.Background(), time.Millisecond)
	assert.NoError(t, err)
}

func TestRealDelayCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Real{}.Delay(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRealDelayZero(t *testing.T) {
	err := Real{}.Delay(context.Background(), 0)
	assert.NoError(t, err)
}

func TestFakeAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	done := make(chan error, 1)
	go func() {
		done <- f.Delay(context.Background(), 5*time.Second)
	}()

	select {
	case <-done:
		t.Fatal("delay returned before advance")
	case <-time.After(10 * time.Millisecond):
	}

	f.Advance(5 * time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("delay did not return after advance")
	}
}

func TestFakeCancel(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Delay(ctx, time.Second), context.Canceled)
}
