// Package chanutil provides read-many-with-delay semantics for a
// multi-producer, single-consumer channel, the primitive BatchBuilder's
// reader loop is built on.
package chanutil

import (
	"context"
	"time"

	"go.lepak.sg/aliveq/timesource"
)

// ReadMany reads up to max items from in. It blocks until at least one item
// is available or in is closed, then takes every item already buffered in
// in, up to max, without waiting (even when window is 0). If that leaves the result
// shorter than max and window > 0, it keeps draining opportunistically for
// at most window since the first arrival, or until max items have been
// collected, whichever comes first. clock governs the window so a test can
// drive it deterministically with timesource.Fake instead of waiting on the
// wall clock. The returned slice may be shorter than max. A nil slice with a
// nil error means in was closed before any item arrived. ctx cancellation
// aborts with ctx.Err(), along with whatever was already collected.
func ReadMany[T any](ctx context.Context, in <-chan T, max int, window time.Duration, clock timesource.Source) ([]T, error) {
	if max < 1 {
		max = 1
	}

	var first T
	var ok bool
	select {
	case first, ok = <-in:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !ok {
		return nil, nil
	}

	items := make([]T, 1, max)
	items[0] = first

	// Take whatever is already buffered without waiting, up to max.
drain:
	for len(items) < max {
		select {
		case item, ok := <-in:
			if !ok {
				return items, nil
			}
			items = append(items, item)
		default:
			break drain
		}
	}

	if len(items) >= max || window <= 0 {
		return items, nil
	}

	// The window's Delay runs against its own cancellation, not ctx, so a
	// ctx cancellation during the window is reported solely through the
	// ctx.Done() case below rather than racing it against expired.
	windowCtx, cancelWindow := context.WithCancel(context.Background())
	defer cancelWindow()
	expired := make(chan struct{})
	go func() {
		clock.Delay(windowCtx, window)
		close(expired)
	}()

	for len(items) < max {
		select {
		case item, ok := <-in:
			if !ok {
				return items, nil
			}
			items = append(items, item)
		case <-expired:
			return items, nil
		case <-ctx.Done():
			return items, ctx.Err()
		}
	}

	return items, nil
}
