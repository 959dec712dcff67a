// Package alivekeeper manages the lifetime of leased items: for every
// registered item it runs a periodic touch (renew-claim) loop and supports
// on-demand delete (release-claim). Touch and delete calls are themselves
// served through two batchbuilder.Builders, synchronized by a
// syncpolicy.Policy so neither side starves the other.
package alivekeeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/maps"

	"go.lepak.sg/aliveq/batchbuilder"
	"go.lepak.sg/aliveq/logging"
	"go.lepak.sg/aliveq/metrics"
	"go.lepak.sg/aliveq/syncpolicy"
	"go.lepak.sg/aliveq/timesource"
)

// BatchFunc is the user-supplied many-at-a-time touch or delete operation.
// It returns the subset of items that were successfully processed.
type BatchFunc[Item any] func(ctx context.Context, items []Item) ([]Item, error)

// Settings configures a Keeper. Values below their floor are clamped up on
// construction.
type Settings struct {
	TouchInterval   time.Duration
	TouchBatchSize  int
	TouchBatchDelay time.Duration
	DeleteBatchSize int
	RetryInterval   time.Duration
	RetryLimit      int
	Concurrency     int
	SyncPolicy      syncpolicy.Mode

	Name    string
	Metrics *metrics.Recorder
}

func (s Settings) normalize() Settings {
	if s.TouchInterval < 0 {
		s.TouchInterval = time.Second
	}
	if s.TouchBatchSize < 1 {
		s.TouchBatchSize = 1
	}
	if s.TouchBatchDelay < 0 {
		s.TouchBatchDelay = 0
	}
	if s.DeleteBatchSize < 1 {
		s.DeleteBatchSize = 1
	}
	if s.RetryInterval < 0 {
		s.RetryInterval = 0
	}
	if s.RetryLimit < 0 {
		s.RetryLimit = 0
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	return s
}

// inFlight is the registry entry for one active item: the cancellation
// handle for its touch loop.
type inFlight struct {
	cancel context.CancelFunc
	active atomic.Bool
}

// Keeper is the per-item upkeep manager. Item must be equality comparable:
// it doubles as both the batchbuilder key and the registry key.
type Keeper[Item comparable] struct {
	settings    Settings
	touchFn     BatchFunc[Item]
	deleteFn    BatchFunc[Item]
	keyToString func(Item) string
	log         logging.Logger
	clock       timesource.Source

	policy syncpolicy.Policy

	touchBuilder  *batchbuilder.Builder[Item, Item, Item]
	deleteBuilder *batchbuilder.Builder[Item, Item, Item]

	mu       sync.Mutex
	registry map[Item]*inFlight

	disposeCtx    context.Context
	disposeCancel context.CancelFunc
	cancelOnce    sync.Once
	disposing     atomic.Bool

	wg sync.WaitGroup
}

// New creates a Keeper. touchFn is required; deleteFn may be nil, in which
// case Delete simply deactivates the item locally without a remote call.
func New[Item comparable](
	touchFn BatchFunc[Item],
	deleteFn BatchFunc[Item],
	keyToString func(Item) string,
	settings Settings,
	clock timesource.Source,
	log logging.Logger,
) *Keeper[Item] {
	settings = settings.normalize()
	if clock == nil {
		clock = timesource.Real{}
	}

	disposeCtx, disposeCancel := context.WithCancel(context.Background())

	k := &Keeper[Item]{
		settings:      settings,
		touchFn:       touchFn,
		deleteFn:      deleteFn,
		keyToString:   keyToString,
		log:           logging.Default(log),
		clock:         clock,
		registry:      make(map[Item]*inFlight),
		disposeCtx:    disposeCtx,
		disposeCancel: disposeCancel,
	}

	identity := func(item Item) Item { return item }

	k.policy = syncpolicy.New(settings.SyncPolicy, settings.Concurrency)

	touchName, deleteName := settings.Name+".touch", settings.Name+".delete"

	k.touchBuilder = batchbuilder.New(identity, identity, k.runTouchBatch, batchbuilder.Settings{
		BatchSize:   settings.TouchBatchSize,
		BatchDelay:  settings.TouchBatchDelay,
		Concurrency: settings.Concurrency,
		Name:        touchName,
		Metrics:     settings.Metrics,
	}, clock, log)

	if deleteFn != nil {
		k.deleteBuilder = batchbuilder.New(identity, identity, k.runDeleteBatch, batchbuilder.Settings{
			BatchSize:   settings.DeleteBatchSize,
			BatchDelay:  0,
			Concurrency: settings.Concurrency,
			Name:        deleteName,
			Metrics:     settings.Metrics,
		}, clock, log)
	}

	return k
}

func (k *Keeper[Item]) label(item Item) string {
	if k.keyToString != nil {
		return k.keyToString(item)
	}
	return ""
}

// filterActive keeps only items that are still registered and active. It
// implements the "silently drop items no longer present" rule shared by
// both the touch and delete batch entry points.
func (k *Keeper[Item]) filterActive(items []Item) []Item {
	out := make([]Item, 0, len(items))
	k.mu.Lock()
	for _, it := range items {
		if inf, ok := k.registry[it]; ok && inf.active.Load() {
			out = append(out, it)
		}
	}
	k.mu.Unlock()
	return out
}

func (k *Keeper[Item]) runTouchBatch(ctx context.Context, items []Item) ([]Item, error) {
	items = k.filterActive(items)
	if len(items) == 0 {
		return nil, nil
	}
	if err := k.policy.EnterTouch(ctx); err != nil {
		return nil, err
	}
	defer k.policy.LeaveTouch()
	return k.touchFn(ctx, items)
}

func (k *Keeper[Item]) runDeleteBatch(ctx context.Context, items []Item) ([]Item, error) {
	items = k.filterActive(items)
	if len(items) == 0 {
		return nil, nil
	}
	if err := k.policy.EnterDelete(ctx); err != nil {
		return nil, err
	}
	defer k.policy.LeaveDelete()
	return k.deleteFn(ctx, items)
}

// Register starts a touch loop for item. It is a no-op if item is already
// registered, or if the Keeper is disposing.
func (k *Keeper[Item]) Register(ctx context.Context, item Item) {
	if k.disposing.Load() {
		return
	}

	k.mu.Lock()
	if _, exists := k.registry[item]; exists {
		k.mu.Unlock()
		return
	}

	itemCtx, cancel := context.WithCancel(k.disposeCtx)
	inf := &inFlight{cancel: cancel}
	inf.active.Store(true)
	k.registry[item] = inf
	n := len(k.registry)
	k.mu.Unlock()
	k.settings.Metrics.SetActiveItems(n)

	itemCtx = mergeCancel(itemCtx, ctx)

	k.wg.Add(1)
	go k.touchLoop(itemCtx, item, inf)
}

func (k *Keeper[Item]) touchLoop(ctx context.Context, item Item, inf *inFlight) {
	defer k.wg.Done()
	defer k.deactivate(item, inf)

	failures := 0
	interval := k.settings.TouchInterval

	for {
		if err := k.clock.Delay(ctx, interval); err != nil {
			return
		}
		if !inf.active.Load() {
			return
		}

		_, err := k.touchBuilder.Request(ctx, item)
		if err != nil {
			failures++
			if failures > k.settings.RetryLimit {
				k.log.Error("touch retries exhausted, giving up", "key", k.label(item), "error", err)
				k.settings.Metrics.IncTouchFailure()
				return
			}
			k.log.Warn("touch failed, retrying", "key", k.label(item), "error", err)
			interval = k.settings.RetryInterval
			continue
		}

		failures = 0
		interval = k.settings.TouchInterval
	}
}

func (k *Keeper[Item]) deactivate(item Item, inf *inFlight) {
	if !inf.active.CompareAndSwap(true, false) {
		return
	}
	inf.cancel()
	k.mu.Lock()
	if cur, ok := k.registry[item]; ok && cur == inf {
		delete(k.registry, item)
	}
	n := len(k.registry)
	k.mu.Unlock()
	k.settings.Metrics.SetActiveItems(n)
}

// Forget deactivates item without calling delete. The touch loop observes
// deactivation and exits on its next wake.
func (k *Keeper[Item]) Forget(item Item) {
	k.mu.Lock()
	inf, ok := k.registry[item]
	k.mu.Unlock()
	if !ok {
		return
	}
	k.deactivate(item, inf)
}

// Delete releases item's claim. If item is not registered, it resolves
// immediately. Otherwise it retries through the delete BatchBuilder up to
// RetryLimit times before giving up, then deactivates the item on success.
func (k *Keeper[Item]) Delete(ctx context.Context, item Item) error {
	k.mu.Lock()
	inf, ok := k.registry[item]
	k.mu.Unlock()
	if !ok {
		return nil
	}

	if k.deleteFn == nil || k.deleteBuilder == nil {
		k.deactivate(item, inf)
		return nil
	}

	deleteCtx := mergeCancel(k.disposeCtx, ctx)

	attempts := 0
	for {
		_, err := k.deleteBuilder.Request(deleteCtx, item)
		if err == nil {
			k.deactivate(item, inf)
			return nil
		}

		attempts++
		if attempts > k.settings.RetryLimit || k.disposing.Load() {
			k.settings.Metrics.IncDeleteFailure()
			return err
		}

		if derr := k.clock.Delay(deleteCtx, k.settings.RetryInterval); derr != nil {
			return derr
		}
	}
}

// Shutdown cancels every touch loop and waits, with bounded exponential
// backoff capped at one second, until the registry is empty.
func (k *Keeper[Item]) Shutdown(ctx context.Context) error {
	k.disposing.Store(true)
	k.cancelOnce.Do(k.disposeCancel)

	const maxBackoff = time.Second
	backoff := 10 * time.Millisecond

	for {
		k.mu.Lock()
		empty := len(k.registry) == 0
		k.mu.Unlock()
		if empty {
			break
		}
		if err := k.clock.Delay(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	k.wg.Wait()
	k.touchBuilder.Dispose()
	if k.deleteBuilder != nil {
		k.deleteBuilder.Dispose()
	}
	return nil
}

// Dispose is a synchronous Shutdown against a background context. It is
// idempotent.
func (k *Keeper[Item]) Dispose() {
	_ = k.Shutdown(context.Background())
}

// RegisteredItems returns a snapshot of currently active items, chiefly
// useful for diagnostics.
func (k *Keeper[Item]) RegisteredItems() []Item {
	k.mu.Lock()
	defer k.mu.Unlock()
	return maps.Keys(k.registry)
}
