// Package batchbuilder coalesces many concurrent single-item requests into
// bounded-size batched calls to a user-supplied many-at-a-time operation,
// and demultiplexes the responses back to the individual callers by key.
package batchbuilder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"go.lepak.sg/aliveq/chanutil"
	"go.lepak.sg/aliveq/logging"
	"go.lepak.sg/aliveq/metrics"
	"go.lepak.sg/aliveq/timesource"
)

// ErrMissingResponse is returned to a waiter whose request's key was not
// present among the responses returned by RunBatch.
var ErrMissingResponse = errors.New("batchbuilder: no response for key")

// ErrDisposed is returned by Request once the Builder has been disposed.
var ErrDisposed = errors.New("batchbuilder: builder is disposed")

// RunBatch is the user-supplied many-at-a-time operation. It must return at
// most one response per distinct key in reqs; a failure fails every
// request in the call.
type RunBatch[Req, Resp any] func(ctx context.Context, reqs []Req) ([]Resp, error)

// Settings configures a Builder. Values below their floor are clamped up on
// construction.
type Settings struct {
	BatchSize   int
	BatchDelay  time.Duration
	Concurrency int

	// Name labels this Builder's instruments when Metrics is set.
	Name    string
	Metrics *metrics.Recorder
}

func (s Settings) normalize() Settings {
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchDelay < 0 {
		s.BatchDelay = 0
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	return s
}

// Builder is a request coalescer. Create one with New and call Request from
// as many goroutines as you like; call Dispose exactly once per program
// (though Dispose itself is idempotent) when done.
type Builder[K comparable, Req, Resp any] struct {
	keyOfReq  func(Req) K
	keyOfResp func(Resp) K
	runBatch  RunBatch[Req, Resp]
	settings  Settings
	log       logging.Logger
	clock     timesource.Source

	in   chan *mailbox[Req, Resp]
	sema *semaphore.Weighted

	closeMu sync.RWMutex
	closed  bool

	loopDone    chan struct{}
	dispatchWg  sync.WaitGroup
	disposeOnce sync.Once
}

// New creates a Builder and starts its reader loop. clock drives the
// batch-delay window in the reader loop; pass timesource.Real{} in
// production and a timesource.Fake in tests that need to advance the window
// deterministically.
func New[K comparable, Req, Resp any](
	keyOfReq func(Req) K,
	keyOfResp func(Resp) K,
	runBatch RunBatch[Req, Resp],
	settings Settings,
	clock timesource.Source,
	log logging.Logger,
) *Builder[K, Req, Resp] {
	settings = settings.normalize()

	b := &Builder[K, Req, Resp]{
		keyOfReq:  keyOfReq,
		keyOfResp: keyOfResp,
		runBatch:  runBatch,
		settings:  settings,
		log:       logging.Default(log),
		clock:     clock,
		in:        make(chan *mailbox[Req, Resp], settings.BatchSize),
		sema:      semaphore.NewWeighted(int64(settings.Concurrency)),
		loopDone:  make(chan struct{}),
	}

	go b.readerLoop()

	return b
}

// Request enqueues req and blocks until the batch that serves its key
// resolves, ctx is cancelled, or the Builder is disposed.
func (b *Builder[K, Req, Resp]) Request(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	b.closeMu.RLock()
	if b.closed {
		b.closeMu.RUnlock()
		return zero, ErrDisposed
	}

	mb := newMailbox[Req, Resp](req)

	select {
	case b.in <- mb:
		b.closeMu.RUnlock()
	case <-ctx.Done():
		b.closeMu.RUnlock()
		return zero, ctx.Err()
	}

	return mb.wait(ctx)
}

func (b *Builder[K, Req, Resp]) readerLoop() {
	defer close(b.loopDone)

	for {
		group, _ := chanutil.ReadMany(context.Background(), b.in, b.settings.BatchSize, b.settings.BatchDelay, b.clock)
		if len(group) == 0 {
			return
		}
		b.dispatch(group)
	}
}

func (b *Builder[K, Req, Resp]) dispatch(mailboxes []*mailbox[Req, Resp]) {
	// Acquire never fails against a background context; it only bounds
	// concurrency, it never aborts work.
	_ = b.sema.Acquire(context.Background(), 1)

	b.dispatchWg.Add(1)
	go func() {
		defer b.dispatchWg.Done()
		defer b.sema.Release(1)
		b.runGroup(mailboxes)
	}()
}

func (b *Builder[K, Req, Resp]) runGroup(mailboxes []*mailbox[Req, Resp]) {
	var zero Resp

	g := groupByKey(b.keyOfReq, mailboxes)
	reqs := g.requests()

	batchID := uuid.Must(uuid.NewV7()).String()
	b.log.Debug("dispatching batch", "batch_id", batchID, "name", b.settings.Name, "size", len(reqs))

	start := time.Now()
	resps, err := b.runBatch(context.Background(), reqs)
	b.settings.Metrics.ObserveBatch(b.settings.Name, len(reqs), time.Since(start), err)
	if err != nil {
		b.log.Warn("batch call failed", "batch_id", batchID, "name", b.settings.Name, "error", err)
		for _, mb := range mailboxes {
			mb.resolve(zero, err)
		}
		return
	}

	seen := make(map[K]bool, len(resps))
	for _, resp := range resps {
		k := b.keyOfResp(resp)
		waiters, ok := g.waitersFor(k)
		if !ok {
			// Response key was not represented in the input; ignore it.
			continue
		}
		seen[k] = true
		for _, mb := range waiters {
			mb.resolve(resp, nil)
		}
	}

	g.forEachUnresolved(seen, func(waiters []*mailbox[Req, Resp]) {
		for _, mb := range waiters {
			mb.resolve(zero, ErrMissingResponse)
		}
	})
}

// Dispose stops accepting new requests and drains currently buffered ones
// through the normal path. It is idempotent and safe to call repeatedly.
func (b *Builder[K, Req, Resp]) Dispose() {
	b.disposeOnce.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		close(b.in)
		b.closeMu.Unlock()
	})
	<-b.loopDone
	b.dispatchWg.Wait()
}
