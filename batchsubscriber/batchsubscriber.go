// Package batchsubscriber drives a poll/handle/acknowledge pipeline against
// an external message source: it pulls batches of messages, registers each
// receipt's upkeep with an alivekeeper.Keeper, dispatches messages to a
// user handler under a concurrency limit, and deletes the receipt on
// success.
package batchsubscriber

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"go.lepak.sg/aliveq/agent"
	"go.lepak.sg/aliveq/alivekeeper"
	"go.lepak.sg/aliveq/logging"
	"go.lepak.sg/aliveq/metrics"
	"go.lepak.sg/aliveq/syncpolicy"
	"go.lepak.sg/aliveq/timesource"
)

// Handler processes one polled message. A returned error is logged and
// results in the receipt being forgotten, never in subscriber termination.
type Handler[Message any] func(ctx context.Context, msg Message) error

// Settings configures a Subscriber. Values below their floor are clamped up
// on construction.
type Settings struct {
	HandlerCount        int
	PollerCount         int
	InternalQueueSize   int
	RetryLimit          int
	RetryInterval       time.Duration
	DeleteBatchSize     int
	TouchBatchSize      int
	TouchInterval       time.Duration
	TouchBatchDelay     time.Duration
	BatchConcurrency    int
	AlternateBatches    bool
	AsynchronousDeletes bool

	Name    string
	Metrics *metrics.Recorder
}

func (s Settings) normalize() Settings {
	if s.HandlerCount < 1 {
		s.HandlerCount = 1
	}
	if s.PollerCount < 1 {
		s.PollerCount = 1
	}
	if s.InternalQueueSize < 1 {
		s.InternalQueueSize = 1
	}
	if s.RetryLimit < 0 {
		s.RetryLimit = 0
	}
	if s.RetryInterval < 10*time.Millisecond {
		s.RetryInterval = 10 * time.Millisecond
	}
	if s.DeleteBatchSize < 1 {
		s.DeleteBatchSize = 1
	}
	if s.TouchBatchSize < 1 {
		s.TouchBatchSize = 1
	}
	if s.TouchInterval < 10*time.Millisecond {
		s.TouchInterval = 10 * time.Millisecond
	}
	if s.TouchBatchDelay < 0 {
		s.TouchBatchDelay = 0
	}
	if s.BatchConcurrency < 1 {
		s.BatchConcurrency = s.PollerCount + s.HandlerCount
	}
	return s
}

func (s Settings) syncMode() syncpolicy.Mode {
	if !s.AlternateBatches {
		return syncpolicy.Unrestricted
	}
	return syncpolicy.Alternating
}

// burrito pairs a polled message with its receipt.
type burrito[Message, Receipt any] struct {
	msg     Message
	receipt Receipt
}

// Subscriber runs the poll/handle/ack pipeline. Receipt doubles as the
// AliveKeeper registry key and so must be equality comparable.
type Subscriber[Message any, Receipt comparable] struct {
	poller   Poller[Message, Receipt]
	handle   Handler[Message]
	settings Settings
	log      logging.Logger

	keeper *alivekeeper.Keeper[Receipt]

	queue chan burrito[Message, Receipt]

	pollSem *semaphore.Weighted
	runSem  *semaphore.Weighted

	pollerAgent *agent.Agent
	runnerAgent *agent.Agent

	pollWG sync.WaitGroup
	runWG  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	disposeOnce sync.Once
}

// New creates a Subscriber. Call Start to begin pumping messages.
func New[Message any, Receipt comparable](
	parent context.Context,
	poller Poller[Message, Receipt],
	handle Handler[Message],
	settings Settings,
	clock timesource.Source,
	log logging.Logger,
) *Subscriber[Message, Receipt] {
	settings = settings.normalize()
	log = logging.Default(log)

	ctx, cancel := context.WithCancel(parent)

	s := &Subscriber[Message, Receipt]{
		poller:   poller,
		handle:   handle,
		settings: settings,
		log:      log,
		queue:    make(chan burrito[Message, Receipt], settings.InternalQueueSize),
		pollSem:  semaphore.NewWeighted(int64(settings.PollerCount)),
		runSem:   semaphore.NewWeighted(int64(settings.HandlerCount)),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.keeper = alivekeeper.New[Receipt](
		func(tctx context.Context, receipts []Receipt) ([]Receipt, error) {
			return poller.Touch(tctx, receipts)
		},
		func(dctx context.Context, receipts []Receipt) ([]Receipt, error) {
			return poller.Delete(dctx, receipts)
		},
		poller.IdentityOf,
		alivekeeper.Settings{
			TouchInterval:   settings.TouchInterval,
			TouchBatchSize:  settings.TouchBatchSize,
			TouchBatchDelay: settings.TouchBatchDelay,
			DeleteBatchSize: settings.DeleteBatchSize,
			RetryInterval:   settings.RetryInterval,
			RetryLimit:      settings.RetryLimit,
			Concurrency:     settings.BatchConcurrency,
			SyncPolicy:      settings.syncMode(),
			Name:            settings.Name,
			Metrics:         settings.Metrics,
		},
		clock,
		log,
	)

	s.pollerAgent = agent.New(ctx, log, s.pollerStep)
	// The runner loop drains the internal queue strictly by channel close,
	// not by the subscriber's own cancellation, so Dispose can close the
	// queue and still observe every already-enqueued burrito handled or
	// forgotten before the runner exits.
	s.runnerAgent = agent.New(context.Background(), log, s.runnerStep)

	return s
}

// Start releases the poller and runner loops.
func (s *Subscriber[Message, Receipt]) Start() {
	s.pollerAgent.Start()
	s.runnerAgent.Start()
}

func (s *Subscriber[Message, Receipt]) pollerStep(ctx context.Context) (bool, error) {
	if err := s.pollSem.Acquire(ctx, 1); err != nil {
		return false, nil
	}

	s.pollWG.Add(1)
	go func() {
		defer s.pollWG.Done()
		defer s.pollSem.Release(1)
		s.pollOnce(ctx)
	}()

	return true, nil
}

func (s *Subscriber[Message, Receipt]) pollOnce(ctx context.Context) {
	msgs, err := s.poller.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("poll failed, retrying", "error", err)
		return
	}

	for _, msg := range msgs {
		receipt := s.poller.ReceiptFor(msg)
		s.keeper.Register(ctx, receipt)

		select {
		case s.queue <- burrito[Message, Receipt]{msg: msg, receipt: receipt}:
		case <-ctx.Done():
			s.keeper.Forget(receipt)
			return
		}
	}
}

func (s *Subscriber[Message, Receipt]) runnerStep(context.Context) (bool, error) {
	b, ok := <-s.queue
	if !ok {
		return false, nil
	}

	// Never fails: bounds handler concurrency, never aborts draining.
	_ = s.runSem.Acquire(context.Background(), 1)

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		defer s.runSem.Release(1)
		s.handleOne(s.ctx, b)
	}()

	return true, nil
}

func (s *Subscriber[Message, Receipt]) handleOne(ctx context.Context, b burrito[Message, Receipt]) {
	if err := s.handle(ctx, b.msg); err != nil {
		s.log.Warn("handler failed, forgetting receipt", "error", err)
		s.settings.Metrics.IncHandlerError()
		s.keeper.Forget(b.receipt)
		return
	}

	if s.settings.AsynchronousDeletes {
		go func() {
			if err := s.keeper.Delete(context.Background(), b.receipt); err != nil {
				s.log.Warn("asynchronous delete failed", "error", err)
			}
		}()
		return
	}

	if err := s.keeper.Delete(ctx, b.receipt); err != nil {
		s.log.Warn("delete failed", "error", err)
	}
}

// Dispose stops the poller, drains the runner, then disposes the keeper. It
// is idempotent.
func (s *Subscriber[Message, Receipt]) Dispose() {
	s.disposeOnce.Do(func() {
		s.cancel()
		s.pollerAgent.Dispose()
		s.pollWG.Wait()
		close(s.queue)
		// The runner exits on its own once it reads the closed queue empty.
		// Start is a no-op if it already runs and lets a never-started
		// runner observe the close.
		s.runnerAgent.Start()
		<-s.runnerAgent.Done()
		s.runnerAgent.Dispose()
		s.runWG.Wait()
		s.keeper.Dispose()
	})
}
