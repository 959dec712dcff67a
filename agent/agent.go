// Package agent implements a small supervised background loop.
// BatchSubscriber's poller and runner loops are built on it; BatchBuilder's
// reader loop is a plain goroutine.
package agent

import (
	"context"
	"sync"
	"sync/atomic"

	"go.lepak.sg/aliveq/logging"
)

// Step runs one iteration of the loop. Returning cont=true asks for another
// iteration; cont=false ends the loop normally. An error that is not a
// context cancellation is logged and the loop continues: user-callback
// errors must never kill an Agent outright.
type Step func(ctx context.Context) (cont bool, err error)

// Agent is a supervised cooperative loop. It is created in a "not started"
// state so that composite structures (such as BatchSubscriber) can
// finish wiring their dependencies before any goroutine observes them.
type Agent struct {
	step Step
	log  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	started   atomic.Bool
}

// New creates an Agent. Call Start to release it.
func New(parent context.Context, log logging.Logger, step Step) *Agent {
	ctx, cancel := context.WithCancel(parent)
	return &Agent{
		step:   step,
		log:    logging.Default(log),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start releases the loop. Calling Start more than once has no additional
// effect.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		a.started.Store(true)
		go a.run()
	})
}

func (a *Agent) run() {
	defer close(a.done)

	for {
		if a.ctx.Err() != nil {
			return
		}

		cont, err := a.step(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.log.Warn("agent step failed, retrying", "error", err)
			continue
		}
		if !cont {
			return
		}
	}
}

// Done returns a channel that closes once the loop has exited, whether
// normally, via cancellation, or because Step returned cont=false.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Dispose cancels the loop and waits for it to exit. It is safe to call
// before Start (the loop will exit immediately once started) and safe to
// call more than once.
func (a *Agent) Dispose() {
	a.cancel()
	if a.started.Load() {
		<-a.done
	}
}
