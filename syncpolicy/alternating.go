package syncpolicy

import (
	"context"
	"sync"
)

// side identifies one of the two symmetric groups.
type side int

const (
	sideTouch side = iota
	sideDelete
)

func (s side) other() side {
	if s == sideTouch {
		return sideDelete
	}
	return sideTouch
}

// groupState tracks one side's waiting/active/granted counters plus the
// channel its current cohort of waiters parks on. epoch increments every
// time a park-cohort is promoted into granted, so a waiter racing a
// cancellation against that promotion can tell whether its own waiting
// slot was already transferred before deciding what to give back.
type groupState struct {
	waiting int
	active  int
	granted int
	epoch   int
	ch      chan struct{}
}

// alternating lets both groups run in parallel with themselves but never
// with each other. It holds a single current "active group" (or none); see
// enter and leave for the admission rules.
type alternating struct {
	mu         sync.Mutex
	hasCurrent bool
	current    side
	groups     [2]*groupState
}

func newAlternating() *alternating {
	return &alternating{
		groups: [2]*groupState{
			sideTouch:  {ch: make(chan struct{})},
			sideDelete: {ch: make(chan struct{})},
		},
	}
}

func (a *alternating) EnterTouch(ctx context.Context) error  { return a.enter(ctx, sideTouch) }
func (a *alternating) LeaveTouch()                           { a.leave(sideTouch) }
func (a *alternating) EnterDelete(ctx context.Context) error { return a.enter(ctx, sideDelete) }
func (a *alternating) LeaveDelete()                          { a.leave(sideDelete) }

func (a *alternating) enter(ctx context.Context, me side) error {
	other := me.other()

	a.mu.Lock()
	for {
		g, og := a.groups[me], a.groups[other]

		// Free entry: no active group, or the current group is mine and
		// the other side has nobody waiting.
		if !a.hasCurrent || (a.current == me && og.waiting == 0) {
			a.hasCurrent = true
			a.current = me
			g.active++
			a.mu.Unlock()
			return nil
		}

		// Granted entry: the current group is mine and I was promoted by
		// the last switch.
		if a.current == me && g.granted > 0 {
			g.granted--
			g.active++
			a.mu.Unlock()
			return nil
		}

		// Park. The channel reference and epoch are captured before
		// unlocking so a later Leave can safely swap g.ch out from under
		// us, and so a ctx cancellation racing a concurrent promotion can
		// tell whether our waiting slot was already transferred.
		g.waiting++
		ch := g.ch
		epoch := g.epoch
		a.mu.Unlock()

		select {
		case <-ch:
			a.mu.Lock()
			// Loop around: this cohort was just promoted to granted (or
			// the group is free again), re-check and consume it.
		case <-ctx.Done():
			a.mu.Lock()
			if g.epoch == epoch {
				// Never promoted: still genuinely counted as waiting.
				g.waiting--
				a.mu.Unlock()
				return ctx.Err()
			}
			// A promotion raced this cancellation and already moved our
			// waiting slot into the granted pool; give that reservation
			// back instead of double-adjusting waiting, which a
			// same-instant close(ch)/ctx.Done() tie can otherwise drive
			// negative.
			g.granted--
			if a.current == me && g.active == 0 && g.granted == 0 {
				// We were the last (or only) member of a promoted cohort
				// and nobody actually entered on it; without this, a.current
				// would stay stuck on me with no active holder, starving
				// the other side forever.
				a.releaseIdle(me)
			} else {
				a.mu.Unlock()
			}
			return ctx.Err()
		}
	}
}

func (a *alternating) leave(me side) {
	a.mu.Lock()
	g := a.groups[me]

	g.active--
	if g.active > 0 {
		a.mu.Unlock()
		return
	}

	a.releaseIdle(me)
}

// releaseIdle must be called with a.mu held, for the side that has just
// become fully idle (no active holders and no outstanding grants). It
// promotes the other side's parked cohort if any, or else clears
// a.hasCurrent, and unlocks a.mu itself since closing the promoted
// cohort's channel must happen without the lock held.
func (a *alternating) releaseIdle(me side) {
	og := a.groups[me.other()]

	if og.waiting > 0 {
		a.current = me.other()
		og.granted = og.waiting
		og.waiting = 0
		og.epoch++

		oldCh := og.ch
		og.ch = make(chan struct{})
		a.mu.Unlock()

		close(oldCh)
		return
	}

	a.hasCurrent = false
	a.mu.Unlock()
}
