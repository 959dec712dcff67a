// Package syncpolicy implements the mutual-exclusion/alternation contract
// AliveKeeper uses to interleave its touch and delete batches: Safe (touch
// and delete never overlap), Unrestricted (no ordering at all), and
// Alternating (both sides may run in parallel with themselves, never with
// each other, with fair group-at-a-time admission).
package syncpolicy

import "context"

// Mode selects a Policy implementation.
type Mode int

const (
	Safe Mode = iota
	Unrestricted
	Alternating
)

// Policy gates touch and delete batch execution against each other.
// Every Enter* that returns nil must be matched by exactly one Leave* on
// every code path, including cancellation; an Enter* that returns an error
// has not entered and must not be matched.
type Policy interface {
	EnterTouch(ctx context.Context) error
	LeaveTouch()
	EnterDelete(ctx context.Context) error
	LeaveDelete()
}

// New selects a Policy implementation. If concurrency <= 1 Safe is forced
// regardless of mode, since there is nothing for Alternating or
// Unrestricted to gain from a single in-flight batch. Unknown modes
// default to Safe.
func New(mode Mode, concurrency int) Policy {
	if concurrency <= 1 {
		return newSafe()
	}
	switch mode {
	case Unrestricted:
		return unrestricted{}
	case Alternating:
		return newAlternating()
	default:
		return newSafe()
	}
}

// unrestricted is the no-op Policy: touch and delete batches may run
// concurrently without bound.
type unrestricted struct{}

func (unrestricted) EnterTouch(context.Context) error  { return nil }
func (unrestricted) LeaveTouch()                       {}
func (unrestricted) EnterDelete(context.Context) error { return nil }
func (unrestricted) LeaveDelete()                      {}

// safe is a single binary mutex shared by both sides, implemented as a
// 1-buffered channel so entry can still honor ctx cancellation.
type safe struct {
	slot chan struct{}
}

func newSafe() *safe {
	s := &safe{slot: make(chan struct{}, 1)}
	s.slot <- struct{}{}
	return s
}

func (s *safe) acquire(ctx context.Context) error {
	select {
	case <-s.slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *safe) release() {
	s.slot <- struct{}{}
}

func (s *safe) EnterTouch(ctx context.Context) error  { return s.acquire(ctx) }
func (s *safe) LeaveTouch()                           { s.release() }
func (s *safe) EnterDelete(ctx context.Context) error { return s.acquire(ctx) }
func (s *safe) LeaveDelete()                          { s.release() }
