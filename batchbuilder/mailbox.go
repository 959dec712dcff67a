package batchbuilder

import (
	"context"
	"sync"
)

// mailbox is a pending request: the request value and a single-assignment
// promise for its response. It lives from Request to the batch dispatch
// that resolves it.
type mailbox[Req, Resp any] struct {
	req Req

	once sync.Once
	done chan struct{}
	resp Resp
	err  error
}

func newMailbox[Req, Resp any](req Req) *mailbox[Req, Resp] {
	return &mailbox[Req, Resp]{
		req:  req,
		done: make(chan struct{}),
	}
}

// resolve settles the mailbox exactly once; later calls are no-ops.
func (m *mailbox[Req, Resp]) resolve(resp Resp, err error) {
	m.once.Do(func() {
		m.resp = resp
		m.err = err
		close(m.done)
	})
}

func (m *mailbox[Req, Resp]) wait(ctx context.Context) (Resp, error) {
	select {
	case <-m.done:
		return m.resp, m.err
	case <-ctx.Done():
		var zero Resp
		return zero, ctx.Err()
	}
}
