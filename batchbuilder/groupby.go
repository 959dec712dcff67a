package batchbuilder

// entry is one distinct key's worth of work: the representative request sent
// to runBatch, and every mailbox waiting on that key's response.
type entry[Req, Resp any] struct {
	req     Req
	waiters []*mailbox[Req, Resp]
}

// keyedGroup dedupes a batch's mailboxes by key, preserving the order of
// first arrival of each distinct key, and collects every waiter sharing a
// key so a single response can resolve all of them. A group is built once
// per dispatch and never mutated after groupByKey returns, so it needs
// nothing more than an append-only order slice alongside the lookup map.
type keyedGroup[K comparable, Req, Resp any] struct {
	order   []K
	entries map[K]*entry[Req, Resp]
}

func groupByKey[K comparable, Req, Resp any](
	keyOf func(Req) K, mailboxes []*mailbox[Req, Resp],
) *keyedGroup[K, Req, Resp] {
	g := &keyedGroup[K, Req, Resp]{
		entries: make(map[K]*entry[Req, Resp], len(mailboxes)),
	}

	for _, mb := range mailboxes {
		k := keyOf(mb.req)
		if e, ok := g.entries[k]; ok {
			e.waiters = append(e.waiters, mb)
			continue
		}
		g.order = append(g.order, k)
		g.entries[k] = &entry[Req, Resp]{req: mb.req, waiters: []*mailbox[Req, Resp]{mb}}
	}

	return g
}

// requests returns every distinct request in first-arrival order.
func (g *keyedGroup[K, Req, Resp]) requests() []Req {
	reqs := make([]Req, len(g.order))
	for i, k := range g.order {
		reqs[i] = g.entries[k].req
	}
	return reqs
}

// waitersFor returns the mailboxes waiting on k, if k was part of the group.
func (g *keyedGroup[K, Req, Resp]) waitersFor(k K) ([]*mailbox[Req, Resp], bool) {
	e, ok := g.entries[k]
	if !ok {
		return nil, false
	}
	return e.waiters, true
}

// forEachUnresolved calls f for every key not present in seen, in
// first-arrival order.
func (g *keyedGroup[K, Req, Resp]) forEachUnresolved(seen map[K]bool, f func(waiters []*mailbox[Req, Resp])) {
	for _, k := range g.order {
		if seen[k] {
			continue
		}
		f(g.entries[k].waiters)
	}
}
