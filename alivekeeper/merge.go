package alivekeeper

import "context"

// mergeCancel returns a context that is done as soon as any of parents is
// done. The AfterFunc registrations on whichever parent did not fire are
// detached once the merged context itself completes, so long-lived parents
// (e.g. context.Background()) do not accumulate dangling callbacks.
func mergeCancel(parents ...context.Context) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	stops := make([]func() bool, len(parents))
	for i, p := range parents {
		stops[i] = context.AfterFunc(p, cancel)
	}

	context.AfterFunc(ctx, func() {
		for _, stop := range stops {
			stop()
		}
	})

	return ctx
}
