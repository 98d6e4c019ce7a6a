package jobs

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunBounded calls fn for every item with at most limit calls in flight.
// fn errors do not cancel the remaining items; the first one is returned
// after all items finish. A limit below 1 is treated as 1.
func RunBounded[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) error {
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(ctx, item)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
