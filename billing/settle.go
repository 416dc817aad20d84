package billing

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// task is one independent side effect of a handler.
type task struct {
	name string
	fn   func(ctx context.Context) error
}

// settle runs every task concurrently and waits for all of them. A failing
// task never cancels the others. Each failure is logged and the first one,
// in task order, is returned.
func (h *handlers) settle(ctx context.Context, tasks ...task) error {
	errs := make([]error, len(tasks))
	var g errgroup.Group
	g.SetLimit(8)
	for i, t := range tasks {
		g.Go(func() error {
			if err := t.fn(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", t.name, err)
				h.Logger.Warn("side effect failed", "task", t.name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
